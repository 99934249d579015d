/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestGetStorageAccount(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	cols := []string{"id", "experiment_id", "name", "description", "label", "location", "status", "created_by_us", "create_time"}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM storage_account`)).
		WithArgs(int64(7), "ossvhds").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), int64(7), "ossvhds", "storage-description", "ossvhds", "China East", "Online", true, time.Now()))

	sa, err := s.GetStorageAccount(context.Background(), 7, "ossvhds")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(sa).NotTo(BeNil())
	g.Expect(sa.CreatedByUs).To(BeTrue())
	g.Expect(sa.Status).To(Equal(ResourceOnline))

	// absent rows are nil, not an error
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM storage_account`)).
		WithArgs(int64(7), "missing").
		WillReturnRows(sqlmock.NewRows(cols))
	sa, err = s.GetStorageAccount(context.Background(), 7, "missing")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(sa).To(BeNil())

	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestStoreErrorsCarryPersistenceKind(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM experiment`)).
		WithArgs(int64(1)).
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetExperiment(context.Background(), 1)
	g.Expect(err).To(HaveOccurred())
	g.Expect(azure.IsKind(err, azure.PersistenceError)).To(BeTrue())
}

func TestReplaceEndpointsIsTransactional(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	endpoints := []Endpoint{
		{ExperimentID: 7, CloudServiceName: "open-tech-cs", Name: "ssh", Protocol: "tcp", PublicPort: 2201, PrivatePort: 22},
		{ExperimentID: 7, CloudServiceName: "open-tech-cs", Name: "http", Protocol: "tcp", PublicPort: 8001, PrivatePort: 80},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM endpoint WHERE virtual_machine_id = $1`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, ep := range endpoints {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO endpoint`)).
			WithArgs(ep.ExperimentID, ep.CloudServiceName, int64(42), ep.Name, ep.Protocol, ep.PublicPort, ep.PrivatePort).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	g.Expect(s.ReplaceEndpoints(context.Background(), 42, endpoints)).To(Succeed())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestReplaceEndpointsRollsBackOnFailure(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM endpoint WHERE virtual_machine_id = $1`)).
		WithArgs(int64(42)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := s.ReplaceEndpoints(context.Background(), 42, []Endpoint{{Name: "ssh"}})
	g.Expect(err).To(HaveOccurred())
	g.Expect(azure.IsKind(err, azure.PersistenceError)).To(BeTrue())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestPendingEndpointLifecycle(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO endpoint`)).
		WithArgs(int64(7), "open-tech-cs", "ssh", "tcp", 2201, 22).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	g.Expect(s.PrecommitEndpoints(context.Background(), []Endpoint{
		{ExperimentID: 7, CloudServiceName: "open-tech-cs", Name: "ssh", Protocol: "tcp", PublicPort: 2201, PrivatePort: 22},
	})).To(Succeed())

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE endpoint SET virtual_machine_id = $3`)).
		WithArgs(int64(7), "open-tech-cs", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	g.Expect(s.AttachPendingEndpoints(context.Background(), 7, "open-tech-cs", 42)).To(Succeed())

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM endpoint`)).
		WithArgs(int64(7), "open-tech-cs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	g.Expect(s.RollbackPendingEndpoints(context.Background(), 7, "open-tech-cs")).To(Succeed())

	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestQueryAuditAfter(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	cols := []string{"id", "experiment_id", "operation", "status", "note", "step_index", "exec_time"}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM audit_log`)).
		WithArgs(int64(7), int64(10), "create").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(11), int64(7), "create_storage_account", "start", nil, int64(0), time.Now()).
			AddRow(int64(12), int64(7), "create_storage_account", "end", nil, int64(0), time.Now()))

	logs, err := s.QueryAuditAfter(context.Background(), 7, "create", 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(logs).To(HaveLen(2))
	g.Expect(logs[0].ID).To(BeNumerically("<", logs[1].ID))
	g.Expect(logs[1].Status).To(Equal(AuditEnd))

	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestDeleteDeploymentCascade(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM virtual_environment WHERE virtual_machine_id IN`)).
		WithArgs(int64(7), "open-tech-cs", "open-tech-dm").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM endpoint WHERE virtual_machine_id IN`)).
		WithArgs(int64(7), "open-tech-cs", "open-tech-dm").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM virtual_machine`)).
		WithArgs(int64(7), "open-tech-cs", "open-tech-dm").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM deployment`)).
		WithArgs(int64(7), "open-tech-cs", "open-tech-dm").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g.Expect(s.DeleteDeploymentCascade(context.Background(), 7, "open-tech-cs", "open-tech-dm")).To(Succeed())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestDeleteVirtualMachineCascade(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM virtual_environment WHERE virtual_machine_id = $1`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM endpoint WHERE virtual_machine_id = $1`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM virtual_machine WHERE id = $1`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g.Expect(s.DeleteVirtualMachineCascade(context.Background(), 42)).To(Succeed())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestLastAuditTreatsWrappedNoRowsAsAbsent(t *testing.T) {
	g := NewWithT(t)
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM audit_log`)).
		WithArgs(int64(7), "create").
		WillReturnError(fmt.Errorf("scanning row: %w", sql.ErrNoRows))

	rec, err := s.LastAudit(context.Background(), 7, "create")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rec).To(BeNil())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}
