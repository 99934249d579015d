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

	"github.com/pkg/errors"
)

// AppendAudit appends one lifecycle record. The table is append-only;
// nothing updates or deletes rows, so the id column is a stable cursor.
func (s *Store) AppendAudit(ctx context.Context, experimentID int64, operation string, status AuditStatus, note string, stepIndex int) (*AuditLog, error) {
	var out AuditLog
	noteVal := sql.NullString{String: note, Valid: note != ""}
	stepVal := sql.NullInt64{Int64: int64(stepIndex), Valid: stepIndex >= 0}
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO audit_log (experiment_id, operation, status, note, step_index)
		 VALUES ($1, $2, $3, $4, $5) RETURNING *`,
		experimentID, operation, status, noteVal, stepVal)
	if err != nil {
		return nil, pErr(err, "failed to append audit record")
	}
	return &out, nil
}

// QueryAuditAfter returns audit records for an experiment with id above
// the cursor, optionally filtered to operations sharing a prefix, in id
// order.
func (s *Store) QueryAuditAfter(ctx context.Context, experimentID int64, operationPrefix string, afterID int64) ([]AuditLog, error) {
	var out []AuditLog
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM audit_log
		 WHERE experiment_id = $1 AND id > $2 AND operation LIKE $3 || '%'
		 ORDER BY id`, experimentID, afterID, operationPrefix)
	if err != nil {
		return nil, pErr(err, "failed to query audit records")
	}
	return out, nil
}

// LastAudit returns the newest audit record of an operation for an
// experiment, or nil.
func (s *Store) LastAudit(ctx context.Context, experimentID int64, operation string) (*AuditLog, error) {
	var out AuditLog
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM audit_log
		 WHERE experiment_id = $1 AND operation = $2
		 ORDER BY id DESC LIMIT 1`, experimentID, operation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get last audit record")
	}
	return &out, nil
}
