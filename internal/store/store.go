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

// Package store is the repository over the relational store. It carries
// no business logic: the orchestrator decides, the store commits.
package store

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
)

// Store provides CRUD over persisted entities. Every mutating method is
// a single transactional commit.
type Store struct {
	db *sqlx.DB
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database.
func Open(uri string) (*Store, error) {
	db, err := sqlx.Open("pgx", uri)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return New(db), nil
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func pErr(err error, msg string) error {
	return azure.WithKind(azure.PersistenceError, errors.Wrap(err, msg))
}

// ---------------------------------------------------------------- users

// GetUserByEmail returns the user with the given email, or nil.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*UserInfo, error) {
	var user UserInfo
	err := s.db.GetContext(ctx, &user, `SELECT * FROM user_info WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get user")
	}
	return &user, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, name, email string) (*UserInfo, error) {
	var user UserInfo
	err := s.db.GetContext(ctx, &user,
		`INSERT INTO user_info (name, email) VALUES ($1, $2) RETURNING *`, name, email)
	if err != nil {
		return nil, pErr(err, "failed to create user")
	}
	return &user, nil
}

// TouchLastLogin bumps the user's last login time.
func (s *Store) TouchLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_info SET last_login_time = now() WHERE id = $1`, userID)
	if err != nil {
		return pErr(err, "failed to update last login time")
	}
	return nil
}

// ---------------------------------------------------------- credentials

// GetCredential returns the user's credential for a subscription, or nil.
func (s *Store) GetCredential(ctx context.Context, userID int64, subscriptionID string) (*ManagementCredential, error) {
	var cred ManagementCredential
	err := s.db.GetContext(ctx, &cred,
		`SELECT * FROM management_credential WHERE user_id = $1 AND subscription_id = $2`,
		userID, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get credential")
	}
	return &cred, nil
}

// GetCredentialByID returns a credential by primary key, or nil.
func (s *Store) GetCredentialByID(ctx context.Context, id int64) (*ManagementCredential, error) {
	var cred ManagementCredential
	err := s.db.GetContext(ctx, &cred, `SELECT * FROM management_credential WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get credential")
	}
	return &cred, nil
}

// CreateCredential inserts a management credential.
func (s *Store) CreateCredential(ctx context.Context, cred ManagementCredential) (*ManagementCredential, error) {
	var out ManagementCredential
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO management_credential (user_id, subscription_id, management_host, pem_path, cert_path)
		 VALUES ($1, $2, $3, $4, $5) RETURNING *`,
		cred.UserID, cred.SubscriptionID, cred.ManagementHost, cred.PEMPath, cred.CertPath)
	if err != nil {
		return nil, pErr(err, "failed to create credential")
	}
	return &out, nil
}

// ------------------------------------------------------------ templates

// CreateTemplate inserts a template document reference.
func (s *Store) CreateTemplate(ctx context.Context, url, kind string) (*Template, error) {
	var out Template
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO template (url, kind) VALUES ($1, $2) RETURNING *`, url, kind)
	if err != nil {
		return nil, pErr(err, "failed to create template")
	}
	return &out, nil
}

// CreateUserTemplate binds a user to a template.
func (s *Store) CreateUserTemplate(ctx context.Context, userID, templateID int64) (*UserTemplate, error) {
	var out UserTemplate
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO user_template (user_id, template_id) VALUES ($1, $2) RETURNING *`, userID, templateID)
	if err != nil {
		return nil, pErr(err, "failed to create user template")
	}
	return &out, nil
}

// GetTemplateForExperiment resolves the template document bound to an experiment.
func (s *Store) GetTemplateForExperiment(ctx context.Context, experimentID int64) (*Template, error) {
	var out Template
	err := s.db.GetContext(ctx, &out,
		`SELECT t.* FROM template t
		 JOIN user_template ut ON ut.template_id = t.id
		 JOIN experiment e ON e.user_template_id = ut.id
		 WHERE e.id = $1`, experimentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to resolve experiment template")
	}
	return &out, nil
}

// ----------------------------------------------------------- experiments

// CreateExperiment starts a live instance of a user template.
func (s *Store) CreateExperiment(ctx context.Context, userTemplateID int64, name string) (*Experiment, error) {
	var out Experiment
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO experiment (user_template_id, name) VALUES ($1, $2) RETURNING *`, userTemplateID, name)
	if err != nil {
		return nil, pErr(err, "failed to create experiment")
	}
	return &out, nil
}

// GetExperiment returns an experiment by id, or nil.
func (s *Store) GetExperiment(ctx context.Context, id int64) (*Experiment, error) {
	var out Experiment
	err := s.db.GetContext(ctx, &out, `SELECT * FROM experiment WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get experiment")
	}
	return &out, nil
}

// CredentialForExperiment resolves the management credential of the
// user owning an experiment.
func (s *Store) CredentialForExperiment(ctx context.Context, experimentID int64) (*ManagementCredential, error) {
	var out ManagementCredential
	err := s.db.GetContext(ctx, &out,
		`SELECT mc.* FROM management_credential mc
		 JOIN user_template ut ON ut.user_id = mc.user_id
		 JOIN experiment e ON e.user_template_id = ut.id
		 WHERE e.id = $1
		 ORDER BY mc.id LIMIT 1`, experimentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to resolve experiment credential")
	}
	return &out, nil
}
