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

// Package credentials registers users and materializes the per-user
// management certificate pair the provider client authenticates with.
package credentials

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/store"
)

// Manager registers users and their subscription credentials.
type Manager struct {
	store *store.Store
	dir   string
	log   logr.Logger
}

// NewManager builds a Manager writing certificates under dir.
func NewManager(st *store.Store, dir string, log logr.Logger) *Manager {
	return &Manager{store: st, dir: dir, log: log}
}

// Register upserts the user, generates the certificate pair when absent
// and records the management credential. Idempotent: registering the
// same (email, subscription) again reuses the existing rows and files.
func (m *Manager) Register(ctx context.Context, name, email, subscriptionID, managementHost string) (*store.ManagementCredential, error) {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if user, err = m.store.CreateUser(ctx, name, email); err != nil {
			return nil, err
		}
		m.log.Info("registered user", "email", email)
	} else if err := m.store.TouchLastLogin(ctx, user.ID); err != nil {
		return nil, err
	}

	pemPath := filepath.Join(m.dir, fmt.Sprintf("%d-%s.pem", user.ID, subscriptionID))
	cerPath := filepath.Join(m.dir, fmt.Sprintf("%d-%s.cer", user.ID, subscriptionID))
	if err := m.ensureCertificates(ctx, pemPath, cerPath); err != nil {
		return nil, err
	}

	cred, err := m.store.GetCredential(ctx, user.ID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		return cred, nil
	}
	cred, err = m.store.CreateCredential(ctx, store.ManagementCredential{
		UserID:         user.ID,
		SubscriptionID: subscriptionID,
		ManagementHost: managementHost,
		PEMPath:        pemPath,
		CertPath:       cerPath,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("recorded management credential", "user", user.ID, "subscription", subscriptionID)
	return cred, nil
}

// ensureCertificates generates the PEM (key + self-signed cert in one
// file, the format the management endpoint authenticates with) and its
// DER form for upload to the portal. Existing files are kept: the
// uploaded public half must stay in sync with the key on disk.
func (m *Manager) ensureCertificates(ctx context.Context, pemPath, cerPath string) error {
	if _, err := os.Stat(pemPath); err == nil {
		if _, err := os.Stat(cerPath); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return errors.Wrapf(err, "failed to create certificates dir %s", m.dir)
	}

	cmd := exec.CommandContext(ctx, "openssl", "req", "-x509", "-nodes",
		"-days", "365", "-newkey", "rsa:1024",
		"-keyout", pemPath, "-out", pemPath,
		"-batch", "-subj", "/CN=azureformation")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to generate %s: %s", pemPath, out)
	}
	cmd = exec.CommandContext(ctx, "openssl", "x509",
		"-inform", "pem", "-in", pemPath,
		"-outform", "der", "-out", cerPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to convert %s: %s", cerPath, out)
	}
	m.log.Info("generated management certificate pair", "pem", pemPath, "cer", cerPath)
	return nil
}

// ClientFactory builds provider clients from stored credentials,
// pointing them at the configured management endpoint.
func ClientFactory(defaultManagementHost string) func(ctx context.Context, cred *store.ManagementCredential) (azure.Client, error) {
	return func(ctx context.Context, cred *store.ManagementCredential) (azure.Client, error) {
		host := cred.ManagementHost
		if host == "" {
			host = defaultManagementHost
		}
		return azure.NewClient(azure.ClientOptions{
			SubscriptionID: cred.SubscriptionID,
			ManagementHost: host,
			PEMPath:        cred.PEMPath,
		})
	}
}
