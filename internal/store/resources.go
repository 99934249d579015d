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

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ storage accounts

// GetStorageAccount returns the mirrored storage account row, or nil.
func (s *Store) GetStorageAccount(ctx context.Context, experimentID int64, name string) (*StorageAccount, error) {
	var out StorageAccount
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM storage_account WHERE experiment_id = $1 AND name = $2`, experimentID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get storage account")
	}
	return &out, nil
}

// CreateStorageAccount mirrors a storage account row.
func (s *Store) CreateStorageAccount(ctx context.Context, sa StorageAccount) (*StorageAccount, error) {
	var out StorageAccount
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO storage_account (experiment_id, name, description, label, location, status, created_by_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING *`,
		sa.ExperimentID, sa.Name, sa.Description, sa.Label, sa.Location, sa.Status, sa.CreatedByUs)
	if err != nil {
		return nil, pErr(err, "failed to create storage account row")
	}
	return &out, nil
}

// DeleteStorageAccount removes the mirrored storage account row.
func (s *Store) DeleteStorageAccount(ctx context.Context, experimentID int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM storage_account WHERE experiment_id = $1 AND name = $2`, experimentID, name)
	if err != nil {
		return pErr(err, "failed to delete storage account row")
	}
	return nil
}

// -------------------------------------------------------- cloud services

// GetCloudService returns the mirrored cloud service row, or nil.
func (s *Store) GetCloudService(ctx context.Context, experimentID int64, name string) (*CloudService, error) {
	var out CloudService
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM cloud_service WHERE experiment_id = $1 AND name = $2`, experimentID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get cloud service")
	}
	return &out, nil
}

// CreateCloudService mirrors a cloud service row.
func (s *Store) CreateCloudService(ctx context.Context, cs CloudService) (*CloudService, error) {
	var out CloudService
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO cloud_service (experiment_id, name, label, location, status, created_by_us)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING *`,
		cs.ExperimentID, cs.Name, cs.Label, cs.Location, cs.Status, cs.CreatedByUs)
	if err != nil {
		return nil, pErr(err, "failed to create cloud service row")
	}
	return &out, nil
}

// DeleteCloudServiceCascade removes the cloud service row together with
// every deployment, virtual machine, endpoint and virtual environment
// under it, in one transaction. virtual_environment and endpoint rows go
// first: both reference virtual_machine.
func (s *Store) DeleteCloudServiceCascade(ctx context.Context, experimentID int64, name string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []string{
			`DELETE FROM virtual_environment WHERE virtual_machine_id IN (
			   SELECT id FROM virtual_machine
			   WHERE experiment_id = $1 AND cloud_service_name = $2)`,
			`DELETE FROM endpoint WHERE experiment_id = $1 AND cloud_service_name = $2`,
			`DELETE FROM virtual_machine WHERE experiment_id = $1 AND cloud_service_name = $2`,
			`DELETE FROM deployment WHERE experiment_id = $1 AND cloud_service_name = $2`,
			`DELETE FROM cloud_service WHERE experiment_id = $1 AND name = $2`,
		} {
			if _, err := tx.ExecContext(ctx, q, experimentID, name); err != nil {
				return errors.Wrap(err, "failed to cascade cloud service delete")
			}
		}
		return nil
	})
}

// ----------------------------------------------------------- deployments

// GetDeployment returns the mirrored deployment row, or nil.
func (s *Store) GetDeployment(ctx context.Context, experimentID int64, cloudService, name string) (*Deployment, error) {
	var out Deployment
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM deployment WHERE experiment_id = $1 AND cloud_service_name = $2 AND name = $3`,
		experimentID, cloudService, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get deployment")
	}
	return &out, nil
}

// GetDeploymentBySlot returns the mirrored deployment row for a cloud
// service slot, or nil.
func (s *Store) GetDeploymentBySlot(ctx context.Context, experimentID int64, cloudService, slot string) (*Deployment, error) {
	var out Deployment
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM deployment WHERE experiment_id = $1 AND cloud_service_name = $2 AND slot = $3`,
		experimentID, cloudService, slot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get deployment by slot")
	}
	return &out, nil
}

// CreateDeployment mirrors a deployment row.
func (s *Store) CreateDeployment(ctx context.Context, d Deployment) (*Deployment, error) {
	var out Deployment
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO deployment (experiment_id, cloud_service_name, name, slot, status, created_by_us)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING *`,
		d.ExperimentID, d.CloudServiceName, d.Name, d.Slot, d.Status, d.CreatedByUs)
	if err != nil {
		return nil, pErr(err, "failed to create deployment row")
	}
	return &out, nil
}

// DeleteDeploymentCascade removes the deployment row together with its
// virtual machines, their endpoints and their virtual environments, in
// one transaction.
func (s *Store) DeleteDeploymentCascade(ctx context.Context, experimentID int64, cloudService, name string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM virtual_environment WHERE virtual_machine_id IN (
			   SELECT id FROM virtual_machine
			   WHERE experiment_id = $1 AND cloud_service_name = $2 AND deployment_name = $3)`,
			experimentID, cloudService, name)
		if err != nil {
			return errors.Wrap(err, "failed to delete deployment virtual environments")
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM endpoint WHERE virtual_machine_id IN (
			   SELECT id FROM virtual_machine
			   WHERE experiment_id = $1 AND cloud_service_name = $2 AND deployment_name = $3)`,
			experimentID, cloudService, name)
		if err != nil {
			return errors.Wrap(err, "failed to delete deployment endpoints")
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM virtual_machine WHERE experiment_id = $1 AND cloud_service_name = $2 AND deployment_name = $3`,
			experimentID, cloudService, name)
		if err != nil {
			return errors.Wrap(err, "failed to delete deployment virtual machines")
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM deployment WHERE experiment_id = $1 AND cloud_service_name = $2 AND name = $3`,
			experimentID, cloudService, name)
		if err != nil {
			return errors.Wrap(err, "failed to delete deployment row")
		}
		return nil
	})
}

// ------------------------------------------------------ virtual machines

// GetVirtualMachine returns the mirrored virtual machine row, or nil.
func (s *Store) GetVirtualMachine(ctx context.Context, experimentID int64, cloudService, deployment, name string) (*VirtualMachine, error) {
	var out VirtualMachine
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM virtual_machine
		 WHERE experiment_id = $1 AND cloud_service_name = $2 AND deployment_name = $3 AND name = $4`,
		experimentID, cloudService, deployment, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pErr(err, "failed to get virtual machine")
	}
	return &out, nil
}

// ListVirtualMachines lists the mirrored virtual machines of a deployment.
func (s *Store) ListVirtualMachines(ctx context.Context, experimentID int64, cloudService, deployment string) ([]VirtualMachine, error) {
	var out []VirtualMachine
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM virtual_machine
		 WHERE experiment_id = $1 AND cloud_service_name = $2 AND deployment_name = $3
		 ORDER BY id`, experimentID, cloudService, deployment)
	if err != nil {
		return nil, pErr(err, "failed to list virtual machines")
	}
	return out, nil
}

// CreateVirtualMachine mirrors a virtual machine row.
func (s *Store) CreateVirtualMachine(ctx context.Context, vm VirtualMachine) (*VirtualMachine, error) {
	var out VirtualMachine
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO virtual_machine
		 (experiment_id, cloud_service_name, deployment_name, name, label, status, dns, public_ip, private_ip, created_by_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING *`,
		vm.ExperimentID, vm.CloudServiceName, vm.DeploymentName, vm.Name, vm.Label,
		vm.Status, vm.DNS, vm.PublicIP, vm.PrivateIP, vm.CreatedByUs)
	if err != nil {
		return nil, pErr(err, "failed to create virtual machine row")
	}
	return &out, nil
}

// UpdateVirtualMachineStatus sets the mirrored power status of a role.
func (s *Store) UpdateVirtualMachineStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE virtual_machine SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return pErr(err, "failed to update virtual machine status")
	}
	return nil
}

// UpdateVirtualMachinePrivateIP refreshes the mirrored private address.
func (s *Store) UpdateVirtualMachinePrivateIP(ctx context.Context, id int64, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE virtual_machine SET private_ip = $2 WHERE id = $1`, id, ip)
	if err != nil {
		return pErr(err, "failed to update virtual machine private ip")
	}
	return nil
}

// DeleteVirtualMachineCascade removes the virtual machine row, its
// endpoints and its virtual environment in one transaction.
func (s *Store) DeleteVirtualMachineCascade(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM virtual_environment WHERE virtual_machine_id = $1`, id); err != nil {
			return errors.Wrap(err, "failed to delete virtual machine environment")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint WHERE virtual_machine_id = $1`, id); err != nil {
			return errors.Wrap(err, "failed to delete virtual machine endpoints")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM virtual_machine WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, "failed to delete virtual machine row")
		}
		return nil
	})
}

// ------------------------------------------------------------- endpoints

// ListEndpoints lists the committed endpoints of a virtual machine in
// insertion order.
func (s *Store) ListEndpoints(ctx context.Context, virtualMachineID int64) ([]Endpoint, error) {
	var out []Endpoint
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM endpoint WHERE virtual_machine_id = $1 ORDER BY id`, virtualMachineID)
	if err != nil {
		return nil, pErr(err, "failed to list endpoints")
	}
	return out, nil
}

// ListPendingEndpoints lists pre-committed endpoint rows not yet bound
// to a virtual machine.
func (s *Store) ListPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) ([]Endpoint, error) {
	var out []Endpoint
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM endpoint
		 WHERE experiment_id = $1 AND cloud_service_name = $2 AND virtual_machine_id IS NULL
		 ORDER BY id`, experimentID, cloudService)
	if err != nil {
		return nil, pErr(err, "failed to list pending endpoints")
	}
	return out, nil
}

// ListAssignedPublicPorts returns every public port recorded for a
// cloud service, pending rows included. Used for port assignment so two
// in-flight creates cannot pick the same port.
func (s *Store) ListAssignedPublicPorts(ctx context.Context, experimentID int64, cloudService string) ([]int, error) {
	var out []int
	err := s.db.SelectContext(ctx, &out,
		`SELECT public_port FROM endpoint WHERE experiment_id = $1 AND cloud_service_name = $2`,
		experimentID, cloudService)
	if err != nil {
		return nil, pErr(err, "failed to list assigned public ports")
	}
	return out, nil
}

// PrecommitEndpoints records endpoint rows with no owning virtual
// machine, reserving their public ports before the role exists.
func (s *Store) PrecommitEndpoints(ctx context.Context, endpoints []Endpoint) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, ep := range endpoints {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO endpoint (experiment_id, cloud_service_name, virtual_machine_id, name, protocol, public_port, private_port)
				 VALUES ($1, $2, NULL, $3, $4, $5, $6)`,
				ep.ExperimentID, ep.CloudServiceName, ep.Name, ep.Protocol, ep.PublicPort, ep.PrivatePort)
			if err != nil {
				return errors.Wrap(err, "failed to precommit endpoint")
			}
		}
		return nil
	})
}

// AttachPendingEndpoints binds the pre-committed endpoint rows of a
// cloud service to the virtual machine that now owns them.
func (s *Store) AttachPendingEndpoints(ctx context.Context, experimentID int64, cloudService string, virtualMachineID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE endpoint SET virtual_machine_id = $3
		 WHERE experiment_id = $1 AND cloud_service_name = $2 AND virtual_machine_id IS NULL`,
		experimentID, cloudService, virtualMachineID)
	if err != nil {
		return pErr(err, "failed to attach pending endpoints")
	}
	return nil
}

// RollbackPendingEndpoints discards pre-committed endpoint rows after a
// failed create, releasing their ports.
func (s *Store) RollbackPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM endpoint
		 WHERE experiment_id = $1 AND cloud_service_name = $2 AND virtual_machine_id IS NULL`,
		experimentID, cloudService)
	if err != nil {
		return pErr(err, "failed to rollback pending endpoints")
	}
	return nil
}

// ReplaceEndpoints swaps the endpoint set of a virtual machine in one
// transaction, so readers never observe a partial set.
func (s *Store) ReplaceEndpoints(ctx context.Context, virtualMachineID int64, endpoints []Endpoint) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint WHERE virtual_machine_id = $1`, virtualMachineID); err != nil {
			return errors.Wrap(err, "failed to clear endpoints")
		}
		for _, ep := range endpoints {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO endpoint (experiment_id, cloud_service_name, virtual_machine_id, name, protocol, public_port, private_port)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ep.ExperimentID, ep.CloudServiceName, virtualMachineID, ep.Name, ep.Protocol, ep.PublicPort, ep.PrivatePort)
			if err != nil {
				return errors.Wrap(err, "failed to insert endpoint")
			}
		}
		return nil
	})
}

// -------------------------------------------------- virtual environments

// CreateVirtualEnvironment records the remote-access view of a machine.
func (s *Store) CreateVirtualEnvironment(ctx context.Context, ve VirtualEnvironment) (*VirtualEnvironment, error) {
	var out VirtualEnvironment
	err := s.db.GetContext(ctx, &out,
		`INSERT INTO virtual_environment
		 (experiment_id, virtual_machine_id, provider, remote_provider, image_name, status, remote_paras)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING *`,
		ve.ExperimentID, ve.VirtualMachineID, ve.Provider, ve.RemoteProvider, ve.ImageName, ve.Status, ve.RemoteParas)
	if err != nil {
		return nil, pErr(err, "failed to create virtual environment")
	}
	return &out, nil
}

// UpdateVirtualEnvironmentStatus sets the environment status.
func (s *Store) UpdateVirtualEnvironmentStatus(ctx context.Context, virtualMachineID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE virtual_environment SET status = $2 WHERE virtual_machine_id = $1`, virtualMachineID, status)
	if err != nil {
		return pErr(err, "failed to update virtual environment status")
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pErr(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return pErr(err, "transaction failed")
	}
	if err := tx.Commit(); err != nil {
		return pErr(err, "failed to commit transaction")
	}
	return nil
}
