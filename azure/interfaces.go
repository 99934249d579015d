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

package azure

import "context"

// Client is the typed facade over the service management SDK that the
// orchestration engine relies on. Existence checks normalize the
// provider's not-found sentinel into (false, nil); every other provider
// error propagates with its message preserved for audit notes.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// GetSubscription returns the subscription quota view.
	GetSubscription(ctx context.Context) (Subscription, error)

	// StorageAccountExists checks for a storage account in the subscription.
	StorageAccountExists(ctx context.Context, name string) (bool, error)
	// CheckStorageAccountNameAvailable checks global availability of a
	// storage account name.
	CheckStorageAccountNameAvailable(ctx context.Context, name string) (bool, error)
	// CreateStorageAccount starts asynchronous creation of a storage account.
	CreateStorageAccount(ctx context.Context, name, description, label, location string) (OperationID, error)

	// CloudServiceExists checks for a cloud service in the subscription.
	CloudServiceExists(ctx context.Context, name string) (bool, error)
	// CheckCloudServiceNameAvailable checks global availability of a cloud
	// service name.
	CheckCloudServiceNameAvailable(ctx context.Context, name string) (bool, error)
	// CreateCloudService starts asynchronous creation of a cloud service.
	CreateCloudService(ctx context.Context, name, label, location string) (OperationID, error)

	// DeploymentExists checks for a deployment in the given slot.
	DeploymentExists(ctx context.Context, service, slot string) (bool, error)
	// GetDeploymentNameBySlot resolves the deployment name occupying a slot.
	GetDeploymentNameBySlot(ctx context.Context, service, slot string) (string, error)
	// GetDeployment fetches a deployment by name.
	GetDeployment(ctx context.Context, service, deployment string) (Deployment, error)

	// RoleExists checks for a role inside a deployment.
	RoleExists(ctx context.Context, service, deployment, role string) (bool, error)
	// GetRole fetches the modeled view of a role.
	GetRole(ctx context.Context, service, deployment, role string) (Role, error)

	// CreateVMDeployment starts asynchronous creation of a deployment
	// carrying its first role.
	CreateVMDeployment(ctx context.Context, service, deployment, slot, label string, role RoleSpec) (OperationID, error)
	// AddRole starts asynchronous addition of a role to an existing deployment.
	AddRole(ctx context.Context, service, deployment string, role RoleSpec) (OperationID, error)
	// UpdateRole starts an asynchronous role update of network
	// configuration and size.
	UpdateRole(ctx context.Context, service, deployment, role string, network ConfigurationSet, size string) (OperationID, error)
	// UpdateRoleNetwork starts an asynchronous role update of network
	// configuration only.
	UpdateRoleNetwork(ctx context.Context, service, deployment, role string, network ConfigurationSet) (OperationID, error)
	// DeleteRole starts asynchronous deletion of a role.
	DeleteRole(ctx context.Context, service, deployment, role string) (OperationID, error)
	// DeleteDeployment starts asynchronous deletion of a whole deployment.
	DeleteDeployment(ctx context.Context, service, deployment string) (OperationID, error)
	// StopRole starts an asynchronous shutdown with the given post-shutdown action.
	StopRole(ctx context.Context, service, deployment, role string, action PowerAction) (OperationID, error)
	// StartRole starts an asynchronous role start.
	StartRole(ctx context.Context, service, deployment, role string) (OperationID, error)

	// GetOperationStatus polls the status of an asynchronous operation.
	GetOperationStatus(ctx context.Context, op OperationID) (OperationResult, error)

	// AssignedEndpointPorts lists the public ports already assigned on a
	// cloud service across all its deployments.
	AssignedEndpointPorts(ctx context.Context, service string) ([]int, error)
}
