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

// OperationID identifies an asynchronous service management request.
// Its terminal status is fetched by polling GetOperationStatus.
type OperationID string

// OperationStatus is the status of an asynchronous operation as
// reported by the management endpoint.
type OperationStatus string

const (
	// OperationInProgress means the operation has not reached a terminal state yet.
	OperationInProgress OperationStatus = "InProgress"
	// OperationSucceeded is the successful terminal state.
	OperationSucceeded OperationStatus = "Succeeded"
	// OperationFailed is the failed terminal state.
	OperationFailed OperationStatus = "Failed"
)

// OperationResult is the polled state of an asynchronous operation.
type OperationResult struct {
	ID     OperationID
	Status OperationStatus
	// Code and Message carry the provider error for a failed operation.
	Code    string
	Message string
}

// Done reports whether the operation reached a terminal state.
func (r OperationResult) Done() bool {
	return r.Status != OperationInProgress
}

// InstanceStatus is the status of a role instance inside a deployment.
type InstanceStatus string

const (
	// InstanceReadyRole means the virtual machine is running and ready.
	InstanceReadyRole InstanceStatus = "ReadyRole"
	// InstanceStoppedVM means the virtual machine is stopped but still billed.
	InstanceStoppedVM InstanceStatus = "StoppedVM"
	// InstanceStoppedDeallocated means the virtual machine is stopped and its
	// compute resources are released.
	InstanceStoppedDeallocated InstanceStatus = "StoppedDeallocated"
)

// PowerAction selects the post-shutdown behavior of a stop request.
type PowerAction string

const (
	// PowerActionStopped keeps the stopped virtual machine allocated.
	PowerActionStopped PowerAction = "Stopped"
	// PowerActionStoppedDeallocated releases the stopped virtual machine's resources.
	PowerActionStoppedDeallocated PowerAction = "StoppedDeallocated"
)

// NeedStatus maps a stop action to the instance status the role must reach.
func (a PowerAction) NeedStatus() InstanceStatus {
	if a == PowerActionStopped {
		return InstanceStoppedVM
	}
	return InstanceStoppedDeallocated
}

// DeploymentStatus is the status of a deployment.
type DeploymentStatus string

const (
	// DeploymentRunning is the ready state of a deployment.
	DeploymentRunning DeploymentStatus = "Running"
	// DeploymentSuspended is the stopped state of a deployment.
	DeploymentSuspended DeploymentStatus = "Suspended"
)

// DeploymentSlotProduction is the only slot templates target.
const DeploymentSlotProduction = "Production"

// NetworkConfiguration is the configuration set type carrying input endpoints.
const NetworkConfiguration = "NetworkConfiguration"

// InputEndpoint is a (public port -> local port, protocol) mapping on a
// role's network configuration.
type InputEndpoint struct {
	Name      string
	Protocol  string
	Port      int
	LocalPort int
}

// ConfigurationSet is a role configuration fragment. Only the network
// configuration set is consumed by the engine.
type ConfigurationSet struct {
	Type           string
	InputEndpoints []InputEndpoint
}

// NetworkConfig builds a network configuration set from an endpoint list.
func NetworkConfig(endpoints []InputEndpoint) ConfigurationSet {
	return ConfigurationSet{
		Type:           NetworkConfiguration,
		InputEndpoints: endpoints,
	}
}

// InstanceEndpoint is an endpoint as published on a running role instance.
type InstanceEndpoint struct {
	Name       string
	Protocol   string
	Vip        string
	PublicPort int
	LocalPort  int
}

// RoleInstance is the live view of a virtual machine inside a deployment.
type RoleInstance struct {
	RoleName          string
	InstanceStatus    InstanceStatus
	InstanceSize      string
	IPAddress         string
	InstanceEndpoints []InstanceEndpoint
}

// Role is the modeled (desired) view of a virtual machine inside a deployment.
type Role struct {
	RoleName          string
	RoleSize          string
	ConfigurationSets []ConfigurationSet
}

// NetworkConfigurationSet returns the role's network configuration set, if any.
func (r Role) NetworkConfigurationSet() (ConfigurationSet, bool) {
	for _, cs := range r.ConfigurationSets {
		if cs.Type == NetworkConfiguration {
			return cs, true
		}
	}
	return ConfigurationSet{}, false
}

// Deployment is a provider-level container of role instances under a
// named slot of a cloud service.
type Deployment struct {
	Name          string
	Slot          string
	Status        DeploymentStatus
	Label         string
	URL           string
	RoleInstances []RoleInstance
	Roles         []Role
}

// InstanceOf returns the role instance with the given name.
func (d Deployment) InstanceOf(roleName string) (RoleInstance, bool) {
	for _, ri := range d.RoleInstances {
		if ri.RoleName == roleName {
			return ri, true
		}
	}
	return RoleInstance{}, false
}

// OSVirtualHardDisk describes the OS disk of a role created from a
// platform image.
type OSVirtualHardDisk struct {
	SourceImageName string
	MediaLink       string
}

// LinuxConfig is the provisioning configuration for a Linux role.
type LinuxConfig struct {
	Hostname string
	Username string
	Password string
}

// WindowsConfig is the provisioning configuration for a Windows role.
type WindowsConfig struct {
	ComputerName  string
	AdminUsername string
	AdminPassword string
}

// SystemConfig is the OS provisioning configuration of a role. Exactly
// one of Linux or Windows is set.
type SystemConfig struct {
	Linux   *LinuxConfig
	Windows *WindowsConfig
}

// RoleSpec carries everything needed to create or add a role.
type RoleSpec struct {
	RoleName string
	RoleSize string
	// VMImageName selects a captured VM image; when set the role is created
	// without an explicit network configuration and the endpoints are applied
	// with a follow-up network update.
	VMImageName       string
	OSVirtualHardDisk *OSVirtualHardDisk
	SystemConfig      SystemConfig
	NetworkConfig     ConfigurationSet
}

// FromVMImage reports whether the role is created from a captured VM image.
func (s RoleSpec) FromVMImage() bool {
	return s.VMImageName != ""
}

// Subscription is the quota view of the management subscription.
type Subscription struct {
	SubscriptionID         string
	MaxCoreCount           int
	CurrentCoreCount       int
	MaxStorageAccounts     int
	CurrentStorageAccounts int
}

// AvailableCoreCount returns the number of cores left in the subscription.
func (s Subscription) AvailableCoreCount() int {
	return s.MaxCoreCount - s.CurrentCoreCount
}

// AvailableStorageAccountCount returns the number of storage account
// slots left in the subscription.
func (s Subscription) AvailableStorageAccountCount() int {
	return s.MaxStorageAccounts - s.CurrentStorageAccounts
}
