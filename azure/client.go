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

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/services/classic/management"
	"github.com/Azure/azure-sdk-for-go/services/classic/management/hostedservice"
	"github.com/Azure/azure-sdk-for-go/services/classic/management/storageservice"
	"github.com/Azure/azure-sdk-for-go/services/classic/management/virtualmachine"
	"github.com/Azure/azure-sdk-for-go/services/classic/management/vmutils"
	"github.com/pkg/errors"
)

// ClientOptions configure a service management client for one
// subscription. PEMPath points at the concatenated cert+key produced at
// registration time.
type ClientOptions struct {
	SubscriptionID string
	ManagementHost string
	PEMPath        string
}

// client implements Client over the classic service management SDK.
type client struct {
	mgmt    management.Client
	hosted  hostedservice.HostedServiceClient
	storage storageservice.StorageServiceClient
	vm      virtualmachine.VirtualMachineClient
}

// NewClient builds a Client from per-user management credentials.
func NewClient(opts ClientOptions) (Client, error) {
	pem, err := os.ReadFile(opts.PEMPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read management certificate %s", opts.PEMPath)
	}
	config := management.DefaultConfig()
	if opts.ManagementHost != "" {
		config.ManagementURL = opts.ManagementHost
	}
	mgmt, err := management.NewClientFromConfig(opts.SubscriptionID, pem, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create management client")
	}
	return &client{
		mgmt:    mgmt,
		hosted:  hostedservice.NewClient(mgmt),
		storage: storageservice.NewClient(mgmt),
		vm:      virtualmachine.NewClient(mgmt),
	}, nil
}

// subscriptionInfo mirrors the subscription document returned by the
// management endpoint.
type subscriptionInfo struct {
	XMLName                xml.Name `xml:"Subscription"`
	SubscriptionID         string   `xml:"SubscriptionID"`
	MaxCoreCount           int      `xml:"MaxCoreCount"`
	CurrentCoreCount       int      `xml:"CurrentCoreCount"`
	MaxStorageAccounts     int      `xml:"MaxStorageAccounts"`
	CurrentStorageAccounts int      `xml:"CurrentStorageAccounts"`
}

func (c *client) GetSubscription(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	raw, err := c.mgmt.SendAzureGetRequest("")
	if err != nil {
		return Subscription{}, errors.Wrap(err, "failed to get subscription")
	}
	var info subscriptionInfo
	if err := xml.Unmarshal(raw, &info); err != nil {
		return Subscription{}, errors.Wrap(err, "failed to decode subscription")
	}
	return Subscription{
		SubscriptionID:         info.SubscriptionID,
		MaxCoreCount:           info.MaxCoreCount,
		CurrentCoreCount:       info.CurrentCoreCount,
		MaxStorageAccounts:     info.MaxStorageAccounts,
		CurrentStorageAccounts: info.CurrentStorageAccounts,
	}, nil
}

func (c *client) StorageAccountExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := c.storage.GetStorageService(name); err != nil {
		if ResourceNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to get storage account %s", name)
	}
	return true, nil
}

func (c *client) CheckStorageAccountNameAvailable(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resp, err := c.storage.CheckStorageAccountNameAvailability(name)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check storage account name %s", name)
	}
	return resp.Result, nil
}

// createStorageServiceInput is the create body for a storage account.
// The raw request is used instead of the typed SDK call so the
// operation id survives for the async waiter.
type createStorageServiceInput struct {
	XMLName     xml.Name `xml:"http://schemas.microsoft.com/windowsazure CreateStorageServiceInput"`
	ServiceName string
	Description string `xml:",omitempty"`
	Label       string
	Location    string
}

func (c *client) CreateStorageAccount(ctx context.Context, name, description, label, location string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := xml.Marshal(createStorageServiceInput{
		ServiceName: name,
		Description: description,
		Label:       base64.StdEncoding.EncodeToString([]byte(label)),
		Location:    location,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode storage account request")
	}
	op, err := c.mgmt.SendAzurePostRequest("services/storageservices", body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create storage account %s", name)
	}
	return OperationID(op), nil
}

func (c *client) CloudServiceExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := c.hosted.GetHostedService(name); err != nil {
		if ResourceNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to get cloud service %s", name)
	}
	return true, nil
}

func (c *client) CheckCloudServiceNameAvailable(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	resp, err := c.hosted.CheckHostedServiceNameAvailability(name)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check cloud service name %s", name)
	}
	return resp.Result, nil
}

// createHostedService is the create body for a cloud service.
type createHostedService struct {
	XMLName     xml.Name `xml:"http://schemas.microsoft.com/windowsazure CreateHostedService"`
	ServiceName string
	Label       string
	Location    string
}

func (c *client) CreateCloudService(ctx context.Context, name, label, location string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := xml.Marshal(createHostedService{
		ServiceName: name,
		Label:       base64.StdEncoding.EncodeToString([]byte(label)),
		Location:    location,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode cloud service request")
	}
	op, err := c.mgmt.SendAzurePostRequest("services/hostedservices", body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create cloud service %s", name)
	}
	return OperationID(op), nil
}

func (c *client) DeploymentExists(ctx context.Context, service, slot string) (bool, error) {
	name, err := c.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

func (c *client) GetDeploymentNameBySlot(ctx context.Context, service, slot string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The SDK resolves the production slot only; the staging slot is never
	// populated by templates.
	if slot != DeploymentSlotProduction {
		return "", errors.Errorf("unsupported deployment slot %q", slot)
	}
	name, err := c.vm.GetDeploymentName(service)
	if err != nil {
		if ResourceNotFound(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to resolve deployment slot %s of %s", slot, service)
	}
	return name, nil
}

func (c *client) GetDeployment(ctx context.Context, service, deployment string) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	resp, err := c.vm.GetDeployment(service, deployment)
	if err != nil {
		return Deployment{}, errors.Wrapf(err, "failed to get deployment %s of %s", deployment, service)
	}
	return convertDeployment(resp), nil
}

func (c *client) RoleExists(ctx context.Context, service, deployment, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := c.vm.GetRole(service, deployment, role); err != nil {
		if ResourceNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to get role %s in %s/%s", role, service, deployment)
	}
	return true, nil
}

func (c *client) GetRole(ctx context.Context, service, deployment, role string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	sdkRole, err := c.vm.GetRole(service, deployment, role)
	if err != nil {
		return Role{}, errors.Wrapf(err, "failed to get role %s in %s/%s", role, service, deployment)
	}
	return convertRole(*sdkRole), nil
}

func (c *client) CreateVMDeployment(ctx context.Context, service, deployment, slot, label string, role RoleSpec) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sdkRole, err := buildRole(role)
	if err != nil {
		return "", err
	}
	req := virtualmachine.DeploymentRequest{
		Name:           deployment,
		DeploymentSlot: slot,
		Label:          base64.StdEncoding.EncodeToString([]byte(label)),
		RoleList:       []virtualmachine.Role{sdkRole},
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode deployment request")
	}
	op, err := c.mgmt.SendAzurePostRequest(
		fmt.Sprintf("services/hostedservices/%s/deployments", service), body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create deployment %s of %s", deployment, service)
	}
	return OperationID(op), nil
}

func (c *client) AddRole(ctx context.Context, service, deployment string, role RoleSpec) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sdkRole, err := buildRole(role)
	if err != nil {
		return "", err
	}
	op, err := c.vm.AddRole(service, deployment, sdkRole)
	if err != nil {
		return "", errors.Wrapf(err, "failed to add role %s to %s/%s", role.RoleName, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) UpdateRole(ctx context.Context, service, deployment, role string, network ConfigurationSet, size string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sdkRole := virtualmachine.Role{
		RoleName:          role,
		RoleSize:          size,
		ConfigurationSets: []virtualmachine.ConfigurationSet{buildNetworkSet(network)},
	}
	op, err := c.vm.UpdateRole(service, deployment, role, sdkRole)
	if err != nil {
		return "", errors.Wrapf(err, "failed to update role %s in %s/%s", role, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) UpdateRoleNetwork(ctx context.Context, service, deployment, role string, network ConfigurationSet) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	existing, err := c.vm.GetRole(service, deployment, role)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get role %s in %s/%s", role, service, deployment)
	}
	// Keep the role as-is, swap only the network configuration set.
	sets := make([]virtualmachine.ConfigurationSet, 0, len(existing.ConfigurationSets)+1)
	for _, cs := range existing.ConfigurationSets {
		if cs.ConfigurationSetType != virtualmachine.ConfigurationSetTypeNetwork {
			sets = append(sets, cs)
		}
	}
	sets = append(sets, buildNetworkSet(network))
	existing.ConfigurationSets = sets
	op, err := c.vm.UpdateRole(service, deployment, role, *existing)
	if err != nil {
		return "", errors.Wrapf(err, "failed to update network of role %s in %s/%s", role, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) DeleteRole(ctx context.Context, service, deployment, role string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	op, err := c.vm.DeleteRole(service, deployment, role, true)
	if err != nil {
		return "", errors.Wrapf(err, "failed to delete role %s in %s/%s", role, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) DeleteDeployment(ctx context.Context, service, deployment string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	op, err := c.vm.DeleteDeployment(service, deployment)
	if err != nil {
		return "", errors.Wrapf(err, "failed to delete deployment %s of %s", deployment, service)
	}
	return OperationID(op), nil
}

func (c *client) StopRole(ctx context.Context, service, deployment, role string, action PowerAction) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	postAction := virtualmachine.PostShutdownActionStopped
	if action == PowerActionStoppedDeallocated {
		postAction = virtualmachine.PostShutdownActionStoppedDeallocated
	}
	op, err := c.vm.ShutdownRole(service, deployment, role, postAction)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stop role %s in %s/%s", role, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) StartRole(ctx context.Context, service, deployment, role string) (OperationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	op, err := c.vm.StartRole(service, deployment, role)
	if err != nil {
		return "", errors.Wrapf(err, "failed to start role %s in %s/%s", role, service, deployment)
	}
	return OperationID(op), nil
}

func (c *client) GetOperationStatus(ctx context.Context, op OperationID) (OperationResult, error) {
	if err := ctx.Err(); err != nil {
		return OperationResult{}, err
	}
	resp, err := c.mgmt.GetOperationStatus(management.OperationID(op))
	if err != nil {
		return OperationResult{}, errors.Wrapf(err, "failed to get status of operation %s", op)
	}
	result := OperationResult{ID: op, Status: OperationStatus(resp.Status)}
	if resp.Error != nil {
		result.Code = resp.Error.Code
		result.Message = resp.Error.Message
	}
	return result, nil
}

func (c *client) AssignedEndpointPorts(ctx context.Context, service string) ([]int, error) {
	name, err := c.GetDeploymentNameBySlot(ctx, service, DeploymentSlotProduction)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	deployment, err := c.GetDeployment(ctx, service, name)
	if err != nil {
		return nil, err
	}
	var ports []int
	for _, role := range deployment.Roles {
		if network, ok := role.NetworkConfigurationSet(); ok {
			for _, endpoint := range network.InputEndpoints {
				ports = append(ports, endpoint.Port)
			}
		}
	}
	return ports, nil
}

// buildRole turns a RoleSpec into the SDK role via vmutils.
func buildRole(spec RoleSpec) (virtualmachine.Role, error) {
	role := vmutils.NewVMConfiguration(spec.RoleName, spec.RoleSize)
	if spec.FromVMImage() {
		if err := vmutils.ConfigureDeploymentFromPublishedVMImage(&role, spec.VMImageName, "", true); err != nil {
			return role, errors.Wrapf(err, "failed to configure role %s from vm image", spec.RoleName)
		}
	} else if spec.OSVirtualHardDisk != nil {
		if err := vmutils.ConfigureDeploymentFromPlatformImage(&role,
			spec.OSVirtualHardDisk.SourceImageName, spec.OSVirtualHardDisk.MediaLink, ""); err != nil {
			return role, errors.Wrapf(err, "failed to configure role %s from platform image", spec.RoleName)
		}
	} else {
		return role, NewKindError(InvalidTemplate, "role %s carries neither a vm image nor an os disk", spec.RoleName)
	}
	switch {
	case spec.SystemConfig.Linux != nil:
		lc := spec.SystemConfig.Linux
		if err := vmutils.ConfigureForLinux(&role, lc.Hostname, lc.Username, lc.Password); err != nil {
			return role, errors.Wrapf(err, "failed to configure linux provisioning for role %s", spec.RoleName)
		}
	case spec.SystemConfig.Windows != nil:
		wc := spec.SystemConfig.Windows
		if err := vmutils.ConfigureForWindows(&role, wc.ComputerName, wc.AdminUsername, wc.AdminPassword, true, ""); err != nil {
			return role, errors.Wrapf(err, "failed to configure windows provisioning for role %s", spec.RoleName)
		}
	}
	// A role created from a captured vm image carries its endpoints in the
	// image; the network configuration is applied with a follow-up update.
	if !spec.FromVMImage() {
		for _, endpoint := range spec.NetworkConfig.InputEndpoints {
			if err := vmutils.ConfigureWithExternalPort(&role, endpoint.Name,
				endpoint.LocalPort, endpoint.Port,
				virtualmachine.InputEndpointProtocol(endpoint.Protocol)); err != nil {
				return role, errors.Wrapf(err, "failed to configure endpoint %s of role %s", endpoint.Name, spec.RoleName)
			}
		}
	}
	return role, nil
}

func buildNetworkSet(network ConfigurationSet) virtualmachine.ConfigurationSet {
	set := virtualmachine.ConfigurationSet{
		ConfigurationSetType: virtualmachine.ConfigurationSetTypeNetwork,
	}
	for _, endpoint := range network.InputEndpoints {
		set.InputEndpoints = append(set.InputEndpoints, virtualmachine.InputEndpoint{
			Name:      endpoint.Name,
			Protocol:  virtualmachine.InputEndpointProtocol(endpoint.Protocol),
			Port:      endpoint.Port,
			LocalPort: endpoint.LocalPort,
		})
	}
	return set
}

func convertDeployment(resp virtualmachine.DeploymentResponse) Deployment {
	deployment := Deployment{
		Name:   resp.Name,
		Slot:   string(resp.DeploymentSlot),
		Status: DeploymentStatus(resp.Status),
		Label:  resp.Label,
		URL:    resp.URL,
	}
	for _, ri := range resp.RoleInstanceList {
		instance := RoleInstance{
			RoleName:       ri.RoleName,
			InstanceStatus: InstanceStatus(ri.InstanceStatus),
			InstanceSize:   ri.InstanceSize,
			IPAddress:      ri.IPAddress,
		}
		for _, ep := range ri.InstanceEndpoints {
			instance.InstanceEndpoints = append(instance.InstanceEndpoints, InstanceEndpoint{
				Name:       ep.Name,
				Protocol:   string(ep.Protocol),
				Vip:        ep.Vip,
				PublicPort: ep.PublicPort,
				LocalPort:  ep.LocalPort,
			})
		}
		deployment.RoleInstances = append(deployment.RoleInstances, instance)
	}
	for _, role := range resp.RoleList {
		deployment.Roles = append(deployment.Roles, convertRole(role))
	}
	return deployment
}

func convertRole(sdkRole virtualmachine.Role) Role {
	role := Role{
		RoleName: sdkRole.RoleName,
		RoleSize: sdkRole.RoleSize,
	}
	for _, cs := range sdkRole.ConfigurationSets {
		if cs.ConfigurationSetType != virtualmachine.ConfigurationSetTypeNetwork {
			continue
		}
		set := ConfigurationSet{Type: NetworkConfiguration}
		for _, ep := range cs.InputEndpoints {
			set.InputEndpoints = append(set.InputEndpoints, InputEndpoint{
				Name:      ep.Name,
				Protocol:  string(ep.Protocol),
				Port:      ep.Port,
				LocalPort: ep.LocalPort,
			})
		}
		role.ConfigurationSets = append(role.ConfigurationSets, set)
	}
	return role
}
