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

// Package fake provides an in-memory Client for engine tests. Write
// calls mutate the fake world and hand back an operation whose polled
// outcome is configurable; read calls observe the world.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/openhackathon/azureformation/azure"
)

// Deployment is the fake's mutable view of a provider deployment.
type Deployment struct {
	Name      string
	Slot      string
	Status    azure.DeploymentStatus
	Instances []*Instance
}

// Instance is a role instance in the fake world.
type Instance struct {
	RoleName  string
	Size      string
	Status    azure.InstanceStatus
	IPAddress string
	Network   azure.ConfigurationSet
}

// Client is a configurable in-memory azure.Client.
type Client struct {
	mu sync.Mutex

	Subscription azure.Subscription

	storageAccounts map[string]bool
	cloudServices   map[string]bool
	deployments     map[string]*Deployment // keyed service/name
	slots           map[string]string      // keyed service/slot -> name

	// UnavailableNames makes the availability checks reject these names.
	UnavailableNames map[string]bool
	// OperationOutcome is the terminal status handed to pollers. Defaults
	// to Succeeded.
	OperationOutcome azure.OperationStatus
	// PendingPolls is the number of InProgress responses returned before
	// the terminal status.
	PendingPolls int
	// InitialInstanceStatus is assigned to newly created role instances.
	// Defaults to ReadyRole.
	InitialInstanceStatus azure.InstanceStatus
	// Errs injects an error per method name.
	Errs map[string]error

	// WriteCalls records every mutating provider call in order.
	WriteCalls []string

	opSeq   int
	pending map[azure.OperationID]int
}

var _ azure.Client = (*Client)(nil)

// NewClient returns a fake with an ample subscription and empty world.
func NewClient() *Client {
	return &Client{
		Subscription: azure.Subscription{
			SubscriptionID:     "00000000-0000-0000-0000-000000000000",
			MaxCoreCount:       100,
			MaxStorageAccounts: 20,
		},
		storageAccounts:       map[string]bool{},
		cloudServices:         map[string]bool{},
		deployments:           map[string]*Deployment{},
		slots:                 map[string]string{},
		UnavailableNames:      map[string]bool{},
		OperationOutcome:      azure.OperationSucceeded,
		InitialInstanceStatus: azure.InstanceReadyRole,
		Errs:                  map[string]error{},
		pending:               map[azure.OperationID]int{},
	}
}

func key(parts ...string) string {
	k := parts[0]
	for _, p := range parts[1:] {
		k += "/" + p
	}
	return k
}

func (c *Client) err(method string) error {
	if err, ok := c.Errs[method]; ok {
		return err
	}
	return nil
}

func (c *Client) record(format string, args ...interface{}) azure.OperationID {
	c.WriteCalls = append(c.WriteCalls, fmt.Sprintf(format, args...))
	c.opSeq++
	op := azure.OperationID(fmt.Sprintf("op-%d", c.opSeq))
	c.pending[op] = c.PendingPolls
	return op
}

// AddStorageAccount seeds a pre-existing storage account.
func (c *Client) AddStorageAccount(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storageAccounts[name] = true
}

// AddCloudService seeds a pre-existing cloud service.
func (c *Client) AddCloudService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cloudServices[name] = true
}

// AddDeployment seeds a pre-existing deployment under a slot.
func (c *Client) AddDeployment(service string, d *Deployment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Status == "" {
		d.Status = azure.DeploymentRunning
	}
	if d.Slot == "" {
		d.Slot = azure.DeploymentSlotProduction
	}
	c.deployments[key(service, d.Name)] = d
	c.slots[key(service, d.Slot)] = d.Name
}

// SetInstanceStatus flips the status of a seeded role instance.
func (c *Client) SetInstanceStatus(service, deployment, role string, status azure.InstanceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.deployments[key(service, deployment)]; ok {
		for _, inst := range d.Instances {
			if inst.RoleName == role {
				inst.Status = status
			}
		}
	}
}

func (c *Client) GetSubscription(ctx context.Context) (azure.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("GetSubscription"); err != nil {
		return azure.Subscription{}, err
	}
	return c.Subscription, nil
}

func (c *Client) StorageAccountExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("StorageAccountExists"); err != nil {
		return false, err
	}
	return c.storageAccounts[name], nil
}

func (c *Client) CheckStorageAccountNameAvailable(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.UnavailableNames[name], nil
}

func (c *Client) CreateStorageAccount(ctx context.Context, name, description, label, location string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("CreateStorageAccount"); err != nil {
		return "", err
	}
	op := c.record("CreateStorageAccount(%s)", name)
	if c.OperationOutcome == azure.OperationSucceeded {
		c.storageAccounts[name] = true
	}
	return op, nil
}

func (c *Client) CloudServiceExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("CloudServiceExists"); err != nil {
		return false, err
	}
	return c.cloudServices[name], nil
}

func (c *Client) CheckCloudServiceNameAvailable(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.UnavailableNames[name], nil
}

func (c *Client) CreateCloudService(ctx context.Context, name, label, location string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("CreateCloudService"); err != nil {
		return "", err
	}
	op := c.record("CreateCloudService(%s)", name)
	if c.OperationOutcome == azure.OperationSucceeded {
		c.cloudServices[name] = true
	}
	return op, nil
}

func (c *Client) DeploymentExists(ctx context.Context, service, slot string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("DeploymentExists"); err != nil {
		return false, err
	}
	_, ok := c.slots[key(service, slot)]
	return ok, nil
}

func (c *Client) GetDeploymentNameBySlot(ctx context.Context, service, slot string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[key(service, slot)], nil
}

func (c *Client) GetDeployment(ctx context.Context, service, deployment string) (azure.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("GetDeployment"); err != nil {
		return azure.Deployment{}, err
	}
	d, ok := c.deployments[key(service, deployment)]
	if !ok {
		return azure.Deployment{}, fmt.Errorf("deployment %s/%s not found", service, deployment)
	}
	out := azure.Deployment{Name: d.Name, Slot: d.Slot, Status: d.Status}
	for _, inst := range d.Instances {
		out.RoleInstances = append(out.RoleInstances, azure.RoleInstance{
			RoleName:       inst.RoleName,
			InstanceStatus: inst.Status,
			InstanceSize:   inst.Size,
			IPAddress:      inst.IPAddress,
		})
		out.Roles = append(out.Roles, azure.Role{
			RoleName:          inst.RoleName,
			RoleSize:          inst.Size,
			ConfigurationSets: []azure.ConfigurationSet{inst.Network},
		})
	}
	return out, nil
}

func (c *Client) RoleExists(ctx context.Context, service, deployment, role string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("RoleExists"); err != nil {
		return false, err
	}
	d, ok := c.deployments[key(service, deployment)]
	if !ok {
		return false, nil
	}
	for _, inst := range d.Instances {
		if inst.RoleName == role {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) GetRole(ctx context.Context, service, deployment, role string) (azure.Role, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deployments[key(service, deployment)]
	if ok {
		for _, inst := range d.Instances {
			if inst.RoleName == role {
				return azure.Role{
					RoleName:          inst.RoleName,
					RoleSize:          inst.Size,
					ConfigurationSets: []azure.ConfigurationSet{inst.Network},
				}, nil
			}
		}
	}
	return azure.Role{}, fmt.Errorf("role %s not found in %s/%s", role, service, deployment)
}

func (c *Client) CreateVMDeployment(ctx context.Context, service, deployment, slot, label string, role azure.RoleSpec) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("CreateVMDeployment"); err != nil {
		return "", err
	}
	op := c.record("CreateVMDeployment(%s, %s, %s)", service, deployment, role.RoleName)
	if c.OperationOutcome == azure.OperationSucceeded {
		d := &Deployment{Name: deployment, Slot: slot, Status: azure.DeploymentRunning}
		d.Instances = append(d.Instances, c.newInstance(role))
		c.deployments[key(service, deployment)] = d
		c.slots[key(service, slot)] = deployment
	}
	return op, nil
}

func (c *Client) AddRole(ctx context.Context, service, deployment string, role azure.RoleSpec) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("AddRole"); err != nil {
		return "", err
	}
	op := c.record("AddRole(%s, %s, %s)", service, deployment, role.RoleName)
	if c.OperationOutcome == azure.OperationSucceeded {
		if d, ok := c.deployments[key(service, deployment)]; ok {
			d.Instances = append(d.Instances, c.newInstance(role))
		}
	}
	return op, nil
}

func (c *Client) newInstance(role azure.RoleSpec) *Instance {
	return &Instance{
		RoleName:  role.RoleName,
		Size:      role.RoleSize,
		Status:    c.InitialInstanceStatus,
		IPAddress: "10.0.0.4",
		Network:   role.NetworkConfig,
	}
}

func (c *Client) UpdateRole(ctx context.Context, service, deployment, role string, network azure.ConfigurationSet, size string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("UpdateRole"); err != nil {
		return "", err
	}
	op := c.record("UpdateRole(%s, %s, %s)", service, deployment, role)
	if c.OperationOutcome == azure.OperationSucceeded {
		if d, ok := c.deployments[key(service, deployment)]; ok {
			for _, inst := range d.Instances {
				if inst.RoleName == role {
					inst.Network = network
					inst.Size = size
				}
			}
		}
	}
	return op, nil
}

func (c *Client) UpdateRoleNetwork(ctx context.Context, service, deployment, role string, network azure.ConfigurationSet) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("UpdateRoleNetwork"); err != nil {
		return "", err
	}
	op := c.record("UpdateRoleNetwork(%s, %s, %s)", service, deployment, role)
	if c.OperationOutcome == azure.OperationSucceeded {
		if d, ok := c.deployments[key(service, deployment)]; ok {
			for _, inst := range d.Instances {
				if inst.RoleName == role {
					inst.Network = network
				}
			}
		}
	}
	return op, nil
}

func (c *Client) DeleteRole(ctx context.Context, service, deployment, role string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("DeleteRole"); err != nil {
		return "", err
	}
	op := c.record("DeleteRole(%s, %s, %s)", service, deployment, role)
	if c.OperationOutcome == azure.OperationSucceeded {
		if d, ok := c.deployments[key(service, deployment)]; ok {
			kept := d.Instances[:0]
			for _, inst := range d.Instances {
				if inst.RoleName != role {
					kept = append(kept, inst)
				}
			}
			d.Instances = kept
		}
	}
	return op, nil
}

func (c *Client) DeleteDeployment(ctx context.Context, service, deployment string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("DeleteDeployment"); err != nil {
		return "", err
	}
	op := c.record("DeleteDeployment(%s, %s)", service, deployment)
	if c.OperationOutcome == azure.OperationSucceeded {
		if d, ok := c.deployments[key(service, deployment)]; ok {
			delete(c.slots, key(service, d.Slot))
			delete(c.deployments, key(service, deployment))
		}
	}
	return op, nil
}

func (c *Client) StopRole(ctx context.Context, service, deployment, role string, action azure.PowerAction) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("StopRole"); err != nil {
		return "", err
	}
	op := c.record("StopRole(%s, %s, %s, %s)", service, deployment, role, action)
	if c.OperationOutcome == azure.OperationSucceeded {
		c.setStatusLocked(service, deployment, role, action.NeedStatus())
	}
	return op, nil
}

func (c *Client) StartRole(ctx context.Context, service, deployment, role string) (azure.OperationID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("StartRole"); err != nil {
		return "", err
	}
	op := c.record("StartRole(%s, %s, %s)", service, deployment, role)
	if c.OperationOutcome == azure.OperationSucceeded {
		c.setStatusLocked(service, deployment, role, azure.InstanceReadyRole)
	}
	return op, nil
}

func (c *Client) setStatusLocked(service, deployment, role string, status azure.InstanceStatus) {
	if d, ok := c.deployments[key(service, deployment)]; ok {
		for _, inst := range d.Instances {
			if inst.RoleName == role {
				inst.Status = status
			}
		}
	}
}

func (c *Client) GetOperationStatus(ctx context.Context, op azure.OperationID) (azure.OperationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("GetOperationStatus"); err != nil {
		return azure.OperationResult{}, err
	}
	if left, ok := c.pending[op]; ok && left > 0 {
		c.pending[op] = left - 1
		return azure.OperationResult{ID: op, Status: azure.OperationInProgress}, nil
	}
	result := azure.OperationResult{ID: op, Status: c.OperationOutcome}
	if c.OperationOutcome == azure.OperationFailed {
		result.Code = "InternalError"
		result.Message = "the operation failed"
	}
	return result, nil
}

func (c *Client) AssignedEndpointPorts(ctx context.Context, service string) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ports []int
	for k, d := range c.deployments {
		if len(k) >= len(service)+1 && k[:len(service)+1] == service+"/" {
			for _, inst := range d.Instances {
				for _, ep := range inst.Network.InputEndpoints {
					ports = append(ports, ep.Port)
				}
			}
		}
	}
	return ports, nil
}

// Writes returns the recorded mutating calls.
func (c *Client) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.WriteCalls))
	copy(out, c.WriteCalls)
	return out
}
