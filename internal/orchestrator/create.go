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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/jobs"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// noteOr prefers the override carried in the args (set by the async
// waiter on cancellation) over the step's table message.
func noteOr(override, def string) string {
	if override != "" {
		return override
	}
	return def
}

// failCreateStep writes the step failure and the terminal record of the
// top-level create. A failed step aborts the chain, so the create that
// started it must close here: its START would otherwise dangle until a
// retry wrote a second one.
func (o *Orchestrator) failCreateStep(ctx context.Context, experimentID int64, op, note string, step int) {
	o.audit(ctx, experimentID, op, store.AuditFail, note, step)
	o.audit(ctx, experimentID, OpCreate, store.AuditFail, note, -1)
}

// ---------------------------------------------------- storage account

// createStorageAccount is stage one of the create chain: adopt the
// storage account if the subscription already has it, otherwise create
// it and hand the operation to the async waiter.
func (o *Orchestrator) createStorageAccount(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	sa := a.Template.StorageAccount
	name := sa.ServiceName
	o.audit(ctx, a.ExperimentID, OpCreateStorageAccount, store.AuditStart, "", -1)

	fail := func(note string, step int) {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount, note, step)
	}

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}
	exists, err := client.StorageAccountExists(ctx, name)
	if err != nil {
		fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}

	if !exists {
		available, err := client.CheckStorageAccountNameAvailable(ctx, name)
		if err != nil {
			fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
			return err
		}
		if !available {
			fail(fmt.Sprintf(createStorageAccountError[1], labelStorageAccount, name), 1)
			return nil
		}
		sub, err := client.GetSubscription(ctx)
		if err != nil {
			fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
			return err
		}
		if sub.AvailableStorageAccountCount() < 1 {
			fail(fmt.Sprintf(createStorageAccountError[2], labelStorageAccount, name), 2)
			return nil
		}
		// drop any stale mirror row before re-creating
		if err := o.store.DeleteStorageAccount(ctx, a.ExperimentID, name); err != nil {
			fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
			return err
		}
		op, err := client.CreateStorageAccount(ctx, name, sa.Description, sa.Label, sa.Location)
		if err != nil {
			fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
			return err
		}
		return o.scheduleAsyncWait(s, a, op, handlerStorageAccountCreated, handlerStorageAccountFailed)
	}

	// adopt-or-reuse
	row, err := o.store.GetStorageAccount(ctx, a.ExperimentID, name)
	if err != nil {
		fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}
	if row != nil {
		o.audit(ctx, a.ExperimentID, OpCreateStorageAccount, store.AuditEnd,
			fmt.Sprintf(createStorageAccountInfo[1], labelStorageAccount, name, systemName), 1)
	} else {
		if _, err := o.store.CreateStorageAccount(ctx, store.StorageAccount{
			ExperimentID: a.ExperimentID,
			Name:         name,
			Description:  sa.Description,
			Label:        sa.Label,
			Location:     sa.Location,
			Status:       store.ResourceOnline,
		}); err != nil {
			fail(fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
			return err
		}
		o.audit(ctx, a.ExperimentID, OpCreateStorageAccount, store.AuditEnd,
			fmt.Sprintf(createStorageAccountInfo[2], labelStorageAccount, name, systemName), 2)
	}
	return o.schedulePipeline(s, handlerCreateCloudService, a)
}

// storageAccountCreated is the success continuation: verify the account
// exists, mirror it as ours, move on to the cloud service stage.
func (o *Orchestrator) storageAccountCreated(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	sa := a.Template.StorageAccount
	name := sa.ServiceName
	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount,
			fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}
	exists, err := client.StorageAccountExists(ctx, name)
	if err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount,
			fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}
	if !exists {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount,
			fmt.Sprintf(createStorageAccountError[4], labelStorageAccount, name), 4)
		return nil
	}
	if _, err := o.store.CreateStorageAccount(ctx, store.StorageAccount{
		ExperimentID: a.ExperimentID,
		Name:         name,
		Description:  sa.Description,
		Label:        sa.Label,
		Location:     sa.Location,
		Status:       store.ResourceOnline,
		CreatedByUs:  true,
	}); err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount,
			fmt.Sprintf(createStorageAccountError[0], labelStorageAccount, name, err.Error()), 0)
		return err
	}
	o.audit(ctx, a.ExperimentID, OpCreateStorageAccount, store.AuditEnd,
		fmt.Sprintf(createStorageAccountInfo[0], labelStorageAccount, name), 0)
	return o.schedulePipeline(s, handlerCreateCloudService, a)
}

func (o *Orchestrator) storageAccountFailed(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	name := a.Template.StorageAccount.ServiceName
	o.failCreateStep(ctx, a.ExperimentID, OpCreateStorageAccount,
		noteOr(a.Note, fmt.Sprintf(createStorageAccountError[3], labelStorageAccount, name)), 3)
	return nil
}

// ------------------------------------------------------ cloud service

func (o *Orchestrator) createCloudService(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	cs := a.Template.CloudService
	name := cs.ServiceName
	o.audit(ctx, a.ExperimentID, OpCreateCloudService, store.AuditStart, "", -1)

	fail := func(note string, step int) {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService, note, step)
	}

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}
	exists, err := client.CloudServiceExists(ctx, name)
	if err != nil {
		fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}

	if !exists {
		available, err := client.CheckCloudServiceNameAvailable(ctx, name)
		if err != nil {
			fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
			return err
		}
		if !available {
			fail(fmt.Sprintf(createCloudServiceError[1], labelCloudService, name), 1)
			return nil
		}
		op, err := client.CreateCloudService(ctx, name, cs.Label, cs.Location)
		if err != nil {
			fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
			return err
		}
		return o.scheduleAsyncWait(s, a, op, handlerCloudServiceCreated, handlerCloudServiceFailed)
	}

	row, err := o.store.GetCloudService(ctx, a.ExperimentID, name)
	if err != nil {
		fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}
	if row != nil {
		o.audit(ctx, a.ExperimentID, OpCreateCloudService, store.AuditEnd,
			fmt.Sprintf(createCloudServiceInfo[1], labelCloudService, name, systemName), 1)
	} else {
		if _, err := o.store.CreateCloudService(ctx, store.CloudService{
			ExperimentID: a.ExperimentID,
			Name:         name,
			Label:        cs.Label,
			Location:     cs.Location,
			Status:       store.ResourceRunning,
		}); err != nil {
			fail(fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
			return err
		}
		o.audit(ctx, a.ExperimentID, OpCreateCloudService, store.AuditEnd,
			fmt.Sprintf(createCloudServiceInfo[2], labelCloudService, name, systemName), 2)
	}
	a.EnvIndex = 0
	return o.schedulePipeline(s, handlerCreateVirtualMachine, a)
}

func (o *Orchestrator) cloudServiceCreated(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	cs := a.Template.CloudService
	name := cs.ServiceName
	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService,
			fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}
	exists, err := client.CloudServiceExists(ctx, name)
	if err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService,
			fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}
	if !exists {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService,
			fmt.Sprintf(createCloudServiceError[4], labelCloudService, name), 4)
		return nil
	}
	if _, err := o.store.CreateCloudService(ctx, store.CloudService{
		ExperimentID: a.ExperimentID,
		Name:         name,
		Label:        cs.Label,
		Location:     cs.Location,
		Status:       store.ResourceRunning,
		CreatedByUs:  true,
	}); err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService,
			fmt.Sprintf(createCloudServiceError[0], labelCloudService, name, err.Error()), 0)
		return err
	}
	o.audit(ctx, a.ExperimentID, OpCreateCloudService, store.AuditEnd,
		fmt.Sprintf(createCloudServiceInfo[0], labelCloudService, name), 0)
	a.EnvIndex = 0
	return o.schedulePipeline(s, handlerCreateVirtualMachine, a)
}

func (o *Orchestrator) cloudServiceFailed(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	name := a.Template.CloudService.ServiceName
	o.failCreateStep(ctx, a.ExperimentID, OpCreateCloudService,
		noteOr(a.Note, fmt.Sprintf(createCloudServiceError[3], labelCloudService, name)), 3)
	return nil
}

// ---------------------------------------------------- virtual machine

// createVirtualMachine is the deployment+role stage for one virtual
// environment. Two branches: the slot already holds a deployment (add a
// role to it) or it does not (create the deployment with the role).
func (o *Orchestrator) createVirtualMachine(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)

	o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditStart, "", -1)
	o.audit(ctx, a.ExperimentID, OpCreateVirtualMachine, store.AuditStart, "", -1)

	failBoth := func(depNote, vmNote string, step int) {
		o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditFail, depNote, step)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine, vmNote, step)
	}
	failVM := func(note string, step int) {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine, note, step)
	}

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}

	cores, err := azure.CoresForSize(env.RoleSize)
	if err != nil {
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	sub, err := client.GetSubscription(ctx)
	if err != nil {
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if sub.AvailableCoreCount() < cores {
		failBoth(fmt.Sprintf(createDeploymentError[1], labelDeployment, slot),
			fmt.Sprintf(createVirtualMachineError[1], labelVirtualMachine, vmName), 1)
		return nil
	}

	depExists, err := client.DeploymentExists(ctx, service, slot)
	if err != nil {
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}

	if depExists {
		depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
		if err != nil {
			failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
				fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		depRow, err := o.store.GetDeploymentBySlot(ctx, a.ExperimentID, service, slot)
		if err != nil {
			failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
				fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if depRow != nil {
			o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditEnd,
				fmt.Sprintf(createDeploymentInfo[1], labelDeployment, depName, systemName), 1)
		} else {
			if _, err := o.store.CreateDeployment(ctx, store.Deployment{
				ExperimentID:     a.ExperimentID,
				CloudServiceName: service,
				Name:             depName,
				Slot:             slot,
				Status:           store.ResourceRunning,
			}); err != nil {
				failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
				return err
			}
			o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditEnd,
				fmt.Sprintf(createDeploymentInfo[2], labelDeployment, depName, systemName), 2)
		}

		roleExists, err := client.RoleExists(ctx, service, depName, vmName)
		if err != nil {
			failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if roleExists {
			vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
			if err != nil {
				failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
				return err
			}
			if vmRow != nil {
				o.audit(ctx, a.ExperimentID, OpCreateVirtualMachine, store.AuditEnd,
					fmt.Sprintf(createVirtualMachineInfo[1], labelVirtualMachine, vmName, systemName), 1)
				return o.nextVirtualMachine(ctx, a, s)
			}
			if err := o.adoptRole(ctx, client, a, env, depName, vmName); err != nil {
				failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
				return err
			}
			o.audit(ctx, a.ExperimentID, OpCreateVirtualMachine, store.AuditEnd,
				fmt.Sprintf(createVirtualMachineInfo[2], labelVirtualMachine, vmName, systemName), 2)
			return o.nextVirtualMachine(ctx, a, s)
		}

		spec, err := o.prepareRole(ctx, client, a, env)
		if err != nil {
			failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		op, err := client.AddRole(ctx, service, depName, spec)
		if err != nil {
			o.rollbackEndpoints(ctx, a)
			failVM(fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		return o.scheduleAsyncWait(s, a, op, handlerRoleAdded, handlerRoleAddFailed)
	}

	// slot empty: the role rides in with the deployment
	spec, err := o.prepareRole(ctx, client, a, env)
	if err != nil {
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	op, err := client.CreateVMDeployment(ctx, service, a.Template.Deployment.DeploymentName, slot, env.Label, spec)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		failBoth(fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()),
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	return o.scheduleAsyncWait(s, a, op, handlerDeploymentCreated, handlerDeploymentFailed)
}

// adoptRole mirrors a role someone else created under our per-experiment
// name: the VM row, its live endpoints, and the remote-access environment.
func (o *Orchestrator) adoptRole(ctx context.Context, client azure.Client, a pipelineArgs, env template.VirtualEnvironment, depName, vmName string) error {
	service := a.Template.CloudService.ServiceName
	dep, err := client.GetDeployment(ctx, service, depName)
	if err != nil {
		return err
	}
	instance, found := dep.InstanceOf(vmName)
	if !found {
		return azure.NewKindError(azure.PostconditionViolated,
			fmt.Sprintf("role %s reported present but absent from deployment %s", vmName, depName))
	}
	publicIP := ""
	if len(instance.InstanceEndpoints) > 0 {
		publicIP = instance.InstanceEndpoints[0].Vip
	}
	vmRow, err := o.store.CreateVirtualMachine(ctx, store.VirtualMachine{
		ExperimentID:     a.ExperimentID,
		CloudServiceName: service,
		DeploymentName:   depName,
		Name:             vmName,
		Label:            env.Label,
		Status:           string(instance.InstanceStatus),
		DNS:              dep.URL,
		PublicIP:         publicIP,
		PrivateIP:        instance.IPAddress,
	})
	if err != nil {
		return err
	}
	endpoints := make([]store.Endpoint, 0, len(instance.InstanceEndpoints))
	for _, ep := range instance.InstanceEndpoints {
		endpoints = append(endpoints, store.Endpoint{
			ExperimentID:     a.ExperimentID,
			CloudServiceName: service,
			Name:             ep.Name,
			Protocol:         ep.Protocol,
			PublicPort:       ep.PublicPort,
			PrivatePort:      ep.LocalPort,
		})
	}
	if err := o.store.ReplaceEndpoints(ctx, vmRow.ID, endpoints); err != nil {
		return err
	}
	if _, err := o.store.CreateVirtualEnvironment(ctx, store.VirtualEnvironment{
		ExperimentID:     a.ExperimentID,
		VirtualMachineID: vmRow.ID,
		Provider:         "AzureVM",
		RemoteProvider:   env.Remote.Provider,
		ImageName:        env.Image.VMImageName,
		Status:           "Running",
		RemoteParas:      renderRemoteParas(env, vmName, publicIP, instance),
	}); err != nil {
		return err
	}
	return nil
}

// prepareRole assigns public ports and pre-commits the endpoint rows,
// reserving the ports before the role exists.
func (o *Orchestrator) prepareRole(ctx context.Context, client azure.Client, a pipelineArgs, env template.VirtualEnvironment) (azure.RoleSpec, error) {
	service := a.Template.CloudService.ServiceName
	spec := a.Template.RoleSpec(env, a.ExperimentID)

	providerPorts, err := client.AssignedEndpointPorts(ctx, service)
	if err != nil {
		return azure.RoleSpec{}, err
	}
	reservedPorts, err := o.store.ListAssignedPublicPorts(ctx, a.ExperimentID, service)
	if err != nil {
		return azure.RoleSpec{}, err
	}
	spec.NetworkConfig.InputEndpoints = assignPorts(spec.NetworkConfig.InputEndpoints,
		append(providerPorts, reservedPorts...))

	pending := make([]store.Endpoint, 0, len(spec.NetworkConfig.InputEndpoints))
	for _, ep := range spec.NetworkConfig.InputEndpoints {
		pending = append(pending, store.Endpoint{
			ExperimentID:     a.ExperimentID,
			CloudServiceName: service,
			Name:             ep.Name,
			Protocol:         ep.Protocol,
			PublicPort:       ep.Port,
			PrivatePort:      ep.LocalPort,
		})
	}
	if err := o.store.PrecommitEndpoints(ctx, pending); err != nil {
		return azure.RoleSpec{}, err
	}
	return spec, nil
}

// assignPorts keeps each requested public port when free and bumps it
// past the taken set otherwise.
func assignPorts(requested []azure.InputEndpoint, taken []int) []azure.InputEndpoint {
	used := make(map[int]bool, len(taken))
	for _, p := range taken {
		used[p] = true
	}
	out := make([]azure.InputEndpoint, len(requested))
	for i, ep := range requested {
		port := ep.Port
		for used[port] {
			port++
		}
		used[port] = true
		ep.Port = port
		out[i] = ep
	}
	return out
}

// rollbackEndpoints releases pre-committed endpoint rows after a failed
// role creation; the machine they were to belong to never appeared.
func (o *Orchestrator) rollbackEndpoints(ctx context.Context, a pipelineArgs) {
	if err := o.store.RollbackPendingEndpoints(ctx, a.ExperimentID, a.Template.CloudService.ServiceName); err != nil {
		o.log.Error(err, "failed to roll back pending endpoints", "experiment", a.ExperimentID)
	}
}

// deploymentCreated runs after create_vm_deployment's async succeeded:
// wait for the deployment, mirror it as ours, then finish the role.
func (o *Orchestrator) deploymentCreated(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	depName := a.Template.Deployment.DeploymentName

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateDeployment,
			fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()), 0)
		return err
	}
	if err := waitForDeployment(ctx, client, service, depName, azure.DeploymentRunning, o.opts.ReadyTick, o.opts.ReadyLoops); err != nil {
		o.rollbackEndpoints(ctx, a)
		note := fmt.Sprintf(createDeploymentError[2], labelDeployment, slot)
		if azure.IsKind(err, azure.Cancelled) {
			note = "cancelled"
		}
		o.failCreateStep(ctx, a.ExperimentID, OpCreateDeployment, note, 2)
		return err
	}
	if _, err := o.store.CreateDeployment(ctx, store.Deployment{
		ExperimentID:     a.ExperimentID,
		CloudServiceName: service,
		Name:             depName,
		Slot:             slot,
		Status:           store.ResourceRunning,
		CreatedByUs:      true,
	}); err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateDeployment,
			fmt.Sprintf(createDeploymentError[0], labelDeployment, slot, err.Error()), 0)
		return err
	}
	o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditEnd,
		fmt.Sprintf(createDeploymentInfo[0], labelDeployment, slot), 0)
	return o.finishRole(ctx, a, s, client, depName)
}

func (o *Orchestrator) deploymentFailed(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	env := a.Template.VirtualEnvs[a.EnvIndex]
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
	o.rollbackEndpoints(ctx, a)
	o.audit(ctx, a.ExperimentID, OpCreateDeployment, store.AuditFail,
		noteOr(a.Note, fmt.Sprintf(createDeploymentError[2], labelDeployment, slot)), 2)
	o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
		noteOr(a.Note, fmt.Sprintf(createVirtualMachineError[2], labelVirtualMachine, vmName)), 2)
	return nil
}

// roleAdded runs after add_role's async succeeded. Roles created from a
// captured VM image carry no endpoints yet; push the network
// configuration before waiting for readiness.
func (o *Orchestrator) roleAdded(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}

	if env.Image.VMImageName != "" {
		endpoints, err := o.pendingEndpointConfig(ctx, a)
		if err != nil {
			o.rollbackEndpoints(ctx, a)
			o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
				fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		op, err := client.UpdateRoleNetwork(ctx, service, depName, vmName, endpoints)
		if err != nil {
			o.rollbackEndpoints(ctx, a)
			o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
				fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		return o.scheduleAsyncWait(s, a, op, handlerNetworkUpdated, handlerNetworkUpdateFailed)
	}
	return o.finishRole(ctx, a, s, client, depName)
}

func (o *Orchestrator) roleAddFailed(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
	o.rollbackEndpoints(ctx, a)
	o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
		noteOr(a.Note, fmt.Sprintf(createVirtualMachineError[2], labelVirtualMachine, vmName)), 2)
	return nil
}

func (o *Orchestrator) networkUpdated(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	return o.finishRole(ctx, a, s, client, depName)
}

func (o *Orchestrator) networkUpdateFailed(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
	o.rollbackEndpoints(ctx, a)
	o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
		noteOr(a.Note, fmt.Sprintf(createVirtualMachineError[3], labelVirtualMachine, vmName)), 3)
	return nil
}

// pendingEndpointConfig rebuilds the network configuration set from the
// pre-committed endpoint rows, which carry the assigned public ports.
func (o *Orchestrator) pendingEndpointConfig(ctx context.Context, a pipelineArgs) (azure.ConfigurationSet, error) {
	rows, err := o.store.ListPendingEndpoints(ctx, a.ExperimentID, a.Template.CloudService.ServiceName)
	if err != nil {
		return azure.ConfigurationSet{}, err
	}
	endpoints := make([]azure.InputEndpoint, 0, len(rows))
	for _, row := range rows {
		endpoints = append(endpoints, azure.InputEndpoint{
			Name:      row.Name,
			Protocol:  row.Protocol,
			Port:      row.PublicPort,
			LocalPort: row.PrivatePort,
		})
	}
	return azure.NetworkConfig(endpoints), nil
}

// finishRole waits for readiness, then mirrors the machine: the VM row,
// its endpoint attachment, and the remote-access environment.
func (o *Orchestrator) finishRole(ctx context.Context, a pipelineArgs, s jobs.Scheduler, client azure.Client, depName string) error {
	env := a.Template.VirtualEnvs[a.EnvIndex]
	service := a.Template.CloudService.ServiceName
	vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)

	if err := waitForRole(ctx, client, service, depName, vmName, azure.InstanceReadyRole, o.opts.ReadyTick, o.opts.ReadyLoops); err != nil {
		o.rollbackEndpoints(ctx, a)
		note := fmt.Sprintf(createVirtualMachineError[5], labelVirtualMachine, vmName)
		if azure.IsKind(err, azure.Cancelled) {
			note = "cancelled"
		}
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine, note, 5)
		return err
	}

	dep, err := client.GetDeployment(ctx, service, depName)
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	instance, _ := dep.InstanceOf(vmName)
	publicIP := ""
	if len(instance.InstanceEndpoints) > 0 {
		publicIP = instance.InstanceEndpoints[0].Vip
	}

	vmRow, err := o.store.CreateVirtualMachine(ctx, store.VirtualMachine{
		ExperimentID:     a.ExperimentID,
		CloudServiceName: service,
		DeploymentName:   depName,
		Name:             vmName,
		Label:            env.Label,
		Status:           string(azure.InstanceReadyRole),
		DNS:              dep.URL,
		PublicIP:         publicIP,
		PrivateIP:        instance.IPAddress,
		CreatedByUs:      true,
	})
	if err != nil {
		o.rollbackEndpoints(ctx, a)
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if err := o.store.AttachPendingEndpoints(ctx, a.ExperimentID, service, vmRow.ID); err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}

	if _, err := o.store.CreateVirtualEnvironment(ctx, store.VirtualEnvironment{
		ExperimentID:     a.ExperimentID,
		VirtualMachineID: vmRow.ID,
		Provider:         "AzureVM",
		RemoteProvider:   env.Remote.Provider,
		ImageName:        env.Image.VMImageName,
		Status:           "Running",
		RemoteParas:      renderRemoteParas(env, vmName, publicIP, instance),
	}); err != nil {
		o.failCreateStep(ctx, a.ExperimentID, OpCreateVirtualMachine,
			fmt.Sprintf(createVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}

	o.audit(ctx, a.ExperimentID, OpCreateVirtualMachine, store.AuditEnd,
		fmt.Sprintf(createVirtualMachineInfo[0], labelVirtualMachine, vmName), 0)
	return o.nextVirtualMachine(ctx, a, s)
}

// nextVirtualMachine advances to the next virtual environment, or
// closes the top-level create.
func (o *Orchestrator) nextVirtualMachine(ctx context.Context, a pipelineArgs, s jobs.Scheduler) error {
	if a.EnvIndex+1 < len(a.Template.VirtualEnvs) {
		a.EnvIndex++
		return o.schedulePipeline(s, handlerCreateVirtualMachine, a)
	}
	o.audit(ctx, a.ExperimentID, OpCreate, store.AuditEnd, "", -1)
	return nil
}

// renderRemoteParas serializes the remote-access parameters of the
// machine's named endpoint.
func renderRemoteParas(env template.VirtualEnvironment, vmName, publicIP string, instance azure.RoleInstance) string {
	port := 0
	for _, ep := range instance.InstanceEndpoints {
		if ep.Name == env.Remote.PortName {
			port = ep.PublicPort
			break
		}
	}
	paras := map[string]interface{}{
		"name":        vmName,
		"displayname": vmName,
		"hostname":    publicIP,
		"port":        port,
	}
	for k, v := range env.Remote.Paras {
		paras[k] = v
	}
	paras["username"] = env.SystemConfig.UserName
	paras["password"] = env.SystemConfig.UserPassword
	raw, err := json.Marshal(paras)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
