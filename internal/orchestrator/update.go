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
	"fmt"
	"sort"
	"strings"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/jobs"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// precheck verifies the cloud service, deployment and every templated
// role exist both on the provider and in the store before update or
// delete touches anything. Returns the deployment name occupying the
// slot.
func (o *Orchestrator) precheck(ctx context.Context, client azure.Client, a pipelineArgs, topOp string) (string, bool) {
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)

	fail := func(note string, step int) {
		o.audit(ctx, a.ExperimentID, topOp, store.AuditFail, note, step)
	}

	exists, err := client.CloudServiceExists(ctx, service)
	if err != nil {
		fail(err.Error(), 0)
		return "", false
	}
	if !exists {
		fail(fmt.Sprintf(precheckError[0], labelCloudService, service), 0)
		return "", false
	}
	csRow, err := o.store.GetCloudService(ctx, a.ExperimentID, service)
	if err != nil {
		fail(err.Error(), 1)
		return "", false
	}
	if csRow == nil {
		fail(fmt.Sprintf(precheckError[1], labelCloudService, service), 1)
		return "", false
	}

	depExists, err := client.DeploymentExists(ctx, service, slot)
	if err != nil {
		fail(err.Error(), 0)
		return "", false
	}
	if !depExists {
		fail(fmt.Sprintf(precheckError[0], labelDeployment, a.Template.Deployment.DeploymentName), 0)
		return "", false
	}
	depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		fail(err.Error(), 0)
		return "", false
	}
	depRow, err := o.store.GetDeploymentBySlot(ctx, a.ExperimentID, service, slot)
	if err != nil {
		fail(err.Error(), 1)
		return "", false
	}
	if depRow == nil {
		fail(fmt.Sprintf(precheckError[1], labelDeployment, depName), 1)
		return "", false
	}

	for _, env := range a.Template.VirtualEnvs {
		vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
		roleExists, err := client.RoleExists(ctx, service, depName, vmName)
		if err != nil {
			fail(err.Error(), 0)
			return "", false
		}
		if !roleExists {
			fail(fmt.Sprintf(precheckError[0], labelVirtualMachine, vmName), 0)
			return "", false
		}
		vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
		if err != nil {
			fail(err.Error(), 1)
			return "", false
		}
		if vmRow == nil {
			fail(fmt.Sprintf(precheckError[1], labelVirtualMachine, vmName), 1)
			return "", false
		}
	}
	return depName, true
}

// runUpdate reshapes every templated role to its requested size and
// endpoint set, verifying each change against a re-fetch of the role.
func (o *Orchestrator) runUpdate(ctx context.Context, a pipelineArgs, _ jobs.Scheduler) error {
	service := a.Template.CloudService.ServiceName

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.audit(ctx, a.ExperimentID, OpUpdate, store.AuditFail, err.Error(), 0)
		return err
	}
	depName, ok := o.precheck(ctx, client, a, OpUpdate)
	if !ok {
		return nil
	}

	for _, env := range a.Template.VirtualEnvs {
		vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
		o.audit(ctx, a.ExperimentID, OpUpdateVirtualMachine, store.AuditStart, "", -1)

		fail := func(note string, step int) {
			o.audit(ctx, a.ExperimentID, OpUpdateVirtualMachine, store.AuditFail, note, step)
			o.audit(ctx, a.ExperimentID, OpUpdate, store.AuditFail, note, step)
		}

		desired := azure.NetworkConfig(env.Endpoints())
		op, err := client.UpdateRole(ctx, service, depName, vmName, desired, env.RoleSize)
		if err != nil {
			fail(fmt.Sprintf(updateVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if err := waitForOperation(ctx, client, op, o.opts.AsyncTick, o.opts.AsyncLoops); err != nil {
			note := fmt.Sprintf(updateVirtualMachineError[1], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 1)
			return err
		}
		if err := waitForRole(ctx, client, service, depName, vmName, azure.InstanceReadyRole, o.opts.ReadyTick, o.opts.ReadyLoops); err != nil {
			note := fmt.Sprintf(updateVirtualMachineError[2], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 2)
			return err
		}

		// the provider accepted and settled; verify it did what was asked
		role, err := client.GetRole(ctx, service, depName, vmName)
		if err != nil {
			fail(fmt.Sprintf(updateVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		current, _ := role.NetworkConfigurationSet()
		if role.RoleSize != env.RoleSize || !endpointsEqual(current.InputEndpoints, desired.InputEndpoints) {
			fail(fmt.Sprintf(updateVirtualMachineError[3], labelVirtualMachine, vmName), 3)
			return azure.NewKindError(azure.PostconditionViolated,
				fmt.Sprintf("role %s settled with a different size or endpoint set", vmName))
		}

		vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
		if err != nil || vmRow == nil {
			fail(fmt.Sprintf(updateVirtualMachineError[0], labelVirtualMachine, vmName, "virtual machine row missing"), 0)
			return err
		}
		replacement := make([]store.Endpoint, 0, len(desired.InputEndpoints))
		for _, ep := range desired.InputEndpoints {
			replacement = append(replacement, store.Endpoint{
				ExperimentID:     a.ExperimentID,
				CloudServiceName: service,
				Name:             ep.Name,
				Protocol:         ep.Protocol,
				PublicPort:       ep.Port,
				PrivatePort:      ep.LocalPort,
			})
		}
		if err := o.store.ReplaceEndpoints(ctx, vmRow.ID, replacement); err != nil {
			fail(fmt.Sprintf(updateVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}

		// refresh the private address from the settled deployment
		dep, err := client.GetDeployment(ctx, service, depName)
		if err == nil {
			if instance, found := dep.InstanceOf(vmName); found {
				if err := o.store.UpdateVirtualMachinePrivateIP(ctx, vmRow.ID, instance.IPAddress); err != nil {
					o.log.Error(err, "failed to refresh private ip", "vm", vmName)
				}
			}
		}

		o.audit(ctx, a.ExperimentID, OpUpdateVirtualMachine, store.AuditEnd,
			fmt.Sprintf(updateVirtualMachineInfo[0], labelVirtualMachine, vmName), 0)
	}

	o.audit(ctx, a.ExperimentID, OpUpdate, store.AuditEnd, "", -1)
	return nil
}

// endpointsEqual compares endpoint sets order-independently by name,
// matching protocol case-insensitively plus both ports.
func endpointsEqual(a, b []azure.InputEndpoint) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortEndpointsByName(a)
	bs := sortEndpointsByName(b)
	for i := range as {
		if as[i].Name != bs[i].Name ||
			!strings.EqualFold(as[i].Protocol, bs[i].Protocol) ||
			as[i].Port != bs[i].Port ||
			as[i].LocalPort != bs[i].LocalPort {
			return false
		}
	}
	return true
}

func sortEndpointsByName(endpoints []azure.InputEndpoint) []azure.InputEndpoint {
	out := make([]azure.InputEndpoint, len(endpoints))
	copy(out, endpoints)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
