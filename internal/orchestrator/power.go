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

	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/jobs"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// powerArgs extends the pipeline state with the stop action. Start jobs
// leave Action empty.
type powerArgs struct {
	pipelineArgs
	Action azure.PowerAction `json:"action,omitempty"`
}

type powerFunc func(ctx context.Context, args powerArgs, s jobs.Scheduler) error

func powerHandler(fn powerFunc) jobs.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, s jobs.Scheduler) error {
		var args powerArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errors.Wrap(err, "failed to decode power args")
		}
		return fn(ctx, args, s)
	}
}

// runStop walks the templated roles and shuts each down with the
// requested post-shutdown action. Stopping an already-deallocated
// machine into the merely-stopped state is illegal: the provider cannot
// re-bill released resources.
func (o *Orchestrator) runStop(ctx context.Context, a powerArgs, _ jobs.Scheduler) error {
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)
	need := a.Action.NeedStatus()

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		return err
	}
	depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		return err
	}

	for _, env := range a.Template.VirtualEnvs {
		vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
		o.audit(ctx, a.ExperimentID, OpStopVirtualMachine, store.AuditStart, "", -1)

		fail := func(note string, step int) {
			o.audit(ctx, a.ExperimentID, OpStopVirtualMachine, store.AuditFail, note, step)
		}

		dep, err := client.GetDeployment(ctx, service, depName)
		if err != nil {
			fail(fmt.Sprintf(stopVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		instance, found := dep.InstanceOf(vmName)
		if !found {
			fail(fmt.Sprintf(precheckError[0], labelVirtualMachine, vmName), 0)
			return nil
		}
		now := instance.InstanceStatus

		// a deallocated machine cannot go back to the billed-stopped state
		if need == azure.InstanceStoppedVM && now == azure.InstanceStoppedDeallocated {
			fail(fmt.Sprintf(stopVirtualMachineError[1], labelVirtualMachine, vmName,
				azure.InstanceStoppedVM, azure.InstanceStoppedDeallocated), 1)
			return nil
		}

		if now == need {
			vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
			if err != nil {
				fail(fmt.Sprintf(stopVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
				return err
			}
			if vmRow != nil && vmRow.Status == string(need) {
				o.audit(ctx, a.ExperimentID, OpStopVirtualMachine, store.AuditEnd,
					fmt.Sprintf(stopVirtualMachineInfo[1], labelVirtualMachine, vmName, need, systemName), 1)
			} else {
				if vmRow != nil {
					o.syncPowerStatus(ctx, vmRow.ID, need)
				}
				o.audit(ctx, a.ExperimentID, OpStopVirtualMachine, store.AuditEnd,
					fmt.Sprintf(stopVirtualMachineInfo[2], labelVirtualMachine, vmName, need, systemName), 2)
			}
			continue
		}

		op, err := client.StopRole(ctx, service, depName, vmName, a.Action)
		if err != nil {
			fail(fmt.Sprintf(stopVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if err := waitForOperation(ctx, client, op, o.opts.AsyncTick, o.opts.AsyncLoops); err != nil {
			note := fmt.Sprintf(stopVirtualMachineError[2], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 2)
			return err
		}
		if err := waitForRole(ctx, client, service, depName, vmName, need, o.opts.ReadyTick, o.opts.ReadyLoops); err != nil {
			note := fmt.Sprintf(stopVirtualMachineError[3], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 3)
			return err
		}

		vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
		if err != nil {
			fail(fmt.Sprintf(stopVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if vmRow != nil {
			o.syncPowerStatus(ctx, vmRow.ID, need)
		}
		o.audit(ctx, a.ExperimentID, OpStopVirtualMachine, store.AuditEnd,
			fmt.Sprintf(stopVirtualMachineInfo[0], labelVirtualMachine, vmName, a.Action), 0)
	}
	return nil
}

// runStart walks the templated roles and powers each back on, then
// refreshes the mirrored private address (deallocated machines come
// back with a new one).
func (o *Orchestrator) runStart(ctx context.Context, a powerArgs, _ jobs.Scheduler) error {
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		return err
	}
	depName, err := client.GetDeploymentNameBySlot(ctx, service, slot)
	if err != nil {
		return err
	}

	for _, env := range a.Template.VirtualEnvs {
		vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)
		o.audit(ctx, a.ExperimentID, OpStartVirtualMachine, store.AuditStart, "", -1)

		fail := func(note string, step int) {
			o.audit(ctx, a.ExperimentID, OpStartVirtualMachine, store.AuditFail, note, step)
		}

		dep, err := client.GetDeployment(ctx, service, depName)
		if err != nil {
			fail(fmt.Sprintf(startVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		instance, found := dep.InstanceOf(vmName)
		if !found {
			fail(fmt.Sprintf(precheckError[0], labelVirtualMachine, vmName), 0)
			return nil
		}

		if instance.InstanceStatus == azure.InstanceReadyRole {
			vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
			if err != nil {
				fail(fmt.Sprintf(startVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
				return err
			}
			if vmRow != nil && vmRow.Status == string(azure.InstanceReadyRole) {
				o.audit(ctx, a.ExperimentID, OpStartVirtualMachine, store.AuditEnd,
					fmt.Sprintf(startVirtualMachineInfo[1], labelVirtualMachine, vmName, systemName), 1)
			} else {
				if vmRow != nil {
					o.syncRunning(ctx, vmRow.ID, instance.IPAddress)
				}
				o.audit(ctx, a.ExperimentID, OpStartVirtualMachine, store.AuditEnd,
					fmt.Sprintf(startVirtualMachineInfo[2], labelVirtualMachine, vmName, systemName), 2)
			}
			continue
		}

		op, err := client.StartRole(ctx, service, depName, vmName)
		if err != nil {
			fail(fmt.Sprintf(startVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if err := waitForOperation(ctx, client, op, o.opts.AsyncTick, o.opts.AsyncLoops); err != nil {
			note := fmt.Sprintf(startVirtualMachineError[1], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 1)
			return err
		}
		if err := waitForRole(ctx, client, service, depName, vmName, azure.InstanceReadyRole, o.opts.ReadyTick, o.opts.ReadyLoops); err != nil {
			note := fmt.Sprintf(startVirtualMachineError[2], labelVirtualMachine, vmName)
			if azure.IsKind(err, azure.Cancelled) {
				note = "cancelled"
			}
			fail(note, 2)
			return err
		}

		vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
		if err != nil {
			fail(fmt.Sprintf(startVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
			return err
		}
		if vmRow != nil {
			dep, err := client.GetDeployment(ctx, service, depName)
			ip := ""
			if err == nil {
				if instance, found := dep.InstanceOf(vmName); found {
					ip = instance.IPAddress
				}
			}
			o.syncRunning(ctx, vmRow.ID, ip)
		}
		o.audit(ctx, a.ExperimentID, OpStartVirtualMachine, store.AuditEnd,
			fmt.Sprintf(startVirtualMachineInfo[0], labelVirtualMachine, vmName), 0)
	}
	return nil
}

// syncPowerStatus mirrors a settled stop into the VM row and its
// virtual environment.
func (o *Orchestrator) syncPowerStatus(ctx context.Context, vmID int64, status azure.InstanceStatus) {
	if err := o.store.UpdateVirtualMachineStatus(ctx, vmID, string(status)); err != nil {
		o.log.Error(err, "failed to sync virtual machine status", "vm", vmID)
	}
	if err := o.store.UpdateVirtualEnvironmentStatus(ctx, vmID, "Stopped"); err != nil {
		o.log.Error(err, "failed to sync virtual environment status", "vm", vmID)
	}
}

// syncRunning mirrors a settled start into the VM row, refreshing the
// private address when one is known.
func (o *Orchestrator) syncRunning(ctx context.Context, vmID int64, privateIP string) {
	if err := o.store.UpdateVirtualMachineStatus(ctx, vmID, string(azure.InstanceReadyRole)); err != nil {
		o.log.Error(err, "failed to sync virtual machine status", "vm", vmID)
	}
	if privateIP != "" {
		if err := o.store.UpdateVirtualMachinePrivateIP(ctx, vmID, privateIP); err != nil {
			o.log.Error(err, "failed to refresh private ip", "vm", vmID)
		}
	}
	if err := o.store.UpdateVirtualEnvironmentStatus(ctx, vmID, "Running"); err != nil {
		o.log.Error(err, "failed to sync virtual environment status", "vm", vmID)
	}
}
