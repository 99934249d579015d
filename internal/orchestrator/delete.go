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

// deleteArgs extends the pipeline state with the force flag that allows
// removing adopted resources.
type deleteArgs struct {
	pipelineArgs
	Force bool `json:"force"`
}

type deleteFunc func(ctx context.Context, args deleteArgs, s jobs.Scheduler) error

func deleteHandler(fn deleteFunc) jobs.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, s jobs.Scheduler) error {
		var args deleteArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errors.Wrap(err, "failed to decode delete args")
		}
		return fn(ctx, args, s)
	}
}

// runDelete removes every templated role. The deployment's last role is
// removed by deleting the deployment itself; in both branches absence
// is verified before persistence rows are cascaded.
func (o *Orchestrator) runDelete(ctx context.Context, a deleteArgs, _ jobs.Scheduler) error {
	service := a.Template.CloudService.ServiceName
	slot := normalizeSlot(a.Template.Deployment.DeploymentSlot)

	client, err := o.clientFor(ctx, a.ExperimentID)
	if err != nil {
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, err.Error(), 0)
		return err
	}
	depName, ok := o.precheck(ctx, client, a.pipelineArgs, OpDelete)
	if !ok {
		return nil
	}

	for _, env := range a.Template.VirtualEnvs {
		vmName := template.EffectiveRoleName(env.RoleName, a.ExperimentID)

		vmRow, err := o.store.GetVirtualMachine(ctx, a.ExperimentID, service, depName, vmName)
		if err != nil {
			o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, err.Error(), 0)
			return err
		}
		if vmRow == nil {
			// removed by an earlier deployment-delete branch
			continue
		}
		if !vmRow.CreatedByUs && !a.Force {
			note := fmt.Sprintf(deleteVirtualMachineError[3], labelVirtualMachine, vmName, systemName)
			o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditStart, "", -1)
			o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditFail, note, 3)
			o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, note, 3)
			return nil
		}

		dep, err := client.GetDeployment(ctx, service, depName)
		if err != nil {
			o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, err.Error(), 0)
			return err
		}

		if len(dep.RoleInstances) == 1 {
			if err := o.deleteLastRole(ctx, client, a, depName, slot, vmName); err != nil {
				return err
			}
			continue
		}
		if err := o.deleteRole(ctx, client, a, depName, vmName, vmRow.ID); err != nil {
			return err
		}
	}

	o.audit(ctx, a.ExperimentID, OpDelete, store.AuditEnd, "", -1)
	return nil
}

// deleteLastRole removes the sole remaining role by deleting its
// deployment.
func (o *Orchestrator) deleteLastRole(ctx context.Context, client azure.Client, a deleteArgs, depName, slot, vmName string) error {
	service := a.Template.CloudService.ServiceName

	o.audit(ctx, a.ExperimentID, OpDeleteDeployment, store.AuditStart, "", -1)
	o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditStart, "", -1)

	failBoth := func(depNote, vmNote string, step int) {
		o.audit(ctx, a.ExperimentID, OpDeleteDeployment, store.AuditFail, depNote, step)
		o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditFail, vmNote, step)
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, depNote, step)
	}

	op, err := client.DeleteDeployment(ctx, service, depName)
	if err != nil {
		failBoth(fmt.Sprintf(deleteDeploymentError[0], labelDeployment, depName, err.Error()),
			fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if err := waitForOperation(ctx, client, op, o.opts.AsyncTick, o.opts.AsyncLoops); err != nil {
		depNote := fmt.Sprintf(deleteDeploymentError[1], labelDeployment, depName)
		vmNote := fmt.Sprintf(deleteVirtualMachineError[1], labelVirtualMachine, vmName)
		if azure.IsKind(err, azure.Cancelled) {
			depNote, vmNote = "cancelled", "cancelled"
		}
		failBoth(depNote, vmNote, 1)
		return err
	}

	// verify the deployment is gone before touching persistence
	exists, err := client.DeploymentExists(ctx, service, slot)
	if err != nil {
		failBoth(fmt.Sprintf(deleteDeploymentError[0], labelDeployment, depName, err.Error()),
			fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if exists {
		note := fmt.Sprintf(deleteDeploymentError[2], labelDeployment, depName)
		o.audit(ctx, a.ExperimentID, OpDeleteDeployment, store.AuditFail, note, 2)
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, note, 2)
		return azure.NewKindError(azure.PostconditionViolated,
			fmt.Sprintf("deployment %s still present after delete", depName))
	}
	if err := o.store.DeleteDeploymentCascade(ctx, a.ExperimentID, service, depName); err != nil {
		failBoth(fmt.Sprintf(deleteDeploymentError[0], labelDeployment, depName, err.Error()),
			fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	o.audit(ctx, a.ExperimentID, OpDeleteDeployment, store.AuditEnd,
		fmt.Sprintf(deleteDeploymentInfo[0], labelDeployment, depName), 0)

	roleExists, err := client.RoleExists(ctx, service, depName, vmName)
	if err != nil {
		o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditFail,
			fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, err.Error(), 0)
		return err
	}
	if roleExists {
		note := fmt.Sprintf(deleteVirtualMachineError[2], labelVirtualMachine, vmName)
		o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditFail, note, 2)
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, note, 2)
		return azure.NewKindError(azure.PostconditionViolated,
			fmt.Sprintf("role %s still present after deployment delete", vmName))
	}
	o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditEnd,
		fmt.Sprintf(deleteVirtualMachineInfo[0], labelVirtualMachine, vmName), 0)
	return nil
}

// deleteRole removes one role from a deployment that keeps others.
func (o *Orchestrator) deleteRole(ctx context.Context, client azure.Client, a deleteArgs, depName, vmName string, vmID int64) error {
	service := a.Template.CloudService.ServiceName

	o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditStart, "", -1)

	fail := func(note string, step int) {
		o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditFail, note, step)
		o.audit(ctx, a.ExperimentID, OpDelete, store.AuditFail, note, step)
	}

	op, err := client.DeleteRole(ctx, service, depName, vmName)
	if err != nil {
		fail(fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if err := waitForOperation(ctx, client, op, o.opts.AsyncTick, o.opts.AsyncLoops); err != nil {
		note := fmt.Sprintf(deleteVirtualMachineError[1], labelVirtualMachine, vmName)
		if azure.IsKind(err, azure.Cancelled) {
			note = "cancelled"
		}
		fail(note, 1)
		return err
	}
	roleExists, err := client.RoleExists(ctx, service, depName, vmName)
	if err != nil {
		fail(fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	if roleExists {
		fail(fmt.Sprintf(deleteVirtualMachineError[2], labelVirtualMachine, vmName), 2)
		return azure.NewKindError(azure.PostconditionViolated,
			fmt.Sprintf("role %s still present after delete", vmName))
	}
	if err := o.store.DeleteVirtualMachineCascade(ctx, vmID); err != nil {
		fail(fmt.Sprintf(deleteVirtualMachineError[0], labelVirtualMachine, vmName, err.Error()), 0)
		return err
	}
	o.audit(ctx, a.ExperimentID, OpDeleteVirtualMachine, store.AuditEnd,
		fmt.Sprintf(deleteVirtualMachineInfo[0], labelVirtualMachine, vmName), 0)
	return nil
}
