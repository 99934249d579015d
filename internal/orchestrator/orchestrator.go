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

// Package orchestrator is the provisioning state machine. Each
// top-level operation walks an ordered pipeline of steps; every step
// applies the adopt-or-create decision against the provider, writes a
// START audit record on entry and exactly one terminal record on exit,
// and never retries. Create runs as a chain of jobs so a workflow can
// suspend for minutes on provider async operations; update, delete,
// stop and start run as one job each. All jobs for the same
// (subscription, cloud service, deployment) triple execute FIFO.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/jobs"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// Repository is the persistence surface the engine writes through.
// *store.Store satisfies it.
type Repository interface {
	CredentialForExperiment(ctx context.Context, experimentID int64) (*store.ManagementCredential, error)
	AppendAudit(ctx context.Context, experimentID int64, operation string, status store.AuditStatus, note string, stepIndex int) (*store.AuditLog, error)

	GetStorageAccount(ctx context.Context, experimentID int64, name string) (*store.StorageAccount, error)
	CreateStorageAccount(ctx context.Context, sa store.StorageAccount) (*store.StorageAccount, error)
	DeleteStorageAccount(ctx context.Context, experimentID int64, name string) error

	GetCloudService(ctx context.Context, experimentID int64, name string) (*store.CloudService, error)
	CreateCloudService(ctx context.Context, cs store.CloudService) (*store.CloudService, error)

	GetDeploymentBySlot(ctx context.Context, experimentID int64, cloudService, slot string) (*store.Deployment, error)
	CreateDeployment(ctx context.Context, d store.Deployment) (*store.Deployment, error)
	DeleteDeploymentCascade(ctx context.Context, experimentID int64, cloudService, name string) error

	GetVirtualMachine(ctx context.Context, experimentID int64, cloudService, deployment, name string) (*store.VirtualMachine, error)
	CreateVirtualMachine(ctx context.Context, vm store.VirtualMachine) (*store.VirtualMachine, error)
	UpdateVirtualMachineStatus(ctx context.Context, id int64, status string) error
	UpdateVirtualMachinePrivateIP(ctx context.Context, id int64, ip string) error
	DeleteVirtualMachineCascade(ctx context.Context, id int64) error

	ListEndpoints(ctx context.Context, virtualMachineID int64) ([]store.Endpoint, error)
	ListPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) ([]store.Endpoint, error)
	ListAssignedPublicPorts(ctx context.Context, experimentID int64, cloudService string) ([]int, error)
	PrecommitEndpoints(ctx context.Context, endpoints []store.Endpoint) error
	AttachPendingEndpoints(ctx context.Context, experimentID int64, cloudService string, virtualMachineID int64) error
	RollbackPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) error
	ReplaceEndpoints(ctx context.Context, virtualMachineID int64, endpoints []store.Endpoint) error

	CreateVirtualEnvironment(ctx context.Context, ve store.VirtualEnvironment) (*store.VirtualEnvironment, error)
	UpdateVirtualEnvironmentStatus(ctx context.Context, virtualMachineID int64, status string) error
}

// ClientFactory builds a provider client from a stored credential. Each
// workflow resolves its own client so two experiments never share
// mutable provider state.
type ClientFactory func(ctx context.Context, cred *store.ManagementCredential) (azure.Client, error)

// Options tune the polling parameters. Zero values take the defaults.
type Options struct {
	AsyncTick  time.Duration
	AsyncLoops int
	ReadyTick  time.Duration
	ReadyLoops int
}

func (o *Options) withDefaults() {
	if o.AsyncTick == 0 {
		o.AsyncTick = defaultAsyncTick
	}
	if o.AsyncLoops == 0 {
		o.AsyncLoops = defaultAsyncLoops
	}
	if o.ReadyTick == 0 {
		o.ReadyTick = defaultReadyTick
	}
	if o.ReadyLoops == 0 {
		o.ReadyLoops = defaultReadyLoops
	}
}

// Orchestrator drives provisioning workflows over the job runner.
type Orchestrator struct {
	store   Repository
	clients ClientFactory
	runner  *jobs.Runner
	log     logr.Logger
	opts    Options
}

// Handler names. Stable: jobs reference handlers by name only.
const (
	handlerAsyncWait = "orchestrator.async_wait"

	handlerCreateStorageAccount  = "orchestrator.create_storage_account"
	handlerStorageAccountCreated = "orchestrator.storage_account_created"
	handlerStorageAccountFailed  = "orchestrator.storage_account_failed"

	handlerCreateCloudService  = "orchestrator.create_cloud_service"
	handlerCloudServiceCreated = "orchestrator.cloud_service_created"
	handlerCloudServiceFailed  = "orchestrator.cloud_service_failed"

	handlerCreateVirtualMachine = "orchestrator.create_virtual_machine"
	handlerDeploymentCreated    = "orchestrator.deployment_created"
	handlerDeploymentFailed     = "orchestrator.deployment_failed"
	handlerRoleAdded            = "orchestrator.role_added"
	handlerRoleAddFailed        = "orchestrator.role_add_failed"
	handlerNetworkUpdated       = "orchestrator.network_updated"
	handlerNetworkUpdateFailed  = "orchestrator.network_update_failed"

	handlerUpdateExperiment = "orchestrator.update_experiment"
	handlerDeleteExperiment = "orchestrator.delete_experiment"
	handlerStopExperiment   = "orchestrator.stop_experiment"
	handlerStartExperiment  = "orchestrator.start_experiment"
)

// New builds an orchestrator and registers its handlers. ctx bounds
// every job the runner executes.
func New(ctx context.Context, repo Repository, clients ClientFactory, log logr.Logger, opts Options) *Orchestrator {
	opts.withDefaults()
	o := &Orchestrator{
		store:   repo,
		clients: clients,
		log:     log,
		opts:    opts,
	}
	registry := jobs.NewRegistry()
	registry.Register(handlerAsyncWait, o.handleAsyncWait)
	registry.Register(handlerCreateStorageAccount, pipelineHandler(o.createStorageAccount))
	registry.Register(handlerStorageAccountCreated, pipelineHandler(o.storageAccountCreated))
	registry.Register(handlerStorageAccountFailed, pipelineHandler(o.storageAccountFailed))
	registry.Register(handlerCreateCloudService, pipelineHandler(o.createCloudService))
	registry.Register(handlerCloudServiceCreated, pipelineHandler(o.cloudServiceCreated))
	registry.Register(handlerCloudServiceFailed, pipelineHandler(o.cloudServiceFailed))
	registry.Register(handlerCreateVirtualMachine, pipelineHandler(o.createVirtualMachine))
	registry.Register(handlerDeploymentCreated, pipelineHandler(o.deploymentCreated))
	registry.Register(handlerDeploymentFailed, pipelineHandler(o.deploymentFailed))
	registry.Register(handlerRoleAdded, pipelineHandler(o.roleAdded))
	registry.Register(handlerRoleAddFailed, pipelineHandler(o.roleAddFailed))
	registry.Register(handlerNetworkUpdated, pipelineHandler(o.networkUpdated))
	registry.Register(handlerNetworkUpdateFailed, pipelineHandler(o.networkUpdateFailed))
	registry.Register(handlerUpdateExperiment, pipelineHandler(o.runUpdate))
	registry.Register(handlerDeleteExperiment, deleteHandler(o.runDelete))
	registry.Register(handlerStopExperiment, powerHandler(o.runStop))
	registry.Register(handlerStartExperiment, powerHandler(o.runStart))
	o.runner = jobs.NewRunner(ctx, registry, log.WithName("jobs"))
	return o
}

// Wait blocks until all in-flight workflows finish. For shutdown.
func (o *Orchestrator) Wait() {
	o.runner.Wait()
}

// pipelineArgs is the serialized state threaded through the create
// chain. The whole template rides along so every handler is
// self-contained.
type pipelineArgs struct {
	ExperimentID int64             `json:"experiment_id"`
	Key          string            `json:"key"`
	Template     template.Template `json:"template"`
	// EnvIndex selects the virtual environment the VM stages operate on.
	EnvIndex int `json:"env_index"`
	// Note overrides the failure handler's table message, e.g. "cancelled".
	Note string `json:"note,omitempty"`
}

type pipelineFunc func(ctx context.Context, args pipelineArgs, s jobs.Scheduler) error

func pipelineHandler(fn pipelineFunc) jobs.HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage, s jobs.Scheduler) error {
		var args pipelineArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return errors.Wrap(err, "failed to decode pipeline args")
		}
		return fn(ctx, args, s)
	}
}

// asyncWaitArgs carries an in-flight operation and its continuations.
type asyncWaitArgs struct {
	ExperimentID int64             `json:"experiment_id"`
	OperationID  azure.OperationID `json:"operation_id"`
	Success      jobs.Job          `json:"success"`
	Failure      jobs.Job          `json:"failure"`
}

// handleAsyncWait polls the operation and dispatches the matching
// continuation. Cancellation routes to the failure continuation with
// the note forced to "cancelled".
func (o *Orchestrator) handleAsyncWait(ctx context.Context, raw json.RawMessage, s jobs.Scheduler) error {
	var args asyncWaitArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errors.Wrap(err, "failed to decode async wait args")
	}
	client, err := o.clientFor(ctx, args.ExperimentID)
	if err != nil {
		s.Schedule(args.Failure)
		return err
	}
	waitErr := waitForOperation(ctx, client, args.OperationID, o.opts.AsyncTick, o.opts.AsyncLoops)
	if waitErr == nil {
		s.Schedule(args.Success)
		return nil
	}
	if azure.IsKind(waitErr, azure.Cancelled) {
		args.Failure = withNote(args.Failure, "cancelled")
	}
	s.Schedule(args.Failure)
	return waitErr
}

// withNote rewrites the Note field of a pipeline job's args.
func withNote(job jobs.Job, note string) jobs.Job {
	var args pipelineArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return job
	}
	args.Note = note
	raw, err := json.Marshal(args)
	if err != nil {
		return job
	}
	job.Args = raw
	return job
}

// scheduleAsyncWait enqueues the waiter job on the pipeline's key.
func (o *Orchestrator) scheduleAsyncWait(s jobs.Scheduler, args pipelineArgs, op azure.OperationID, successHandler, failureHandler string) error {
	success, err := jobs.NewJob(successHandler, args.Key, args)
	if err != nil {
		return err
	}
	failure, err := jobs.NewJob(failureHandler, args.Key, args)
	if err != nil {
		return err
	}
	wait, err := jobs.NewJob(handlerAsyncWait, args.Key, asyncWaitArgs{
		ExperimentID: args.ExperimentID,
		OperationID:  op,
		Success:      success,
		Failure:      failure,
	})
	if err != nil {
		return err
	}
	s.Schedule(wait)
	return nil
}

func (o *Orchestrator) schedulePipeline(s jobs.Scheduler, handler string, args pipelineArgs) error {
	job, err := jobs.NewJob(handler, args.Key, args)
	if err != nil {
		return err
	}
	s.Schedule(job)
	return nil
}

// clientFor resolves the provider client of the experiment's owner.
func (o *Orchestrator) clientFor(ctx context.Context, experimentID int64) (azure.Client, error) {
	cred, err := o.store.CredentialForExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, azure.NewKindError(azure.StateIllegal,
			fmt.Sprintf("experiment %d has no management credential", experimentID))
	}
	return o.clients(ctx, cred)
}

// deploymentKey is the serialization key honoring the provider's
// per-deployment single-flight rule.
func deploymentKey(subscriptionID string, tmpl *template.Template) string {
	return fmt.Sprintf("%s/%s/%s", subscriptionID, tmpl.CloudService.ServiceName, tmpl.Deployment.DeploymentName)
}

// normalizeSlot maps the template's slot spelling to the provider's.
func normalizeSlot(slot string) string {
	if strings.EqualFold(slot, azure.DeploymentSlotProduction) {
		return azure.DeploymentSlotProduction
	}
	return slot
}

// audit writes one lifecycle record; store failures are logged, not
// propagated, so a broken audit feed never wedges a workflow mid-step.
func (o *Orchestrator) audit(ctx context.Context, experimentID int64, operation string, status store.AuditStatus, note string, step int) {
	if _, err := o.store.AppendAudit(ctx, experimentID, operation, status, note, step); err != nil {
		o.log.Error(err, "failed to append audit record",
			"experiment", experimentID, "operation", operation, "status", status)
	}
	recordAudit(operation, status)
}

// dispatch resolves the experiment's key and schedules the first job of
// an operation. Shared by the five entry points.
func (o *Orchestrator) dispatch(ctx context.Context, experimentID int64, tmpl *template.Template, topOp, handler string) error {
	cred, err := o.store.CredentialForExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if cred == nil {
		return azure.NewKindError(azure.StateIllegal,
			fmt.Sprintf("experiment %d has no management credential", experimentID))
	}
	o.audit(ctx, experimentID, topOp, store.AuditStart, "", -1)
	args := pipelineArgs{
		ExperimentID: experimentID,
		Key:          deploymentKey(cred.SubscriptionID, tmpl),
		Template:     *tmpl,
	}
	job, err := jobs.NewJob(handler, args.Key, args)
	if err != nil {
		return err
	}
	o.runner.Schedule(job)
	return nil
}

// Create provisions the template's topology. It validates the template
// synchronously, then hands the workflow to the job chain; progress is
// reported through the audit log.
func (o *Orchestrator) Create(ctx context.Context, experimentID int64, tmpl *template.Template) error {
	if _, err := tmpl.TotalCores(); err != nil {
		return err
	}
	return o.dispatch(ctx, experimentID, tmpl, OpCreate, handlerCreateStorageAccount)
}

// Update reshapes existing roles to the template's sizes and endpoint
// sets.
func (o *Orchestrator) Update(ctx context.Context, experimentID int64, tmpl *template.Template) error {
	if _, err := tmpl.TotalCores(); err != nil {
		return err
	}
	return o.dispatch(ctx, experimentID, tmpl, OpUpdate, handlerUpdateExperiment)
}

// Delete removes the template's roles, deleting the deployment when the
// last role goes. Adopted resources are refused unless force is set.
func (o *Orchestrator) Delete(ctx context.Context, experimentID int64, tmpl *template.Template, force bool) error {
	cred, err := o.store.CredentialForExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if cred == nil {
		return azure.NewKindError(azure.StateIllegal,
			fmt.Sprintf("experiment %d has no management credential", experimentID))
	}
	o.audit(ctx, experimentID, OpDelete, store.AuditStart, "", -1)
	args := deleteArgs{
		pipelineArgs: pipelineArgs{
			ExperimentID: experimentID,
			Key:          deploymentKey(cred.SubscriptionID, tmpl),
			Template:     *tmpl,
		},
		Force: force,
	}
	job, err := jobs.NewJob(handlerDeleteExperiment, args.Key, args)
	if err != nil {
		return err
	}
	o.runner.Schedule(job)
	return nil
}

// Stop shuts the template's roles down with the given post-shutdown
// action.
func (o *Orchestrator) Stop(ctx context.Context, experimentID int64, tmpl *template.Template, action azure.PowerAction) error {
	cred, err := o.store.CredentialForExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if cred == nil {
		return azure.NewKindError(azure.StateIllegal,
			fmt.Sprintf("experiment %d has no management credential", experimentID))
	}
	args := powerArgs{
		pipelineArgs: pipelineArgs{
			ExperimentID: experimentID,
			Key:          deploymentKey(cred.SubscriptionID, tmpl),
			Template:     *tmpl,
		},
		Action: action,
	}
	job, err := jobs.NewJob(handlerStopExperiment, args.Key, args)
	if err != nil {
		return err
	}
	o.runner.Schedule(job)
	return nil
}

// Start powers the template's roles back on.
func (o *Orchestrator) Start(ctx context.Context, experimentID int64, tmpl *template.Template) error {
	cred, err := o.store.CredentialForExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	if cred == nil {
		return azure.NewKindError(azure.StateIllegal,
			fmt.Sprintf("experiment %d has no management credential", experimentID))
	}
	args := powerArgs{
		pipelineArgs: pipelineArgs{
			ExperimentID: experimentID,
			Key:          deploymentKey(cred.SubscriptionID, tmpl),
			Template:     *tmpl,
		},
	}
	job, err := jobs.NewJob(handlerStartExperiment, args.Key, args)
	if err != nil {
		return err
	}
	o.runner.Schedule(job)
	return nil
}
