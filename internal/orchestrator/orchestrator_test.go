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
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/azure/fake"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

// memRepo is an in-memory Repository for engine tests. Safe after
// Wait(): no job goroutines are left once Wait returns.
type memRepo struct {
	mu sync.Mutex

	cred         *store.ManagementCredential
	audits       []store.AuditLog
	storages     []store.StorageAccount
	services     []store.CloudService
	deployments  []store.Deployment
	vms          []store.VirtualMachine
	endpoints    []store.Endpoint
	environments []store.VirtualEnvironment

	nextID int64
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		cred: &store.ManagementCredential{
			ID:             1,
			UserID:         1,
			SubscriptionID: "00000000-0000-0000-0000-000000000000",
		},
	}
}

func (r *memRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memRepo) CredentialForExperiment(ctx context.Context, experimentID int64) (*store.ManagementCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cred, nil
}

func (r *memRepo) AppendAudit(ctx context.Context, experimentID int64, operation string, status store.AuditStatus, note string, stepIndex int) (*store.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := store.AuditLog{
		ID:           r.id(),
		ExperimentID: experimentID,
		Operation:    operation,
		Status:       status,
		Note:         sql.NullString{String: note, Valid: note != ""},
		StepIndex:    sql.NullInt64{Int64: int64(stepIndex), Valid: stepIndex >= 0},
		ExecTime:     time.Now(),
	}
	r.audits = append(r.audits, rec)
	return &rec, nil
}

func (r *memRepo) GetStorageAccount(ctx context.Context, experimentID int64, name string) (*store.StorageAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.storages {
		if r.storages[i].ExperimentID == experimentID && r.storages[i].Name == name {
			out := r.storages[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateStorageAccount(ctx context.Context, sa store.StorageAccount) (*store.StorageAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sa.ID = r.id()
	r.storages = append(r.storages, sa)
	return &sa, nil
}

func (r *memRepo) DeleteStorageAccount(ctx context.Context, experimentID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.storages[:0]
	for _, sa := range r.storages {
		if !(sa.ExperimentID == experimentID && sa.Name == name) {
			kept = append(kept, sa)
		}
	}
	r.storages = kept
	return nil
}

func (r *memRepo) GetCloudService(ctx context.Context, experimentID int64, name string) (*store.CloudService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.services {
		if r.services[i].ExperimentID == experimentID && r.services[i].Name == name {
			out := r.services[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateCloudService(ctx context.Context, cs store.CloudService) (*store.CloudService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs.ID = r.id()
	r.services = append(r.services, cs)
	return &cs, nil
}

func (r *memRepo) GetDeploymentBySlot(ctx context.Context, experimentID int64, cloudService, slot string) (*store.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.deployments {
		d := r.deployments[i]
		if d.ExperimentID == experimentID && d.CloudServiceName == cloudService && d.Slot == slot {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateDeployment(ctx context.Context, d store.Deployment) (*store.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = r.id()
	r.deployments = append(r.deployments, d)
	return &d, nil
}

func (r *memRepo) DeleteDeploymentCascade(ctx context.Context, experimentID int64, cloudService, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := map[int64]bool{}
	keptVMs := r.vms[:0]
	for _, vm := range r.vms {
		if vm.ExperimentID == experimentID && vm.CloudServiceName == cloudService && vm.DeploymentName == name {
			removed[vm.ID] = true
			continue
		}
		keptVMs = append(keptVMs, vm)
	}
	r.vms = keptVMs
	keptEPs := r.endpoints[:0]
	for _, ep := range r.endpoints {
		if ep.VirtualMachineID.Valid && removed[ep.VirtualMachineID.Int64] {
			continue
		}
		keptEPs = append(keptEPs, ep)
	}
	r.endpoints = keptEPs
	keptEnvs := r.environments[:0]
	for _, ve := range r.environments {
		if removed[ve.VirtualMachineID] {
			continue
		}
		keptEnvs = append(keptEnvs, ve)
	}
	r.environments = keptEnvs
	keptDeps := r.deployments[:0]
	for _, d := range r.deployments {
		if !(d.ExperimentID == experimentID && d.CloudServiceName == cloudService && d.Name == name) {
			keptDeps = append(keptDeps, d)
		}
	}
	r.deployments = keptDeps
	return nil
}

func (r *memRepo) GetVirtualMachine(ctx context.Context, experimentID int64, cloudService, deployment, name string) (*store.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.vms {
		vm := r.vms[i]
		if vm.ExperimentID == experimentID && vm.CloudServiceName == cloudService &&
			vm.DeploymentName == deployment && vm.Name == name {
			return &vm, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CreateVirtualMachine(ctx context.Context, vm store.VirtualMachine) (*store.VirtualMachine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm.ID = r.id()
	r.vms = append(r.vms, vm)
	return &vm, nil
}

func (r *memRepo) UpdateVirtualMachineStatus(ctx context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.vms {
		if r.vms[i].ID == id {
			r.vms[i].Status = status
		}
	}
	return nil
}

func (r *memRepo) UpdateVirtualMachinePrivateIP(ctx context.Context, id int64, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.vms {
		if r.vms[i].ID == id {
			r.vms[i].PrivateIP = ip
		}
	}
	return nil
}

func (r *memRepo) DeleteVirtualMachineCascade(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keptEnvs := r.environments[:0]
	for _, ve := range r.environments {
		if ve.VirtualMachineID != id {
			keptEnvs = append(keptEnvs, ve)
		}
	}
	r.environments = keptEnvs
	keptEPs := r.endpoints[:0]
	for _, ep := range r.endpoints {
		if ep.VirtualMachineID.Valid && ep.VirtualMachineID.Int64 == id {
			continue
		}
		keptEPs = append(keptEPs, ep)
	}
	r.endpoints = keptEPs
	keptVMs := r.vms[:0]
	for _, vm := range r.vms {
		if vm.ID != id {
			keptVMs = append(keptVMs, vm)
		}
	}
	r.vms = keptVMs
	return nil
}

func (r *memRepo) ListEndpoints(ctx context.Context, virtualMachineID int64) ([]store.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Endpoint
	for _, ep := range r.endpoints {
		if ep.VirtualMachineID.Valid && ep.VirtualMachineID.Int64 == virtualMachineID {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (r *memRepo) ListPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) ([]store.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Endpoint
	for _, ep := range r.endpoints {
		if ep.ExperimentID == experimentID && ep.CloudServiceName == cloudService && !ep.VirtualMachineID.Valid {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (r *memRepo) ListAssignedPublicPorts(ctx context.Context, experimentID int64, cloudService string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, ep := range r.endpoints {
		if ep.ExperimentID == experimentID && ep.CloudServiceName == cloudService {
			out = append(out, ep.PublicPort)
		}
	}
	return out, nil
}

func (r *memRepo) PrecommitEndpoints(ctx context.Context, endpoints []store.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range endpoints {
		ep.ID = r.id()
		ep.VirtualMachineID = sql.NullInt64{}
		r.endpoints = append(r.endpoints, ep)
	}
	return nil
}

func (r *memRepo) AttachPendingEndpoints(ctx context.Context, experimentID int64, cloudService string, virtualMachineID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.endpoints {
		ep := &r.endpoints[i]
		if ep.ExperimentID == experimentID && ep.CloudServiceName == cloudService && !ep.VirtualMachineID.Valid {
			ep.VirtualMachineID = sql.NullInt64{Int64: virtualMachineID, Valid: true}
		}
	}
	return nil
}

func (r *memRepo) RollbackPendingEndpoints(ctx context.Context, experimentID int64, cloudService string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.endpoints[:0]
	for _, ep := range r.endpoints {
		if ep.ExperimentID == experimentID && ep.CloudServiceName == cloudService && !ep.VirtualMachineID.Valid {
			continue
		}
		kept = append(kept, ep)
	}
	r.endpoints = kept
	return nil
}

func (r *memRepo) ReplaceEndpoints(ctx context.Context, virtualMachineID int64, endpoints []store.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.endpoints[:0]
	for _, ep := range r.endpoints {
		if ep.VirtualMachineID.Valid && ep.VirtualMachineID.Int64 == virtualMachineID {
			continue
		}
		kept = append(kept, ep)
	}
	r.endpoints = kept
	for _, ep := range endpoints {
		ep.ID = r.id()
		ep.VirtualMachineID = sql.NullInt64{Int64: virtualMachineID, Valid: true}
		r.endpoints = append(r.endpoints, ep)
	}
	return nil
}

func (r *memRepo) CreateVirtualEnvironment(ctx context.Context, ve store.VirtualEnvironment) (*store.VirtualEnvironment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ve.ID = r.id()
	r.environments = append(r.environments, ve)
	return &ve, nil
}

func (r *memRepo) UpdateVirtualEnvironmentStatus(ctx context.Context, virtualMachineID int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.environments {
		if r.environments[i].VirtualMachineID == virtualMachineID {
			r.environments[i].Status = status
		}
	}
	return nil
}

// trail returns the audit records of one operation in write order.
func (r *memRepo) trail(operation string) []store.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.AuditLog
	for _, rec := range r.audits {
		if rec.Operation == operation {
			out = append(out, rec)
		}
	}
	return out
}

// endedOps returns the operations of END records in write order.
func (r *memRepo) endedOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.audits {
		if rec.Status == store.AuditEnd {
			out = append(out, rec.Operation)
		}
	}
	return out
}

func (r *memRepo) failures() []store.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.AuditLog
	for _, rec := range r.audits {
		if rec.Status == store.AuditFail {
			out = append(out, rec)
		}
	}
	return out
}

const testExperimentID = int64(7)

func testTemplate() *template.Template {
	return &template.Template{
		ExprName: "open-tech",
		StorageAccount: template.StorageAccountSpec{
			ServiceName: "opentechsa",
			Description: "open tech storage",
			Label:       "opentechsa",
			Location:    "China East",
			URLBase:     ".blob.core.chinacloudapi.cn",
		},
		Container: "vhds",
		CloudService: template.CloudServiceSpec{
			ServiceName: "open-tech-cs",
			Label:       "open-tech",
			Location:    "China East",
		},
		Deployment: template.DeploymentSpec{
			DeploymentName: "open-tech-dm",
			DeploymentSlot: "production",
		},
		VirtualEnvs: []template.VirtualEnvironment{{
			RoleName: "open-tech-vm",
			RoleSize: "Small",
			Label:    "open-tech",
			Image: template.Image{
				OSVirtualHardDisk: &template.OSVirtualHardDisk{SourceImageName: "b39f27a8b8c64d52b05eac6a62ebad85__Ubuntu-14_04"},
			},
			SystemConfig: template.SystemConfig{
				OSFamily:     "Linux",
				Hostname:     "open-tech-host",
				UserName:     "opentech",
				UserPassword: "acceptance-only",
			},
			NetworkConfig: template.NetworkConfig{
				ConfigurationSetType: "NetworkConfiguration",
				InputEndpoints: []template.InputEndpoint{
					{Name: "ssh", Protocol: "tcp", Port: 22, LocalPort: 22},
				},
			},
			Remote: template.Remote{Provider: "guacamole", PortName: "ssh"},
		}},
	}
}

func newEngine(ctx context.Context, client *fake.Client) (*Orchestrator, *memRepo) {
	repo := newMemRepo()
	factory := func(ctx context.Context, cred *store.ManagementCredential) (azure.Client, error) {
		return client, nil
	}
	o := New(ctx, repo, factory, logr.Discard(), Options{
		AsyncTick:  time.Millisecond,
		AsyncLoops: 10,
		ReadyTick:  time.Millisecond,
		ReadyLoops: 10,
	})
	return o, repo
}

func TestCreateProvisionsFreshTopology(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(repo.endedOps()).To(Equal([]string{
		OpCreateStorageAccount,
		OpCreateCloudService,
		OpCreateDeployment,
		OpCreateVirtualMachine,
		OpCreate,
	}))

	g.Expect(client.Writes()).To(Equal([]string{
		"CreateStorageAccount(opentechsa)",
		"CreateCloudService(open-tech-cs)",
		"CreateVMDeployment(open-tech-cs, open-tech-dm, open-tech-vm-7)",
	}))

	g.Expect(repo.storages).To(HaveLen(1))
	g.Expect(repo.storages[0].CreatedByUs).To(BeTrue())
	g.Expect(repo.services).To(HaveLen(1))
	g.Expect(repo.services[0].CreatedByUs).To(BeTrue())
	g.Expect(repo.deployments).To(HaveLen(1))
	g.Expect(repo.deployments[0].Slot).To(Equal("Production"))
	g.Expect(repo.vms).To(HaveLen(1))
	g.Expect(repo.vms[0].Name).To(Equal("open-tech-vm-7"))
	g.Expect(repo.vms[0].CreatedByUs).To(BeTrue())
	g.Expect(repo.vms[0].PrivateIP).To(Equal("10.0.0.4"))

	g.Expect(repo.endpoints).To(HaveLen(1))
	g.Expect(repo.endpoints[0].VirtualMachineID.Valid).To(BeTrue())
	g.Expect(repo.endpoints[0].VirtualMachineID.Int64).To(Equal(repo.vms[0].ID))
	g.Expect(repo.endpoints[0].PublicPort).To(Equal(22))

	g.Expect(repo.environments).To(HaveLen(1))
	g.Expect(repo.environments[0].Status).To(Equal("Running"))
	g.Expect(repo.environments[0].RemoteProvider).To(Equal("guacamole"))
}

func TestCreateAdoptsExistingResources(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	client.AddStorageAccount("opentechsa")
	client.AddCloudService("open-tech-cs")
	client.AddDeployment("open-tech-cs", &fake.Deployment{
		Name: "open-tech-dm",
		Instances: []*fake.Instance{{
			RoleName:  "open-tech-vm-7",
			Size:      "Small",
			Status:    azure.InstanceReadyRole,
			IPAddress: "10.0.0.9",
		}},
	})
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(BeEmpty())

	for _, op := range []string{OpCreateStorageAccount, OpCreateCloudService, OpCreateDeployment, OpCreateVirtualMachine} {
		trail := repo.trail(op)
		g.Expect(trail).To(HaveLen(2), op)
		g.Expect(trail[1].Status).To(Equal(store.AuditEnd), op)
		g.Expect(trail[1].Note.String).To(ContainSubstring("not created by azureformation before"), op)
	}

	g.Expect(repo.storages).To(HaveLen(1))
	g.Expect(repo.storages[0].CreatedByUs).To(BeFalse())
	g.Expect(repo.vms).To(HaveLen(1))
	g.Expect(repo.vms[0].CreatedByUs).To(BeFalse())
	g.Expect(repo.vms[0].PrivateIP).To(Equal("10.0.0.9"))

	// a second create finds the mirrored rows and stays read-only
	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(BeEmpty())
	g.Expect(repo.storages).To(HaveLen(1))
	g.Expect(repo.services).To(HaveLen(1))
	g.Expect(repo.deployments).To(HaveLen(1))
	g.Expect(repo.vms).To(HaveLen(1))

	trail := repo.trail(OpCreateVirtualMachine)
	g.Expect(trail).To(HaveLen(4))
	g.Expect(trail[3].Note.String).To(ContainSubstring("exist and created by azureformation before"))
}

func TestCreateFailsWhenStorageQuotaExhausted(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	client.Subscription.MaxStorageAccounts = 0
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	fails := repo.failures()
	g.Expect(fails).To(HaveLen(2))
	g.Expect(fails[0].Operation).To(Equal(OpCreateStorageAccount))
	g.Expect(fails[0].StepIndex.Int64).To(Equal(int64(2)))
	g.Expect(fails[0].Note.String).To(ContainSubstring("subscription not enough"))
	g.Expect(fails[1].Operation).To(Equal(OpCreate))

	g.Expect(repo.trail(OpCreateCloudService)).To(BeEmpty())
	g.Expect(client.Writes()).To(BeEmpty())
	g.Expect(repo.storages).To(BeEmpty())
}

func TestCreateRetryAfterFailureKeepsTerminalsPaired(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	client.Subscription.MaxStorageAccounts = 0
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()
	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	// every start has its terminal before the next attempt begins
	trail := repo.trail(OpCreate)
	g.Expect(trail).To(HaveLen(4))
	g.Expect(trail[0].Status).To(Equal(store.AuditStart))
	g.Expect(trail[1].Status).To(Equal(store.AuditFail))
	g.Expect(trail[2].Status).To(Equal(store.AuditStart))
	g.Expect(trail[3].Status).To(Equal(store.AuditFail))
}

func TestCreateReportsAsyncFailure(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	client.OperationOutcome = azure.OperationFailed
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	fails := repo.failures()
	g.Expect(fails).To(HaveLen(2))
	g.Expect(fails[0].Operation).To(Equal(OpCreateStorageAccount))
	g.Expect(fails[0].StepIndex.Int64).To(Equal(int64(3)))
	g.Expect(fails[0].Note.String).To(ContainSubstring("wait for async fail"))
	g.Expect(fails[1].Operation).To(Equal(OpCreate))
	g.Expect(repo.trail(OpCreateCloudService)).To(BeEmpty())
	g.Expect(repo.storages).To(BeEmpty())
}

func TestRoleAddFailureRollsBackPendingEndpoints(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	client.AddStorageAccount("opentechsa")
	client.AddCloudService("open-tech-cs")
	client.AddDeployment("open-tech-cs", &fake.Deployment{
		Name: "open-tech-dm",
		Instances: []*fake.Instance{{
			RoleName: "foreign-vm",
			Size:     "Small",
			Status:   azure.InstanceReadyRole,
		}},
	})
	client.OperationOutcome = azure.OperationFailed
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	g.Expect(client.Writes()).To(Equal([]string{
		"AddRole(open-tech-cs, open-tech-dm, open-tech-vm-7)",
	}))

	fails := repo.failures()
	g.Expect(fails).To(HaveLen(2))
	g.Expect(fails[0].Operation).To(Equal(OpCreateVirtualMachine))
	g.Expect(fails[0].StepIndex.Int64).To(Equal(int64(2)))
	g.Expect(fails[1].Operation).To(Equal(OpCreate))

	// the pre-committed port reservations were released
	g.Expect(repo.endpoints).To(BeEmpty())
	g.Expect(repo.vms).To(BeEmpty())
}

func TestUpdateReshapesRoleAndEndpoints(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	client.AddCloudService("open-tech-cs")
	client.AddDeployment("open-tech-cs", &fake.Deployment{
		Name: "open-tech-dm",
		Instances: []*fake.Instance{{
			RoleName:  "open-tech-vm-7",
			Size:      "Small",
			Status:    azure.InstanceReadyRole,
			IPAddress: "10.0.0.9",
			Network: azure.NetworkConfig([]azure.InputEndpoint{
				{Name: "ssh", Protocol: "tcp", Port: 22, LocalPort: 22},
			}),
		}},
	})
	o, repo := newEngine(ctx, client)

	repo.CreateCloudService(ctx, store.CloudService{ExperimentID: testExperimentID, Name: "open-tech-cs", CreatedByUs: true})
	repo.CreateDeployment(ctx, store.Deployment{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		Name: "open-tech-dm", Slot: "Production", CreatedByUs: true,
	})
	vm, err := repo.CreateVirtualMachine(ctx, store.VirtualMachine{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		DeploymentName: "open-tech-dm", Name: "open-tech-vm-7",
		Status: string(azure.InstanceReadyRole), CreatedByUs: true,
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(repo.ReplaceEndpoints(ctx, vm.ID, []store.Endpoint{{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		Name: "ssh", Protocol: "tcp", PublicPort: 22, PrivatePort: 22,
	}})).To(Succeed())

	tmpl := testTemplate()
	tmpl.VirtualEnvs[0].RoleSize = "Medium"
	tmpl.VirtualEnvs[0].NetworkConfig.InputEndpoints = []template.InputEndpoint{
		{Name: "ssh", Protocol: "tcp", Port: 2222, LocalPort: 22},
		{Name: "http", Protocol: "tcp", Port: 80, LocalPort: 80},
	}

	g.Expect(o.Update(ctx, testExperimentID, tmpl)).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(repo.endedOps()).To(Equal([]string{OpUpdateVirtualMachine, OpUpdate}))

	role, err := client.GetRole(ctx, "open-tech-cs", "open-tech-dm", "open-tech-vm-7")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(role.RoleSize).To(Equal("Medium"))

	eps, err := repo.ListEndpoints(ctx, vm.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(eps).To(HaveLen(2))
	ports := []int{eps[0].PublicPort, eps[1].PublicPort}
	g.Expect(ports).To(ConsistOf(2222, 80))
}

func TestUpdateRejectsUnmirroredTopology(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewClient()
	o, repo := newEngine(context.Background(), client)

	g.Expect(o.Update(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	fails := repo.failures()
	g.Expect(fails).To(HaveLen(1))
	g.Expect(fails[0].Operation).To(Equal(OpUpdate))
	g.Expect(fails[0].Note.String).To(ContainSubstring("cloud service [open-tech-cs] not exist in azure"))
	g.Expect(client.Writes()).To(BeEmpty())
}

func seedMirroredTopology(ctx context.Context, repo *memRepo, createdByUs bool) *store.VirtualMachine {
	repo.CreateCloudService(ctx, store.CloudService{ExperimentID: testExperimentID, Name: "open-tech-cs", CreatedByUs: createdByUs})
	repo.CreateDeployment(ctx, store.Deployment{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		Name: "open-tech-dm", Slot: "Production", CreatedByUs: createdByUs,
	})
	vm, _ := repo.CreateVirtualMachine(ctx, store.VirtualMachine{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		DeploymentName: "open-tech-dm", Name: "open-tech-vm-7",
		Status: string(azure.InstanceReadyRole), CreatedByUs: createdByUs,
	})
	repo.ReplaceEndpoints(ctx, vm.ID, []store.Endpoint{{
		ExperimentID: testExperimentID, CloudServiceName: "open-tech-cs",
		Name: "ssh", Protocol: "tcp", PublicPort: 22, PrivatePort: 22,
	}})
	repo.CreateVirtualEnvironment(ctx, store.VirtualEnvironment{
		ExperimentID: testExperimentID, VirtualMachineID: vm.ID,
		Provider: "AzureVM", RemoteProvider: "guacamole", Status: "Running",
	})
	return vm
}

func seedProviderTopology(client *fake.Client, status azure.InstanceStatus) {
	client.AddCloudService("open-tech-cs")
	client.AddDeployment("open-tech-cs", &fake.Deployment{
		Name: "open-tech-dm",
		Instances: []*fake.Instance{{
			RoleName:  "open-tech-vm-7",
			Size:      "Small",
			Status:    status,
			IPAddress: "10.0.0.9",
		}},
	})
}

func TestDeleteRemovesLastRoleWithDeployment(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceReadyRole)
	o, repo := newEngine(ctx, client)
	seedMirroredTopology(ctx, repo, true)

	g.Expect(o.Delete(ctx, testExperimentID, testTemplate(), false)).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(Equal([]string{
		"DeleteDeployment(open-tech-cs, open-tech-dm)",
	}))
	g.Expect(repo.endedOps()).To(Equal([]string{
		OpDeleteDeployment,
		OpDeleteVirtualMachine,
		OpDelete,
	}))
	g.Expect(repo.deployments).To(BeEmpty())
	g.Expect(repo.vms).To(BeEmpty())
	g.Expect(repo.endpoints).To(BeEmpty())
	g.Expect(repo.environments).To(BeEmpty())
}

func TestDeleteRefusesAdoptedRoleWithoutForce(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceReadyRole)
	o, repo := newEngine(ctx, client)
	seedMirroredTopology(ctx, repo, false)

	g.Expect(o.Delete(ctx, testExperimentID, testTemplate(), false)).To(Succeed())
	o.Wait()

	g.Expect(client.Writes()).To(BeEmpty())
	fails := repo.failures()
	g.Expect(fails).NotTo(BeEmpty())
	g.Expect(fails[0].Operation).To(Equal(OpDeleteVirtualMachine))
	g.Expect(fails[0].StepIndex.Int64).To(Equal(int64(3)))
	g.Expect(fails[0].Note.String).To(ContainSubstring("not created by azureformation before"))
	g.Expect(repo.vms).To(HaveLen(1))
}

func TestDeleteForceRemovesAdoptedRole(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceReadyRole)
	o, repo := newEngine(ctx, client)
	seedMirroredTopology(ctx, repo, false)

	g.Expect(o.Delete(ctx, testExperimentID, testTemplate(), true)).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(Equal([]string{
		"DeleteDeployment(open-tech-cs, open-tech-dm)",
	}))
	g.Expect(repo.vms).To(BeEmpty())
	g.Expect(repo.environments).To(BeEmpty())
}

func TestStopRejectsIllegalTransition(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceStoppedDeallocated)
	o, repo := newEngine(ctx, client)
	seedMirroredTopology(ctx, repo, true)

	g.Expect(o.Stop(ctx, testExperimentID, testTemplate(), azure.PowerActionStopped)).To(Succeed())
	o.Wait()

	g.Expect(client.Writes()).To(BeEmpty())
	fails := repo.failures()
	g.Expect(fails).To(HaveLen(1))
	g.Expect(fails[0].Operation).To(Equal(OpStopVirtualMachine))
	g.Expect(fails[0].StepIndex.Int64).To(Equal(int64(1)))
	g.Expect(fails[0].Note.String).To(ContainSubstring("need status StoppedVM but now status StoppedDeallocated"))
}

func TestStopShortCircuitsWhenAlreadyStopped(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceStoppedDeallocated)
	o, repo := newEngine(ctx, client)
	vm := seedMirroredTopology(ctx, repo, true)
	repo.UpdateVirtualMachineStatus(ctx, vm.ID, string(azure.InstanceStoppedDeallocated))

	g.Expect(o.Stop(ctx, testExperimentID, testTemplate(), azure.PowerActionStoppedDeallocated)).To(Succeed())
	o.Wait()

	g.Expect(client.Writes()).To(BeEmpty())
	trail := repo.trail(OpStopVirtualMachine)
	g.Expect(trail).To(HaveLen(2))
	g.Expect(trail[1].Status).To(Equal(store.AuditEnd))
	g.Expect(trail[1].StepIndex.Int64).To(Equal(int64(1)))
	g.Expect(trail[1].Note.String).To(ContainSubstring("and by azureformation before"))
}

func TestStopSyncsDriftedRow(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceStoppedDeallocated)
	o, repo := newEngine(ctx, client)
	vm := seedMirroredTopology(ctx, repo, true)

	// the row still says ReadyRole; the provider already deallocated
	g.Expect(o.Stop(ctx, testExperimentID, testTemplate(), azure.PowerActionStoppedDeallocated)).To(Succeed())
	o.Wait()

	g.Expect(client.Writes()).To(BeEmpty())
	trail := repo.trail(OpStopVirtualMachine)
	g.Expect(trail).To(HaveLen(2))
	g.Expect(trail[1].Status).To(Equal(store.AuditEnd))
	g.Expect(trail[1].StepIndex.Int64).To(Equal(int64(2)))
	g.Expect(trail[1].Note.String).To(ContainSubstring("but not by azureformation before"))

	row, err := repo.GetVirtualMachine(ctx, testExperimentID, "open-tech-cs", "open-tech-dm", "open-tech-vm-7")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(row.ID).To(Equal(vm.ID))
	g.Expect(row.Status).To(Equal(string(azure.InstanceStoppedDeallocated)))
}

func TestStopAndStartRoundTrip(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	client := fake.NewClient()
	seedProviderTopology(client, azure.InstanceReadyRole)
	o, repo := newEngine(ctx, client)
	vm := seedMirroredTopology(ctx, repo, true)

	g.Expect(o.Stop(ctx, testExperimentID, testTemplate(), azure.PowerActionStoppedDeallocated)).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(Equal([]string{
		"StopRole(open-tech-cs, open-tech-dm, open-tech-vm-7, StoppedDeallocated)",
	}))
	row, err := repo.GetVirtualMachine(ctx, testExperimentID, "open-tech-cs", "open-tech-dm", "open-tech-vm-7")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(row.Status).To(Equal(string(azure.InstanceStoppedDeallocated)))

	g.Expect(o.Start(ctx, testExperimentID, testTemplate())).To(Succeed())
	o.Wait()

	g.Expect(repo.failures()).To(BeEmpty())
	g.Expect(client.Writes()).To(Equal([]string{
		"StopRole(open-tech-cs, open-tech-dm, open-tech-vm-7, StoppedDeallocated)",
		"StartRole(open-tech-cs, open-tech-dm, open-tech-vm-7)",
	}))
	row, err = repo.GetVirtualMachine(ctx, testExperimentID, "open-tech-cs", "open-tech-dm", "open-tech-vm-7")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(row.ID).To(Equal(vm.ID))
	g.Expect(row.Status).To(Equal(string(azure.InstanceReadyRole)))
	g.Expect(row.PrivateIP).To(Equal("10.0.0.9"))
}

func TestCancellationMarksStepCancelled(t *testing.T) {
	g := NewWithT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := fake.NewClient()
	client.PendingPolls = 1 << 30

	repo := newMemRepo()
	factory := func(ctx context.Context, cred *store.ManagementCredential) (azure.Client, error) {
		return client, nil
	}
	o := New(ctx, repo, factory, logr.Discard(), Options{
		AsyncTick:  time.Millisecond,
		AsyncLoops: 1 << 20,
		ReadyTick:  time.Millisecond,
		ReadyLoops: 10,
	})

	g.Expect(o.Create(context.Background(), testExperimentID, testTemplate())).To(Succeed())
	time.AfterFunc(20*time.Millisecond, cancel)
	o.Wait()

	fails := repo.failures()
	g.Expect(fails).To(HaveLen(2))
	g.Expect(fails[0].Operation).To(Equal(OpCreateStorageAccount))
	g.Expect(fails[0].Note.String).To(Equal("cancelled"))
	g.Expect(fails[1].Operation).To(Equal(OpCreate))
	g.Expect(fails[1].Note.String).To(Equal("cancelled"))
	g.Expect(repo.storages).To(BeEmpty())
}
