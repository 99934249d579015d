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

package store

import (
	"database/sql"
	"time"
)

// AuditStatus is the lifecycle status of an audit record.
type AuditStatus string

const (
	// AuditStart marks entry into an operation step.
	AuditStart AuditStatus = "start"
	// AuditFail is the failed terminal record of a step.
	AuditFail AuditStatus = "fail"
	// AuditEnd is the successful terminal record of a step.
	AuditEnd AuditStatus = "end"
)

// ResourceStatus is the persisted status of a mirrored provider resource.
type ResourceStatus string

const (
	// ResourceRunning mirrors a running resource.
	ResourceRunning ResourceStatus = "Running"
	// ResourceStopped mirrors a stopped resource.
	ResourceStopped ResourceStatus = "Stopped"
	// ResourceOnline mirrors an online storage account.
	ResourceOnline ResourceStatus = "Online"
)

// UserInfo is a registered user.
type UserInfo struct {
	ID            int64     `db:"id"`
	Name          string    `db:"name"`
	Email         string    `db:"email"`
	CreateTime    time.Time `db:"create_time"`
	LastLoginTime time.Time `db:"last_login_time"`
}

// ManagementCredential links a user to a subscription and the on-disk
// certificate pair used to talk to its management endpoint.
type ManagementCredential struct {
	ID             int64     `db:"id"`
	UserID         int64     `db:"user_id"`
	SubscriptionID string    `db:"subscription_id"`
	ManagementHost string    `db:"management_host"`
	PEMPath        string    `db:"pem_path"`
	CertPath       string    `db:"cert_path"`
	CreateTime     time.Time `db:"create_time"`
}

// Template is a stored template document reference.
type Template struct {
	ID             int64     `db:"id"`
	URL            string    `db:"url"`
	Kind           string    `db:"kind"`
	CreateTime     time.Time `db:"create_time"`
	LastModifyTime time.Time `db:"last_modify_time"`
}

// UserTemplate binds a user to a template (the submission).
type UserTemplate struct {
	ID         int64     `db:"id"`
	UserID     int64     `db:"user_id"`
	TemplateID int64     `db:"template_id"`
	CreateTime time.Time `db:"create_time"`
}

// Experiment is a live provisioning instance of a user template; the
// primary correlation key for audit records and provisioned resources.
type Experiment struct {
	ID             int64     `db:"id"`
	UserTemplateID int64     `db:"user_template_id"`
	Name           string    `db:"name"`
	CreateTime     time.Time `db:"create_time"`
}

// AuditLog is an append-only operation lifecycle record.
type AuditLog struct {
	ID           int64          `db:"id"`
	ExperimentID int64          `db:"experiment_id"`
	Operation    string         `db:"operation"`
	Status       AuditStatus    `db:"status"`
	Note         sql.NullString `db:"note"`
	StepIndex    sql.NullInt64  `db:"step_index"`
	ExecTime     time.Time      `db:"exec_time"`
}

// StorageAccount mirrors a provider storage account we created or adopted.
type StorageAccount struct {
	ID           int64          `db:"id"`
	ExperimentID int64          `db:"experiment_id"`
	Name         string         `db:"name"`
	Description  string         `db:"description"`
	Label        string         `db:"label"`
	Location     string         `db:"location"`
	Status       ResourceStatus `db:"status"`
	CreatedByUs  bool           `db:"created_by_us"`
	CreateTime   time.Time      `db:"create_time"`
}

// CloudService mirrors a provider cloud service we created or adopted.
type CloudService struct {
	ID           int64          `db:"id"`
	ExperimentID int64          `db:"experiment_id"`
	Name         string         `db:"name"`
	Label        string         `db:"label"`
	Location     string         `db:"location"`
	Status       ResourceStatus `db:"status"`
	CreatedByUs  bool           `db:"created_by_us"`
	CreateTime   time.Time      `db:"create_time"`
}

// Deployment mirrors a provider deployment under a cloud service slot.
type Deployment struct {
	ID               int64          `db:"id"`
	ExperimentID     int64          `db:"experiment_id"`
	CloudServiceName string         `db:"cloud_service_name"`
	Name             string         `db:"name"`
	Slot             string         `db:"slot"`
	Status           ResourceStatus `db:"status"`
	CreatedByUs      bool           `db:"created_by_us"`
	CreateTime       time.Time      `db:"create_time"`
}

// VirtualMachine mirrors a provider role inside a deployment.
type VirtualMachine struct {
	ID               int64     `db:"id"`
	ExperimentID     int64     `db:"experiment_id"`
	CloudServiceName string    `db:"cloud_service_name"`
	DeploymentName   string    `db:"deployment_name"`
	Name             string    `db:"name"`
	Label            string    `db:"label"`
	Status           string    `db:"status"`
	DNS              string    `db:"dns"`
	PublicIP         string    `db:"public_ip"`
	PrivateIP        string    `db:"private_ip"`
	CreatedByUs      bool      `db:"created_by_us"`
	CreateTime       time.Time `db:"create_time"`
}

// Endpoint is a persisted input endpoint of a virtual machine. Rows are
// pre-committed with a NULL virtual machine before the role exists and
// attached (or rolled back) once the role settles.
type Endpoint struct {
	ID               int64         `db:"id"`
	ExperimentID     int64         `db:"experiment_id"`
	CloudServiceName string        `db:"cloud_service_name"`
	VirtualMachineID sql.NullInt64 `db:"virtual_machine_id"`
	Name             string        `db:"name"`
	Protocol         string        `db:"protocol"`
	PublicPort       int           `db:"public_port"`
	PrivatePort      int           `db:"private_port"`
}

// VirtualEnvironment carries the remote-access view of a created
// virtual machine.
type VirtualEnvironment struct {
	ID               int64     `db:"id"`
	ExperimentID     int64     `db:"experiment_id"`
	VirtualMachineID int64     `db:"virtual_machine_id"`
	Provider         string    `db:"provider"`
	RemoteProvider   string    `db:"remote_provider"`
	ImageName        string    `db:"image_name"`
	Status           string    `db:"status"`
	RemoteParas      string    `db:"remote_paras"`
	CreateTime       time.Time `db:"create_time"`
}
