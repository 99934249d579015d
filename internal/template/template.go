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

// Package template parses and validates the provisioning template
// document. The loader is read-only: the orchestrator consumes typed
// accessors and never mutates the document.
package template

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
)

// Template is the parsed provisioning document.
type Template struct {
	ExprName       string               `json:"expr_name" validate:"required"`
	StorageAccount StorageAccountSpec   `json:"storage_account" validate:"required"`
	Container      string               `json:"container" validate:"required"`
	CloudService   CloudServiceSpec     `json:"cloud_service" validate:"required"`
	Deployment     DeploymentSpec       `json:"deployment" validate:"required"`
	VirtualEnvs    []VirtualEnvironment `json:"virtual_environments" validate:"required,min=1,dive"`
}

// StorageAccountSpec names the storage account backing the OS disks.
type StorageAccountSpec struct {
	ServiceName string `json:"service_name" validate:"required"`
	Description string `json:"description"`
	Label       string `json:"label"`
	Location    string `json:"location" validate:"required"`
	URLBase     string `json:"url_base"`
}

// CloudServiceSpec names the hosted service container.
type CloudServiceSpec struct {
	ServiceName string `json:"service_name" validate:"required"`
	Label       string `json:"label"`
	Location    string `json:"location" validate:"required"`
}

// DeploymentSpec names the deployment and its slot.
type DeploymentSpec struct {
	DeploymentName string `json:"deployment_name" validate:"required"`
	DeploymentSlot string `json:"deployment_slot" validate:"required"`
}

// Image selects the role's source image: a captured VM image by name,
// or a platform image plus OS disk media link.
type Image struct {
	VMImageName       string             `json:"vm_image_name"`
	OSVirtualHardDisk *OSVirtualHardDisk `json:"os_virtual_hard_disk"`
}

// OSVirtualHardDisk describes the OS disk for a platform-image role.
type OSVirtualHardDisk struct {
	SourceImageName string `json:"source_image_name" validate:"required"`
	MediaLink       string `json:"media_link"`
}

// SystemConfig is the OS provisioning block; OSFamily selects the
// Linux or Windows provisioning configuration.
type SystemConfig struct {
	OSFamily     string `json:"os_family" validate:"required,oneof=Linux Windows"`
	Hostname     string `json:"host_name" validate:"required"`
	UserName     string `json:"user_name" validate:"required"`
	UserPassword string `json:"user_password" validate:"required"`
}

// InputEndpoint is one requested endpoint; Port is the requested public
// port, LocalPort the port inside the role.
type InputEndpoint struct {
	Name      string `json:"name" validate:"required"`
	Protocol  string `json:"protocol" validate:"required"`
	Port      int    `json:"port" validate:"required"`
	LocalPort int    `json:"local_port" validate:"required"`
}

// NetworkConfig carries the ordered endpoint list of a role.
type NetworkConfig struct {
	ConfigurationSetType string          `json:"configuration_set_type" validate:"required,eq=NetworkConfiguration"`
	InputEndpoints       []InputEndpoint `json:"input_endpoints" validate:"dive"`
}

// Remote names the endpoint used for remote access to the machine.
type Remote struct {
	Provider string            `json:"provider"`
	PortName string            `json:"port_name"`
	Paras    map[string]string `json:"paras"`
}

// VirtualEnvironment is one requested virtual machine.
type VirtualEnvironment struct {
	RoleName      string        `json:"role_name" validate:"required"`
	RoleSize      string        `json:"role_size" validate:"required"`
	Label         string        `json:"label"`
	Image         Image         `json:"image" validate:"required"`
	SystemConfig  SystemConfig  `json:"system_config" validate:"required"`
	NetworkConfig NetworkConfig `json:"network_config" validate:"required"`
	Remote        Remote        `json:"remote"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func invalid(err error, msg string) error {
	return azure.WithKind(azure.InvalidTemplate, errors.Wrap(err, msg))
}

// Parse decodes and validates a template document.
func Parse(data []byte) (*Template, error) {
	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, invalid(err, "failed to parse template")
	}
	if err := validate.Struct(&tmpl); err != nil {
		return nil, invalid(err, "invalid template")
	}
	for _, env := range tmpl.VirtualEnvs {
		if env.Image.VMImageName == "" && env.Image.OSVirtualHardDisk == nil {
			return nil, azure.NewKindError(azure.InvalidTemplate,
				fmt.Sprintf("role %s has neither vm_image_name nor os_virtual_hard_disk", env.RoleName))
		}
		if _, err := azure.CoresForSize(env.RoleSize); err != nil {
			return nil, err
		}
	}
	return &tmpl, nil
}

// Load reads a template from a local path or an http(s) URL.
func Load(source string) (*Template, error) {
	var data []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := retryablehttp.NewClient()
		client.Logger = nil
		resp, err := client.Get(source)
		if err != nil {
			return nil, invalid(err, "failed to fetch template")
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			return nil, azure.NewKindError(azure.InvalidTemplate,
				fmt.Sprintf("failed to fetch template: status %d", resp.StatusCode))
		}
		if data, err = io.ReadAll(resp.Body); err != nil {
			return nil, invalid(err, "failed to read template body")
		}
	} else {
		var err error
		if data, err = os.ReadFile(source); err != nil {
			return nil, invalid(err, "failed to read template file")
		}
	}
	return Parse(data)
}

// EffectiveRoleName appends the experiment id to the base role name.
// This is the uniqueness barrier when one user provisions several
// experiments from the same template.
func EffectiveRoleName(base string, experimentID int64) string {
	return fmt.Sprintf("%s-%d", base, experimentID)
}

// EffectiveHostname applies the same suffix to the configured hostname.
func EffectiveHostname(base string, experimentID int64) string {
	return fmt.Sprintf("%s-%d", base, experimentID)
}

// RoleSpec converts one virtual environment into the provider-facing
// role description, with the per-experiment name applied.
func (t *Template) RoleSpec(env VirtualEnvironment, experimentID int64) azure.RoleSpec {
	spec := azure.RoleSpec{
		RoleName:    EffectiveRoleName(env.RoleName, experimentID),
		RoleSize:    env.RoleSize,
		VMImageName: env.Image.VMImageName,
	}
	if env.Image.OSVirtualHardDisk != nil {
		mediaLink := env.Image.OSVirtualHardDisk.MediaLink
		if mediaLink == "" && t.StorageAccount.URLBase != "" {
			mediaLink = fmt.Sprintf("https://%s%s/%s/%s.vhd",
				t.StorageAccount.ServiceName, t.StorageAccount.URLBase, t.Container, spec.RoleName)
		}
		spec.OSVirtualHardDisk = &azure.OSVirtualHardDisk{
			SourceImageName: env.Image.OSVirtualHardDisk.SourceImageName,
			MediaLink:       mediaLink,
		}
	}
	hostname := EffectiveHostname(env.SystemConfig.Hostname, experimentID)
	if env.SystemConfig.OSFamily == "Windows" {
		spec.SystemConfig.Windows = &azure.WindowsConfig{
			ComputerName:  hostname,
			AdminUsername: env.SystemConfig.UserName,
			AdminPassword: env.SystemConfig.UserPassword,
		}
	} else {
		spec.SystemConfig.Linux = &azure.LinuxConfig{
			Hostname: hostname,
			Username: env.SystemConfig.UserName,
			Password: env.SystemConfig.UserPassword,
		}
	}
	spec.NetworkConfig = azure.NetworkConfig(env.Endpoints())
	return spec
}

// Endpoints returns the requested endpoints of a virtual environment in
// template order.
func (e VirtualEnvironment) Endpoints() []azure.InputEndpoint {
	out := make([]azure.InputEndpoint, 0, len(e.NetworkConfig.InputEndpoints))
	for _, ep := range e.NetworkConfig.InputEndpoints {
		out = append(out, azure.InputEndpoint{
			Name:      ep.Name,
			Protocol:  ep.Protocol,
			Port:      ep.Port,
			LocalPort: ep.LocalPort,
		})
	}
	return out
}

// TotalCores sums the core demand of every virtual environment.
func (t *Template) TotalCores() (int, error) {
	total := 0
	for _, env := range t.VirtualEnvs {
		cores, err := azure.CoresForSize(env.RoleSize)
		if err != nil {
			return 0, err
		}
		total += cores
	}
	return total, nil
}
