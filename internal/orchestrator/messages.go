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

// systemName tags resources recorded by this engine in audit notes.
const systemName = "azureformation"

// Operation names recorded in the audit log. Clients filter the feed by
// prefix, so the step operations share the top-level operation's prefix.
const (
	OpCreate               = "create"
	OpCreateStorageAccount = "create_storage_account"
	OpCreateCloudService   = "create_cloud_service"
	OpCreateDeployment     = "create_deployment"
	OpCreateVirtualMachine = "create_virtual_machine"
	OpUpdate               = "update"
	OpUpdateVirtualMachine = "update_virtual_machine"
	OpDelete               = "delete"
	OpDeleteDeployment     = "delete_deployment"
	OpDeleteVirtualMachine = "delete_virtual_machine"
	OpStopVirtualMachine   = "stop_virtual_machine"
	OpStartVirtualMachine  = "start_virtual_machine"
)

// Resource kind labels used in audit notes.
const (
	labelStorageAccount = "storage account"
	labelCloudService   = "cloud service"
	labelDeployment     = "deployment"
	labelVirtualMachine = "virtual machine"
)

// Per-operation message tables. A note's position in its table is the
// stable step index written next to it, so audit consumers can match on
// the index instead of parsing the text. Never reorder entries.
var (
	createStorageAccountError = []string{
		"%s [%s] %s",
		"%s [%s] name not available",
		"%s [%s] subscription not enough",
		"%s [%s] wait for async fail",
		"%s [%s] created but not exist",
	}
	createStorageAccountInfo = []string{
		"%s [%s] created",
		"%s [%s] exist and created by %s before",
		"%s [%s] exist but not created by %s before",
	}

	createCloudServiceError = []string{
		"%s [%s] %s",
		"%s [%s] name not available",
		"%s [%s] subscription not enough",
		"%s [%s] wait for async fail",
		"%s [%s] created but not exist",
	}
	createCloudServiceInfo = []string{
		"%s [%s] created",
		"%s [%s] exist and created by %s before",
		"%s [%s] exist but not created by %s before",
	}

	createDeploymentError = []string{
		"%s [%s] %s",
		"%s [%s] subscription not enough",
		"%s [%s] wait for async fail",
	}
	createDeploymentInfo = []string{
		"%s [%s] created",
		"%s [%s] exist and created by %s before",
		"%s [%s] exist but not created by %s before",
	}

	createVirtualMachineError = []string{
		"%s [%s] %s",
		"%s [%s] subscription not enough",
		"%s [%s] wait for async fail",
		"%s [%s] wait for async fail (update network config)",
		"%s [%s] exist but not created by %s before",
		"%s [%s] wait for virtual machine fail",
	}
	createVirtualMachineInfo = []string{
		"%s [%s] created",
		"%s [%s] exist and created by %s before",
		"%s [%s] exist but not created by %s before",
	}

	updateVirtualMachineError = []string{
		"%s [%s] %s",
		"%s [%s] wait for async fail",
		"%s [%s] updated but not ready",
		"%s [%s] updated but failed",
	}
	updateVirtualMachineInfo = []string{
		"%s [%s] updated",
	}

	deleteDeploymentError = []string{
		"%s [%s] %s",
		"%s [%s] wait for async fail",
		"%s [%s] deleted but failed",
	}
	deleteDeploymentInfo = []string{
		"%s [%s] deleted",
	}

	deleteVirtualMachineError = []string{
		"%s [%s] %s",
		"%s [%s] wait for async fail",
		"%s [%s] deleted but failed",
		"%s [%s] not created by %s before",
	}
	deleteVirtualMachineInfo = []string{
		"%s [%s] deleted",
	}

	stopVirtualMachineError = []string{
		"%s [%s] %s",
		"%s [%s] need status %s but now status %s",
		"%s [%s] wait for async fail",
		"%s [%s] wait for virtual machine fail",
	}
	stopVirtualMachineInfo = []string{
		"%s [%s] %s",
		"%s [%s] %s and by %s before",
		"%s [%s] %s but not by %s before",
	}

	startVirtualMachineError = []string{
		"%s [%s] %s",
		"%s [%s] wait for async fail",
		"%s [%s] wait for virtual machine fail",
	}
	startVirtualMachineInfo = []string{
		"%s [%s] started",
		"%s [%s] started by %s before",
		"%s [%s] started but not by %s before",
	}

	// precheck messages shared by update and delete
	precheckError = []string{
		"%s [%s] not exist in azure",
		"%s [%s] not exist in database",
	}
)
