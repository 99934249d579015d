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
	"time"

	"github.com/pkg/errors"

	"github.com/openhackathon/azureformation/azure"
)

// Default polling parameters: a 30-minute ceiling for provider async
// operations and resource readiness alike.
const (
	defaultAsyncTick  = 30 * time.Second
	defaultAsyncLoops = 60
	defaultReadyTick  = 30 * time.Second
	defaultReadyLoops = 60
)

// waitForOperation polls an asynchronous operation every tick up to
// loops times. Only an observed Succeeded is success; a Failed terminal
// is ProviderRejected and loop exhaustion is AsyncTimeout. Each sleep
// is a cancellation point.
func waitForOperation(ctx context.Context, client azure.Client, op azure.OperationID, tick time.Duration, loops int) error {
	for i := 0; i < loops; i++ {
		result, err := client.GetOperationStatus(ctx, op)
		if err != nil {
			return errors.Wrap(err, "failed to poll operation status")
		}
		switch result.Status {
		case azure.OperationSucceeded:
			return nil
		case azure.OperationFailed:
			return azure.WithKind(azure.ProviderRejected,
				errors.Errorf("operation failed: %s %s", result.Code, result.Message))
		}
		if err := sleep(ctx, tick); err != nil {
			return err
		}
	}
	return azure.NewKindError(azure.AsyncTimeout, "operation did not reach a terminal status in time")
}

// waitForDeployment polls a deployment until it reaches the target status.
func waitForDeployment(ctx context.Context, client azure.Client, service, deployment string, target azure.DeploymentStatus, tick time.Duration, loops int) error {
	for i := 0; i < loops; i++ {
		dep, err := client.GetDeployment(ctx, service, deployment)
		if err != nil && !azure.ResourceNotFound(err) {
			return errors.Wrap(err, "failed to poll deployment")
		}
		if err == nil && dep.Status == target {
			return nil
		}
		if err := sleep(ctx, tick); err != nil {
			return err
		}
	}
	return azure.NewKindError(azure.ReadinessTimeout,
		errors.Errorf("deployment did not reach status %s in time", target).Error())
}

// waitForRole polls a deployment's instance list until the named role
// reaches the target instance status.
func waitForRole(ctx context.Context, client azure.Client, service, deployment, role string, target azure.InstanceStatus, tick time.Duration, loops int) error {
	for i := 0; i < loops; i++ {
		dep, err := client.GetDeployment(ctx, service, deployment)
		if err != nil && !azure.ResourceNotFound(err) {
			return errors.Wrap(err, "failed to poll deployment")
		}
		if err == nil {
			if instance, ok := dep.InstanceOf(role); ok && instance.InstanceStatus == target {
				return nil
			}
		}
		if err := sleep(ctx, tick); err != nil {
			return err
		}
	}
	return azure.NewKindError(azure.ReadinessTimeout,
		errors.Errorf("role did not reach status %s in time", target).Error())
}

// sleep waits one tick or returns a Cancelled error.
func sleep(ctx context.Context, tick time.Duration) error {
	timer := time.NewTimer(tick)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return azure.WithKind(azure.Cancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
