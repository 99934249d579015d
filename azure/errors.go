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

package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/services/classic/management"
	"github.com/pkg/errors"
)

// ErrorKind classifies a failure for audit notes and step selection.
// Every error crossing a workflow step boundary carries exactly one kind.
type ErrorKind string

const (
	// InvalidTemplate means the template document is malformed or incomplete.
	InvalidTemplate ErrorKind = "InvalidTemplate"
	// NameUnavailable means the provider rejected the requested resource name.
	NameUnavailable ErrorKind = "NameUnavailable"
	// QuotaExhausted means the subscription lacks storage account slots or cores.
	QuotaExhausted ErrorKind = "QuotaExhausted"
	// ProviderTransport is an HTTP/network failure talking to the provider.
	ProviderTransport ErrorKind = "ProviderTransport"
	// ProviderRejected means the provider returned a failed async result.
	ProviderRejected ErrorKind = "ProviderRejected"
	// AsyncTimeout means the async waiter exhausted its loop bound.
	AsyncTimeout ErrorKind = "AsyncTimeout"
	// ReadinessTimeout means a deployment or role did not reach its target status.
	ReadinessTimeout ErrorKind = "ReadinessTimeout"
	// PostconditionViolated means an existence or attribute check disagreed
	// with a succeeded request.
	PostconditionViolated ErrorKind = "PostconditionViolated"
	// StateIllegal means the requested transition is not permitted.
	StateIllegal ErrorKind = "StateIllegal"
	// PersistenceError means a store commit failed.
	PersistenceError ErrorKind = "PersistenceError"
	// Cancelled means the unit of execution was cancelled at a tick boundary.
	Cancelled ErrorKind = "Cancelled"
)

// KindError is an error tagged with an ErrorKind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind tags err with kind. A nil err returns nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// NewKindError builds a tagged error from a format string.
func NewKindError(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of err, or ProviderTransport when untagged.
// Untagged errors at a step boundary are by definition transport or SDK
// failures since every engine-originated failure is tagged at source.
func KindOf(err error) ErrorKind {
	var kerr *KindError
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return ProviderTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var kerr *KindError
	return errors.As(err, &kerr) && kerr.Kind == kind
}

// ResourceNotFound parses the error to check if it's the provider's
// resource not found sentinel.
func ResourceNotFound(err error) bool {
	return err != nil && management.IsResourceNotFoundError(err)
}
