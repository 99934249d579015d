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

// Package jobs is a small in-process job runner. Handlers are
// registered by stable dotted name and invoked with JSON-encoded
// arguments, so a job is fully described by data and a handler can
// schedule further jobs as continuations. Jobs sharing a non-empty key
// run FIFO; jobs with different keys run concurrently.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Job is one unit of work: a registered handler name, its JSON
// arguments, and an optional serialization key. The id correlates a
// job's log lines across scheduling and execution.
type Job struct {
	ID      string          `json:"id"`
	Handler string          `json:"handler"`
	Args    json.RawMessage `json:"args"`
	Key     string          `json:"key,omitempty"`
}

// NewJob marshals args into a Job for the named handler.
func NewJob(handler, key string, args interface{}) (Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, errors.Wrapf(err, "failed to marshal args for %s", handler)
	}
	return Job{ID: uuid.NewString(), Handler: handler, Args: raw, Key: key}, nil
}

// HandlerFunc executes a job. The raw args are the Job's Args; the
// scheduler lets the handler enqueue continuations.
type HandlerFunc func(ctx context.Context, args json.RawMessage, s Scheduler) error

// Scheduler enqueues jobs. The Runner implements it; handlers receive
// it so chains stay testable.
type Scheduler interface {
	Schedule(job Job)
}

// Registry maps stable handler names to handler functions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

// Register binds a handler name. Re-registering a name panics: handler
// names are wiring, not data.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		panic(fmt.Sprintf("jobs: handler %q registered twice", name))
	}
	r.handlers[name] = fn
}

// Lookup resolves a handler name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Runner executes jobs. Each keyless job gets its own goroutine;
// jobs with equal keys are funneled through a per-key serial queue.
type Runner struct {
	registry *Registry
	log      logr.Logger

	mu     sync.Mutex
	queues map[string][]Job
	wg     sync.WaitGroup

	baseCtx context.Context
}

// NewRunner builds a runner over a registry. ctx bounds every job;
// cancelling it makes running handlers observe cancellation.
func NewRunner(ctx context.Context, registry *Registry, log logr.Logger) *Runner {
	return &Runner{
		registry: registry,
		log:      log,
		queues:   map[string][]Job{},
		baseCtx:  ctx,
	}
}

// Schedule enqueues a job for execution.
func (r *Runner) Schedule(job Job) {
	if job.Key == "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(job)
		}()
		return
	}

	r.mu.Lock()
	queue, active := r.queues[job.Key]
	r.queues[job.Key] = append(queue, job)
	r.mu.Unlock()
	if active {
		// a drainer for this key is already running
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drain(job.Key)
	}()
}

// drain runs the key's queue FIFO until it is empty.
func (r *Runner) drain(key string) {
	for {
		r.mu.Lock()
		queue := r.queues[key]
		if len(queue) == 0 {
			delete(r.queues, key)
			r.mu.Unlock()
			return
		}
		job := queue[0]
		r.queues[key] = queue[1:]
		r.mu.Unlock()

		r.run(job)
	}
}

func (r *Runner) run(job Job) {
	log := r.log.WithValues("job", job.ID, "handler", job.Handler, "key", job.Key)
	defer func() {
		if p := recover(); p != nil {
			log.Error(fmt.Errorf("panic: %v", p), "job handler panicked")
		}
	}()

	fn, ok := r.registry.Lookup(job.Handler)
	if !ok {
		log.Error(errors.Errorf("unknown handler %q", job.Handler), "dropping job")
		return
	}
	if err := fn(r.baseCtx, job.Args, r); err != nil {
		// handlers report outcomes through the audit log; this is
		// operator-facing only
		log.Error(err, "job failed")
	}
}

// Wait blocks until every scheduled job, continuations included, has
// finished. Intended for shutdown and tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}
