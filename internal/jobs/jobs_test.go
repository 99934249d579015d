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

package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
)

func TestKeyedJobsRunFIFO(t *testing.T) {
	g := NewWithT(t)

	var mu sync.Mutex
	var order []int

	registry := NewRegistry()
	registry.Register("test.record", func(_ context.Context, args json.RawMessage, _ Scheduler) error {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})

	runner := NewRunner(context.Background(), registry, logr.Discard())
	for i := 0; i < 50; i++ {
		job, err := NewJob("test.record", "sub/cs/dm", i)
		g.Expect(err).NotTo(HaveOccurred())
		runner.Schedule(job)
	}
	runner.Wait()

	g.Expect(order).To(HaveLen(50))
	for i, n := range order {
		g.Expect(n).To(Equal(i))
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	g := NewWithT(t)

	release := make(chan struct{})
	bothRunning := make(chan struct{}, 2)

	registry := NewRegistry()
	registry.Register("test.block", func(_ context.Context, _ json.RawMessage, _ Scheduler) error {
		bothRunning <- struct{}{}
		<-release
		return nil
	})

	runner := NewRunner(context.Background(), registry, logr.Discard())
	runner.Schedule(Job{Handler: "test.block", Key: "sub/cs1/dm"})
	runner.Schedule(Job{Handler: "test.block", Key: "sub/cs2/dm"})

	// both keys must be in-flight at once; a serial runner would
	// deadlock here
	<-bothRunning
	<-bothRunning
	close(release)
	runner.Wait()
	g.Expect(bothRunning).To(BeEmpty())
}

func TestContinuationsRunOnSameKey(t *testing.T) {
	g := NewWithT(t)

	var mu sync.Mutex
	var order []string

	registry := NewRegistry()
	registry.Register("test.first", func(_ context.Context, _ json.RawMessage, s Scheduler) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		s.Schedule(Job{Handler: "test.second", Key: "k"})
		return nil
	})
	registry.Register("test.second", func(_ context.Context, _ json.RawMessage, _ Scheduler) error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})

	runner := NewRunner(context.Background(), registry, logr.Discard())
	runner.Schedule(Job{Handler: "test.first", Key: "k"})
	runner.Wait()

	g.Expect(order).To(Equal([]string{"first", "second"}))
}

func TestPanicIsRecovered(t *testing.T) {
	g := NewWithT(t)

	done := false
	registry := NewRegistry()
	registry.Register("test.panic", func(_ context.Context, _ json.RawMessage, _ Scheduler) error {
		panic("boom")
	})
	registry.Register("test.after", func(_ context.Context, _ json.RawMessage, _ Scheduler) error {
		done = true
		return nil
	})

	runner := NewRunner(context.Background(), registry, logr.Discard())
	runner.Schedule(Job{Handler: "test.panic", Key: "k"})
	runner.Schedule(Job{Handler: "test.after", Key: "k"})
	runner.Wait()

	// the panicking job must not take its key's queue down with it
	g.Expect(done).To(BeTrue())
}

func TestUnknownHandlerIsDropped(t *testing.T) {
	runner := NewRunner(context.Background(), NewRegistry(), logr.Discard())
	runner.Schedule(Job{Handler: "test.missing"})
	runner.Wait()
}

func TestRegisterTwicePanics(t *testing.T) {
	g := NewWithT(t)

	registry := NewRegistry()
	registry.Register("test.once", func(context.Context, json.RawMessage, Scheduler) error { return nil })
	g.Expect(func() {
		registry.Register("test.once", func(context.Context, json.RawMessage, Scheduler) error { return nil })
	}).To(Panic())
}
