/*
Copyright 2024 Inclavare Containers Authors.

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

// Package runtime implements the supervised-task model from spec.md §5:
// every long-lived task is spawned by a runtime wrapper, bound to a
// process-wide graceful-shutdown guard, and instrumented with logging.
// Shutdown cancels a root token, waits for supervised tasks up to a
// deadline, then gives up on stragglers.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Supervisor owns the root cancellation token and tracks every task spawned
// through Go so that Shutdown can wait for them with a bounded deadline.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	results map[string]error
	log     log.FieldLogger
}

// NewSupervisor creates a Supervisor bound to parent.
func NewSupervisor(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		results: make(map[string]error),
		log:     log.WithField("component", "runtime"),
	}
}

// Context returns the cancellation-aware context passed to every task.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go spawns fn as a supervised task. fn must return promptly after ctx is
// canceled. The task's name is used for logging and for looking up its
// terminal error via Err after Shutdown.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.ctx)
		s.mu.Lock()
		s.results[name] = err
		s.mu.Unlock()
		if err != nil && s.ctx.Err() == nil {
			// Only abnormal exits (not triggered by our own cancellation)
			// are logged at error level; spec.md §7 forbids a per-stream
			// or per-task error from bringing down anything else.
			s.log.WithError(err).WithField("task", name).Error("supervised task exited")
		}
	}()
}

// Err returns the terminal error recorded for a named task, if it has
// exited.
func (s *Supervisor) Err(name string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.results[name]
	return err, ok
}

// Shutdown cancels the root token, waits up to deadline for every spawned
// task to return, and gives up (without killing goroutines -- Go cannot)
// once the deadline elapses.
func (s *Supervisor) Shutdown(deadline time.Duration) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return trace.LimitExceeded("graceful shutdown deadline of %s exceeded, some tasks did not exit", deadline)
	}
}

// Once guards a launch-exactly-once operation such as
// CertManager.LaunchRefreshTask, returning an error on the second call as
// required by spec.md §4.1.
type Once struct {
	mu      sync.Mutex
	started bool
}

// Start returns nil the first time it is called and an error every
// subsequent time.
func (o *Once) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return trace.AlreadyExists("already launched")
	}
	o.started = true
	return nil
}
