/*
Copyright 2025 SnowFlow Operations, Inc.

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

package job

import (
	"context"
	"sync"
)

// ServiceJob is a long-running job with a readiness status and a final result.
type ServiceJob interface {
	Job
	// SetReady marks the service startup phase as finished.
	SetReady(ready bool)
	// IsReady reports whether the service finished starting up.
	IsReady() bool
	// WaitReady blocks until the service readiness is known or ctx is done.
	WaitReady(ctx context.Context) (bool, error)
	// Done is closed once the service job has finished.
	Done() <-chan struct{}
	// Err returns the error the service finished with.
	Err() error
}

type serviceJob struct {
	fn        FuncJob
	readiness Readiness
	result    FutureResult
}

// NewServiceJob wraps a function into a ServiceJob.
func NewServiceJob(fn func(ctx context.Context) error) ServiceJob {
	return &serviceJob{fn: fn, result: NewFutureResult()}
}

func (j *serviceJob) DoJob(ctx context.Context) error {
	defer j.readiness.setReady(false) // No-op if readiness was already set.
	return j.fn(ctx)
}

func (j *serviceJob) SetReady(ready bool) {
	j.readiness.setReady(ready)
}

func (j *serviceJob) IsReady() bool {
	return j.readiness.IsReady()
}

func (j *serviceJob) WaitReady(ctx context.Context) (bool, error) {
	return j.readiness.WaitReady(ctx)
}

func (j *serviceJob) Done() <-chan struct{} {
	return j.result.Done()
}

func (j *serviceJob) Err() error {
	return j.result.Err()
}

// FutureResult describes a result of a job computation.
type FutureResult interface {
	Future
	ResultSetter
}

// Future serves for synchronization of concurrent computation.
type Future interface {
	// Done is a completion channel of the future.
	Done() <-chan struct{}
	// Err is a future result.
	Err() error
}

// ResultSetter is a setter of a computation result.
type ResultSetter interface {
	SetError(error)
}

// NewFutureResult makes an unresolved FutureResult.
func NewFutureResult() FutureResult {
	return &futureResult{doneCh: make(chan struct{})}
}

type futureResult struct {
	mu     sync.Mutex
	doneCh chan struct{}
	err    error
}

func (result *futureResult) Done() <-chan struct{} {
	return result.doneCh
}

func (result *futureResult) Err() error {
	result.mu.Lock()
	defer result.mu.Unlock()
	return result.err
}

func (result *futureResult) SetError(err error) {
	result.mu.Lock()
	defer result.mu.Unlock()
	select {
	case <-result.doneCh:
		// result already set
	default:
		result.err = err
		close(result.doneCh)
	}
}
