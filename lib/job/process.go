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

	"github.com/gravitational/trace"
)

// Process supervises a group of jobs sharing one lifecycle.
type Process struct {
	// doneCh is closed when all the jobs are completed.
	doneCh <-chan struct{}
	// spawn runs a goroutine in the process context as a job, waiting for
	// its completion on shutdown.
	spawn func(Job, spawnOptions)
	// stop signals the process to terminate gracefully.
	stop func()
	// cancel signals the process to terminate immediately.
	cancel context.CancelFunc

	terminateOnce sync.Once
	onTerminate   []func(context.Context) error
	onTerminateMu sync.Mutex
}

type spawnOptions struct {
	critical  bool
	readiness *Readiness
	result    ResultSetter
	stopped   bool
}

type jobGroup struct {
	mu      sync.Mutex
	counter uint
	doneCh  chan struct{}
}

type processKey struct{}

// NewProcess starts a new process in the given context.
func NewProcess(ctx context.Context) *Process {
	var onStop sync.Map

	group := newJobGroup()
	ctx, cancel := context.WithCancel(ctx)
	process := &Process{
		doneCh: group.done(),
		cancel: cancel,
	}
	ctx = context.WithValue(ctx, processKey{}, process)

	process.spawn = func(job Job, opts spawnOptions) {
		group.join()

		desc := &jobDescriptor{job: job}
		jobCtx, jcancel := context.WithCancel(ctx)
		if opts.readiness != nil {
			jobCtx = context.WithValue(jobCtx, readinessKey{}, opts.readiness)
		}
		jobCtx = context.WithValue(jobCtx, jobDescriptorKey{}, desc)
		stopCtx, stop := context.WithCancel(jobCtx)
		desc.stopCtx = stopCtx
		if !opts.stopped {
			onStop.Store(desc, FuncJob(func(context.Context) error {
				stop()
				return nil
			}))
		} else {
			stop()
		}
		result := opts.result

		go func() {
			defer func() {
				jcancel()
				onStop.Delete(desc)
				group.leave()
			}()
			err := trace.Wrap(job.DoJob(jobCtx))
			if result != nil {
				result.SetError(err)
			}
			if err != nil && opts.critical {
				process.Stop()
			}
		}()
	}

	var stopOnce sync.Once
	process.stop = func() {
		stopOnce.Do(func() {
			process.runTerminateCallbacks(ctx)
			onStop.Range(func(desc, job interface{}) bool {
				onStop.Delete(desc)
				process.spawn(job.(FuncJob), spawnOptions{stopped: true})
				return true
			})
			group.leave() // Stop the main "job".
		})
	}

	return process
}

// Spawn runs a job in the process context.
func (p *Process) Spawn(job Job) {
	p.spawn(job, spawnOptions{})
}

// SpawnFunc runs a function as a job in the process context.
func (p *Process) SpawnFunc(fn func(ctx context.Context) error) {
	p.spawn(FuncJob(fn), spawnOptions{})
}

// SpawnCritical runs a job whose failure terminates the whole process.
func (p *Process) SpawnCritical(fn func(ctx context.Context) error) {
	p.spawn(FuncJob(fn), spawnOptions{critical: true})
}

// SpawnCriticalJob runs a service job whose failure terminates the whole
// process. The job's readiness and result are tracked.
func (p *Process) SpawnCriticalJob(j ServiceJob) {
	sj, ok := j.(*serviceJob)
	if !ok {
		p.spawn(j, spawnOptions{critical: true})
		return
	}
	p.spawn(sj, spawnOptions{critical: true, readiness: &sj.readiness, result: sj.result})
}

// OnTerminate registers a callback executed when the process begins to stop.
func (p *Process) OnTerminate(fn func(ctx context.Context) error) {
	p.onTerminateMu.Lock()
	defer p.onTerminateMu.Unlock()
	p.onTerminate = append(p.onTerminate, fn)
}

func (p *Process) runTerminateCallbacks(ctx context.Context) {
	p.terminateOnce.Do(func() {
		p.onTerminateMu.Lock()
		callbacks := p.onTerminate
		p.onTerminate = nil
		p.onTerminateMu.Unlock()
		for _, fn := range callbacks {
			_ = fn(ctx)
		}
	})
}

// Done channel is used to wait for jobs completion.
func (p *Process) Done() <-chan struct{} {
	if p == nil {
		return alreadyDone
	}
	return p.doneCh
}

// Stop signals a process to terminate. Avoid spawning new jobs after stopping.
func (p *Process) Stop() {
	if p == nil {
		return
	}
	p.stop()
}

// Terminate is an alias for Stop kept for the service jobs' convenience.
func (p *Process) Terminate() {
	p.Stop()
}

// Shutdown signals a process to terminate and waits for completion of all jobs.
func (p *Process) Shutdown(ctx context.Context) error {
	p.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Done():
		return nil
	}
}

// Close shuts down all process jobs immediately. Jobs that treat
// cancellation as a clean exit return nil, so the main counter must be
// released here too or the done channel never closes.
func (p *Process) Close() {
	if p == nil {
		return
	}
	p.cancel()
	p.stop()
	<-p.doneCh
}

// GetProcess gets a currently running job's process.
func GetProcess(ctx context.Context) *Process {
	if process, ok := ctx.Value(processKey{}).(*Process); ok {
		return process
	}
	return nil
}

// MustGetProcess gets a currently running job's process or panics if it's out
// of process context.
func MustGetProcess(ctx context.Context) *Process {
	if process, ok := ctx.Value(processKey{}).(*Process); ok {
		return process
	}
	panic("running out of process context")
}

func newJobGroup() *jobGroup {
	return &jobGroup{
		doneCh:  make(chan struct{}),
		counter: 1, // ONE means a single main "job".
	}
}

func (jobs *jobGroup) join() {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if jobs.counter == 0 {
		panic("failed to spawn job: process already finished")
	}
	jobs.counter++
}

func (jobs *jobGroup) leave() {
	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if jobs.counter == 0 {
		panic("failed to decrement zero job counter")
	}
	jobs.counter--
	if jobs.counter == 0 {
		close(jobs.doneCh)
	}
}

func (jobs *jobGroup) done() <-chan struct{} {
	return jobs.doneCh
}
