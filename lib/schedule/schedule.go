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

// Package schedule runs the server's periodic maintenance tasks on one
// supervisor. Tasks tick independently; a task that keeps failing takes
// the whole scheduler down so the process can exit with a distinct status
// instead of limping along with dead maintenance.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/snowflow/license-server/lib/job"
	"github.com/snowflow/license-server/lib/logger"
)

// DefaultMaxConsecutiveFailures is how many back-to-back failures of one
// task are tolerated before the scheduler gives up.
const DefaultMaxConsecutiveFailures = 5

// ErrTaskFailing is wrapped into the scheduler's terminal error when a task
// exhausts its failure budget. The process maps it to a distinct exit code.
var ErrTaskFailing = errors.New("periodic task is persistently failing")

// Task is one periodic maintenance function.
type Task struct {
	// Name appears in logs and in the terminal error.
	Name string
	// Interval between the end of one run and the start of the next.
	Interval time.Duration
	// RunImmediately fires the first run at startup instead of waiting a
	// full interval.
	RunImmediately bool
	// Fn does the work. A nil return resets the failure counter.
	Fn func(ctx context.Context) error
}

// Scheduler owns a fixed set of tasks registered before Job is spawned.
type Scheduler struct {
	clock       clockwork.Clock
	maxFailures int
	tasks       []Task
}

// NewScheduler creates a scheduler with the given failure budget;
// maxFailures <= 0 selects the default.
func NewScheduler(clock clockwork.Clock, maxFailures int) *Scheduler {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	return &Scheduler{clock: clock, maxFailures: maxFailures}
}

// Add registers a task. Not safe to call after the job has started.
func (s *Scheduler) Add(task Task) {
	s.tasks = append(s.tasks, task)
}

// Job wraps the scheduler in a service job. The job becomes ready once all
// task loops are running and terminates when the context is done or any
// task exhausts its failure budget.
func (s *Scheduler) Job() job.ServiceJob {
	return job.NewServiceJob(func(ctx context.Context) error {
		job.SetReady(ctx, true)

		group, groupCtx := errgroup.WithContext(ctx)
		for _, task := range s.tasks {
			task := task
			group.Go(func() error {
				return s.runTask(groupCtx, task)
			})
		}

		err := group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return trace.Wrap(err)
		}
		return nil
	})
}

func (s *Scheduler) runTask(ctx context.Context, task Task) error {
	log := logger.Get(ctx).WithField("task", task.Name)

	failures := 0
	runOnce := func() error {
		if err := task.Fn(ctx); err != nil {
			if ctx.Err() != nil {
				return trace.Wrap(ctx.Err())
			}
			failures++
			log.WithError(err).WithField("consecutive_failures", failures).Error("Periodic task failed")
			if failures >= s.maxFailures {
				return trace.Wrap(ErrTaskFailing, "task %q failed %d consecutive times", task.Name, failures)
			}
			return nil
		}
		failures = 0
		return nil
	}

	if task.RunImmediately {
		if err := runOnce(); err != nil {
			return trace.Wrap(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-s.clock.After(task.Interval):
		}
		if err := runOnce(); err != nil {
			return trace.Wrap(err)
		}
	}
}
