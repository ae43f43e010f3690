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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopWaitsForJobs(t *testing.T) {
	t.Parallel()

	process := NewProcess(context.Background())
	finished := false
	process.SpawnCritical(func(ctx context.Context) error {
		<-Stopped(ctx)
		finished = true
		return nil
	})

	process.Stop()
	requireDone(t, process.Done())
	require.True(t, finished)
}

// Services commonly treat cancellation as a clean shutdown and return nil,
// so Close must not depend on a job error to release the process.
func TestCloseReturnsWhenJobsExitClean(t *testing.T) {
	t.Parallel()

	process := NewProcess(context.Background())
	process.SpawnCritical(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	closed := make(chan struct{})
	go func() {
		process.Close()
		close(closed)
	}()
	requireDone(t, closed)
	requireDone(t, process.Done())
}

func TestShutdownHonorsDeadline(t *testing.T) {
	t.Parallel()

	process := NewProcess(context.Background())
	release := make(chan struct{})
	process.Spawn(FuncJob(func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, process.Shutdown(ctx))

	close(release)
	requireDone(t, process.Done())
}

func TestTerminateCallbacksRunOnce(t *testing.T) {
	t.Parallel()

	process := NewProcess(context.Background())
	calls := 0
	process.OnTerminate(func(ctx context.Context) error {
		calls++
		return nil
	})

	process.Stop()
	process.Close()
	requireDone(t, process.Done())
	require.Equal(t, 1, calls)
}

func requireDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the process to finish")
	}
}
