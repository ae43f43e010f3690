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

// Package job implements the process supervisor the server is built on: a
// Process owns a group of jobs, spawns them in the process context, and
// drains them all on shutdown.
package job

import (
	"context"
)

// Job is just something executable.
type Job interface {
	// DoJob executes a job.
	DoJob(context.Context) error
}

// FuncJob is the simplest job represented as a mere function.
type FuncJob func(context.Context) error

// DoJob executes a job.
func (j FuncJob) DoJob(ctx context.Context) error {
	return j(ctx)
}

type jobDescriptor struct {
	job     Job
	stopCtx context.Context
}

type jobDescriptorKey struct{}

// Stopped returns a channel closed once a job or the entire process is
// signaled to stop.
func Stopped(ctx context.Context) <-chan struct{} {
	if desc, ok := ctx.Value(jobDescriptorKey{}).(*jobDescriptor); ok {
		return desc.stopCtx.Done()
	}
	return nil
}
