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

// Package backoff implements a decorrelated-jitter backoff, the variant
// described in https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Backoff is an interface for blocking until the next attempt is due.
type Backoff interface {
	// Do blocks for a backoff-specific duration or until ctx is done.
	Do(context.Context) error
	// Reset should be called after a successful attempt.
	Reset()
}

type decorr struct {
	base  int64
	cap   int64
	sleep int64
	rnd   *rand.Rand
	clock clockwork.Clock
}

// NewDecorr initializes an algorithm with a given clock.
func NewDecorr(base, cap time.Duration, clock clockwork.Clock) Backoff {
	return newDecorr(base, cap, clock)
}

// Decorr initializes an algorithm with the real clock.
func Decorr(base, cap time.Duration) Backoff {
	return NewDecorr(base, cap, clockwork.NewRealClock())
}

func newDecorr(base, cap time.Duration, clock clockwork.Clock) *decorr {
	return &decorr{
		base:  int64(base),
		cap:   int64(cap),
		sleep: int64(base),
		rnd:   rand.New(rand.NewSource(clock.Now().UnixNano())),
		clock: clock,
	}
}

func (backoff *decorr) Do(ctx context.Context) error {
	backoff.sleep = backoff.base + backoff.rnd.Int63n(backoff.sleep*3-backoff.base+1)
	if backoff.sleep > backoff.cap {
		backoff.sleep = backoff.cap
	}
	select {
	case <-backoff.clock.After(time.Duration(backoff.sleep)):
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (backoff *decorr) Reset() {
	backoff.sleep = backoff.base
}
