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

package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
)

const (
	// DefaultRateLimit is the per-tenant request budget.
	DefaultRateLimit = 100
	// DefaultRateInterval is the sliding window the budget refills over.
	DefaultRateInterval = 15 * time.Minute
)

// RateLimiter is a sliding-window limiter over an in-process sharded
// store. Authenticated paths key on tenant id, the anonymous SSO paths on
// client IP.
type RateLimiter struct {
	store limiter.Store
}

// NewRateLimiter creates a limiter allowing tokens requests per interval
// per key; zero values select the defaults.
func NewRateLimiter(tokens uint64, interval time.Duration) (*RateLimiter, error) {
	if tokens == 0 {
		tokens = DefaultRateLimit
	}
	if interval == 0 {
		interval = DefaultRateInterval
	}
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   tokens,
		Interval: interval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &RateLimiter{store: store}, nil
}

// Allow takes one token for the key, reporting whether the request may
// proceed and when the window resets.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Time, error) {
	_, _, reset, ok, err := l.store.Take(ctx, key)
	if err != nil {
		return false, time.Time{}, trace.Wrap(err)
	}
	return ok, time.Unix(0, int64(reset)), nil
}

// Close releases the limiter's background resources.
func (l *RateLimiter) Close(ctx context.Context) error {
	return trace.Wrap(l.store.Close(ctx))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
