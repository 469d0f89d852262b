/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package utils holds small shared helpers: jitter, bounded retries and
// TTL-bounded collections.
package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter applies random jitter to a duration. Must be safe for
// concurrent use.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a jitter on the range [n/2,n). Suitable for
// backoff, where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewSeventhJitter returns a jitter on the range [6n/7,n). Prefer this
// for periodic operations, where large jitters increase load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// RetryConfig configures RetryWithBackoff.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// First is the delay before the second attempt; attempt n waits
	// First << (n-2).
	First time.Duration
	// Jitter is applied to each delay when set.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Retryable reports whether an error is worth another attempt.
	// All errors are retryable when nil.
	Retryable func(error) bool
}

// CheckAndSetDefaults validates the retry configuration.
func (c *RetryConfig) CheckAndSetDefaults() error {
	if c.Attempts < 1 {
		return trace.BadParameter("missing parameter Attempts")
	}
	if c.First < 0 {
		return trace.BadParameter("negative parameter First")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// RetryWithBackoff runs fn up to cfg.Attempts times with exponential
// backoff between tries. The last error is returned once attempts are
// exhausted, the context is done, or cfg.Retryable rejects the error.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	var err error
	delay := cfg.First
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return trace.Wrap(err)
		}
		if attempt == cfg.Attempts {
			break
		}
		d := delay
		if cfg.Jitter != nil {
			d = cfg.Jitter(d)
		}
		select {
		case <-ctx.Done():
			return trace.NewAggregate(err, ctx.Err())
		case <-cfg.Clock.After(d):
		}
		delay *= 2
	}
	return trace.Wrap(err)
}
