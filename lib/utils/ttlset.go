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

package utils

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TTLSet is a set of strings whose members expire after a fixed TTL.
// Expired members are dropped lazily on access.
type TTLSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clockwork.Clock
	members map[string]time.Time
}

// NewTTLSet creates a TTLSet with the given member lifetime.
func NewTTLSet(ttl time.Duration, clock clockwork.Clock) *TTLSet {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TTLSet{
		ttl:     ttl,
		clock:   clock,
		members: make(map[string]time.Time),
	}
}

// Add inserts a member, resetting its expiry if already present.
func (s *TTLSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire()
	s.members[key] = s.clock.Now().Add(s.ttl)
}

// Contains reports whether key is present and unexpired.
func (s *TTLSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.members[key]
	if !ok {
		return false
	}
	if s.clock.Now().After(deadline) {
		delete(s.members, key)
		return false
	}
	return true
}

// Remove deletes a member if present.
func (s *TTLSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, key)
}

// Len returns the number of unexpired members.
func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire()
	return len(s.members)
}

func (s *TTLSet) expire() {
	now := s.clock.Now()
	for k, deadline := range s.members {
		if now.After(deadline) {
			delete(s.members, k)
		}
	}
}

// RateWindow counts events over a rolling window, used to rate limit
// per-key reconnect requests.
type RateWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	clock  clockwork.Clock
	events map[string][]time.Time
}

// NewRateWindow creates a rolling-window limiter allowing limit events
// per window per key.
func NewRateWindow(limit int, window time.Duration, clock clockwork.Clock) *RateWindow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateWindow{
		window: window,
		limit:  limit,
		clock:  clock,
		events: make(map[string][]time.Time),
	}
}

// Allow records an event for key and reports whether it was within the
// limit. Events outside the window are forgotten first.
func (r *RateWindow) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	cutoff := now.Add(-r.window)
	kept := r.events[key][:0]
	for _, t := range r.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.events[key] = kept
		return false
	}
	r.events[key] = append(kept, now)
	return true
}

// Reset forgets all events for key.
func (r *RateWindow) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, key)
}
