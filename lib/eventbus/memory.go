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

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/wahost/lib/session"
)

// Memory is an Emitter that records events for test assertions.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty recording emitter.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Emitter.
func (m *Memory) Publish(ctx context.Context, key session.Key, topic string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Topic:     topic,
		UserID:    key.UserID,
		Phone:     key.Phone,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	return nil
}

// Close implements Emitter.
func (m *Memory) Close() error { return nil }

// Events returns a snapshot of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// TopicEvents returns published events for one topic, in order.
func (m *Memory) TopicEvents(topic string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets all recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
