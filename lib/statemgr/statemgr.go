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

// Package statemgr projects per-session runtime state into the shared
// document store. The projection is what UIs and sibling services
// read; it is written exclusively with dotted field updates under the
// "whatsapp" field so concurrent writers of other fields are never
// trampled. Writes per session are serialized through a single-flight
// coalescing writer: at most one outstanding write per key, later
// values supersede queued ones, and terminal statuses are never lost.
package statemgr

import (
	"strings"
	"sync"
	"time"

	"github.com/gravitational/wahost/lib/session"
)

// fieldPrefix roots every projection field.
const fieldPrefix = "whatsapp."

// State is the in-memory projection of one session.
type State struct {
	// Key identifies the session.
	Key session.Key
	// Status is the last status surfaced to the projection.
	Status session.Status
	// InstanceURL is the instance hosting the session.
	InstanceURL string
	// SyncStatus tracks the initial history import.
	SyncStatus session.SyncStatus
	// ContactsCount and MessagesCount are import progress counters.
	ContactsCount int
	MessagesCount int
	// ProxyCountry is the country of the session's egress IP.
	ProxyCountry string
	// ErrorCount counts fatal errors over the session's life.
	ErrorCount int
	// LastError is the most recent human-readable failure.
	LastError string
	// HandshakeCompleted is false until the post-pairing restart has
	// been observed. Recovery sessions start true.
	HandshakeCompleted bool
	// SyncCompleted is false until the initial import finished.
	// Recovery sessions start true.
	SyncCompleted bool
	// IsRecovery marks a session restored from a persisted blob.
	IsRecovery bool
	// LastUpdated is when the projection was last touched locally.
	LastUpdated time.Time
}

// Delta is a partial state patch. Zero-valued fields are unchanged;
// pointer fields distinguish "unset" from an explicit zero.
type Delta struct {
	Status             session.Status
	InstanceURL        string
	SyncStatus         session.SyncStatus
	ContactsCount      *int
	MessagesCount      *int
	ProxyCountry       string
	LastError          string
	ErrorCountAdd      int
	TouchLastSeen      bool
	HandshakeCompleted *bool
	SyncCompleted      *bool
}

type connState struct {
	mu   sync.Mutex
	cond *sync.Cond

	state         State
	pending       map[string]any
	pendingStatus session.Status
	writing       bool

	hbStop    chan struct{}
	evictStop func() bool
}

func newConnState(state State) *connState {
	cs := &connState{
		state:   state,
		pending: make(map[string]any),
	}
	cs.cond = sync.NewCond(&cs.mu)
	return cs
}

// effectiveStatus applies the pairing suppression rules to a
// requested status transition. An empty return means the transition
// is suppressed entirely.
func effectiveStatus(state State, requested session.Status) session.Status {
	// During first-time pairing nothing but the QR prompt may surface
	// until the post-pairing restart has been seen.
	if !state.HandshakeCompleted && requested != session.StatusQRPending {
		return ""
	}
	// First-time sessions may not claim connected before the import
	// finished; surface import progress instead.
	if requested == session.StatusConnected && !state.SyncCompleted {
		return session.StatusImportingMessages
	}
	return requested
}

// nestFields converts dotted paths into a nested field tree, for
// merge-creating a projection document.
func nestFields(fields map[string]any) map[string]any {
	root := make(map[string]any)
	for path, value := range fields {
		node := root
		parts := strings.Split(path, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

// persistFailedPayload builds the event payload for a write that never
// found its document.
func persistFailedPayload(key session.Key, status session.Status, err error) map[string]any {
	return map[string]any{
		"doc_path": key.DocPath(),
		"status":   string(status),
		"error":    err.Error(),
	}
}
