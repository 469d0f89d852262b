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

package statemgr

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
)

// enqueueLocked coalesces dotted field writes into the session's
// pending batch and ensures a writer is running. Later values for the
// same field supersede queued ones; a queued terminal status is never
// overwritten by a non-terminal one. Caller holds cs.mu.
func (m *Manager) enqueueLocked(key session.Key, cs *connState, fields map[string]any) {
	if raw, ok := fields[fieldPrefix+"status"]; ok {
		status := session.Status(raw.(string))
		if cs.pendingStatus.IsTerminal() && !status.IsTerminal() {
			// A queued disconnect/failure outranks the stale transition
			// that raced it.
			delete(fields, fieldPrefix+"status")
		} else {
			cs.pendingStatus = status
		}
	}
	for path, value := range fields {
		cs.pending[path] = value
	}
	if !cs.writing {
		cs.writing = true
		go m.writeLoop(key, cs)
	}
}

// writeLoop drains the pending batch. One writer per session exists
// at a time, so projection readers see whole batches in order.
func (m *Manager) writeLoop(key session.Key, cs *connState) {
	for {
		cs.mu.Lock()
		if len(cs.pending) == 0 {
			cs.writing = false
			cs.cond.Broadcast()
			cs.mu.Unlock()
			return
		}
		batch := cs.pending
		status := cs.pendingStatus
		cs.pending = make(map[string]any)
		cs.pendingStatus = ""
		cs.mu.Unlock()

		m.writeBatch(key, batch, status)
	}
}

func (m *Manager) writeBatch(key session.Key, batch map[string]any, status session.Status) {
	ctx := context.Background()
	updates := make([]docstore.Update, 0, len(batch))
	for path, value := range batch {
		updates = append(updates, docstore.Update{Path: path, Value: value})
	}

	err := m.cfg.Store.Update(ctx, key.DocPath(), updates)
	if err == nil {
		return
	}
	if !trace.IsNotFound(err) {
		m.cfg.Log.WarnContext(ctx, "projection write failed",
			"session", key, "error", err)
		return
	}

	// The document is gone. For a terminal status that is fine: the
	// record was deliberately deleted and must not be resurrected.
	if status.IsTerminal() {
		m.cfg.Log.DebugContext(ctx, "skipping terminal write for deleted projection",
			"session", key, "status", status)
		return
	}

	// For an active status, absence is usually eventual consistency:
	// re-read on a backoff before giving up. Close aborts the wait so
	// shutdown is not held up by a vanished document.
	for _, delay := range m.cfg.RetryDelays {
		select {
		case <-m.cfg.Clock.After(delay):
		case <-m.done:
			return
		}
		if err = m.cfg.Store.Update(ctx, key.DocPath(), updates); err == nil {
			return
		}
		if !trace.IsNotFound(err) {
			m.cfg.Log.WarnContext(ctx, "projection write failed",
				"session", key, "error", err)
			return
		}
	}

	m.cfg.Log.WarnContext(ctx, "projection document never appeared, dropping write",
		"session", key, "status", status)
	if perr := m.cfg.Emitter.Publish(ctx, key, eventbus.TopicPersistFailed,
		persistFailedPayload(key, status, err)); perr != nil {
		m.cfg.Log.WarnContext(ctx, "failed to publish persist_failed event",
			"session", key, "error", perr)
	}
}

// startHeartbeat touches last_heartbeat and last_seen on a timer, but
// only while the session is locally connected.
func (m *Manager) startHeartbeat(key session.Key, cs *connState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	cs.hbStop = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-m.cfg.Clock.After(m.cfg.Jitter(m.cfg.HeartbeatInterval)):
				cs.mu.Lock()
				if cs.state.Status != session.StatusConnected {
					cs.mu.Unlock()
					continue
				}
				now := m.cfg.Clock.Now().UTC()
				cs.state.LastUpdated = now
				m.enqueueLocked(key, cs, map[string]any{
					fieldPrefix + "last_heartbeat": now,
					fieldPrefix + "last_seen":      now,
					fieldPrefix + "last_updated":   now,
				})
				cs.mu.Unlock()
			}
		}
	}()
}

func (m *Manager) stopHeartbeat(cs *connState) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.hbStop != nil {
		close(cs.hbStop)
		cs.hbStop = nil
	}
}
