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
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/utils"
)

// Config configures the Manager.
type Config struct {
	// Store is the shared document store.
	Store docstore.Client
	// Emitter publishes persist_failed events.
	Emitter eventbus.Emitter
	// InstanceURL is written as the session's hosting instance.
	InstanceURL string
	// HeartbeatInterval is the last_heartbeat touch period for
	// connected sessions.
	HeartbeatInterval time.Duration
	// EvictDelay is how long a disconnected session's in-memory state
	// lingers before eviction.
	EvictDelay time.Duration
	// RetryDelays paces re-reads when a document is absent for an
	// active status write.
	RetryDelays []time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// Jitter randomizes the heartbeat period.
	Jitter utils.Jitter
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.ProjectionHeartbeatInterval
	}
	if c.EvictDelay <= 0 {
		c.EvictDelay = defaults.ProjectionEvictDelay
	}
	if c.RetryDelays == nil {
		c.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentStateManager)
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewSeventhJitter()
	}
	return nil
}

// Manager owns the in-memory states and their document projections.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	states map[session.Key]*connState
	closed bool
	done   chan struct{}
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:    cfg,
		states: make(map[session.Key]*connState),
		done:   make(chan struct{}),
	}, nil
}

// InitOptions tunes Initialize.
type InitOptions struct {
	// Recovery marks a session restored from persisted credentials:
	// handshake and sync are treated as completed and the stored
	// projection status is left untouched.
	Recovery bool
	// ProxyCountry is recorded when known at attach time.
	ProxyCountry string
}

// Initialize creates the in-memory state and merge-creates the
// projection row. First-time sessions surface status connecting;
// recovery sessions keep whatever status the projection already has.
// A heartbeat loop is started either way.
func (m *Manager) Initialize(ctx context.Context, key session.Key, opts InitOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return trace.Errorf("state manager is closed")
	}
	cs, exists := m.states[key]
	if !exists {
		cs = newConnState(State{
			Key:                key,
			InstanceURL:        m.cfg.InstanceURL,
			HandshakeCompleted: opts.Recovery,
			SyncCompleted:      opts.Recovery,
			IsRecovery:         opts.Recovery,
			ProxyCountry:       opts.ProxyCountry,
			LastUpdated:        m.cfg.Clock.Now().UTC(),
		})
		m.states[key] = cs
	}
	m.mu.Unlock()

	cs.mu.Lock()
	if cs.evictStop != nil {
		cs.evictStop()
		cs.evictStop = nil
	}
	// Re-initializing an existing record (reconnect) keeps its flags.
	if exists && opts.Recovery {
		cs.state.HandshakeCompleted = true
		cs.state.SyncCompleted = true
		cs.state.IsRecovery = true
	}
	if !opts.Recovery {
		cs.state.Status = session.StatusConnecting
	}
	cs.mu.Unlock()

	now := m.cfg.Clock.Now().UTC()
	fields := map[string]any{
		fieldPrefix + "instance_url": m.cfg.InstanceURL,
		fieldPrefix + "last_updated": now,
	}
	if !opts.Recovery {
		fields[fieldPrefix+"status"] = string(session.StatusConnecting)
	}
	if opts.ProxyCountry != "" {
		fields[fieldPrefix+"proxy_country"] = opts.ProxyCountry
	}
	if err := m.cfg.Store.Set(ctx, key.DocPath(), nestFields(fields)); err != nil {
		return trace.Wrap(err)
	}

	m.startHeartbeat(key, cs)
	return nil
}

// Update merges a patch into the in-memory state and queues dotted
// field writes for everything that changed. Status transitions go
// through the pairing suppression rules.
func (m *Manager) Update(ctx context.Context, key session.Key, delta Delta) error {
	cs, ok := m.lookup(key)
	if !ok {
		return trace.NotFound("no state for session %v", key)
	}

	cs.mu.Lock()
	now := m.cfg.Clock.Now().UTC()
	fields := map[string]any{}

	if delta.HandshakeCompleted != nil {
		cs.state.HandshakeCompleted = *delta.HandshakeCompleted
	}
	if delta.SyncCompleted != nil {
		cs.state.SyncCompleted = *delta.SyncCompleted
	}
	if delta.Status != "" {
		if status := effectiveStatus(cs.state, delta.Status); status != "" {
			cs.state.Status = status
			fields[fieldPrefix+"status"] = string(status)
		}
	}
	if delta.InstanceURL != "" {
		cs.state.InstanceURL = delta.InstanceURL
		fields[fieldPrefix+"instance_url"] = delta.InstanceURL
	}
	if delta.SyncStatus != "" {
		cs.state.SyncStatus = delta.SyncStatus
		fields[fieldPrefix+"sync_status"] = string(delta.SyncStatus)
	}
	if delta.ContactsCount != nil {
		cs.state.ContactsCount = *delta.ContactsCount
		fields[fieldPrefix+"sync_contacts_count"] = *delta.ContactsCount
	}
	if delta.MessagesCount != nil {
		cs.state.MessagesCount = *delta.MessagesCount
		fields[fieldPrefix+"sync_messages_count"] = *delta.MessagesCount
	}
	if delta.ProxyCountry != "" {
		cs.state.ProxyCountry = delta.ProxyCountry
		fields[fieldPrefix+"proxy_country"] = delta.ProxyCountry
	}
	if delta.LastError != "" {
		cs.state.LastError = delta.LastError
		fields[fieldPrefix+"last_error"] = delta.LastError
	}
	if delta.ErrorCountAdd != 0 {
		cs.state.ErrorCount += delta.ErrorCountAdd
		fields[fieldPrefix+"error_count"] = cs.state.ErrorCount
	}
	if delta.TouchLastSeen {
		fields[fieldPrefix+"last_seen"] = now
	}
	if len(fields) == 0 {
		cs.mu.Unlock()
		return nil
	}
	cs.state.LastUpdated = now
	fields[fieldPrefix+"last_updated"] = now
	m.enqueueLocked(key, cs, fields)
	cs.mu.Unlock()
	return nil
}

// MarkConnected surfaces status connected (or import progress while
// the initial sync is still running) and touches last_seen.
func (m *Manager) MarkConnected(ctx context.Context, key session.Key) error {
	return trace.Wrap(m.Update(ctx, key, Delta{
		Status:        session.StatusConnected,
		TouchLastSeen: true,
	}))
}

// MarkDisconnected surfaces a terminal disconnect, stops the
// heartbeat and schedules eviction of the in-memory state. Terminal
// statuses bypass pairing suppression.
func (m *Manager) MarkDisconnected(ctx context.Context, key session.Key, reason string) error {
	return trace.Wrap(m.markTerminal(ctx, key, session.StatusDisconnected, reason))
}

// MarkFailed surfaces a fatal error and bumps error_count.
func (m *Manager) MarkFailed(ctx context.Context, key session.Key, cause error) error {
	return trace.Wrap(m.markTerminal(ctx, key, session.StatusFailed, cause.Error()))
}

// MarkLoggedOut surfaces an explicit logout. The state is evicted like
// a disconnect; the projection row stays for the UI to show.
func (m *Manager) MarkLoggedOut(ctx context.Context, key session.Key) error {
	return trace.Wrap(m.markTerminal(ctx, key, session.StatusLoggedOut, "logged out from phone"))
}

func (m *Manager) markTerminal(ctx context.Context, key session.Key, status session.Status, reason string) error {
	cs, ok := m.lookup(key)
	if !ok {
		return trace.NotFound("no state for session %v", key)
	}
	m.stopHeartbeat(cs)

	cs.mu.Lock()
	now := m.cfg.Clock.Now().UTC()
	cs.state.Status = status
	cs.state.LastUpdated = now
	fields := map[string]any{
		fieldPrefix + "status":       string(status),
		fieldPrefix + "last_updated": now,
	}
	if reason != "" {
		cs.state.LastError = reason
		fields[fieldPrefix+"last_error"] = reason
	}
	if status == session.StatusFailed {
		cs.state.ErrorCount++
		fields[fieldPrefix+"error_count"] = cs.state.ErrorCount
	}
	m.enqueueLocked(key, cs, fields)

	// Linger briefly so late events and the reconciler can still see
	// the terminal state, then evict.
	if cs.evictStop != nil {
		cs.evictStop()
	}
	timer := m.cfg.Clock.AfterFunc(m.cfg.EvictDelay, func() { m.Evict(key) })
	cs.evictStop = timer.Stop
	cs.mu.Unlock()
	return nil
}

// ForceStatus writes a status bypassing the pairing suppression
// rules. The reconciliation loop uses it to repair projections that
// drifted from the in-memory truth; repairs must land even for
// sessions that never finished pairing. Terminal statuses get the
// same teardown as the Mark helpers.
func (m *Manager) ForceStatus(ctx context.Context, key session.Key, status session.Status) error {
	if status.IsTerminal() {
		return trace.Wrap(m.markTerminal(ctx, key, status, ""))
	}
	cs, ok := m.lookup(key)
	if !ok {
		return trace.NotFound("no state for session %v", key)
	}
	cs.mu.Lock()
	now := m.cfg.Clock.Now().UTC()
	cs.state.Status = status
	cs.state.LastUpdated = now
	m.enqueueLocked(key, cs, map[string]any{
		fieldPrefix + "status":       string(status),
		fieldPrefix + "last_updated": now,
	})
	cs.mu.Unlock()
	return nil
}

// UpdateSyncProgress records import counters and derives sync_status.
// Completion also lifts the connected suppression.
func (m *Manager) UpdateSyncProgress(ctx context.Context, key session.Key, contacts, messages int, done bool) error {
	syncStatus := session.SyncStarted
	switch {
	case done:
		syncStatus = session.SyncCompleted
	case messages > 0:
		syncStatus = session.SyncImportingMessages
	case contacts > 0:
		syncStatus = session.SyncImportingContacts
	}
	delta := Delta{
		SyncStatus:    syncStatus,
		ContactsCount: &contacts,
		MessagesCount: &messages,
	}
	if done {
		completed := true
		delta.SyncCompleted = &completed
	}
	return trace.Wrap(m.Update(ctx, key, delta))
}

// Get returns a snapshot of a session's in-memory state.
func (m *Manager) Get(key session.Key) (State, bool) {
	cs, ok := m.lookup(key)
	if !ok {
		return State{}, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state, true
}

// States returns a snapshot of every in-memory state.
func (m *Manager) States() []State {
	m.mu.Lock()
	all := make([]*connState, 0, len(m.states))
	for _, cs := range m.states {
		all = append(all, cs)
	}
	m.mu.Unlock()
	out := make([]State, 0, len(all))
	for _, cs := range all {
		cs.mu.Lock()
		out = append(out, cs.state)
		cs.mu.Unlock()
	}
	return out
}

// Evict drops a session's in-memory state. The projection row is left
// alone.
func (m *Manager) Evict(key session.Key) {
	m.mu.Lock()
	cs, ok := m.states[key]
	delete(m.states, key)
	m.mu.Unlock()
	if ok {
		m.stopHeartbeat(cs)
		cs.mu.Lock()
		if cs.evictStop != nil {
			cs.evictStop()
			cs.evictStop = nil
		}
		cs.mu.Unlock()
	}
}

// RecoverAll scans the document store for sessions that are not
// logged out and reconstitutes in-memory states for them. Used at
// process start before attaching recovered sessions.
func (m *Manager) RecoverAll(ctx context.Context) ([]State, error) {
	docs, err := m.cfg.Store.List(ctx, session.NumbersCollection)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var recovered []State
	for i := range docs {
		doc := &docs[i]
		status := session.Status(docstore.StringField(doc, "whatsapp.status"))
		if status == "" || status == session.StatusLoggedOut {
			continue
		}
		key, err := session.KeyFromDocPath(doc.Path)
		if err != nil {
			m.cfg.Log.WarnContext(ctx, "skipping projection with unparsable path",
				"path", doc.Path, "error", err)
			continue
		}
		state := State{
			Key:                key,
			Status:             status,
			InstanceURL:        docstore.StringField(doc, "whatsapp.instance_url"),
			SyncStatus:         session.SyncStatus(docstore.StringField(doc, "whatsapp.sync_status")),
			ProxyCountry:       docstore.StringField(doc, "whatsapp.proxy_country"),
			LastError:          docstore.StringField(doc, "whatsapp.last_error"),
			HandshakeCompleted: true,
			SyncCompleted:      true,
			IsRecovery:         true,
			LastUpdated:        docstore.TimeField(doc, "whatsapp.last_updated"),
		}
		m.mu.Lock()
		if _, exists := m.states[key]; !exists {
			m.states[key] = newConnState(state)
		}
		m.mu.Unlock()
		recovered = append(recovered, state)
	}
	m.cfg.Log.InfoContext(ctx, "recovered projections", "count", len(recovered))
	return recovered, nil
}

// Flush blocks until the session's queued writes have drained.
func (m *Manager) Flush(key session.Key) {
	cs, ok := m.lookup(key)
	if !ok {
		return
	}
	cs.mu.Lock()
	for cs.writing || len(cs.pending) > 0 {
		cs.cond.Wait()
	}
	cs.mu.Unlock()
}

// Close stops heartbeats and waits for queued writes to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	keys := make([]session.Key, 0, len(m.states))
	for key := range m.states {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		if cs, ok := m.lookup(key); ok {
			m.stopHeartbeat(cs)
		}
		m.Flush(key)
	}
	return nil
}

func (m *Manager) lookup(key session.Key) (*connState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.states[key]
	return cs, ok
}
