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

// Package pool is the session runtime: it owns every live protocol
// session in the process, drives each through its lifecycle (connect,
// QR pairing, post-pair restart, history import, steady state,
// reconnect), routes protocol events to the document store and event
// bus, and coordinates the proxy allocator, session store, instance
// coordinator and state manager.
package pool

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/proxy"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/sessionstore"
	"github.com/gravitational/wahost/lib/statemgr"
	"github.com/gravitational/wahost/lib/utils"
	"github.com/gravitational/wahost/lib/waproto"
)

// Coordinator is the slice of the instance coordinator the pool uses.
type Coordinator interface {
	RequestOwnership(ctx context.Context, key session.Key) error
	ReleaseOwnership(ctx context.Context, key session.Key) error
	UpdateActivity(ctx context.Context, key session.Key) error
}

// ProxyAllocator is the slice of the proxy allocator the pool uses.
type ProxyAllocator interface {
	Assign(ctx context.Context, key session.Key, country string) (proxy.Assignment, error)
	ReleaseSession(ctx context.Context, key session.Key)
	Rotate(ctx context.Context, key session.Key) (proxy.Assignment, error)
	Get(key session.Key) (proxy.Assignment, bool)
	ProxyURL(ctx context.Context, key session.Key) (string, error)
}

// Config configures the Pool.
type Config struct {
	// Dialer spawns protocol sockets.
	Dialer waproto.Dialer
	// Store persists credential blobs.
	Store sessionstore.Store
	// States is the projection manager.
	States *statemgr.Manager
	// Coordinator arbitrates cluster-wide session ownership.
	Coordinator Coordinator
	// Proxy assigns egress IPs. Required when UseProxy is set.
	Proxy ProxyAllocator
	// UseProxy routes sessions through dedicated egress IPs.
	UseProxy bool
	// Emitter publishes domain events.
	Emitter eventbus.Emitter
	// MaxSessions caps live sessions in this process.
	MaxSessions int
	// PriorityCountries is the country preference when an attach does
	// not request one.
	PriorityCountries []string
	// BrowserName is shown in the phone's linked devices list.
	BrowserName string
	// AutoReconnect enables backoff reconnects on unexpected closes.
	AutoReconnect bool
	// MaxReconnectAttempts bounds reconnects per disconnect cause.
	MaxReconnectAttempts int

	// Lifecycle timings; zero values take the package defaults.
	AttachTimeout      time.Duration
	QRTimeout          time.Duration
	StableOpenPeriod   time.Duration
	SyncGracePeriod    time.Duration
	SyncTimeout        time.Duration
	ReconnectBaseDelay time.Duration
	ReplacedRetryDelay time.Duration
	SendTimeout        time.Duration
	HistoryCutoff      time.Duration
	SentMessageTTL     time.Duration

	// ReconnectRateLimit and ReconnectRateWindow bound API-triggered
	// reconnects per session.
	ReconnectRateLimit  int
	ReconnectRateWindow time.Duration

	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		return trace.BadParameter("missing parameter Dialer")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.States == nil {
		return trace.BadParameter("missing parameter States")
	}
	if c.Coordinator == nil {
		return trace.BadParameter("missing parameter Coordinator")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.UseProxy && c.Proxy == nil {
		return trace.BadParameter("missing parameter Proxy")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaults.MaxSessions
	}
	if len(c.PriorityCountries) == 0 {
		c.PriorityCountries = defaults.PriorityCountries
	}
	if c.BrowserName == "" {
		c.BrowserName = "wahost"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = defaults.AttachTimeout
	}
	if c.QRTimeout <= 0 {
		c.QRTimeout = defaults.QRTimeout
	}
	if c.StableOpenPeriod <= 0 {
		c.StableOpenPeriod = defaults.StableOpenPeriod
	}
	if c.SyncGracePeriod <= 0 {
		c.SyncGracePeriod = defaults.SyncGracePeriod
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaults.SyncTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if c.ReplacedRetryDelay <= 0 {
		c.ReplacedRetryDelay = defaults.ReplacedRetryDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaults.SendTimeout
	}
	if c.HistoryCutoff <= 0 {
		c.HistoryCutoff = defaults.HistoryCutoff
	}
	if c.SentMessageTTL <= 0 {
		c.SentMessageTTL = defaults.SentMessageTTL
	}
	if c.ReconnectRateLimit <= 0 {
		c.ReconnectRateLimit = defaults.ReconnectRateLimit
	}
	if c.ReconnectRateWindow <= 0 {
		c.ReconnectRateWindow = defaults.ReconnectRateWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentPool)
	}
	return nil
}

// Pool owns the live sessions of this process.
type Pool struct {
	cfg Config

	mu    sync.RWMutex
	conns map[session.Key]*conn

	sentByAPI     *utils.TTLSet
	reconnectRate *utils.RateWindow

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a Pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:           cfg,
		conns:         make(map[session.Key]*conn),
		sentByAPI:     utils.NewTTLSet(cfg.SentMessageTTL, cfg.Clock),
		reconnectRate: utils.NewRateWindow(cfg.ReconnectRateLimit, cfg.ReconnectRateWindow, cfg.Clock),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// AttachParams configures one attach.
type AttachParams struct {
	// UserID and Phone identify the session.
	UserID string
	Phone  string
	// Country requests an egress country; empty picks the first
	// priority country (fresh sessions) or the stored one (recovery).
	Country string
	// BrowserName overrides the pool-wide linked device name.
	BrowserName string
	// IsRecovery restores a persisted session: handshake and sync are
	// treated as already completed and the stored country is reused.
	IsRecovery bool
}

// Attach brings a session up. Idempotent for sessions that are already
// live; a session found in a terminal state is torn down and replaced.
// Ownership is acquired before any socket exists.
func (p *Pool) Attach(ctx context.Context, params AttachParams) (session.Status, error) {
	key, err := session.NewKey(params.UserID, params.Phone)
	if err != nil {
		return "", trace.Wrap(err)
	}

	p.mu.Lock()
	if existing, ok := p.conns[key]; ok {
		if !existing.localStatus().IsTerminal() {
			status := existing.localStatus()
			p.mu.Unlock()
			p.cfg.Log.InfoContext(ctx, "attach is idempotent, session already live",
				"session", key, "status", status)
			return status, nil
		}
		// Stale terminal record: remove before re-attaching.
		delete(p.conns, key)
		p.mu.Unlock()
		existing.stopAndWait()
		p.mu.Lock()
	}
	if len(p.conns) >= p.cfg.MaxSessions {
		p.mu.Unlock()
		p.publish(ctx, key, eventbus.TopicCapacityReached, map[string]any{
			"max_sessions": p.cfg.MaxSessions,
		})
		return "", trace.LimitExceeded("session capacity reached (%v)", p.cfg.MaxSessions)
	}
	// Reserve the slot before the slow path so concurrent attaches on
	// the same key collapse into one record.
	c := newConn(p, key, params)
	p.conns[key] = c
	p.mu.Unlock()

	if err := p.setupConn(ctx, c, params); err != nil {
		p.mu.Lock()
		delete(p.conns, key)
		p.mu.Unlock()
		c.markStopped()
		p.cfg.States.Evict(key)
		return "", trace.Wrap(err)
	}

	go c.run()
	metricsSessions.Inc()
	metricsAttaches.WithLabelValues(boolLabel(params.IsRecovery)).Inc()
	return c.localStatus(), nil
}

// setupConn performs the ordered attach preamble: ownership, then
// projection, then credentials, then egress IP. No socket is spawned
// unless all of it succeeded.
func (p *Pool) setupConn(ctx context.Context, c *conn, params AttachParams) error {
	if err := p.cfg.Coordinator.RequestOwnership(ctx, c.key); err != nil {
		return trace.Wrap(err)
	}

	if err := p.cfg.States.Initialize(ctx, c.key, statemgr.InitOptions{
		Recovery:     params.IsRecovery,
		ProxyCountry: c.country,
	}); err != nil {
		p.releaseOwnership(c.key)
		return trace.Wrap(err)
	}

	files, err := p.cfg.Store.Load(ctx, c.key)
	switch {
	case err == nil:
		c.setCredentials(files)
	case trace.IsNotFound(err) && !params.IsRecovery:
		// Fresh pairing.
	default:
		p.releaseOwnership(c.key)
		return trace.Wrap(err, "loading credentials for %v", c.key)
	}

	if p.cfg.UseProxy {
		assignment, err := p.cfg.Proxy.Assign(ctx, c.key, c.country)
		if err != nil {
			p.releaseOwnership(c.key)
			return trace.Wrap(err)
		}
		c.setCountry(assignment.Country)
		if uerr := p.cfg.States.Update(ctx, c.key, statemgr.Delta{
			ProxyCountry: assignment.Country,
		}); uerr != nil {
			p.cfg.Log.WarnContext(ctx, "failed to record proxy country",
				"session", c.key, "error", uerr)
		}
	}
	return nil
}

// DetachParams configures one detach.
type DetachParams struct {
	// PreserveSession keeps the credential blob so the session can be
	// recovered later. False performs a protocol logout and deletes
	// the blob.
	PreserveSession bool
	// Reason lands in the projection's last_error.
	Reason string
}

// Detach takes a session down. Idempotent: detaching an absent
// session succeeds.
func (p *Pool) Detach(ctx context.Context, key session.Key, params DetachParams) error {
	p.mu.Lock()
	c, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	metricsSessions.Dec()

	socket := c.currentSocket()
	if socket != nil {
		if params.PreserveSession {
			socket.Close()
		} else if err := socket.Logout(ctx); err != nil {
			p.cfg.Log.WarnContext(ctx, "protocol logout failed", "session", key, "error", err)
			socket.Close()
		}
	}
	c.stopAndWait()

	if p.cfg.UseProxy {
		p.cfg.Proxy.ReleaseSession(ctx, key)
	}
	reason := params.Reason
	if reason == "" {
		reason = "detached"
	}
	finalStatus := session.StatusDisconnected
	if params.PreserveSession {
		if err := p.cfg.States.MarkDisconnected(ctx, key, reason); err != nil && !trace.IsNotFound(err) {
			p.cfg.Log.WarnContext(ctx, "failed to mark detached session", "session", key, "error", err)
		}
	} else {
		finalStatus = session.StatusLoggedOut
		if err := p.cfg.Store.Delete(ctx, key); err != nil {
			p.cfg.Log.WarnContext(ctx, "failed to delete credential blob", "session", key, "error", err)
		}
		if err := p.cfg.States.MarkLoggedOut(ctx, key); err != nil && !trace.IsNotFound(err) {
			p.cfg.Log.WarnContext(ctx, "failed to mark logged out session", "session", key, "error", err)
		}
	}
	p.releaseOwnership(key)
	p.publishConnectionUpdate(ctx, key, finalStatus)
	return nil
}

// Status returns the session's local runtime status.
func (p *Pool) Status(key session.Key) (session.Status, error) {
	p.mu.RLock()
	c, ok := p.conns[key]
	p.mu.RUnlock()
	if !ok {
		return "", trace.NotFound("no session %v", key)
	}
	return c.localStatus(), nil
}

// HasSocket reports whether the session currently holds a live,
// open protocol socket. Used by the reconciler as a race guard.
func (p *Pool) HasSocket(key session.Key) bool {
	p.mu.RLock()
	c, ok := p.conns[key]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	socket := c.currentSocket()
	return socket != nil && socket.IsOpen()
}

// LocalStatuses returns a snapshot of every live session's status.
func (p *Pool) LocalStatuses() map[session.Key]session.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[session.Key]session.Status, len(p.conns))
	for key, c := range p.conns {
		out[key] = c.localStatus()
	}
	return out
}

func (p *Pool) releaseOwnership(key session.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.cfg.Coordinator.ReleaseOwnership(ctx, key); err != nil {
		p.cfg.Log.WarnContext(ctx, "failed to release ownership", "session", key, "error", err)
	}
}

func (p *Pool) publish(ctx context.Context, key session.Key, topic string, payload map[string]any) {
	if err := p.cfg.Emitter.Publish(ctx, key, topic, payload); err != nil {
		p.cfg.Log.WarnContext(ctx, "failed to publish event",
			"session", key, "topic", topic, "error", err)
	}
}

func (p *Pool) publishConnectionUpdate(ctx context.Context, key session.Key, status session.Status) {
	p.publish(ctx, key, eventbus.TopicConnectionUpdate, map[string]any{
		"status": string(status),
	})
}

// isConnectionError matches send failures that point at a dead egress
// IP rather than a protocol problem.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnrefused", "etimedout", "connection refused", "timed out", "proxy"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
