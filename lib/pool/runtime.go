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

package pool

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/statemgr"
)

// retire removes a conn from the pool on its own owner task and runs
// the terminal marking. When a concurrent Detach already removed the
// conn, marking is skipped: Detach owns the teardown.
func (p *Pool) retire(c *conn, status session.Status, mark func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	owned := p.conns[c.key] == c
	if owned {
		delete(p.conns, c.key)
	}
	p.mu.Unlock()
	if !owned {
		return
	}
	metricsSessions.Dec()

	if p.cfg.UseProxy {
		p.cfg.Proxy.ReleaseSession(ctx, c.key)
	}
	c.setStatus(status)
	if err := mark(ctx); err != nil && !trace.IsNotFound(err) {
		p.cfg.Log.WarnContext(ctx, "failed to mark retired session",
			"session", c.key, "status", status, "error", err)
	}
	p.releaseOwnership(c.key)
	p.publishConnectionUpdate(ctx, c.key, status)
}

// retireLoggedOut handles the phone unlinking this device: the
// credential blob is dead and must be destroyed.
func (p *Pool) retireLoggedOut(c *conn) {
	p.retire(c, session.StatusLoggedOut, func(ctx context.Context) error {
		if err := p.cfg.Store.Delete(ctx, c.key); err != nil {
			p.cfg.Log.WarnContext(ctx, "failed to delete credential blob",
				"session", c.key, "error", err)
		}
		return p.cfg.States.MarkLoggedOut(ctx, c.key)
	})
}

// retireQRTimeout tears down a pairing that never happened. The egress
// IP release in retire is the important part: an unpaired session must
// not hold inventory.
func (p *Pool) retireQRTimeout(c *conn) {
	p.retire(c, session.StatusDisconnected, func(ctx context.Context) error {
		return p.cfg.States.MarkDisconnected(ctx, c.key, "qr pairing timed out")
	})
}

func (p *Pool) retireDisconnected(c *conn, reason string) {
	p.retire(c, session.StatusDisconnected, func(ctx context.Context) error {
		return p.cfg.States.MarkDisconnected(ctx, c.key, reason)
	})
}

func (p *Pool) retireFailed(c *conn, cause error) {
	p.retire(c, session.StatusFailed, func(ctx context.Context) error {
		return p.cfg.States.MarkFailed(ctx, c.key, cause)
	})
}

// Send delivers content through a session's open socket and returns the
// protocol message id. The id is remembered so the echo of this send in
// the inbound stream is not re-published as a phone-originated message.
func (p *Pool) Send(ctx context.Context, key session.Key, to string, content map[string]any) (string, error) {
	p.mu.RLock()
	c, ok := p.conns[key]
	p.mu.RUnlock()
	if !ok {
		return "", trace.NotFound("no active connection for %v", key)
	}
	socket := c.currentSocket()
	if socket == nil || !socket.IsOpen() {
		return "", trace.ConnectionProblem(nil, "no active connection for %v", key)
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	id, err := socket.Send(sctx, to, content)
	if err != nil {
		metricsSendFailures.Inc()
		if isConnectionError(err) {
			// The egress IP is likely dead; swap it and force a redial.
			if p.cfg.UseProxy {
				if _, rerr := p.cfg.Proxy.Rotate(ctx, key); rerr != nil {
					p.cfg.Log.WarnContext(ctx, "failed to rotate egress IP",
						"session", key, "error", rerr)
				}
			}
			c.kick()
		}
		return "", trace.Wrap(err)
	}

	p.sentByAPI.Add(id)
	metricsMessagesSent.Inc()
	if err := p.cfg.Coordinator.UpdateActivity(ctx, key); err != nil {
		p.cfg.Log.DebugContext(ctx, "failed to touch ownership activity",
			"session", key, "error", err)
	}
	return id, nil
}

// ReconnectResult is the outcome vocabulary of Reconnect.
type ReconnectResult string

const (
	ReconnectConnected        ReconnectResult = "connected"
	ReconnectNeedsQR          ReconnectResult = "needs_qr"
	ReconnectFailed           ReconnectResult = "failed"
	ReconnectRateLimited      ReconnectResult = "rate_limited"
	ReconnectSessionNotFound  ReconnectResult = "session_not_found"
	ReconnectTimeout          ReconnectResult = "timeout"
	ReconnectConnectionFailed ReconnectResult = "connection_failed"
)

// Reconnect forces a session to drop its socket and redial, then waits
// for the outcome. Rate limited per session key over a rolling window.
func (p *Pool) Reconnect(ctx context.Context, key session.Key, forceNew bool) (ReconnectResult, error) {
	if !p.reconnectRate.Allow(key.String()) {
		metricsReconnectResults.WithLabelValues(string(ReconnectRateLimited)).Inc()
		return ReconnectRateLimited, nil
	}

	p.mu.RLock()
	c, ok := p.conns[key]
	p.mu.RUnlock()
	if !ok {
		metricsReconnectResults.WithLabelValues(string(ReconnectSessionNotFound)).Inc()
		return ReconnectSessionNotFound, nil
	}

	if !forceNew {
		if socket := c.currentSocket(); socket != nil && socket.IsOpen() && c.localStatus() == session.StatusConnected {
			metricsReconnectResults.WithLabelValues(string(ReconnectConnected)).Inc()
			return ReconnectConnected, nil
		}
	}
	c.kick()

	result := p.awaitReconnect(ctx, c)
	metricsReconnectResults.WithLabelValues(string(result)).Inc()
	return result, nil
}

func (p *Pool) awaitReconnect(ctx context.Context, c *conn) ReconnectResult {
	deadline := p.cfg.Clock.Now().Add(p.cfg.AttachTimeout)
	for {
		switch c.localStatus() {
		case session.StatusConnected:
			return ReconnectConnected
		case session.StatusQRPending:
			return ReconnectNeedsQR
		case session.StatusFailed:
			return ReconnectFailed
		case session.StatusDisconnected, session.StatusLoggedOut:
			return ReconnectConnectionFailed
		}
		if !p.cfg.Clock.Now().Before(deadline) {
			return ReconnectTimeout
		}
		select {
		case <-ctx.Done():
			return ReconnectTimeout
		case <-p.cfg.Clock.After(250 * time.Millisecond):
		}
	}
}

// RecoverAll restores persisted sessions at process start: credential
// blobs are cross-referenced against projections, each surviving pair
// is attached as a recovery, and projections whose blob vanished are
// flagged for manual re-pairing. Returns how many sessions were
// attached.
func (p *Pool) RecoverAll(ctx context.Context) (int, error) {
	states, err := p.cfg.States.RecoverAll(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	blobs, err := p.cfg.Store.ListAll(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	stateOf := make(map[session.Key]statemgr.State, len(states))
	for _, state := range states {
		stateOf[state.Key] = state
	}
	hasBlob := make(map[session.Key]bool, len(blobs))
	for _, key := range blobs {
		hasBlob[key] = true
	}

	attached := 0
	for _, key := range blobs {
		state := stateOf[key]
		_, err := p.Attach(ctx, AttachParams{
			UserID:     key.UserID,
			Phone:      key.Phone,
			Country:    state.ProxyCountry,
			IsRecovery: true,
		})
		switch {
		case err == nil:
			attached++
		case trace.IsLimitExceeded(err):
			p.cfg.Log.WarnContext(ctx, "recovery stopped at capacity",
				"attached", attached, "remaining", len(blobs)-attached)
			return attached, nil
		default:
			p.cfg.Log.WarnContext(ctx, "failed to recover session",
				"session", key, "error", err)
		}
	}

	// Projections that claim a live session but have no credentials
	// cannot be restored; the user has to pair again.
	for key, state := range stateOf {
		if hasBlob[key] || state.Status.IsTerminal() {
			continue
		}
		if err := p.cfg.States.Update(ctx, key, statemgr.Delta{
			Status:    session.StatusPendingRecovery,
			LastError: "credentials missing at recovery",
		}); err != nil {
			p.cfg.Log.WarnContext(ctx, "failed to flag unrecoverable session",
				"session", key, "error", err)
		}
	}
	p.cfg.Log.InfoContext(ctx, "session recovery complete",
		"attached", attached, "blobs", len(blobs), "projections", len(states))
	return attached, nil
}

// ShutdownMode selects what happens to sessions on Shutdown.
type ShutdownMode string

const (
	// ShutdownPreserving closes sockets without protocol logout and
	// marks sessions recoverable, so this or another instance can adopt
	// them later. The default.
	ShutdownPreserving ShutdownMode = "preserving"
	// ShutdownLogout logs every session out and deletes its blob.
	ShutdownLogout ShutdownMode = "logout"
)

// Shutdown takes every session down and stops the pool.
func (p *Pool) Shutdown(ctx context.Context, mode ShutdownMode) error {
	p.mu.Lock()
	conns := make(map[session.Key]*conn, len(p.conns))
	for key, c := range p.conns {
		conns[key] = c
	}
	p.mu.Unlock()

	var errors []error
	for key, c := range conns {
		if mode == ShutdownLogout {
			if err := p.Detach(ctx, key, DetachParams{Reason: "shutdown"}); err != nil {
				errors = append(errors, trace.Wrap(err))
			}
			continue
		}

		p.mu.Lock()
		delete(p.conns, key)
		p.mu.Unlock()
		metricsSessions.Dec()
		if socket := c.currentSocket(); socket != nil {
			socket.Close()
		}
		c.stopAndWait()
		if err := p.cfg.States.Update(ctx, key, statemgr.Delta{
			Status:    session.StatusPendingRecovery,
			LastError: "instance shutting down",
		}); err != nil && !trace.IsNotFound(err) {
			errors = append(errors, trace.Wrap(err))
		}
		p.cfg.States.Flush(key)
		if p.cfg.UseProxy {
			p.cfg.Proxy.ReleaseSession(ctx, key)
		}
		p.releaseOwnership(key)
	}

	p.closeOnce.Do(p.cancel)
	return trace.NewAggregate(errors...)
}
