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
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/sessionstore"
	"github.com/gravitational/wahost/lib/statemgr"
	"github.com/gravitational/wahost/lib/waproto"
)

// disposition is why one dial-and-consume cycle ended.
type disposition int

const (
	// dispStop means the pool asked the owner task to exit.
	dispStop disposition = iota
	// dispLoggedOut means the phone unlinked this device.
	dispLoggedOut
	// dispQRTimeout means pairing did not happen within the QR window.
	dispQRTimeout
	// dispRestart is the protocol-mandated post-pair restart.
	dispRestart
	// dispReplaced means another web client took this session's slot.
	dispReplaced
	// dispRedial means the socket was deliberately dropped (proxy
	// rotation, forced reconnect) and should be redialed immediately.
	dispRedial
	// dispClosed is any other socket close; subject to backoff.
	dispClosed
)

// conn is one live session. All lifecycle mutation happens on its owner
// goroutine (run); other goroutines only read snapshots or signal
// through channels.
type conn struct {
	p   *Pool
	key session.Key

	browserName string
	isRecovery  bool

	mu            sync.Mutex
	status        session.Status
	socket        waproto.Socket
	credentials   sessionstore.FileSet
	country       string
	connectedOnce bool
	syncDone      bool
	proxyReleased bool
	contacts      int
	messages      int

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once
	// kickCh forces the owner task to drop the socket and redial.
	kickCh chan struct{}
}

func newConn(p *Pool, key session.Key, params AttachParams) *conn {
	country := params.Country
	if country == "" && !params.IsRecovery {
		country = p.cfg.PriorityCountries[0]
	}
	browserName := params.BrowserName
	if browserName == "" {
		browserName = p.cfg.BrowserName
	}
	return &conn{
		p:           p,
		key:         key,
		browserName: browserName,
		isRecovery:  params.IsRecovery,
		status:      session.StatusConnecting,
		country:     country,
		syncDone:    params.IsRecovery,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		kickCh:      make(chan struct{}, 1),
	}
}

func (c *conn) localStatus() session.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *conn) setStatus(status session.Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *conn) currentSocket() waproto.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

func (c *conn) setSocket(socket waproto.Socket) {
	c.mu.Lock()
	c.socket = socket
	c.mu.Unlock()
}

func (c *conn) setCredentials(files sessionstore.FileSet) {
	c.mu.Lock()
	c.credentials = files.Clone()
	c.mu.Unlock()
}

func (c *conn) getCredentials() sessionstore.FileSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials.Clone()
}

func (c *conn) setCountry(country string) {
	c.mu.Lock()
	c.country = country
	c.mu.Unlock()
}

func (c *conn) getCountry() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.country
}

func (c *conn) isConnectedOnce() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedOnce
}

func (c *conn) isSyncDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncDone
}

func (c *conn) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// kick asks the owner task to drop the current socket and redial.
func (c *conn) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *conn) markStopped() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// stopAndWait signals the owner task and blocks until it exited.
func (c *conn) stopAndWait() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// sleep waits out a backoff delay. Returns false when the session was
// stopped during the wait; a kick cuts the delay short.
func (c *conn) sleep(d time.Duration) bool {
	timer := c.p.cfg.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-c.kickCh:
		return true
	case <-c.stopCh:
		return false
	case <-c.p.ctx.Done():
		return false
	}
}

// run drives the session state machine: dial, consume events until the
// socket dies, then decide whether and how to come back.
func (c *conn) run() {
	defer c.doneOnce.Do(func() { close(c.doneCh) })

	log := c.p.cfg.Log.With("session", c.key)
	attempt := 0
	replacedRetried := false
	for {
		if c.stopped() || c.p.ctx.Err() != nil {
			return
		}
		disp, cause, opened := c.runOnce(log)
		if opened {
			// A successful open resets the backoff budget; the next
			// close is a new disconnect cause.
			attempt = 0
			replacedRetried = false
		}
		switch disp {
		case dispStop:
			return
		case dispLoggedOut:
			c.p.retireLoggedOut(c)
			return
		case dispQRTimeout:
			c.p.retireQRTimeout(c)
			return
		case dispRestart:
			// Post-pair restart mandated by the protocol. Not a
			// failure: reconnect immediately, attempt stays zero.
			log.InfoContext(c.p.ctx, "post-pair restart, reattaching")
			c.setStatus(session.StatusRestarting)
			c.updateState(statemgr.Delta{Status: session.StatusRestarting})
			attempt = 0
			continue
		case dispRedial:
			continue
		case dispReplaced:
			if c.isConnectedOnce() || replacedRetried {
				c.p.retireDisconnected(c, "connection replaced by another client")
				return
			}
			// Replacement before the first successful open is
			// ambiguous; retry once after a flat delay.
			replacedRetried = true
			log.InfoContext(c.p.ctx, "replaced before first open, retrying once",
				"delay", c.p.cfg.ReplacedRetryDelay)
			if !c.sleep(c.p.cfg.ReplacedRetryDelay) {
				return
			}
			continue
		case dispClosed:
			if !c.p.cfg.AutoReconnect {
				c.p.retireDisconnected(c, cause)
				return
			}
			attempt++
			if attempt > c.p.cfg.MaxReconnectAttempts {
				c.p.retireFailed(c, trace.ConnectionProblem(nil,
					"gave up after %v reconnect attempts: %v", attempt-1, cause))
				return
			}
			delay := c.p.cfg.ReconnectBaseDelay << (attempt - 1)
			log.InfoContext(c.p.ctx, "socket closed, backing off before reconnect",
				"cause", cause, "attempt", attempt, "delay", delay)
			c.setStatus(session.StatusRestarting)
			c.updateState(statemgr.Delta{Status: session.StatusRestarting})
			metricsReconnects.Inc()
			if !c.sleep(delay) {
				return
			}
			continue
		}
	}
}

// runOnce performs one dial-and-consume cycle.
func (c *conn) runOnce(log logger) (disposition, string, bool) {
	c.setStatus(session.StatusConnecting)
	socket, err := c.dial()
	if err != nil {
		log.WarnContext(c.p.ctx, "dial failed", "error", err)
		return dispClosed, err.Error(), false
	}
	c.setSocket(socket)
	defer c.setSocket(nil)
	return c.consume(socket, log)
}

// logger narrows slog for the few methods conn uses.
type logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
}

func (c *conn) dial() (waproto.Socket, error) {
	ctx, cancel := context.WithTimeout(c.p.ctx, c.p.cfg.AttachTimeout)
	defer cancel()

	params := waproto.DialParams{
		Credentials: c.getCredentials(),
		BrowserName: c.browserName,
	}
	if c.p.cfg.UseProxy && !c.isProxyReleased() {
		url, err := c.p.cfg.Proxy.ProxyURL(ctx, c.key)
		if trace.IsNotFound(err) {
			// Assignment was dropped (rotation teardown); get a fresh
			// one in the same country.
			if _, aerr := c.p.cfg.Proxy.Assign(ctx, c.key, c.getCountry()); aerr != nil {
				return nil, trace.Wrap(aerr)
			}
			url, err = c.p.cfg.Proxy.ProxyURL(ctx, c.key)
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		params.ProxyURL = url
	}
	socket, err := c.p.cfg.Dialer.Dial(ctx, params)
	return socket, trace.Wrap(err)
}

func (c *conn) isProxyReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyReleased
}

// consume processes protocol events in order until the socket dies or
// a timer forces a decision. Returns the disposition, a human cause,
// and whether the socket reached the open state during this cycle.
func (c *conn) consume(socket waproto.Socket, log logger) (disposition, string, bool) {
	ctx := c.p.ctx
	clock := c.p.cfg.Clock
	opened := false
	paired := len(c.getCredentials()) > 0

	// Timers are armed lazily; a nil channel never fires.
	var qrCh, stableCh, graceCh, syncCh <-chan time.Time
	var timers []interface{ Stop() bool }
	arm := func(d time.Duration) <-chan time.Time {
		timer := clock.NewTimer(d)
		timers = append(timers, timer)
		return timer.Chan()
	}
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	// A dialed socket must show signs of life within the attach
	// deadline: a QR prompt, a pairing ack, or the open event. The
	// deadline is disarmed by whichever arrives first.
	openCh := arm(c.p.cfg.AttachTimeout)

	for {
		select {
		case <-c.stopCh:
			socket.Close()
			return dispStop, "", opened
		case <-ctx.Done():
			socket.Close()
			return dispStop, "", opened
		case <-c.kickCh:
			socket.Close()
			return dispRedial, "", opened
		case <-openCh:
			log.WarnContext(ctx, "socket produced no events before the attach deadline")
			socket.Close()
			return dispClosed, "socket produced no events before the attach deadline", opened
		case <-qrCh:
			if !paired {
				log.WarnContext(ctx, "pairing code expired without a scan")
				socket.Close()
				return dispQRTimeout, "qr pairing timed out", opened
			}
			qrCh = nil
		case <-stableCh:
			stableCh = nil
			c.releaseProxyAfterStableOpen(ctx, socket, log)
		case <-graceCh:
			graceCh = nil
			syncCh = nil
			c.finishSync(ctx, log)
		case <-syncCh:
			syncCh = nil
			log.WarnContext(ctx, "initial import produced no terminal batch within timeout, staying in import state")
		case event, ok := <-socket.Events():
			if !ok {
				return dispClosed, "socket event stream closed", opened
			}
			switch ev := event.(type) {
			case waproto.QREvent:
				openCh = nil
				c.setStatus(session.StatusQRPending)
				c.updateState(statemgr.Delta{Status: session.StatusQRPending})
				c.p.publish(ctx, c.key, eventbus.TopicQRGenerated, map[string]any{
					"qr_code": ev.Code,
				})
				if qrCh == nil {
					qrCh = arm(c.p.cfg.QRTimeout)
				}
			case waproto.PairSuccessEvent:
				paired = true
				openCh = nil
				qrCh = nil
				yes := true
				c.updateState(statemgr.Delta{HandshakeCompleted: &yes})
				log.InfoContext(ctx, "paired", "device_jid", ev.DeviceJID)
			case waproto.ConnectedEvent:
				opened = true
				openCh = nil
				c.mu.Lock()
				c.connectedOnce = true
				firstSync := !c.syncDone
				if firstSync {
					c.status = session.StatusImportingMessages
				} else {
					c.status = session.StatusConnected
				}
				c.mu.Unlock()
				if stableCh == nil {
					stableCh = arm(c.p.cfg.StableOpenPeriod)
				}
				if firstSync {
					c.updateState(statemgr.Delta{Status: session.StatusConnected})
					c.updateSyncProgress(ctx, false)
					c.p.publish(ctx, c.key, eventbus.TopicSyncStarted, nil)
					if syncCh == nil {
						syncCh = arm(c.p.cfg.SyncTimeout)
					}
				} else {
					if err := c.p.cfg.States.MarkConnected(ctx, c.key); err != nil {
						log.WarnContext(ctx, "failed to mark connected", "error", err)
					}
				}
				c.p.publishConnectionUpdate(ctx, c.key, c.localStatus())
			case waproto.DisconnectedEvent:
				metricsDisconnects.WithLabelValues(strconv.Itoa(int(ev.Code))).Inc()
				switch ev.Code {
				case waproto.CodeRestartRequired:
					return dispRestart, ev.Reason, opened
				case waproto.CodeLoggedOut:
					return dispLoggedOut, ev.Reason, opened
				case waproto.CodeReplaced:
					return dispReplaced, ev.Reason, opened
				default:
					cause := ev.Reason
					if cause == "" {
						cause = "socket closed"
					}
					return dispClosed, cause, opened
				}
			case waproto.CredentialsEvent:
				c.setCredentials(ev.Files)
				paired = true
				if err := c.p.cfg.Store.Save(ctx, c.key, ev.Files); err != nil {
					log.WarnContext(ctx, "failed to persist credentials", "error", err)
				}
			case waproto.MessagesEvent:
				c.handleMessages(ctx, ev.Messages)
			case waproto.HistorySyncEvent:
				c.mu.Lock()
				c.contacts += ev.Contacts
				c.messages += ev.Messages
				c.mu.Unlock()
				c.updateSyncProgress(ctx, false)
				c.p.publish(ctx, c.key, eventbus.TopicSyncProgress, map[string]any{
					"contacts": ev.Contacts,
					"messages": ev.Messages,
				})
				if ev.IsLatest && !c.isSyncDone() {
					// Short grace window: late batches can still land
					// before the session is declared fully synced.
					graceCh = arm(c.p.cfg.SyncGracePeriod)
				}
			case waproto.ContactsEvent:
				c.p.publish(ctx, c.key, eventbus.TopicContactsSynced, map[string]any{
					"count": ev.Count,
				})
			case waproto.PresenceEvent:
				c.p.publish(ctx, c.key, eventbus.TopicPresenceUpdate, map[string]any{
					"chat":      ev.Chat,
					"available": ev.Available,
					"last_seen": ev.LastSeen,
				})
			case waproto.TypingEvent:
				c.p.publish(ctx, c.key, eventbus.TopicTypingIndicator, map[string]any{
					"chat":      ev.Chat,
					"composing": ev.Composing,
				})
			case waproto.ReceiptEvent:
				c.p.publish(ctx, c.key, eventbus.TopicMessageStatusUpdate, map[string]any{
					"message_ids": ev.MessageIDs,
					"chat":        ev.Chat,
					"type":        ev.Type,
				})
			}
		}
	}
}

// handleMessages classifies and routes one inbound batch. Any message
// older than the history cutoff is history regardless of its protocol
// kind, so resync batches cannot masquerade as realtime traffic.
func (c *conn) handleMessages(ctx context.Context, messages []waproto.Message) {
	cutoff := c.p.cfg.Clock.Now().Add(-c.p.cfg.HistoryCutoff)
	history := 0
	for _, msg := range messages {
		if msg.Kind == waproto.KindAppend || msg.Timestamp.Before(cutoff) {
			history++
			continue
		}
		if msg.FromMe {
			// API-originated sends were already reported to the caller;
			// only phone-originated outbound is an event.
			if c.p.sentByAPI.Contains(msg.ID) {
				continue
			}
			c.p.publish(ctx, c.key, eventbus.TopicMessageSent, map[string]any{
				"message_id": msg.ID,
				"chat":       msg.Chat,
				"timestamp":  msg.Timestamp,
			})
			continue
		}
		metricsMessagesReceived.Inc()
		c.p.publish(ctx, c.key, eventbus.TopicMessageReceived, map[string]any{
			"message_id": msg.ID,
			"chat":       msg.Chat,
			"sender":     msg.Sender,
			"timestamp":  msg.Timestamp,
			"payload":    msg.Payload,
		})
	}
	if history > 0 {
		if c.isSyncDone() {
			c.p.publish(ctx, c.key, eventbus.TopicHistorySynced, map[string]any{
				"messages": history,
			})
			return
		}
		c.mu.Lock()
		c.messages += history
		c.mu.Unlock()
		c.updateSyncProgress(ctx, false)
		c.p.publish(ctx, c.key, eventbus.TopicMessagesSynced, map[string]any{
			"count": history,
		})
	}
}

// releaseProxyAfterStableOpen returns the egress IP once the session
// has proven stable. Before that the proxy is retained so pairing
// restarts reuse the same IP.
func (c *conn) releaseProxyAfterStableOpen(ctx context.Context, socket waproto.Socket, log logger) {
	if !c.p.cfg.UseProxy || !socket.IsOpen() || !c.isConnectedOnce() {
		return
	}
	c.mu.Lock()
	if c.proxyReleased {
		c.mu.Unlock()
		return
	}
	c.proxyReleased = true
	c.mu.Unlock()
	c.p.cfg.Proxy.ReleaseSession(ctx, c.key)
	log.InfoContext(ctx, "released egress IP after stable open")
}

// finishSync declares the initial import complete.
func (c *conn) finishSync(ctx context.Context, log logger) {
	c.mu.Lock()
	if c.syncDone {
		c.mu.Unlock()
		return
	}
	c.syncDone = true
	c.status = session.StatusConnected
	contacts, messages := c.contacts, c.messages
	c.mu.Unlock()

	c.updateSyncProgress(ctx, true)
	if err := c.p.cfg.States.MarkConnected(ctx, c.key); err != nil {
		log.WarnContext(ctx, "failed to mark connected after sync", "error", err)
	}
	c.p.publish(ctx, c.key, eventbus.TopicHistorySynced, map[string]any{
		"contacts": contacts,
		"messages": messages,
	})
	c.p.publishConnectionUpdate(ctx, c.key, session.StatusConnected)
	log.InfoContext(ctx, "initial import complete", "contacts", contacts, "messages", messages)
}

func (c *conn) updateSyncProgress(ctx context.Context, done bool) {
	c.mu.Lock()
	contacts, messages := c.contacts, c.messages
	c.mu.Unlock()
	if err := c.p.cfg.States.UpdateSyncProgress(ctx, c.key, contacts, messages, done); err != nil {
		c.p.cfg.Log.WarnContext(ctx, "failed to record sync progress",
			"session", c.key, "error", err)
	}
}

func (c *conn) updateState(delta statemgr.Delta) {
	if err := c.p.cfg.States.Update(c.p.ctx, c.key, delta); err != nil && !trace.IsNotFound(err) {
		c.p.cfg.Log.WarnContext(c.p.ctx, "failed to update session state",
			"session", c.key, "error", err)
	}
}
