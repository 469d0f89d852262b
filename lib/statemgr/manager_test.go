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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
)

type testEnv struct {
	manager *Manager
	store   *docstore.Memory
	bus     *eventbus.Memory
	clock   clockwork.Clock
}

func newTestEnv(t *testing.T, clock clockwork.Clock) *testEnv {
	t.Helper()
	store := docstore.NewMemory(clock)
	bus := eventbus.NewMemory()
	manager, err := New(Config{
		Store:       store,
		Emitter:     bus,
		InstanceURL: "https://wahost-1.example.com",
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		Clock:       clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return &testEnv{manager: manager, store: store, bus: bus, clock: clock}
}

func testKey(t *testing.T, userID, phone string) session.Key {
	t.Helper()
	key, err := session.NewKey(userID, phone)
	require.NoError(t, err)
	return key
}

func (e *testEnv) projection(t *testing.T, key session.Key, field string) any {
	t.Helper()
	doc, err := e.store.Get(context.Background(), key.DocPath())
	require.NoError(t, err)
	value, _ := docstore.Field(doc, "whatsapp."+field)
	return value
}

func (e *testEnv) status(t *testing.T, key session.Key) string {
	t.Helper()
	value, _ := e.projection(t, key, "status").(string)
	return value
}

func TestInitializeFirstTime(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{ProxyCountry: "us"}))
	require.Equal(t, string(session.StatusConnecting), env.status(t, key))
	require.Equal(t, "us", env.projection(t, key, "proxy_country"))
	require.Equal(t, "https://wahost-1.example.com", env.projection(t, key, "instance_url"))

	state, ok := env.manager.Get(key)
	require.True(t, ok)
	require.False(t, state.HandshakeCompleted)
	require.False(t, state.SyncCompleted)
}

// A recovery attach must not regress a projection that still says
// connected.
func TestInitializeRecoveryKeepsStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U3", "+447700900123")
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, key.DocPath(), map[string]any{
		"whatsapp": map[string]any{"status": "connected"},
	}))
	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{Recovery: true}))
	require.Equal(t, "connected", env.status(t, key))

	state, ok := env.manager.Get(key)
	require.True(t, ok)
	require.True(t, state.HandshakeCompleted)
	require.True(t, state.SyncCompleted)
}

// First-time pairing: no status but qr_pending surfaces before the
// post-pair restart, and connected is rewritten to importing until the
// initial sync completes. The projection never regresses.
func TestPairingStatusSuppression(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{}))

	// Transient statuses during pairing stay invisible.
	require.NoError(t, env.manager.Update(ctx, key, Delta{Status: session.StatusInitializing}))
	env.manager.Flush(key)
	require.Equal(t, string(session.StatusConnecting), env.status(t, key))

	// The QR prompt is the one thing the user must see.
	require.NoError(t, env.manager.Update(ctx, key, Delta{Status: session.StatusQRPending}))
	env.manager.Flush(key)
	require.Equal(t, string(session.StatusQRPending), env.status(t, key))

	// Post-pair restart observed: statuses flow again, but connected
	// is held back until the import finishes.
	yes := true
	require.NoError(t, env.manager.Update(ctx, key, Delta{
		HandshakeCompleted: &yes,
		Status:             session.StatusConnected,
	}))
	env.manager.Flush(key)
	require.Equal(t, string(session.StatusImportingMessages), env.status(t, key))

	require.NoError(t, env.manager.UpdateSyncProgress(ctx, key, 120, 4500, true))
	require.NoError(t, env.manager.MarkConnected(ctx, key))
	env.manager.Flush(key)
	require.Equal(t, string(session.StatusConnected), env.status(t, key))
	require.Equal(t, "completed", env.projection(t, key, "sync_status"))
	require.EqualValues(t, 4500, env.projection(t, key, "sync_messages_count"))
}

// Dotted writes must not clear unrelated fields of the same document.
func TestProjectionPreservesSiblings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, key.DocPath(), map[string]any{
		"profile":  map[string]any{"display_name": "Ada"},
		"whatsapp": map[string]any{"webhook_url": "https://hooks.example.com/u1"},
	}))
	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{}))
	require.NoError(t, env.manager.Update(ctx, key, Delta{Status: session.StatusQRPending}))
	env.manager.Flush(key)

	doc, err := env.store.Get(ctx, key.DocPath())
	require.NoError(t, err)
	name, _ := docstore.Field(doc, "profile.display_name")
	require.Equal(t, "Ada", name)
	webhook, _ := docstore.Field(doc, "whatsapp.webhook_url")
	require.Equal(t, "https://hooks.example.com/u1", webhook)
}

// Repair writes land even while the pairing gate is still
// suppressing regular status transitions.
func TestForceStatusBypassesPairingSuppression(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{}))

	// Regular updates are gated until the handshake completes.
	require.NoError(t, env.manager.Update(ctx, key, Delta{Status: session.StatusRestarting}))
	env.manager.Flush(key)
	require.Equal(t, "connecting", env.status(t, key))

	require.NoError(t, env.manager.ForceStatus(ctx, key, session.StatusDisconnected))
	env.manager.Flush(key)
	require.Equal(t, "disconnected", env.status(t, key))

	state, ok := env.manager.Get(key)
	require.True(t, ok)
	require.Equal(t, session.StatusDisconnected, state.Status)
}

// A deleted projection stays deleted when the last word is terminal.
func TestTerminalWriteSkippedWhenDocDeleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{}))
	require.NoError(t, env.store.Delete(ctx, key.DocPath()))

	require.NoError(t, env.manager.MarkDisconnected(ctx, key, "user requested"))
	env.manager.Flush(key)

	_, err := env.store.Get(ctx, key.DocPath())
	require.True(t, trace.IsNotFound(err))
	require.Empty(t, env.bus.TopicEvents(eventbus.TopicPersistFailed))
}

// An active-status write against a missing document retries, then
// gives up with a persist_failed event.
func TestActiveWriteEmitsPersistFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{}))
	require.NoError(t, env.store.Delete(ctx, key.DocPath()))

	require.NoError(t, env.manager.Update(ctx, key, Delta{Status: session.StatusQRPending}))
	require.Eventually(t, func() bool {
		return len(env.bus.TopicEvents(eventbus.TopicPersistFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	event := env.bus.TopicEvents(eventbus.TopicPersistFailed)[0]
	require.Equal(t, key.DocPath(), event.Payload["doc_path"])
}

func TestHeartbeatOnlyWhileConnected(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	env := newTestEnv(t, clock)
	key := testKey(t, "U3", "+447700900123")
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, key.DocPath(), map[string]any{
		"whatsapp": map[string]any{"status": "connected"},
	}))
	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{Recovery: true}))
	require.NoError(t, env.manager.MarkConnected(ctx, key))
	env.manager.Flush(key)

	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		hb, _ := env.projection(t, key, "last_heartbeat").(time.Time)
		return !hb.IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMarkDisconnectedEvictsAfterDelay(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	env := newTestEnv(t, clock)
	key := testKey(t, "U3", "+447700900123")
	ctx := context.Background()

	require.NoError(t, env.store.Set(ctx, key.DocPath(), map[string]any{
		"whatsapp": map[string]any{"status": "connected"},
	}))
	require.NoError(t, env.manager.Initialize(ctx, key, InitOptions{Recovery: true}))
	require.NoError(t, env.manager.MarkDisconnected(ctx, key, "socket closed"))
	env.manager.Flush(key)
	require.Equal(t, "disconnected", env.status(t, key))
	require.Equal(t, "socket closed", env.projection(t, key, "last_error"))

	// Still present during the linger window.
	_, ok := env.manager.Get(key)
	require.True(t, ok)

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := env.manager.Get(key)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoverAllSkipsLoggedOut(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, clockwork.NewRealClock())
	ctx := context.Background()
	connected := testKey(t, "U3", "+447700900123")
	loggedOut := testKey(t, "U4", "+819012345678")

	require.NoError(t, env.store.Set(ctx, connected.DocPath(), map[string]any{
		"whatsapp": map[string]any{
			"status":        "connected",
			"proxy_country": "gb",
		},
	}))
	require.NoError(t, env.store.Set(ctx, loggedOut.DocPath(), map[string]any{
		"whatsapp": map[string]any{"status": "logged_out"},
	}))

	states, err := env.manager.RecoverAll(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, connected, states[0].Key)
	require.Equal(t, session.StatusConnected, states[0].Status)
	require.Equal(t, "gb", states[0].ProxyCountry)
	require.True(t, states[0].HandshakeCompleted)
	require.True(t, states[0].SyncCompleted)
	require.True(t, states[0].IsRecovery)
}
