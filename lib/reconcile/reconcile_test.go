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

package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/eventbus"
	"github.com/gravitational/wahost/lib/session"
	"github.com/gravitational/wahost/lib/statemgr"
)

type fakePool struct {
	sockets map[session.Key]bool
}

func (f *fakePool) HasSocket(key session.Key) bool {
	return f.sockets[key]
}

type reconcileEnv struct {
	reconciler *Reconciler
	docs       *docstore.Memory
	bus        *eventbus.Memory
	states     *statemgr.Manager
	pool       *fakePool
}

func newReconcileEnv(t *testing.T) *reconcileEnv {
	t.Helper()
	docs := docstore.NewMemory(nil)
	bus := eventbus.NewMemory()
	states, err := statemgr.New(statemgr.Config{
		Store:       docs,
		Emitter:     bus,
		InstanceURL: "https://wahost-1.example.com",
		RetryDelays: []time.Duration{time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	pool := &fakePool{sockets: make(map[session.Key]bool)}
	reconciler, err := New(Config{
		Pool:    pool,
		States:  states,
		Store:   docs,
		Emitter: bus,
	})
	require.NoError(t, err)
	return &reconcileEnv{
		reconciler: reconciler,
		docs:       docs,
		bus:        bus,
		states:     states,
		pool:       pool,
	}
}

func reconcileKey(t *testing.T, userID, phone string) session.Key {
	t.Helper()
	key, err := session.NewKey(userID, phone)
	require.NoError(t, err)
	return key
}

func (e *reconcileEnv) setProjection(t *testing.T, key session.Key, status string, age time.Duration) {
	t.Helper()
	require.NoError(t, e.docs.Set(context.Background(), key.DocPath(), map[string]any{
		"whatsapp": map[string]any{
			"status":       status,
			"last_updated": time.Now().UTC().Add(-age),
		},
	}))
}

func (e *reconcileEnv) projectionField(t *testing.T, key session.Key, field string) any {
	t.Helper()
	doc, err := e.docs.Get(context.Background(), key.DocPath())
	require.NoError(t, err)
	value, _ := docstore.Field(doc, "whatsapp."+field)
	return value
}

// A projection that disagrees with the in-memory state is rewritten to
// the in-memory truth.
func TestSweepFixesStatusMismatch(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	key := reconcileKey(t, "U3", "+447700900123")

	env.setProjection(t, key, "connected", 0)
	require.NoError(t, env.states.Initialize(ctx, key, statemgr.InitOptions{Recovery: true}))
	require.NoError(t, env.states.MarkConnected(ctx, key))
	env.states.Flush(key)

	// Someone else clobbered the projection.
	require.NoError(t, env.docs.Update(ctx, key.DocPath(), []docstore.Update{
		{Path: "whatsapp.status", Value: "connecting"},
	}))
	env.pool.sockets[key] = true

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, RuleMismatch, drifts[0].Rule)
	require.True(t, drifts[0].Fixed)
	require.Equal(t, "connected", env.projectionField(t, key, "status"))
}

// A projection claiming connected with nothing behind it is marked
// disconnected, unless the race guard finds a live socket.
func TestSweepGhostConnected(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	ghost := reconcileKey(t, "U1", "+12025550101")
	racing := reconcileKey(t, "U2", "+12025550142")

	env.setProjection(t, ghost, "connected", time.Minute)
	env.setProjection(t, racing, "connected", time.Minute)
	env.pool.sockets[racing] = true

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, RuleGhost, drifts[0].Rule)
	require.Equal(t, ghost, drifts[0].Key)
	require.Equal(t, "disconnected", env.projectionField(t, ghost, "status"))
	require.Equal(t, "connected", env.projectionField(t, racing, "status"))
}

// Sessions parked in connecting with no socket for too long are aged
// out; the user must retry since the root cause may be unresolved.
func TestSweepStuckConnecting(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	stuck := reconcileKey(t, "U1", "+12025550101")
	fresh := reconcileKey(t, "U2", "+12025550142")

	env.setProjection(t, stuck, "connecting", 3*time.Minute)
	env.setProjection(t, fresh, "connecting", 10*time.Second)

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, RuleStuckConnecting, drifts[0].Rule)
	require.Equal(t, "disconnected", env.projectionField(t, stuck, "status"))
	require.Equal(t, "connecting", env.projectionField(t, fresh, "status"))
}

// A tracked first-time session parked in connecting is repaired even
// though its pairing never completed; the correction must not be
// swallowed by the pairing status gate.
func TestSweepStuckConnectingTracked(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	key := reconcileKey(t, "U4", "+12025550117")

	require.NoError(t, env.states.Initialize(ctx, key, statemgr.InitOptions{}))
	env.setProjection(t, key, "connecting", 3*time.Minute)

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, RuleStuckConnecting, drifts[0].Rule)
	require.True(t, drifts[0].Fixed)
	require.Equal(t, "disconnected", env.projectionField(t, key, "status"))

	state, ok := env.states.Get(key)
	require.True(t, ok)
	require.Equal(t, session.StatusDisconnected, state.Status)
}

// An import whose terminal batch never arrived is forced to connected
// with a completed sync marker.
func TestSweepStuckImport(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	key := reconcileKey(t, "U1", "+12025550101")

	env.setProjection(t, key, "importing_messages", 2*time.Minute)

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, RuleStuckImport, drifts[0].Rule)
	require.Equal(t, "connected", env.projectionField(t, key, "status"))
	require.Equal(t, "completed", env.projectionField(t, key, "sync_status"))
}

func TestSweepCleanStateFindsNothing(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	key := reconcileKey(t, "U3", "+447700900123")

	env.setProjection(t, key, "connected", 0)
	require.NoError(t, env.states.Initialize(ctx, key, statemgr.InitOptions{Recovery: true}))
	require.NoError(t, env.states.MarkConnected(ctx, key))
	env.states.Flush(key)
	env.pool.sockets[key] = true

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

// More than the alert threshold of drifts in one sweep raises a
// fleet-level alert event.
func TestSweepRaisesAlert(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		key := reconcileKey(t, fmt.Sprintf("U%d", i), fmt.Sprintf("+1202555%04d", i))
		env.setProjection(t, key, "connected", time.Minute)
	}

	drifts, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 12)

	alerts := env.bus.TopicEvents(eventbus.TopicReconcileAlert)
	require.Len(t, alerts, 1)
	require.EqualValues(t, 12, alerts[0].Payload["drifts"])
}

func TestDriftHistoryBounded(t *testing.T) {
	t.Parallel()

	env := newReconcileEnv(t)
	ctx := context.Background()
	env.reconciler.cfg.HistorySize = 5

	for i := 0; i < 8; i++ {
		key := reconcileKey(t, fmt.Sprintf("U%d", i), fmt.Sprintf("+1202555%04d", i))
		env.setProjection(t, key, "connected", time.Minute)
	}

	_, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	history := env.reconciler.History()
	require.Len(t, history, 5)
	require.Equal(t, RuleGhost, history[0].Rule)
}
