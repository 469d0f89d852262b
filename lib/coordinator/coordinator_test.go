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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/wahost/lib/docstore"
	"github.com/gravitational/wahost/lib/session"
)

type testInstance struct {
	*Coordinator
	store *docstore.Memory
	clock *clockwork.FakeClock
	conns int
}

func newTestInstance(t *testing.T, id string, store *docstore.Memory, clock *clockwork.FakeClock) *testInstance {
	t.Helper()
	ti := &testInstance{store: store, clock: clock}
	coordinator, err := New(Config{
		Store:           store,
		InstanceID:      id,
		Hostname:        id + ".local",
		InstanceURL:     "https://" + id + ".example.com",
		MaxSessions:     10,
		InstanceTimeout: time.Minute,
		ConnectionCount: func() int { return ti.conns },
		Sampler:         func() (float64, float64) { return 0.1, 0.1 },
		Clock:           clock,
	})
	require.NoError(t, err)
	ti.Coordinator = coordinator
	require.NoError(t, coordinator.Start(context.Background()))
	t.Cleanup(func() { coordinator.Close() })
	return ti
}

func testKey(t *testing.T, userID, phone string) session.Key {
	t.Helper()
	key, err := session.NewKey(userID, phone)
	require.NoError(t, err)
	return key
}

func TestRequestOwnership(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	b := newTestInstance(t, "instance-b", store, clock)
	key := testKey(t, "U4", "+819012345678")
	ctx := context.Background()

	require.NoError(t, a.RequestOwnership(ctx, key))

	// Re-acquiring one's own claim is idempotent.
	require.NoError(t, a.RequestOwnership(ctx, key))

	// A live peer is refused and told where to go.
	err := b.RequestOwnership(ctx, key)
	require.True(t, IsDenied(err))
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "instance-a", denied.OwnerID)
	require.Equal(t, "https://instance-a.example.com", denied.OwnerURL)

	require.NoError(t, a.ReleaseOwnership(ctx, key))
	require.NoError(t, b.RequestOwnership(ctx, key))
	owner, err := b.Owner(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-b", owner)
}

// Instance A stops heartbeating; once its record goes stale past the
// instance timeout, B's acquisition takes the session over.
func TestOwnershipTakeover(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	b := newTestInstance(t, "instance-b", store, clock)
	key := testKey(t, "U4", "+819012345678")
	ctx := context.Background()

	require.NoError(t, a.RequestOwnership(ctx, key))

	// Heartbeats have stopped; time passes beyond the timeout. B's
	// record is refreshed so it still counts as alive.
	clock.Advance(2 * time.Minute)
	require.NoError(t, b.writeHeartbeat(ctx))

	require.NoError(t, b.RequestOwnership(ctx, key))
	owner, err := b.Owner(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-b", owner)
}

func TestRequestOwnershipAtCapacity(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	a.conns = 10

	err := a.RequestOwnership(context.Background(), testKey(t, "U1", "+12025550101"))
	require.True(t, trace.IsLimitExceeded(err))
}

func TestReleaseOwnershipLeavesForeignClaims(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	b := newTestInstance(t, "instance-b", store, clock)
	key := testKey(t, "U4", "+819012345678")
	ctx := context.Background()

	require.NoError(t, a.RequestOwnership(ctx, key))
	// B releasing a claim it does not hold is a no-op.
	require.NoError(t, b.ReleaseOwnership(ctx, key))
	owner, err := a.Owner(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-a", owner)

	// Releasing twice is fine.
	require.NoError(t, a.ReleaseOwnership(ctx, key))
	require.NoError(t, a.ReleaseOwnership(ctx, key))
	_, err = a.Owner(ctx, key)
	require.True(t, trace.IsNotFound(err))
}

// The cleanup sweep marks a silent instance failed and frees all of
// its ownership records in one pass.
func TestCleanupStaleInstances(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	b := newTestInstance(t, "instance-b", store, clock)
	ctx := context.Background()

	key1 := testKey(t, "U4", "+819012345678")
	key2 := testKey(t, "U5", "+12025550117")
	require.NoError(t, a.RequestOwnership(ctx, key1))
	require.NoError(t, a.RequestOwnership(ctx, key2))

	clock.Advance(2 * time.Minute)
	require.NoError(t, b.writeHeartbeat(ctx))
	require.NoError(t, b.CleanupStaleInstances(ctx))

	doc, err := store.Get(ctx, instancePath("instance-a"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, docstore.StringField(doc, "status"))

	for _, key := range []session.Key{key1, key2} {
		_, err := b.Owner(ctx, key)
		require.True(t, trace.IsNotFound(err), "ownership for %v should be released", key)
	}

	// With the records gone, B acquires cleanly.
	require.NoError(t, b.RequestOwnership(ctx, key1))
}

func TestBestInstanceFor(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)
	a := newTestInstance(t, "instance-a", store, clock)
	b := newTestInstance(t, "instance-b", store, clock)
	key := testKey(t, "U1", "+12025550101")
	ctx := context.Background()

	// A is busier than B.
	a.conns, b.conns = 7, 2
	require.NoError(t, a.writeHeartbeat(ctx))
	require.NoError(t, b.writeHeartbeat(ctx))

	best, err := a.BestInstanceFor(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-b", best.ID)

	// A stale instance drops out of consideration.
	clock.Advance(2 * time.Minute)
	require.NoError(t, a.writeHeartbeat(ctx))
	best, err = a.BestInstanceFor(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "instance-a", best.ID)
}

func TestBestInstanceForResourceBased(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := docstore.NewMemory(clock)

	busy := &testInstance{store: store, clock: clock}
	coordinator, err := New(Config{
		Store:           store,
		InstanceID:      "instance-busy",
		MaxSessions:     10,
		Strategy:        StrategyResourceBased,
		InstanceTimeout: time.Minute,
		ConnectionCount: func() int { return 0 },
		Sampler:         func() (float64, float64) { return 0.9, 0.8 },
		Clock:           clock,
	})
	require.NoError(t, err)
	busy.Coordinator = coordinator
	require.NoError(t, coordinator.Start(context.Background()))
	t.Cleanup(func() { coordinator.Close() })

	idle := newTestInstance(t, "instance-idle", store, clock)
	_ = idle

	best, err := coordinator.BestInstanceFor(context.Background(), testKey(t, "U1", "+12025550101"))
	require.NoError(t, err)
	require.Equal(t, "instance-idle", best.ID)
}
