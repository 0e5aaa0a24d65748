package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/auditorctl/pkg/store"
)

func newDriver(t *testing.T, coordinator store.Coordinator, nodeID string) *Driver {
	t.Helper()
	return New(coordinator, store.NewKeys("test:"), Config{
		NodeID:            nodeID,
		LeaseTTL:          time.Second,
		NodeHealthTTL:     time.Second,
		MissedBeaconLimit: 3,
	})
}

func TestAttemptLeadershipSoloClaims(t *testing.T) {
	f := store.NewFake()
	d := newDriver(t, f, "node-a")
	ctx := context.Background()

	assert.True(t, d.AttemptLeadership(ctx))
	assert.True(t, d.IsLeader())

	val, found, err := f.Get(ctx, "test:leader")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "node-a", val)
}

func TestAttemptLeadershipSecondNodeBecomesFollower(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	b := newDriver(t, f, "node-b")
	ctx := context.Background()

	assert.True(t, a.AttemptLeadership(ctx))
	assert.False(t, b.AttemptLeadership(ctx))
	assert.False(t, b.IsLeader())
}

func TestAttemptLeadershipReconvergesOnOwnLease(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	require.True(t, a.AttemptLeadership(ctx))
	// Second call: SetIfAbsent now fails (key exists) but it's our key.
	assert.True(t, a.AttemptLeadership(ctx))
	assert.True(t, a.IsLeader())
}

func TestAbdicateThenReattemptYieldsLeadership(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	require.True(t, a.AttemptLeadership(ctx))
	assert.True(t, a.Abdicate(ctx))
	assert.False(t, a.IsLeader())

	_, found, err := f.Get(ctx, "test:leader")
	require.NoError(t, err)
	assert.False(t, found)

	assert.True(t, a.AttemptLeadership(ctx))
}

func TestBeaconRenewsLeaseForLeader(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	require.True(t, a.AttemptLeadership(ctx))
	assert.True(t, a.Beacon(ctx))
	assert.Equal(t, 0, a.MissedBeacons())

	val, found, err := f.Get(ctx, "test:node/node-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, val, "alive:")
}

func TestBeaconIncrementsHeartbeatCounter(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	assert.True(t, a.Beacon(ctx))
	assert.True(t, a.Beacon(ctx))

	val, found, err := f.Get(ctx, "test:heartbeat_count")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", val)
}

func TestBeaconDemotesWhenLeaseStolen(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	require.True(t, a.AttemptLeadership(ctx))
	// Simulate the lease expiring and another node claiming it.
	require.NoError(t, f.Delete(ctx, "test:leader"))
	require.NoError(t, f.Set(ctx, "test:leader", "node-b", time.Minute))

	assert.False(t, a.Beacon(ctx))
	assert.False(t, a.IsLeader())
}

func TestActiveNodeCount(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	b := newDriver(t, f, "node-b")
	ctx := context.Background()

	require.True(t, a.Beacon(ctx))
	require.True(t, b.Beacon(ctx))

	count, err := a.ActiveNodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// failingSetCoordinator wraps a Fake and, once failSet is true, fails
// every Set call.
type failingSetCoordinator struct {
	*store.Fake
	failSet bool
}

func (c *failingSetCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.failSet {
		return errors.New("store unavailable")
	}
	return c.Fake.Set(ctx, key, value, ttl)
}

func TestMissedBeaconOverflowForcesAbdication(t *testing.T) {
	f := &failingSetCoordinator{Fake: store.NewFake()}
	a := newDriver(t, f, "node-a")
	ctx := context.Background()
	require.True(t, a.AttemptLeadership(ctx))

	// Fail every Set so each beacon errors on its health-key write while
	// node-a is still leader; the third consecutive miss forces abdication.
	f.failSet = true
	for i := 0; i < 3; i++ {
		assert.False(t, a.Beacon(ctx))
	}

	assert.False(t, a.IsLeader())
	assert.GreaterOrEqual(t, a.MissedBeacons(), 3)

	_, found, err := f.Get(ctx, "test:leader")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCleanupRemovesHealthKeyAndAbdicates(t *testing.T) {
	f := store.NewFake()
	a := newDriver(t, f, "node-a")
	ctx := context.Background()

	require.True(t, a.AttemptLeadership(ctx))
	require.True(t, a.Beacon(ctx))

	a.Cleanup(ctx)

	_, found, err := f.Get(ctx, "test:node/node-a")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = f.Get(ctx, "test:leader")
	require.NoError(t, err)
	assert.False(t, found)
}
