// Package consensus implements lease-based leader election and node
// health advertisement against the coordination store: a SETNX-claimed
// leader key renewed by its holder, ephemeral per-node liveness keys,
// and a missed-beacon counter that forces abdication when the store
// goes quiet.
package consensus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/auditorctl/pkg/log"
	"github.com/cuemby/auditorctl/pkg/store"
	"github.com/cuemby/auditorctl/pkg/types"
)

// Driver reconciles a node's local role with the coordination store's
// view of leadership. It is safe for concurrent use by the consensus
// and beacon loops, which both touch the leader key without
// in-process coordination: correctness rests on the store's per-key
// linearizability.
type Driver struct {
	coordinator store.Coordinator
	keys        store.Keys
	nodeID      string
	leaseTTL    time.Duration
	nodeTTL     time.Duration
	missThresh  int

	logger zerolog.Logger

	mu            sync.Mutex
	isLeader      bool
	missedBeacons int
}

// Config configures a Driver.
type Config struct {
	NodeID            string
	LeaseTTL          time.Duration
	NodeHealthTTL     time.Duration
	MissedBeaconLimit int
}

// New constructs a Driver bound to coordinator under keys.
func New(coordinator store.Coordinator, keys store.Keys, cfg Config) *Driver {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = types.DefaultLeaseTTL
	}
	if cfg.NodeHealthTTL <= 0 {
		cfg.NodeHealthTTL = types.DefaultNodeHealthTTL
	}
	if cfg.MissedBeaconLimit <= 0 {
		cfg.MissedBeaconLimit = types.DefaultMissedBeaconThresh
	}
	return &Driver{
		coordinator: coordinator,
		keys:        keys,
		nodeID:      cfg.NodeID,
		leaseTTL:    cfg.LeaseTTL,
		nodeTTL:     cfg.NodeHealthTTL,
		missThresh:  cfg.MissedBeaconLimit,
		logger:      log.WithComponent("consensus").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// IsLeader reports this node's last-known role.
func (d *Driver) IsLeader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isLeader
}

// MissedBeacons returns the current consecutive-failure count.
func (d *Driver) MissedBeacons() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missedBeacons
}

// AttemptLeadership tries to claim or re-converge on leadership. It
// returns true iff this node is leader after the call.
func (d *Driver) AttemptLeadership(ctx context.Context) bool {
	claimed, err := d.coordinator.SetIfAbsent(ctx, d.keys.Leader, d.nodeID, d.leaseTTL)
	if err != nil {
		d.logger.Error().Err(err).Msg("leadership attempt failed")
		d.setLeader(false)
		return false
	}

	if claimed {
		wasLeader := d.IsLeader()
		d.setLeader(true)
		d.resetMissedBeacons()
		if !wasLeader {
			d.logger.Info().Msg("claimed leadership")
		}
		return true
	}

	current, found, err := d.coordinator.Get(ctx, d.keys.Leader)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read leader key after failed claim")
		d.setLeader(false)
		return false
	}

	if found && current == d.nodeID {
		// Re-convergence after a transient write failure: the lease is
		// still ours even though SetIfAbsent reported it pre-existing.
		d.setLeader(true)
		return true
	}

	if d.IsLeader() {
		d.logger.Info().Str("new_leader", current).Msg("lost leadership")
	}
	d.setLeader(false)
	return false
}

// Beacon refreshes this node's health key and the global heartbeat
// counter, and, if this node is leader, renews the lease. Returns
// false if any step failed; a failure increments the missed-beacon
// counter and, for a leader past the threshold, forces abdication.
func (d *Driver) Beacon(ctx context.Context) bool {
	if err := d.registerHealth(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("health registration failed")
		return d.recordBeaconFailure(ctx)
	}

	if _, err := d.coordinator.Increment(ctx, d.keys.HeartbeatCount); err != nil {
		d.logger.Warn().Err(err).Msg("heartbeat counter increment failed")
		return d.recordBeaconFailure(ctx)
	}

	if !d.IsLeader() {
		d.resetMissedBeacons()
		return true
	}

	current, found, err := d.coordinator.Get(ctx, d.keys.Leader)
	if err != nil {
		d.logger.Warn().Err(err).Msg("leader key read failed during beacon")
		return d.recordBeaconFailure(ctx)
	}

	if found && current == d.nodeID {
		if err := d.coordinator.Set(ctx, d.keys.Leader, d.nodeID, d.leaseTTL); err != nil {
			d.logger.Warn().Err(err).Msg("lease renewal failed")
			return d.recordBeaconFailure(ctx)
		}
		d.resetMissedBeacons()
		return true
	}

	d.logger.Warn().Msg("lost leadership during beacon")
	d.setLeader(false)
	d.recordBeaconFailure(ctx)
	return false
}

func (d *Driver) registerHealth(ctx context.Context) error {
	value := types.NodeHealthValuePrefix + strconv.FormatInt(time.Now().Unix(), 10)
	return d.coordinator.Set(ctx, d.keys.NodeHealthKey(d.nodeID), value, d.nodeTTL)
}

// recordBeaconFailure increments the miss counter and, if this node is
// leader and the threshold is crossed, forces an abdication.
func (d *Driver) recordBeaconFailure(ctx context.Context) bool {
	d.mu.Lock()
	d.missedBeacons++
	overflow := d.isLeader && d.missedBeacons >= d.missThresh
	d.mu.Unlock()

	if overflow {
		d.logger.Error().Int("missed", d.MissedBeacons()).Msg("missed-beacon threshold exceeded, forcing abdication")
		d.Abdicate(ctx)
	}
	return false
}

// Abdicate relinquishes leadership if this node currently holds the
// lease, verified by reading the leader key and comparing it with this
// node's id before deleting it. The read and the delete are two
// separate store calls, not one atomic operation.
func (d *Driver) Abdicate(ctx context.Context) bool {
	if !d.IsLeader() {
		d.setLeader(false)
		return true
	}

	current, found, err := d.coordinator.Get(ctx, d.keys.Leader)
	if err != nil {
		d.logger.Error().Err(err).Msg("abdication read failed")
		return false
	}

	if found && current == d.nodeID {
		if err := d.coordinator.Delete(ctx, d.keys.Leader); err != nil {
			d.logger.Error().Err(err).Msg("abdication delete failed")
			return false
		}
		d.logger.Info().Msg("abdicated leadership")
		d.setLeader(false)
		return true
	}

	d.logger.Warn().Msg("cannot abdicate, not current leader")
	d.setLeader(false)
	return false
}

// Cleanup runs on shutdown: abdicate if leader, then remove this
// node's health key.
func (d *Driver) Cleanup(ctx context.Context) {
	if d.IsLeader() {
		d.Abdicate(ctx)
	}
	if err := d.coordinator.Delete(ctx, d.keys.NodeHealthKey(d.nodeID)); err != nil {
		d.logger.Error().Err(err).Msg("cleanup failed to remove node health key")
		return
	}
	d.logger.Info().Msg("cleanup complete")
}

// ActiveNodeCount counts live node/* keys. Nothing in the runtime
// branches on its value; it exists for observability.
func (d *Driver) ActiveNodeCount(ctx context.Context) (int, error) {
	keys, err := d.coordinator.ScanPrefix(ctx, d.keys.NodeHealthAddr)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (d *Driver) setLeader(v bool) {
	d.mu.Lock()
	d.isLeader = v
	d.mu.Unlock()
}

func (d *Driver) resetMissedBeacons() {
	d.mu.Lock()
	d.missedBeacons = 0
	d.mu.Unlock()
}
