// Package supervisor wires the consensus driver to the scheduler and
// executor loops, switching the active role loop as leadership
// changes. It runs three goroutines (consensus, beacon, and whichever
// role loop is active) synchronized on a shared stop channel.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/auditorctl/pkg/consensus"
	"github.com/cuemby/auditorctl/pkg/log"
	"github.com/cuemby/auditorctl/pkg/metrics"
	"github.com/cuemby/auditorctl/pkg/types"
)

// RoleLoop is the capability shared by the scheduler and executor
// loops: the supervisor dispatches to whichever implementation matches
// the current role without knowing which one it is.
type RoleLoop interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// Config configures a Supervisor.
type Config struct {
	NodeID            string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Supervisor runs the consensus loop, the beacon loop, and whichever of
// the leader/follower role loops currently matches this node's role.
type Supervisor struct {
	driver   *consensus.Driver
	leader   RoleLoop
	follower RoleLoop
	cfg      Config
	logger   zerolog.Logger

	mu          sync.Mutex
	running     bool
	currentRole types.Role
	activeLoop  RoleLoop
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Supervisor. leaderLoop runs while this node holds
// leadership; followerLoop runs otherwise.
func New(driver *consensus.Driver, leaderLoop, followerLoop RoleLoop, cfg Config) *Supervisor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = types.DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = types.DefaultHeartbeatInterval
	}
	return &Supervisor{
		driver:      driver,
		leader:      leaderLoop,
		follower:    followerLoop,
		cfg:         cfg,
		logger:      log.WithComponent("supervisor").With().Str("node_id", cfg.NodeID).Logger(),
		currentRole: types.RoleUnset,
	}
}

// Start launches the consensus loop, beacon loop, and the initial role
// loop. It returns immediately; the loops run in the background until
// Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().Msg("supervisor starting")
	metrics.UpdateComponent("supervisor", true, "running")

	s.wg.Add(2)
	go s.consensusLoop(ctx)
	go s.beaconLoop(ctx)
}

// Stop halts every loop: it clears the run flag, stops the active role
// loop, runs consensus cleanup (abdicate + remove health key), and
// joins the background goroutines within a bounded timeout.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	active := s.activeLoop
	s.mu.Unlock()

	metrics.UpdateComponent("supervisor", false, "stopped")

	if active != nil {
		active.Stop()
	}

	s.driver.Cleanup(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(types.DefaultRoleChangeJoinWindow):
		s.logger.Warn().Msg("supervisor loops did not exit within grace period")
	}

	s.logger.Info().Msg("supervisor stopped")
}

// consensusLoop repeatedly attempts to claim leadership (or confirms
// the lease it already holds; renewal itself happens in the beacon
// loop) and switches the active role loop whenever the role changes,
// ticking at half the lease TTL.
func (s *Supervisor) consensusLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.LeaseTTL / 2
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.reconcileRole(ctx)

	for {
		select {
		case <-ticker.C:
			s.reconcileRole(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) reconcileRole(ctx context.Context) {
	isLeader := s.driver.AttemptLeadership(ctx)
	newRole := types.RoleFollower
	if isLeader {
		newRole = types.RoleLeader
		metrics.Role.Set(1)
	} else {
		metrics.Role.Set(0)
	}

	s.mu.Lock()
	changed := newRole != s.currentRole
	s.mu.Unlock()

	if changed {
		s.handleRoleChange(ctx, newRole)
	}
}

// handleRoleChange stops the outgoing role loop (bounded wait) and
// starts the incoming one.
func (s *Supervisor) handleRoleChange(ctx context.Context, newRole types.Role) {
	s.mu.Lock()
	previous := s.currentRole
	outgoing := s.activeLoop
	s.mu.Unlock()

	s.logger.Info().
		Str("from", string(previous)).
		Str("to", string(newRole)).
		Msg("role change")
	metrics.RoleTransitionsTotal.WithLabelValues(string(newRole)).Inc()

	if outgoing != nil {
		outgoing.Stop()
	}

	var incoming RoleLoop
	if newRole == types.RoleLeader {
		incoming = s.leader
	} else {
		incoming = s.follower
	}

	if err := incoming.Start(ctx); err != nil {
		s.logger.Error().Err(err).Str("role", string(newRole)).Msg("failed to start role loop")
		return
	}

	s.mu.Lock()
	s.currentRole = newRole
	s.activeLoop = incoming
	s.mu.Unlock()
}

// beaconLoop renews this node's health key and, if leader, its lease,
// on every node regardless of role. It also refreshes the active-node
// gauge from a liveness-key scan on each tick.
func (s *Supervisor) beaconLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ok := s.driver.Beacon(ctx)
			metrics.HeartbeatCountTotal.Inc()
			metrics.MissedBeacons.Set(float64(s.driver.MissedBeacons()))
			if ok {
				metrics.UpdateComponent("store", true, "")
				metrics.UpdateComponent("consensus", true, "")
			} else {
				metrics.UpdateComponent("store", false, "beacon failed")
				metrics.UpdateComponent("consensus", false, "beacon failed")
			}
			if count, err := s.driver.ActiveNodeCount(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("active node count scan failed")
			} else {
				metrics.ActiveNodeCount.Set(float64(count))
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CurrentRole returns the supervisor's last-reconciled role.
func (s *Supervisor) CurrentRole() types.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRole
}
