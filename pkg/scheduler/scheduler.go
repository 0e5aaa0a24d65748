// Package scheduler implements the leader-only scheduling loop: graph
// search, randomised admission filter, and queue push.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/auditorctl/pkg/log"
	"github.com/cuemby/auditorctl/pkg/metrics"
	"github.com/cuemby/auditorctl/pkg/pipeline"
	"github.com/cuemby/auditorctl/pkg/store"
	"github.com/cuemby/auditorctl/pkg/types"
)

// Config configures a Loop.
type Config struct {
	NodeID         string
	CycleInterval  time.Duration
	AdmitFraction  float64
	WorkQueueKey   string
}

// Loop is the leader-only scheduling loop. It implements the shared
// role capability {Start, Stop, IsRunning} the process supervisor
// dispatches to.
type Loop struct {
	coordinator store.Coordinator
	source      pipeline.CandidateSource
	cfg         Config
	rng         *rand.Rand
	logger      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a scheduling Loop.
func New(coordinator store.Coordinator, source pipeline.CandidateSource, cfg Config) *Loop {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = types.DefaultGraphSearchInterval
	}
	if cfg.AdmitFraction <= 0 {
		cfg.AdmitFraction = types.DefaultAdmitFraction
	}
	return &Loop{
		coordinator: coordinator,
		source:      source,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      log.WithComponent("scheduler").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// Start launches the scheduling loop in a background goroutine. It is
// a no-op if the loop is already running.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	l.logger.Info().Msg("scheduler loop started")
	go l.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish its current
// cycle, up to a bounded grace period.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(types.DefaultRoleChangeJoinWindow):
		l.logger.Warn().Msg("scheduler loop did not exit within grace period")
	}
}

// IsRunning reports whether the loop is currently active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.doneCh)
		l.mu.Unlock()
		l.logger.Info().Msg("scheduler loop stopped")
	}()

	ticker := time.NewTicker(l.cfg.CycleInterval)
	defer ticker.Stop()

	l.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			l.runCycle(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingCycleDuration)

	candidates, err := l.source.Candidates(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("candidate search failed")
		return
	}
	if len(candidates) == 0 {
		l.logger.Debug().Msg("no candidates this cycle")
		return
	}
	metrics.CandidatesFoundTotal.Add(float64(len(candidates)))

	selected := l.admit(candidates)
	if len(selected) == 0 {
		return
	}

	n, err := l.coordinator.AppendTail(ctx, l.cfg.WorkQueueKey, selected...)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to push tasks to queue")
		return
	}
	metrics.TasksScheduledTotal.Add(float64(len(selected)))

	l.logger.Info().
		Int("candidates", len(candidates)).
		Int("scheduled", len(selected)).
		Int64("queue_depth", n).
		Int64("duration_ms", timer.Duration().Milliseconds()).
		Msg("scheduling cycle complete")
}

// admit applies the randomised admission filter: select
// max(1, floor(len(candidates) * admitFraction)) distinct candidates.
func (l *Loop) admit(candidates []string) []string {
	count := int(float64(len(candidates)) * l.cfg.AdmitFraction)
	if count < 1 {
		count = 1
	}
	if count > len(candidates) {
		count = len(candidates)
	}

	shuffled := make([]string, len(candidates))
	copy(shuffled, candidates)
	l.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	return shuffled[:count]
}
