// Package executor implements the follower-only pipeline loop: blocking
// pop from the work queue followed by the three-stage analysis
// pipeline.
package executor

import (
	"context"
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
	NodeID       string
	TaskTimeout  time.Duration
	WorkQueueKey string
}

// Loop is the follower-only execution loop. It implements the shared
// role capability {Start, Stop, IsRunning} the process supervisor
// dispatches to.
type Loop struct {
	coordinator store.Coordinator
	stageA      pipeline.StageA
	stageB      pipeline.StageB
	stageC      pipeline.StageC
	cfg         Config
	logger      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs an execution Loop.
func New(coordinator store.Coordinator, stageA pipeline.StageA, stageB pipeline.StageB, stageC pipeline.StageC, cfg Config) *Loop {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = types.DefaultTaskTimeout
	}
	return &Loop{
		coordinator: coordinator,
		stageA:      stageA,
		stageB:      stageB,
		stageC:      stageC,
		cfg:         cfg,
		logger:      log.WithComponent("executor").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// Start launches the execution loop in a background goroutine. It is a
// no-op if the loop is already running.
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

	l.logger.Info().Msg("executor loop started")
	go l.run(ctx)
	return nil
}

// Stop signals the loop to exit. The loop finishes any item it is
// currently processing before exiting, so Stop waits up to a bounded
// grace period rather than interrupting a pipeline mid-flight.
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
		l.logger.Warn().Msg("executor loop did not exit within grace period")
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
		l.logger.Info().Msg("executor loop stopped")
	}()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, ok, err := l.coordinator.PopHeadBlocking(ctx, l.cfg.WorkQueueKey, l.cfg.TaskTimeout)
		if err != nil {
			l.logger.Warn().Err(err).Msg("queue pop failed")
			continue
		}
		if !ok {
			continue // timeout, recheck stop flag
		}

		l.processItem(ctx, item)
	}
}

// processItem runs item through stage A, B, and C in sequence. Any
// stage error drops the item; a failed item is never requeued.
func (l *Loop) processItem(ctx context.Context, item string) {
	itemLogger := log.WithWorkItem(item).With().
		Str("component", "executor").
		Str("node_id", l.cfg.NodeID).
		Logger()
	itemLogger.Info().Msg("received task")

	finding, err := l.runStageA(ctx, item)
	if err != nil {
		itemLogger.Error().Err(err).Msg("analysis stage failed, dropping task")
		metrics.TasksProcessedTotal.WithLabelValues("analysis_failed").Inc()
		return
	}

	finding, err = l.runStageB(ctx, finding)
	if err != nil {
		itemLogger.Error().Err(err).Msg("lookup stage failed, dropping task")
		metrics.TasksProcessedTotal.WithLabelValues("lookup_failed").Inc()
		return
	}

	finding.NodeID = l.cfg.NodeID
	finding.ObservedAt = time.Now().Unix()

	if err := l.runStageC(ctx, finding); err != nil {
		itemLogger.Error().Err(err).Msg("commit stage failed, dropping task")
		metrics.TasksProcessedTotal.WithLabelValues("commit_failed").Inc()
		return
	}

	metrics.TasksProcessedTotal.WithLabelValues("committed").Inc()
	itemLogger.Info().Msg("pipeline complete")
}

func (l *Loop) runStageA(ctx context.Context, item string) (pipeline.Finding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PipelineStageDuration, "analysis")
	return l.stageA.Analyze(ctx, item)
}

func (l *Loop) runStageB(ctx context.Context, finding pipeline.Finding) (pipeline.Finding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PipelineStageDuration, "lookup")
	return l.stageB.Enrich(ctx, finding)
}

func (l *Loop) runStageC(ctx context.Context, finding pipeline.Finding) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PipelineStageDuration, "commit")
	return l.stageC.Commit(ctx, finding)
}
