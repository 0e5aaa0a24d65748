package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/auditorctl/pkg/pipeline"
	"github.com/cuemby/auditorctl/pkg/store"
)

type stubStageA struct {
	err error
}

func (s stubStageA) Analyze(ctx context.Context, item string) (pipeline.Finding, error) {
	if s.err != nil {
		return pipeline.Finding{}, s.err
	}
	return pipeline.Finding{Item: item, Quality: "ok"}, nil
}

type stubStageB struct {
	err error
}

func (s stubStageB) Enrich(ctx context.Context, finding pipeline.Finding) (pipeline.Finding, error) {
	if s.err != nil {
		return finding, s.err
	}
	finding.Severity = "none"
	return finding, nil
}

type recordingStageC struct {
	mu        sync.Mutex
	committed []pipeline.Finding
	err       error
}

func (s *recordingStageC) Commit(ctx context.Context, finding pipeline.Finding) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, finding)
	return nil
}

func (s *recordingStageC) snapshot() []pipeline.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Finding, len(s.committed))
	copy(out, s.committed)
	return out
}

func TestProcessItemCommitsOnSuccess(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{}
	l := New(f, stubStageA{}, stubStageB{}, stageC, Config{NodeID: "node-a"})

	l.processItem(context.Background(), "react@16.0.0")

	committed := stageC.snapshot()
	require.Len(t, committed, 1)
	assert.Equal(t, "react@16.0.0", committed[0].Item)
	assert.Equal(t, "node-a", committed[0].NodeID)
}

func TestProcessItemDropsOnAnalysisFailure(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{}
	l := New(f, stubStageA{err: errors.New("analysis down")}, stubStageB{}, stageC, Config{})

	l.processItem(context.Background(), "x@1")

	assert.Empty(t, stageC.snapshot())
}

func TestProcessItemDropsOnLookupFailure(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{}
	l := New(f, stubStageA{}, stubStageB{err: errors.New("lookup down")}, stageC, Config{})

	l.processItem(context.Background(), "x@1")

	assert.Empty(t, stageC.snapshot())
}

func TestProcessItemDropsOnCommitFailure(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{err: errors.New("ledger down")}
	l := New(f, stubStageA{}, stubStageB{}, stageC, Config{})

	assert.NotPanics(t, func() { l.processItem(context.Background(), "x@1") })
}

func TestLoopPopsAndProcessesQueuedItem(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{}
	l := New(f, stubStageA{}, stubStageB{}, stageC, Config{
		NodeID:       "node-a",
		TaskTimeout:  10 * time.Millisecond,
		WorkQueueKey: "work_queue",
	})

	require.NoError(t, l.Start(context.Background()))
	_, err := f.AppendTail(context.Background(), "work_queue", "lodash@4.17.15")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(stageC.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	l.Stop()
	assert.False(t, l.IsRunning())
}

func TestStopWaitsForInFlightItemToFinish(t *testing.T) {
	f := store.NewFake()
	stageC := &recordingStageC{}
	l := New(f, stubStageA{}, stubStageB{}, stageC, Config{
		TaskTimeout:  time.Second,
		WorkQueueKey: "work_queue",
	})

	require.NoError(t, l.Start(context.Background()))
	_, err := f.AppendTail(context.Background(), "work_queue", "axios@0.18.0")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	l.Stop()

	assert.False(t, l.IsRunning())
}
