package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/auditorctl/pkg/store"
)

type fixedSource struct {
	items []string
	err   error
}

func (f fixedSource) Candidates(ctx context.Context) ([]string, error) {
	return f.items, f.err
}

func TestAdmitSelectsFractionRoundedDown(t *testing.T) {
	l := New(store.NewFake(), fixedSource{}, Config{AdmitFraction: 0.2, WorkQueueKey: "q"})
	candidates := []string{"a", "b", "c", "d", "e"}
	selected := l.admit(candidates)
	assert.Len(t, selected, 1) // floor(5*0.2) = 1
}

func TestAdmitAlwaysSelectsAtLeastOne(t *testing.T) {
	l := New(store.NewFake(), fixedSource{}, Config{AdmitFraction: 0.01, WorkQueueKey: "q"})
	selected := l.admit([]string{"only-one"})
	assert.Len(t, selected, 1)
}

func TestAdmitNeverExceedsCandidateCount(t *testing.T) {
	l := New(store.NewFake(), fixedSource{}, Config{AdmitFraction: 5.0, WorkQueueKey: "q"})
	candidates := []string{"a", "b", "c"}
	selected := l.admit(candidates)
	assert.Len(t, selected, 3)
}

func TestRunCyclePushesSelectedToQueue(t *testing.T) {
	f := store.NewFake()
	src := fixedSource{items: []string{"react@1", "lodash@2", "axios@3", "moment@4", "express@5"}}
	l := New(f, src, Config{AdmitFraction: 0.4, WorkQueueKey: "work_queue"})

	l.runCycle(context.Background())

	v, ok, err := f.PopHeadBlocking(context.Background(), "work_queue", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, src.items, v)
}

func TestRunCycleToleratesEmptyCandidateList(t *testing.T) {
	f := store.NewFake()
	l := New(f, fixedSource{items: nil}, Config{WorkQueueKey: "work_queue"})

	assert.NotPanics(t, func() { l.runCycle(context.Background()) })

	_, ok, err := f.PopHeadBlocking(context.Background(), "work_queue", time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunCycleToleratesCandidateSourceError(t *testing.T) {
	f := store.NewFake()
	l := New(f, fixedSource{err: errors.New("graph search down")}, Config{WorkQueueKey: "work_queue"})

	assert.NotPanics(t, func() { l.runCycle(context.Background()) })
}

func TestStartStopLifecycle(t *testing.T) {
	f := store.NewFake()
	l := New(f, fixedSource{items: []string{"a@1"}}, Config{
		CycleInterval: 5 * time.Millisecond,
		WorkQueueKey:  "work_queue",
	})

	require.NoError(t, l.Start(context.Background()))
	assert.True(t, l.IsRunning())

	time.Sleep(20 * time.Millisecond)
	l.Stop()
	assert.False(t, l.IsRunning())
}

func TestStartIsIdempotent(t *testing.T) {
	f := store.NewFake()
	l := New(f, fixedSource{}, Config{WorkQueueKey: "work_queue"})

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()))
	l.Stop()
}
