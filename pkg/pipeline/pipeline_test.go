package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticGraphSourceShufflesWithoutLosingItems(t *testing.T) {
	src := NewStaticGraphSource(1, "a@1", "b@2", "c@3")
	out, err := src.Candidates(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@1", "b@2", "c@3"}, out)
}

func TestDelayedAnalyzerReturnsFinding(t *testing.T) {
	a := &DelayedAnalyzer{Delay: time.Millisecond}
	f, err := a.Analyze(context.Background(), "react@16.0.0")
	require.NoError(t, err)
	assert.Equal(t, "react@16.0.0", f.Item)
	assert.Contains(t, f.Quality, "react")
}

func TestDelayedAnalyzerRespectsCancellation(t *testing.T) {
	a := &DelayedAnalyzer{Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Analyze(ctx, "x@1")
	assert.Error(t, err)
}

func TestStaticVulnIndexFindsKnownCVEs(t *testing.T) {
	v := &StaticVulnIndex{CVEs: DefaultCVEs, Delay: time.Millisecond}
	f, err := v.Enrich(context.Background(), Finding{Item: "lodash@4.17.15"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.CVEs)
	assert.Equal(t, "high", f.Severity)
}

func TestStaticVulnIndexNoneForUnknownPackage(t *testing.T) {
	v := &StaticVulnIndex{CVEs: DefaultCVEs, Delay: time.Millisecond}
	f, err := v.Enrich(context.Background(), Finding{Item: "totally-unknown-package@1"})
	require.NoError(t, err)
	assert.Empty(t, f.CVEs)
	assert.Equal(t, "none", f.Severity)
}

func TestBoltLedgerCommitAndRead(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenBoltLedger(dir)
	require.NoError(t, err)
	defer ledger.Close()

	require.NoError(t, ledger.Commit(context.Background(), Finding{Item: "a@1", Severity: "low"}))
	require.NoError(t, ledger.Commit(context.Background(), Finding{Item: "b@2", Severity: "high"}))

	findings, err := ledger.Findings()
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "a@1", findings[0].Item)
	assert.Equal(t, "b@2", findings[1].Item)
}

func TestBoltLedgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenBoltLedger(dir)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(context.Background(), Finding{Item: "a@1"}))
	require.NoError(t, ledger.Close())

	reopened, err := OpenBoltLedger(dir)
	require.NoError(t, err)
	defer reopened.Close()

	findings, err := reopened.Findings()
	require.NoError(t, err)
	require.Len(t, findings, 1)

	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}
