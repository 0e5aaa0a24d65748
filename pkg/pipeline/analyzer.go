package pipeline

import (
	"context"
	"strings"
	"time"
)

// DelayedAnalyzer is the default StageA: it simulates the time a real
// code-quality analysis would take and returns a placeholder finding.
type DelayedAnalyzer struct {
	Delay time.Duration
}

// NewDelayedAnalyzer returns a DelayedAnalyzer with a default simulated
// processing time.
func NewDelayedAnalyzer() *DelayedAnalyzer {
	return &DelayedAnalyzer{Delay: 300 * time.Millisecond}
}

// Analyze waits Delay then returns a placeholder quality record.
func (a *DelayedAnalyzer) Analyze(ctx context.Context, item string) (Finding, error) {
	select {
	case <-ctx.Done():
		return Finding{}, ctx.Err()
	case <-time.After(a.Delay):
	}

	name := item
	if i := strings.IndexByte(item, '@'); i >= 0 {
		name = item[:i]
	}

	return Finding{
		Item:    item,
		Quality: "pending: " + name,
	}, nil
}
