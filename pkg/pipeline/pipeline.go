// Package pipeline defines the narrow collaborator interfaces the
// scheduler and executor dispatch to, and a default implementation of
// each: a shuffled static candidate list, a delayed placeholder
// analyzer, a static vulnerability index, and a bbolt-backed ledger.
package pipeline

import "context"

// CandidateSource returns the current pool of work item candidates a
// leader can schedule. Implementations may return a different set on
// every call.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]string, error)
}

// StageA is the first executor pipeline stage: analysis of a raw work
// item into an intermediate finding.
type StageA interface {
	Analyze(ctx context.Context, item string) (Finding, error)
}

// StageB is the second stage: cross-referencing a StageA finding
// against a vulnerability index.
type StageB interface {
	Enrich(ctx context.Context, finding Finding) (Finding, error)
}

// StageC is the third stage: durably recording a fully enriched
// finding. Implementations decide what "durable" means.
type StageC interface {
	Commit(ctx context.Context, finding Finding) error
}

// Finding accumulates the results of each pipeline stage for a single
// work item as it passes from StageA through StageC.
type Finding struct {
	Item       string
	NodeID     string
	Quality    string
	CVEs       []string
	Severity   string
	Confirmed  bool
	ObservedAt int64
}
