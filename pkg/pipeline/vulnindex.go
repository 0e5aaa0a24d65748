package pipeline

import (
	"context"
	"strings"
	"time"
)

// StaticVulnIndex is the default StageB: an in-memory CVE table keyed
// by bare package name.
type StaticVulnIndex struct {
	CVEs  map[string][]string
	Delay time.Duration
}

// DefaultCVEs is a small table of known CVEs for a handful of
// well-known packages.
var DefaultCVEs = map[string][]string{
	"lodash":  {"CVE-2019-10744", "CVE-2020-8203"},
	"axios":   {"CVE-2019-10742"},
	"moment":  {"CVE-2022-24785"},
	"express": {"CVE-2022-24999"},
}

// NewStaticVulnIndex returns a StaticVulnIndex over table, or
// DefaultCVEs if table is nil.
func NewStaticVulnIndex(table map[string][]string) *StaticVulnIndex {
	if table == nil {
		table = DefaultCVEs
	}
	return &StaticVulnIndex{CVEs: table, Delay: 200 * time.Millisecond}
}

// Enrich looks up the finding's package name and attaches known CVEs
// and a derived severity.
func (v *StaticVulnIndex) Enrich(ctx context.Context, finding Finding) (Finding, error) {
	select {
	case <-ctx.Done():
		return finding, ctx.Err()
	case <-time.After(v.Delay):
	}

	name := finding.Item
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	cves := v.CVEs[name]
	finding.CVEs = cves
	switch {
	case len(cves) == 0:
		finding.Severity = "none"
	case len(cves) == 1:
		finding.Severity = "low"
	default:
		finding.Severity = "high"
	}
	return finding, nil
}
