package pipeline

import (
	"context"
	"math/rand"
)

// StaticGraphSource returns a fixed, shuffled set of package
// coordinates on each call.
type StaticGraphSource struct {
	Clusters []string
	rng      *rand.Rand
}

// DefaultClusters is a handful of well-known package coordinates to
// cycle scheduling over.
var DefaultClusters = []string{
	"react@16.0.0",
	"lodash@4.17.15",
	"express@4.16.0",
	"axios@0.18.0",
	"moment@2.24.0",
	"webpack@4.41.0",
	"babel-core@6.26.3",
	"jquery@3.4.1",
}

// NewStaticGraphSource returns a StaticGraphSource over clusters, or
// DefaultClusters if clusters is empty.
func NewStaticGraphSource(seed int64, clusters ...string) *StaticGraphSource {
	if len(clusters) == 0 {
		clusters = DefaultClusters
	}
	return &StaticGraphSource{
		Clusters: clusters,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Candidates returns a shuffled copy of the cluster list.
func (s *StaticGraphSource) Candidates(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.Clusters))
	copy(out, s.Clusters)
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}
