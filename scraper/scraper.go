// Package scraper defines the upstream feeds the alerting backend consumes.
package scraper

import (
	"context"
	"fmt"

	"github.com/underlx/routealerts/types"
)

// DisruptionSource retrieves the current status of the lines of a network
type DisruptionSource interface {
	FetchDisruptions(ctx context.Context) ([]*types.Disruption, error)
}

// TopologySource retrieves the authoritative lines, route variants and
// stations of a network
type TopologySource interface {
	FetchTopology(ctx context.Context) (*types.Topology, error)
}

// MultiSource merges the disruptions of several sources. Any source failing
// fails the whole fetch, as a partial status would read as cleared lines.
type MultiSource []DisruptionSource

// FetchDisruptions implements DisruptionSource
func (m MultiSource) FetchDisruptions(ctx context.Context) ([]*types.Disruption, error) {
	disruptions := []*types.Disruption{}
	for i, source := range m {
		d, err := source.FetchDisruptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		disruptions = append(disruptions, d...)
	}
	return disruptions, nil
}

// StaticSource is a DisruptionSource and TopologySource that returns fixed
// values
type StaticSource struct {
	Disruptions []*types.Disruption
	Topology    *types.Topology
	Err         error
}

// FetchDisruptions implements DisruptionSource
func (s *StaticSource) FetchDisruptions(ctx context.Context) ([]*types.Disruption, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Disruptions, nil
}

// FetchTopology implements TopologySource
func (s *StaticSource) FetchTopology(ctx context.Context) (*types.Topology, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Topology == nil {
		return &types.Topology{}, nil
	}
	return s.Topology, nil
}
