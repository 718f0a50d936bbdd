package matching

import (
	"github.com/gbl08ma/sqalx"
	"github.com/underlx/routealerts/types"
)

// Service performs the lookups matching depends on: the disabled severity
// table, the index of a route and the canonical ids of stations
type Service struct {
	node  sqalx.Node
	cache *types.StationCache
}

// NewService returns a Service reading from node and resolving stations
// through cache
func NewService(node sqalx.Node, cache *types.StationCache) *Service {
	return &Service{
		node:  node,
		cache: cache,
	}
}

// DisabledSeverities returns the disabled severity table
func (s *Service) DisabledSeverities() ([]*types.AlertDisabledSeverity, error) {
	disabled, err := types.GetAlertDisabledSeverities(s.node)
	if err != nil {
		return nil, types.Retryable(err)
	}
	return disabled, nil
}

// RouteIndex returns the live index of a route
func (s *Service) RouteIndex(routeID string) (*RouteIndex, error) {
	entries, err := types.GetActiveRouteIndex(s.node, routeID)
	if err != nil {
		return nil, types.Retryable(err)
	}
	return NewRouteIndex(routeID, entries), nil
}

// Canonicalize returns copies of the disruptions in which every affected
// station is replaced by its canonical id
func (s *Service) Canonicalize(disruptions []*types.Disruption) ([]*types.Disruption, error) {
	result := make([]*types.Disruption, len(disruptions))
	for i, d := range disruptions {
		c := *d
		c.AffectedRoutes = make([]types.AffectedRoute, len(d.AffectedRoutes))
		for j, route := range d.AffectedRoutes {
			stations := make([]string, len(route.AffectedStations))
			for k, id := range route.AffectedStations {
				canonical, err := s.cache.CanonicalID(s.node, id)
				if err != nil {
					return nil, types.Retryable(err)
				}
				stations[k] = canonical
			}
			c.AffectedRoutes[j] = types.AffectedRoute{
				Name:             route.Name,
				Direction:        route.Direction,
				AffectedStations: stations,
			}
		}
		result[i] = &c
	}
	return result, nil
}

// MatchRoute returns the disruptions that affect the route. disruptions must
// already be filtered and canonicalized.
func (s *Service) MatchRoute(routeID string, disruptions []*types.Disruption) ([]*Match, error) {
	index, err := s.RouteIndex(routeID)
	if err != nil {
		return nil, err
	}
	return MatchToRoute(index, disruptions), nil
}
