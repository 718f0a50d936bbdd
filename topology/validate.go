package topology

import (
	"errors"
	"fmt"

	"github.com/gbl08ma/sqalx"
	"github.com/underlx/routealerts/routing"
	"github.com/underlx/routealerts/types"
)

// ValidateRoute checks that the segments describe a journey that can be made:
// every station and line exists, each station is on the line taken from it,
// and each hop goes forward along that line and is connected in the current
// graph. A station may be referred to by any member of its hub.
// Invalid routes yield a *types.SegmentError; ErrTopologyUnavailable is
// returned when there is no graph to validate against.
func (s *Store) ValidateRoute(segments []*types.RouteSegment) error {
	if err := types.ValidateSegmentShape(segments); err != nil {
		return err
	}

	graph, err := s.Graph()
	if err != nil {
		return err
	}

	tx, err := s.node.Beginx()
	if err != nil {
		return types.Retryable(err)
	}
	defer tx.Commit() // read-only tx

	candidates := make([][]string, len(segments))
	for i, segment := range segments {
		candidates[i], err = s.stationCandidates(tx, segment.StationID)
		if errors.Is(err, types.ErrStationNotFound) {
			return &types.SegmentError{Index: i, Kind: types.SegmentStationNotFound, StationID: segment.StationID}
		}
		if err != nil {
			return err
		}
	}

	for i := 0; i+1 < len(segments); i++ {
		segment, next := segments[i], segments[i+1]
		line, err := types.GetLine(tx, segment.LineID)
		if errors.Is(err, types.ErrLineNotFound) {
			return &types.SegmentError{Index: i, Kind: types.SegmentLineNotFound,
				StationID: segment.StationID, LineID: segment.LineID}
		}
		if err != nil {
			return err
		}
		if !onLine(line, candidates[i]) {
			return &types.SegmentError{Index: i, Kind: types.SegmentStationNotOnLine,
				StationID: segment.StationID, LineID: line.ID}
		}
		if !onLine(line, candidates[i+1]) {
			return &types.SegmentError{Index: i + 1, Kind: types.SegmentStationNotOnLine,
				StationID: next.StationID, LineID: line.ID}
		}

		result, from, to := routing.CheckConnectionAny(candidates[i], candidates[i+1], line.RouteVariants)
		hopErr := &types.SegmentError{Index: i, StationID: segment.StationID, LineID: line.ID,
			NextStationID: next.StationID}
		switch {
		case result.Found:
			if !reachable(graph, from, to, line.ID) {
				hopErr.Kind = types.SegmentNotConnected
				return hopErr
			}
		case result.Backwards:
			hopErr.Kind = types.SegmentWrongDirection
			return hopErr
		default:
			hopErr.Kind = types.SegmentNotConnected
			return hopErr
		}
	}
	return nil
}

// stationCandidates returns the station ids that may stand for the given one:
// itself first, then the other members of its hub
func (s *Store) stationCandidates(node sqalx.Node, stationID string) ([]string, error) {
	members, err := s.cache.HubMembers(node, stationID)
	if err != nil {
		return nil, fmt.Errorf("stationCandidates: %w", err)
	}
	ids := []string{stationID}
	for _, m := range members {
		if m.ID != stationID {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func onLine(line *types.Line, stationIDs []string) bool {
	for _, variant := range line.RouteVariants {
		for _, s := range variant.Stations {
			for _, id := range stationIDs {
				if s == id {
					return true
				}
			}
		}
	}
	return false
}
