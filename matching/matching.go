// Package matching decides which disruptions affect which routes. The
// functions in this file are pure; Service adds the database lookups they
// need.
package matching

import (
	"sort"

	"github.com/thoas/go-funk"
	"github.com/underlx/routealerts/types"
)

type severityKey struct {
	mode  string
	level int
}

func severityTable(disabled []*types.AlertDisabledSeverity) map[severityKey]*types.AlertDisabledSeverity {
	m := make(map[severityKey]*types.AlertDisabledSeverity, len(disabled))
	for _, d := range disabled {
		m[severityKey{d.Mode, d.SeverityLevel}] = d
	}
	return m
}

// FilterAlertable drops the disruptions whose mode and severity level appear
// in the disabled severity table
func FilterAlertable(disruptions []*types.Disruption, disabled []*types.AlertDisabledSeverity) []*types.Disruption {
	table := severityTable(disabled)
	alertable := []*types.Disruption{}
	for _, d := range disruptions {
		if _, off := table[severityKey{d.Mode, d.SeverityLevel}]; off {
			continue
		}
		alertable = append(alertable, d)
	}
	return alertable
}

// ClearedStates returns, keyed by line, the disruptions reporting a severity
// the table flags as a cleared state (good service and the like)
func ClearedStates(disruptions []*types.Disruption, disabled []*types.AlertDisabledSeverity) map[string]*types.Disruption {
	table := severityTable(disabled)
	cleared := make(map[string]*types.Disruption)
	for _, d := range disruptions {
		if entry, ok := table[severityKey{d.Mode, d.SeverityLevel}]; ok && entry.IsClearedState {
			cleared[d.LineID] = d
		}
	}
	return cleared
}

// RouteIndex is the set of (line, canonical station) pairs a route travels
// through, with the lowest segment sequence covering each pair
type RouteIndex struct {
	RouteID string
	pairs   map[types.LineStation]int
	byLine  map[string][]string
}

// NewRouteIndex builds a RouteIndex from index entries
func NewRouteIndex(routeID string, entries []*types.RouteStationIndex) *RouteIndex {
	index := &RouteIndex{
		RouteID: routeID,
		pairs:   make(map[types.LineStation]int, len(entries)),
		byLine:  make(map[string][]string),
	}
	for _, e := range entries {
		key := types.LineStation{LineID: e.LineID, StationID: e.StationID}
		if seq, ok := index.pairs[key]; ok {
			if e.SegmentSequence < seq {
				index.pairs[key] = e.SegmentSequence
			}
			continue
		}
		index.pairs[key] = e.SegmentSequence
		index.byLine[e.LineID] = append(index.byLine[e.LineID], e.StationID)
	}
	for _, stations := range index.byLine {
		sort.Strings(stations)
	}
	return index
}

// Len returns the number of pairs in the index
func (index *RouteIndex) Len() int {
	return len(index.pairs)
}

// Contains returns whether the route travels through the station on the line
func (index *RouteIndex) Contains(lineID, stationID string) bool {
	_, ok := index.pairs[types.LineStation{LineID: lineID, StationID: stationID}]
	return ok
}

// Lines returns the lines the route uses, sorted
func (index *RouteIndex) Lines() []string {
	lines := make([]string, 0, len(index.byLine))
	for line := range index.byLine {
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return lines
}

// Match is a disruption that affects a route, with the parts of the route it
// affects
type Match struct {
	Disruption *types.Disruption `json:"disruption"`
	// Stations are the canonical stations of the route on the disrupted line
	// that the disruption names, sorted
	Stations []string `json:"stations"`
	// Segments are the sequence numbers of the route segments covering those
	// stations, sorted
	Segments []int `json:"segments"`
}

// MatchToRoute returns the disruptions that affect the route. Station ids in
// the disruptions must already be canonical. A disruption that names no
// station affects every station of the route on its line.
func MatchToRoute(index *RouteIndex, disruptions []*types.Disruption) []*Match {
	matches := []*Match{}
	for _, d := range disruptions {
		routeStations, usesLine := index.byLine[d.LineID]
		if !usesLine {
			continue
		}
		var stations []string
		if d.HasStationDetail() {
			for _, id := range d.AffectedStationIDs() {
				if index.Contains(d.LineID, id) {
					stations = append(stations, id)
				}
			}
		} else {
			stations = append(stations, routeStations...)
		}
		if len(stations) == 0 {
			continue
		}
		sort.Strings(stations)

		segments := []int{}
		for _, id := range stations {
			segments = append(segments, index.pairs[types.LineStation{LineID: d.LineID, StationID: id}])
		}
		segments = funk.UniqInt(segments)
		sort.Ints(segments)

		matches = append(matches, &Match{
			Disruption: d,
			Stations:   stations,
			Segments:   segments,
		})
	}
	return matches
}

// AffectedLines returns the lines of the given matches, deduplicated and sorted
func AffectedLines(matches []*Match) []string {
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = m.Disruption.LineID
	}
	lines = funk.UniqString(lines)
	sort.Strings(lines)
	return lines
}

// ByLine groups matches by the line of their disruption
func ByLine(matches []*Match) map[string][]*Match {
	m := make(map[string][]*Match)
	for _, match := range matches {
		m[match.Disruption.LineID] = append(m[match.Disruption.LineID], match)
	}
	return m
}
