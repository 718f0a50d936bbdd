// Package routing decides whether a hop between two stations is a legal
// forward move along the route variants of a line. It does no I/O.
package routing

import (
	"github.com/underlx/routealerts/types"
)

// ConnectionResult describes how two stations relate along a set of route
// variants
type ConnectionResult struct {
	// Found is set when some variant lists both stations in forward order
	Found bool
	// Backwards is set when no variant lists them in forward order but some
	// variant lists both in reverse order
	Backwards bool
	// VariantIndex is the position of the variant the result refers to, or -1
	VariantIndex int
	Direction    string
	FromIndex    int
	ToIndex      int
}

func notFound() ConnectionResult {
	return ConnectionResult{
		VariantIndex: -1,
		FromIndex:    -1,
		ToIndex:      -1,
	}
}

func indexOf(stations []string, id string) int {
	for i, s := range stations {
		if s == id {
			return i
		}
	}
	return -1
}

// CheckConnection looks for from and to in each variant, in the order given.
// The first variant where from comes strictly before to wins. Failing that,
// the first variant where both are present in reverse order is returned with
// Backwards set, so the caller can report a wrong-direction hop rather than a
// missing connection.
func CheckConnection(from, to string, variants []types.RouteVariant) ConnectionResult {
	backwards := notFound()
	for i, variant := range variants {
		fromIdx := indexOf(variant.Stations, from)
		toIdx := indexOf(variant.Stations, to)
		if fromIdx < 0 || toIdx < 0 {
			continue
		}
		if fromIdx < toIdx {
			return ConnectionResult{
				Found:        true,
				VariantIndex: i,
				Direction:    variant.Direction,
				FromIndex:    fromIdx,
				ToIndex:      toIdx,
			}
		}
		if fromIdx > toIdx && !backwards.Backwards {
			backwards = ConnectionResult{
				Backwards:    true,
				VariantIndex: i,
				Direction:    variant.Direction,
				FromIndex:    fromIdx,
				ToIndex:      toIdx,
			}
		}
	}
	return backwards
}

// CheckConnectionAny is CheckConnection over every combination of candidate
// ids for each end, as needed when a station may be referred to by any
// member of its hub. Combinations are tried in the order given.
func CheckConnectionAny(fromIDs, toIDs []string, variants []types.RouteVariant) (result ConnectionResult, from, to string) {
	result = notFound()
	for _, f := range fromIDs {
		for _, t := range toIDs {
			r := CheckConnection(f, t, variants)
			if r.Found {
				return r, f, t
			}
			if r.Backwards && !result.Backwards {
				result, from, to = r, f, t
			}
		}
	}
	return result, from, to
}

// StationsBetween returns every station passed when travelling from one
// station to another along the line: the union of the inclusive runs of all
// variants that connect them in forward order. Stations are returned in the
// order first encountered. The result is empty when no variant connects them.
func StationsBetween(from, to string, variants []types.RouteVariant) []string {
	seen := make(map[string]bool)
	stations := []string{}
	for _, variant := range variants {
		fromIdx := indexOf(variant.Stations, from)
		toIdx := indexOf(variant.Stations, to)
		if fromIdx < 0 || toIdx < 0 || fromIdx >= toIdx {
			continue
		}
		for _, s := range variant.Stations[fromIdx : toIdx+1] {
			if !seen[s] {
				seen[s] = true
				stations = append(stations, s)
			}
		}
	}
	return stations
}
