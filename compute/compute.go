// Package compute builds and maintains the route station index: the inverted
// index from (line, station) to the routes that travel through it.
package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gbl08ma/sqalx"
	"github.com/hako/durafmt"
	"github.com/thoas/go-funk"
	"github.com/underlx/routealerts/routing"
	"github.com/underlx/routealerts/topology"
	"github.com/underlx/routealerts/types"
	"golang.org/x/sync/errgroup"
)

// RouteIndexer builds route station indexes. Builds for different routes are
// independent and may run concurrently.
type RouteIndexer struct {
	node        sqalx.Node
	store       *topology.Store
	cache       *types.StationCache
	concurrency int
	log         *log.Logger
}

// IndexBuildResult describes the index built for one route
type IndexBuildResult struct {
	RouteID string `json:"routeId"`
	Entries int    `json:"entries"`
	// DegradedSegments lists the sequence of segments whose hop could not be
	// traced along the line and for which only the two checkpoints were indexed
	DegradedSegments []int `json:"degradedSegments,omitempty"`
}

// BulkRebuildResult summarizes a rebuild over several routes
type BulkRebuildResult struct {
	Requested int               `json:"requested"`
	Rebuilt   int               `json:"rebuilt"`
	Failed    int               `json:"failed"`
	Errors    []types.UnitError `json:"errors"`
	Status    types.BulkStatus  `json:"status"`
}

// NewRouteIndexer returns a RouteIndexer. store is used to validate segment
// edits and provides the station cache used for hub canonicalization.
// concurrency bounds the number of routes rebuilt at once by bulk rebuilds.
func NewRouteIndexer(node sqalx.Node, store *topology.Store, concurrency int, logger *log.Logger) *RouteIndexer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &RouteIndexer{
		node:        node,
		store:       store,
		cache:       store.Cache(),
		concurrency: concurrency,
		log:         logger,
	}
}

// BuildRouteStationIndex expands the segments of a route into every station
// travelled through and atomically replaces the index of the route with the
// result. Building twice without a topology change in between yields the same
// set of (line, station) entries.
func (ri *RouteIndexer) BuildRouteStationIndex(routeID string) (*IndexBuildResult, error) {
	tx, err := ri.node.Beginx()
	if err != nil {
		return nil, types.Retryable(err)
	}
	defer tx.Rollback()

	result, err := ri.buildRouteStationIndex(tx, routeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, types.Retryable(err)
	}
	return result, nil
}

func (ri *RouteIndexer) buildRouteStationIndex(node sqalx.Node, routeID string) (*IndexBuildResult, error) {
	route, err := types.GetRoute(node, routeID)
	if err != nil {
		return nil, err
	}
	segments, err := route.Segments(node)
	if err != nil {
		return nil, err
	}

	entries, degraded, err := ri.stageEntries(node, segments)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.ID, err)
	}
	if err := types.ReplaceRouteIndex(node, route.ID, entries); err != nil {
		return nil, err
	}
	if len(degraded) > 0 {
		ri.log.Printf("Route %s indexed in degraded mode: segments %v could not be traced along their lines\n",
			route.ID, degraded)
	}
	return &IndexBuildResult{
		RouteID:          route.ID,
		Entries:          len(entries),
		DegradedSegments: degraded,
	}, nil
}

func (ri *RouteIndexer) stageEntries(node sqalx.Node, segments []*types.RouteSegment) ([]*types.RouteStationIndex, []int, error) {
	lineIDs := []string{}
	for _, segment := range segments {
		if segment.LineID != "" {
			lineIDs = append(lineIDs, segment.LineID)
		}
	}
	lines, err := types.GetLinesByID(node, funk.UniqString(lineIDs))
	if err != nil {
		return nil, nil, err
	}

	staged := make(map[types.LineStation]*types.RouteStationIndex)
	stage := func(line *types.Line, stationID string, sequence int) error {
		canonical, err := ri.cache.CanonicalID(node, stationID)
		if err != nil {
			return err
		}
		key := types.LineStation{LineID: line.ID, StationID: canonical}
		if entry, ok := staged[key]; ok {
			if sequence < entry.SegmentSequence {
				entry.SegmentSequence = sequence
			}
			return nil
		}
		staged[key] = &types.RouteStationIndex{
			LineID:          line.ID,
			StationID:       canonical,
			SegmentSequence: sequence,
			LineVersion:     line.LastUpdated,
		}
		return nil
	}

	degraded := []int{}
	for i := 0; i+1 < len(segments); i++ {
		segment, next := segments[i], segments[i+1]
		if segment.LineID == "" {
			continue
		}
		line, ok := lines[segment.LineID]
		if !ok {
			return nil, nil, fmt.Errorf("segment %d: %w", segment.Sequence, types.ErrLineNotFound)
		}
		if !line.HasStations() {
			return nil, nil, fmt.Errorf("segment %d, line %s: %w", segment.Sequence, line.ID, types.ErrNoStationsForLine)
		}

		passed, err := ri.stationsPassed(node, segment.StationID, next.StationID, line)
		if err != nil {
			return nil, nil, err
		}
		if len(passed) == 0 {
			degraded = append(degraded, segment.Sequence)
			passed = []string{segment.StationID, next.StationID}
		}
		for _, stationID := range passed {
			if err := stage(line, stationID, segment.Sequence); err != nil {
				return nil, nil, err
			}
		}
	}

	entries := make([]*types.RouteStationIndex, 0, len(staged))
	for _, entry := range staged {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LineID != entries[j].LineID {
			return entries[i].LineID < entries[j].LineID
		}
		return entries[i].StationID < entries[j].StationID
	})
	return entries, degraded, nil
}

// stationsPassed returns the stations travelled through between two
// checkpoints on a line, trying hub members of either checkpoint when the
// line lists a different entry of the same interchange
func (ri *RouteIndexer) stationsPassed(node sqalx.Node, from, to string, line *types.Line) ([]string, error) {
	fromIDs, err := ri.hubCandidates(node, from)
	if err != nil {
		return nil, err
	}
	toIDs, err := ri.hubCandidates(node, to)
	if err != nil {
		return nil, err
	}
	result, f, t := routing.CheckConnectionAny(fromIDs, toIDs, line.RouteVariants)
	if !result.Found {
		return nil, nil
	}
	return routing.StationsBetween(f, t, line.RouteVariants), nil
}

func (ri *RouteIndexer) hubCandidates(node sqalx.Node, stationID string) ([]string, error) {
	members, err := ri.cache.HubMembers(node, stationID)
	if errors.Is(err, types.ErrStationNotFound) {
		// stations absent from the station table can still appear in variants
		return []string{stationID}, nil
	}
	if err != nil {
		return nil, err
	}
	ids := []string{stationID}
	for _, m := range members {
		if m.ID != stationID {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// ReplaceSegments validates the given segments against the current topology,
// then replaces the segments of the route and rebuilds its index in a single
// transaction
func (ri *RouteIndexer) ReplaceSegments(routeID string, segments []*types.RouteSegment) (*IndexBuildResult, error) {
	if err := ri.store.ValidateRoute(segments); err != nil {
		return nil, err
	}

	tx, err := ri.node.Beginx()
	if err != nil {
		return nil, types.Retryable(err)
	}
	defer tx.Rollback()

	if _, err := types.GetRoute(tx, routeID); err != nil {
		return nil, err
	}
	if err := types.ReplaceRouteSegments(tx, routeID, segments); err != nil {
		return nil, err
	}
	result, err := ri.buildRouteStationIndex(tx, routeID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, types.Retryable(err)
	}
	return result, nil
}

// RebuildRouteIndexes rebuilds the index of each given route. Each route is
// rebuilt in its own transaction and a failure does not stop the others;
// failures are collected in the result.
func (ri *RouteIndexer) RebuildRouteIndexes(ctx context.Context, routeIDs []string) *BulkRebuildResult {
	start := time.Now()
	result := &BulkRebuildResult{
		Requested: len(routeIDs),
		Errors:    []types.UnitError{},
	}
	var mu sync.Mutex
	fail := func(routeID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failed++
		result.Errors = append(result.Errors, types.UnitError{RouteID: routeID, Error: err.Error()})
	}

	var g errgroup.Group
	g.SetLimit(ri.concurrency)
	for _, routeID := range routeIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				fail(routeID, err)
				return nil
			}
			if _, err := ri.BuildRouteStationIndex(routeID); err != nil {
				ri.log.Printf("Index rebuild for route %s failed: %v\n", routeID, err)
				fail(routeID, err)
				return nil
			}
			mu.Lock()
			result.Rebuilt++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].RouteID < result.Errors[j].RouteID
	})
	result.Status = types.BulkStatusFor(result.Rebuilt, result.Failed)
	if result.Requested > 0 {
		ri.log.Printf("Rebuilt %d route indexes (%d failed) in %s\n", result.Rebuilt, result.Failed,
			durafmt.Parse(time.Since(start)).LimitFirstN(2))
	}
	return result
}

// RebuildAllRouteIndexes rebuilds the index of every live route
func (ri *RouteIndexer) RebuildAllRouteIndexes(ctx context.Context) (*BulkRebuildResult, error) {
	ids, err := types.GetRouteIDs(ri.node)
	if err != nil {
		return nil, types.Retryable(err)
	}
	return ri.RebuildRouteIndexes(ctx, ids), nil
}

// RebuildStaleRouteIndexes rebuilds the index of every route FindStaleRoutes
// reports
func (ri *RouteIndexer) RebuildStaleRouteIndexes(ctx context.Context) (*BulkRebuildResult, error) {
	ids, err := ri.FindStaleRoutes()
	if err != nil {
		return nil, types.Retryable(err)
	}
	return ri.RebuildRouteIndexes(ctx, ids), nil
}

// FindStaleRoutes returns the live routes whose index must be rebuilt: those
// with an entry stamped with a version other than the current LastUpdated of
// its line (or referencing a line that no longer exists), and those that have
// segments but no index at all
func (ri *RouteIndexer) FindStaleRoutes() ([]string, error) {
	tx, err := ri.node.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Commit() // read-only tx

	routes, err := types.GetRoutes(tx)
	if err != nil {
		return nil, err
	}
	lines, err := types.GetLines(tx)
	if err != nil {
		return nil, err
	}
	lineMap := make(map[string]*types.Line, len(lines))
	for _, line := range lines {
		lineMap[line.ID] = line
	}
	entries, err := types.GetAllActiveIndexEntries(tx)
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]bool)
	stale := make(map[string]bool)
	for _, entry := range entries {
		indexed[entry.RouteID] = true
		if entry.Stale(lineMap[entry.LineID]) {
			stale[entry.RouteID] = true
		}
	}

	ids := []string{}
	for _, route := range routes {
		if stale[route.ID] {
			ids = append(ids, route.ID)
			continue
		}
		if indexed[route.ID] {
			continue
		}
		segments, err := route.Segments(tx)
		if err != nil {
			return nil, err
		}
		if len(segments) > 0 {
			ids = append(ids, route.ID)
		}
	}
	return ids, nil
}
