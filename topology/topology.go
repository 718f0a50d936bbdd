// Package topology maintains the station connection graph derived from the
// route variants of each line, and answers adjacency, reachability and route
// validation queries against it.
package topology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/gbl08ma/sqalx"
	"github.com/hako/durafmt"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/types"
)

// ErrNoPath is returned by ShortestPath when the stations are not connected
var ErrNoPath = errors.New("no path between stations")

// Edge is a directed connection between two consecutive stations of a line
type Edge struct {
	From   string
	To     string
	LineID string
}

// Neighbor is a station directly reachable from another, and the line that
// connects them
type Neighbor struct {
	StationID string `json:"station"`
	LineID    string `json:"line"`
}

// Hop is a step of a path: a station and the line used to arrive at it. The
// first hop of a path has no line.
type Hop struct {
	StationID string `json:"station"`
	LineID    string `json:"line,omitempty"`
}

// RebuildResult summarizes a graph rebuild
type RebuildResult struct {
	Lines                 int `json:"lines"`
	ConnectionsCreated    int `json:"connectionsCreated"`
	ConnectionsSuperseded int `json:"connectionsSuperseded"`
}

// RefreshResult summarizes a refresh from the upstream topology feed
type RefreshResult struct {
	Stations       int            `json:"stations"`
	LinesChanged   []string       `json:"linesChanged"`
	LinesUnchanged int            `json:"linesUnchanged"`
	Rebuild        *RebuildResult `json:"rebuild"`
}

// Store reads and rebuilds the connection graph
type Store struct {
	node  sqalx.Node
	cache *types.StationCache
	log   *log.Logger
}

// NewStore returns a Store operating on node. The station cache is used to
// resolve hub members and is flushed whenever the topology is refreshed.
func NewStore(node sqalx.Node, cache *types.StationCache, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cache == nil {
		cache = types.NewStationCache(10 * time.Minute)
	}
	return &Store{
		node:  node,
		cache: cache,
		log:   logger,
	}
}

// Cache returns the station cache used by the store
func (s *Store) Cache() *types.StationCache {
	return s.cache
}

// BuildEdges derives the connection graph of the given lines: for every pair
// of consecutive stations in every route variant, an edge in each direction.
// Edges shared by several variants appear once. The result is sorted.
func BuildEdges(lines []*types.Line) []Edge {
	seen := make(map[Edge]bool)
	edges := []Edge{}
	add := func(e Edge) {
		if e.From == e.To || seen[e] {
			return
		}
		seen[e] = true
		edges = append(edges, e)
	}
	for _, line := range lines {
		for _, variant := range line.RouteVariants {
			for i := 0; i+1 < len(variant.Stations); i++ {
				a, b := variant.Stations[i], variant.Stations[i+1]
				add(Edge{From: a, To: b, LineID: line.ID})
				add(Edge{From: b, To: a, LineID: line.ID})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].LineID < edges[j].LineID
	})
	return edges
}

// Rebuild replaces the active connection graph with the one derived from the
// lines currently stored. The old edges are soft-deleted and the new ones
// inserted in the same transaction, so concurrent readers see either the old
// or the new graph. A rebuild that would leave no active edges is not
// committed and returns ErrTopologyUnavailable.
func (s *Store) Rebuild() (*RebuildResult, error) {
	tx, err := s.node.Beginx()
	if err != nil {
		return nil, types.Retryable(err)
	}
	defer tx.Rollback()

	result, err := s.rebuild(tx)
	if err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, types.Retryable(err)
	}
	return result, nil
}

func (s *Store) rebuild(node sqalx.Node) (*RebuildResult, error) {
	start := time.Now()
	lines, err := types.GetLines(node)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	edges := BuildEdges(lines)
	result := &RebuildResult{Lines: len(lines)}
	if len(edges) == 0 {
		s.log.Println("Topology rebuild produced no connections, keeping the current graph")
		return result, fmt.Errorf("rebuild: %w", types.ErrTopologyUnavailable)
	}

	superseded, err := types.SoftDeleteActiveConnections(node, types.Now())
	if err != nil {
		return result, fmt.Errorf("rebuild: %w", err)
	}
	result.ConnectionsSuperseded = superseded

	connections := make([]*types.StationConnection, len(edges))
	for i, e := range edges {
		connections[i] = &types.StationConnection{
			FromStation: e.From,
			ToStation:   e.To,
			LineID:      e.LineID,
		}
	}
	if err := types.InsertConnections(node, connections); err != nil {
		return result, fmt.Errorf("rebuild: %w", err)
	}
	result.ConnectionsCreated = len(connections)

	s.log.Printf("Topology rebuilt: %d lines, %d connections created, %d superseded, took %s\n",
		result.Lines, result.ConnectionsCreated, result.ConnectionsSuperseded,
		durafmt.Parse(time.Since(start)).LimitFirstN(2))
	return result, nil
}

// Refresh fetches the topology from source, stores its stations and lines and
// rebuilds the graph, all in one transaction. The LastUpdated of a line is
// only bumped when its name, mode or route variants changed, so that the
// route indexes built against unchanged lines stay fresh.
func (s *Store) Refresh(ctx context.Context, source scraper.TopologySource) (*RefreshResult, error) {
	topo, err := source.FetchTopology(ctx)
	if err != nil {
		if types.IsRetryable(err) {
			return nil, err
		}
		return nil, types.Retryable(fmt.Errorf("Refresh: fetching topology: %w", err))
	}

	tx, err := s.node.Beginx()
	if err != nil {
		return nil, types.Retryable(err)
	}
	defer tx.Rollback()

	result := &RefreshResult{
		Stations:     len(topo.Stations),
		LinesChanged: []string{},
	}
	for _, station := range topo.Stations {
		if err := station.Update(tx); err != nil {
			return result, fmt.Errorf("Refresh: %w", err)
		}
	}

	now := types.Now()
	for _, line := range topo.Lines {
		existing, err := types.GetLine(tx, line.ID)
		switch {
		case errors.Is(err, types.ErrLineNotFound):
			line.LastUpdated = now
			result.LinesChanged = append(result.LinesChanged, line.ID)
		case err != nil:
			return result, fmt.Errorf("Refresh: %w", err)
		case existing.TopologyEqual(line):
			line.LastUpdated = existing.LastUpdated
			result.LinesUnchanged++
		default:
			line.LastUpdated = now
			result.LinesChanged = append(result.LinesChanged, line.ID)
		}
		if err := line.Update(tx); err != nil {
			return result, fmt.Errorf("Refresh: %w", err)
		}
	}

	result.Rebuild, err = s.rebuild(tx)
	if err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, types.Retryable(err)
	}
	s.cache.Flush()

	if len(result.LinesChanged) > 0 {
		s.log.Printf("Topology refreshed, lines changed: %v\n", result.LinesChanged)
	}
	return result, nil
}

// Graph returns the active connection graph as an adjacency map keyed by
// station ID. Neighbors are sorted by station and line.
func (s *Store) Graph() (map[string][]Neighbor, error) {
	connections, err := types.GetActiveConnections(s.node)
	if err != nil {
		return nil, types.Retryable(err)
	}
	if len(connections) == 0 {
		return nil, types.ErrTopologyUnavailable
	}
	graph := make(map[string][]Neighbor)
	for _, c := range connections {
		graph[c.FromStation] = append(graph[c.FromStation], Neighbor{StationID: c.ToStation, LineID: c.LineID})
	}
	for _, neighbors := range graph {
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].StationID != neighbors[j].StationID {
				return neighbors[i].StationID < neighbors[j].StationID
			}
			return neighbors[i].LineID < neighbors[j].LineID
		})
	}
	return graph, nil
}

// ConnectionExists returns whether there is an active connection from one
// station to the next on the given line. It fails with
// ErrTopologyUnavailable when there are no active connections at all.
func (s *Store) ConnectionExists(from, to, lineID string) (bool, error) {
	tx, err := s.node.Beginx()
	if err != nil {
		return false, types.Retryable(err)
	}
	defer tx.Commit() // read-only tx

	exists, err := types.ConnectionExists(tx, from, to, lineID)
	if err != nil || exists {
		return exists, err
	}
	count, err := types.CountActiveConnections(tx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, types.ErrTopologyUnavailable
	}
	return false, nil
}

// Reachable returns whether to can be reached from from. When lineID is not
// empty, only connections of that line are followed.
func (s *Store) Reachable(from, to, lineID string) (bool, error) {
	graph, err := s.Graph()
	if err != nil {
		return false, err
	}
	return reachable(graph, from, to, lineID), nil
}

func reachable(graph map[string][]Neighbor, from, to, lineID string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range graph[cur] {
			if lineID != "" && n.LineID != lineID {
				continue
			}
			if n.StationID == to {
				return true
			}
			if !visited[n.StationID] {
				visited[n.StationID] = true
				queue = append(queue, n.StationID)
			}
		}
	}
	return false
}

// ShortestPath returns a path with the fewest hops between two stations,
// across any lines. Hub members are not implicitly joined.
func (s *Store) ShortestPath(from, to string) ([]Hop, error) {
	graph, err := s.Graph()
	if err != nil {
		return nil, err
	}
	if from == to {
		return []Hop{{StationID: from}}, nil
	}

	prev := map[string]Hop{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range graph[cur] {
			if _, seen := prev[n.StationID]; seen {
				continue
			}
			prev[n.StationID] = Hop{StationID: cur, LineID: n.LineID}
			if n.StationID == to {
				return buildPath(prev, from, to), nil
			}
			queue = append(queue, n.StationID)
		}
	}
	return nil, fmt.Errorf("ShortestPath %s to %s: %w", from, to, ErrNoPath)
}

func buildPath(prev map[string]Hop, from, to string) []Hop {
	path := []Hop{}
	for cur := to; cur != from; {
		p := prev[cur]
		path = append(path, Hop{StationID: cur, LineID: p.LineID})
		cur = p.StationID
	}
	path = append(path, Hop{StationID: from})
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
