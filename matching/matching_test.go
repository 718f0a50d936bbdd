package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/testutil"
	"github.com/underlx/routealerts/types"
)

var disabled = []*types.AlertDisabledSeverity{
	{Mode: "tube", SeverityLevel: 10, IsClearedState: true, Description: "Good Service"},
	{Mode: "tube", SeverityLevel: 20, Description: "Service Closed"},
	{Mode: "rail", SeverityLevel: 18, IsClearedState: true, Description: "No Issues"},
}

func disruption(line, mode string, level int, stations ...string) *types.Disruption {
	d := &types.Disruption{
		LineID:              line,
		Mode:                mode,
		SeverityLevel:       level,
		SeverityDescription: "Minor Delays",
	}
	if len(stations) > 0 {
		d.AffectedRoutes = []types.AffectedRoute{{Name: "route", Direction: "outbound", AffectedStations: stations}}
	}
	return d
}

func TestFilterAlertable(t *testing.T) {
	good := disruption("victoria", "tube", 10)
	closed := disruption("jubilee", "tube", 20)
	delays := disruption("central", "tube", 9)
	railGood := disruption("southeastern", "rail", 18)
	// the same level on another mode is not disabled
	busTen := disruption("N29", "bus", 10)

	alertable := FilterAlertable([]*types.Disruption{good, closed, delays, railGood, busTen}, disabled)
	assert.Equal(t, []*types.Disruption{delays, busTen}, alertable)

	assert.Empty(t, FilterAlertable(nil, disabled))
	assert.Len(t, FilterAlertable([]*types.Disruption{good}, nil), 1)
}

func TestClearedStates(t *testing.T) {
	good := disruption("victoria", "tube", 10)
	closed := disruption("jubilee", "tube", 20)
	railGood := disruption("southeastern", "rail", 18)

	cleared := ClearedStates([]*types.Disruption{good, closed, railGood}, disabled)
	assert.Equal(t, map[string]*types.Disruption{"victoria": good, "southeastern": railGood}, cleared)
}

func TestMatchToRoute(t *testing.T) {
	index := NewRouteIndex("r1", []*types.RouteStationIndex{
		{LineID: "victoria", StationID: "A", SegmentSequence: 1},
		{LineID: "victoria", StationID: "B", SegmentSequence: 1},
		{LineID: "victoria", StationID: "HUBX", SegmentSequence: 1},
		{LineID: "southeastern", StationID: "HUBX", SegmentSequence: 2},
		{LineID: "southeastern", StationID: "R1", SegmentSequence: 2},
	})
	assert.Equal(t, 5, index.Len())
	assert.Equal(t, []string{"southeastern", "victoria"}, index.Lines())

	onRoute := disruption("victoria", "tube", 6, "B", "Z")
	offRoute := disruption("victoria", "tube", 6, "Y", "Z")
	otherLine := disruption("jubilee", "tube", 6, "A")
	wholeLine := disruption("southeastern", "rail", 6)

	matches := MatchToRoute(index, []*types.Disruption{onRoute, offRoute, otherLine, wholeLine})
	require.Len(t, matches, 2)

	assert.Equal(t, onRoute, matches[0].Disruption)
	assert.Equal(t, []string{"B"}, matches[0].Stations)
	assert.Equal(t, []int{1}, matches[0].Segments)

	assert.Equal(t, wholeLine, matches[1].Disruption)
	assert.Equal(t, []string{"HUBX", "R1"}, matches[1].Stations)
	assert.Equal(t, []int{2}, matches[1].Segments)

	assert.Equal(t, []string{"southeastern", "victoria"}, AffectedLines(matches))
	byLine := ByLine(matches)
	assert.Len(t, byLine["victoria"], 1)
	assert.Len(t, byLine["southeastern"], 1)

	assert.Empty(t, MatchToRoute(NewRouteIndex("empty", nil), []*types.Disruption{onRoute}))
}

func TestMatchRouteWithHubs(t *testing.T) {
	node := testutil.NewNode(t)
	testutil.Line(t, node, "victoria", "tube")
	testutil.Line(t, node, "southeastern", "rail")
	testutil.Station(t, node, "940GZZLUSVS", "HUBX", "victoria")
	testutil.Station(t, node, "910GSEVNSIS", "HUBX", "southeastern")

	tubeRoute := testutil.Route(t, node, "user1", "tube")
	railRoute := testutil.Route(t, node, "user2", "rail")
	now := types.Now()
	require.NoError(t, types.ReplaceRouteIndex(node, tubeRoute.ID, []*types.RouteStationIndex{
		{LineID: "victoria", StationID: "HUBX", SegmentSequence: 1, LineVersion: now},
	}))
	require.NoError(t, types.ReplaceRouteIndex(node, railRoute.ID, []*types.RouteStationIndex{
		{LineID: "southeastern", StationID: "HUBX", SegmentSequence: 1, LineVersion: now},
	}))

	service := NewService(node, types.NewStationCache(time.Minute))
	raw := []*types.Disruption{disruption("southeastern", "rail", 6, "910GSEVNSIS")}
	canonical, err := service.Canonicalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"HUBX"}, canonical[0].AffectedRoutes[0].AffectedStations)
	assert.Equal(t, []string{"910GSEVNSIS"}, raw[0].AffectedRoutes[0].AffectedStations)

	matches, err := service.MatchRoute(railRoute.ID, canonical)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"HUBX"}, matches[0].Stations)

	matches, err = service.MatchRoute(tubeRoute.ID, canonical)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// reported against the tube entry, on the tube line
	tube, err := service.Canonicalize([]*types.Disruption{disruption("victoria", "tube", 6, "940GZZLUSVS")})
	require.NoError(t, err)
	matches, err = service.MatchRoute(tubeRoute.ID, tube)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	severity := &types.AlertDisabledSeverity{Mode: "tube", SeverityLevel: 10, IsClearedState: true}
	require.NoError(t, severity.Update(node))
	table, err := service.DisabledSeverities()
	require.NoError(t, err)
	assert.Len(t, table, 1)
}
