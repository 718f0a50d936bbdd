// Package testutil provides an SQLite-backed sqalx.Node and fixture helpers
// for the package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/gbl08ma/sqalx"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/types"

	// sqlite driver
	_ "modernc.org/sqlite"
)

// NewNode returns a root sqalx.Node over a fresh SQLite database with the
// schema applied. The database lives in a temporary directory removed when
// the test ends.
func NewNode(t testing.TB) sqalx.Node {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "routealerts.db"))
	require.NoError(t, err)
	// a single connection serializes transactions the way row locks would
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		_, err := db.Exec(pragma)
		require.NoError(t, err)
	}

	types.SetDriver("sqlite")
	node, err := sqalx.New(db)
	require.NoError(t, err)
	require.NoError(t, types.EnsureSchema(node, "sqlite"))
	return node
}

// Variant builds a route variant for a fixture line
func Variant(direction string, stations ...string) types.RouteVariant {
	return types.RouteVariant{
		Direction:   direction,
		ServiceType: "Regular",
		Stations:    stations,
	}
}

// Line stores a line with the given route variants and returns it
func Line(t testing.TB, node sqalx.Node, id, mode string, variants ...types.RouteVariant) *types.Line {
	t.Helper()
	line := &types.Line{
		ID:            id,
		Name:          id,
		Mode:          mode,
		RouteVariants: variants,
		LastUpdated:   types.Now().Add(-time.Hour),
	}
	require.NoError(t, line.Update(node))
	return line
}

// Station stores a station serving the given lines and returns it
func Station(t testing.TB, node sqalx.Node, id, hubCode string, lineIDs ...string) *types.Station {
	t.Helper()
	station := &types.Station{
		ID:      id,
		Name:    id,
		LineIDs: lineIDs,
		HubCode: hubCode,
	}
	if hubCode != "" {
		station.HubName = hubCode
	}
	require.NoError(t, station.Update(node))
	return station
}

// Segment describes a route checkpoint in fixtures; an empty line marks the
// destination
type Segment struct {
	Station string
	Line    string
}

// Route stores an active route owned by userID with the given checkpoints,
// numbered 1, 2, 3...
func Route(t testing.TB, node sqalx.Node, userID, name string, checkpoints ...Segment) *types.UserRoute {
	t.Helper()
	route := &types.UserRoute{
		UserID:   userID,
		Name:     name,
		Timezone: "Europe/London",
		Active:   true,
	}
	require.NoError(t, route.Update(node))
	if len(checkpoints) > 0 {
		require.NoError(t, types.ReplaceRouteSegments(node, route.ID, Segments(checkpoints...)))
	}
	return route
}

// Segments converts fixture checkpoints to route segments
func Segments(checkpoints ...Segment) []*types.RouteSegment {
	segments := make([]*types.RouteSegment, len(checkpoints))
	for i, c := range checkpoints {
		segments[i] = &types.RouteSegment{
			Sequence:  i + 1,
			StationID: c.Station,
			LineID:    c.Line,
		}
	}
	return segments
}

// EmailPreference attaches an email contact to a route
func EmailPreference(t testing.TB, node sqalx.Node, routeID, email string) *types.NotificationPreference {
	t.Helper()
	pref := &types.NotificationPreference{
		RouteID:      routeID,
		EmailContact: email,
	}
	require.NoError(t, pref.Update(node))
	return pref
}
