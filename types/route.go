package types

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// UserRoute is a commute route registered by a user. A route exclusively owns
// its segments, schedules, index rows and notification preferences.
type UserRoute struct {
	ID        string
	UserID    string
	Name      string
	Timezone  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt pq.NullTime
}

// GetRoutes returns all routes that are not deleted
func GetRoutes(node sqalx.Node) ([]*UserRoute, error) {
	s := sdb.Select().
		Where("deleted_at IS NULL").
		OrderBy("id ASC")
	return getRoutesWithSelect(node, s)
}

// GetActiveRoutes returns the routes that are neither deleted nor disabled by their owner
func GetActiveRoutes(node sqalx.Node) ([]*UserRoute, error) {
	s := sdb.Select().
		Where("deleted_at IS NULL").
		Where(sq.Eq{"active": true}).
		OrderBy("id ASC")
	return getRoutesWithSelect(node, s)
}

func getRoutesWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*UserRoute, error) {
	routes := []*UserRoute{}

	tx, err := node.Beginx()
	if err != nil {
		return routes, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "user_id", "name", "timezone", "active", "created_at", "updated_at", "deleted_at").
		From("user_route").
		RunWith(tx).Query()
	if err != nil {
		return routes, fmt.Errorf("getRoutesWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var route UserRoute
		err := rows.Scan(
			&route.ID,
			&route.UserID,
			&route.Name,
			&route.Timezone,
			&route.Active,
			&route.CreatedAt,
			&route.UpdatedAt,
			&route.DeletedAt)
		if err != nil {
			return routes, fmt.Errorf("getRoutesWithSelect: %w", err)
		}
		routes = append(routes, &route)
	}
	if err := rows.Err(); err != nil {
		return routes, fmt.Errorf("getRoutesWithSelect: %w", err)
	}
	return routes, nil
}

// GetRoute returns the live route with the given ID
func GetRoute(node sqalx.Node, id string) (*UserRoute, error) {
	s := sdb.Select().
		Where(sq.Eq{"id": id}).
		Where("deleted_at IS NULL")
	routes, err := getRoutesWithSelect(node, s)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("GetRoute %s: %w", id, ErrRouteNotFound)
	}
	return routes[0], nil
}

// GetRouteIDs returns the IDs of all live routes
func GetRouteIDs(node sqalx.Node) ([]string, error) {
	routes, err := GetRoutes(node)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(routes))
	for i := range routes {
		ids[i] = routes[i].ID
	}
	return ids, nil
}

// Location returns the time zone the route schedules are expressed in
func (route *UserRoute) Location() (*time.Location, error) {
	if route.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(route.Timezone)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", route.ID, err)
	}
	return loc, nil
}

// Segments returns the active segments of the route, ordered by sequence
func (route *UserRoute) Segments(node sqalx.Node) ([]*RouteSegment, error) {
	return GetRouteSegments(node, route.ID)
}

// Schedules returns the active schedules of the route
func (route *UserRoute) Schedules(node sqalx.Node) ([]*RouteSchedule, error) {
	return GetRouteSchedules(node, route.ID)
}

// Preferences returns the active notification preferences of the route
func (route *UserRoute) Preferences(node sqalx.Node) ([]*NotificationPreference, error) {
	return GetRoutePreferences(node, route.ID)
}

// MonitoredAt returns whether the route should be checked for disruptions at
// the given time. Routes without schedules are monitored only when
// includeUnscheduled is set.
func (route *UserRoute) MonitoredAt(node sqalx.Node, t time.Time, includeUnscheduled bool) (bool, error) {
	if !route.Active || route.DeletedAt.Valid {
		return false, nil
	}
	schedules, err := route.Schedules(node)
	if err != nil {
		return false, err
	}
	if len(schedules) == 0 {
		return includeUnscheduled, nil
	}
	loc, err := route.Location()
	if err != nil {
		return false, err
	}
	for _, schedule := range schedules {
		if schedule.ActiveAt(t, loc) {
			return true, nil
		}
	}
	return false, nil
}

// Update adds or updates the route
func (route *UserRoute) Update(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if route.ID == "" {
		route.ID, err = newID()
		if err != nil {
			return fmt.Errorf("UpdateRoute: %w", err)
		}
	}
	now := Now()
	if route.CreatedAt.IsZero() {
		route.CreatedAt = now
	}
	route.UpdatedAt = now
	if route.Timezone == "" {
		route.Timezone = "UTC"
	}
	if _, err := route.Location(); err != nil {
		return fmt.Errorf("UpdateRoute: %w", err)
	}

	_, err = sdb.Insert("user_route").
		Columns("id", "user_id", "name", "timezone", "active", "created_at", "updated_at", "deleted_at").
		Values(route.ID, route.UserID, route.Name, route.Timezone, route.Active, route.CreatedAt, route.UpdatedAt, route.DeletedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET user_id = ?, name = ?, timezone = ?, active = ?, updated_at = ?, deleted_at = ?",
			route.UserID, route.Name, route.Timezone, route.Active, route.UpdatedAt, route.DeletedAt).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdateRoute: %w", err)
	}
	return tx.Commit()
}

// Delete soft-deletes the route together with everything it owns, in a
// single transaction
func (route *UserRoute) Delete(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	for _, table := range []string{"route_segment", "route_schedule", "route_station_index", "notification_preference"} {
		_, err := sdb.Update(table).
			Set("deleted_at", now).
			Where(sq.Eq{"route_id": route.ID}).
			Where("deleted_at IS NULL").
			RunWith(tx).Exec()
		if err != nil {
			return fmt.Errorf("DeleteRoute: %s: %w", table, err)
		}
	}

	result, err := sdb.Update("user_route").
		Set("deleted_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": route.ID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("DeleteRoute: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("DeleteRoute %s: %w", route.ID, ErrRouteNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	route.DeletedAt = pq.NullTime{Time: now, Valid: true}
	route.UpdatedAt = now
	return nil
}
