package types

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// RouteStationIndex is one (route, line, station) entry of the inverted index
// that maps stations to the routes travelling through them. StationID is the
// canonical station identity (hub code for hub members).
type RouteStationIndex struct {
	ID      string
	RouteID string
	LineID  string
	// StationID is canonical: the hub code for hub members
	StationID string
	// SegmentSequence is the lowest sequence of the route segments whose
	// hop covers this station
	SegmentSequence int
	// LineVersion is the LastUpdated of the line when the entry was built
	LineVersion time.Time
	CreatedAt   time.Time
	DeletedAt   pq.NullTime
}

// Stale returns whether the entry was built against a different version of
// the given line
func (entry *RouteStationIndex) Stale(line *Line) bool {
	return line == nil || !Timestamp(entry.LineVersion).Equal(Timestamp(line.LastUpdated))
}

// GetActiveRouteIndex returns the live index entries of a route
func GetActiveRouteIndex(node sqalx.Node, routeID string) ([]*RouteStationIndex, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		OrderBy("line_id ASC", "station_id ASC")
	return getIndexEntriesWithSelect(node, s)
}

// GetAllActiveIndexEntries returns the live index entries of every route
func GetAllActiveIndexEntries(node sqalx.Node) ([]*RouteStationIndex, error) {
	s := sdb.Select().
		Where("deleted_at IS NULL").
		OrderBy("route_id ASC", "line_id ASC", "station_id ASC")
	return getIndexEntriesWithSelect(node, s)
}

// GetRouteIDsForLineStation returns the routes whose live index contains the
// given line and canonical station
func GetRouteIDsForLineStation(node sqalx.Node, lineID, stationID string) ([]string, error) {
	entries, err := getIndexEntriesWithSelect(node, sdb.Select().
		Where(sq.Eq{"line_id": lineID, "station_id": stationID}).
		Where("deleted_at IS NULL").
		OrderBy("route_id ASC"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].RouteID
	}
	return ids, nil
}

func getIndexEntriesWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*RouteStationIndex, error) {
	entries := []*RouteStationIndex{}

	tx, err := node.Beginx()
	if err != nil {
		return entries, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "route_id", "line_id", "station_id", "segment_sequence",
		"line_version", "created_at", "deleted_at").
		From("route_station_index").
		RunWith(tx).Query()
	if err != nil {
		return entries, fmt.Errorf("getIndexEntriesWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry RouteStationIndex
		err := rows.Scan(
			&entry.ID,
			&entry.RouteID,
			&entry.LineID,
			&entry.StationID,
			&entry.SegmentSequence,
			&entry.LineVersion,
			&entry.CreatedAt,
			&entry.DeletedAt)
		if err != nil {
			return entries, fmt.Errorf("getIndexEntriesWithSelect: %w", err)
		}
		entry.LineVersion = Timestamp(entry.LineVersion)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return entries, fmt.Errorf("getIndexEntriesWithSelect: %w", err)
	}
	return entries, nil
}

// ReplaceRouteIndex soft-deletes the live index entries of a route and inserts
// the given ones, in a single transaction. Readers see either the old or the
// new set.
func ReplaceRouteIndex(node sqalx.Node, routeID string, entries []*RouteStationIndex) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = sdb.Update("route_station_index").
		Set("deleted_at", now).
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("ReplaceRouteIndex: %w", err)
	}

	for start := 0; start < len(entries); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		builder := sdb.Insert("route_station_index").
			Columns("id", "route_id", "line_id", "station_id", "segment_sequence", "line_version", "created_at", "deleted_at")
		for _, entry := range entries[start:end] {
			entry.ID, err = newID()
			if err != nil {
				return fmt.Errorf("ReplaceRouteIndex: %w", err)
			}
			entry.RouteID = routeID
			entry.CreatedAt = now
			entry.DeletedAt = pq.NullTime{}
			entry.LineVersion = Timestamp(entry.LineVersion)
			builder = builder.Values(entry.ID, entry.RouteID, entry.LineID, entry.StationID, entry.SegmentSequence,
				entry.LineVersion, entry.CreatedAt, entry.DeletedAt)
		}
		if _, err := builder.RunWith(tx).Exec(); err != nil {
			return fmt.Errorf("ReplaceRouteIndex: %w", err)
		}
	}
	return tx.Commit()
}
