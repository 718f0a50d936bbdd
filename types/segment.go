package types

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// RouteSegment is a checkpoint of a route: a station and the line taken from
// it. The final segment of a route has no line.
type RouteSegment struct {
	ID        string
	RouteID   string
	Sequence  int
	StationID string
	LineID    string
	CreatedAt time.Time
	DeletedAt pq.NullTime
}

// SegmentErrorKind classifies a route segment validation failure
type SegmentErrorKind string

// Kinds of SegmentError
const (
	SegmentTooFew           SegmentErrorKind = "too_few_segments"
	SegmentBadSequence      SegmentErrorKind = "bad_sequence"
	SegmentMissingLine      SegmentErrorKind = "missing_line"
	SegmentUnexpectedLine   SegmentErrorKind = "unexpected_line"
	SegmentStationNotFound  SegmentErrorKind = "station_not_found"
	SegmentLineNotFound     SegmentErrorKind = "line_not_found"
	SegmentStationNotOnLine SegmentErrorKind = "station_not_on_line"
	SegmentWrongDirection   SegmentErrorKind = "wrong_direction"
	SegmentNotConnected     SegmentErrorKind = "not_connected"
)

// SegmentError reports the segment (by position in the submitted list) that
// makes a route invalid, and why
type SegmentError struct {
	Index     int              `json:"index"`
	Kind      SegmentErrorKind `json:"kind"`
	StationID string           `json:"station,omitempty"`
	LineID    string           `json:"line,omitempty"`
	// NextStationID is set for errors about the hop leaving segment Index
	NextStationID string `json:"nextStation,omitempty"`
}

func (e *SegmentError) Error() string {
	switch e.Kind {
	case SegmentWrongDirection:
		return fmt.Sprintf("segment %d: %s to %s is in the wrong direction on line %s",
			e.Index, e.StationID, e.NextStationID, e.LineID)
	case SegmentNotConnected:
		return fmt.Sprintf("segment %d: no connection from %s to %s on line %s",
			e.Index, e.StationID, e.NextStationID, e.LineID)
	case SegmentStationNotOnLine:
		return fmt.Sprintf("segment %d: station %s is not on line %s", e.Index, e.StationID, e.LineID)
	case SegmentLineNotFound:
		return fmt.Sprintf("segment %d: line %s not found", e.Index, e.LineID)
	case SegmentStationNotFound:
		return fmt.Sprintf("segment %d: station %s not found", e.Index, e.StationID)
	}
	return fmt.Sprintf("segment %d: %s", e.Index, e.Kind)
}

func (e *SegmentError) Unwrap() error {
	return ErrInvalidSegments
}

// ValidateSegmentShape checks the structural rules of a segment list: at least
// two segments, strictly increasing sequence numbers, a line on every segment
// but the last and no line on the last
func ValidateSegmentShape(segments []*RouteSegment) error {
	if len(segments) < 2 {
		return &SegmentError{Index: len(segments) - 1, Kind: SegmentTooFew}
	}
	for i, segment := range segments {
		if i > 0 && segment.Sequence <= segments[i-1].Sequence {
			return &SegmentError{Index: i, Kind: SegmentBadSequence, StationID: segment.StationID}
		}
		last := i == len(segments)-1
		if !last && segment.LineID == "" {
			return &SegmentError{Index: i, Kind: SegmentMissingLine, StationID: segment.StationID}
		}
		if last && segment.LineID != "" {
			return &SegmentError{Index: i, Kind: SegmentUnexpectedLine, StationID: segment.StationID, LineID: segment.LineID}
		}
	}
	return nil
}

// GetRouteSegments returns the active segments of a route, ordered by sequence
func GetRouteSegments(node sqalx.Node, routeID string) ([]*RouteSegment, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		OrderBy("sequence ASC")
	return getSegmentsWithSelect(node, s)
}

// GetRouteSegmentHistory returns every segment ever recorded for a route,
// deleted ones included
func GetRouteSegmentHistory(node sqalx.Node, routeID string) ([]*RouteSegment, error) {
	s := sdb.Select().
		Where(sq.Eq{"route_id": routeID}).
		OrderBy("created_at ASC", "sequence ASC")
	return getSegmentsWithSelect(node, s)
}

func getSegmentsWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*RouteSegment, error) {
	segments := []*RouteSegment{}

	tx, err := node.Beginx()
	if err != nil {
		return segments, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "route_id", "sequence", "station_id", "line_id", "created_at", "deleted_at").
		From("route_segment").
		RunWith(tx).Query()
	if err != nil {
		return segments, fmt.Errorf("getSegmentsWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var segment RouteSegment
		var lineID sql.NullString
		err := rows.Scan(
			&segment.ID,
			&segment.RouteID,
			&segment.Sequence,
			&segment.StationID,
			&lineID,
			&segment.CreatedAt,
			&segment.DeletedAt)
		if err != nil {
			return segments, fmt.Errorf("getSegmentsWithSelect: %w", err)
		}
		segment.LineID = lineID.String
		segments = append(segments, &segment)
	}
	if err := rows.Err(); err != nil {
		return segments, fmt.Errorf("getSegmentsWithSelect: %w", err)
	}
	return segments, nil
}

// ReplaceRouteSegments soft-deletes the active segments of a route and inserts
// the given ones in their place, in a single transaction. Replacing with an
// identical list leaves an identical active set.
func ReplaceRouteSegments(node sqalx.Node, routeID string, segments []*RouteSegment) error {
	if err := ValidateSegmentShape(segments); err != nil {
		return err
	}

	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = sdb.Update("route_segment").
		Set("deleted_at", now).
		Where(sq.Eq{"route_id": routeID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("ReplaceRouteSegments: %w", err)
	}

	builder := sdb.Insert("route_segment").
		Columns("id", "route_id", "sequence", "station_id", "line_id", "created_at", "deleted_at")
	for _, segment := range segments {
		segment.ID, err = newID()
		if err != nil {
			return fmt.Errorf("ReplaceRouteSegments: %w", err)
		}
		segment.RouteID = routeID
		segment.CreatedAt = now
		segment.DeletedAt = pq.NullTime{}
		lineID := sql.NullString{String: segment.LineID, Valid: segment.LineID != ""}
		builder = builder.Values(segment.ID, segment.RouteID, segment.Sequence, segment.StationID, lineID,
			segment.CreatedAt, segment.DeletedAt)
	}
	if _, err := builder.RunWith(tx).Exec(); err != nil {
		return fmt.Errorf("ReplaceRouteSegments: %w", err)
	}

	_, err = sdb.Update("user_route").
		Set("updated_at", now).
		Where(sq.Eq{"id": routeID}).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("ReplaceRouteSegments: %w", err)
	}
	return tx.Commit()
}
