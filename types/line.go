package types

import (
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
)

// Line is a transit line of the network
type Line struct {
	// ID is the stable external id given by the upstream feed
	ID            string
	Name          string
	Mode          string
	RouteVariants []RouteVariant
	// LastUpdated changes whenever the topology of the line changes and is
	// the version that route station index entries are stamped with
	LastUpdated time.Time
}

// RouteVariant is one directional path along a line
type RouteVariant struct {
	Direction   string   `json:"direction"`
	ServiceType string   `json:"serviceType"`
	Stations    []string `json:"stations"`
}

// GetLines returns a slice with all registered lines
func GetLines(node sqalx.Node) ([]*Line, error) {
	return getLinesWithSelect(node, sdb.Select().OrderBy("id ASC"))
}

func getLinesWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*Line, error) {
	lines := []*Line{}

	tx, err := node.Beginx()
	if err != nil {
		return lines, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "name", "mode", "route_variants", "last_updated").
		From("line").
		RunWith(tx).Query()
	if err != nil {
		return lines, fmt.Errorf("getLinesWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line Line
		var variants string
		err := rows.Scan(
			&line.ID,
			&line.Name,
			&line.Mode,
			&variants,
			&line.LastUpdated)
		if err != nil {
			return lines, fmt.Errorf("getLinesWithSelect: %w", err)
		}
		if err := json.Unmarshal([]byte(variants), &line.RouteVariants); err != nil {
			return lines, fmt.Errorf("getLinesWithSelect: line %s: %w", line.ID, err)
		}
		line.LastUpdated = Timestamp(line.LastUpdated)
		lines = append(lines, &line)
	}
	if err := rows.Err(); err != nil {
		return lines, fmt.Errorf("getLinesWithSelect: %w", err)
	}
	return lines, nil
}

// GetLine returns the Line with the given ID
func GetLine(node sqalx.Node, id string) (*Line, error) {
	s := sdb.Select().
		Where(sq.Eq{"id": id})
	lines, err := getLinesWithSelect(node, s)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("GetLine %s: %w", id, ErrLineNotFound)
	}
	return lines[0], nil
}

// GetLinesByID returns the lines with the given IDs, keyed by ID.
// Unknown IDs are absent from the result.
func GetLinesByID(node sqalx.Node, ids []string) (map[string]*Line, error) {
	m := make(map[string]*Line)
	if len(ids) == 0 {
		return m, nil
	}
	lines, err := getLinesWithSelect(node, sdb.Select().Where(sq.Eq{"id": ids}))
	if err != nil {
		return m, err
	}
	for _, line := range lines {
		m[line.ID] = line
	}
	return m, nil
}

// HasStations returns whether at least one route variant of the line lists stations
func (line *Line) HasStations() bool {
	for _, variant := range line.RouteVariants {
		if len(variant.Stations) > 0 {
			return true
		}
	}
	return false
}

// TopologyEqual returns whether the line has the same name, mode and route
// variants (in the same order) as other
func (line *Line) TopologyEqual(other *Line) bool {
	if line.Name != other.Name || line.Mode != other.Mode ||
		len(line.RouteVariants) != len(other.RouteVariants) {
		return false
	}
	for i := range line.RouteVariants {
		a, b := line.RouteVariants[i], other.RouteVariants[i]
		if a.Direction != b.Direction || a.ServiceType != b.ServiceType || len(a.Stations) != len(b.Stations) {
			return false
		}
		for j := range a.Stations {
			if a.Stations[j] != b.Stations[j] {
				return false
			}
		}
	}
	return true
}

// Update adds or updates the line
func (line *Line) Update(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if line.RouteVariants == nil {
		line.RouteVariants = []RouteVariant{}
	}
	variants, err := json.Marshal(line.RouteVariants)
	if err != nil {
		return fmt.Errorf("UpdateLine: %w", err)
	}
	if line.LastUpdated.IsZero() {
		line.LastUpdated = Now()
	}
	line.LastUpdated = Timestamp(line.LastUpdated)

	_, err = sdb.Insert("line").
		Columns("id", "name", "mode", "route_variants", "last_updated").
		Values(line.ID, line.Name, line.Mode, string(variants), line.LastUpdated).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = ?, mode = ?, route_variants = ?, last_updated = ?",
			line.Name, line.Mode, string(variants), line.LastUpdated).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdateLine: %w", err)
	}
	return tx.Commit()
}
