package types

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// StationConnection connects two stations in a single direction along a line.
// Connections are soft-deleted so that a topology rebuild can supersede the
// whole set inside one transaction.
type StationConnection struct {
	ID          string
	FromStation string
	ToStation   string
	LineID      string
	CreatedAt   time.Time
	DeletedAt   pq.NullTime
}

// Deleted returns whether the connection has been superseded
func (connection *StationConnection) Deleted() bool {
	return connection.DeletedAt.Valid
}

// GetActiveConnections returns all connections that are not deleted
func GetActiveConnections(node sqalx.Node) ([]*StationConnection, error) {
	s := sdb.Select().
		Where("deleted_at IS NULL").
		OrderBy("from_station ASC", "to_station ASC", "line_id ASC")
	return getConnectionsWithSelect(node, s)
}

// GetConnectionHistory returns every connection ever recorded between two
// stations on a line, deleted ones included, oldest first
func GetConnectionHistory(node sqalx.Node, from, to, lineID string) ([]*StationConnection, error) {
	s := sdb.Select().
		Where(sq.Eq{"from_station": from, "to_station": to, "line_id": lineID}).
		OrderBy("created_at ASC")
	return getConnectionsWithSelect(node, s)
}

func getConnectionsWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*StationConnection, error) {
	connections := []*StationConnection{}

	tx, err := node.Beginx()
	if err != nil {
		return connections, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "from_station", "to_station", "line_id", "created_at", "deleted_at").
		From("station_connection").
		RunWith(tx).Query()
	if err != nil {
		return connections, fmt.Errorf("getConnectionsWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var connection StationConnection
		err := rows.Scan(
			&connection.ID,
			&connection.FromStation,
			&connection.ToStation,
			&connection.LineID,
			&connection.CreatedAt,
			&connection.DeletedAt)
		if err != nil {
			return connections, fmt.Errorf("getConnectionsWithSelect: %w", err)
		}
		connections = append(connections, &connection)
	}
	if err := rows.Err(); err != nil {
		return connections, fmt.Errorf("getConnectionsWithSelect: %w", err)
	}
	return connections, nil
}

// CountActiveConnections returns the number of connections that are not deleted
func CountActiveConnections(node sqalx.Node) (int, error) {
	tx, err := node.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Commit() // read-only tx

	query, args, err := sdb.Select("COUNT(*)").
		From("station_connection").
		Where("deleted_at IS NULL").ToSql()
	if err != nil {
		return 0, fmt.Errorf("CountActiveConnections: %w", err)
	}
	var count int
	if err := tx.Get(&count, query, args...); err != nil {
		return 0, fmt.Errorf("CountActiveConnections: %w", err)
	}
	return count, nil
}

// ConnectionExists returns whether there is an active connection from one
// station to another on the given line
func ConnectionExists(node sqalx.Node, from, to, lineID string) (bool, error) {
	tx, err := node.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Commit() // read-only tx

	query, args, err := sdb.Select("COUNT(*)").
		From("station_connection").
		Where(sq.Eq{"from_station": from, "to_station": to, "line_id": lineID}).
		Where("deleted_at IS NULL").ToSql()
	if err != nil {
		return false, fmt.Errorf("ConnectionExists: %w", err)
	}
	var count int
	if err := tx.Get(&count, query, args...); err != nil {
		return false, fmt.Errorf("ConnectionExists: %w", err)
	}
	return count > 0, nil
}

// SoftDeleteActiveConnections marks every active connection as deleted at
// the given time and returns how many were affected
func SoftDeleteActiveConnections(node sqalx.Node, at time.Time) (int, error) {
	tx, err := node.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := sdb.Update("station_connection").
		Set("deleted_at", Timestamp(at)).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return 0, fmt.Errorf("SoftDeleteActiveConnections: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("SoftDeleteActiveConnections: %w", err)
	}
	return int(affected), tx.Commit()
}

// InsertConnections adds the given connections, assigning IDs and creation
// times to those that lack them
func InsertConnections(node sqalx.Node, connections []*StationConnection) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	for start := 0; start < len(connections); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(connections) {
			end = len(connections)
		}
		builder := sdb.Insert("station_connection").
			Columns("id", "from_station", "to_station", "line_id", "created_at", "deleted_at")
		for _, connection := range connections[start:end] {
			if connection.ID == "" {
				connection.ID, err = newID()
				if err != nil {
					return fmt.Errorf("InsertConnections: %w", err)
				}
			}
			if connection.CreatedAt.IsZero() {
				connection.CreatedAt = now
			}
			builder = builder.Values(connection.ID, connection.FromStation, connection.ToStation,
				connection.LineID, connection.CreatedAt, connection.DeletedAt)
		}
		if _, err := builder.RunWith(tx).Exec(); err != nil {
			return fmt.Errorf("InsertConnections: %w", err)
		}
	}
	return tx.Commit()
}

// SoftDelete marks the connection as deleted
func (connection *StationConnection) SoftDelete(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = sdb.Update("station_connection").
		Set("deleted_at", now).
		Where(sq.Eq{"id": connection.ID}).
		Where("deleted_at IS NULL").
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("SoftDeleteConnection: %w", err)
	}
	connection.DeletedAt = pq.NullTime{Time: now, Valid: true}
	return tx.Commit()
}
