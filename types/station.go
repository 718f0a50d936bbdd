package types

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/gbl08ma/sqalx"
	"github.com/lib/pq"
)

// Station is a network station. Several stations may share a hub code when
// they are entries of different modes into the same physical interchange.
type Station struct {
	ID      string
	Name    string
	Lat     float64
	Lon     float64
	LineIDs []string
	HubCode string
	HubName string
}

// CanonicalID returns the identity used for disruption matching: the hub
// code when the station belongs to a hub, its own ID otherwise
func (station *Station) CanonicalID() string {
	if station.HubCode != "" {
		return station.HubCode
	}
	return station.ID
}

// GetStations returns a slice with all registered stations
func GetStations(node sqalx.Node) ([]*Station, error) {
	return getStationsWithSelect(node, sdb.Select().OrderBy("id ASC"))
}

func getStationsWithSelect(node sqalx.Node, sbuilder sq.SelectBuilder) ([]*Station, error) {
	stations := []*Station{}

	tx, err := node.Beginx()
	if err != nil {
		return stations, err
	}
	defer tx.Commit() // read-only tx

	rows, err := sbuilder.Columns("id", "name", "lat", "lon", "line_ids", "hub_code", "hub_name").
		From("station").
		RunWith(tx).Query()
	if err != nil {
		return stations, fmt.Errorf("getStationsWithSelect: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var station Station
		var lineIDs pq.StringArray
		var hubCode, hubName sql.NullString
		err := rows.Scan(
			&station.ID,
			&station.Name,
			&station.Lat,
			&station.Lon,
			&lineIDs,
			&hubCode,
			&hubName)
		if err != nil {
			return stations, fmt.Errorf("getStationsWithSelect: %w", err)
		}
		station.LineIDs = lineIDs
		station.HubCode = hubCode.String
		station.HubName = hubName.String
		stations = append(stations, &station)
	}
	if err := rows.Err(); err != nil {
		return stations, fmt.Errorf("getStationsWithSelect: %w", err)
	}
	return stations, nil
}

// GetStation returns the Station with the given ID
func GetStation(node sqalx.Node, id string) (*Station, error) {
	s := sdb.Select().
		Where(sq.Eq{"id": id})
	stations, err := getStationsWithSelect(node, s)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("GetStation %s: %w", id, ErrStationNotFound)
	}
	return stations[0], nil
}

// GetStationsByHub returns the stations that share the given hub code
func GetStationsByHub(node sqalx.Node, hubCode string) ([]*Station, error) {
	s := sdb.Select().
		Where(sq.Eq{"hub_code": hubCode}).
		OrderBy("id ASC")
	return getStationsWithSelect(node, s)
}

// GetHubCodes returns a map from station ID to hub code, for all stations
// that belong to a hub
func GetHubCodes(node sqalx.Node) (map[string]string, error) {
	stations, err := getStationsWithSelect(node, sdb.Select().Where("hub_code IS NOT NULL"))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(stations))
	for _, station := range stations {
		if station.HubCode != "" {
			m[station.ID] = station.HubCode
		}
	}
	return m, nil
}

// Update adds or updates the station
func (station *Station) Update(node sqalx.Node) error {
	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lineIDs := pq.StringArray(station.LineIDs)
	if lineIDs == nil {
		lineIDs = pq.StringArray{}
	}
	hubCode := sql.NullString{String: station.HubCode, Valid: station.HubCode != ""}
	hubName := sql.NullString{String: station.HubName, Valid: station.HubName != ""}

	_, err = sdb.Insert("station").
		Columns("id", "name", "lat", "lon", "line_ids", "hub_code", "hub_name").
		Values(station.ID, station.Name, station.Lat, station.Lon, lineIDs, hubCode, hubName).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = ?, lat = ?, lon = ?, line_ids = ?, hub_code = ?, hub_name = ?",
			station.Name, station.Lat, station.Lon, lineIDs, hubCode, hubName).
		RunWith(tx).Exec()
	if err != nil {
		return fmt.Errorf("UpdateStation: %w", err)
	}
	return tx.Commit()
}
