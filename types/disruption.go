package types

// Disruption is the current status of one line as reported by the upstream
// disruption feed
type Disruption struct {
	LineID              string          `json:"lineId"`
	LineName            string          `json:"lineName,omitempty"`
	Mode                string          `json:"mode"`
	SeverityLevel       int             `json:"statusSeverity"`
	SeverityDescription string          `json:"statusSeverityDescription"`
	Reason              string          `json:"reason,omitempty"`
	AffectedRoutes      []AffectedRoute `json:"affectedRoutes,omitempty"`
}

// AffectedRoute is the per-direction station detail of a disruption
type AffectedRoute struct {
	Name             string   `json:"name"`
	Direction        string   `json:"direction"`
	AffectedStations []string `json:"affectedStations"`
}

// AffectedStationIDs returns the raw station ids named by the disruption,
// deduplicated, in the order they first appear
func (d *Disruption) AffectedStationIDs() []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, route := range d.AffectedRoutes {
		for _, id := range route.AffectedStations {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// HasStationDetail returns whether the disruption names any station
func (d *Disruption) HasStationDetail() bool {
	for _, route := range d.AffectedRoutes {
		if len(route.AffectedStations) > 0 {
			return true
		}
	}
	return false
}

// LineStation is a (line, canonical station) pair, the key of the inverted
// route station index
type LineStation struct {
	LineID    string
	StationID string
}

// Topology is a snapshot of the network as published by the upstream
// topology feed
type Topology struct {
	Lines    []*Line
	Stations []*Station
}
