// Package statusfeed implements the line status and topology feeds over the
// JSON HTTP API of the network operator.
package statusfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/underlx/routealerts/types"
)

const maxResponseSize = 8 * 1024 * 1024

// Client fetches line statuses and topology from the operator API
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client

	log              *log.Logger
	mu               sync.Mutex
	previousResponse []byte
}

// NewClient returns a Client for the API at baseURL
func NewClient(baseURL, bearerToken string, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: logger,
	}
}

type affectedRoute struct {
	Name             string   `json:"name"`
	Direction        string   `json:"direction"`
	AffectedStations []string `json:"affected_stations"`
}

type lineStatus struct {
	LineID                    string          `json:"line_id"`
	LineName                  string          `json:"line_name"`
	Mode                      string          `json:"mode"`
	StatusSeverity            int             `json:"status_severity"`
	StatusSeverityDescription string          `json:"status_severity_description"`
	Reason                    string          `json:"reason"`
	AffectedRoutes            []affectedRoute `json:"affected_routes"`
}

type routeVariant struct {
	Direction   string   `json:"direction"`
	ServiceType string   `json:"service_type"`
	Stations    []string `json:"stations"`
}

type line struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Mode          string         `json:"mode"`
	RouteVariants []routeVariant `json:"route_variants"`
}

type station struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Lines   []string `json:"lines"`
	HubCode string   `json:"hub_code"`
	HubName string   `json:"hub_name"`
}

type topologyResponse struct {
	Lines    []line    `json:"lines"`
	Stations []station `json:"stations"`
}

// FetchDisruptions implements scraper.DisruptionSource
func (c *Client) FetchDisruptions(ctx context.Context) ([]*types.Disruption, error) {
	content, err := c.get(ctx, "/line/status")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !bytes.Equal(content, c.previousResponse) {
		c.log.Printf("New status with length %d\n", len(content))
		c.previousResponse = content
	}
	c.mu.Unlock()

	var statuses []lineStatus
	if err := json.Unmarshal(content, &statuses); err != nil {
		return nil, fmt.Errorf("FetchDisruptions: %w", err)
	}

	disruptions := make([]*types.Disruption, 0, len(statuses))
	for _, s := range statuses {
		if s.LineID == "" {
			c.log.Println("Ignoring status without line id")
			continue
		}
		d := &types.Disruption{
			LineID:              s.LineID,
			LineName:            s.LineName,
			Mode:                s.Mode,
			SeverityLevel:       s.StatusSeverity,
			SeverityDescription: s.StatusSeverityDescription,
			Reason:              s.Reason,
		}
		for _, r := range s.AffectedRoutes {
			d.AffectedRoutes = append(d.AffectedRoutes, types.AffectedRoute{
				Name:             r.Name,
				Direction:        r.Direction,
				AffectedStations: r.AffectedStations,
			})
		}
		disruptions = append(disruptions, d)
	}
	return disruptions, nil
}

// FetchTopology implements scraper.TopologySource
func (c *Client) FetchTopology(ctx context.Context) (*types.Topology, error) {
	content, err := c.get(ctx, "/topology")
	if err != nil {
		return nil, err
	}
	var response topologyResponse
	if err := json.Unmarshal(content, &response); err != nil {
		return nil, fmt.Errorf("FetchTopology: %w", err)
	}

	topology := &types.Topology{}
	for _, l := range response.Lines {
		tl := &types.Line{
			ID:            l.ID,
			Name:          l.Name,
			Mode:          l.Mode,
			RouteVariants: []types.RouteVariant{},
		}
		for _, v := range l.RouteVariants {
			tl.RouteVariants = append(tl.RouteVariants, types.RouteVariant{
				Direction:   v.Direction,
				ServiceType: v.ServiceType,
				Stations:    v.Stations,
			})
		}
		topology.Lines = append(topology.Lines, tl)
	}
	for _, s := range response.Stations {
		topology.Stations = append(topology.Stations, &types.Station{
			ID:      s.ID,
			Name:    s.Name,
			Lat:     s.Lat,
			Lon:     s.Lon,
			LineIDs: s.Lines,
			HubCode: s.HubCode,
			HubName: s.HubName,
		})
	}
	return topology, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	response, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, types.Retryable(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, types.Retryable(fmt.Errorf("non-200 status code (%d) in response to %s", response.StatusCode, path))
	}
	content, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize+1))
	if err != nil {
		return nil, types.Retryable(err)
	}
	if len(content) > maxResponseSize {
		return nil, fmt.Errorf("response to %s unexpectedly big", path)
	}
	return content, nil
}
