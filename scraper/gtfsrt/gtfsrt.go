// Package gtfsrt turns the service alerts of a GTFS-Realtime feed into line
// disruptions.
package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/thoas/go-funk"
	"github.com/underlx/routealerts/types"
	"google.golang.org/protobuf/proto"
)

// Severity is the severity level and description reported for lines
// affected by an alert with a given effect
type Severity struct {
	Level       int
	Description string
}

// DefaultSeverities maps GTFS-RT alert effects to severities on the same
// scale as the operator status feed
var DefaultSeverities = map[gtfs.Alert_Effect]Severity{
	gtfs.Alert_NO_SERVICE:         {Level: 2, Description: "Suspended"},
	gtfs.Alert_REDUCED_SERVICE:    {Level: 3, Description: "Part Suspended"},
	gtfs.Alert_SIGNIFICANT_DELAYS: {Level: 6, Description: "Severe Delays"},
	gtfs.Alert_DETOUR:             {Level: 4, Description: "Diverted"},
	gtfs.Alert_MODIFIED_SERVICE:   {Level: 9, Description: "Minor Delays"},
	gtfs.Alert_STOP_MOVED:         {Level: 9, Description: "Minor Delays"},
}

// GoodService is the severity reported for configured lines without any
// active alert
var GoodService = Severity{Level: 10, Description: "Good Service"}

// Source is a scraper.DisruptionSource reading a GTFS-Realtime alerts feed
type Source struct {
	URL        string
	Mode       string
	HTTPClient *http.Client
	// Lines, when set, are reported with GoodService while no alert informs
	// them, so that recovery from a disruption is visible
	Lines []string
	// Language picks the translation of alert texts; the first translation
	// is used when none matches
	Language   string
	Severities map[gtfs.Alert_Effect]Severity
	Now        func() time.Time

	log *log.Logger
}

// NewSource returns a Source for the feed at url. Every line of the feed is
// reported with the given mode.
func NewSource(url, mode string, lines []string, timeout time.Duration, logger *log.Logger) *Source {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Source{
		URL:  url,
		Mode: mode,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Lines:      lines,
		Severities: DefaultSeverities,
		Now:        time.Now,
		log:        logger,
	}
}

// FetchDisruptions implements scraper.DisruptionSource
func (s *Source) FetchDisruptions(ctx context.Context) ([]*types.Disruption, error) {
	feed, err := s.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}
	return s.Disruptions(feed), nil
}

func (s *Source) fetchFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to fetch feed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Retryable(fmt.Errorf("feed returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to read response: %w", err))
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	return feed, nil
}

// Disruptions converts the active alerts of a feed into one disruption per
// (alert, informed route). Stops informed together with a route are the
// affected stations of that route; stops informed alone apply to every route
// of the alert.
func (s *Source) Disruptions(feed *gtfs.FeedMessage) []*types.Disruption {
	now := s.now()
	disruptions := []*types.Disruption{}
	alerted := make(map[string]bool)
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil || entity.GetIsDeleted() || !activeAt(alert, now) {
			continue
		}
		severity, ok := s.severities()[alert.GetEffect()]
		if !ok {
			s.log.Printf("Ignoring alert %s with effect %s\n", entity.GetId(), alert.GetEffect())
			continue
		}

		routeStops := make(map[string][]string)
		var looseStops []string
		for _, informed := range alert.GetInformedEntity() {
			routeID, stopID := informed.GetRouteId(), informed.GetStopId()
			switch {
			case routeID != "" && stopID != "":
				routeStops[routeID] = append(routeStops[routeID], stopID)
			case routeID != "":
				if _, ok := routeStops[routeID]; !ok {
					routeStops[routeID] = nil
				}
			case stopID != "":
				looseStops = append(looseStops, stopID)
			}
		}
		if len(routeStops) == 0 {
			s.log.Printf("Ignoring alert %s informing no route\n", entity.GetId())
			continue
		}

		reason := s.translate(alert.GetHeaderText())
		if reason == "" {
			reason = alert.GetCause().String()
		}
		routeIDs := funk.Keys(routeStops).([]string)
		sort.Strings(routeIDs)
		for _, routeID := range routeIDs {
			d := &types.Disruption{
				LineID:              routeID,
				Mode:                s.Mode,
				SeverityLevel:       severity.Level,
				SeverityDescription: severity.Description,
				Reason:              reason,
			}
			stops := append(append([]string{}, routeStops[routeID]...), looseStops...)
			if len(stops) > 0 {
				d.AffectedRoutes = []types.AffectedRoute{{
					Name:             entity.GetId(),
					AffectedStations: funk.UniqString(stops),
				}}
			}
			disruptions = append(disruptions, d)
			alerted[routeID] = true
		}
	}

	for _, lineID := range s.Lines {
		if alerted[lineID] {
			continue
		}
		disruptions = append(disruptions, &types.Disruption{
			LineID:              lineID,
			Mode:                s.Mode,
			SeverityLevel:       GoodService.Level,
			SeverityDescription: GoodService.Description,
		})
	}
	return disruptions
}

func (s *Source) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Source) severities() map[gtfs.Alert_Effect]Severity {
	if s.Severities == nil {
		return DefaultSeverities
	}
	return s.Severities
}

func (s *Source) translate(text *gtfs.TranslatedString) string {
	translations := text.GetTranslation()
	for _, t := range translations {
		if t.GetLanguage() == s.Language {
			return t.GetText()
		}
	}
	if len(translations) > 0 {
		return translations[0].GetText()
	}
	return ""
}

// activeAt returns whether one of the active periods of the alert contains t.
// An alert without active periods is always active, and a missing bound is
// open.
func activeAt(alert *gtfs.Alert, t time.Time) bool {
	periods := alert.GetActivePeriod()
	if len(periods) == 0 {
		return true
	}
	unix := uint64(t.Unix())
	for _, period := range periods {
		if period.GetStart() != 0 && unix < period.GetStart() {
			continue
		}
		if period.GetEnd() != 0 && unix > period.GetEnd() {
			continue
		}
		return true
	}
	return false
}
