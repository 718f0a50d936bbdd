// Package alerting runs alert passes: it fetches the current line statuses,
// works out which routes they affect and notifies the owners of those routes,
// without repeating itself while a disruption stays the same.
package alerting

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gbl08ma/sqalx"
	"github.com/hako/durafmt"
	"github.com/underlx/routealerts/matching"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/types"
	"golang.org/x/sync/errgroup"
)

// Metrics receives counters about alert passes
type Metrics interface {
	Increment(bucket string)
	Count(bucket string, n interface{})
}

type noopMetrics struct{}

func (noopMetrics) Increment(bucket string)            {}
func (noopMetrics) Count(bucket string, n interface{}) {}

// Observer is called with the outcome of the filtering stage of every pass
type Observer interface {
	ObserveDisruptions(alertable []*types.Disruption, cleared map[string]*types.Disruption)
}

// Config configures an Orchestrator
type Config struct {
	// Cooldown is the minimum time between two alerts with the same state
	// for the same (user, route, line)
	Cooldown time.Duration
	// AlertOnClear makes the orchestrator notify users when a line they were
	// alerted about returns to a cleared state
	AlertOnClear bool
	// MonitorUnscheduledRoutes makes routes without any schedule monitored at
	// all times
	MonitorUnscheduledRoutes bool
	// Concurrency bounds the number of routes processed at once
	Concurrency int
	// Now returns the current time. Defaults to types.Now
	Now func() time.Time
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		Cooldown:     5 * time.Minute,
		AlertOnClear: true,
		Concurrency:  4,
		Now:          types.Now,
	}
}

// PassResult summarizes an alert pass
type PassResult struct {
	RoutesChecked    int               `json:"routesChecked"`
	RoutesSkipped    int               `json:"routesSkipped"`
	AlertsSent       int               `json:"alertsSent"`
	AlertsSuppressed int               `json:"alertsSuppressed"`
	ClearedSent      int               `json:"clearedSent"`
	ClearedRecorded  int               `json:"clearedRecorded"`
	Errors           int               `json:"errors"`
	ErrorDetails     []types.UnitError `json:"errorDetails"`
	// Incomplete is set when the pass ran out of time before processing every
	// route
	Incomplete bool             `json:"incomplete"`
	Status     types.BulkStatus `json:"status"`
}

// Orchestrator runs alert passes
type Orchestrator struct {
	node     sqalx.Node
	source   scraper.DisruptionSource
	matcher  *matching.Service
	notifier Notifier
	config   Config
	metrics  Metrics
	observer Observer
	log      *log.Logger
}

// NewOrchestrator returns a new Orchestrator
func NewOrchestrator(node sqalx.Node, source scraper.DisruptionSource, matcher *matching.Service, notifier Notifier, config Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Now == nil {
		config.Now = types.Now
	}
	return &Orchestrator{
		node:     node,
		source:   source,
		matcher:  matcher,
		notifier: notifier,
		config:   config,
		metrics:  noopMetrics{},
		log:      logger,
	}
}

// SetMetrics sets where pass counters are reported
func (o *Orchestrator) SetMetrics(metrics Metrics) {
	o.metrics = metrics
}

// SetObserver sets the observer called on every pass
func (o *Orchestrator) SetObserver(observer Observer) {
	o.observer = observer
}

// passState is the feed-derived state shared by every route of a pass
type passState struct {
	now       time.Time
	alertable []*types.Disruption
	cleared   map[string]*types.Disruption
}

// lineDecision is what a pass decided to do about one line of a route
type lineDecision struct {
	lineID   string
	hash     string
	matches  []*matching.Match
	resolved *types.Disruption
}

func (d *lineDecision) isClear() bool {
	return d.resolved != nil
}

type routeOutcome struct {
	skipped         bool
	sent            int
	suppressed      int
	clearedSent     int
	clearedRecorded int
}

// RunAlertPass runs one alert pass. A failure to fetch the feed or read the
// disabled severity table fails the whole pass with a RetryableError; failures
// on single routes are collected in the result. When ctx expires mid-pass the
// routes not yet started are left for the next pass and the result is marked
// Incomplete.
func (o *Orchestrator) RunAlertPass(ctx context.Context) (*PassResult, error) {
	start := time.Now()
	disruptions, err := o.source.FetchDisruptions(ctx)
	if err != nil {
		o.metrics.Increment("alerts.fetch_failed")
		return nil, types.Retryable(fmt.Errorf("RunAlertPass: %w", err))
	}
	disabled, err := o.matcher.DisabledSeverities()
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("RunAlertPass: %w", err))
	}

	alertable := matching.FilterAlertable(disruptions, disabled)
	state := &passState{
		now:     o.config.Now(),
		cleared: matching.ClearedStates(disruptions, disabled),
	}
	if o.observer != nil {
		o.observer.ObserveDisruptions(alertable, state.cleared)
	}
	state.alertable, err = o.matcher.Canonicalize(alertable)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("RunAlertPass: %w", err))
	}

	routes, err := types.GetActiveRoutes(o.node)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("RunAlertPass: %w", err))
	}

	result := &PassResult{
		ErrorDetails: []types.UnitError{},
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.config.Concurrency)
	for _, route := range routes {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				result.Incomplete = true
				mu.Unlock()
				return nil
			}
			outcome, err := o.processRoute(ctx, route, state)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.log.Printf("Alert pass for route %s failed: %v\n", route.ID, err)
				result.RoutesChecked++
				result.Errors++
				result.ErrorDetails = append(result.ErrorDetails, types.UnitError{RouteID: route.ID, Error: err.Error()})
				return nil
			}
			if outcome.skipped {
				result.RoutesSkipped++
				return nil
			}
			result.RoutesChecked++
			result.AlertsSent += outcome.sent
			result.AlertsSuppressed += outcome.suppressed
			result.ClearedSent += outcome.clearedSent
			result.ClearedRecorded += outcome.clearedRecorded
			return nil
		})
	}
	g.Wait()

	sort.Slice(result.ErrorDetails, func(i, j int) bool {
		if result.ErrorDetails[i].RouteID != result.ErrorDetails[j].RouteID {
			return result.ErrorDetails[i].RouteID < result.ErrorDetails[j].RouteID
		}
		return result.ErrorDetails[i].LineID < result.ErrorDetails[j].LineID
	})
	result.Status = types.BulkStatusFor(result.RoutesChecked-result.Errors, result.Errors)

	o.metrics.Count("alerts.routes_checked", result.RoutesChecked)
	o.metrics.Count("alerts.sent", result.AlertsSent)
	o.metrics.Count("alerts.suppressed", result.AlertsSuppressed)
	o.metrics.Count("alerts.cleared_sent", result.ClearedSent)
	o.metrics.Count("alerts.errors", result.Errors)
	if result.Incomplete {
		o.metrics.Increment("alerts.incomplete")
	}
	o.log.Printf("Alert pass: %d disruptions, %d routes checked, %d alerts sent, %d suppressed, %d errors in %s\n",
		len(state.alertable), result.RoutesChecked, result.AlertsSent, result.AlertsSuppressed, result.Errors,
		durafmt.Parse(time.Since(start)).LimitFirstN(2))
	return result, nil
}

func (o *Orchestrator) processRoute(ctx context.Context, route *types.UserRoute, state *passState) (*routeOutcome, error) {
	outcome := &routeOutcome{}
	monitored, err := route.MonitoredAt(o.node, state.now, o.config.MonitorUnscheduledRoutes)
	if err != nil {
		return nil, err
	}
	if !monitored {
		outcome.skipped = true
		return outcome, nil
	}
	prefs, err := route.Preferences(o.node)
	if err != nil {
		return nil, err
	}
	if len(prefs) == 0 {
		outcome.skipped = true
		return outcome, nil
	}

	index, err := o.matcher.RouteIndex(route.ID)
	if err != nil {
		return nil, err
	}
	byLine := matching.ByLine(matching.MatchToRoute(index, state.alertable))

	decisions, suppressed, err := o.decide(route, index, byLine, state)
	if err != nil {
		return nil, err
	}
	outcome.suppressed = suppressed

	var notify, record []*lineDecision
	for _, d := range decisions {
		if d.isClear() && !o.config.AlertOnClear {
			record = append(record, d)
			continue
		}
		notify = append(notify, d)
	}

	for _, d := range record {
		entry := &types.NotificationLog{
			UserID:    route.UserID,
			RouteID:   route.ID,
			LineID:    d.lineID,
			SentAt:    state.now,
			Status:    types.LogStatusRecorded,
			StateHash: d.hash,
			Cleared:   true,
		}
		if err := entry.Insert(o.node); err != nil {
			return nil, err
		}
		outcome.clearedRecorded++
	}

	if len(notify) == 0 {
		return outcome, nil
	}

	delivered := 0
	for _, pref := range prefs {
		n := &Notification{
			UserID:    route.UserID,
			RouteID:   route.ID,
			RouteName: route.Name,
			Method:    pref.Method(),
			Contact:   pref.Contact(),
		}
		for _, d := range notify {
			if d.isClear() {
				n.Resolved = append(n.Resolved, d.resolved)
			} else {
				n.Matches = append(n.Matches, d.matches...)
			}
		}

		sendErr := o.notifier.Notify(ctx, n)
		if sendErr != nil {
			o.log.Printf("Notifying %s of route %s via %s failed: %v\n", route.UserID, route.ID, n.Method, sendErr)
		} else {
			delivered++
		}
		if err := o.logDecisions(route, pref.Method(), notify, state.now, sendErr); err != nil {
			return nil, err
		}
	}

	if delivered == 0 {
		return nil, fmt.Errorf("no notification for route %s could be delivered", route.ID)
	}
	for _, d := range notify {
		if d.isClear() {
			outcome.clearedSent++
		} else {
			outcome.sent++
		}
	}
	return outcome, nil
}

// decide returns the lines of the route that warrant a notification (or, for
// cleared lines, a record) and the number of lines whose alert was suppressed
// by the cooldown
func (o *Orchestrator) decide(route *types.UserRoute, index *matching.RouteIndex, byLine map[string][]*matching.Match, state *passState) ([]*lineDecision, int, error) {
	decisions := []*lineDecision{}
	suppressed := 0
	for _, lineID := range index.Lines() {
		matches, disrupted := byLine[lineID]
		clearedState, isCleared := state.cleared[lineID]
		if !disrupted && !isCleared {
			continue
		}

		last, err := types.LastNotification(o.node, route.UserID, route.ID, lineID)
		if err != nil {
			return nil, 0, err
		}
		lastSent, err := types.LastSentNotification(o.node, route.UserID, route.ID, lineID)
		if err != nil {
			return nil, 0, err
		}

		if disrupted {
			lineDisruptions := make([]*types.Disruption, len(matches))
			for i, m := range matches {
				lineDisruptions[i] = m.Disruption
			}
			hash := StateHash(lineID, lineDisruptions)
			if o.inCooldown(last, lastSent, hash, state.now) {
				o.log.Printf("Suppressing alert for route %s line %s, last sent %s ago\n", route.ID, lineID,
					durafmt.Parse(state.now.Sub(lastSent.SentAt)).LimitFirstN(2))
				suppressed++
				continue
			}
			decisions = append(decisions, &lineDecision{
				lineID:  lineID,
				hash:    hash,
				matches: matches,
			})
			continue
		}

		// the line is in a cleared state: only a transition out of a disruption
		// the user was told about is worth acting on. A resolution that failed
		// to go out is still owed.
		settled, err := types.LastSettledNotification(o.node, route.UserID, route.ID, lineID)
		if err != nil {
			return nil, 0, err
		}
		if settled == nil || settled.Cleared || lastSent == nil || lastSent.Cleared {
			continue
		}
		decisions = append(decisions, &lineDecision{
			lineID:   lineID,
			hash:     StateHash(lineID, []*types.Disruption{clearedState}),
			resolved: clearedState,
		})
	}
	return decisions, suppressed, nil
}

// inCooldown returns whether an alert with the given state hash would repeat
// one sent within the cooldown window with nothing different logged since
func (o *Orchestrator) inCooldown(last, lastSent *types.NotificationLog, hash string, now time.Time) bool {
	if lastSent == nil || lastSent.StateHash != hash || lastSent.Cleared {
		return false
	}
	if now.Sub(lastSent.SentAt) >= o.config.Cooldown {
		return false
	}
	return last != nil && last.StateHash == hash
}

func (o *Orchestrator) logDecisions(route *types.UserRoute, method string, decisions []*lineDecision, now time.Time, sendErr error) error {
	tx, err := o.node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range decisions {
		entry := &types.NotificationLog{
			UserID:    route.UserID,
			RouteID:   route.ID,
			LineID:    d.lineID,
			SentAt:    now,
			Method:    method,
			Status:    types.LogStatusSent,
			StateHash: d.hash,
			Cleared:   d.isClear(),
		}
		if sendErr != nil {
			entry.Status = types.LogStatusFailed
			entry.Error = sendErr.Error()
		}
		if err := entry.Insert(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}
