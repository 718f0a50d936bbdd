package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gbl08ma/sqalx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/matching"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/testutil"
	"github.com/underlx/routealerts/types"
	"go.uber.org/goleak"
)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []*Notification
	failFor map[string]bool
	calls   int
}

func (r *recordingNotifier) Notify(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failFor[n.Contact] {
		return errors.New("mailbox unavailable")
	}
	r.sent = append(r.sent, n)
	return nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func delays(reason string, stations ...string) *types.Disruption {
	return &types.Disruption{
		LineID:              "victoria",
		LineName:            "Victoria",
		Mode:                "tube",
		SeverityLevel:       6,
		SeverityDescription: "Severe Delays",
		Reason:              reason,
		AffectedRoutes: []types.AffectedRoute{
			{Name: "Brixton - Walthamstow", Direction: "outbound", AffectedStations: stations},
		},
	}
}

func goodService() *types.Disruption {
	return &types.Disruption{
		LineID:              "victoria",
		LineName:            "Victoria",
		Mode:                "tube",
		SeverityLevel:       10,
		SeverityDescription: "Good Service",
	}
}

type fixture struct {
	node     sqalx.Node
	source   *scraper.StaticSource
	notifier *recordingNotifier
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	node := testutil.NewNode(t)
	testutil.Line(t, node, "victoria", "tube")
	testutil.Line(t, node, "jubilee", "tube")
	require.NoError(t, (&types.AlertDisabledSeverity{
		Mode:           "tube",
		SeverityLevel:  10,
		IsClearedState: true,
		Description:    "Good Service",
	}).Update(node))

	return &fixture{
		node:     node,
		source:   &scraper.StaticSource{},
		notifier: &recordingNotifier{failFor: map[string]bool{}},
		clock:    &clock{now: time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)},
	}
}

// addRoute stores a route with an index covering stations A and B of the
// victoria line and an email preference
func (f *fixture) addRoute(t *testing.T, userID, email string) *types.UserRoute {
	route := testutil.Route(t, f.node, userID, "commute")
	require.NoError(t, types.ReplaceRouteIndex(f.node, route.ID, []*types.RouteStationIndex{
		{LineID: "victoria", StationID: "A", SegmentSequence: 1, LineVersion: types.Now()},
		{LineID: "victoria", StationID: "B", SegmentSequence: 1, LineVersion: types.Now()},
	}))
	if email != "" {
		testutil.EmailPreference(t, f.node, route.ID, email)
	}
	return route
}

func (f *fixture) orchestrator(mutate ...func(*Config)) *Orchestrator {
	config := DefaultConfig()
	config.MonitorUnscheduledRoutes = true
	config.Concurrency = 2
	config.Now = f.clock.Now
	for _, m := range mutate {
		m(&config)
	}
	matcher := matching.NewService(f.node, types.NewStationCache(time.Minute))
	return NewOrchestrator(f.node, f.source, matcher, f.notifier, config, nil)
}

func TestStateHash(t *testing.T) {
	a := delays("signal failure", "A")
	b := &types.Disruption{LineID: "victoria", SeverityDescription: "Part Closure", Reason: "engineering works"}

	assert.Equal(t, StateHash("victoria", []*types.Disruption{a, b}), StateHash("victoria", []*types.Disruption{b, a}))
	assert.NotEqual(t, StateHash("victoria", []*types.Disruption{a}), StateHash("jubilee", []*types.Disruption{a}))
	// same severity, different reason
	assert.NotEqual(t,
		StateHash("victoria", []*types.Disruption{delays("signal failure", "A")}),
		StateHash("victoria", []*types.Disruption{delays("customer incident", "A")}))
	// stations are not part of the state
	assert.Equal(t,
		StateHash("victoria", []*types.Disruption{delays("signal failure", "A")}),
		StateHash("victoria", []*types.Disruption{delays("signal failure", "B")}))
	assert.Len(t, StateHash("victoria", nil), 64)
}

func TestRunAlertPassCooldown(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	// the station cache janitor outlives the test
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	route := f.addRoute(t, "user1", "user1@example.com")

	f.source.Disruptions = []*types.Disruption{delays("signal failure", "B", "Z")}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.RoutesChecked)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Equal(t, types.StatusSuccess, result.Status)
	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, "user1@example.com", n.Contact)
	assert.Equal(t, types.MethodEmail, n.Method)
	assert.Equal(t, "commute", n.RouteName)
	require.Len(t, n.Matches, 1)
	assert.Equal(t, []string{"B"}, n.Matches[0].Stations)

	// same state within the cooldown window
	f.clock.Advance(time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.AlertsSent)
	assert.Equal(t, 1, result.AlertsSuppressed)
	assert.Len(t, f.notifier.sent, 1)

	// the reason changes, the severity does not
	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{delays("customer incident", "B")}
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Len(t, f.notifier.sent, 2)

	// the cooldown expires with the state unchanged
	f.clock.Advance(6 * time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Len(t, f.notifier.sent, 3)

	entries, err := types.GetRouteNotifications(f.node, route.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, types.LogStatusSent, e.Status)
		assert.Equal(t, "user1", e.UserID)
		assert.Equal(t, "victoria", e.LineID)
	}
}

func TestRunAlertPassIgnoresOffRouteDisruptions(t *testing.T) {
	f := newFixture(t)
	f.addRoute(t, "user1", "user1@example.com")
	o := f.orchestrator()

	jubilee := delays("signal failure", "A")
	jubilee.LineID = "jubilee"
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "Y"), jubilee}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.RoutesChecked)
	assert.Equal(t, 0, result.AlertsSent)
	assert.Empty(t, f.notifier.sent)
}

func TestRunAlertPassClearedTransition(t *testing.T) {
	f := newFixture(t)
	route := f.addRoute(t, "user1", "user1@example.com")
	o := f.orchestrator()

	// good service on a line nobody was alerted about is not news
	f.source.Disruptions = []*types.Disruption{goodService()}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ClearedSent)
	assert.Empty(t, f.notifier.sent)

	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	_, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)

	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{goodService()}
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClearedSent)
	require.Len(t, f.notifier.sent, 2)
	assert.Empty(t, f.notifier.sent[1].Matches)
	require.Len(t, f.notifier.sent[1].Resolved, 1)
	assert.Equal(t, "Good Service", f.notifier.sent[1].Resolved[0].SeverityDescription)

	// once resolved, good service stays quiet
	f.clock.Advance(time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ClearedSent)
	assert.Len(t, f.notifier.sent, 2)

	// the same disruption recurring after clearing is alerted again, even
	// within the cooldown of the first alert
	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Len(t, f.notifier.sent, 3)

	last, err := types.LastNotification(f.node, "user1", route.ID, "victoria")
	require.NoError(t, err)
	assert.False(t, last.Cleared)
}

func TestRunAlertPassRetriesFailedResolution(t *testing.T) {
	f := newFixture(t)
	route := f.addRoute(t, "user1", "user1@example.com")
	o := f.orchestrator()

	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	_, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)

	f.notifier.failFor["user1@example.com"] = true
	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{goodService()}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 0, result.ClearedSent)

	last, err := types.LastNotification(f.node, "user1", route.ID, "victoria")
	require.NoError(t, err)
	assert.Equal(t, types.LogStatusFailed, last.Status)
	assert.True(t, last.Cleared)

	// the line is still clear once the transport recovers
	f.notifier.failFor["user1@example.com"] = false
	f.clock.Advance(time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClearedSent)
	require.Len(t, f.notifier.sent, 2)
	require.Len(t, f.notifier.sent[1].Resolved, 1)

	// and is not repeated afterwards
	f.clock.Advance(time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ClearedSent)
	assert.Len(t, f.notifier.sent, 2)
}

func TestRunAlertPassRecordsClearWithoutNotifying(t *testing.T) {
	f := newFixture(t)
	route := f.addRoute(t, "user1", "user1@example.com")
	o := f.orchestrator(func(c *Config) { c.AlertOnClear = false })

	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	_, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{goodService()}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ClearedSent)
	assert.Equal(t, 1, result.ClearedRecorded)
	assert.Len(t, f.notifier.sent, 1)

	last, err := types.LastNotification(f.node, "user1", route.ID, "victoria")
	require.NoError(t, err)
	assert.Equal(t, types.LogStatusRecorded, last.Status)
	assert.True(t, last.Cleared)

	// recurrence within the cooldown of the first alert
	f.clock.Advance(time.Minute)
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsSent)
}

func TestRunAlertPassFailureIsolation(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	good := f.addRoute(t, "user1", "user1@example.com")
	bad := f.addRoute(t, "user2", "user2@example.com")
	f.notifier.failFor["user2@example.com"] = true

	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.RoutesChecked)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.ErrorDetails, 1)
	assert.Equal(t, bad.ID, result.ErrorDetails[0].RouteID)
	assert.Equal(t, types.StatusPartialFailure, result.Status)

	last, err := types.LastNotification(f.node, "user2", bad.ID, "victoria")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, types.LogStatusFailed, last.Status)
	assert.Equal(t, "mailbox unavailable", last.Error)

	// a failed delivery is retried on the next pass
	f.notifier.failFor["user2@example.com"] = false
	f.clock.Advance(time.Minute)
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AlertsSent)
	assert.Equal(t, 1, result.AlertsSuppressed)
	assert.Equal(t, types.StatusSuccess, result.Status)

	lastSent, err := types.LastSentNotification(f.node, "user1", good.ID, "victoria")
	require.NoError(t, err)
	assert.True(t, lastSent.SentAt.Equal(f.clock.now.Add(-time.Minute)))
}

func TestRunAlertPassSkipsRoutes(t *testing.T) {
	f := newFixture(t)
	f.addRoute(t, "user1", "")
	scheduled := f.addRoute(t, "user2", "user2@example.com")
	// Wednesday 08:00 UTC is 09:00 in London
	require.NoError(t, (&types.RouteSchedule{
		RouteID:   scheduled.ID,
		Days:      []string{"sat", "sun"},
		StartTime: "08:00",
		EndTime:   "10:00",
	}).Update(f.node))
	unscheduled := f.addRoute(t, "user3", "user3@example.com")
	o := f.orchestrator(func(c *Config) { c.MonitorUnscheduledRoutes = false })

	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}
	result, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RoutesSkipped)
	assert.Equal(t, 0, result.RoutesChecked)
	assert.Empty(t, f.notifier.sent)

	unscheduled.Active = false
	require.NoError(t, unscheduled.Update(f.node))
	o = f.orchestrator()
	result, err = o.RunAlertPass(context.Background())
	require.NoError(t, err)
	// without a preference, or scheduled for the weekend
	assert.Equal(t, 2, result.RoutesSkipped)
	assert.Equal(t, 0, result.AlertsSent)
}

func TestRunAlertPassFeedFailure(t *testing.T) {
	f := newFixture(t)
	f.addRoute(t, "user1", "user1@example.com")
	f.source.Err = errors.New("connection refused")

	_, err := f.orchestrator().RunAlertPass(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Empty(t, f.notifier.sent)
}

func TestRunAlertPassIncomplete(t *testing.T) {
	f := newFixture(t)
	f.addRoute(t, "user1", "user1@example.com")
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := f.orchestrator().RunAlertPass(ctx)
	require.NoError(t, err)
	assert.True(t, result.Incomplete)
	assert.Equal(t, 0, result.RoutesChecked)
	assert.Empty(t, f.notifier.sent)
}

type observerFunc func([]*types.Disruption, map[string]*types.Disruption)

func (f observerFunc) ObserveDisruptions(alertable []*types.Disruption, cleared map[string]*types.Disruption) {
	f(alertable, cleared)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]interface{}
}

func (m *countingMetrics) Increment(bucket string) {
	m.Count(bucket, 1)
}

func (m *countingMetrics) Count(bucket string, n interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[bucket] = n
}

func TestRunAlertPassObserverAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.addRoute(t, "user1", "user1@example.com")
	o := f.orchestrator()
	var observed []*types.Disruption
	var observedCleared map[string]*types.Disruption
	o.SetObserver(observerFunc(func(alertable []*types.Disruption, cleared map[string]*types.Disruption) {
		observed = alertable
		observedCleared = cleared
	}))
	metrics := &countingMetrics{counts: map[string]interface{}{}}
	o.SetMetrics(metrics)

	jubileeGood := goodService()
	jubileeGood.LineID = "jubilee"
	f.source.Disruptions = []*types.Disruption{delays("signal failure", "A"), jubileeGood}
	_, err := o.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Len(t, observed, 1)
	assert.Contains(t, observedCleared, "jubilee")
	assert.Equal(t, 1, metrics.counts["alerts.sent"])
}

func TestWebhookNotifier(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var mu sync.Mutex
	var received webhookPayload
	var auth string
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()
	defer server.Client().CloseIdleConnections()

	notifier := NewWebhookNotifier(server.URL, "s3cret", 5*time.Second)
	notifier.Client = server.Client()
	n := &Notification{
		RouteName: "commute",
		Method:    types.MethodSMS,
		Contact:   "+447700900123",
		Matches: []*matching.Match{
			{Disruption: delays("signal failure", "A"), Stations: []string{"A"}, Segments: []int{1}},
		},
		Resolved: []*types.Disruption{goodService()},
	}
	require.NoError(t, notifier.Notify(context.Background(), n))
	mu.Lock()
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "+447700900123", received.Contact)
	assert.Equal(t, "commute", received.RouteName)
	require.Len(t, received.Disruptions, 2)
	assert.Equal(t, "signal failure", received.Disruptions[0].Reason)
	assert.Equal(t, []string{"A"}, received.Disruptions[0].Stations)
	assert.True(t, received.Disruptions[1].Cleared)
	mu.Unlock()

	status.Store(http.StatusServiceUnavailable)
	err := notifier.Notify(context.Background(), n)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	status.Store(http.StatusUnprocessableEntity)
	err = notifier.Notify(context.Background(), n)
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
}

func TestBreakerNotifier(t *testing.T) {
	inner := &recordingNotifier{failFor: map[string]bool{"down@example.com": true}}
	breaker := NewBreakerNotifier("email", inner, 2, time.Hour, nil)
	n := &Notification{Method: types.MethodEmail, Contact: "down@example.com"}

	assert.Error(t, breaker.Notify(context.Background(), n))
	assert.Error(t, breaker.Notify(context.Background(), n))
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	err := breaker.Notify(context.Background(), n)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestMethodNotifier(t *testing.T) {
	email := &recordingNotifier{}
	sms := &recordingNotifier{}
	notifier := MethodNotifier{types.MethodEmail: email, types.MethodSMS: sms}

	require.NoError(t, notifier.Notify(context.Background(), &Notification{Method: types.MethodSMS, Contact: "+447700900123"}))
	assert.Len(t, sms.sent, 1)
	assert.Empty(t, email.sent)
	assert.Error(t, notifier.Notify(context.Background(), &Notification{Method: "pigeon"}))
}
