package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/alerting"
	"github.com/underlx/routealerts/compute"
	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/matching"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/testutil"
	"github.com/underlx/routealerts/topology"
	"github.com/underlx/routealerts/types"
)

func setUpTestServer(t *testing.T) *httptest.Server {
	node := testutil.NewNode(t)
	testutil.Line(t, node, "victoria", "tube",
		testutil.Variant("outbound", "A", "B", "C"))
	for _, id := range []string{"A", "B", "C"} {
		testutil.Station(t, node, id, "", "victoria")
	}

	rootSqalxNode = node
	cfg = config.Default()
	cache := types.NewStationCache(time.Minute)
	topologyStore = topology.NewStore(node, cache, nil)
	routeIndexer = compute.NewRouteIndexer(node, topologyStore, 2, nil)
	source := &scraper.StaticSource{}
	topologySource = source
	orchestrator = alerting.NewOrchestrator(node, source, matching.NewService(node, cache),
		&alerting.ConsoleNotifier{Log: log.New(io.Discard, "", 0)}, alerting.DefaultConfig(), nil)
	adminToken = ""
	webLog = log.New(io.Discard, "", 0)

	server := httptest.NewServer(newRouter())
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	response, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer response.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(response.Body).Decode(out))
	}
	return response.StatusCode
}

func TestAdminTopology(t *testing.T) {
	server := setUpTestServer(t)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/healthz", "", &health))
	assert.Equal(t, false, health["topology"])

	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, server.URL+"/admin/topology/graph", "", nil))
	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, http.MethodPost, server.URL+"/admin/routes/validate", `[{"station":"A","line":"victoria"},{"station":"C"}]`, nil))

	var rebuild topology.RebuildResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/topology/rebuild", "", &rebuild))
	assert.Equal(t, 4, rebuild.ConnectionsCreated)

	var graph map[string][]topology.Neighbor
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/admin/topology/graph", "", &graph))
	assert.Len(t, graph["B"], 2)

	var path []topology.Hop
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/admin/topology/path?from=A&to=C", "", &path))
	assert.Len(t, path, 3)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, server.URL+"/admin/topology/path?from=A", "", nil))
}

func TestAdminValidateRoute(t *testing.T) {
	server := setUpTestServer(t)
	_, err := topologyStore.Rebuild()
	require.NoError(t, err)

	var valid map[string]bool
	require.Equal(t, http.StatusOK,
		do(t, http.MethodPost, server.URL+"/admin/routes/validate", `[{"station":"A","line":"victoria"},{"station":"C"}]`, &valid))
	assert.True(t, valid["valid"])

	var invalid struct {
		Error   string             `json:"error"`
		Segment types.SegmentError `json:"segment"`
	}
	require.Equal(t, http.StatusUnprocessableEntity,
		do(t, http.MethodPost, server.URL+"/admin/routes/validate", `[{"station":"C","line":"victoria"},{"station":"A"}]`, &invalid))
	assert.Equal(t, types.SegmentWrongDirection, invalid.Segment.Kind)
	assert.Equal(t, 0, invalid.Segment.Index)

	require.Equal(t, http.StatusUnprocessableEntity,
		do(t, http.MethodPost, server.URL+"/admin/routes/validate", `[{"station":"A","line":"victoria"},{"station":"Z"}]`, &invalid))
	assert.Equal(t, types.SegmentStationNotFound, invalid.Segment.Kind)
	assert.Equal(t, 1, invalid.Segment.Index)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, server.URL+"/admin/routes/validate", `{`, nil))
}

func TestAdminRouteIndex(t *testing.T) {
	server := setUpTestServer(t)
	_, err := topologyStore.Rebuild()
	require.NoError(t, err)
	route := testutil.Route(t, rootSqalxNode, "user1", "commute",
		testutil.Segment{Station: "A", Line: "victoria"},
		testutil.Segment{Station: "C"})

	var stale []string
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/admin/routes/stale", "", &stale))
	assert.Equal(t, []string{route.ID}, stale)

	var built compute.IndexBuildResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/routes/"+route.ID+"/index/rebuild", "", &built))
	assert.Equal(t, 3, built.Entries)

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPost, server.URL+"/admin/routes/nope/index/rebuild", "", nil))

	var bulk compute.BulkRebuildResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/routes/index/rebuild?stale=1", "", &bulk))
	assert.Equal(t, 0, bulk.Requested)
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/routes/index/rebuild", "", &bulk))
	assert.Equal(t, 1, bulk.Rebuilt)
	assert.Equal(t, types.StatusSuccess, bulk.Status)
}

func TestAdminRunAlerts(t *testing.T) {
	server := setUpTestServer(t)

	var result alerting.PassResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/alerts/run", "", &result))
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Equal(t, 0, result.RoutesChecked)
}

func TestAdminAlertsFeed(t *testing.T) {
	server := setUpTestServer(t)
	require.NoError(t, (&types.NotificationLog{
		UserID:    "user1",
		RouteID:   "route1",
		LineID:    "victoria",
		Method:    types.MethodEmail,
		Status:    types.LogStatusSent,
		StateHash: "abc",
	}).Insert(rootSqalxNode))

	response, err := http.Get(server.URL + "/admin/alerts/feed")
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Contains(t, string(body), "<rss")
	assert.Contains(t, string(body), "Disruption on line victoria (route route1)")
}

func TestAdminToken(t *testing.T) {
	server := setUpTestServer(t)
	adminToken = "s3cret"
	defer func() { adminToken = "" }()

	response, err := http.Post(server.URL+"/admin/alerts/run", "application/json", nil)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	request, err := http.NewRequest(http.MethodPost, server.URL+"/admin/alerts/run", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer s3crex")
	response, err = http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	// health stays public
	response, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	assert.Equal(t, http.StatusOK, do(t, http.MethodPost, server.URL+"/admin/alerts/run", "", nil))
}
