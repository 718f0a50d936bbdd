package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/gorilla/mux"
	"github.com/underlx/routealerts/topology"
	"github.com/underlx/routealerts/types"
)

// adminToken, when set, must be presented as a bearer token on admin routes
var adminToken string

// WebServer serves the health check and the admin trigger surface until ctx
// is done
func WebServer(ctx context.Context, addr string) {
	var present bool
	adminToken, present = secrets.Get("adminToken")
	if !present {
		adminToken = types.GenerateToken()
		webLog.Println("No admin token configured, using generated token " + adminToken)
	}

	webLog.Println("Starting Web server...")
	server := http.Server{
		Addr:              addr,
		Handler:           newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		webLog.Println(err)
	}
	webLog.Println("Web server terminated")
}

func newRouter() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/healthz", Health).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/topology/rebuild", RebuildTopology).Methods(http.MethodPost)
	admin.HandleFunc("/topology/graph", TopologyGraph).Methods(http.MethodGet)
	admin.HandleFunc("/topology/path", TopologyPath).Methods(http.MethodGet)
	admin.HandleFunc("/routes/validate", ValidateRoute).Methods(http.MethodPost)
	admin.HandleFunc("/routes/stale", StaleRoutes).Methods(http.MethodGet)
	admin.HandleFunc("/routes/index/rebuild", RebuildRouteIndexes).Methods(http.MethodPost)
	admin.HandleFunc("/routes/{id}/index/rebuild", RebuildRouteIndex).Methods(http.MethodPost)
	admin.HandleFunc("/alerts/run", RunAlerts).Methods(http.MethodPost)
	admin.HandleFunc("/alerts/feed", AlertsFeed).Methods(http.MethodGet)
	return router
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get("Authorization"))
		if adminToken != "" && subtle.ConstantTimeCompare(presented, []byte("Bearer "+adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		webLog.Println(err)
	}
}

// writeError maps the error kinds of the core to HTTP statuses: an unbuilt
// topology and transient failures are 503, bad input is 4xx
func writeError(w http.ResponseWriter, err error) {
	var segmentErr *types.SegmentError
	switch {
	case errors.As(err, &segmentErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   err.Error(),
			"segment": segmentErr,
		})
		return
	case errors.Is(err, types.ErrTopologyUnavailable), types.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, types.ErrNotFound), errors.Is(err, topology.ErrNoPath):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, types.ErrNoStationsForLine), errors.Is(err, types.ErrInvalidSegments):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	webLog.Println(err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// Health reports whether the server is up and the topology is built
func Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"commit":   GitCommit,
		"topology": true,
	}
	if _, err := topologyStore.Graph(); err != nil {
		response["topology"] = false
	}
	writeJSON(w, http.StatusOK, response)
}

// RebuildTopology rebuilds the connection graph, refreshing lines and
// stations from the topology feed first when refresh=1
func RebuildTopology(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		if topologySource == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no topology feed configured"})
			return
		}
		result, err := topologyStore.Refresh(r.Context(), topologySource)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	result, err := topologyStore.Rebuild()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TopologyGraph serves the active connection graph
func TopologyGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := topologyStore.Graph()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

// TopologyPath serves the path with fewest hops between two stations
func TopologyPath(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
		return
	}
	path, err := topologyStore.ShortestPath(from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, path)
}

type checkpoint struct {
	Station string `json:"station"`
	Line    string `json:"line,omitempty"`
}

// ValidateRoute validates the route given as a JSON list of checkpoints
func ValidateRoute(w http.ResponseWriter, r *http.Request) {
	var checkpoints []checkpoint
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&checkpoints); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	segments := make([]*types.RouteSegment, len(checkpoints))
	for i, c := range checkpoints {
		segments[i] = &types.RouteSegment{
			Sequence:  i + 1,
			StationID: strings.TrimSpace(c.Station),
			LineID:    strings.TrimSpace(c.Line),
		}
	}
	if err := topologyStore.ValidateRoute(segments); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// StaleRoutes serves the ids of the routes whose index is stale
func StaleRoutes(w http.ResponseWriter, r *http.Request) {
	ids, err := routeIndexer.FindStaleRoutes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// RebuildRouteIndex rebuilds the index of one route
func RebuildRouteIndex(w http.ResponseWriter, r *http.Request) {
	result, err := routeIndexer.BuildRouteStationIndex(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RebuildRouteIndexes rebuilds the index of every route, or only of the
// stale ones when stale=1. Partial failures are reported in the body.
func RebuildRouteIndexes(w http.ResponseWriter, r *http.Request) {
	rebuild := routeIndexer.RebuildAllRouteIndexes
	if r.URL.Query().Get("stale") == "1" {
		rebuild = routeIndexer.RebuildStaleRouteIndexes
	}
	result, err := rebuild(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunAlerts runs one alert pass
func RunAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cfg.Alerts.PassTimeout)
	defer cancel()
	result, err := orchestrator.RunAlertPass(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AlertsFeed serves the latest alerting decisions as an RSS feed
func AlertsFeed(w http.ResponseWriter, r *http.Request) {
	entries, err := types.GetLatestNotifications(rootSqalxNode, 50)
	if err != nil {
		writeError(w, err)
		return
	}

	feed := &feeds.Feed{
		Title:       "Route alerts",
		Link:        &feeds.Link{Href: "/admin/alerts/feed"},
		Description: "Latest route disruption alerts",
		Updated:     time.Now(),
	}
	feed.Items = []*feeds.Item{}
	for _, entry := range entries {
		title := "Disruption on line " + entry.LineID
		if entry.Cleared {
			title = "Line " + entry.LineID + " back to normal"
		}
		description := entry.Method + " notification " + entry.Status + " to user " + entry.UserID
		if entry.Error != "" {
			description += ": " + entry.Error
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          entry.ID,
			Title:       title + " (route " + entry.RouteID + ")",
			Link:        &feeds.Link{Href: "/admin/routes/" + entry.RouteID},
			Description: description,
			Created:     entry.SentAt,
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	w.Write([]byte(rss))
}
