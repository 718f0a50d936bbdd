package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	fcm "github.com/NaySoftware/go-fcm"
	"github.com/gbl08ma/keybox"
	"github.com/gbl08ma/sqalx"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/underlx/routealerts/alerting"
	"github.com/underlx/routealerts/compute"
	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/matching"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/topology"
	"github.com/underlx/routealerts/types"

	// database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	rdb           *sqlx.DB
	rootSqalxNode sqalx.Node
	secrets       *keybox.Keybox
	cfg           *config.Config
	fcmcl         *fcm.FcmClient

	mainLog      = log.New(os.Stdout, "", log.Ldate|log.Ltime)
	topologyLog  = log.New(os.Stdout, "topology", log.Ldate|log.Ltime)
	indexLog     = log.New(os.Stdout, "index", log.Ldate|log.Ltime)
	alertsLog    = log.New(os.Stdout, "alerts", log.Ldate|log.Ltime)
	schedulerLog = log.New(os.Stdout, "scheduler", log.Ldate|log.Ltime)
	webLog       = log.New(os.Stdout, "web", log.Ldate|log.Ltime)

	topologyStore  *topology.Store
	routeIndexer   *compute.RouteIndexer
	orchestrator   *alerting.Orchestrator
	topologySource scraper.TopologySource

	// GitCommit is provided by govvv at compile-time
	GitCommit = "???"
	// BuildDate is provided by govvv at compile-time
	BuildDate = "???"
)

func main() {
	// a missing .env is fine
	godotenv.Load()

	var configPath, secretsPath string
	root := &cobra.Command{
		Use:     "routealerts",
		Short:   "Route-aware disruption alerts for metro networks",
		Version: fmt.Sprintf("%s (built %s)", GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setUp(configPath, secretsPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			tearDown()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("ROUTEALERTS_CONFIG", DefaultConfigPath), "path to the YAML configuration")
	root.PersistentFlags().StringVar(&secretsPath, "secrets", envOr("ROUTEALERTS_SECRETS", SecretsPath), "path to the keybox with the secrets")

	root.AddCommand(
		newServeCmd(),
		newRebuildTopologyCmd(),
		newRebuildIndexCmd(),
		newRunAlertsCmd(),
		newCheckRouteCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setUp(configPath, secretsPath string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	mainLog.Println("Opening keybox...")
	secrets, err = keybox.Open(secretsPath)
	if err != nil {
		return err
	}

	mainLog.Println("Opening database...")
	databaseURI, present := secrets.Get("databaseURI")
	if !present {
		return fmt.Errorf("database connection string not present in keybox")
	}
	rdb, err = sqlx.Open(cfg.Database.Driver, databaseURI)
	if err != nil {
		return err
	}
	if err = rdb.Ping(); err != nil {
		return err
	}
	rdb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if cfg.Database.Driver == "sqlite" {
		rdb.SetMaxOpenConns(1)
		if _, err := rdb.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return err
		}
	}
	types.SetDriver(cfg.Database.Driver)

	rootSqalxNode, err = sqalx.New(rdb)
	if err != nil {
		return err
	}
	if err = types.EnsureSchema(rootSqalxNode, cfg.Database.Driver); err != nil {
		return err
	}
	mainLog.Println("Database opened")

	if fcmServerKey, present := secrets.Get("firebaseServerKey"); present {
		fcmcl = fcm.NewFcmClient(fcmServerKey)
	}

	disruptionSource, source, err := SetUpScrapers(cfg)
	if err != nil {
		return err
	}
	topologySource = source

	cache := types.NewStationCache(cfg.Topology.StationCacheTTL)
	topologyStore = topology.NewStore(rootSqalxNode, cache, topologyLog)
	routeIndexer = compute.NewRouteIndexer(rootSqalxNode, topologyStore, cfg.Index.Concurrency, indexLog)

	orchestrator = alerting.NewOrchestrator(rootSqalxNode, disruptionSource,
		matching.NewService(rootSqalxNode, cache), SetUpNotifiers(cfg),
		alerting.Config{
			Cooldown:                 cfg.Alerts.Cooldown,
			AlertOnClear:             cfg.Alerts.AlertOnClear,
			MonitorUnscheduledRoutes: cfg.Alerts.MonitorUnscheduledRoutes,
			Concurrency:              cfg.Alerts.Concurrency,
		}, alertsLog)
	if cfg.Broadcast.Enabled && fcmcl != nil {
		orchestrator.SetObserver(newLineBroadcaster(sendFCM, cfg.Broadcast.TopicPrefix, cfg.Broadcast.MemoryTTL))
	}
	return nil
}

func tearDown() {
	if rdb != nil {
		rdb.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printResult(cmd *cobra.Command, result interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func bulkFailure(status types.BulkStatus) error {
	if status == types.StatusFailure {
		return fmt.Errorf("operation failed")
	}
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic topology, index and alert loops and the admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			mainLog.Println("Server starting")
			metrics := SetUpTelemetry(ctx, cfg.Telemetry.Prefix)
			orchestrator.SetMetrics(metrics)

			go WebServer(ctx, cfg.Web.Listen)
			SetUpLoops(ctx, cfg)
			<-ctx.Done()
			TearDownLoops()
			mainLog.Println("Server stopped")
			return nil
		},
	}
}

func newRebuildTopologyCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "rebuild-topology",
		Short: "Rebuild the station connection graph from the stored lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh {
				ctx, cancel := signalContext()
				defer cancel()
				result, err := topologyStore.Refresh(ctx, topologySource)
				if err != nil {
					return err
				}
				return printResult(cmd, result)
			}
			result, err := topologyStore.Rebuild()
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch lines and stations from the topology feed first")
	return cmd
}

func newRebuildIndexCmd() *cobra.Command {
	var all, stale bool
	cmd := &cobra.Command{
		Use:   "rebuild-index [route-id...]",
		Short: "Rebuild the station index of routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			var result *compute.BulkRebuildResult
			var err error
			switch {
			case all && stale:
				return fmt.Errorf("--all and --stale are mutually exclusive")
			case all:
				result, err = routeIndexer.RebuildAllRouteIndexes(ctx)
			case stale:
				result, err = routeIndexer.RebuildStaleRouteIndexes(ctx)
			case len(args) > 0:
				result = routeIndexer.RebuildRouteIndexes(ctx, args)
			default:
				return fmt.Errorf("pass route ids, --all or --stale")
			}
			if err != nil {
				return err
			}
			if err := printResult(cmd, result); err != nil {
				return err
			}
			return bulkFailure(result.Status)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every route")
	cmd.Flags().BoolVar(&stale, "stale", false, "rebuild the routes whose index is stale")
	return cmd
}

func newRunAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-alerts",
		Short: "Run one alert pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Alerts.PassTimeout)
			defer cancelTimeout()

			result, err := orchestrator.RunAlertPass(ctx)
			if err != nil {
				return err
			}
			if err := printResult(cmd, result); err != nil {
				return err
			}
			return bulkFailure(result.Status)
		},
	}
}

func newCheckRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-route <station:line>... <station>",
		Short: "Validate a route against the current topology",
		Long: `Validate a route given as its checkpoints in order. Every checkpoint but
the last is written station:line, naming the line taken from that station.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			segments, err := parseCheckpoints(args)
			if err != nil {
				return err
			}
			if err := topologyStore.ValidateRoute(segments); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "route is valid")
			return nil
		},
	}
}

func parseCheckpoints(args []string) ([]*types.RouteSegment, error) {
	segments := make([]*types.RouteSegment, len(args))
	for i, arg := range args {
		station, line, _ := strings.Cut(arg, ":")
		if station == "" {
			return nil, fmt.Errorf("checkpoint %d has no station", i)
		}
		segments[i] = &types.RouteSegment{
			Sequence:  i + 1,
			StationID: station,
			LineID:    line,
		}
	}
	return segments, nil
}
