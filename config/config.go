// Package config handles loading and validation of the YAML configuration of
// the alerting backend. Secrets are not part of it; they are read from the
// keybox.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration of the alerting backend
type Config struct {
	Database  Database  `yaml:"database"`
	Feeds     Feeds     `yaml:"feeds"`
	Topology  Topology  `yaml:"topology"`
	Index     Index     `yaml:"index"`
	Alerts    Alerts    `yaml:"alerts"`
	Notifiers Notifiers `yaml:"notifiers"`
	Web       Web       `yaml:"web"`
	Telemetry Telemetry `yaml:"telemetry"`
	Broadcast Broadcast `yaml:"broadcast"`
}

// Database configures the relational store. The connection string is read
// from the keybox.
type Database struct {
	// Driver is "postgres" or "sqlite"
	Driver       string `yaml:"driver"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// StatusFeed configures the JSON status and topology feed
type StatusFeed struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GTFSRTFeed configures a GTFS-Realtime service alerts feed
type GTFSRTFeed struct {
	URL      string        `yaml:"url"`
	Mode     string        `yaml:"mode"`
	Lines    []string      `yaml:"lines"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Feeds configures the upstream feeds
type Feeds struct {
	Status StatusFeed   `yaml:"status"`
	GTFSRT []GTFSRTFeed `yaml:"gtfsrt"`
}

// Topology configures the topology refresh
type Topology struct {
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	StationCacheTTL time.Duration `yaml:"stationCacheTTL"`
}

// Index configures the route station index maintenance
type Index struct {
	Concurrency   int           `yaml:"concurrency"`
	StaleInterval time.Duration `yaml:"staleInterval"`
}

// Alerts configures the alert passes
type Alerts struct {
	Interval                 time.Duration `yaml:"interval"`
	PassTimeout              time.Duration `yaml:"passTimeout"`
	Cooldown                 time.Duration `yaml:"cooldown"`
	AlertOnClear             bool          `yaml:"alertOnClear"`
	MonitorUnscheduledRoutes bool          `yaml:"monitorUnscheduledRoutes"`
	Concurrency              int           `yaml:"concurrency"`
}

// Webhook configures a notification gateway. Its bearer token is read from
// the keybox.
type Webhook struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breakerFailures"`
	BreakerTimeout  time.Duration `yaml:"breakerTimeout"`
}

// Notifiers configures the notification transports. A method without a
// gateway URL is written to the log.
type Notifiers struct {
	Email Webhook `yaml:"email"`
	SMS   Webhook `yaml:"sms"`
}

// Web configures the admin HTTP surface
type Web struct {
	Listen string `yaml:"listen"`
}

// Telemetry configures statsd reporting. The statsd address is read from the
// keybox; without one, telemetry is off.
type Telemetry struct {
	Prefix string `yaml:"prefix"`
}

// Broadcast configures the push broadcast of line state changes
type Broadcast struct {
	Enabled     bool          `yaml:"enabled"`
	TopicPrefix string        `yaml:"topicPrefix"`
	MemoryTTL   time.Duration `yaml:"memoryTTL"`
}

// Default returns the configuration used for everything a file leaves unset
func Default() *Config {
	return &Config{
		Database: Database{
			Driver:       "postgres",
			MaxOpenConns: 30,
		},
		Feeds: Feeds{
			Status: StatusFeed{
				Timeout: 10 * time.Second,
			},
		},
		Topology: Topology{
			RefreshInterval: 24 * time.Hour,
			StationCacheTTL: time.Hour,
		},
		Index: Index{
			Concurrency:   4,
			StaleInterval: 15 * time.Minute,
		},
		Alerts: Alerts{
			Interval:     5 * time.Minute,
			PassTimeout:  4 * time.Minute,
			Cooldown:     5 * time.Minute,
			AlertOnClear: true,
			Concurrency:  4,
		},
		Notifiers: Notifiers{
			Email: defaultWebhook(),
			SMS:   defaultWebhook(),
		},
		Web: Web{
			Listen: ":8089",
		},
		Telemetry: Telemetry{
			Prefix: "routealerts",
		},
		Broadcast: Broadcast{
			TopicPrefix: "line-",
			MemoryTTL:   24 * time.Hour,
		},
	}
}

func defaultWebhook() Webhook {
	return Webhook{
		Timeout:         10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

// Load reads and parses the configuration file at path. Settings absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML configuration document
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	for i := range cfg.Feeds.GTFSRT {
		if cfg.Feeds.GTFSRT[i].Timeout == 0 {
			cfg.Feeds.GTFSRT[i].Timeout = cfg.Feeds.Status.Timeout
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite, not %q", cfg.Database.Driver)
	}
	if cfg.Feeds.Status.URL == "" && len(cfg.Feeds.GTFSRT) == 0 {
		return fmt.Errorf("at least one of feeds.status.url and feeds.gtfsrt is required")
	}
	for i, feed := range cfg.Feeds.GTFSRT {
		if feed.URL == "" {
			return fmt.Errorf("feeds.gtfsrt[%d].url is required", i)
		}
		if feed.Mode == "" {
			return fmt.Errorf("feeds.gtfsrt[%d].mode is required", i)
		}
	}
	if cfg.Alerts.Interval <= 0 {
		return fmt.Errorf("alerts.interval must be positive")
	}
	if cfg.Alerts.PassTimeout <= 0 || cfg.Alerts.PassTimeout > cfg.Alerts.Interval {
		return fmt.Errorf("alerts.passTimeout must be positive and no longer than alerts.interval")
	}
	if cfg.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}
	if cfg.Alerts.Concurrency < 1 || cfg.Index.Concurrency < 1 {
		return fmt.Errorf("alerts.concurrency and index.concurrency must be at least 1")
	}
	if cfg.Topology.RefreshInterval <= 0 || cfg.Index.StaleInterval <= 0 {
		return fmt.Errorf("topology.refreshInterval and index.staleInterval must be positive")
	}
	return nil
}
