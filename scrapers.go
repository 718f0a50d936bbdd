package main

import (
	"log"
	"os"

	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/scraper"
	"github.com/underlx/routealerts/scraper/gtfsrt"
	"github.com/underlx/routealerts/scraper/statusfeed"
)

// SetUpScrapers creates the upstream feed clients described by the
// configuration. The topology source is nil when no status feed is
// configured.
func SetUpScrapers(cfg *config.Config) (scraper.DisruptionSource, scraper.TopologySource, error) {
	var sources scraper.MultiSource
	var topologySource scraper.TopologySource

	if cfg.Feeds.Status.URL != "" {
		token, _ := secrets.Get("statusFeedToken")
		client := statusfeed.NewClient(cfg.Feeds.Status.URL, token, cfg.Feeds.Status.Timeout,
			log.New(os.Stdout, "statusfeed", log.Ldate|log.Ltime))
		sources = append(sources, client)
		topologySource = client
	}

	for _, feed := range cfg.Feeds.GTFSRT {
		source := gtfsrt.NewSource(feed.URL, feed.Mode, feed.Lines, feed.Timeout,
			log.New(os.Stdout, "gtfsrt-"+feed.Mode, log.Ldate|log.Ltime))
		source.Language = feed.Language
		sources = append(sources, source)
	}

	if len(sources) == 1 {
		return sources[0], topologySource, nil
	}
	return sources, topologySource, nil
}
