package main

import (
	"context"
	"time"

	"github.com/underlx/routealerts/types"
	statsd "gopkg.in/alexcesaro/statsd.v2"
)

// SetUpTelemetry returns a statsd client reporting with the given prefix and
// starts sending periodic gauges through it until ctx is done. Without a
// statsd address in the keybox the client is muted.
func SetUpTelemetry(ctx context.Context, prefix string) *statsd.Client {
	statsdAddress, present := secrets.Get("statsdAddress")
	if !present {
		c, _ := statsd.New(statsd.Mute(true))
		return c
	}

	c, err := statsd.New(statsd.Address(statsdAddress), statsd.Prefix(prefix))
	if err != nil {
		// If nothing is listening on the target port, an error is returned and
		// the returned client does nothing but is still usable. So we can
		// just log the error and go on.
		mainLog.Println(err)
	}
	go StatsSender(ctx, c)
	return c
}

// StatsSender is meant to be called as a goroutine that periodically sends
// gauges about the state of the network and the routes
func StatsSender(ctx context.Context, c *statsd.Client) {
	defer c.Close()
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendGauges(c)
		}
	}
}

func sendGauges(c *statsd.Client) {
	for _, l := range loops {
		c.Gauge("loops."+l.name+".duration_ms", l.averageDuration().Milliseconds())
	}

	connections, err := types.CountActiveConnections(rootSqalxNode)
	if err != nil {
		mainLog.Println(err)
		return
	}
	c.Gauge("topology.connections", connections)

	routes, err := types.GetActiveRoutes(rootSqalxNode)
	if err != nil {
		mainLog.Println(err)
		return
	}
	c.Gauge("routes.active", len(routes))

	stale, err := routeIndexer.FindStaleRoutes()
	if err != nil {
		mainLog.Println(err)
		return
	}
	c.Gauge("routes.stale_index", len(stale))
}
