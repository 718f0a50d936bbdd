package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/hako/durafmt"
	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/types"
)

const minBackoff = 10 * time.Second

// loop runs a maintenance task periodically. Retryable failures are retried
// with exponential backoff, capped at the interval; other failures wait for
// the next interval.
type loop struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      func(ctx context.Context) error

	durationsMu sync.Mutex
	durations   *movingaverage.MovingAverage
}

var (
	loopsWG     sync.WaitGroup
	loopsCancel context.CancelFunc = func() {}
	loops       []*loop
)

// SetUpLoops starts the topology refresh, index maintenance and alert loops
func SetUpLoops(ctx context.Context, cfg *config.Config) {
	ctx, loopsCancel = context.WithCancel(ctx)

	loops = []*loop{
		{
			name:     "topology",
			interval: cfg.Topology.RefreshInterval,
			timeout:  cfg.Topology.RefreshInterval / 2,
			run:      maintainTopology,
		},
		{
			name:     "index",
			interval: cfg.Index.StaleInterval,
			timeout:  cfg.Index.StaleInterval,
			run:      rebuildStaleIndexes,
		},
		{
			name:     "alerts",
			interval: cfg.Alerts.Interval,
			timeout:  cfg.Alerts.PassTimeout,
			run:      runAlertPass,
		},
	}
	for _, l := range loops {
		loopsWG.Add(1)
		go func(l *loop) {
			defer loopsWG.Done()
			l.runForever(ctx)
		}(l)
	}
}

// TearDownLoops stops the loops and waits for running tasks to return
func TearDownLoops() {
	loopsCancel()
	loopsWG.Wait()
}

func (l *loop) runForever(ctx context.Context) {
	var backoff time.Duration
	for {
		wait := l.interval
		if err := l.once(ctx); err != nil {
			if types.IsRetryable(err) {
				backoff = nextBackoff(backoff, l.interval)
				wait = backoff
			}
			schedulerLog.Printf("%s: %v (next attempt in %s)\n", l.name, err, durafmt.Parse(wait).LimitFirstN(2))
		} else {
			backoff = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *loop) once(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		l.durationsMu.Lock()
		defer l.durationsMu.Unlock()
		if l.durations == nil {
			l.durations = movingaverage.New(20)
		}
		l.durations.Add(float64(time.Since(start)))
	}()
	return l.run(ctx)
}

// averageDuration returns the moving average of the duration of the last runs
func (l *loop) averageDuration() time.Duration {
	l.durationsMu.Lock()
	defer l.durationsMu.Unlock()
	if l.durations == nil {
		return 0
	}
	return time.Duration(l.durations.Avg())
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if current == 0 {
		next = minBackoff
	}
	if next > max {
		return max
	}
	return next
}

// maintainTopology refreshes the network from the topology feed, or rebuilds
// the connection graph from the stored lines when there is no feed, and then
// brings the route indexes the change made stale up to date
func maintainTopology(ctx context.Context) error {
	if topologySource == nil {
		if _, err := topologyStore.Graph(); err == nil {
			return nil
		}
		if _, err := topologyStore.Rebuild(); err != nil {
			return err
		}
	} else {
		result, err := topologyStore.Refresh(ctx, topologySource)
		if err != nil {
			return err
		}
		if len(result.LinesChanged) == 0 {
			return nil
		}
	}
	return rebuildStaleIndexes(ctx)
}

func rebuildStaleIndexes(ctx context.Context) error {
	result, err := routeIndexer.RebuildStaleRouteIndexes(ctx)
	if err != nil {
		return err
	}
	if result.Status == types.StatusFailure {
		return fmt.Errorf("all %d stale route index rebuilds failed", result.Failed)
	}
	return nil
}

func runAlertPass(ctx context.Context) error {
	result, err := orchestrator.RunAlertPass(ctx)
	if err != nil {
		return err
	}
	if result.Incomplete {
		schedulerLog.Println("Alert pass ran out of time, remaining routes left for the next pass")
	}
	if result.Status == types.StatusFailure {
		return fmt.Errorf("alert pass failed for all %d routes checked", result.Errors)
	}
	return nil
}
