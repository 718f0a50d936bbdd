package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/underlx/routealerts/config"
	"github.com/underlx/routealerts/types"
)

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, minBackoff, nextBackoff(0, 5*time.Minute))
	assert.Equal(t, 2*minBackoff, nextBackoff(minBackoff, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, nextBackoff(4*time.Minute, 5*time.Minute))
	assert.Equal(t, time.Second, nextBackoff(0, time.Second))
}

func TestLoopOnceTimeout(t *testing.T) {
	l := &loop{
		name:    "test",
		timeout: 10 * time.Millisecond,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return types.Retryable(ctx.Err())
		},
	}
	err := l.once(context.Background())
	assert.True(t, types.IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, l.averageDuration(), 10*time.Millisecond)
}

func TestLoopsStop(t *testing.T) {
	setUpTestServer(t)
	c := config.Default()
	c.Topology.RefreshInterval = time.Hour
	c.Index.StaleInterval = time.Hour
	c.Alerts.Interval = time.Hour

	SetUpLoops(context.Background(), c)
	done := make(chan struct{})
	go func() {
		TearDownLoops()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("loops did not stop")
	}
}
