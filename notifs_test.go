package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/types"
)

type push struct {
	topic string
	data  map[string]string
}

func TestLineBroadcaster(t *testing.T) {
	var pushes []push
	fail := false
	b := newLineBroadcaster(func(topic string, data map[string]string) error {
		if fail {
			return errors.New("fcm unavailable")
		}
		pushes = append(pushes, push{topic, data})
		return nil
	}, "line-", time.Hour)

	delays := &types.Disruption{LineID: "victoria", SeverityLevel: 6, SeverityDescription: "Severe Delays", Reason: "signal failure"}
	good := &types.Disruption{LineID: "victoria", SeverityLevel: 10, SeverityDescription: "Good Service"}
	jubileeGood := &types.Disruption{LineID: "jubilee", SeverityLevel: 10, SeverityDescription: "Good Service"}

	// good service on a line never seen disrupted is not broadcast
	b.ObserveDisruptions(nil, map[string]*types.Disruption{"jubilee": jubileeGood})
	assert.Empty(t, pushes)

	b.ObserveDisruptions([]*types.Disruption{delays}, map[string]*types.Disruption{"jubilee": jubileeGood})
	require.Len(t, pushes, 1)
	assert.Equal(t, "line-victoria", pushes[0].topic)
	assert.Equal(t, "Severe Delays", pushes[0].data["status"])
	assert.Equal(t, "true", pushes[0].data["downtime"])

	// unchanged
	b.ObserveDisruptions([]*types.Disruption{delays}, nil)
	assert.Len(t, pushes, 1)

	// a failed push is retried on the next pass
	fail = true
	b.ObserveDisruptions(nil, map[string]*types.Disruption{"victoria": good})
	assert.Len(t, pushes, 1)
	fail = false
	b.ObserveDisruptions(nil, map[string]*types.Disruption{"victoria": good})
	require.Len(t, pushes, 2)
	assert.Equal(t, "false", pushes[1].data["downtime"])
	assert.Equal(t, "Good Service", pushes[1].data["status"])
}
