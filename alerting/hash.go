package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/underlx/routealerts/types"
)

type lineState struct {
	Line   string
	Status string
	Reason string
}

// StateHash returns a digest of the state of a line as described by the given
// disruptions: their line, status description and reason. It changes when
// the reported situation changes even if the severity level does not, and is
// independent of the order of the disruptions.
func StateHash(lineID string, disruptions []*types.Disruption) string {
	states := make([]lineState, len(disruptions))
	for i, d := range disruptions {
		states[i] = lineState{
			Line:   lineID,
			Status: d.SeverityDescription,
			Reason: d.Reason,
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Status != states[j].Status {
			return states[i].Status < states[j].Status
		}
		return states[i].Reason < states[j].Reason
	})

	values := make([]interface{}, 0, 1+len(states)*3)
	values = append(values, lineID)
	for _, s := range states {
		values = append(values, s.Line, s.Status, s.Reason)
	}
	b, err := msgpack.Marshal(values...)
	if err != nil {
		// strings always encode
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
