package gtfsrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/underlx/routealerts/types"
	"google.golang.org/protobuf/proto"
)

var now = time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)

func translated(text, language string) *gtfs.TranslatedString {
	return &gtfs.TranslatedString{
		Translation: []*gtfs.TranslatedString_Translation{
			{Text: proto.String(text), Language: proto.String(language)},
		},
	}
}

func alertEntity(id string, effect gtfs.Alert_Effect, header string, informed ...*gtfs.EntitySelector) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Alert: &gtfs.Alert{
			Effect:         effect.Enum(),
			HeaderText:     translated(header, "en"),
			InformedEntity: informed,
		},
	}
}

func testFeed() *gtfs.FeedMessage {
	expired := alertEntity("expired", gtfs.Alert_NO_SERVICE, "Closed last week",
		&gtfs.EntitySelector{RouteId: proto.String("R3")})
	expired.Alert.ActivePeriod = []*gtfs.TimeRange{
		{Start: proto.Uint64(uint64(now.Add(-7 * 24 * time.Hour).Unix())), End: proto.Uint64(uint64(now.Add(-6 * 24 * time.Hour).Unix()))},
	}
	current := alertEntity("works", gtfs.Alert_REDUCED_SERVICE, "Engineering works",
		&gtfs.EntitySelector{RouteId: proto.String("R1"), StopId: proto.String("71801")},
		&gtfs.EntitySelector{RouteId: proto.String("R1"), StopId: proto.String("71802")},
		&gtfs.EntitySelector{RouteId: proto.String("R2")},
	)
	current.Alert.ActivePeriod = []*gtfs.TimeRange{
		{Start: proto.Uint64(uint64(now.Add(-time.Hour).Unix()))},
	}

	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: []*gtfs.FeedEntity{
			current,
			expired,
			alertEntity("delays", gtfs.Alert_SIGNIFICANT_DELAYS, "Signal failure",
				&gtfs.EntitySelector{RouteId: proto.String("R4")},
				&gtfs.EntitySelector{StopId: proto.String("72400")}),
			alertEntity("lift", gtfs.Alert_ADDITIONAL_SERVICE, "Extra trains",
				&gtfs.EntitySelector{RouteId: proto.String("R2")}),
			alertEntity("nowhere", gtfs.Alert_NO_SERVICE, "Closed",
				&gtfs.EntitySelector{AgencyId: proto.String("renfe")}),
		},
	}
}

func TestDisruptions(t *testing.T) {
	source := NewSource("", "rail", []string{"R1", "R3", "R4"}, time.Second, nil)
	source.Now = func() time.Time { return now }

	disruptions := source.Disruptions(testFeed())
	require.Len(t, disruptions, 4)

	r1 := disruptions[0]
	assert.Equal(t, "R1", r1.LineID)
	assert.Equal(t, "rail", r1.Mode)
	assert.Equal(t, 3, r1.SeverityLevel)
	assert.Equal(t, "Part Suspended", r1.SeverityDescription)
	assert.Equal(t, "Engineering works", r1.Reason)
	assert.Equal(t, []string{"71801", "71802"}, r1.AffectedStationIDs())

	r2 := disruptions[1]
	assert.Equal(t, "R2", r2.LineID)
	assert.False(t, r2.HasStationDetail())

	r4 := disruptions[2]
	assert.Equal(t, "R4", r4.LineID)
	assert.Equal(t, 6, r4.SeverityLevel)
	assert.Equal(t, []string{"72400"}, r4.AffectedStationIDs())

	// R3 has only an expired alert
	r3 := disruptions[3]
	assert.Equal(t, "R3", r3.LineID)
	assert.Equal(t, GoodService.Level, r3.SeverityLevel)
	assert.Equal(t, "Good Service", r3.SeverityDescription)
}

func TestFetchDisruptions(t *testing.T) {
	body, err := proto.Marshal(testFeed())
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(body)
	}))
	defer server.Close()

	source := NewSource(server.URL, "rail", nil, 5*time.Second, nil)
	source.Now = func() time.Time { return now }
	disruptions, err := source.FetchDisruptions(context.Background())
	require.NoError(t, err)
	assert.Len(t, disruptions, 3)
}

func TestFetchDisruptionsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	source := NewSource(server.URL, "rail", nil, 5*time.Second, nil)
	_, err := source.FetchDisruptions(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}
