package types

import (
	"errors"
	"time"

	"github.com/gbl08ma/sqalx"
	cache "github.com/patrickmn/go-cache"
)

// StationCache is a read-through cache of station lookups. Entries expire
// after the TTL given on creation and the whole cache can be flushed after a
// topology refresh. It is safe for concurrent use.
type StationCache struct {
	c *cache.Cache
}

// NewStationCache returns a StationCache whose entries live for ttl
func NewStationCache(ttl time.Duration) *StationCache {
	cleanup := ttl * 2
	if ttl <= 0 {
		cleanup = 10 * time.Minute
	}
	return &StationCache{
		c: cache.New(ttl, cleanup),
	}
}

// Station returns the station with the given ID, loading it through node on a
// cache miss
func (sc *StationCache) Station(node sqalx.Node, id string) (*Station, error) {
	key := getCacheKey("station", id)
	if v, present := sc.c.Get(key); present {
		return v.(*Station), nil
	}
	station, err := GetStation(node, id)
	if err != nil {
		return nil, err
	}
	sc.c.SetDefault(key, station)
	return station, nil
}

// CanonicalID returns the matching identity of the station with the given ID.
// Unknown stations are their own canonical identity.
func (sc *StationCache) CanonicalID(node sqalx.Node, id string) (string, error) {
	station, err := sc.Station(node, id)
	if errors.Is(err, ErrStationNotFound) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return station.CanonicalID(), nil
}

// HubMembers returns the stations that share the hub code of the station with
// the given ID, the station itself included. Stations that are not part of a
// hub are their only member.
func (sc *StationCache) HubMembers(node sqalx.Node, id string) ([]*Station, error) {
	station, err := sc.Station(node, id)
	if err != nil {
		return nil, err
	}
	if station.HubCode == "" {
		return []*Station{station}, nil
	}
	key := getCacheKey("hub", station.HubCode)
	if v, present := sc.c.Get(key); present {
		return v.([]*Station), nil
	}
	members, err := GetStationsByHub(node, station.HubCode)
	if err != nil {
		return nil, err
	}
	sc.c.SetDefault(key, members)
	return members, nil
}

// Flush evicts every cached entry
func (sc *StationCache) Flush() {
	sc.c.Flush()
}

// ItemCount returns the number of cached entries, expired ones included
func (sc *StationCache) ItemCount() int {
	return sc.c.ItemCount()
}
