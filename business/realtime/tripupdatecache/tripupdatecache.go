// Package tripupdatecache polls the trip-update feed, merges entities
// cumulatively keyed by normalized trip_id, sweeps entries past
// MissingTTLSeconds, and backfills route/direction when the feed omits
// them.
package tripupdatecache

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

// MissingTTLSeconds is how long an entry not seen in the current snapshot
// is retained after its last sighting.
const MissingTTLSeconds = 900

// ArrivalWindowSeconds is the eta_for_trip_to_stop field-switch threshold:
// "now >= arr - 45s" prefers departure over arrival.
const ArrivalWindowSeconds = 45

// StopTimeUpdate is one stop update within a TripUpdateItem.
type StopTimeUpdate struct {
	StopId               string
	HasStopId            bool
	StopSequence         int
	HasStopSequence      bool
	ArrivalEpoch         int64
	HasArrival           bool
	ArrivalDelay         int
	HasArrivalDelay      bool
	DepartureEpoch       int64
	HasDeparture         bool
	DepartureDelay       int
	HasDepartureDelay    bool
	ScheduleRelationship gtfsrt.ScheduleRelationship
}

// Item is one trip update held in the cache.
type Item struct {
	TripId               string
	RouteId              string
	DirectionId          gtfs.Direction
	TripScheduleRelationship gtfsrt.TripScheduleRelationship
	Delay                int
	HasDelay             bool
	Timestamp            int64
	StopUpdates          []StopTimeUpdate
	lastSeen             time.Time
}

// DelaySeconds returns the trip-level delay and whether one was reported.
func (it *Item) DelaySeconds() (int, bool) { return it.Delay, it.HasDelay }

// StopUpdate looks up a stop update by stop id or stop sequence.
func (it *Item) StopUpdate(stopId string, stopSequence int) (StopTimeUpdate, bool) {
	for _, su := range it.StopUpdates {
		if su.HasStopId && stopId != "" && su.StopId == stopId {
			return su, true
		}
		if su.HasStopSequence && stopSequence != 0 && su.StopSequence == stopSequence {
			return su, true
		}
	}
	return StopTimeUpdate{}, false
}

// Cache holds the current set of trip updates, keyed by normalized
// (upper-cased) trip_id.
type Cache struct {
	mu      sync.Mutex
	byTrip  map[string]*Item
	repo    *gtfs.Repository
	vehicles *vehiclecache.Cache
	log     *log.Logger
	fetcher *gtfsrt.Fetcher

	pollMu       sync.Mutex
	lastPollAt   time.Time
	lastPollErr  error
	errorsStreak int
}

// New builds an empty Cache. vehicles may be nil; when present it backs the
// route/direction enrichment cascade's "match to a live observation" step.
func New(repo *gtfs.Repository, vehicles *vehiclecache.Cache, logger *log.Logger) *Cache {
	return &Cache{
		byTrip:   make(map[string]*Item),
		repo:     repo,
		vehicles: vehicles,
		log:      logger,
		fetcher:  gtfsrt.NewFetcher(),
	}
}

func normalizeTripId(tripId string) string { return strings.ToUpper(tripId) }

// GetByTripId looks up the current trip update for tripId.
func (c *Cache) GetByTripId(tripId string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.byTrip[normalizeTripId(tripId)]
	return it, ok
}

// GetStopUpdate is a convenience wrapper over GetByTripId + Item.StopUpdate.
func (c *Cache) GetStopUpdate(tripId, stopId string, stopSequence int) (StopTimeUpdate, bool) {
	it, ok := c.GetByTripId(tripId)
	if !ok {
		return StopTimeUpdate{}, false
	}
	return it.StopUpdate(stopId, stopSequence)
}

// TripDelaySeconds returns the trip-level delay, if reported.
func (c *Cache) TripDelaySeconds(tripId string) (int, bool) {
	it, ok := c.GetByTripId(tripId)
	if !ok {
		return 0, false
	}
	return it.DelaySeconds()
}

// EtaForTripToStop picks departure over arrival once the train is at or
// past the arrival window, to reduce oscillation between fields.
func (c *Cache) EtaForTripToStop(tripId, stopId string, now time.Time) (int64, bool) {
	su, ok := c.GetStopUpdate(tripId, stopId, 0)
	if !ok {
		return 0, false
	}
	if su.HasArrival && now.Unix() >= su.ArrivalEpoch-ArrivalWindowSeconds && su.HasDeparture {
		return su.DepartureEpoch, true
	}
	if su.HasArrival {
		return su.ArrivalEpoch, true
	}
	if su.HasDeparture {
		return su.DepartureEpoch, true
	}
	return 0, false
}

// Insert merges items as if they had arrived from a poll at now, running
// the enrichment cascade first.
func (c *Cache) Insert(now time.Time, items ...*Item) {
	for _, item := range items {
		c.enrich(item)
	}
	c.merge(items, now)
}

// merge applies the cumulative merge policy: newer replaces older for
// the same normalized trip id.
func (c *Cache) merge(items []*Item, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		key := normalizeTripId(item.TripId)
		if existing, ok := c.byTrip[key]; ok && existing.Timestamp > item.Timestamp {
			continue
		}
		item.lastSeen = now
		c.byTrip[key] = item
	}
}

// sweep removes entries not seen within MissingTTLSeconds of now.
func (c *Cache) sweep(now time.Time) (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.byTrip {
		if now.Sub(item.lastSeen) > MissingTTLSeconds*time.Second {
			delete(c.byTrip, key)
			removed++
		}
	}
	return removed
}

// enrich runs the per-trip enrichment cascade once at insert
// time: route/direction from the static timetable, then from a live vehicle
// observation, then scored against observed stop ids and ascending pairs.
func (c *Cache) enrich(item *Item) {
	if item.RouteId == "" || item.DirectionId == "" {
		if trip, ok := c.repo.Trip(item.TripId); ok {
			if item.RouteId == "" {
				item.RouteId = trip.RouteId
			}
		}
	}
	if (item.RouteId == "" || item.DirectionId == "") && c.vehicles != nil {
		if obs, ok := c.vehicles.GetById(item.TripId); ok {
			if item.RouteId == "" {
				item.RouteId = obs.RouteId
			}
			if item.DirectionId == "" {
				item.DirectionId = obs.DirectionId
			}
		} else {
			for _, obs := range c.vehicles.ListSorted() {
				if obs.TripId == item.TripId {
					if item.RouteId == "" {
						item.RouteId = obs.RouteId
					}
					if item.DirectionId == "" {
						item.DirectionId = obs.DirectionId
					}
					break
				}
			}
		}
	}
	if item.RouteId == "" {
		item.RouteId = bestRouteByStopOverlap(c.repo, item)
	}
	if item.RouteId != "" && item.DirectionId == "" && len(item.StopUpdates) >= 2 {
		item.DirectionId = bestDirectionByOrderedStops(c.repo, item.RouteId, item)
	}
}

// bestRouteByStopOverlap scores each Route by the size of the intersection
// between its station set and the trip update's observed stop ids.
func bestRouteByStopOverlap(repo *gtfs.Repository, item *Item) string {
	observed := make(map[string]bool)
	for _, su := range item.StopUpdates {
		if su.HasStopId {
			observed[su.StopId] = true
		}
	}
	if len(observed) == 0 {
		return ""
	}
	best := ""
	bestScore := 0
	for _, route := range repo.ListRoutes() {
		score := 0
		for _, st := range route.Stations {
			if observed[st.StopId] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = route.RouteId
		}
	}
	return best
}

// bestDirectionByOrderedStops scores both directions by the number of stops
// in the direction's ordered list and the count of ascending pairs, picking
// the strictly higher score.
func bestDirectionByOrderedStops(repo *gtfs.Repository, routeId string, item *Item) gtfs.Direction {
	score0 := directionScore(repo, routeId, gtfs.Direction0, item)
	score1 := directionScore(repo, routeId, gtfs.Direction1, item)
	if score0 > score1 {
		return gtfs.Direction0
	}
	if score1 > score0 {
		return gtfs.Direction1
	}
	return gtfs.DirectionUnspecified
}

func directionScore(repo *gtfs.Repository, routeId string, direction gtfs.Direction, item *Item) int {
	route, ok := repo.Route(routeId, direction)
	if !ok {
		return -1
	}
	seqByStop := make(map[string]int, len(route.Stations))
	for _, st := range route.Stations {
		seqByStop[st.StopId] = st.Seq
	}
	score := 0
	lastSeq := -1
	for _, su := range item.StopUpdates {
		if !su.HasStopId {
			continue
		}
		seq, ok := seqByStop[su.StopId]
		if !ok {
			continue
		}
		score++
		if lastSeq >= 0 && seq > lastSeq {
			score++
		}
		lastSeq = seq
	}
	return score
}

// ErrorsStreak reports how many consecutive polls have failed.
func (c *Cache) ErrorsStreak() int {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.errorsStreak
}

// LastPollAge reports how long ago the last successful poll completed.
func (c *Cache) LastPollAge(now time.Time) time.Duration {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	if c.lastPollAt.IsZero() {
		return -1
	}
	return now.Sub(c.lastPollAt)
}

// RunLoop polls the trip-update feed on interval until shutdown fires, and
// sweeps expired entries each cycle, mirroring the vehicle cache's loop.
func (c *Cache) RunLoop(ctx context.Context, url string, interval time.Duration, shutdown chan os.Signal) {
	sleep := time.Duration(0)
	sleepChan := make(chan bool)

	for {
		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdown:
			c.log.Printf("tripupdatecache: exiting on shutdown signal")
			return
		case <-ctx.Done():
			return
		case <-sleepChan:
		}

		sleep = interval
		start := time.Now()

		if err := c.pollOnce(ctx, url, start); err != nil {
			c.pollMu.Lock()
			c.lastPollErr = err
			c.errorsStreak++
			c.pollMu.Unlock()
			c.log.Printf("tripupdatecache: poll error: %v", err)
		} else {
			c.pollMu.Lock()
			c.lastPollAt = start
			c.lastPollErr = nil
			c.errorsStreak = 0
			c.pollMu.Unlock()
		}
		if removed := c.sweep(start); removed > 0 {
			c.log.Printf("tripupdatecache: swept %d expired trip updates", removed)
		}

		took := time.Since(start)
		if took >= interval {
			sleep = 0
		} else {
			sleep = interval - took
		}
	}
}

func (c *Cache) pollOnce(ctx context.Context, url string, now time.Time) error {
	feed, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	items := decodeFeed(feed)
	for _, item := range items {
		c.enrich(item)
	}
	c.merge(items, now)
	return nil
}
