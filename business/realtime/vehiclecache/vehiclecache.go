// Package vehiclecache polls the realtime vehicle feed, parses, merges,
// and applies the staleness and grace rules that keep the last good
// snapshot visible across transient feed gaps.
package vehiclecache

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
	"github.com/OpenTransitTools/transitcast/business/trainnum"
)

// CurrentStatus aliases gtfsrt.VehicleStopStatus for callers of this package.
type CurrentStatus = gtfsrt.VehicleStopStatus

const (
	StatusUnknown     = gtfsrt.StatusUnknown
	StatusIncomingAt  = gtfsrt.StatusIncomingAt
	StatusStoppedAt   = gtfsrt.StatusStoppedAt
	StatusInTransitTo = gtfsrt.StatusInTransitTo
)

// EmptyGraceSnapshots and MaxStaleSeconds bound the grace rule: an empty
// poll keeps the previous snapshot for up to EmptyGraceSnapshots cycles,
// never past MaxStaleSeconds since the last non-empty snapshot.
const (
	EmptyGraceSnapshots = 2
	MaxStaleSeconds     = 180
)

// Observation is one physical vehicle at one instant.
type Observation struct {
	TrainId       string
	TripId        string
	RouteId       string
	DirectionId   gtfs.Direction
	NucleusId     string
	Lat           float64
	HasLatLon     bool
	Lon           float64
	SpeedKmh      float64
	HasSpeed      bool
	Bearing       float64
	StopId        string
	CurrentStatus CurrentStatus
	TsUnix        int64
	Label         string
	PlatformByStop map[string]string
}

// Fresh reports whether the observation is at most MaxStaleSeconds old.
func (o *Observation) Fresh(now time.Time) bool {
	return now.Unix()-o.TsUnix <= MaxStaleSeconds
}

type snapshot struct {
	id          string
	byId        map[string]*Observation
	byRouteId   map[string][]*Observation
	byNucleus   map[string][]*Observation
	all         []*Observation
	headerTime  int64
	emptyStreak int
	lastNonEmpty time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byId:      make(map[string]*Observation),
		byRouteId: make(map[string][]*Observation),
		byNucleus: make(map[string][]*Observation),
	}
}

// Cache is the reader/writer snapshot-swap store for vehicle observations.
type Cache struct {
	mu   sync.RWMutex
	snap *snapshot

	repo    *gtfs.Repository
	parity  map[string]gtfs.ParityMapping
	log     *log.Logger
	fetcher *gtfsrt.Fetcher

	lastPollAt   time.Time
	lastPollErr  error
	errorsStreak int
}

// New builds an empty Cache backed by repo for nucleus/route enrichment.
func New(repo *gtfs.Repository, logger *log.Logger) *Cache {
	return &Cache{
		snap:    emptySnapshot(),
		repo:    repo,
		log:     logger,
		fetcher: gtfsrt.NewFetcher(),
	}
}

// GetById returns the observation for a train id.
func (c *Cache) GetById(trainId string) (*Observation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obs, ok := c.snap.byId[trainId]
	return obs, ok
}

// GetByNucleus returns every observation attributed to nucleus.
func (c *Cache) GetByNucleus(nucleus string) []*Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Observation(nil), c.snap.byNucleus[nucleus]...)
}

// GetByRouteId returns every observation on routeId.
func (c *Cache) GetByRouteId(routeId string) []*Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Observation(nil), c.snap.byRouteId[routeId]...)
}

// GetByNucleusAndRoute returns observations matching both.
func (c *Cache) GetByNucleusAndRoute(nucleus, routeId string) []*Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Observation
	for _, obs := range c.snap.byNucleus[nucleus] {
		if obs.RouteId == routeId {
			out = append(out, obs)
		}
	}
	return out
}

// ListSorted returns every observation, sorted by TrainId.
func (c *Cache) ListSorted() []*Observation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]*Observation(nil), c.snap.all...)
	sort.Slice(out, func(i, j int) bool { return out[i].TrainId < out[j].TrainId })
	return out
}

// SnapshotId identifies the current non-empty snapshot; each replacement
// gets a fresh id so debug consumers can tell snapshots apart.
func (c *Cache) SnapshotId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.id
}

// IsStale reports whether the snapshot is older than MaxStaleSeconds while
// still holding items.
func (c *Cache) IsStale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.snap.all) == 0 || c.snap.lastNonEmpty.IsZero() {
		return false
	}
	return now.Sub(c.snap.lastNonEmpty) > MaxStaleSeconds*time.Second
}

// ErrorsStreak reports how many consecutive polls have failed.
func (c *Cache) ErrorsStreak() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorsStreak
}

// LastPollAge reports how long ago the last successful poll completed, for
// the healthz endpoint.
func (c *Cache) LastPollAge(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastPollAt.IsZero() {
		return -1
	}
	return now.Sub(c.lastPollAt)
}

// apply implements the snapshot semantics: identical header timestamp
// with an empty parsed list keeps current state; a non-empty list replaces
// atomically; an empty list applies the grace rule.
func (c *Cache) apply(observations []*Observation, headerTime int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.snap

	if headerTime != 0 && headerTime == prev.headerTime && len(observations) == 0 {
		return
	}

	if len(observations) > 0 {
		c.snap = buildSnapshot(observations, headerTime, now)
		return
	}

	// Empty snapshot: apply grace rule.
	staleFor := now.Sub(prev.lastNonEmpty)
	if prev.lastNonEmpty.IsZero() {
		staleFor = 0
	}
	if prev.emptyStreak+1 > EmptyGraceSnapshots || staleFor > MaxStaleSeconds*time.Second {
		c.snap = emptySnapshot()
		c.snap.headerTime = headerTime
		return
	}
	next := *prev
	next.emptyStreak = prev.emptyStreak + 1
	next.headerTime = headerTime
	c.snap = &next
}

func buildSnapshot(observations []*Observation, headerTime int64, now time.Time) *snapshot {
	snap := emptySnapshot()
	snap.id = uuid.New().String()
	snap.headerTime = headerTime
	snap.lastNonEmpty = now
	snap.all = observations
	for _, obs := range observations {
		snap.byId[obs.TrainId] = obs
		if obs.RouteId != "" {
			snap.byRouteId[obs.RouteId] = append(snap.byRouteId[obs.RouteId], obs)
		}
		if obs.NucleusId != "" {
			snap.byNucleus[obs.NucleusId] = append(snap.byNucleus[obs.NucleusId], obs)
		}
	}
	return snap
}

// enrichNucleus attributes the observation to a nucleus: prefer the
// route derived from trip_id via the repository; otherwise infer from
// short_name + stop_id, disambiguating by train-number parity then by
// longest station list and matching direction.
func (c *Cache) enrichNucleus(obs *Observation) {
	if obs.TripId != "" {
		if trip, ok := c.repo.Trip(obs.TripId); ok {
			if route, ok := c.repo.Route(trip.RouteId, gtfs.DirectionUnspecified); ok {
				obs.RouteId = route.RouteId
				obs.NucleusId = route.NucleusId
				if obs.DirectionId == "" {
					obs.DirectionId = route.DirectionId
				}
				return
			}
		}
	}
	if obs.RouteId != "" {
		if route, ok := c.repo.Route(obs.RouteId, obs.DirectionId); ok {
			obs.NucleusId = route.NucleusId
			return
		}
	}
	if obs.StopId == "" || obs.Label == "" {
		return
	}
	candidates := matchRoutesByLabelAndStop(c.repo, obs.Label, obs.StopId)
	if len(candidates) == 0 {
		return
	}
	if len(candidates) > 1 {
		if num, ok := trainnum.Extract(obs.Label); ok {
			even := trainnum.IsEven(num)
			candidates = filterByParity(c.repo, candidates, even)
		}
	}
	if len(candidates) > 1 {
		candidates = longestWithMatchingDirection(candidates, obs.DirectionId)
	}
	if len(candidates) == 0 {
		return
	}
	best := candidates[0]
	obs.RouteId = best.RouteId
	obs.NucleusId = best.NucleusId
	if obs.DirectionId == "" {
		obs.DirectionId = best.DirectionId
	}
}

func matchRoutesByLabelAndStop(repo *gtfs.Repository, label, stopId string) []*gtfs.Route {
	var out []*gtfs.Route
	for _, route := range repo.ListRoutes() {
		if !strings.EqualFold(route.ShortName, label) {
			continue
		}
		for _, st := range route.Stations {
			if st.StopId == stopId {
				out = append(out, route)
				break
			}
		}
	}
	return out
}

func filterByParity(repo *gtfs.Repository, candidates []*gtfs.Route, even bool) []*gtfs.Route {
	var out []*gtfs.Route
	for _, route := range candidates {
		dir, status := repo.DirectionForParity(route.RouteId, even)
		if status == "" || dir == "" {
			continue
		}
		if route.DirectionId == dir {
			out = append(out, route)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

func longestWithMatchingDirection(candidates []*gtfs.Route, direction gtfs.Direction) []*gtfs.Route {
	var matchingDir []*gtfs.Route
	if direction != "" {
		for _, route := range candidates {
			if route.DirectionId == direction {
				matchingDir = append(matchingDir, route)
			}
		}
	}
	pool := candidates
	if len(matchingDir) > 0 {
		pool = matchingDir
	}
	best := pool[0]
	for _, route := range pool[1:] {
		if len(route.Stations) > len(best.Stations) {
			best = route
		}
	}
	return []*gtfs.Route{best}
}

// RunLoop polls the feed every interval until shutdown fires, sleeping the
// interval minus the time the previous iteration's work took, never
// sleeping negative.
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
			c.log.Printf("vehiclecache: exiting on shutdown signal")
			return
		case <-ctx.Done():
			return
		case <-sleepChan:
		}

		sleep = interval
		start := time.Now()

		if err := c.pollOnce(ctx, url, start); err != nil {
			c.mu.Lock()
			c.lastPollErr = err
			c.errorsStreak++
			c.mu.Unlock()
			c.log.Printf("vehiclecache: poll error: %v", err)
		} else {
			c.mu.Lock()
			c.lastPollAt = start
			c.lastPollErr = nil
			c.errorsStreak = 0
			c.mu.Unlock()
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
	observations, headerTime := decodeFeed(feed, now)
	for _, obs := range observations {
		c.enrichNucleus(obs)
	}
	c.apply(observations, headerTime, now)
	return nil
}
