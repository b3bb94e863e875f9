package tripupdatecache

import (
	"testing"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

func Test_merge_newerReplacesOlder(t *testing.T) {
	c := &Cache{byTrip: make(map[string]*Item)}
	now := time.Unix(1000, 0)

	c.merge([]*Item{{TripId: "t1", Timestamp: 100, RouteId: "A"}}, now)
	c.merge([]*Item{{TripId: "T1", Timestamp: 50, RouteId: "B"}}, now)

	it, ok := c.GetByTripId("t1")
	if !ok {
		t.Fatalf("expected trip t1 present")
	}
	if it.RouteId != "A" {
		t.Errorf("expected older timestamp update to be discarded, got RouteId %q", it.RouteId)
	}

	c.merge([]*Item{{TripId: "t1", Timestamp: 200, RouteId: "C"}}, now)
	it, _ = c.GetByTripId("t1")
	if it.RouteId != "C" {
		t.Errorf("expected newer timestamp update to replace, got RouteId %q", it.RouteId)
	}
}

func Test_sweep_removesExpired(t *testing.T) {
	c := &Cache{byTrip: make(map[string]*Item)}
	base := time.Unix(1000, 0)
	c.merge([]*Item{{TripId: "stale", Timestamp: 1}}, base)
	c.merge([]*Item{{TripId: "fresh", Timestamp: 1}}, base.Add(800*time.Second))

	removed := c.sweep(base.Add(901 * time.Second))
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.GetByTripId("stale"); ok {
		t.Errorf("expected stale trip swept")
	}
	if _, ok := c.GetByTripId("fresh"); !ok {
		t.Errorf("expected fresh trip retained")
	}
}

func Test_EtaForTripToStop_prefersDepartureNearArrival(t *testing.T) {
	c := &Cache{byTrip: make(map[string]*Item)}
	now := time.Unix(1000, 0)
	c.merge([]*Item{{
		TripId: "t1",
		StopUpdates: []StopTimeUpdate{
			{StopId: "s1", HasStopId: true, ArrivalEpoch: 1040, HasArrival: true, DepartureEpoch: 1060, HasDeparture: true},
		},
	}}, now)

	eta, ok := c.EtaForTripToStop("t1", "s1", now)
	if !ok {
		t.Fatalf("expected eta found")
	}
	if eta != 1060 {
		t.Errorf("expected departure preferred at now >= arr-45s, got %d", eta)
	}
}

func Test_EtaForTripToStop_usesArrivalFarFromWindow(t *testing.T) {
	c := &Cache{byTrip: make(map[string]*Item)}
	now := time.Unix(1000, 0)
	c.merge([]*Item{{
		TripId: "t1",
		StopUpdates: []StopTimeUpdate{
			{StopId: "s1", HasStopId: true, ArrivalEpoch: 2000, HasArrival: true, DepartureEpoch: 2010, HasDeparture: true},
		},
	}}, now)

	eta, ok := c.EtaForTripToStop("t1", "s1", now)
	if !ok {
		t.Fatalf("expected eta found")
	}
	if eta != 2000 {
		t.Errorf("expected arrival used when far from arrival window, got %d", eta)
	}
}

func Test_directionScore_prefersAscendingOrder(t *testing.T) {
	repo := gtfs.NewRepository(gtfs.RepositoryInput{
		Routes: []*gtfs.Route{
			{RouteId: "R", DirectionId: gtfs.Direction0, Stations: []gtfs.StationOnLine{
				{Seq: 0, StopId: "a"}, {Seq: 1, StopId: "b"}, {Seq: 2, StopId: "c"},
			}},
			{RouteId: "R", DirectionId: gtfs.Direction1, Stations: []gtfs.StationOnLine{
				{Seq: 0, StopId: "c"}, {Seq: 1, StopId: "b"}, {Seq: 2, StopId: "a"},
			}},
		},
	})

	item := &Item{StopUpdates: []StopTimeUpdate{
		{StopId: "a", HasStopId: true},
		{StopId: "b", HasStopId: true},
		{StopId: "c", HasStopId: true},
	}}

	dir := bestDirectionByOrderedStops(repo, "R", item)
	if dir != gtfs.Direction0 {
		t.Errorf("expected direction 0 to score higher for ascending a,b,c, got %q", dir)
	}
}
