package matcher

import (
	"testing"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
)

func buildIndex(t *testing.T) (*materializer.DateIndex, time.Time) {
	t.Helper()
	loc := time.UTC
	repo := gtfs.NewRepository(gtfs.RepositoryInput{
		Routes: []*gtfs.Route{
			{RouteId: "R1", DirectionId: gtfs.Direction0, NucleusId: "N1"},
		},
		Trips: []*gtfs.Trip{
			{TripId: "T1", RouteId: "R1", ServiceId: "WD"},
			{TripId: "T2", RouteId: "R1", ServiceId: "WD"},
		},
		StopTimes: []*gtfs.StopTime{
			{TripId: "T1", StopSequence: 1, StopId: "S1", ArrivalTime: 3600, DepartureTime: 3600},
			{TripId: "T1", StopSequence: 2, StopId: "S2", ArrivalTime: 3700, DepartureTime: 3700},
			{TripId: "T2", StopSequence: 1, StopId: "S1", ArrivalTime: 7200, DepartureTime: 7200},
			{TripId: "T2", StopSequence: 2, StopId: "S2", ArrivalTime: 7300, DepartureTime: 7300},
		},
		Calendars: []gtfs.Calendar{
			{ServiceId: "WD", Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true,
				StartDate: "20260101", EndDate: "20261231"},
		},
	})

	m := materializer.New(repo, loc, nil)
	// 2026-07-27 is a Monday.
	idx, err := m.ForDate("20260727")
	if err != nil {
		t.Fatalf("ForDate: %v", err)
	}
	base := gtfs.Get12AmTime(time.Date(2026, 7, 27, 0, 0, 0, 0, loc))
	return idx, base
}

func Test_Match_tripIdWinsOverEverythingElse(t *testing.T) {
	idx, _ := buildIndex(t)
	result := Match(idx, Observation{TripId: "T1", StopId: "S9999"}, time.Now())
	if result.Method != MethodTripId {
		t.Fatalf("expected trip_id match, got method %v", result.Method)
	}
	if result.Confidence != ConfidenceHigh {
		t.Errorf("expected high confidence, got %v", result.Confidence)
	}
	if result.Train.TripId != "T1" {
		t.Errorf("expected T1, got %v", result.Train.TripId)
	}
}

func Test_Match_stopWindowFindsNearestScheduledCall(t *testing.T) {
	idx, base := buildIndex(t)
	// T1 arrives at S1 at base+3600s (01:00), T2 at base+7200s (02:00).
	now := base.Add(3650 * time.Second)

	result := Match(idx, Observation{StopId: "S1"}, now)
	if result.Method != MethodStopWindow {
		t.Fatalf("expected stop_window match, got method %v", result.Method)
	}
	if result.Train.TripId != "T1" {
		t.Errorf("expected T1 (nearest call), got %v", result.Train.TripId)
	}
	if result.Confidence != ConfidenceHigh {
		t.Errorf("expected high confidence within 900s, got %v", result.Confidence)
	}
}

func Test_Match_noMatchIsRealtimeOnly(t *testing.T) {
	idx, _ := buildIndex(t)
	result := Match(idx, Observation{TripId: "UNKNOWN"}, time.Now().Add(999*time.Hour))
	if result.Method != MethodNone {
		t.Fatalf("expected realtime_only fallback, got method %v", result.Method)
	}
	if result.TripId != "UNKNOWN" {
		t.Errorf("expected trip_id retained from feed, got %q", result.TripId)
	}
}

func Test_abs64(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{5, 5},
		{-5, 5},
		{0, 0},
	}
	for _, tt := range tests {
		if got := abs64(tt.in); got != tt.want {
			t.Errorf("abs64(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
