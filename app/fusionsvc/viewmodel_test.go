package fusionsvc

import (
	logger "log"
	"os"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/realtime/matcher"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
	"github.com/OpenTransitTools/transitcast/business/realtime/passrecorder"
	"github.com/OpenTransitTools/transitcast/business/realtime/shapeindex"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripupdatecache"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

func testCore(t *testing.T) (*Core, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Fatalf("loading timezone: %v", err)
	}
	log := logger.New(os.Stdout, "TEST : ", logger.LstdFlags)

	repo := gtfs.NewRepository(gtfs.RepositoryInput{
		Routes: []*gtfs.Route{
			{RouteId: "R1", DirectionId: gtfs.Direction0, NucleusId: "madrid"},
		},
		Trips: []*gtfs.Trip{
			{TripId: "WD-17001", RouteId: "R1", ServiceId: "WD"},
			{TripId: "WD-17003", RouteId: "R1", ServiceId: "WD"},
		},
		StopTimes: []*gtfs.StopTime{
			// 08:00 and 08:30 departures from S1, arriving S2 five
			// minutes later, S3 ten minutes later.
			{TripId: "WD-17001", StopSequence: 1, StopId: "S1", ArrivalTime: 28800, DepartureTime: 28800},
			{TripId: "WD-17001", StopSequence: 2, StopId: "S2", ArrivalTime: 29100, DepartureTime: 29130},
			{TripId: "WD-17001", StopSequence: 3, StopId: "S3", ArrivalTime: 29400, DepartureTime: 29430},
			{TripId: "WD-17003", StopSequence: 1, StopId: "S1", ArrivalTime: 30600, DepartureTime: 30600},
			{TripId: "WD-17003", StopSequence: 2, StopId: "S2", ArrivalTime: 30900, DepartureTime: 30930},
		},
		Calendars: []gtfs.Calendar{
			{ServiceId: "WD", Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true,
				StartDate: "20260101", EndDate: "20261231"},
		},
	})

	vehicles := vehiclecache.New(repo, log)
	core := &Core{
		Log:         log,
		Repo:        repo,
		Trains:      materializer.New(repo, loc, nil),
		Vehicles:    vehicles,
		TripUpdates: tripupdatecache.New(repo, vehicles, log),
		Shapes:      shapeindex.Build(repo),
		Passes:      passrecorder.New(),
		Loc:         loc,
	}
	return core, loc
}

func Test_NearestPredictionForStop_pureScheduled(t *testing.T) {
	is := is.New(t)
	core, loc := testCore(t)

	// Monday 2026-07-27, 07:45 local, with 08:00 and 08:30 departures.
	now := time.Date(2026, 7, 27, 7, 45, 0, 0, loc)

	rows, err := core.NearestPredictionForStop("", gtfs.DirectionUnspecified, "S1", 5, false, now)
	is.NoErr(err)
	is.Equal(len(rows), 2)

	at12 := gtfs.Get12AmTime(time.Date(2026, 7, 27, 0, 0, 0, 0, loc))
	is.Equal(rows[0].Status, PredictionScheduled)
	is.Equal(rows[0].Epoch, at12.Unix()+28800)
	is.Equal(rows[0].HHMM, "08:00")
	is.Equal(rows[0].Confidence, matcher.ConfidenceMed) // trip id known
	is.Equal(rows[0].Source, "schedule")
	is.Equal(rows[1].Epoch, at12.Unix()+30600)
	is.True(rows[0].Epoch < rows[1].Epoch)
	is.Equal(rows[0].EtaSeconds, int64(15*60))
	is.Equal(rows[0].EtaMinutes, 15)
}

func Test_NearestPredictionForStop_tripUpdateDelayPromotesToRealtime(t *testing.T) {
	is := is.New(t)
	core, loc := testCore(t)

	now := time.Date(2026, 7, 27, 7, 45, 0, 0, loc)
	at12 := gtfs.Get12AmTime(time.Date(2026, 7, 27, 0, 0, 0, 0, loc))

	core.TripUpdates.Insert(now, &tripupdatecache.Item{
		TripId:    "WD-17001",
		Timestamp: now.Unix(),
		StopUpdates: []tripupdatecache.StopTimeUpdate{
			{StopId: "S1", HasStopId: true, ArrivalEpoch: at12.Unix() + 28800 + 180, HasArrival: true},
		},
	})

	rows, err := core.NearestPredictionForStop("R1", gtfs.Direction0, "S1", 5, false, now)
	is.NoErr(err)
	is.Equal(len(rows), 2)
	is.Equal(rows[0].Status, PredictionRealtime)
	is.Equal(rows[0].DelaySeconds, 180)
	is.Equal(rows[0].Epoch, at12.Unix()+28800+180)
	is.Equal(rows[0].Source, "trip_update")
	is.Equal(rows[1].Status, PredictionScheduled)
}

func Test_BuildTrainDetailVM_scheduledFallback(t *testing.T) {
	is := is.New(t)
	core, loc := testCore(t)

	now := time.Date(2026, 7, 27, 7, 0, 0, 0, loc)

	vm, err := core.BuildTrainDetailVM("madrid", "17001", now)
	is.NoErr(err)
	is.Equal(vm.Kind, KindScheduled)
	is.Equal(vm.Scheduled.TripId, "WD-17001")
	is.Equal(vm.ServiceInstanceId, "20260727:WD-17001")
	is.Equal(vm.OriginStopId, "S1")
	is.Equal(vm.DestinationStopId, "S3")
	is.Equal(len(vm.Unified.Stops), 3)
}

func Test_BuildTrainDetailVM_unknownIdentifier(t *testing.T) {
	is := is.New(t)
	core, loc := testCore(t)

	_, err := core.BuildTrainDetailVM("madrid", "99999", time.Date(2026, 7, 27, 7, 0, 0, 0, loc))
	is.True(err != nil)
}

func Test_BuildRtArrivalTimesFromVM_constantDelayPropagation(t *testing.T) {
	is := is.New(t)
	core, loc := testCore(t)

	now := time.Date(2026, 7, 27, 7, 0, 0, 0, loc)
	at12 := gtfs.Get12AmTime(time.Date(2026, 7, 27, 0, 0, 0, 0, loc))

	core.TripUpdates.Insert(now, &tripupdatecache.Item{
		TripId:    "WD-17001",
		Timestamp: now.Unix(),
		StopUpdates: []tripupdatecache.StopTimeUpdate{
			{StopId: "S1", HasStopId: true, ArrivalEpoch: at12.Unix() + 28800 + 180, HasArrival: true},
		},
	})

	vm, err := core.BuildTrainDetailVM("madrid", "17001", now)
	is.NoErr(err)

	arrivals := core.BuildRtArrivalTimesFromVM(vm, now, false)
	is.Equal(len(arrivals), 3)
	for _, stopId := range []string{"S1", "S2", "S3"} {
		at, ok := arrivals[stopId]
		is.True(ok)
		is.Equal(at.DelayS, 180)
		is.Equal(at.DelayMin, 3)
	}
	is.Equal(arrivals["S1"].Epoch, at12.Unix()+28800+180)
	is.Equal(arrivals["S2"].Epoch, at12.Unix()+29100+180)
}
