package materializer

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

func testRepo() *gtfs.Repository {
	return gtfs.NewRepository(gtfs.RepositoryInput{
		Routes: []*gtfs.Route{
			{RouteId: "R1", DirectionId: gtfs.Direction0, NucleusId: "N1"},
		},
		Trips: []*gtfs.Trip{
			{TripId: "WD-17001", RouteId: "R1", ServiceId: "WD"},
			{TripId: "SAT-17003", RouteId: "R1", ServiceId: "SAT"},
		},
		StopTimes: []*gtfs.StopTime{
			{TripId: "WD-17001", StopSequence: 1, StopId: "S1", ArrivalTime: 28800, DepartureTime: 28830},
			{TripId: "WD-17001", StopSequence: 2, StopId: "S2", ArrivalTime: 29100, DepartureTime: 29130},
			{TripId: "SAT-17003", StopSequence: 1, StopId: "S1", ArrivalTime: 30600, DepartureTime: 30630},
			{TripId: "SAT-17003", StopSequence: 2, StopId: "S2", ArrivalTime: 30900, DepartureTime: 30930},
		},
		Calendars: []gtfs.Calendar{
			{ServiceId: "WD", Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true,
				StartDate: "20260101", EndDate: "20261231"},
			{ServiceId: "SAT", Saturday: true, StartDate: "20260101", EndDate: "20261231"},
		},
		CalendarDates: []gtfs.CalendarDate{
			// 2026-07-27 is a Monday: weekday service removed, Saturday
			// service added for a one-off timetable swap.
			{ServiceId: "WD", Date: "20260727", ExceptionType: gtfs.ExceptionRemoved},
			{ServiceId: "SAT", Date: "20260727", ExceptionType: gtfs.ExceptionAdded},
		},
	})
}

func Test_ActiveServiceIds_appliesCalendarDateExceptions(t *testing.T) {
	is := is.New(t)
	repo := testRepo()

	// Plain Monday: only the weekday service.
	active, err := ActiveServiceIds(repo, "20260720", time.UTC)
	is.NoErr(err)
	is.Equal(active, []string{"WD"})

	// Exception Monday: weekday removed, Saturday added.
	active, err = ActiveServiceIds(repo, "20260727", time.UTC)
	is.NoErr(err)
	is.Equal(active, []string{"SAT"})
}

func Test_ForDate_materializesAbsoluteEpochs(t *testing.T) {
	is := is.New(t)
	m := New(testRepo(), time.UTC, nil)

	idx, err := m.ForDate("20260720")
	is.NoErr(err)

	train, ok := idx.ByTrip("WD-17001")
	is.True(ok)
	is.Equal(len(train.Calls), 2)
	is.Equal(train.TrainNumber, "17001")
	is.Equal(train.NucleusId, "N1")

	at12 := gtfs.Get12AmTime(time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC))
	is.Equal(train.Calls[0].ArrivalEpoch, at12.Unix()+28800)

	// The Saturday-only trip is absent on a plain Monday.
	_, ok = idx.ByTrip("SAT-17003")
	is.True(!ok)
}

func Test_ForStopAfter_nextDayFallback(t *testing.T) {
	is := is.New(t)
	m := New(testRepo(), time.UTC, nil)

	// Query late Monday evening: no calls left that day, so the next-day
	// fallback must surface Tuesday's weekday service.
	evening := gtfs.Get12AmTime(time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)).Unix() + 80_000

	calls, err := m.ForStopAfter("S1", "20260720", evening, 5, "", gtfs.DirectionUnspecified, true)
	is.NoErr(err)
	is.Equal(len(calls), 1)
	is.Equal(calls[0].Train.TripId, "WD-17001")
	is.Equal(calls[0].Train.ServiceDate, "20260721")

	// Without the fallback the result is empty.
	calls, err = m.ForStopAfter("S1", "20260720", evening, 5, "", gtfs.DirectionUnspecified, false)
	is.NoErr(err)
	is.Equal(len(calls), 0)
}

func Test_ForStopAfter_ordersAndFilters(t *testing.T) {
	is := is.New(t)
	m := New(testRepo(), time.UTC, nil)

	morning := gtfs.Get12AmTime(time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)).Unix()

	calls, err := m.ForStopAfter("S1", "20260720", morning, 5, "R1", gtfs.Direction0, false)
	is.NoErr(err)
	is.Equal(len(calls), 1)

	calls, err = m.ForStopAfter("S1", "20260720", morning, 5, "R999", gtfs.DirectionUnspecified, false)
	is.NoErr(err)
	is.Equal(len(calls), 0)
}

func Test_NextDepartureForTrainNumber(t *testing.T) {
	is := is.New(t)
	m := New(testRepo(), time.UTC, nil)

	morning := gtfs.Get12AmTime(time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC)).Unix()

	train, epoch, ok := m.NextDepartureForTrainNumber("R1", gtfs.Direction0, "17001", morning, 1)
	is.True(ok)
	is.Equal(train.TripId, "WD-17001")
	is.Equal(epoch, morning+28830)

	_, _, ok = m.NextDepartureForTrainNumber("R1", gtfs.Direction0, "99999", morning, 1)
	is.True(!ok)
}

type fixedHolidays struct{ holiday bool }

func (f fixedHolidays) IsHoliday(time.Time) bool { return f.holiday }

func Test_ForDate_holidayFlag(t *testing.T) {
	is := is.New(t)
	m := New(testRepo(), time.UTC, fixedHolidays{holiday: true})

	idx, err := m.ForDate("20260720")
	is.NoErr(err)
	is.True(idx.IsHoliday())
}
