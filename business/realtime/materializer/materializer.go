// Package materializer materializes the scheduled trains of a service date.
// It computes the active service_ids (calendar.txt day-of-week mask
// intersected with calendar_dates.txt exceptions), then builds the ordered
// ScheduledTrain for every active trip with absolute epochs derived via
// gtfs.MakeScheduleTime. Materialization is memoized per date behind a
// keyed lock (golang.org/x/sync/singleflight): the first call for a date
// blocks concurrent callers for the same date.
package materializer

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/trainnum"
)

// Call is one stop call of a materialized ScheduledTrain.
type Call struct {
	StopId           string
	StopSequence     int
	ArrivalEpoch     int64
	DepartureEpoch   int64
	ArrivalSec       int
	DepartureSec     int
	PlatformCode     *string
}

// ScheduledTrain is a service instance materialized for a concrete date.
type ScheduledTrain struct {
	TripId      string
	RouteId     string
	DirectionId gtfs.Direction
	ServiceDate string
	Headsign    string
	TrainNumber string
	NucleusId   string
	Calls       []Call
}

// DateIndex holds every index built for one service date.
type DateIndex struct {
	byTrip           map[string]*ScheduledTrain
	byStop           map[string][]stopEntry
	byRouteDir       map[routeDirKey][]*ScheduledTrain
	trainNumbersByRouteDir map[routeDirKey]map[string]bool
	isHoliday        bool
}

type stopEntry struct {
	train    *ScheduledTrain
	callIdx  int
}

type routeDirKey struct {
	routeId string
	dir     gtfs.Direction
}

// HolidayChecker reports whether a date is a holiday, fulfilled in
// cmd/fusion-svc by a wrapper around rickar/cal/v2's BusinessCalendar.
type HolidayChecker interface {
	IsHoliday(t time.Time) bool
}

// Materializer owns the static Repository and a per-date memoization cache.
type Materializer struct {
	repo     *gtfs.Repository
	loc      *time.Location
	holidays HolidayChecker

	mu      sync.RWMutex
	byDate  map[string]*DateIndex
	group   singleflight.Group
}

// New builds a Materializer over repo. loc is the service timezone used to
// resolve (service_date, sec_of_day) pairs to absolute epochs.
func New(repo *gtfs.Repository, loc *time.Location, holidays HolidayChecker) *Materializer {
	return &Materializer{
		repo:     repo,
		loc:      loc,
		holidays: holidays,
		byDate:   make(map[string]*DateIndex),
	}
}

// ActiveServiceIds computes the service_ids active on serviceDate by
// combining calendar.txt's day-of-week mask (intersected with
// [start_date, end_date]) with calendar_dates.txt exceptions (type 1 adds,
// type 2 removes).
func ActiveServiceIds(repo *gtfs.Repository, serviceDate string, loc *time.Location) ([]string, error) {
	date, err := gtfs.ParseServiceDate(serviceDate, loc)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	weekday := int(date.Weekday())

	for serviceId, cal := range repo.AllCalendars() {
		if serviceDate < cal.StartDate || serviceDate > cal.EndDate {
			continue
		}
		if cal.ActiveOnWeekday(weekday) {
			active[serviceId] = true
		}
	}

	for serviceId, exceptions := range repo.AllCalendarDates() {
		for _, ex := range exceptions {
			if ex.Date != serviceDate {
				continue
			}
			switch ex.ExceptionType {
			case gtfs.ExceptionAdded:
				active[serviceId] = true
			case gtfs.ExceptionRemoved:
				delete(active, serviceId)
			}
		}
	}

	out := make([]string, 0, len(active))
	for id := range active {
		out = append(out, id)
	}
	return out, nil
}

// ForDate returns the memoized index for serviceDate, materializing it on
// first access. Concurrent callers for the same date block on the same
// materialization via singleflight rather than duplicating the work.
func (m *Materializer) ForDate(serviceDate string) (*DateIndex, error) {
	m.mu.RLock()
	if idx, ok := m.byDate[serviceDate]; ok {
		m.mu.RUnlock()
		return idx, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(serviceDate, func() (interface{}, error) {
		m.mu.RLock()
		if idx, ok := m.byDate[serviceDate]; ok {
			m.mu.RUnlock()
			return idx, nil
		}
		m.mu.RUnlock()

		idx, err := m.materialize(serviceDate)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.byDate[serviceDate] = idx
		m.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DateIndex), nil
}

func (m *Materializer) materialize(serviceDate string) (*DateIndex, error) {
	serviceIds, err := ActiveServiceIds(m.repo, serviceDate, m.loc)
	if err != nil {
		return nil, err
	}
	activeSet := make(map[string]bool, len(serviceIds))
	for _, id := range serviceIds {
		activeSet[id] = true
	}

	date, err := gtfs.ParseServiceDate(serviceDate, m.loc)
	if err != nil {
		return nil, err
	}
	at12 := gtfs.Get12AmTime(date)

	idx := &DateIndex{
		byTrip:                 make(map[string]*ScheduledTrain),
		byStop:                 make(map[string][]stopEntry),
		byRouteDir:             make(map[routeDirKey][]*ScheduledTrain),
		trainNumbersByRouteDir: make(map[routeDirKey]map[string]bool),
	}
	if m.holidays != nil {
		idx.isHoliday = m.holidays.IsHoliday(date)
	}

	for _, trip := range m.repo.TripsByServiceIds(activeSet) {
		stopTimes := m.repo.StopTimesForTrip(trip.TripId)
		if len(stopTimes) == 0 {
			continue
		}
		train := &ScheduledTrain{
			TripId:      trip.TripId,
			RouteId:     trip.RouteId,
			ServiceDate: serviceDate,
		}
		if trip.TripHeadsign != nil {
			train.Headsign = *trip.TripHeadsign
		}
		candidates := []string{trip.TripId}
		if trip.BlockId != nil {
			candidates = append(candidates, *trip.BlockId)
		}
		if trip.TripShortName != nil {
			candidates = append(candidates, *trip.TripShortName)
		}
		if trip.TripHeadsign != nil {
			candidates = append(candidates, *trip.TripHeadsign)
		}
		if num, ok := trainnum.Extract(candidates...); ok {
			train.TrainNumber = num
		}

		if route, ok := m.repo.Route(trip.RouteId, gtfs.DirectionUnspecified); ok {
			train.DirectionId = route.DirectionId
			train.NucleusId = route.NucleusId
		}

		train.Calls = make([]Call, 0, len(stopTimes))
		for i, st := range stopTimes {
			call := Call{
				StopId:         st.StopId,
				StopSequence:   st.StopSequence,
				ArrivalSec:     st.ArrivalTime,
				DepartureSec:   st.DepartureTime,
				ArrivalEpoch:   gtfs.MakeScheduleTime(at12, st.ArrivalTime).Unix(),
				DepartureEpoch: gtfs.MakeScheduleTime(at12, st.DepartureTime).Unix(),
			}
			if code, ok := m.repo.PlatformCodeForStop(st.StopId); ok {
				call.PlatformCode = &code
			}
			train.Calls = append(train.Calls, call)
			idx.byStop[st.StopId] = append(idx.byStop[st.StopId], stopEntry{train: train, callIdx: i})
		}

		idx.byTrip[trip.TripId] = train
		key := routeDirKey{train.RouteId, train.DirectionId}
		idx.byRouteDir[key] = append(idx.byRouteDir[key], train)
		if train.TrainNumber != "" {
			if idx.trainNumbersByRouteDir[key] == nil {
				idx.trainNumbersByRouteDir[key] = make(map[string]bool)
			}
			idx.trainNumbersByRouteDir[key][train.TrainNumber] = true
		}
	}

	return idx, nil
}

// ByTrip looks up the ScheduledTrain for tripId on this date's index.
func (idx *DateIndex) ByTrip(tripId string) (*ScheduledTrain, bool) {
	t, ok := idx.byTrip[tripId]
	return t, ok
}

// StopEntry pairs a ScheduledTrain with the Call it makes at a queried stop,
// exposed for the matcher's stop-window scan.
type StopEntry struct {
	Train *ScheduledTrain
	Call  Call
}

// TrainsByRouteDir returns every ScheduledTrain on (routeId, direction) for
// this date, used by the matcher's train-number fallback to search the
// earliest future trip for a matched number.
func (idx *DateIndex) TrainsByRouteDir(routeId string, direction gtfs.Direction) []*ScheduledTrain {
	return idx.byRouteDir[routeDirKey{routeId, direction}]
}

// AllTrains returns every ScheduledTrain materialized for this date,
// for the train-number fallback's unconstrained (no route known) case.
func (idx *DateIndex) AllTrains() []*ScheduledTrain {
	out := make([]*ScheduledTrain, 0, len(idx.byTrip))
	for _, t := range idx.byTrip {
		out = append(out, t)
	}
	return out
}

// StopEntries returns every call made at stopId on this date's index.
func (idx *DateIndex) StopEntries(stopId string) []StopEntry {
	entries := idx.byStop[stopId]
	out := make([]StopEntry, len(entries))
	for i, e := range entries {
		out[i] = StopEntry{Train: e.train, Call: e.train.Calls[e.callIdx]}
	}
	return out
}

// IsHoliday reports whether this materialized date falls on a holiday per
// the configured rickar/cal/v2 calendar.
func (idx *DateIndex) IsHoliday() bool {
	return idx.isHoliday
}

// forStopAfter scans by_stop in sorted call-epoch order, filters by route
// and direction if given, and returns items with call_epoch >= afterEpoch,
// up to limit. If empty and allowNextDay, the caller should repeat for
// date+1 (handled by the Materializer.ForStopAfter wrapper below).
func (idx *DateIndex) forStopAfter(stopId string, afterEpoch int64, limit int, routeId string, direction gtfs.Direction) []StopCall {
	entries := idx.byStop[stopId]
	var matches []StopCall
	for _, e := range entries {
		if routeId != "" && e.train.RouteId != routeId {
			continue
		}
		if direction != gtfs.DirectionUnspecified && e.train.DirectionId != direction {
			continue
		}
		call := e.train.Calls[e.callIdx]
		if call.ArrivalEpoch < afterEpoch && call.DepartureEpoch < afterEpoch {
			continue
		}
		matches = append(matches, StopCall{Train: e.train, Call: call})
	}
	sortStopCalls(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// StopCall pairs a ScheduledTrain with one of its Calls, for stop-centric queries.
type StopCall struct {
	Train *ScheduledTrain
	Call  Call
}

func sortStopCalls(calls []StopCall) {
	for i := 1; i < len(calls); i++ {
		j := i
		for j > 0 && epochOf(calls[j-1]) > epochOf(calls[j]) {
			calls[j-1], calls[j] = calls[j], calls[j-1]
			j--
		}
	}
}

func epochOf(sc StopCall) int64 {
	if sc.Call.ArrivalEpoch != 0 {
		return sc.Call.ArrivalEpoch
	}
	return sc.Call.DepartureEpoch
}

// ForStopAfter returns the calls at a stop from afterEpoch on, with the
// fallback that re-runs materialization for date+1 when the first date
// yields nothing.
func (m *Materializer) ForStopAfter(stopId, serviceDate string, afterEpoch int64, limit int, routeId string, direction gtfs.Direction, allowNextDay bool) ([]StopCall, error) {
	idx, err := m.ForDate(serviceDate)
	if err != nil {
		return nil, err
	}
	matches := idx.forStopAfter(stopId, afterEpoch, limit, routeId, direction)
	if len(matches) > 0 || !allowNextDay {
		return matches, nil
	}
	date, err := gtfs.ParseServiceDate(serviceDate, m.loc)
	if err != nil {
		return nil, err
	}
	nextDate := gtfs.ServiceDateString(date.AddDate(0, 0, 1))
	nextIdx, err := m.ForDate(nextDate)
	if err != nil {
		return nil, err
	}
	return nextIdx.forStopAfter(stopId, afterEpoch, limit, routeId, direction), nil
}

// NextDepartureForTrainNumber searches date..date+horizonDays for the
// earliest future
// first-departure epoch among trips matching trainNumber.
func (m *Materializer) NextDepartureForTrainNumber(routeId string, direction gtfs.Direction, trainNumber string, afterEpoch int64, horizonDays int) (*ScheduledTrain, int64, bool) {
	if horizonDays <= 0 {
		horizonDays = 1
	}
	date, err := timeFromEpoch(afterEpoch, m.loc)
	if err != nil {
		return nil, 0, false
	}
	for d := 0; d <= horizonDays; d++ {
		serviceDate := gtfs.ServiceDateString(date.AddDate(0, 0, d))
		idx, err := m.ForDate(serviceDate)
		if err != nil {
			continue
		}
		key := routeDirKey{routeId, direction}
		var best *ScheduledTrain
		var bestEpoch int64
		for _, train := range idx.byRouteDir[key] {
			if train.TrainNumber != trainNumber || len(train.Calls) == 0 {
				continue
			}
			firstDeparture := train.Calls[0].DepartureEpoch
			if firstDeparture < afterEpoch {
				continue
			}
			if best == nil || firstDeparture < bestEpoch {
				best = train
				bestEpoch = firstDeparture
			}
		}
		if best != nil {
			return best, bestEpoch, true
		}
	}
	return nil, 0, false
}

func timeFromEpoch(epoch int64, loc *time.Location) (time.Time, error) {
	return time.Unix(epoch, 0).In(loc), nil
}
