package gtfs

import (
	"sort"
	"strings"
)

// Repository is the static timetable store: read-only access to
// routes, trips, stops, stop_times, calendar and shapes. It is the leaf
// component other packages call into; it never holds a back-reference to
// its callers.
//
// A Repository is immutable once constructed by NewRepository.
// cmd/fusion-svc builds one at startup and keeps it for the life of the
// process; there is no reload or pointer swap on timetable change.
type Repository struct {
	routesByKey     map[routeKey]*Route
	routesByIdAnyDir map[string][]*Route
	nuclei          []string
	routesByNucleus map[string][]*Route
	stopNames       map[string]string

	trips       map[string]*Trip
	stopTimes   map[string][]*StopTime // by trip id, ordered by StopSequence
	calendars   map[string]Calendar
	calendarDates map[string][]CalendarDate // by service id
	shapePoints map[string][]ShapePoint    // by shape id, ordered by Sequence

	stopAttributes map[string]StopAttributes
	stopsByRoute   map[routeKey][]Stop

	parity map[string]ParityMapping
}

type routeKey struct {
	routeId string
	dir     Direction
}

// RepositoryInput is the set of parsed static tables used to build a Repository.
type RepositoryInput struct {
	Routes        []*Route
	Trips         []*Trip
	StopTimes     []*StopTime
	Calendars     []Calendar
	CalendarDates []CalendarDate
	ShapePoints   []ShapePoint
	StopAttributes map[string]StopAttributes
	Parity        map[string]ParityMapping
	NucleusByRoute map[string]string
}

// NewRepository builds an immutable Repository from parsed static tables.
func NewRepository(in RepositoryInput) *Repository {
	r := &Repository{
		routesByKey:      make(map[routeKey]*Route),
		routesByIdAnyDir: make(map[string][]*Route),
		routesByNucleus:  make(map[string][]*Route),
		stopNames:        make(map[string]string),
		trips:            make(map[string]*Trip),
		stopTimes:        make(map[string][]*StopTime),
		calendars:        make(map[string]Calendar),
		calendarDates:    make(map[string][]CalendarDate),
		shapePoints:      make(map[string][]ShapePoint),
		stopAttributes:   in.StopAttributes,
		stopsByRoute:     make(map[routeKey][]Stop),
		parity:           in.Parity,
	}
	if r.parity == nil {
		r.parity = make(map[string]ParityMapping)
	}
	if r.stopAttributes == nil {
		r.stopAttributes = make(map[string]StopAttributes)
	}

	nucleusSet := make(map[string]bool)
	for _, route := range in.Routes {
		if route.NucleusId == "" && in.NucleusByRoute != nil {
			route.NucleusId = in.NucleusByRoute[route.RouteId]
		}
		key := routeKey{routeId: route.RouteId, dir: route.DirectionId}
		r.routesByKey[key] = route
		r.routesByIdAnyDir[route.RouteId] = append(r.routesByIdAnyDir[route.RouteId], route)
		if route.NucleusId != "" {
			r.routesByNucleus[route.NucleusId] = append(r.routesByNucleus[route.NucleusId], route)
			nucleusSet[route.NucleusId] = true
		}
		for _, st := range route.Stations {
			r.stopNames[st.StopId] = st.Name
			r.stopsByRoute[key] = append(r.stopsByRoute[key], Stop{
				StopId:      st.StopId,
				RouteId:     route.RouteId,
				DirectionId: route.DirectionId,
				Seq:         st.Seq,
				Km:          st.KmFromOrigin,
				Lat:         st.Lat,
				Lon:         st.Lon,
				Name:        st.Name,
				NucleusId:   route.NucleusId,
				Slug:        slugify(st.Name),
			})
		}
	}
	for stopId, attrs := range r.stopAttributes {
		if r.stopNames[stopId] == "" && attrs.Name != "" {
			r.stopNames[stopId] = attrs.Name
		}
	}
	for n := range nucleusSet {
		r.nuclei = append(r.nuclei, n)
	}
	sort.Strings(r.nuclei)

	for _, t := range in.Trips {
		r.trips[t.TripId] = t
	}
	for _, st := range in.StopTimes {
		r.stopTimes[st.TripId] = append(r.stopTimes[st.TripId], st)
	}
	for _, sts := range r.stopTimes {
		sort.Slice(sts, func(i, j int) bool { return sts[i].StopSequence < sts[j].StopSequence })
	}
	for _, c := range in.Calendars {
		r.calendars[c.ServiceId] = c
	}
	for _, cd := range in.CalendarDates {
		r.calendarDates[cd.ServiceId] = append(r.calendarDates[cd.ServiceId], cd)
	}
	for _, sp := range in.ShapePoints {
		r.shapePoints[sp.ShapeId] = append(r.shapePoints[sp.ShapeId], sp)
	}
	for _, pts := range r.shapePoints {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Sequence < pts[j].Sequence })
	}

	return r
}

// slugify lowers a display name to a url-safe slug: runs of non-alphanumeric
// characters collapse to single dashes.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, ch := range strings.ToLower(name) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Route looks up a route by id and direction. If direction is
// DirectionUnspecified, tries "", "0", "1" in that order.
func (r *Repository) Route(routeId string, direction Direction) (*Route, bool) {
	if direction != DirectionUnspecified {
		route, ok := r.routesByKey[routeKey{routeId, direction}]
		return route, ok
	}
	for _, d := range []Direction{DirectionUnspecified, Direction0, Direction1} {
		if route, ok := r.routesByKey[routeKey{routeId, d}]; ok {
			return route, true
		}
	}
	return nil, false
}

// RoutesById returns every direction variant registered for routeId.
func (r *Repository) RoutesById(routeId string) []*Route {
	return r.routesByIdAnyDir[routeId]
}

// ListRoutes returns every loaded route, across all nuclei and directions.
func (r *Repository) ListRoutes() []*Route {
	out := make([]*Route, 0, len(r.routesByKey))
	for _, route := range r.routesByKey {
		out = append(out, route)
	}
	return out
}

// ListNuclei returns the sorted set of nucleus ids with at least one route.
func (r *Repository) ListNuclei() []string {
	return r.nuclei
}

// RoutesByNucleus returns every route belonging to nucleus.
func (r *Repository) RoutesByNucleus(nucleus string) []*Route {
	return r.routesByNucleus[nucleus]
}

// StopName resolves a stop id to its display name, or "" if unknown.
func (r *Repository) StopName(stopId string) string {
	return r.stopNames[stopId]
}

// KmForStop resolves the cumulative km-from-origin of stopId along
// (routeId, directionId), or (0, false) if not found.
func (r *Repository) KmForStop(routeId string, direction Direction, stopId string) (float64, bool) {
	route, ok := r.Route(routeId, direction)
	if !ok {
		return 0, false
	}
	for _, st := range route.Stations {
		if st.StopId == stopId {
			return st.KmFromOrigin, true
		}
	}
	return 0, false
}

// StopsOnRoute returns the per-route Stop rows of (routeId, direction),
// ordered by Seq.
func (r *Repository) StopsOnRoute(routeId string, direction Direction) []Stop {
	route, ok := r.Route(routeId, direction)
	if !ok {
		return nil
	}
	return r.stopsByRoute[routeKey{route.RouteId, route.DirectionId}]
}

// PlatformCodeForStop returns the static platform_code published for a stop
// in stops.txt, if any.
func (r *Repository) PlatformCodeForStop(stopId string) (string, bool) {
	attrs, ok := r.stopAttributes[stopId]
	if !ok || attrs.PlatformCode == nil {
		return "", false
	}
	return *attrs.PlatformCode, true
}

// StationsOrdered returns the ordered station list of (routeId, direction).
func (r *Repository) StationsOrdered(routeId string, direction Direction) []StationOnLine {
	route, ok := r.Route(routeId, direction)
	if !ok {
		return nil
	}
	return route.Stations
}

// DirectionForParity resolves the directional hint for routeId given a parity
// classification, honoring the mapping's confidence status.
func (r *Repository) DirectionForParity(routeId string, even bool) (Direction, ParityStatus) {
	pm, ok := r.parity[routeId]
	if !ok {
		return DirectionUnspecified, ""
	}
	return pm.DirectionForParity(even), pm.Status
}

// Trip looks up a trip definition by id.
func (r *Repository) Trip(tripId string) (*Trip, bool) {
	t, ok := r.trips[tripId]
	return t, ok
}

// TripsByServiceIds returns every trip whose service_id is a key of activeSet.
func (r *Repository) TripsByServiceIds(activeSet map[string]bool) []*Trip {
	out := make([]*Trip, 0, len(r.trips))
	for _, t := range r.trips {
		if activeSet[t.ServiceId] {
			out = append(out, t)
		}
	}
	return out
}

// StopTimesForTrip returns the ordered stop_times for a trip.
func (r *Repository) StopTimesForTrip(tripId string) []*StopTime {
	return r.stopTimes[tripId]
}

// Calendar looks up a calendar.txt row by service id.
func (r *Repository) Calendar(serviceId string) (Calendar, bool) {
	c, ok := r.calendars[serviceId]
	return c, ok
}

// AllCalendars returns every loaded calendar row.
func (r *Repository) AllCalendars() map[string]Calendar {
	return r.calendars
}

// CalendarDatesFor returns the calendar_dates.txt exceptions for serviceId.
func (r *Repository) CalendarDatesFor(serviceId string) []CalendarDate {
	return r.calendarDates[serviceId]
}

// AllCalendarDates returns every loaded calendar_dates row, keyed by service id.
func (r *Repository) AllCalendarDates() map[string][]CalendarDate {
	return r.calendarDates
}

// ShapePoints returns the ordered polyline points for a shape id.
func (r *Repository) ShapePoints(shapeId string) []ShapePoint {
	return r.shapePoints[shapeId]
}

// MostCommonShapeForRoute picks the most frequent shape_id across a route's
// trips, breaking ties lexicographically smallest.
func (r *Repository) MostCommonShapeForRoute(routeId string) (string, bool) {
	counts := make(map[string]int)
	for _, t := range r.trips {
		if t.RouteId == routeId && t.ShapeId != "" {
			counts[t.ShapeId]++
		}
	}
	if len(counts) == 0 {
		return "", false
	}
	best := ""
	bestCount := -1
	for shapeId, count := range counts {
		if count > bestCount || (count == bestCount && shapeId < best) {
			best = shapeId
			bestCount = count
		}
	}
	return best, true
}
