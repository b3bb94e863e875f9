package gtfsload

import (
	"fmt"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

// calendarRowReader builds gtfs.Calendar rows.
type calendarRowReader struct {
	rows []gtfs.Calendar
}

func (r *calendarRowReader) addRow(p *csvParser) error {
	c, err := buildCalendar(p)
	if err != nil {
		return err
	}
	r.rows = append(r.rows, c)
	return nil
}

func buildCalendar(p *csvParser) (gtfs.Calendar, error) {
	c := gtfs.Calendar{
		ServiceId: p.getString("service_id", false),
		Monday:    p.getInt("monday", false) == 1,
		Tuesday:   p.getInt("tuesday", false) == 1,
		Wednesday: p.getInt("wednesday", false) == 1,
		Thursday:  p.getInt("thursday", false) == 1,
		Friday:    p.getInt("friday", false) == 1,
		Saturday:  p.getInt("saturday", false) == 1,
		Sunday:    p.getInt("sunday", false) == 1,
		StartDate: p.getString("start_date", false),
		EndDate:   p.getString("end_date", false),
	}
	return c, p.getError()
}

// calendarDateRowReader builds gtfs.CalendarDate rows.
type calendarDateRowReader struct {
	rows []gtfs.CalendarDate
}

func (r *calendarDateRowReader) addRow(p *csvParser) error {
	cd, err := buildCalendarDate(p)
	if err != nil {
		return err
	}
	r.rows = append(r.rows, cd)
	return nil
}

func buildCalendarDate(p *csvParser) (gtfs.CalendarDate, error) {
	exceptionType := p.getInt("exception_type", false)
	cd := gtfs.CalendarDate{
		ServiceId:     p.getString("service_id", false),
		Date:          p.getString("date", false),
		ExceptionType: gtfs.CalendarExceptionType(exceptionType),
	}
	return cd, p.getError()
}

// stopTimeRowReader builds gtfs.StopTime rows, tracking each trip's
// start/end seconds and total distance as it goes.
type stopTimeRowReader struct {
	rows            []*gtfs.StopTime
	tripStartEnd    map[string]*tripBounds
}

type tripBounds struct {
	startTime    int
	endTime      int
	tripDistance float64
}

func newStopTimeRowReader() *stopTimeRowReader {
	return &stopTimeRowReader{tripStartEnd: make(map[string]*tripBounds)}
}

func (r *stopTimeRowReader) addRow(p *csvParser) error {
	st, err := buildStopTime(p)
	if err != nil {
		return err
	}
	r.rows = append(r.rows, st)

	bounds, present := r.tripStartEnd[st.TripId]
	if !present {
		bounds = &tripBounds{startTime: st.ArrivalTime, endTime: st.DepartureTime}
		r.tripStartEnd[st.TripId] = bounds
	}
	if st.ArrivalTime < bounds.startTime {
		bounds.startTime = st.ArrivalTime
	}
	if st.DepartureTime > bounds.endTime {
		bounds.endTime = st.DepartureTime
	}
	if st.ShapeDistTraveled != nil && *st.ShapeDistTraveled > bounds.tripDistance {
		bounds.tripDistance = *st.ShapeDistTraveled
	}
	return nil
}

func buildStopTime(p *csvParser) (*gtfs.StopTime, error) {
	st := &gtfs.StopTime{
		TripId:            p.getString("trip_id", false),
		StopSequence:      p.getInt("stop_sequence", false),
		StopId:            p.getString("stop_id", false),
		ArrivalTime:       p.getGTFSTime("arrival_time", false),
		DepartureTime:     p.getGTFSTime("departure_time", false),
		ShapeDistTraveled: p.getFloat64Pointer("shape_dist_traveled", true),
	}
	return st, p.getError()
}

// shapeRowReader builds gtfs.ShapePoint rows and tracks the maximum
// dist_traveled seen per shape.
type shapeRowReader struct {
	rows            []gtfs.ShapePoint
	shapeMaxDist    map[string]float64
}

func newShapeRowReader() *shapeRowReader {
	return &shapeRowReader{shapeMaxDist: make(map[string]float64)}
}

func (r *shapeRowReader) addRow(p *csvParser) error {
	sp, err := buildShapePoint(p)
	if err != nil {
		return err
	}
	r.rows = append(r.rows, sp)
	if sp.DistTraveled != nil && *sp.DistTraveled > r.shapeMaxDist[sp.ShapeId] {
		r.shapeMaxDist[sp.ShapeId] = *sp.DistTraveled
	}
	return nil
}

func buildShapePoint(p *csvParser) (gtfs.ShapePoint, error) {
	sp := gtfs.ShapePoint{
		ShapeId:      p.getString("shape_id", false),
		Lat:          p.getFloat64("shape_pt_lat", false),
		Lon:          p.getFloat64("shape_pt_lon", false),
		Sequence:     p.getInt("shape_pt_sequence", false),
		DistTraveled: p.getFloat64Pointer("shape_dist_traveled", true),
	}
	return sp, p.getError()
}

// tripRowReader builds gtfs.Trip rows. A trip whose shape_id has no
// matching shape points is tolerated; shapes.txt is an optional file.
type tripRowReader struct {
	rows    []*gtfs.Trip
	stopRR  *stopTimeRowReader
	shapeRR *shapeRowReader
}

func newTripRowReader(stopRR *stopTimeRowReader, shapeRR *shapeRowReader) *tripRowReader {
	return &tripRowReader{stopRR: stopRR, shapeRR: shapeRR}
}

func (r *tripRowReader) addRow(p *csvParser) error {
	trip, err := buildTrip(p)
	if err != nil {
		return err
	}
	if _, present := r.stopRR.tripStartEnd[trip.TripId]; !present {
		return fmt.Errorf("found no stop_times for trip_id:%s", trip.TripId)
	}
	r.rows = append(r.rows, trip)
	return nil
}

func buildTrip(p *csvParser) (*gtfs.Trip, error) {
	trip := &gtfs.Trip{
		TripId:        p.getString("trip_id", false),
		RouteId:       p.getString("route_id", false),
		ServiceId:     p.getString("service_id", false),
		ShapeId:       p.getString("shape_id", true),
		TripHeadsign:  p.getStringPointer("trip_headsign", true),
		TripShortName: p.getStringPointer("trip_short_name", true),
		BlockId:       p.getStringPointer("block_id", true),
	}
	return trip, p.getError()
}

// stopsRowReader builds the stop_id -> StopAttributes map from stops.txt:
// display name, coordinates and the static platform_code when present.
type stopsRowReader struct {
	attrs map[string]gtfs.StopAttributes
}

func newStopsRowReader() *stopsRowReader {
	return &stopsRowReader{attrs: make(map[string]gtfs.StopAttributes)}
}

func (r *stopsRowReader) addRow(p *csvParser) error {
	stopId := p.getString("stop_id", false)
	attrs := gtfs.StopAttributes{
		Name:         p.getString("stop_name", true),
		PlatformCode: p.getStringPointer("platform_code", true),
	}
	lat := p.getFloat64Pointer("stop_lat", true)
	lon := p.getFloat64Pointer("stop_lon", true)
	if lat != nil && lon != nil {
		attrs.Lat, attrs.Lon, attrs.HasLatLon = *lat, *lon, true
	}
	if err := p.getError(); err != nil {
		return err
	}
	r.attrs[stopId] = attrs
	return nil
}

// routeRowReader builds gtfs.Route skeletons from routes.txt; StationOnLine
// lists are filled in separately from the derived route_stations.csv,
// since routes.txt alone carries no per-stop ordering.
type routeRowReader struct {
	rows []*gtfs.Route
}

func (r *routeRowReader) addRow(p *csvParser) error {
	route, err := buildRoute(p)
	if err != nil {
		return err
	}
	r.rows = append(r.rows, route)
	return nil
}

func buildRoute(p *csvParser) (*gtfs.Route, error) {
	route := &gtfs.Route{
		RouteId:   p.getString("route_id", false),
		ShortName: p.getString("route_short_name", true),
		LongName:  p.getString("route_long_name", true),
		ColorBg:   p.getStringPointer("route_color", true),
		ColorFg:   p.getStringPointer("route_text_color", true),
	}
	return route, p.getError()
}

// routeStationRowReader builds the ordered StationOnLine lists per
// (route_id, direction_id) from the derived route_stations.csv.
type routeStationRowReader struct {
	byRouteDir map[routeDirKey][]gtfs.StationOnLine
}

type routeDirKey struct {
	routeId string
	dir     gtfs.Direction
}

func newRouteStationRowReader() *routeStationRowReader {
	return &routeStationRowReader{byRouteDir: make(map[routeDirKey][]gtfs.StationOnLine)}
}

func (r *routeStationRowReader) addRow(p *csvParser) error {
	routeId := p.getString("route_id", false)
	dir := gtfs.Direction(p.getString("direction_id", true))
	seq := p.getInt("seq", false)
	if err := p.getError(); err != nil {
		return err
	}
	station := gtfs.StationOnLine{
		Seq:          seq,
		StopId:       p.getString("stop_id", false),
		Name:         p.getString("name", true),
		KmFromOrigin: p.getFloat64("km_from_origin", true),
		Lat:          p.getFloat64("lat", true),
		Lon:          p.getFloat64("lon", true),
	}
	if err := p.getError(); err != nil {
		return err
	}
	key := routeDirKey{routeId, dir}
	r.byRouteDir[key] = append(r.byRouteDir[key], station)
	return nil
}
