// Package gtfs holds the static timetable domain types: routes, stations,
// stops, scheduled trains and shapes. Types here are read-only snapshots
// swapped atomically by the Static Timetable Repository on reload.
package gtfs

// Direction is a GTFS direction_id. "" means unspecified, "0" and "1" are
// the only valid directions.
type Direction string

const (
	DirectionUnspecified Direction = ""
	Direction0           Direction = "0"
	Direction1           Direction = "1"
)

// ParityStatus is the confidence level of a route's even/odd direction mapping.
type ParityStatus string

const (
	ParityFinal    ParityStatus = "final"
	ParityTentative ParityStatus = "tentative"
	ParityDisabled ParityStatus = "disabled"
)

// StationOnLine is one call of a Route, ordered by Seq.
type StationOnLine struct {
	Seq          int
	StopId       string
	Name         string
	KmFromOrigin float64
	Lat          float64
	Lon          float64
}

// Route is a physical corridor in one direction. (RouteId, DirectionId) is
// the identity: two directions of the same line are two Routes.
type Route struct {
	RouteId     string
	ShortName   string
	LongName    string
	DirectionId Direction
	NucleusId   string
	Stations    []StationOnLine
	LengthKm    float64
	ColorBg     *string
	ColorFg     *string
}

// ParityMapping is the route_id -> even/odd direction hint loaded from
// parity_map.json.
type ParityMapping struct {
	Even   Direction
	Odd    Direction
	Status ParityStatus
}

// DirectionForParity resolves the direction implied by a parity classification,
// honoring the mapping's status: a disabled mapping never resolves.
func (pm ParityMapping) DirectionForParity(even bool) Direction {
	if pm.Status == ParityDisabled {
		return DirectionUnspecified
	}
	if even {
		return pm.Even
	}
	return pm.Odd
}
