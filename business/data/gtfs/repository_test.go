package gtfs

import (
	"testing"

	"github.com/matryer/is"
)

func testRepository() *Repository {
	return NewRepository(RepositoryInput{
		Routes: []*Route{
			{RouteId: "R1", ShortName: "C4", DirectionId: Direction0, NucleusId: "madrid",
				Stations: []StationOnLine{
					{Seq: 1, StopId: "S1", Name: "Parla", KmFromOrigin: 0, Lat: 40.236, Lon: -3.767},
					{Seq: 2, StopId: "S2", Name: "Getafe Centro", KmFromOrigin: 7.2, Lat: 40.305, Lon: -3.733},
				}},
			{RouteId: "R1", ShortName: "C4", DirectionId: Direction1, NucleusId: "madrid",
				Stations: []StationOnLine{
					{Seq: 1, StopId: "S2", Name: "Getafe Centro", KmFromOrigin: 0},
					{Seq: 2, StopId: "S1", Name: "Parla", KmFromOrigin: 7.2},
				}},
			{RouteId: "R2", ShortName: "C10", DirectionId: DirectionUnspecified, NucleusId: "sevilla"},
		},
		Trips: []*Trip{
			{TripId: "T1", RouteId: "R1", ServiceId: "WD", ShapeId: "SHB"},
			{TripId: "T2", RouteId: "R1", ServiceId: "WD", ShapeId: "SHA"},
			{TripId: "T3", RouteId: "R1", ServiceId: "WD", ShapeId: "SHB"},
			{TripId: "T4", RouteId: "R1", ServiceId: "WD", ShapeId: "SHA"},
		},
		StopAttributes: map[string]StopAttributes{
			"S3": {Name: "Villaverde Alto"},
		},
		Parity: map[string]ParityMapping{
			"R1": {Even: Direction0, Odd: Direction1, Status: ParityFinal},
			"R2": {Even: Direction0, Odd: Direction1, Status: ParityDisabled},
		},
	})
}

func Test_Route_directionFallback(t *testing.T) {
	is := is.New(t)
	repo := testRepository()

	// Exact direction lookups.
	route, ok := repo.Route("R1", Direction1)
	is.True(ok)
	is.Equal(route.DirectionId, Direction1)

	// Unspecified direction tries "", "0", "1" in order: R2 is registered
	// under "", R1 resolves to its "0" variant.
	route, ok = repo.Route("R2", DirectionUnspecified)
	is.True(ok)
	is.Equal(route.DirectionId, DirectionUnspecified)

	route, ok = repo.Route("R1", DirectionUnspecified)
	is.True(ok)
	is.Equal(route.DirectionId, Direction0)

	_, ok = repo.Route("R999", DirectionUnspecified)
	is.True(!ok)
}

func Test_Repository_stationAccessors(t *testing.T) {
	is := is.New(t)
	repo := testRepository()

	km, ok := repo.KmForStop("R1", Direction0, "S2")
	is.True(ok)
	is.Equal(km, 7.2)
	_, ok = repo.KmForStop("R1", Direction0, "S999")
	is.True(!ok)

	stations := repo.StationsOrdered("R1", Direction1)
	is.Equal(len(stations), 2)
	is.Equal(stations[0].StopId, "S2")

	is.Equal(repo.StopName("S1"), "Parla")
	// Names absent from every station list fall back to stops.txt.
	is.Equal(repo.StopName("S3"), "Villaverde Alto")
	is.Equal(repo.StopName("S999"), "")

	stops := repo.StopsOnRoute("R1", Direction0)
	is.Equal(len(stops), 2)
	is.Equal(stops[0].Slug, "parla")
	is.Equal(stops[1].Slug, "getafe-centro")
	is.Equal(stops[1].NucleusId, "madrid")
}

func Test_Repository_nucleusIndexes(t *testing.T) {
	is := is.New(t)
	repo := testRepository()

	is.Equal(repo.ListNuclei(), []string{"madrid", "sevilla"})
	is.Equal(len(repo.RoutesByNucleus("madrid")), 2)
	is.Equal(len(repo.RoutesByNucleus("nowhere")), 0)
}

func Test_DirectionForParity(t *testing.T) {
	is := is.New(t)
	repo := testRepository()

	dir, status := repo.DirectionForParity("R1", true)
	is.Equal(dir, Direction0)
	is.Equal(status, ParityFinal)

	dir, _ = repo.DirectionForParity("R1", false)
	is.Equal(dir, Direction1)

	// A disabled mapping never resolves a direction.
	dir, status = repo.DirectionForParity("R2", true)
	is.Equal(dir, DirectionUnspecified)
	is.Equal(status, ParityDisabled)

	dir, status = repo.DirectionForParity("R999", true)
	is.Equal(dir, DirectionUnspecified)
	is.Equal(status, ParityStatus(""))
}

func Test_MostCommonShapeForRoute(t *testing.T) {
	is := is.New(t)
	repo := testRepository()

	// SHA and SHB both back two trips: the tie breaks to the
	// lexicographically smallest shape id.
	shapeId, ok := repo.MostCommonShapeForRoute("R1")
	is.True(ok)
	is.Equal(shapeId, "SHA")

	_, ok = repo.MostCommonShapeForRoute("R2")
	is.True(!ok)
}

func Test_Calendar_ActiveOnWeekday(t *testing.T) {
	cal := Calendar{Monday: true, Saturday: true}
	tests := []struct {
		weekday int
		want    bool
	}{
		{0, false}, // Sunday
		{1, true},  // Monday
		{2, false},
		{6, true}, // Saturday
		{7, false},
	}
	for _, tt := range tests {
		if got := cal.ActiveOnWeekday(tt.weekday); got != tt.want {
			t.Errorf("ActiveOnWeekday(%d) = %v, want %v", tt.weekday, got, tt.want)
		}
	}
}

func Test_slugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Parla", "parla"},
		{"Getafe Centro", "getafe-centro"},
		{"San Cristóbal Industrial", "san-crist-bal-industrial"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
