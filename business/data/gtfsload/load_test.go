package gtfsload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

// writeTestFeed lays out a minimal static feed plus derived files in two
// temp directories and returns them as Dirs.
func writeTestFeed(t *testing.T) Dirs {
	t.Helper()
	staticDir := t.TempDir()
	derivedDir := t.TempDir()

	files := map[string]string{
		"routes.txt": "route_id,route_short_name,route_long_name,route_color\n" +
			"R1,C4,Parla - Colmenar,FF0000\n",
		"trips.txt": "trip_id,route_id,service_id,shape_id,trip_headsign,block_id\n" +
			"T17001,R1,WD,SH1,Colmenar,B17001\n" +
			"T17002,R1,WD,SH1,Parla,\n",
		"stop_times.txt": "trip_id,stop_sequence,stop_id,arrival_time,departure_time\n" +
			"T17001,1,S1,08:00:00,08:00:30\n" +
			"T17001,2,S2,08:05:00,08:05:30\n" +
			"T17002,1,S2,09:00:00,09:00:30\n" +
			"T17002,2,S1,09:05:00,09:05:30\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WD,1,1,1,1,1,0,0,20260101,20261231\n",
		"calendar_dates.txt": "service_id,date,exception_type\n" +
			"WD,20260501,2\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon,platform_code\n" +
			"S1,Parla,40.236,-3.767,1\n" +
			"S2,Getafe Centro,40.305,-3.733,\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
			"SH1,40.236,-3.767,1\n" +
			"SH1,40.305,-3.733,2\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(staticDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	derived := map[string]string{
		"route_stations.csv": "route_id,direction_id,seq,stop_id,name,km_from_origin,lat,lon\n" +
			"R1,0,1,S1,Parla,0.0,40.236,-3.767\n" +
			"R1,0,2,S2,Getafe Centro,7.2,40.305,-3.733\n" +
			"R1,1,1,S2,Getafe Centro,0.0,40.305,-3.733\n" +
			"R1,1,2,S1,Parla,7.2,40.236,-3.767\n",
		"nucleos_map.csv": "route_id,nucleus_slug,nucleus_name\n" +
			"R1,madrid,Madrid\n",
		"parity_map.json": `{"R1": {"even": "0", "odd": "1", "status": "final"}}`,
	}
	for name, content := range derived {
		if err := os.WriteFile(filepath.Join(derivedDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	return Dirs{StaticDir: staticDir, DerivedDir: derivedDir}
}

func Test_Load_buildsRepository(t *testing.T) {
	is := is.New(t)

	repo, err := Load(writeTestFeed(t))
	is.NoErr(err)

	// One Route per (route_id, direction_id) seen in route_stations.csv,
	// carrying the routes.txt attributes.
	route, ok := repo.Route("R1", gtfs.Direction0)
	is.True(ok)
	is.Equal(route.ShortName, "C4")
	is.Equal(route.NucleusId, "madrid")
	is.Equal(len(route.Stations), 2)
	is.Equal(route.Stations[0].StopId, "S1")
	is.Equal(route.Stations[1].KmFromOrigin, 7.2)

	reverse, ok := repo.Route("R1", gtfs.Direction1)
	is.True(ok)
	is.Equal(reverse.Stations[0].StopId, "S2")

	trip, ok := repo.Trip("T17001")
	is.True(ok)
	is.Equal(trip.ServiceId, "WD")
	is.True(trip.BlockId != nil)
	is.Equal(*trip.BlockId, "B17001")

	stopTimes := repo.StopTimesForTrip("T17001")
	is.Equal(len(stopTimes), 2)
	is.Equal(stopTimes[0].ArrivalTime, 8*3600)

	cal, ok := repo.Calendar("WD")
	is.True(ok)
	is.True(cal.Monday)
	is.True(!cal.Saturday)
	is.Equal(len(repo.CalendarDatesFor("WD")), 1)

	is.Equal(repo.StopName("S1"), "Parla")

	code, ok := repo.PlatformCodeForStop("S1")
	is.True(ok)
	is.Equal(code, "1")
	_, ok = repo.PlatformCodeForStop("S2") // empty platform_code column
	is.True(!ok)

	is.Equal(len(repo.ShapePoints("SH1")), 2)
}

func Test_Load_parityMap(t *testing.T) {
	is := is.New(t)

	repo, err := Load(writeTestFeed(t))
	is.NoErr(err)

	dir, status := repo.DirectionForParity("R1", true)
	is.Equal(dir, gtfs.Direction0)
	is.Equal(status, gtfs.ParityFinal)

	dir, status = repo.DirectionForParity("R1", false)
	is.Equal(dir, gtfs.Direction1)

	dir, status = repo.DirectionForParity("R999", true)
	is.Equal(dir, gtfs.DirectionUnspecified)
	is.Equal(status, gtfs.ParityStatus(""))
}

func Test_Load_missingRequiredFileIsFatal(t *testing.T) {
	is := is.New(t)

	dirs := writeTestFeed(t)
	is.NoErr(os.Remove(filepath.Join(dirs.StaticDir, "stop_times.txt")))

	_, err := Load(dirs)
	is.True(errors.Is(err, ErrStaticMissing))
}

func Test_Load_optionalFilesMayBeAbsent(t *testing.T) {
	is := is.New(t)

	dirs := writeTestFeed(t)
	is.NoErr(os.Remove(filepath.Join(dirs.StaticDir, "shapes.txt")))
	is.NoErr(os.Remove(filepath.Join(dirs.StaticDir, "stops.txt")))
	is.NoErr(os.Remove(filepath.Join(dirs.StaticDir, "calendar_dates.txt")))

	repo, err := Load(dirs)
	is.NoErr(err)
	_, ok := repo.Route("R1", gtfs.Direction0)
	is.True(ok)
	// stop names still resolve through route_stations.csv
	is.Equal(repo.StopName("S2"), "Getafe Centro")
}
