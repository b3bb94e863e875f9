package gtfsload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

// Dirs names the directories a Load call reads from: the raw GTFS files
// plus the derived files built by the ingest scripts.
type Dirs struct {
	// StaticDir holds routes.txt, trips.txt, stops.txt, stop_times.txt,
	// calendar.txt, calendar_dates.txt, shapes.txt?
	StaticDir string
	// DerivedDir holds route_stations.csv, nucleos_map.csv,
	// parity_map.json, platform_habits_blacklist.csv?
	DerivedDir string
}

// requiredStaticFiles lists the files whose absence is fatal at load time.
// shapes.txt, stops.txt and calendar_dates.txt are optional.
var requiredStaticFiles = []string{
	"routes.txt", "trips.txt", "stop_times.txt", "calendar.txt",
}

// Load reads every static and derived file and returns a populated
// gtfs.Repository, or ErrStaticMissing if a required file is absent.
func Load(dirs Dirs) (*gtfs.Repository, error) {
	for _, name := range requiredStaticFiles {
		path := filepath.Join(dirs.StaticDir, name)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: required static file missing: %s", ErrStaticMissing, name)
		}
	}

	calRR := &calendarRowReader{}
	if err := loadFile(filepath.Join(dirs.StaticDir, "calendar.txt"), calRR); err != nil {
		return nil, err
	}

	calDateRR := &calendarDateRowReader{}
	if path := filepath.Join(dirs.StaticDir, "calendar_dates.txt"); fileExists(path) {
		if err := loadFile(path, calDateRR); err != nil {
			return nil, err
		}
	}

	stopRR := newStopTimeRowReader()
	if err := loadFile(filepath.Join(dirs.StaticDir, "stop_times.txt"), stopRR); err != nil {
		return nil, err
	}

	shapeRR := newShapeRowReader()
	if path := filepath.Join(dirs.StaticDir, "shapes.txt"); fileExists(path) {
		if err := loadFile(path, shapeRR); err != nil {
			return nil, err
		}
	}

	tripRR := newTripRowReader(stopRR, shapeRR)
	if err := loadFile(filepath.Join(dirs.StaticDir, "trips.txt"), tripRR); err != nil {
		return nil, err
	}

	routeRR := &routeRowReader{}
	if err := loadFile(filepath.Join(dirs.StaticDir, "routes.txt"), routeRR); err != nil {
		return nil, err
	}

	stopsRR := newStopsRowReader()
	if path := filepath.Join(dirs.StaticDir, "stops.txt"); fileExists(path) {
		if err := loadFile(path, stopsRR); err != nil {
			return nil, err
		}
	}

	stationRR := newRouteStationRowReader()
	if path := filepath.Join(dirs.DerivedDir, "route_stations.csv"); fileExists(path) {
		if err := loadFile(path, stationRR); err != nil {
			return nil, err
		}
	}

	nucleusByRoute, err := loadNucleosMap(filepath.Join(dirs.DerivedDir, "nucleos_map.csv"))
	if err != nil {
		return nil, err
	}

	parity, err := loadParityMap(filepath.Join(dirs.DerivedDir, "parity_map.json"))
	if err != nil {
		return nil, err
	}

	routes := assembleRoutes(routeRR.rows, stationRR.byRouteDir)

	input := gtfs.RepositoryInput{
		Routes:         routes,
		Trips:          tripRR.rows,
		StopTimes:      stopRR.rows,
		Calendars:      calRR.rows,
		CalendarDates:  calDateRR.rows,
		ShapePoints:    shapeRR.rows,
		StopAttributes: stopsRR.attrs,
		Parity:         parity,
		NucleusByRoute: nucleusByRoute,
	}
	return gtfs.NewRepository(input), nil
}

// assembleRoutes expands each routes.txt entry into one Route per direction
// seen in route_stations.csv (directed: (route_id, direction_id) is the
// identity per the data model).
func assembleRoutes(baseRoutes []*gtfs.Route, stations map[routeDirKey][]gtfs.StationOnLine) []*gtfs.Route {
	byId := make(map[string]*gtfs.Route, len(baseRoutes))
	for _, r := range baseRoutes {
		byId[r.RouteId] = r
	}

	keys := make([]routeDirKey, 0, len(stations))
	for k := range stations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].routeId != keys[j].routeId {
			return keys[i].routeId < keys[j].routeId
		}
		return keys[i].dir < keys[j].dir
	})

	var out []*gtfs.Route
	seen := make(map[string]bool)
	for _, key := range keys {
		base, ok := byId[key.routeId]
		if !ok {
			base = &gtfs.Route{RouteId: key.routeId}
		}
		list := stations[key]
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
		route := &gtfs.Route{
			RouteId:     base.RouteId,
			ShortName:   base.ShortName,
			LongName:    base.LongName,
			DirectionId: key.dir,
			ColorBg:     base.ColorBg,
			ColorFg:     base.ColorFg,
			Stations:    list,
		}
		if n := len(list); n > 0 {
			route.LengthKm = list[n-1].KmFromOrigin - list[0].KmFromOrigin
		}
		out = append(out, route)
		seen[key.routeId] = true
	}
	// routes.txt entries with no route_stations rows still get a bare Route
	// so repository lookups by route_id alone (no direction) still resolve.
	for _, r := range baseRoutes {
		if !seen[r.RouteId] {
			out = append(out, r)
		}
	}
	return out
}

func loadFile(path string, reader rowReader) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	parser, err := newCSVParser(f, filepath.Base(path), 0)
	if err != nil {
		return err
	}
	return loadRows(parser, reader)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadNucleosMap reads the derived route_id -> nucleus_slug mapping.
func loadNucleosMap(path string) (map[string]string, error) {
	out := make(map[string]string)
	if !fileExists(path) {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	reader := &nucleosRowReader{out: out}
	parser, err := newCSVParser(f, filepath.Base(path), 0)
	if err != nil {
		return nil, err
	}
	if err := loadRows(parser, reader); err != nil {
		return nil, err
	}
	return out, nil
}

type nucleosRowReader struct {
	out map[string]string
}

func (r *nucleosRowReader) addRow(p *csvParser) error {
	routeId := p.getString("route_id", false)
	nucleus := p.getString("nucleus_slug", false)
	if err := p.getError(); err != nil {
		return err
	}
	r.out[routeId] = nucleus
	return nil
}

// parityMapFile mirrors parity_map.json's on-disk shape:
// { "route_id": { "even": "0", "odd": "1", "status": "final" } }
type parityMapFile map[string]struct {
	Even   string `json:"even"`
	Odd    string `json:"odd"`
	Status string `json:"status"`
}

func loadParityMap(path string) (map[string]gtfs.ParityMapping, error) {
	out := make(map[string]gtfs.ParityMapping)
	if !fileExists(path) {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	var parsed parityMapFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	for routeId, v := range parsed {
		out[routeId] = gtfs.ParityMapping{
			Even:   gtfs.Direction(v.Even),
			Odd:    gtfs.Direction(v.Odd),
			Status: gtfs.ParityStatus(v.Status),
		}
	}
	return out, nil
}
