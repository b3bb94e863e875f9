// Package shapeindex stores per-route polylines with cumulative distance
// and projects a point to a distance along the shape.
package shapeindex

import (
	"math"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
)

const earthRadiusMeters = 6371000.0

// Point is one point of a projected polyline: its coordinates and its
// cumulative distance from the polyline's first point.
type Point struct {
	Lat   float64
	Lon   float64
	CumM  float64
}

// Shape is a built polyline ready for projection.
type Shape struct {
	Points []Point
}

// Index holds one Shape per route, chosen as the most frequent shape_id
// across the route's trips (ties broken lexicographically smallest).
type Index struct {
	byRouteId map[string]*Shape
}

// Build constructs an Index from the repository's shape points, picking one
// shape per route.
func Build(repo *gtfs.Repository) *Index {
	idx := &Index{byRouteId: make(map[string]*Shape)}
	for _, route := range repo.ListRoutes() {
		if _, already := idx.byRouteId[route.RouteId]; already {
			continue
		}
		shapeId, ok := repo.MostCommonShapeForRoute(route.RouteId)
		if !ok {
			continue
		}
		points := repo.ShapePoints(shapeId)
		if len(points) < 2 {
			continue
		}
		idx.byRouteId[route.RouteId] = buildShape(points)
	}
	return idx
}

// buildShape computes cumulative distance for a sequence of shape points,
// using the native shape_dist_traveled column when present and falling
// back to haversine accumulation otherwise.
func buildShape(points []gtfs.ShapePoint) *Shape {
	out := make([]Point, len(points))
	var cum float64
	for i, p := range points {
		if p.DistTraveled != nil {
			cum = *p.DistTraveled
		} else if i > 0 {
			cum += haversineMeters(points[i-1].Lat, points[i-1].Lon, p.Lat, p.Lon)
		}
		out[i] = Point{Lat: p.Lat, Lon: p.Lon, CumM: cum}
	}
	return &Shape{Points: out}
}

// Shape returns the built polyline for a route, if any.
func (idx *Index) Shape(routeId string) (*Shape, bool) {
	s, ok := idx.byRouteId[routeId]
	return s, ok
}

// Project maps a point to its cumulative distance along the polyline: for
// each consecutive segment, computes the parametric projection onto a
// local equirectangular frame centered at the segment midpoint, penalizes
// off-segment projections by 1.5x, and returns the cum_m of the
// minimum-error segment.
func Project(shape *Shape, lat, lon float64) (float64, bool) {
	if shape == nil || len(shape.Points) < 2 {
		return 0, false
	}
	bestErr := math.Inf(1)
	bestCum := 0.0
	found := false
	for i := 0; i+1 < len(shape.Points); i++ {
		a := shape.Points[i]
		b := shape.Points[i+1]
		t, projLat, projLon := projectOntoSegment(a.Lat, a.Lon, b.Lat, b.Lon, lat, lon)
		clamped := clamp01(t)
		candidateCum := a.CumM + clamped*(b.CumM-a.CumM)
		errM := haversineMeters(lat, lon, projLat, projLon)
		if t < 0 || t > 1 {
			errM *= 1.5
		}
		if errM < bestErr {
			bestErr = errM
			bestCum = candidateCum
			found = true
		}
	}
	return bestCum, found
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// projectOntoSegment returns the parametric position t (unclamped) of
// (lat, lon)'s projection onto segment (aLat,aLon)-(bLat,bLon), plus the
// clamped-on-segment point's coordinates, all computed in a local
// equirectangular frame centered at the segment midpoint.
func projectOntoSegment(aLat, aLon, bLat, bLon, lat, lon float64) (t float64, projLat, projLon float64) {
	midLat := (aLat + bLat) / 2
	cosLat := math.Cos(midLat * math.Pi / 180)

	ax, ay := equirectXY(aLat, aLon, midLat, cosLat)
	bx, by := equirectXY(bLat, bLon, midLat, cosLat)
	px, py := equirectXY(lat, lon, midLat, cosLat)

	dx := bx - ax
	dy := by - ay
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return 0, aLat, aLon
	}
	t = ((px-ax)*dx + (py-ay)*dy) / lengthSq
	clamped := clamp01(t)
	projX := ax + clamped*dx
	projY := ay + clamped*dy
	projLat, projLon = xyToLatLon(projX, projY, midLat, cosLat)
	return t, projLat, projLon
}

// equirectXY projects (lat, lon) to local meters around (midLat, cosLat).
func equirectXY(lat, lon, midLat, cosLat float64) (x, y float64) {
	x = (lon * math.Pi / 180) * cosLat * earthRadiusMeters
	y = (lat * math.Pi / 180) * earthRadiusMeters
	return x, y
}

func xyToLatLon(x, y, midLat, cosLat float64) (lat, lon float64) {
	lat = (y / earthRadiusMeters) * 180 / math.Pi
	lon = (x / (cosLat * earthRadiusMeters)) * 180 / math.Pi
	return lat, lon
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// ProjectSegment projects a point onto the straight segment between two
// endpoints using the same equirectangular frame, for use when no Shape is
// available.
func ProjectSegment(fromLat, fromLon, toLat, toLon, lat, lon float64) float64 {
	t, _, _ := projectOntoSegment(fromLat, fromLon, toLat, toLon, lat, lon)
	return clamp01(t)
}

// DistanceMeters exposes the haversine distance for callers outside this
// package (e.g. the stopped-far-from-stop check in the trip view builder).
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return haversineMeters(lat1, lon1, lat2, lon2)
}
