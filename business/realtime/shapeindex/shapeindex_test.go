package shapeindex

import (
	"math"
	"testing"
)

func Test_haversineMeters(t *testing.T) {
	tests := []struct {
		name string
		lat1 float64
		lon1 float64
		lat2 float64
		lon2 float64
		want float64
	}{
		{
			name: "close together",
			lat1: 45.517539, lon1: -122.678221,
			lat2: 45.517462, lon2: -122.678283,
			want: 9.84504,
		},
		{
			name: "almost 3 kilometers",
			lat1: 45.522922, lon1: -122.675383,
			lat2: 45.497057, lon2: -122.681878,
			want: 2920.25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := haversineMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if diff := math.Abs(got - tt.want); diff >= 1.0 {
				t.Errorf("expected difference less than 1m from %f, got %f (diff %f)", tt.want, got, diff)
			}
		})
	}
}

func Test_Project(t *testing.T) {
	shape := &Shape{Points: []Point{
		{Lat: 45.0, Lon: -122.0, CumM: 0},
		{Lat: 45.01, Lon: -122.0, CumM: 1111.9},
	}}

	tests := []struct {
		name      string
		lat       float64
		lon       float64
		wantFound bool
		wantCum   float64
		tolerance float64
	}{
		{
			name: "midpoint of segment", lat: 45.005, lon: -122.0,
			wantFound: true, wantCum: 555.95, tolerance: 5,
		},
		{
			name: "on first point", lat: 45.0, lon: -122.0,
			wantFound: true, wantCum: 0, tolerance: 1,
		},
		{
			name: "beyond end, clamps to last cum_m", lat: 45.02, lon: -122.0,
			wantFound: true, wantCum: 1111.9, tolerance: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cum, found := Project(shape, tt.lat, tt.lon)
			if found != tt.wantFound {
				t.Fatalf("Project() found = %v, want %v", found, tt.wantFound)
			}
			if diff := math.Abs(cum - tt.wantCum); diff > tt.tolerance {
				t.Errorf("Project() = %f, want %f within %f (diff %f)", cum, tt.wantCum, tt.tolerance, diff)
			}
		})
	}
}

func Test_Project_tooFewPoints(t *testing.T) {
	shape := &Shape{Points: []Point{{Lat: 45.0, Lon: -122.0, CumM: 0}}}
	if _, found := Project(shape, 45.0, -122.0); found {
		t.Errorf("expected no result for a polyline with fewer than two points")
	}
}
