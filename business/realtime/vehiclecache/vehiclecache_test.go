package vehiclecache

import (
	"testing"
	"time"
)

func makeCache() *Cache {
	return &Cache{snap: emptySnapshot()}
}

func Test_apply_replacesOnNonEmpty(t *testing.T) {
	c := makeCache()
	now := time.Unix(1000, 0)
	c.apply([]*Observation{{TrainId: "1", TsUnix: 1000}}, 1000, now)

	obs, ok := c.GetById("1")
	if !ok {
		t.Fatalf("expected observation 1 to be present")
	}
	if obs.TrainId != "1" {
		t.Errorf("got %q", obs.TrainId)
	}
}

func Test_apply_emptyKeepsCurrentUnderGrace(t *testing.T) {
	c := makeCache()
	base := time.Unix(1000, 0)
	c.apply([]*Observation{{TrainId: "1", TsUnix: 1000}}, 1000, base)

	c.apply(nil, 1008, base.Add(8*time.Second))
	if _, ok := c.GetById("1"); !ok {
		t.Fatalf("expected observation retained under grace")
	}

	c.apply(nil, 1016, base.Add(16*time.Second))
	if _, ok := c.GetById("1"); !ok {
		t.Fatalf("expected observation retained at grace boundary")
	}

	c.apply(nil, 1024, base.Add(24*time.Second))
	if _, ok := c.GetById("1"); ok {
		t.Fatalf("expected observation cleared after grace exhausted")
	}
}

func Test_apply_emptyClearsBeyondMaxStale(t *testing.T) {
	c := makeCache()
	base := time.Unix(1000, 0)
	c.apply([]*Observation{{TrainId: "1", TsUnix: 1000}}, 1000, base)

	c.apply(nil, 1010, base.Add(200*time.Second))
	if _, ok := c.GetById("1"); ok {
		t.Fatalf("expected observation cleared once beyond MaxStaleSeconds")
	}
}

func Test_apply_identicalHeaderEmptyKeepsState(t *testing.T) {
	c := makeCache()
	base := time.Unix(1000, 0)
	c.apply([]*Observation{{TrainId: "1", TsUnix: 1000}}, 1000, base)
	c.snap.headerTime = 1000

	c.apply(nil, 1000, base.Add(5*time.Second))
	if _, ok := c.GetById("1"); !ok {
		t.Fatalf("expected state kept when header timestamp is unchanged and list is empty")
	}
}

func Test_Fresh(t *testing.T) {
	tests := []struct {
		name string
		ts   int64
		now  int64
		want bool
	}{
		{"exactly at boundary", 0, MaxStaleSeconds, true},
		{"just beyond boundary", 0, MaxStaleSeconds + 1, false},
		{"recent", 100, 105, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &Observation{TsUnix: tt.ts}
			got := obs.Fresh(time.Unix(tt.now, 0))
			if got != tt.want {
				t.Errorf("Fresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_ListSorted(t *testing.T) {
	c := makeCache()
	now := time.Unix(1000, 0)
	c.apply([]*Observation{
		{TrainId: "3", TsUnix: 1000},
		{TrainId: "1", TsUnix: 1000},
		{TrainId: "2", TsUnix: 1000},
	}, 1000, now)

	got := c.ListSorted()
	if len(got) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(got))
	}
	if got[0].TrainId != "1" || got[1].TrainId != "2" || got[2].TrainId != "3" {
		t.Errorf("expected sorted order, got %v, %v, %v", got[0].TrainId, got[1].TrainId, got[2].TrainId)
	}
}
