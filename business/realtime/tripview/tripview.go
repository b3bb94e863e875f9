// Package tripview builds the fused per-train view: the ordered stop list
// with status flags, fused arrival/departure times and inter-stop progress
// for one matched service instance.
package tripview

import (
	"log"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
	"github.com/OpenTransitTools/transitcast/business/realtime/passrecorder"
	"github.com/OpenTransitTools/transitcast/business/realtime/platformhabits"
	"github.com/OpenTransitTools/transitcast/business/realtime/shapeindex"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripupdatecache"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

// Status is a per-stop classification.
type Status string

const (
	StatusCanceled Status = "CANCELED"
	StatusSkipped  Status = "SKIPPED"
	StatusNext     Status = "NEXT"
	StatusCurrent  Status = "CURRENT"
	StatusPassed   Status = "PASSED"
	StatusFuture   Status = "FUTURE"
)

// StopRow is one row of the built view.
type StopRow struct {
	StopId         string
	StopSequence   int
	Name           string
	Lat            float64
	Lon            float64
	HasLatLon      bool
	SchedArrEpoch  int64
	HasSchedArr    bool
	SchedDepEpoch  int64
	HasSchedDep    bool
	EtaArrEpoch    int64
	HasEtaArr      bool
	EtaDepEpoch    int64
	HasEtaDep      bool
	DelaySeconds   int
	HasDelay       bool
	Status         Status
	Platform       string
	HasPlatform    bool
	PlatformAlt    string
	HasPlatformAlt bool
}

// View is the fused output of Build.
type View struct {
	HasTU               bool
	TuUpdatedIso        string
	Stops               []StopRow
	NextStopProgressPct int
	CurrentStopId       string
	CurrentStopName     string
	NextStopId          string
	NextStopName        string
}

// Input bundles everything Build needs for one query.
type Input struct {
	ServiceInstanceId string
	Train             *materializer.ScheduledTrain
	FallbackRoute     *gtfs.Route
	RouteId           string
	DirectionId       gtfs.Direction
	Obs               *vehiclecache.Observation
	TripUpdates       *tripupdatecache.Cache
	Shapes            *shapeindex.Index
	Repo              *gtfs.Repository
	Passes            *passrecorder.Recorder
	Habits            *platformhabits.Store
	NucleusId         string
	Now               time.Time
	Log               *log.Logger
}

// Build runs the full pipeline: stop assembly, status classification,
// inter-stop progress fusion, current/next-stop choice, anti-backtrack
// enforcement and platform selection.
func Build(in Input) *View {
	rows := assembleRows(in)
	tuItem, hasTU := lookupTripUpdate(in)
	applyTripUpdates(rows, tuItem, hasTU, in.Now)

	pivotSeq := pivotSequence(rows, in.Obs, tuItem, hasTU, in.Now)
	nextServiceStop := nextServiceStopId(rows, in.Obs, tuItem, hasTU, in.Now)
	classifyStatuses(rows, tuItem, hasTU, nextServiceStop, in.Obs, pivotSeq)

	current, next, status, progress := resolveProgress(rows, in)
	current, next = enforceAntiBacktrack(in, rows, current, next)
	recordPass(in, rows, current, status)

	selectPlatforms(rows, in)

	view := &View{HasTU: hasTU, Stops: rowValues(rows), NextStopProgressPct: progress}
	if hasTU {
		view.TuUpdatedIso = time.Unix(tuItem.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	if current != nil {
		view.CurrentStopId = current.StopId
		view.CurrentStopName = current.Name
	}
	if next != nil {
		view.NextStopId = next.StopId
		view.NextStopName = next.Name
	}
	return view
}

// assembleRows seeds the stop list from the ScheduledTrain's calls when
// available, falling back to the Route's StationOnLine list.
func assembleRows(in Input) []*StopRow {
	if in.Train != nil && len(in.Train.Calls) > 0 {
		rows := make([]*StopRow, len(in.Train.Calls))
		for i, call := range in.Train.Calls {
			row := &StopRow{
				StopId:        call.StopId,
				StopSequence:  call.StopSequence,
				SchedArrEpoch: call.ArrivalEpoch,
				HasSchedArr:   true,
				SchedDepEpoch: call.DepartureEpoch,
				HasSchedDep:   true,
			}
			if in.Repo != nil {
				row.Name = in.Repo.StopName(call.StopId)
			}
			attachCoordinates(row, in)
			rows[i] = row
		}
		return rows
	}
	if in.FallbackRoute != nil {
		rows := make([]*StopRow, len(in.FallbackRoute.Stations))
		for i, st := range in.FallbackRoute.Stations {
			rows[i] = &StopRow{
				StopId:       st.StopId,
				StopSequence: st.Seq,
				Name:         st.Name,
				Lat:          st.Lat,
				Lon:          st.Lon,
				HasLatLon:    true,
			}
		}
		return rows
	}
	return nil
}

func attachCoordinates(row *StopRow, in Input) {
	if in.Repo == nil {
		return
	}
	routeId := in.RouteId
	direction := in.DirectionId
	if in.Train != nil {
		routeId = in.Train.RouteId
		direction = in.Train.DirectionId
	}
	for _, st := range in.Repo.StationsOrdered(routeId, direction) {
		if st.StopId == row.StopId {
			row.Lat, row.Lon, row.HasLatLon = st.Lat, st.Lon, true
			return
		}
	}
}

func lookupTripUpdate(in Input) (*tripupdatecache.Item, bool) {
	if in.TripUpdates == nil {
		return nil, false
	}
	tripId := ""
	if in.Train != nil {
		tripId = in.Train.TripId
	} else if in.Obs != nil {
		tripId = in.Obs.TripId
	}
	if tripId == "" {
		return nil, false
	}
	return in.TripUpdates.GetByTripId(tripId)
}

// applyTripUpdates fills each row's ETA fields, carrying forward the last
// explicit per-stop delay when a downstream stop has none of its own.
func applyTripUpdates(rows []*StopRow, tuItem *tripupdatecache.Item, hasTU bool, now time.Time) {
	var lastDelay int
	var hasLastDelay bool
	for _, row := range rows {
		var su tripupdatecache.StopTimeUpdate
		var hasSU bool
		if hasTU {
			su, hasSU = tuItem.StopUpdate(row.StopId, row.StopSequence)
		}

		effectiveDelay := 0
		hasEffectiveDelay := hasLastDelay
		if hasEffectiveDelay {
			effectiveDelay = lastDelay
		}
		if hasSU {
			if su.HasArrivalDelay {
				effectiveDelay = su.ArrivalDelay
				hasEffectiveDelay = true
			} else if su.HasDepartureDelay {
				effectiveDelay = su.DepartureDelay
				hasEffectiveDelay = true
			}
		}
		if hasEffectiveDelay {
			lastDelay = effectiveDelay
			hasLastDelay = true
			row.DelaySeconds = effectiveDelay
			row.HasDelay = true
		}

		if hasSU && su.HasArrival {
			row.EtaArrEpoch, row.HasEtaArr = su.ArrivalEpoch, true
		} else if row.HasSchedArr {
			row.EtaArrEpoch, row.HasEtaArr = row.SchedArrEpoch+int64(effectiveDelay), true
		}
		if hasSU && su.HasDeparture {
			row.EtaDepEpoch, row.HasEtaDep = su.DepartureEpoch, true
		} else if row.HasSchedDep {
			row.EtaDepEpoch, row.HasEtaDep = row.SchedDepEpoch+int64(effectiveDelay), true
		}
	}

	if hasTU && tuItem.TripScheduleRelationship == gtfsrt.TripCanceled {
		for _, row := range rows {
			row.HasEtaArr, row.HasEtaDep = false, false
		}
	}
}

// pivotSequence picks the stop sequence used to decide PASSED vs FUTURE.
func pivotSequence(rows []*StopRow, obs *vehiclecache.Observation, tuItem *tripupdatecache.Item, hasTU bool, now time.Time) int {
	if obs != nil && obs.CurrentStatus == vehiclecache.StatusStoppedAt {
		if row := findRow(rows, obs.StopId); row != nil {
			return row.StopSequence
		}
	}
	if hasTU {
		for _, row := range rows {
			su, ok := tuItem.StopUpdate(row.StopId, row.StopSequence)
			if ok && su.HasArrival && su.ArrivalEpoch >= now.Unix() {
				return row.StopSequence
			}
		}
	}
	if obs != nil && obs.CurrentStatus == vehiclecache.StatusInTransitTo {
		if row := findRow(rows, obs.StopId); row != nil {
			return row.StopSequence
		}
	}
	return -1
}

// nextServiceStopId derives the next stop the service will actually call
// at: the earliest non-skipped stop with a future trip-update arrival, else
// the vehicle's reported target stop.
func nextServiceStopId(rows []*StopRow, obs *vehiclecache.Observation, tuItem *tripupdatecache.Item, hasTU bool, now time.Time) string {
	if hasTU {
		for _, row := range rows {
			su, ok := tuItem.StopUpdate(row.StopId, row.StopSequence)
			if ok && su.HasArrival && su.ArrivalEpoch >= now.Unix() &&
				su.ScheduleRelationship != gtfsrt.RelationshipSkipped {
				return row.StopId
			}
		}
	}
	if obs != nil && (obs.CurrentStatus == vehiclecache.StatusInTransitTo || obs.CurrentStatus == vehiclecache.StatusIncomingAt) {
		return obs.StopId
	}
	return ""
}

// classifyStatuses applies the seven-rule priority cascade; first match
// wins: CANCELED, SKIPPED, NEXT, CURRENT, approaching-NEXT, PASSED, FUTURE.
func classifyStatuses(rows []*StopRow, tuItem *tripupdatecache.Item, hasTU bool, nextServiceStop string, obs *vehiclecache.Observation, pivotSeq int) {
	tripCanceled := hasTU && tuItem.TripScheduleRelationship == gtfsrt.TripCanceled
	for _, row := range rows {
		if tripCanceled {
			row.Status = StatusCanceled
			continue
		}
		if hasTU {
			if su, ok := tuItem.StopUpdate(row.StopId, row.StopSequence); ok && su.ScheduleRelationship == gtfsrt.RelationshipSkipped {
				row.Status = StatusSkipped
				continue
			}
		}
		if nextServiceStop != "" && row.StopId == nextServiceStop {
			row.Status = StatusNext
			continue
		}
		if obs != nil && obs.CurrentStatus == vehiclecache.StatusStoppedAt && obs.StopId == row.StopId {
			row.Status = StatusCurrent
			continue
		}
		if nextServiceStop == "" && obs != nil &&
			(obs.CurrentStatus == vehiclecache.StatusInTransitTo || obs.CurrentStatus == vehiclecache.StatusIncomingAt) &&
			obs.StopId == row.StopId {
			row.Status = StatusNext
			continue
		}
		if pivotSeq >= 0 && row.StopSequence < pivotSeq {
			row.Status = StatusPassed
			continue
		}
		row.Status = StatusFuture
	}
}

func findRow(rows []*StopRow, stopId string) *StopRow {
	if stopId == "" {
		return nil
	}
	for _, row := range rows {
		if row.StopId == stopId {
			return row
		}
	}
	return nil
}

func rowValues(rows []*StopRow) []StopRow {
	out := make([]StopRow, len(rows))
	for i, row := range rows {
		out[i] = *row
	}
	return out
}
