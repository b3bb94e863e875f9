package tripview

import (
	"math"

	"github.com/OpenTransitTools/transitcast/business/realtime/passrecorder"
	"github.com/OpenTransitTools/transitcast/business/realtime/shapeindex"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

const (
	stoppedFarThresholdMeters = 300.0
	incomingOvershootPct      = 95
	incomingFloorPct          = 80
	divergenceThreshold       = 0.3
	lowSpeedKmh               = 5.0
)

// resolveProgress picks the current/next stop pair and the fused progress
// percentage between them, including the INCOMING_AT overshoot correction.
func resolveProgress(rows []*StopRow, in Input) (current, next *StopRow, status vehiclecache.CurrentStatus, progressPct int) {
	obs := in.Obs
	if obs == nil {
		current, next = fallbackCurrentNext(rows)
		return current, next, vehiclecache.StatusUnknown, 0
	}
	status = obs.CurrentStatus

	switch status {
	case vehiclecache.StatusStoppedAt:
		current, next = chooseStoppedAt(rows, obs, in)
	case vehiclecache.StatusInTransitTo, vehiclecache.StatusIncomingAt:
		current, next = chooseInTransit(rows, obs)
	default:
		current, next = fallbackCurrentNext(rows)
	}
	if current == nil && next == nil {
		current, next = fallbackCurrentNext(rows)
	}

	fused := fuseProgress(current, next, obs, in)
	switch status {
	case vehiclecache.StatusStoppedAt:
		progressPct = 0
	case vehiclecache.StatusIncomingAt:
		progressPct = int(math.Max(fused*100, incomingFloorPct))
		if progressPct >= incomingOvershootPct && next != nil {
			// Vehicle essentially arrived: promote the target stop to
			// current and report it as stopped rather than incoming.
			current, next = next, followingRow(rows, next)
			status = vehiclecache.StatusStoppedAt
			progressPct = 0
			current.Status = StatusCurrent
		}
	default:
		progressPct = int(clamp01(fused) * 100)
	}
	return current, next, status, progressPct
}

func chooseStoppedAt(rows []*StopRow, obs *vehiclecache.Observation, in Input) (current, next *StopRow) {
	row := findRow(rows, obs.StopId)
	if row == nil {
		return fallbackCurrentNext(rows)
	}
	if obs.HasLatLon && row.HasLatLon && in.Shapes != nil {
		d := shapeDistance(in, obs.Lat, obs.Lon, row.Lat, row.Lon)
		if d > stoppedFarThresholdMeters {
			return precedingRow(rows, row), row
		}
	}
	return row, followingRow(rows, row)
}

func chooseInTransit(rows []*StopRow, obs *vehiclecache.Observation) (current, next *StopRow) {
	target := findRow(rows, obs.StopId)
	if target == nil {
		return fallbackCurrentNext(rows)
	}
	pred := precedingRow(rows, target)
	if obs.HasSpeed && obs.SpeedKmh < lowSpeedKmh && pred == nil {
		return target, followingRow(rows, target)
	}
	return pred, target
}

func fallbackCurrentNext(rows []*StopRow) (current, next *StopRow) {
	for i, row := range rows {
		if row.Status == StatusCurrent {
			current = row
			if i+1 < len(rows) {
				next = rows[i+1]
			}
			return
		}
	}
	var lastPassedIdx = -1
	for i, row := range rows {
		if row.Status == StatusPassed {
			lastPassedIdx = i
		}
	}
	if lastPassedIdx >= 0 {
		current = rows[lastPassedIdx]
		if lastPassedIdx+1 < len(rows) {
			next = rows[lastPassedIdx+1]
		}
	}
	return
}

func precedingRow(rows []*StopRow, row *StopRow) *StopRow {
	var best *StopRow
	for _, r := range rows {
		if r.StopSequence < row.StopSequence && (best == nil || r.StopSequence > best.StopSequence) {
			best = r
		}
	}
	return best
}

func followingRow(rows []*StopRow, row *StopRow) *StopRow {
	var best *StopRow
	for _, r := range rows {
		if r.StopSequence > row.StopSequence && (best == nil || r.StopSequence < best.StopSequence) {
			best = r
		}
	}
	return best
}

// fuseProgress combines the temporal and spatial fraction between current
// and next into a single [0,1] value.
func fuseProgress(current, next *StopRow, obs *vehiclecache.Observation, in Input) float64 {
	if current == nil || next == nil {
		return 0
	}
	temporal, hasTemporal := temporalFraction(current, next, in.Now.Unix())
	spatial, hasSpatial := spatialFraction(current, next, obs, in)

	// A nearly stopped train mid-segment: the clock keeps running but the
	// train does not, so the temporal fraction overstates progress.
	if obs.HasSpeed && obs.SpeedKmh < lowSpeedKmh &&
		obs.CurrentStatus == vehiclecache.StatusInTransitTo && hasSpatial {
		return spatial
	}

	switch {
	case hasTemporal && hasSpatial:
		if math.Abs(spatial-temporal) > divergenceThreshold {
			return math.Min(spatial, temporal)
		}
		return spatial
	case hasSpatial:
		return spatial
	case hasTemporal:
		return temporal
	default:
		return 0
	}
}

func temporalFraction(current, next *StopRow, nowUnix int64) (float64, bool) {
	depFrom, ok1 := bestEpoch(current.EtaDepEpoch, current.HasEtaDep, current.SchedDepEpoch, current.HasSchedDep)
	arrTo, ok2 := bestEpoch(next.EtaArrEpoch, next.HasEtaArr, next.SchedArrEpoch, next.HasSchedArr)
	if !ok1 || !ok2 || arrTo <= depFrom {
		return 0, false
	}
	return clamp01(float64(nowUnix-depFrom) / float64(arrTo-depFrom)), true
}

func bestEpoch(primary int64, hasPrimary bool, fallback int64, hasFallback bool) (int64, bool) {
	if hasPrimary {
		return primary, true
	}
	if hasFallback {
		return fallback, true
	}
	return 0, false
}

func spatialFraction(current, next *StopRow, obs *vehiclecache.Observation, in Input) (float64, bool) {
	if obs == nil || !obs.HasLatLon || !current.HasLatLon || !next.HasLatLon {
		return 0, false
	}
	if in.Shapes != nil {
		routeId := in.RouteId
		if in.Train != nil {
			routeId = in.Train.RouteId
		}
		shape, ok := in.Shapes.Shape(routeId)
		if ok {
			cumFrom, ok1 := shapeindex.Project(shape, current.Lat, current.Lon)
			cumTo, ok2 := shapeindex.Project(shape, next.Lat, next.Lon)
			cumVeh, ok3 := shapeindex.Project(shape, obs.Lat, obs.Lon)
			if ok1 && ok2 && ok3 && cumTo != cumFrom {
				return clamp01((cumVeh - cumFrom) / (cumTo - cumFrom)), true
			}
		}
	}
	frac := shapeindex.ProjectSegment(current.Lat, current.Lon, next.Lat, next.Lon, obs.Lat, obs.Lon)
	return frac, true
}

func shapeDistance(in Input, lat1, lon1, lat2, lon2 float64) float64 {
	return shapeindex.DistanceMeters(lat1, lon1, lat2, lon2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// enforceAntiBacktrack is the final authority: a view may never report a
// current/next pair behind the service's last confirmed pass.
func enforceAntiBacktrack(in Input, rows []*StopRow, current, next *StopRow) (*StopRow, *StopRow) {
	if in.Passes == nil || in.ServiceInstanceId == "" || current == nil {
		return current, next
	}
	lastConfirmed := in.Passes.GetLastSeq(in.ServiceInstanceId)
	if current.StopSequence >= lastConfirmed {
		return current, next
	}
	restored := rowBySequence(rows, lastConfirmed)
	if restored == nil {
		return current, next
	}
	if in.Log != nil {
		in.Log.Printf("tripview: anti-backtrack restored service %s to seq %d (was %d)",
			in.ServiceInstanceId, lastConfirmed, current.StopSequence)
	}
	return restored, followingRow(rows, restored)
}

func rowBySequence(rows []*StopRow, seq int) *StopRow {
	for _, r := range rows {
		if r.StopSequence == seq {
			return r
		}
	}
	return nil
}

// recordPass feeds the resolved current stop back into the pass recorder so
// future queries for this service see it as a confirmed lower bound.
func recordPass(in Input, rows []*StopRow, current *StopRow, status vehiclecache.CurrentStatus) {
	if in.Passes == nil || in.ServiceInstanceId == "" || current == nil {
		return
	}
	passRows := make([]passrecorder.Row, len(rows))
	for i, row := range rows {
		passRows[i] = passrecorder.Row{
			Seq:         row.StopSequence,
			StopId:      row.StopId,
			EtaArr:      row.EtaArrEpoch,
			HasEtaArr:   row.HasEtaArr,
			EtaDep:      row.EtaDepEpoch,
			HasEtaDep:   row.HasEtaDep,
			SchedArr:    row.SchedArrEpoch,
			HasSchedArr: row.HasSchedArr,
			SchedDep:    row.SchedDepEpoch,
			HasSchedDep: row.HasSchedDep,
		}
	}

	var trainId string
	var vehicleTs int64
	forcedArrivals := map[int]int64{}
	forcedDepartures := map[int]int64{}
	if in.Obs != nil {
		trainId = in.Obs.TrainId
		vehicleTs = in.Obs.TsUnix
		if status == vehiclecache.StatusStoppedAt {
			forcedArrivals[current.StopSequence] = in.Obs.TsUnix
		} else {
			forcedDepartures[current.StopSequence] = in.Obs.TsUnix
		}
	}

	in.Passes.Record(in.ServiceInstanceId, passRows, current.StopSequence, vehicleTs, trainId, forcedArrivals, forcedDepartures)
}
