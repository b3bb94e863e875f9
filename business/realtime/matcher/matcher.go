// Package matcher links one vehicle observation to one scheduled trip. It
// is a pure function over its inputs, with no package-level state.
package matcher

import (
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
	"github.com/OpenTransitTools/transitcast/business/trainnum"
)

// Confidence is a matching confidence level.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceMed  Confidence = "med"
	ConfidenceLow  Confidence = "low"
)

// Method names the stage that produced a match.
type Method string

const (
	MethodTripId      Method = "trip_id"
	MethodStopWindow  Method = "stop_window"
	MethodTrainNumber Method = "train_number"
	MethodNone        Method = "realtime_only"
)

// stopWindowBefore and stopWindowAfter bound the stop-window scan.
const (
	stopWindowBefore = 1800 * time.Second
	stopWindowAfter  = 3600 * time.Second
)

// Result is a matched (or unmatched) ServiceInstance identification.
type Result struct {
	Train       *materializer.ScheduledTrain
	TripId      string
	Confidence  Confidence
	Method      Method
}

// Observation is the subset of a vehicle observation the matcher needs.
type Observation struct {
	TripId      string
	RouteId     string
	DirectionId gtfs.Direction
	StopId      string
	Label       string
}

// Match runs the three-stage cascade: trip_id match, stop-window match,
// train-number fallback.
func Match(idx *materializer.DateIndex, obs Observation, now time.Time) Result {
	if obs.TripId != "" {
		if train, ok := idx.ByTrip(obs.TripId); ok {
			return Result{Train: train, TripId: train.TripId, Confidence: ConfidenceHigh, Method: MethodTripId}
		}
	}

	if obs.StopId != "" {
		if result, ok := stopWindowMatch(idx, obs, now); ok {
			return result
		}
	}

	if number, ok := trainnum.Extract(obs.TripId, obs.Label); ok {
		if result, ok := trainNumberFallback(idx, obs, number, now); ok {
			return result
		}
	}

	return Result{TripId: obs.TripId, Confidence: ConfidenceLow, Method: MethodNone}
}

func stopWindowMatch(idx *materializer.DateIndex, obs Observation, now time.Time) (Result, bool) {
	windowStart := now.Add(-stopWindowBefore).Unix()
	windowEnd := now.Add(stopWindowAfter).Unix()

	obsNumber, obsHasNumber := trainnum.Extract(obs.TripId, obs.Label)

	var best *materializer.StopEntry
	bestMismatch := 2
	var bestDelta int64

	for _, entry := range idx.StopEntries(obs.StopId) {
		if obs.RouteId != "" && entry.Train.RouteId != obs.RouteId {
			continue
		}
		if obs.DirectionId != "" && entry.Train.DirectionId != obs.DirectionId {
			continue
		}
		schedEpoch := entry.Call.ArrivalEpoch
		if schedEpoch == 0 {
			schedEpoch = entry.Call.DepartureEpoch
		}
		if schedEpoch < windowStart || schedEpoch > windowEnd {
			continue
		}

		mismatch := 0
		if obsHasNumber && entry.Train.TrainNumber != "" && entry.Train.TrainNumber != obsNumber {
			mismatch = 1
		}
		delta := abs64(schedEpoch - now.Unix())

		if best == nil || mismatch < bestMismatch || (mismatch == bestMismatch && delta < bestDelta) {
			e := entry
			best = &e
			bestMismatch = mismatch
			bestDelta = delta
		}
	}

	if best == nil {
		return Result{}, false
	}

	confidence := ConfidenceLow
	if bestDelta <= 900 && bestMismatch == 0 {
		confidence = ConfidenceHigh
	} else if bestDelta <= 1800 {
		confidence = ConfidenceMed
	}

	return Result{
		Train:      best.Train,
		TripId:     best.Train.TripId,
		Confidence: confidence,
		Method:     MethodStopWindow,
	}, true
}

// trainNumberFallback picks the earliest future trip for the extracted
// number on (route_id?, direction_id?), searching the current date's index
// only; the multi-day horizon search belongs to Materializer, not the
// matcher, which stays pure and stateless.
func trainNumberFallback(idx *materializer.DateIndex, obs Observation, number string, now time.Time) (Result, bool) {
	candidates := candidateTrains(idx, obs.RouteId, obs.DirectionId)

	var best *materializer.ScheduledTrain
	var bestEpoch int64
	for _, train := range candidates {
		if train.TrainNumber != number || len(train.Calls) == 0 {
			continue
		}
		firstDeparture := train.Calls[0].DepartureEpoch
		if firstDeparture < now.Unix() {
			continue
		}
		if best == nil || firstDeparture < bestEpoch {
			best = train
			bestEpoch = firstDeparture
		}
	}
	if best == nil {
		return Result{}, false
	}
	return Result{Train: best, TripId: best.TripId, Confidence: ConfidenceMed, Method: MethodTrainNumber}, true
}

func candidateTrains(idx *materializer.DateIndex, routeId string, direction gtfs.Direction) []*materializer.ScheduledTrain {
	if routeId == "" {
		return idx.AllTrains()
	}
	if direction != "" {
		return idx.TrainsByRouteDir(routeId, direction)
	}
	var out []*materializer.ScheduledTrain
	out = append(out, idx.TrainsByRouteDir(routeId, gtfs.DirectionUnspecified)...)
	out = append(out, idx.TrainsByRouteDir(routeId, gtfs.Direction0)...)
	out = append(out, idx.TrainsByRouteDir(routeId, gtfs.Direction1)...)
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
