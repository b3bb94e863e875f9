// Package etafusion fuses downstream arrival estimates: given a matched
// service's ordered stop schedule, the current trip update and the vehicle
// state, it anchors a pivot stop ahead of the vehicle and propagates a
// single delay downstream, enforcing the minimum-headway invariant on every
// emitted ETA.
package etafusion

import (
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
	"github.com/OpenTransitTools/transitcast/business/etakit"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripupdatecache"
)

// StopSched is one stop of the scheduled downstream sequence, in call order.
type StopSched struct {
	StopId       string
	StopSequence int
	SchedArr     int64
	HasSchedArr  bool
	SchedDep     int64
	HasSchedDep  bool
}

// VehicleState is the subset of the vehicle observation the fusion needs.
type VehicleState struct {
	HasVehicle bool
	StoppedAt  bool
	// NextStopId is the stop the vehicle reports it is heading to, or the
	// stop it is stopped at.
	NextStopId string
}

// Input bundles one fusion request.
type Input struct {
	Stops   []StopSched
	TU      *tripupdatecache.Item
	Vehicle VehicleState
	Now     time.Time
	// DownstreamTUOverride lets stop-specific trip-update times replace the
	// propagated delay below the pivot, resetting the carried delay.
	DownstreamTUOverride bool
}

// ETA is one fused downstream arrival.
type ETA struct {
	StopId       string
	StopSequence int
	Epoch        int64
	DelaySeconds int
	HasDelay     bool
}

// Compute runs the pivot-and-propagate fusion. A trip-level
// cancellation yields no ETAs; a pivot beyond the last stop with the vehicle
// stopped at the terminus also yields none.
func Compute(in Input) []ETA {
	if len(in.Stops) == 0 {
		return nil
	}
	if in.TU != nil && in.TU.TripScheduleRelationship == gtfsrt.TripCanceled {
		return nil
	}

	pivot := pivotIndex(in)
	if pivot >= len(in.Stops) {
		return nil
	}

	now := in.Now.Unix()
	etas := make([]ETA, 0, len(in.Stops)-pivot)

	pivotStop := in.Stops[pivot]
	schedPivot := schedOf(pivotStop)
	etaPivot, ok := tuArrival(in.TU, pivotStop)
	if !ok {
		etaPhysMin := now + etakit.MinHeadwaySeconds
		if in.Vehicle.HasVehicle && in.Vehicle.StoppedAt && in.Vehicle.NextStopId == pivotStop.StopId {
			etaPhysMin = now
		}
		etaPivot = schedPivot
		if etaPhysMin > etaPivot {
			etaPivot = etaPhysMin
		}
	}
	delay := etaPivot - schedPivot

	prev := int64(0)
	for i := pivot; i < len(in.Stops); i++ {
		stop := in.Stops[i]
		if skipped(in.TU, stop) {
			continue
		}
		sched := schedOf(stop)

		var eta int64
		if i == pivot {
			eta = etaPivot
		} else {
			eta = sched + delay
			if in.DownstreamTUOverride {
				if tu, ok := tuArrival(in.TU, stop); ok {
					eta = tu
					delay = eta - sched
				}
			}
			if min := now + etakit.MinHeadwaySeconds; eta < min {
				eta = min
			}
		}
		if len(etas) > 0 && eta < prev+etakit.MinHeadwaySeconds {
			eta = prev + etakit.MinHeadwaySeconds
		}
		prev = eta

		etas = append(etas, ETA{
			StopId:       stop.StopId,
			StopSequence: stop.StopSequence,
			Epoch:        eta,
			DelaySeconds: int(eta - sched),
			HasDelay:     true,
		})
	}
	return etas
}

// pivotIndex picks the first stop ahead of the vehicle: the vehicle's
// reported next stop, else the trip update's first future stop, else the
// first stop with a schedule at or after now, else index 0.
func pivotIndex(in Input) int {
	now := in.Now.Unix()

	if in.Vehicle.HasVehicle && in.Vehicle.NextStopId != "" {
		for i, stop := range in.Stops {
			if stop.StopId == in.Vehicle.NextStopId {
				if in.Vehicle.StoppedAt && i == len(in.Stops)-1 {
					// Stopped at the terminus: nothing downstream.
					return len(in.Stops)
				}
				return i
			}
		}
	}
	if in.TU != nil {
		for i, stop := range in.Stops {
			if tu, ok := tuArrival(in.TU, stop); ok && tu >= now {
				return i
			}
		}
	}
	for i, stop := range in.Stops {
		if schedOf(stop) >= now {
			return i
		}
	}
	return 0
}

func schedOf(stop StopSched) int64 {
	if stop.HasSchedArr {
		return stop.SchedArr
	}
	return stop.SchedDep
}

func tuArrival(tu *tripupdatecache.Item, stop StopSched) (int64, bool) {
	if tu == nil {
		return 0, false
	}
	su, ok := tu.StopUpdate(stop.StopId, stop.StopSequence)
	if !ok || su.ScheduleRelationship == gtfsrt.RelationshipSkipped {
		return 0, false
	}
	if su.HasArrival {
		return su.ArrivalEpoch, true
	}
	if su.HasDeparture {
		return su.DepartureEpoch, true
	}
	return 0, false
}

func skipped(tu *tripupdatecache.Item, stop StopSched) bool {
	if tu == nil {
		return false
	}
	su, ok := tu.StopUpdate(stop.StopId, stop.StopSequence)
	return ok && su.ScheduleRelationship == gtfsrt.RelationshipSkipped
}
