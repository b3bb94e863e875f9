// Package fusionsvc assembles the fused per-train and per-stop view models the
// JSON API serves. It pulls the vehicle and trip-update caches, identifies
// the scheduled trip through the matcher, and delegates the stop list to the
// trip view builder and downstream ETAs to the fusion engine.
package fusionsvc

import (
	"fmt"
	logger "log"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/etakit"
	"github.com/OpenTransitTools/transitcast/business/realtime/etafusion"
	"github.com/OpenTransitTools/transitcast/business/realtime/matcher"
	"github.com/OpenTransitTools/transitcast/business/realtime/materializer"
	"github.com/OpenTransitTools/transitcast/business/realtime/passrecorder"
	"github.com/OpenTransitTools/transitcast/business/realtime/platformhabits"
	"github.com/OpenTransitTools/transitcast/business/realtime/shapeindex"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripupdatecache"
	"github.com/OpenTransitTools/transitcast/business/realtime/tripview"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
	"github.com/OpenTransitTools/transitcast/business/trainnum"
)

// Core bundles the loaded components a query needs. All fields are required
// except Habits, which may be nil when platform prediction is disabled.
type Core struct {
	Log         *logger.Logger
	Repo        *gtfs.Repository
	Trains      *materializer.Materializer
	Vehicles    *vehiclecache.Cache
	TripUpdates *tripupdatecache.Cache
	Shapes      *shapeindex.Index
	Passes      *passrecorder.Recorder
	Habits      *platformhabits.Store
	Loc         *time.Location
}

// Kind classifies a train detail view model.
type Kind string

const (
	KindLive      Kind = "live"
	KindScheduled Kind = "scheduled"
)

// Matching describes how the vehicle was linked to a scheduled trip.
type Matching struct {
	Status     string             `json:"status"`
	Confidence matcher.Confidence `json:"confidence"`
	Method     matcher.Method     `json:"method"`
}

// TrainInfo is the live vehicle summary inside a TrainDetailVM.
type TrainInfo struct {
	TrainId     string  `json:"train_id"`
	TripId      string  `json:"trip_id,omitempty"`
	RouteId     string  `json:"route_id,omitempty"`
	DirectionId string  `json:"direction_id,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	SpeedKmh    float64 `json:"speed_kmh,omitempty"`
	Status      string  `json:"status"`
}

// TrainDetailVM is the per-train view model served by the detail endpoint.
type TrainDetailVM struct {
	Kind              Kind                         `json:"kind"`
	Train             *TrainInfo                   `json:"train,omitempty"`
	Unified           *tripview.View               `json:"unified"`
	Scheduled         *materializer.ScheduledTrain `json:"scheduled,omitempty"`
	Trip              Matching                     `json:"trip"`
	ServiceInstanceId string                       `json:"service_instance_id,omitempty"`
	OriginStopId      string                       `json:"origin_stop_id,omitempty"`
	OriginName        string                       `json:"origin_name,omitempty"`
	DestinationStopId string                       `json:"destination_stop_id,omitempty"`
	DestinationName   string                       `json:"destination_name,omitempty"`
	TrainSeenIso      string                       `json:"train_seen_iso,omitempty"`
	TrainSeenAgeS     int64                        `json:"train_seen_age_s,omitempty"`
	Platform          string                       `json:"platform,omitempty"`
}

// BuildTrainDetailVM resolves identifier (a live train_id or a 3-6 digit
// train number) within nucleus and builds the fused detail view. When no
// live vehicle matches, it falls back to the next scheduled departure for
// the number, kind "scheduled".
func (c *Core) BuildTrainDetailVM(nucleus, identifier string, now time.Time) (*TrainDetailVM, error) {
	if obs, ok := c.findObservation(nucleus, identifier); ok {
		return c.buildLive(obs, now)
	}

	number, ok := trainnum.Extract(identifier)
	if !ok {
		return nil, fmt.Errorf("identifier %q is neither a live train id nor a train number", identifier)
	}
	train, ok := c.nextScheduledForNumber(nucleus, number, now)
	if !ok {
		return nil, fmt.Errorf("no scheduled trip found for train number %s", number)
	}
	return c.buildScheduled(train, now), nil
}

func (c *Core) findObservation(nucleus, identifier string) (*vehiclecache.Observation, bool) {
	if obs, ok := c.Vehicles.GetById(identifier); ok {
		return obs, true
	}
	number, ok := trainnum.Extract(identifier)
	if !ok {
		return nil, false
	}
	for _, obs := range c.Vehicles.GetByNucleus(nucleus) {
		if got, ok := trainnum.Extract(obs.Label, obs.TripId, obs.TrainId); ok && got == number {
			return obs, true
		}
	}
	return nil, false
}

func (c *Core) buildLive(obs *vehiclecache.Observation, now time.Time) (*TrainDetailVM, error) {
	serviceDate := gtfs.ServiceDateString(now.In(c.Loc))
	idx, err := c.Trains.ForDate(serviceDate)
	if err != nil {
		return nil, fmt.Errorf("materializing %s: %w", serviceDate, err)
	}

	match := matcher.Match(idx, matcher.Observation{
		TripId:      obs.TripId,
		RouteId:     obs.RouteId,
		DirectionId: obs.DirectionId,
		StopId:      obs.StopId,
		Label:       obs.Label,
	}, now)

	vm := &TrainDetailVM{
		Kind: KindLive,
		Train: &TrainInfo{
			TrainId:     obs.TrainId,
			TripId:      obs.TripId,
			RouteId:     obs.RouteId,
			DirectionId: string(obs.DirectionId),
			Lat:         obs.Lat,
			Lon:         obs.Lon,
			SpeedKmh:    obs.SpeedKmh,
			Status:      obs.CurrentStatus.String(),
		},
		Trip: Matching{
			Status:     "realtime",
			Confidence: match.Confidence,
			Method:     match.Method,
		},
		TrainSeenIso:  time.Unix(obs.TsUnix, 0).In(c.Loc).Format(time.RFC3339),
		TrainSeenAgeS: now.Unix() - obs.TsUnix,
	}
	if match.Method == matcher.MethodNone {
		vm.Trip.Status = "realtime_only"
	}

	input := tripview.Input{
		Obs:         obs,
		TripUpdates: c.TripUpdates,
		Shapes:      c.Shapes,
		Repo:        c.Repo,
		Passes:      c.Passes,
		Habits:      c.Habits,
		NucleusId:   obs.NucleusId,
		RouteId:     obs.RouteId,
		DirectionId: obs.DirectionId,
		Now:         now,
		Log:         c.Log,
	}
	if match.Train != nil {
		vm.Scheduled = match.Train
		vm.ServiceInstanceId = serviceInstanceId(match.Train)
		input.Train = match.Train
		input.ServiceInstanceId = vm.ServiceInstanceId
		c.Passes.RegisterServiceTrain(vm.ServiceInstanceId, obs.TrainId)
	} else if route, ok := c.Repo.Route(obs.RouteId, obs.DirectionId); ok {
		input.FallbackRoute = route
	}

	if c.Habits != nil {
		for stopId, platform := range obs.PlatformByStop {
			c.Habits.Observe(obs.NucleusId, obs.RouteId, stopId, platform, obs.TsUnix)
		}
	}

	vm.Unified = tripview.Build(input)
	c.finish(vm, now)
	return vm, nil
}

func (c *Core) buildScheduled(train *materializer.ScheduledTrain, now time.Time) *TrainDetailVM {
	vm := &TrainDetailVM{
		Kind:              KindScheduled,
		Scheduled:         train,
		ServiceInstanceId: serviceInstanceId(train),
		Trip: Matching{
			Status:     "scheduled",
			Confidence: matcher.ConfidenceMed,
			Method:     matcher.MethodTrainNumber,
		},
	}
	vm.Unified = tripview.Build(tripview.Input{
		ServiceInstanceId: vm.ServiceInstanceId,
		Train:             train,
		TripUpdates:       c.TripUpdates,
		Shapes:            c.Shapes,
		Repo:              c.Repo,
		Passes:            c.Passes,
		Habits:            c.Habits,
		NucleusId:         train.NucleusId,
		RouteId:           train.RouteId,
		DirectionId:       train.DirectionId,
		Now:               now,
		Log:               c.Log,
	})
	c.finish(vm, now)
	return vm
}

// finish fills the origin/destination summary and the headline platform from
// the assembled stop list.
func (c *Core) finish(vm *TrainDetailVM, now time.Time) {
	stops := vm.Unified.Stops
	if len(stops) == 0 {
		return
	}
	first, last := stops[0], stops[len(stops)-1]
	vm.OriginStopId, vm.OriginName = first.StopId, first.Name
	vm.DestinationStopId, vm.DestinationName = last.StopId, last.Name

	for _, row := range stops {
		if row.StopId == vm.Unified.NextStopId && row.HasPlatform {
			vm.Platform = row.Platform
			return
		}
	}
}

// nextScheduledForNumber searches today then tomorrow for the earliest
// future first-departure among the nucleus's trips carrying number.
func (c *Core) nextScheduledForNumber(nucleus, number string, now time.Time) (*materializer.ScheduledTrain, bool) {
	local := now.In(c.Loc)
	for d := 0; d <= 1; d++ {
		serviceDate := gtfs.ServiceDateString(local.AddDate(0, 0, d))
		idx, err := c.Trains.ForDate(serviceDate)
		if err != nil {
			continue
		}
		var best *materializer.ScheduledTrain
		var bestEpoch int64
		for _, train := range idx.AllTrains() {
			if train.TrainNumber != number || len(train.Calls) == 0 {
				continue
			}
			if nucleus != "" && train.NucleusId != "" && train.NucleusId != nucleus {
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
		if best != nil {
			return best, true
		}
	}
	return nil, false
}

func serviceInstanceId(train *materializer.ScheduledTrain) string {
	return fmt.Sprintf("%s:%s", train.ServiceDate, train.TripId)
}

// ArrivalTime is one entry of build_rt_arrival_times_from_vm's output.
type ArrivalTime struct {
	Epoch    int64 `json:"epoch"`
	DelayS   int   `json:"delay_s,omitempty"`
	DelayMin int   `json:"delay_min,omitempty"`
	HasDelay bool  `json:"-"`
}

// BuildRtArrivalTimesFromVM runs the downstream ETA fusion over the view
// model's stop list and returns the fused arrival per stop id.
func (c *Core) BuildRtArrivalTimesFromVM(vm *TrainDetailVM, now time.Time, downstreamTUOverride bool) map[string]ArrivalTime {
	if vm == nil || vm.Unified == nil {
		return nil
	}
	stops := make([]etafusion.StopSched, 0, len(vm.Unified.Stops))
	for _, row := range vm.Unified.Stops {
		stops = append(stops, etafusion.StopSched{
			StopId:       row.StopId,
			StopSequence: row.StopSequence,
			SchedArr:     row.SchedArrEpoch,
			HasSchedArr:  row.HasSchedArr,
			SchedDep:     row.SchedDepEpoch,
			HasSchedDep:  row.HasSchedDep,
		})
	}

	var tu *tripupdatecache.Item
	if vm.Scheduled != nil {
		tu, _ = c.TripUpdates.GetByTripId(vm.Scheduled.TripId)
	} else if vm.Train != nil && vm.Train.TripId != "" {
		tu, _ = c.TripUpdates.GetByTripId(vm.Train.TripId)
	}

	vehicle := etafusion.VehicleState{}
	if vm.Train != nil {
		vehicle.HasVehicle = true
		vehicle.StoppedAt = vm.Train.Status == "STOPPED_AT"
		vehicle.NextStopId = vm.Unified.NextStopId
		if vehicle.StoppedAt && vm.Unified.CurrentStopId != "" {
			vehicle.NextStopId = vm.Unified.CurrentStopId
		}
	}

	etas := etafusion.Compute(etafusion.Input{
		Stops:                stops,
		TU:                   tu,
		Vehicle:              vehicle,
		Now:                  now,
		DownstreamTUOverride: downstreamTUOverride,
	})

	out := make(map[string]ArrivalTime, len(etas))
	for _, eta := range etas {
		at := ArrivalTime{Epoch: eta.Epoch}
		if eta.HasDelay {
			at.DelayS = eta.DelaySeconds
			at.DelayMin = etakit.DelayMinutes(eta.DelaySeconds)
			at.HasDelay = true
		}
		out[eta.StopId] = at
	}
	return out
}
