package fusionsvc

import (
	"sort"
	"time"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/etakit"
	"github.com/OpenTransitTools/transitcast/business/realtime/matcher"
	"github.com/OpenTransitTools/transitcast/business/realtime/vehiclecache"
)

// PredictionStatus tells whether a nearest-prediction row is backed by
// realtime data or by the static schedule only.
type PredictionStatus string

const (
	PredictionRealtime  PredictionStatus = "realtime"
	PredictionScheduled PredictionStatus = "scheduled"
)

// NearestPrediction is one row of the next-services-at-a-stop answer.
type NearestPrediction struct {
	Status            PredictionStatus   `json:"status"`
	Epoch             int64              `json:"epoch"`
	HHMM              string             `json:"hhmm"`
	EtaSeconds        int64              `json:"eta_seconds"`
	EtaMinutes        int                `json:"eta_minutes"`
	DelaySeconds      int                `json:"delay_seconds,omitempty"`
	HasDelay          bool               `json:"-"`
	Confidence        matcher.Confidence `json:"confidence"`
	Source            string             `json:"source"`
	TripId            string             `json:"trip_id,omitempty"`
	ServiceInstanceId string             `json:"service_instance_id,omitempty"`
	TrainId           string             `json:"train_id,omitempty"`
	TrainNumber       string             `json:"train_number,omitempty"`
	Headsign          string             `json:"headsign,omitempty"`
	RouteId           string             `json:"route_id,omitempty"`
	DirectionId       string             `json:"direction_id,omitempty"`
}

// NearestPredictionForStop returns the next services calling at stopId,
// fusing trip-update corrections over the scheduled calls. Rows are ordered
// by fused epoch, limited to limit.
func (c *Core) NearestPredictionForStop(routeId string, direction gtfs.Direction, stopId string, limit int, allowNextDay bool, now time.Time) ([]NearestPrediction, error) {
	serviceDate := gtfs.ServiceDateString(now.In(c.Loc))
	calls, err := c.Trains.ForStopAfter(stopId, serviceDate, now.Unix(), 0, routeId, direction, allowNextDay)
	if err != nil {
		return nil, err
	}

	out := make([]NearestPrediction, 0, len(calls))
	for _, sc := range calls {
		train := sc.Train
		schedEpoch := sc.Call.ArrivalEpoch
		if schedEpoch == 0 {
			schedEpoch = sc.Call.DepartureEpoch
		}

		p := NearestPrediction{
			Status:            PredictionScheduled,
			Epoch:             schedEpoch,
			Confidence:        matcher.ConfidenceLow,
			Source:            "schedule",
			TripId:            train.TripId,
			ServiceInstanceId: serviceInstanceId(train),
			TrainNumber:       train.TrainNumber,
			Headsign:          train.Headsign,
			RouteId:           train.RouteId,
			DirectionId:       string(train.DirectionId),
		}
		if train.TripId != "" {
			p.Confidence = matcher.ConfidenceMed
		}

		if tu, ok := c.TripUpdates.GetByTripId(train.TripId); ok {
			if eta, ok := c.TripUpdates.EtaForTripToStop(train.TripId, sc.Call.StopId, now); ok {
				p.Status = PredictionRealtime
				p.Epoch = eta
				p.DelaySeconds = int(eta - schedEpoch)
				p.HasDelay = true
				p.Confidence = matcher.ConfidenceHigh
				p.Source = "trip_update"
			} else if delay, ok := tu.DelaySeconds(); ok {
				p.Status = PredictionRealtime
				p.Epoch = schedEpoch + int64(delay)
				p.DelaySeconds = delay
				p.HasDelay = true
				p.Confidence = matcher.ConfidenceHigh
				p.Source = "trip_update"
			}
		}
		if obs, ok := c.observationForTrip(train.TripId, now); ok {
			p.TrainId = obs.TrainId
			if p.Status == PredictionScheduled {
				p.Status = PredictionRealtime
				p.Source = "vehicle"
				p.Confidence = matcher.ConfidenceMed
			}
		}

		if p.Epoch < now.Unix() {
			continue
		}
		p.HHMM = time.Unix(p.Epoch, 0).In(c.Loc).Format("15:04")
		p.EtaSeconds = p.Epoch - now.Unix()
		p.EtaMinutes = etakit.MinutesDisplayed(int(p.EtaSeconds))
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Core) observationForTrip(tripId string, now time.Time) (*vehiclecache.Observation, bool) {
	if tripId == "" {
		return nil, false
	}
	for _, obs := range c.Vehicles.ListSorted() {
		if obs.TripId == tripId && obs.Fresh(now) {
			return obs, true
		}
	}
	return nil, false
}
