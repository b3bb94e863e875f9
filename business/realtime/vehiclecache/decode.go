package vehiclecache

import (
	"regexp"
	"time"

	realtime "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
)

// decodeFeed converts a FeedMessage's vehicle entities into Observations.
func decodeFeed(feed *realtime.FeedMessage, now time.Time) ([]*Observation, int64) {
	var headerTime int64
	if feed.Header != nil && feed.Header.Timestamp != nil {
		headerTime = int64(*feed.Header.Timestamp)
	}

	var observations []*Observation
	for _, entity := range feed.Entity {
		if entity.Vehicle == nil {
			continue
		}
		vehicle := entity.Vehicle

		var trainId string
		var label string
		if vehicle.Vehicle != nil {
			if vehicle.Vehicle.Id != nil {
				trainId = *vehicle.Vehicle.Id
			}
			if vehicle.Vehicle.Label != nil {
				label = *vehicle.Vehicle.Label
			}
		}
		if trainId == "" && entity.Id != nil {
			trainId = *entity.Id
		}
		if trainId == "" {
			continue
		}

		obs := &Observation{
			TrainId:       trainId,
			Label:         label,
			CurrentStatus: gtfsrt.VehicleStatusOf(vehicle.CurrentStatus),
			TsUnix:        now.Unix(),
		}

		if vehicle.Trip != nil {
			if vehicle.Trip.TripId != nil {
				obs.TripId = *vehicle.Trip.TripId
			}
			if vehicle.Trip.RouteId != nil {
				obs.RouteId = *vehicle.Trip.RouteId
			}
			if vehicle.Trip.DirectionId != nil {
				if *vehicle.Trip.DirectionId == 0 {
					obs.DirectionId = gtfs.Direction0
				} else {
					obs.DirectionId = gtfs.Direction1
				}
			}
		}

		if vehicle.Position != nil {
			if vehicle.Position.Latitude != nil {
				obs.Lat = float64(*vehicle.Position.Latitude)
				obs.HasLatLon = true
			}
			if vehicle.Position.Longitude != nil {
				obs.Lon = float64(*vehicle.Position.Longitude)
			}
			if vehicle.Position.Speed != nil {
				obs.SpeedKmh = float64(*vehicle.Position.Speed) * 3.6
				obs.HasSpeed = true
			}
			if vehicle.Position.Bearing != nil {
				obs.Bearing = float64(*vehicle.Position.Bearing)
			}
		}

		if vehicle.StopId != nil {
			obs.StopId = *vehicle.StopId
		}
		if vehicle.Timestamp != nil {
			obs.TsUnix = int64(*vehicle.Timestamp)
		}

		if platform := platformFromLabel(label); platform != "" && obs.StopId != "" {
			obs.PlatformByStop = map[string]string{obs.StopId: platform}
		}

		observations = append(observations, obs)
	}
	return observations, headerTime
}

var platformLabelToken = regexp.MustCompile(`(?i)PLATF\.\(([^)]+)\)`)

// platformFromLabel pulls the platform out of a "PLATF.(...)" label token,
// the only place the vehicle feed reports one.
func platformFromLabel(label string) string {
	m := platformLabelToken.FindStringSubmatch(label)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
