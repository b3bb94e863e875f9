package tripupdatecache

import (
	realtime "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/OpenTransitTools/transitcast/business/data/gtfs"
	"github.com/OpenTransitTools/transitcast/business/data/gtfsrt"
)

// decodeFeed converts a FeedMessage's trip-update entities into Items.
func decodeFeed(feed *realtime.FeedMessage) []*Item {
	var items []*Item
	for _, entity := range feed.Entity {
		if entity.TripUpdate == nil {
			continue
		}
		tu := entity.TripUpdate
		if tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}

		item := &Item{
			TripId:                   *tu.Trip.TripId,
			TripScheduleRelationship: gtfsrt.TripRelationshipOf(tu.Trip.ScheduleRelationship),
		}
		if tu.Trip.RouteId != nil {
			item.RouteId = *tu.Trip.RouteId
		}
		if tu.Trip.DirectionId != nil {
			if *tu.Trip.DirectionId == 0 {
				item.DirectionId = gtfs.Direction0
			} else {
				item.DirectionId = gtfs.Direction1
			}
		}
		if tu.Delay != nil {
			item.Delay = int(*tu.Delay)
			item.HasDelay = true
		}
		if tu.Timestamp != nil {
			item.Timestamp = int64(*tu.Timestamp)
		}

		for _, stu := range tu.StopTimeUpdate {
			su := StopTimeUpdate{
				ScheduleRelationship: gtfsrt.ScheduleRelationshipOf(stu.ScheduleRelationship),
			}
			if stu.StopId != nil {
				su.StopId = *stu.StopId
				su.HasStopId = true
			}
			if stu.StopSequence != nil {
				su.StopSequence = int(*stu.StopSequence)
				su.HasStopSequence = true
			}
			if stu.Arrival != nil {
				if stu.Arrival.Time != nil {
					su.ArrivalEpoch = *stu.Arrival.Time
					su.HasArrival = true
				}
				if stu.Arrival.Delay != nil {
					su.ArrivalDelay = int(*stu.Arrival.Delay)
					su.HasArrivalDelay = true
				}
			}
			if stu.Departure != nil {
				if stu.Departure.Time != nil {
					su.DepartureEpoch = *stu.Departure.Time
					su.HasDeparture = true
				}
				if stu.Departure.Delay != nil {
					su.DepartureDelay = int(*stu.Departure.Delay)
					su.HasDepartureDelay = true
				}
			}
			item.StopUpdates = append(item.StopUpdates, su)
		}

		items = append(items, item)
	}
	return items
}
