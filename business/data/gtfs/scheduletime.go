package gtfs

import "time"

// getDSTTransitionSeconds returns the offset in seconds between the zone at
// 12am and the zone at 5am on the same date, so a schedule second-of-day
// added to a 12am anchor lands on the correct absolute instant across a
// daylight-saving transition.
func getDSTTransitionSeconds(at12 time.Time) int {
	before := time.Date(at12.Year(), at12.Month(), at12.Day(), 0, 0, 0, 0, at12.Location())
	after := time.Date(at12.Year(), at12.Month(), at12.Day(), 5, 0, 0, 0, at12.Location())
	_, beforeOffset := before.Zone()
	_, afterOffset := after.Zone()
	return afterOffset - beforeOffset
}

// MakeScheduleTime derives an absolute time from a service date's 12am
// anchor plus a GTFS second-of-day offset, correcting for any DST
// transition between midnight and the target time.
func MakeScheduleTime(at12 time.Time, scheduleSeconds int) time.Time {
	offset := getDSTTransitionSeconds(at12)
	adjusted := scheduleSeconds - offset
	return at12.Add(time.Duration(adjusted) * time.Second)
}

// Get12AmTime truncates a time to midnight in its own location.
func Get12AmTime(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
}

// ServiceDateString formats a time as a GTFS service date (YYYYMMDD) in its
// own location.
func ServiceDateString(t time.Time) string {
	return t.Format("20060102")
}

// ParseServiceDate parses a YYYYMMDD service date in the given location.
func ParseServiceDate(serviceDate string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("20060102", serviceDate, loc)
}
