// Package etakit holds the two rounding rules used everywhere a delta in
// seconds is surfaced to a human: minutes displayed and minutes of delay.
// Centralized so the rounding rules live in exactly one place.
package etakit

import "math"

// MinutesDisplayed converts a delta in seconds to the whole minutes shown
// to the user: max(0, ceil(delta/60)).
func MinutesDisplayed(deltaSeconds int) int {
	if deltaSeconds <= 0 {
		return 0
	}
	return int(math.Ceil(float64(deltaSeconds) / 60.0))
}

// DelayMinutes converts a delay in seconds to signed whole minutes:
// sign(delta) * floor(|delta|/60).
func DelayMinutes(deltaSeconds int) int {
	if deltaSeconds == 0 {
		return 0
	}
	sign := 1
	abs := deltaSeconds
	if deltaSeconds < 0 {
		sign = -1
		abs = -deltaSeconds
	}
	return sign * (abs / 60)
}

const MinHeadwaySeconds = 5
