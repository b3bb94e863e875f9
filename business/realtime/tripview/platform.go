package tripview

import (
	"fmt"
	"math"
)

const ambiguousGapPct = 0.15
const ambiguousConfidenceCeiling = 0.6

// selectPlatforms fills each row's platform: a live vehicle report wins
// outright, otherwise a publishable habitual prediction is used. When the
// prediction is too close to call, only the combined alt label is exposed
// and no single platform is published.
func selectPlatforms(rows []*StopRow, in Input) {
	nucleus := in.NucleusId
	routeId := in.RouteId
	if in.Train != nil {
		nucleus = in.Train.NucleusId
		routeId = in.Train.RouteId
	}

	for _, row := range rows {
		if in.Obs != nil && in.Obs.PlatformByStop != nil {
			if p, ok := in.Obs.PlatformByStop[row.StopId]; ok && p != "" {
				row.Platform, row.HasPlatform = p, true
				continue
			}
		}
		if in.Habits == nil {
			continue
		}
		pred := in.Habits.HabitualFor(nucleus, routeId, row.StopId, in.Now)
		if !pred.Publishable || !pred.HasPrimary {
			continue
		}

		if pred.HasSecondary && pred.Confidence < ambiguousConfidenceCeiling {
			gap := math.Abs(pred.AllFreqs[pred.Primary] - pred.AllFreqs[pred.Secondary])
			if gap <= ambiguousGapPct {
				row.PlatformAlt = fmt.Sprintf("%s ó %s", pred.Primary, pred.Secondary)
				row.HasPlatformAlt = true
				continue
			}
		}
		row.Platform, row.HasPlatform = pred.Primary, true
	}
}
