package policy

import (
	"fmt"
	"time"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/provider"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
)

// HeuristicKind selects the wording and confidence of a synthesized
// prediction.
type HeuristicKind int

const (
	// HeuristicGeneral is the low-data heuristic.
	HeuristicGeneral HeuristicKind = iota
	// HeuristicGapWarning is the heuristic for a stale record set.
	HeuristicGapWarning
	// HeuristicUnrealistic is the fallback used when a generative backend
	// flagged the history as unrealistic.
	HeuristicUnrealistic
)

// ageBand holds the typical wake window and sleep duration for an age
// range. Bands are matched by the first maxMonths greater than or equal
// to the subject's age.
type ageBand struct {
	maxMonths     int
	wakeWindow    time.Duration
	sleepDuration time.Duration
}

var ageBands = []ageBand{
	{maxMonths: 3, wakeWindow: 75 * time.Minute, sleepDuration: 2 * time.Hour},
	{maxMonths: 6, wakeWindow: 2 * time.Hour, sleepDuration: 105 * time.Minute},
	{maxMonths: 12, wakeWindow: 3 * time.Hour, sleepDuration: 90 * time.Minute},
	{maxMonths: 24, wakeWindow: 4 * time.Hour, sleepDuration: 2 * time.Hour},
}

// the catch-all band for ages over 24 months
var olderBand = ageBand{wakeWindow: 330 * time.Minute, sleepDuration: 90 * time.Minute}

func bandFor(ageMonths float64) ageBand {
	bucket := session.AgeBucket(ageMonths)
	for _, b := range ageBands {
		if bucket <= b.maxMonths {
			return b
		}
	}
	return olderBand
}

// minLeadTime keeps a synthesized prediction from pointing into the past
// when the computed wake window has already elapsed.
const minLeadTime = 15 * time.Minute

// Heuristic synthesizes a deterministic prediction from the age-band
// table, now, and the last known end instant. No external calls.
func Heuristic(sessions []session.Session, ageMonths float64, now time.Time, kind HeuristicKind) provider.Prediction {
	band := bandFor(ageMonths)
	bucket := session.AgeBucket(ageMonths)

	var next time.Time
	last, ok := session.LastCompleted(sessions)
	if ok {
		next = last.EndTime.Add(band.wakeWindow)
	} else {
		next = now.Add(band.wakeWindow / 2)
	}
	if earliest := now.Add(minLeadTime); next.Before(earliest) {
		next = earliest
	}

	p := provider.Prediction{
		NextSleepTime:    next,
		TimeUntil:        provider.FormatDuration(next.Sub(now)),
		ExpectedDuration: provider.FormatDuration(band.sleepDuration),
		Provider:         provider.GeneralProvider,
	}

	window := provider.FormatDuration(band.wakeWindow)
	switch kind {
	case HeuristicGapWarning:
		p.Confidence = 0.6
		p.Summary = fmt.Sprintf("The last recorded sleep ended more than 5 hours ago, so recent naps may be missing. Based on typical patterns for a %d-month-old, the next sleep is expected soon.", bucket)
		p.Reasoning = fmt.Sprintf("A typical wake window at %d months is about %s, but the gap since the last recorded session suggests the log is incomplete. The estimate assumes the baby is due for sleep shortly.", bucket, window)
	case HeuristicUnrealistic:
		p.Confidence = 0.5
		p.Summary = fmt.Sprintf("The recorded history looks unusual for a %d-month-old, so this estimate falls back to typical age-based patterns.", bucket)
		p.Reasoning = fmt.Sprintf("The sleep history could not be reconciled with realistic patterns for this age, so the prediction uses the standard %s wake window for %d months instead of the recorded sessions.", window, bucket)
	default:
		p.Confidence = 0.7
		p.Summary = fmt.Sprintf("Based on typical sleep patterns for a %d-month-old, the next sleep is expected in about %s.", bucket, p.TimeUntil)
		p.Reasoning = fmt.Sprintf("With fewer than three recorded sessions there is not enough signal for a personalized prediction. A typical wake window at %d months is about %s after the last sleep.", bucket, window)
	}

	return p
}
