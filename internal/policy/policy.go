package policy

import (
	"time"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
)

// Decision is the outcome of the tiered routing policy: either a
// deterministic table-driven prediction or a generative backend call.
type Decision int

const (
	// General routes to the heuristic path: too few sessions to justify
	// a generative call.
	General Decision = iota
	// GeneralGapWarning routes to the heuristic path with a warning: the
	// record set looks incomplete because the last completed session
	// ended too long ago.
	GeneralGapWarning
	// Generative routes to an LLM backend.
	Generative
)

func (d Decision) String() string {
	switch d {
	case General:
		return "general"
	case GeneralGapWarning:
		return "general_gap_warning"
	case Generative:
		return "generative"
	}
	return "unknown"
}

const (
	// minSessionsForGeneration is the minimum history size before a
	// generative call is warranted.
	minSessionsForGeneration = 3

	// staleGap is the silent-gap threshold. A last end instant exactly
	// this far before now still counts as stale (inclusive boundary).
	staleGap = 5 * time.Hour
)

// Decide routes a request between the heuristic and generative paths.
// The most recently completed session is found by end instant, not array
// order; sessions may arrive unordered or still open.
func Decide(sessions []session.Session, now time.Time) Decision {
	if len(sessions) < minSessionsForGeneration {
		return General
	}

	last, ok := session.LastCompleted(sessions)
	if !ok {
		// Enough sessions but none has ended: no recency signal to
		// justify spending a generative call.
		return General
	}

	if now.Sub(*last.EndTime) >= staleGap {
		return GeneralGapWarning
	}

	return Generative
}
