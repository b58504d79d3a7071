package session

import (
	"time"
)

// Session is one time-bounded sleep record. Sessions are owned by the
// surrounding application; this service only reads them.
type Session struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// Duration is the session length in minutes, when the caller supplies it.
	Duration *int   `json:"duration,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

// Completed reports whether the session has an end instant.
func (s Session) Completed() bool {
	return s.EndTime != nil
}

// Minutes returns the session length in minutes, preferring the explicit
// duration over the start/end difference. Returns 0 for open sessions
// without a duration.
func (s Session) Minutes() float64 {
	if s.Duration != nil {
		return float64(*s.Duration)
	}
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime).Minutes()
	}
	return 0
}

// LastCompleted returns the session with the latest end instant, scanning
// the whole slice because sessions may arrive out of chronological order
// or still be open. ok is false when no session has ended.
func LastCompleted(sessions []Session) (Session, bool) {
	var last Session
	found := false
	for _, s := range sessions {
		if s.EndTime == nil {
			continue
		}
		if !found || s.EndTime.After(*last.EndTime) {
			last = s
			found = true
		}
	}
	return last, found
}
