package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActive is returned by SavePrediction when an active
// prediction already exists for the same (subject, fingerprint). The
// now-existing row is returned alongside it so a racing caller can use
// the result another request already cached.
var ErrDuplicateActive = errors.New("active prediction already exists for this context")

// Context is a persisted fingerprint over a session set plus derived
// aggregates. Immutable after creation.
type Context struct {
	ID                string
	SubjectID         string
	Fingerprint       string
	SessionIDs        []string // stored as a JSON array
	SessionCount      int
	AgeBucketMonths   int
	TotalSleepHours   float64
	AvgSessionMinutes float64
	CreatedAt         time.Time
}

// Prediction is a persisted prediction row. At most one active row exists
// per (subject, fingerprint); stale rows are deactivated, never deleted.
type Prediction struct {
	ID               string
	SubjectID        string
	ContextID        string
	Fingerprint      string
	NextSleepTime    time.Time
	TimeUntil        string
	ExpectedDuration string
	Confidence       float64
	Summary          string
	Reasoning        string
	Provider         string
	Model            string
	LatencyMs        int64
	IsActive         bool
	UsageCount       int
	LastServedAt     *time.Time
	Feedback         string
	CreatedAt        time.Time
}

// UsageEvent is one append-only record of a prediction being served.
type UsageEvent struct {
	ID           string
	PredictionID string
	FromCache    bool
	ServedAt     time.Time
}
