package session

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"
)

const openSentinel = "open"

// Fingerprint computes a stable, order-independent key for a session set
// plus the subject's age. Identical multisets of sessions yield identical
// output regardless of input order; any change to session membership, end
// instant, or duration changes the output. This is a deduplication key,
// not a security boundary, so a 64-bit FNV-1a hash is enough.
func Fingerprint(sessions []Session, ageMonths float64) string {
	sorted := make([]Session, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%d", AgeBucket(ageMonths), len(sorted))
	for _, s := range sorted {
		end := openSentinel
		if s.EndTime != nil {
			end = s.EndTime.UTC().Format(time.RFC3339)
		}
		duration := 0
		if s.Duration != nil {
			duration = *s.Duration
		}
		fmt.Fprintf(&sb, "|%s:%s:%d", s.ID, end, duration)
	}

	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// AgeBucket rounds an age in months to a whole-month bucket.
func AgeBucket(ageMonths float64) int {
	if ageMonths < 0 {
		return 0
	}
	return int(math.Round(ageMonths))
}

// Context is the metadata computed alongside a fingerprint: the exact
// session-id set it covers plus derived aggregates. Never mutated after
// creation.
type Context struct {
	Fingerprint       string
	SessionIDs        []string
	SessionCount      int
	AgeBucketMonths   int
	TotalSleepHours   float64
	AvgSessionMinutes float64
}

// BuildContext computes the fingerprint and aggregates for a session set.
func BuildContext(sessions []Session, ageMonths float64) Context {
	ids := make([]string, len(sessions))
	var totalMinutes float64
	completed := 0
	for i, s := range sessions {
		ids[i] = s.ID
		if m := s.Minutes(); m > 0 {
			totalMinutes += m
			completed++
		}
	}
	sort.Strings(ids)

	avg := 0.0
	if completed > 0 {
		avg = totalMinutes / float64(completed)
	}

	return Context{
		Fingerprint:       Fingerprint(sessions, ageMonths),
		SessionIDs:        ids,
		SessionCount:      len(sessions),
		AgeBucketMonths:   AgeBucket(ageMonths),
		TotalSleepHours:   math.Round(totalMinutes/60*100) / 100,
		AvgSessionMinutes: math.Round(avg*100) / 100,
	}
}
