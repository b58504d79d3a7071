package provider

import (
	"fmt"
	"strings"
	"time"
)

// GeneralProvider is the provenance sentinel for heuristic predictions
// that never touched a generative backend.
const GeneralProvider = "general"

// Prediction is the canonical prediction value produced by either the
// heuristic path or a generative backend.
type Prediction struct {
	NextSleepTime    time.Time `json:"nextSleepTime"`
	TimeUntil        string    `json:"timeUntil"`
	ExpectedDuration string    `json:"expectedDuration"`
	Confidence       float64   `json:"confidence"`
	Summary          string    `json:"summary"`
	Reasoning        string    `json:"reasoning"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	LatencyMs        int64     `json:"latencyMs,omitempty"`
}

// FormatDuration renders a duration as "<N> hour(s) <M> minute(s)",
// omitting a zero hour or minute component. Durations under a minute
// render as "0 minutes".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Minute) / time.Minute)
	hours := total / 60
	minutes := total % 60

	var parts []string
	if hours == 1 {
		parts = append(parts, "1 hour")
	} else if hours > 1 {
		parts = append(parts, fmt.Sprintf("%d hours", hours))
	}
	if minutes == 1 {
		parts = append(parts, "1 minute")
	} else if minutes > 1 {
		parts = append(parts, fmt.Sprintf("%d minutes", minutes))
	}
	if len(parts) == 0 {
		return "0 minutes"
	}
	return strings.Join(parts, " ")
}
