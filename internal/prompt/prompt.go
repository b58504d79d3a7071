// Package prompt builds the natural-language prompt sent to generative
// backends. The prompt embeds the sleep history in a compact tabular form
// and pins the reply to a JSON object with canonical field names, so the
// provider layer can parse it regardless of backend.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
)

// Input carries everything the prompt needs. Name and Kind describe the
// subject for prompt text only; both may be empty.
type Input struct {
	Sessions  []session.Session
	AgeMonths float64
	Name      string
	Kind      string
	Now       time.Time
}

// Build renders the full prompt text.
func Build(in Input) string {
	var sb strings.Builder

	subject := "the baby"
	if in.Name != "" {
		subject = in.Name
	}
	if in.Kind != "" {
		subject = fmt.Sprintf("%s (%s)", subject, in.Kind)
	}

	fmt.Fprintf(&sb, "You are a pediatric sleep assistant. Predict the next sleep period for %s, aged %d months.\n\n",
		subject, session.AgeBucket(in.AgeMonths))

	fmt.Fprintf(&sb, "Current time: %s\n\n", in.Now.UTC().Format(time.RFC3339))

	sb.WriteString("Recent sleep history (chronological):\n")
	sorted := make([]session.Session, len(in.Sessions))
	copy(sorted, in.Sessions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})
	for _, s := range sorted {
		sb.WriteString(formatSession(s))
	}
	if len(sorted) == 0 {
		sb.WriteString("- no sessions recorded\n")
	}

	sb.WriteString(`
First judge whether this history is realistic for the baby's age. Then respond with a single JSON object using exactly these fields:

{
  "nextBedtime": "<predicted start, RFC3339>",
  "expectedDuration": "<expected sleep length, e.g. \"1 hour 30 minutes\">",
  "reasoning": "<why, referencing the history>",
  "summary": "<one-sentence summary for a parent>",
  "confidence": <0.0-1.0>,
  "isHistoryRealistic": <true|false>
}

If the history looks impossible for this age, set isHistoryRealistic to false. If you cannot produce a prediction, respond with {"error": "<reason>"}. Do not add any text outside the JSON object.
`)

	return sb.String()
}

func formatSession(s session.Session) string {
	start := s.StartTime.UTC().Format(time.RFC3339)
	end := "still sleeping"
	if s.EndTime != nil {
		end = s.EndTime.UTC().Format(time.RFC3339)
	}
	line := fmt.Sprintf("- start %s, end %s", start, end)
	if m := s.Minutes(); m > 0 {
		line += fmt.Sprintf(", %d minutes", int(m))
	}
	if s.Quality != "" {
		line += fmt.Sprintf(", quality %s", s.Quality)
	}
	return line + "\n"
}
