package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// payload is the structured block embedded in a backend reply. Backends
// wrap it in prose, markdown fences, or extra keys; only the canonical
// fields below are read.
type payload struct {
	NextBedtime        string       `json:"nextBedtime"`
	ExpectedDuration   flexDuration `json:"expectedDuration"`
	TimeUntil          string       `json:"timeUntil"`
	Reasoning          string       `json:"reasoning"`
	Summary            string       `json:"summary"`
	Confidence         float64      `json:"confidence"`
	IsHistoryRealistic *bool        `json:"isHistoryRealistic"`
	Error              string       `json:"error"`
}

// flexDuration accepts either a human-readable string or a bare number
// of minutes, normalizing both to the canonical duration format.
type flexDuration string

func (f *flexDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexDuration(s)
		return nil
	}

	var minutes float64
	if err := json.Unmarshal(data, &minutes); err != nil {
		return fmt.Errorf("expectedDuration is neither string nor number: %s", data)
	}
	*f = flexDuration(FormatDuration(time.Duration(minutes) * time.Minute))
	return nil
}

// extractPayload finds the first well-formed JSON object in the reply
// text, tolerant of surrounding prose. Braces inside JSON strings are
// skipped.
func extractPayload(text string) (payload, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text, start); end > start {
			var p payload
			if err := json.Unmarshal([]byte(text[start:end+1]), &p); err == nil {
				return p, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return payload{}, fmt.Errorf("no well-formed JSON object in response")
}

// matchBrace returns the index of the brace closing the object opened at
// start, or -1 if the object never closes.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// bedtime layouts accepted from backends, tried in order.
var bedtimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseBedtime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range bedtimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable nextBedtime %q", value)
}

// defaultConfidence is used when the backend omits a confidence value.
const defaultConfidence = 0.8

// normalize converts a raw payload into a canonical Prediction. The
// time-until string is always recomputed locally from now; backend
// arithmetic is never trusted. Sentinel shapes (explicit error field,
// unrealistic-history flag) surface as errors before any field mapping.
func normalize(p payload, now time.Time) (Prediction, error) {
	if p.Error != "" {
		return Prediction{}, fmt.Errorf("backend returned error: %s", p.Error)
	}
	if p.IsHistoryRealistic != nil && !*p.IsHistoryRealistic {
		return Prediction{}, ErrUnrealisticHistory
	}

	if p.NextBedtime == "" {
		return Prediction{}, fmt.Errorf("response payload missing nextBedtime")
	}
	next, err := parseBedtime(p.NextBedtime)
	if err != nil {
		return Prediction{}, err
	}
	if string(p.ExpectedDuration) == "" {
		return Prediction{}, fmt.Errorf("response payload missing expectedDuration")
	}

	confidence := p.Confidence
	if confidence <= 0 {
		confidence = defaultConfidence
	}
	if confidence > 1 {
		confidence = 1
	}

	summary := p.Summary
	if summary == "" {
		summary = p.Reasoning
	}

	return Prediction{
		NextSleepTime:    next,
		TimeUntil:        FormatDuration(next.Sub(now)),
		ExpectedDuration: string(p.ExpectedDuration),
		Confidence:       confidence,
		Summary:          summary,
		Reasoning:        p.Reasoning,
	}, nil
}

// finish parses and normalizes the backend reply text and stamps
// provenance onto the result.
func finish(text, name, model string, start time.Time) (Prediction, error) {
	p, err := extractPayload(text)
	if err != nil {
		return Prediction{}, fmt.Errorf("%s: %w", name, err)
	}

	pred, err := normalize(p, time.Now())
	if err != nil {
		if errors.Is(err, ErrUnrealisticHistory) {
			return Prediction{}, err
		}
		return Prediction{}, fmt.Errorf("%s: %w", name, err)
	}

	pred.Provider = name
	pred.Model = model
	pred.LatencyMs = time.Since(start).Milliseconds()
	return pred, nil
}
