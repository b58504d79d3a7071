package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const predictionColumns = `id, subject_id, context_id, fingerprint, next_sleep_at, time_until, expected_duration,
	confidence, summary, reasoning, provider, model, latency_ms, is_active, usage_count, last_served_at, feedback, created_at`

// SavePrediction inserts a new active prediction. The partial unique
// index on (subject_id, fingerprint) WHERE is_active enforces the
// at-most-one-active invariant at the storage layer; when a concurrent
// request already cached a result for the same pairing, the existing
// active row is returned together with ErrDuplicateActive instead of a
// second insert.
func (s *Store) SavePrediction(p Prediction) (Prediction, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.IsActive = true

	_, err := s.db.Exec(`
		INSERT INTO predictions (id, subject_id, context_id, fingerprint, next_sleep_at, time_until, expected_duration,
			confidence, summary, reasoning, provider, model, latency_ms, is_active, usage_count, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, '', ?)`,
		p.ID, p.SubjectID, p.ContextID, p.Fingerprint,
		p.NextSleepTime.UTC().Format(time.RFC3339), p.TimeUntil, p.ExpectedDuration,
		p.Confidence, p.Summary, p.Reasoning, p.Provider, p.Model, p.LatencyMs,
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, readErr := s.ActivePrediction(p.SubjectID, p.Fingerprint)
			if readErr != nil {
				return Prediction{}, fmt.Errorf("re-reading after duplicate insert: %w", readErr)
			}
			return existing, ErrDuplicateActive
		}
		return Prediction{}, fmt.Errorf("inserting prediction: %w", err)
	}

	p.UsageCount = 0
	p.Feedback = ""
	return p, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ActivePrediction returns the single active prediction for the exact
// (subject, fingerprint) pairing, or ErrNotFound.
func (s *Store) ActivePrediction(subjectID, fingerprint string) (Prediction, error) {
	row := s.db.QueryRow(`
		SELECT `+predictionColumns+`
		FROM predictions WHERE subject_id = ? AND fingerprint = ? AND is_active = 1`,
		subjectID, fingerprint,
	)
	return scanPrediction(row)
}

// GetPrediction returns a prediction by id regardless of active state.
func (s *Store) GetPrediction(id string) (Prediction, error) {
	row := s.db.QueryRow(`SELECT `+predictionColumns+` FROM predictions WHERE id = ?`, id)
	return scanPrediction(row)
}

// RecentPredictions lists a subject's predictions, newest first.
func (s *Store) RecentPredictions(subjectID string, limit int) ([]Prediction, error) {
	rows, err := s.db.Query(`
		SELECT `+predictionColumns+`
		FROM predictions WHERE subject_id = ? ORDER BY created_at DESC LIMIT ?`,
		subjectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// PredictionContext pairs an active prediction with the session-id set
// its context was computed from, for the invalidation scan.
type PredictionContext struct {
	PredictionID string
	SessionIDs   []string
}

// ActivePredictionContexts returns every active prediction for a subject
// together with its context's session ids.
func (s *Store) ActivePredictionContexts(subjectID string) ([]PredictionContext, error) {
	rows, err := s.db.Query(`
		SELECT p.id, c.session_ids
		FROM predictions p JOIN contexts c ON p.context_id = c.id
		WHERE p.subject_id = ? AND p.is_active = 1`,
		subjectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PredictionContext
	for rows.Next() {
		var pc PredictionContext
		var ids string
		if err := rows.Scan(&pc.PredictionID, &ids); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &pc.SessionIDs); err != nil {
			return nil, fmt.Errorf("parsing session ids: %w", err)
		}
		results = append(results, pc)
	}
	return results, rows.Err()
}

// DeactivatePredictions flips the active flag on the given predictions in
// one transaction, so a reader after the commit can never observe a
// partially invalidated set for the subject.
func (s *Store) DeactivatePredictions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning deactivate transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE predictions SET is_active = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deactivating prediction %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// RecordUsage increments the usage counter, updates the last-served
// timestamp, and appends a usage event, all in one transaction.
func (s *Store) RecordUsage(predictionID string, fromCache bool) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning usage transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE predictions SET usage_count = usage_count + 1, last_served_at = ? WHERE id = ?`,
		now, predictionID)
	if err != nil {
		return fmt.Errorf("incrementing usage count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	cached := 0
	if fromCache {
		cached = 1
	}
	if _, err := tx.Exec(`INSERT INTO usage_events (id, prediction_id, from_cache, served_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), predictionID, cached, now); err != nil {
		return fmt.Errorf("appending usage event: %w", err)
	}

	return tx.Commit()
}

// SetFeedback stores end-user feedback on a prediction.
func (s *Store) SetFeedback(predictionID, feedback string) error {
	res, err := s.db.Exec(`UPDATE predictions SET feedback = ? WHERE id = ?`, feedback, predictionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UsageEvents returns the append-only serve log for a prediction, oldest
// first.
func (s *Store) UsageEvents(predictionID string) ([]UsageEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, prediction_id, from_cache, served_at
		FROM usage_events WHERE prediction_id = ? ORDER BY served_at ASC`,
		predictionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UsageEvent
	for rows.Next() {
		var e UsageEvent
		var cached int
		var servedAt string
		if err := rows.Scan(&e.ID, &e.PredictionID, &cached, &servedAt); err != nil {
			return nil, err
		}
		e.FromCache = cached == 1
		t, err := time.Parse(time.RFC3339, servedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing served_at: %w", err)
		}
		e.ServedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row scanner) (Prediction, error) {
	var p Prediction
	var nextSleepAt, createdAt string
	var lastServedAt sql.NullString
	var active int
	err := row.Scan(&p.ID, &p.SubjectID, &p.ContextID, &p.Fingerprint,
		&nextSleepAt, &p.TimeUntil, &p.ExpectedDuration,
		&p.Confidence, &p.Summary, &p.Reasoning, &p.Provider, &p.Model, &p.LatencyMs,
		&active, &p.UsageCount, &lastServedAt, &p.Feedback, &createdAt)
	if err == sql.ErrNoRows {
		return Prediction{}, ErrNotFound
	}
	if err != nil {
		return Prediction{}, err
	}

	p.IsActive = active == 1
	if p.NextSleepTime, err = time.Parse(time.RFC3339, nextSleepAt); err != nil {
		return Prediction{}, fmt.Errorf("parsing next_sleep_at: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Prediction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastServedAt.Valid {
		t, err := time.Parse(time.RFC3339, lastServedAt.String)
		if err != nil {
			return Prediction{}, fmt.Errorf("parsing last_served_at: %w", err)
		}
		p.LastServedAt = &t
	}
	return p, nil
}
