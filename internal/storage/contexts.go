package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateContext inserts the context if no row exists for its
// (subject, fingerprint) pairing, then returns the stored row. The
// insert-if-absent is atomic (ON CONFLICT DO NOTHING), so two requests
// computing the same new context concurrently converge on one row.
func (s *Store) GetOrCreateContext(c Context) (Context, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	ids, err := json.Marshal(c.SessionIDs)
	if err != nil {
		return Context{}, fmt.Errorf("marshaling session ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO contexts (id, subject_id, fingerprint, session_ids, session_count, age_bucket_months, total_sleep_hours, avg_session_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, fingerprint) DO NOTHING`,
		c.ID, c.SubjectID, c.Fingerprint, string(ids), c.SessionCount,
		c.AgeBucketMonths, c.TotalSleepHours, c.AvgSessionMinutes,
		c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Context{}, fmt.Errorf("inserting context: %w", err)
	}

	return s.getContext(c.SubjectID, c.Fingerprint)
}

func (s *Store) getContext(subjectID, fingerprint string) (Context, error) {
	var c Context
	var ids, createdAt string
	err := s.db.QueryRow(`
		SELECT id, subject_id, fingerprint, session_ids, session_count, age_bucket_months, total_sleep_hours, avg_session_minutes, created_at
		FROM contexts WHERE subject_id = ? AND fingerprint = ?`,
		subjectID, fingerprint,
	).Scan(&c.ID, &c.SubjectID, &c.Fingerprint, &ids, &c.SessionCount,
		&c.AgeBucketMonths, &c.TotalSleepHours, &c.AvgSessionMinutes, &createdAt)
	if err == sql.ErrNoRows {
		return Context{}, ErrNotFound
	}
	if err != nil {
		return Context{}, err
	}

	if err := json.Unmarshal([]byte(ids), &c.SessionIDs); err != nil {
		return Context{}, fmt.Errorf("parsing session ids: %w", err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Context{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}
