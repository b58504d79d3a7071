package predictor

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
)

// Invalidator deactivates cached predictions whose context no longer
// reflects the latest session data.
type Invalidator struct {
	store Store
}

// NewInvalidator creates an Invalidator over the durable tier.
func NewInvalidator(store Store) *Invalidator {
	return &Invalidator{store: store}
}

// OnNewSession deactivates every active prediction for the subject whose
// context was computed without the given session. Predictions whose
// context already includes the session are left untouched. The
// deactivation commits before this returns, so any read that
// happens-after the session write observes no stale active predictions.
// Returns the number of predictions deactivated.
func (iv *Invalidator) OnNewSession(subjectID string, s session.Session) (int, error) {
	pairs, err := iv.store.ActivePredictionContexts(subjectID)
	if err != nil {
		return 0, fmt.Errorf("loading active predictions: %w", err)
	}

	var stale []string
	for _, pc := range pairs {
		if !slices.Contains(pc.SessionIDs, s.ID) {
			stale = append(stale, pc.PredictionID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := iv.store.DeactivatePredictions(stale); err != nil {
		return 0, fmt.Errorf("deactivating predictions: %w", err)
	}

	slog.Debug("invalidated stale predictions",
		"subject_id", subjectID, "session_id", s.ID, "count", len(stale))
	return len(stale), nil
}
