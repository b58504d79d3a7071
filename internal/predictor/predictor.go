// Package predictor composes fingerprinting, the decision policy, the
// cache tiers, and the provider abstraction into one request/response
// cycle. The predictor holds no per-request state; all durable state
// lives in the store.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/cache"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/policy"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/prompt"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/provider"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/storage"
)

// Store is the durable cache tier consumed by the predictor.
type Store interface {
	GetOrCreateContext(c storage.Context) (storage.Context, error)
	ActivePrediction(subjectID, fingerprint string) (storage.Prediction, error)
	SavePrediction(p storage.Prediction) (storage.Prediction, error)
	RecordUsage(predictionID string, fromCache bool) error
	ActivePredictionContexts(subjectID string) ([]storage.PredictionContext, error)
	DeactivatePredictions(ids []string) error
}

// Request is one prediction request from the surrounding application.
type Request struct {
	// SubjectID is the durable subject identifier; empty for anonymous
	// callers, which are served through the ephemeral tier.
	SubjectID string
	AgeMonths float64
	Sessions  []session.Session
	// Name and Kind describe the subject for prompt text only.
	Name string
	Kind string
}

// Result is a served prediction plus serving metadata.
type Result struct {
	provider.Prediction
	// PredictionID is set when the result is backed by a durable row.
	PredictionID string `json:"predictionId,omitempty"`
	CacheHit     bool   `json:"cacheHit"`
}

// Predictor orchestrates one prediction cycle.
type Predictor struct {
	store    Store
	provider provider.Provider
	memory   *cache.Memory
	group    singleflight.Group
	now      func() time.Time
}

// New creates a Predictor. store may be nil when no durable tier is
// configured; memory may be nil to disable the ephemeral tier.
func New(store Store, prov provider.Provider, memory *cache.Memory) *Predictor {
	return &Predictor{
		store:    store,
		provider: prov,
		memory:   memory,
		now:      time.Now,
	}
}

// Predict runs the full cycle: fingerprint, cache lookup, decision,
// generation or heuristic synthesis, persistence, response. Cache
// persistence and usage tracking are optimizations: their failures are
// logged and the prediction is served anyway. Only generation failures
// (retries exhausted, unparsable payload, explicit backend error) are
// returned to the caller.
func (p *Predictor) Predict(ctx context.Context, req Request) (Result, error) {
	now := p.now()
	fingerprint := session.Fingerprint(req.Sessions, req.AgeMonths)
	decision := policy.Decide(req.Sessions, now)
	durable := req.SubjectID != "" && p.store != nil

	// The durable tier is consulted before spending a generative call.
	if durable && decision == policy.Generative {
		cached, err := p.store.ActivePrediction(req.SubjectID, fingerprint)
		if err == nil {
			p.trackUsage(cached.ID, true)
			return Result{Prediction: toValue(cached), PredictionID: cached.ID, CacheHit: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("durable cache lookup failed, continuing without cache",
				"subject_id", req.SubjectID, "error", err)
		}
	}

	switch decision {
	case policy.General:
		return p.serveHeuristic(req, fingerprint, now, policy.HeuristicGeneral), nil
	case policy.GeneralGapWarning:
		return p.serveHeuristic(req, fingerprint, now, policy.HeuristicGapWarning), nil
	}

	return p.serveGenerative(ctx, req, fingerprint, now, durable)
}

func (p *Predictor) serveGenerative(ctx context.Context, req Request, fingerprint string, now time.Time, durable bool) (Result, error) {
	var memKey cache.Key
	if !durable && p.memory != nil {
		memKey = p.memoryKey(req)
		if pred, ok := p.memory.Get(memKey); ok {
			return Result{Prediction: pred, CacheHit: true}, nil
		}
	}

	promptText := prompt.Build(prompt.Input{
		Sessions:  req.Sessions,
		AgeMonths: req.AgeMonths,
		Name:      req.Name,
		Kind:      req.Kind,
		Now:       now,
	})

	// Concurrent identical requests share one backend call.
	v, err, _ := p.group.Do(req.SubjectID+"|"+fingerprint, func() (any, error) {
		return p.provider.Generate(ctx, promptText)
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnrealisticHistory) {
			return p.serveHeuristic(req, fingerprint, now, policy.HeuristicUnrealistic), nil
		}
		return Result{}, fmt.Errorf("generating prediction: %w", err)
	}
	pred := v.(provider.Prediction)

	if durable {
		return p.persistDurable(req, fingerprint, pred), nil
	}

	if p.memory != nil {
		p.memory.Set(memKey, pred)
	}
	return Result{Prediction: pred}, nil
}

// serveHeuristic synthesizes a table-driven prediction. The result is
// persisted best-effort for durable subjects so downstream aggregation
// sees heuristic serves too, but persistence is never required to
// respond.
func (p *Predictor) serveHeuristic(req Request, fingerprint string, now time.Time, kind policy.HeuristicKind) Result {
	pred := policy.Heuristic(req.Sessions, req.AgeMonths, now, kind)
	if req.SubjectID == "" || p.store == nil {
		return Result{Prediction: pred}
	}
	return p.persistDurable(req, fingerprint, pred)
}

// persistDurable writes the context and prediction to the durable tier
// and records usage. A duplicate-insert race means another request
// already cached an equivalent result; that row is served instead. Store
// failures downgrade to an unpersisted response.
func (p *Predictor) persistDurable(req Request, fingerprint string, pred provider.Prediction) Result {
	meta := session.BuildContext(req.Sessions, req.AgeMonths)
	stored, err := p.store.GetOrCreateContext(storage.Context{
		SubjectID:         req.SubjectID,
		Fingerprint:       fingerprint,
		SessionIDs:        meta.SessionIDs,
		SessionCount:      meta.SessionCount,
		AgeBucketMonths:   meta.AgeBucketMonths,
		TotalSleepHours:   meta.TotalSleepHours,
		AvgSessionMinutes: meta.AvgSessionMinutes,
	})
	if err != nil {
		slog.Warn("persisting context failed, serving unpersisted prediction",
			"subject_id", req.SubjectID, "error", err)
		return Result{Prediction: pred}
	}

	row, err := p.store.SavePrediction(storage.Prediction{
		SubjectID:        req.SubjectID,
		ContextID:        stored.ID,
		Fingerprint:      fingerprint,
		NextSleepTime:    pred.NextSleepTime,
		TimeUntil:        pred.TimeUntil,
		ExpectedDuration: pred.ExpectedDuration,
		Confidence:       pred.Confidence,
		Summary:          pred.Summary,
		Reasoning:        pred.Reasoning,
		Provider:         pred.Provider,
		Model:            pred.Model,
		LatencyMs:        pred.LatencyMs,
	})
	fromCache := false
	if err != nil {
		if !errors.Is(err, storage.ErrDuplicateActive) {
			slog.Warn("persisting prediction failed, serving unpersisted prediction",
				"subject_id", req.SubjectID, "error", err)
			return Result{Prediction: pred}
		}
		// Another request won the insert race; serve its row.
		fromCache = true
	}

	p.trackUsage(row.ID, fromCache)
	return Result{Prediction: toValue(row), PredictionID: row.ID, CacheHit: fromCache}
}

// trackUsage is fire-and-log: usage tracking must never fail a serve.
func (p *Predictor) trackUsage(predictionID string, fromCache bool) {
	if err := p.store.RecordUsage(predictionID, fromCache); err != nil {
		slog.Warn("usage tracking failed", "prediction_id", predictionID, "error", err)
	}
}

func (p *Predictor) memoryKey(req Request) cache.Key {
	var lastSleep time.Time
	if last, ok := session.LastCompleted(req.Sessions); ok {
		lastSleep = *last.EndTime
	}
	descriptor := req.Name
	if req.Kind != "" {
		descriptor += "|" + req.Kind
	}
	return cache.NewKey(session.AgeBucket(req.AgeMonths), descriptor, len(req.Sessions), lastSleep)
}

func toValue(row storage.Prediction) provider.Prediction {
	return provider.Prediction{
		NextSleepTime:    row.NextSleepTime,
		TimeUntil:        row.TimeUntil,
		ExpectedDuration: row.ExpectedDuration,
		Confidence:       row.Confidence,
		Summary:          row.Summary,
		Reasoning:        row.Reasoning,
		Provider:         row.Provider,
		Model:            row.Model,
		LatencyMs:        row.LatencyMs,
	}
}
