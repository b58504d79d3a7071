// Package api exposes the prediction engine over HTTP and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/predictor"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxAgeMonths bounds the accepted age; anything above it is a client
// mistake, not a baby.
const maxAgeMonths = 72

type Deps struct {
	Predictor   *predictor.Predictor
	Invalidator *predictor.Invalidator
	Store       *storage.Store
	Token       string
}

// NewHandler returns the HTTP API. Prediction is open so anonymous
// callers can be served through the ephemeral tier; the management
// endpoints that touch durable state require the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/v1/predict", handlePredict(deps))

	r.Group(func(gr chi.Router) {
		gr.Use(BearerAuth(deps.Token))
		gr.Post("/v1/subjects/{id}/sessions", handleRecordSession(deps))
		gr.Post("/v1/predictions/{id}/feedback", handleFeedback(deps))
		gr.Get("/v1/predictions", handleListPredictions(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// PredictRequest is the wire shape of a prediction request. Session
// history always travels with the request; the server keeps no session
// store of its own.
type PredictRequest struct {
	SubjectID    string            `json:"subjectId"`
	AgeInMonths  float64           `json:"ageInMonths"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	SleepHistory []session.Session `json:"sleepHistory"`
}

func handlePredict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.AgeInMonths <= 0 || req.AgeInMonths > maxAgeMonths {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ageInMonths must be between 0 and %d", maxAgeMonths)
			return
		}
		for i, s := range req.SleepHistory {
			if s.ID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "sleepHistory[%d] is missing an id", i)
				return
			}
			if s.StartTime.IsZero() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "sleepHistory[%d] is missing a start time", i)
				return
			}
		}

		result, err := deps.Predictor.Predict(r.Context(), predictor.Request{
			SubjectID: req.SubjectID,
			AgeMonths: req.AgeInMonths,
			Sessions:  req.SleepHistory,
			Name:      req.Name,
			Kind:      req.Kind,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "prediction failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handleRecordSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		subjectID := chi.URLParam(r, "id")

		var s session.Session
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if s.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "session id is required")
			return
		}
		if s.StartTime.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "session start time is required")
			return
		}

		invalidated, err := deps.Invalidator.OnNewSession(subjectID, s)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to invalidate predictions: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "recorded",
			"invalidated": invalidated,
		})
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")

		var req struct {
			Feedback string `json:"feedback"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Feedback == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "feedback is required")
			return
		}

		err := deps.Store.SetFeedback(id, req.Feedback)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "prediction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save feedback: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

// predictionJSON is the wire shape of a persisted prediction.
type predictionJSON struct {
	ID               string  `json:"id"`
	SubjectID        string  `json:"subjectId"`
	NextSleepTime    string  `json:"nextSleepTime"`
	TimeUntil        string  `json:"timeUntil"`
	ExpectedDuration string  `json:"expectedDuration"`
	Confidence       float64 `json:"confidence"`
	Summary          string  `json:"summary"`
	Reasoning        string  `json:"reasoning"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	IsActive         bool    `json:"isActive"`
	UsageCount       int     `json:"usageCount"`
	Feedback         string  `json:"feedback,omitempty"`
	CreatedAt        string  `json:"createdAt"`
}

func handleListPredictions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectID := r.URL.Query().Get("subject")
		if subjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject query parameter is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		rows, err := deps.Store.RecentPredictions(subjectID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list predictions: %v", err)
			return
		}

		results := make([]predictionJSON, len(rows))
		for i, p := range rows {
			results[i] = predictionJSON{
				ID:               p.ID,
				SubjectID:        p.SubjectID,
				NextSleepTime:    p.NextSleepTime.Format(time.RFC3339),
				TimeUntil:        p.TimeUntil,
				ExpectedDuration: p.ExpectedDuration,
				Confidence:       p.Confidence,
				Summary:          p.Summary,
				Reasoning:        p.Reasoning,
				Provider:         p.Provider,
				Model:            p.Model,
				IsActive:         p.IsActive,
				UsageCount:       p.UsageCount,
				Feedback:         p.Feedback,
				CreatedAt:        p.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
