package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/cache"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/predictor"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/provider"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/session"
	"github.com/AlexanderModestov/baby-sleep-prediction/internal/storage"
)

const testToken = "test-token-12345"

type stubProvider struct {
	calls    int32
	response provider.Prediction
	err      error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Generate(context.Context, string) (provider.Prediction, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.response, s.err
}

func stubPrediction() provider.Prediction {
	return provider.Prediction{
		NextSleepTime:    time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second),
		TimeUntil:        "2 hours",
		ExpectedDuration: "1 hour 30 minutes",
		Confidence:       0.85,
		Summary:          "nap around two",
		Reasoning:        "consistent afternoon pattern",
		Provider:         "stub",
		Model:            "stub-model",
	}
}

// freshSessions returns n completed sessions, the most recent ending an
// hour ago, so three or more of them select the generative path.
func freshSessions(n int) []session.Session {
	sessions := make([]session.Session, n)
	for i := range sessions {
		end := time.Now().UTC().Add(-time.Hour - time.Duration(n-1-i)*4*time.Hour).Truncate(time.Second)
		start := end.Add(-90 * time.Minute)
		e := end
		sessions[i] = session.Session{
			ID:        fmt.Sprintf("s%d", i+1),
			StartTime: start,
			EndTime:   &e,
			Quality:   "good",
		}
	}
	return sessions
}

func predictRequestFor(subjectID string, sessions []session.Session) predictor.Request {
	return predictor.Request{SubjectID: subjectID, AgeMonths: 6, Sessions: sessions}
}

func newTestDeps(t *testing.T, prov provider.Provider) Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := predictor.New(store, prov, cache.NewMemory(0))
	return Deps{
		Predictor:   p,
		Invalidator: predictor.NewInvalidator(store),
		Store:       store,
		Token:       testToken,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func predictBody(t *testing.T, subjectID string, age float64, sessions []session.Session) string {
	t.Helper()
	b, err := json.Marshal(PredictRequest{
		SubjectID:    subjectID,
		AgeInMonths:  age,
		Name:         "Mia",
		SleepHistory: sessions,
	})
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	return string(b)
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t, &stubProvider{response: stubPrediction()}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestPredict_GenerativeAndCached(t *testing.T) {
	stub := &stubProvider{response: stubPrediction()}
	h := NewHandler(newTestDeps(t, stub))

	body := predictBody(t, "subj-1", 6, freshSessions(3))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", body, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var first predictor.Result
	if err := json.NewDecoder(rr.Body).Decode(&first); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if first.Summary != "nap around two" {
		t.Errorf("summary = %q, want generated result", first.Summary)
	}
	if first.PredictionID == "" {
		t.Error("response missing predictionId")
	}
	if first.CacheHit {
		t.Error("first serve reported as cache hit")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", body, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("second status = %d, want %d", rr.Code, http.StatusOK)
	}

	var second predictor.Result
	if err := json.NewDecoder(rr.Body).Decode(&second); err != nil {
		t.Fatalf("decoding second response: %v", err)
	}
	if !second.CacheHit {
		t.Error("second serve missed the cache")
	}
	if got := atomic.LoadInt32(&stub.calls); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestPredict_SparseHistorySkipsBackend(t *testing.T) {
	stub := &stubProvider{err: errors.New("should not be called")}
	h := NewHandler(newTestDeps(t, stub))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", predictBody(t, "subj-1", 6, freshSessions(1)), ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp predictor.Result
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Provider != provider.GeneralProvider {
		t.Errorf("provider = %q, want %q", resp.Provider, provider.GeneralProvider)
	}
	if got := atomic.LoadInt32(&stub.calls); got != 0 {
		t.Errorf("backend calls = %d, want 0", got)
	}
}

func TestPredict_Validation(t *testing.T) {
	h := NewHandler(newTestDeps(t, &stubProvider{response: stubPrediction()}))

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"zero age", predictBody(t, "subj-1", 0, freshSessions(3))},
		{"absurd age", predictBody(t, "subj-1", 400, freshSessions(3))},
		{"missing session id", `{"ageInMonths":6,"sleepHistory":[{"startTime":"2025-06-01T10:00:00Z"}]}`},
		{"missing start time", `{"ageInMonths":6,"sleepHistory":[{"id":"s1"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", tc.body, ""))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestPredict_BackendFailure(t *testing.T) {
	stub := &stubProvider{err: errors.New("backend down")}
	h := NewHandler(newTestDeps(t, stub))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", predictBody(t, "subj-1", 6, freshSessions(3)), ""))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestRecordSession_InvalidatesStale(t *testing.T) {
	stub := &stubProvider{response: stubPrediction()}
	deps := newTestDeps(t, stub)
	h := NewHandler(deps)

	// Cache a prediction over s1..s3, then report s4.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", predictBody(t, "subj-1", 6, freshSessions(3)), ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("predict status = %d; body = %s", rr.Code, rr.Body.String())
	}

	newSession, _ := json.Marshal(freshSessions(4)[3])
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/subjects/subj-1/sessions", string(newSession), testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Status      string `json:"status"`
		Invalidated int    `json:"invalidated"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", resp.Invalidated)
	}
}

func TestRecordSession_RequiresAuth(t *testing.T) {
	h := NewHandler(newTestDeps(t, &stubProvider{response: stubPrediction()}))

	body := `{"id":"s1","startTime":"2025-06-01T10:00:00Z"}`

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/subjects/subj-1/sessions", body, ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/subjects/subj-1/sessions", body, "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestFeedback(t *testing.T) {
	stub := &stubProvider{response: stubPrediction()}
	deps := newTestDeps(t, stub)
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", predictBody(t, "subj-1", 6, freshSessions(3)), ""))
	var served predictor.Result
	if err := json.NewDecoder(rr.Body).Decode(&served); err != nil {
		t.Fatalf("decoding prediction: %v", err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predictions/"+served.PredictionID+"/feedback",
		`{"feedback":"slept right on time"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	row, err := deps.Store.GetPrediction(served.PredictionID)
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}
	if row.Feedback != "slept right on time" {
		t.Errorf("feedback = %q, want stored value", row.Feedback)
	}
}

func TestFeedback_UnknownPrediction(t *testing.T) {
	h := NewHandler(newTestDeps(t, &stubProvider{response: stubPrediction()}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predictions/no-such-id/feedback",
		`{"feedback":"late"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestListPredictions(t *testing.T) {
	stub := &stubProvider{response: stubPrediction()}
	h := NewHandler(newTestDeps(t, stub))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/predict", predictBody(t, "subj-1", 6, freshSessions(3)), ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("predict status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/predictions?subject=subj-1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var rows []predictionJSON
	if err := json.NewDecoder(rr.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1", len(rows))
	}
	if !rows[0].IsActive {
		t.Error("listed prediction is not active")
	}
	if rows[0].UsageCount != 1 {
		t.Errorf("usageCount = %d, want 1", rows[0].UsageCount)
	}
}

func TestListPredictions_RequiresSubject(t *testing.T) {
	h := NewHandler(newTestDeps(t, &stubProvider{response: stubPrediction()}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/predictions", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}
