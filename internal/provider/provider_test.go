package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func openAIReply(t *testing.T, content string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

const goodPayload = `{"nextBedtime":"2025-06-01T13:00:00Z","expectedDuration":"1 hour 30 minutes","reasoning":"naps cluster around 1pm","confidence":0.9}`

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, openAIReply(t, "Here you go:\n"+goodPayload))
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	pred, err := p.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pred.Provider != "openai" || pred.Model != openAIDefaultModel {
		t.Errorf("provenance = %s/%s", pred.Provider, pred.Model)
	}
	if pred.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", pred.Confidence)
	}
	if pred.ExpectedDuration != "1 hour 30 minutes" {
		t.Errorf("ExpectedDuration = %q", pred.ExpectedDuration)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, openAIReply(t, goodPayload))
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Generate(context.Background(), "prompt"); err != nil {
		t.Fatalf("Generate after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestGenerateRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected failure after retries exhausted")
	}
	if got := calls.Load(); got != int32(maxRetries) {
		t.Errorf("backend called %d times, want %d", got, maxRetries)
	}
}

func TestRetryStopsOnCancellation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err = p.Generate(ctx, "prompt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// First attempt fires immediately; the 500ms backoff must be cut
	// short by cancellation before the second attempt.
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times after cancellation, want 1", got)
	}
}

func TestGenerateNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Generate(context.Background(), "prompt"); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1 (no retry on non-429)", got)
	}
}

func TestGenerateUnrealisticHistory(t *testing.T) {
	reply := `{"nextBedtime":"2025-06-01T13:00:00Z","expectedDuration":"1 hour","isHistoryRealistic":false}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, openAIReply(t, reply))
	}))
	defer srv.Close()

	p, err := New(KindOpenAI, Options{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Generate(context.Background(), "prompt")
	if !errors.Is(err, ErrUnrealisticHistory) {
		t.Fatalf("err = %v, want ErrUnrealisticHistory", err)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": goodPayload}},
		})
	}))
	defer srv.Close()

	p, err := New(KindAnthropic, Options{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	pred, err := p.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pred.Provider != "anthropic" {
		t.Errorf("Provider = %q", pred.Provider)
	}
}

func TestGeminiGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": goodPayload}}}},
			},
		})
	}))
	defer srv.Close()

	p, err := New(KindGemini, Options{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	pred, err := p.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pred.Provider != "gemini" {
		t.Errorf("Provider = %q", pred.Provider)
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New("cohere", Options{APIKey: "k"}); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}

func TestNewMissingKey(t *testing.T) {
	if _, err := New(KindOpenAI, Options{}); err == nil {
		t.Error("expected error for missing API key")
	}
}
