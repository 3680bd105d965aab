package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/david/opportunity-validator/internal/models"
)

type fakeCompleter struct {
	resp   string
	err    error
	prompt string
}

func (f *fakeCompleter) GenerateCompletion(_ context.Context, prompt string, jsonMode bool) (string, error) {
	f.prompt = prompt
	if !jsonMode {
		return "", errors.New("expected json mode")
	}
	return f.resp, f.err
}

func TestDimensionScorer_ParsesAndClamps(t *testing.T) {
	fc := &fakeCompleter{resp: `{"market_demand": 80, "pain_intensity": 120, "monetization_potential": 78.456, "market_gap": -3, "technical_feasibility": 95, "simplicity": 10}`}
	scores, err := NewDimensionScorer(fc).Score(context.Background(), "Receipt scanner", []string{"Scan receipts"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := models.DimensionScores{
		models.DimensionMarketDemand:          80,
		models.DimensionPainIntensity:         100,
		models.DimensionMonetizationPotential: 78.46,
		models.DimensionMarketGap:             0,
		models.DimensionTechnicalFeasibility:  95,
	}
	if len(scores) != len(want) {
		t.Fatalf("expected %d scores, got %v", len(want), scores)
	}
	for d, v := range want {
		if scores[d] != v {
			t.Fatalf("%s: expected %v, got %v", d, v, scores[d])
		}
	}
	if !strings.Contains(fc.prompt, "Scan receipts") {
		t.Fatalf("prompt should carry the function list: %s", fc.prompt)
	}
}

func TestDimensionScorer_MissingDimension(t *testing.T) {
	fc := &fakeCompleter{resp: `{"market_demand": 80}`}
	if _, err := NewDimensionScorer(fc).Score(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for missing dimensions")
	}
}

func TestDimensionScorer_BadJSON(t *testing.T) {
	fc := &fakeCompleter{resp: "not json"}
	if _, err := NewDimensionScorer(fc).Score(context.Background(), "x", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOllamaClient_GenerateCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Format != "json" || req.Model != "test-model" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"ok":true}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", "test-model", 0, time.Second)
	out, err := c.GenerateCompletion(context.Background(), "hi", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("unexpected response %q", out)
	}
}

func TestOllamaClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "", "", 0, time.Second)
	if _, err := c.GenerateEmbedding(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestOllamaClient_RateLimitHonoursContext(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "", "", 0.001, time.Second)
	// consume the single burst token
	c.limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.GenerateCompletion(ctx, "x", false); err == nil {
		t.Fatal("expected rate limiter to give up on context deadline")
	}
}
