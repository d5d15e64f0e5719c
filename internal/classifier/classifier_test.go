package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAnalyze(t *testing.T) {
	t.Parallel()

	var got analyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"entity_type":"PERSON","start":0,"end":4,"score":0.85}]`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	entities, err := c.Analyze(context.Background(), "John works here", "en", 0.7)
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if got.Text != "John works here" || got.Language != "en" || got.ScoreThreshold != 0.7 {
		t.Errorf("request = %+v", got)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	if entities[0].EntityType != "PERSON" || entities[0].Start != 0 || entities[0].End != 4 {
		t.Errorf("entity = %+v", entities[0])
	}
}

func TestAnalyzeNonOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.Analyze(context.Background(), "text", "en", 0.5); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestAnalyzeBreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	for i := 0; i < 3; i++ {
		c.Analyze(context.Background(), "text", "en", 0.5)
	}

	_, err := c.Analyze(context.Background(), "text", "en", 0.5)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server saw %d calls, want 3", n)
	}
}

func TestAnalyzeUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, time.Second)
	_, err := c.Analyze(context.Background(), "text", "en", 0.5)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}
