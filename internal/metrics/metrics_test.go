package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBroker struct {
	subs    int
	dropped uint64
}

func (f *fakeBroker) Subscribers() int { return f.subs }
func (f *fakeBroker) Dropped() uint64  { return f.dropped }

func TestObserveMessage(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveMessage("block", []string{"credit_card", "sin", "sin"}, 10*time.Millisecond)
	m.ObserveMessage("allow", nil, time.Millisecond)

	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues("block")); got != 1 {
		t.Errorf("block messages = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DetectionsTotal.WithLabelValues("sin")); got != 2 {
		t.Errorf("sin detections = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.ProcessingSeconds); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestObserveForwardAndSessions(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveForward(true)
	m.ObserveForward(false)
	m.ObserveForward(false)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.AuthFailed()
	m.ObserveError(time.Millisecond)

	if got := testutil.ToFloat64(m.ForwardTotal.WithLabelValues("failure")); got != 2 {
		t.Errorf("forward failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connections); got != 2 {
		t.Errorf("connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PipelineErrors); got != 1 {
		t.Errorf("pipeline errors = %v, want 1", got)
	}
}

func TestHandlerExposesBroker(t *testing.T) {
	t.Parallel()

	m := New()
	m.WatchBroker(&fakeBroker{subs: 3, dropped: 7})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"mailguard_event_subscribers 3", "mailguard_events_dropped_total 7"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveMessage("allow", nil, 0)
	m.ObserveForward(true)
	m.SessionStarted()
	m.SessionEnded()
	m.AuthFailed()
	m.ObserveError(0)
	m.WatchBroker(&fakeBroker{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
