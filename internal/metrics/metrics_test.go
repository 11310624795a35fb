package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.ObserveSend("completed", 1.2)
	m.ObserveEvent("token")
	m.ObserveEvent("token")
	m.AddMalformed(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`streamchat_sends_total{outcome="completed"} 1`,
		`streamchat_stream_events_total{kind="token"} 2`,
		`streamchat_malformed_frames_total 3`,
		`streamchat_send_duration_seconds_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in metrics output:\n%s", want, out)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSend("failed", 1)
	m.ObserveEvent("token")
	m.AddMalformed(1)
}
