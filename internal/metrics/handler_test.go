package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRegistration(OutcomeSuccess, 10*time.Millisecond)
	c.SetSubscribers(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"eventman_registrations_total", "eventman_websocket_subscribers"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("response should contain %s", name)
		}
	}
}

func TestHandler_NegotiatesOpenMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg).RecordPublishFailure()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	w := httptest.NewRecorder()

	Handler(reg).ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/openmetrics-text") {
		t.Errorf("Content-Type = %q, want openmetrics", ct)
	}
	if !strings.HasSuffix(strings.TrimSpace(w.Body.String()), "# EOF") {
		t.Error("OpenMetrics output should end with # EOF")
	}
}
