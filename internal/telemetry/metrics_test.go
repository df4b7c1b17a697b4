package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentCountsStatusClass(t *testing.T) {
	h := Instrument("ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("ping", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("ping", "4xx")); got != before+1 {
		t.Fatalf("requests = %v, want %v", got, before+1)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	MessagesSent.WithLabelValues("standby").Inc()
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `ava_messages_sent_total{type="standby"}`) {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
