package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/metrics"
)

func TestNoop(t *testing.T) {
	var m metrics.Metrics = metrics.Noop{}

	m.IncEvents("conversation.message.inbound", "advanced")
	m.IncRunsStarted("Onboarding")
	m.IncRunsFinished("Onboarding", "completed")
	m.IncDispatches("webhook", "delivered")
	m.IncDeadLetters("webhook")
	m.ObserveAdvance("run.timer.fired", 0.1)
	m.ObserveRequest("GET", "/flows", "200", 0.01)
}

func TestProm(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewProm("nexia", reg)

	m.IncEvents("conversation.message.inbound", "advanced")
	m.IncEvents("conversation.message.inbound", "advanced")
	m.IncRunsStarted("Onboarding")
	m.IncRunsFinished("Onboarding", "failed")
	m.IncDispatches("webhook", "retryable")
	m.IncDeadLetters("webhook")
	m.ObserveAdvance("run.timer.fired", 0.2)
	m.ObserveRequest("POST", "/flows", "201", 0.02)

	count, err := testutil.GatherAndCount(reg,
		"nexia_engine_events_total",
		"nexia_runs_started_total",
		"nexia_runs_finished_total",
		"nexia_dispatches_total",
		"nexia_dead_letters_total",
		"nexia_engine_advance_duration_seconds",
		"nexia_http_requests_total",
		"nexia_http_request_duration_seconds",
	)
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	recorder := httptest.NewRecorder()
	metrics.HandlerFor(reg).ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nexia_engine_events_total{outcome="advanced",type="conversation.message.inbound"} 2`)
	assert.Contains(t, string(body), `nexia_runs_finished_total{graph="Onboarding",status="failed"} 1`)
}
