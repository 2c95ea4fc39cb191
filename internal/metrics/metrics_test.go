package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/metrics"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
)

var _ scheduler.Observer = (*metrics.Registry)(nil)

func scrape(t *testing.T, r *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRegistry_Deliveries(t *testing.T) {
	r := metrics.New()
	r.ObserveDelivery("a", arrival.OutcomeOK, 20*time.Millisecond)
	r.ObserveDelivery("a", arrival.OutcomeOK, 0)
	r.ObserveDelivery("b", arrival.OutcomeMissed, 0)
	r.ObserveDelivery("b", arrival.OutcomeDone, 0)

	body := scrape(t, r)
	assert.Contains(t, body, `arrivals_deliveries_total{outcome="ok"} 2`)
	assert.Contains(t, body, `arrivals_deliveries_total{outcome="missed"} 1`)
	assert.Contains(t, body, `arrivals_deliveries_total{outcome="done"} 1`)
	assert.Contains(t, body, "arrivals_wait_seconds_count 2")
	assert.NotContains(t, body, `"a"`, "schedule names must not become labels")
}

func TestRegistry_Ungets(t *testing.T) {
	r := metrics.New()
	r.ObserveUnget("x", nil)
	r.ObserveUnget("x", errors.New("full"))
	r.ObserveUnget("x", nil)

	body := scrape(t, r)
	assert.Contains(t, body, `arrivals_ungets_total{result="ok"} 2`)
	assert.Contains(t, body, `arrivals_ungets_total{result="rejected"} 1`)
}

func TestRegistry_SchedulesGauge(t *testing.T) {
	r := metrics.New()
	n := 3
	r.TrackSchedules(func() int { return n })
	r.ScheduleCreated()

	body := scrape(t, r)
	assert.Contains(t, body, "arrivals_schedules 3")
	assert.Contains(t, body, "arrivals_schedules_created_total 1")

	n = 1
	assert.Contains(t, scrape(t, r), "arrivals_schedules 1")
}

func TestRegistry_HTTP(t *testing.T) {
	r := metrics.New()
	r.ObserveHTTP("GET", "/{schedule}/wait", 418, 5*time.Millisecond)
	r.ObserveHTTP("GET", "/{schedule}/wait", 418, 5*time.Millisecond)
	r.ObserveWebhook("failed")

	body := scrape(t, r)
	assert.Contains(t, body, `arrivals_http_requests_total{method="GET",route="/{schedule}/wait",status="418"} 2`)
	assert.Contains(t, body, `arrivals_webhook_posts_total{result="failed"} 1`)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "arrivals_http_request_duration_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.EqualValues(t, 2, mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found)
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.ScheduleCreated()
	assert.True(t, strings.Contains(scrape(t, a), "arrivals_schedules_created_total 1"))
	assert.True(t, strings.Contains(scrape(t, b), "arrivals_schedules_created_total 0"))
}
