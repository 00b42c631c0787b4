package cronsd

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/simpleframeworks/testc"
)

func TestMetricsHandler(test *testing.T) {
	t := testc.New(test)

	t.Given("metrics with one execution recorded")
	m := NewMetrics()
	m.Executions.WithLabelValues("report").Inc()
	m.Failures.WithLabelValues("report").Add(2)
	m.Duration.WithLabelValues("report").Observe(0.5)
	m.LockSkips.WithLabelValues("report").Inc()
	m.Running.Inc()

	t.When("the registry is scraped")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	t.NoError(err)

	t.Then("every collector is exposed with its job label")
	t.Equal(200, rec.Code)
	t.Contains(string(body), `job_executions_total{job_name="report"} 1`)
	t.Contains(string(body), `job_failures_total{job_name="report"} 2`)
	t.Contains(string(body), `job_duration_seconds_count{job_name="report"} 1`)
	t.Contains(string(body), `job_lock_skips_total{job_name="report"} 1`)
	t.Contains(string(body), `jobs_running 1`)

	t.Then("a second set of metrics does not share state")
	other := NewMetrics()
	t.Equal(float64(0), testutil.ToFloat64(other.Running))
	count, err := testutil.GatherAndCount(other.Registry())
	t.NoError(err)
	t.Equal(1, count)
}
