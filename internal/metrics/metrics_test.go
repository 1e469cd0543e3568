package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
)

// value finds the sample of name whose labels include want.
func value(t *testing.T, c *Collector, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestRunEvents(t *testing.T) {
	t.Parallel()
	c := New(nil)
	info := runs.RunInfo{Session: runs.Session{ID: "r1", Source: runs.SourceSchedule}}
	c.Observe(eventbus.Event{Type: eventbus.RunStarted, Data: info})
	assert.Equal(t, 1.0, value(t, c, "selfsched_runs_active", nil))

	info.Result = &runs.Result{Err: errors.New("boom"), Duration: 2 * time.Second}
	c.Observe(eventbus.Event{Type: eventbus.RunFinished, Data: info})

	assert.Equal(t, 1.0, value(t, c, "selfsched_runs_started_total", map[string]string{"source": "schedule"}))
	assert.Equal(t, 1.0, value(t, c, "selfsched_runs_finished_total", map[string]string{"source": "schedule", "outcome": "error"}))
	assert.Equal(t, 1.0, value(t, c, "selfsched_run_duration_seconds", map[string]string{"source": "schedule"}))
	assert.Equal(t, 0.0, value(t, c, "selfsched_runs_active", nil))
}

func TestJobEvents(t *testing.T) {
	t.Parallel()
	n := 3
	c := New(func() int { return n })
	c.Observe(eventbus.Event{Type: eventbus.JobFired, Data: jobs.FireInfo{ScheduleID: 1, Outcome: jobs.OutcomeSkipped}})
	c.Observe(eventbus.Event{Type: eventbus.JobFired, Data: jobs.FireInfo{ScheduleID: 1, Outcome: jobs.OutcomeOK}})
	c.Observe(eventbus.Event{Type: eventbus.JobRetired, Data: int64(1)})
	c.ReloadSkipped()

	assert.Equal(t, 1.0, value(t, c, "selfsched_job_firings_total", map[string]string{"outcome": "skipped"}))
	assert.Equal(t, 1.0, value(t, c, "selfsched_job_firings_total", map[string]string{"outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, c, "selfsched_jobs_retired_total", nil))
	assert.Equal(t, 1.0, value(t, c, "selfsched_reload_skipped_rows_total", nil))
	assert.Equal(t, 3.0, value(t, c, "selfsched_jobs_registered", nil))
}

func TestHandlerServesText(t *testing.T) {
	t.Parallel()
	c := New(nil)
	c.ReloadSkipped()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "selfsched_reload_skipped_rows_total 1"))
}
