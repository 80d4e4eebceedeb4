package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsEngineEvents(t *testing.T) {
	c := NewCollector("humanfn", false)

	c.ExecutionCreated("approve")
	c.ExecutionCreated("approve")
	c.Transition("approve", humanfn.StatusCompleted)
	c.HookFailed("approve", "onComplete")
	c.RoutingFailed("slack")
	c.WakeupHandled(humanfn.WakeupTimeout, "timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsCreated.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("approve", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hookFailures.WithLabelValues("approve", "onComplete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routingFailures.WithLabelValues("slack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wakeups.WithLabelValues("timeout", "timeout")))
}

func TestCollectorObservesOperations(t *testing.T) {
	c := NewCollector("humanfn", false)
	c.ObserveOperation("respond", 20*time.Millisecond, nil)
	c.ObserveOperation("respond", 5*time.Millisecond, errors.New("boom"))
	c.RecordHTTPRequest("POST", "/v1/executions/{id}/respond", 200, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.operationDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/executions/{id}/respond", "200")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("humanfn", true)
	c.ExecutionCreated("approve")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `humanfn_executions_created_total{function="approve"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestSeparateCollectorsDoNotCollide(t *testing.T) {
	a := NewCollector("humanfn", false)
	b := NewCollector("humanfn", false)
	a.ExecutionCreated("x")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.executionsCreated.WithLabelValues("x")))
}
