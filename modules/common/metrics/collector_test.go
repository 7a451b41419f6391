package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestCollector_RecordGeneration(t *testing.T) {
	c := newTestCollector(t)

	c.RecordGeneration("front", "success", 2*time.Second)
	c.RecordGeneration("front", "success", time.Second)
	c.RecordGeneration("left", "no_image", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.generationsTotal.WithLabelValues("front", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generationsTotal.WithLabelValues("left", "no_image")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.generationDuration))
}

func TestCollector_BatchCounters(t *testing.T) {
	c := newTestCollector(t)

	c.RecordBatchStarted(8)
	c.RecordRetry()
	c.RecordRetry()
	c.RecordStaleCompletion()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchesStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.staleCompletions))
}

func TestCollector_Gauges(t *testing.T) {
	c := newTestCollector(t)

	c.SetActiveSessions(3)
	c.AddConnectedClients(2)
	c.AddConnectedClients(-1)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectedClients))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/health", 200, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordGeneration("front", "success", time.Second)
		c.RecordBatchStarted(1)
		c.RecordRetry()
		c.RecordStaleCompletion()
		c.SetActiveSessions(1)
		c.AddConnectedClients(1)
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}
