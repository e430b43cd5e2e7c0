package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTrackerNeedsFullSecond(t *testing.T) {
	rt := NewRateTracker()
	rt.Increment()
	assert.Zero(t, rt.GetRate())
}

func TestRateTracker(t *testing.T) {
	rt := NewRateTracker()
	rt.lastUpdated = time.Now().Add(-2 * time.Second)

	for i := 0; i < 10; i++ {
		rt.Increment()
	}

	assert.InDelta(t, 5.0, rt.GetRate(), 1.0)
}

func TestQuoteUpdatesPerSecond(t *testing.T) {
	TrackQuoteUpdate("RELIANCE")
	rate := GetQuoteUpdatesPerSecond()
	assert.GreaterOrEqual(t, rate, 0.0)
}

func TestTrackLatency(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_latency_ms",
		Buckets: []float64{1, 10, 100, 1000},
	})

	TrackLatency(time.Now().Add(-50*time.Millisecond), hist)

	m := &dto.Metric{}
	require.NoError(t, hist.Write(m))
	assert.Equal(t, uint64(1), m.Histogram.GetSampleCount())
	assert.GreaterOrEqual(t, m.Histogram.GetSampleSum(), 50.0)
}

func TestRecordPublishResultUpdatesRatio(t *testing.T) {
	RecordPublishResult(true)
	RecordPublishResult(true)
	RecordPublishResult(false)

	m := &dto.Metric{}
	require.NoError(t, PublishSuccessRatio.Write(m))
	assert.Greater(t, m.Gauge.GetValue(), 0.0)
	assert.LessOrEqual(t, m.Gauge.GetValue(), 1.0)
}
