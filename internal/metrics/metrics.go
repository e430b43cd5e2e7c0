package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Connection metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefeed_connection_state",
			Help: "Current transport connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_reconnects_total",
			Help: "Total transport reconnection attempts",
		},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_connection_errors_total",
			Help: "Total transport-level errors",
		},
		[]string{"error_type"},
	)

	// Token metrics
	TokenRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_token_requests_total",
			Help: "Total subscription token requests by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	TokenRequestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradefeed_token_request_latency_ms",
			Help:    "Token request latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	StaleTokenResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_stale_token_results_total",
			Help: "Token results discarded because their generation no longer matched current state",
		},
	)

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefeed_active_subscriptions",
			Help: "Number of live channel subscriptions",
		},
	)

	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_subscriptions_total",
			Help: "Total subscriptions created by channel kind",
		},
		[]string{"kind"}, // personal, watchlist
	)

	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_subscription_errors_total",
			Help: "Total subscription failures by channel kind",
		},
		[]string{"kind"},
	)

	// Publication metrics
	Publications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_publications_total",
			Help: "Total publications received by event kind",
		},
		[]string{"event"}, // ANGEL_ONE_QUOTES, unknown, ignored
	)

	QuoteUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradefeed_quote_updates_total",
			Help: "Total quote table updates by symbol",
		},
		[]string{"symbol"},
	)

	OutOfOrderUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_out_of_order_updates_total",
			Help: "Quote updates whose feed timestamp regressed for the symbol",
		},
	)

	MalformedPublications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_malformed_publications_total",
			Help: "Publications dropped because the payload could not be decoded",
		},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_publish_success_total",
			Help: "Total successful Redis quote publishes",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradefeed_publish_failures_total",
			Help: "Total failed Redis quote publishes",
		},
	)

	PublishSuccessRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradefeed_publish_success_ratio",
			Help: "Redis quote publish success ratio (0-1)",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0 // Not enough time passed
	}

	current := atomic.LoadInt64(&rt.count)
	diff := current - rt.lastCount
	rate := float64(diff) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var quoteUpdatesTracker = NewRateTracker()

// TrackQuoteUpdate increments quote update counters
func TrackQuoteUpdate(symbol string) {
	QuoteUpdates.WithLabelValues(symbol).Inc()
	quoteUpdatesTracker.Increment()
}

// GetQuoteUpdatesPerSecond returns current quote updates/sec
func GetQuoteUpdatesPerSecond() float64 {
	return quoteUpdatesTracker.GetRate()
}

// RecordPublishResult records a Redis publish outcome and refreshes the
// success ratio gauge
func RecordPublishResult(ok bool) {
	if ok {
		PublishSuccess.Inc()
	} else {
		PublishFailures.Inc()
	}
	updatePublishRatio()
}

// updatePublishRatio reads the raw counter values; an approximation for
// real-time display, accurate ratios belong to the Prometheus side
func updatePublishRatio() {
	var okVal, failVal float64

	okMetric := &dto.Metric{}
	failMetric := &dto.Metric{}

	if PublishSuccess.Write(okMetric) == nil && PublishFailures.Write(failMetric) == nil {
		okVal = okMetric.Counter.GetValue()
		failVal = failMetric.Counter.GetValue()

		total := okVal + failVal
		if total > 0 {
			PublishSuccessRatio.Set(okVal / total)
		}
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	duration := time.Since(start).Milliseconds()
	histogram.Observe(float64(duration))
}
