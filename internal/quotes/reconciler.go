package quotes

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"tradefeed/internal/cache"
	"tradefeed/internal/metrics"
	"tradefeed/internal/models"
	"tradefeed/internal/pubsub"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var hundred = decimal.NewFromInt(100)

// Reconciler merges raw watchlist publications into a keyed quote table.
// Lookups and updates are O(1) per symbol; insertion order of first
// appearance is kept for iteration. Decode failures and zero close prices
// never escape the publication handler as a panic or error: the payload is
// counted, logged and skipped.
type Reconciler struct {
	logger    *logrus.Logger
	cache     *cache.QuoteCache
	publisher *pubsub.Publisher
	cacheTTL  time.Duration

	mu     sync.RWMutex
	quotes map[string]*models.Quote
	order  []string
}

// NewReconciler creates a reconciler. Cache and publisher are optional; when
// set, every accepted update is cached and fanned out to Redis.
func NewReconciler(quoteCache *cache.QuoteCache, publisher *pubsub.Publisher, cacheTTL time.Duration, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		logger:    logger,
		cache:     quoteCache,
		publisher: publisher,
		cacheTTL:  cacheTTL,
		quotes:    make(map[string]*models.Quote),
	}
}

// ApplyPublication consumes one raw publication. Only watchlist channels
// carry quote deltas; publications on other channels are ignored here.
func (r *Reconciler) ApplyPublication(ctx context.Context, channel string, data []byte) {
	if !strings.HasPrefix(channel, "watchlist:") {
		metrics.Publications.WithLabelValues("ignored").Inc()
		return
	}

	var event models.WatchlistEvent
	if err := json.Unmarshal(data, &event); err != nil {
		metrics.MalformedPublications.Inc()
		r.logger.WithError(err).Warnf("Dropping undecodable publication on %s", channel)
		return
	}

	if event.Event != models.EventAngelOneQuotes {
		metrics.Publications.WithLabelValues("unknown").Inc()
		r.logger.Debugf("Skipping publication with unknown event kind %q", event.Event)
		return
	}
	metrics.Publications.WithLabelValues(event.Event).Inc()

	var ticks map[string]models.SymbolTick
	if err := json.Unmarshal(event.Data, &ticks); err != nil {
		metrics.MalformedPublications.Inc()
		r.logger.WithError(err).Warnf("Dropping malformed quote data on %s", channel)
		return
	}

	for symbol, tick := range ticks {
		quote := normalize(symbol, tick)
		r.merge(quote)

		if r.cache != nil {
			if err := r.cache.SetQuote(ctx, symbol, quote, r.cacheTTL); err != nil {
				r.logger.WithError(err).Debugf("Failed to cache quote for %s", symbol)
			}
		}
		if r.publisher != nil {
			err := r.publisher.PublishQuote(ctx, quote)
			metrics.RecordPublishResult(err == nil)
			if err != nil {
				r.logger.WithError(err).Warnf("Failed to publish quote for %s", symbol)
			}
		}
	}
}

// GetQuote returns the latest quote for the symbol
func (r *Reconciler) GetQuote(symbol string) (models.Quote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	quote, ok := r.quotes[symbol]
	if !ok {
		return models.Quote{}, false
	}
	return *quote, true
}

// Quotes returns the table in insertion order of first appearance
func (r *Reconciler) Quotes() []models.Quote {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Quote, 0, len(r.order))
	for _, symbol := range r.order {
		out = append(out, *r.quotes[symbol])
	}
	return out
}

// Len returns the number of tracked symbols
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.quotes)
}

// Reset drops the table. Called when the consuming view unmounts.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.quotes = make(map[string]*models.Quote)
	r.order = nil
	r.mu.Unlock()
}

// merge replaces the existing entry wholesale; entries are snapshots, not
// field-level deltas
func (r *Reconciler) merge(quote *models.Quote) {
	r.mu.Lock()
	existing, ok := r.quotes[quote.Symbol]
	if !ok {
		r.order = append(r.order, quote.Symbol)
	} else if quote.Timestamp.Before(existing.Timestamp) {
		// Out-of-order delivery is tolerated but never hidden
		metrics.OutOfOrderUpdates.Inc()
		r.logger.Warnf("Out-of-order update for %s: %v before %v",
			quote.Symbol, quote.Timestamp, existing.Timestamp)
	}
	r.quotes[quote.Symbol] = quote
	r.mu.Unlock()

	metrics.TrackQuoteUpdate(quote.Symbol)
}

// normalize converts a fixed-point tick (prices scaled by 100) into a quote
func normalize(symbol string, tick models.SymbolTick) *models.Quote {
	lastPrice := decimal.New(tick.LastTradedPrice, -2)
	closePrice := decimal.New(tick.ClosePrice, -2)
	change := lastPrice.Sub(closePrice)

	var changePercent decimal.Decimal
	percentValid := !closePrice.IsZero()
	if percentValid {
		changePercent = change.Div(closePrice).Mul(hundred)
	}

	return &models.Quote{
		Symbol:        symbol,
		LastPrice:     lastPrice,
		Change:        change,
		ChangePercent: changePercent,
		PercentValid:  percentValid,
		Open:          decimal.New(tick.OpenPrice, -2),
		High:          decimal.New(tick.HighPrice, -2),
		Low:           decimal.New(tick.LowPrice, -2),
		Close:         closePrice,
		Volume:        tick.VolumeTradedToday,
		Timestamp:     time.UnixMilli(tick.ExchangeFeedTimeEpochMillis).UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}
