package cache

import (
	"context"
	"encoding/json"
	"time"

	"tradefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type QuoteCache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewQuoteCache(client *redis.Client, logger *logrus.Logger) *QuoteCache {
	return &QuoteCache{
		client: client,
		logger: logger,
	}
}

// SetQuote caches the latest quote for a symbol
func (c *QuoteCache) SetQuote(ctx context.Context, symbol string, quote *models.Quote, ttl time.Duration) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, "quote:"+symbol, data, ttl).Err()
}

// GetQuote retrieves a cached quote
func (c *QuoteCache) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	data, err := c.client.Get(ctx, "quote:"+symbol).Result()
	if err != nil {
		return nil, err
	}

	var quote models.Quote
	if err := json.Unmarshal([]byte(data), &quote); err != nil {
		return nil, err
	}

	return &quote, nil
}

// Delete removes a symbol from the cache
func (c *QuoteCache) Delete(ctx context.Context, symbol string) error {
	return c.client.Del(ctx, "quote:"+symbol).Err()
}
