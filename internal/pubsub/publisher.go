package pubsub

import (
	"context"
	"encoding/json"

	"tradefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type Publisher struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewPublisher(client *redis.Client, channel string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// PublishQuote publishes a normalized quote update to the shared channel and
// to a per-symbol channel for consumers that watch a single instrument
func (p *Publisher) PublishQuote(ctx context.Context, quote *models.Quote) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return err
	}

	return p.client.Publish(ctx, p.channel+":"+quote.Symbol, data).Err()
}
