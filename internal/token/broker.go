package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradefeed/internal/config"
	"tradefeed/internal/metrics"
	"tradefeed/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Channel kinds accepted by the subscription token endpoint
const (
	ChannelPersonal  = "personal"
	ChannelWatchlist = "watchlist"
)

// Broker exchanges the long-lived session credential for short-lived,
// channel-scoped subscription tokens. It is stateless beyond the session
// reference and applies no retry policy; callers decide whether to retry.
type Broker struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	session func() (models.Session, bool)
}

// NewBroker creates a token broker. The session func returns the current
// session so the broker never caches a credential across logins.
func NewBroker(cfg *config.Config, session func() (models.Session, bool), logger *logrus.Logger) *Broker {
	return &Broker{
		baseURL: strings.TrimRight(cfg.API.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.API.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.API.TokenRatePerSec), cfg.API.TokenRateBurst),
		logger:  logger,
		session: session,
	}
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type serverInfoResponse struct {
	WSURL string `json:"ws_url"`
}

// SubscriptionToken requests a token scoped to a single channel. The
// watchlistID is required iff channel is "watchlist".
func (b *Broker) SubscriptionToken(ctx context.Context, channel, watchlistID string) (models.SubscriptionToken, error) {
	switch channel {
	case ChannelPersonal:
		if watchlistID != "" {
			return models.SubscriptionToken{}, fmt.Errorf("%w: watchlist id given for personal channel", ErrInvalidChannel)
		}
	case ChannelWatchlist:
		if watchlistID == "" {
			return models.SubscriptionToken{}, fmt.Errorf("%w: watchlist id required", ErrInvalidChannel)
		}
	default:
		return models.SubscriptionToken{}, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	body := map[string]string{}
	if channel == ChannelWatchlist {
		body["watchlistId"] = watchlistID
	}

	accessToken, err := b.post(ctx, channel, b.baseURL+"/api/v1/ws/token/subscription/"+channel, body)
	if err != nil {
		metrics.TokenRequests.WithLabelValues(channel, "error").Inc()
		return models.SubscriptionToken{}, err
	}

	metrics.TokenRequests.WithLabelValues(channel, "ok").Inc()
	b.logger.Debugf("Issued subscription token for channel %s", channel)

	return models.SubscriptionToken{
		AccessToken: accessToken,
		Channel:     channel,
		IssuedAt:    time.Now().UTC(),
	}, nil
}

// ConnectionToken requests the token used for the transport connect
// handshake. It is scoped to the connection, not to any channel.
func (b *Broker) ConnectionToken(ctx context.Context) (string, error) {
	tok, err := b.post(ctx, "connection", b.baseURL+"/api/v1/ws/token/subscription", map[string]string{})
	if err != nil {
		metrics.TokenRequests.WithLabelValues("connection", "error").Inc()
		return "", err
	}
	metrics.TokenRequests.WithLabelValues("connection", "ok").Inc()
	return tok, nil
}

// ServerInfo discovers the websocket endpoint advertised by the backend
func (b *Broker) ServerInfo(ctx context.Context) (string, error) {
	sess, ok := b.session()
	if !ok {
		return "", ErrNoSession
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v1/ws/info", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", sess.AuthorizationValue())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{Channel: "info", HTTPStatus: resp.StatusCode, ServerMessage: strings.TrimSpace(string(respBody))}
	}

	var info serverInfoResponse
	if err := json.Unmarshal(respBody, &info); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if info.WSURL == "" {
		return "", ErrMalformedResponse
	}

	return info.WSURL, nil
}

// post sends an authenticated token request and extracts the token field
func (b *Broker) post(ctx context.Context, channel, url string, body map[string]string) (string, error) {
	sess, ok := b.session()
	if !ok {
		return "", ErrNoSession
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", sess.AuthorizationValue())
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	metrics.TrackLatency(start, metrics.TokenRequestLatency)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{
			Channel:       channel,
			HTTPStatus:    resp.StatusCode,
			ServerMessage: strings.TrimSpace(string(respBody)),
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", ErrMalformedResponse
	}

	return tokenResp.AccessToken, nil
}
