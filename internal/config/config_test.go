package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8086, cfg.Server.HTTPPort)
	assert.Equal(t, "http://localhost:8085", cfg.API.BaseURL)
	assert.Equal(t, "Bearer", cfg.API.TokenType)
	assert.Equal(t, 500*time.Millisecond, cfg.API.TokenRetryDelay)
	assert.Equal(t, 1*time.Second, cfg.Websocket.MinReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Websocket.MaxReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Websocket.SubscribeTimeout)
	assert.Equal(t, 1000, cfg.Websocket.MessageBufferSize)
	assert.Equal(t, "tradefeed:quotes", cfg.Redis.PubSubChannel)
	assert.Equal(t, 60*time.Second, cfg.Cache.QuoteTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("ACCESS_TOKEN", "secret")
	t.Setenv("WATCHLIST_ID", "wl-42")
	t.Setenv("WS_URL", "wss://stream.example.com/ws")
	t.Setenv("WS_MIN_RECONNECT_DELAY", "250ms")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "secret", cfg.API.AccessToken)
	assert.Equal(t, "wl-42", cfg.API.WatchlistID)
	assert.Equal(t, "wss://stream.example.com/ws", cfg.Websocket.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Websocket.MinReconnectDelay)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("WS_SUBSCRIBE_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Websocket.SubscribeTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			API: APIConfig{
				BaseURL:     "http://localhost:8085",
				AccessToken: "secret",
			},
			Websocket: WebsocketConfig{
				MinReconnectDelay: time.Second,
				MaxReconnectDelay: 10 * time.Second,
			},
			Redis: RedisConfig{Host: "localhost"},
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.API.AccessToken = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Redis.Host = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Websocket.MinReconnectDelay = 20 * time.Second
	assert.Error(t, cfg.Validate())
}
