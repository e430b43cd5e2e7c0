package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	API       APIConfig
	Websocket WebsocketConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type APIConfig struct {
	BaseURL     string
	AccessToken string
	TokenType   string
	// WatchlistID selects the watchlist subscribed on startup; empty means
	// no trading view is entered until told to
	WatchlistID string

	RequestTimeout time.Duration
	// TokenRetryDelay is the backoff before the single retry of a failed
	// subscription token request
	TokenRetryDelay time.Duration
	// TokenRatePerSec bounds token endpoint traffic during reconnect storms
	TokenRatePerSec float64
	TokenRateBurst  int
}

type WebsocketConfig struct {
	// URL overrides endpoint discovery via /api/v1/ws/info when set
	URL string

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	SubscribeTimeout  time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingTimeout       time.Duration
	MessageBufferSize int
}

type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PubSubChannel string
}

type CacheConfig struct {
	QuoteTTL time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8086),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		API: APIConfig{
			BaseURL:         getEnv("API_BASE_URL", "http://localhost:8085"),
			AccessToken:     getEnv("ACCESS_TOKEN", ""),
			TokenType:       getEnv("TOKEN_TYPE", "Bearer"),
			WatchlistID:     getEnv("WATCHLIST_ID", ""),
			RequestTimeout:  parseDuration(getEnv("API_REQUEST_TIMEOUT", "10s"), 10*time.Second),
			TokenRetryDelay: parseDuration(getEnv("TOKEN_RETRY_DELAY", "500ms"), 500*time.Millisecond),
			TokenRatePerSec: getEnvFloat("TOKEN_RATE_PER_SEC", 5),
			TokenRateBurst:  getEnvInt("TOKEN_RATE_BURST", 10),
		},
		Websocket: WebsocketConfig{
			URL:               getEnv("WS_URL", ""),
			MinReconnectDelay: parseDuration(getEnv("WS_MIN_RECONNECT_DELAY", "1s"), 1*time.Second),
			MaxReconnectDelay: parseDuration(getEnv("WS_MAX_RECONNECT_DELAY", "10s"), 10*time.Second),
			SubscribeTimeout:  parseDuration(getEnv("WS_SUBSCRIBE_TIMEOUT", "10s"), 10*time.Second),
			HandshakeTimeout:  parseDuration(getEnv("WS_HANDSHAKE_TIMEOUT", "15s"), 15*time.Second),
			WriteTimeout:      parseDuration(getEnv("WS_WRITE_TIMEOUT", "5s"), 5*time.Second),
			PingTimeout:       parseDuration(getEnv("WS_PING_TIMEOUT", "30s"), 30*time.Second),
			MessageBufferSize: getEnvInt("WS_MESSAGE_BUFFER_SIZE", 1000),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PubSubChannel: getEnv("REDIS_PUBSUB_CHANNEL", "tradefeed:quotes"),
		},
		Cache: CacheConfig{
			QuoteTTL: time.Duration(getEnvInt("CACHE_TTL_QUOTE", 60)) * time.Second,
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.API.AccessToken == "" {
		return fmt.Errorf("ACCESS_TOKEN is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Websocket.MinReconnectDelay > c.Websocket.MaxReconnectDelay {
		return fmt.Errorf("WS_MIN_RECONNECT_DELAY must not exceed WS_MAX_RECONNECT_DELAY")
	}
	return nil
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
