package config

import (
	"fmt"
	"time"
)

// Stream store backends.
const (
	BackendRedis    = "redis"
	BackendSentinel = "redis-sentinel"
)

// Event delivery transports. Polling is always served; ws and sse
// additionally enable the push endpoint and the firehose listener.
const (
	TransportPolling = "polling"
	TransportWS      = "ws"
	TransportSSE     = "sse"
)

// APIConfig holds runtime configuration for the async events service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	SessionJWTSecret string
	WorkerAuthToken  string

	StreamBackend    string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisTLS         bool
	SentinelAddrs    []string
	SentinelMaster   string
	SentinelPassword string

	StreamPrefix        string
	StreamLimit         int64
	StreamLimitFirehose int64
	Transport           string
	PollingDelay        time.Duration

	ChannelJWTSecret      string
	ChannelCookieName     string
	ChannelCookieSecure   bool
	ChannelCookieSameSite string
	ChannelCookieDomain   string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogLevel string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8080"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://lumenboard:lumenboard@db:5432/lumenboard?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		SessionJWTSecret: GetString("SESSION_JWT_SECRET", "supersecuresecret"),
		WorkerAuthToken:  GetString("WORKER_AUTH_TOKEN", ""),

		StreamBackend:    GetString("STREAM_BACKEND", BackendRedis),
		RedisAddr:        GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:    GetString("REDIS_PASSWORD", ""),
		RedisDB:          GetInt("REDIS_DB", 0),
		RedisTLS:         GetBool("REDIS_TLS", false),
		SentinelAddrs:    GetStrings("SENTINEL_ADDRS", nil),
		SentinelMaster:   GetString("SENTINEL_MASTER", "mymaster"),
		SentinelPassword: GetString("SENTINEL_PASSWORD", ""),

		StreamPrefix:        GetString("STREAM_PREFIX", "async-events-"),
		StreamLimit:         int64(GetInt("STREAM_LIMIT", 1000)),
		StreamLimitFirehose: int64(GetInt("STREAM_LIMIT_FIREHOSE", 1000000)),
		Transport:           GetString("EVENTS_TRANSPORT", TransportPolling),
		PollingDelay:        time.Duration(GetInt("POLLING_DELAY_MS", 500)) * time.Millisecond,

		ChannelJWTSecret:      GetString("CHANNEL_JWT_SECRET", ""),
		ChannelCookieName:     GetString("CHANNEL_JWT_COOKIE_NAME", "async-token"),
		ChannelCookieSecure:   GetBool("CHANNEL_JWT_COOKIE_SECURE", false),
		ChannelCookieSameSite: GetString("CHANNEL_JWT_COOKIE_SAMESITE", ""),
		ChannelCookieDomain:   GetString("CHANNEL_JWT_COOKIE_DOMAIN", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogLevel: GetString("LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations the service cannot start with.
func (c APIConfig) Validate() error {
	switch c.StreamBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for the %s backend", BackendRedis)
		}
	case BackendSentinel:
		if len(c.SentinelAddrs) == 0 {
			return fmt.Errorf("config: SENTINEL_ADDRS is required for the %s backend", BackendSentinel)
		}
		if c.SentinelMaster == "" {
			return fmt.Errorf("config: SENTINEL_MASTER is required for the %s backend", BackendSentinel)
		}
	default:
		return fmt.Errorf("config: unknown STREAM_BACKEND %q", c.StreamBackend)
	}
	switch c.Transport {
	case TransportPolling, TransportWS, TransportSSE:
	default:
		return fmt.Errorf("config: unknown EVENTS_TRANSPORT %q", c.Transport)
	}
	if c.StreamPrefix == "" {
		return fmt.Errorf("config: STREAM_PREFIX must not be empty")
	}
	return nil
}
