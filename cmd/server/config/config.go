package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bus drivers.
const (
	BusMemory   = "memory"
	BusRabbitMQ = "rabbitmq"
	BusKafka    = "kafka"
	BusRedis    = "redis"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// DatabaseConfig selects the order store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// BusConfig selects the message bus and its topology.
type BusConfig struct {
	Driver string

	AMQPURL          string
	AMQPExchange     string
	AMQPQueue        string
	AMQPDialAttempts int
	AMQPDialBackoff  time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisStream       string
	RedisGroup        string
	RedisConsumer     string
	RedisStreamMaxLen int64
	RedisStreamTTL    time.Duration
	RedisBlock        time.Duration
}

// OutboxConfig tunes the dispatcher.
type OutboxConfig struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
}

// ReliabilityConfig guards publishes to the bus.
type ReliabilityConfig struct {
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerFailures   int
	BreakerReset      time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// LockConfig selects how saga handling is serialized per order.
type LockConfig struct {
	Backend string
	TTL     time.Duration
	Wait    time.Duration
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// HTTPConfig holds the address for the query, metrics and websocket endpoints.
type HTTPConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level      string
	Production bool
}

// AuditConfig points at the optional saga transition log file.
type AuditConfig struct {
	Path string
}

// ParticipantsConfig enables the in-process inventory and payment services.
type ParticipantsConfig struct {
	Enabled bool
	// Stock seeds inventory levels per SKU, from INVENTORY_STOCK="SKU-1=10,SKU-2=5".
	Stock        map[string]int
	DeclineAbove decimal.Decimal
}

// LoadDatabase reads database settings from env.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	var err error
	if cfg.MaxOpenConns, err = intOr("DATABASE_MAX_OPEN_CONNS", 10); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = durationOr("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadBus reads the bus driver and the settings that driver needs.
func LoadBus() (BusConfig, error) {
	cfg := BusConfig{Driver: strings.ToLower(optionalString("BUS_DRIVER", BusMemory))}

	var err error
	switch cfg.Driver {
	case BusMemory:
	case BusRabbitMQ:
		if cfg.AMQPURL, err = requiredString("AMQP_URL"); err != nil {
			return cfg, err
		}
		cfg.AMQPExchange = optionalString("AMQP_EXCHANGE", "orderflow.events")
		cfg.AMQPQueue = optionalString("AMQP_QUEUE", "orderflow.orders")
		if cfg.AMQPDialAttempts, err = intOr("AMQP_DIAL_ATTEMPTS", 10); err != nil {
			return cfg, err
		}
		if cfg.AMQPDialBackoff, err = durationOr("AMQP_DIAL_BACKOFF", 2*time.Second); err != nil {
			return cfg, err
		}
	case BusKafka:
		if cfg.KafkaBrokers = optionalList("KAFKA_BROKERS"); len(cfg.KafkaBrokers) == 0 {
			return cfg, fmt.Errorf("KAFKA_BROKERS is required")
		}
		cfg.KafkaTopic = optionalString("KAFKA_TOPIC", "orderflow.events")
		cfg.KafkaGroupID = optionalString("KAFKA_GROUP_ID", "orderflow")
	case BusRedis:
		cfg.RedisStream = optionalString("REDIS_STREAM", "orderflow:events")
		cfg.RedisGroup = optionalString("REDIS_STREAM_GROUP", "orderflow")
		host, _ := os.Hostname()
		cfg.RedisConsumer = optionalString("REDIS_STREAM_CONSUMER", optionalDefault(host, "orderflow"))
		var maxLen int
		if maxLen, err = intOr("REDIS_STREAM_MAXLEN", 100000); err != nil {
			return cfg, err
		}
		cfg.RedisStreamMaxLen = int64(maxLen)
		if cfg.RedisStreamTTL, err = durationOr("REDIS_STREAM_TTL", 0); err != nil {
			return cfg, err
		}
		if cfg.RedisBlock, err = durationOr("REDIS_STREAM_BLOCK", 2*time.Second); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("BUS_DRIVER: unknown driver %q", cfg.Driver)
	}
	return cfg, nil
}

// LoadOutbox reads dispatcher settings from env.
func LoadOutbox() (OutboxConfig, error) {
	var (
		cfg OutboxConfig
		err error
	)
	if cfg.BatchSize, err = intOr("OUTBOX_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = intOr("OUTBOX_MAX_RETRIES", 5); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = durationOr("OUTBOX_POLL_INTERVAL", 2*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadReliability reads retry, breaker and rate limit settings for bus publishes.
func LoadReliability() (ReliabilityConfig, error) {
	var (
		cfg ReliabilityConfig
		err error
	)
	if cfg.RetryAttempts, err = intOr("PUBLISH_RETRY_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("PUBLISH_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("PUBLISH_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = intOr("PUBLISH_BREAKER_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = durationOr("PUBLISH_BREAKER_RESET", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("PUBLISH_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("PUBLISH_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadLock reads the lock backend from env.
func LoadLock() (LockConfig, error) {
	cfg := LockConfig{Backend: strings.ToLower(optionalString("LOCK_BACKEND", LockLocal))}
	if cfg.Backend != LockLocal && cfg.Backend != LockRedis {
		return cfg, fmt.Errorf("LOCK_BACKEND: unknown backend %q", cfg.Backend)
	}
	var err error
	if cfg.TTL, err = durationOr("LOCK_TTL", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.Wait, err = durationOr("LOCK_WAIT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads gRPC listen and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: optionalString("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = durationOr("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadHTTP reads the HTTP server address. OBS_ADDR is honored for older deployments.
func LoadHTTP() HTTPConfig {
	return HTTPConfig{Addr: optionalString("HTTP_ADDR", optionalString("OBS_ADDR", ":8080"))}
}

func LoadLogging() LoggingConfig {
	return LoggingConfig{
		Level:      strings.ToLower(optionalString("LOG_LEVEL", "info")),
		Production: strings.EqualFold(os.Getenv("APP_ENV"), "production"),
	}
}

func LoadAudit() AuditConfig {
	return AuditConfig{Path: strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH"))}
}

// LoadParticipants reads the in-process participant settings. They default to on when
// no database is configured.
func LoadParticipants(memoryMode bool) (ParticipantsConfig, error) {
	cfg := ParticipantsConfig{Enabled: memoryMode}
	if raw := strings.TrimSpace(os.Getenv("PARTICIPANTS_ENABLED")); raw != "" {
		enabled, err := optionalBool("PARTICIPANTS_ENABLED")
		if err != nil {
			return cfg, err
		}
		cfg.Enabled = enabled
	}
	cfg.Stock = make(map[string]int)
	for _, pair := range optionalList("INVENTORY_STOCK") {
		sku, qty, ok := strings.Cut(pair, "=")
		if !ok {
			return cfg, fmt.Errorf("INVENTORY_STOCK: expected SKU=QTY, got %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("INVENTORY_STOCK: bad quantity for %s", sku)
		}
		cfg.Stock[strings.TrimSpace(sku)] = n
	}
	if raw := strings.TrimSpace(os.Getenv("PAYMENT_DECLINE_ABOVE")); raw != "" {
		limit, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("PAYMENT_DECLINE_ABOVE: %w", err)
		}
		cfg.DeclineAbove = limit
	}
	return cfg, nil
}

func optionalDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
