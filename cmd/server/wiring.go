package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/bus"
	"orderflow/internal/keylock"
	"orderflow/internal/orders"
	"orderflow/internal/outbox"
	"orderflow/internal/reliability"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// appStore is a store that serves both the order service and the outbox dispatcher.
type appStore interface {
	orders.Store
	outbox.Store
}

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStore opens Postgres when a URL is configured and falls back to memory otherwise.
func buildStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (appStore, func(), error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return orders.NewMemoryStore(), func() {}, nil
	}

	db, err := openDB("pgx", cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	store, err := ordersdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func buildRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// messaging is the bus as seen by the rest of the process.
type messaging struct {
	publisher  bus.Publisher
	subscriber bus.Subscriber
	close      func()
}

func buildBus(ctx context.Context, cfg config.BusConfig, client *redis.Client, retry reliability.RetryPolicy, log *zap.Logger) (messaging, error) {
	switch cfg.Driver {
	case config.BusMemory:
		b := bus.NewInMemoryBus(log)
		return messaging{publisher: b, subscriber: b, close: func() {}}, nil

	case config.BusRabbitMQ:
		conn, err := bus.DialRabbit(ctx, cfg.AMQPURL, cfg.AMQPDialAttempts, cfg.AMQPDialBackoff, log)
		if err != nil {
			return messaging{}, err
		}
		pubCh, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return messaging{}, fmt.Errorf("open publish channel: %w", err)
		}
		pub, err := bus.NewRabbitPublisher(pubCh, cfg.AMQPExchange)
		if err != nil {
			_ = conn.Close()
			return messaging{}, err
		}
		subCh, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return messaging{}, fmt.Errorf("open consume channel: %w", err)
		}
		sub := bus.NewRabbitConsumer(subCh, cfg.AMQPExchange, cfg.AMQPQueue, log)
		return messaging{publisher: pub, subscriber: sub, close: func() {
			_ = subCh.Close()
			_ = pubCh.Close()
			_ = conn.Close()
		}}, nil

	case config.BusKafka:
		writer := bus.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		reader := bus.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
		return messaging{
			publisher:  bus.NewKafkaPublisher(writer),
			subscriber: bus.NewKafkaConsumer(reader, retry, log),
			close: func() {
				_ = reader.Close()
				_ = writer.Close()
			},
		}, nil

	case config.BusRedis:
		if client == nil {
			return messaging{}, errors.New("redis bus requires REDIS_URL")
		}
		pub := bus.NewRedisStreamPublisher(bus.NewRedisPipelineClient(client), cfg.RedisStream, cfg.RedisStreamTTL, cfg.RedisStreamMaxLen)
		sub := bus.NewRedisStreamConsumer(client, cfg.RedisStream, cfg.RedisGroup, cfg.RedisConsumer, cfg.RedisBlock, log)
		return messaging{publisher: pub, subscriber: sub, close: func() {}}, nil
	}
	return messaging{}, fmt.Errorf("unknown bus driver %q", cfg.Driver)
}

func buildLocker(cfg config.LockConfig, client *redis.Client, log *zap.Logger) (keylock.Locker, error) {
	if cfg.Backend != config.LockRedis {
		return keylock.NewLocalLocker(), nil
	}
	if client == nil {
		return nil, errors.New("redis lock backend requires REDIS_URL")
	}
	return keylock.NewRedisLocker(client, keylock.RedisLockerConfig{TTL: cfg.TTL, Wait: cfg.Wait}, log), nil
}

func publishGuards(cfg config.ReliabilityConfig, onWait func(d time.Duration), log *zap.Logger) (*reliability.RateLimiter, *reliability.CircuitBreaker, reliability.RetryPolicy) {
	var limiter *reliability.RateLimiter
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		limiter = reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, onWait)
	}
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
	})
	retry := reliability.RetryPolicy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Warn("publish retry", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}
	return limiter, breaker, retry
}
