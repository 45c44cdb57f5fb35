package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/adapters/grpc"
	"orderflow/internal/adapters/httpapi"
	"orderflow/internal/audit"
	"orderflow/internal/bus"
	"orderflow/internal/events"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/outbox"
	"orderflow/internal/participants"
	"orderflow/internal/realtime"
	"orderflow/internal/reliability"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	logger, err := buildLogger(config.LoadLogging())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	busCfg, err := config.LoadBus()
	if err != nil {
		return err
	}
	lockCfg, err := config.LoadLock()
	if err != nil {
		return err
	}
	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}
	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	partCfg, err := config.LoadParticipants(dbCfg.URL == "")
	if err != nil {
		return err
	}
	httpCfg := config.LoadHTTP()
	auditCfg := config.LoadAudit()
	production := config.LoadLogging().Production

	store, closeStore, err := buildStore(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if busCfg.Driver == config.BusRedis || lockCfg.Backend == config.LockRedis {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			return err
		}
		if redisCfg.URL == "" {
			return errors.New("REDIS_URL is required by the configured bus or lock backend")
		}
		redisClient, err = buildRedis(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	metrics := observability.NewMetrics()
	limiter, breaker, retry := publishGuards(relCfg, metrics.AddRateLimitWait, logger)

	msgs, err := buildBus(ctx, busCfg, redisClient, retry, logger)
	if err != nil {
		return err
	}
	defer msgs.close()

	locker, err := buildLocker(lockCfg, redisClient, logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger.Named("realtime"))
	guarded := bus.NewReliablePublisher(msgs.publisher, limiter, breaker, retry)
	registry := events.DefaultRegistry()

	orchOpts := []orders.OrchestratorOption{
		orders.WithOrchestratorLogger(logger.Named("saga")),
		orders.WithLocker(locker),
		orders.WithOrchestratorMetrics(metrics),
	}
	if auditCfg.Path != "" {
		auditLog, err := audit.OpenFileLog(auditCfg.Path)
		if err != nil {
			return err
		}
		defer func() { _ = auditLog.Close() }()
		orchOpts = append(orchOpts, orders.WithStepRecorder(auditLog))
	}
	orchestrator := orders.NewOrchestrator(store, registry, orchOpts...)
	orchestrator.Register(msgs.subscriber)

	svc := orders.NewService(store, orders.WithServiceLogger(logger.Named("orders")))
	msgs.subscriber.Subscribe(events.TypeUpdateOrderStatusCommand, svc.HandleStatusCommand)

	if partCfg.Enabled {
		var decline participants.DeclineFunc
		if !partCfg.DeclineAbove.IsZero() {
			decline = participants.LimitDecline(partCfg.DeclineAbove)
		}
		participants.NewInventory(partCfg.Stock, guarded, logger.Named("inventory")).Register(msgs.subscriber)
		participants.NewPayments(decline, guarded, logger.Named("payments")).Register(msgs.subscriber)
		logger.Info("in-process participants enabled", zap.Int("skus", len(partCfg.Stock)))
	}

	dispatcher := outbox.NewDispatcher(store, registry, bus.NewFanoutPublisher(guarded, hub), outbox.Config{
		BatchSize:    outboxCfg.BatchSize,
		MaxRetries:   outboxCfg.MaxRetries,
		PollInterval: outboxCfg.PollInterval,
	},
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithResultHook(func(res outbox.Result, err error) {
			metrics.RecordOutboxPass(observability.OutboxPass{
				Published: res.Published,
				Retried:   res.Retried,
				Failed:    res.Failed,
				Skipped:   res.Skipped,
				Held:      res.Held,
			}, err)
		}),
	)

	grpcServer, healthServer := buildGRPCServer(grpcCfg, svc, metrics, production, logger)
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", grpcCfg.Addr, err)
	}

	var ready atomic.Bool
	httpServer := &http.Server{
		Addr: httpCfg.Addr,
		Handler: httpapi.NewRouter(httpapi.NewHandler(svc), httpapi.Options{
			Metrics:  observability.Handler(metrics),
			Realtime: hub,
			Ready:    ready.Load,
			Log:      logger.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return msgs.subscriber.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		logger.Info("gRPC listening", zap.String("addr", grpcCfg.Addr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", httpCfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		inflight := metrics.Snapshot().RPC.InFlight
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		metrics.MarkShutdown(inflight)
		logger.Info("shutdown complete", zap.Int64("inflight", inflight))
		return err
	})

	ready.Store(true)
	return g.Wait()
}

func buildGRPCServer(cfg config.GRPCConfig, svc grpc.OrderService, metrics *observability.Metrics, production bool, logger *zap.Logger) (*grpcpkg.Server, *health.Server) {
	var limiter rateLimiter
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		limiter = reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, metrics.AddRateLimitWait)
	}
	log := logger.Named("grpc")
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, log)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, log)),
	)
	grpc.RegisterOrderServiceServer(server, grpc.NewOrderServer(svc))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !production {
		reflection.Register(server)
		log.Info("gRPC reflection enabled")
	}
	return server, healthServer
}
