package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rodframeh/data-enriched-orders/internal/archive"
	"github.com/rodframeh/data-enriched-orders/internal/config"
	"github.com/rodframeh/data-enriched-orders/internal/gateway"
	"github.com/rodframeh/data-enriched-orders/internal/lock"
	"github.com/rodframeh/data-enriched-orders/internal/messaging"
	"github.com/rodframeh/data-enriched-orders/internal/pipeline"
	"github.com/rodframeh/data-enriched-orders/internal/retry"
	"github.com/rodframeh/data-enriched-orders/internal/store"
	"github.com/rodframeh/data-enriched-orders/internal/telemetry"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	telemetry.Register()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		logger.Fatal("init archive sink", zap.Error(err))
	}

	ledger := retry.NewLedger(redisClient, retry.Options{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		Archiver:     archiver,
	}, logger)

	gw := gateway.NewClient(gateway.Config{
		CustomerBaseURL:   cfg.CustomerServiceURL,
		ProductBaseURL:    cfg.ProductServiceURL,
		Timeout:           cfg.GatewayTimeout,
		RetryAttempts:     cfg.GatewayRetryAttempts,
		RetryInitialDelay: cfg.GatewayRetryInitialDelay,
		RetryMaxDelay:     cfg.GatewayRetryMaxDelay,
		Breaker: gateway.BreakerConfig{
			WindowSize:       cfg.BreakerWindowSize,
			FailureRate:      cfg.BreakerFailureRate,
			MinCalls:         cfg.BreakerMinCalls,
			Cooldown:         cfg.BreakerCooldown,
			HalfOpenMax:      cfg.BreakerHalfOpenMax,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		},
	}, logger)

	proc := pipeline.New(lock.NewManager(redisClient, logger), gw, st, ledger, pipeline.Config{
		LockLease:    cfg.LockLeaseTime,
		ProductLimit: cfg.ProductFetchLimit,
	}, logger)

	if err := messaging.EnsureTopics(cfg.KafkaBrokers, cfg.OrdersTopic, cfg.ErrorsTopic); err != nil {
		logger.Warn("topic bootstrap failed", zap.Error(err))
	}

	errorSink := messaging.NewErrorPublisher(cfg.KafkaBrokers, cfg.ErrorsTopic, logger)
	defer func() { _ = errorSink.Close() }()

	consumer := messaging.NewConsumer(messaging.ConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.OrdersTopic,
		GroupID:     cfg.ConsumerGroup,
		Concurrency: cfg.WorkerConcurrency,
	}, proc, errorSink, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.OrdersTopic),
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("concurrency", cfg.WorkerConcurrency))

	if err := consumer.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
	logger.Info("worker shut down")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// newArchiver picks the sink escalated records are copied to. The ledger
// treats a nil sink as archiving disabled.
func newArchiver(ctx context.Context, cfg config.Config) (retry.Archiver, error) {
	switch cfg.ArchiveBackend {
	case "dir":
		return archive.NewDirArchiver(cfg.ArchiveDir), nil
	case "s3":
		return archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveBucket,
			Region:    cfg.ArchiveRegion,
			Endpoint:  cfg.ArchiveEndpoint,
			PathStyle: cfg.ArchivePathStyle,
		})
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}
