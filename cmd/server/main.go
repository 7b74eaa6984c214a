package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/flash-sale-engine/internal/adapter/gateway"
	"github.com/rl1809/flash-sale-engine/internal/adapter/handler"
	"github.com/rl1809/flash-sale-engine/internal/adapter/notify"
	"github.com/rl1809/flash-sale-engine/internal/adapter/storage"
	"github.com/rl1809/flash-sale-engine/internal/config"
	"github.com/rl1809/flash-sale-engine/internal/core/service"
	"github.com/rl1809/flash-sale-engine/internal/logger"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn().Err(err).Msg("close failed")
			}
		}
	}()

	// Storage
	var db port.DatabaseRepository
	if cfg.MySQLDSN != "" {
		sqlDB, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return err
		}
		closers = append(closers, sqlDB.Close)
		adapter := storage.NewMySQLAdapter(sqlDB)
		if err := adapter.EnsureSchema(ctx); err != nil {
			return err
		}
		db = adapter
		log.Info().Msg("connected to mysql")
	} else {
		db = storage.NewMemoryStore()
		log.Warn().Msg("MYSQL_DSN not set, using in-memory store")
	}

	var cache port.CacheRepository
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return err
		}
		closers = append(closers, rdb.Close)
		cache = storage.NewRedisAdapter(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	} else {
		cache = storage.NewMemoryCache()
		log.Warn().Msg("REDIS_ADDR not set, using in-memory cache")
	}

	// Payment gateway
	var pay port.PaymentGateway
	switch cfg.GatewayKind {
	case "http":
		pay = gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey)
	default:
		pay = gateway.NewFakeGateway("http://localhost"+cfg.HTTPAddr, cfg.GatewayAutoConfirm)
		log.Warn().Bool("auto_confirm", cfg.GatewayAutoConfirm).Msg("using fake payment gateway")
	}

	// Events
	hub := notify.NewHub(log)
	sinks := []notify.Sink{hub}
	if len(cfg.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, k.Close)
		sinks = append(sinks, k)
	}
	if cfg.AMQPURL != "" {
		a, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			return err
		}
		closers = append(closers, a.Close)
		sinks = append(sinks, a)
	}
	bus := notify.NewBus(cfg.EventBuffer, log, sinks...)

	// Core
	rules, err := service.NewEligibility()
	if err != nil {
		return err
	}
	clock := service.SystemClock()
	ledger := service.NewLedger(db, cache, log)
	purchases := service.NewPurchaseStore(db, clock, cfg.VoucherValidityFor, log)
	checkout := service.NewCheckoutService(db, ledger, purchases, pay, cache, rules, clock, service.CheckoutConfig{
		ReservationTTL:  cfg.ReservationTTL,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		GatewayAttempts: cfg.GatewayAttempts,
		GatewayBackoff:  cfg.GatewayBackoff,
		SuccessURL:      cfg.SuccessURL,
		CancelURL:       cfg.CancelURL,
	}, log)
	settlement := service.NewSettlementService(db, ledger, purchases, pay, bus, clock, log)
	sales := service.NewSaleService(db, db, ledger, rules, clock, log)
	reconciler := service.NewReconciler(db, ledger, settlement, bus, clock, service.ReconcilerConfig{
		Interval:       cfg.SweepInterval,
		ReservationTTL: cfg.ReservationTTL,
		BatchSize:      cfg.SweepBatchSize,
		Workers:        cfg.SweepWorkers,
	}, log)

	// Transports
	verifier := handler.NewVerifier(cfg.JWTSecret)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	}))
	handler.NewHTTPHandler(checkout, settlement, sales, cache, hub, log).
		WithDefaultCurrency(cfg.Currency).
		Register(e, verifier)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(verifier.UnaryInterceptor()))
	handler.RegisterPurchaseServiceServer(grpcServer, handler.NewGRPCHandler(checkout, settlement))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
