package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Zephrnos/polyglot-ledger-engine/internal/cache"
	"github.com/Zephrnos/polyglot-ledger-engine/internal/config"
	"github.com/Zephrnos/polyglot-ledger-engine/internal/consumer"
	"github.com/Zephrnos/polyglot-ledger-engine/internal/service"
	"github.com/Zephrnos/polyglot-ledger-engine/internal/store"
	"github.com/Zephrnos/polyglot-ledger-engine/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("unable to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("worker_id", cfg.WorkerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger store
	var ledger *store.Store
	err = retry.Do(ctx, func() error {
		var err error
		ledger, err = store.New(ctx, cfg.DBSource)
		return err
	})
	if err != nil {
		logger.Fatal("unable to connect to ledger store", zap.Error(err))
	}
	defer ledger.Close()

	// Status cache
	statusCache, err := cache.New(ctx, cfg.RedisAddr, cfg.StatusTTL)
	if err != nil {
		logger.Fatal("unable to connect to status cache", zap.Error(err))
	}
	defer statusCache.Close()

	// Broker
	var conn *amqp.Connection
	err = retry.Do(ctx, func() error {
		var err error
		conn, err = amqp.Dial(cfg.AMQPURL)
		return err
	})
	if err != nil {
		logger.Fatal("unable to connect to broker", zap.Error(err))
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		logger.Fatal("unable to open broker channel", zap.Error(err))
	}
	defer channel.Close()

	// Ops endpoint: health + metrics
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	opsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: r}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()

	processor := service.NewProcessor(ledger, logger)
	c := consumer.New(channel, cfg.QueueName, cfg.WorkerID, processor, statusCache, logger, cfg.OpTimeout)

	logger.Info("worker starting", zap.String("queue", cfg.QueueName))
	runErr := c.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	if runErr != nil {
		// Connection loss is left to the process supervisor: exiting non-zero
		// gets a fresh worker with fresh connections.
		logger.Fatal("consumer stopped", zap.Error(runErr))
	}
	logger.Info("worker stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zapCfg.Build()
}
