package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/buffer"
	"github.com/jittakal/stagebuf/internal/config"
	"github.com/jittakal/stagebuf/internal/flush"
	"github.com/jittakal/stagebuf/internal/kafka"
	"github.com/jittakal/stagebuf/internal/observability"
	"github.com/jittakal/stagebuf/internal/server"
	"github.com/jittakal/stagebuf/internal/validator"
	"github.com/jittakal/stagebuf/internal/writebuffer"
	"github.com/jittakal/stagebuf/pkg/sink"
	"github.com/jittakal/stagebuf/pkg/source"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		if isHelp(err) {
			fmt.Fprintln(os.Stdout, err)
			return nil
		}
		return err
	}
	if opts.Version {
		fmt.Fprintln(os.Stdout, "stagebuf", version)
		return nil
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Observability.Logging.Level = opts.LogLevel
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting stagebuf",
		zap.String("version", version),
		zap.String("config", opts.Config),
		zap.String("environment", cfg.Application.Environment),
		zap.String("source", cfg.Source.Type),
		zap.Strings("sinks", cfg.Sinks.Enabled),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := buffer.New()
	writes := writebuffer.New(buf)

	sinks, err := newSinks(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	processorID := cfg.Application.InstanceID
	if processorID == "" {
		processorID = hostname()
	}
	dlq, err := kafka.NewDLQPublisher(kafka.DLQConfig{
		Enabled:  cfg.Kafka.DLQ.Enabled,
		Topic:    cfg.Kafka.DLQ.Topic,
		Producer: kafkaProducer(cfg.Kafka),
	}, processorID, logger.With(zap.String("component", "dlq")), metrics)
	if err != nil {
		closeSinks(sinks, logger)
		return fmt.Errorf("failed to create DLQ publisher: %w", err)
	}

	worker := flush.New(writes, sinks, dlq, validator.NewEntryValidator(true), flush.Config{
		Interval: cfg.Flush.Interval(),
		Timeout:  cfg.Flush.Timeout(),
		Retry:    retryPolicy(cfg.Retry),
	}, logger.With(zap.String("component", "flush")), metrics)

	src, err := newSource(cfg, writes, dlq, logger, metrics)
	if err != nil {
		closeSinks(sinks, logger)
		_ = dlq.Close()
		return fmt.Errorf("failed to create source: %w", err)
	}

	// The worker outlives ctx: shutdown cancels ctx to stop the source and
	// then stops the worker, which delivers whatever the source left behind.
	if err := worker.Start(context.WithoutCancel(ctx)); err != nil {
		closeSinks(sinks, logger)
		_ = dlq.Close()
		return fmt.Errorf("failed to start flush worker: %w", err)
	}

	srcDone := make(chan error, 1)
	if src != nil {
		go func() {
			srcDone <- src.Run(ctx)
		}()
	}

	httpServer := server.NewServer(server.Config{
		HealthPort:    cfg.Observability.Health.Port,
		MetricsPort:   cfg.Observability.Metrics.Port,
		LivenessPath:  cfg.Observability.Health.LivenessPath,
		ReadinessPath: cfg.Observability.Health.ReadinessPath,
		MetricsPath:   cfg.Observability.Metrics.Path,
		EnableDebug:   cfg.Observability.Health.EnableDebug,
	}, server.NewWorkerHealthChecker(worker, cfg.Source.Type), buf, registry, logger.With(zap.String("component", "http")))

	if err := httpServer.Start(); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod())
		defer shutdownCancel()
		shutdown(shutdownCtx, cancel, src, srcDone, worker, sinks, dlq, httpServer, logger)
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("application started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received termination signal", zap.String("signal", sig.String()))
	case err := <-srcDone:
		if err != nil {
			logger.Error("source stopped", zap.Error(err))
			runErr = err
		}
		srcDone = nil
	}

	logger.Info("initiating graceful shutdown", zap.Duration("grace_period", cfg.Shutdown.GracePeriod()))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod())
	defer shutdownCancel()

	shutdown(shutdownCtx, cancel, src, srcDone, worker, sinks, dlq, httpServer, logger)

	logger.Info("application stopped")
	return runErr
}

// shutdown stops components in reverse start order: the source stops
// producing, the worker finishes its in-flight flush and drains what is
// left, then sinks, the DLQ and the HTTP servers close.
func shutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	src source.Source,
	srcDone <-chan error,
	worker *flush.Worker,
	sinks []sink.Sink,
	dlq *kafka.DLQPublisher,
	httpServer *server.Server,
	logger *zap.Logger,
) {
	cancel()

	if src != nil {
		if srcDone != nil {
			select {
			case err := <-srcDone:
				if err != nil {
					logger.Error("source returned error", zap.Error(err))
				}
			case <-ctx.Done():
				logger.Warn("source did not stop within the grace period")
			}
		}
		if err := src.Close(); err != nil {
			logger.Error("failed to close source", zap.String("source", src.Name()), zap.Error(err))
		}
	}

	if err := worker.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("final flush failed", zap.Error(err))
	} else if err != nil {
		logger.Warn("final flush did not complete within the grace period", zap.Error(err))
	}

	closeSinks(sinks, logger)

	if err := dlq.Close(); err != nil {
		logger.Error("failed to close DLQ publisher", zap.Error(err))
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down HTTP servers", zap.Error(err))
	}
}
