// Command taskgate serves the auth endpoints of the task backend: rate-limited
// login, registration, refresh-token rotation and logout.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/internal/database"
	"github.com/MrEthical07/taskgate/internal/httpapi"
	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/MrEthical07/taskgate/kv"
	"github.com/MrEthical07/taskgate/metrics/export/otel"
	"github.com/MrEthical07/taskgate/metrics/export/prometheus"
	"github.com/MrEthical07/taskgate/tokens"
	"github.com/MrEthical07/taskgate/users"
	"github.com/gin-gonic/gin"
	otelapi "go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := taskgate.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slogger := logging.NewSlog(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	log := logging.NewSlogLogger(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kvc, err := kv.Open(ctx, kv.Config{
		Addrs:     cfg.Redis.Addrs,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer kvc.Close()

	db, err := database.Open(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Migrate:         cfg.Database.Migrate,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	builder := taskgate.New().
		WithConfig(cfg).
		WithRedis(kvc.Redis()).
		WithUserStore(users.NewRepository(db.Gorm)).
		WithLogger(slogger).
		WithAuditSink(taskgate.NewSlogSink(slogger.With("component", "audit")))
	if cfg.Tokens.Backend == taskgate.TokenBackendPostgres {
		if db.Driver != database.DriverPostgres {
			return errors.New("postgres token backend requires a postgres database")
		}
		builder.WithTokenStore(tokens.NewPostgresStore(db.SQL, cfg.Tokens.StoreTimeout))
	}
	gate, err := builder.Build()
	if err != nil {
		return err
	}
	defer gate.Close()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otelapi.SetMeterProvider(provider)
	otelExp, err := otel.NewOTelExporter(provider.Meter("github.com/MrEthical07/taskgate"), gate)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		logFinalMetrics(slogger, reader)
		_ = otelExp.Close()
		_ = provider.Shutdown(context.Background())
	}()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go gate.NewSweeper().Run(sweepCtx)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := httpapi.NewRouter(gate, httpapi.Options{
		Logger:         log.With("component", "http"),
		Metrics:        prometheus.NewPrometheusExporter(gate).Handler(),
		TrustedProxies: cfg.HTTP.TrustedProxies,
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.HTTP.Addr, "token_backend", cfg.Tokens.Backend, "db_driver", db.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logFinalMetrics collects the OTel instruments once and logs every non-zero
// value.
func logFinalMetrics(l *slog.Logger, reader *sdkmetric.ManualReader) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		l.Warn("collect final metrics", "error", err)
		return
	}
	attrs := make([]any, 0, 16)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if dp.Value != 0 {
					attrs = append(attrs, m.Name, dp.Value)
				}
			}
		}
	}
	l.Info("final metrics", attrs...)
}
