package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/post-counter-cache/internal"
	"github.com/koopa0/system-design/post-counter-cache/internal/migrations"
	"github.com/koopa0/system-design/post-counter-cache/internal/spill"
	"github.com/koopa0/system-design/post-counter-cache/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 載入配置
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 設定日誌
	log, err := logger.New(logger.Options{
		Level:     config.Log.Level,
		Format:    config.Log.Format,
		Output:    config.Log.Output,
		AddSource: config.Log.AddSource,
		TimeZone:  config.Log.TimeZone,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	// 指標
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := internal.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 執行資料庫遷移
	dsn := config.PostgresDSN()
	if err := migrate(dsn, log); err != nil {
		return err
	}

	// 連接 PostgreSQL
	// 使用 pgxpool 而非單一連線
	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = config.Postgres.MaxConns
	pgConfig.MinConns = config.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := internal.NewPostStore(pool)

	// Redis 連線延遲到第一次使用時建立，啟動時不可用也能服務
	conn := internal.NewConnManager(config, log)

	var cacheOpts []internal.CacheOption
	if config.Counter.SpillPath != "" {
		spillStore, err := spill.Open(config.Counter.SpillPath)
		if err != nil {
			return fmt.Errorf("open spill store: %w", err)
		}
		defer func() {
			if err := spillStore.Close(); err != nil {
				log.Error("failed to close spill store", "error", err)
			}
		}()
		cacheOpts = append(cacheOpts, internal.WithSpill(spillStore))
	}

	cache := internal.NewCounterCache(conn, config, metrics, log, cacheOpts...)
	cache.Start(ctx)

	reconciler := internal.NewReconciler(cache, store, config, internal.RealClock{}, metrics, log)
	reconciler.Start(ctx)

	auth := internal.NewStaticAuthorizer(config.Auth.Tokens)
	if len(config.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured, all api requests will be rejected")
	}
	handler := internal.NewHandler(cache, store, auth, metrics, registry, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", "port", config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		// 先停止接收請求，再做最後一輪對帳並關閉快取；兩段各自計時
		serverCtx, cancelServer := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancelServer()

		if err := srv.Shutdown(serverCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancelDrain()

		if err := reconciler.Shutdown(drainCtx); err != nil {
			log.Error("reconciler shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("server stopped")
	return nil
}

// migrate 執行資料庫遷移
func migrate(dsn string, log *slog.Logger) error {
	m, err := migrations.New(dsn, log)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close migrator", "error", err)
		}
	}()

	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
