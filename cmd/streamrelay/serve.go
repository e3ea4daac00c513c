package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/gateway"
	"github.com/nulzo/streamrelay/internal/httpclient"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/llm/tokens"
	"github.com/nulzo/streamrelay/internal/platform/logger"
	"github.com/nulzo/streamrelay/internal/platform/otel"
	"github.com/nulzo/streamrelay/internal/relay"
	"github.com/nulzo/streamrelay/internal/server"
	"github.com/nulzo/streamrelay/internal/store/cache"
	"github.com/nulzo/streamrelay/internal/store/sqlite"
	"github.com/nulzo/streamrelay/internal/usage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Import providers to trigger init() registration
	_ "github.com/nulzo/streamrelay/internal/llm/anthropic"
	_ "github.com/nulzo/streamrelay/internal/llm/google"
	_ "github.com/nulzo/streamrelay/internal/llm/openai"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, v, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Initialize(logger.FromSettings(cfg.Log.Level, cfg.Log.Format))
	log := logger.Get()
	defer logger.Sync()

	shutdownTracer, err := otel.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, log, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}

	repo, err := sqlite.NewSQLiteStorage(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kv cache.CacheService = cache.NewMemoryCache()
	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		kv = cache.NewRedisCache(client, "streamrelay:")
		log.Info("Using redis for cooldowns", zap.String("addr", cfg.Redis.Addr))
	}

	recorder := usage.NewRecorder(repo, log)
	candidates := usage.NewCandidateService(repo)

	opts := []relay.CommitterOption{relay.WithSettleDelay(cfg.Relay.SettleDelay)}
	if cfg.Relay.EstimateMissingUsage {
		est, err := tokens.New(tokens.DefaultEncoding)
		if err != nil {
			log.Warn("Token estimation disabled", zap.Error(err))
		} else {
			opts = append(opts, relay.WithEstimator(est))
		}
	}
	committer := relay.NewCommitter(log, recorder, candidates, opts...)

	formats := format.NewDefaultRegistry()
	client := httpclient.New(httpclient.Config{
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		WriteTimeout:   cfg.Upstream.WriteTimeout,
		PoolTimeout:    cfg.Upstream.PoolTimeout,
		MaxIdleConns:   cfg.Upstream.MaxIdleConns,
	})
	engine := relay.NewEngine(log, client, formats, committer, engineConfig(cfg))

	svc := gateway.NewService(log, kv, candidates, gateway.SettingsFromConfig(cfg.Relay))
	svc.Reload(ctx, cfg)

	if v.ConfigFileUsed() != "" {
		config.Watch(v, func(next *config.Config, err error) {
			if err != nil {
				log.Error("Config reload failed, keeping the previous one", zap.Error(err))
				return
			}
			logger.SetLevel(next.Log.Level)
			engine.SetConfig(engineConfig(next))
			svc.Reload(context.Background(), next)
		})
	}

	srv := server.New(cfg, log, server.Deps{
		Router:     svc,
		Engine:     engine,
		Pending:    recorder,
		Unrouted:   committer,
		Usage:      recorder,
		Candidates: candidates,
		Formats:    formats,
		Version:    AppVersion,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("port", cfg.Server.Port), zap.String("version", AppVersion))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown incomplete", zap.Error(err))
	}

	// in-flight commits must land before the database closes
	waitOrTimeout(shutdownCtx, committer.Wait, log)

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
	return nil
}

func engineConfig(cfg *config.Config) relay.Config {
	return relay.Config{
		PrefetchLines:  cfg.Relay.PrefetchLines,
		AuditBodyLimit: cfg.Relay.AuditBodyLimit,
	}
}

func waitOrTimeout(ctx context.Context, wait func(), log *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Gave up waiting for usage commits")
	}
}
