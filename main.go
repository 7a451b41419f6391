package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"multi-angle-studio/modules/common/config"
	"multi-angle-studio/modules/common/logger"
	"multi-angle-studio/modules/common/metrics"
	studioredis "multi-angle-studio/modules/common/redis"
	"multi-angle-studio/modules/generation"
	"multi-angle-studio/modules/intake"
	"multi-angle-studio/modules/studio"
)

func main() {
	// 환경변수 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("❌ Server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 메트릭 레지스트리
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.MetricsNamespace, registry, zlog)

	// Gemini 클라이언트 (프로세스 전체에서 1회 생성)
	client, err := generation.NewGeminiClient(ctx, cfg)
	if err != nil {
		return err
	}
	generator := generation.NewGeminiGenerator(client.Models, generation.Options{
		Model:         cfg.GeminiModel,
		Timeout:       cfg.GenerationTimeout,
		RatePerSecond: cfg.GeminiRatePerSecond,
	}, zlog)

	deps := studio.Deps{
		Generator:      generator,
		Intake:         intake.NewService(cfg.MaxUploadBytes, zlog),
		Metrics:        collector,
		Logger:         zlog,
		MaxConcurrency: cfg.MaxConcurrency,
		DownloadDelay:  cfg.DownloadDelay,
	}

	// Redis는 선택 사항 - 연결 실패 시 스냅샷 없이 동작
	if cfg.RedisEnabled {
		if rdb := studioredis.Connect(cfg, zlog); rdb != nil {
			store := studioredis.NewSnapshotStore(rdb, cfg.SessionTTL, zlog)
			defer store.Close()
			deps.Store = store
		} else {
			zlog.Warn("⚠️ Redis unavailable, session snapshots disabled")
		}
	}

	sessions := studio.NewSessionManager(deps)
	sessions.StartCleanupRoutine(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: studio.NewServer(sessions, registry).Router(),
	}

	serverErrors := make(chan error, 1)
	go func() {
		zlog.Info("🚀 Multi-angle studio starting",
			zap.String("port", cfg.Port),
			zap.String("model", cfg.GeminiModel),
			zap.Bool("redis", deps.Store != nil))
		zlog.Info("📡 WebSocket endpoint: ws://localhost:" + cfg.Port + "/ws")
		zlog.Info("📊 Metrics: http://localhost:" + cfg.Port + "/metrics")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-shutdown:
		zlog.Info("⚠️ Starting graceful shutdown", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Graceful shutdown failed, forcing close", zap.Error(err))
		if closeErr := srv.Close(); closeErr != nil {
			return fmt.Errorf("could not stop server: shutdown error: %v, close error: %v", err, closeErr)
		}
	}

	// 진행 중인 생성 호출이 끝나길 기다린 뒤 세션 정리
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("⚠️ Generation calls still running at shutdown", zap.Error(err))
	}

	zlog.Info("✅ Server stopped cleanly")
	return nil
}
