package redis

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"multi-angle-studio/modules/common/config"
)

// Connect - Redis 연결 생성. 연결 실패 시 nil 반환 (호출자는 스냅샷 저장 없이 동작)
func Connect(cfg *config.Config, logger *zap.Logger) *redis.Client {
	logger = logger.With(zap.String("component", "redis"))
	logger.Info("🔌 Connecting to Redis", zap.String("addr", cfg.GetRedisAddr()))

	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("❌ Redis ping failed", zap.Error(err))
		_ = rdb.Close()
		return nil
	}

	logger.Info("✅ Redis connected")
	return rdb
}
