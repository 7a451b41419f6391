package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	// Server
	Port            string
	ShutdownTimeout time.Duration

	// Gemini API
	GeminiAPIKey        string
	GeminiModel         string
	GenerationTimeout   time.Duration // 0 = 타임아웃 없음
	GeminiRatePerSecond float64       // 0 = 제한 없음
	MaxConcurrency      int64         // 0 = 제한 없음

	// Intake / Presentation
	MaxUploadBytes int64
	DownloadDelay  time.Duration

	// Redis (세션 스냅샷)
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool
	SessionTTL    time.Duration

	// Observability
	LogLevel         string
	LogFormat        string
	MetricsNamespace string
}

const (
	DefaultGeminiModel    = "gemini-2.5-flash-image"
	DefaultMaxUploadBytes = 20 << 20
	DefaultDownloadDelay  = 300 * time.Millisecond
	DefaultSessionTTL     = 2 * time.Hour
)

// LoadConfig - 환경변수 로드
func LoadConfig() (*Config, error) {
	// .env 파일 로드 (있으면)
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv builds a Config from the process environment without validating it.
func FromEnv() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModel:         getEnv("GEMINI_MODEL", DefaultGeminiModel),
		GenerationTimeout:   getDuration("GENERATION_TIMEOUT", 0),
		GeminiRatePerSecond: getFloat("GEMINI_RATE_PER_SECOND", 0),
		MaxConcurrency:      int64(getInt("MAX_CONCURRENCY", 0)),

		MaxUploadBytes: int64(getInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)),
		DownloadDelay:  getDuration("DOWNLOAD_DELAY", DefaultDownloadDelay),

		RedisEnabled:  getBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getBool("REDIS_USE_TLS", false),
		SessionTTL:    getDuration("SESSION_TTL", DefaultSessionTTL),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "angle_studio"),
	}
}

// Validate - 필수 환경변수 검증
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.GeminiModel == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("MAX_CONCURRENCY must not be negative, got %d", c.MaxConcurrency)
	}
	if c.GeminiRatePerSecond < 0 {
		return fmt.Errorf("GEMINI_RATE_PER_SECOND must not be negative, got %v", c.GeminiRatePerSecond)
	}
	if c.GenerationTimeout < 0 || c.DownloadDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RedisEnabled && c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED is set")
	}
	return nil
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %v", key, value, defaultValue)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid %s=%q, using default %v", key, value, defaultValue)
	}
	return defaultValue
}

// getDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("⚠️  Invalid %s=%q, using default %v", key, value, defaultValue)
	return defaultValue
}
