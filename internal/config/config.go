package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/mailbox/internal/model"
	"github.com/hitoshi/mailbox/internal/weight"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL  string
	AckChunkSize int

	// Messaging
	AMQPURL                string
	ContentRequestExchange string
	ContentReplyQueue      string
	ContentReplyTimeout    time.Duration

	// Bundling
	MaxWeightOverrides map[model.DomainOrigin]model.Weight

	// Archive
	ArchiveSchedule     string
	ArchiveBatchSize    int
	ArchiveTimeout      time.Duration
	BundleRetentionDays int

	// Rate Limit
	RateLimitPerMinute int

	// Logging
	LogLevel string

	// Server
	ServerPort      string
	ShutdownTimeout time.Duration
}

// LoadDotEnv は指定された.envファイルを環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはMAX_WEIGHT_OVERRIDESが不正な場合はエラーを返す。
// 数値や期間の形式が不正な任意項目はデフォルト値を使用する。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AMQPURL = os.Getenv("AMQP_URL")
	if cfg.AMQPURL == "" {
		missing = append(missing, "AMQP_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	overrides, err := weight.ParseOverrides(os.Getenv("MAX_WEIGHT_OVERRIDES"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_WEIGHT_OVERRIDES: %w", err)
	}
	cfg.MaxWeightOverrides = overrides

	// Optional fields with defaults
	cfg.AckChunkSize = getEnvPositiveInt("ACK_CHUNK_SIZE", 1000)
	cfg.ContentRequestExchange = getEnvString("CONTENT_REQUEST_EXCHANGE", "subdomain.content")
	cfg.ContentReplyQueue = os.Getenv("CONTENT_REPLY_QUEUE")
	cfg.ContentReplyTimeout = getEnvDuration("CONTENT_REPLY_TIMEOUT", 3*time.Second)
	cfg.ArchiveSchedule = getEnvString("ARCHIVE_SCHEDULE", "@every 1m")
	cfg.ArchiveBatchSize = getEnvPositiveInt("ARCHIVE_BATCH_SIZE", 500)
	cfg.ArchiveTimeout = getEnvDuration("ARCHIVE_TIMEOUT", 5*time.Minute)
	cfg.BundleRetentionDays = getEnvPositiveInt("BUNDLE_RETENTION_DAYS", 30)
	cfg.RateLimitPerMinute = getEnvPositiveInt("RATE_LIMIT_PER_MINUTE", 600)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvPositiveInt は正の整数を読み込む。0以下や解析できない値はデフォルト値になる。
func getEnvPositiveInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
