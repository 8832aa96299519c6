// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストア/キュー設定
	StoreDriver string // ジョブストアのドライバー (memory, redis, sqlite)
	QueueDriver string // 配送キューのドライバー (memory, asynq)
	RedisURL    string // Redis接続URL（redisストアとasynqキューで共用）
	SQLitePath  string // SQLiteデータベースファイルのパス
	BlobDir     string // ブロブストレージのルートディレクトリ

	// ワーカー設定
	RunWorkers  bool // このプロセスでワーカーを起動するか
	WorkerCount int  // ワーカーの同時実行数

	// リトライ/リース設定
	MaxAttempts        int           // ジョブの最大試行回数
	LeaseTimeout       time.Duration // クレームのリース期間
	SweepInterval      time.Duration // リース回収の実行間隔
	CancelPollInterval time.Duration // キャンセル要求の監視間隔
	DrainTimeout       time.Duration // 停止時に実行中ジョブを待つ時間

	// サイズ制限
	MaxPayloadBytes int   // ジョブペイロードの最大サイズ（バイト）
	MaxFileSize     int64 // アップロードファイルの最大サイズ（バイト）

	// イベント通知設定
	NATSURL           string // NATS接続URL（空なら通知を無効化）
	NATSSubjectPrefix string // イベント件名の接頭辞
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),

		// ストア/キュー設定
		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		QueueDriver: getEnv("QUEUE_DRIVER", "memory"),
		RedisURL:    getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/jobs.db"),
		BlobDir:     getEnv("BLOB_DIR", "./data/blobs"),

		// ワーカー設定
		RunWorkers:  getEnvAsBool("RUN_WORKERS", true),
		WorkerCount: getEnvAsInt("WORKER_COUNT", 4),

		// リトライ/リース設定
		MaxAttempts:        getEnvAsInt("MAX_ATTEMPTS", 3),
		LeaseTimeout:       getEnvAsDuration("LEASE_TIMEOUT", 60*time.Second),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", 15*time.Second),
		CancelPollInterval: getEnvAsDuration("CANCEL_POLL_INTERVAL", 500*time.Millisecond),
		DrainTimeout:       getEnvAsDuration("DRAIN_TIMEOUT", 30*time.Second),

		// サイズ制限
		MaxPayloadBytes: getEnvAsInt("MAX_PAYLOAD_BYTES", 1048576), // 1MB
		MaxFileSize:     getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// イベント通知設定
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "jobs.lifecycle"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, redis, sqlite (got %q)", c.StoreDriver)
	}

	switch c.QueueDriver {
	case "memory", "asynq":
	default:
		return fmt.Errorf("QUEUE_DRIVER must be one of memory, asynq (got %q)", c.QueueDriver)
	}

	// プロセス内キューはこのプロセスのワーカーしか配送先がありません。
	if c.QueueDriver == "memory" && !c.RunWorkers {
		return fmt.Errorf("RUN_WORKERS must be true when QUEUE_DRIVER is memory")
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("LEASE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.CancelPollInterval <= 0 {
		return fmt.Errorf("CANCEL_POLL_INTERVAL must be positive")
	}

	// 本番環境ではプロセス再起動でジョブを失うストアを許可しません。
	if c.GinMode == "release" && c.StoreDriver == "memory" {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in release mode")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（例: "60s", "500ms"）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
