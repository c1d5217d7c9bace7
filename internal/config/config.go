// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSecret は必須の秘密鍵が設定されていない場合に返されます。
var ErrMissingSecret = errors.New("required secret is not configured")

// RateLimitRule はエンドポイント種別ごとのレート制限設定です。
type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	SecretSeed      string // 利用者パスワード導出用の秘密鍵
	AdminSecretSeed string // 管理者パスワード導出用の秘密鍵

	// サーバー設定
	Port           string // APIサーバーのポート番号
	GinMode        string // Ginの実行モード (debug, release, test)
	TrustedProxies []string
	SiteName       string

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// レート制限設定
	RateLimitRedisURL  string // 空の場合はプロセス内マップを使用
	RateLimitKeyPrefix string
	MemoryMaxEntries   int
	IPHashSalt         string
	AuthRateLimit      RateLimitRule
	APIRateLimit       RateLimitRule
	PageRateLimit      RateLimitRule
	CleanupInterval    time.Duration
	StorageOpTimeout   time.Duration

	// ログ設定
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		SecretSeed:      os.Getenv("SECRET_SEED"),
		AdminSecretSeed: os.Getenv("ADMIN_SECRET_SEED"),

		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		TrustedProxies: splitList(getEnv("TRUSTED_PROXIES", "")),
		SiteName:       getEnv("SITE_NAME", "Shelf"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		RateLimitRedisURL:  getEnv("RATE_LIMIT_REDIS_URL", ""),
		RateLimitKeyPrefix: getEnv("RATE_LIMIT_KEY_PREFIX", "shelfgate:"),
		MemoryMaxEntries:   getEnvAsInt("RATE_LIMIT_MEMORY_MAX_ENTRIES", 10000),
		IPHashSalt:         getEnv("IP_HASH_SALT", ""),
		AuthRateLimit: RateLimitRule{
			MaxRequests: getEnvAsInt("RATE_LIMIT_AUTH_MAX", 5),
			Window:      getEnvAsDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
		},
		APIRateLimit: RateLimitRule{
			MaxRequests: getEnvAsInt("RATE_LIMIT_API_MAX", 60),
			Window:      getEnvAsDuration("RATE_LIMIT_API_WINDOW", time.Minute),
		},
		PageRateLimit: RateLimitRule{
			MaxRequests: getEnvAsInt("RATE_LIMIT_PAGE_MAX", 100),
			Window:      getEnvAsDuration("RATE_LIMIT_PAGE_WINDOW", time.Minute),
		},
		CleanupInterval:  getEnvAsDuration("CLEANUP_INTERVAL", 5*time.Minute),
		StorageOpTimeout: getEnvAsDuration("RATE_LIMIT_STORAGE_TIMEOUT", 500*time.Millisecond),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.IPHashSalt == "" {
		config.IPHashSalt = deriveSalt(config.SecretSeed)
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
// SECRET_SEED の欠落はモードに関係なく起動失敗とします（既定値で補完しない）。
func (c *Config) Validate() error {
	if c.SecretSeed == "" {
		return fmt.Errorf("SECRET_SEED: %w", ErrMissingSecret)
	}
	if c.GinMode == "release" && c.AdminSecretSeed == "" {
		return fmt.Errorf("ADMIN_SECRET_SEED: %w", ErrMissingSecret)
	}
	for name, rule := range map[string]RateLimitRule{
		"RATE_LIMIT_AUTH": c.AuthRateLimit,
		"RATE_LIMIT_API":  c.APIRateLimit,
		"RATE_LIMIT_PAGE": c.PageRateLimit,
	} {
		if rule.MaxRequests <= 0 {
			return fmt.Errorf("%s_MAX must be positive", name)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("%s_WINDOW must be positive", name)
		}
	}
	if c.MemoryMaxEntries <= 0 {
		return fmt.Errorf("RATE_LIMIT_MEMORY_MAX_ENTRIES must be positive")
	}
	return nil
}

// HasAdminSecret は管理者ルートが利用可能かどうかを返します。
func (c *Config) HasAdminSecret() bool {
	return c.AdminSecretSeed != ""
}

// deriveSalt は IP_HASH_SALT 未設定時に SECRET_SEED から用途別の塩を作ります。
func deriveSalt(seed string) string {
	sum := sha256.Sum256([]byte("ip-salt:" + seed))
	return hex.EncodeToString(sum[:16])
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

// getEnvAsDuration は環境変数を time.Duration として取得します（例: 90s, 15m）。
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

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
