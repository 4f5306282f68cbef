package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend はゲートウェイの実装を表す。
type Backend string

const (
	// BackendMemory はプロセス内のメモリゲートウェイ。再起動でデータは消える。
	BackendMemory Backend = "memory"
	// BackendPostgres はPostgreSQL上のゲートウェイ。
	BackendPostgres Backend = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	Backend Backend

	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration
	DBPingTimeout  time.Duration
	MigrateOnServe bool

	// Federated identity（空の場合はフェデレーションログインを無効にする）
	GoogleClientID string

	// Session token
	SessionSecret string
	SessionExpiry time.Duration
	// SessionCleanupInterval は期限切れセッションを削除する間隔（postgresのみ）
	SessionCleanupInterval time.Duration
	BcryptCost             int

	// Media upload
	MediaUploadURL      string
	MediaUploadPreset   string
	MediaFolder         string
	MediaMaxFileSize    int64
	MediaUploadInterval time.Duration
	OutboundTimeout     time.Duration

	// Local credential store
	CredentialPath string

	// Cache
	UserCacheTTL time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitUpload  int
	RateLimitAuth    int

	// Logging
	LogLevel slog.Level

	// CORSAllowedOrigins は状態変更リクエストを受け付けるブラウザのオリジン。空の場合は同一オリジンのみ。
	CORSAllowedOrigins []string

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、不足している変数をまとめてエラーで返す。
func Load() (*Config, error) {
	cfg := &Config{}

	backend := Backend(strings.ToLower(getEnvString("WORKNEST_BACKEND", string(BackendMemory))))
	switch backend {
	case BackendMemory, BackendPostgres:
		cfg.Backend = backend
	default:
		return nil, fmt.Errorf("unsupported WORKNEST_BACKEND: %q", backend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.Backend == BackendPostgres {
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if cfg.SessionSecret == "" {
			missing = append(missing, "SESSION_SECRET")
		}
	}

	cfg.MediaUploadURL = os.Getenv("MEDIA_UPLOAD_URL")
	cfg.MediaUploadPreset = os.Getenv("MEDIA_UPLOAD_PRESET")
	if cfg.MediaUploadURL != "" && cfg.MediaUploadPreset == "" {
		missing = append(missing, "MEDIA_UPLOAD_PRESET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLife = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBPingTimeout = getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	cfg.MigrateOnServe = getEnvBool("MIGRATE_ON_SERVE", false)
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.SessionExpiry = getEnvDuration("SESSION_EXPIRY", 30*24*time.Hour)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.MediaFolder = getEnvString("MEDIA_FOLDER", "avatars")
	cfg.MediaMaxFileSize = getEnvInt64("MEDIA_MAX_FILE_SIZE", 10<<20)
	cfg.MediaUploadInterval = getEnvDuration("MEDIA_UPLOAD_INTERVAL", time.Second)
	cfg.OutboundTimeout = getEnvDuration("OUTBOUND_TIMEOUT", 30*time.Second)
	cfg.CredentialPath = getEnvString("CREDENTIAL_PATH", ".worknest/credential.json")
	cfg.UserCacheTTL = getEnvDuration("WORKNEST_USER_CACHE_TTL", 0)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitUpload = getEnvInt("RATE_LIMIT_UPLOAD", 10)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.LogLevel = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// MediaUploadEnabled はメディアアップロード先が設定されている場合にtrueを返す。
func (c *Config) MediaUploadEnabled() bool {
	return c.MediaUploadURL != ""
}

// FederationEnabled はフェデレーションログインが有効な場合にtrueを返す。
func (c *Config) FederationEnabled() bool {
	return c.GoogleClientID != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いたスライスで返す。未設定の場合はnil。
func getEnvList(key string) []string {
	var list []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}

// getEnvLevel は "debug", "info", "warn", "error" をslog.Levelに変換する。
func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
