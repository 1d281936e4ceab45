package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campusmate/campusfeed/internal/model"
)

// maxBatchOperations はストアの1トランザクションあたりの操作数上限。
// BatchThresholdはこれを超えないようにクランプする。
const maxBatchOperations = 500

// defaultUserAgent はソースに提示するブラウザ相当のクライアント識別子。
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Feed source
	FeedBaseURL   string
	FeedOrigin    string
	FeedSource    string
	FeedTZOffset  string
	FeedPageSize  int
	FeedUserAgent string
	Categories    []model.Category

	// Fetch
	FetchTimeout     time.Duration
	FetchMaxSize     int64
	FetchMinInterval time.Duration

	// Tick
	TickInterval   time.Duration
	TickTimeout    time.Duration
	BatchThreshold int

	// Redis（空の場合はティックロックを無効化）
	RedisURL string

	// Push
	FirebaseCredentialsFile string
	PushDryRun              bool
	EventsEnabled           bool

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.FeedBaseURL = strings.TrimRight(os.Getenv("FEED_BASE_URL"), "/")
	if cfg.FeedBaseURL == "" {
		missing = append(missing, "FEED_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	origin, err := originOf(cfg.FeedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_BASE_URL: %w", err)
	}

	// Optional fields with defaults
	cfg.FeedOrigin = strings.TrimRight(getEnvString("FEED_ORIGIN", origin), "/")
	cfg.FeedSource = getEnvString("FEED_SOURCE", "univ-notice")
	cfg.FeedTZOffset = getEnvString("FEED_TZ_OFFSET", "+09:00")
	cfg.FeedPageSize = getEnvInt("FEED_PAGE_SIZE", 10)
	cfg.FeedUserAgent = getEnvString("FEED_USER_AGENT", defaultUserAgent)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMinInterval = getEnvDuration("FETCH_MIN_INTERVAL", time.Second)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", 10*time.Minute)
	cfg.TickTimeout = getEnvDuration("TICK_TIMEOUT", 540*time.Second)
	cfg.BatchThreshold = getEnvInt("BATCH_THRESHOLD", 450)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.FirebaseCredentialsFile = getEnvString("FIREBASE_CREDENTIALS_FILE", "")
	cfg.PushDryRun = getEnvBool("PUSH_DRY_RUN", false)
	cfg.EventsEnabled = getEnvBool("EVENTS_ENABLED", true)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.FeedPageSize <= 0 {
		cfg.FeedPageSize = 10
	}
	if cfg.BatchThreshold <= 0 || cfg.BatchThreshold > maxBatchOperations {
		cfg.BatchThreshold = 450
	}

	if _, err := ParseTZOffset(cfg.FeedTZOffset); err != nil {
		return nil, fmt.Errorf("invalid FEED_TZ_OFFSET: %w", err)
	}

	cfg.Categories = DefaultCategories()
	if path := os.Getenv("CATEGORIES_FILE"); path != "" {
		categories, err := LoadCategoriesFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load CATEGORIES_FILE: %w", err)
		}
		cfg.Categories = categories
	}

	return cfg, nil
}

// ParseTZOffset は "+09:00" 形式のオフセット文字列を秒数に変換する。
func ParseTZOffset(offset string) (int, error) {
	t, err := time.Parse("Z07:00", offset)
	if err != nil {
		return 0, err
	}
	_, sec := t.Zone()
	return sec, nil
}

// originOf はURLからscheme://hostを取り出す。
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("absolute URL required: %s", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
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
