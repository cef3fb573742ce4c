// Package config loads application settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"market_radar/internal/filter"
)

// Fetcher kinds.
const (
	FetcherMarketplace = "marketplace"
	FetcherMock        = "mock"
	FetcherFeed        = "feed"
)

// Config holds all application settings.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	DefaultTimezone        string
	DefaultTaskIntervalSec int
	SchedulerTick          time.Duration
	GlobalPollInterval     time.Duration
	AggregateThreshold     int
	MinRequestGap          time.Duration
	MaxBackoff             time.Duration

	Fetcher      string
	MockDataPath string
	FeedURL      string
	Market       Market

	Match          filter.Rules
	MatchRulesFile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminAddr string
}

// Market configures the per-task marketplace fetcher.
type Market struct {
	BaseURL        string
	UseBrowser     bool
	CookiesDir     string
	MaxPages       int
	PageDelay      time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	ParseViews     bool
	ViewsDelay     time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	var r reader
	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     r.str("DATABASE_PATH", "./data/radar.db"),
		LogLevel:         r.str("LOG_LEVEL", "info"),
		AllowedUsers:     r.ids("ALLOWED_USERS"),

		DefaultTimezone:        r.str("DEFAULT_TIMEZONE", "Europe/Moscow"),
		DefaultTaskIntervalSec: r.int("DEFAULT_TASK_INTERVAL_SEC", 300),
		SchedulerTick:          r.seconds("SCHEDULER_TICK_SEC", 30*time.Second),
		GlobalPollInterval:     r.seconds("GLOBAL_POLL_INTERVAL_SEC", 120*time.Second),
		AggregateThreshold:     r.int("AGGREGATE_THRESHOLD", 0),
		MinRequestGap:          r.seconds("MIN_REQUEST_GAP_SEC", 0),
		MaxBackoff:             r.seconds("MAX_BACKOFF_SEC", 600*time.Second),

		Fetcher:      strings.ToLower(r.str("FETCHER", FetcherMarketplace)),
		MockDataPath: r.str("MOCK_DATA_PATH", "./data/mock_listings.json"),
		FeedURL:      r.str("FEED_URL", ""),
		Market: Market{
			BaseURL:        r.str("MARKET_BASE_URL", "https://www.avito.ru"),
			UseBrowser:     r.bool("MARKET_USE_BROWSER", false),
			CookiesDir:     r.str("COOKIES_DIR", "./data/cookies"),
			MaxPages:       r.int("MARKET_MAX_PAGES", 1),
			PageDelay:      r.seconds("MARKET_PAUSE_SEC", 3*time.Second),
			MaxRetries:     r.int("MARKET_MAX_RETRIES", 5),
			RequestTimeout: r.seconds("MARKET_REQUEST_TIMEOUT_SEC", 20*time.Second),
			ParseViews:     r.bool("MARKET_PARSE_VIEWS", false),
			ViewsDelay:     r.seconds("MARKET_VIEWS_DELAY_SEC", 2*time.Second),
		},

		Match: filter.Rules{
			Whitelist:       r.list("MATCH_WHITELIST"),
			Blacklist:       r.list("MATCH_BLACKLIST"),
			GeoFilter:       r.str("MATCH_GEO_FILTER", ""),
			SellerBlacklist: r.list("MATCH_SELLER_BLACKLIST"),
			MaxAgeMinutes:   r.int("MATCH_MAX_AGE_MINUTES", 0),
			IgnoreReserved:  r.bool("MATCH_IGNORE_RESERVED", true),
			IgnorePromotion: r.bool("MATCH_IGNORE_PROMOTION", false),
		},
		MatchRulesFile: r.str("MATCH_RULES_FILE", ""),

		RedisAddr:     r.str("REDIS_ADDR", ""),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.int("REDIS_DB", 0),

		AdminAddr: r.str("ADMIN_ADDR", ""),
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}

	switch cfg.Fetcher {
	case FetcherMarketplace, FetcherMock:
	case FetcherFeed:
		if cfg.FeedURL == "" {
			return nil, fmt.Errorf("FEED_URL is required when FETCHER=%s", FetcherFeed)
		}
	default:
		return nil, fmt.Errorf("unknown FETCHER %q", cfg.Fetcher)
	}
	if cfg.DefaultTaskIntervalSec < 1 {
		return nil, fmt.Errorf("DEFAULT_TASK_INTERVAL_SEC must be positive")
	}

	return cfg, nil
}

// IsUserAllowed reports whether the given user ID is permitted to use the bot.
// An empty AllowedUsers list means all users are allowed.
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// reader collects parse errors so Load can report every bad variable at once.
type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.errs = append(r.errs, fmt.Errorf("invalid %s %q: want true or false", key, v))
	return def
}

// seconds reads a possibly fractional number of seconds.
func (r *reader) seconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: want non-negative seconds", key, v))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (r *reader) list(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) ids(key string) []int64 {
	var out []int64
	for _, s := range r.list(key) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid user ID %q in %s: %w", s, key, err))
			continue
		}
		out = append(out, id)
	}
	return out
}
