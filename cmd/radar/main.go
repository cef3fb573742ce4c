package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata" // Quiet hours need IANA zones on minimal images.

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"market_radar/internal/admin"
	"market_radar/internal/bot"
	"market_radar/internal/config"
	"market_radar/internal/fetcher"
	"market_radar/internal/filter"
	"market_radar/internal/scheduler"
	"market_radar/internal/storage"
	"market_radar/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fetchers, err := newFetchers(cfg, fetcher.NewMetrics(reg), log)
	if err != nil {
		log.Error("create fetcher", "kind", cfg.Fetcher, "error", err)
		os.Exit(1)
	}

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rules := filter.NewHolder(cfg.Match)
	if cfg.MatchRulesFile != "" {
		if r, err := config.LoadRulesFile(cfg.MatchRulesFile, cfg.Match); err != nil {
			log.Warn("load match rules file, using environment rules", "path", cfg.MatchRulesFile, "error", err)
		} else {
			rules.Store(r)
		}
		go func() {
			if err := config.WatchRules(ctx, cfg.MatchRulesFile, cfg.Match, rules, log); err != nil {
				log.Error("watch match rules", "error", err)
			}
		}()
	}

	sched := scheduler.New(store, fetchers, b, log, scheduler.Options{
		Tick:               cfg.SchedulerTick,
		GlobalPollInterval: cfg.GlobalPollInterval,
		MinRequestGap:      cfg.MinRequestGap,
		MaxBackoff:         cfg.MaxBackoff,
		AggregateThreshold: cfg.AggregateThreshold,
		DefaultTimezone:    cfg.DefaultTimezone,
		SendDelay:          500 * time.Millisecond,
	})
	sched.SetRules(rules)
	sched.SetMetrics(scheduler.NewMetrics(reg))

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, warning throttle stays in memory", "addr", cfg.RedisAddr, "error", err)
		} else {
			sched.SetThrottle(throttle.NewRedis(rdb, "radar:warn:"))
		}
	}

	if cfg.AdminAddr != "" {
		go func() {
			if err := admin.Serve(ctx, cfg.AdminAddr, admin.NewRouter(store, reg), log); err != nil {
				log.Error("admin server", "error", err)
			}
		}()
	}

	log.Info("starting radar", "fetcher", cfg.Fetcher)

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("radar stopped")
}

func newFetchers(cfg *config.Config, metrics *fetcher.Metrics, log *slog.Logger) (*fetcher.Factory, error) {
	switch cfg.Fetcher {
	case config.FetcherMock:
		return fetcher.NewGlobalFactory(fetcher.NewMock(cfg.MockDataPath)), nil
	case config.FetcherFeed:
		return fetcher.NewGlobalFactory(fetcher.NewFeed(cfg.FeedURL, nil)), nil
	}

	if err := os.MkdirAll(cfg.Market.CookiesDir, 0o700); err != nil {
		return nil, fmt.Errorf("create cookies dir: %w", err)
	}
	var refresher fetcher.SessionRefresher
	if cfg.Market.UseBrowser {
		refresher = fetcher.NewBrowserRefresher(log)
	}
	opts := fetcher.Options{
		BaseURL:    cfg.Market.BaseURL,
		MaxPages:   cfg.Market.MaxPages,
		PageDelay:  cfg.Market.PageDelay,
		MaxRetries: cfg.Market.MaxRetries,
		Timeout:    cfg.Market.RequestTimeout,
		ParseViews: cfg.Market.ParseViews,
		ViewsDelay: cfg.Market.ViewsDelay,
	}
	return fetcher.NewMarketplaceFactory(opts, cfg.Market.CookiesDir, refresher, metrics, log), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
