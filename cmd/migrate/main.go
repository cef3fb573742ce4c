package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"market_radar/migrations"
)

const usage = `Usage: migrate [-db path] <command>

Commands:
  up          Migrate to the latest version
  up-one      Migrate one version up
  down        Roll back one version
  status      Show migration status
  version     Show current version
  reset       Roll back all migrations`

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/radar.db"), "path to sqlite database")
	timeout := flag.Duration("timeout", time.Minute, "abort after this long")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Error("open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		log.Error("init migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, p, cmd, log); err != nil {
		log.Error("migrate", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *goose.Provider, cmd string, log *slog.Logger) error {
	switch cmd {
	case "up":
		res, err := p.Up(ctx)
		logResults(log, res...)
		return err
	case "up-one":
		res, err := p.UpByOne(ctx)
		logResults(log, res)
		return err
	case "down":
		res, err := p.Down(ctx)
		logResults(log, res)
		return err
	case "reset":
		res, err := p.DownTo(ctx, 0)
		logResults(log, res...)
		return err
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Println(v)
		return nil
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format(time.DateTime)
			}
			fmt.Printf("%-6d %-20s %s\n", s.Source.Version, applied, s.Source.Path)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func logResults(log *slog.Logger, results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		log.Info("migration", "version", r.Source.Version, "direction", r.Direction, "took", r.Duration)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
