package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"market_radar/internal/filter"
)

const (
	rulesDebounce     = 500 * time.Millisecond
	rulesReadAttempts = 3
)

// LoadRulesFile reads operator match rules from a YAML file. Keys absent from
// the file keep their value from base.
func LoadRulesFile(path string, base filter.Rules) (filter.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read rules file: %w", err)
	}
	rules := base
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return base, fmt.Errorf("parse rules file: %w", err)
	}
	return rules, nil
}

// WatchRules reloads the rules file into holder whenever it changes, until ctx
// is cancelled. A file that fails to parse leaves the previous rules active.
func WatchRules(ctx context.Context, path string, base filter.Rules, holder *filter.Holder, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	reload := func() {
		var (
			rules filter.Rules
			err   error
		)
		for i := range rulesReadAttempts {
			if i > 0 {
				time.Sleep(100 * time.Millisecond)
			}
			if rules, err = LoadRulesFile(target, base); err == nil {
				break
			}
		}
		if err != nil {
			log.Warn("reload match rules, keeping previous", "path", target, "error", err)
			return
		}
		holder.Store(rules)
		log.Info("match rules reloaded", "path", target)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(rulesDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("rules watcher", "error", err)
		}
	}
}
