package fetcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
)

// Factory hands out fetchers. In global mode every task shares one source;
// otherwise each owner gets a Marketplace bound to their profile.
type Factory struct {
	global    GlobalFetcher
	opts      Options
	cookieDir string
	refresher SessionRefresher
	metrics   *Metrics
	log       *slog.Logger

	mu      sync.Mutex
	byOwner map[int64]ownerFetcher
}

type ownerFetcher struct {
	profile Profile
	fetcher *Marketplace
}

// NewGlobalFactory returns a factory that always serves global.
func NewGlobalFactory(global GlobalFetcher) *Factory {
	return &Factory{global: global}
}

// NewMarketplaceFactory returns a factory building per-owner marketplace
// fetchers. Cookies persist under cookieDir when it is set.
func NewMarketplaceFactory(opts Options, cookieDir string, refresher SessionRefresher, metrics *Metrics, log *slog.Logger) *Factory {
	return &Factory{
		opts:      opts,
		cookieDir: cookieDir,
		refresher: refresher,
		metrics:   metrics,
		log:       log,
		byOwner:   make(map[int64]ownerFetcher),
	}
}

// Global returns the shared fetcher, or nil in per-task mode.
func (f *Factory) Global() GlobalFetcher {
	return f.global
}

// ForProfile returns the fetcher for p's owner, rebuilding it when the profile
// changed. It returns a *MissingConfigError when p is incomplete.
func (f *Factory) ForProfile(p Profile) (Fetcher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.byOwner[p.OwnerID]; ok && cached.profile == p {
		return cached.fetcher, nil
	}

	opts := f.opts
	if f.cookieDir != "" {
		opts.CookiePath = filepath.Join(f.cookieDir, strconv.FormatInt(p.OwnerID, 10)+".json")
	}
	m, err := NewMarketplace(opts, p, f.refresher, f.metrics, f.log)
	if err != nil {
		return nil, fmt.Errorf("build fetcher for owner %d: %w", p.OwnerID, err)
	}
	f.byOwner[p.OwnerID] = ownerFetcher{profile: p, fetcher: m}
	return m, nil
}
