// Package fetcher retrieves marketplace listings, detecting and riding out
// anti-bot defenses along the way.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"market_radar/internal/model"
)

// Fetcher returns the current listings for one task.
type Fetcher interface {
	Fetch(ctx context.Context, task model.Task) ([]model.Listing, error)
}

// GlobalFetcher returns listings independent of any single task.
type GlobalFetcher interface {
	FetchAll(ctx context.Context) ([]model.Listing, error)
}

// Profile carries the per-owner anti-detection configuration.
type Profile struct {
	OwnerID     int64
	Proxy       string
	ChangeIPURL string
}

// ErrSoftFailure reports that every attempt failed without a block or
// rate-limit signal, e.g. network errors or 5xx responses.
var ErrSoftFailure = errors.New("fetch failed after retries")

// RateLimitedError reports throttling by the site.
type RateLimitedError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d, retry after %s)", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

// BlockedError reports a hard anti-bot rejection.
type BlockedError struct {
	Status int
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked: %s (status %d)", e.Reason, e.Status)
}

// MissingConfigError reports absent or unusable anti-detection settings for an owner.
type MissingConfigError struct {
	Fields  []string
	Invalid []string
}

func (e *MissingConfigError) Error() string {
	var parts []string
	if len(e.Fields) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Fields, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "fetch configuration: " + strings.Join(parts, "; ")
}

// Validate returns a MissingConfigError when proxy or IP rotation is unset or
// the proxy cannot be parsed.
func (p Profile) Validate() error {
	var missing, invalid []string
	if strings.TrimSpace(p.Proxy) == "" {
		missing = append(missing, "proxy")
	} else if _, err := ParseProxy(p.Proxy); err != nil {
		invalid = append(invalid, "proxy")
	}
	if strings.TrimSpace(p.ChangeIPURL) == "" {
		missing = append(missing, "change_ip_url")
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return &MissingConfigError{Fields: missing, Invalid: invalid}
	}
	return nil
}
