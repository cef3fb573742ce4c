// Package filter implements the listing matching engine.
package filter

import (
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"market_radar/internal/model"
)

// Rules are operator-wide match defaults.
type Rules struct {
	Whitelist       []string `yaml:"whitelist"`
	Blacklist       []string `yaml:"blacklist"`
	GeoFilter       string   `yaml:"geo_filter"`
	SellerBlacklist []string `yaml:"seller_blacklist"`
	MaxAgeMinutes   int      `yaml:"max_age_minutes"`
	IgnoreReserved  bool     `yaml:"ignore_reserved"`
	IgnorePromotion bool     `yaml:"ignore_promotion"`
}

var (
	tokenRe = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)
	coordRe = regexp.MustCompile(`^-?\d+(?:\.\d+)?,-?\d+(?:\.\d+)?$`)
)

// Match reports whether a listing satisfies the task criteria.
// The first failing rule short-circuits. user may be nil, in which case
// operator rules apply everywhere a user value could override them.
func Match(task *model.Task, l *model.Listing, rules Rules, user *model.Settings, now time.Time) bool {
	text := strings.ToLower(l.Title + " " + l.Description)

	whitelist, blacklist := rules.Whitelist, rules.Blacklist
	if user != nil && len(user.Whitelist) > 0 {
		whitelist = user.Whitelist
	}
	if user != nil && len(user.Blacklist) > 0 {
		blacklist = user.Blacklist
	}

	if len(whitelist) > 0 && !containsAny(text, whitelist) {
		return false
	}
	if containsAny(text, blacklist) {
		return false
	}

	for _, kw := range Tokens(task.Keywords) {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	for _, mw := range Tokens(task.MinusWords) {
		if strings.Contains(text, mw) {
			return false
		}
	}

	if !priceInBounds(task, l, user) {
		return false
	}

	location := strings.ToLower(l.Location)
	if city := strings.TrimSpace(task.City); city != "" && !IsCoordinates(city) && location != "" {
		if !strings.Contains(location, strings.ToLower(city)) {
			return false
		}
	}
	if geo := strings.TrimSpace(rules.GeoFilter); geo != "" && location != "" {
		if !strings.Contains(location, strings.ToLower(geo)) {
			return false
		}
	}

	if task.Category != "" && l.Category != "" {
		if !strings.Contains(strings.ToLower(l.Category), strings.ToLower(task.Category)) {
			return false
		}
	}

	ignoreReserved, ignorePromotion := rules.IgnoreReserved, rules.IgnorePromotion
	if user != nil {
		ignoreReserved, ignorePromotion = user.IgnoreReserved, user.IgnorePromotion
	}
	if ignoreReserved && l.IsReserved {
		return false
	}
	if ignorePromotion && l.IsPromotion {
		return false
	}

	if l.SellerID != "" {
		for _, s := range rules.SellerBlacklist {
			if strings.TrimSpace(s) == l.SellerID {
				return false
			}
		}
	}

	if maxAge := maxAgeMinutes(task, rules, user); maxAge > 0 && l.PublishedAt != nil {
		if now.Sub(*l.PublishedAt) > time.Duration(maxAge)*time.Minute {
			return false
		}
	}

	return enumMatches(task.Condition, l.Condition) &&
		enumMatches(task.Delivery, l.Delivery) &&
		enumMatches(task.SellerType, l.SellerType)
}

// Tokens splits a keyword string into lowercase word tokens.
func Tokens(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// IsCoordinates reports whether a city value is a coordinate pair or GPS
// reference, which the source already filters on.
func IsCoordinates(city string) bool {
	if strings.HasPrefix(strings.ToLower(city), "gps:") {
		return true
	}
	return coordRe.MatchString(strings.ReplaceAll(city, " ", ""))
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func priceInBounds(task *model.Task, l *model.Listing, user *model.Settings) bool {
	if l.Price == nil {
		return true
	}
	lo, hi := task.PriceMin, task.PriceMax
	if lo == nil && user != nil {
		lo = user.MinPrice
	}
	if hi == nil && user != nil {
		hi = user.MaxPrice
	}
	if lo != nil && *l.Price < *lo {
		return false
	}
	if hi != nil && *l.Price > *hi {
		return false
	}
	return true
}

func maxAgeMinutes(task *model.Task, rules Rules, user *model.Settings) int {
	if task.MaxAgeMinutes > 0 {
		return task.MaxAgeMinutes
	}
	if user != nil {
		return user.MaxAgeMinutes
	}
	return rules.MaxAgeMinutes
}

func enumMatches(want, got string) bool {
	if want == "" || strings.EqualFold(want, model.AnyValue) || got == "" {
		return true
	}
	return strings.EqualFold(want, got)
}

// Holder publishes the current operator rules to concurrent readers.
type Holder struct {
	v atomic.Pointer[Rules]
}

// NewHolder returns a Holder initialised with r.
func NewHolder(r Rules) *Holder {
	h := &Holder{}
	h.Store(r)
	return h
}

// Load returns the current rules.
func (h *Holder) Load() Rules {
	if r := h.v.Load(); r != nil {
		return *r
	}
	return Rules{}
}

// Store replaces the current rules.
func (h *Holder) Store(r Rules) {
	h.v.Store(&r)
}
