// Package notify decides which change events reach a user and when.
package notify

import (
	"strconv"
	"strings"
	"time"

	"market_radar/internal/changes"
	"market_radar/internal/model"
)

// Unlimited marks a budget with no hourly cap.
const Unlimited = -1

// Suppression reasons.
const (
	ReasonQuietHours = "quiet_hours"
	ReasonBudget     = "budget"
)

// Plan is the delivery decision for one task cycle.
type Plan struct {
	// Aggregate is set when a summary count message precedes the individual ones.
	Aggregate bool
	Total     int
	Send      []changes.Event
	// Suppressed counts dropped events per reason. Dropped events are never retried.
	Suppressed map[string]int
}

// BuildPlan applies quiet hours, the remaining hourly budget and the
// aggregation threshold to a batch of events. remaining is Unlimited or >= 0.
func BuildPlan(events []changes.Event, quiet bool, remaining, threshold int) Plan {
	p := Plan{Total: len(events), Suppressed: map[string]int{}}
	if len(events) == 0 {
		return p
	}
	if quiet {
		p.Suppressed[ReasonQuietHours] = len(events)
		return p
	}
	p.Aggregate = threshold > 0 && len(events) >= threshold

	p.Send = events
	if remaining != Unlimited && remaining < len(events) {
		p.Send = events[:max(remaining, 0)]
		p.Suppressed[ReasonBudget] = len(events) - len(p.Send)
	}
	return p
}

// Location resolves a user's timezone, falling back to def and then UTC.
func Location(name, def string) *time.Location {
	for _, n := range []string{name, def} {
		if n == "" {
			continue
		}
		if loc, err := time.LoadLocation(n); err == nil {
			return loc
		}
	}
	return time.UTC
}

// IsQuietHours reports whether now falls inside the user's quiet window.
// The window is [start, end) in the user's local time and may wrap midnight;
// equal bounds cover the whole day. Missing or malformed bounds disable quiet hours.
func IsQuietHours(u *model.User, now time.Time, defaultTZ string) bool {
	start, ok1 := parseClock(u.QuietStart)
	end, ok2 := parseClock(u.QuietEnd)
	if !ok1 || !ok2 {
		return false
	}
	local := now.In(Location(u.Timezone, defaultTZ))
	t := local.Hour()*60 + local.Minute()
	if start < end {
		return start <= t && t < end
	}
	return t >= start || t < end
}

// ParseClock validates an "HH:MM" string.
func ParseClock(s string) bool {
	_, ok := parseClock(s)
	return ok
}

func parseClock(s string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
