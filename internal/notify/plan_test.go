package notify

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/go-cmp/cmp"

	"market_radar/internal/changes"
	"market_radar/internal/model"
)

func TestIsQuietHours(t *testing.T) {
	tests := []struct {
		name  string
		user  model.User
		local string
		want  bool
	}{
		{name: "wrapping window, 02:00", user: model.User{QuietStart: "23:00", QuietEnd: "07:00"}, local: "02:00", want: true},
		{name: "wrapping window, start inclusive", user: model.User{QuietStart: "23:00", QuietEnd: "07:00"}, local: "23:00", want: true},
		{name: "wrapping window, end exclusive", user: model.User{QuietStart: "23:00", QuietEnd: "07:00"}, local: "07:00", want: false},
		{name: "wrapping window, midday", user: model.User{QuietStart: "23:00", QuietEnd: "07:00"}, local: "12:30", want: false},
		{name: "same-day window inside", user: model.User{QuietStart: "13:00", QuietEnd: "15:00"}, local: "14:59", want: true},
		{name: "same-day window outside", user: model.User{QuietStart: "13:00", QuietEnd: "15:00"}, local: "15:00", want: false},
		{name: "equal bounds cover the day", user: model.User{QuietStart: "00:00", QuietEnd: "00:00"}, local: "02:00", want: true},
		{name: "equal bounds, at the bound", user: model.User{QuietStart: "08:30", QuietEnd: "08:30"}, local: "08:30", want: true},
		{name: "unset", user: model.User{}, local: "02:00", want: false},
		{name: "malformed", user: model.User{QuietStart: "25:00", QuietEnd: "07:00"}, local: "02:00", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock, err := time.Parse("15:04", tt.local)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			now := time.Date(2026, 3, 1, clock.Hour(), clock.Minute(), 0, 0, time.UTC)
			u := tt.user
			u.Timezone = "UTC"
			if diff := cmp.Diff(tt.want, IsQuietHours(&u, now, "UTC")); diff != "" {
				t.Errorf("IsQuietHours (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsQuietHoursUsesUserTimezone(t *testing.T) {
	// 23:00 UTC is 02:00 in Moscow.
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	u := model.User{Timezone: "Europe/Moscow", QuietStart: "01:00", QuietEnd: "03:00"}
	if !IsQuietHours(&u, now, "UTC") {
		t.Error("expected quiet hours in user's timezone")
	}

	u.Timezone = "Not/AZone"
	if IsQuietHours(&u, now, "UTC") {
		t.Error("unknown timezone should fall back to the default zone")
	}
}

func events(n int) []changes.Event {
	out := make([]changes.Event, n)
	for i := range out {
		out[i] = changes.Event{Kind: changes.New, Listing: model.Listing{ID: string(rune('a' + i))}}
	}
	return out
}

func TestBuildPlan(t *testing.T) {
	tests := []struct {
		name          string
		n             int
		quiet         bool
		remaining     int
		threshold     int
		wantAggregate bool
		wantSend      int
		wantSupp      map[string]int
	}{
		{name: "nothing to send", n: 0, remaining: Unlimited, threshold: 3, wantSupp: map[string]int{}},
		{name: "below threshold", n: 2, remaining: Unlimited, threshold: 3, wantSend: 2, wantSupp: map[string]int{}},
		{name: "at threshold aggregates", n: 3, remaining: Unlimited, threshold: 3, wantAggregate: true, wantSend: 3, wantSupp: map[string]int{}},
		{name: "quiet suppresses all", n: 5, quiet: true, remaining: Unlimited, threshold: 3, wantSupp: map[string]int{ReasonQuietHours: 5}},
		{name: "budget caps sends", n: 5, remaining: 2, threshold: 3, wantAggregate: true, wantSend: 2, wantSupp: map[string]int{ReasonBudget: 3}},
		{name: "budget exhausted", n: 1, remaining: 0, threshold: 3, wantSupp: map[string]int{ReasonBudget: 1}},
		{name: "threshold disabled", n: 10, remaining: Unlimited, threshold: 0, wantSend: 10, wantSupp: map[string]int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildPlan(events(tt.n), tt.quiet, tt.remaining, tt.threshold)
			if diff := cmp.Diff(tt.wantAggregate, p.Aggregate); diff != "" {
				t.Errorf("aggregate (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSend, len(p.Send)); diff != "" {
				t.Errorf("send count (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSupp, p.Suppressed); diff != "" {
				t.Errorf("suppressed (-want +got):\n%s", diff)
			}
		})
	}
}
