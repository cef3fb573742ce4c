package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"market_radar/internal/changes"
	"market_radar/internal/model"
)

const (
	descriptionLimit = 120
	captionLimit     = 1024
)

// FormatPrice renders a price with space-grouped thousands, e.g. "12 500 ₽".
func FormatPrice(p *int64) string {
	if p == nil {
		return "no price"
	}
	v := *p
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	digits := strconv.FormatInt(v, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + " ₽"
}

// FormatEvent formats a classified listing as a Telegram notification.
// at is the detection time already converted to the user's zone.
func FormatEvent(taskName string, ev changes.Event, at time.Time) string {
	l := ev.Listing
	var b strings.Builder
	switch ev.Kind {
	case changes.PriceDrop:
		fmt.Fprintf(&b, "Price drop: %s → %s\n", FormatPrice(ev.OldPrice), FormatPrice(ev.NewPrice))
	case changes.Updated:
		b.WriteString("Listing updated\n")
	default:
		b.WriteString("New listing\n")
	}
	fmt.Fprintf(&b, "[%s]\n\n", taskName)
	b.WriteString(l.Title)
	if d := summarize(l.Description, descriptionLimit); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Price: %s\n", FormatPrice(l.Price))
	if l.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", l.Location)
	}
	if l.TotalViews != nil {
		fmt.Fprintf(&b, "Views: %d", *l.TotalViews)
		if l.TodayViews != nil {
			fmt.Fprintf(&b, " (+%d today)", *l.TodayViews)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Detected: %s", at.Format("2006-01-02 15:04"))
	return b.String()
}

// FormatAggregate formats the summary sent ahead of a large batch.
func FormatAggregate(taskName string, n int) string {
	return fmt.Sprintf("[%s]\nFound %d matching listings in this check.", taskName, n)
}

// FormatBlockedWarning tells the owner a task hit the marketplace's bot wall.
func FormatBlockedWarning(task model.Task, reason string, cooldown time.Duration) string {
	mins := max(1, int(cooldown.Round(time.Minute)/time.Minute))
	return fmt.Sprintf("Task #%d \"%s\" was blocked by the marketplace (%s).\nChecks resume in about %d min. Consider a new proxy with /proxy.",
		task.ID, task.Name, reason, mins)
}

// FormatConfigWarning tells the owner which anti-detection settings are
// missing or unusable.
func FormatConfigWarning(missing, invalid []string) string {
	var problems, cmds []string
	if len(missing) > 0 {
		problems = append(problems, "missing "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		problems = append(problems, "invalid "+strings.Join(invalid, ", "))
	}
	for _, f := range append(append([]string(nil), missing...), invalid...) {
		switch f {
		case "proxy":
			cmds = append(cmds, "/proxy <host:port:user:pass>")
		case "change_ip_url":
			cmds = append(cmds, "/ipurl <url>")
		}
	}
	return fmt.Sprintf("Monitoring is on hold: %s.\nSet it with:\n%s",
		strings.Join(problems, "; "), strings.Join(cmds, "\n"))
}

// FormatTaskList formats a user's tasks for display.
func FormatTaskList(tasks []model.Task) string {
	if len(tasks) == 0 {
		return "You have no tasks yet. Use /add <search url> to create one."
	}
	var b strings.Builder
	b.WriteString("Your tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n#%d %s  (every %s) [%s]\n", t.ID, t.Name, intervalLabel(t.IntervalSec), t.Status)
		if c := criteriaLabel(t); c != "" {
			fmt.Fprintf(&b, "   %s\n", c)
		}
		if t.LastCheckedAt != nil {
			fmt.Fprintf(&b, "   last check %s\n", t.LastCheckedAt.Format("2006-01-02 15:04 UTC"))
		}
	}
	return b.String()
}

// FormatFavorites formats saved listings.
func FormatFavorites(favs []model.Favorite) string {
	if len(favs) == 0 {
		return "No favorites yet. Tap \"Favorite\" under a listing to save it."
	}
	var b strings.Builder
	b.WriteString("Favorites:\n")
	for _, f := range favs {
		fmt.Fprintf(&b, "\n★%d %s\n   %s", f.ID, f.Title, FormatPrice(f.Price))
		if f.Location != "" {
			fmt.Fprintf(&b, ", %s", f.Location)
		}
		b.WriteString("\n")
		if f.URL != "" {
			fmt.Fprintf(&b, "   %s\n", f.URL)
		}
	}
	return b.String()
}

// FormatSettings summarizes a user's notification preferences.
func FormatSettings(u *model.User, st *model.Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Timezone: %s\n", orDash(u.Timezone))
	if u.QuietStart != "" && u.QuietEnd != "" {
		fmt.Fprintf(&b, "Quiet hours: %s–%s\n", u.QuietStart, u.QuietEnd)
	} else {
		b.WriteString("Quiet hours: off\n")
	}
	if u.NotifyLimitPerHour > 0 {
		fmt.Fprintf(&b, "Hourly limit: %d\n", u.NotifyLimitPerHour)
	} else {
		b.WriteString("Hourly limit: off\n")
	}
	fmt.Fprintf(&b, "Events: new %s, drop %s, update %s\n", onOff(u.NotifyNew), onOff(u.NotifyPriceDrop), onOff(u.NotifyUpdate))
	fmt.Fprintf(&b, "Monitoring: %s\n", onOff(st.MonitorEnabled))
	fmt.Fprintf(&b, "Proxy: %s\n", setLabel(st.ProxySecret))
	fmt.Fprintf(&b, "IP rotation URL: %s", setLabel(st.ChangeIPSecret))
	if len(st.Whitelist) > 0 {
		fmt.Fprintf(&b, "\nWhitelist: %s", strings.Join(st.Whitelist, ", "))
	}
	if len(st.Blacklist) > 0 {
		fmt.Fprintf(&b, "\nBlacklist: %s", strings.Join(st.Blacklist, ", "))
	}
	return b.String()
}

func criteriaLabel(t model.Task) string {
	var parts []string
	if t.Keywords != "" {
		parts = append(parts, "\""+t.Keywords+"\"")
	}
	if t.PriceMin != nil || t.PriceMax != nil {
		lo, hi := "0", "∞"
		if t.PriceMin != nil {
			lo = strconv.FormatInt(*t.PriceMin, 10)
		}
		if t.PriceMax != nil {
			hi = strconv.FormatInt(*t.PriceMax, 10)
		}
		parts = append(parts, "price "+lo+"–"+hi)
	}
	if t.City != "" {
		loc := t.City
		if t.RadiusKm > 0 {
			loc += fmt.Sprintf(" +%d km", t.RadiusKm)
		}
		parts = append(parts, loc)
	}
	if t.Category != "" {
		parts = append(parts, t.Category)
	}
	return strings.Join(parts, ", ")
}

func intervalLabel(sec int) string {
	if sec%60 == 0 {
		return fmt.Sprintf("%d min", sec/60)
	}
	return fmt.Sprintf("%d s", sec)
}

// summarize collapses whitespace and cuts s to at most limit runes.
func summarize(s string, limit int) string {
	return truncate(strings.Join(strings.Fields(s), " "), limit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func setLabel(v string) string {
	if v == "" {
		return "not set"
	}
	return "set"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
