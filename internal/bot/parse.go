package bot

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"market_radar/internal/filter"
	"market_radar/internal/model"
	"market_radar/internal/notify"
)

const maxNameLen = 200

var (
	queryKeys    = []string{"q", "query", "text"}
	priceMinKeys = []string{"pmin", "price_min", "priceMin", "minPrice", "price_from"}
	priceMaxKeys = []string{"pmax", "price_max", "priceMax", "maxPrice", "price_to"}
	radiusKeys   = []string{"radius", "searchRadius", "r"}
	coordKeys    = []string{"geoCoords", "geo", "coords"}

	slugSuffixRe = regexp.MustCompile(`-ASg.*$`)
)

// ParseSearchURL builds a task from a marketplace search URL. The URL itself
// carries the server-side filters; only criteria that can be re-checked
// against listing fields are copied onto the task.
func ParseSearchURL(raw string) (model.Task, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Task{}, fmt.Errorf("invalid search URL %q", raw)
	}
	q := u.Query()

	t := model.Task{
		SearchURL: u.String(),
		Keywords:  firstParam(q, queryKeys),
		PriceMin:  digitsOnly(firstParam(q, priceMinKeys)),
		PriceMax:  digitsOnly(firstParam(q, priceMaxKeys)),
	}
	if r := digitsOnly(firstParam(q, radiusKeys)); r != nil {
		t.RadiusKm = int(*r)
	}
	if c := firstParam(q, coordKeys); c != "" && filter.IsCoordinates(c) {
		t.City = c
	}
	if t.PriceMin != nil && t.PriceMax != nil && *t.PriceMin > *t.PriceMax {
		return model.Task{}, fmt.Errorf("price_min %d exceeds price_max %d", *t.PriceMin, *t.PriceMax)
	}

	t.Name = t.Keywords
	if t.Name == "" {
		t.Name = pathSlug(u.Path)
	}
	if t.Name == "" {
		t.Name = u.Host
	}
	if r := []rune(t.Name); len(r) > maxNameLen {
		t.Name = string(r[:maxNameLen])
	}
	return t, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("task ID is required")
	}
	field := strings.TrimPrefix(strings.Fields(s)[0], "#")
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task ID %q", s)
	}
	return id, nil
}

// ParseQuietArgs parses "<HH:MM> <HH:MM>" or "off". Disabling returns two
// empty strings.
func ParseQuietArgs(args string) (start, end string, err error) {
	parts := strings.Fields(args)
	if len(parts) == 1 && strings.EqualFold(parts[0], "off") {
		return "", "", nil
	}
	if len(parts) != 2 {
		return "", "", fmt.Errorf("usage: /quiet <HH:MM> <HH:MM> or /quiet off")
	}
	for _, p := range parts {
		if !notify.ParseClock(p) {
			return "", "", fmt.Errorf("invalid time %q, use HH:MM", p)
		}
	}
	if parts[0] == parts[1] {
		return "", "", fmt.Errorf("start and end must differ")
	}
	return parts[0], parts[1], nil
}

// ParseLimitArg parses an hourly notification limit; "off" and 0 disable it.
func ParseLimitArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if strings.EqualFold(s, "off") {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 1000 {
		return 0, fmt.Errorf("limit must be a number between 0 and 1000, or off")
	}
	return n, nil
}

// ParseEventsArgs parses "<new|drop|update> <on|off>".
func ParseEventsArgs(args string) (model.NotificationKind, bool, error) {
	parts := strings.Fields(strings.ToLower(args))
	if len(parts) != 2 {
		return "", false, fmt.Errorf("usage: /events <new|drop|update> <on|off>")
	}
	var kind model.NotificationKind
	switch parts[0] {
	case "new":
		kind = model.NotifyKindNew
	case "drop", "price_drop":
		kind = model.NotifyKindPriceDrop
	case "update", "updated":
		kind = model.NotifyKindUpdated
	default:
		return "", false, fmt.Errorf("unknown event %q, use new, drop or update", parts[0])
	}
	on, err := ParseToggle(parts[1])
	if err != nil {
		return "", false, err
	}
	return kind, on, nil
}

// ParseToggle parses on/off.
func ParseToggle(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "1":
		return true, nil
	case "off", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// ParseWordList parses a comma separated phrase list; "off" clears it.
func ParseWordList(args string) []string {
	if strings.EqualFold(strings.TrimSpace(args), "off") {
		return nil
	}
	var out []string
	for _, w := range strings.Split(args, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func firstParam(q url.Values, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func digitsOnly(s string) *int64 {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func pathSlug(path string) string {
	var last string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			last = seg
		}
	}
	last = slugSuffixRe.ReplaceAllString(last, "")
	return strings.TrimSpace(strings.ReplaceAll(last, "_", " "))
}
