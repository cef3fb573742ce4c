package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"market_radar/internal/model"
)

const (
	// DefaultBaseURL is the marketplace origin.
	DefaultBaseURL = "https://www.avito.ru"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
	markerCookie  = "ft"
	maxBodyBytes  = 5 * 1024 * 1024
	pageParam     = "p"
	refreshAfter  = 3
	viewsCacheLen = 4096
)

// blockMarkers are matched against the lowercased response body.
var blockMarkers = []string{"доступ ограничен", "problem with ip", "captcha"}

var browserHeaders = map[string]string{
	"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp," +
		"image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"Accept-Language":           "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
	"Sec-Ch-Ua":                 `"Chromium";v="140", "Not=A?Brand";v="24", "Google Chrome";v="140"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
}

// Options tune the marketplace fetcher.
type Options struct {
	BaseURL       string
	MaxPages      int
	PageDelay     time.Duration
	MaxRetries    int
	Timeout       time.Duration
	ParseViews    bool
	ViewsDelay    time.Duration
	ViewsCacheTTL time.Duration
	// CookiePath is where the session cookies persist. Empty disables persistence.
	CookiePath string
	// Transport overrides the HTTP transport, bypassing proxy setup. Used by tests.
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.MaxPages = max(1, o.MaxPages)
	o.MaxRetries = max(1, o.MaxRetries)
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.ViewsCacheTTL <= 0 {
		o.ViewsCacheTTL = 10 * time.Minute
	}
	return o
}

type viewCounts struct {
	total, today *int
}

// Marketplace fetches search result pages for one owner profile.
// It is not safe for concurrent use.
type Marketplace struct {
	opts      Options
	profile   Profile
	base      *url.URL
	transport http.RoundTripper
	client    *http.Client
	direct    *http.Client
	cookies   *CookieStore
	refresher SessionRefresher
	userAgent string
	views     *expirable.LRU[string, viewCounts]
	metrics   *Metrics
	log       *slog.Logger

	sleep func(context.Context, time.Duration) error
	rnd   *rand.Rand

	good, bad int
}

// NewMarketplace builds a fetcher for profile. refresher and metrics may be nil.
func NewMarketplace(opts Options, profile Profile, refresher SessionRefresher, metrics *Metrics, log *slog.Logger) (*Marketplace, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	transport := opts.Transport
	direct := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if profile.Proxy != "" {
			pc, err := ParseProxy(profile.Proxy)
			if err != nil {
				return nil, err
			}
			t.Proxy = http.ProxyURL(pc.URL)
		}
		transport = t
		direct = http.DefaultTransport
	}

	m := &Marketplace{
		opts:      opts,
		profile:   profile,
		base:      base,
		transport: transport,
		direct:    &http.Client{Transport: direct, Timeout: opts.Timeout},
		cookies:   NewCookieStore(opts.CookiePath),
		refresher: refresher,
		userAgent: defaultUserAgent,
		views:     expirable.NewLRU[string, viewCounts](viewsCacheLen, nil, opts.ViewsCacheTTL),
		metrics:   metrics,
		log:       log.With("fetcher", "marketplace", "owner_id", profile.OwnerID),
		sleep:     sleepCtx,
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(profile.OwnerID))),
	}
	m.resetSession()
	return m, nil
}

// Counters returns the good and bad request counts since construction.
func (m *Marketplace) Counters() (good, bad int) {
	return m.good, m.bad
}

// Fetch walks the task's search pages and returns listings deduplicated by ID.
// A soft failure on a later page keeps the listings already collected.
func (m *Marketplace) Fetch(ctx context.Context, task model.Task) ([]model.Listing, error) {
	if task.SearchURL == "" {
		return nil, fmt.Errorf("task %d has no search url", task.ID)
	}
	start, err := url.Parse(task.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	firstPage := pageNumber(start)

	seen := make(map[string]bool)
	var out []model.Listing
	for i := 0; i < m.opts.MaxPages; i++ {
		pageURL := task.SearchURL
		if i > 0 {
			if err := m.sleep(ctx, m.opts.PageDelay); err != nil {
				return nil, err
			}
			pageURL = withPage(start, firstPage+i)
		}

		body, err := m.get(ctx, pageURL)
		if err != nil {
			if errors.Is(err, ErrSoftFailure) && i > 0 {
				m.log.Warn("page fetch failed, keeping earlier pages", "task_id", task.ID, "page", firstPage+i)
				break
			}
			return nil, err
		}

		items, err := ExtractListings(body, m.opts.BaseURL, pageURL)
		if err != nil {
			m.metrics.IncParseFailure()
			m.log.Warn("parse page", "task_id", task.ID, "url", pageURL, "error", err)
			break
		}
		if len(items) == 0 {
			break
		}
		for _, l := range items {
			if seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			out = append(out, l)
		}
	}

	if m.opts.ParseViews && len(out) > 0 {
		m.enrichViews(ctx, out)
	}

	m.metrics.AddListings(len(out))
	m.log.Info("fetched listings", "task_id", task.ID, "count", len(out), "good_requests", m.good, "bad_requests", m.bad)
	return out, nil
}

// get retrieves target with retries, rotating the session and IP on block signals.
func (m *Marketplace) get(ctx context.Context, target string) ([]byte, error) {
	var (
		lastStatus  int
		lastBlocked bool
		retryAfter  time.Duration
		reason      string
	)

	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, m.attemptDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		status, header, body, err := m.do(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.metrics.IncRequest("network_error")
			m.log.Warn("request failed", "url", target, "attempt", attempt, "error", err)
			continue
		}

		if status >= http.StatusInternalServerError {
			m.metrics.IncRequest("server_error")
			m.log.Warn("server error", "url", target, "status", status, "attempt", attempt)
			continue
		}

		marker := blockMarker(body)
		if isBlockStatus(status) || marker != "" {
			m.bad++
			lastStatus = status
			lastBlocked = marker != ""
			reason = marker
			if reason == "" {
				reason = http.StatusText(status)
			}
			if ra := parseRetryAfter(header.Get("Retry-After"), time.Now()); ra > 0 {
				retryAfter = ra
			}
			m.metrics.IncRequest("blocked")
			m.log.Warn("blocked response", "url", target, "status", status, "marker", marker,
				"attempt", attempt, "bad_requests", m.bad)

			m.resetSession()
			if attempt >= refreshAfter {
				m.refreshSession(ctx)
			}
			m.changeIP(ctx)
			continue
		}

		m.good++
		m.metrics.IncRequest("ok")
		m.persistCookies()
		return body, nil
	}

	switch {
	case lastStatus == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Status: lastStatus, RetryAfter: retryAfter}
	case lastStatus == http.StatusFound || lastStatus == http.StatusForbidden || lastBlocked:
		return nil, &BlockedError{Status: lastStatus, Reason: reason}
	}
	m.log.Warn("request failed after retries", "url", target, "attempts", m.opts.MaxRetries)
	return nil, ErrSoftFailure
}

func (m *Marketplace) do(ctx context.Context, target string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// attemptDelay is min(10, attempt) seconds plus 0.1-0.9s of jitter.
func (m *Marketplace) attemptDelay(attempt int) time.Duration {
	jitter := 100*time.Millisecond + time.Duration(m.rnd.Int64N(int64(800*time.Millisecond)))
	return time.Duration(min(10, attempt))*time.Second + jitter
}

// resetSession starts a fresh cookie jar seeded with the persisted cookies.
func (m *Marketplace) resetSession() {
	jar, _ := cookiejar.New(nil)
	stored, err := m.cookies.Load()
	if err != nil {
		m.log.Debug("load cookies", "error", err)
	}
	jar.SetCookies(m.base, toHTTPCookies(stored))
	m.client = &http.Client{
		Transport: m.transport,
		Jar:       jar,
		Timeout:   m.opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (m *Marketplace) persistCookies() {
	if m.client.Jar == nil {
		return
	}
	if err := m.cookies.Save(fromHTTPCookies(m.client.Jar.Cookies(m.base))); err != nil {
		m.log.Debug("save cookies", "error", err)
	}
}

func (m *Marketplace) refreshSession(ctx context.Context) {
	if m.refresher == nil {
		return
	}
	cookies, ua, err := m.refresher.Refresh(ctx, m.profile.Proxy, m.opts.BaseURL)
	if err != nil {
		m.metrics.IncCookieRefresh("error")
		m.log.Error("cookie refresh failed", "error", err)
		return
	}
	if len(cookies) == 0 {
		m.metrics.IncCookieRefresh("empty")
		return
	}
	m.metrics.IncCookieRefresh("ok")
	if ua != "" {
		m.userAgent = ua
	}
	if err := m.cookies.Save(cookies); err != nil {
		m.log.Warn("save refreshed cookies", "error", err)
	}
	m.resetSession()
	if m.opts.CookiePath == "" {
		m.client.Jar.SetCookies(m.base, toHTTPCookies(cookies))
	}
}

func (m *Marketplace) changeIP(ctx context.Context) {
	if m.profile.ChangeIPURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.profile.ChangeIPURL, nil)
	if err != nil {
		m.metrics.IncIPRotation("error")
		m.log.Warn("change ip request", "error", err)
		return
	}
	resp, err := m.direct.Do(req)
	if err != nil {
		m.metrics.IncIPRotation("error")
		m.log.Warn("change ip failed", "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		m.metrics.IncIPRotation("ok")
		m.log.Info("proxy ip changed")
		return
	}
	m.metrics.IncIPRotation("error")
	m.log.Warn("change ip failed", "status", resp.StatusCode)
}

// enrichViews fills view counters in place. It stops at the first block or
// rate-limit signal; listings after that point keep empty counters.
func (m *Marketplace) enrichViews(ctx context.Context, listings []model.Listing) {
	fetched := 0
	for i := range listings {
		l := &listings[i]
		if l.URL == "" {
			continue
		}
		if v, ok := m.views.Get(l.ID); ok {
			m.metrics.ObserveViewsCache(true)
			l.TotalViews, l.TodayViews = v.total, v.today
			continue
		}
		m.metrics.ObserveViewsCache(false)

		if fetched > 0 {
			if err := m.sleep(ctx, m.opts.ViewsDelay); err != nil {
				return
			}
		}
		fetched++

		body, err := m.get(ctx, l.URL)
		if err != nil {
			var rl *RateLimitedError
			var bl *BlockedError
			if errors.As(err, &rl) || errors.As(err, &bl) || ctx.Err() != nil {
				m.log.Warn("views pass aborted", "listing_id", l.ID, "error", err)
				return
			}
			continue
		}
		total, today, err := ParseViews(body)
		if err != nil {
			continue
		}
		l.TotalViews, l.TodayViews = total, today
		m.views.Add(l.ID, viewCounts{total: total, today: today})
	}
}

func isBlockStatus(status int) bool {
	return status == http.StatusFound || status == http.StatusForbidden || status == http.StatusTooManyRequests
}

func blockMarker(body []byte) string {
	lower := strings.ToLower(string(body))
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(0, secs)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, t.Sub(now).Round(time.Second))
	}
	return 0
}

func pageNumber(u *url.URL) int {
	if p, err := strconv.Atoi(u.Query().Get(pageParam)); err == nil && p > 0 {
		return p
	}
	return 1
}

func withPage(u *url.URL, page int) string {
	next := *u
	q := next.Query()
	q.Set(pageParam, strconv.Itoa(page))
	next.RawQuery = q.Encode()
	return next.String()
}
