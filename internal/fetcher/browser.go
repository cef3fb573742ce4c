package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// SessionRefresher obtains fresh site cookies, typically through a real browser.
type SessionRefresher interface {
	Refresh(ctx context.Context, proxy, baseURL string) (cookies map[string]string, userAgent string, err error)
}

// BrowserRefresher drives headless Chrome until the site sets its marker cookie.
type BrowserRefresher struct {
	UserAgent    string
	Attempts     int
	PollInterval time.Duration
	Timeout      time.Duration
	Log          *slog.Logger
}

// NewBrowserRefresher returns a refresher with the default polling schedule.
func NewBrowserRefresher(log *slog.Logger) *BrowserRefresher {
	return &BrowserRefresher{
		UserAgent:    defaultUserAgent,
		Attempts:     10,
		PollInterval: 5 * time.Second,
		Timeout:      2 * time.Minute,
		Log:          log,
	}
}

// Refresh opens a random item page and polls cookies until markerCookie appears.
// Whatever cookies were collected are returned even if the marker never shows up.
func (b *BrowserRefresher) Refresh(ctx context.Context, proxy, baseURL string) (map[string]string, string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(b.UserAgent),
	)

	var creds ProxyConfig
	if proxy != "" {
		pc, err := ParseProxy(proxy)
		if err != nil {
			return nil, "", fmt.Errorf("browser proxy: %w", err)
		}
		creds = pc
		opts = append(opts, chromedp.ProxyServer(pc.Server))
	}

	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	if creds.Username != "" {
		chromedp.ListenTarget(tabCtx, func(ev any) {
			switch e := ev.(type) {
			case *fetch.EventAuthRequired:
				go func() {
					_ = chromedp.Run(tabCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
						Response: fetch.AuthChallengeResponseResponseProvideCredentials,
						Username: creds.Username,
						Password: creds.Password,
					}))
				}()
			case *fetch.EventRequestPaused:
				go func() {
					_ = chromedp.Run(tabCtx, fetch.ContinueRequest(e.RequestID))
				}()
			}
		})
		if err := chromedp.Run(tabCtx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
			return nil, "", fmt.Errorf("enable proxy auth: %w", err)
		}
	}

	target := fmt.Sprintf("%s/%d", strings.TrimRight(baseURL, "/"), 111111111+rand.IntN(888888889))
	var userAgent string
	if err := chromedp.Run(tabCtx,
		chromedp.Navigate(target),
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
	); err != nil {
		return nil, "", fmt.Errorf("open %s: %w", target, err)
	}

	cookies := map[string]string{}
	for i := 0; i < b.Attempts; i++ {
		var raw []*network.Cookie
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			raw, err = network.GetCookies().Do(ctx)
			return err
		}))
		if err != nil {
			return nil, "", fmt.Errorf("read cookies: %w", err)
		}
		for _, c := range raw {
			cookies[c.Name] = c.Value
		}
		if cookies[markerCookie] != "" {
			b.Log.Info("browser cookies refreshed", "cookies", len(cookies))
			break
		}
		if err := sleepCtx(tabCtx, b.PollInterval); err != nil {
			return nil, "", err
		}
	}
	if userAgent == "" {
		userAgent = b.UserAgent
	}
	return cookies, userAgent, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
