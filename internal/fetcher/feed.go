package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"market_radar/internal/model"
)

const sourceFeed = "feed"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Feed reads a shared RSS/Atom listings feed. Price and location come from
// custom <price> and <location> item elements when present.
type Feed struct {
	url    string
	client HTTPClient
}

// NewFeed creates a Feed for url using client.
func NewFeed(url string, client HTTPClient) *Feed {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Feed{url: url, client: client}
}

// FetchAll downloads the feed and maps every item to a Listing.
func (f *Feed) FetchAll(ctx context.Context) ([]model.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "MarketRadar/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := make([]model.Listing, 0, len(feed.Items))
	for _, item := range feed.Items {
		out = append(out, feedListing(item))
	}
	return out, nil
}

func feedListing(item *gofeed.Item) model.Listing {
	l := model.Listing{
		ID:          ItemGUID(item),
		URL:         item.Link,
		Title:       item.Title,
		Description: item.Description,
		Price:       customInt(item, "price"),
		Location:    customString(item, "location"),
		Source:      sourceFeed,
	}
	if l.Title == "" {
		l.Title = defaultTitle
	}
	if len(item.Categories) > 0 {
		l.Category = item.Categories[0]
	}
	if item.PublishedParsed != nil {
		ts := item.PublishedParsed.UTC()
		l.PublishedAt = &ts
	}
	switch {
	case item.Image != nil:
		l.ImageURL = item.Image.URL
	case len(item.Enclosures) > 0 && strings.HasPrefix(item.Enclosures[0].Type, "image/"):
		l.ImageURL = item.Enclosures[0].URL
	}
	return l
}

func customString(item *gofeed.Item, name string) string {
	if v := strings.TrimSpace(item.Custom[name]); v != "" {
		return v
	}
	for _, byName := range item.Extensions {
		for _, ext := range byName[name] {
			if v := strings.TrimSpace(ext.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

func customInt(item *gofeed.Item, name string) *int64 {
	raw := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, customString(item, name))
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
