package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"market_radar/internal/model"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Market listings</title>
  <link>https://market.test/</link>
  <description>Fresh listings</description>
  <item>
    <title>iPhone 13 128GB</title>
    <link>https://market.test/moscow/iphone_1</link>
    <guid>listing-1</guid>
    <description>Good condition</description>
    <category>Phones</category>
    <price>45 000 ₽</price>
    <location>Moscow</location>
    <pubDate>Sat, 01 Mar 2025 12:00:00 GMT</pubDate>
    <enclosure url="https://img.test/1.jpg" type="image/jpeg" length="1"/>
  </item>
  <item>
    <title>Bike</title>
    <link>https://market.test/moscow/bike_2</link>
  </item>
</channel>
</rss>`

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func TestFeedFetchAll(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantIDs   []string
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: sampleFeed, statusCode: 200},
			wantIDs:   []string{"listing-1", ItemGUID(&gofeed.Item{Title: "Bike", Link: "https://market.test/moscow/bike_2"})},
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFeed("https://market.test/rss", tt.transport)
			got, err := f.FetchAll(context.Background())

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantIDs, ids(got)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFeedListingFields(t *testing.T) {
	f := NewFeed("https://market.test/rss", &mockTransport{body: sampleFeed, statusCode: 200})
	got, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	first := got[0]
	first.PublishedAt = nil

	want := model.Listing{
		ID:          "listing-1",
		URL:         "https://market.test/moscow/iphone_1",
		Title:       "iPhone 13 128GB",
		Description: "Good condition",
		Price:       ptr(int64(45000)),
		Location:    "Moscow",
		ImageURL:    "https://img.test/1.jpg",
		Category:    "Phones",
		Source:      sourceFeed,
	}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
	if got[1].Price != nil {
		t.Errorf("price = %d, want nil", *got[1].Price)
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Listing Without GUID", Link: "https://market.test/item-1"},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMockFetchAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.json")
	data := `[{"id":"m1","url":"https://market.test/m1","title":"Sofa","price":7000},{"id":"m2","title":"Lamp","source":"seed"}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := NewMock(path).FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []model.Listing{
		{ID: "m1", URL: "https://market.test/m1", Title: "Sofa", Price: ptr(int64(7000)), Source: "mock"},
		{ID: "m2", Title: "Lamp", Source: "seed"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listings mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewMock(filepath.Join(t.TempDir(), "missing.json")).FetchAll(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCookieStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies", "1.json")
	store := NewCookieStore(path)

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}

	want := map[string]string{"ft": "abc", "u": "42"}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = NewCookieStore(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cookies mismatch (-want +got):\n%s", diff)
	}

	disabled := NewCookieStore("")
	if err := disabled.Save(want); err != nil {
		t.Fatalf("save disabled: %v", err)
	}
	got, _ = disabled.Load()
	if len(got) != 0 {
		t.Errorf("disabled store returned %v", got)
	}
}

func TestFactoryForProfile(t *testing.T) {
	f := NewMarketplaceFactory(Options{BaseURL: testBase}, t.TempDir(), nil, nil, testLogger())

	if f.Global() != nil {
		t.Error("marketplace factory must not expose a global fetcher")
	}

	if _, err := f.ForProfile(Profile{OwnerID: 1}); err == nil {
		t.Fatal("expected missing config error")
	}

	p := Profile{OwnerID: 1, Proxy: "10.0.0.1:3128", ChangeIPURL: "http://proxy.test/change"}
	a, err := f.ForProfile(p)
	if err != nil {
		t.Fatalf("for profile: %v", err)
	}
	b, err := f.ForProfile(p)
	if err != nil {
		t.Fatalf("for profile again: %v", err)
	}
	if a != b {
		t.Error("expected cached fetcher for unchanged profile")
	}

	p.Proxy = "10.0.0.2:3128"
	c, err := f.ForProfile(p)
	if err != nil {
		t.Fatalf("for changed profile: %v", err)
	}
	if a == c {
		t.Error("expected new fetcher after profile change")
	}
	if diff := cmp.Diff(filepath.Join(f.cookieDir, "1.json"), c.(*Marketplace).opts.CookiePath); diff != "" {
		t.Errorf("cookie path mismatch (-want +got):\n%s", diff)
	}
}

func TestGlobalFactory(t *testing.T) {
	mock := NewMock("unused.json")
	f := NewGlobalFactory(mock)
	if f.Global() != GlobalFetcher(mock) {
		t.Error("global fetcher not returned")
	}
}
