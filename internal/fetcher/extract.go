package fetcher

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"market_radar/internal/model"
)

const (
	sourceMarketplace = "marketplace"
	defaultTitle      = "Объявление"
	promotionTitle    = "Продвинуто"
)

var (
	errNoState = errors.New("page state not found")
	brandRe    = regexp.MustCompile(`/brands/([^/?#"]+)`)
)

// catalogPaths are tried in order against the page state.
var catalogPaths = [][]string{
	{"data", "catalog"},
	{"catalog"},
	{"state", "data", "catalog"},
}

// ExtractListings decodes the state payload embedded in a search page and
// maps each catalog item to a Listing. pageURL is used when an item has no link.
func ExtractListings(body []byte, baseURL, pageURL string) ([]model.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var state map[string]any
	doc.Find(`script[type="mime/invalid"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v any
		dec := json.NewDecoder(strings.NewReader(html.UnescapeString(s.Text())))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return true
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return true
		}
		state = obj
		if inner, ok := obj["state"].(map[string]any); ok {
			state = inner
		} else if inner, ok := obj["data"].(map[string]any); ok {
			state = inner
		}
		return false
	})
	if state == nil {
		return nil, errNoState
	}

	var items []any
	for _, path := range catalogPaths {
		catalog, ok := deepGet(state, path...).(map[string]any)
		if !ok || len(catalog) == 0 {
			continue
		}
		items, _ = catalog["items"].([]any)
		break
	}

	listings := make([]model.Listing, 0, len(items))
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		listings = append(listings, toListing(item, baseURL, pageURL))
	}
	return listings, nil
}

func toListing(item map[string]any, baseURL, pageURL string) model.Listing {
	urlPath := firstString(item, "urlPath", "url")
	l := model.Listing{
		ID:          listingID(item, urlPath),
		URL:         absoluteURL(baseURL, urlPath),
		Title:       firstString(item, "title"),
		Description: firstString(item, "description"),
		Price:       firstInt(deepGet(item, "priceDetailed", "value"), item["price"]),
		Location: firstNonEmpty(
			asString(deepGet(item, "geo", "formattedAddress")),
			asString(deepGet(item, "addressDetailed", "locationName")),
			asString(deepGet(item, "location", "name")),
		),
		ImageURL:    imageURL(item),
		Category:    asString(deepGet(item, "category", "name")),
		SellerID:    sellerID(item),
		IsPromotion: isPromotion(item),
		Source:      sourceMarketplace,
	}
	if l.URL == "" {
		l.URL = pageURL
	}
	if l.Title == "" {
		l.Title = defaultTitle
	}
	if reserved, ok := item["isReserved"].(bool); ok {
		l.IsReserved = reserved
	}
	if ms := firstInt(item["sortTimeStamp"]); ms != nil && *ms > 0 {
		ts := time.UnixMilli(*ms).UTC()
		l.PublishedAt = &ts
	}
	return l
}

// deepGet walks nested maps by key and returns nil when any step is missing.
func deepGet(v any, keys ...string) any {
	cur := v
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	return cur
}

func listingID(item map[string]any, urlPath string) string {
	for _, k := range []string{"id", "itemId"} {
		if s := asString(item[k]); s != "" && s != "0" {
			return s
		}
	}
	if p := strings.Trim(urlPath, "/"); p != "" {
		return p
	}
	// encoding/json sorts map keys, which keeps the fallback stable across fetches.
	blob, _ := json.Marshal(item)
	h := sha256.Sum256(blob)
	return fmt.Sprintf("sha256:%x", h[:16])
}

func imageURL(item map[string]any) string {
	for _, k := range []string{"imageLargeUrl", "imageUrl", "imageLargeVipUrl", "imageVipUrl"} {
		if s := asString(deepGet(item, "gallery", k)); s != "" {
			return s
		}
	}
	images, _ := item["images"].([]any)
	for _, img := range images {
		root, ok := deepGet(img, "root").(map[string]any)
		if !ok {
			continue
		}
		for _, v := range root {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func sellerID(item map[string]any) string {
	for _, k := range []string{"sellerId", "seller_id", "userId", "user_id"} {
		if s := asString(item[k]); s != "" {
			return s
		}
	}
	blob, err := json.Marshal(item)
	if err != nil {
		return ""
	}
	if m := brandRe.FindSubmatch(blob); m != nil {
		return string(m[1])
	}
	return ""
}

func isPromotion(item map[string]any) bool {
	steps, _ := deepGet(item, "iva", "DateInfoStep").([]any)
	for _, step := range steps {
		vas, _ := deepGet(step, "payload", "vas").([]any)
		for _, info := range vas {
			if asString(deepGet(info, "title")) == promotionTitle {
				return true
			}
		}
	}
	return false
}

func absoluteURL(baseURL, path string) string {
	switch {
	case path == "":
		return ""
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	case strings.HasPrefix(path, "/"):
		return strings.TrimRight(baseURL, "/") + path
	default:
		return strings.TrimRight(baseURL, "/") + "/" + path
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
	}
	return ""
}

func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(item[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// firstInt returns the first value that converts to an integer.
func firstInt(values ...any) *int64 {
	for _, v := range values {
		switch t := v.(type) {
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return &n
			}
			if f, err := t.Float64(); err == nil {
				n := int64(f)
				return &n
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

// ParseViews extracts the total and today view counters from an item page.
func ParseViews(body []byte) (total, today *int, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	return digits(doc.Find(`[data-marker="item-view/total-views"]`).First()),
		digits(doc.Find(`[data-marker="item-view/today-views"]`).First()), nil
}

func digits(s *goquery.Selection) *int {
	if s.Length() == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range s.Text() {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return nil
	}
	return &n
}
