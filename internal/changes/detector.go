// Package changes decides whether a matched listing is new, updated or cheaper
// than when it was last seen, and keeps the seen-listing history current.
package changes

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market_radar/internal/model"
	"market_radar/internal/storage"
)

// Kind is the outcome of classifying a listing.
type Kind int

// Classification outcomes.
const (
	Ignore Kind = iota
	New
	Updated
	PriceDrop
)

func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case Updated:
		return "updated"
	case PriceDrop:
		return "price_drop"
	default:
		return "ignore"
	}
}

// NotificationKind maps an outcome to its notification log label.
func (k Kind) NotificationKind() model.NotificationKind {
	switch k {
	case PriceDrop:
		return model.NotifyKindPriceDrop
	case Updated:
		return model.NotifyKindUpdated
	default:
		return model.NotifyKindNew
	}
}

// Event is a classified listing.
type Event struct {
	Kind     Kind
	Listing  model.Listing
	OldPrice *int64
	NewPrice *int64
}

// Classes selects which outcomes a user wants to hear about.
type Classes struct {
	New       bool
	PriceDrop bool
	Update    bool
}

// ClassesFor returns the notification classes enabled for a user.
func ClassesFor(u *model.User) Classes {
	return Classes{New: u.NotifyNew, PriceDrop: u.NotifyPriceDrop, Update: u.NotifyUpdate}
}

// SeenStore is the subset of storage the detector needs.
type SeenStore interface {
	GetSeen(ctx context.Context, taskID int64, listingID string) (*model.SeenListing, error)
	SaveSeen(ctx context.Context, s *model.SeenListing) error
}

// Detector classifies listings against the seen-listing history of a task.
type Detector struct {
	store SeenStore
	now   func() time.Time
}

// NewDetector creates a Detector. now defaults to time.Now.
func NewDetector(store SeenStore, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: store, now: now}
}

// Classify records the listing as seen for the task and returns what changed.
// firstRun suppresses New events so that a fresh task seeds its history silently.
// The seen record is refreshed on every call, including muted listings.
func (d *Detector) Classify(ctx context.Context, taskID int64, l model.Listing, firstRun bool, classes Classes) (Event, error) {
	now := d.now().UTC()
	hash := ContentHash(l)

	prev, err := d.store.GetSeen(ctx, taskID, l.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Event{}, fmt.Errorf("get seen listing: %w", err)
	}

	rec := model.SeenListing{
		TaskID:          taskID,
		ListingID:       l.ID,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		LastPrice:       l.Price,
		LastTitle:       l.Title,
		LastURL:         l.URL,
		LastLocation:    l.Location,
		LastContentHash: hash,
	}

	ev := Event{Kind: Ignore, Listing: l}
	switch {
	case prev == nil:
		if classes.New && !firstRun {
			ev.Kind = New
		}
	case prev.IsMuted:
		rec.FirstSeenAt = prev.FirstSeenAt
		rec.IsMuted = true
	default:
		rec.FirstSeenAt = prev.FirstSeenAt
		switch {
		case classes.PriceDrop && prev.LastPrice != nil && l.Price != nil && *l.Price < *prev.LastPrice:
			ev.Kind = PriceDrop
			ev.OldPrice = prev.LastPrice
			ev.NewPrice = l.Price
		case classes.Update && prev.LastContentHash != hash:
			ev.Kind = Updated
		}
	}

	if err := d.store.SaveSeen(ctx, &rec); err != nil {
		return Event{}, fmt.Errorf("save seen listing: %w", err)
	}
	return ev, nil
}

// ContentHash fingerprints the fields whose change counts as an update.
func ContentHash(l model.Listing) string {
	price := ""
	if l.Price != nil {
		price = strconv.FormatInt(*l.Price, 10)
	}
	payload := strings.Join([]string{l.Title, price, l.Location, l.URL}, "|")
	h := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", h)
}
