// Package model defines the domain types used across the application.
package model

import (
	"time"

	"market_radar/internal/secret"
)

// Listing is one marketplace item snapshot as returned by a fetch.
type Listing struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Price       *int64     `json:"price,omitempty"`
	Location    string     `json:"location,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	Category    string     `json:"category,omitempty"`
	Condition   string     `json:"condition,omitempty"`
	Delivery    string     `json:"delivery,omitempty"`
	SellerType  string     `json:"seller_type,omitempty"`
	SellerID    string     `json:"seller_id,omitempty"`
	IsReserved  bool       `json:"is_reserved,omitempty"`
	IsPromotion bool       `json:"is_promotion,omitempty"`
	TotalViews  *int       `json:"total_views,omitempty"`
	TodayViews  *int       `json:"today_views,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Supported task statuses.
const (
	TaskActive  TaskStatus = "active"
	TaskPaused  TaskStatus = "paused"
	TaskStopped TaskStatus = "stopped"
)

// AnyValue disables an enum criterion.
const AnyValue = "any"

// Task is a standing search owned by a user.
type Task struct {
	ID            int64
	UserID        int64
	Name          string
	SearchURL     string
	Keywords      string
	MinusWords    string
	PriceMin      *int64
	PriceMax      *int64
	City          string
	RadiusKm      int
	Category      string
	Condition     string
	Delivery      string
	SellerType    string
	MaxAgeMinutes int
	IntervalSec   int
	Status        TaskStatus
	LastCheckedAt *time.Time
	CreatedAt     time.Time
}

// User holds per-chat notification preferences.
type User struct {
	ID                 int64
	Timezone           string
	QuietStart         string
	QuietEnd           string
	NotifyLimitPerHour int
	NotifyNew          bool
	NotifyPriceDrop    bool
	NotifyUpdate       bool
	CreatedAt          time.Time
}

// Settings holds per-user filter overrides and anti-detection secrets.
// Proxy and ChangeIPURL are kept obscured; use the accessor methods to read them.
type Settings struct {
	UserID          int64
	ProxySecret     string
	ChangeIPSecret  string
	Whitelist       []string
	Blacklist       []string
	MinPrice        *int64
	MaxPrice        *int64
	MaxAgeMinutes   int
	IgnoreReserved  bool
	IgnorePromotion bool
	MonitorEnabled  bool
}

// Proxy returns the decoded proxy string.
func (s *Settings) Proxy() (string, error) {
	return secret.Reveal(s.ProxySecret)
}

// ChangeIPURL returns the decoded IP rotation endpoint.
func (s *Settings) ChangeIPURL() (string, error) {
	return secret.Reveal(s.ChangeIPSecret)
}

// SetProxy stores an obscured proxy string.
func (s *Settings) SetProxy(v string) {
	s.ProxySecret = secret.Obscure(v)
}

// SetChangeIPURL stores an obscured IP rotation endpoint.
func (s *Settings) SetChangeIPURL(v string) {
	s.ChangeIPSecret = secret.Obscure(v)
}

// SeenListing is the last observation of a listing within a task.
type SeenListing struct {
	TaskID          int64
	ListingID       string
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	LastPrice       *int64
	LastTitle       string
	LastURL         string
	LastLocation    string
	LastContentHash string
	IsMuted         bool
}

// Favorite is a listing saved by a user.
type Favorite struct {
	ID        int64
	UserID    int64
	TaskID    int64
	ListingID string
	Title     string
	URL       string
	Price     *int64
	Location  string
	CreatedAt time.Time
}

// NotificationKind labels an entry in the notification log.
type NotificationKind string

// Notification kinds.
const (
	NotifyKindNew       NotificationKind = "new"
	NotifyKindPriceDrop NotificationKind = "price_drop"
	NotifyKindUpdated   NotificationKind = "updated"
)
