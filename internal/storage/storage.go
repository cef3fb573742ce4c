// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"market_radar/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	EnsureUser(ctx context.Context, id int64, timezone string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error

	GetSettings(ctx context.Context, userID int64) (*model.Settings, error)
	SaveSettings(ctx context.Context, s *model.Settings) error

	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, userID int64) ([]model.Task, error)
	ListDueTasks(ctx context.Context, now time.Time) ([]model.Task, error)
	SetTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error
	TouchTask(ctx context.Context, id int64, at time.Time) error
	DeleteTask(ctx context.Context, id int64) error

	GetSeen(ctx context.Context, taskID int64, listingID string) (*model.SeenListing, error)
	SaveSeen(ctx context.Context, s *model.SeenListing) error
	MuteSeen(ctx context.Context, taskID int64, listingID string) error
	ClearSeen(ctx context.Context, taskID int64) error

	AddFavorite(ctx context.Context, f *model.Favorite) error
	ListFavorites(ctx context.Context, userID int64) ([]model.Favorite, error)
	DeleteFavorite(ctx context.Context, userID, id int64) error

	LogNotification(ctx context.Context, userID, taskID int64, listingID string, kind model.NotificationKind, at time.Time) error
	CountNotificationsSince(ctx context.Context, userID int64, since time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
