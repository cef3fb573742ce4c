package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"market_radar/internal/model"
	"market_radar/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Up(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser returns a user by chat ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, quiet_start, quiet_end, notify_limit_per_hour,
		        notify_new, notify_price_drop, notify_update, created_at
		 FROM users WHERE id = ?`, id,
	)
	var u model.User
	var notifyNew, notifyDrop, notifyUpdate int
	var created string
	err := row.Scan(&u.ID, &u.Timezone, &u.QuietStart, &u.QuietEnd, &u.NotifyLimitPerHour,
		&notifyNew, &notifyDrop, &notifyUpdate, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.NotifyNew = notifyNew == 1
	u.NotifyPriceDrop = notifyDrop == 1
	u.NotifyUpdate = notifyUpdate == 1
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

// EnsureUser returns the user with the given ID, creating it with defaults if missing.
func (s *SQLite) EnsureUser(ctx context.Context, id int64, timezone string) (*model.User, error) {
	now := time.Now().UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, timezone, created_at) VALUES (?, ?, ?)`,
		id, timezone, now,
	); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// UpdateUser persists notification preferences.
func (s *SQLite) UpdateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET timezone = ?, quiet_start = ?, quiet_end = ?, notify_limit_per_hour = ?,
		        notify_new = ?, notify_price_drop = ?, notify_update = ?
		 WHERE id = ?`,
		u.Timezone, u.QuietStart, u.QuietEnd, u.NotifyLimitPerHour,
		boolToInt(u.NotifyNew), boolToInt(u.NotifyPriceDrop), boolToInt(u.NotifyUpdate), u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// GetSettings returns the per-user settings row.
func (s *SQLite) GetSettings(ctx context.Context, userID int64) (*model.Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, proxy, change_ip_url, whitelist, blacklist, min_price, max_price,
		        max_age_minutes, ignore_reserved, ignore_promotion, monitor_enabled
		 FROM user_settings WHERE user_id = ?`, userID,
	)
	var st model.Settings
	var white, black string
	var minPrice, maxPrice sql.NullInt64
	var ignoreReserved, ignorePromotion, monitor int
	err := row.Scan(&st.UserID, &st.ProxySecret, &st.ChangeIPSecret, &white, &black, &minPrice, &maxPrice,
		&st.MaxAgeMinutes, &ignoreReserved, &ignorePromotion, &monitor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settings: %w", err)
	}
	st.Whitelist = splitList(white)
	st.Blacklist = splitList(black)
	st.MinPrice = int64Ptr(minPrice)
	st.MaxPrice = int64Ptr(maxPrice)
	st.IgnoreReserved = ignoreReserved == 1
	st.IgnorePromotion = ignorePromotion == 1
	st.MonitorEnabled = monitor == 1
	return &st, nil
}

// SaveSettings inserts or replaces the per-user settings row.
func (s *SQLite) SaveSettings(ctx context.Context, st *model.Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, proxy, change_ip_url, whitelist, blacklist, min_price, max_price,
		                            max_age_minutes, ignore_reserved, ignore_promotion, monitor_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		    proxy = excluded.proxy,
		    change_ip_url = excluded.change_ip_url,
		    whitelist = excluded.whitelist,
		    blacklist = excluded.blacklist,
		    min_price = excluded.min_price,
		    max_price = excluded.max_price,
		    max_age_minutes = excluded.max_age_minutes,
		    ignore_reserved = excluded.ignore_reserved,
		    ignore_promotion = excluded.ignore_promotion,
		    monitor_enabled = excluded.monitor_enabled`,
		st.UserID, st.ProxySecret, st.ChangeIPSecret, joinList(st.Whitelist), joinList(st.Blacklist),
		nullInt64(st.MinPrice), nullInt64(st.MaxPrice), st.MaxAgeMinutes,
		boolToInt(st.IgnoreReserved), boolToInt(st.IgnorePromotion), boolToInt(st.MonitorEnabled),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, name, search_url, keywords, minus_words, price_min, price_max, city, radius_km,
	category, condition, delivery, seller_type, max_age_minutes, interval_sec, status, last_checked_at, created_at`

// CreateTask inserts a new task and populates its ID and CreatedAt.
func (s *SQLite) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC().Format(timeLayout)
	if t.Status == "" {
		t.Status = model.TaskActive
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, name, search_url, keywords, minus_words, price_min, price_max, city, radius_km,
		                    category, condition, delivery, seller_type, max_age_minutes, interval_sec, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Name, t.SearchURL, t.Keywords, t.MinusWords, nullInt64(t.PriceMin), nullInt64(t.PriceMax),
		t.City, t.RadiusKm, t.Category, t.Condition, t.Delivery, t.SellerType, t.MaxAgeMinutes,
		t.IntervalSec, string(t.Status), now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetTask returns a single task by its ID.
func (s *SQLite) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns all tasks belonging to the given user.
func (s *SQLite) ListTasks(ctx context.Context, userID int64) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// ListDueTasks returns active tasks never checked or whose interval has elapsed at now.
func (s *SQLite) ListDueTasks(ctx context.Context, now time.Time) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'active'
		   AND (last_checked_at IS NULL
		        OR datetime(last_checked_at, '+' || interval_sec || ' seconds') <= datetime(?))
		 ORDER BY id`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// SetTaskStatus changes the lifecycle state of a task.
func (s *SQLite) SetTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireAffected(res)
}

// TouchTask advances last_checked_at to at. Older timestamps are ignored.
func (s *SQLite) TouchTask(ctx context.Context, id int64, at time.Time) error {
	ts := at.UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_checked_at = ?
		 WHERE id = ? AND (last_checked_at IS NULL OR last_checked_at < ?)`,
		ts, id, ts,
	)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its seen listings.
func (s *SQLite) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_listings WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_listings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// GetSeen returns the seen record for a listing within a task.
func (s *SQLite) GetSeen(ctx context.Context, taskID int64, listingID string) (*model.SeenListing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, listing_id, first_seen_at, last_seen_at, last_price, last_title, last_url,
		        last_location, last_content_hash, is_muted
		 FROM seen_listings WHERE task_id = ? AND listing_id = ?`, taskID, listingID,
	)
	var sl model.SeenListing
	var first, last string
	var price sql.NullInt64
	var muted int
	err := row.Scan(&sl.TaskID, &sl.ListingID, &first, &last, &price, &sl.LastTitle, &sl.LastURL,
		&sl.LastLocation, &sl.LastContentHash, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan seen listing: %w", err)
	}
	sl.FirstSeenAt, _ = time.Parse(timeLayout, first)
	sl.LastSeenAt, _ = time.Parse(timeLayout, last)
	sl.LastPrice = int64Ptr(price)
	sl.IsMuted = muted == 1
	return &sl, nil
}

// SaveSeen upserts a seen record. The muted flag is never cleared by an upsert.
func (s *SQLite) SaveSeen(ctx context.Context, sl *model.SeenListing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_listings (task_id, listing_id, first_seen_at, last_seen_at, last_price, last_title,
		                            last_url, last_location, last_content_hash, is_muted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id, listing_id) DO UPDATE SET
		    last_seen_at = excluded.last_seen_at,
		    last_price = excluded.last_price,
		    last_title = excluded.last_title,
		    last_url = excluded.last_url,
		    last_location = excluded.last_location,
		    last_content_hash = excluded.last_content_hash,
		    is_muted = MAX(seen_listings.is_muted, excluded.is_muted)`,
		sl.TaskID, sl.ListingID, sl.FirstSeenAt.UTC().Format(timeLayout), sl.LastSeenAt.UTC().Format(timeLayout),
		nullInt64(sl.LastPrice), sl.LastTitle, sl.LastURL, sl.LastLocation, sl.LastContentHash, boolToInt(sl.IsMuted),
	)
	if err != nil {
		return fmt.Errorf("save seen listing: %w", err)
	}
	return nil
}

// MuteSeen permanently suppresses notifications for a listing within a task.
func (s *SQLite) MuteSeen(ctx context.Context, taskID int64, listingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE seen_listings SET is_muted = 1 WHERE task_id = ? AND listing_id = ?`, taskID, listingID,
	)
	if err != nil {
		return fmt.Errorf("mute seen listing: %w", err)
	}
	return requireAffected(res)
}

// ClearSeen drops the seen history of a task.
func (s *SQLite) ClearSeen(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM seen_listings WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear seen listings: %w", err)
	}
	return nil
}

// AddFavorite saves a listing for a user. Saving the same listing twice is a no-op.
func (s *SQLite) AddFavorite(ctx context.Context, f *model.Favorite) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO favorites (user_id, task_id, listing_id, title, url, price, location, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.TaskID, f.ListingID, f.Title, f.URL, nullInt64(f.Price), f.Location, now,
	)
	if err != nil {
		return fmt.Errorf("insert favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListFavorites returns the saved listings of a user, newest first.
func (s *SQLite) ListFavorites(ctx context.Context, userID int64) ([]model.Favorite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, task_id, listing_id, title, url, price, location, created_at
		 FROM favorites WHERE user_id = ? ORDER BY id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var favs []model.Favorite
	for rows.Next() {
		var f model.Favorite
		var price sql.NullInt64
		var created string
		if err := rows.Scan(&f.ID, &f.UserID, &f.TaskID, &f.ListingID, &f.Title, &f.URL, &price, &f.Location, &created); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		f.Price = int64Ptr(price)
		f.CreatedAt, _ = time.Parse(timeLayout, created)
		favs = append(favs, f)
	}
	return favs, rows.Err()
}

// DeleteFavorite removes a saved listing owned by userID.
func (s *SQLite) DeleteFavorite(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	return requireAffected(res)
}

// LogNotification records a delivered notification for budget accounting.
func (s *SQLite) LogNotification(ctx context.Context, userID, taskID int64, listingID string, kind model.NotificationKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_log (user_id, task_id, listing_id, kind, sent_at) VALUES (?, ?, ?, ?, ?)`,
		userID, taskID, listingID, string(kind), at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("log notification: %w", err)
	}
	return nil
}

// CountNotificationsSince counts notifications delivered to a user at or after since.
func (s *SQLite) CountNotificationsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log WHERE user_id = ? AND sent_at >= ?`,
		userID, since.UTC().Format(timeLayout),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinList(items []string) string {
	return strings.Join(items, "\n")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var priceMin, priceMax sql.NullInt64
	var status string
	var lastCheck sql.NullString
	var created string
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.SearchURL, &t.Keywords, &t.MinusWords, &priceMin, &priceMax,
		&t.City, &t.RadiusKm, &t.Category, &t.Condition, &t.Delivery, &t.SellerType, &t.MaxAgeMinutes,
		&t.IntervalSec, &status, &lastCheck, &created)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.PriceMin = int64Ptr(priceMin)
	t.PriceMax = int64Ptr(priceMax)
	t.Status = model.TaskStatus(status)
	if lastCheck.Valid {
		ts, _ := time.Parse(timeLayout, lastCheck.String)
		t.LastCheckedAt = &ts
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
