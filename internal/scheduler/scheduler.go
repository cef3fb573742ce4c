// Package scheduler runs the monitor loop: it picks due tasks, fetches their
// listings, and turns matched changes into notifications while keeping
// per-task rate-limit and block state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"market_radar/internal/bot"
	"market_radar/internal/changes"
	"market_radar/internal/fetcher"
	"market_radar/internal/filter"
	"market_radar/internal/model"
	"market_radar/internal/notify"
	"market_radar/internal/storage"
	"market_radar/internal/throttle"
)

const (
	minRateLimitBase = 30 * time.Second
	minBlockCooldown = 300 * time.Second
	recoveryStreak   = 3
)

// Sender is the interface for delivering Telegram messages.
type Sender interface {
	SendMessage(chatID int64, text string)
	SendListing(chatID, taskID int64, l model.Listing, text string)
}

// FetcherSource hands out fetchers. A non-nil Global switches the loop into
// shared-batch mode.
type FetcherSource interface {
	Global() fetcher.GlobalFetcher
	ForProfile(p fetcher.Profile) (fetcher.Fetcher, error)
}

// Options tune the monitor loop.
type Options struct {
	Tick               time.Duration
	GlobalPollInterval time.Duration
	MinRequestGap      time.Duration
	MaxBackoff         time.Duration
	AggregateThreshold int
	WarnWindow         time.Duration
	DefaultTimezone    string
	// SendDelay paces consecutive notifications to stay under Telegram limits.
	SendDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 30 * time.Second
	}
	if o.GlobalPollInterval <= 0 {
		o.GlobalPollInterval = 120 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 600 * time.Second
	}
	if o.WarnWindow <= 0 {
		o.WarnWindow = 30 * time.Minute
	}
	return o
}

// RateLimitState is the in-memory backoff of one task.
type RateLimitState struct {
	Backoff       time.Duration
	NextAllowedAt time.Time
	SuccessStreak int
}

// Scheduler periodically checks due tasks and sends notifications.
// It is driven by a single goroutine; its maps need no locking.
type Scheduler struct {
	store    storage.Storage
	fetchers FetcherSource
	rules    *filter.Holder
	detector *changes.Detector
	sender   Sender
	throttle throttle.Throttle
	metrics  *Metrics
	log      *slog.Logger
	opts     Options

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	rnd   *rand.Rand
	gap   *rate.Limiter

	rateLimits   map[int64]*RateLimitState
	blockedUntil map[int64]time.Time
	lastGlobal   time.Time
}

// New creates a Scheduler with empty operator rules and an in-memory warning throttle.
func New(store storage.Storage, fetchers FetcherSource, sender Sender, log *slog.Logger, opts Options) *Scheduler {
	opts = opts.withDefaults()
	s := &Scheduler{
		store:        store,
		fetchers:     fetchers,
		rules:        filter.NewHolder(filter.Rules{}),
		sender:       sender,
		log:          log,
		opts:         opts,
		now:          time.Now,
		sleep:        sleepCtx,
		rnd:          rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		rateLimits:   make(map[int64]*RateLimitState),
		blockedUntil: make(map[int64]time.Time),
	}
	s.detector = changes.NewDetector(store, func() time.Time { return s.now() })
	s.throttle = throttle.NewMemory(func() time.Time { return s.now() })
	if opts.MinRequestGap > 0 {
		s.gap = rate.NewLimiter(rate.Every(opts.MinRequestGap), 1)
	}
	return s
}

// SetRules replaces the operator rule holder, e.g. one fed by a file watcher.
func (s *Scheduler) SetRules(h *filter.Holder) {
	s.rules = h
}

// SetThrottle replaces the warning throttle.
func (s *Scheduler) SetThrottle(t throttle.Throttle) {
	s.throttle = t
}

// SetMetrics enables Prometheus instrumentation.
func (s *Scheduler) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetTickInterval overrides the check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.opts.Tick = d
}

// RateLimit returns a copy of the task's backoff state, if any.
func (s *Scheduler) RateLimit(taskID int64) (RateLimitState, bool) {
	st, ok := s.rateLimits[taskID]
	if !ok {
		return RateLimitState{}, false
	}
	return *st, true
}

// BlockedUntil returns the end of the task's block cooldown, if any.
func (s *Scheduler) BlockedUntil(taskID int64) (time.Time, bool) {
	t, ok := s.blockedUntil[taskID]
	return t, ok
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkDue(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDue(ctx)
		}
	}
}

// owner is a task owner's state loaded once per cycle.
type owner struct {
	user     *model.User
	settings *model.Settings
}

func (o *owner) monitorEnabled() bool {
	return o.settings == nil || o.settings.MonitorEnabled
}

func (o *owner) profile() (fetcher.Profile, error) {
	p := fetcher.Profile{OwnerID: o.user.ID}
	if o.settings == nil {
		return p, nil
	}
	var err error
	if p.Proxy, err = o.settings.Proxy(); err != nil {
		return p, fmt.Errorf("decode proxy: %w", err)
	}
	if p.ChangeIPURL, err = o.settings.ChangeIPURL(); err != nil {
		return p, fmt.Errorf("decode change ip url: %w", err)
	}
	return p, nil
}

type cycle struct {
	log    *slog.Logger
	owners map[int64]*owner
}

func (s *Scheduler) checkDue(ctx context.Context) {
	c := &cycle{
		log:    s.log.With("cycle_id", uuid.NewString()),
		owners: make(map[int64]*owner),
	}
	defer func() { s.metrics.tracked(len(s.rateLimits), len(s.blockedUntil)) }()

	tasks, err := s.store.ListDueTasks(ctx, s.now())
	if err != nil {
		c.log.Error("list due tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	c.log.Debug("due tasks", "count", len(tasks))

	if g := s.fetchers.Global(); g != nil {
		s.checkGlobal(ctx, c, g, tasks)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.checkTask(ctx, c, task)
	}
}

func (s *Scheduler) checkGlobal(ctx context.Context, c *cycle, g fetcher.GlobalFetcher, tasks []model.Task) {
	now := s.now()
	if !s.lastGlobal.IsZero() && now.Sub(s.lastGlobal) < s.opts.GlobalPollInterval {
		c.log.Debug("global poll interval not elapsed", "last_fetch", s.lastGlobal)
		return
	}
	s.lastGlobal = now

	listings, err := g.FetchAll(ctx)
	if err != nil {
		s.metrics.check("soft_failure")
		c.log.Error("global fetch", "error", err)
		return
	}
	c.log.Info("global fetch", "listings", len(listings), "tasks", len(tasks))

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		log := c.log.With("task_id", task.ID, "user_id", task.UserID)
		o, err := s.owner(ctx, c, task.UserID)
		if err != nil {
			log.Warn("load task owner", "error", err)
			continue
		}
		if !o.monitorEnabled() {
			s.touch(ctx, log, task.ID)
			continue
		}
		s.metrics.check("ok")
		s.evaluate(ctx, log, task, o, listings)
	}
}

func (s *Scheduler) checkTask(ctx context.Context, c *cycle, task model.Task) {
	log := c.log.With("task_id", task.ID, "user_id", task.UserID)
	now := s.now()

	if until, ok := s.blockedUntil[task.ID]; ok {
		if now.Before(until) {
			s.metrics.check("cooldown")
			log.Debug("task in block cooldown", "until", until)
			return
		}
		delete(s.blockedUntil, task.ID)
	}
	if st, ok := s.rateLimits[task.ID]; ok && now.Before(st.NextAllowedAt) {
		s.metrics.check("backoff")
		log.Debug("task in rate-limit backoff", "next_allowed_at", st.NextAllowedAt)
		return
	}

	o, err := s.owner(ctx, c, task.UserID)
	if err != nil {
		log.Warn("load task owner", "error", err)
		return
	}
	if !o.monitorEnabled() {
		s.touch(ctx, log, task.ID)
		return
	}

	profile, err := o.profile()
	if err != nil {
		log.Warn("owner profile", "error", err)
	}
	f, err := s.fetchers.ForProfile(profile)
	if err != nil {
		var missing *fetcher.MissingConfigError
		if errors.As(err, &missing) {
			s.metrics.check("config_missing")
			log.Warn("fetch configuration unusable", "missing", missing.Fields, "invalid", missing.Invalid)
			s.touch(ctx, log, task.ID)
			s.warnOnce(ctx, log, fmt.Sprintf("config:%d", task.UserID), task.UserID,
				bot.FormatConfigWarning(missing.Fields, missing.Invalid))
			return
		}
		s.metrics.check("error")
		log.Error("build fetcher", "error", err)
		return
	}

	if err := s.waitGap(ctx); err != nil {
		return
	}

	listings, err := f.Fetch(ctx, task)
	s.fetchDone()
	var (
		limited *fetcher.RateLimitedError
		blocked *fetcher.BlockedError
	)
	switch {
	case errors.As(err, &limited):
		s.metrics.check("rate_limited")
		s.onRateLimited(log, task, limited.RetryAfter)
		return
	case errors.As(err, &blocked):
		s.metrics.check("blocked")
		s.onBlocked(ctx, log, task, blocked)
		return
	case err != nil:
		s.metrics.check("soft_failure")
		log.Warn("fetch failed", "error", err)
		return
	}

	s.metrics.check("ok")
	s.onSuccess(log, task)
	s.evaluate(ctx, log, task, o, listings)
}

// waitGap holds the next outbound fetch until MinRequestGap has passed since
// the previous one finished. The limiter's single token is taken by fetchDone.
func (s *Scheduler) waitGap(ctx context.Context) error {
	if s.gap == nil {
		return nil
	}
	missing := 1 - s.gap.TokensAt(s.now())
	delay := time.Duration(max(0, missing) * float64(s.opts.MinRequestGap))
	return s.sleep(ctx, delay)
}

// fetchDone starts the gap at the moment a fetch returns, whatever its outcome.
func (s *Scheduler) fetchDone() {
	if s.gap == nil {
		return
	}
	s.gap.ReserveN(s.now(), 1)
}

func (s *Scheduler) baseInterval(task model.Task) time.Duration {
	return max(minRateLimitBase, time.Duration(task.IntervalSec)*time.Second)
}

// onRateLimited grows the task backoff. Repeated limiting never shrinks it.
func (s *Scheduler) onRateLimited(log *slog.Logger, task model.Task, retryAfter time.Duration) {
	base := s.baseInterval(task)
	backoff := min(s.opts.MaxBackoff, base*2)
	if prev, ok := s.rateLimits[task.ID]; ok {
		backoff = max(prev.Backoff, min(s.opts.MaxBackoff, max(base, prev.Backoff*2)))
	}
	backoff = max(backoff, retryAfter)

	secs := int(backoff / time.Second)
	jitter := time.Duration(1+s.rnd.IntN(max(2, secs/4))) * time.Second

	st := &RateLimitState{
		Backoff:       backoff,
		NextAllowedAt: s.now().Add(backoff + jitter),
	}
	s.rateLimits[task.ID] = st
	log.Warn("rate limited", "backoff", backoff, "retry_after", retryAfter, "next_allowed_at", st.NextAllowedAt)
}

// onSuccess decays the backoff after enough clean cycles.
func (s *Scheduler) onSuccess(log *slog.Logger, task model.Task) {
	st, ok := s.rateLimits[task.ID]
	if !ok {
		return
	}
	st.SuccessStreak++
	if st.SuccessStreak < recoveryStreak {
		return
	}
	base := s.baseInterval(task)
	next := max(base, st.Backoff/2)
	if next <= base {
		delete(s.rateLimits, task.ID)
		log.Info("rate limit recovered")
		return
	}
	st.Backoff = next
	st.NextAllowedAt = s.now().Add(next)
	st.SuccessStreak = 0
	log.Info("rate limit backoff reduced", "backoff", next)
}

func (s *Scheduler) onBlocked(ctx context.Context, log *slog.Logger, task model.Task, blocked *fetcher.BlockedError) {
	cooldown := max(minBlockCooldown, 4*time.Duration(task.IntervalSec)*time.Second)
	until := s.now().Add(cooldown)
	s.blockedUntil[task.ID] = until
	log.Warn("blocked", "reason", blocked.Reason, "status", blocked.Status, "until", until)
	s.warnOnce(ctx, log, fmt.Sprintf("blocked:%d", task.ID), task.UserID,
		bot.FormatBlockedWarning(task, blocked.Reason, cooldown))
}

func (s *Scheduler) warnOnce(ctx context.Context, log *slog.Logger, key string, chatID int64, text string) {
	ok, err := s.throttle.Allow(ctx, key, s.opts.WarnWindow)
	if err != nil {
		log.Warn("warning throttle", "key", key, "error", err)
		return
	}
	if ok {
		s.sender.SendMessage(chatID, text)
	}
}

func (s *Scheduler) owner(ctx context.Context, c *cycle, userID int64) (*owner, error) {
	if o, ok := c.owners[userID]; ok {
		return o, nil
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	o := &owner{user: u}
	st, err := s.store.GetSettings(ctx, userID)
	switch {
	case err == nil:
		o.settings = st
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get settings: %w", err)
	}
	c.owners[userID] = o
	return o, nil
}

// evaluate matches and classifies a listing batch, advances the task, then
// delivers whatever the notification plan allows.
func (s *Scheduler) evaluate(ctx context.Context, log *slog.Logger, task model.Task, o *owner, listings []model.Listing) {
	now := s.now()
	rules := s.rules.Load()
	firstRun := task.LastCheckedAt == nil
	classes := changes.ClassesFor(o.user)

	var events []changes.Event
	matched := 0
	for i := range listings {
		l := &listings[i]
		if !filter.Match(&task, l, rules, o.settings, now) {
			continue
		}
		matched++
		ev, err := s.detector.Classify(ctx, task.ID, *l, firstRun, classes)
		if err != nil {
			log.Error("classify listing", "listing_id", l.ID, "error", err)
			continue
		}
		if ev.Kind != changes.Ignore {
			events = append(events, ev)
		}
	}
	s.touch(ctx, log, task.ID)

	log.Info("task checked", "listings", len(listings), "matched", matched,
		"events", len(events), "first_run", firstRun)
	s.deliver(ctx, log, task, o, events)
}

func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, task model.Task, o *owner, events []changes.Event) {
	if len(events) == 0 {
		return
	}
	now := s.now()
	quiet := notify.IsQuietHours(o.user, now, s.opts.DefaultTimezone)

	remaining := notify.Unlimited
	if limit := o.user.NotifyLimitPerHour; limit > 0 {
		sent, err := s.store.CountNotificationsSince(ctx, task.UserID, now.Add(-time.Hour))
		if err != nil {
			log.Error("count notifications", "error", err)
		}
		remaining = max(0, limit-sent)
	}

	plan := notify.BuildPlan(events, quiet, remaining, s.opts.AggregateThreshold)
	for reason, n := range plan.Suppressed {
		s.metrics.suppressed(reason, n)
		log.Info("notifications suppressed", "reason", reason, "count", n)
	}

	if plan.Aggregate {
		s.metrics.aggregate()
		s.sender.SendMessage(task.UserID, bot.FormatAggregate(task.Name, plan.Total))
	}

	local := now.In(notify.Location(o.user.Timezone, s.opts.DefaultTimezone))
	for i, ev := range plan.Send {
		if i > 0 && s.opts.SendDelay > 0 {
			if err := s.sleep(ctx, s.opts.SendDelay); err != nil {
				return
			}
		}
		s.sender.SendListing(task.UserID, task.ID, ev.Listing, bot.FormatEvent(task.Name, ev, local))
		s.metrics.notification(ev.Kind.String())
		if err := s.store.LogNotification(ctx, task.UserID, task.ID, ev.Listing.ID,
			ev.Kind.NotificationKind(), now); err != nil {
			log.Error("log notification", "listing_id", ev.Listing.ID, "error", err)
		}
	}
	if len(plan.Send) > 0 {
		log.Info("sent notifications", "count", len(plan.Send))
	}
}

func (s *Scheduler) touch(ctx context.Context, log *slog.Logger, taskID int64) {
	if err := s.store.TouchTask(ctx, taskID, s.now()); err != nil {
		log.Error("update last check", "error", err)
	}
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
