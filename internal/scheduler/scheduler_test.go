package scheduler

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"market_radar/internal/fetcher"
	"market_radar/internal/model"
	"market_radar/internal/storage"
)

const testUser = int64(100)

type sentMessage struct {
	ChatID    int64
	TaskID    int64
	ListingID string
	Text      string
}

type mockSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (m *mockSender) SendMessage(chatID int64, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
}

func (m *mockSender) SendListing(chatID, taskID int64, l model.Listing, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: chatID, TaskID: taskID, ListingID: l.ID, Text: text})
}

func (m *mockSender) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *mockSender) listingIDs() []string {
	var out []string
	for _, msg := range m.getMessages() {
		if msg.ListingID != "" {
			out = append(out, msg.ListingID)
		}
	}
	return out
}

func (m *mockSender) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

type fetchResult struct {
	listings []model.Listing
	err      error
}

type fakeFetcher struct {
	mu     sync.Mutex
	next   fetchResult
	calls  int
	during func()
}

func (f *fakeFetcher) respond(listings []model.Listing, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = fetchResult{listings: listings, err: err}
}

func (f *fakeFetcher) Fetch(_ context.Context, _ model.Task) ([]model.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.during != nil {
		f.during()
	}
	return f.next.listings, f.next.err
}

func (f *fakeFetcher) FetchAll(ctx context.Context) ([]model.Listing, error) {
	return f.Fetch(ctx, model.Task{})
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSource struct {
	global  fetcher.GlobalFetcher
	perTask *fakeFetcher
}

func (s *fakeSource) Global() fetcher.GlobalFetcher { return s.global }

func (s *fakeSource) ForProfile(p fetcher.Profile) (fetcher.Fetcher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.perTask, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store   *storage.SQLite
	sender  *mockSender
	fetcher *fakeFetcher
	clock   *fakeClock
	sched   *Scheduler
	sleeps  []time.Duration
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newHarness(t *testing.T, global bool, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   newTestStore(t),
		sender:  &mockSender{},
		fetcher: &fakeFetcher{},
		clock:   &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	source := &fakeSource{perTask: h.fetcher}
	if global {
		source.global = h.fetcher
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sched = New(h.store, source, h.sender, log, opts)
	h.sched.now = h.clock.Now
	h.sched.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.sched.rnd = rand.New(rand.NewPCG(1, 2))

	ctx := context.Background()
	if _, err := h.store.EnsureUser(ctx, testUser, "UTC"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	st := &model.Settings{UserID: testUser, MonitorEnabled: true}
	st.SetProxy("10.0.0.1:3128:user:pass")
	st.SetChangeIPURL("http://proxy.test/change")
	if err := h.store.SaveSettings(ctx, st); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	return h
}

func (h *harness) addTask(t *testing.T) model.Task {
	t.Helper()
	task := model.Task{
		UserID:      testUser,
		Name:        "iPhones",
		SearchURL:   "https://market.test/moscow?q=iphone",
		Keywords:    "iphone",
		IntervalSec: 60,
	}
	if err := h.store.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) updateUser(t *testing.T, fn func(u *model.User)) {
	t.Helper()
	ctx := context.Background()
	u, err := h.store.GetUser(ctx, testUser)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	fn(u)
	if err := h.store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("update user: %v", err)
	}
}

func (h *harness) lastChecked(t *testing.T, id int64) *time.Time {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.LastCheckedAt
}

// cycle advances past the task interval and runs one check.
func (h *harness) cycle(d time.Duration) {
	h.clock.Advance(d)
	h.sched.checkDue(context.Background())
}

func listing(id string, price int64) model.Listing {
	return model.Listing{
		ID:       id,
		URL:      "https://market.test/moscow/" + id,
		Title:    "iPhone " + id,
		Price:    &price,
		Location: "Moscow",
	}
}

func TestFirstRunIsSilentThenNew(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{AggregateThreshold: 3})
	task := h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("a", 1000), listing("b", 2000), listing("c", 3000)}, nil)
	h.sched.checkDue(ctx)

	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("first run messages (-want +got):\n%s", diff)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.store.GetSeen(ctx, task.ID, id); err != nil {
			t.Errorf("seen %s: %v", id, err)
		}
	}
	if h.lastChecked(t, task.ID) == nil {
		t.Fatal("expected LastCheckedAt to be set")
	}

	h.fetcher.respond([]model.Listing{listing("a", 1000), listing("b", 2000), listing("c", 3000), listing("d", 4000)}, nil)
	h.cycle(61 * time.Second)

	if diff := cmp.Diff([]string{"d"}, h.sender.listingIDs()); diff != "" {
		t.Errorf("notified listings (-want +got):\n%s", diff)
	}
	msgs := h.sender.getMessages()
	if diff := cmp.Diff(testUser, msgs[0].ChatID); diff != "" {
		t.Errorf("chatID mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(task.ID, msgs[0].TaskID); diff != "" {
		t.Errorf("taskID mismatch (-want +got):\n%s", diff)
	}
}

func TestPriceDropAndIdempotence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{AggregateThreshold: 3})
	h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("a", 10000), listing("b", 2000), listing("c", 3000)}, nil)
	h.sched.checkDue(ctx)

	batch := []model.Listing{listing("a", 8000), listing("b", 2000), listing("c", 3000)}
	h.fetcher.respond(batch, nil)
	h.cycle(61 * time.Second)

	if diff := cmp.Diff([]string{"a"}, h.sender.listingIDs()); diff != "" {
		t.Errorf("notified listings (-want +got):\n%s", diff)
	}
	if text := h.sender.getMessages()[0].Text; !strings.Contains(text, "10 000") || !strings.Contains(text, "8 000") {
		t.Errorf("price drop text missing prices: %q", text)
	}

	h.sender.reset()
	h.cycle(61 * time.Second)
	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("repeat batch messages (-want +got):\n%s", diff)
	}

	n, err := h.store.CountNotificationsSince(ctx, testUser, h.clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("logged notifications (-want +got):\n%s", diff)
	}
}

func TestMutedListingStaysSilent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("a", 10000)}, nil)
	h.sched.checkDue(ctx)
	if err := h.store.MuteSeen(ctx, task.ID, "a"); err != nil {
		t.Fatalf("mute: %v", err)
	}

	h.fetcher.respond([]model.Listing{listing("a", 5000)}, nil)
	h.cycle(61 * time.Second)

	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("muted listing messages (-want +got):\n%s", diff)
	}
	seen, err := h.store.GetSeen(ctx, task.ID, "a")
	if err != nil {
		t.Fatalf("get seen: %v", err)
	}
	if diff := cmp.Diff(int64(5000), *seen.LastPrice); diff != "" {
		t.Errorf("snapshot price (-want +got):\n%s", diff)
	}
}

func TestRateLimitedWithRetryAfter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{MaxBackoff: 600 * time.Second})
	task := h.addTask(t)

	h.fetcher.respond(nil, &fetcher.RateLimitedError{Status: 429, RetryAfter: 120 * time.Second})
	now := h.clock.Now()
	h.sched.checkDue(ctx)

	st, ok := h.sched.RateLimit(task.ID)
	if !ok {
		t.Fatal("expected rate limit state")
	}
	if st.Backoff < 120*time.Second {
		t.Errorf("backoff = %s, want >= 120s", st.Backoff)
	}
	if st.NextAllowedAt.Before(now.Add(120 * time.Second)) {
		t.Errorf("next allowed at %s, want >= %s", st.NextAllowedAt, now.Add(120*time.Second))
	}
	if h.lastChecked(t, task.ID) != nil {
		t.Error("LastCheckedAt must not advance on a rate-limited cycle")
	}

	h.cycle(10 * time.Second)
	if diff := cmp.Diff(1, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls during backoff (-want +got):\n%s", diff)
	}
}

func TestBackoffGrowsThenDecays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{MaxBackoff: 600 * time.Second})
	task := h.addTask(t)

	untilAllowed := func() time.Duration {
		st, ok := h.sched.RateLimit(task.ID)
		if !ok {
			return 61 * time.Second
		}
		return max(61*time.Second, st.NextAllowedAt.Sub(h.clock.Now())+time.Second)
	}

	h.fetcher.respond(nil, &fetcher.RateLimitedError{Status: 429})
	var grown []time.Duration
	h.sched.checkDue(ctx)
	for i := 0; i < 5; i++ {
		st, _ := h.sched.RateLimit(task.ID)
		grown = append(grown, st.Backoff)
		h.cycle(untilAllowed())
	}
	want := []time.Duration{120 * time.Second, 240 * time.Second, 480 * time.Second, 600 * time.Second, 600 * time.Second}
	if diff := cmp.Diff(want, grown); diff != "" {
		t.Errorf("backoff growth (-want +got):\n%s", diff)
	}

	h.fetcher.respond([]model.Listing{listing("a", 1000)}, nil)
	var decayed []time.Duration
	for {
		before, ok := h.sched.RateLimit(task.ID)
		if !ok {
			break
		}
		h.cycle(untilAllowed())
		after, ok := h.sched.RateLimit(task.ID)
		switch {
		case !ok:
			decayed = append(decayed, 0)
		case after.Backoff != before.Backoff:
			decayed = append(decayed, after.Backoff)
		}
		if len(decayed) > 10 {
			t.Fatal("backoff never cleared")
		}
	}
	wantDecay := []time.Duration{300 * time.Second, 150 * time.Second, 75 * time.Second, 0}
	if diff := cmp.Diff(wantDecay, decayed); diff != "" {
		t.Errorf("backoff decay (-want +got):\n%s", diff)
	}
}

func TestBackoffNeverShrinksUnderRepeatedLimits(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("backoff is non-decreasing and capped", prop.ForAll(
		func(interval int, retryAfters []int) bool {
			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			s := New(nil, &fakeSource{}, &mockSender{}, log, Options{MaxBackoff: 600 * time.Second})
			s.rnd = rand.New(rand.NewPCG(3, 4))
			task := model.Task{ID: 1, IntervalSec: interval}

			var prev time.Duration
			for _, ra := range retryAfters {
				retry := time.Duration(ra) * time.Second
				s.onRateLimited(log, task, retry)
				st := s.rateLimits[task.ID]
				if st.Backoff < prev {
					return false
				}
				if st.Backoff > max(600*time.Second, retry, prev) {
					return false
				}
				prev = st.Backoff
			}
			return true
		},
		gen.IntRange(1, 900),
		gen.SliceOf(gen.IntRange(0, 1200)),
	))

	properties.TestingRun(t)
}

func TestBlockedCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)

	h.fetcher.respond(nil, &fetcher.BlockedError{Status: 403, Reason: "captcha"})
	start := h.clock.Now()
	h.sched.checkDue(ctx)

	until, ok := h.sched.BlockedUntil(task.ID)
	if !ok {
		t.Fatal("expected block cooldown")
	}
	if diff := cmp.Diff(start.Add(300*time.Second), until); diff != "" {
		t.Errorf("cooldown end (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(h.sender.getMessages())); diff != "" {
		t.Errorf("warnings (-want +got):\n%s", diff)
	}
	if h.lastChecked(t, task.ID) != nil {
		t.Error("LastCheckedAt must not advance on a blocked cycle")
	}

	h.cycle(60 * time.Second)
	if diff := cmp.Diff(1, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls during cooldown (-want +got):\n%s", diff)
	}

	h.cycle(241 * time.Second)
	if diff := cmp.Diff(2, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls after cooldown (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(h.sender.getMessages())); diff != "" {
		t.Errorf("repeated warning not throttled (-want +got):\n%s", diff)
	}
}

func TestConfigGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)
	if err := h.store.SaveSettings(ctx, &model.Settings{UserID: testUser, MonitorEnabled: true}); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	h.sched.checkDue(ctx)
	if diff := cmp.Diff(0, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls (-want +got):\n%s", diff)
	}
	if h.lastChecked(t, task.ID) == nil {
		t.Error("expected LastCheckedAt to advance when configuration is missing")
	}
	if diff := cmp.Diff(1, len(h.sender.getMessages())); diff != "" {
		t.Errorf("warnings (-want +got):\n%s", diff)
	}

	h.cycle(61 * time.Second)
	if diff := cmp.Diff(1, len(h.sender.getMessages())); diff != "" {
		t.Errorf("warnings within window (-want +got):\n%s", diff)
	}

	h.cycle(30 * time.Minute)
	if diff := cmp.Diff(2, len(h.sender.getMessages())); diff != "" {
		t.Errorf("warnings after window (-want +got):\n%s", diff)
	}
}

func TestConfigGateUnparseableProxy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)
	st := &model.Settings{UserID: testUser, MonitorEnabled: true}
	st.SetProxy("http://")
	st.SetChangeIPURL("http://proxy.test/change")
	if err := h.store.SaveSettings(ctx, st); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	h.sched.checkDue(ctx)
	if diff := cmp.Diff(0, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls (-want +got):\n%s", diff)
	}
	if h.lastChecked(t, task.ID) == nil {
		t.Error("expected LastCheckedAt to advance when the proxy is unusable")
	}
	msgs := h.sender.getMessages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "invalid proxy") {
		t.Fatalf("warnings = %+v, want one invalid proxy warning", msgs)
	}

	h.cycle(61 * time.Second)
	if diff := cmp.Diff(1, len(h.sender.getMessages())); diff != "" {
		t.Errorf("warnings within window (-want +got):\n%s", diff)
	}
}

func TestMonitorDisabledSkipsFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)
	st, err := h.store.GetSettings(ctx, testUser)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	st.MonitorEnabled = false
	if err := h.store.SaveSettings(ctx, st); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	h.sched.checkDue(ctx)
	if diff := cmp.Diff(0, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls (-want +got):\n%s", diff)
	}
	if h.lastChecked(t, task.ID) == nil {
		t.Error("expected LastCheckedAt to advance")
	}
}

func TestSoftFailureIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{})
	task := h.addTask(t)

	h.fetcher.respond(nil, fetcher.ErrSoftFailure)
	h.sched.checkDue(ctx)

	if h.lastChecked(t, task.ID) != nil {
		t.Error("LastCheckedAt must not advance on a soft failure")
	}
	if _, ok := h.sched.RateLimit(task.ID); ok {
		t.Error("unexpected rate limit state")
	}
	if _, ok := h.sched.BlockedUntil(task.ID); ok {
		t.Error("unexpected block cooldown")
	}
	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("messages (-want +got):\n%s", diff)
	}
}

func TestMinimumGapBetweenFetches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{MinRequestGap: 30 * time.Second})
	h.addTask(t)
	h.addTask(t)

	h.fetcher.respond(nil, nil)
	h.sched.checkDue(ctx)

	if diff := cmp.Diff([]time.Duration{0, 30 * time.Second}, h.sleeps); diff != "" {
		t.Errorf("gap sleeps (-want +got):\n%s", diff)
	}
}

func TestMinimumGapCountsFromFetchEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{MinRequestGap: 30 * time.Second})
	h.addTask(t)
	h.addTask(t)
	h.sched.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		h.clock.Advance(d)
		return nil
	}

	var starts, ends []time.Time
	h.fetcher.during = func() {
		starts = append(starts, h.clock.Now())
		h.clock.Advance(45 * time.Second)
		ends = append(ends, h.clock.Now())
	}
	h.fetcher.respond(nil, fetcher.ErrSoftFailure)
	h.sched.checkDue(ctx)

	if len(starts) != 2 {
		t.Fatalf("fetch calls = %d, want 2", len(starts))
	}
	if diff := cmp.Diff(30*time.Second, starts[1].Sub(ends[0])); diff != "" {
		t.Errorf("idle time between fetches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{0, 30 * time.Second}, h.sleeps); diff != "" {
		t.Errorf("gap sleeps (-want +got):\n%s", diff)
	}
}

func TestGlobalBranchPollInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, Options{GlobalPollInterval: 120 * time.Second})
	first := h.addTask(t)
	second := h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("a", 1000)}, nil)
	h.sched.checkDue(ctx)

	if diff := cmp.Diff(1, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls (-want +got):\n%s", diff)
	}
	checked := *h.lastChecked(t, first.ID)
	if h.lastChecked(t, second.ID) == nil {
		t.Fatal("expected both tasks advanced")
	}

	h.cycle(61 * time.Second)
	if diff := cmp.Diff(1, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls before poll interval (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(checked, *h.lastChecked(t, first.ID)); diff != "" {
		t.Errorf("task advanced on a skipped tick (-want +got):\n%s", diff)
	}

	h.fetcher.respond([]model.Listing{listing("a", 1000), listing("b", 2000)}, nil)
	h.cycle(60 * time.Second)
	if diff := cmp.Diff(2, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls after poll interval (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "b"}, h.sender.listingIDs()); diff != "" {
		t.Errorf("notified listings (-want +got):\n%s", diff)
	}
}

func TestQuietHoursSuppress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{AggregateThreshold: 1})
	h.clock = &fakeClock{t: time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)}
	h.sched.now = h.clock.Now
	h.updateUser(t, func(u *model.User) {
		u.QuietStart, u.QuietEnd = "23:00", "07:00"
	})
	task := h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("a", 1000)}, nil)
	h.sched.checkDue(ctx)
	h.fetcher.respond([]model.Listing{listing("a", 500), listing("b", 2000)}, nil)
	h.cycle(61 * time.Second)

	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("messages during quiet hours (-want +got):\n%s", diff)
	}
	if _, err := h.store.GetSeen(ctx, task.ID, "b"); err != nil {
		t.Errorf("listing not recorded during quiet hours: %v", err)
	}

	// Suppressed events are dropped, not replayed after quiet hours end.
	h.cycle(5 * time.Hour)
	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("messages after quiet hours (-want +got):\n%s", diff)
	}
}

func TestBudgetAndAggregate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, Options{AggregateThreshold: 3})
	h.updateUser(t, func(u *model.User) { u.NotifyLimitPerHour = 2 })
	h.addTask(t)

	h.fetcher.respond([]model.Listing{listing("seed", 1)}, nil)
	h.sched.checkDue(ctx)

	h.fetcher.respond([]model.Listing{listing("a", 1), listing("b", 2), listing("c", 3), listing("d", 4)}, nil)
	h.cycle(61 * time.Second)

	msgs := h.sender.getMessages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want aggregate + 2 listings", len(msgs))
	}
	if msgs[0].ListingID != "" || !strings.Contains(msgs[0].Text, "4") {
		t.Errorf("first message is not the aggregate notice: %+v", msgs[0])
	}
	if diff := cmp.Diff([]string{"a", "b"}, h.sender.listingIDs()); diff != "" {
		t.Errorf("notified listings (-want +got):\n%s", diff)
	}

	h.sender.reset()
	h.fetcher.respond([]model.Listing{listing("e", 5)}, nil)
	h.cycle(61 * time.Second)
	if diff := cmp.Diff(0, len(h.sender.getMessages())); diff != "" {
		t.Errorf("messages over budget (-want +got):\n%s", diff)
	}

	h.fetcher.respond([]model.Listing{listing("f", 6)}, nil)
	h.cycle(time.Hour)
	if diff := cmp.Diff([]string{"f"}, h.sender.listingIDs()); diff != "" {
		t.Errorf("notified listings after budget window (-want +got):\n%s", diff)
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.addTask(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.fetcher.respond([]model.Listing{listing("a", 1)}, nil)
	h.sched.checkDue(ctx)

	if diff := cmp.Diff(0, h.fetcher.callCount()); diff != "" {
		t.Errorf("fetch calls with cancelled context (-want +got):\n%s", diff)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.sched.SetTickInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
