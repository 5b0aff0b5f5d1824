package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chatsync/internal/backend"
	"github.com/tonimelisma/chatsync/internal/model"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// fakeTimer is a timer that only fires when the test says so.
type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true

	return true
}

// fakeScheduler records every afterFunc call.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	ft := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, ft)

	return ft
}

// pending returns the durations of timers neither stopped nor fired.
func (s *fakeScheduler) pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []time.Duration

	for _, ft := range s.timers {
		if !ft.stopped && !ft.fired {
			out = append(out, ft.d)
		}
	}

	return out
}

// fire runs the oldest pending timer of duration d.
func (s *fakeScheduler) fire(t *testing.T, d time.Duration) {
	t.Helper()

	s.mu.Lock()

	var target *fakeTimer

	for _, ft := range s.timers {
		if !ft.stopped && !ft.fired && ft.d == d {
			target = ft
			break
		}
	}

	if target == nil {
		s.mu.Unlock()
		t.Fatalf("no pending timer of %s", d)

		return
	}

	target.fired = true
	s.mu.Unlock()

	target.f()
}

// attempt is one Subscribe call on the fake subscriber.
type attempt struct {
	scope    string
	filter   string
	onEvent  func(model.Event)
	onStatus func(backend.Status, error)

	mu     sync.Mutex
	closed bool
}

func (a *attempt) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true

	return nil
}

func (a *attempt) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.closed
}

func (a *attempt) fail(err error) {
	a.onStatus(backend.StatusChannelError, err)
}

type fakeSubscriber struct {
	mu       sync.Mutex
	attempts []*attempt
	dialErr  error
}

func (f *fakeSubscriber) Subscribe(
	_ context.Context,
	scope, filter string,
	onEvent func(model.Event),
	onStatus func(backend.Status, error),
) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a := &attempt{scope: scope, filter: filter, onEvent: onEvent, onStatus: onStatus}
	f.attempts = append(f.attempts, a)

	if f.dialErr != nil {
		return nil, f.dialErr
	}

	return a, nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.attempts)
}

func (f *fakeSubscriber) last() *attempt {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts[len(f.attempts)-1]
}

type shown struct {
	title, body, tag string
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []shown
}

func (n *fakeNotifier) Show(title, body, tag string, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.shown = append(n.shown, shown{title, body, tag})
}

type harness struct {
	m        *Manager
	sched    *fakeScheduler
	subs     *fakeSubscriber
	clock    *fakeClock
	notifier *fakeNotifier

	mu      sync.Mutex
	signals []Signal
	events  []model.Event
}

func (h *harness) statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Status, 0, len(h.signals))
	for _, s := range h.signals {
		out = append(out, s.Status)
	}

	return out
}

func (h *harness) lastSignal() Signal {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.signals[len(h.signals)-1]
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		sched:    &fakeScheduler{},
		subs:     &fakeSubscriber{},
		clock:    &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &fakeNotifier{},
	}

	h.m = New(h.subs, h.notifier, func(_ string, ev model.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.events = append(h.events, ev)
	}, opts, testLogger(t))

	h.m.afterFunc = h.sched.afterFunc
	h.m.nowFunc = h.clock.Now
	h.m.goFunc = func(f func()) { f() }

	h.m.OnStatus(func(s Signal) {
		h.mu.Lock()
		defer h.mu.Unlock()

		h.signals = append(h.signals, s)
	})

	t.Cleanup(h.m.Close)

	return h
}

var noHealth = Options{HealthInterval: -1}

func TestOptions_Delay(t *testing.T) {
	o := Options{}.withDefaults()

	want := []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, d := range want {
		assert.Equal(t, d, o.Delay(attempt), "attempt %d", attempt)
	}

	assert.Equal(t, 30*time.Second, o.Delay(200), "no overflow for huge attempts")
}

func TestManager_BackoffThenFailed(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", "room_id=eq.1"))
	require.Equal(t, 1, h.subs.count())
	assert.Equal(t, "room_id=eq.1", h.subs.last().filter)

	var delays []time.Duration

	for range 5 {
		h.subs.last().fail(errors.New("boom"))

		pending := h.sched.pending()
		require.Len(t, pending, 1)
		delays = append(delays, pending[0])

		h.sched.fire(t, pending[0])
	}

	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second, 30 * time.Second,
	}, delays)
	require.Equal(t, 6, h.subs.count())

	h.subs.last().fail(errors.New("boom"))

	assert.Empty(t, h.sched.pending(), "no retry after the last attempt")

	snap, ok := h.m.Snapshot("room:1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, snap.State)
	assert.EqualError(t, snap.LastError, "boom")
	assert.Equal(t, []Status{StatusReconnecting, StatusFailed}, h.statuses())

	for i := range 5 {
		assert.True(t, h.subs.attempts[i].isClosed(), "attempt %d closed", i)
	}

	// Subscribing again is the way out of FAILED.
	require.NoError(t, h.m.Subscribe("room:1", "room_id=eq.1"))
	assert.Equal(t, 7, h.subs.count())
}

func TestManager_RecoveryResetsBackoffAndNotifies(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.subs.last().onStatus(backend.StatusSubscribed, nil)

	assert.Equal(t, Signal{Scope: "room:1", Status: StatusConnected}, h.lastSignal())
	assert.Empty(t, h.notifier.shown, "first connect is not a recovery")

	h.subs.last().onStatus(backend.StatusTimedOut, errors.New("no ack"))
	h.sched.fire(t, 3*time.Second)
	h.subs.last().fail(errors.New("again"))
	h.sched.fire(t, 6*time.Second)
	h.subs.last().onStatus(backend.StatusSubscribed, nil)

	sig := h.lastSignal()
	assert.Equal(t, StatusConnected, sig.Status)
	assert.True(t, sig.Recovered)

	require.Len(t, h.notifier.shown, 1)
	assert.Equal(t, "Reconnected", h.notifier.shown[0].title)
	assert.Equal(t, "channel:room:1", h.notifier.shown[0].tag)

	snap, _ := h.m.Snapshot("room:1")
	assert.Equal(t, StateSubscribed, snap.State)
	assert.Equal(t, 0, snap.Attempt)

	h.subs.last().onStatus(backend.StatusClosed, nil)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.sched.pending(), "backoff restarts at the base delay")
}

func TestManager_AuthFailureNotRetried(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.subs.last().fail(&backend.APIError{StatusCode: 401, Message: "jwt expired", Err: backend.ErrUnauthorized})

	assert.Empty(t, h.sched.pending())

	snap, _ := h.m.Snapshot("room:1")
	assert.Equal(t, StateReauth, snap.State)

	sig := h.lastSignal()
	assert.Equal(t, StatusReauth, sig.Status)
	assert.ErrorIs(t, sig.Err, backend.ErrUnauthorized)
}

func TestManager_AuthFailureOnDial(t *testing.T) {
	h := newHarness(t, noHealth)
	h.subs.dialErr = backend.ErrNoSession

	require.NoError(t, h.m.Subscribe("room:1", ""))

	assert.Empty(t, h.sched.pending())
	assert.Equal(t, []Status{StatusReauth}, h.statuses())
}

func TestManager_DialErrorRetried(t *testing.T) {
	h := newHarness(t, noHealth)
	h.subs.dialErr = errors.New("connection refused")

	require.NoError(t, h.m.Subscribe("room:1", ""))

	assert.Equal(t, []time.Duration{3 * time.Second}, h.sched.pending())

	snap, _ := h.m.Snapshot("room:1")
	assert.Equal(t, StateChannelError, snap.State)
}

func TestManager_SuppressedWhileHidden(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.subs.last().onStatus(backend.StatusSubscribed, nil)

	h.m.SetVisible(false)
	h.clock.Advance(10 * time.Minute)

	h.subs.last().fail(errors.New("tab frozen"))

	assert.Empty(t, h.sched.pending(), "no reconnect timer while hidden")
	assert.Equal(t, 1, h.subs.count())

	snap, _ := h.m.Snapshot("room:1")
	assert.True(t, snap.Deferred)

	h.m.SetVisible(true)

	assert.Equal(t, 2, h.subs.count(), "exactly one immediate retry on visible")
	assert.Empty(t, h.sched.pending())

	snap, _ = h.m.Snapshot("room:1")
	assert.False(t, snap.Deferred)
	assert.Equal(t, 0, snap.Attempt)
	assert.Equal(t, StateConnecting, snap.State)

	h.m.SetVisible(true)
	assert.Equal(t, 2, h.subs.count(), "repeated visible is a no-op")
}

func TestManager_BrieflyHiddenStillRetries(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))

	h.m.SetVisible(false)
	h.clock.Advance(time.Second)

	h.subs.last().fail(errors.New("blip"))
	require.Equal(t, []time.Duration{3 * time.Second}, h.sched.pending())

	// Still hidden when the timer fires, now past one failure cycle.
	h.clock.Advance(5 * time.Second)
	h.sched.fire(t, 3*time.Second)

	assert.Equal(t, 1, h.subs.count())

	snap, _ := h.m.Snapshot("room:1")
	assert.True(t, snap.Deferred)

	h.m.SetVisible(true)
	assert.Equal(t, 2, h.subs.count())
}

func TestManager_OfflineWhileHiddenDefersUntilOnline(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))

	h.m.SetVisible(false)
	h.m.SetOnline(false)

	h.subs.last().fail(errors.New("network down"))

	assert.Empty(t, h.sched.pending())
	assert.Equal(t, StatusOffline, h.lastSignal().Status)

	h.m.SetOnline(true)

	assert.Equal(t, 2, h.subs.count())
	assert.Equal(t, StatusReconnecting, h.lastSignal().Status)
}

func TestManager_OfflineWhileVisibleKeepsBackingOff(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.m.SetOnline(false)

	for range 5 {
		h.subs.last().fail(errors.New("network down"))

		pending := h.sched.pending()
		require.Len(t, pending, 1)
		h.sched.fire(t, pending[0])
	}

	h.subs.last().fail(errors.New("network down"))

	snap, _ := h.m.Snapshot("room:1")
	assert.NotEqual(t, StateFailed, snap.State, "offline failures do not exhaust the scope")
	assert.True(t, snap.Deferred)
	assert.Equal(t, StatusOffline, h.lastSignal().Status)

	h.m.SetOnline(true)
	assert.Equal(t, 7, h.subs.count())
}

func TestManager_ForwardsEvents(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))

	ev := model.Event{Kind: model.EventInsert, Message: model.Message{ID: "msg-1", RoomID: "1"}}
	h.subs.last().onEvent(ev)

	assert.Equal(t, []model.Event{ev}, h.events)
}

func TestManager_StaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", "a"))
	first := h.subs.last()

	require.NoError(t, h.m.Subscribe("room:1", "b"))
	second := h.subs.last()

	assert.True(t, first.isClosed(), "resubscribe tears down the old subscription")

	first.onStatus(backend.StatusSubscribed, nil)
	first.fail(errors.New("late"))
	first.onEvent(model.Event{Kind: model.EventInsert, Message: model.Message{ID: "stale"}})

	assert.Empty(t, h.signals)
	assert.Empty(t, h.sched.pending())
	assert.Empty(t, h.events)

	second.onStatus(backend.StatusSubscribed, nil)
	assert.Equal(t, []Status{StatusConnected}, h.statuses())

	h.m.Unsubscribe("room:1")
	h.m.Unsubscribe("room:1")

	assert.True(t, second.isClosed())

	second.fail(errors.New("after unsubscribe"))
	assert.Empty(t, h.sched.pending())

	_, ok := h.m.Snapshot("room:1")
	assert.False(t, ok)
}

func TestManager_UnsubscribeCancelsRetryTimer(t *testing.T) {
	h := newHarness(t, noHealth)

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.subs.last().fail(errors.New("boom"))
	require.Len(t, h.sched.pending(), 1)

	h.m.Unsubscribe("room:1")

	assert.Empty(t, h.sched.pending())
}

func TestManager_HealthCheckForcesStuckAttempt(t *testing.T) {
	h := newHarness(t, Options{HealthInterval: time.Minute})

	require.NoError(t, h.m.Subscribe("room:1", ""))
	require.NoError(t, h.m.Subscribe("room:2", ""))
	h.subs.attempts[1].onStatus(backend.StatusSubscribed, nil)

	stuck := h.subs.attempts[0]

	require.Equal(t, []time.Duration{time.Minute}, h.sched.pending())

	h.clock.Advance(time.Minute)
	h.sched.fire(t, time.Minute)

	require.Equal(t, 3, h.subs.count(), "only the stuck scope is retried")
	assert.Equal(t, "room:1", h.subs.last().scope)
	assert.True(t, stuck.isClosed())
	assert.Equal(t, []time.Duration{time.Minute}, h.sched.pending(), "health check re-armed")

	// Offline: the health check stays quiet.
	h.m.SetOnline(false)
	h.clock.Advance(time.Minute)
	h.sched.fire(t, time.Minute)
	assert.Equal(t, 3, h.subs.count())
}

func TestManager_HealthCheckSkipsPendingRetry(t *testing.T) {
	h := newHarness(t, Options{HealthInterval: time.Minute})

	require.NoError(t, h.m.Subscribe("room:1", ""))
	h.subs.last().fail(errors.New("boom"))

	h.clock.Advance(time.Minute)
	h.sched.fire(t, time.Minute)

	assert.Equal(t, 1, h.subs.count())
}

func TestManager_Close(t *testing.T) {
	h := newHarness(t, Options{HealthInterval: time.Minute})

	require.NoError(t, h.m.Subscribe("room:1", ""))
	require.NoError(t, h.m.Subscribe("room:2", ""))

	h.subs.attempts[0].fail(errors.New("boom"))

	h.m.Close()
	h.m.Close()

	for _, a := range h.subs.attempts {
		assert.True(t, a.isClosed())
	}

	assert.Empty(t, h.sched.pending())
	assert.ErrorIs(t, h.m.Subscribe("room:3", ""), ErrClosed)
	assert.Empty(t, h.m.Scopes())

	h.subs.attempts[1].onStatus(backend.StatusSubscribed, nil)
	assert.NotContains(t, h.statuses(), StatusConnected)
}
