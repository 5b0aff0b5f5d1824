package channel

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tonimelisma/chatsync/internal/backend"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
)

// Subscriber opens realtime subscriptions. backend.Realtime implements it.
type Subscriber interface {
	Subscribe(
		ctx context.Context,
		scope, filter string,
		onEvent func(model.Event),
		onStatus func(backend.Status, error),
	) (backend.Subscription, error)
}

// EventHandler receives the events of live subscriptions.
type EventHandler func(scope string, ev model.Event)

// timer is the part of *time.Timer the manager uses.
type timer interface {
	Stop() bool
}

// conn is the connection state of one scope. Guarded by Manager.mu.
type conn struct {
	scope    string
	filter   string
	state    State
	attempt  int // next retry number; reset on success and on resume
	failures int // failed attempts since the last SUBSCRIBED
	lastErr  error
	timer    timer
	deferred bool
	gen      uint64 // callbacks carrying another generation are stale
	sub      backend.Subscription
	since    time.Time // start of the current attempt
	status   Status    // last signaled status
}

// Manager keeps one live subscription per scope and reconnects failed ones.
// Safe for concurrent use.
type Manager struct {
	subscriber Subscriber
	notifier   notify.Notifier
	handler    EventHandler
	opts       Options
	logger     *slog.Logger

	afterFunc func(time.Duration, func()) timer
	nowFunc   func() time.Time
	goFunc    func(func())

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conns       map[string]*conn
	listeners   []func(Signal)
	visible     bool
	online      bool
	hiddenSince time.Time
	health      timer
	lastGen     uint64
	closed      bool
}

// New creates a Manager. The client starts out visible and online. handler
// may be nil.
func New(sub Subscriber, notifier notify.Notifier, handler EventHandler, opts Options, logger *slog.Logger) *Manager {
	if notifier == nil {
		notifier = notify.Discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		subscriber: sub,
		notifier:   notifier,
		handler:    handler,
		opts:       opts.withDefaults(),
		logger:     logger,
		afterFunc:  func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		nowFunc:    time.Now,
		goFunc:     func(f func()) { go f() },
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*conn),
		visible:    true,
		online:     true,
	}
}

// OnStatus registers fn to receive status signals. fn runs without the
// manager's lock held and may call back into the manager.
func (m *Manager) OnStatus(fn func(Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// Subscribe starts a subscription for scope, replacing any existing one.
// The attempt runs in the background; its outcome arrives as a Signal.
// Subscribing again is also the way out of StatusFailed and StatusReauth.
func (m *Manager) Subscribe(scope, filter string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.dispatch(scope, event{kind: evStart, filter: filter})

	return nil
}

// Unsubscribe tears down scope: pending timers are canceled and the live
// subscription is closed. Unknown scopes are ignored.
func (m *Manager) Unsubscribe(scope string) {
	m.dispatch(scope, event{kind: evStop})
}

// SetVisible records whether the client is in the foreground. Becoming
// visible fires one immediate attempt for every deferred scope.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()

	if m.closed || m.visible == visible {
		m.mu.Unlock()
		return
	}

	m.visible = visible

	var effects []func()

	if visible {
		m.logger.Debug("channel: visible")
		effects = m.resumeAllLocked()
	} else {
		m.hiddenSince = m.nowFunc()
		m.logger.Debug("channel: hidden")
	}

	m.mu.Unlock()
	run(effects)
}

// SetOnline records network reachability. Coming online fires one
// immediate attempt for every deferred scope.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()

	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}

	m.online = online

	var effects []func()

	if online {
		m.logger.Info("channel: network online")
		effects = m.resumeAllLocked()
	} else {
		m.logger.Info("channel: network offline")
	}

	for _, c := range m.conns {
		if c.failing() {
			effects = append(effects, m.signalLocked(c, m.failingStatusLocked(), c.lastErr, false)...)
		}
	}

	m.mu.Unlock()
	run(effects)
}

// Snapshot returns the current state of scope.
func (m *Manager) Snapshot(scope string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[scope]
	if !ok {
		return Snapshot{}, false
	}

	return Snapshot{
		Scope:     c.scope,
		State:     c.state,
		Attempt:   c.attempt,
		Deferred:  c.deferred,
		LastError: c.lastErr,
	}, true
}

// Scopes returns the subscribed scopes in sorted order.
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := make([]string, 0, len(m.conns))
	for s := range m.conns {
		scopes = append(scopes, s)
	}

	slices.Sort(scopes)

	return scopes
}

// Close tears down every scope and stops the health check. Callbacks that
// arrive afterwards are ignored.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true

	var effects []func()
	for _, c := range m.conns {
		effects = append(effects, m.teardownLocked(c)...)
	}

	clear(m.conns)

	if m.health != nil {
		m.health.Stop()
		m.health = nil
	}

	m.mu.Unlock()

	run(effects)
	m.cancel()

	m.logger.Debug("channel: manager closed")
}

// dispatch applies ev to scope's state machine and then runs the resulting
// side effects without the lock.
func (m *Manager) dispatch(scope string, ev event) {
	m.mu.Lock()
	effects := m.transitionLocked(scope, ev)
	m.mu.Unlock()

	run(effects)
}

func (m *Manager) transitionLocked(scope string, ev event) []func() {
	if m.closed {
		return nil
	}

	if ev.kind == evStart {
		return m.startLocked(scope, ev.filter)
	}

	c, ok := m.conns[scope]
	if !ok {
		return nil
	}

	switch ev.kind {
	case evSubscribed, evTerminal, evRetry:
		if ev.gen != c.gen {
			m.logger.Debug("channel: ignoring stale callback",
				slog.String("scope", scope),
				slog.String("event", ev.kind.String()),
			)

			return nil
		}
	}

	m.logger.Debug("channel: transition",
		slog.String("scope", scope),
		slog.String("state", string(c.state)),
		slog.String("event", ev.kind.String()),
	)

	switch ev.kind {
	case evSubscribed:
		return m.subscribedLocked(c)
	case evTerminal:
		return m.attemptFailedLocked(c, ev.state, ev.err)
	case evRetry:
		c.timer = nil

		if m.suppressedLocked() {
			return m.deferLocked(c)
		}

		return m.launchLocked(c)
	case evResume:
		if !c.deferred {
			return nil
		}

		c.deferred = false
		c.attempt = 0

		return append(m.signalLocked(c, StatusReconnecting, c.lastErr, false), m.launchLocked(c)...)
	case evHealth:
		if !m.needsHealthRetryLocked(c) {
			return nil
		}

		m.logger.Info("channel: health check forcing reconnect",
			slog.String("scope", scope),
			slog.String("state", string(c.state)),
		)

		return m.launchLocked(c)
	case evStop:
		delete(m.conns, scope)
		m.logger.Debug("channel: unsubscribed", slog.String("scope", scope))

		return m.teardownLocked(c)
	}

	return nil
}

func (m *Manager) startLocked(scope, filter string) []func() {
	var effects []func()

	if old, ok := m.conns[scope]; ok {
		effects = m.teardownLocked(old)
	}

	c := &conn{scope: scope, filter: filter, state: StateInit}
	m.conns[scope] = c
	m.armHealthLocked()

	m.logger.Info("channel: subscribing", slog.String("scope", scope), slog.String("filter", filter))

	return append(effects, m.launchLocked(c)...)
}

// launchLocked starts a new attempt for c, closing whatever it still holds.
func (m *Manager) launchLocked(c *conn) []func() {
	effects := m.teardownLocked(c)

	c.state = StateConnecting
	c.since = m.nowFunc()

	scope, filter, gen := c.scope, c.filter, c.gen

	return append(effects, func() {
		m.goFunc(func() { m.connect(scope, filter, gen) })
	})
}

// teardownLocked cancels c's timer, detaches its subscription and bumps its
// generation so callbacks already in flight become stale.
func (m *Manager) teardownLocked(c *conn) []func() {
	m.lastGen++
	c.gen = m.lastGen

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if c.sub == nil {
		return nil
	}

	sub, scope := c.sub, c.scope
	c.sub = nil

	return []func(){func() { m.closeSub(scope, sub) }}
}

func (m *Manager) subscribedLocked(c *conn) []func() {
	if c.state != StateConnecting {
		return nil
	}

	recovered := c.failures > 0

	c.state = StateSubscribed
	c.attempt = 0
	c.failures = 0
	c.lastErr = nil
	c.deferred = false

	m.logger.Info("channel: subscribed",
		slog.String("scope", c.scope),
		slog.Bool("recovered", recovered),
	)

	effects := m.signalLocked(c, StatusConnected, nil, recovered)

	if recovered {
		scope := c.scope
		effects = append(effects, func() {
			m.notifier.Show("Reconnected", "Live updates resumed for "+scope, "channel:"+scope, nil)
		})
	}

	return effects
}

func (m *Manager) attemptFailedLocked(c *conn, st State, err error) []func() {
	if c.state != StateConnecting && c.state != StateSubscribed {
		return nil
	}

	effects := m.teardownLocked(c)

	c.state = st
	c.lastErr = err
	c.failures++

	if backend.IsAuth(err) {
		c.state = StateReauth

		m.logger.Warn("channel: authentication rejected, not retrying",
			slog.String("scope", c.scope),
			slog.String("error", errString(err)),
		)

		return append(effects, m.signalLocked(c, StatusReauth, err, false)...)
	}

	return append(effects, m.scheduleLocked(c)...)
}

// scheduleLocked arms the retry timer for c, or defers or fails it.
func (m *Manager) scheduleLocked(c *conn) []func() {
	if m.suppressedLocked() {
		return m.deferLocked(c)
	}

	if c.attempt >= m.opts.MaxAttempts {
		if !m.online {
			return m.deferLocked(c)
		}

		c.state = StateFailed

		m.logger.Warn("channel: giving up after repeated failures",
			slog.String("scope", c.scope),
			slog.Int("attempts", c.attempt),
			slog.String("error", errString(c.lastErr)),
		)

		return m.signalLocked(c, StatusFailed, c.lastErr, false)
	}

	delay := m.opts.Delay(c.attempt)
	c.attempt++

	scope, gen := c.scope, c.gen
	c.timer = m.afterFunc(delay, func() {
		m.dispatch(scope, event{kind: evRetry, gen: gen})
	})

	m.logger.Info("channel: retry scheduled",
		slog.String("scope", c.scope),
		slog.String("state", string(c.state)),
		slog.Int("attempt", c.attempt),
		slog.Duration("delay", delay),
		slog.String("error", errString(c.lastErr)),
	)

	return m.signalLocked(c, m.failingStatusLocked(), c.lastErr, false)
}

func (m *Manager) deferLocked(c *conn) []func() {
	c.deferred = true

	m.logger.Debug("channel: retry deferred",
		slog.String("scope", c.scope),
		slog.Bool("visible", m.visible),
		slog.Bool("online", m.online),
	)

	return m.signalLocked(c, m.failingStatusLocked(), c.lastErr, false)
}

// suppressedLocked reports whether retries are deferred: the client is
// hidden and has been for longer than one failure cycle, or is offline too.
func (m *Manager) suppressedLocked() bool {
	if m.visible {
		return false
	}

	return !m.online || m.nowFunc().Sub(m.hiddenSince) > m.opts.BaseDelay
}

func (m *Manager) failingStatusLocked() Status {
	if !m.online {
		return StatusOffline
	}

	return StatusReconnecting
}

func (m *Manager) resumeAllLocked() []func() {
	var effects []func()

	for scope, c := range m.conns {
		if c.deferred {
			m.logger.Info("channel: resuming deferred scope", slog.String("scope", scope))
			effects = append(effects, m.transitionLocked(scope, event{kind: evResume})...)
		}
	}

	return effects
}

func (m *Manager) needsHealthRetryLocked(c *conn) bool {
	if !m.online || m.suppressedLocked() {
		return false
	}

	switch c.state {
	case StateSubscribed, StateFailed, StateReauth:
		return false
	case StateConnecting:
		// An attempt that never reported back.
		return m.nowFunc().Sub(c.since) >= m.opts.HealthInterval
	default:
		return !c.deferred && c.timer == nil
	}
}

func (m *Manager) armHealthLocked() {
	if m.health != nil || m.opts.HealthInterval < 0 {
		return
	}

	m.health = m.afterFunc(m.opts.HealthInterval, m.runHealth)
}

func (m *Manager) runHealth() {
	m.mu.Lock()

	m.health = nil

	if m.closed {
		m.mu.Unlock()
		return
	}

	var effects []func()
	for scope := range m.conns {
		effects = append(effects, m.transitionLocked(scope, event{kind: evHealth})...)
	}

	if len(m.conns) > 0 {
		m.armHealthLocked()
	}

	m.mu.Unlock()
	run(effects)
}

// signalLocked returns the effect delivering a status change to listeners.
// Repeats of the last signaled status are dropped unless they end an outage.
func (m *Manager) signalLocked(c *conn, st Status, err error, recovered bool) []func() {
	if c.status == st && !recovered {
		return nil
	}

	c.status = st

	sig := Signal{Scope: c.scope, Status: st, Err: err, Recovered: recovered}
	listeners := slices.Clone(m.listeners)

	return []func(){func() {
		for _, fn := range listeners {
			fn(sig)
		}
	}}
}

// connect runs one subscription attempt for generation gen.
func (m *Manager) connect(scope, filter string, gen uint64) {
	sub, err := m.subscriber.Subscribe(m.ctx, scope, filter,
		func(ev model.Event) { m.deliver(scope, gen, ev) },
		func(st backend.Status, err error) { m.onBackendStatus(scope, gen, st, err) },
	)
	if err != nil {
		m.dispatch(scope, event{kind: evTerminal, gen: gen, state: StateChannelError, err: err})
		return
	}

	m.mu.Lock()

	c, ok := m.conns[scope]
	if m.closed || !ok || c.gen != gen {
		m.mu.Unlock()
		m.closeSub(scope, sub)

		return
	}

	c.sub = sub
	m.mu.Unlock()
}

func (m *Manager) onBackendStatus(scope string, gen uint64, st backend.Status, err error) {
	switch st {
	case backend.StatusSubscribed:
		m.dispatch(scope, event{kind: evSubscribed, gen: gen})
	case backend.StatusTimedOut:
		m.dispatch(scope, event{kind: evTerminal, gen: gen, state: StateTimedOut, err: err})
	case backend.StatusClosed:
		m.dispatch(scope, event{kind: evTerminal, gen: gen, state: StateClosed, err: err})
	default:
		m.dispatch(scope, event{kind: evTerminal, gen: gen, state: StateChannelError, err: err})
	}
}

// deliver forwards an event of generation gen if that generation is live.
func (m *Manager) deliver(scope string, gen uint64, ev model.Event) {
	m.mu.Lock()
	c, ok := m.conns[scope]
	live := !m.closed && ok && c.gen == gen
	m.mu.Unlock()

	if !live {
		m.logger.Debug("channel: dropping event from stale subscription", slog.String("scope", scope))
		return
	}

	if m.handler != nil {
		m.handler(scope, ev)
	}
}

func (m *Manager) closeSub(scope string, sub backend.Subscription) {
	if err := sub.Close(); err != nil {
		m.logger.Debug("channel: closing subscription",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
	}
}

// failing reports whether c is between attempts after a failure.
func (c *conn) failing() bool {
	switch c.state {
	case StateChannelError, StateTimedOut, StateClosed:
		return true
	default:
		return false
	}
}

func run(effects []func()) {
	for _, f := range effects {
		f()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
