package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/chatsync/internal/model"
)

// Status is the lifecycle status a realtime subscription reports.
type Status string

// Subscription statuses. Every status but StatusSubscribed is terminal: the
// subscription delivers nothing afterwards and must be replaced.
const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Realtime defaults.
const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultHeartbeat        = 25 * time.Second
	DefaultReadLimit        = 1 << 20
)

// Subscription is a live realtime subscription.
type Subscription interface {
	// Close tears the subscription down. No callback starts after Close
	// returns. Safe to call more than once and from a callback.
	Close() error
}

// RealtimeOptions tunes a Realtime client. Zero fields select defaults.
type RealtimeOptions struct {
	SubscribeTimeout time.Duration
	Heartbeat        time.Duration
	ReadLimit        int64 // largest frame accepted, in bytes
	HTTPClient       *http.Client
}

// Realtime opens subscriptions on the backend's change feed over WebSocket.
type Realtime struct {
	url    string
	apiKey string
	token  TokenSource
	opts   RealtimeOptions
	logger *slog.Logger
}

// NewRealtime creates a change-feed client for the WebSocket endpoint url.
func NewRealtime(url, apiKey string, token TokenSource, opts RealtimeOptions, logger *slog.Logger) *Realtime {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}

	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}

	return &Realtime{url: url, apiKey: apiKey, token: token, opts: opts, logger: logger}
}

// subscribeFrame asks the server to stream changes of the messages table
// matching filter under topic.
type subscribeFrame struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	Table       string `json:"table"`
	Filter      string `json:"filter,omitempty"`
	AccessToken string `json:"access_token"`
}

// frame is any server frame.
type frame struct {
	Type    string         `json:"type"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Code    int            `json:"code,omitempty"`
	Payload *changePayload `json:"payload,omitempty"`
}

type changePayload struct {
	EventType string          `json:"eventType"` //nolint:tagliatelle // wire format
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old"`
}

// Subscribe dials the feed and subscribes scope to changes matching filter.
// The returned error covers dialing and the subscribe request only; the
// outcome of the subscription arrives through onStatus. A dial rejected
// for bad credentials returns an error matching ErrUnauthorized.
//
// onEvent and onStatus are called from the subscription's goroutines, one
// at a time.
func (r *Realtime) Subscribe(
	ctx context.Context,
	scope, filter string,
	onEvent func(model.Event),
	onStatus func(Status, error),
) (Subscription, error) {
	tok, err := r.token.Token()
	if err != nil {
		return nil, fmt.Errorf("backend: realtime token: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, r.opts.SubscribeTimeout)
	defer cancelDial()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)

	if r.apiKey != "" {
		header.Set("apikey", r.apiKey)
	}

	conn, resp, err := websocket.Dial(dialCtx, r.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: r.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
				return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Err: sentinel}
			}
		}

		return nil, fmt.Errorf("backend: dialing realtime: %w", err)
	}

	conn.SetReadLimit(r.opts.ReadLimit)

	err = wsjson.Write(dialCtx, conn, subscribeFrame{
		Type:        "subscribe",
		Topic:       scope,
		Table:       "messages",
		Filter:      filter,
		AccessToken: tok,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("backend: subscribing %s: %w", scope, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &subscription{
		scope:    scope,
		conn:     conn,
		cancel:   cancel,
		onEvent:  onEvent,
		onStatus: onStatus,
		logger:   r.logger,
	}

	s.mu.Lock()
	s.timeout = time.AfterFunc(r.opts.SubscribeTimeout, func() {
		if s.terminate(StatusTimedOut, fmt.Errorf("backend: no subscribe ack within %s", r.opts.SubscribeTimeout)) {
			conn.Close(websocket.StatusGoingAway, "subscribe timeout")
		}
	})
	s.mu.Unlock()

	go s.readLoop(subCtx)
	go s.heartbeat(subCtx, r.opts.Heartbeat)

	r.logger.Debug("realtime subscription opened",
		slog.String("scope", scope),
		slog.String("filter", filter),
	)

	return s, nil
}

// subscription is one WebSocket connection carrying one topic.
type subscription struct {
	scope    string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	onEvent  func(model.Event)
	onStatus func(Status, error)
	logger   *slog.Logger

	cbMu sync.Mutex // serializes callbacks; never taken by Close

	mu         sync.Mutex
	timeout    *time.Timer
	subscribed bool
	done       bool // terminal status delivered or closed
}

func (s *subscription) Close() error {
	if !s.finish() {
		return nil
	}

	if err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribe"); err != nil && !isClosedConn(err) {
		return fmt.Errorf("backend: closing realtime subscription %s: %w", s.scope, err)
	}

	return nil
}

// finish marks the subscription done and stops its goroutines. Returns
// false when it was already done.
func (s *subscription) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}

	s.done = true
	s.cancel()

	if s.timeout != nil {
		s.timeout.Stop()
	}

	return true
}

func (s *subscription) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}

// terminate delivers a terminal status unless the subscription is already
// done. Returns whether this call delivered it.
func (s *subscription) terminate(st Status, err error) bool {
	if !s.finish() {
		return false
	}

	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.onStatus(st, err)

	return true
}

func (s *subscription) readLoop(ctx context.Context) {
	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			s.readFailed(err)
			return
		}

		s.handle(f)
	}
}

func (s *subscription) readFailed(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.terminate(StatusClosed, nil)
		return
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		s.logger.Warn("realtime: malformed frame", slog.String("scope", s.scope), slog.String("error", err.Error()))
	}

	s.terminate(StatusChannelError, fmt.Errorf("backend: realtime read: %w", err))
}

func (s *subscription) handle(f frame) {
	switch f.Type {
	case "system":
		s.handleSystem(f)
	case "postgres_changes":
		ev, ok := parseChange(f.Payload, s.logger)
		if !ok {
			return
		}

		s.cbMu.Lock()
		defer s.cbMu.Unlock()

		if s.isDone() {
			return
		}

		s.onEvent(ev)
	default:
		s.logger.Debug("realtime: ignoring frame", slog.String("type", f.Type))
	}
}

func (s *subscription) handleSystem(f frame) {
	st := Status(f.Status)

	if st == StatusSubscribed {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()

		s.mu.Lock()
		first := !s.done && !s.subscribed
		s.subscribed = true

		if s.timeout != nil {
			s.timeout.Stop()
		}
		s.mu.Unlock()

		if first {
			s.onStatus(StatusSubscribed, nil)
		}

		return
	}

	var err error
	if f.Message != "" || f.Code != 0 {
		err = &APIError{StatusCode: f.Code, Message: f.Message, Err: classifyStatus(f.Code)}
	}

	switch st {
	case StatusChannelError, StatusTimedOut, StatusClosed:
	default:
		s.logger.Debug("realtime: unknown system status", slog.String("status", f.Status))
		return
	}

	if s.terminate(st, err) {
		s.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// heartbeat pings the server so dead connections surface as channel errors.
func (s *subscription) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, every)
			err := s.conn.Ping(pingCtx)
			cancel()

			if err != nil && ctx.Err() == nil {
				if s.terminate(StatusChannelError, fmt.Errorf("backend: realtime heartbeat: %w", err)) {
					s.conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}

				return
			}
		}
	}
}

// parseChange converts a change payload into an Event. Deletes only carry
// the old row's keys.
func parseChange(p *changePayload, logger *slog.Logger) (model.Event, bool) {
	if p == nil {
		return model.Event{}, false
	}

	var kind model.EventKind

	raw := p.New

	switch p.EventType {
	case "INSERT":
		kind = model.EventInsert
	case "UPDATE":
		kind = model.EventUpdate
	case "DELETE":
		kind = model.EventDelete
		raw = p.Old
	default:
		logger.Debug("realtime: unknown change type", slog.String("event_type", p.EventType))
		return model.Event{}, false
	}

	var row messageRow
	if err := json.Unmarshal(raw, &row); err != nil || row.ID == "" {
		logger.Warn("realtime: undecodable change row", slog.String("event_type", p.EventType))
		return model.Event{}, false
	}

	if kind == model.EventDelete {
		return model.Event{Kind: kind, Message: model.Message{ID: row.ID, RoomID: row.RoomID}}, true
	}

	return model.Event{Kind: kind, Message: row.toMessage(logger)}, true
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
