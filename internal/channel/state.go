// Package channel supervises realtime subscriptions: one live subscription
// per scope, reconnection with capped exponential backoff, deferral while
// the client is backgrounded or offline, and a periodic health check.
//
// Every transition of a scope goes through Manager.dispatch, which applies
// the state change under the manager's lock and returns side effects that
// run after the lock is released.
package channel

import (
	"errors"
	"time"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("channel: manager closed")

// State is the internal state of one scope's connection.
type State string

// Connection states. CHANNEL_ERROR, TIMED_OUT and CLOSED are failure
// terminals of one attempt; FAILED and REAUTH end auto-retry.
const (
	StateInit         State = "INIT"
	StateConnecting   State = "CONNECTING"
	StateSubscribed   State = "SUBSCRIBED"
	StateChannelError State = "CHANNEL_ERROR"
	StateTimedOut     State = "TIMED_OUT"
	StateClosed       State = "CLOSED"
	StateFailed       State = "FAILED"
	StateReauth       State = "REAUTH"
)

// Status is the coarse connection signal surfaced to the UI.
type Status string

// Connection statuses.
const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusOffline      Status = "offline"
	StatusFailed       Status = "failed"
	StatusReauth       Status = "reauth"
)

// Signal is one status change of a scope.
type Signal struct {
	Scope  string
	Status Status
	Err    error
	// Recovered is set on the connected signal that ends an outage. Events
	// delivered during the outage are lost, so consumers should refetch.
	Recovered bool
}

// Default tuning.
const (
	DefaultBaseDelay      = 3 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultHealthInterval = 30 * time.Second
)

// Options tunes a Manager. Zero fields select defaults. A negative
// HealthInterval disables the health check.
type Options struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.HealthInterval == 0 {
		o.HealthInterval = DefaultHealthInterval
	}

	return o
}

// Delay returns the backoff before retry number attempt (0-based):
// min(BaseDelay * 2^attempt, MaxDelay).
func (o Options) Delay(attempt int) time.Duration {
	d := o.BaseDelay

	for range attempt {
		d *= 2
		if d >= o.MaxDelay || d <= 0 {
			return o.MaxDelay
		}
	}

	return min(d, o.MaxDelay)
}

// Snapshot is a point-in-time view of one scope, for tests and status
// output.
type Snapshot struct {
	Scope     string
	State     State
	Attempt   int
	Deferred  bool
	LastError error
}

// eventKind enumerates the inputs of the per-scope state machine.
type eventKind int

const (
	evStart      eventKind = iota // explicit Subscribe
	evSubscribed                  // backend acknowledged the subscription
	evTerminal                    // attempt ended: dial error or terminal status
	evRetry                       // backoff timer fired
	evResume                      // visible or online again
	evHealth                      // health check forced a reconnect
	evStop                        // Unsubscribe
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evSubscribed:
		return "subscribed"
	case evTerminal:
		return "terminal"
	case evRetry:
		return "retry"
	case evResume:
		return "resume"
	case evHealth:
		return "health"
	case evStop:
		return "stop"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	gen    uint64
	filter string
	state  State // failure terminal, for evTerminal
	err    error
}
