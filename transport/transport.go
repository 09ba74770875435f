// Package transport implements the single CDP websocket connection shared
// by a whole cdpstep invocation: integer-ID command correlation, event
// fan-out scoped per attached session, and reconnect-with-backoff (C1 of
// SPEC_FULL.md). It is grounded on the teacher's conn.go/browser.go pair,
// adapted from chromedp's Action-oriented API to a plain Execute/Listen
// surface the rest of cdpstep drives directly.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/config"
)

// Options configures reconnect behavior and backpressure.
type Options struct {
	AutoReconnect bool
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxPending bounds the number of commands awaiting a response at
	// once; past this, Execute fails fast with ErrQueueFull rather than
	// growing the pending map unboundedly.
	MaxPending int
}

// DefaultOptions mirrors §4.1's exponential-backoff-with-cap contract.
func DefaultOptions() Options {
	return Options{
		AutoReconnect: true,
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 30 * time.Second,
		MaxPending:    4096,
	}
}

// Event is a dispatched CDP event, either global or scoped to a session.
type Event struct {
	SessionID target.SessionID
	Method    cdproto.MethodType
	Value     any // the concrete *<domain>.Event* type from cdproto.UnmarshalMessage
}

type pendingCommand struct {
	ch    chan *cdproto.Message
	timer *time.Timer
}

// Transport is the single websocket connection to the browser.
type Transport struct {
	log  *zap.Logger
	opts Options

	dialFn func(ctx context.Context) (*wireConn, error)

	connMu sync.Mutex
	conn   *wireConn

	idMu sync.Mutex
	next uint64

	pendMu sync.Mutex
	pend   map[uint64]*pendingCommand

	lsnrMu sync.Mutex
	// listeners keyed by a dispatch key: the bare method for global
	// listeners, or "<sessionId>:<method>" for session-scoped ones, per
	// §4.1's "bare event name" / "session-scoped event name" split.
	listeners map[string][]chan Event

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	intentionalClose bool
}

// Dial resolves cfg's CDP endpoint and opens the websocket.
func Dial(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}

	t := &Transport{
		log:       log,
		opts:      opts,
		pend:      make(map[uint64]*pendingCommand),
		listeners: make(map[string][]chan Event),
		closed:    make(chan struct{}),
	}
	t.dialFn = func(ctx context.Context) (*wireConn, error) {
		endpoint, err := EndpointURL(ctx, cfg)
		if err != nil {
			return nil, cdperr.Wrap(cdperr.KindConnection, err, "resolve CDP endpoint")
		}
		conn, err := dialWS(ctx, endpoint)
		if err != nil {
			return nil, cdperr.Wrap(cdperr.KindConnection, err, "dial %s", endpoint)
		}
		return conn, nil
	}

	conn, err := t.dialFn(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn

	go t.readLoop()

	return t, nil
}

// Close shuts the transport down intentionally: pending commands are
// rejected with ErrConnectionClosed and no reconnect is attempted.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.intentionalClose = true
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
		close(t.closed)
	})
	return nil
}

// Done reports the channel that closes when the transport is permanently
// shut down (either intentionally or after reconnect attempts are
// exhausted).
func (t *Transport) Done() <-chan struct{} { return t.closed }

func (t *Transport) nextID() uint64 {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	t.next++
	return t.next
}

// Execute sends a command and decodes its result into res (which may be
// nil). method is a literal CDP method such as "Page.navigate"; params is
// marshaled with encoding/json, matching the plain JSON wire envelope of
// §3 rather than reproducing cdproto's generated per-command builder types.
func (t *Transport) Execute(ctx context.Context, sessionID target.SessionID, method string, params any, res any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return cdperr.Wrap(cdperr.KindExecution, err, "marshal params for %s", method)
		}
		raw = b
	}

	id := t.nextID()

	t.pendMu.Lock()
	if len(t.pend) >= t.opts.MaxPending {
		t.pendMu.Unlock()
		return cdperr.Wrap(cdperr.KindConnection, cdperr.ErrQueueFull, "%s", method)
	}
	ch := make(chan *cdproto.Message, 1)
	t.pend[id] = &pendingCommand{ch: ch}
	t.pendMu.Unlock()

	defer func() {
		t.pendMu.Lock()
		delete(t.pend, id)
		t.pendMu.Unlock()
	}()

	msg := &cdproto.Message{
		ID:        int64(id),
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    raw,
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return cdperr.Wrap(cdperr.KindConnection, cdperr.ErrConnectionClosed, "%s", method)
	}
	if err := conn.writeMsg(msg); err != nil {
		return cdperr.Wrap(cdperr.KindConnection, err, "write %s", method)
	}

	select {
	case <-ctx.Done():
		return cdperr.Wrap(cdperr.KindTimeout, ctx.Err(), "%s", method)
	case <-t.closed:
		return cdperr.Wrap(cdperr.KindConnection, cdperr.ErrConnectionClosed, "%s", method)
	case reply := <-ch:
		if reply == nil {
			return cdperr.Wrap(cdperr.KindConnection, cdperr.ErrChannelClosed, "%s", method)
		}
		if reply.Error != nil {
			return cdperr.New(cdperr.KindExecution, "%s: %s", method, reply.Error.Message)
		}
		if res != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, res); err != nil {
				return cdperr.Wrap(cdperr.KindExecution, err, "decode result of %s", method)
			}
		}
		return nil
	}
}

// Listen returns a channel of global events matching method (no session
// filter). Release with Unlisten.
func (t *Transport) Listen(method cdproto.MethodType) <-chan Event {
	return t.subscribe(string(method))
}

// ListenSession returns a channel of events matching method scoped to
// sessionID, per §4.1's "session-scoped event name" dispatch rule.
func (t *Transport) ListenSession(sessionID target.SessionID, method cdproto.MethodType) <-chan Event {
	return t.subscribe(fmt.Sprintf("%s:%s", sessionID, method))
}

func (t *Transport) subscribe(key string) <-chan Event {
	ch := make(chan Event, 64)
	t.lsnrMu.Lock()
	t.listeners[key] = append(t.listeners[key], ch)
	t.lsnrMu.Unlock()
	return ch
}

// Unlisten unsubscribes a channel returned by Listen/ListenSession. Every
// subscribed listener must eventually be released so the page controller's
// dispose leaves no dangling listeners (§3 invariant).
func (t *Transport) Unlisten(ch <-chan Event) {
	t.lsnrMu.Lock()
	defer t.lsnrMu.Unlock()
	for key, chs := range t.listeners {
		for i, c := range chs {
			if c == ch {
				t.listeners[key] = append(chs[:i], chs[i+1:]...)
				close(c)
				return
			}
		}
	}
}

func (t *Transport) dispatch(sessionID target.SessionID, method cdproto.MethodType, value any) {
	ev := Event{SessionID: sessionID, Method: method, Value: value}

	t.lsnrMu.Lock()
	global := append([]chan Event(nil), t.listeners[string(method)]...)
	var scoped []chan Event
	if sessionID != "" {
		scoped = append([]chan Event(nil), t.listeners[fmt.Sprintf("%s:%s", sessionID, method)]...)
	}
	t.lsnrMu.Unlock()

	for _, ch := range global {
		select {
		case ch <- ev:
		default:
			t.log.Warn("dropping event: global listener is full", zap.String("method", string(method)))
		}
	}
	for _, ch := range scoped {
		select {
		case ch <- ev:
		default:
			t.log.Warn("dropping event: session listener is full", zap.String("method", string(method)))
		}
	}
}

// readLoop is the transport's single receive loop (§5: ordering is
// preserved, event dispatch is synchronous with message receipt).
func (t *Transport) readLoop() {
	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()

		msg := new(cdproto.Message)
		err := conn.readMsg(msg)
		if err != nil {
			if t.intentionalClose {
				t.rejectAllPending(cdperr.ErrConnectionClosed)
				return
			}
			if !t.opts.AutoReconnect || !t.reconnect() {
				t.rejectAllPending(cdperr.ErrConnectionClosed)
				t.closeOnce.Do(func() { close(t.closed) })
				return
			}
			continue
		}

		switch {
		case msg.Method != "":
			ev, uerr := cdproto.UnmarshalMessage(msg)
			if uerr != nil {
				t.log.Debug("could not unmarshal event", zap.String("method", string(msg.Method)), zap.Error(uerr))
				continue
			}
			t.dispatch(msg.SessionID, msg.Method, ev)

		case msg.ID != 0:
			t.pendMu.Lock()
			p, ok := t.pend[uint64(msg.ID)]
			t.pendMu.Unlock()
			if !ok {
				continue
			}
			p.ch <- msg

		default:
			t.log.Warn("ignoring malformed message: missing id and method")
		}
	}
}

func (t *Transport) rejectAllPending(cause error) {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	for id, p := range t.pend {
		close(p.ch)
		delete(t.pend, id)
	}
	_ = cause
}

// reconnect attempts to re-establish the websocket with exponential
// backoff and jitter, per §4.1. It emits Event{Method:"cdpstep.reconnecting"}
// before each attempt and "cdpstep.reconnected" on success.
func (t *Transport) reconnect() bool {
	for attempt := 1; attempt <= t.opts.MaxRetries; attempt++ {
		delay := backoffDelay(t.opts.RetryDelay, t.opts.MaxRetryDelay, attempt)
		t.dispatch("", "cdpstep.reconnecting", map[string]any{"attempt": attempt, "delay": delay.String()})

		select {
		case <-time.After(delay):
		case <-t.closed:
			return false
		}

		conn, err := t.dialFn(context.Background())
		if err != nil {
			t.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.dispatch("", "cdpstep.reconnected", nil)
		return true
	}
	t.dispatch("", "cdpstep.closed", nil)
	return false
}

// backoffDelay computes retryDelay * 2^(attempt-1), capped at maxDelay, with
// +/-10% jitter to avoid synchronized reconnect storms.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(d * jitter)
}
