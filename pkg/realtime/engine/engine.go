// Package engine implements the connection manager shared by both
// protocol bindings: it owns the physical connection lifecycle,
// reconnection with backoff, the subscription registry, and the
// pending-request correlator, parameterized by a Transport so the
// reconnect and dispatch logic exists exactly once.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/backoff"
	"github.com/bosbase/realtime-go/pkg/realtime/pending"
	"github.com/bosbase/realtime-go/pkg/realtime/registry"
	"github.com/bosbase/realtime-go/pkg/realtime/wire"
	"go.uber.org/zap"
)

// Transport is one physical connection to the server. The engine is
// its only owner: nothing else may send, receive, or close it. Open
// and Receive honor context cancellation; Close must be safe to call
// at any time, including repeatedly and concurrently with Receive.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, env wire.Envelope) error
	Receive(ctx context.Context) (wire.Envelope, error)
	Close() error
}

// State is the connection state owned exclusively by the engine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Engine is the single authoritative owner of the physical connection
// and its state. All state mutations are serialized through one mutex;
// the receive loop runs as an independent goroutine that only submits
// completed frames, never holding the state lock while doing I/O.
type Engine struct {
	transport        Transport
	logger           *zap.Logger
	policy           backoff.Policy
	handshakeTimeout time.Duration
	maxAttempts      int
	replay           ReplayFunc
	onDisconnect     DisconnectFunc

	pending  *pending.Table
	registry *registry.Registry

	mu             sync.Mutex
	state          State
	clientID       string
	manualClose    bool
	attempts       int
	connID         int64
	connCtx        context.Context
	connCancel     context.CancelFunc
	waiters        []chan error
	handshakeTimer *time.Timer
	reconnectTimer *time.Timer
}

func newEngine(b *Builder) *Engine {
	return &Engine{
		transport:        b.transport,
		logger:           b.logger,
		policy:           b.policy,
		handshakeTimeout: b.handshakeTimeout,
		maxAttempts:      b.maxAttempts,
		replay:           b.replay,
		onDisconnect:     b.onDisconnect,
		pending:          pending.NewTable(b.ackTimeout, b.logger),
		registry:         registry.New(b.logger),
	}
}

// Registry exposes the subscription registry owned by this engine.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ClientID returns the server-assigned client id from the last
// completed handshake, or empty if not connected.
func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

// EnsureConnected returns immediately when the connection is ready.
// When a connection attempt is already in flight the caller waits on
// it rather than starting a second one; attempts are never started
// concurrently. From the disconnected state a new attempt begins and
// any earlier manual close is forgotten.
func (e *Engine) EnsureConnected(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateReady {
		e.mu.Unlock()
		return nil
	}

	ch := make(chan error, 1)
	e.waiters = append(e.waiters, ch)
	if e.state == StateDisconnected {
		e.manualClose = false
		e.state = StateConnecting
		e.startAttemptLocked()
	}
	e.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send transmits an envelope on the ready connection. Sends are gated:
// callers are expected to have gone through EnsureConnected first.
func (e *Engine) Send(ctx context.Context, env wire.Envelope) error {
	e.mu.Lock()
	ready := e.state == StateReady
	e.mu.Unlock()

	if !ready {
		return realtime.NewError(realtime.KindConnection, "connection is not ready")
	}
	if err := e.transport.Send(ctx, env); err != nil {
		return realtime.WrapError(realtime.KindConnection, "failed to send envelope", err)
	}
	return nil
}

// Request sends an acknowledgement-requiring envelope and waits for
// the frame correlated by its request id, the ack timeout, or ctx.
func (e *Engine) Request(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	if env.RequestID == "" {
		return wire.Envelope{}, realtime.NewError(realtime.KindValidation, "request id is required")
	}

	w, err := e.pending.Register(env.RequestID)
	if err != nil {
		return wire.Envelope{}, err
	}
	if err := e.Send(ctx, env); err != nil {
		e.pending.Reject(env.RequestID, err)
	}
	return w.Wait(ctx)
}

// Disconnect is the caller-initiated teardown: it cancels in-flight
// handshake and reconnect timers, tears down the physical connection,
// rejects every pending request and connect waiter, and clears the
// state to disconnected. It is idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.manualClose = true
	e.connID++
	e.stopTimersLocked()
	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}
	e.state = StateDisconnected
	e.clientID = ""
	e.attempts = 0
	waiters := e.takeWaitersLocked()
	e.mu.Unlock()

	e.transport.Close()

	err := realtime.NewError(realtime.KindConnection, "connection closed by caller")
	e.pending.RejectAll(err)
	for _, ch := range waiters {
		ch <- err
	}
}

// startAttemptLocked launches one connection attempt. Callers hold
// e.mu and have already set the state to connecting.
func (e *Engine) startAttemptLocked() {
	e.connID++
	id := e.connID
	ctx, cancel := context.WithCancel(context.Background())
	e.connCtx = ctx
	e.connCancel = cancel
	go e.run(id, ctx)
}

// run opens the transport and pumps frames until the connection dies.
// It belongs to exactly one connection generation; stale generations
// cannot touch newer state because every entry point checks the id.
func (e *Engine) run(id int64, ctx context.Context) {
	if err := e.transport.Open(ctx); err != nil {
		e.connectionFailed(id, realtime.WrapError(realtime.KindConnection, "failed to open connection", err))
		return
	}

	e.armHandshakeTimer(id)

	for {
		env, err := e.transport.Receive(ctx)
		if err != nil {
			e.connectionFailed(id, realtime.WrapError(realtime.KindConnection, "connection closed", err))
			return
		}
		e.dispatch(id, env)
	}
}

func (e *Engine) armHandshakeTimer(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != e.connID || e.state != StateConnecting {
		return
	}
	e.handshakeTimer = time.AfterFunc(e.handshakeTimeout, func() {
		e.handshakeExpired(id)
	})
}

func (e *Engine) handshakeExpired(id int64) {
	e.mu.Lock()
	stale := id != e.connID || e.state != StateConnecting
	e.mu.Unlock()
	if stale {
		return
	}
	e.connectionFailed(id, realtime.NewError(realtime.KindHandshakeTimeout,
		"no ready frame received within handshake bound"))
}

// dispatch routes one inbound frame by envelope type. Unknown types
// are dropped for forward compatibility.
func (e *Engine) dispatch(id int64, env wire.Envelope) {
	switch env.Type {
	case wire.TypeReady:
		e.handshakeComplete(id, env)
	case wire.TypeMessage:
		e.registry.FanOut(env.Topic, realtime.Message{
			Topic:   env.Topic,
			Data:    env.Data,
			ID:      env.ID,
			Created: env.Created,
		})
	case wire.TypePublished, wire.TypeSubscribed, wire.TypeUnsubscribed, wire.TypePong:
		e.pending.Resolve(env.RequestID, env)
	case wire.TypeError:
		if env.RequestID != "" {
			e.pending.Reject(env.RequestID, realtime.NewError(realtime.KindServer, env.Message))
		} else {
			e.logger.Warn("Server error frame without request id",
				zap.String("message", env.Message))
		}
	default:
		e.logger.Debug("Ignoring frame with unknown type", zap.String("type", env.Type))
	}
}

// handshakeComplete handles the connection-ready frame: the state
// becomes ready, the attempt counter resets, every connect waiter is
// released exactly once, and on a reconnection the registry's active
// topics are snapshotted in the same critical section for replay.
func (e *Engine) handshakeComplete(id int64, env wire.Envelope) {
	e.mu.Lock()
	if id != e.connID || e.state != StateConnecting {
		e.mu.Unlock()
		return
	}
	e.stopTimersLocked()
	wasReconnect := e.attempts > 0
	e.attempts = 0
	e.state = StateReady
	e.clientID = env.ClientID
	waiters := e.takeWaitersLocked()
	var topics []string
	if wasReconnect {
		topics = e.registry.ActiveTopics()
	}
	ctx := e.connCtx
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}

	e.logger.Info("Connection ready",
		zap.String("client_id", env.ClientID),
		zap.Bool("reconnect", wasReconnect),
	)

	if wasReconnect && e.replay != nil && len(topics) > 0 {
		if err := e.replay(ctx, topics); err != nil {
			e.logger.Warn("Subscription replay failed",
				zap.Strings("topics", topics),
				zap.Error(err),
			)
		}
	}
}

// connectionFailed is the single failure path for open errors, read
// errors, and handshake timeouts. It decides between scheduling a
// reconnect and going terminal under one lock hold so two decisions
// can never interleave.
func (e *Engine) connectionFailed(id int64, cause error) {
	e.mu.Lock()
	if id != e.connID {
		e.mu.Unlock()
		return
	}
	e.connID++
	e.stopTimersLocked()
	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}
	if e.manualClose {
		e.mu.Unlock()
		return
	}

	retry := e.registry.HasActive() && (e.maxAttempts == 0 || e.attempts < e.maxAttempts)
	exhausted := !retry && e.maxAttempts > 0 && e.attempts >= e.maxAttempts

	var waiters []chan error
	var dropped []string
	var delay time.Duration
	if retry {
		delay = e.policy.Delay(e.attempts)
		e.attempts++
		e.state = StateConnecting
		e.reconnectTimer = time.AfterFunc(delay, e.reconnect)
	} else {
		e.state = StateDisconnected
		e.clientID = ""
		e.attempts = 0
		waiters = e.takeWaitersLocked()
		if exhausted {
			dropped = e.registry.Clear()
		}
	}
	attempt := e.attempts
	e.mu.Unlock()

	e.transport.Close()
	e.pending.RejectAll(realtime.WrapError(realtime.KindConnection, "connection closed", cause))

	if retry {
		e.logger.Info("Connection lost, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return
	}

	for _, ch := range waiters {
		ch <- cause
	}

	if exhausted {
		e.logger.Warn("Giving up on reconnection",
			zap.Int("attempts", e.maxAttempts),
			zap.Strings("dropped_topics", dropped),
			zap.Error(cause),
		)
		if e.onDisconnect != nil {
			e.onDisconnect(dropped)
		}
	} else {
		e.logger.Info("Connection closed", zap.Error(cause))
	}
}

// reconnect fires from the backoff timer and starts the next attempt
// unless the caller disconnected in the meantime.
func (e *Engine) reconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.manualClose || e.state != StateConnecting {
		return
	}
	e.reconnectTimer = nil
	e.startAttemptLocked()
}

func (e *Engine) stopTimersLocked() {
	if e.handshakeTimer != nil {
		e.handshakeTimer.Stop()
		e.handshakeTimer = nil
	}
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

// takeWaitersLocked hands the queued connect waiters to the caller,
// which must release each exactly once.
func (e *Engine) takeWaitersLocked() []chan error {
	waiters := e.waiters
	e.waiters = nil
	return waiters
}
