package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/bosbase/realtime-go/pkg/realtime/backoff"
	"go.uber.org/zap"
)

const (
	// DefaultHandshakeTimeout bounds how long a freshly opened
	// connection may wait for the server's ready frame.
	DefaultHandshakeTimeout = 15 * time.Second
)

// ReplayFunc re-announces the active topic set after a successful
// reconnection. The slice is the registry snapshot taken at the
// instant the handshake completed.
type ReplayFunc func(ctx context.Context, topics []string) error

// DisconnectFunc is invoked with the list of dropped topics when
// reconnection is abandoned after the maximum attempt count.
type DisconnectFunc func(topics []string)

// Builder provides a fluent interface for building engines.
type Builder struct {
	transport        Transport
	logger           *zap.Logger
	policy           backoff.Policy
	handshakeTimeout time.Duration
	ackTimeout       time.Duration
	maxAttempts      int
	replay           ReplayFunc
	onDisconnect     DisconnectFunc
}

// New creates a new engine builder with default backoff policy and
// timeouts.
func New() *Builder {
	return &Builder{
		logger:           zap.NewNop(),
		policy:           backoff.Default(),
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// WithTransport sets the physical connection the engine owns. Required.
func (b *Builder) WithTransport(t Transport) *Builder {
	b.transport = t
	return b
}

// WithLogger sets the logger for the engine.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithBackoff sets the reconnect delay policy.
func (b *Builder) WithBackoff(policy backoff.Policy) *Builder {
	b.policy = policy
	return b
}

// WithHandshakeTimeout sets the upper bound on waiting for the ready
// frame after the transport opens.
func (b *Builder) WithHandshakeTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.handshakeTimeout = timeout
	}
	return b
}

// WithAckTimeout sets the per-request acknowledgement timeout used by
// the pending-request table.
func (b *Builder) WithAckTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.ackTimeout = timeout
	}
	return b
}

// WithMaxReconnectAttempts caps automatic reconnection. Zero means
// reconnect indefinitely while topics remain active.
func (b *Builder) WithMaxReconnectAttempts(n int) *Builder {
	if n >= 0 {
		b.maxAttempts = n
	}
	return b
}

// WithReplayFunc sets the resubscription replay hook invoked after a
// successful reconnection.
func (b *Builder) WithReplayFunc(fn ReplayFunc) *Builder {
	b.replay = fn
	return b
}

// WithDisconnectHandler sets the callback invoked with the dropped
// topics when reconnection is abandoned.
func (b *Builder) WithDisconnectHandler(fn DisconnectFunc) *Builder {
	b.onDisconnect = fn
	return b
}

// Build creates the engine with the configured options.
func (b *Builder) Build() (*Engine, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return newEngine(b), nil
}
