package bus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bosbase/realtime-go/pkg/realtime/backoff"
	"github.com/bosbase/realtime-go/pkg/realtime/engine"
	"go.uber.org/zap"
)

const (
	// DefaultDialTimeout bounds the WebSocket dial on each attempt.
	DefaultDialTimeout = 30 * time.Second

	// DefaultMaxReconnectAttempts is how many reconnections this
	// binding tries before giving up and notifying the disconnect
	// handler with the dropped topics.
	DefaultMaxReconnectAttempts = 5
)

// DisconnectHandler is invoked with the list of topics dropped when
// reconnection is abandoned.
type DisconnectHandler func(topics []string)

// ClientBuilder provides a fluent interface for building message-bus
// clients.
type ClientBuilder struct {
	url          string
	logger       *zap.Logger
	dialTimeout  time.Duration
	headers      http.Header
	authProvider AuthorizationProvider
	policy       backoff.Policy
	ackTimeout   time.Duration
	handshake    time.Duration
	maxAttempts  int
	onDisconnect DisconnectHandler

	// transport overrides the WebSocket transport, for tests.
	transport engine.Transport
}

// NewClient creates a new message-bus client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:      zap.NewNop(),
		dialTimeout: DefaultDialTimeout,
		policy:      backoff.Default(),
		maxAttempts: DefaultMaxReconnectAttempts,
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the WebSocket
// connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithAuthorization sets a static Authorization header value sent with
// the connection handshake.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets an authorization provider consulted
// on every connection attempt.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeader sets a single HTTP header for the connection handshake.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

// WithHeaders merges custom HTTP headers for the connection handshake.
func (b *ClientBuilder) WithHeaders(headers http.Header) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithBackoff sets the reconnect delay policy.
func (b *ClientBuilder) WithBackoff(policy backoff.Policy) *ClientBuilder {
	b.policy = policy
	return b
}

// WithAckTimeout sets the per-request acknowledgement timeout.
func (b *ClientBuilder) WithAckTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.ackTimeout = timeout
	}
	return b
}

// WithHandshakeTimeout sets the bound on waiting for the ready frame.
func (b *ClientBuilder) WithHandshakeTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.handshake = timeout
	}
	return b
}

// WithMaxReconnectAttempts caps automatic reconnection. Zero means
// reconnect indefinitely.
func (b *ClientBuilder) WithMaxReconnectAttempts(n int) *ClientBuilder {
	if n >= 0 {
		b.maxAttempts = n
	}
	return b
}

// WithDisconnectHandler sets the callback invoked with the dropped
// topics when reconnection is abandoned.
func (b *ClientBuilder) WithDisconnectHandler(fn DisconnectHandler) *ClientBuilder {
	b.onDisconnect = fn
	return b
}

// Build creates and returns a new message-bus client.
func (b *ClientBuilder) Build() (*Client, error) {
	if b.url == "" && b.transport == nil {
		return nil, fmt.Errorf("URL is required")
	}

	transport := b.transport
	if transport == nil {
		transport = newWSTransport(b.url, b.dialTimeout, b.headers, b.authProvider, b.logger)
	}

	c := &Client{logger: b.logger}

	eb := engine.New().
		WithTransport(transport).
		WithLogger(b.logger).
		WithBackoff(b.policy).
		WithMaxReconnectAttempts(b.maxAttempts).
		WithReplayFunc(c.replaySubscriptions)
	if b.ackTimeout > 0 {
		eb = eb.WithAckTimeout(b.ackTimeout)
	}
	if b.handshake > 0 {
		eb = eb.WithHandshakeTimeout(b.handshake)
	}
	if b.onDisconnect != nil {
		eb = eb.WithDisconnectHandler(engine.DisconnectFunc(b.onDisconnect))
	}

	eng, err := eb.Build()
	if err != nil {
		return nil, err
	}
	c.engine = eng

	return c, nil
}
