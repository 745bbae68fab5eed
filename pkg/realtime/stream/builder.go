package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bosbase/realtime-go/pkg/realtime/backoff"
	"github.com/bosbase/realtime-go/pkg/realtime/engine"
	"go.uber.org/zap"
)

// RequestSender is the HTTP request primitive supplied by the
// surrounding SDK. The realtime core consumes nothing else from it:
// it submits the subscription list through this boundary and receives
// push notifications on the stream.
type RequestSender interface {
	Send(ctx context.Context, path, method string, query url.Values, headers map[string]string, body any) (json.RawMessage, error)
}

// TokenProvider exposes the current bearer token used to authenticate
// the stream at establishment time. Read-only.
type TokenProvider interface {
	Token() string
}

// ClientBuilder provides a fluent interface for building record-change
// stream clients.
type ClientBuilder struct {
	baseURL    string
	sender     RequestSender
	tokens     TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
	policy     backoff.Policy
	handshake  time.Duration

	// transport overrides the stream transport, for tests.
	transport engine.Transport
}

// NewClient creates a new stream client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger: zap.NewNop(),
		policy: backoff.Default(),
		// No client-level timeout: the stream response stays open for
		// the life of the connection.
		httpClient: &http.Client{},
	}
}

// WithBaseURL sets the server base URL the stream endpoint is joined
// onto.
func (b *ClientBuilder) WithBaseURL(baseURL string) *ClientBuilder {
	b.baseURL = strings.TrimSuffix(baseURL, "/")
	return b
}

// WithSender sets the HTTP request primitive used to submit the
// subscription list. Required.
func (b *ClientBuilder) WithSender(sender RequestSender) *ClientBuilder {
	b.sender = sender
	return b
}

// WithTokenProvider sets the auth holder consulted when the stream is
// established.
func (b *ClientBuilder) WithTokenProvider(tokens TokenProvider) *ClientBuilder {
	b.tokens = tokens
	return b
}

// WithHTTPClient sets the HTTP client used to open the stream. The
// client must not enforce an overall request timeout.
func (b *ClientBuilder) WithHTTPClient(httpClient *http.Client) *ClientBuilder {
	if httpClient != nil {
		b.httpClient = httpClient
	}
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithBackoff sets the reconnect delay policy.
func (b *ClientBuilder) WithBackoff(policy backoff.Policy) *ClientBuilder {
	b.policy = policy
	return b
}

// WithHandshakeTimeout sets the bound on waiting for the ready event.
func (b *ClientBuilder) WithHandshakeTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.handshake = timeout
	}
	return b
}

// Build creates and returns a new stream client.
func (b *ClientBuilder) Build() (*Client, error) {
	if b.baseURL == "" && b.transport == nil {
		return nil, fmt.Errorf("base URL is required")
	}
	if b.sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	transport := b.transport
	if transport == nil {
		transport = newSSETransport(b.baseURL, b.httpClient, b.tokens, b.logger)
	}

	c := &Client{
		sender: b.sender,
		logger: b.logger,
	}

	eb := engine.New().
		WithTransport(transport).
		WithLogger(b.logger).
		WithBackoff(b.policy).
		WithReplayFunc(c.replaySubscriptions)
	if b.handshake > 0 {
		eb = eb.WithHandshakeTimeout(b.handshake)
	}

	eng, err := eb.Build()
	if err != nil {
		return nil, err
	}
	c.engine = eng

	return c, nil
}
