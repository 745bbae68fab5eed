package bus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bosbase/realtime-go/pkg/realtime/wire"
	"go.uber.org/zap"
)

// AuthorizationProvider returns the Authorization header value used
// when establishing the connection (e.g. "Bearer token123"). It is
// consulted on every attempt so a refreshed token is picked up on
// reconnection.
type AuthorizationProvider func(ctx context.Context) (string, error)

// wsTransport carries JSON envelopes as WebSocket text frames. It
// satisfies engine.Transport; the engine is its sole owner.
type wsTransport struct {
	url          string
	dialTimeout  time.Duration
	headers      http.Header
	authProvider AuthorizationProvider
	logger       *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(url string, dialTimeout time.Duration, headers http.Header, auth AuthorizationProvider, logger *zap.Logger) *wsTransport {
	return &wsTransport{
		url:          url,
		dialTimeout:  dialTimeout,
		headers:      headers,
		authProvider: auth,
		logger:       logger,
	}
}

func (t *wsTransport) Open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if len(t.headers) > 0 {
		opts.HTTPHeader = make(http.Header, len(t.headers))
		for key, values := range t.headers {
			opts.HTTPHeader[key] = values
		}
	}
	if t.authProvider != nil {
		authValue, err := t.authProvider(dialCtx)
		if err != nil {
			return fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			if opts.HTTPHeader == nil {
				opts.HTTPHeader = make(http.Header)
			}
			opts.HTTPHeader.Set("Authorization", authValue)
		}
	}

	conn, _, err := websocket.Dial(dialCtx, t.url, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.logger.Debug("WebSocket transport opened", zap.String("url", t.url))
	return nil
}

func (t *wsTransport) Send(ctx context.Context, env wire.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport is not open")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Receive(ctx context.Context) (wire.Envelope, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return wire.Envelope{}, fmt.Errorf("transport is not open")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return wire.Envelope{}, err
		}
		env, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped rather than killing the
			// connection.
			t.logger.Warn("Failed to decode frame",
				zap.Error(err),
				zap.Int("data_length", len(data)),
			)
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
