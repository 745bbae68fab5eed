package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bosbase/realtime-go/pkg/realtime/wire"
	"go.uber.org/zap"
)

// connectPath is the streaming endpoint joined onto the base URL.
const connectPath = "/api/realtime"

// sseTransport receives line-oriented streaming events over a
// long-lived HTTP response body and translates them into envelopes:
// the ready event becomes the handshake frame carrying the
// server-assigned client id, and every other event name is a message
// frame whose topic is the event name. Outbound commands do not travel
// on the stream, so Send is unsupported.
type sseTransport struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	logger     *zap.Logger

	mu      sync.Mutex
	body    io.ReadCloser
	scanner *wire.Scanner
}

func newSSETransport(baseURL string, httpClient *http.Client, tokens TokenProvider, logger *zap.Logger) *sseTransport {
	return &sseTransport{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}
}

func (t *sseTransport) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+connectPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.tokens != nil {
		if token := t.tokens.Token(); token != "" {
			req.Header.Set("Authorization", token)
		}
	}

	t.mu.Lock()
	if lastID := t.lastIDLocked(); lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected stream status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.body = resp.Body
	t.scanner = wire.NewScanner(resp.Body)
	t.mu.Unlock()

	t.logger.Debug("Stream transport opened", zap.String("url", t.baseURL+connectPath))
	return nil
}

func (t *sseTransport) lastIDLocked() string {
	if t.scanner == nil {
		return ""
	}
	return t.scanner.LastID()
}

func (t *sseTransport) Send(ctx context.Context, env wire.Envelope) error {
	return fmt.Errorf("stream transport is receive-only")
}

func (t *sseTransport) Receive(ctx context.Context) (wire.Envelope, error) {
	t.mu.Lock()
	scanner := t.scanner
	t.mu.Unlock()
	if scanner == nil {
		return wire.Envelope{}, fmt.Errorf("transport is not open")
	}

	ev, err := scanner.Next()
	if err != nil {
		return wire.Envelope{}, err
	}
	return translate(ev), nil
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	body := t.body
	t.body = nil
	t.mu.Unlock()
	if body == nil {
		return nil
	}
	return body.Close()
}

// translate maps a stream event onto the envelope union. The ready
// event carries the client id in its JSON data (falling back to the
// event id); everything else is a topic message named by the event.
func translate(ev wire.StreamEvent) wire.Envelope {
	if ev.Name == wire.TypeReady {
		clientID := ev.ID
		if ev.HasData {
			var ready struct {
				ClientID string `json:"clientId"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &ready); err == nil && ready.ClientID != "" {
				clientID = ready.ClientID
			}
		}
		return wire.Envelope{Type: wire.TypeReady, ClientID: clientID}
	}

	env := wire.Envelope{
		Type:  wire.TypeMessage,
		Topic: ev.Name,
		ID:    ev.ID,
	}
	if ev.HasData {
		env.Data = json.RawMessage(ev.Data)
	}
	return env
}
