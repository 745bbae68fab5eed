package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/backoff"
	"github.com/bosbase/realtime-go/pkg/realtime/wire"
)

// fakeTransport is an in-memory Transport driven by the test: frames
// are injected with push, and the connection is broken with breakConn.
type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	openErr func(attempt int) error
	inbox   chan wire.Envelope
	broken  chan error
	sent    []wire.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan wire.Envelope, 16),
		broken: make(chan error, 1),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	f.opens++
	attempt := f.opens
	fn := f.openErr
	f.mu.Unlock()

	if fn != nil {
		if err := fn(attempt); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (wire.Envelope, error) {
	select {
	case env := <-f.inbox:
		return env, nil
	case err := <-f.broken:
		return wire.Envelope{}, err
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) push(env wire.Envelope) {
	f.inbox <- env
}

func (f *fakeTransport) breakConn(err error) {
	f.broken <- err
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) sentEnvelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func fastBackoff() backoff.Policy {
	return backoff.NewPolicy([]time.Duration{time.Millisecond})
}

func buildEngine(t *testing.T, ft *fakeTransport, configure func(*Builder) *Builder) *Engine {
	t.Helper()
	b := New().
		WithTransport(ft).
		WithLogger(zaptest.NewLogger(t)).
		WithBackoff(fastBackoff())
	if configure != nil {
		b = configure(b)
	}
	eng, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(eng.Disconnect)
	return eng
}

// connectReady drives the engine to the ready state.
func connectReady(t *testing.T, eng *Engine, ft *fakeTransport, clientID string) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.EnsureConnected(context.Background())
	}()
	waitFor(t, func() bool { return ft.openCount() >= 1 }, "transport opened")
	ft.push(wire.Envelope{Type: wire.TypeReady, ClientID: clientID})
	require.NoError(t, <-errCh)
	assert.Equal(t, StateReady, eng.State())
}

func TestBuilder(t *testing.T) {
	t.Run("transport is required", func(t *testing.T) {
		_, err := New().Build()
		assert.Error(t, err)
	})

	t.Run("engine starts disconnected", func(t *testing.T) {
		eng := buildEngine(t, newFakeTransport(), nil)
		assert.Equal(t, StateDisconnected, eng.State())
		assert.Empty(t, eng.ClientID())
	})
}

func TestEnsureConnected(t *testing.T) {
	t.Run("handshake assigns client id", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)

		connectReady(t, eng, ft, "c1")
		assert.Equal(t, "c1", eng.ClientID())
	})

	t.Run("ready state returns immediately", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		require.NoError(t, eng.EnsureConnected(context.Background()))
		assert.Equal(t, 1, ft.openCount())
	})

	t.Run("concurrent callers share one attempt", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)

		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				results <- eng.EnsureConnected(context.Background())
			}()
		}
		waitFor(t, func() bool { return ft.openCount() >= 1 }, "transport opened")
		// Give the second caller time to queue as a waiter.
		time.Sleep(10 * time.Millisecond)
		ft.push(wire.Envelope{Type: wire.TypeReady, ClientID: "c1"})

		assert.NoError(t, <-results)
		assert.NoError(t, <-results)
		assert.Equal(t, 1, ft.openCount())
	})

	t.Run("open failure without active topics is surfaced", func(t *testing.T) {
		ft := newFakeTransport()
		ft.openErr = func(int) error { return fmt.Errorf("refused") }
		eng := buildEngine(t, ft, nil)

		err := eng.EnsureConnected(context.Background())
		assert.True(t, realtime.IsConnection(err))
		assert.Equal(t, StateDisconnected, eng.State())
	})

	t.Run("caller context cancellation", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- eng.EnsureConnected(ctx)
		}()
		waitFor(t, func() bool { return ft.openCount() >= 1 }, "transport opened")
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})

	t.Run("handshake timeout", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, func(b *Builder) *Builder {
			return b.WithHandshakeTimeout(20 * time.Millisecond)
		})

		err := eng.EnsureConnected(context.Background())
		assert.True(t, realtime.IsHandshakeTimeout(err))
		assert.Equal(t, StateDisconnected, eng.State())
	})
}

func TestDispatch(t *testing.T) {
	t.Run("message fans out to topic listeners", func(t *testing.T) {
		// Subscribe to rooms/1, receive ready then a message.
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)

		received := make(chan realtime.Message, 4)
		eng.Registry().Add("rooms/1", func(m realtime.Message) {
			received <- m
		})
		connectReady(t, eng, ft, "c1")

		ft.push(wire.Envelope{
			Type:  wire.TypeMessage,
			Topic: "rooms/1",
			Data:  json.RawMessage(`{"x":1}`),
		})

		select {
		case msg := <-received:
			assert.Equal(t, "rooms/1", msg.Topic)
			assert.JSONEq(t, `{"x":1}`, string(msg.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("listener was not invoked")
		}

		// Exactly once.
		select {
		case <-received:
			t.Fatal("listener invoked more than once")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("message without listeners is dropped silently", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		ft.push(wire.Envelope{Type: wire.TypeMessage, Topic: "nobody/home"})
		ft.push(wire.Envelope{Type: "future-frame-kind"})

		// The connection survives unknown and unrouted frames.
		require.NoError(t, eng.EnsureConnected(context.Background()))
	})
}

func TestRequest(t *testing.T) {
	t.Run("publish resolves with the ack envelope", func(t *testing.T) {
		// A publish with requestId r1 is answered by a
		// published frame carrying id m1.
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		type result struct {
			env wire.Envelope
			err error
		}
		resCh := make(chan result, 1)
		go func() {
			env, err := eng.Request(context.Background(),
				wire.Publish("t", json.RawMessage(`{"x":1}`), "r1"))
			resCh <- result{env, err}
		}()

		waitFor(t, func() bool { return len(ft.sentEnvelopes()) == 1 }, "publish sent")
		ft.push(wire.Envelope{
			Type:      wire.TypePublished,
			RequestID: "r1",
			ID:        "m1",
			Topic:     "t",
			Created:   "2024-01-01T00:00:00Z",
		})

		res := <-resCh
		require.NoError(t, res.err)
		assert.Equal(t, "m1", res.env.ID)
		assert.Equal(t, "2024-01-01T00:00:00Z", res.env.Created)
	})

	t.Run("missing ack times out and frees the request id", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, func(b *Builder) *Builder {
			return b.WithAckTimeout(20 * time.Millisecond)
		})
		connectReady(t, eng, ft, "c1")

		_, err := eng.Request(context.Background(), wire.Publish("t", nil, "r1"))
		assert.True(t, realtime.IsAckTimeout(err))

		// The id is free again, so it can't still be in the table.
		errCh := make(chan error, 1)
		go func() {
			_, err := eng.Request(context.Background(), wire.Ping("r1"))
			errCh <- err
		}()
		waitFor(t, func() bool { return len(ft.sentEnvelopes()) == 2 }, "ping sent")
		ft.push(wire.Envelope{Type: wire.TypePong, RequestID: "r1"})
		assert.NoError(t, <-errCh)
	})

	t.Run("error frame rejects the awaiting caller only", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		errCh := make(chan error, 1)
		go func() {
			_, err := eng.Request(context.Background(), wire.Publish("t", nil, "r1"))
			errCh <- err
		}()
		waitFor(t, func() bool { return len(ft.sentEnvelopes()) == 1 }, "publish sent")
		ft.push(wire.Envelope{Type: wire.TypeError, RequestID: "r1", Message: "no permission"})

		err := <-errCh
		assert.True(t, realtime.IsServer(err))
		assert.Contains(t, err.Error(), "no permission")

		// Connection state is untouched by a per-request error.
		assert.Equal(t, StateReady, eng.State())
	})

	t.Run("request id is required", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		_, err := eng.Request(context.Background(), wire.Envelope{Type: wire.TypePing})
		assert.True(t, realtime.IsValidation(err))
	})
}

func TestReconnect(t *testing.T) {
	t.Run("replays active topics once after reconnection", func(t *testing.T) {
		// A connection drop with two active topics triggers a single
		// replay with both topics follows the reconnect handshake.
		ft := newFakeTransport()

		var mu sync.Mutex
		var replays [][]string
		eng := buildEngine(t, ft, func(b *Builder) *Builder {
			return b.WithReplayFunc(func(ctx context.Context, topics []string) error {
				mu.Lock()
				defer mu.Unlock()
				replays = append(replays, topics)
				return nil
			})
		})

		eng.Registry().Add("rooms/1", func(realtime.Message) {})
		eng.Registry().Add("rooms/2", func(realtime.Message) {})
		connectReady(t, eng, ft, "c1")

		ft.breakConn(fmt.Errorf("connection reset"))
		waitFor(t, func() bool { return ft.openCount() == 2 }, "reconnect attempted")
		ft.push(wire.Envelope{Type: wire.TypeReady, ClientID: "c2"})
		waitFor(t, func() bool { return eng.State() == StateReady }, "reconnected")

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(replays) == 1
		}, "replay invoked")

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, [][]string{{"rooms/1", "rooms/2"}}, replays)
		assert.Equal(t, "c2", eng.ClientID())
	})

	t.Run("no replay on first connection", func(t *testing.T) {
		ft := newFakeTransport()
		replayed := make(chan []string, 1)
		eng := buildEngine(t, ft, func(b *Builder) *Builder {
			return b.WithReplayFunc(func(ctx context.Context, topics []string) error {
				replayed <- topics
				return nil
			})
		})
		eng.Registry().Add("rooms/1", func(realtime.Message) {})
		connectReady(t, eng, ft, "c1")

		select {
		case <-replayed:
			t.Fatal("replay must not run on the first connection")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("no reconnect without active topics", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		ft.breakConn(fmt.Errorf("connection reset"))
		waitFor(t, func() bool { return eng.State() == StateDisconnected }, "disconnected")

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, ft.openCount())
	})

	t.Run("drop rejects pending requests", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		eng.Registry().Add("rooms/1", func(realtime.Message) {})
		connectReady(t, eng, ft, "c1")

		errCh := make(chan error, 1)
		go func() {
			_, err := eng.Request(context.Background(), wire.Publish("t", nil, "r1"))
			errCh <- err
		}()
		waitFor(t, func() bool { return len(ft.sentEnvelopes()) == 1 }, "publish sent")

		ft.breakConn(fmt.Errorf("connection reset"))
		assert.True(t, realtime.IsConnection(<-errCh))
	})

	t.Run("gives up after max attempts and drops topics", func(t *testing.T) {
		ft := newFakeTransport()
		ft.openErr = func(attempt int) error {
			if attempt > 1 {
				return fmt.Errorf("refused")
			}
			return nil
		}

		dropped := make(chan []string, 1)
		eng := buildEngine(t, ft, func(b *Builder) *Builder {
			return b.
				WithMaxReconnectAttempts(2).
				WithDisconnectHandler(func(topics []string) {
					dropped <- topics
				})
		})

		eng.Registry().Add("rooms/1", func(realtime.Message) {})
		eng.Registry().Add("rooms/2", func(realtime.Message) {})
		connectReady(t, eng, ft, "c1")

		ft.breakConn(fmt.Errorf("connection reset"))

		select {
		case topics := <-dropped:
			assert.Equal(t, []string{"rooms/1", "rooms/2"}, topics)
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect handler was not invoked")
		}
		assert.Equal(t, StateDisconnected, eng.State())
		assert.False(t, eng.Registry().HasActive())
		assert.Equal(t, 3, ft.openCount())
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		eng.Disconnect()
		assert.Equal(t, StateDisconnected, eng.State())
		assert.Empty(t, eng.ClientID())

		// A second call produces no additional rejections or panics.
		eng.Disconnect()
		assert.Equal(t, StateDisconnected, eng.State())
	})

	t.Run("disconnect before connect is safe", func(t *testing.T) {
		eng := buildEngine(t, newFakeTransport(), nil)
		eng.Disconnect()
		eng.Disconnect()
		assert.Equal(t, StateDisconnected, eng.State())
	})

	t.Run("suppresses reconnection despite active topics", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		eng.Registry().Add("rooms/1", func(realtime.Message) {})
		connectReady(t, eng, ft, "c1")

		eng.Disconnect()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, ft.openCount())
		assert.Equal(t, StateDisconnected, eng.State())
	})

	t.Run("rejects pending requests exactly once", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")

		errCh := make(chan error, 1)
		go func() {
			_, err := eng.Request(context.Background(), wire.Publish("t", nil, "r1"))
			errCh <- err
		}()
		waitFor(t, func() bool { return len(ft.sentEnvelopes()) == 1 }, "publish sent")

		eng.Disconnect()
		assert.True(t, realtime.IsConnection(<-errCh))
		eng.Disconnect()
	})

	t.Run("reconnecting after disconnect works", func(t *testing.T) {
		ft := newFakeTransport()
		eng := buildEngine(t, ft, nil)
		connectReady(t, eng, ft, "c1")
		eng.Disconnect()

		errCh := make(chan error, 1)
		go func() {
			errCh <- eng.EnsureConnected(context.Background())
		}()
		waitFor(t, func() bool { return ft.openCount() == 2 }, "second attempt")
		ft.push(wire.Envelope{Type: wire.TypeReady, ClientID: "c2"})
		require.NoError(t, <-errCh)
		assert.Equal(t, "c2", eng.ClientID())
	})
}

func TestSendGating(t *testing.T) {
	ft := newFakeTransport()
	eng := buildEngine(t, ft, nil)

	err := eng.Send(context.Background(), wire.Ping("r1"))
	assert.True(t, realtime.IsConnection(err))
}
