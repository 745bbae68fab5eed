// Package stream is the record-change binding of the realtime engine:
// it receives push notifications about server-side record mutations
// over a persistent line-oriented stream, and maintains the server's
// view of the subscription list through the SDK's request primitive.
package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/engine"
	"github.com/bosbase/realtime-go/pkg/realtime/registry"
	"go.uber.org/zap"
)

// Client is the public facade of the record-change binding.
type Client struct {
	engine *engine.Engine
	sender RequestSender
	logger *zap.Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	client *Client
	key    string
	id     string
}

// Topic returns the full topic key of this subscription, including any
// options suffix.
func (s *Subscription) Topic() string {
	return s.key
}

// Unsubscribe removes this subscription's listener and re-submits the
// remaining subscription list. When no topics remain the connection is
// torn down.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.removeListener(ctx, s.key, s.id)
}

// Subscribe registers a listener for the topic, establishes the stream
// if needed, and submits the updated subscription list to the server.
// A failed submission is reported to the caller, but the listener
// stays registered and will receive messages once the server starts
// pushing them.
func (c *Client) Subscribe(ctx context.Context, topic string, opts *realtime.SubscribeOptions, fn realtime.MessageFunc) (*Subscription, error) {
	if topic == "" {
		return nil, realtime.NewError(realtime.KindValidation, "topic is required")
	}
	if fn == nil {
		return nil, realtime.NewError(realtime.KindValidation, "listener is required")
	}

	key := registry.Key(topic, opts)
	id, first := c.engine.Registry().Add(key, fn)
	sub := &Subscription{client: c, key: key, id: id}

	if err := c.engine.EnsureConnected(ctx); err != nil {
		return sub, err
	}

	if first {
		if err := c.submit(ctx); err != nil {
			return sub, err
		}
	}

	return sub, nil
}

// Unsubscribe removes every listener for the exact topic key and
// re-submits the remaining list. An empty topic unsubscribes
// everything. When no active topics remain the connection is torn
// down.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	reg := c.engine.Registry()

	if topic == "" {
		reg.Clear()
		c.engine.Disconnect()
		return nil
	}

	if !reg.HasTopic(topic) {
		return nil
	}
	if activeLeft := reg.RemoveTopic(topic); !activeLeft {
		c.engine.Disconnect()
		return nil
	}
	return c.submit(ctx)
}

// UnsubscribeByPrefix removes every subscription whose topic key
// starts with prefix, covering all variant-keyed subscriptions of a
// base topic.
func (c *Client) UnsubscribeByPrefix(ctx context.Context, prefix string) error {
	removed, activeLeft := c.engine.Registry().RemoveByPrefix(prefix)
	if len(removed) == 0 {
		return nil
	}
	if !activeLeft {
		c.engine.Disconnect()
		return nil
	}
	return c.submit(ctx)
}

// ClientID returns the server-assigned client id of the current
// stream, or empty when disconnected.
func (c *Client) ClientID() string {
	return c.engine.ClientID()
}

// State returns the current connection state.
func (c *Client) State() engine.State {
	return c.engine.State()
}

// Disconnect tears down the stream. Listener registrations are kept; a
// later Subscribe re-establishes it. Idempotent.
func (c *Client) Disconnect() {
	c.engine.Disconnect()
}

func (c *Client) removeListener(ctx context.Context, key, id string) error {
	reg := c.engine.Registry()
	remaining := reg.Remove(key, id)

	if remaining == 0 {
		c.engine.Disconnect()
		return nil
	}
	if !reg.HasTopic(key) {
		return c.submit(ctx)
	}
	return nil
}

// submit sends the full active subscription list to the server, keyed
// by the stream's client id.
func (c *Client) submit(ctx context.Context) error {
	return c.submitTopics(ctx, c.engine.Registry().ActiveTopics())
}

func (c *Client) submitTopics(ctx context.Context, topics []string) error {
	clientID := c.engine.ClientID()
	if clientID == "" {
		return realtime.NewError(realtime.KindConnection, "stream is not connected")
	}

	body := map[string]any{
		"clientId":      clientID,
		"subscriptions": topics,
	}
	if _, err := c.sender.Send(ctx, connectPath, http.MethodPost, nil, nil, body); err != nil {
		return fmt.Errorf("failed to submit subscriptions: %w", err)
	}

	c.logger.Debug("Submitted subscriptions",
		zap.String("client_id", clientID),
		zap.Strings("topics", topics),
	)
	return nil
}

// replaySubscriptions re-submits the active-topic snapshot after a
// successful reconnection.
func (c *Client) replaySubscriptions(ctx context.Context, topics []string) error {
	return c.submitTopics(ctx, topics)
}
