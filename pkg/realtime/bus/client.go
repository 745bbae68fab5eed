// Package bus is the message-bus binding of the realtime engine: topic
// publish/subscribe with request/acknowledgement semantics over a
// persistent multiplexed WebSocket channel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/engine"
	"github.com/bosbase/realtime-go/pkg/realtime/registry"
	"github.com/bosbase/realtime-go/pkg/realtime/wire"
	"go.uber.org/zap"
)

// Client is the public facade of the message-bus binding. All shared
// state lives in the underlying engine; Client methods only decide
// which commands to issue.
type Client struct {
	engine *engine.Engine
	logger *zap.Logger
}

// Subscription is the handle returned by Subscribe, used to remove
// exactly the listener that created it.
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

// Unsubscribe removes this subscription's listener. When it was the
// last listener for its topic key an unsubscribe command is sent, and
// when no topics remain active the connection is torn down.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.removeListener(ctx, s.key, s.id)
}

// Subscribe registers a listener for the topic and issues a subscribe
// command when this is the first interested party. A failed or
// unacknowledged subscribe command is reported to the caller, but the
// listener stays registered and will receive messages once the server
// starts pushing them.
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
		env := wire.Subscribe([]string{key}, uuid.NewString())
		if _, err := c.engine.Request(ctx, env); err != nil {
			// The ack is confirmation, not a precondition for
			// delivery: the listener stays registered.
			return sub, err
		}
	}

	return sub, nil
}

// Publish broadcasts data on the topic and waits for the server's
// published acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, data any) (*realtime.PublishAck, error) {
	if topic == "" {
		return nil, realtime.NewError(realtime.KindValidation, "topic is required")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, realtime.WrapError(realtime.KindValidation, "failed to marshal payload", err)
	}

	if err := c.engine.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	env := wire.Publish(topic, payload, uuid.NewString())
	ack, err := c.engine.Request(ctx, env)
	if err != nil {
		return nil, err
	}

	return &realtime.PublishAck{
		ID:      ack.ID,
		Topic:   ack.Topic,
		Created: ack.Created,
	}, nil
}

// Unsubscribe removes every listener for the exact topic key. An empty
// topic unsubscribes everything. When no active topics remain the
// connection is torn down.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	reg := c.engine.Registry()

	if topic == "" {
		reg.Clear()
		c.sendUnsubscribe(ctx, "")
		c.engine.Disconnect()
		return nil
	}

	if !reg.HasTopic(topic) {
		return nil
	}
	activeLeft := reg.RemoveTopic(topic)
	if !activeLeft {
		c.engine.Disconnect()
		return nil
	}
	c.sendUnsubscribe(ctx, topic)
	return nil
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
	for _, key := range removed {
		c.sendUnsubscribe(ctx, key)
	}
	return nil
}

// Ping sends a health-check command and waits for the matching pong.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.engine.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := c.engine.Request(ctx, wire.Ping(uuid.NewString()))
	return err
}

// ClientID returns the server-assigned client id of the current
// connection, or empty when disconnected.
func (c *Client) ClientID() string {
	return c.engine.ClientID()
}

// State returns the current connection state.
func (c *Client) State() engine.State {
	return c.engine.State()
}

// Disconnect tears down the connection. Listener registrations are
// kept; a later Subscribe or Publish reconnects. Idempotent.
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
		c.sendUnsubscribe(ctx, key)
	}
	return nil
}

// sendUnsubscribe issues a fire-and-forget unsubscribe command. A
// failure here only means the server keeps pushing messages nobody
// listens to until the connection cycles, so it is logged, not
// returned.
func (c *Client) sendUnsubscribe(ctx context.Context, topic string) {
	if c.engine.State() != engine.StateReady {
		return
	}
	env := wire.Unsubscribe(topic, uuid.NewString())
	if err := c.engine.Send(ctx, env); err != nil {
		c.logger.Warn("Failed to send unsubscribe command",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

// replaySubscriptions re-announces the active topic set as a single
// subscribe command after a successful reconnection.
func (c *Client) replaySubscriptions(ctx context.Context, topics []string) error {
	env := wire.Subscribe(topics, uuid.NewString())
	if err := c.engine.Send(ctx, env); err != nil {
		return fmt.Errorf("failed to replay subscriptions: %w", err)
	}
	c.logger.Debug("Replayed subscriptions", zap.Strings("topics", topics))
	return nil
}
