package realtime

import "encoding/json"

// Message is the payload delivered to topic listeners. Data carries
// the raw JSON value published on the topic; ID and Created are set
// when the server included them in the frame.
type Message struct {
	Topic   string
	Data    json.RawMessage
	ID      string
	Created string
}

// MessageFunc is a topic listener callback. Listeners are invoked
// outside of any engine lock, so a listener may call back into
// subscribe/unsubscribe without deadlocking.
type MessageFunc func(msg Message)

// SubscribeOptions customizes a single subscription. Two subscriptions
// to the same topic with different options are tracked independently;
// the options participate in the topic key via a stable encoding.
type SubscribeOptions struct {
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// IsZero reports whether the options carry nothing and can be omitted
// from the topic key.
func (o *SubscribeOptions) IsZero() bool {
	return o == nil || (len(o.Query) == 0 && len(o.Headers) == 0)
}

// PublishAck is the server acknowledgement for a published message.
type PublishAck struct {
	ID      string
	Topic   string
	Created string
}
