// Package wire implements the two frame formats spoken by the realtime
// engine: JSON command/response envelopes exchanged over the
// multiplexed channel, and the line-oriented streaming-event framing
// used by the record-change binding. The package holds no state beyond
// the incremental stream parser.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope type discriminators. Inbound frames with a type not listed
// here are ignored by dispatchers for forward compatibility.
const (
	// Server to client
	TypeReady        = "ready"
	TypeMessage      = "message"
	TypePublished    = "published"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"

	// Client to server
	TypePublish     = "publish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Envelope is a single structured frame exchanged over the persistent
// connection, discriminated by Type. All other fields are optional and
// each type carries only a subset of them.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Created   string          `json:"created,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode serializes the envelope to its wire text form.
func (e Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame into an Envelope. A frame without a
// type field is malformed; an unrecognized type value is not (the
// dispatcher drops those).
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type field")
	}
	return e, nil
}

// Publish builds the outbound command announcing Data on Topic,
// correlated by requestID.
func Publish(topic string, data json.RawMessage, requestID string) Envelope {
	return Envelope{Type: TypePublish, Topic: topic, Data: data, RequestID: requestID}
}

// Subscribe builds the outbound command registering interest in one or
// more topics. Resubscription replay passes the full active set.
func Subscribe(topics []string, requestID string) Envelope {
	e := Envelope{Type: TypeSubscribe, RequestID: requestID}
	if len(topics) == 1 {
		e.Topic = topics[0]
	} else {
		e.Topics = topics
	}
	return e
}

// Unsubscribe builds the outbound command dropping interest in a
// topic. An empty topic unsubscribes everything.
func Unsubscribe(topic string, requestID string) Envelope {
	return Envelope{Type: TypeUnsubscribe, Topic: topic, RequestID: requestID}
}

// Ping builds the outbound health-check command answered by a pong
// frame carrying the same requestID.
func Ping(requestID string) Envelope {
	return Envelope{Type: TypePing, RequestID: requestID}
}
