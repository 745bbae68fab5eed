// Package registry owns the mapping from topic key to listener set.
// A topic key appears in the registry if and only if it has at least
// one listener; the key is removed the moment its set empties. All
// mutations go through the Registry API so that invariant is enforced
// here rather than by caller discipline.
package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"go.uber.org/zap"
)

// Registry reference-counts listeners per topic key and fans inbound
// messages out to them. Listener callbacks run outside the registry
// lock, so a callback may call back into Add/Remove without
// deadlocking. A listener removed concurrently with a fan-out may
// still receive that in-flight message (best effort).
type Registry struct {
	mu        sync.Mutex
	listeners map[string]map[string]realtime.MessageFunc
	logger    *zap.Logger
}

// New creates an empty registry. A nil logger is replaced by a nop
// logger.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		listeners: make(map[string]map[string]realtime.MessageFunc),
		logger:    logger,
	}
}

// Key combines a topic with a stable encoding of its subscription
// options. Option maps are serialized with sorted keys so the same
// options always produce the same topic key.
func Key(topic string, opts *realtime.SubscribeOptions) string {
	if opts.IsZero() {
		return topic
	}
	return topic + "?options=" + canonicalJSON(opts)
}

func canonicalJSON(opts *realtime.SubscribeOptions) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	writeMap := func(name string, m map[string]string) {
		if len(m) == 0 {
			return
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(name)
		b.WriteString(`":{`)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			vj, _ := json.Marshal(m[k])
			b.Write(kj)
			b.WriteByte(':')
			b.Write(vj)
		}
		b.WriteByte('}')
	}
	writeMap("headers", opts.Headers)
	writeMap("query", opts.Query)
	b.WriteByte('}')
	return b.String()
}

// Add registers a listener under the topic key and returns its
// registration id together with whether this was the first listener
// for the key (meaning a subscribe command must be issued).
func (r *Registry) Add(key string, fn realtime.MessageFunc) (string, bool) {
	id := ulid.Make().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.listeners[key]
	if !exists {
		set = make(map[string]realtime.MessageFunc)
		r.listeners[key] = set
	}
	set[id] = fn

	return id, !exists
}

// Remove drops the listener registration. When the key's set empties
// the key itself is deleted. Returns the total listener count across
// all topics after removal.
func (r *Registry) Remove(key, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, exists := r.listeners[key]; exists {
		delete(set, id)
		if len(set) == 0 {
			delete(r.listeners, key)
		}
	}
	return r.totalLocked()
}

// RemoveTopic deletes every listener for the exact topic key and
// reports whether any active topics remain.
func (r *Registry) RemoveTopic(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.listeners, key)
	return len(r.listeners) > 0
}

// RemoveByPrefix deletes every topic key starting with prefix, which
// unsubscribes all variant-keyed subscriptions of a base topic. It
// returns the sorted keys that were removed and whether any active
// topics remain.
func (r *Registry) RemoveByPrefix(prefix string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for key := range r.listeners {
		if strings.HasPrefix(key, prefix) {
			removed = append(removed, key)
			delete(r.listeners, key)
		}
	}
	sort.Strings(removed)
	return removed, len(r.listeners) > 0
}

// Clear drops everything and returns the sorted topic keys that were
// active, for disconnect notifications.
func (r *Registry) Clear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.listeners))
	for key := range r.listeners {
		topics = append(topics, key)
	}
	sort.Strings(topics)
	r.listeners = make(map[string]map[string]realtime.MessageFunc)
	return topics
}

// ActiveTopics returns a sorted snapshot of the non-empty topic keys,
// used for resubscription replay.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.listeners))
	for key := range r.listeners {
		topics = append(topics, key)
	}
	sort.Strings(topics)
	return topics
}

// HasActive reports whether any topic has at least one listener.
func (r *Registry) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners) > 0
}

// HasTopic reports whether the exact topic key is active.
func (r *Registry) HasTopic(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.listeners[key]
	return exists
}

// TotalListeners returns the listener count across all topics.
func (r *Registry) TotalListeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked()
}

func (r *Registry) totalLocked() int {
	total := 0
	for _, set := range r.listeners {
		total += len(set)
	}
	return total
}

// FanOut delivers msg to every listener currently registered for the
// topic key, in no particular order, outside the registry lock. A key
// with no listeners drops the message silently.
func (r *Registry) FanOut(key string, msg realtime.Message) {
	r.mu.Lock()
	set := r.listeners[key]
	fns := make([]realtime.MessageFunc, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	r.logger.Debug("Fanning out message",
		zap.String("topic", key),
		zap.Int("listeners", len(fns)),
	)
	for _, fn := range fns {
		fn(msg)
	}
}
