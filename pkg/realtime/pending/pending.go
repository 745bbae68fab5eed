// Package pending turns "send a command, wait for a matching
// asynchronous reply" into a single awaitable result. It owns a table
// keyed by request id; every entry resolves at most once, by whichever
// of reply, error frame, timeout, or connection teardown happens first.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bosbase/realtime-go/pkg/realtime"
	"github.com/bosbase/realtime-go/pkg/realtime/wire"
	"go.uber.org/zap"
)

// DefaultAckTimeout bounds how long a registered request waits for its
// acknowledgement. Callers cannot override it per request.
const DefaultAckTimeout = 10 * time.Second

type outcome struct {
	env wire.Envelope
	err error
}

type entry struct {
	ch    chan outcome
	timer *time.Timer
}

// Table is the pending-request correlator. The zero value is not
// usable; construct with NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	logger  *zap.Logger
}

// NewTable creates a correlator with the given ack timeout. A
// non-positive timeout selects DefaultAckTimeout; a nil logger is
// replaced by a nop logger.
func NewTable(timeout time.Duration, logger *zap.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		entries: make(map[string]*entry),
		timeout: timeout,
		logger:  logger,
	}
}

// Waiter is the receiving side of one registered request.
type Waiter struct {
	id    string
	ch    chan outcome
	table *Table
}

// Register stores a waiter for requestID and schedules its timeout.
// A request id may be present at most once; registering a duplicate is
// an error.
func (t *Table) Register(requestID string) (*Waiter, error) {
	if requestID == "" {
		return nil, realtime.NewError(realtime.KindValidation, "request id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[requestID]; exists {
		return nil, fmt.Errorf("request id %q is already pending", requestID)
	}

	e := &entry{ch: make(chan outcome, 1)}
	e.timer = time.AfterFunc(t.timeout, func() {
		t.expire(requestID)
	})
	t.entries[requestID] = e

	return &Waiter{id: requestID, ch: e.ch, table: t}, nil
}

// Resolve completes the request with the acknowledgement envelope.
// Unknown ids are a no-op (the request may already have timed out).
func (t *Table) Resolve(requestID string, env wire.Envelope) {
	t.complete(requestID, outcome{env: env})
}

// Reject completes the request with a failure. Unknown ids are a
// no-op.
func (t *Table) Reject(requestID string, err error) {
	t.complete(requestID, outcome{err: err})
}

// RejectAll drains the entire table, cancelling every timeout and
// failing every waiter with err. Used on disconnect; safe to call
// concurrently with in-flight resolve/reject calls and on an already
// empty table.
func (t *Table) RejectAll(err error) {
	t.mu.Lock()
	drained := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	if len(drained) > 0 {
		t.logger.Debug("Rejecting all pending requests",
			zap.Int("count", len(drained)),
			zap.Error(err),
		)
	}

	for _, e := range drained {
		e.timer.Stop()
		e.ch <- outcome{err: err}
	}
}

// Len reports the number of requests currently awaiting resolution.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) complete(requestID string, out outcome) {
	t.mu.Lock()
	e, exists := t.entries[requestID]
	if exists {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !exists {
		return
	}
	e.timer.Stop()
	e.ch <- out
}

func (t *Table) expire(requestID string) {
	t.mu.Lock()
	e, exists := t.entries[requestID]
	if exists {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !exists {
		return
	}
	t.logger.Debug("Pending request timed out", zap.String("request_id", requestID))
	e.ch <- outcome{err: realtime.NewError(realtime.KindAckTimeout,
		"timed out waiting for response to request "+requestID)}
}

// Wait blocks until the request resolves, rejects, times out, or ctx
// is done. On ctx cancellation the table entry, if still present, is
// dropped so a late reply becomes a no-op.
func (w *Waiter) Wait(ctx context.Context) (wire.Envelope, error) {
	select {
	case out := <-w.ch:
		return out.env, out.err
	case <-ctx.Done():
		w.table.complete(w.id, outcome{})
		return wire.Envelope{}, ctx.Err()
	}
}
