// Package backoff supplies the reconnect delay schedule used between
// connection attempts. The policy is a fixed ascending table indexed
// by attempt counter; the counter itself is owned by the connection
// manager.
package backoff

import "time"

// defaultTable is the ascending delay schedule applied when no custom
// table is supplied.
var defaultTable = []time.Duration{
	200 * time.Millisecond,
	300 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1200 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
}

// Policy maps an attempt counter to the next reconnect delay. The zero
// value is not usable; construct with Default or NewPolicy.
type Policy struct {
	table []time.Duration
}

// Default returns a policy over the stock delay table.
func Default() Policy {
	return Policy{table: defaultTable}
}

// NewPolicy returns a policy over a custom ascending delay table.
// An empty table falls back to the default one.
func NewPolicy(table []time.Duration) Policy {
	if len(table) == 0 {
		return Default()
	}
	copied := make([]time.Duration, len(table))
	copy(copied, table)
	return Policy{table: copied}
}

// Delay returns the reconnect delay for the given zero-based attempt
// counter. Attempts past the end of the table reuse the last entry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.table) {
		return p.table[len(p.table)-1]
	}
	return p.table[attempt]
}
