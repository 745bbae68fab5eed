package wire

import (
	"bufio"
	"io"
	"strings"
)

// DefaultEventName is used when a dispatched stream event never set an
// event field.
const DefaultEventName = "message"

// StreamEvent is one discrete event parsed from the line-oriented
// streaming framing. HasData distinguishes an event whose data is the
// empty string from one that carried no data lines at all.
type StreamEvent struct {
	Name    string
	Data    string
	HasData bool
	ID      string
}

// Parser accumulates field lines of the streaming framing until a
// blank line, at which point one event is dispatched and the
// accumulation state resets. The last id seen is sticky across events,
// mirroring the last-event-id semantics of the framing.
type Parser struct {
	event  string
	data   []string
	id     string
	haveID bool
	sawAny bool
	lastID string
}

// Feed consumes a single line (without its trailing newline). It
// returns the dispatched event and true when the line completed one.
func (p *Parser) Feed(line string) (StreamEvent, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.dispatch()
	}

	if strings.HasPrefix(line, ":") {
		// Comment line, ignored entirely.
		return StreamEvent{}, false
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.event = value
		p.sawAny = true
	case "data":
		p.data = append(p.data, value)
		p.sawAny = true
	case "id":
		p.id = value
		p.haveID = true
		p.sawAny = true
	default:
		// Unrecognized fields are ignored, but still mark the frame
		// non-empty so a following blank line dispatches.
		p.sawAny = true
	}
	return StreamEvent{}, false
}

func (p *Parser) dispatch() (StreamEvent, bool) {
	if !p.sawAny {
		return StreamEvent{}, false
	}

	if p.haveID {
		p.lastID = p.id
	}

	ev := StreamEvent{
		Name:    p.event,
		Data:    strings.Join(p.data, "\n"),
		HasData: len(p.data) > 0,
		ID:      p.lastID,
	}
	if ev.Name == "" {
		ev.Name = DefaultEventName
	}

	p.event = ""
	p.data = nil
	p.id = ""
	p.haveID = false
	p.sawAny = false

	return ev, true
}

// LastID returns the most recent event id dispatched, used to resume a
// stream after reconnection.
func (p *Parser) LastID() string {
	return p.lastID
}

// splitField splits "field: value" at the first colon. A single space
// after the colon is not part of the value; a line without a colon is
// a field name with an empty value.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field := line[:idx]
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// Scanner reads a byte stream and yields one StreamEvent at a time.
type Scanner struct {
	r *bufio.Reader
	p Parser
}

// NewScanner wraps r for incremental event parsing.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next blocks until the next complete event or a read error. On EOF it
// returns io.EOF; a partially accumulated event at EOF is discarded,
// matching the framing rule that only a blank line dispatches.
func (s *Scanner) Next() (StreamEvent, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return StreamEvent{}, err
		}
		line = strings.TrimSuffix(line, "\n")
		if ev, ok := s.p.Feed(line); ok {
			return ev, nil
		}
	}
}

// LastID returns the last event id seen on this stream.
func (s *Scanner) LastID() string {
	return s.p.LastID()
}
