package durablestreams

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// DataEvent is an SSE `event: data` frame.
type DataEvent struct {
	Data string
}

// ControlEvent is an SSE `event: control` frame carrying the protocol's
// offset/cursor/up-to-date metadata as JSON.
type ControlEvent struct {
	StreamNextOffset Offset
	StreamCursor     *string
	UpToDate         bool
}

// sseEvent is the union of DataEvent and ControlEvent, discriminated by type
// switch at the call site.
type sseEvent interface {
	isSSEEvent()
}

func (DataEvent) isSSEEvent()    {}
func (ControlEvent) isSSEEvent() {}

// utf8Incremental buffers an incomplete trailing multi-byte UTF-8 sequence
// across Feed calls, so that a codepoint split across two HTTP chunk
// boundaries decodes correctly instead of emitting a replacement character
// for each half.
type utf8Incremental struct {
	pending []byte
}

// decode consumes chunk and returns the text decoded so far, retaining any
// incomplete trailing byte sequence for the next call.
func (d *utf8Incremental) decode(chunk []byte) string {
	buf := append(d.pending, chunk...)
	d.pending = d.pending[:0]

	var sb strings.Builder
	sb.Grow(len(buf))

	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			// Either a genuinely invalid byte, or a valid-looking lead byte
			// whose continuation bytes haven't arrived yet. Distinguish via
			// FullRune: if what remains could still become a valid rune with
			// more bytes, buffer it for the next chunk instead of emitting
			// U+FFFD prematurely.
			if !utf8.FullRune(buf[i:]) && len(buf)-i < utf8.UTFMax {
				d.pending = append(d.pending, buf[i:]...)
				return sb.String()
			}
			sb.WriteRune(utf8.RuneError)
			i++
			continue
		}
		sb.WriteRune(r)
		i += size
	}
	return sb.String()
}

// finish flushes any still-pending incomplete bytes as replacement
// characters, as a final decode with no further input would.
func (d *utf8Incremental) finish() string {
	if len(d.pending) == 0 {
		return ""
	}
	n := len(d.pending)
	d.pending = d.pending[:0]
	return strings.Repeat(string(utf8.RuneError), n)
}

// Parser is an incremental SSE frame parser driven by successive calls to
// Feed with raw response bytes.
type Parser struct {
	decoder utf8Incremental
	buffer  string

	currentEventType string
	haveEventType     bool
	currentData       []string
}

// NewParser constructs an empty SSE parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed decodes chunk and returns any complete events it produced.
func (p *Parser) Feed(chunk []byte) ([]sseEvent, error) {
	text := p.decoder.decode(chunk)
	if text == "" {
		return nil, nil
	}
	return p.feedText(text)
}

func (p *Parser) feedText(text string) ([]sseEvent, error) {
	p.buffer += text
	var events []sseEvent

	for {
		idx := strings.IndexByte(p.buffer, '\n')
		if idx < 0 {
			break
		}
		line := p.buffer[:idx]
		p.buffer = p.buffer[idx+1:]

		if line == "" || line == "\r" {
			ev, err := p.emit()
			if err != nil {
				return events, err
			}
			if ev != nil {
				events = append(events, ev)
			}
			continue
		}

		line = strings.TrimSuffix(line, "\r")

		switch {
		case strings.HasPrefix(line, "event:"):
			p.currentEventType = strings.TrimSpace(line[len("event:"):])
			p.haveEventType = true
		case strings.HasPrefix(line, "data:"):
			content := line[len("data:"):]
			content = strings.TrimPrefix(content, " ")
			p.currentData = append(p.currentData, content)
		default:
			// comment lines (":") and unrecognized fields (id:, retry:) are
			// ignored.
		}
	}

	return events, nil
}

// emit builds the current buffered event, if both an event type and at least
// one data line are present; otherwise the partial event is silently
// dropped. Applies mid-stream on every blank-line boundary, not only at
// Finish.
func (p *Parser) emit() (sseEvent, error) {
	if !p.haveEventType || len(p.currentData) == 0 {
		p.reset()
		return nil, nil
	}

	dataStr := strings.Join(p.currentData, "\n")
	eventType := p.currentEventType
	p.reset()

	switch eventType {
	case "data":
		return DataEvent{Data: dataStr}, nil
	case "control":
		var raw struct {
			StreamNextOffset string `json:"streamNextOffset"`
			StreamCursor     *string `json:"streamCursor"`
			UpToDate         bool    `json:"upToDate"`
		}
		if err := json.Unmarshal([]byte(dataStr), &raw); err != nil {
			preview := dataStr
			if len(preview) > 100 {
				preview = preview[:100] + "..."
			}
			return nil, newError(KindParseError, "failed to parse SSE control event: "+err.Error()+". Data: "+preview)
		}
		return ControlEvent{
			StreamNextOffset: Offset(raw.StreamNextOffset),
			StreamCursor:     raw.StreamCursor,
			UpToDate:         raw.UpToDate,
		}, nil
	default:
		return nil, nil
	}
}

func (p *Parser) reset() {
	p.haveEventType = false
	p.currentEventType = ""
	p.currentData = nil
}

// Finish flushes the UTF-8 decoder and any buffered partial event. Call this
// once the underlying byte stream is exhausted.
func (p *Parser) Finish() ([]sseEvent, error) {
	var events []sseEvent

	if tail := p.decoder.finish(); tail != "" {
		more, err := p.feedText(tail)
		events = append(events, more...)
		if err != nil {
			return events, err
		}
	}

	if p.buffer != "" {
		more, err := p.feedText("\n\n")
		p.buffer = ""
		events = append(events, more...)
		if err != nil {
			return events, err
		}
	} else if p.haveEventType && len(p.currentData) > 0 {
		ev, err := p.emit()
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}

	return events, nil
}
