package ami

import (
	"bytes"
	"strconv"
	"strings"
)

// EndCommand terminates the data block of a Follows response.
const EndCommand = "--END COMMAND--"

// Parse decodes the first complete message in buf. It returns the message
// and the number of bytes consumed, or nil and 0 when buf does not yet hold
// a complete message. Nothing is consumed for an incomplete message, so the
// same bytes can be parsed again once more data arrives.
func Parse(buf []byte) (*Message, int) {
	var (
		msg       = &Message{}
		pos       int
		tagCount  int
		capturing bool
		captured  bool // data block seen (possibly empty)
		data      []string
		output    []string
	)

	nextLine := func(from int) (string, int, bool) {
		nl := bytes.IndexByte(buf[from:], '\n')
		if nl < 0 {
			return "", 0, false
		}
		line := buf[from : from+nl]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		return string(line), from + nl + 1, true
	}

	for {
		line, next, ok := nextLine(pos)
		if !ok {
			return nil, 0
		}
		pos = next

		if capturing {
			if strings.EqualFold(line, EndCommand) {
				capturing = false
				continue
			}
			data = append(data, line)
			continue
		}

		if line == "" {
			if tagCount == 0 {
				continue
			}
			if msg.isFollows() && !captured {
				// Data block starts at the next line.
				peek, after, ok := nextLine(pos)
				if !ok {
					return nil, 0
				}
				captured = true
				if strings.EqualFold(peek, EndCommand) {
					pos = after
					continue
				}
				capturing = true
				continue
			}
			switch {
			case captured:
				msg.SetData(data)
			case len(output) > 0 && msg.Kind == KindResponse:
				// One Output tag per line of command output.
				msg.SetData(output)
			}
			return msg, pos
		}

		name, value, isTag := splitTag(line)
		if !isTag {
			if msg.isFollows() && !captured {
				captured = true
				if !strings.EqualFold(line, EndCommand) {
					data = append(data, line)
					capturing = true
				}
			}
			continue
		}

		tagCount++
		switch {
		case strings.EqualFold(name, "Action"):
			msg.Kind, msg.Subtype = KindAction, value
		case strings.EqualFold(name, "Response"):
			msg.Kind, msg.Subtype = KindResponse, value
		case strings.EqualFold(name, "Event"):
			msg.Kind, msg.Subtype = KindEvent, value
		case strings.EqualFold(name, "ActionID"):
			msg.ID, _ = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		case strings.EqualFold(name, "Output"):
			output = append(output, value)
			msg.Set(name, value)
		default:
			msg.Set(name, value)
		}
	}
}

func (m *Message) isFollows() bool {
	return m.Kind == KindResponse && strings.EqualFold(m.Subtype, "Follows")
}

// splitTag splits "Name: Value". The name must be non-empty and contain no
// spaces.
func splitTag(line string) (string, string, bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", false
	}
	name := line[:idx]
	if strings.ContainsAny(name, " \t") {
		return "", "", false
	}
	return name, strings.TrimLeft(line[idx+1:], " \t"), true
}

// Serialize renders a message in AMI wire format. Data lines of a Follows
// response are written as a data block; those of any other response are
// written as Output tags.
func Serialize(m *Message) []byte {
	var b bytes.Buffer
	if m.Kind != KindUnknown {
		writeLine(&b, m.Kind.String(), m.Subtype)
	}
	if m.Kind != KindEvent {
		writeLine(&b, "ActionID", strconv.FormatInt(m.ID, 10))
	}
	var data []string
	if p := m.data.Load(); p != nil && m.Kind == KindResponse {
		data = *p
	}
	asOutput := data != nil && !m.isFollows()
	for _, t := range m.tags {
		if m.Kind != KindEvent && strings.EqualFold(t.Name, "ActionID") {
			continue
		}
		if asOutput && strings.EqualFold(t.Name, "Output") {
			continue
		}
		writeLine(&b, t.Name, t.Value)
	}
	if asOutput {
		for _, line := range data {
			writeLine(&b, "Output", line)
		}
	} else if data != nil {
		b.WriteString("\r\n")
		for _, line := range data {
			b.WriteString(line)
			b.WriteString("\r\n")
		}
		b.WriteString(EndCommand)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeLine(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// MaxBuffered bounds the bytes a Parser holds for one incomplete message.
const MaxBuffered = 4 << 20

// Parser accumulates stream bytes and emits complete messages.
type Parser struct {
	buf       []byte
	discarded int
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends bytes read from the stream.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next returns the next complete message, or nil, false when more data is
// needed. Lines that cannot start a message are dropped as they arrive, and
// an incomplete message growing past MaxBuffered is discarded.
func (p *Parser) Next() (*Message, bool) {
	msg, n := Parse(p.buf)
	if n == 0 {
		p.consume(noisePrefix(p.buf))
		if len(p.buf) > MaxBuffered {
			p.discarded += len(p.buf)
			p.Reset()
		}
		return nil, false
	}
	p.consume(n)
	return msg, true
}

func (p *Parser) consume(n int) {
	if n == 0 {
		return
	}
	rest := copy(p.buf, p.buf[n:])
	p.buf = p.buf[:rest]
}

// Discarded returns the number of bytes dropped because a message exceeded
// MaxBuffered.
func (p *Parser) Discarded() int {
	return p.discarded
}

// noisePrefix returns the length of the leading complete lines that are
// blank or not tags. Parse skips such lines before the first tag.
func noisePrefix(buf []byte) int {
	pos := 0
	for {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			return pos
		}
		line := bytes.TrimSuffix(buf[pos:pos+nl], []byte{'\r'})
		if len(line) > 0 {
			if _, _, isTag := splitTag(string(line)); isTag {
				return pos
			}
		}
		pos += nl + 1
	}
}

// Buffered returns the number of bytes waiting for a complete message.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops any partially received message.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// ParseBytes is a convenience function that parses all complete messages from a byte slice.
func ParseBytes(data []byte) []*Message {
	var msgs []*Message
	for {
		msg, n := Parse(data)
		if n == 0 {
			return msgs
		}
		msgs = append(msgs, msg)
		data = data[n:]
	}
}
