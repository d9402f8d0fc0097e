package ami

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Kind is the class of an AMI message.
type Kind int

const (
	KindUnknown Kind = iota
	KindAction
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "Action"
	case KindResponse:
		return "Response"
	case KindEvent:
		return "Event"
	default:
		return "Unknown"
	}
}

// LoginID is the correlation id reserved for the Login action.
const LoginID int64 = -1

// Tag is a single "Name: Value" header line.
type Tag struct {
	Name  string
	Value string
}

// Message is one AMI protocol unit: an action, a response or an event.
type Message struct {
	Kind    Kind
	Subtype string
	ID      int64

	tags []Tag
	data atomic.Pointer[[]string]
}

// NewAction creates an outgoing action from alternating name/value pairs.
func NewAction(subtype string, kvs ...string) *Message {
	return newMessage(KindAction, subtype, kvs)
}

// NewEvent creates an event from alternating name/value pairs.
func NewEvent(subtype string, kvs ...string) *Message {
	return newMessage(KindEvent, subtype, kvs)
}

// NewResponse creates a response from alternating name/value pairs.
func NewResponse(subtype string, id int64, kvs ...string) *Message {
	m := newMessage(KindResponse, subtype, kvs)
	m.ID = id
	return m
}

func newMessage(kind Kind, subtype string, kvs []string) *Message {
	m := &Message{Kind: kind, Subtype: subtype}
	for i := 0; i+1 < len(kvs); i += 2 {
		m.Set(kvs[i], kvs[i+1])
	}
	return m
}

// Get returns the value for the given tag (case-insensitive), or empty string if not found.
func (m *Message) Get(name string) string {
	v, _ := m.Lookup(name)
	return v
}

// Lookup returns the value for the given tag and whether it is present.
func (m *Message) Lookup(name string) (string, bool) {
	for _, t := range m.tags {
		if strings.EqualFold(t.Name, name) {
			return t.Value, true
		}
	}
	return "", false
}

// Has reports whether the tag is present.
func (m *Message) Has(name string) bool {
	_, ok := m.Lookup(name)
	return ok
}

// GetInt returns the integer value for the given tag, or 0 if not found/parseable.
func (m *Message) GetInt(name string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(m.Get(name)))
	return v
}

// GetInt64 returns the 64-bit integer value for the given tag, or 0.
func (m *Message) GetInt64(name string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(m.Get(name)), 10, 64)
	return v
}

// GetFloat returns the float value for the given tag, or 0 if not found/parseable.
func (m *Message) GetFloat(name string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(m.Get(name)), 64)
	return v
}

// Set stores a tag. An existing tag with the same name (case-insensitive) is
// overwritten in place.
func (m *Message) Set(name, value string) {
	for i := range m.tags {
		if strings.EqualFold(m.tags[i].Name, name) {
			m.tags[i].Value = value
			return
		}
	}
	m.tags = append(m.tags, Tag{Name: name, Value: value})
}

// Tags returns a copy of all tags in insertion order.
func (m *Message) Tags() []Tag {
	tags := make([]Tag, len(m.tags))
	copy(tags, m.tags)
	return tags
}

// IsSuccess reports whether this is a Success or Follows response.
func (m *Message) IsSuccess() bool {
	return m.Kind == KindResponse &&
		(strings.EqualFold(m.Subtype, "Success") || strings.EqualFold(m.Subtype, "Follows"))
}

// IsEvent reports whether the message is an event named subtype.
func (m *Message) IsEvent(subtype string) bool {
	return m.Kind == KindEvent && strings.EqualFold(m.Subtype, subtype)
}

// HasData reports whether captured data lines are still attached.
func (m *Message) HasData() bool {
	return m.data.Load() != nil
}

// SetData attaches data lines to the message.
func (m *Message) SetData(lines []string) {
	if lines == nil {
		lines = []string{}
	}
	m.data.Store(&lines)
}

// TakeData detaches and returns the captured data lines. Only the first
// caller receives them; later calls return nil, false.
func (m *Message) TakeData() ([]string, bool) {
	p := m.data.Swap(nil)
	if p == nil {
		return nil, false
	}
	return *p, true
}

// WithID returns a copy of the message carrying the given correlation id.
// Data lines are not copied.
func (m *Message) WithID(id int64) *Message {
	c := &Message{Kind: m.Kind, Subtype: m.Subtype, ID: id}
	c.tags = m.Tags()
	return c
}
