// Package calls follows call lifecycles in the AMI event stream.
package calls

import (
	"sync"
	"time"

	"github.com/sweeney/asterisk-monitor/internal/ami"
	"github.com/sweeney/asterisk-monitor/internal/telemetry"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// callState tracks the internal state of an in-progress call.
type callState struct {
	linkedID   string
	peer       string
	from       Endpoint
	to         Endpoint
	ringTime   time.Time
	answerTime time.Time
	answered   bool
	rung       bool
	cancelled  bool // DialEnd with DialStatus=CANCEL seen
}

// Tracker groups channels by Linkedid and emits CallStateChange values
// when calls transition between lifecycle states. It is an ami.Listener
// and safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	calls    map[string]*callState // keyed by Linkedid
	clock    Clock
	onChange func(CallStateChange)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source for the tracker.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithChangeHandler sets the function receiving state changes from OnEvent.
// It runs on the session read goroutine and must not block.
func WithChangeHandler(fn func(CallStateChange)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// New creates a new Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		calls: make(map[string]*callState),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnEvent implements ami.Listener.
func (t *Tracker) OnEvent(evt *ami.Message) {
	changes := t.Process(evt)
	if t.onChange == nil {
		return
	}
	for _, c := range changes {
		t.onChange(c)
	}
}

// Process ingests an AMI event and returns any resulting state changes.
func (t *Tracker) Process(evt *ami.Message) []CallStateChange {
	if evt.Kind != ami.KindEvent {
		return nil
	}

	linkedID := evt.Get("Linkedid")
	if linkedID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch evt.Subtype {
	case "Newchannel":
		return t.handleNewchannel(evt, linkedID)
	case "DialBegin":
		return t.handleDialBegin(evt, linkedID)
	case "Newstate":
		return t.handleNewstate(evt, linkedID)
	case "DialEnd":
		return t.handleDialEnd(evt, linkedID)
	case "Hangup":
		return t.handleHangup(evt, linkedID)
	default:
		return nil
	}
}

// ActiveCalls returns the number of calls currently being tracked.
func (t *Tracker) ActiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) handleNewchannel(evt *ami.Message, linkedID string) []CallStateChange {
	if _, exists := t.calls[linkedID]; exists {
		return nil
	}

	t.calls[linkedID] = &callState{
		linkedID: linkedID,
		peer:     telemetry.PeerFromChannel(evt.Get("Channel")),
		from: Endpoint{
			Extension: evt.Get("CallerIDNum"),
			Name:      evt.Get("CallerIDName"),
		},
		to: Endpoint{
			Extension: evt.Get("Exten"),
		},
	}
	return nil
}

func (t *Tracker) handleDialBegin(evt *ami.Message, linkedID string) []CallStateChange {
	cs := t.calls[linkedID]
	if cs == nil {
		return nil
	}
	if cs.to.Name == "" {
		if name := evt.Get("DestCallerIDName"); name != "" {
			cs.to.Name = name
		}
	}
	return nil
}

func (t *Tracker) handleNewstate(evt *ami.Message, linkedID string) []CallStateChange {
	cs := t.calls[linkedID]
	if cs == nil {
		return nil
	}

	now := t.clock()

	switch evt.Get("ChannelStateDesc") {
	case "Ringing":
		if cs.rung {
			return nil
		}
		cs.rung = true
		cs.ringTime = now
		return []CallStateChange{t.change(cs, StateRinging, now)}

	case "Up":
		if cs.answered {
			return nil
		}
		cs.answered = true
		cs.answerTime = now
		c := t.change(cs, StateAnswered, now)
		if !cs.ringTime.IsZero() {
			c.RingDuration = now.Sub(cs.ringTime).Seconds()
		}
		return []CallStateChange{c}
	}

	return nil
}

func (t *Tracker) handleDialEnd(evt *ami.Message, linkedID string) []CallStateChange {
	cs := t.calls[linkedID]
	if cs == nil {
		return nil
	}
	if evt.Get("DialStatus") == "CANCEL" {
		cs.cancelled = true
	}
	return nil
}

func (t *Tracker) handleHangup(evt *ami.Message, linkedID string) []CallStateChange {
	cs := t.calls[linkedID]
	if cs == nil {
		return nil
	}

	// Only the originating channel's hangup ends the call.
	if evt.Get("Uniqueid") != linkedID {
		return nil
	}

	now := t.clock()
	causeCode := evt.GetInt("Cause")

	c := t.change(cs, StateHungUp, now)
	c.CauseCode = causeCode
	c.Cause = "unknown"
	c.CauseDescription = "Unknown or no cause provided"
	if cs.cancelled && !cs.answered {
		c.Cause = "cancelled"
		c.CauseDescription = "The call was cancelled by the caller before being answered"
	} else if info, ok := HangupCause[causeCode]; ok {
		c.Cause = info.Name
		c.CauseDescription = info.Description
	}
	if b := telemetry.ClassifyCause(causeCode); b != telemetry.BucketNone {
		c.FailureClass = b.String()
	}

	if cs.answered && !cs.answerTime.IsZero() {
		c.TalkDuration = now.Sub(cs.answerTime).Seconds()
	}
	if !cs.ringTime.IsZero() {
		c.TotalDuration = now.Sub(cs.ringTime).Seconds()
	}

	delete(t.calls, linkedID)
	return []CallStateChange{c}
}

func (t *Tracker) change(cs *callState, state CallState, now time.Time) CallStateChange {
	return CallStateChange{
		State:     state,
		CallID:    cs.linkedID,
		Peer:      cs.peer,
		From:      cs.from,
		To:        cs.to,
		Timestamp: now,
	}
}
