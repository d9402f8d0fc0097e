package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/asterisk-monitor/internal/ami"
)

var (
	// ErrNotReady is returned when the session is not logged in or the
	// connection was lost while waiting.
	ErrNotReady = errors.New("AMI session not ready")
	// ErrTimedOut is returned when no response arrived in time. The session
	// has been reset.
	ErrTimedOut = errors.New("AMI request timed out")
)

// ActionError is a response that did not report success.
type ActionError struct {
	Action   string
	Response string
	Message  string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("action %s: %s", e.Action, e.Response)
	}
	return fmt.Sprintf("action %s: %s: %s", e.Action, e.Response, e.Message)
}

func actionError(action string, resp *ami.Message) *ActionError {
	return &ActionError{Action: action, Response: resp.Subtype, Message: resp.Get("Message")}
}

// Result is the outcome of SendRequest.
type Result struct {
	Response *ami.Message
	// Events holds the list events when list collection was requested and
	// the response was successful. The terminating event is not included.
	Events []*ami.Message
}

// listCollector gathers the events of one list response.
type listCollector struct {
	id int64

	mu       sync.Mutex
	events   []*ami.Message
	complete bool
	done     chan struct{}
}

func newListCollector(id int64) *listCollector {
	return &listCollector{id: id, done: make(chan struct{})}
}

func (c *listCollector) OnEvent(evt *ami.Message) {
	if evt.ID != c.id {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete {
		return
	}
	if strings.EqualFold(evt.Get("EventList"), "Complete") {
		c.complete = true
		close(c.done)
		return
	}
	c.events = append(c.events, evt)
}

func (c *listCollector) items() []*ami.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ami.Message, len(c.events))
	copy(out, c.events)
	return out
}

// SendRequest sends req and waits for its response. Only one request is in
// flight per session; concurrent callers queue. A timeout of zero uses the
// configured request timeout. With collectList the events carrying the
// request's ActionID are gathered until one with "EventList: Complete".
//
// On timeout the session is reset and ErrTimedOut returned. A cancelled ctx
// abandons the request; its late response is dropped as stale.
func (s *Session) SendRequest(ctx context.Context, req *ami.Message, timeout time.Duration, collectList bool) (*Result, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}

	s.requestMu.Lock()
	defer s.requestMu.Unlock()

	l := s.currentLink()
	if !s.ready.Load() || l == nil {
		return nil, ErrNotReady
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	id := s.nextID.Add(1)
	wire := req.WithID(id)
	wire.Kind = ami.KindAction
	log := s.log.With().Str("action", req.Subtype).Int64("id", id).Logger()

	var collector *listCollector
	if collectList {
		collector = newListCollector(id)
		s.events.Register(collector)
		defer s.events.Unregister(collector)
	}

	respCh := make(chan *ami.Message, 1)
	s.pendingMu.Lock()
	s.pending = respCh
	s.activeID.Store(id)
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		s.pending = nil
		s.activeID.Store(0)
		s.pendingMu.Unlock()
	}()

	if err := s.writeTo(l, wire); err != nil {
		log.Warn().Err(err).Msg("cannot send request")
		s.Reset()
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resp *ami.Message
	select {
	case resp = <-respCh:
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("no response, resetting session")
		s.Reset()
		return nil, ErrTimedOut
	case <-l.done:
		select {
		case resp = <-respCh:
		default:
			return nil, ErrNotReady
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &Result{Response: resp}
	if collector == nil || !resp.IsSuccess() {
		return result, nil
	}

	timer.Reset(timeout)
	select {
	case <-collector.done:
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("list incomplete, resetting session")
		s.Reset()
		return nil, ErrTimedOut
	case <-l.done:
		select {
		case <-collector.done:
		default:
			return nil, ErrNotReady
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	result.Events = collector.items()
	return result, nil
}

// SendSimpleRequest sends req with the default timeout and reports whether
// the server answered with success.
func (s *Session) SendSimpleRequest(ctx context.Context, req *ami.Message) bool {
	res, err := s.SendRequest(ctx, req, 0, false)
	if err != nil {
		s.log.Warn().Err(err).Str("action", req.Subtype).Msg("request failed")
		return false
	}
	if !res.Response.IsSuccess() {
		s.log.Warn().Str("action", req.Subtype).Str("reason", res.Response.Get("Message")).Msg("request rejected")
		return false
	}
	return true
}

// ExecuteCommand runs a CLI command and returns its output lines.
func (s *Session) ExecuteCommand(ctx context.Context, command string) ([]string, error) {
	res, err := s.SendRequest(ctx, ami.NewAction("Command", "Command", command), 0, false)
	if err != nil {
		return nil, err
	}
	if !res.Response.IsSuccess() {
		return nil, actionError("Command", res.Response)
	}
	// Output tags from newer servers arrive as data lines too.
	if lines, ok := res.Response.TakeData(); ok {
		return lines, nil
	}
	return []string{}, nil
}

// ReadTable sends a list action and turns the collected events into a table.
func (s *Session) ReadTable(ctx context.Context, action *ami.Message, columns ...string) (*ami.Table, error) {
	res, err := s.SendRequest(ctx, action, 0, true)
	if err != nil {
		return nil, err
	}
	if !res.Response.IsSuccess() {
		return nil, actionError(action.Subtype, res.Response)
	}
	return ami.NewTable(res.Events, columns...), nil
}
