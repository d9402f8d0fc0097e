package connector_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweeney/asterisk-monitor/internal/ami"
	"github.com/sweeney/asterisk-monitor/internal/connector"
)

// fakeAMI is an in-process AMI server reached through net.Pipe.
type fakeAMI struct {
	handler func(c *serverConn, msg *ami.Message)

	refuse      atomic.Bool
	rejectLogin atomic.Bool
	dials       atomic.Int32

	mu      sync.Mutex
	actions []*ami.Message
	conns   []*serverConn
}

type serverConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *serverConn) send(m *ami.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Write(ami.Serialize(m))
}

// sendListEvent writes an event carrying the ActionID of the list request.
// Serialize leaves ActionID off events, so it goes in as a tag.
func (c *serverConn) sendListEvent(evt *ami.Message, id int64) {
	evt.Set("ActionID", strconv.FormatInt(id, 10))
	c.send(evt)
}

func (c *serverConn) sendRaw(wire string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Write([]byte(wire))
}

func (c *serverConn) close() { c.conn.Close() }

func newFakeAMI() *fakeAMI {
	return &fakeAMI{}
}

func (f *fakeAMI) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.dials.Add(1)
	if f.refuse.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	sc := &serverConn{conn: server}
	f.mu.Lock()
	f.conns = append(f.conns, sc)
	f.mu.Unlock()
	go f.serve(sc)
	return client, nil
}

func (f *fakeAMI) serve(sc *serverConn) {
	parser := ami.NewParser()
	buf := make([]byte, 4096)
	for {
		n, err := sc.conn.Read(buf)
		if err != nil {
			return
		}
		parser.Feed(buf[:n])
		for {
			msg, ok := parser.Next()
			if !ok {
				break
			}
			f.mu.Lock()
			f.actions = append(f.actions, msg)
			f.mu.Unlock()
			f.respond(sc, msg)
		}
	}
}

func (f *fakeAMI) respond(sc *serverConn, msg *ami.Message) {
	if msg.Subtype == "Login" {
		if f.rejectLogin.Load() {
			sc.send(ami.NewResponse("Error", msg.ID, "Message", "Authentication failed"))
			return
		}
		sc.send(ami.NewResponse("Success", msg.ID, "Message", "Authentication accepted"))
		return
	}
	if f.handler != nil {
		f.handler(sc, msg)
		return
	}
	sc.send(ami.NewResponse("Success", msg.ID))
}

func (f *fakeAMI) received(subtype string) []*ami.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ami.Message
	for _, m := range f.actions {
		if m.Subtype == subtype {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeAMI) lastConn() *serverConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func testConfig() connector.Config {
	return connector.Config{
		Name:              "PBX1",
		Host:              "pbx.example.net",
		Username:          "monitor",
		Secret:            "secret",
		RequestTimeout:    500 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
		RetryDelay:        10 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		EventMask:         "on",
	}
}

// startSession starts a session against f and waits until it is ready.
func startSession(t *testing.T, f *fakeAMI, cfg connector.Config) *connector.Session {
	t.Helper()
	s := connector.New(cfg, connector.WithDialer(f.dial))
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	waitFor(t, "session ready", s.IsReady)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recorder struct {
	mu     sync.Mutex
	events []*ami.Message
}

func (r *recorder) OnEvent(evt *ami.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
