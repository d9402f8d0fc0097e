package reporter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/ami"
	"github.com/sweeney/asterisk-monitor/internal/cmdcache"
	"github.com/sweeney/asterisk-monitor/internal/connector"
	"github.com/sweeney/asterisk-monitor/internal/publisher"
	"github.com/sweeney/asterisk-monitor/internal/sipreg"
	"github.com/sweeney/asterisk-monitor/internal/telemetry"
)

type fakeSession struct {
	name  string
	ready bool
	agg   *telemetry.Aggregator
}

func (s *fakeSession) Name() string { return s.name }
func (s *fakeSession) State() connector.State {
	if s.ready {
		return connector.StateReady
	}
	return connector.StateDisconnected
}
func (s *fakeSession) IsReady() bool { return s.ready }
func (s *fakeSession) PeerIP() string { return "10.0.0.5" }
func (s *fakeSession) Telemetry() *telemetry.Aggregator { return s.agg }

type fakeCommands struct {
	err error
}

func (c *fakeCommands) TaskProcessors(context.Context) ([]cmdcache.TaskProcessor, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []cmdcache.TaskProcessor{{Name: "app_voicemail", Processed: 12, MaxDepth: 1}}, nil
}

func (c *fakeCommands) Channels(context.Context) (cmdcache.ChannelSummary, error) {
	if c.err != nil {
		return cmdcache.ChannelSummary{}, c.err
	}
	return cmdcache.ChannelSummary{ActiveChannels: 2, ActiveCalls: 1}, nil
}

type fakeSIP []sipreg.Result

func (f fakeSIP) Results() []sipreg.Result { return f }

type fakeCalls int

func (f fakeCalls) ActiveCalls() int { return int(f) }

func newAggregator() *telemetry.Aggregator {
	agg := telemetry.NewAggregator()
	agg.Process(ami.NewEvent("RTCPReceived", "Channel", "SIP/trunk-00000001", "ReportCount", "1",
		"Report0FractionLost", "0", "Report0IAJitter", "12", "RTT", "0.020"))
	agg.Process(ami.NewEvent("Hangup", "Channel", "SIP/trunk-00000001", "Cause", "17"))
	agg.Process(ami.NewEvent("Hangup", "Channel", "SIP/carrier-00000002", "Cause", "42"))
	return agg
}

func TestReportReadySystem(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sys := System{
		Session:  &fakeSession{name: "LOCAL", ready: true, agg: newAggregator()},
		Commands: &fakeCommands{},
		SIP:      fakeSIP{{Test: "trunk", Success: true, StatusCode: 200}},
		Calls:    fakeCalls(3),
	}
	r := New(mock, "asterisk", []System{sys}, zerolog.Nop())
	r.Report(context.Background())

	status := mock.Topic("asterisk/LOCAL/status")
	if len(status) != 1 || !status[0].Retained {
		t.Fatalf("expected one retained status, got %+v", status)
	}
	p := parsePayload(t, status[0].Payload)
	assertPayloadField(t, p, "state", "ready")
	assertPayloadField(t, p, "peer_ip", "10.0.0.5")
	if p["ready"] != true || p["active_calls"].(float64) != 3 {
		t.Errorf("unexpected status %v", p)
	}

	counters := mock.Topic("asterisk/LOCAL/counters")
	if len(counters) != 1 {
		t.Fatalf("expected counters message, got %d", len(counters))
	}
	c := parsePayload(t, counters[0].Payload)
	global := c["global"].(map[string]any)
	if global["congestion"].(float64) != 1 {
		t.Errorf("expected global congestion=1, got %v", global["congestion"])
	}
	peers := c["peers"].(map[string]any)
	if _, ok := peers["carrier"]; !ok {
		t.Errorf("expected carrier peer counters, got %v", peers)
	}

	rtcp := mock.Topic("asterisk/LOCAL/rtcp/trunk")
	if len(rtcp) != 1 {
		t.Fatalf("expected rtcp message for trunk, got %d", len(rtcp))
	}
	stat := parsePayload(t, rtcp[0].Payload)
	if stat["rtt"].(map[string]any)["last"].(float64) != 20000 {
		t.Errorf("unexpected rtt %v", stat["rtt"])
	}

	for _, topic := range []string{"asterisk/LOCAL/sip/trunk", "asterisk/LOCAL/taskprocessors", "asterisk/LOCAL/channels"} {
		if len(mock.Topic(topic)) != 1 {
			t.Errorf("expected one message on %s", topic)
		}
	}
}

func TestReportDisconnectedSkipsCommands(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sys := System{
		Session:  &fakeSession{name: "branch", agg: telemetry.NewAggregator()},
		Commands: &fakeCommands{},
	}
	New(mock, "pbx", []System{sys}, zerolog.Nop()).Report(context.Background())

	p := parsePayload(t, mock.Topic("pbx/branch/status")[0].Payload)
	assertPayloadField(t, p, "state", "disconnected")
	if _, ok := p["active_calls"]; ok {
		t.Error("active_calls must be omitted without a call tracker")
	}
	if len(mock.Topic("pbx/branch/taskprocessors")) != 0 {
		t.Error("commands must not run on a disconnected system")
	}
}

func TestReportSurvivesErrors(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sys := System{
		Session:  &fakeSession{name: "LOCAL", ready: true, agg: telemetry.NewAggregator()},
		Commands: &fakeCommands{err: connector.ErrTimedOut},
	}
	r := New(mock, "asterisk", []System{sys}, zerolog.Nop())
	r.Report(context.Background())
	if len(mock.Topic("asterisk/LOCAL/taskprocessors")) != 0 {
		t.Error("no task processors expected on error")
	}

	mock.SetError(errors.New("broker down"))
	r.Report(context.Background())
}

func TestTopic(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Topic("asterisk", "LOCAL", "status"), "asterisk/LOCAL/status"},
		{Topic("a/b", "x", "rtcp", "peer+1"), "a/b/x/rtcp/peer_1"},
		{Topic("a", "sys/1", "event", "#"), "a/sys_1/event/_"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, tt.got)
		}
	}
}

func TestEventForwarder(t *testing.T) {
	mock := publisher.NewMockPublisher()
	q := NewQueue(mock, 8, zerolog.Nop())
	f := NewEventForwarder(q, "asterisk", "LOCAL", []string{"PeerStatus"})

	f.OnEvent(ami.NewEvent("peerstatus", "Peer", "PJSIP/trunk", "PeerStatus", "Unreachable"))
	f.OnEvent(ami.NewEvent("Newchannel", "Channel", "PJSIP/1-0001"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	waitMessages(t, mock, 1)

	m := mock.Messages()[0]
	if m.Topic != "asterisk/LOCAL/event/peerstatus" {
		t.Errorf("unexpected topic %q", m.Topic)
	}
	p := parsePayload(t, m.Payload)
	assertPayloadField(t, p, "PeerStatus", "Unreachable")
	assertPayloadField(t, p, "System", "LOCAL")
}

func TestEventForwarderWildcard(t *testing.T) {
	mock := publisher.NewMockPublisher()
	q := NewQueue(mock, 8, zerolog.Nop())
	f := NewEventForwarder(q, "asterisk", "LOCAL", []string{"*"})
	f.OnEvent(ami.NewEvent("A"))
	f.OnEvent(ami.NewEvent("B"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	waitMessages(t, mock, 2)
}

func TestQueueDropsWhenFull(t *testing.T) {
	mock := publisher.NewMockPublisher()
	q := NewQueue(mock, 2, zerolog.Nop())

	if !q.Enqueue("a", nil) || !q.Enqueue("b", nil) {
		t.Fatal("expected first two messages to be queued")
	}
	if q.Enqueue("c", nil) {
		t.Fatal("expected third message to be dropped")
	}
	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", q.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	waitMessages(t, mock, 2)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
