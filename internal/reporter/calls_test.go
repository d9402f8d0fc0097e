package reporter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/ami"
	"github.com/sweeney/asterisk-monitor/internal/calls"
	"github.com/sweeney/asterisk-monitor/internal/publisher"
)

func fixturesDir() string {
	return filepath.Join("..", "calls", "testdata")
}

// runPipeline feeds a capture through a call tracker wired to a queue and
// returns the published messages.
func runPipeline(t *testing.T, fixture, prefix string, want int) []publisher.Message {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir(), fixture))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	mock := publisher.NewMockPublisher()
	q := NewQueue(mock, 16, zerolog.Nop())

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	tr := calls.New(calls.WithClock(clock), calls.WithChangeHandler(CallHandler(q, prefix, "LOCAL")))
	for _, evt := range ami.ParseBytes(data) {
		tr.OnEvent(evt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	waitMessages(t, mock, want)
	return mock.Messages()
}

func waitMessages(t *testing.T, mock *publisher.MockPublisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(mock.Messages()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(mock.Messages()); got != n {
		t.Fatalf("expected %d messages, got %d", n, got)
	}
}

func parsePayload(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

// --- Answered outbound (1986 → 21) ---

func TestCallPipelineAnsweredOutbound(t *testing.T) {
	msgs := runPipeline(t, "answered-outbound.raw", "asterisk", 3)

	assertTopicSuffix(t, msgs[0].Topic, "/ringing")
	assertTopicSuffix(t, msgs[1].Topic, "/answered")
	assertTopicSuffix(t, msgs[2].Topic, "/hungup")
	if !strings.HasPrefix(msgs[0].Topic, "asterisk/LOCAL/call/") {
		t.Errorf("unexpected topic %q", msgs[0].Topic)
	}

	callID := extractCallID(t, msgs[0].Topic)
	for _, m := range msgs[1:] {
		if extractCallID(t, m.Topic) != callID {
			t.Error("expected consistent call ID across topics")
		}
	}

	ringing := parsePayload(t, msgs[0].Payload)
	assertPayloadField(t, ringing, "event", "ringing")
	assertPayloadField(t, ringing, "description", "A call is ringing and waiting to be answered")
	assertPayloadField(t, ringing, "call_id", callID)
	assertPayloadField(t, ringing, "system", "LOCAL")
	assertPayloadField(t, ringing, "peer", "1986")
	assertPayloadHasKey(t, ringing, "timestamp")
	from := ringing["from"].(map[string]any)
	if from["extension"] != "1986" || from["name"] != "Martin" {
		t.Errorf("unexpected from %v", from)
	}
	to := ringing["to"].(map[string]any)
	if to["extension"] != "21" || to["name"] != "Kitchen" {
		t.Errorf("unexpected to %v", to)
	}

	answered := parsePayload(t, msgs[1].Payload)
	assertPayloadField(t, answered, "event", "answered")
	if answered["ring_duration_seconds"].(float64) <= 0 {
		t.Errorf("expected positive ring_duration_seconds, got %v", answered["ring_duration_seconds"])
	}

	hungup := parsePayload(t, msgs[2].Payload)
	assertPayloadField(t, hungup, "event", "hungup")
	assertPayloadField(t, hungup, "description", "The call has ended")
	assertPayloadField(t, hungup, "cause", "normal_clearing")
	if hungup["cause_code"].(float64) != 16 {
		t.Errorf("expected cause_code=16, got %v", hungup["cause_code"])
	}
	if _, ok := hungup["failure_class"]; ok {
		t.Error("expected no failure_class for normal clearing")
	}
	talkDur := hungup["talk_duration_seconds"].(float64)
	totalDur := hungup["total_duration_seconds"].(float64)
	if talkDur <= 0 || totalDur < talkDur {
		t.Errorf("unexpected durations talk=%f total=%f", talkDur, totalDur)
	}
}

func TestCallPipelineUnansweredCancel(t *testing.T) {
	msgs := runPipeline(t, "unanswered-cancel.raw", "pbx", 2)

	hungup := parsePayload(t, msgs[1].Payload)
	assertPayloadField(t, hungup, "cause", "cancelled")
	if hungup["talk_duration_seconds"].(float64) != 0 {
		t.Errorf("expected zero talk duration, got %v", hungup["talk_duration_seconds"])
	}
	if _, ok := hungup["ring_duration_seconds"]; ok {
		t.Error("hungup payload must not carry ring_duration_seconds")
	}
}

func TestCallPayloadCommonShape(t *testing.T) {
	msgs := runPipeline(t, "answered-outbound.raw", "asterisk", 3)

	requiredFields := []string{"event", "description", "system", "call_id", "from", "to", "timestamp"}
	for i, m := range msgs {
		p := parsePayload(t, m.Payload)
		for _, field := range requiredFields {
			if _, ok := p[field]; !ok {
				t.Errorf("message %d: missing required field %q", i, field)
			}
		}
		event := p["event"].(string)
		if !strings.HasSuffix(m.Topic, "/"+event) {
			t.Errorf("message %d: event %q doesn't match topic %q", i, event, m.Topic)
		}
	}
}

// --- helpers ---

func assertTopicSuffix(t *testing.T, topic, suffix string) {
	t.Helper()
	if !strings.HasSuffix(topic, suffix) {
		t.Errorf("expected topic %q to end with %q", topic, suffix)
	}
}

func assertPayloadField(t *testing.T, p map[string]any, key string, expected string) {
	t.Helper()
	if v, ok := p[key]; !ok {
		t.Errorf("missing field %q", key)
	} else if v != expected {
		t.Errorf("expected %s=%q, got %q", key, expected, v)
	}
}

func assertPayloadHasKey(t *testing.T, p map[string]any, key string) {
	t.Helper()
	if _, ok := p[key]; !ok {
		t.Errorf("missing field %q", key)
	}
}

func extractCallID(t *testing.T, topic string) string {
	t.Helper()
	// topic format: prefix/system/call/{id}/{state}
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		t.Fatalf("unexpected topic format: %q", topic)
	}
	return parts[3]
}
