package reporter

import (
	"encoding/json"
	"time"

	"github.com/sweeney/asterisk-monitor/internal/calls"
)

// callPayload is the JSON structure published for call state changes.
type callPayload struct {
	Event            string   `json:"event"`
	Description      string   `json:"description"`
	System           string   `json:"system"`
	CallID           string   `json:"call_id"`
	Peer             string   `json:"peer,omitempty"`
	From             endpoint `json:"from"`
	To               endpoint `json:"to"`
	Timestamp        string   `json:"timestamp"`
	RingDuration     *float64 `json:"ring_duration_seconds,omitempty"`
	Cause            string   `json:"cause,omitempty"`
	CauseDescription string   `json:"cause_description,omitempty"`
	CauseCode        *int     `json:"cause_code,omitempty"`
	FailureClass     string   `json:"failure_class,omitempty"`
	TalkDuration     *float64 `json:"talk_duration_seconds,omitempty"`
	TotalDuration    *float64 `json:"total_duration_seconds,omitempty"`
}

type endpoint struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
}

var stateDescriptions = map[calls.CallState]string{
	calls.StateRinging:  "A call is ringing and waiting to be answered",
	calls.StateAnswered: "The call has been answered and parties are now connected",
	calls.StateHungUp:   "The call has ended",
}

// CallHandler returns a change handler for calls.WithChangeHandler that
// queues each change on <prefix>/<system>/call/<id>/<state>.
func CallHandler(q *Queue, prefix, system string) func(calls.CallStateChange) {
	return func(change calls.CallStateChange) {
		data, err := json.Marshal(newCallPayload(system, change))
		if err != nil {
			q.log.Error().Err(err).Str("call_id", change.CallID).Msg("marshaling call payload")
			return
		}
		q.Enqueue(Topic(prefix, system, "call", change.CallID, string(change.State)), data)
	}
}

func newCallPayload(system string, change calls.CallStateChange) callPayload {
	payload := callPayload{
		Event:       string(change.State),
		Description: stateDescriptions[change.State],
		System:      system,
		CallID:      change.CallID,
		Peer:        change.Peer,
		From: endpoint{
			Extension: change.From.Extension,
			Name:      change.From.Name,
		},
		To: endpoint{
			Extension: change.To.Extension,
			Name:      change.To.Name,
		},
		Timestamp: change.Timestamp.UTC().Format(time.RFC3339),
	}

	switch change.State {
	case calls.StateAnswered:
		payload.RingDuration = &change.RingDuration
	case calls.StateHungUp:
		payload.Cause = change.Cause
		payload.CauseDescription = change.CauseDescription
		payload.CauseCode = &change.CauseCode
		payload.FailureClass = change.FailureClass
		payload.TalkDuration = &change.TalkDuration
		payload.TotalDuration = &change.TotalDuration
	}
	return payload
}
