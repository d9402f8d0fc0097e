package calls

import "time"

// CallState represents the lifecycle state of a call.
type CallState string

const (
	StateRinging  CallState = "ringing"
	StateAnswered CallState = "answered"
	StateHungUp   CallState = "hungup"
)

// Endpoint is one side of a call.
type Endpoint struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
}

// CallStateChange is emitted when a call transitions state.
type CallStateChange struct {
	State     CallState `json:"event"`
	CallID    string    `json:"call_id"`
	Peer      string    `json:"peer,omitempty"`
	From      Endpoint  `json:"from"`
	To        Endpoint  `json:"to"`
	Timestamp time.Time `json:"timestamp"`

	// Ringing -> Answered
	RingDuration float64 `json:"ring_duration_seconds,omitempty"`

	// HungUp fields
	Cause            string  `json:"cause,omitempty"`
	CauseDescription string  `json:"cause_description,omitempty"`
	CauseCode        int     `json:"cause_code,omitempty"`
	FailureClass     string  `json:"failure_class,omitempty"`
	TalkDuration     float64 `json:"talk_duration_seconds,omitempty"`
	TotalDuration    float64 `json:"total_duration_seconds,omitempty"`
}

// HangupCause maps Asterisk hangup cause codes to names and descriptions.
var HangupCause = map[int]struct {
	Name        string
	Description string
}{
	0:   {"unknown", "Unknown or no cause provided"},
	1:   {"unallocated", "The number is not assigned"},
	2:   {"no_route_transit_net", "No route to the specified transit network"},
	3:   {"no_route_destination", "No route to the destination"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	20:  {"subscriber_absent", "The destination is not registered or reachable"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	27:  {"destination_out_of_order", "The destination is out of order"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	38:  {"network_out_of_order", "The network is out of order"},
	42:  {"switch_congestion", "The switching equipment is congested"},
	44:  {"requested_chan_unavail", "The requested circuit or channel is not available"},
	52:  {"outgoing_call_barred", "Outgoing calls are barred"},
	54:  {"incoming_call_barred", "Incoming calls are barred"},
	127: {"interworking", "An interworking error occurred"},
}
