// Package telemetry derives failure counters and call-quality statistics
// from the AMI event stream.
package telemetry

// EventCounters counts hangups by failure class. Counters only grow.
type EventCounters struct {
	CallBarred         uint64 `json:"call_barred"`
	CallRejected       uint64 `json:"call_rejected"`
	ChannelUnavailable uint64 `json:"channel_unavailable"`
	Congestion         uint64 `json:"congestion"`
	NoRoute            uint64 `json:"no_route"`
	SubscriberAbsent   uint64 `json:"subscriber_absent"`
}

// Bucket identifies one EventCounters field.
type Bucket int

const (
	BucketNone Bucket = iota
	BucketCallBarred
	BucketCallRejected
	BucketChannelUnavailable
	BucketCongestion
	BucketNoRoute
	BucketSubscriberAbsent
)

func (b Bucket) String() string {
	switch b {
	case BucketCallBarred:
		return "call_barred"
	case BucketCallRejected:
		return "call_rejected"
	case BucketChannelUnavailable:
		return "channel_unavailable"
	case BucketCongestion:
		return "congestion"
	case BucketNoRoute:
		return "no_route"
	case BucketSubscriberAbsent:
		return "subscriber_absent"
	default:
		return "none"
	}
}

// ClassifyCause maps a Q.850 hangup cause to a counter bucket.
func ClassifyCause(cause int) Bucket {
	switch cause {
	case 2, 3: // no route to network / destination
		return BucketNoRoute
	case 20:
		return BucketSubscriberAbsent
	case 21:
		return BucketCallRejected
	case 34, 44: // no circuit / requested circuit unavailable
		return BucketChannelUnavailable
	case 42:
		return BucketCongestion
	case 52, 54: // outgoing / incoming calls barred
		return BucketCallBarred
	default:
		return BucketNone
	}
}

func (c *EventCounters) increment(b Bucket) {
	switch b {
	case BucketCallBarred:
		c.CallBarred++
	case BucketCallRejected:
		c.CallRejected++
	case BucketChannelUnavailable:
		c.ChannelUnavailable++
	case BucketCongestion:
		c.Congestion++
	case BucketNoRoute:
		c.NoRoute++
	case BucketSubscriberAbsent:
		c.SubscriberAbsent++
	}
}

// PeerFromChannel extracts the peer name from a channel such as
// "SIP/alice-00000001": the text between the first '/' and the next '-'.
// Channels without that shape yield an empty name.
func PeerFromChannel(channel string) string {
	slash := -1
	for i := 0; i < len(channel); i++ {
		if channel[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return ""
	}
	rest := channel[slash+1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '-' {
			return rest[:i]
		}
	}
	return ""
}
