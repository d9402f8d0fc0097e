// Package reporter publishes session state, telemetry, call changes and
// selected raw events.
package reporter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/cmdcache"
	"github.com/sweeney/asterisk-monitor/internal/connector"
	"github.com/sweeney/asterisk-monitor/internal/publisher"
	"github.com/sweeney/asterisk-monitor/internal/sipreg"
	"github.com/sweeney/asterisk-monitor/internal/telemetry"
	"github.com/sweeney/asterisk-monitor/internal/workerpool"
)

// Session is the part of *connector.Session the reporter reads.
type Session interface {
	Name() string
	State() connector.State
	IsReady() bool
	PeerIP() string
	Telemetry() *telemetry.Aggregator
}

// Commands reads server status through the CLI.
type Commands interface {
	TaskProcessors(ctx context.Context) ([]cmdcache.TaskProcessor, error)
	Channels(ctx context.Context) (cmdcache.ChannelSummary, error)
}

// System bundles what is reported for one AMI system. Only Session is
// required.
type System struct {
	Session  Session
	Commands Commands
	SIP      interface{ Results() []sipreg.Result }
	Calls    interface{ ActiveCalls() int }
}

type statusPayload struct {
	System      string    `json:"system"`
	State       string    `json:"state"`
	Ready       bool      `json:"ready"`
	PeerIP      string    `json:"peer_ip"`
	ActiveCalls *int      `json:"active_calls,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type countersPayload struct {
	Global telemetry.EventCounters            `json:"global"`
	Peers  map[string]telemetry.EventCounters `json:"peers"`
}

// Reporter periodically publishes the state of every system.
type Reporter struct {
	pub     publisher.Publisher
	prefix  string
	systems []System
	log     zerolog.Logger
	clock   func() time.Time
}

func New(pub publisher.Publisher, prefix string, systems []System, log zerolog.Logger) *Reporter {
	return &Reporter{
		pub:     pub,
		prefix:  prefix,
		systems: systems,
		log:     log.With().Str("component", "reporter").Logger(),
		clock:   time.Now,
	}
}

// Start schedules Report on the pool every interval.
func (r *Reporter) Start(ctx context.Context, pool *workerpool.Pool, interval time.Duration) error {
	return pool.Every(ctx, interval, r.Report)
}

// Report publishes one round for all systems.
func (r *Reporter) Report(ctx context.Context) {
	for _, sys := range r.systems {
		if ctx.Err() != nil {
			return
		}
		r.reportSystem(ctx, sys)
	}
}

func (r *Reporter) reportSystem(ctx context.Context, sys System) {
	s := sys.Session
	name := s.Name()
	log := r.log.With().Str("system", name).Logger()

	status := statusPayload{
		System:    name,
		State:     s.State().String(),
		Ready:     s.IsReady(),
		PeerIP:    s.PeerIP(),
		Timestamp: r.clock().UTC(),
	}
	if sys.Calls != nil {
		n := sys.Calls.ActiveCalls()
		status.ActiveCalls = &n
	}
	r.publish(ctx, log, Topic(r.prefix, name, "status"), status, true)

	agg := s.Telemetry()
	counters := countersPayload{Peers: make(map[string]telemetry.EventCounters)}
	counters.Global, _ = agg.GetPeerCounters("")
	for _, peer := range agg.Peers() {
		counters.Peers[peer], _ = agg.GetPeerCounters(peer)
	}
	r.publish(ctx, log, Topic(r.prefix, name, "counters"), counters, false)

	for _, peer := range agg.StatisticPeers() {
		if stat, ok := agg.GetPeerStatistic(peer); ok {
			r.publish(ctx, log, Topic(r.prefix, name, "rtcp", peer), stat, false)
		}
	}

	if sys.SIP != nil {
		for _, res := range sys.SIP.Results() {
			r.publish(ctx, log, Topic(r.prefix, name, "sip", res.Test), res, false)
		}
	}

	if sys.Commands == nil || !s.IsReady() {
		return
	}
	if tps, err := sys.Commands.TaskProcessors(ctx); err != nil {
		log.Warn().Err(err).Msg("cannot read task processors")
	} else {
		r.publish(ctx, log, Topic(r.prefix, name, "taskprocessors"), tps, false)
	}
	if ch, err := sys.Commands.Channels(ctx); err != nil {
		log.Warn().Err(err).Msg("cannot read channel counts")
	} else {
		r.publish(ctx, log, Topic(r.prefix, name, "channels"), ch, false)
	}
}

func (r *Reporter) publish(ctx context.Context, log zerolog.Logger, topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("marshaling payload")
		return
	}
	if retained {
		err = r.pub.PublishRetained(ctx, topic, data)
	} else {
		err = r.pub.Publish(ctx, topic, data)
	}
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("publish failed")
	}
}
