package telemetry

import (
	"math"
	"sort"
	"sync"

	"github.com/sweeney/asterisk-monitor/internal/ami"
)

// Aggregator classifies hangups and smooths RTCP reports per peer.
//
// Counters, per-channel RTCP data and peer statistics are guarded by three
// independent mutexes that are never held together.
type Aggregator struct {
	countersMu sync.Mutex
	global     EventCounters
	peers      map[string]*EventCounters

	channelsMu sync.Mutex
	channels   map[string]*rtcpData

	statsMu sync.Mutex
	stats   map[string]*peerStatistic
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		peers:    make(map[string]*EventCounters),
		channels: make(map[string]*rtcpData),
		stats:    make(map[string]*peerStatistic),
	}
}

// Process routes an event to the matching handler. Other events are ignored.
func (a *Aggregator) Process(evt *ami.Message) {
	switch {
	case evt.IsEvent("Hangup"):
		a.OnHangup(evt)
	case evt.IsEvent("RTCPReceived"):
		a.OnRTCPReceived(evt)
	}
}

// OnHangup counts the hangup cause for the channel's peer and the global
// counters, then folds any RTCP data collected for the channel.
func (a *Aggregator) OnHangup(evt *ami.Message) {
	channel := evt.Get("Channel")
	peer := PeerFromChannel(channel)
	bucket := ClassifyCause(evt.GetInt("Cause"))

	a.countersMu.Lock()
	a.global.increment(bucket)
	if peer != "" {
		c := a.peers[peer]
		if c == nil {
			c = &EventCounters{}
			a.peers[peer] = c
		}
		c.increment(bucket)
	}
	a.countersMu.Unlock()

	if channel != "" {
		a.FoldIntoPeerStatistic(channel, peer)
	}
}

// OnRTCPReceived records the first report block of an RTCPReceived event.
func (a *Aggregator) OnRTCPReceived(evt *ami.Message) {
	if evt.GetInt("ReportCount") == 0 {
		return
	}
	channel := evt.Get("Channel")
	if channel == "" {
		return
	}

	packetLoss := clampUint32(evt.GetInt64("Report0FractionLost"))
	jitter := clampUint32(evt.GetInt64("Report0IAJitter"))
	rtt := clampUint32(int64(math.Round(evt.GetFloat("RTT") * 1e6)))

	a.channelsMu.Lock()
	defer a.channelsMu.Unlock()
	d := a.channels[channel]
	if d == nil {
		d = &rtcpData{}
		a.channels[channel] = d
	}
	d.add(packetLoss, rtt, jitter)
}

// FoldIntoPeerStatistic consumes the RTCP data of channel into the peer's
// smoothed statistic. It is a no-op if the channel has no data. Data of a
// channel without a peer name is discarded.
func (a *Aggregator) FoldIntoPeerStatistic(channel, peer string) {
	a.channelsMu.Lock()
	d := a.channels[channel]
	delete(a.channels, channel)
	a.channelsMu.Unlock()
	if d == nil || peer == "" {
		return
	}

	packetLoss := d.packetLoss * 100 / 256

	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s := a.stats[peer]
	if s == nil {
		a.stats[peer] = &peerStatistic{
			jitter:     newEMAMetric(d.jitter),
			packetLoss: newEMAMetric(packetLoss),
			rtt:        newEMAMetric(d.rtt),
			samples:    1,
		}
		return
	}
	s.jitter.update(d.jitter)
	s.packetLoss.update(packetLoss)
	s.rtt.update(d.rtt)
	s.samples++
}

// GetPeerStatistic returns a copy of the peer's RTCP statistic.
func (a *Aggregator) GetPeerStatistic(peer string) (RTCPStatistic, bool) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s, ok := a.stats[peer]
	if !ok {
		return RTCPStatistic{}, false
	}
	return s.snapshot(), true
}

// GetPeerCounters returns a copy of the peer's counters. An empty peer name
// selects the global counters.
func (a *Aggregator) GetPeerCounters(peer string) (EventCounters, bool) {
	a.countersMu.Lock()
	defer a.countersMu.Unlock()
	if peer == "" {
		return a.global, true
	}
	c, ok := a.peers[peer]
	if !ok {
		return EventCounters{}, false
	}
	return *c, true
}

// Peers returns the names of all peers with counters, sorted.
func (a *Aggregator) Peers() []string {
	a.countersMu.Lock()
	names := make([]string, 0, len(a.peers))
	for name := range a.peers {
		names = append(names, name)
	}
	a.countersMu.Unlock()
	sort.Strings(names)
	return names
}

// StatisticPeers returns the names of all peers with RTCP statistics, sorted.
func (a *Aggregator) StatisticPeers() []string {
	a.statsMu.Lock()
	names := make([]string, 0, len(a.stats))
	for name := range a.stats {
		names = append(names, name)
	}
	a.statsMu.Unlock()
	sort.Strings(names)
	return names
}

// PendingChannels returns the number of channels holding unfolded RTCP data.
func (a *Aggregator) PendingChannels() int {
	a.channelsMu.Lock()
	defer a.channelsMu.Unlock()
	return len(a.channels)
}

func clampUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
