package telemetry

import "math"

// EMAShift is the number of fixed-point fraction bits kept for averages.
const EMAShift = 11

const (
	emaOne = int64(1) << EMAShift
	// emaWindow is the characteristic window of the peer averages, in samples.
	emaWindow = 15
)

// emaExp is the decay factor for a 15-sample window in fixed point.
var emaExp = int64(math.Round(float64(emaOne) / math.Exp(1.0/emaWindow)))

// rtcpData accumulates RTCP reports for a single channel until hangup.
type rtcpData struct {
	count      uint32
	packetLoss uint32 // running average, 1/256 units
	rtt        uint32 // running average, microseconds
	jitter     uint32 // last sample
}

func (d *rtcpData) add(packetLoss, rtt, jitter uint32) {
	n := uint64(d.count)
	d.packetLoss = uint32((uint64(d.packetLoss)*n + uint64(packetLoss)) / (n + 1))
	d.rtt = uint32((uint64(d.rtt)*n + uint64(rtt)) / (n + 1))
	d.jitter = jitter
	d.count++
}

// Metric is a smoothed value together with its running extremes.
type Metric struct {
	Average float64 `json:"avg"`
	Last    uint32  `json:"last"`
	Min     uint32  `json:"min"`
	Max     uint32  `json:"max"`
}

type emaMetric struct {
	avg  int64 // fixed point, EMAShift fraction bits
	last uint32
	min  uint32
	max  uint32
}

func newEMAMetric(sample uint32) emaMetric {
	return emaMetric{avg: int64(sample) << EMAShift, last: sample, min: sample, max: sample}
}

func (m *emaMetric) update(sample uint32) {
	m.avg = (m.avg*emaExp + (int64(sample)<<EMAShift)*(emaOne-emaExp)) >> EMAShift
	m.last = sample
	if sample < m.min {
		m.min = sample
	}
	if sample > m.max {
		m.max = sample
	}
}

func (m emaMetric) snapshot() Metric {
	return Metric{
		Average: float64(m.avg) / float64(emaOne),
		Last:    m.last,
		Min:     m.min,
		Max:     m.max,
	}
}

// RTCPStatistic is the smoothed call quality of a peer.
// Jitter is in RTP timestamp units, PacketLoss in percent, RTT in microseconds.
type RTCPStatistic struct {
	Jitter     Metric `json:"jitter"`
	PacketLoss Metric `json:"packet_loss"`
	RTT        Metric `json:"rtt"`
	Samples    uint64 `json:"samples"`
}

type peerStatistic struct {
	jitter     emaMetric
	packetLoss emaMetric
	rtt        emaMetric
	samples    uint64
}

func (s *peerStatistic) snapshot() RTCPStatistic {
	return RTCPStatistic{
		Jitter:     s.jitter.snapshot(),
		PacketLoss: s.packetLoss.snapshot(),
		RTT:        s.rtt.snapshot(),
		Samples:    s.samples,
	}
}
