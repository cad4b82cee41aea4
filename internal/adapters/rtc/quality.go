package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Verify/internal/core"
)

const (
	goodRTT  = 150 * time.Millisecond
	fairRTT  = 400 * time.Millisecond
	goodLoss = 0.02
	fairLoss = 0.10
)

// classify maps a round trip time and loss ratio to a quality bucket.
// Without an RTT sample the quality is unknown.
func classify(rtt time.Duration, loss float64, haveRTT bool) core.Quality {
	if !haveRTT {
		return core.QualityUnknown
	}
	switch {
	case rtt < goodRTT && loss < goodLoss:
		return core.QualityGood
	case rtt < fairRTT && loss < fairLoss:
		return core.QualityFair
	default:
		return core.QualityPoor
	}
}

// selectedRTT returns the round trip time of the active candidate pair.
func selectedRTT(report webrtc.StatsReport) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime <= 0 {
			continue
		}
		rtt := time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
		if !found || pair.Nominated || rtt < best {
			best = rtt
			found = true
		}
	}
	return best, found
}

// lossCounter estimates inbound packet loss from RTP sequence gaps.
type lossCounter struct {
	mu       sync.Mutex
	started  bool
	last     uint16
	received uint64
	expected uint64
}

func (l *lossCounter) observe(pkt *rtp.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received++
	if !l.started {
		l.started = true
		l.last = pkt.SequenceNumber
		l.expected = 1
		return
	}
	delta := pkt.SequenceNumber - l.last
	// Reordered or duplicate packets arrive with a wrapped delta.
	if delta == 0 || delta > 1<<15 {
		return
	}
	l.expected += uint64(delta)
	l.last = pkt.SequenceNumber
}

func (l *lossCounter) ratio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expected == 0 || l.received >= l.expected {
		return 0
	}
	return float64(l.expected-l.received) / float64(l.expected)
}
