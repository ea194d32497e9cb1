// Package metricsengine computes TWAMP session metrics — packet loss, RTT,
// one-way delay and jitter — from a completed sender session. It is a pure
// function over a slice of twamp.SessionRecord; it owns no state of its own.
package metricsengine

import (
	"time"

	"github.com/eclesh/welford"
	"github.com/kstaniek/go-twamp/internal/twamp"
)

// Result holds the computed statistics for one test session.
type Result struct {
	NumPackets      int
	PresentCount    int
	PacketLossPct   float64
	RTTMinMS        float64
	RTTMaxMS        float64
	RTTAvgMS        float64
	RTTStddevMS     float64
	OWDForwardAvgMS float64
	OWDBackwardAvgMS float64
	JitterMS        float64
	InsufficientData bool
}

// Compute derives a Result from the sender's collected records. Records are
// expected in send order (record[i].Seq == i is not required, but the
// jitter computation treats consecutive slice entries as consecutive
// packets per RFC 3550 §6.4's simplified mean-absolute-difference form).
func Compute(records []twamp.SessionRecord) Result {
	res := Result{NumPackets: len(records)}
	if res.NumPackets == 0 {
		res.InsufficientData = true
		return res
	}

	present := make([]twamp.SessionRecord, 0, len(records))
	for _, r := range records {
		if r.Present {
			present = append(present, r)
		}
	}
	res.PresentCount = len(present)
	res.PacketLossPct = 100 * float64(res.NumPackets-res.PresentCount) / float64(res.NumPackets)

	if len(present) == 0 {
		res.InsufficientData = true
		return res
	}

	rttStats := welford.New()
	rtts := make([]time.Duration, len(present))
	rttMin, rttMax := time.Duration(1<<63-1), time.Duration(-(1 << 63))
	var owdFwdSum, owdBwdSum float64

	for i, r := range present {
		rtt := r.ReceivedAt.Sub(r.SentAt)
		rtts[i] = rtt
		rttStats.Add(float64(rtt) / float64(time.Millisecond))
		if rtt < rttMin {
			rttMin = rtt
		}
		if rtt > rttMax {
			rttMax = rtt
		}

		owdFwdSum += float64(twamp.Sub(r.RecvTSWire, r.SenderTSWire)) / float64(time.Millisecond)
		receivedNTP := twamp.FromTime(r.ReceivedAt)
		owdBwdSum += float64(twamp.Sub(receivedNTP, r.ReflectorTSWire)) / float64(time.Millisecond)
	}

	n := float64(len(present))
	res.RTTMinMS = float64(rttMin) / float64(time.Millisecond)
	res.RTTMaxMS = float64(rttMax) / float64(time.Millisecond)
	res.RTTAvgMS = rttStats.Mean()
	res.RTTStddevMS = rttStats.Stddev()
	res.OWDForwardAvgMS = owdFwdSum / n
	res.OWDBackwardAvgMS = owdBwdSum / n

	if len(rtts) >= 2 {
		var jitterSum float64
		count := 0
		for i := 1; i < len(rtts); i++ {
			diff := rtts[i] - rtts[i-1]
			if diff < 0 {
				diff = -diff
			}
			jitterSum += float64(diff) / float64(time.Millisecond)
			count++
		}
		res.JitterMS = jitterSum / float64(count)
	}

	return res
}
