package metricsengine

import (
	"testing"
	"time"

	"github.com/kstaniek/go-twamp/internal/twamp"
)

func mkRecord(seq uint32, rtt time.Duration, present bool) twamp.SessionRecord {
	base := time.Unix(1_700_000_000, 0)
	sent := base.Add(time.Duration(seq) * 10 * time.Millisecond)
	recv := sent.Add(rtt)
	return twamp.SessionRecord{
		Seq:             seq,
		SentAt:          sent,
		ReceivedAt:      recv,
		SenderTSWire:    twamp.FromTime(sent),
		RecvTSWire:      twamp.FromTime(sent.Add(rtt / 2)),
		ReflectorTSWire: twamp.FromTime(sent.Add(rtt / 2)),
		Present:         present,
	}
}

func TestCompute_NoLossEqualRTT(t *testing.T) {
	records := make([]twamp.SessionRecord, 10)
	for i := range records {
		records[i] = mkRecord(uint32(i), 5*time.Millisecond, true)
	}
	res := Compute(records)
	if res.PacketLossPct != 0 {
		t.Errorf("loss = %v, want 0", res.PacketLossPct)
	}
	if res.PresentCount != 10 {
		t.Errorf("present = %d, want 10", res.PresentCount)
	}
	if res.RTTMinMS != res.RTTMaxMS || res.RTTMaxMS != res.RTTAvgMS {
		t.Errorf("expected equal min/max/avg for constant RTT, got min=%v max=%v avg=%v", res.RTTMinMS, res.RTTMaxMS, res.RTTAvgMS)
	}
	if res.JitterMS != 0 {
		t.Errorf("jitter = %v, want 0 for constant RTT", res.JitterMS)
	}
}

func TestCompute_Loss(t *testing.T) {
	records := make([]twamp.SessionRecord, 100)
	for i := range records {
		present := i != 7
		records[i] = mkRecord(uint32(i), 5*time.Millisecond, present)
	}
	res := Compute(records)
	if res.PacketLossPct != 1 {
		t.Errorf("loss = %v, want 1", res.PacketLossPct)
	}
	if res.PresentCount != 99 {
		t.Errorf("present = %d, want 99", res.PresentCount)
	}
}

func TestCompute_JitterAlternating(t *testing.T) {
	records := make([]twamp.SessionRecord, 20)
	delta := 2 * time.Millisecond
	base := 10 * time.Millisecond
	for i := range records {
		rtt := base
		if i%2 == 1 {
			rtt += delta
		}
		records[i] = mkRecord(uint32(i), rtt, true)
	}
	res := Compute(records)
	wantMS := float64(delta) / float64(time.Millisecond)
	if diff := res.JitterMS - wantMS; diff > 0.01 || diff < -0.01 {
		t.Errorf("jitter = %v, want ~%v", res.JitterMS, wantMS)
	}
}

func TestCompute_EmptyInput(t *testing.T) {
	res := Compute(nil)
	if !res.InsufficientData {
		t.Error("expected InsufficientData for empty input")
	}
	if res.PacketLossPct != 0 {
		t.Errorf("loss = %v, want 0", res.PacketLossPct)
	}
}

func TestCompute_AllLost(t *testing.T) {
	records := make([]twamp.SessionRecord, 5)
	for i := range records {
		records[i] = mkRecord(uint32(i), 0, false)
	}
	res := Compute(records)
	if res.PacketLossPct != 100 {
		t.Errorf("loss = %v, want 100", res.PacketLossPct)
	}
	if !res.InsufficientData {
		t.Error("expected InsufficientData when no packets present")
	}
}
