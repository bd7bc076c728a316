package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/quince-io/quince/transport"
)

func TestCollectorReportsObservedStats(t *testing.T) {
	c := NewCollector("quince_test")
	scid := []byte{0xab, 0xcd}
	c.ObserveStats(scid, transport.Stats{
		PacketsInValid: 5,
		PacketsOut:     7,
		RTT:            20 * time.Millisecond,
		CWnd:           12000,
	})

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var sawPacketsOut, sawRTT bool
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write: %v", err)
		}
		for _, l := range pb.GetLabel() {
			if l.GetName() == "scid" && l.GetValue() != "abcd" {
				t.Fatalf("scid label = %q, want %q", l.GetValue(), "abcd")
			}
		}
		if pb.GetCounter() != nil && pb.GetCounter().GetValue() == 7 {
			sawPacketsOut = true
		}
		if pb.GetGauge() != nil && pb.GetGauge().GetValue() == 0.02 {
			sawRTT = true
		}
	}
	if !sawPacketsOut {
		t.Fatalf("did not observe packets_out_total=7 among collected metrics")
	}
	if !sawRTT {
		t.Fatalf("did not observe rtt_seconds=0.02 among collected metrics")
	}
}

func TestCollectorForgetsClosedConnections(t *testing.T) {
	c := NewCollector("quince_test")
	scid := []byte{0x01}
	c.ObserveStats(scid, transport.Stats{PacketsOut: 1})
	c.ObserveClosed(scid)

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	for range ch {
		t.Fatalf("expected no metrics after ObserveClosed, got at least one")
	}
}
