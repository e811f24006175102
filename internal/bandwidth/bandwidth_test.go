package bandwidth

import (
	"testing"
	"time"
)

func TestFirstUpdateHasNoRateYet(t *testing.T) {
	m := New()
	m.RecordUSBRecv(1000)
	now := time.Now()
	usb, _, fresh := m.Update(now)
	if !fresh {
		t.Fatal("expected the first call to compute a fresh snapshot")
	}
	if usb.BandwidthMbps != 0 {
		t.Errorf("BandwidthMbps = %v on first sample, want 0 (no prior delta)", usb.BandwidthMbps)
	}
	if !usb.IsAlive {
		t.Error("expected IsAlive after a recent RecordUSBRecv")
	}
}

func TestUpdateThrottledBelowMinInterval(t *testing.T) {
	m := New()
	now := time.Now()
	m.RecordUSBRecv(1000)
	m.Update(now)

	m.RecordUSBRecv(1000)
	_, _, fresh := m.Update(now.Add(50 * time.Millisecond))
	if fresh {
		t.Error("expected Update called <100ms later to return the cached snapshot")
	}
}

func TestUSBBandwidthCombinesSentAndRecv(t *testing.T) {
	m := New()
	now := time.Now()
	m.Update(now)

	// 1 MB sent + 1 MB received over 1 second == 16 Mbps combined.
	m.RecordUSBSent(1_000_000)
	m.RecordUSBRecv(1_000_000)
	usb, _, _ := m.Update(now.Add(time.Second))

	want := 16.0
	if diff := usb.BandwidthMbps - want; diff > 0.1 || diff < -0.1 {
		t.Errorf("BandwidthMbps = %v, want ~%v", usb.BandwidthMbps, want)
	}
}

func TestWifiBandwidthIsRecvOnly(t *testing.T) {
	m := New()
	now := time.Now()
	m.Update(now)

	m.RecordWifiRecv(1_000_000)
	_, wifi, _ := m.Update(now.Add(time.Second))

	want := 8.0
	if diff := wifi.BandwidthMbps - want; diff > 0.1 || diff < -0.1 {
		t.Errorf("WifiBandwidthMbps = %v, want ~%v", wifi.BandwidthMbps, want)
	}
}

func TestCongestionFromBandwidthThreshold(t *testing.T) {
	m := New()
	now := time.Now()
	m.Update(now)

	m.RecordUSBSent(5_000_000) // 40 Mbps over 1s, above 25 Mbps threshold
	usb, _, _ := m.Update(now.Add(time.Second))
	if !usb.IsCongested {
		t.Error("expected IsCongested when bandwidth exceeds 25 Mbps")
	}
}

func TestCongestionFromRTTThreshold(t *testing.T) {
	m := New()
	now := time.Now()
	m.RecordUSBRecv(1)
	m.Update(now)
	m.RecordUSBPing(75 * time.Millisecond)

	usb, _, _ := m.Update(now.Add(time.Second))
	if !usb.IsCongested {
		t.Error("expected IsCongested when RTT exceeds 50ms even with low bandwidth")
	}
}

func TestAliveGoesFalseAfterTimeout(t *testing.T) {
	m := New()
	now := time.Now()
	m.RecordUSBRecv(1)
	m.Update(now)

	usb, _, _ := m.Update(now.Add(31 * time.Second))
	if usb.IsAlive {
		t.Error("expected IsAlive = false after 31s of silence")
	}
}

func TestWifiLossRateIsExposedVerbatim(t *testing.T) {
	m := New()
	m.RecordWifiLoss(0.12)
	now := time.Now()
	m.Update(now)
	_, wifi, _ := m.Update(now.Add(time.Second))
	if wifi.PacketLossRate != 0.12 {
		t.Errorf("PacketLossRate = %v, want 0.12", wifi.PacketLossRate)
	}
}
