// Package bandwidth implements BandwidthMonitor: per-transport atomic byte
// counters, a liveness clock, and a rate computation that runs at most once
// per 100ms and holds the monitor's lock only for that computation.
package bandwidth

import (
	"sync"
	"sync/atomic"
	"time"
)

// minUpdateInterval is the shortest gap between two rate computations.
// update() calls arriving sooner than this return the previously computed
// snapshot unchanged.
const minUpdateInterval = 100 * time.Millisecond

const (
	congestionThresholdMbps = 25
	congestionThresholdRTT  = 50 * time.Millisecond
	aliveTimeout            = 30 * time.Second
)

// UsbStats is one update()'s computed snapshot for the USB transport.
type UsbStats struct {
	BandwidthMbps float64
	PingRTTMs     float64
	IsCongested   bool
	IsAlive       bool
}

// WifiStats is one update()'s computed snapshot for the Wi-Fi transport.
type WifiStats struct {
	BandwidthMbps   float64
	PacketLossRate  float64
	IsAlive         bool
}

// Monitor tracks byte counters for one device's two transports and derives
// UsbStats/WifiStats from them. Counters are updated with plain atomic adds
// from whichever worker moves the bytes (USB send actor, USB receive
// driver, UDP receive worker); only update() reads them to compute a rate,
// and it does so under mu so two concurrent callers can't race on the
// delta/elapsed computation.
type Monitor struct {
	usbBytesSent uint64
	usbBytesRecv uint64
	usbLastActivityNs int64
	wifiBytesRecv uint64
	wifiLastActivityNs int64

	mu           sync.Mutex
	lastUpdate   time.Time
	prevUsbBytes uint64
	prevWifiRecv uint64
	usbPingMs    float64
	wifiLoss     float64
	lastUsb      UsbStats
	lastWifi     WifiStats
}

// New returns a Monitor with zeroed counters.
func New() *Monitor {
	return &Monitor{}
}

// RecordUSBSent registers n bytes written out the USB transport.
func (m *Monitor) RecordUSBSent(n int) {
	atomic.AddUint64(&m.usbBytesSent, uint64(n))
	atomic.StoreInt64(&m.usbLastActivityNs, time.Now().UnixNano())
}

// RecordUSBRecv registers n bytes read from the USB transport.
func (m *Monitor) RecordUSBRecv(n int) {
	atomic.AddUint64(&m.usbBytesRecv, uint64(n))
	atomic.StoreInt64(&m.usbLastActivityNs, time.Now().UnixNano())
}

// RecordWifiRecv registers n bytes read from the UDP video socket.
// Wi-Fi bandwidth is receive-only: it's the video downlink that matters.
func (m *Monitor) RecordWifiRecv(n int) {
	atomic.AddUint64(&m.wifiBytesRecv, uint64(n))
	atomic.StoreInt64(&m.wifiLastActivityNs, time.Now().UnixNano())
}

// RecordUSBPing records the latest round-trip ping sample, in milliseconds.
func (m *Monitor) RecordUSBPing(rtt time.Duration) {
	m.mu.Lock()
	m.usbPingMs = float64(rtt) / float64(time.Millisecond)
	m.mu.Unlock()
}

// RecordWifiLoss records the latest Wi-Fi packet loss sample, as a
// fraction in [0, 1].
func (m *Monitor) RecordWifiLoss(rate float64) {
	m.mu.Lock()
	m.wifiLoss = rate
	m.mu.Unlock()
}

// Update computes fresh UsbStats/WifiStats from the byte counters if at
// least minUpdateInterval has elapsed since the last computation;
// otherwise it returns the cached snapshot from the last call. The second
// return value reports whether a fresh computation happened.
func (m *Monitor) Update(now time.Time) (UsbStats, WifiStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastUpdate.IsZero() && now.Sub(m.lastUpdate) < minUpdateInterval {
		return m.lastUsb, m.lastWifi, false
	}

	elapsed := now.Sub(m.lastUpdate)
	usbSent := atomic.LoadUint64(&m.usbBytesSent)
	usbRecv := atomic.LoadUint64(&m.usbBytesRecv)
	usbTotal := usbSent + usbRecv
	wifiRecv := atomic.LoadUint64(&m.wifiBytesRecv)

	var usbMbps, wifiMbps float64
	if m.lastUpdate.IsZero() {
		// First call has no prior sample to delta against.
		elapsed = 0
	} else if elapsed > 0 {
		usbDelta := usbTotal - m.prevUsbBytes
		wifiDelta := wifiRecv - m.prevWifiRecv
		secs := elapsed.Seconds()
		usbMbps = float64(usbDelta) * 8 / secs / 1e6
		wifiMbps = float64(wifiDelta) * 8 / secs / 1e6
	}

	usbLastActivity := time.Unix(0, atomic.LoadInt64(&m.usbLastActivityNs))
	wifiLastActivity := time.Unix(0, atomic.LoadInt64(&m.wifiLastActivityNs))
	usbAlive := atomic.LoadInt64(&m.usbLastActivityNs) != 0 && now.Sub(usbLastActivity) <= aliveTimeout
	wifiAlive := atomic.LoadInt64(&m.wifiLastActivityNs) != 0 && now.Sub(wifiLastActivity) <= aliveTimeout

	m.lastUsb = UsbStats{
		BandwidthMbps: usbMbps,
		PingRTTMs:     m.usbPingMs,
		IsCongested:   usbMbps > congestionThresholdMbps || time.Duration(m.usbPingMs*float64(time.Millisecond)) > congestionThresholdRTT,
		IsAlive:       usbAlive,
	}
	m.lastWifi = WifiStats{
		BandwidthMbps:  wifiMbps,
		PacketLossRate: m.wifiLoss,
		IsAlive:        wifiAlive,
	}

	m.prevUsbBytes = usbTotal
	m.prevWifiRecv = wifiRecv
	m.lastUpdate = now

	return m.lastUsb, m.lastWifi, true
}
