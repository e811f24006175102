// Package hybridreceiver implements HybridReceiver: the per-device façade
// binding a VideoIngest ring to an RtpDepacketizer and a DecodeStage, and
// tracking which transport most recently delivered video bytes.
package hybridreceiver

import (
	"context"
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/bandwidth"
	"github.com/mirage-project/mirage/internal/decodestage"
	"github.com/mirage-project/mirage/internal/latestframe"
	"github.com/mirage-project/mirage/internal/rtpdepacket"
	"github.com/mirage-project/mirage/internal/videoingest"
)

// Source is which transport most recently delivered video bytes.
type Source string

const (
	SourceNone Source = ""
	SourceUSB  Source = "USB"
	SourceWifi Source = "WIFI"
)

// Config bounds the receiver's ring buffer, depacketizer, and decode stage.
type Config struct {
	RingBufferSize int
	MaxNalSize     int
	MaxSpsSize     int
	MaxPpsSize     int
	QueueSize      int
	QueueMode      decodestage.Mode
	// SourceSwitchCooldown clamps how often active_source may flip, so a
	// burst of interleaved USB/Wi-Fi bytes doesn't thrash the indicator.
	SourceSwitchCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		RingBufferSize:       1 << 20,
		MaxNalSize:           2 << 20,
		MaxSpsSize:           256,
		MaxPpsSize:           256,
		QueueSize:            decodestage.DefaultQueueSize,
		QueueMode:            decodestage.DropOldest,
		SourceSwitchCooldown: 3 * time.Second,
	}
}

// Snapshot is one periodic stats sample: rate, fps, and per-source
// bandwidth, advanced each time TakeLatestFrame is called.
type Snapshot struct {
	ActiveSource    Source
	Width, Height   int32
	GapsDetected    uint64
	OversizeDropped uint64
	QueueDepth      int
	Decoded         uint64
	Dropped         uint64
	Failures        uint64
	FPS             float64
	USB             bandwidth.UsbStats
	Wifi            bandwidth.WifiStats
}

// Receiver owns exactly one VideoIngest ring, one RtpDepacketizer, one
// DecodeStage, and one LatestFrame slot for a single logical device.
type Receiver struct {
	cfg Config

	ring     *videoingest.Ring
	depacket *rtpdepacket.Depacketizer
	stage    *decodestage.Stage
	slot     *latestframe.Slot
	bw       *bandwidth.Monitor

	mu             sync.Mutex
	activeSource   Source
	lastSwitch     time.Time
	lastStatsAt    time.Time
	decodedAtSnap  uint64
	lastSnapshot   Snapshot
}

// New returns a Receiver decoding through decoder, tapping bw for bandwidth
// accounting. onDecodeError, if non-nil, is called off the hot path for
// every decode failure.
func New(cfg Config, decoder decodestage.Decoder, bw *bandwidth.Monitor, onDecodeError func(error)) *Receiver {
	if cfg.RingBufferSize <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.SourceSwitchCooldown <= 0 {
		cfg.SourceSwitchCooldown = 3 * time.Second
	}

	slot := &latestframe.Slot{}
	stage := decodestage.New(decodestage.Config{QueueSize: cfg.QueueSize, Mode: cfg.QueueMode}, decoder, slot, onDecodeError)
	depacket := rtpdepacket.New(rtpdepacket.Config{
		MaxNalSize: cfg.MaxNalSize,
		MaxSpsSize: cfg.MaxSpsSize,
		MaxPpsSize: cfg.MaxPpsSize,
	}, func(nal []byte) { stage.Enqueue(nal) })
	ring := videoingest.New(cfg.RingBufferSize, videoingest.FramingVID0, cfg.MaxSpsSize, cfg.MaxPpsSize)

	return &Receiver{
		cfg:      cfg,
		ring:     ring,
		depacket: depacket,
		stage:    stage,
		slot:     slot,
		bw:       bw,
	}
}

// Start launches the decode-stage worker; it runs until ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) {
	go r.stage.Run(ctx)
}

// FeedUSBBytes hands raw bytes just read off the USB bulk-IN endpoint to
// the ring buffer, draining any complete framed payloads straight into the
// depacketizer (bypassing RTP unwrap — see Depacketizer.FeedNAL).
func (r *Receiver) FeedUSBBytes(b []byte) {
	r.ring.Write(b)
	r.ring.Scan(func(p videoingest.Payload) {
		_ = r.depacket.FeedNAL(p.Bytes)
	})
	if r.bw != nil {
		r.bw.RecordUSBRecv(len(b))
	}
	r.noteSource(SourceUSB, time.Now())
}

// FeedUDPPacket hands one UDP video datagram (a raw RTP packet) straight to
// the depacketizer.
func (r *Receiver) FeedUDPPacket(b []byte) {
	_ = r.depacket.Feed(b)
	if r.bw != nil {
		r.bw.RecordWifiRecv(len(b))
	}
	r.noteSource(SourceWifi, time.Now())
}

// noteSource updates the active-source indicator, clamped so it can't flip
// again within SourceSwitchCooldown of its last flip.
func (r *Receiver) noteSource(s Source, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeSource == s {
		return
	}
	if !r.lastSwitch.IsZero() && now.Sub(r.lastSwitch) < r.cfg.SourceSwitchCooldown {
		return
	}
	r.activeSource = s
	r.lastSwitch = now
}

// TakeLatestFrame returns the most recently decoded frame, if any new one
// has arrived since the last call, and advances the periodic stats
// snapshot (rate, fps, bandwidth per source) returned by Stats.
func (r *Receiver) TakeLatestFrame() (latestframe.Frame, bool) {
	frame, ok := r.slot.Take()
	r.advanceSnapshot(time.Now())
	return frame, ok
}

func (r *Receiver) advanceSnapshot(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	depacketStats := r.depacket.Stats()
	width, height, _ := r.depacket.Dimensions()
	stageStats := r.stage.Stats()

	var fps float64
	if !r.lastStatsAt.IsZero() {
		if elapsed := now.Sub(r.lastStatsAt).Seconds(); elapsed > 0 {
			fps = float64(stageStats.Decoded-r.decodedAtSnap) / elapsed
		}
	}
	r.decodedAtSnap = stageStats.Decoded
	r.lastStatsAt = now

	var usb bandwidth.UsbStats
	var wifi bandwidth.WifiStats
	if r.bw != nil {
		usb, wifi, _ = r.bw.Update(now)
	}

	r.lastSnapshot = Snapshot{
		ActiveSource:    r.activeSource,
		Width:           width,
		Height:          height,
		GapsDetected:    depacketStats.GapsDetected,
		OversizeDropped: depacketStats.OversizeDropped,
		QueueDepth:      stageStats.Queued,
		Decoded:         stageStats.Decoded,
		Dropped:         stageStats.Dropped,
		Failures:        stageStats.Failures,
		FPS:             fps,
		USB:             usb,
		Wifi:            wifi,
	}
}

// Stats returns the most recently advanced snapshot without forcing a new
// one (use TakeLatestFrame to advance it).
func (r *Receiver) Stats() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSnapshot
}

// RingOverflows returns the count of ring-buffer overflow events, useful
// for diagnosing a USB receive driver that can't keep up.
func (r *Receiver) RingOverflows() uint64 {
	return r.ring.Overflows()
}

// Stop idles the decode worker. Start relies on ctx cancellation instead;
// Stop exists for callers that want to tear a single device down without
// cancelling a shared context.
func (r *Receiver) Stop() {
	r.stage.Stop()
}
