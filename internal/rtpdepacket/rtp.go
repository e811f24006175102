// Package rtpdepacket implements per-stream H.264/RTP reassembly: NAL
// reassembly (single / aggregated / fragmented), sequence-gap detection,
// parameter-set caching, and IDR-recovery gating.
package rtpdepacket

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/mirage-project/mirage/internal/merr"
	"github.com/mirage-project/mirage/internal/mlog"
)

const (
	nalTypeMask  = 0x1F
	nalTypeIDR   = 5
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

var annexB = []byte{0x00, 0x00, 0x00, 0x01}

// Config bounds the depacketizer's reassembly and parameter-set caches,
// per the configuration surface's max_nal_size/max_sps_size/max_pps_size.
type Config struct {
	MaxNalSize int
	MaxSpsSize int
	MaxPpsSize int
}

func DefaultConfig() Config {
	return Config{MaxNalSize: 2 << 20, MaxSpsSize: 256, MaxPpsSize: 256}
}

// Depacketizer holds one stream's reassembly state. Feed, FeedNAL and the
// accessors serialize on an internal mutex; a HybridReceiver owns exactly
// one per device.
type Depacketizer struct {
	cfg Config

	mu sync.Mutex

	haveLastSeq bool
	lastSeq     uint16
	awaitingIDR bool

	fuActive bool
	fuHeader byte
	fuBuf    []byte

	cachedSPS     []byte
	cachedPPS     []byte
	haveValidSPS  bool
	width, height int32

	gapsDetected    uint64
	oversizeDropped uint64

	emit func(nal []byte)
	log  *mlog.Throttle
}

// New returns a Depacketizer that calls emit with an Annex-B prefixed NAL
// unit for every completed, gate-passing unit. The stream starts in the
// awaiting-IDR state, matching a fresh connection with no decoder context.
func New(cfg Config, emit func(nal []byte)) *Depacketizer {
	if cfg.MaxNalSize <= 0 {
		cfg.MaxNalSize = 2 << 20
	}
	if cfg.MaxSpsSize <= 0 {
		cfg.MaxSpsSize = 256
	}
	if cfg.MaxPpsSize <= 0 {
		cfg.MaxPpsSize = 256
	}
	return &Depacketizer{cfg: cfg, emit: emit, awaitingIDR: true, log: mlog.NewThrottle(5, 200)}
}

// Feed parses one RTP packet and emits zero or more NAL units.
func (d *Depacketizer) Feed(packet []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return fmt.Errorf("%w: rtp unmarshal: %v", merr.ErrProtocolInvalid, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.checkGap(pkt.SequenceNumber)

	if len(pkt.Payload) == 0 {
		return nil
	}
	switch pkt.Payload[0] & nalTypeMask {
	case nalTypeSTAPA:
		return d.handleSTAPA(pkt.Payload)
	case nalTypeFUA:
		return d.handleFUA(pkt.Payload)
	default:
		return d.handleSingle(pkt.Payload)
	}
}

// FeedNAL hands the depacketizer a NAL unit extracted directly from the USB
// video-ingress framing (VideoIngest.Scan), bypassing RTP unwrap. The USB
// transport delivers bytes contiguously within one device (spec.md §5's
// ordering guarantee), so there is no sequence-gap tracking on this path —
// only the UDP/RTP path needs it, since only UDP packets can be lost or
// reordered in flight.
func (d *Depacketizer) FeedNAL(nal []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(nal) > d.cfg.MaxNalSize {
		d.oversizeDropped++
		return fmt.Errorf("%w: nal size %d exceeds %d", merr.ErrOversize, len(nal), d.cfg.MaxNalSize)
	}
	return d.handleSingle(nal)
}

func (d *Depacketizer) checkGap(seq uint16) {
	if d.haveLastSeq {
		expected := d.lastSeq + 1
		if seq != expected {
			d.gapsDetected++
			d.awaitingIDR = true
			d.fuActive = false
			d.fuBuf = nil
			d.log.Printf("gap", "rtpdepacket: sequence gap: got %d want %d", seq, expected)
		}
	}
	d.lastSeq = seq
	d.haveLastSeq = true
}

func (d *Depacketizer) handleSingle(nal []byte) error {
	if len(nal) == 0 {
		return nil
	}
	switch nal[0] & nalTypeMask {
	case nalTypeSPS:
		d.cacheSPS(nal)
	case nalTypePPS:
		d.cachePPS(nal)
	case nalTypeIDR:
		d.emitParameterSets()
		d.awaitingIDR = false
		d.emitNAL(nal)
	default:
		if !d.awaitingIDR {
			d.emitNAL(nal)
		}
	}
	return nil
}

func (d *Depacketizer) handleSTAPA(payload []byte) error {
	buf := payload[1:]
	for len(buf) >= 2 {
		n := int(buf[0])<<8 | int(buf[1])
		buf = buf[2:]
		if n > len(buf) {
			return fmt.Errorf("%w: stap-a length %d exceeds remaining %d", merr.ErrProtocolInvalid, n, len(buf))
		}
		if err := d.handleSingle(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (d *Depacketizer) handleFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("%w: fu-a payload too short", merr.ErrProtocolInvalid)
	}
	indicator := payload[0]
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0
	fragType := header & nalTypeMask

	if start {
		d.fuActive = true
		d.fuHeader = indicator&0xE0 | fragType
		d.fuBuf = append(d.fuBuf[:0], d.fuHeader)
	} else if !d.fuActive {
		return nil // joined mid-fragment; wait for the next start bit
	}

	d.fuBuf = append(d.fuBuf, payload[2:]...)
	if len(d.fuBuf) > d.cfg.MaxNalSize {
		d.oversizeDropped++
		d.fuActive = false
		d.fuBuf = nil
		return fmt.Errorf("%w: fu-a reassembly exceeds %d bytes", merr.ErrOversize, d.cfg.MaxNalSize)
	}

	if end {
		nal := d.fuBuf
		d.fuActive = false
		d.fuBuf = nil
		return d.handleSingle(nal)
	}
	return nil
}

func (d *Depacketizer) cacheSPS(nal []byte) {
	if len(nal) > d.cfg.MaxSpsSize {
		d.oversizeDropped++
		d.log.Printf("sps-oversize", "rtpdepacket: dropping oversized SPS (%d bytes)", len(nal))
		return
	}
	d.cachedSPS = append(d.cachedSPS[:0], nal...)
	if w, h, ok := parseSPSDimensions(nal); ok {
		d.width, d.height = w, h
		d.haveValidSPS = true
	}
}

func (d *Depacketizer) cachePPS(nal []byte) {
	if len(nal) > d.cfg.MaxPpsSize {
		d.oversizeDropped++
		d.log.Printf("pps-oversize", "rtpdepacket: dropping oversized PPS (%d bytes)", len(nal))
		return
	}
	d.cachedPPS = append(d.cachedPPS[:0], nal...)
}

// emitParameterSets resends the cached SPS/PPS immediately before an IDR,
// regardless of whether they arrived before or after a gap.
func (d *Depacketizer) emitParameterSets() {
	if len(d.cachedSPS) > 0 {
		d.emitNAL(d.cachedSPS)
	}
	if len(d.cachedPPS) > 0 {
		d.emitNAL(d.cachedPPS)
	}
}

func (d *Depacketizer) emitNAL(nal []byte) {
	if d.emit == nil {
		return
	}
	framed := make([]byte, 0, len(annexB)+len(nal))
	framed = append(framed, annexB...)
	framed = append(framed, nal...)
	d.emit(framed)
}

// Dimensions returns the width/height parsed from the most recently cached
// SPS, and whether a valid SPS has been seen yet.
func (d *Depacketizer) Dimensions() (width, height int32, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height, d.haveValidSPS
}

// Stats snapshots the depacketizer's error counters.
type Stats struct {
	GapsDetected    uint64
	OversizeDropped uint64
	AwaitingIDR     bool
}

func (d *Depacketizer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{GapsDetected: d.gapsDetected, OversizeDropped: d.oversizeDropped, AwaitingIDR: d.awaitingIDR}
}
