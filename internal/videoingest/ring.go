// Package videoingest implements the single-producer/single-consumer ring
// buffer fed by USB bulk-IN completions, and the frame delimiter scan that
// pulls out device-framed video payloads for the RTP depacketizer.
//
// The producer is the USB receive driver (one goroutine per device); the
// consumer is the scan loop below. Index arithmetic is modulo capacity, and
// overflow is drop-oldest-with-counter rather than block, matching the
// ring buffer design note.
package videoingest

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// FramingMode selects which 4-byte marker the scan loop looks for.
type FramingMode int

const (
	// FramingControl recognizes the same "MIRA" magic as the control wire
	// format.
	FramingControl FramingMode = iota
	// FramingVID0 recognizes the "VID0" marker used by the USB video
	// ingress framing.
	FramingVID0
)

// vid0Magic is the literal 0x56494430 ("VID0") marker, little-endian on
// the wire like the control magic.
const vid0Magic uint32 = 0x56494430

// miraMagic mirrors wire.Magic without importing the wire package, so
// videoingest has no dependency on the control codec.
const miraMagic uint32 = 0x4D495241

// frameHeaderSize is the marker (4 bytes) + length field (4 bytes) that
// precedes every video-ingress payload, regardless of framing mode.
const frameHeaderSize = 8

// Ring is a fixed-capacity byte ring buffer with a single writer (the USB
// receive driver) and a single reader (the scan loop). Write and Scan hold
// mu; Overflows is an atomic counter so a reader of stats doesn't need to
// synchronize with the writer.
type Ring struct {
	buf      []byte
	head     int // next write position
	tail     int // next read position
	size     int // bytes currently buffered
	mode     FramingMode
	maxSps   int
	maxPps   int
	overflow uint64

	mu sync.Mutex // guards head/tail/size across Write and Scan

	awaitingIDR bool
}

// New returns a Ring of the given capacity in the given framing mode.
func New(capacity int, mode FramingMode, maxSps, maxPps int) *Ring {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	return &Ring{buf: make([]byte, capacity), mode: mode, maxSps: maxSps, maxPps: maxPps}
}

// Write appends chunk to the ring. If the free region is smaller than
// len(chunk), the oldest (need-free) bytes are dropped and Overflows is
// incremented, per the drop-oldest overflow policy.
func (r *Ring) Write(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(chunk)
	cap := len(r.buf)
	if n > cap {
		// Larger than the whole ring: keep only the tail of chunk.
		chunk = chunk[n-cap:]
		n = len(chunk)
		atomic.AddUint64(&r.overflow, 1)
	}

	free := cap - r.size
	if n > free {
		need := n - free
		r.tail = (r.tail + need) % cap
		r.size -= need
		atomic.AddUint64(&r.overflow, 1)
	}

	// Copy with wrap.
	end := r.head + n
	if end <= cap {
		copy(r.buf[r.head:end], chunk)
	} else {
		first := cap - r.head
		copy(r.buf[r.head:], chunk[:first])
		copy(r.buf[0:], chunk[first:])
	}
	r.head = (r.head + n) % cap
	r.size += n
}

// Overflows returns the number of write-time overflow events so far.
func (r *Ring) Overflows() uint64 {
	return atomic.LoadUint64(&r.overflow)
}

// Payload is one decoded video-ingress unit handed out by Scan.
type Payload struct {
	Bytes   []byte
	IsSPS   bool
	IsPPS   bool
	IsSlice bool
}

// Scan drains every complete framed payload currently sitting in the ring,
// calling emit for each one in order. SPS/PPS packets are always passed
// through (even while the caller is gating on "awaiting IDR"); classifying
// a payload as SPS/PPS/slice is done generically by looking at the first
// NAL byte once the device-framing wrapper is stripped, leaving IDR-vs-P
// gating to the RTP depacketizer layer that consumes these payloads.
func (r *Ring) Scan(emit func(Payload)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.size < frameHeaderSize {
			return
		}
		marker := r.peekUint32(r.tail)
		wantMarker := miraMagic
		if r.mode == FramingVID0 {
			wantMarker = vid0Magic
		}
		if marker != wantMarker {
			// Resync: drop one byte and keep scanning, matching a
			// scan-for-marker strategy rather than failing hard on any
			// single corrupt byte.
			r.advanceTail(1)
			continue
		}
		length := r.peekUint32(r.tail + 4)
		total := frameHeaderSize + int(length)
		if total > len(r.buf) {
			// Corrupt length field; resync past the marker.
			r.advanceTail(4)
			continue
		}
		if r.size < total {
			return
		}

		payload := make([]byte, length)
		r.copyOut(r.tail+frameHeaderSize, payload)
		r.advanceTail(total)

		emit(classify(payload))
	}
}

// classify recognizes SPS/PPS by their NAL-type bits so the caller can let
// parameter sets through even during "awaiting IDR" gating. Size caps
// (max_sps_size / max_pps_size) are enforced by the RTP depacketizer,
// which owns the parameter-set cache these payloads ultimately feed.
func classify(b []byte) Payload {
	p := Payload{Bytes: b}
	if len(b) == 0 {
		return p
	}
	switch b[0] & 0x1F {
	case 7:
		p.IsSPS = true
	case 8:
		p.IsPPS = true
	default:
		p.IsSlice = true
	}
	return p
}

func (r *Ring) peekUint32(pos int) uint32 {
	cap := len(r.buf)
	var b [4]byte
	for i := 0; i < 4; i++ {
		b[i] = r.buf[(pos+i)%cap]
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (r *Ring) copyOut(pos int, dst []byte) {
	cap := len(r.buf)
	for i := range dst {
		dst[i] = r.buf[(pos+i)%cap]
	}
}

func (r *Ring) advanceTail(n int) {
	cap := len(r.buf)
	r.tail = (r.tail + n) % cap
	r.size -= n
	if r.size < 0 {
		r.size = 0
	}
}
