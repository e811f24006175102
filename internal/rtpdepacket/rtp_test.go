package rtpdepacket

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"

	"github.com/mirage-project/mirage/internal/merr"
)

func packetize(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      0,
			SSRC:           1,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp packet: %v", err)
	}
	return buf
}

func collect(t *testing.T) (*Depacketizer, *[][]byte) {
	t.Helper()
	var nals [][]byte
	d := New(DefaultConfig(), func(nal []byte) {
		nals = append(nals, append([]byte(nil), nal...))
	})
	return d, &nals
}

func nalByte(typ byte) byte { return typ & nalTypeMask }

func TestSingleNalIDRPassesImmediately(t *testing.T) {
	d, nals := collect(t)
	idr := append([]byte{nalByte(nalTypeIDR)}, []byte("idr-bytes")...)
	if err := d.Feed(packetize(t, 1, idr)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(*nals) != 1 {
		t.Fatalf("got %d nals, want 1", len(*nals))
	}
	if !bytes.HasPrefix((*nals)[0], annexB) {
		t.Errorf("emitted nal missing annex-b prefix: %x", (*nals)[0])
	}
}

func TestNonIDRDiscardedWhileAwaitingIDR(t *testing.T) {
	d, nals := collect(t)
	pSlice := append([]byte{nalByte(1)}, []byte("p-slice")...)
	if err := d.Feed(packetize(t, 1, pSlice)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(*nals) != 0 {
		t.Fatalf("got %d nals before any IDR, want 0", len(*nals))
	}
}

func TestGapSetsAwaitingIDRAndDiscardsFU(t *testing.T) {
	d, nals := collect(t)
	idr := append([]byte{nalByte(nalTypeIDR)}, []byte("idr")...)
	if err := d.Feed(packetize(t, 1, idr)); err != nil {
		t.Fatalf("Feed idr: %v", err)
	}
	*nals = nil

	// Start a FU-A, then jump the sequence: the in-progress buffer must be
	// discarded and subsequent P-slices dropped until the next IDR.
	fuIndicator := byte(0x00) | nalTypeFUA
	fuStartHeader := byte(0x80) | 1 // start bit, NAL type 1 (non-IDR slice)
	if err := d.Feed(packetize(t, 2, []byte{fuIndicator, fuStartHeader, 'a', 'b'})); err != nil {
		t.Fatalf("Feed fu start: %v", err)
	}

	// Skip seq 3, jump to 4: gap.
	pSlice := append([]byte{nalByte(1)}, []byte("p")...)
	if err := d.Feed(packetize(t, 4, pSlice)); err != nil {
		t.Fatalf("Feed after gap: %v", err)
	}
	stats := d.Stats()
	if stats.GapsDetected != 1 {
		t.Errorf("GapsDetected = %d, want 1", stats.GapsDetected)
	}
	if !stats.AwaitingIDR {
		t.Errorf("AwaitingIDR = false, want true after gap")
	}
	if len(*nals) != 0 {
		t.Errorf("got %d nals after gap with no new IDR, want 0", len(*nals))
	}
}

func TestFUAReassembly(t *testing.T) {
	d, nals := collect(t)
	original := append([]byte{nalByte(nalTypeIDR)}, bytes.Repeat([]byte{0xAB}, 40)...)

	fnri := original[0] & 0xE0
	naluType := original[0] & nalTypeMask
	body := original[1:]

	chunks := [][]byte{body[:10], body[10:25], body[25:]}
	for i, chunk := range chunks {
		var header byte = naluType
		if i == 0 {
			header |= 0x80
		}
		if i == len(chunks)-1 {
			header |= 0x40
		}
		payload := append([]byte{fnri | nalTypeFUA, header}, chunk...)
		if err := d.Feed(packetize(t, uint16(i+1), payload)); err != nil {
			t.Fatalf("Feed fu chunk %d: %v", i, err)
		}
	}

	if len(*nals) != 1 {
		t.Fatalf("got %d nals, want 1 reassembled NAL", len(*nals))
	}
	got := (*nals)[0][len(annexB):]
	if !bytes.Equal(got, original) {
		t.Errorf("reassembled = %x, want %x", got, original)
	}
}

func TestFUAOversizeRejected(t *testing.T) {
	d, _ := collect(t)
	d.cfg.MaxNalSize = 16

	fnri := byte(0)
	naluType := byte(1)
	start := append([]byte{fnri | nalTypeFUA, 0x80 | naluType}, bytes.Repeat([]byte{0x11}, 10)...)
	if err := d.Feed(packetize(t, 1, start)); err != nil {
		t.Fatalf("Feed start: %v", err)
	}
	cont := append([]byte{fnri | nalTypeFUA, naluType}, bytes.Repeat([]byte{0x22}, 20)...)
	err := d.Feed(packetize(t, 2, cont))
	if !errors.Is(err, merr.ErrOversize) {
		t.Fatalf("err = %v, want ErrOversize", err)
	}
	if d.Stats().OversizeDropped != 1 {
		t.Errorf("OversizeDropped = %d, want 1", d.Stats().OversizeDropped)
	}
}

func TestSTAPASplitsIntoMultipleNALs(t *testing.T) {
	d, nals := collect(t)
	sps := append([]byte{nalByte(nalTypeSPS)}, []byte("sps")...)
	pps := append([]byte{nalByte(nalTypePPS)}, []byte("pps")...)

	var stap bytes.Buffer
	stap.WriteByte(nalTypeSTAPA)
	for _, nal := range [][]byte{sps, pps} {
		stap.WriteByte(byte(len(nal) >> 8))
		stap.WriteByte(byte(len(nal)))
		stap.Write(nal)
	}
	if err := d.Feed(packetize(t, 1, stap.Bytes())); err != nil {
		t.Fatalf("Feed stap-a: %v", err)
	}
	// SPS/PPS are cached, not emitted, until the next IDR.
	if len(*nals) != 0 {
		t.Fatalf("got %d nals from SPS/PPS alone, want 0 (cached only)", len(*nals))
	}

	idr := append([]byte{nalByte(nalTypeIDR)}, []byte("idr")...)
	if err := d.Feed(packetize(t, 2, idr)); err != nil {
		t.Fatalf("Feed idr: %v", err)
	}
	if len(*nals) != 3 {
		t.Fatalf("got %d nals after IDR, want 3 (sps, pps, idr)", len(*nals))
	}
}

func TestParameterSetsReemittedAcrossGap(t *testing.T) {
	d, nals := collect(t)
	sps := append([]byte{nalByte(nalTypeSPS)}, []byte("sps")...)
	if err := d.Feed(packetize(t, 1, sps)); err != nil {
		t.Fatalf("Feed sps: %v", err)
	}
	// Force a gap by jumping the sequence number.
	idr := append([]byte{nalByte(nalTypeIDR)}, []byte("idr")...)
	if err := d.Feed(packetize(t, 10, idr)); err != nil {
		t.Fatalf("Feed idr: %v", err)
	}
	if len(*nals) != 2 {
		t.Fatalf("got %d nals, want 2 (cached sps, then idr)", len(*nals))
	}
}
