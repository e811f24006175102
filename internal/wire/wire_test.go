package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mirage-project/mirage/internal/merr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec()
	payload := []byte("hello mirage")
	frame, seq := c.Encode(CmdTap, payload)

	hdr, got, n, err := Decode(frame, DefaultControlCap)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Errorf("consumed %d, want %d", n, len(frame))
	}
	if hdr.Command != CmdTap {
		t.Errorf("command = %v, want CmdTap", hdr.Command)
	}
	if hdr.Seq != seq {
		t.Errorf("seq = %d, want %d", hdr.Seq, seq)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestSequenceMonotonic(t *testing.T) {
	c := NewCodec()
	var last uint32
	for i := 0; i < 100; i++ {
		_, seq := c.Encode(CmdPing, nil)
		if i > 0 && seq <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", seq, last)
		}
		last = seq
	}
}

func TestDecodeHeaderNeedMore(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3}, DefaultControlCap)
	if !errors.Is(err, merr.ErrNeedMore) {
		t.Errorf("err = %v, want ErrNeedMore", err)
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0xFF
	_, err := DecodeHeader(buf, DefaultControlCap)
	if !errors.Is(err, merr.ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestDecodeOversized(t *testing.T) {
	c := NewCodec()
	frame, _ := c.Encode(CmdTap, make([]byte, 100))
	_, _, _, err := Decode(frame, 50)
	if !errors.Is(err, merr.ErrOversize) {
		t.Errorf("err = %v, want ErrOversize", err)
	}
}

func TestTapPayloadRoundTrip(t *testing.T) {
	p := TapPayload{X: 100, Y: 200, ScreenW: 1080, ScreenH: 1920, Flags: 0}
	got, err := DecodeTapPayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeTapPayload: %v", err)
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestSwipePayloadRoundTrip(t *testing.T) {
	p := SwipePayload{X1: 1, Y1: 2, X2: 3, Y2: 4, DurationMs: 300, Flags: 1}
	got, err := DecodeSwipePayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeSwipePayload: %v", err)
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestVideoRoutePayloadRoundTrip(t *testing.T) {
	p := VideoRoutePayload{Mode: VideoRouteWifi, Host: "192.168.1.5", Port: 60001}
	got, err := DecodeVideoRoutePayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeVideoRoutePayload: %v", err)
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestAckPayloadRoundTrip(t *testing.T) {
	p := AckPayload{AckSeq: 42, Status: 0}
	got, err := DecodeAckPayload(p.Encode())
	if err != nil {
		t.Fatalf("DecodeAckPayload: %v", err)
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}
