// Package wire implements the framed message format shared by the USB
// bulk transport and the UDP control channel: a 14-byte little-endian
// header (magic, version, command, sequence, payload length) followed by
// the payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/mirage-project/mirage/internal/merr"
)

// Magic is the literal 4-byte "MIRA" magic, little-endian on the wire.
const Magic uint32 = 0x4D495241

// Version is the only wire version this codec speaks.
const Version uint8 = 1

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 14

// Command codes, per the external interface table.
type Command uint8

const (
	CmdPing            Command = 0x01
	CmdTap             Command = 0x02
	CmdSwipe           Command = 0x03
	CmdBack            Command = 0x04
	CmdKey             Command = 0x05
	CmdClickByID       Command = 0x06
	CmdClickByText     Command = 0x07
	CmdVideoFPS        Command = 0x08
	CmdVideoRoute      Command = 0x09
	CmdVideoIDRRequest Command = 0x0A
	CmdAudioFrame      Command = 0x0B
	CmdAck             Command = 0x80
)

// DefaultControlCap is the maximum payload length accepted for control
// frames (tap/swipe/ack/etc).
const DefaultControlCap = 64 * 1024

// DefaultNalCap is the maximum payload length accepted for reassembled
// video NAL frames.
const DefaultNalCap = 2 * 1024 * 1024

// Header is the decoded fixed portion of a FramedMessage.
type Header struct {
	Version    uint8
	Command    Command
	Seq        uint32
	PayloadLen uint32
}

// Codec encodes and decodes FramedMessages for one device, assigning
// monotonically increasing sequence numbers starting at 1 (0 is reserved
// for "not applicable / failure").
type Codec struct {
	seq uint32
}

// NewCodec returns a Codec whose next assigned sequence number is 1.
func NewCodec() *Codec {
	return &Codec{}
}

// NextSeq allocates and returns the next sequence number without encoding
// a message, for callers (like the command dispatcher) that need to know
// the sequence number before the frame is built.
func (c *Codec) NextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// Encode assigns the next sequence number, prepends the header, and
// returns the full wire frame.
func (c *Codec) Encode(cmd Command, payload []byte) ([]byte, uint32) {
	seq := c.NextSeq()
	return EncodeWithSeq(cmd, seq, payload), seq
}

// EncodeWithSeq builds a frame using a caller-supplied sequence number
// (used when the dispatcher must know the sequence number ahead of the
// send so it can register a waiter before the bytes leave the queue).
func EncodeWithSeq(cmd Command, seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(cmd)
	binary.LittleEndian.PutUint32(buf[6:10], seq)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader parses the fixed header from buf. It returns merr.ErrNeedMore
// if buf is shorter than HeaderSize, merr.ErrBadMagic if the magic or
// version don't match, and merr.ErrOversize if the announced payload
// length exceeds maxPayload.
func DecodeHeader(buf []byte, maxPayload int) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, merr.ErrNeedMore
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, merr.ErrBadMagic
	}
	version := buf[4]
	if version != Version {
		return Header{}, fmt.Errorf("%w: version %d", merr.ErrBadMagic, version)
	}
	payloadLen := binary.LittleEndian.Uint32(buf[10:14])
	if maxPayload > 0 && int(payloadLen) > maxPayload {
		return Header{}, fmt.Errorf("%w: payload %d exceeds cap %d", merr.ErrOversize, payloadLen, maxPayload)
	}
	return Header{
		Version:    version,
		Command:    Command(buf[5]),
		Seq:        binary.LittleEndian.Uint32(buf[6:10]),
		PayloadLen: payloadLen,
	}, nil
}

// Decode parses a complete frame out of buf, returning the header, its
// payload, and the number of bytes consumed. It returns merr.ErrNeedMore if
// buf does not yet contain the full frame.
func Decode(buf []byte, maxPayload int) (Header, []byte, int, error) {
	hdr, err := DecodeHeader(buf, maxPayload)
	if err != nil {
		return Header{}, nil, 0, err
	}
	total := HeaderSize + int(hdr.PayloadLen)
	if len(buf) < total {
		return Header{}, nil, 0, merr.ErrNeedMore
	}
	payload := make([]byte, hdr.PayloadLen)
	copy(payload, buf[HeaderSize:total])
	return hdr, payload, total, nil
}
