package wire

import (
	"encoding/binary"
	"fmt"
)

// TapPayload is the 20-byte payload for CmdTap: x, y, screen_w, screen_h,
// flags, each a 4-byte little-endian signed integer.
type TapPayload struct {
	X, Y             int32
	ScreenW, ScreenH int32
	Flags            int32
}

func (p TapPayload) Encode() []byte {
	buf := make([]byte, 20)
	putI32(buf[0:4], p.X)
	putI32(buf[4:8], p.Y)
	putI32(buf[8:12], p.ScreenW)
	putI32(buf[12:16], p.ScreenH)
	putI32(buf[16:20], p.Flags)
	return buf
}

func DecodeTapPayload(b []byte) (TapPayload, error) {
	if len(b) < 20 {
		return TapPayload{}, fmt.Errorf("tap payload too short: %d bytes", len(b))
	}
	return TapPayload{
		X:       getI32(b[0:4]),
		Y:       getI32(b[4:8]),
		ScreenW: getI32(b[8:12]),
		ScreenH: getI32(b[12:16]),
		Flags:   getI32(b[16:20]),
	}, nil
}

// SwipePayload is the 24-byte payload for CmdSwipe.
type SwipePayload struct {
	X1, Y1, X2, Y2 int32
	DurationMs     int32
	Flags          int32
}

func (p SwipePayload) Encode() []byte {
	buf := make([]byte, 24)
	putI32(buf[0:4], p.X1)
	putI32(buf[4:8], p.Y1)
	putI32(buf[8:12], p.X2)
	putI32(buf[12:16], p.Y2)
	putI32(buf[16:20], p.DurationMs)
	putI32(buf[20:24], p.Flags)
	return buf
}

func DecodeSwipePayload(b []byte) (SwipePayload, error) {
	if len(b) < 24 {
		return SwipePayload{}, fmt.Errorf("swipe payload too short: %d bytes", len(b))
	}
	return SwipePayload{
		X1:         getI32(b[0:4]),
		Y1:         getI32(b[4:8]),
		X2:         getI32(b[8:12]),
		Y2:         getI32(b[12:16]),
		DurationMs: getI32(b[16:20]),
		Flags:      getI32(b[20:24]),
	}, nil
}

// BackPayload is the 4-byte payload for CmdBack.
type BackPayload struct {
	Flags int32
}

func (p BackPayload) Encode() []byte {
	buf := make([]byte, 4)
	putI32(buf[0:4], p.Flags)
	return buf
}

// KeyPayload is the 8-byte payload for CmdKey.
type KeyPayload struct {
	Keycode int32
	Flags   int32
}

func (p KeyPayload) Encode() []byte {
	buf := make([]byte, 8)
	putI32(buf[0:4], p.Keycode)
	putI32(buf[4:8], p.Flags)
	return buf
}

// VideoFPSPayload is the 4-byte payload for CmdVideoFPS.
type VideoFPSPayload struct {
	FPS int32
}

func (p VideoFPSPayload) Encode() []byte {
	buf := make([]byte, 4)
	putI32(buf[0:4], p.FPS)
	return buf
}

// VideoRouteMode selects which transport carries video.
type VideoRouteMode uint8

const (
	VideoRouteUSB  VideoRouteMode = 0
	VideoRouteWifi VideoRouteMode = 1
)

// VideoRoutePayload is the variable-length payload for CmdVideoRoute: mode
// (1 byte), host length (1 byte), host bytes, port (2 bytes big-endian).
type VideoRoutePayload struct {
	Mode VideoRouteMode
	Host string
	Port uint16
}

func (p VideoRoutePayload) Encode() []byte {
	hostBytes := []byte(p.Host)
	buf := make([]byte, 2+len(hostBytes)+2)
	buf[0] = byte(p.Mode)
	buf[1] = byte(len(hostBytes))
	copy(buf[2:2+len(hostBytes)], hostBytes)
	binary.BigEndian.PutUint16(buf[2+len(hostBytes):], p.Port)
	return buf
}

func DecodeVideoRoutePayload(b []byte) (VideoRoutePayload, error) {
	if len(b) < 2 {
		return VideoRoutePayload{}, fmt.Errorf("video-route payload too short")
	}
	mode := VideoRouteMode(b[0])
	hostLen := int(b[1])
	if len(b) < 2+hostLen+2 {
		return VideoRoutePayload{}, fmt.Errorf("video-route payload truncated")
	}
	host := string(b[2 : 2+hostLen])
	port := binary.BigEndian.Uint16(b[2+hostLen : 2+hostLen+2])
	return VideoRoutePayload{Mode: mode, Host: host, Port: port}, nil
}

// AckPayload is the acknowledgement payload: at least 5 bytes, byte index 4
// is the status (0 = OK).
type AckPayload struct {
	AckSeq uint32
	Status uint8
}

func (p AckPayload) Encode() []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], p.AckSeq)
	buf[4] = p.Status
	return buf
}

func DecodeAckPayload(b []byte) (AckPayload, error) {
	if len(b) < 5 {
		return AckPayload{}, fmt.Errorf("ack payload too short: %d bytes", len(b))
	}
	return AckPayload{
		AckSeq: binary.LittleEndian.Uint32(b[0:4]),
		Status: b[4],
	}, nil
}

func putI32(b []byte, v int32) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}

func getI32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}
