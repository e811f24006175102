package main

import (
	"fmt"
	"sync"

	"github.com/mirage-project/mirage/internal/dispatch"
	"github.com/mirage-project/mirage/internal/merr"
	"github.com/mirage-project/mirage/internal/usbtransport"
	"github.com/mirage-project/mirage/internal/wire"
)

// usbFramedSink adapts usbtransport.Manager's busAddr-keyed Enqueue (which
// only accepts pre-encoded bytes) to dispatch.FramedSink's per-command
// Send, wire-encoding each outgoing command before handing it to the
// manager's send queue.
type usbFramedSink struct {
	mgr     *usbtransport.Manager
	busAddr string
	codec   *wire.Codec
}

func (s *usbFramedSink) Send(cmd wire.Command, payload []byte) (uint32, error) {
	frame, seq := s.codec.Encode(cmd, payload)
	if !s.mgr.Enqueue(s.busAddr, frame) {
		return seq, fmt.Errorf("usb framed sink: %w: busAddr %s not live", merr.ErrTransportUnavailable, s.busAddr)
	}
	return seq, nil
}

// dualFramedSink is the FramedSink handed to a device's Dispatcher at
// construction time, before it's known whether USB or Wi-Fi (or both)
// will be live for that device. usb/udp are filled in and cleared as
// transports attach and detach; Send tries USB first, falling back to UDP,
// mirroring the tier-fallback discipline the dispatcher itself applies one
// level up.
type dualFramedSink struct {
	mu  sync.RWMutex
	usb dispatch.FramedSink
	udp dispatch.FramedSink
}

func (s *dualFramedSink) setUSB(f dispatch.FramedSink) {
	s.mu.Lock()
	s.usb = f
	s.mu.Unlock()
}

func (s *dualFramedSink) setUDP(f dispatch.FramedSink) {
	s.mu.Lock()
	s.udp = f
	s.mu.Unlock()
}

func (s *dualFramedSink) Send(cmd wire.Command, payload []byte) (uint32, error) {
	s.mu.RLock()
	usb, udp := s.usb, s.udp
	s.mu.RUnlock()

	if usb != nil {
		if seq, err := usb.Send(cmd, payload); err == nil {
			return seq, nil
		}
	}
	if udp != nil {
		return udp.Send(cmd, payload)
	}
	return 0, fmt.Errorf("dual framed sink: %w", merr.ErrTransportUnavailable)
}
