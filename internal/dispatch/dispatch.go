// Package dispatch implements the three-tier per-device command dispatcher:
// HID composite, framed USB message, and a shell-command shim, tried in
// that order with fallback on failure.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/merr"
	"github.com/mirage-project/mirage/internal/mlog"
	"github.com/mirage-project/mirage/internal/wire"
)

// Tier name strings, exactly as published to callers (route controller,
// status API) — these are load-bearing string literals, not cosmetic.
const (
	TierHID    = "AOA_HID"
	TierFramed = "MIRA_USB"
	TierShell  = "ADB_FALLBACK"
	TierNone   = ""
)

// HidSink injects HID touch reports through the USB Accessory handle.
// Requires the device to have registered HID at Accessory open time.
type HidSink interface {
	Tap(x, y, screenW, screenH int32) error
	Swipe(x1, y1, x2, y2, durationMs int32) error
	LongPress(x, y int32) error
	Pinch(x1, y1, x2, y2 int32) error
}

// FramedSink pushes a typed command onto a device's USB send FIFO, encoded
// with wire.Codec, and returns the sequence number it was sent under.
type FramedSink interface {
	Send(cmd wire.Command, payload []byte) (seq uint32, err error)
}

// ShellSink invokes the host debug-bridge CLI's input subcommand.
type ShellSink interface {
	Tap(x, y int32) error
	Swipe(x1, y1, x2, y2, durationMs int32) error
	Key(keycode int32) error
}

// DefaultAckTimeout bounds how long Dispatcher waits for a framed-message
// acknowledgement before treating the attempt as a tier failure.
const DefaultAckTimeout = 2 * time.Second

type ackResult struct {
	status uint8
}

// Dispatcher is the three-tier command sender for one LogicalDevice. Any of
// hid/framed/shell may be nil, meaning that tier is unavailable.
type Dispatcher struct {
	hid    HidSink
	framed FramedSink
	shell  ShellSink

	ackTimeout time.Duration

	mu          sync.RWMutex
	currentTier string

	waitMu  sync.Mutex
	waiters map[uint32]chan ackResult

	latencyMu        sync.Mutex
	lastAckLatencyNs int64

	log *mlog.Throttle
}

// New returns a Dispatcher over the given tiers. Any sink may be nil.
func New(hid HidSink, framed FramedSink, shell ShellSink) *Dispatcher {
	return &Dispatcher{
		hid:        hid,
		framed:     framed,
		shell:      shell,
		ackTimeout: DefaultAckTimeout,
		waiters:    make(map[uint32]chan ackResult),
		log:        mlog.NewThrottle(5, 200),
	}
}

// CurrentTier returns the tier that most recently delivered an action
// successfully for this device.
func (d *Dispatcher) CurrentTier() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentTier
}

// LastAckLatency returns the round-trip latency of the most recently
// acknowledged framed message.
func (d *Dispatcher) LastAckLatency() time.Duration {
	d.latencyMu.Lock()
	defer d.latencyMu.Unlock()
	return time.Duration(d.lastAckLatencyNs)
}

func (d *Dispatcher) setTier(tier string) {
	d.mu.Lock()
	d.currentTier = tier
	d.mu.Unlock()
}

// tierAttempt is one fallback step: a name for reporting and a thunk to try.
type tierAttempt struct {
	name string
	try  func() error
}

// run tries each attempt in order, stopping at the first success. On total
// failure it returns a merr.TierFailure naming every tier tried.
func (d *Dispatcher) run(action string, attempts []tierAttempt) (tier string, err error) {
	var tried []string
	var lastErr error
	for _, a := range attempts {
		if a.try == nil {
			continue
		}
		tried = append(tried, a.name)
		if err := a.try(); err != nil {
			lastErr = err
			d.log.Printf("tier-fail", "dispatch: %s via %s failed: %v", action, a.name, err)
			continue
		}
		d.setTier(a.name)
		return a.name, nil
	}
	if len(tried) == 0 {
		return TierNone, fmt.Errorf("%w: no tiers available for %s", merr.ErrTransportUnavailable, action)
	}
	return TierNone, &merr.TierFailure{Action: action, TriedTiers: tried, LastErr: lastErr}
}

// sendFramed encodes and sends a framed command, then blocks (bounded by
// ackTimeout) for its acknowledgement, recording the round-trip latency.
func (d *Dispatcher) sendFramed(cmd wire.Command, payload []byte) error {
	if d.framed == nil {
		return merr.ErrTransportUnavailable
	}
	seq, err := d.framed.Send(cmd, payload)
	if err != nil {
		return err
	}
	ch := make(chan ackResult, 1)
	d.waitMu.Lock()
	d.waiters[seq] = ch
	d.waitMu.Unlock()

	sent := time.Now()
	select {
	case r := <-ch:
		d.latencyMu.Lock()
		d.lastAckLatencyNs = int64(time.Since(sent))
		d.latencyMu.Unlock()
		if r.status != 0 {
			return fmt.Errorf("%w: ack status %d", merr.ErrCommandTierFailure, r.status)
		}
		return nil
	case <-time.After(d.ackTimeout):
		d.waitMu.Lock()
		delete(d.waiters, seq)
		d.waitMu.Unlock()
		return fmt.Errorf("%w: no ack within %s", merr.ErrTransportTransient, d.ackTimeout)
	}
}

// HandleAck delivers an acknowledgement received on any transport to the
// waiter registered for its sequence number, if one is still waiting.
func (d *Dispatcher) HandleAck(seq uint32, status uint8) {
	d.waitMu.Lock()
	ch, ok := d.waiters[seq]
	if ok {
		delete(d.waiters, seq)
	}
	d.waitMu.Unlock()
	if ok {
		select {
		case ch <- ackResult{status: status}:
		default:
		}
	}
}

// Tap tries HID, then a framed tap command, then the shell shim.
func (d *Dispatcher) Tap(x, y, screenW, screenH int32) (string, error) {
	return d.run("tap", []tierAttempt{
		{TierHID, hidTry(d.hid, func() error { return d.hid.Tap(x, y, screenW, screenH) })},
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdTap, wire.TapPayload{X: x, Y: y, ScreenW: screenW, ScreenH: screenH}.Encode())
		})},
		{TierShell, shellTry(d.shell, func() error { return d.shell.Tap(x, y) })},
	})
}

// Swipe tries HID, then a framed swipe command, then the shell shim.
func (d *Dispatcher) Swipe(x1, y1, x2, y2, durationMs int32) (string, error) {
	return d.run("swipe", []tierAttempt{
		{TierHID, hidTry(d.hid, func() error { return d.hid.Swipe(x1, y1, x2, y2, durationMs) })},
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdSwipe, wire.SwipePayload{X1: x1, Y1: y1, X2: x2, Y2: y2, DurationMs: durationMs}.Encode())
		})},
		{TierShell, shellTry(d.shell, func() error { return d.shell.Swipe(x1, y1, x2, y2, durationMs) })},
	})
}

// Back has no HID touch-report form; it goes straight to the framed tier
// and has no shell equivalent either (adb input has no "back" verb).
func (d *Dispatcher) Back(flags int32) (string, error) {
	return d.run("back", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdBack, wire.BackPayload{Flags: flags}.Encode())
		})},
	})
}

// Key tries the framed tier, then the shell shim's keyevent form.
func (d *Dispatcher) Key(keycode, flags int32) (string, error) {
	return d.run("key", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdKey, wire.KeyPayload{Keycode: keycode, Flags: flags}.Encode())
		})},
		{TierShell, shellTry(d.shell, func() error { return d.shell.Key(keycode) })},
	})
}

// ClickByID has only a framed form; there is no HID or shell equivalent for
// resolving an on-screen element by identifier.
func (d *Dispatcher) ClickByID(id string) (string, error) {
	return d.run("click_by_id", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdClickByID, []byte(id))
		})},
	})
}

// ClickByText has only a framed form.
func (d *Dispatcher) ClickByText(text string) (string, error) {
	return d.run("click_by_text", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdClickByText, []byte(text))
		})},
	})
}

// LongPress skips tier 2: no framed form exists for a long press, so it
// falls from HID straight to the shell shim.
func (d *Dispatcher) LongPress(x, y int32) (string, error) {
	return d.run("long_press", []tierAttempt{
		{TierHID, hidTry(d.hid, func() error { return d.hid.LongPress(x, y) })},
		{TierShell, shellTry(d.shell, func() error { return d.shell.Swipe(x, y, x, y, 600) })},
	})
}

// Pinch is HID-only; there is no fallback tier.
func (d *Dispatcher) Pinch(x1, y1, x2, y2 int32) (string, error) {
	return d.run("pinch", []tierAttempt{
		{TierHID, hidTry(d.hid, func() error { return d.hid.Pinch(x1, y1, x2, y2) })},
	})
}

// VideoFPS has only a framed form; the device's capture service has no HID
// or shell surface for frame-rate control.
func (d *Dispatcher) VideoFPS(fps int32) (string, error) {
	return d.run("video_fps", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdVideoFPS, wire.VideoFPSPayload{FPS: fps}.Encode())
		})},
	})
}

// VideoRoute has only a framed form.
func (d *Dispatcher) VideoRoute(mode wire.VideoRouteMode, host string, port uint16) (string, error) {
	return d.run("video_route", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdVideoRoute, wire.VideoRoutePayload{Mode: mode, Host: host, Port: port}.Encode())
		})},
	})
}

// VideoIDRRequest has only a framed form.
func (d *Dispatcher) VideoIDRRequest() (string, error) {
	return d.run("video_idr_request", []tierAttempt{
		{TierFramed, framedTry(d.framed, func() error {
			return d.sendFramed(wire.CmdVideoIDRRequest, nil)
		})},
	})
}

func hidTry(sink HidSink, fn func() error) func() error {
	if sink == nil {
		return nil
	}
	return fn
}

func framedTry(sink FramedSink, fn func() error) func() error {
	if sink == nil {
		return nil
	}
	return fn
}

func shellTry(sink ShellSink, fn func() error) func() error {
	if sink == nil {
		return nil
	}
	return fn
}
