package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/mirage-project/mirage/internal/wire"
)

type fakeHid struct {
	fail      bool
	tapCalled bool
}

func (f *fakeHid) Tap(x, y, w, h int32) error {
	f.tapCalled = true
	if f.fail {
		return errors.New("hid unavailable")
	}
	return nil
}
func (f *fakeHid) Swipe(x1, y1, x2, y2, d int32) error { return nil }
func (f *fakeHid) LongPress(x, y int32) error {
	if f.fail {
		return errors.New("hid unavailable")
	}
	return nil
}
func (f *fakeHid) Pinch(x1, y1, x2, y2 int32) error {
	if f.fail {
		return errors.New("hid unavailable")
	}
	return nil
}

type fakeFramed struct {
	seq       uint32
	fail      bool
	lastCmd   wire.Command
	lastBytes []byte
	autoAck   bool
	d         *Dispatcher
}

func (f *fakeFramed) Send(cmd wire.Command, payload []byte) (uint32, error) {
	if f.fail {
		return 0, errors.New("send failed")
	}
	f.seq++
	f.lastCmd = cmd
	f.lastBytes = payload
	if f.autoAck {
		go func(seq uint32) {
			time.Sleep(time.Millisecond)
			f.d.HandleAck(seq, 0)
		}(f.seq)
	}
	return f.seq, nil
}

type fakeShell struct {
	fail       bool
	tapCalled  bool
	keyCalled  bool
	lastKey    int32
	swipeCalls int
}

func (f *fakeShell) Tap(x, y int32) error {
	f.tapCalled = true
	if f.fail {
		return errors.New("shell failed")
	}
	return nil
}
func (f *fakeShell) Swipe(x1, y1, x2, y2, d int32) error {
	f.swipeCalls++
	if f.fail {
		return errors.New("shell failed")
	}
	return nil
}
func (f *fakeShell) Key(keycode int32) error {
	f.keyCalled = true
	f.lastKey = keycode
	if f.fail {
		return errors.New("shell failed")
	}
	return nil
}

func TestTapPrefersHIDWhenAvailable(t *testing.T) {
	hid := &fakeHid{}
	d := New(hid, nil, nil)
	tier, err := d.Tap(10, 20, 1080, 1920)
	if err != nil {
		t.Fatalf("Tap: %v", err)
	}
	if tier != TierHID {
		t.Errorf("tier = %q, want %q", tier, TierHID)
	}
	if d.CurrentTier() != TierHID {
		t.Errorf("CurrentTier = %q, want %q", d.CurrentTier(), TierHID)
	}
}

func TestTapFallsBackToFramedThenShell(t *testing.T) {
	hid := &fakeHid{fail: true}
	framed := &fakeFramed{fail: true}
	shell := &fakeShell{}
	d := New(hid, framed, shell)

	tier, err := d.Tap(1, 2, 100, 200)
	if err != nil {
		t.Fatalf("Tap: %v", err)
	}
	if tier != TierShell {
		t.Errorf("tier = %q, want %q", tier, TierShell)
	}
	if !hid.tapCalled || !shell.tapCalled {
		t.Errorf("expected both hid and shell to be attempted")
	}
}

func TestAllTiersFailReturnsTierFailure(t *testing.T) {
	hid := &fakeHid{fail: true}
	framed := &fakeFramed{fail: true}
	shell := &fakeShell{fail: true}
	d := New(hid, framed, shell)

	_, err := d.Tap(1, 2, 100, 200)
	if err == nil {
		t.Fatal("expected an error when all tiers fail")
	}
	if d.CurrentTier() != TierNone {
		t.Errorf("CurrentTier = %q, want empty after total failure", d.CurrentTier())
	}
}

func TestBackHasNoHIDOrShellForm(t *testing.T) {
	framed := &fakeFramed{autoAck: true}
	d := New(&fakeHid{}, framed, &fakeShell{})
	framed.d = d
	tier, err := d.Back(0)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if tier != TierFramed {
		t.Errorf("tier = %q, want %q", tier, TierFramed)
	}
	if framed.lastCmd != wire.CmdBack {
		t.Errorf("lastCmd = %v, want CmdBack", framed.lastCmd)
	}
}

func TestLongPressSkipsFramedTier(t *testing.T) {
	hid := &fakeHid{fail: true}
	shell := &fakeShell{}
	d := New(hid, &fakeFramed{fail: true}, shell)

	tier, err := d.LongPress(5, 5)
	if err != nil {
		t.Fatalf("LongPress: %v", err)
	}
	if tier != TierShell {
		t.Errorf("tier = %q, want %q", tier, TierShell)
	}
	if shell.swipeCalls != 1 {
		t.Errorf("expected shell.Swipe to be used as the long-press shim, got %d calls", shell.swipeCalls)
	}
}

func TestPinchHasNoFallback(t *testing.T) {
	hid := &fakeHid{fail: true}
	d := New(hid, &fakeFramed{}, &fakeShell{})
	_, err := d.Pinch(0, 0, 100, 100)
	if err == nil {
		t.Fatal("expected pinch to fail with no fallback when HID fails")
	}
}

func TestSendFramedWaitsForAck(t *testing.T) {
	d := New(nil, nil, nil)
	framed := &fakeFramed{autoAck: true, d: d}
	d.framed = framed
	d.ackTimeout = time.Second

	tier, err := d.VideoIDRRequest()
	if err != nil {
		t.Fatalf("VideoIDRRequest: %v", err)
	}
	if tier != TierFramed {
		t.Errorf("tier = %q, want %q", tier, TierFramed)
	}
	if d.LastAckLatency() <= 0 {
		t.Errorf("expected a positive ack latency to be recorded")
	}
}

func TestSendFramedTimesOutWithoutAck(t *testing.T) {
	d := New(nil, nil, nil)
	d.framed = &fakeFramed{}
	d.ackTimeout = 20 * time.Millisecond

	_, err := d.VideoIDRRequest()
	if err == nil {
		t.Fatal("expected a timeout error when no ack arrives")
	}
}

func TestVideoFPSOnlyHasFramedForm(t *testing.T) {
	framed := &fakeFramed{autoAck: true}
	d := New(&fakeHid{}, framed, &fakeShell{})
	framed.d = d
	tier, err := d.VideoFPS(30)
	if err != nil {
		t.Fatalf("VideoFPS: %v", err)
	}
	if tier != TierFramed {
		t.Errorf("tier = %q, want %q", tier, TierFramed)
	}
	if framed.lastCmd != wire.CmdVideoFPS {
		t.Errorf("lastCmd = %v, want CmdVideoFPS", framed.lastCmd)
	}
}

func TestHubBroadcastCountsSuccesses(t *testing.T) {
	hub := NewHub(nil)
	hub.Register("dev1", New(&fakeHid{}, nil, nil))
	hub.Register("dev2", New(&fakeHid{fail: true}, nil, &fakeShell{}))

	n := hub.TapAll(1, 2, 100, 200)
	if n != 2 {
		t.Errorf("TapAll succeeded for %d devices, want 2 (dev2 falls back to shell)", n)
	}
}

func TestHubBroadcastFallsBackToSoleShell(t *testing.T) {
	shell := &fakeShell{}
	hub := NewHub(shell)
	n := hub.TapAll(1, 2, 100, 200)
	if n != 1 {
		t.Errorf("TapAll with no registered devices = %d, want 1 (sole-device fallback)", n)
	}
	if !shell.tapCalled {
		t.Errorf("expected sole shell fallback to be invoked")
	}
}

func TestHubBroadcastWithNoDevicesAndNoSoleShell(t *testing.T) {
	hub := NewHub(nil)
	if n := hub.TapAll(1, 2, 100, 200); n != 0 {
		t.Errorf("TapAll = %d, want 0", n)
	}
}
