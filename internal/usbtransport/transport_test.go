package usbtransport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePair is a transferrer test double driven entirely in memory; it
// never touches gousb, so the send/receive loop logic can be exercised
// without real USB hardware.
type fakePair struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErrs  []error // popped in order, one per Send call
	recvData  [][]byte
	recvErrs  []error
	recvIdx   int
	closed    bool
}

func (f *fakePair) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakePair) Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	idx := f.recvIdx
	f.recvIdx++
	f.mu.Unlock()

	if idx < len(f.recvData) {
		n := copy(buf, f.recvData[idx])
		var err error
		if idx < len(f.recvErrs) {
			err = f.recvErrs[idx]
		}
		return n, err
	}
	// Once the canned data is exhausted, block until the context is
	// cancelled or times out, mirroring a real bulk-IN read with nothing
	// to deliver.
	select {
	case <-ctx.Done():
		return 0, context.DeadlineExceeded
	case <-time.After(timeout):
		return 0, context.DeadlineExceeded
	}
}

func (f *fakePair) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakePair) BusAddr() string { return "1:2" }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InTransfers = 1
	cfg.InReadTimeout = 5 * time.Millisecond
	cfg.ShutdownWindow = time.Second
	return cfg
}

func TestEnqueueDeliversFrameToPair(t *testing.T) {
	pair := &fakePair{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{})
	defer tr.Close()

	tr.Enqueue([]byte{1, 2, 3})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pair.mu.Lock()
		n := len(pair.sent)
		pair.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("frame was never delivered to the pair")
}

func TestOversizeFrameIsDroppedNotSent(t *testing.T) {
	pair := &fakePair{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotErr error
	var mu sync.Mutex
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{
		OnSendError: func(err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	})
	defer tr.Close()

	tr.Enqueue(make([]byte, 3<<20))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		err := gotErr
		mu.Unlock()
		if err != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatal("expected an oversize send error")
	}
	pair.mu.Lock()
	defer pair.mu.Unlock()
	if len(pair.sent) != 0 {
		t.Errorf("oversize frame should never reach Send, got %d sends", len(pair.sent))
	}
}

func TestTransientSendFailureIsRetriedOnce(t *testing.T) {
	pair := &fakePair{sendErrs: []error{errors.New("libusb: busy [-6]")}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{})
	defer tr.Close()

	tr.Enqueue([]byte{9})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pair.mu.Lock()
		n := len(pair.sent)
		pair.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected exactly one retry after the transient failure")
}

func TestFatalSendFailureMarksOffline(t *testing.T) {
	pair := &fakePair{sendErrs: []error{errors.New("libusb: no device [-4]")}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{})
	defer tr.Close()

	tr.Enqueue([]byte{1})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.IsOffline() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected transport to go offline after a fatal send failure")
}

func TestReceivedBytesAreDeliveredToCallback(t *testing.T) {
	pair := &fakePair{recvData: [][]byte{{0xDE, 0xAD, 0xBE, 0xEF}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{
		OnBytes: func(data []byte) { received <- data },
	})
	defer tr.Close()

	select {
	case data := <-received:
		if len(data) != 4 {
			t.Errorf("got %d bytes, want 4", len(data))
		}
	case <-time.After(time.Second):
		t.Fatal("no bytes delivered within deadline")
	}
}

func TestFatalReceiveFailureMarksOfflineAndNotifies(t *testing.T) {
	pair := &fakePair{
		recvData: [][]byte{nil},
		recvErrs: []error{errors.New("libusb: no device [-4]")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lost := make(chan struct{}, 1)
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{
		OnDisconnect: func(err error) { lost <- struct{}{} },
	})
	defer tr.Close()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected OnDisconnect to fire after a fatal receive error")
	}
	if !tr.IsOffline() {
		t.Error("expected transport to report offline")
	}
}

func TestCloseClosesUnderlyingPair(t *testing.T) {
	pair := &fakePair{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport(ctx, pair, testConfig(), Callbacks{})
	tr.Close()

	pair.mu.Lock()
	defer pair.mu.Unlock()
	if !pair.closed {
		t.Error("expected Close to close the underlying pair")
	}
}
