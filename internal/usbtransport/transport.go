package usbtransport

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/merr"
)

// Config bounds one device's send/receive behavior.
type Config struct {
	SendQueueSize  int
	InTransfers    int           // outstanding bulk-IN reads kept submitted
	InBufferSize   int           // bytes per bulk-IN read
	InReadTimeout  time.Duration // bounds each individual ReadContext call
	SendTimeout    time.Duration // not read: TransportPair.Send uses a fixed 1-second timeout
	ShutdownWindow time.Duration // how long Close waits for reads to unwind
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:  64,
		InTransfers:    8,
		InBufferSize:   128 * 1024,
		InReadTimeout:  20 * time.Millisecond,
		SendTimeout:    1 * time.Second,
		ShutdownWindow: 6 * time.Second,
	}
}

// transferrer is the narrow surface Transport needs from an open USB
// device. *TransportPair satisfies it; tests substitute a fake so the
// send/receive loop logic can run without real hardware.
type transferrer interface {
	Send(data []byte) error
	Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
	Close()
	BusAddr() string
}

// Callbacks a Transport reports through; every field is optional.
type Callbacks struct {
	// OnBytes is invoked once per completed bulk-IN read with the raw
	// bytes read, which still need VideoIngest framing applied upstream.
	OnBytes func(data []byte)
	// OnDisconnect is invoked once, the first time the device is judged
	// unusable (a non-timeout receive error, or a send that fails with a
	// non-transient error or fails again on its one transient retry).
	OnDisconnect func(err error)
	// OnSendError is invoked after a send ultimately fails (a non-transient
	// error, a transient retry that also failed, a frame dropped as
	// oversize, or a frame dropped because the send queue was full).
	OnSendError func(err error)
}

// Transport runs the per-device send FIFO and the receive-transfer pool
// for one switched, claimed Accessory device.
type Transport struct {
	cfg  Config
	pair transferrer
	cb   Callbacks

	sendQueue chan []byte

	mu         sync.Mutex
	offline    bool
	bytesSent  uint64
	bytesRecv  uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport starts the send actor and the receive-transfer pool
// against ctx. Call Close to unwind both, bounded by ShutdownWindow.
func NewTransport(ctx context.Context, pair transferrer, cfg Config, cb Callbacks) *Transport {
	if cfg.InTransfers <= 0 {
		cfg = DefaultConfig()
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		cfg:       cfg,
		pair:      pair,
		cb:        cb,
		sendQueue: make(chan []byte, cfg.SendQueueSize),
		cancel:    cancel,
	}

	t.wg.Add(1)
	go t.sendLoop(runCtx)

	for i := 0; i < cfg.InTransfers; i++ {
		t.wg.Add(1)
		go t.receiveLoop(runCtx)
	}

	return t
}

// Enqueue appends a pre-encoded frame to the send FIFO. If the FIFO is
// full the new frame is dropped (frames already queued are kept) and
// reported through OnSendError.
func (t *Transport) Enqueue(frame []byte) {
	select {
	case t.sendQueue <- frame:
	default:
		if t.cb.OnSendError != nil {
			t.cb.OnSendError(errors.New("send queue full, frame dropped"))
		}
	}
}

func (t *Transport) sendLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.sendQueue:
			t.sendOne(frame)
		}
	}
}

// sendOne performs one bulk-OUT transfer, retrying once on a transient
// failure and tearing the device down on a disconnect-class failure.
func (t *Transport) sendOne(frame []byte) {
	if len(frame) > 2<<20 {
		if t.cb.OnSendError != nil {
			t.cb.OnSendError(merr.ErrOversize)
		}
		return
	}

	err := t.pair.Send(frame)
	if err == nil {
		t.mu.Lock()
		t.bytesSent += uint64(len(frame))
		t.mu.Unlock()
		return
	}

	if classifyTransferErr(err) == transferTransient {
		err = t.pair.Send(frame)
		if err == nil {
			t.mu.Lock()
			t.bytesSent += uint64(len(frame))
			t.mu.Unlock()
			return
		}
	}

	if t.cb.OnSendError != nil {
		t.cb.OnSendError(err)
	}
	t.markOffline(err)
}

// receiveLoop is one of InTransfers concurrent readers, each looping a
// short bounded ReadContext and resubmitting immediately on success or
// timeout. This reproduces the "N simultaneously submitted async
// transfers" shape with goroutines instead of libusb's async API: gousb
// has no fire-and-forget submit, so N loops each holding one outstanding
// blocking read is the idiomatic Go equivalent.
func (t *Transport) receiveLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.InBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.pair.Receive(ctx, buf, t.cfg.InReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if classifyTransferErr(err) == transferTimeout {
				continue
			}
			t.markOffline(err)
			return
		}
		if n == 0 {
			continue
		}
		if t.cb.OnBytes != nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			t.cb.OnBytes(out)
		}
		t.mu.Lock()
		t.bytesRecv += uint64(n)
		t.mu.Unlock()
	}
}

func (t *Transport) markOffline(err error) {
	t.mu.Lock()
	already := t.offline
	t.offline = true
	t.mu.Unlock()
	if already {
		return
	}
	log.Printf("usbtransport: device %s offline: %v", t.pair.BusAddr(), err)
	if t.cb.OnDisconnect != nil {
		t.cb.OnDisconnect(err)
	}
}

// IsOffline reports whether a receive or send failure has already torn
// this device down.
func (t *Transport) IsOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline
}

// Stats returns cumulative sent/received byte counts.
func (t *Transport) Stats() (sent, recv uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesSent, t.bytesRecv
}

// Close cancels the send actor and every receive loop, waits up to
// ShutdownWindow for them to unwind, then closes the underlying pair
// regardless of whether they finished in time.
func (t *Transport) Close() {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.cfg.ShutdownWindow):
		log.Printf("usbtransport: device %s did not unwind within %s, closing handle anyway", t.pair.BusAddr(), t.cfg.ShutdownWindow)
	}
	t.pair.Close()
}
