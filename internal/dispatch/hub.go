package dispatch

import "sync"

// Hub fans touch/key broadcasts out across every registered device's
// Dispatcher. The *_all operations return the count of successful
// deliveries.
type Hub struct {
	mu   sync.RWMutex
	devs map[string]*Dispatcher

	// soleShell is tried once by a broadcast when no devices are
	// registered, matching a host with exactly one bridge-reachable device.
	soleShell ShellSink
}

// NewHub returns an empty Hub. soleShell may be nil.
func NewHub(soleShell ShellSink) *Hub {
	return &Hub{devs: make(map[string]*Dispatcher), soleShell: soleShell}
}

// Register adds or replaces the Dispatcher for a hardware ID.
func (h *Hub) Register(hardwareID string, d *Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devs[hardwareID] = d
}

// Unregister removes a device's Dispatcher.
func (h *Hub) Unregister(hardwareID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devs, hardwareID)
}

func (h *Hub) snapshot() []*Dispatcher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Dispatcher, 0, len(h.devs))
	for _, d := range h.devs {
		out = append(out, d)
	}
	return out
}

// broadcast runs fn against every registered dispatcher, falling back to a
// single soleShell attempt when nothing is registered.
func (h *Hub) broadcast(fn func(*Dispatcher) error, soleFallback func() error) int {
	devs := h.snapshot()
	if len(devs) == 0 {
		if soleFallback != nil && h.soleShell != nil {
			if err := soleFallback(); err == nil {
				return 1
			}
		}
		return 0
	}
	n := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, d := range devs {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			if err := fn(d); err == nil {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return n
}

// TapAll broadcasts a tap to every registered device.
func (h *Hub) TapAll(x, y, screenW, screenH int32) int {
	return h.broadcast(
		func(d *Dispatcher) error { _, err := d.Tap(x, y, screenW, screenH); return err },
		func() error { return h.soleShell.Tap(x, y) },
	)
}

// SwipeAll broadcasts a swipe to every registered device.
func (h *Hub) SwipeAll(x1, y1, x2, y2, durationMs int32) int {
	return h.broadcast(
		func(d *Dispatcher) error { _, err := d.Swipe(x1, y1, x2, y2, durationMs); return err },
		func() error { return h.soleShell.Swipe(x1, y1, x2, y2, durationMs) },
	)
}

// KeyAll broadcasts a key event to every registered device.
func (h *Hub) KeyAll(keycode, flags int32) int {
	return h.broadcast(
		func(d *Dispatcher) error { _, err := d.Key(keycode, flags); return err },
		func() error { return h.soleShell.Key(keycode) },
	)
}

// BackAll broadcasts a back action to every registered device. There is no
// sole-device shell fallback: adb's input tool has no "back" verb.
func (h *Hub) BackAll(flags int32) int {
	return h.broadcast(
		func(d *Dispatcher) error { _, err := d.Back(flags); return err },
		nil,
	)
}

// Get returns the Dispatcher registered for a hardware ID, if any.
func (h *Hub) Get(hardwareID string) (*Dispatcher, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devs[hardwareID]
	return d, ok
}
