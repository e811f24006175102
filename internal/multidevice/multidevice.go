// Package multidevice implements MultiDeviceReceiver: one HybridReceiver
// per LogicalDevice, a background poller that drains each child's latest
// frame at a configurable cadence, and per-device stats aggregation.
package multidevice

import (
	"context"
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/hybridreceiver"
	"github.com/mirage-project/mirage/internal/latestframe"
)

// DefaultPollInterval is how often the background poller drains every
// registered device's latest frame when no override is configured.
const DefaultPollInterval = 16 * time.Millisecond // ~60Hz poll cadence

// FrameCallback is invoked once per device per poll tick that produced a
// new frame.
type FrameCallback func(hardwareID string, frame latestframe.Frame)

// Orchestrator owns one hybridreceiver.Receiver per logical device and
// drives the polling loop that surfaces their frames.
type Orchestrator struct {
	mu        sync.RWMutex
	receivers map[string]*hybridreceiver.Receiver

	pollInterval time.Duration
	onFrame      FrameCallback

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New returns an Orchestrator polling at interval (DefaultPollInterval if
// <= 0) and invoking onFrame for every freshly decoded frame.
func New(interval time.Duration, onFrame FrameCallback) *Orchestrator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Orchestrator{
		receivers:    make(map[string]*hybridreceiver.Receiver),
		pollInterval: interval,
		onFrame:      onFrame,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Register adds or replaces the HybridReceiver for a hardware ID and
// starts its decode worker against ctx.
func (o *Orchestrator) Register(ctx context.Context, hardwareID string, r *hybridreceiver.Receiver) {
	r.Start(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.receivers[hardwareID] = r
}

// Unregister stops and removes a device's receiver.
func (o *Orchestrator) Unregister(hardwareID string) {
	o.mu.Lock()
	r, ok := o.receivers[hardwareID]
	delete(o.receivers, hardwareID)
	o.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// Get returns the registered receiver for a hardware ID, if any.
func (o *Orchestrator) Get(hardwareID string) (*hybridreceiver.Receiver, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.receivers[hardwareID]
	return r, ok
}

func (o *Orchestrator) snapshot() map[string]*hybridreceiver.Receiver {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*hybridreceiver.Receiver, len(o.receivers))
	for id, r := range o.receivers {
		out[id] = r
	}
	return out
}

// Start launches the background poller goroutine. It returns immediately;
// call Stop (or cancel ctx) to end the loop.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.pollOnce()
			}
		}
	}()
}

// pollOnce fans out one take_latest_frame call per registered device
// concurrently (mirroring the registry's scan-before-merge discipline: the
// per-device call may block briefly on that device's slot mutex, so it
// happens off the orchestrator's own lock) and dispatches onFrame for every
// device that produced a fresh frame.
func (o *Orchestrator) pollOnce() {
	devices := o.snapshot()
	if len(devices) == 0 || o.onFrame == nil {
		return
	}
	var wg sync.WaitGroup
	for id, r := range devices {
		wg.Add(1)
		go func(id string, r *hybridreceiver.Receiver) {
			defer wg.Done()
			if frame, ok := r.TakeLatestFrame(); ok {
				o.onFrame(id, frame)
			}
		}(id, r)
	}
	wg.Wait()
}

// Stop ends the background poller. Registered receivers are left running;
// callers that want them stopped too should Unregister each one.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Stats returns a snapshot of every registered device's HybridReceiver
// stats, keyed by hardware ID.
func (o *Orchestrator) Stats() map[string]hybridreceiver.Snapshot {
	devices := o.snapshot()
	out := make(map[string]hybridreceiver.Snapshot, len(devices))
	for id, r := range devices {
		out[id] = r.Stats()
	}
	return out
}

// Count returns the number of registered devices.
func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.receivers)
}
