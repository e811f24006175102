package usbtransport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/gousb"
)

// DefaultRescanInterval is how often the Manager re-scans for newly
// attached, switched, or departed devices.
const DefaultRescanInterval = 2 * time.Second

// DeviceOpenedFunc is invoked once a candidate has been switched and
// reopened with its bulk endpoints claimed. The Manager keys transports
// by bus:address; relating one to a device's hardware ID is left to the
// callback's owner.
type DeviceOpenedFunc func(busAddr string, t *Transport)

// DeviceLostFunc is invoked when a transport goes offline, whether from
// a receive failure or because the device vanished on rescan.
type DeviceLostFunc func(busAddr string)

// Manager owns the gousb context, the periodic rescan loop, and the set
// of live per-device Transports.
type Manager struct {
	ctx          *gousb.Context
	cfg          Config
	preStart     PreStartHook
	onOpened     DeviceOpenedFunc
	onLost       DeviceLostFunc
	onBytes      func(busAddr string, data []byte)

	mu        sync.Mutex
	live      map[string]*Transport
	switching map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewManager constructs a Manager. onBytes is invoked per completed
// bulk-IN read, keyed by the bus:address the device was opened under.
func NewManager(cfg Config, preStart PreStartHook, onBytes func(busAddr string, data []byte), onOpened DeviceOpenedFunc, onLost DeviceLostFunc) *Manager {
	if cfg.InTransfers <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		ctx:       gousb.NewContext(),
		cfg:       cfg,
		preStart:  preStart,
		onOpened:  onOpened,
		onLost:    onLost,
		onBytes:   onBytes,
		live:      make(map[string]*Transport),
		switching: make(map[string]bool),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background rescan loop at DefaultRescanInterval
// (or interval, if > 0). It returns immediately.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	go func() {
		defer close(m.done)
		m.rescanOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.rescanOnce(ctx)
			}
		}
	}()
}

// rescanOnce scans for devices, kicks off a switch for any unswitched
// candidate not already mid-switch, and opens a Transport for any
// switched candidate not already live.
func (m *Manager) rescanOnce(ctx context.Context) {
	candidates, err := Scan(m.ctx)
	if err != nil {
		return
	}

	for _, c := range candidates {
		if c.AlreadySwitched {
			m.openIfNew(ctx, c)
			continue
		}
		m.switchIfNew(c)
	}
}

func (m *Manager) switchIfNew(c Candidate) {
	m.mu.Lock()
	if m.switching[c.BusAddr] {
		m.mu.Unlock()
		return
	}
	m.switching[c.BusAddr] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.switching, c.BusAddr)
			m.mu.Unlock()
		}()
		if err := SwitchAndOpen(m.ctx, c.VendorID, c.ProductID, m.preStart); err != nil {
			log.Printf("usbtransport: switch vid=%04x pid=%04x to accessory mode failed: %v", c.VendorID, c.ProductID, err)
			return
		}
		// The device re-enumerates under a new bus:address; the next
		// rescan tick picks it up as AlreadySwitched.
	}()
}

func (m *Manager) openIfNew(ctx context.Context, c Candidate) {
	m.mu.Lock()
	_, already := m.live[c.BusAddr]
	m.mu.Unlock()
	if already {
		return
	}

	pair, err := OpenSwitched(m.ctx, c.VendorID, c.ProductID)
	if err != nil {
		return
	}

	busAddr := c.BusAddr
	t := NewTransport(ctx, pair, m.cfg, Callbacks{
		OnBytes: func(data []byte) {
			if m.onBytes != nil {
				m.onBytes(busAddr, data)
			}
		},
		OnDisconnect: func(err error) {
			m.mu.Lock()
			delete(m.live, busAddr)
			m.mu.Unlock()
			if m.onLost != nil {
				m.onLost(busAddr)
			}
		},
	})

	m.mu.Lock()
	m.live[busAddr] = t
	m.mu.Unlock()

	if m.onOpened != nil {
		m.onOpened(busAddr, t)
	}
}

// Enqueue sends a pre-encoded frame to the device opened under busAddr,
// if it is currently live.
func (m *Manager) Enqueue(busAddr string, frame []byte) bool {
	m.mu.Lock()
	t, ok := m.live[busAddr]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.Enqueue(frame)
	return true
}

// Stop ends the rescan loop, closes every live transport, and releases
// the USB context.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done

	m.mu.Lock()
	live := m.live
	m.live = make(map[string]*Transport)
	m.mu.Unlock()

	for _, t := range live {
		t.Close()
	}
	m.ctx.Close()
}
