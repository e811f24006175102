// Package registry implements DeviceRegistry: deduplicating devices seen
// over USB and Wi-Fi into one LogicalDevice, assigning per-device ports,
// and aging out devices that stop appearing in scans.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mirage-project/mirage/internal/merr"
	"github.com/mirage-project/mirage/internal/mlog"
)

// TransportKind distinguishes a USB-side transport identifier (a serial
// number) from a Wi-Fi one (an "ip:port" string).
type TransportKind int

const (
	TransportUSB TransportKind = iota
	TransportWifi
)

// classifyTransport recognizes the Wi-Fi "ip:port" form by the presence of
// a colon; anything else is treated as a USB serial.
func classifyTransport(id string) TransportKind {
	if strings.Contains(id, ":") {
		return TransportWifi
	}
	return TransportUSB
}

// DeviceInfo is what a Prober returns for one transport identifier.
type DeviceInfo struct {
	HardwareID    string
	Model         string
	Manufacturer  string
	ScreenWidth   int32
	ScreenHeight  int32
	ScreenDensity int32
	OSVersion     string
}

// Lister enumerates transport identifiers currently visible over the host
// debug bridge (USB serials and "ip:port" Wi-Fi addresses, undifferentiated).
type Lister interface {
	ListTransports() ([]string, error)
}

// Prober queries a transport identifier for its stable hardware ID and
// device properties.
type Prober interface {
	Probe(transportID string) (DeviceInfo, error)
}

// missedScanGrace is how many consecutive scans a device may go unseen on
// every transport before it is removed.
const missedScanGrace = 2

// LogicalDevice is the registry's internal record for one physical device.
// Callers never see this type directly — List/Get return Snapshot copies —
// so Registry's single lock is the only synchronization it needs.
type LogicalDevice struct {
	HardwareID    string
	Model         string
	Manufacturer  string
	ScreenWidth   int32
	ScreenHeight  int32
	ScreenDensity int32
	OSVersion     string

	usbIDs  map[string]bool
	wifiIDs map[string]bool

	VideoPort   int
	CommandPort int
	BridgePort  int

	missedScans int
}

func newLogicalDevice(hardwareID string) *LogicalDevice {
	return &LogicalDevice{
		HardwareID: hardwareID,
		usbIDs:     make(map[string]bool),
		wifiIDs:    make(map[string]bool),
	}
}

// preferredTransport returns the preferred identifier: the USB one when
// present, otherwise an arbitrary Wi-Fi one, otherwise empty.
func (d *LogicalDevice) preferredTransport() string {
	for id := range d.usbIDs {
		return id
	}
	for id := range d.wifiIDs {
		return id
	}
	return ""
}

// Snapshot is a copy of a LogicalDevice safe to hold without the registry's
// lock, mirroring the teacher's stats-snapshot convention.
type Snapshot struct {
	HardwareID         string
	Model              string
	Manufacturer       string
	ScreenWidth        int32
	ScreenHeight       int32
	ScreenDensity      int32
	OSVersion          string
	USBTransports      []string
	WifiTransports     []string
	PreferredTransport string
	VideoPort          int
	CommandPort        int
	BridgePort         int
}

func (d *LogicalDevice) snapshot() Snapshot {
	s := Snapshot{
		HardwareID:         d.HardwareID,
		Model:              d.Model,
		Manufacturer:       d.Manufacturer,
		ScreenWidth:        d.ScreenWidth,
		ScreenHeight:       d.ScreenHeight,
		ScreenDensity:      d.ScreenDensity,
		OSVersion:          d.OSVersion,
		PreferredTransport: d.preferredTransport(),
		VideoPort:          d.VideoPort,
		CommandPort:        d.CommandPort,
		BridgePort:         d.BridgePort,
	}
	for id := range d.usbIDs {
		s.USBTransports = append(s.USBTransports, id)
	}
	for id := range d.wifiIDs {
		s.WifiTransports = append(s.WifiTransports, id)
	}
	sort.Strings(s.USBTransports)
	sort.Strings(s.WifiTransports)
	return s
}

// Registry owns every LogicalDevice, deduplicated by hardware ID, behind a
// single mutex. Long operations (the bridge subprocess call a real Lister
// makes) happen outside the lock, in Scan, before results are merged in.
type Registry struct {
	mu       sync.Mutex
	devices  map[string]*LogicalDevice
	basePort int
	lister   Lister
	prober   Prober
	log      *mlog.Throttle
}

// New returns an empty Registry assigning video ports starting at basePort.
func New(basePort int, lister Lister, prober Prober) *Registry {
	return &Registry{
		devices:  make(map[string]*LogicalDevice),
		basePort: basePort,
		lister:   lister,
		prober:   prober,
		log:      mlog.NewThrottle(5, 200),
	}
}

// Scan lists transports, probes each for its hardware identity, merges
// same-hardware-ID transports into one LogicalDevice, ages out devices
// absent for missedScanGrace consecutive scans, and reassigns ports.
func (r *Registry) Scan() error {
	transportIDs, err := r.lister.ListTransports()
	if err != nil {
		return fmt.Errorf("registry: list transports: %w", err)
	}

	type probed struct {
		id   string
		kind TransportKind
		info DeviceInfo
	}
	results := make([]probed, 0, len(transportIDs))
	for _, id := range transportIDs {
		info, err := r.prober.Probe(id)
		if err != nil {
			r.log.Printf("probe-fail", "registry: probe %s failed: %v", id, err)
			continue
		}
		results = append(results, probed{id: id, kind: classifyTransport(id), info: info})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(results))
	for _, p := range results {
		dev, ok := r.devices[p.info.HardwareID]
		if !ok {
			dev = newLogicalDevice(p.info.HardwareID)
			r.devices[p.info.HardwareID] = dev
		}
		dev.Model = p.info.Model
		dev.Manufacturer = p.info.Manufacturer
		dev.ScreenWidth = p.info.ScreenWidth
		dev.ScreenHeight = p.info.ScreenHeight
		dev.ScreenDensity = p.info.ScreenDensity
		dev.OSVersion = p.info.OSVersion
		switch p.kind {
		case TransportUSB:
			dev.usbIDs[p.id] = true
		case TransportWifi:
			dev.wifiIDs[p.id] = true
		}
		dev.missedScans = 0
		seen[p.info.HardwareID] = true
	}

	for id, dev := range r.devices {
		if seen[id] {
			continue
		}
		dev.missedScans++
		if dev.missedScans >= missedScanGrace {
			delete(r.devices, id)
		}
	}

	r.assignPortsLocked()
	return nil
}

// assignPortsLocked gives the k-th device in a stable (hardware-ID-sorted)
// order the port triple video=base+k, command=50000+k, bridge=5555+k.
// Devices whose assignment would overflow 65535 get 0 in every port field
// and a warning is logged through the registry's throttle (the first 5
// occurrences, then one in 200).
func (r *Registry) assignPortsLocked() {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for k, id := range ids {
		dev := r.devices[id]
		video := r.basePort + k
		command := 50000 + k
		bridge := 5555 + k
		if video > 65535 || command > 65535 || bridge > 65535 {
			dev.VideoPort, dev.CommandPort, dev.BridgePort = 0, 0, 0
			r.log.Printf("port-overflow", "%v: device %s: port assignment overflowed 65535 at index %d", merr.ErrPortsExhausted, id, k)
			continue
		}
		dev.VideoPort, dev.CommandPort, dev.BridgePort = video, command, bridge
	}
}

// Get returns a snapshot of the device with the given hardware ID.
func (r *Registry) Get(hardwareID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[hardwareID]
	if !ok {
		return Snapshot{}, false
	}
	return dev.snapshot(), true
}

// List returns a snapshot of every registered device, sorted by hardware ID.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.devices[id].snapshot())
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
