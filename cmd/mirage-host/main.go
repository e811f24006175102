// Command mirage-host is the host process: it discovers Android devices
// over the host debug bridge, opens their USB Accessory and Wi-Fi UDP
// transports, runs the route controller and per-device dispatchers, and
// exposes the status/control API surfaces for the out-of-scope GUI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mirage-project/mirage/internal/adb"
	"github.com/mirage-project/mirage/internal/config"
	"github.com/mirage-project/mirage/internal/controlapi"
	"github.com/mirage-project/mirage/internal/dispatch"
	"github.com/mirage-project/mirage/internal/multidevice"
	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
	"github.com/mirage-project/mirage/internal/statusapi"
	"github.com/mirage-project/mirage/internal/usbtransport"
)

var (
	adbPath        = flag.String("adb-path", "", "path to the adb binary (default: adb on PATH)")
	statusAddr     = flag.String("status-addr", "", "override the status API listen address (default: MIRAGE_STATUS_API_ADDR from mirage.env or the environment, else :8088)")
	controlAddr    = flag.String("control-addr", "", "override the control API listen address (default: MIRAGE_CONTROL_API_ADDR from mirage.env or the environment, else :9090)")
	rescanInterval = flag.Duration("rescan-interval", 2*time.Second, "registry/USB rescan cadence")
	routeInterval  = flag.Duration("route-interval", time.Second, "route controller evaluation cadence")
	pollInterval   = flag.Duration("poll-interval", multidevice.DefaultPollInterval, "per-device decoded-frame poll cadence")
	tcpOnly        = flag.Bool("tcp-only", false, "run the route controller in TCP-only mode (ignore USB entirely)")
)

// host bundles every subsystem instance for one run of the process, the
// way the teacher's own driver entrypoint bundles its subsystems behind
// one struct rather than a pile of package-level globals.
type host struct {
	cfg *config.Config

	adbBridge *adb.Bridge
	registry  *registry.Registry
	hub       *dispatch.Hub
	routeCtl  *route.Controller
	orch      *multidevice.Orchestrator
	usbMgr    *usbtransport.Manager
	devices   *deviceManager

	statusSrv  *statusapi.Server
	controlSrv *controlapi.Server

	statusAddr  string
	controlAddr string
}

func newHost(cfg *config.Config) *host {
	bridge := &adb.Bridge{Path: *adbPath}
	reg := registry.New(cfg.BaseVideoPort, bridge, bridge)
	hub := dispatch.NewHub(nil)

	hostIP := outboundIP()
	notifier := &routeNotifier{reg: reg, hub: hub, hostIP: hostIP}
	routeCtl := route.New(route.Config{
		CongestionThreshold: cfg.CongestionThreshold,
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryThreshold:   cfg.RecoveryThreshold,
		SwitchCooldown:      cfg.SwitchCooldown,
		MainFPSLevels:       cfg.MainFPSLevels,
		SubFPSLevels:        cfg.SubFPSLevels,
	}, notifier)
	notifier.routeCtl = routeCtl
	routeCtl.SetTCPOnly(*tcpOnly)

	onFrameLog := mirageFrameLogger()
	orch := multidevice.New(*pollInterval, onFrameLog)

	var devMgr *deviceManager
	usbCfg := usbtransport.Config{
		SendQueueSize:  64,
		InTransfers:    cfg.UsbInTransfers,
		InBufferSize:   cfg.UsbBufferSize,
		InReadTimeout:  cfg.UsbInTimeout,
		SendTimeout:    time.Second,
		ShutdownWindow: 6 * time.Second,
	}
	usbMgr := usbtransport.NewManager(usbCfg, nil,
		func(busAddr string, data []byte) { devMgr.onUSBBytes(busAddr, data) },
		func(busAddr string, t *usbtransport.Transport) { devMgr.onUSBOpened(busAddr, t) },
		func(busAddr string) { devMgr.onUSBLost(busAddr) },
	)

	shellFactory := func(transportID string) dispatch.ShellSink {
		return &adb.ShellSink{Bridge: bridge, TransportID: transportID}
	}
	devMgr = newDeviceManager(cfg, reg, hub, orch, usbMgr, shellFactory, hostIP)

	dispatcherLookup := func(hardwareID string) (controlapi.Dispatcher, bool) {
		d, ok := hub.Get(hardwareID)
		if !ok {
			return nil, false
		}
		return d, true
	}
	controlSrv := controlapi.NewServer(reg, dispatcherLookup, routeCtl)
	statusSrv := statusapi.New(reg, orch, routeCtl, &mainDispatchProvider{hub: hub, routeCtl: routeCtl})

	statusAddrVal := cfg.StatusAPIAddr
	if *statusAddr != "" {
		statusAddrVal = *statusAddr
	}
	controlAddrVal := cfg.ControlAPIAddr
	if *controlAddr != "" {
		controlAddrVal = *controlAddr
	}

	return &host{
		cfg:         cfg,
		adbBridge:   bridge,
		registry:    reg,
		hub:         hub,
		routeCtl:    routeCtl,
		orch:        orch,
		usbMgr:      usbMgr,
		devices:     devMgr,
		statusSrv:   statusSrv,
		controlSrv:  controlSrv,
		statusAddr:  statusAddrVal,
		controlAddr: controlAddrVal,
	}
}

// mainDispatchProvider adapts statusapi's single-provider DispatchProvider
// to whichever device currently holds the route controller's main slot.
type mainDispatchProvider struct {
	hub      *dispatch.Hub
	routeCtl *route.Controller
}

func (p *mainDispatchProvider) CurrentTier() string {
	d, ok := p.hub.Get(p.routeCtl.MainDeviceID())
	if !ok {
		return ""
	}
	return d.CurrentTier()
}

func (p *mainDispatchProvider) LastAckLatency() time.Duration {
	d, ok := p.hub.Get(p.routeCtl.MainDeviceID())
	if !ok {
		return 0
	}
	return d.LastAckLatency()
}

func mirageFrameLogger() multidevice.FrameCallback {
	return nil // no out-of-scope GUI consumer to hand decoded frames to yet
}

// outboundIP finds the host's own LAN-facing address, the way a
// connected-UDP "dial" to a public address (no packet actually sent)
// conventionally does in Go; it's what video-route commands tell a device
// to stream UDP video back to.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// run wires the background loops, serves both API surfaces, and blocks
// until ctx is cancelled, then shuts everything down within a bounded
// window.
func (h *host) run(ctx context.Context) error {
	h.usbMgr.Start(ctx, *rescanInterval)
	h.orch.Start(ctx)

	go h.reconcileLoop(ctx)
	go h.routeLoop(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.statusSrv.Run(ctx, h.statusAddr); err != nil {
			errCh <- fmt.Errorf("status api: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controlapi.Serve(ctx, h.controlAddr, h.controlSrv); err != nil {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		h.shutdown()
		return nil
	case err := <-errCh:
		h.shutdown()
		return err
	}
}

func (h *host) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(*rescanInterval)
	defer ticker.Stop()
	h.devices.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.devices.reconcileOnce(ctx)
		}
	}
}

// routeLoop runs the single global route-controller evaluator at the
// -route-interval cadence, reading the main device's bandwidth snapshot
// each tick.
func (h *host) routeLoop(ctx context.Context) {
	ticker := time.NewTicker(*routeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mainID := h.routeCtl.MainDeviceID()
			if mainID == "" {
				if snaps := h.registry.List(); len(snaps) > 0 {
					h.routeCtl.SetMainDevice(snaps[0].HardwareID)
				}
				continue
			}
			bw, ok := h.devices.bandwidthFor(mainID)
			if !ok {
				continue
			}
			usb, wifi, _ := bw.Update(time.Now())
			h.routeCtl.Evaluate(time.Now(), usb, wifi)
		}
	}
}

func (h *host) shutdown() {
	h.orch.Stop()
	h.usbMgr.Stop()
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("mirage-host: load config: %v", err)
	}

	h := newHost(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("mirage-host: shutdown signal received")
		cancel()
	}()

	if err := h.run(ctx); err != nil {
		log.Fatalf("mirage-host: %v", err)
	}
}
