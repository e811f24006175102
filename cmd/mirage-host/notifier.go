package main

import (
	"log"

	"github.com/mirage-project/mirage/internal/dispatch"
	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
	"github.com/mirage-project/mirage/internal/wire"
)

// routeNotifier implements route.Notifier over the registered devices'
// hub of Dispatchers. The route controller is one process-wide evaluator
// (route.Controller has a single mainDeviceID, not one instance per
// device), so its video_route/main_fps decisions apply to whichever
// device is currently main, and sub_fps applies to everyone else.
type routeNotifier struct {
	reg      *registry.Registry
	hub      *dispatch.Hub
	routeCtl *route.Controller // set once, after the Controller itself is constructed
	hostIP   string
}

func (n *routeNotifier) mainDispatcher() (*dispatch.Dispatcher, registry.Snapshot, bool) {
	if n.routeCtl == nil {
		return nil, registry.Snapshot{}, false
	}
	id := n.routeCtl.MainDeviceID()
	if id == "" {
		return nil, registry.Snapshot{}, false
	}
	d, ok := n.hub.Get(id)
	if !ok {
		return nil, registry.Snapshot{}, false
	}
	snap, ok := n.reg.Get(id)
	if !ok {
		return nil, registry.Snapshot{}, false
	}
	return d, snap, true
}

func (n *routeNotifier) SetVideoRoute(r route.VideoRoute) {
	d, snap, ok := n.mainDispatcher()
	if !ok {
		return
	}
	mode := wire.VideoRouteUSB
	if r == route.RouteWifi {
		mode = wire.VideoRouteWifi
	}
	if _, err := d.VideoRoute(mode, n.hostIP, uint16(snap.VideoPort)); err != nil {
		log.Printf("mirage-host: video route change for %s failed: %v", snap.HardwareID, err)
	}
}

func (n *routeNotifier) SetMainFPS(fps int) {
	d, snap, ok := n.mainDispatcher()
	if !ok {
		return
	}
	if _, err := d.VideoFPS(int32(fps)); err != nil {
		log.Printf("mirage-host: main fps change for %s failed: %v", snap.HardwareID, err)
	}
}

func (n *routeNotifier) SetSubFPS(fps int) {
	mainID := ""
	if n.routeCtl != nil {
		mainID = n.routeCtl.MainDeviceID()
	}
	for _, snap := range n.reg.List() {
		if snap.HardwareID == "" || snap.HardwareID == mainID {
			continue
		}
		d, ok := n.hub.Get(snap.HardwareID)
		if !ok {
			continue
		}
		if _, err := d.VideoFPS(int32(fps)); err != nil {
			log.Printf("mirage-host: sub fps change for %s failed: %v", snap.HardwareID, err)
		}
	}
}

func (n *routeNotifier) RequestIDR() {
	d, snap, ok := n.mainDispatcher()
	if !ok {
		return
	}
	if _, err := d.VideoIDRRequest(); err != nil {
		log.Printf("mirage-host: idr request for %s failed: %v", snap.HardwareID, err)
	}
}
