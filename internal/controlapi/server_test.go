package controlapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
)

type fakeDevices struct {
	devices []registry.Snapshot
}

func (f *fakeDevices) List() []registry.Snapshot { return f.devices }

type fakeDispatcher struct {
	tier string
	err  error
}

func (f *fakeDispatcher) Tap(x, y, screenW, screenH int32) (string, error) { return f.tier, f.err }
func (f *fakeDispatcher) Swipe(x1, y1, x2, y2, durationMs int32) (string, error) {
	return f.tier, f.err
}
func (f *fakeDispatcher) Back(flags int32) (string, error) { return f.tier, f.err }

type fakeRouteCtl struct {
	decision route.Decision
	mainID   string
}

func (f *fakeRouteCtl) Snapshot() route.Decision { return f.decision }
func (f *fakeRouteCtl) MainDeviceID() string     { return f.mainID }
func (f *fakeRouteCtl) SetMainDevice(hardwareID string) { f.mainID = hardwareID }

// startTestServer spins up a real gRPC server on loopback backed by the
// given fakes, and returns a connected Client plus a teardown func.
func startTestServer(t *testing.T, devices *fakeDevices, dispatcher DispatcherLookup, routeCtl *fakeRouteCtl) (*Client, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(devices, dispatcher, routeCtl)
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	grpcServer.RegisterService(&serviceDesc, srv)
	go grpcServer.Serve(lis)

	client, err := Dial(context.Background(), lis.Addr().String())
	if err != nil {
		grpcServer.Stop()
		t.Fatalf("dial: %v", err)
	}

	return client, func() {
		grpcServer.Stop()
	}
}

func TestListDevicesReturnsRegistrySnapshot(t *testing.T) {
	devices := &fakeDevices{devices: []registry.Snapshot{{HardwareID: "dev1", Model: "Pixel"}}}
	client, stop := startTestServer(t, devices, nil, &fakeRouteCtl{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.ListDevices(ctx, &ListDevicesRequest{})
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].HardwareID != "dev1" {
		t.Errorf("unexpected devices: %+v", resp.Devices)
	}
	if resp.GeneratedAt == nil {
		t.Error("expected GeneratedAt to be set")
	}
}

func TestTapReturnsTierOnSuccess(t *testing.T) {
	lookup := func(hardwareID string) (Dispatcher, bool) {
		if hardwareID != "dev1" {
			return nil, false
		}
		return &fakeDispatcher{tier: "MIRA_USB"}, true
	}
	client, stop := startTestServer(t, &fakeDevices{}, lookup, &fakeRouteCtl{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Tap(ctx, &TapRequest{HardwareID: "dev1", X: 1, Y: 2, ScreenW: 100, ScreenH: 200})
	if err != nil {
		t.Fatalf("Tap: %v", err)
	}
	if resp.Tier != "MIRA_USB" {
		t.Errorf("Tier = %q, want MIRA_USB", resp.Tier)
	}
	if resp.Error != "" {
		t.Errorf("Error = %q, want empty", resp.Error)
	}
}

func TestTapUnknownDeviceReturnsRPCError(t *testing.T) {
	lookup := func(hardwareID string) (Dispatcher, bool) { return nil, false }
	client, stop := startTestServer(t, &fakeDevices{}, lookup, &fakeRouteCtl{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Tap(ctx, &TapRequest{HardwareID: "missing"})
	if err == nil {
		t.Fatal("expected an error for an unknown device")
	}
}

func TestTapTierFailureIsReportedNotRPCError(t *testing.T) {
	lookup := func(hardwareID string) (Dispatcher, bool) {
		return &fakeDispatcher{tier: "", err: errors.New("all tiers failed")}, true
	}
	client, stop := startTestServer(t, &fakeDevices{}, lookup, &fakeRouteCtl{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Tap(ctx, &TapRequest{HardwareID: "dev1"})
	if err != nil {
		t.Fatalf("Tap should not return an RPC error for a tier failure: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected CommandResponse.Error to carry the tier failure")
	}
}

func TestSetMainDeviceUpdatesRouteController(t *testing.T) {
	routeCtl := &fakeRouteCtl{}
	client, stop := startTestServer(t, &fakeDevices{}, nil, routeCtl)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.SetMainDevice(ctx, &SetMainDeviceRequest{HardwareID: "dev2"})
	if err != nil {
		t.Fatalf("SetMainDevice: %v", err)
	}
	if routeCtl.mainID != "dev2" {
		t.Errorf("mainID = %q, want dev2", routeCtl.mainID)
	}
}

func TestRouteSnapshotReportsDecision(t *testing.T) {
	routeCtl := &fakeRouteCtl{
		decision: route.Decision{State: route.StateNormal, VideoRoute: route.RouteUSB, ControlRoute: route.ControlUSB, MainFPS: 60, SubFPS: 30},
		mainID:   "dev1",
	}
	client, stop := startTestServer(t, &fakeDevices{}, nil, routeCtl)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.RouteSnapshot(ctx, &RouteSnapshotRequest{})
	if err != nil {
		t.Fatalf("RouteSnapshot: %v", err)
	}
	if resp.MainDevice != "dev1" || resp.State != "NORMAL" || resp.MainFPS != 60 {
		t.Errorf("unexpected snapshot: %+v", resp)
	}
}
