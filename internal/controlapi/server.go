// Package controlapi is the control-plane RPC surface for the out-of-scope
// GUI: device listing, per-device command dispatch, and route-controller
// status/override, wrapping DeviceRegistry, CommandDispatcher and
// RouteController behind a hand-built gRPC service (see codec.go for why
// it is hand-built rather than protoc-generated).
package controlapi

import (
	"context"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
)

// Dispatcher is the narrow view onto dispatch.Dispatcher this package
// needs for one device.
type Dispatcher interface {
	Tap(x, y, screenW, screenH int32) (string, error)
	Swipe(x1, y1, x2, y2, durationMs int32) (string, error)
	Back(flags int32) (string, error)
}

// DispatcherLookup resolves a hardware ID to its device's Dispatcher.
type DispatcherLookup func(hardwareID string) (Dispatcher, bool)

// DeviceLister is the narrow view onto registry.Registry this package
// needs.
type DeviceLister interface {
	List() []registry.Snapshot
}

// RouteController is the narrow view onto route.Controller this package
// needs.
type RouteController interface {
	Snapshot() route.Decision
	MainDeviceID() string
	SetMainDevice(hardwareID string)
}

// Server implements ControlServer over a DeviceRegistry, a per-device
// Dispatcher lookup, and a RouteController.
type Server struct {
	devices    DeviceLister
	dispatcher DispatcherLookup
	routeCtl   RouteController
}

// NewServer builds a Server. dispatcher may return (nil, false) for a
// hardware ID with no live Dispatcher (e.g. known to the registry but not
// yet fully attached), which every command RPC reports as NotFound.
func NewServer(devices DeviceLister, dispatcher DispatcherLookup, routeCtl RouteController) *Server {
	return &Server{devices: devices, dispatcher: dispatcher, routeCtl: routeCtl}
}

func (s *Server) ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	return &ListDevicesResponse{
		Devices:     s.devices.List(),
		GeneratedAt: timestamppb.Now(),
	}, nil
}

func (s *Server) Tap(ctx context.Context, req *TapRequest) (*CommandResponse, error) {
	d, ok := s.dispatcher(req.HardwareID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no dispatcher for device %s", req.HardwareID)
	}
	tier, err := d.Tap(req.X, req.Y, req.ScreenW, req.ScreenH)
	return commandResponse(tier, err)
}

func (s *Server) Swipe(ctx context.Context, req *SwipeRequest) (*CommandResponse, error) {
	d, ok := s.dispatcher(req.HardwareID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no dispatcher for device %s", req.HardwareID)
	}
	tier, err := d.Swipe(req.X1, req.Y1, req.X2, req.Y2, req.DurationMs)
	return commandResponse(tier, err)
}

func (s *Server) Back(ctx context.Context, req *BackRequest) (*CommandResponse, error) {
	d, ok := s.dispatcher(req.HardwareID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no dispatcher for device %s", req.HardwareID)
	}
	tier, err := d.Back(req.Flags)
	return commandResponse(tier, err)
}

func (s *Server) SetMainDevice(ctx context.Context, req *SetMainDeviceRequest) (*CommandResponse, error) {
	if req.HardwareID == "" {
		return nil, status.Error(codes.InvalidArgument, "hardware_id must not be empty")
	}
	s.routeCtl.SetMainDevice(req.HardwareID)
	return &CommandResponse{Tier: "route"}, nil
}

func (s *Server) RouteSnapshot(ctx context.Context, req *RouteSnapshotRequest) (*RouteSnapshotResponse, error) {
	d := s.routeCtl.Snapshot()
	return &RouteSnapshotResponse{
		MainDevice:   s.routeCtl.MainDeviceID(),
		State:        string(d.State),
		VideoRoute:   string(d.VideoRoute),
		ControlRoute: string(d.ControlRoute),
		MainFPS:      int32(d.MainFPS),
		SubFPS:       int32(d.SubFPS),
	}, nil
}

// commandResponse reports a tier failure (every tier tried and failed) as
// a normal, successful RPC carrying an error string rather than a gRPC
// error, since "the command could not be delivered over any tier" is an
// ordinary, expected outcome for a GUI to display, not an RPC-transport
// failure.
func commandResponse(tier string, err error) (*CommandResponse, error) {
	if err != nil {
		return &CommandResponse{Tier: tier, Error: err.Error()}, nil
	}
	return &CommandResponse{Tier: tier}, nil
}

// Serve runs a gRPC server over the hand-built Control service on addr,
// blocking until ctx is cancelled.
func Serve(ctx context.Context, addr string, srv *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controlapi: listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	grpcServer.RegisterService(&serviceDesc, srv)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("controlapi: serving on %s", addr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
