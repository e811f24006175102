package controlapi

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "mirage.controlapi.v1.Control"

// ControlServer is the interface grpc.ServiceDesc below dispatches onto;
// *Server satisfies it. Splitting it out, and the handler functions below,
// is what protoc-gen-go-grpc would normally generate from a .proto service
// definition; they're hand-written here for the same reason codec.go's
// jsonCodec is hand-written (see that file).
type ControlServer interface {
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	Tap(context.Context, *TapRequest) (*CommandResponse, error)
	Swipe(context.Context, *SwipeRequest) (*CommandResponse, error)
	Back(context.Context, *BackRequest) (*CommandResponse, error)
	SetMainDevice(context.Context, *SetMainDeviceRequest) (*CommandResponse, error)
	RouteSnapshot(context.Context, *RouteSnapshotRequest) (*RouteSnapshotResponse, error)
}

var _ ControlServer = (*Server)(nil)

func listDevicesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListDevicesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ListDevices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListDevices"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).ListDevices(ctx, req.(*ListDevicesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func tapHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Tap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Tap"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Tap(ctx, req.(*TapRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func swipeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SwipeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Swipe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Swipe"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Swipe(ctx, req.(*SwipeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func backHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BackRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Back(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Back"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Back(ctx, req.(*BackRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setMainDeviceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SetMainDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SetMainDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetMainDevice"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).SetMainDevice(ctx, req.(*SetMainDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func routeSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RouteSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RouteSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RouteSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).RouteSnapshot(ctx, req.(*RouteSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: listDevicesHandler},
		{MethodName: "Tap", Handler: tapHandler},
		{MethodName: "Swipe", Handler: swipeHandler},
		{MethodName: "Back", Handler: backHandler},
		{MethodName: "SetMainDevice", Handler: setMainDeviceHandler},
		{MethodName: "RouteSnapshot", Handler: routeSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "controlapi.proto",
}
