package controlapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin typed wrapper generated by hand over the Control
// service's six RPCs, the way protoc-gen-go-grpc would generate one over
// a real .proto definition.
type Client struct {
	cc grpc.ClientConnInterface
}

// Dial connects to a controlapi Server at addr. The connection is
// insecure (plaintext) — this RPC surface is meant to run on localhost or
// a trusted LAN alongside the host process, not across a public network.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("controlapi: dial %s: %w", addr, err)
	}
	return &Client{cc: conn}, nil
}

func (c *Client) ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error) {
	out := new(ListDevicesResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListDevices", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Tap(ctx context.Context, req *TapRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Tap", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Swipe(ctx context.Context, req *SwipeRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Swipe", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Back(ctx context.Context, req *BackRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Back", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetMainDevice(ctx context.Context, req *SetMainDeviceRequest) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetMainDevice", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RouteSnapshot(ctx context.Context, req *RouteSnapshotRequest) (*RouteSnapshotResponse, error) {
	out := new(RouteSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RouteSnapshot", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
