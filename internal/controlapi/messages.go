package controlapi

import (
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/mirage-project/mirage/internal/registry"
)

// ListDevicesRequest has no fields; every registered device is returned.
type ListDevicesRequest struct{}

// ListDevicesResponse mirrors registry.Registry.List.
type ListDevicesResponse struct {
	Devices     []registry.Snapshot  `json:"devices"`
	GeneratedAt *timestamppb.Timestamp `json:"generated_at"`
}

// TapRequest targets one device (by hardware ID) with a tap at (X, Y) in
// the screen-coordinate space (ScreenW, ScreenH).
type TapRequest struct {
	HardwareID string `json:"hardware_id"`
	X          int32  `json:"x"`
	Y          int32  `json:"y"`
	ScreenW    int32  `json:"screen_w"`
	ScreenH    int32  `json:"screen_h"`
}

// SwipeRequest targets one device with a swipe from (X1, Y1) to (X2, Y2)
// over DurationMs.
type SwipeRequest struct {
	HardwareID string `json:"hardware_id"`
	X1         int32  `json:"x1"`
	Y1         int32  `json:"y1"`
	X2         int32  `json:"x2"`
	Y2         int32  `json:"y2"`
	DurationMs int32  `json:"duration_ms"`
}

// BackRequest targets one device with the system back action.
type BackRequest struct {
	HardwareID string `json:"hardware_id"`
	Flags      int32  `json:"flags"`
}

// CommandResponse is the uniform reply for every command RPC: which tier
// actually delivered it (matching CommandDispatcher's published tier
// strings) and, on failure, the error text.
type CommandResponse struct {
	Tier  string `json:"tier"`
	Error string `json:"error,omitempty"`
}

// SetMainDeviceRequest re-designates the main device for the route
// controller's FPS ladder.
type SetMainDeviceRequest struct {
	HardwareID string `json:"hardware_id"`
}

// RouteSnapshotRequest has no fields; the current decision is returned.
type RouteSnapshotRequest struct{}

// RouteSnapshotResponse mirrors route.Decision plus the currently
// designated main device.
type RouteSnapshotResponse struct {
	MainDevice   string `json:"main_device"`
	State        string `json:"state"`
	VideoRoute   string `json:"video_route"`
	ControlRoute string `json:"control_route"`
	MainFPS      int32  `json:"main_fps"`
	SubFPS       int32  `json:"sub_fps"`
}
