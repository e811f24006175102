package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mirage-project/mirage/internal/hybridreceiver"
	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
)

type fakeDevices struct {
	devices []registry.Snapshot
}

func (f *fakeDevices) List() []registry.Snapshot { return f.devices }

func (f *fakeDevices) Get(hardwareID string) (registry.Snapshot, bool) {
	for _, d := range f.devices {
		if d.HardwareID == hardwareID {
			return d, true
		}
	}
	return registry.Snapshot{}, false
}

type fakeStats struct {
	stats map[string]hybridreceiver.Snapshot
}

func (f *fakeStats) Stats() map[string]hybridreceiver.Snapshot { return f.stats }

type fakeRoute struct {
	decision route.Decision
	mainID   string
}

func (f *fakeRoute) Snapshot() route.Decision  { return f.decision }
func (f *fakeRoute) MainDeviceID() string      { return f.mainID }

type fakeDispatch struct {
	tier    string
	latency time.Duration
}

func (f *fakeDispatch) CurrentTier() string            { return f.tier }
func (f *fakeDispatch) LastAckLatency() time.Duration { return f.latency }

func newTestServer() *Server {
	devices := &fakeDevices{devices: []registry.Snapshot{
		{HardwareID: "abc123", Model: "Pixel", VideoPort: 60000},
	}}
	stats := &fakeStats{stats: map[string]hybridreceiver.Snapshot{
		"abc123": {Width: 1080, Height: 1920, Decoded: 42},
	}}
	rt := &fakeRoute{decision: route.Decision{State: route.StateNormal, VideoRoute: route.RouteUSB, MainFPS: 60, SubFPS: 30}, mainID: "abc123"}
	disp := &fakeDispatch{tier: "MIRA_USB", latency: 12 * time.Millisecond}
	return New(devices, stats, rt, disp)
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDeviceCount(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DeviceCount != 1 {
		t.Errorf("DeviceCount = %d, want 1", body.DeviceCount)
	}
}

func TestListDevicesReturnsRegisteredDevice(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Devices []registry.Snapshot `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Devices) != 1 || body.Devices[0].HardwareID != "abc123" {
		t.Errorf("unexpected devices payload: %+v", body.Devices)
	}
}

func TestGetDeviceUnknownReturns404(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/devices/does-not-exist")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetDeviceIncludesVideoSnapshot(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/devices/abc123")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Video hybridreceiver.Snapshot `json:"video"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Video.Decoded != 42 {
		t.Errorf("Decoded = %d, want 42", body.Video.Decoded)
	}
}

func TestRouteReportsCurrentDecision(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/route")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["main_device"] != "abc123" {
		t.Errorf("main_device = %v, want abc123", body["main_device"])
	}
}

func TestDispatchReportsTierAndLatency(t *testing.T) {
	s := newTestServer()
	rec := doGet(t, s, "/api/v1/dispatch")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		CurrentTier      string `json:"current_tier"`
		LastAckLatencyMs int64  `json:"last_ack_latency_ms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CurrentTier != "MIRA_USB" {
		t.Errorf("CurrentTier = %q, want MIRA_USB", body.CurrentTier)
	}
	if body.LastAckLatencyMs != 12 {
		t.Errorf("LastAckLatencyMs = %d, want 12", body.LastAckLatencyMs)
	}
}
