// Package statusapi exposes a read-only HTTP status and metrics surface
// over every registered device, the route controller, and the host's own
// NIC counters, for the out-of-scope GUI to poll. It never issues a
// command itself; internal/controlapi is the RPC surface that does.
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/mirage-project/mirage/internal/hybridreceiver"
	"github.com/mirage-project/mirage/internal/registry"
	"github.com/mirage-project/mirage/internal/route"
)

// DeviceLister is the narrow view onto DeviceRegistry this package needs.
type DeviceLister interface {
	List() []registry.Snapshot
	Get(hardwareID string) (registry.Snapshot, bool)
}

// StatsProvider is the narrow view onto MultiDeviceReceiver/Orchestrator
// this package needs.
type StatsProvider interface {
	Stats() map[string]hybridreceiver.Snapshot
}

// RouteProvider is the narrow view onto RouteController this package
// needs.
type RouteProvider interface {
	Snapshot() route.Decision
	MainDeviceID() string
}

// DispatchProvider is the narrow view onto CommandDispatcher this package
// needs.
type DispatchProvider interface {
	CurrentTier() string
	LastAckLatency() time.Duration
}

// Server wires the above providers into the /api/v1 routes below.
type Server struct {
	devices  DeviceLister
	stats    StatsProvider
	routeCtl RouteProvider
	dispatch DispatchProvider
	startedAt time.Time

	router *gin.Engine
	http   *http.Server
}

// New builds the gin router and binds every handler, but does not start
// listening; call Run for that.
func New(devices DeviceLister, stats StatsProvider, routeCtl RouteProvider, dispatch DispatchProvider) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		devices:   devices,
		stats:     stats,
		routeCtl:  routeCtl,
		dispatch:  dispatch,
		startedAt: time.Now(),
		router:    router,
	}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/devices", s.handleListDevices)
		api.GET("/devices/:hardwareID", s.handleGetDevice)
		api.GET("/route", s.handleRoute)
		api.GET("/dispatch", s.handleDispatch)
		api.GET("/metrics/host", s.handleHostMetrics)
	}
	return s
}

// Handler returns the underlying http.Handler, for tests that want to
// drive it with httptest without a real listener.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server on addr and blocks until ctx is cancelled,
// then shuts down gracefully with a 5s drain window.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	UptimeSecs  int64  `json:"uptime_secs"`
	DeviceCount int    `json:"device_count"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "healthy",
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
		DeviceCount: len(s.devices.List()),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.devices.List()})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	hardwareID := c.Param("hardwareID")
	dev, ok := s.devices.Get(hardwareID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	resp := gin.H{"device": dev}
	if snap, ok := s.stats.Stats()[hardwareID]; ok {
		resp["video"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRoute(c *gin.Context) {
	decision := s.routeCtl.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"main_device": s.routeCtl.MainDeviceID(),
		"state":       decision.State,
		"video_route": decision.VideoRoute,
		"control_route": decision.ControlRoute,
		"main_fps":    decision.MainFPS,
		"sub_fps":     decision.SubFPS,
	})
}

func (s *Server) handleDispatch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current_tier":      s.dispatch.CurrentTier(),
		"last_ack_latency_ms": s.dispatch.LastAckLatency().Milliseconds(),
	})
}

// handleHostMetrics reports host-level NIC counters via gopsutil,
// supplementary to BandwidthMonitor's own app-level counters: it shows
// what the OS sees moving on the interface regardless of which device or
// transport layer is responsible for it.
func (s *Server) handleHostMetrics(c *gin.Context) {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("nic counters: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"interfaces": counters})
}
