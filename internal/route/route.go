// Package route implements RouteController: the state machine that watches
// BandwidthMonitor snapshots and drives video_route/control_route/FPS
// decisions, emitting the corresponding commands through CommandDispatcher
// on every transition.
package route

import (
	"sync"
	"time"

	"github.com/mirage-project/mirage/internal/bandwidth"
)

// State is one of the six route-controller states.
type State string

const (
	StateNone         State = ""
	StateNormal       State = "NORMAL"
	StateUSBOffload   State = "USB_OFFLOAD"
	StateFPSReduced   State = "FPS_REDUCED"
	StateUSBFailed    State = "USB_FAILED"
	StateWifiFailed   State = "WIFI_FAILED"
	StateBothDegraded State = "BOTH_DEGRADED"
)

// VideoRoute is the transport a device's encoder should stream video over.
type VideoRoute string

const (
	RouteUSB  VideoRoute = "USB"
	RouteWifi VideoRoute = "WIFI"
)

// ControlRoute is the transport a device's commands should travel over.
type ControlRoute string

const (
	ControlUSB       ControlRoute = "USB"
	ControlWifiShell ControlRoute = "WIFI_SHELL"
)

// wifiRecoveryLossThreshold is the loss rate below which Wi-Fi counts as
// "recovered" for hysteresis purposes; it sits below the 10% failure band
// so a link flapping exactly at the edge doesn't oscillate in and out of
// recovery every evaluation cycle.
const wifiRecoveryLossThreshold = 0.05

// wifiOffloadLossThreshold is the loss rate at which an already-offloaded
// device additionally reduces FPS (spec'd supplement: USB_OFFLOAD ->
// FPS_REDUCED when Wi-Fi loss exceeds 10% while the video is already
// running over Wi-Fi).
const wifiOffloadLossThreshold = 0.10

// Notifier is the narrow interface RouteController uses to push its
// decisions downstream. A concrete implementation (cmd/mirage-host's
// routeNotifier) knows which physical device is presently "main" and
// which are "sub", and issues the wire commands via CommandDispatcher/Hub.
type Notifier interface {
	SetVideoRoute(route VideoRoute)
	SetMainFPS(fps int)
	SetSubFPS(fps int)
	RequestIDR()
}

// Config bundles the thresholds a Controller evaluates against. Zero value
// is not useful; use DefaultConfig or values sourced from config.Config.
type Config struct {
	CongestionThreshold time.Duration
	FailureThreshold    time.Duration
	RecoveryThreshold   time.Duration
	SwitchCooldown      time.Duration

	MainFPSLevels [3]int // high, medium, low
	SubFPSLevels  [3]int
}

// DefaultConfig matches spec.md §4.10 / §6's default values.
func DefaultConfig() Config {
	return Config{
		CongestionThreshold: 3 * time.Second,
		FailureThreshold:    5 * time.Second,
		RecoveryThreshold:   5 * time.Second,
		SwitchCooldown:      3 * time.Second,
		MainFPSLevels:       [3]int{60, 30, 15},
		SubFPSLevels:        [3]int{30, 15, 10},
	}
}

// Decision is one evaluation's output: the route/FPS state every
// registered device should be driven toward.
type Decision struct {
	State        State
	VideoRoute   VideoRoute
	ControlRoute ControlRoute
	MainFPS      int
	SubFPS       int
	Changed      bool
}

// Controller runs the RouteController state machine for one evaluation
// loop: one process-wide instance with a single main device, ticked at
// 1 Hz by a single global evaluator goroutine.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	notifier Notifier

	state          State
	lastTransition time.Time

	usbCongestedStreak time.Duration
	usbFailedStreak    time.Duration
	wifiFailedStreak   time.Duration
	bothDownStreak     time.Duration
	recoveryStreak     time.Duration
	usbAliveStreak     time.Duration
	wifiAliveStreak    time.Duration
	lastEvalAt         time.Time

	mainRung        int // 0 = high, 1 = medium, 2 = low
	mainFPS         int
	subFPS          int
	priorVideoRoute VideoRoute

	mainDeviceID string
	tcpOnly      bool
}

// New returns a Controller in StateNone, which transitions into NORMAL (or
// directly into a degraded state) on its first Evaluate call regardless of
// cooldown, per spec.md §4.10's "sole exception of leaving state None".
func New(cfg Config, notifier Notifier) *Controller {
	return &Controller{
		cfg:      cfg,
		notifier: notifier,
		state:    StateNone,
		mainFPS:  cfg.MainFPSLevels[0],
		subFPS:   cfg.SubFPSLevels[0],
	}
}

// SetTCPOnly switches the controller into/out of TCP-only mode, where FPS
// is driven solely off Wi-Fi loss bands and the USB side of the machine is
// ignored entirely.
func (c *Controller) SetTCPOnly(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tcpOnly = on
}

// SetMainDevice re-designates which registered device is "main". Its FPS
// ladder (60/30/15 vs the sub ladder 30/15/10) applies immediately: the
// current rung is re-pushed through the notifier rather than waiting for
// the next evaluation tick.
func (c *Controller) SetMainDevice(hardwareID string) {
	c.mu.Lock()
	c.mainDeviceID = hardwareID
	mainFPS, subFPS := c.cfg.MainFPSLevels[c.mainRung], c.cfg.SubFPSLevels[c.mainRung]
	c.mainFPS, c.subFPS = mainFPS, subFPS
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.SetMainFPS(mainFPS)
		c.notifier.SetSubFPS(subFPS)
	}
}

// MainDeviceID returns the hardware ID most recently set via SetMainDevice.
func (c *Controller) MainDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainDeviceID
}

// Snapshot returns the most recently computed Decision without running a
// new evaluation, for a status surface to poll between ticks.
func (c *Controller) Snapshot() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisionLocked(false)
}

func bumpStreak(cur, dt time.Duration, active bool) time.Duration {
	if !active {
		return 0
	}
	return cur + dt
}

// Evaluate runs one tick of the state machine against fresh bandwidth
// snapshots and returns the resulting Decision. It is meant to be called
// from the single 1 Hz route-controller evaluator goroutine; dt is the
// wall-clock gap since the previous call (used to advance the hysteresis
// streaks rather than assuming a fixed 1 Hz cadence).
func (c *Controller) Evaluate(now time.Time, usb bandwidth.UsbStats, wifi bandwidth.WifiStats) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dt time.Duration
	if !c.lastEvalAt.IsZero() {
		dt = now.Sub(c.lastEvalAt)
	}
	c.lastEvalAt = now

	if c.tcpOnly {
		return c.evaluateTCPOnlyLocked(now, wifi)
	}

	usbFailed := !usb.IsAlive
	wifiFailed := !wifi.IsAlive
	bothDown := usbFailed && wifiFailed
	recovered := usb.IsAlive && !usb.IsCongested && wifi.IsAlive && wifi.PacketLossRate < wifiRecoveryLossThreshold

	c.bothDownStreak = bumpStreak(c.bothDownStreak, dt, bothDown)
	c.usbFailedStreak = bumpStreak(c.usbFailedStreak, dt, usbFailed && !bothDown)
	c.wifiFailedStreak = bumpStreak(c.wifiFailedStreak, dt, wifiFailed && !bothDown)
	c.usbCongestedStreak = bumpStreak(c.usbCongestedStreak, dt, usb.IsCongested && !usbFailed)
	c.recoveryStreak = bumpStreak(c.recoveryStreak, dt, recovered)
	c.usbAliveStreak = bumpStreak(c.usbAliveStreak, dt, usb.IsAlive && !usb.IsCongested)
	c.wifiAliveStreak = bumpStreak(c.wifiAliveStreak, dt, wifi.IsAlive)

	canTransition := c.state == StateNone || now.Sub(c.lastTransition) >= c.cfg.SwitchCooldown

	next := c.state
	if canTransition {
		next = c.nextStateLocked(usb, wifi)
	}

	changed := next != c.state
	if changed {
		c.state = next
		c.lastTransition = now
		c.applyTransitionEffectsLocked(next)
	} else if c.state == StateFPSReduced {
		// Still inside FPS_REDUCED with no fresh transition: keep stepping
		// toward the rung's target at the same ±5-per-cycle pace rather than
		// holding at whatever value the last step landed on.
		c.stepFPSLocked()
	}

	return c.decisionLocked(changed)
}

// nextStateLocked computes the target state from the current state and the
// accumulated hysteresis streaks. Grounded on route_controller.cpp's full
// transition table (spec.md §4.10 only documents the NORMAL row).
func (c *Controller) nextStateLocked(usb bandwidth.UsbStats, wifi bandwidth.WifiStats) State {
	bothDownReady := c.bothDownStreak >= c.cfg.FailureThreshold
	usbFailedReady := c.usbFailedStreak >= c.cfg.FailureThreshold
	wifiFailedReady := c.wifiFailedStreak >= c.cfg.FailureThreshold
	congestedReady := c.usbCongestedStreak >= c.cfg.CongestionThreshold
	recoveredReady := c.recoveryStreak >= c.cfg.RecoveryThreshold

	switch c.state {
	case StateNone, StateNormal:
		switch {
		case bothDownReady:
			return StateBothDegraded
		case usbFailedReady:
			return StateUSBFailed
		case wifiFailedReady:
			return StateWifiFailed
		case congestedReady:
			return StateUSBOffload
		}
		return StateNormal

	case StateUSBOffload:
		switch {
		case bothDownReady:
			return StateBothDegraded
		case !usb.IsCongested && recoveredReady:
			return StateNormal
		case wifi.PacketLossRate > wifiOffloadLossThreshold:
			return StateFPSReduced
		}
		return StateUSBOffload

	case StateFPSReduced:
		switch {
		case bothDownReady:
			return StateBothDegraded
		case c.mainRung == 0 && wifi.PacketLossRate <= wifiOffloadLossThreshold:
			return StateUSBOffload
		}
		return StateFPSReduced

	case StateUSBFailed, StateWifiFailed:
		switch {
		case bothDownReady:
			return StateBothDegraded
		case recoveredReady:
			return StateNormal
		}
		return c.state

	case StateBothDegraded:
		// Leaving BOTH_DEGRADED requires the same 5s liveness hysteresis as
		// any other recovery, not a single good sample: scenario 3 requires
		// "after 5 s of liveness" before the state actually moves.
		switch {
		case c.usbAliveStreak >= c.cfg.RecoveryThreshold:
			return StateNormal
		case c.wifiAliveStreak >= c.cfg.RecoveryThreshold:
			return StateUSBFailed
		}
		return StateBothDegraded
	}
	return c.state
}

// applyTransitionEffectsLocked sets the target route/FPS rung for a freshly
// entered state and, when the transition changes video_route, requests a
// fresh IDR (Open Question resolved in DESIGN.md: CommandDispatcher issues
// video-IDR-request after every route change so the decoder isn't left
// waiting on a keyframe that predates the switch).
func (c *Controller) applyTransitionEffectsLocked(next State) {
	prevRung := c.mainRung
	switch next {
	case StateNormal:
		c.mainRung = 0
	case StateUSBOffload:
		c.mainRung = 0
	case StateUSBFailed:
		c.mainRung = 1
	case StateWifiFailed:
		c.mainRung = 2
	case StateFPSReduced:
		if c.mainRung < 2 {
			c.mainRung++
		}
	case StateBothDegraded:
		c.mainRung = 2
	}

	// Hard failure/recovery transitions set fps straight to the new rung's
	// target (spec.md §4.10 scenario 3: "fps to medium"/"fps to low" land in
	// the same cycle as the route switch). Only a transition into
	// FPS_REDUCED steps by a single rung's worth instead of jumping there.
	if next == StateFPSReduced {
		c.stepFPSLocked()
	} else {
		c.mainFPS = c.cfg.MainFPSLevels[c.mainRung]
		c.subFPS = c.cfg.SubFPSLevels[c.mainRung]
	}

	newRoute := c.videoRouteLocked(next)
	routeChanged := newRoute != c.priorVideoRoute
	c.priorVideoRoute = newRoute
	if c.notifier != nil {
		c.notifier.SetVideoRoute(newRoute)
		if routeChanged || c.mainRung != prevRung {
			c.notifier.RequestIDR()
		}
	}
}

func (c *Controller) videoRouteLocked(s State) VideoRoute {
	switch s {
	case StateUSBFailed, StateBothDegraded, StateUSBOffload, StateFPSReduced:
		return RouteWifi
	default:
		return RouteUSB
	}
}

func (c *Controller) controlRouteLocked() ControlRoute {
	switch c.state {
	case StateUSBFailed, StateBothDegraded:
		return ControlWifiShell
	default:
		return ControlUSB
	}
}

// stepFPSLocked advances mainFPS/subFPS toward the current rung's target by
// at most 5 per evaluation cycle, per spec.md §4.10's "stepped (±5) toward
// the target" rule. Used for FPS_REDUCED (entering it from USB_OFFLOAD and
// every cycle spent inside it) and on every TCP-only evaluation. Every other
// transition sets fps directly.
func (c *Controller) stepFPSLocked() {
	c.mainFPS = stepToward(c.mainFPS, c.cfg.MainFPSLevels[c.mainRung], 5)
	c.subFPS = stepToward(c.subFPS, c.cfg.SubFPSLevels[c.mainRung], 5)
}

func stepToward(cur, target, step int) int {
	if cur == target {
		return cur
	}
	if cur < target {
		if cur+step > target {
			return target
		}
		return cur + step
	}
	if cur-step < target {
		return target
	}
	return cur - step
}

func (c *Controller) decisionLocked(changed bool) Decision {
	return Decision{
		State:        c.state,
		VideoRoute:   c.videoRouteLocked(c.state),
		ControlRoute: c.controlRouteLocked(),
		MainFPS:      c.mainFPS,
		SubFPS:       c.subFPS,
		Changed:      changed,
	}
}

// evaluateTCPOnlyLocked implements the TCP-only mode supplement: the
// USB-side of the machine is skipped entirely and FPS is driven solely off
// Wi-Fi loss bands (5% / 10%), carried verbatim from the original's
// tcp-only branch.
func (c *Controller) evaluateTCPOnlyLocked(now time.Time, wifi bandwidth.WifiStats) Decision {
	targetRung := 0
	switch {
	case wifi.PacketLossRate > wifiOffloadLossThreshold:
		targetRung = 2
	case wifi.PacketLossRate > wifiRecoveryLossThreshold:
		targetRung = 1
	}

	changed := targetRung != c.mainRung
	if changed && now.Sub(c.lastTransition) >= c.cfg.SwitchCooldown {
		c.mainRung = targetRung
		c.lastTransition = now
	}
	c.stepFPSLocked()

	return Decision{
		State:        StateNormal,
		VideoRoute:   RouteWifi,
		ControlRoute: ControlWifiShell,
		MainFPS:      c.mainFPS,
		SubFPS:       c.subFPS,
		Changed:      changed,
	}
}
