// Package config loads the host-side configuration surface enumerated in
// the transport/pipeline spec: base port numbers, congestion/failure
// thresholds, buffer sizes, and queue depths. It follows the same loading
// shape the rest of this codebase uses elsewhere for device settings: an
// optional .env-style file in the project root, overridden by environment
// variables, memoized behind a package-level singleton.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface for one host process.
type Config struct {
	BaseVideoPort   int
	BaseCommandPort int
	BaseBridgePort  int

	UsbCongestionThresholdMbps float64
	UsbRTTThresholdMs          float64
	WifiLossThreshold          float64
	AliveTimeout               time.Duration
	SwitchCooldown             time.Duration
	CongestionThreshold        time.Duration
	FailureThreshold           time.Duration
	RecoveryThreshold          time.Duration

	MainFPSLevels [3]int // high, medium, low
	SubFPSLevels  [3]int

	RingBufferSize int
	UsbBufferSize  int
	UsbInTransfers int
	UsbInTimeout   time.Duration

	NalQueueSize int
	MaxNalSize   int
	MaxSpsSize   int
	MaxPpsSize   int

	ProtocolInvalidTearDownCount int

	StatusAPIAddr  string
	ControlAPIAddr string
}

// Default returns the configuration surface's default values, matching
// spec.md §6 verbatim.
func Default() Config {
	return Config{
		BaseVideoPort:   60000,
		BaseCommandPort: 50000,
		BaseBridgePort:  5555,

		UsbCongestionThresholdMbps: 25,
		UsbRTTThresholdMs:          50,
		WifiLossThreshold:          0.10,
		AliveTimeout:               30 * time.Second,
		SwitchCooldown:             3 * time.Second,
		CongestionThreshold:        3 * time.Second,
		FailureThreshold:           5 * time.Second,
		RecoveryThreshold:          5 * time.Second,

		MainFPSLevels: [3]int{60, 30, 15},
		SubFPSLevels:  [3]int{30, 15, 10},

		RingBufferSize: 1 << 20, // 1 MiB
		UsbBufferSize:  128 * 1024,
		UsbInTransfers: 8,
		UsbInTimeout:   20 * time.Millisecond,

		NalQueueSize: 128,
		MaxNalSize:   2 << 20, // 2 MiB
		MaxSpsSize:   256,
		MaxPpsSize:   256,

		ProtocolInvalidTearDownCount: 16,

		StatusAPIAddr:  ":8088",
		ControlAPIAddr: ":9090",
	}
}

var (
	loaded    *Config
	loadedErr error
)

// Load returns the process-wide configuration, loading it from
// mirage.env (if present) and the environment on first call.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, loadedErr
	}

	cfg := Default()

	root := findProjectRoot()
	envPath := filepath.Join(root, "mirage.env")
	if data, err := os.ReadFile(envPath); err == nil {
		applyEnvFile(string(data), &cfg)
	}
	applyEnvironment(&cfg)

	loaded = &cfg
	return loaded, nil
}

func applyEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		setField(cfg, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

func applyEnvironment(cfg *Config) {
	for _, key := range []string{
		"MIRAGE_BASE_VIDEO_PORT", "MIRAGE_BASE_COMMAND_PORT", "MIRAGE_BASE_BRIDGE_PORT",
		"MIRAGE_USB_CONGESTION_MBPS", "MIRAGE_USB_RTT_MS", "MIRAGE_WIFI_LOSS_THRESHOLD",
		"MIRAGE_ALIVE_TIMEOUT_MS", "MIRAGE_SWITCH_COOLDOWN_MS",
		"MIRAGE_CONGESTION_THRESHOLD_S", "MIRAGE_FAILURE_THRESHOLD_S", "MIRAGE_RECOVERY_THRESHOLD_S",
		"MIRAGE_RING_BUFFER_SIZE", "MIRAGE_USB_BUFFER_SIZE", "MIRAGE_USB_IN_TRANSFERS", "MIRAGE_USB_IN_TIMEOUT_MS",
		"MIRAGE_NAL_QUEUE_SIZE", "MIRAGE_MAX_NAL_SIZE", "MIRAGE_MAX_SPS_SIZE", "MIRAGE_MAX_PPS_SIZE",
		"MIRAGE_STATUS_API_ADDR", "MIRAGE_CONTROL_API_ADDR",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *Config, key, value string) {
	switch key {
	case "MIRAGE_BASE_VIDEO_PORT":
		cfg.BaseVideoPort = atoiOr(value, cfg.BaseVideoPort)
	case "MIRAGE_BASE_COMMAND_PORT":
		cfg.BaseCommandPort = atoiOr(value, cfg.BaseCommandPort)
	case "MIRAGE_BASE_BRIDGE_PORT":
		cfg.BaseBridgePort = atoiOr(value, cfg.BaseBridgePort)
	case "MIRAGE_USB_CONGESTION_MBPS":
		cfg.UsbCongestionThresholdMbps = atofOr(value, cfg.UsbCongestionThresholdMbps)
	case "MIRAGE_USB_RTT_MS":
		cfg.UsbRTTThresholdMs = atofOr(value, cfg.UsbRTTThresholdMs)
	case "MIRAGE_WIFI_LOSS_THRESHOLD":
		cfg.WifiLossThreshold = atofOr(value, cfg.WifiLossThreshold)
	case "MIRAGE_ALIVE_TIMEOUT_MS":
		cfg.AliveTimeout = durMsOr(value, cfg.AliveTimeout)
	case "MIRAGE_SWITCH_COOLDOWN_MS":
		cfg.SwitchCooldown = durMsOr(value, cfg.SwitchCooldown)
	case "MIRAGE_CONGESTION_THRESHOLD_S":
		cfg.CongestionThreshold = durSOr(value, cfg.CongestionThreshold)
	case "MIRAGE_FAILURE_THRESHOLD_S":
		cfg.FailureThreshold = durSOr(value, cfg.FailureThreshold)
	case "MIRAGE_RECOVERY_THRESHOLD_S":
		cfg.RecoveryThreshold = durSOr(value, cfg.RecoveryThreshold)
	case "MIRAGE_RING_BUFFER_SIZE":
		cfg.RingBufferSize = atoiOr(value, cfg.RingBufferSize)
	case "MIRAGE_USB_BUFFER_SIZE":
		cfg.UsbBufferSize = atoiOr(value, cfg.UsbBufferSize)
	case "MIRAGE_USB_IN_TRANSFERS":
		cfg.UsbInTransfers = atoiOr(value, cfg.UsbInTransfers)
	case "MIRAGE_USB_IN_TIMEOUT_MS":
		cfg.UsbInTimeout = durMsOr(value, cfg.UsbInTimeout)
	case "MIRAGE_NAL_QUEUE_SIZE":
		cfg.NalQueueSize = atoiOr(value, cfg.NalQueueSize)
	case "MIRAGE_MAX_NAL_SIZE":
		cfg.MaxNalSize = atoiOr(value, cfg.MaxNalSize)
	case "MIRAGE_MAX_SPS_SIZE":
		cfg.MaxSpsSize = atoiOr(value, cfg.MaxSpsSize)
	case "MIRAGE_MAX_PPS_SIZE":
		cfg.MaxPpsSize = atoiOr(value, cfg.MaxPpsSize)
	case "MIRAGE_STATUS_API_ADDR":
		cfg.StatusAPIAddr = value
	case "MIRAGE_CONTROL_API_ADDR":
		cfg.ControlAPIAddr = value
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func atofOr(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func durMsOr(s string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func durSOr(s string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, "mirage.env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
