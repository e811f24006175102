// Package adb implements the host debug-bridge tier: registry.Lister and
// registry.Prober backed by `adb devices`/`adb shell getprop`, and
// dispatch.ShellSink backed by `adb shell input`, invoked the way the
// teacher's deployment code shells out and checks exit status.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mirage-project/mirage/internal/registry"
)

// DefaultTimeout bounds every adb invocation this package makes.
const DefaultTimeout = 5 * time.Second

// Bridge runs the `adb` binary on PATH for registry discovery, device
// probing, and tier-3 shell dispatch. The zero value is ready to use.
type Bridge struct {
	// Path overrides the adb binary location; empty uses "adb" from PATH.
	Path string
	// Timeout bounds each adb invocation; DefaultTimeout if zero.
	Timeout time.Duration
}

func (b *Bridge) binary() string {
	if b.Path != "" {
		return b.Path
	}
	return "adb"
}

func (b *Bridge) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return DefaultTimeout
}

func (b *Bridge) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, b.binary(), args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("adb %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// ListTransports implements registry.Lister by parsing `adb devices -l`.
// Both USB serials and "ip:port" TCP/IP peers appear as ordinary rows;
// registry.classifyTransport tells them apart by the presence of a colon.
func (b *Bridge) ListTransports() ([]string, error) {
	out, err := b.run("devices", "-l")
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue // skip "offline", "unauthorized", "no permissions" rows
		}
		ids = append(ids, fields[0])
	}
	return ids, nil
}

// Probe implements registry.Prober via a batch of `adb shell getprop`
// calls for one transport ID.
func (b *Bridge) Probe(transportID string) (registry.DeviceInfo, error) {
	props, err := b.getprops(transportID,
		"ro.serialno", "ro.product.model", "ro.product.manufacturer", "ro.build.version.release")
	if err != nil {
		return registry.DeviceInfo{}, err
	}

	info := registry.DeviceInfo{
		HardwareID:   firstNonEmpty(props["ro.serialno"], transportID),
		Model:        props["ro.product.model"],
		Manufacturer: props["ro.product.manufacturer"],
		OSVersion:    props["ro.build.version.release"],
	}

	wm, err := b.run("-s", transportID, "shell", "wm", "size")
	if err == nil {
		if w, h, ok := parseWMSize(wm); ok {
			info.ScreenWidth = w
			info.ScreenHeight = h
		}
	}
	density, err := b.run("-s", transportID, "shell", "wm", "density")
	if err == nil {
		if d, ok := parseWMDensity(density); ok {
			info.ScreenDensity = d
		}
	}

	return info, nil
}

func (b *Bridge) getprops(transportID string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := b.run("-s", transportID, "shell", "getprop", key)
		if err != nil {
			return nil, err
		}
		out[key] = strings.TrimSpace(v)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseWMSize parses `wm size` output of the form "Physical size: 1080x2400".
func parseWMSize(out string) (w, h int32, ok bool) {
	idx := strings.LastIndex(out, ":")
	if idx < 0 {
		return 0, 0, false
	}
	dims := strings.TrimSpace(out[idx+1:])
	parts := strings.SplitN(dims, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	wi, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return int32(wi), int32(hi), true
}

// parseWMDensity parses `wm density` output of the form "Physical density: 420".
func parseWMDensity(out string) (int32, bool) {
	idx := strings.LastIndex(out, ":")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(out[idx+1:]))
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

// ShellSink implements dispatch.ShellSink for one transport ID over
// `adb shell input`, the tier-3 fallback the spec names explicitly.
type ShellSink struct {
	Bridge      *Bridge
	TransportID string
}

func (s *ShellSink) Tap(x, y int32) error {
	_, err := s.Bridge.run("-s", s.TransportID, "shell", "input", "tap",
		strconv.Itoa(int(x)), strconv.Itoa(int(y)))
	return err
}

func (s *ShellSink) Swipe(x1, y1, x2, y2, durationMs int32) error {
	_, err := s.Bridge.run("-s", s.TransportID, "shell", "input", "swipe",
		strconv.Itoa(int(x1)), strconv.Itoa(int(y1)),
		strconv.Itoa(int(x2)), strconv.Itoa(int(y2)),
		strconv.Itoa(int(durationMs)))
	return err
}

func (s *ShellSink) Key(keycode int32) error {
	_, err := s.Bridge.run("-s", s.TransportID, "shell", "input", "keyevent",
		strconv.Itoa(int(keycode)))
	return err
}
