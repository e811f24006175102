package usbtransport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// interfaceNumber is the Accessory interface claimed on every switched
// device; Accessory mode always exposes exactly one bulk IN/OUT pair on
// interface 0, alt-setting 0.
const interfaceNumber = 0
const altSetting = 0

// TransportPair owns one claimed USB interface and its bulk endpoint
// pair for a single device already running in Accessory mode.
type TransportPair struct {
	HardwareBusAddr string // "bus:address", used before a hardware ID is known

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// openTransportPair claims interface 0 on dev and locates its bulk IN and
// bulk OUT endpoints, in the cascading-cleanup-on-error shape a USB open
// sequence always needs: any step that fails tears down everything opened
// before it.
func openTransportPair(ctx *gousb.Context, dev *gousb.Device, busAddr string) (*TransportPair, error) {
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}

	config, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("set config: %w", err)
	}

	intf, err := config.Interface(interfaceNumber, altSetting)
	if err != nil {
		config.Close()
		dev.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}

	epOut, epIn, err := findBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		return nil, err
	}

	return &TransportPair{
		HardwareBusAddr: busAddr,
		ctx:             ctx,
		device:          dev,
		config:          config,
		intf:            intf,
		epOut:           epOut,
		epIn:            epIn,
	}, nil
}

// findBulkEndpoints scans the claimed interface's current alt-setting for
// one bulk OUT and one bulk IN endpoint, the pair Accessory mode exposes.
func findBulkEndpoints(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	setting := intf.Setting
	outNum, inNum := -1, -1
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outNum = ep.Number
		} else {
			inNum = ep.Number
		}
	}
	if outNum < 0 {
		return nil, nil, fmt.Errorf("no bulk OUT endpoint found")
	}
	if inNum < 0 {
		return nil, nil, fmt.Errorf("no bulk IN endpoint found")
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		return nil, nil, fmt.Errorf("open OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		return nil, nil, fmt.Errorf("open IN endpoint: %w", err)
	}
	return epOut, epIn, nil
}

// BusAddr returns the "bus:address" this pair was opened under.
func (p *TransportPair) BusAddr() string { return p.HardwareBusAddr }

// Send performs one bulk-OUT transfer with a 1-second timeout.
func (p *TransportPair) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_, err := p.epOut.WriteContext(ctx, data)
	if err != nil {
		return fmt.Errorf("bulk out: %w", err)
	}
	return nil
}

// Receive performs one bulk-IN transfer into buf, bounded by timeout.
func (p *TransportPair) Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := p.epIn.ReadContext(rctx, buf)
	if err != nil {
		return n, fmt.Errorf("bulk in: %w", err)
	}
	return n, nil
}

// Close tears the pair down in reverse-open order: interface, config,
// device. The shared gousb context is left open (Manager.Stop closes it).
// Every step is nil-checked so a partially constructed pair can be closed
// safely.
func (p *TransportPair) Close() {
	if p.intf != nil {
		p.intf.Close()
	}
	if p.config != nil {
		p.config.Close()
	}
	if p.device != nil {
		p.device.Close()
	}
}
