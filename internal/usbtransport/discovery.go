package usbtransport

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// accessOpenRetryDelay is how long a second device-open attempt waits
// after an "access denied" failure, giving a leaked OS handle from a
// crashed prior process a chance to clear.
const accessOpenRetryDelay = 500 * time.Millisecond

// Candidate is one enumerated USB device, classified by whether it is
// still running its stock (pre-Accessory) firmware or has already
// switched.
type Candidate struct {
	BusAddr      string
	VendorID     gousb.ID
	ProductID    gousb.ID
	AlreadySwitched bool
}

// Scan enumerates every attached USB device recognized as a candidate
// Android device: either an already-switched Accessory-mode device, or
// one whose vendor ID is in AndroidVendorIDs and hasn't switched yet.
func Scan(ctx *gousb.Context) ([]Candidate, error) {
	var found []Candidate
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		switched := isAccessoryPID(desc.Vendor, desc.Product)
		android := isAndroidVendor(desc.Vendor)
		if switched || android {
			found = append(found, Candidate{
				BusAddr:         fmt.Sprintf("%d:%d", desc.Bus, desc.Address),
				VendorID:        desc.Vendor,
				ProductID:       desc.Product,
				AlreadySwitched: switched,
			})
		}
		return false // never keep the device open during the scan pass
	})
	for _, d := range devices {
		d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("usb scan: %w", err)
	}
	return found, nil
}

// SwitchAndOpen drives one not-yet-switched candidate through the AOA
// handshake. The device re-enumerates under a new PID after this
// returns; the caller must rescan to pick up the switched device and
// call OpenSwitched on it.
func SwitchAndOpen(ctx *gousb.Context, vid, pid gousb.ID, preStart PreStartHook) error {
	dev, err := openWithAccessRetry(ctx, vid, pid)
	if err != nil {
		return err
	}
	defer dev.Close()

	version, err := switchToAccessory(dev, preStart)
	if err != nil {
		return fmt.Errorf("switch to accessory (vid=%04x pid=%04x): %w", vid, pid, err)
	}
	log.Printf("usbtransport: switched vid=%04x pid=%04x to accessory mode (protocol v%d)", vid, pid, version)
	return nil
}

// OpenSwitched opens an already-Accessory-mode device (vid=GoogleVID,
// pid in AccessoryPIDs) and claims its bulk endpoint pair.
func OpenSwitched(ctx *gousb.Context, vid, pid gousb.ID) (*TransportPair, error) {
	dev, err := openWithAccessRetry(ctx, vid, pid)
	if err != nil {
		return nil, err
	}
	_ = dev.SetAutoDetach(true)

	desc := dev.Desc
	busAddr := fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
	pair, err := openTransportPair(ctx, dev, busAddr)
	if err != nil {
		return nil, fmt.Errorf("open switched device %s: %w", busAddr, err)
	}
	return pair, nil
}

// openWithAccessRetry opens a device by VID/PID, retrying once after a
// brief delay if the first attempt reports "access denied" (a leaked OS
// handle from a previous crashed process). If the retry also fails, it
// logs a durable message recommending a physical re-plug.
func openWithAccessRetry(ctx *gousb.Context, vid, pid gousb.ID) (*gousb.Device, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err == nil && dev != nil {
		return dev, nil
	}
	if err == nil && dev == nil {
		return nil, fmt.Errorf("device vid=%04x pid=%04x not found", vid, pid)
	}
	if !isAccessDenied(err) {
		return nil, fmt.Errorf("open device vid=%04x pid=%04x: %w", vid, pid, err)
	}

	time.Sleep(accessOpenRetryDelay)
	dev, err = ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		log.Printf("usbtransport: device vid=%04x pid=%04x still access-denied after retry; a physical re-plug is required to clear the stuck handle", vid, pid)
		if err == nil {
			err = fmt.Errorf("device vid=%04x pid=%04x not found on retry", vid, pid)
		}
		return nil, err
	}
	return dev, nil
}
