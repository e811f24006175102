// Package usbtransport implements UsbAccessory: enumerating Android
// devices over USB, switching them into Accessory mode, and running the
// per-device send/receive loops once the device re-enumerates with its
// bulk endpoints claimed.
package usbtransport

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// AOA control-request codes, per the Android Open Accessory spec.
const (
	aoaGetProtocol    = 51
	aoaSendString     = 52
	aoaStartAccessory = 53
)

// String indices accepted by AOA_SEND_STRING.
const (
	stringManufacturer = 0
	stringModel        = 1
	stringDescription  = 2
	stringVersion      = 3
	stringURI          = 4
	stringSerial       = 5
)

// Identification strings sent verbatim on every switch to Accessory mode.
const (
	idManufacturer = "Mirage"
	idModel        = "MirageCtl"
	idDescription  = "Mirage Control Interface"
	idVersion      = "1"
	idURI          = "https://github.com/mirage"
	idSerial       = "MirageCtl001"
)

// GoogleVID is Google's USB vendor ID; devices already switched into
// Accessory mode enumerate under this VID regardless of their original one.
const GoogleVID gousb.ID = 0x18D1

// AccessoryPIDs are the product IDs a device may present after switching,
// depending on whether it also exposes ADB and/or an audio interface.
var AccessoryPIDs = []gousb.ID{
	0x2D00, // accessory + adb
	0x2D01, // accessory
	0x2D04, // accessory + audio
	0x2D05, // accessory + audio + adb
}

// AndroidVendorIDs is the fixed set of vendor IDs recognized as candidate
// Android devices before they've been switched into Accessory mode.
var AndroidVendorIDs = []gousb.ID{
	GoogleVID,
	0x04E8, // Samsung
	0x22B8, // Motorola
	0x0BB4, // HTC
	0x12D1, // Huawei
	0x2717, // Xiaomi
	0x19D2, // ZTE
	0x1004, // LG
	0x0FCE, // Sony Ericsson
	0x2A70, // OnePlus
	0x0E8D, // MediaTek
	0x1782, // Spreadtrum
	0x1F3A, // Allwinner
	0x2207, // Rockchip
}

const controlTimeout = 1 * time.Second

func isAndroidVendor(vid gousb.ID) bool {
	for _, v := range AndroidVendorIDs {
		if v == vid {
			return true
		}
	}
	return false
}

func isAccessoryPID(vid, pid gousb.ID) bool {
	if vid != GoogleVID {
		return false
	}
	for _, p := range AccessoryPIDs {
		if p == pid {
			return true
		}
	}
	return false
}

// getProtocolVersion queries AOA_GET_PROTOCOL, returning the protocol
// version the device supports (0 if it doesn't speak AOA at all).
func getProtocolVersion(dev *gousb.Device) (int, error) {
	buf := make([]byte, 2)
	rType := uint8(gousb.ControlIn) | uint8(gousb.ControlVendor) | uint8(gousb.ControlDevice)
	n, err := dev.Control(rType, aoaGetProtocol, 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("aoa get protocol: %w", err)
	}
	if n < 2 {
		return 0, fmt.Errorf("aoa get protocol: short read (%d bytes)", n)
	}
	return int(buf[0]) | int(buf[1])<<8, nil
}

// sendIdentString issues one AOA_SEND_STRING control transfer.
func sendIdentString(dev *gousb.Device, index uint16, value string) error {
	rType := uint8(gousb.ControlOut) | uint8(gousb.ControlVendor) | uint8(gousb.ControlDevice)
	payload := append([]byte(value), 0x00)
	_, err := dev.Control(rType, aoaSendString, 0, index, payload)
	if err != nil {
		return fmt.Errorf("aoa send string %d: %w", index, err)
	}
	return nil
}

type identString struct {
	index uint16
	value string
}

// identStrings is the fixed, ordered set of AOA_SEND_STRING payloads sent
// on every switch to Accessory mode.
var identStrings = []identString{
	{stringManufacturer, idManufacturer},
	{stringModel, idModel},
	{stringDescription, idDescription},
	{stringVersion, idVersion},
	{stringURI, idURI},
	{stringSerial, idSerial},
}

// sendIdentStrings sends all six identification strings in order.
func sendIdentStrings(dev *gousb.Device) error {
	for _, s := range identStrings {
		if err := sendIdentString(dev, s.index, s.value); err != nil {
			return err
		}
	}
	return nil
}

// startAccessory issues AOA_START_ACCESSORY. The device re-enumerates
// under a new PID immediately after this call returns.
func startAccessory(dev *gousb.Device) error {
	rType := uint8(gousb.ControlOut) | uint8(gousb.ControlVendor) | uint8(gousb.ControlDevice)
	_, err := dev.Control(rType, aoaStartAccessory, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("aoa start accessory: %w", err)
	}
	return nil
}

// PreStartHook is invoked after identification strings are sent but
// before AOA_START_ACCESSORY, when the device reports protocol version
// 2 or higher. It exists to register an HID descriptor so the resulting
// Accessory session also exposes an HID composite device for tier-1
// touch injection (CommandDispatcher §4.7).
type PreStartHook func(dev *gousb.Device, protocolVersion int) error

// switchToAccessory drives one candidate device through the full AOA
// handshake: version check, identification strings, optional pre-start
// hook, then the start request. Returns the negotiated protocol version.
func switchToAccessory(dev *gousb.Device, preStart PreStartHook) (int, error) {
	version, err := getProtocolVersion(dev)
	if err != nil {
		return 0, err
	}
	if version < 1 {
		return 0, fmt.Errorf("device does not support accessory protocol (version %d)", version)
	}

	if err := sendIdentStrings(dev); err != nil {
		return version, err
	}

	if version >= 2 && preStart != nil {
		if err := preStart(dev, version); err != nil {
			log.Printf("usbtransport: pre-start HID hook failed, continuing without HID: %v", err)
		}
	}

	if err := startAccessory(dev); err != nil {
		return version, err
	}
	return version, nil
}
