package usbtransport

import (
	"context"
	"errors"
	"strings"

	"github.com/google/gousb"
)

type transferClass int

const (
	transferFatal transferClass = iota
	transferTransient
	transferTimeout
)

// classifyTransferErr sorts a failed bulk transfer into the three
// buckets §4.2 distinguishes: a timed-out read (resubmit silently), a
// transient failure (retry once), or a disconnect (tear the device
// down). gousb surfaces libusb's transfer status as *gousb.TransferStatus
// wrapped errors and context deadline errors; string matching on the
// underlying libusb error name is what the teacher's ASIC driver code
// does for classifying device errors, and the same shape is grounded on
// the original AOA sender's explicit ACCESS/IO/NOT_SUPPORTED branches.
func classifyTransferErr(err error) transferClass {
	if err == nil {
		return transferFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transferTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return transferTimeout
	case strings.Contains(msg, "busy"), strings.Contains(msg, "pipe"), strings.Contains(msg, "interrupted"):
		return transferTransient
	default:
		return transferFatal
	}
}

// isAccessDenied reports whether a device-open error was a permissions
// failure rather than "device not present", so the caller knows to retry
// once instead of giving up immediately.
func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var usbErr *gousb.Error
	if errors.As(err, &usbErr) {
		return strings.Contains(strings.ToLower(usbErr.Error()), "access")
	}
	return strings.Contains(strings.ToLower(err.Error()), "access")
}
