// Package merr defines the error kinds from the error-handling design:
// sentinel values usable with errors.Is, wrapped the way the rest of this
// module wraps errors ("...: %w").
package merr

import "errors"

var (
	// ErrTransportUnavailable: no transport open for the target device.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrTransportTransient: a single transfer/send failed; retry once.
	ErrTransportTransient = errors.New("transient transport failure")
	// ErrTransportLost: handle unusable, transport torn down.
	ErrTransportLost = errors.New("transport lost")
	// ErrProtocolInvalid: bad magic/version/length in a received frame.
	ErrProtocolInvalid = errors.New("invalid protocol frame")
	// ErrOversize: payload exceeds the configured cap.
	ErrOversize = errors.New("oversized frame")
	// ErrGapDetected: RTP sequence discontinuity.
	ErrGapDetected = errors.New("rtp sequence gap detected")
	// ErrDecoderFailure: decoder reported an unrecoverable error on a NAL.
	ErrDecoderFailure = errors.New("decoder failure")
	// ErrCommandTierFailure: a dispatch tier failed; dispatcher falls through.
	ErrCommandTierFailure = errors.New("command tier failed")
	// ErrAllTiersFailed: every available tier for an action failed.
	ErrAllTiersFailed = errors.New("all command tiers failed")
	// ErrNeedMore: decode_header needs more bytes than are currently buffered.
	ErrNeedMore = errors.New("need more bytes")
	// ErrBadMagic: decode_header saw a bad magic value.
	ErrBadMagic = errors.New("bad magic")
	// ErrDeviceNotFound: lookup by hardware ID found nothing.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrPortsExhausted: port assignment ran past 65535.
	ErrPortsExhausted = errors.New("port range exhausted")
)

// TierFailure carries the ordered list of tiers attempted before
// ErrAllTiersFailed was raised, so callers can report it.
type TierFailure struct {
	Action       string
	TriedTiers   []string
	LastErr      error
}

func (e *TierFailure) Error() string {
	return e.Action + ": all tiers failed (" + joinTiers(e.TriedTiers) + "): " + e.LastErr.Error()
}

func (e *TierFailure) Unwrap() error {
	return ErrAllTiersFailed
}

func joinTiers(tiers []string) string {
	out := ""
	for i, t := range tiers {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
