package main

import (
	"fmt"

	"github.com/mirage-project/mirage/internal/latestframe"
)

// nullDecoder satisfies decodestage.Decoder without decoding anything. No
// concrete H.264 backend ships with this host process (out of scope, same
// as decodestage's own doc comment says); this keeps the decode-stage
// queue, worker, and stats plumbing exercised end to end rather than
// leaving the seam entirely disconnected.
type nullDecoder struct{}

func (nullDecoder) Decode(nal []byte) (latestframe.Frame, error) {
	return latestframe.Frame{}, fmt.Errorf("decodestage: no decoder backend configured, dropping %d byte NAL", len(nal))
}
