package rtpdepacket

// parseSPSDimensions extracts the coded picture width/height from a raw SPS
// NAL (header byte included). It implements just enough of the exp-golomb
// bitstream to reach pic_width_in_mbs / pic_height_in_map_units and the
// optional frame-cropping rectangle; returns ok=false on any malformed or
// unrecognized input rather than panicking.
func parseSPSDimensions(nal []byte) (width, height int32, ok bool) {
	if len(nal) < 4 {
		return 0, 0, false
	}
	rbsp := unescapeEmulationPrevention(nal[1:]) // drop the NAL header byte
	r := &bitReader{buf: rbsp}

	profileIdc := r.u(8)
	r.u(8) // constraint flags + reserved
	r.u(8) // level_idc
	r.ue() // seq_parameter_set_id

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIdc := r.ue()
		if chromaFormatIdc == 3 {
			r.u(1) // separate_colour_plane_flag
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.u(1) // qpprime_y_zero_transform_bypass_flag
		if r.u(1) == 1 {
			// seq_scaling_matrix_present_flag: skip scaling lists.
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if r.u(1) == 1 {
					r.skipScalingList(i < 6)
				}
			}
		}
	}
	if r.err {
		return 0, 0, false
	}

	r.ue() // log2_max_frame_num_minus4
	picOrderCntType := r.ue()
	if picOrderCntType == 0 {
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	} else if picOrderCntType == 1 {
		r.u(1) // delta_pic_order_always_zero_flag
		r.se()
		r.se()
		n := r.ue()
		for i := uint32(0); i < n; i++ {
			r.se()
		}
	}
	r.ue() // max_num_ref_frames
	r.u(1) // gaps_in_frame_num_value_allowed_flag

	picWidthInMbsMinus1 := r.ue()
	picHeightInMapUnitsMinus1 := r.ue()
	frameMbsOnlyFlag := r.u(1)
	if frameMbsOnlyFlag == 0 {
		r.u(1) // mb_adaptive_frame_field_flag
	}
	r.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.u(1) == 1 { // frame_cropping_flag
		cropLeft = r.ue()
		cropRight = r.ue()
		cropTop = r.ue()
		cropBottom = r.ue()
	}

	if r.err {
		return 0, 0, false
	}

	frameHeightMul := uint32(2)
	if frameMbsOnlyFlag == 1 {
		frameHeightMul = 1
	}

	w := int32((picWidthInMbsMinus1+1)*16) - int32((cropLeft+cropRight)*2)
	h := int32((picHeightInMapUnitsMinus1+1)*16*frameHeightMul) - int32((cropTop+cropBottom)*2*int(frameHeightMul))
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// unescapeEmulationPrevention removes the 0x03 emulation-prevention byte
// that follows any 0x00 0x00 sequence in a NAL's RBSP encoding.
func unescapeEmulationPrevention(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeroes := 0
	for _, c := range b {
		if zeroes >= 2 && c == 0x03 {
			zeroes = 0
			continue
		}
		if c == 0x00 {
			zeroes++
		} else {
			zeroes = 0
		}
		out = append(out, c)
	}
	return out
}

// bitReader reads bits MSB-first out of buf, tracking the first error so
// callers can chain reads without checking after every call.
type bitReader struct {
	buf []byte
	pos int // bit position
	err bool
}

func (r *bitReader) bit() uint32 {
	byteIdx := r.pos / 8
	if byteIdx >= len(r.buf) {
		r.err = true
		return 0
	}
	shift := 7 - uint(r.pos%8)
	r.pos++
	return uint32(r.buf[byteIdx]>>shift) & 1
}

func (r *bitReader) u(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | r.bit()
	}
	return v
}

// ue reads an unsigned exp-golomb coded value.
func (r *bitReader) ue() uint32 {
	leadingZeroBits := 0
	for r.bit() == 0 {
		leadingZeroBits++
		if r.err || leadingZeroBits > 32 {
			r.err = true
			return 0
		}
	}
	if leadingZeroBits == 0 {
		return 0
	}
	return (uint32(1)<<uint(leadingZeroBits) - 1) + r.u(leadingZeroBits)
}

// se reads a signed exp-golomb coded value.
func (r *bitReader) se() int32 {
	k := r.ue()
	if k%2 == 0 {
		return -int32(k / 2)
	}
	return int32(k+1) / 2
}

func (r *bitReader) skipScalingList(size8x8 bool) {
	n := 16
	if !size8x8 {
		n = 64
	}
	lastScale, nextScale := int32(8), int32(8)
	for i := 0; i < n; i++ {
		if nextScale != 0 {
			delta := r.se()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}
