package assemble

import (
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1) the assembler acts on.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALUnit is one H.264 NAL unit without its start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte // includes the NAL header byte
}

// SPSInfo holds the stream parameters the decoder context is configured
// with: picture size and profile/level identifiers.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// bitReader reads an RBSP bit by bit. The first read past the end sets err
// and every later read returns zero, so callers check err once at the end.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) u(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		if br.err != nil {
			return 0
		}
		if br.pos >= len(br.data)*8 {
			br.err = errShortSPS
			return 0
		}
		bit := (br.data[br.pos>>3] >> (7 - (br.pos & 7))) & 1
		v = v<<1 | uint(bit)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool {
	return br.u(1) == 1
}

func (br *bitReader) ue() uint {
	zeros := 0
	for br.u(1) == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = errShortSPS
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + br.u(zeros)
}

func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// highProfile reports whether the profile carries chroma format and
// scaling matrix fields in its SPS.
func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS extracts picture dimensions and profile/level from an SPS NAL
// unit (header byte included, start code excluded). Cropping is applied.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errShortSPS
	}
	br := &bitReader{data: unescapeRBSP(nalu[1:])}

	profile := br.u(8)
	constraints := br.u(8)
	level := br.u(8)
	br.ue() // seq_parameter_set_id

	chromaFormat := uint(1)
	separatePlanes := false
	if highProfile(profile) {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !br.flag() {
					continue
				}
				if i < 6 {
					br.skipScalingList(16)
				} else {
					br.skipScalingList(64)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue() // max_num_ref_frames
	br.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subH = 1
	}
	cropUnitY := subH * (2 - frameMbsOnly)
	width, height := widthMbs*16, heightMapUnits*16*(2-frameMbsOnly)
	cropW, cropH := subW*(cropL+cropR), cropUnitY*(cropT+cropB)
	if cropW >= width || cropH >= height {
		return SPSInfo{}, fmt.Errorf("%w: %dx%d cropped by %d/%d", errSPSCrop, width, height, cropW, cropH)
	}

	return SPSInfo{
		Width:           int(width - cropW),
		Height:          int(height - cropH),
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(constraints),
		LevelIDC:        byte(level),
	}, nil
}

// unescapeRBSP drops emulation prevention bytes (00 00 03 → 00 00).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

func appendNAL(units []NALUnit, data []byte) []NALUnit {
	if len(data) == 0 {
		return units
	}
	return append(units, NALUnit{Type: data[0] & 0x1F, Data: data})
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// and 4-byte start codes are recognized; zero bytes in front of a start
// code belong to the start code, not to the preceding unit.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			end := i
			for end > start && data[end-1] == 0 {
				end--
			}
			units = appendNAL(units, data[start:end])
		}
		i += 3
		start = i
	}
	if start >= 0 && start < len(data) {
		units = appendNAL(units, data[start:])
	}
	return units
}

// HasStartCode reports whether data begins with an Annex B start code.
func HasStartCode(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1
}

// ParseAVCC splits a 4-byte length-prefixed (AVC1) access unit into NAL
// units. A declared length running past the end of data is an error.
func ParseAVCC(data []byte) ([]NALUnit, error) {
	var units []NALUnit
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: %d trailing bytes after last NAL unit", ErrMalformedFrame, len(data)-off)
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if n > len(data)-off {
			return nil, fmt.Errorf("%w: NAL length %d exceeds remaining %d bytes", ErrMalformedFrame, n, len(data)-off)
		}
		units = appendNAL(units, data[off:off+n])
		off += n
	}
	return units, nil
}

// SplitAccessUnit splits an access unit delivered either as an Annex B
// byte stream or in 4-byte length-prefixed form. A leading 4-byte start
// code selects Annex B; otherwise the length-prefixed reading is tried
// first, since a NAL length of 256..511 also begins with 00 00 01.
func SplitAccessUnit(data []byte) ([]NALUnit, error) {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return ParseAnnexB(data), nil
	}
	units, err := ParseAVCC(data)
	if err != nil && HasStartCode(data) {
		return ParseAnnexB(data), nil
	}
	return units, err
}

// JoinAnnexB serializes NAL units with 4-byte start codes.
func JoinAnnexB(units []NALUnit) []byte {
	size := 0
	for _, u := range units {
		size += 4 + len(u.Data)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u.Data...)
	}
	return out
}

// AnnexBToAVCC converts an Annex B access unit to 4-byte length-prefixed
// form, which decoders configured with an avcC record expect.
func AnnexBToAVCC(data []byte) []byte {
	units := ParseAnnexB(data)
	size := 0
	for _, u := range units {
		size += 4 + len(u.Data)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		out = binary.BigEndian.AppendUint32(out, uint32(len(u.Data)))
		out = append(out, u.Data...)
	}
	return out
}

// BuildAVCConfig builds an AVCDecoderConfigurationRecord (ISO 14496-15
// 5.2.4.1.1) from an SPS and its PPS set, using 4-byte NAL lengths.
// It returns nil when the SPS is too short or no PPS is given.
func BuildAVCConfig(sps []byte, pps [][]byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	size := 7 + 2 + len(sps)
	for _, p := range pps {
		size += 2 + len(p)
	}

	buf := make([]byte, 0, size)
	buf = append(buf,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // reserved | lengthSizeMinusOne = 3
		0xE1,   // reserved | numOfSequenceParameterSets = 1
	)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, byte(len(pps)))
	for _, p := range pps {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// AVCConfigToAnnexB extracts the SPS and PPS NAL units of an
// AVCDecoderConfigurationRecord and returns them as an Annex B byte
// stream, the extradata form decoders fed Annex B packets accept.
func AVCConfigToAnnexB(rec []byte) ([]byte, error) {
	if len(rec) < 7 || rec[0] != 1 {
		return nil, fmt.Errorf("%w: invalid avcC record", ErrMalformedFrame)
	}
	var out []byte
	off := 5
	for _, mask := range []byte{0x1F, 0xFF} {
		if off >= len(rec) {
			return nil, fmt.Errorf("%w: truncated avcC record", ErrMalformedFrame)
		}
		count := int(rec[off] & mask)
		off++
		for range count {
			if len(rec)-off < 2 {
				return nil, fmt.Errorf("%w: truncated avcC record", ErrMalformedFrame)
			}
			n := int(binary.BigEndian.Uint16(rec[off:]))
			off += 2
			if n > len(rec)-off {
				return nil, fmt.Errorf("%w: parameter set length %d exceeds record", ErrMalformedFrame, n)
			}
			out = append(out, 0, 0, 0, 1)
			out = append(out, rec[off:off+n]...)
			off += n
		}
	}
	return out, nil
}
