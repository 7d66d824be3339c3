package assemble

import (
	"bytes"
	"errors"
	"math/bits"
	"testing"
)

// bitWriter builds RBSP payloads for tests.
type bitWriter struct {
	buf []byte
	n   int
}

func (w *bitWriter) u(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if (v>>i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - w.n%8)
		}
		w.n++
	}
}

func (w *bitWriter) ue(v uint) {
	n := bits.Len(v + 1)
	w.u(0, n-1)
	w.u(v+1, n)
}

// buildSPS returns a baseline-profile SPS NAL unit (header included) for a
// picture of width x height, both multiples of 16.
func buildSPS(width, height int) []byte {
	return buildCroppedSPS(width, height, 0, 0, 0, 0)
}

// buildCroppedSPS is buildSPS with frame cropping offsets, in 4:2:0 crop
// units of two pixels.
func buildCroppedSPS(width, height int, left, right, top, bottom uint) []byte {
	w := &bitWriter{}
	w.u(66, 8)   // profile_idc
	w.u(0xC0, 8) // constraint flags
	w.u(31, 8)   // level_idc
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(0)      // pic_order_cnt_type
	w.ue(0)      // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)      // max_num_ref_frames
	w.u(0, 1)    // gaps_in_frame_num_value_allowed_flag
	w.ue(uint(width/16 - 1))
	w.ue(uint(height/16 - 1))
	w.u(1, 1) // frame_mbs_only_flag
	w.u(1, 1) // direct_8x8_inference_flag
	if left+right+top+bottom == 0 {
		w.u(0, 1) // frame_cropping_flag
	} else {
		w.u(1, 1)
		w.ue(left)
		w.ue(right)
		w.ue(top)
		w.ue(bottom)
	}
	w.u(0, 1) // vui_parameters_present_flag
	w.u(1, 1) // rbsp_stop_one_bit
	return append([]byte{0x67}, w.buf...)
}

var (
	testPPS   = []byte{0x68, 0xCE, 0x38, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xFF}
	testSlice = []byte{0x41, 0x9A, 0x02, 0x04}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func avcc(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		l := len(n)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, n...)
	}
	return out
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		width, height int
	}{
		{1280, 720},
		{640, 368},
		{1920, 1088},
	}
	for _, tt := range tests {
		info, err := ParseSPS(buildSPS(tt.width, tt.height))
		if err != nil {
			t.Fatalf("%dx%d: %v", tt.width, tt.height, err)
		}
		if info.Width != tt.width || info.Height != tt.height {
			t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tt.width, tt.height)
		}
		if info.ProfileIDC != 66 || info.LevelIDC != 31 {
			t.Errorf("profile/level: got %d/%d, want 66/31", info.ProfileIDC, info.LevelIDC)
		}
	}
}

func TestParseSPSCodecString(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(buildSPS(1280, 720))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.CodecString(), "avc1.42C01F"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseSPSTruncated(t *testing.T) {
	t.Parallel()
	sps := buildSPS(1280, 720)
	if _, err := ParseSPS(sps[:5]); err == nil {
		t.Error("expected error for truncated SPS")
	}
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Error("expected error for 2-byte SPS")
	}
}

func TestParseSPSCropping(t *testing.T) {
	t.Parallel()
	info, err := ParseSPS(buildCroppedSPS(1920, 1088, 0, 0, 0, 4))
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1920 || info.Height != 1080 {
		t.Errorf("got %dx%d, want 1920x1080", info.Width, info.Height)
	}

	tests := []struct {
		name                     string
		left, right, top, bottom uint
	}{
		{"width", 5, 4, 0, 0},
		{"height", 0, 0, 0, 8},
		{"huge", 1 << 20, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSPS(buildCroppedSPS(16, 16, tt.left, tt.right, tt.top, tt.bottom))
			if !errors.Is(err, errSPSCrop) {
				t.Errorf("got %v, want errSPSCrop", err)
			}
		})
	}
}

func TestUnescapeRBSP(t *testing.T) {
	t.Parallel()
	got := unescapeRBSP([]byte{0x01, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03})
	want := []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestParseAnnexBMixedStartCodes(t *testing.T) {
	t.Parallel()
	sps := buildSPS(1280, 720)
	data := []byte{0, 0, 0, 1}
	data = append(data, sps...)
	data = append(data, 0, 0, 1)
	data = append(data, testPPS...)
	data = append(data, 0, 0, 0, 1)
	data = append(data, testIDR...)

	units := ParseAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, u := range units {
		if u.Type != wantTypes[i] {
			t.Errorf("unit %d: got type %d, want %d", i, u.Type, wantTypes[i])
		}
	}
	if !bytes.Equal(units[1].Data, testPPS) {
		t.Errorf("PPS: got %x, want %x", units[1].Data, testPPS)
	}
}

func TestParseAnnexBNoStartCode(t *testing.T) {
	t.Parallel()
	if units := ParseAnnexB([]byte{0x65, 0x88, 0x84}); units != nil {
		t.Errorf("got %d units, want none", len(units))
	}
	if units := ParseAnnexB(nil); units != nil {
		t.Errorf("got %d units for nil input, want none", len(units))
	}
}

func TestParseAVCC(t *testing.T) {
	t.Parallel()
	units, err := ParseAVCC(avcc(testPPS, testIDR))
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 || units[0].Type != NALTypePPS || units[1].Type != NALTypeIDR {
		t.Fatalf("got %+v, want PPS then IDR", units)
	}
}

func TestParseAVCCDeclaredLengthTooLong(t *testing.T) {
	t.Parallel()
	data := avcc(testSlice)
	data[3] = 0x40 // declare 64 bytes, only 4 follow

	_, err := ParseAVCC(data)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestParseAVCCTrailingBytes(t *testing.T) {
	t.Parallel()
	data := append(avcc(testSlice), 0, 0)
	if _, err := ParseAVCC(data); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestAnnexBToAVCC(t *testing.T) {
	t.Parallel()
	got := AnnexBToAVCC(annexB(testPPS, testIDR))
	want := avcc(testPPS, testIDR)
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestBuildAVCConfig(t *testing.T) {
	t.Parallel()
	sps := buildSPS(1280, 720)
	rec := BuildAVCConfig(sps, [][]byte{testPPS})

	if rec[0] != 1 {
		t.Errorf("configurationVersion: got %d, want 1", rec[0])
	}
	if rec[1] != sps[1] || rec[3] != sps[3] {
		t.Errorf("profile/level: got %d/%d, want %d/%d", rec[1], rec[3], sps[1], sps[3])
	}
	if rec[4]&0x03 != 3 {
		t.Errorf("lengthSizeMinusOne: got %d, want 3", rec[4]&0x03)
	}
	if rec[5]&0x1F != 1 {
		t.Errorf("numSPS: got %d, want 1", rec[5]&0x1F)
	}
	spsLen := int(rec[6])<<8 | int(rec[7])
	if spsLen != len(sps) || !bytes.Equal(rec[8:8+spsLen], sps) {
		t.Errorf("SPS payload mismatch")
	}
	off := 8 + spsLen
	if rec[off] != 1 {
		t.Errorf("numPPS: got %d, want 1", rec[off])
	}
	if !bytes.Equal(rec[off+3:], testPPS) {
		t.Errorf("PPS: got %x, want %x", rec[off+3:], testPPS)
	}
}

func TestBuildAVCConfigMissingPPS(t *testing.T) {
	t.Parallel()
	if rec := BuildAVCConfig(buildSPS(1280, 720), nil); rec != nil {
		t.Errorf("got %x, want nil", rec)
	}
}

func TestSplitAccessUnit(t *testing.T) {
	t.Parallel()
	long := append([]byte{0x41}, bytes.Repeat([]byte{0x5A}, 299)...)
	tests := []struct {
		name  string
		data  []byte
		types []byte
	}{
		{"annex b", annexB(testPPS, testIDR), []byte{NALTypePPS, NALTypeIDR}},
		{"three-byte start code", append([]byte{0, 0, 1}, testSlice...), []byte{NALTypeSlice}},
		{"length prefixed", avcc(testPPS, testIDR), []byte{NALTypePPS, NALTypeIDR}},
		{"length prefixed 300 bytes", avcc(long), []byte{NALTypeSlice}},
	}
	for _, tt := range tests {
		units, err := SplitAccessUnit(tt.data)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(units) != len(tt.types) {
			t.Fatalf("%s: got %d units, want %d", tt.name, len(units), len(tt.types))
		}
		for i, u := range units {
			if u.Type != tt.types[i] {
				t.Errorf("%s: unit %d type %d, want %d", tt.name, i, u.Type, tt.types[i])
			}
		}
	}
}

func TestAVCConfigToAnnexB(t *testing.T) {
	t.Parallel()
	sps := buildSPS(640, 360)
	got, err := AVCConfigToAnnexB(BuildAVCConfig(sps, [][]byte{testPPS}))
	if err != nil {
		t.Fatal(err)
	}
	if want := annexB(sps, testPPS); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestAVCConfigToAnnexBInvalid(t *testing.T) {
	t.Parallel()
	rec := BuildAVCConfig(buildSPS(640, 360), [][]byte{testPPS})
	for name, data := range map[string][]byte{
		"empty":       nil,
		"bad version": append([]byte{2}, rec[1:]...),
		"truncated":   rec[:len(rec)-2],
	} {
		if _, err := AVCConfigToAnnexB(data); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: got %v, want ErrMalformedFrame", name, err)
		}
	}
}
