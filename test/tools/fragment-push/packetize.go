package main

import (
	"fmt"
	"sort"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/media"
)

// frame is one encoded unit scheduled for sending.
type frame struct {
	media     media.Type
	id        uint32
	timestamp uint64 // microseconds
	flags     uint8
	data      []byte
}

// accessUnits groups an Annex B elementary stream into access units. A new
// unit starts at a delimiter, or at a parameter set or first slice of a
// picture once the current unit already holds a slice.
func accessUnits(stream []byte) [][]byte {
	var (
		out     [][]byte
		cur     []assemble.NALUnit
		haveVCL bool
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, assemble.JoinAnnexB(cur))
		}
		cur, haveVCL = nil, false
	}
	for _, u := range assemble.ParseAnnexB(stream) {
		vcl := u.Type >= assemble.NALTypeSlice && u.Type <= assemble.NALTypeIDR
		switch {
		case u.Type == assemble.NALTypeAUD:
			flush()
		case haveVCL && (u.Type == assemble.NALTypeSPS || u.Type == assemble.NALTypePPS):
			flush()
		case haveVCL && vcl && firstSlice(u.Data):
			flush()
		}
		cur = append(cur, u)
		if vcl {
			haveVCL = true
		}
	}
	flush()
	return out
}

// firstSlice reports whether first_mb_in_slice is zero, which ue(v)
// encodes as a single set bit.
func firstSlice(nal []byte) bool {
	return len(nal) > 1 && nal[1]&0x80 != 0
}

// adtsFrames splits an ADTS stream into frames and returns the sample rate
// of the first header.
func adtsFrames(stream []byte) ([][]byte, int, error) {
	var (
		out  [][]byte
		rate int
	)
	for off := 0; off < len(stream); {
		hdr, err := assemble.ParseADTSHeader(stream[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("ADTS frame at offset %d: %w", off, err)
		}
		if off+hdr.FrameLength > len(stream) {
			return nil, 0, fmt.Errorf("ADTS frame at offset %d truncated", off)
		}
		if rate == 0 {
			rate = hdr.SampleRate
		}
		out = append(out, stream[off:off+hdr.FrameLength])
		off += hdr.FrameLength
	}
	return out, rate, nil
}

// schedule interleaves video access units at fps with AAC frames of 1024
// samples, ordered by timestamp.
func schedule(video [][]byte, fps float64, audio [][]byte, rate int) []frame {
	out := make([]frame, 0, len(video)+len(audio))
	for i, au := range video {
		out = append(out, frame{
			media:     media.Video,
			id:        uint32(i),
			timestamp: uint64(float64(i) * 1e6 / fps),
			data:      au,
		})
	}
	for i, f := range audio {
		out = append(out, frame{
			media:     media.Audio,
			id:        uint32(i),
			timestamp: uint64(i) * 1024 * 1e6 / uint64(rate),
			data:      f,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].timestamp < out[j].timestamp })
	return out
}

// fragments cuts a frame into wire fragments of at most mtu payload bytes.
// Audio frames always travel whole.
func fragments(f frame, mtu int) []media.Fragment {
	if f.media == media.Audio || mtu <= 0 {
		mtu = max(len(f.data), 1)
	}
	total := uint32(len(f.data))
	var out []media.Fragment
	for off := 0; off < len(f.data); off += mtu {
		end := min(off+mtu, len(f.data))
		out = append(out, media.Fragment{
			Media:     f.media,
			FrameID:   f.id,
			Offset:    uint32(off),
			TotalSize: total,
			Timestamp: f.timestamp,
			Flags:     f.flags,
			Payload:   f.data[off:end],
		})
	}
	return out
}
