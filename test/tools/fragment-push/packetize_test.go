package main

import (
	"bytes"
	"testing"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/media"
)

func nal(b ...byte) []byte { return append([]byte{0, 0, 0, 1}, b...) }

func TestAccessUnits(t *testing.T) {
	t.Parallel()
	var stream []byte
	stream = append(stream, nal(0x67, 0x42)...) // SPS
	stream = append(stream, nal(0x68, 0xCE)...) // PPS
	stream = append(stream, nal(0x65, 0x88)...) // IDR, first slice
	stream = append(stream, nal(0x65, 0x10)...) // IDR, second slice
	stream = append(stream, nal(0x41, 0x9A)...) // P, first slice
	stream = append(stream, nal(0x09, 0xF0)...) // AUD
	stream = append(stream, nal(0x41, 0x9B)...)

	aus := accessUnits(stream)
	if len(aus) != 3 {
		t.Fatalf("got %d access units, want 3", len(aus))
	}
	wantTypes := [][]byte{
		{assemble.NALTypeSPS, assemble.NALTypePPS, assemble.NALTypeIDR, assemble.NALTypeIDR},
		{assemble.NALTypeSlice},
		{assemble.NALTypeAUD, assemble.NALTypeSlice},
	}
	for i, au := range aus {
		units := assemble.ParseAnnexB(au)
		if len(units) != len(wantTypes[i]) {
			t.Fatalf("au %d: got %d units, want %d", i, len(units), len(wantTypes[i]))
		}
		for j, u := range units {
			if u.Type != wantTypes[i][j] {
				t.Errorf("au %d unit %d: got type %d, want %d", i, j, u.Type, wantTypes[i][j])
			}
		}
	}
}

func adts(payload int) []byte {
	cfg := assemble.AudioConfig{ObjectType: 2, SampleRateIndex: assemble.SampleRateIndex(48000), SampleRate: 48000, Channels: 2}
	b := assemble.AppendADTSHeader(nil, cfg, payload)
	return append(b, make([]byte, payload)...)
}

func TestADTSFrames(t *testing.T) {
	t.Parallel()
	stream := append(adts(10), adts(20)...)
	frames, rate, err := adtsFrames(stream)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 48000 {
		t.Errorf("rate: got %d, want 48000", rate)
	}
	if len(frames) != 2 || len(frames[0]) != 17 || len(frames[1]) != 27 {
		t.Errorf("got %d frames", len(frames))
	}

	if _, _, err := adtsFrames(stream[:len(stream)-3]); err == nil {
		t.Error("expected error for truncated stream")
	}
}

func TestScheduleInterleaves(t *testing.T) {
	t.Parallel()
	video := [][]byte{{1}, {2}, {3}}
	audio := [][]byte{{1}, {2}, {3}, {4}}
	out := schedule(video, 50, audio, 48000)
	if len(out) != 7 {
		t.Fatalf("got %d frames, want 7", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].timestamp < out[i-1].timestamp {
			t.Fatalf("frame %d out of order: %d after %d", i, out[i].timestamp, out[i-1].timestamp)
		}
	}
	if out[0].media != media.Video {
		t.Errorf("first frame: got %s, want video", out[0].media)
	}
	if last := out[len(out)-1]; last.media != media.Audio || last.timestamp != 64000 {
		t.Errorf("last frame: got %s at %d, want audio at 64000", last.media, last.timestamp)
	}
}

func TestFragmentsReassemble(t *testing.T) {
	t.Parallel()
	au := assemble.JoinAnnexB([]assemble.NALUnit{{Type: 1, Data: bytes.Repeat([]byte{0x41}, 2500)}})
	f := frame{media: media.Video, id: 7, timestamp: 1000, data: au}
	frags := fragments(f, 1000)
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}

	var got []byte
	for _, fr := range frags {
		if fr.FrameID != 7 || fr.TotalSize != uint32(len(au)) || int(fr.Offset) != len(got) {
			t.Errorf("fragment %+v", fr)
		}
		got = append(got, fr.Payload...)
	}
	if !bytes.Equal(got, au) {
		t.Error("fragments do not reassemble to the access unit")
	}

	audio := fragments(frame{media: media.Audio, data: make([]byte, 3000)}, 1000)
	if len(audio) != 1 {
		t.Errorf("audio: got %d fragments, want 1", len(audio))
	}
}
