package assemble

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/nanodec/internal/media"
)

var lcMono24k = AudioConfig{ObjectType: AACObjectLC, SampleRateIndex: 6, SampleRate: 24000, Channels: 1}

func adtsFrame(cfg AudioConfig, payload []byte) []byte {
	return append(AppendADTSHeader(nil, cfg, len(payload)), payload...)
}

func audioFragment(id uint32, payload []byte) media.Fragment {
	return media.Fragment{Media: media.Audio, FrameID: id, Payload: payload}
}

func TestAudioAssemblerConfigThenData(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecAAC)

	cfgFrag := audioFragment(0, lcMono24k.Marshal())
	cfgFrag.Flags = media.FlagConfig
	cfg, err := a.Assemble(cfgFrag)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Kind != media.KindConfig || cfg.Decodable() {
		t.Errorf("config frame: kind %s, %d payload bytes", cfg.Kind, len(cfg.Payload))
	}
	if cfg.Primary != AACObjectLC {
		t.Errorf("primary: got %d, want %d", cfg.Primary, AACObjectLC)
	}

	data := adtsFrame(lcMono24k, []byte{0x21, 0x10, 0x05})
	frame, err := a.Assemble(audioFragment(1, data))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != media.KindData {
		t.Errorf("kind: got %s, want data", frame.Kind)
	}
	if !bytes.Equal(frame.Payload, data) {
		t.Errorf("payload: got %x, want %x", frame.Payload, data)
	}

	got, ok := a.Config()
	if !ok || got != lcMono24k {
		t.Errorf("config: got %+v, %v", got, ok)
	}
}

func TestAudioAssemblerSynthesizesConfig(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecAAC)

	first, err := a.Assemble(audioFragment(1, adtsFrame(lcMono24k, []byte{1, 2})))
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != media.KindConfig {
		t.Fatalf("kind: got %s, want config", first.Kind)
	}
	if !bytes.Equal(first.Config, []byte{0x13, 0x08}) {
		t.Errorf("config: got %x, want 1308", first.Config)
	}
	if !first.Decodable() {
		t.Error("first frame should keep its payload")
	}

	second, err := a.Assemble(audioFragment(2, adtsFrame(lcMono24k, []byte{3, 4})))
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != media.KindData || second.Config != nil {
		t.Errorf("second frame: kind %s, config %x", second.Kind, second.Config)
	}
}

func TestAudioAssemblerDeclaredLengthTooLong(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecAAC)

	full := adtsFrame(lcMono24k, make([]byte, 32))
	_, err := a.Assemble(audioFragment(1, full[:20]))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}

	frame, err := a.Assemble(audioFragment(2, full))
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if len(frame.Payload) != len(full) {
		t.Errorf("payload: got %d bytes, want %d", len(frame.Payload), len(full))
	}
	// the rejected frame must not have consumed the config side effect
	if frame.Kind != media.KindConfig {
		t.Errorf("kind: got %s, want config", frame.Kind)
	}
	if got := a.Stats(); got.Malformed != 1 || got.Completed != 1 {
		t.Errorf("stats: got %+v", got)
	}
}

func TestAudioAssemblerSlicesDeclaredLength(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecAAC)
	data := adtsFrame(lcMono24k, []byte{9, 9, 9})
	frame, err := a.Assemble(audioFragment(1, append(data, 0xEE, 0xEE)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame.Payload, data) {
		t.Errorf("got %x, want %x", frame.Payload, data)
	}
}

func TestAudioAssemblerMalformed(t *testing.T) {
	t.Parallel()
	badCfg := audioFragment(0, []byte{0x13})
	badCfg.Flags = media.FlagConfig

	tests := []struct {
		name string
		frag media.Fragment
	}{
		{"empty", audioFragment(1, nil)},
		{"no sync", audioFragment(1, []byte{1, 2, 3, 4, 5, 6, 7, 8})},
		{"short config", badCfg},
		{"video fragment", media.Fragment{Media: media.Video, Payload: []byte{1}}},
	}
	for _, tt := range tests {
		a := NewAudioAssembler(CodecAAC)
		if _, err := a.Assemble(tt.frag); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: got %v, want ErrMalformedFrame", tt.name, err)
		}
	}
}

func TestAudioAssemblerOpusPassthrough(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecOpus)
	first, err := a.Assemble(audioFragment(1, []byte{0xFC, 0x01}))
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != media.KindConfig || !first.Decodable() {
		t.Errorf("first frame: kind %s, %d bytes", first.Kind, len(first.Payload))
	}
	next, err := a.Assemble(audioFragment(2, []byte{0xFC, 0x02}))
	if err != nil {
		t.Fatal(err)
	}
	if next.Kind != media.KindData {
		t.Errorf("kind: got %s, want data", next.Kind)
	}
}

func TestAudioAssemblerQualityChange(t *testing.T) {
	t.Parallel()
	a := NewAudioAssembler(CodecAAC)
	frag := audioFragment(1, adtsFrame(lcMono24k, []byte{1}))
	frag.Flags = media.FlagQualityChange
	frame, err := a.Assemble(frag)
	if err != nil {
		t.Fatal(err)
	}
	if !frame.QualityChange {
		t.Error("expected QualityChange")
	}
}
