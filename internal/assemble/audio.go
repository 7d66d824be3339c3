package assemble

import (
	"fmt"
	"sync/atomic"

	"github.com/zsiec/nanodec/internal/media"
)

// Audio codec names accepted by NewAudioAssembler.
const (
	CodecAAC  = "aac"
	CodecOpus = "opus"
)

// AudioStats is a point-in-time copy of the audio assembler counters.
type AudioStats struct {
	Completed uint64 `json:"completed" msgpack:"completed"`
	Malformed uint64 `json:"malformed" msgpack:"malformed"`
	Configs   uint64 `json:"configs" msgpack:"configs"`
}

// AudioAssembler turns audio fragments into frames. Each fragment carries
// one complete frame: an ADTS-framed AAC block, an AudioSpecificConfig
// when flagged with media.FlagConfig, or an Opus packet.
//
// Assemble is not safe for concurrent use; Stats and Config are.
type AudioAssembler struct {
	codec      string
	haveConfig atomic.Bool
	config     atomic.Pointer[AudioConfig]

	completed atomic.Uint64
	malformed atomic.Uint64
	configs   atomic.Uint64
}

// NewAudioAssembler returns an assembler for codec ("aac" or "opus").
// Unknown codecs are treated as opaque passthrough like Opus.
func NewAudioAssembler(codec string) *AudioAssembler {
	return &AudioAssembler{codec: codec}
}

// Assemble consumes one fragment and returns the frame it carries.
func (a *AudioAssembler) Assemble(frag media.Fragment) (*media.Frame, error) {
	if frag.Media != media.Audio {
		return nil, a.reject(fmt.Errorf("%w: %s fragment on audio assembler", ErrMalformedFrame, frag.Media))
	}
	if len(frag.Payload) == 0 {
		return nil, a.reject(fmt.Errorf("%w: empty audio fragment %d", ErrMalformedFrame, frag.FrameID))
	}

	var (
		frame *media.Frame
		err   error
	)
	switch {
	case frag.HasFlag(media.FlagConfig):
		frame, err = a.configFrame(frag)
	case a.codec == CodecAAC:
		frame, err = a.adtsFrame(frag)
	default:
		frame = a.passthrough(frag)
	}
	if err != nil {
		return nil, a.reject(err)
	}
	frame.QualityChange = frag.HasFlag(media.FlagQualityChange)
	a.completed.Add(1)
	return frame, nil
}

func (a *AudioAssembler) reject(err error) error {
	a.malformed.Add(1)
	return err
}

func (a *AudioAssembler) newFrame(frag media.Fragment, kind media.Kind) *media.Frame {
	if kind == media.KindConfig {
		a.configs.Add(1)
		a.haveConfig.Store(true)
	}
	return &media.Frame{
		Media:     media.Audio,
		FrameID:   frag.FrameID,
		Timestamp: frag.Timestamp,
		Kind:      kind,
	}
}

// configFrame handles an out-of-band codec configuration fragment.
func (a *AudioAssembler) configFrame(frag media.Fragment) (*media.Frame, error) {
	cfgBytes := append([]byte(nil), frag.Payload...)
	if a.codec != CodecAAC {
		f := a.newFrame(frag, media.KindConfig)
		f.Config = cfgBytes
		return f, nil
	}
	cfg, err := ParseAudioConfig(cfgBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	a.config.Store(&cfg)
	f := a.newFrame(frag, media.KindConfig)
	f.Primary = cfg.ObjectType
	f.Config = cfgBytes
	return f, nil
}

// adtsFrame slices exactly one ADTS frame out of the fragment. The first
// frame seen without a prior configuration also carries a synthesized
// AudioSpecificConfig.
func (a *AudioAssembler) adtsFrame(frag media.Fragment) (*media.Frame, error) {
	hdr, err := ParseADTSHeader(frag.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hdr.FrameLength > len(frag.Payload) {
		return nil, fmt.Errorf("%w: ADTS frame length %d exceeds %d available bytes",
			ErrMalformedFrame, hdr.FrameLength, len(frag.Payload))
	}

	kind := media.KindData
	var cfgBytes []byte
	if !a.haveConfig.Load() {
		cfg := hdr.Config()
		a.config.Store(&cfg)
		cfgBytes = cfg.Marshal()
		kind = media.KindConfig
	}

	f := a.newFrame(frag, kind)
	f.Primary = hdr.ObjectType()
	f.Config = cfgBytes
	f.Payload = append([]byte(nil), frag.Payload[:hdr.FrameLength]...)
	return f, nil
}

func (a *AudioAssembler) passthrough(frag media.Fragment) *media.Frame {
	kind := media.KindData
	if !a.haveConfig.Load() {
		kind = media.KindConfig
	}
	f := a.newFrame(frag, kind)
	f.Payload = append([]byte(nil), frag.Payload...)
	return f
}

// Config returns the active AAC configuration, if one has been seen.
func (a *AudioAssembler) Config() (AudioConfig, bool) {
	if c := a.config.Load(); c != nil {
		return *c, true
	}
	return AudioConfig{}, false
}

// Stats returns a snapshot of the assembler counters.
func (a *AudioAssembler) Stats() AudioStats {
	return AudioStats{
		Completed: a.completed.Load(),
		Malformed: a.malformed.Load(),
		Configs:   a.configs.Load(),
	}
}
