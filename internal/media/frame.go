// Package media defines the data types that flow through the nanodec
// decode pipeline, from wire fragments through assembled frames to decoded
// pictures and sample blocks.
package media

// Output queue sizes used by the decode pumps (producer) and the playback
// loop (consumer). Video is kept shallow so stale pictures never pile up in
// front of the renderer; audio is deeper because blocks are small and gaps
// are audible.
const (
	VideoQueueSize   = 8
	AudioQueueSize   = 64
	CaptionQueueSize = 30
)

// Type identifies the elementary stream a fragment or frame belongs to.
type Type uint8

// The transport multiplexes exactly one audio and one video stream.
const (
	Audio Type = iota
	Video
)

func (t Type) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known media types.
func (t Type) Valid() bool {
	return t == Audio || t == Video
}

// Fragment flags set by the sender on individual wire fragments.
const (
	// FlagConfig marks an audio fragment whose payload is an
	// AudioSpecificConfig rather than an ADTS frame.
	FlagConfig uint8 = 1 << iota
	// FlagQualityChange marks the first frame produced after the encoder
	// changed its output parameters.
	FlagQualityChange
)

// Fragment is one wire-delivered chunk of a media stream. Video frames are
// split across fragments sharing a FrameID and positioned by Offset within
// a TotalSize-byte access unit. Audio fragments carry one complete frame.
type Fragment struct {
	Media     Type
	Seq       uint64 // arrival sequence, assigned by the ingest adapter
	FrameID   uint32
	Offset    uint32
	TotalSize uint32
	Timestamp uint64 // sender clock, microseconds
	Flags     uint8
	Payload   []byte
}

// HasFlag reports whether all bits of f are set on the fragment.
func (fr Fragment) HasFlag(f uint8) bool {
	return fr.Flags&f == f
}

// Kind classifies an assembled frame.
type Kind uint8

const (
	// KindData is a frame carrying playable payload only.
	KindData Kind = iota
	// KindConfig is a frame carrying codec setup data (parameter sets, an
	// AudioSpecificConfig), optionally alongside playable payload.
	KindConfig
)

func (k Kind) String() string {
	if k == KindConfig {
		return "config"
	}
	return "data"
}

// Frame is one complete decodable unit reconstructed from fragments: an
// H.264 access unit in Annex B form, or one ADTS-wrapped AAC frame.
type Frame struct {
	Media     Type
	FrameID   uint32
	Timestamp uint64
	Kind      Kind
	// Primary is the codec-level type of the first unit in the frame: the
	// NAL unit type for video, the AAC audio object type for audio.
	Primary       byte
	Keyframe      bool
	QualityChange bool
	Payload       []byte // decodable bytes; empty for a pure configuration frame
	Config        []byte // avcC record or AudioSpecificConfig, when present
}

// Decodable reports whether the frame carries bytes for the decoder.
func (f *Frame) Decodable() bool {
	return len(f.Payload) > 0
}

// DecodedUnit is decoder output handed to the rendering sink. Video units
// fill Planes/Strides; audio units fill Samples with interleaved signed
// 16-bit little-endian PCM. Audio straight from a decoder may instead carry
// one plane per channel in its native Format until it is resampled.
type DecodedUnit struct {
	Media     Type
	FrameID   uint32
	Timestamp uint64
	// Generation is the decoder generation that produced the unit. It is
	// bumped every time the decoder is flushed for a quality change, so a
	// consumer can tell pre- and post-flush output apart.
	Generation uint32

	// Format is the pixel format for video ("yuv420p") or the sample
	// format for audio ("s16" once resampled, decoder-native otherwise).
	Format string

	Width   int
	Height  int
	Planes  [][]byte
	Strides []int

	Samples     []byte
	SampleCount int
	Channels    int
	SampleRate  int
}

// Duration returns the playback duration of an audio unit in microseconds,
// or zero for video and empty units.
func (u *DecodedUnit) Duration() uint64 {
	if u.Media != Audio || u.SampleRate <= 0 {
		return 0
	}
	return uint64(u.SampleCount) * 1_000_000 / uint64(u.SampleRate)
}

// AudioFormat is the audio descriptor agreed during stream negotiation.
type AudioFormat struct {
	Codec      string `yaml:"codec" json:"codec"`
	SampleRate int    `yaml:"sample_rate" json:"sampleRate"`
	Channels   int    `yaml:"channels" json:"channels"`
}

// VideoFormat is the video descriptor agreed during stream negotiation.
type VideoFormat struct {
	Codec  string `yaml:"codec" json:"codec"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
	FPS    int    `yaml:"fps" json:"fps"`
}
