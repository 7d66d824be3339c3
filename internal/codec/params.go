package codec

import (
	"fmt"
	"strings"

	"github.com/zsiec/nanodec/internal/media"
)

// Codec identifies the compressed format a context decodes.
type Codec string

// Supported codecs.
const (
	CodecAAC  Codec = "aac"
	CodecOpus Codec = "opus"
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
)

// ParseCodec maps a negotiated codec name onto a Codec. Names are matched
// case-insensitively; "avc" and "h265" are accepted as aliases.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "aac", "mp4a":
		return CodecAAC, nil
	case "opus":
		return CodecOpus, nil
	case "h264", "avc", "avc1":
		return CodecH264, nil
	case "hevc", "h265", "hvc1":
		return CodecHEVC, nil
	}
	return "", fmt.Errorf("codec: unsupported codec %q", name)
}

// Media returns the media type the codec carries.
func (c Codec) Media() media.Type {
	if c == CodecH264 || c == CodecHEVC {
		return media.Video
	}
	return media.Audio
}

// AudioParams configures an audio decoder and its optional resampler.
type AudioParams struct {
	SampleRate int
	Channels   int
	// Resample converts decoder output to interleaved S16 at OutputRate
	// and OutputChannels.
	Resample       bool
	OutputRate     int
	OutputChannels int
}

// VideoParams configures a video decoder.
type VideoParams struct {
	Width  int
	Height int
}

// Params is the complete configuration recorded by Initialize. Exactly one
// of Audio and Video is set, matching Media.
type Params struct {
	Media media.Type
	Codec Codec
	Audio *AudioParams
	Video *VideoParams
}

// AudioParamsFrom builds audio decoder parameters from the negotiated
// format. Output is resampled to S16 at the negotiated rate and layout.
func AudioParamsFrom(f media.AudioFormat) (Params, error) {
	c, err := ParseCodec(f.Codec)
	if err != nil {
		return Params{}, err
	}
	p := Params{
		Media: media.Audio,
		Codec: c,
		Audio: &AudioParams{
			SampleRate:     f.SampleRate,
			Channels:       f.Channels,
			Resample:       true,
			OutputRate:     f.SampleRate,
			OutputChannels: f.Channels,
		},
	}
	return p, p.Validate()
}

// VideoParamsFrom builds video decoder parameters from the negotiated
// format.
func VideoParamsFrom(f media.VideoFormat) (Params, error) {
	c, err := ParseCodec(f.Codec)
	if err != nil {
		return Params{}, err
	}
	p := Params{
		Media: media.Video,
		Codec: c,
		Video: &VideoParams{Width: f.Width, Height: f.Height},
	}
	return p, p.Validate()
}

// Validate checks that the parameters are internally consistent.
func (p Params) Validate() error {
	if !p.Media.Valid() {
		return fmt.Errorf("codec: invalid media type %d", p.Media)
	}
	if p.Codec.Media() != p.Media {
		return fmt.Errorf("codec: %s is not a %s codec", p.Codec, p.Media)
	}
	switch p.Media {
	case media.Audio:
		if p.Audio == nil || p.Video != nil {
			return fmt.Errorf("codec: audio params required")
		}
		if p.Audio.SampleRate <= 0 || p.Audio.Channels <= 0 {
			return fmt.Errorf("codec: invalid audio format %d Hz, %d channels", p.Audio.SampleRate, p.Audio.Channels)
		}
		if p.Audio.Resample && (p.Audio.OutputRate <= 0 || p.Audio.OutputChannels <= 0) {
			return fmt.Errorf("codec: invalid resampler output %d Hz, %d channels", p.Audio.OutputRate, p.Audio.OutputChannels)
		}
	case media.Video:
		if p.Video == nil || p.Audio != nil {
			return fmt.Errorf("codec: video params required")
		}
		if p.Video.Width < 0 || p.Video.Height < 0 {
			return fmt.Errorf("codec: invalid video size %dx%d", p.Video.Width, p.Video.Height)
		}
	}
	return nil
}
