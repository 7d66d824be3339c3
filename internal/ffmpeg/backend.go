// Package ffmpeg implements codec.Backend on top of libavcodec and
// libswresample through go-astiav. Decoders are fed Annex B H.264 and raw
// AAC or Opus packets; decoded frames are copied out into Go memory so no
// FFmpeg buffer outlives a Receive call.
package ffmpeg

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/nanodec/internal/codec"
)

// Backend opens FFmpeg decoders and resamplers.
type Backend struct {
	log *slog.Logger
}

// New returns a Backend. FFmpeg's own log output is routed to log at
// error level and above.
func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ffmpeg")
	astiav.SetLogLevel(astiav.LogLevelError)
	astiav.SetLogCallback(func(_ astiav.Classer, l astiav.LogLevel, _, msg string) {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return
		}
		if l <= astiav.LogLevelError {
			log.Error(msg)
			return
		}
		log.Warn(msg)
	})
	return &Backend{log: log}
}

func codecID(c codec.Codec) (astiav.CodecID, error) {
	switch c {
	case codec.CodecAAC:
		return astiav.CodecIDAac, nil
	case codec.CodecOpus:
		return astiav.CodecIDOpus, nil
	case codec.CodecH264:
		return astiav.CodecIDH264, nil
	case codec.CodecHEVC:
		return astiav.CodecIDHevc, nil
	}
	return 0, fmt.Errorf("ffmpeg: no decoder for %q", c)
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	case 6:
		return astiav.ChannelLayout5Point1, nil
	}
	return astiav.ChannelLayout{}, fmt.Errorf("ffmpeg: unsupported channel count %d", channels)
}

// OpenDecoder implements codec.Backend.
func (b *Backend) OpenDecoder(p codec.Params) (codec.Decoder, error) {
	id, err := codecID(p.Codec)
	if err != nil {
		return nil, err
	}
	c := astiav.FindDecoder(id)
	if c == nil {
		return nil, fmt.Errorf("ffmpeg: decoder %s not compiled in", p.Codec)
	}
	d := &decoder{codec: c, params: p, log: b.log.With("codec", string(p.Codec))}
	if err := d.open(nil); err != nil {
		return nil, err
	}
	d.log.Debug("decoder opened", "name", c.Name())
	return d, nil
}

// NewResampler implements codec.Backend.
func (b *Backend) NewResampler(p codec.AudioParams) (codec.Resampler, error) {
	layout, err := channelLayout(p.OutputChannels)
	if err != nil {
		return nil, err
	}
	ctx := astiav.AllocSoftwareResampleContext()
	if ctx == nil {
		return nil, fmt.Errorf("ffmpeg: allocating resample context failed")
	}
	return &resampler{
		ctx:    ctx,
		rate:   p.OutputRate,
		layout: layout,
		chans:  p.OutputChannels,
	}, nil
}
