package ffmpeg

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/nanodec/internal/media"
)

var sampleFormats = map[string]astiav.SampleFormat{
	"u8":   astiav.SampleFormatU8,
	"s16":  astiav.SampleFormatS16,
	"s32":  astiav.SampleFormatS32,
	"flt":  astiav.SampleFormatFlt,
	"dbl":  astiav.SampleFormatDbl,
	"u8p":  astiav.SampleFormatU8P,
	"s16p": astiav.SampleFormatS16P,
	"s32p": astiav.SampleFormatS32P,
	"fltp": astiav.SampleFormatFltp,
	"dblp": astiav.SampleFormatDblp,
}

type resampler struct {
	ctx    *astiav.SoftwareResampleContext
	rate   int
	layout astiav.ChannelLayout
	chans  int
}

// Resample converts a decoded audio unit to interleaved S16 at the
// configured rate and layout. Units already in that shape pass through.
func (r *resampler) Resample(u *media.DecodedUnit) (*media.DecodedUnit, error) {
	if r.ctx == nil {
		return nil, errors.New("ffmpeg: resampler closed")
	}
	if u.Format == "s16" && u.SampleRate == r.rate && u.Channels == r.chans {
		return u, nil
	}
	format, ok := sampleFormats[u.Format]
	if !ok {
		return nil, fmt.Errorf("ffmpeg: unknown sample format %q", u.Format)
	}
	layout, err := channelLayout(u.Channels)
	if err != nil {
		return nil, err
	}

	src := astiav.AllocFrame()
	defer src.Free()
	src.SetSampleFormat(format)
	src.SetSampleRate(u.SampleRate)
	src.SetChannelLayout(layout)
	src.SetNbSamples(u.SampleCount)
	if err := src.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("ffmpeg: allocating source frame: %w", err)
	}
	data := u.Samples
	if len(u.Planes) > 0 {
		data = nil
		for _, p := range u.Planes {
			data = append(data, p...)
		}
	}
	if err := src.Data().SetBytes(data, 1); err != nil {
		return nil, fmt.Errorf("ffmpeg: filling source frame: %w", err)
	}

	dst := astiav.AllocFrame()
	defer dst.Free()
	dst.SetSampleFormat(astiav.SampleFormatS16)
	dst.SetSampleRate(r.rate)
	dst.SetChannelLayout(r.layout)
	if err := r.ctx.ConvertFrame(src, dst); err != nil {
		return nil, fmt.Errorf("ffmpeg: resampling: %w", err)
	}
	out, err := dst.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: copying resampled frame: %w", err)
	}

	res := *u
	res.Format = "s16"
	res.Planes = nil
	res.Samples = out
	res.SampleCount = dst.NbSamples()
	res.SampleRate = r.rate
	res.Channels = r.chans
	return &res, nil
}

func (r *resampler) Close() error {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	return nil
}
