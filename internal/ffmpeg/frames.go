package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/nanodec/internal/media"
)

// sampleLayout returns the byte width of one sample and whether channels
// are stored in separate planes, for an FFmpeg sample format name.
func sampleLayout(format string) (width int, planar bool, err error) {
	base, planar := strings.CutSuffix(format, "p")
	switch base {
	case "u8":
		width = 1
	case "s16":
		width = 2
	case "s32", "flt":
		width = 4
	case "s64", "dbl":
		width = 8
	default:
		return 0, false, fmt.Errorf("ffmpeg: unknown sample format %q", format)
	}
	return width, planar, nil
}

// pixelLayout returns the bytes per component of a 4:2:0 planar pixel
// format.
func pixelLayout(format string) (int, error) {
	switch format {
	case "yuv420p", "yuvj420p":
		return 1, nil
	case "yuv420p10le", "yuv420p12le":
		return 2, nil
	}
	return 0, fmt.Errorf("ffmpeg: unsupported pixel format %q", format)
}

// splitPlanes cuts a tightly packed buffer into consecutive planes of the
// given sizes.
func splitPlanes(buf []byte, sizes ...int) ([][]byte, error) {
	total := 0
	for _, n := range sizes {
		total += n
	}
	if len(buf) < total {
		return nil, fmt.Errorf("ffmpeg: frame buffer %d bytes, want %d", len(buf), total)
	}
	planes := make([][]byte, 0, len(sizes))
	for _, n := range sizes {
		planes = append(planes, buf[:n:n])
		buf = buf[n:]
	}
	return planes, nil
}

func audioPlaneSizes(format string, samples, channels int) ([]int, error) {
	width, planar, err := sampleLayout(format)
	if err != nil {
		return nil, err
	}
	if !planar {
		return []int{samples * channels * width}, nil
	}
	sizes := make([]int, channels)
	for i := range sizes {
		sizes[i] = samples * width
	}
	return sizes, nil
}

// videoPlaneSizes returns the Y, U and V plane sizes and strides of a
// packed 4:2:0 picture.
func videoPlaneSizes(width, height, depth int) (sizes, strides []int) {
	cw, ch := (width+1)/2, (height+1)/2
	strides = []int{width * depth, cw * depth, cw * depth}
	sizes = []int{strides[0] * height, strides[1] * ch, strides[2] * ch}
	return sizes, strides
}

func copyAudio(u *media.DecodedUnit, f *astiav.Frame) error {
	u.Format = f.SampleFormat().String()
	u.SampleRate = f.SampleRate()
	u.Channels = f.ChannelLayout().Channels()
	u.SampleCount = f.NbSamples()

	buf, err := f.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("ffmpeg: copying audio frame: %w", err)
	}
	sizes, err := audioPlaneSizes(u.Format, u.SampleCount, u.Channels)
	if err != nil {
		return err
	}
	if len(sizes) == 1 {
		u.Samples = buf
		return nil
	}
	u.Planes, err = splitPlanes(buf, sizes...)
	return err
}

func copyVideo(u *media.DecodedUnit, f *astiav.Frame) error {
	u.Format = f.PixelFormat().String()
	u.Width = f.Width()
	u.Height = f.Height()
	depth, err := pixelLayout(u.Format)
	if err != nil {
		return err
	}
	buf, err := f.Data().Bytes(1)
	if err != nil {
		return fmt.Errorf("ffmpeg: copying video frame: %w", err)
	}
	sizes, strides := videoPlaneSizes(u.Width, u.Height, depth)
	if u.Planes, err = splitPlanes(buf, sizes...); err != nil {
		return err
	}
	u.Strides = strides
	return nil
}
