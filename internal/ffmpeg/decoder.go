package ffmpeg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/media"
)

type decoder struct {
	codec  *astiav.Codec
	params codec.Params
	log    *slog.Logger

	cc    *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame
}

// open (re)creates the codec context with the given extradata. Most
// decoders only read extradata while opening, so a configuration change
// rebuilds the context rather than patching it.
func (d *decoder) open(extra []byte) error {
	cc := astiav.AllocCodecContext(d.codec)
	if cc == nil {
		return fmt.Errorf("ffmpeg: allocating %s context failed", d.params.Codec)
	}
	if a := d.params.Audio; a != nil {
		cc.SetSampleRate(a.SampleRate)
		if layout, err := channelLayout(a.Channels); err == nil {
			cc.SetChannelLayout(layout)
		}
	}
	if v := d.params.Video; v != nil {
		cc.SetWidth(v.Width)
		cc.SetHeight(v.Height)
	}
	if len(extra) > 0 {
		if err := cc.SetExtraData(extra); err != nil {
			cc.Free()
			return fmt.Errorf("ffmpeg: setting extradata: %w", err)
		}
	}
	if err := cc.Open(d.codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("ffmpeg: opening %s decoder: %w", d.params.Codec, err)
	}

	if d.cc != nil {
		d.cc.Free()
	}
	d.cc = cc
	if d.pkt == nil {
		d.pkt = astiav.AllocPacket()
	}
	if d.frame == nil {
		d.frame = astiav.AllocFrame()
	}
	return nil
}

func (d *decoder) IsDecoder() bool { return d.codec.IsDecoder() }

func (d *decoder) SetExtraData(config []byte) error {
	extra := config
	if d.params.Codec == codec.CodecH264 {
		var err error
		if extra, err = assemble.AVCConfigToAnnexB(config); err != nil {
			return err
		}
	}
	if err := d.open(extra); err != nil {
		return err
	}
	d.log.Debug("extradata applied", "bytes", len(extra))
	return nil
}

func (d *decoder) Send(p codec.Packet) error {
	if d.cc == nil {
		return errors.New("ffmpeg: decoder closed")
	}
	defer d.pkt.Unref()
	if err := d.pkt.FromData(p.Data); err != nil {
		return fmt.Errorf("ffmpeg: packet: %w", err)
	}
	d.pkt.SetPts(int64(p.Timestamp))
	d.pkt.SetDts(int64(p.Timestamp))
	err := d.cc.SendPacket(d.pkt)
	if errors.Is(err, astiav.ErrEagain) {
		return codec.ErrAgain
	}
	return err
}

func (d *decoder) Receive() (*media.DecodedUnit, error) {
	if d.cc == nil {
		return nil, codec.ErrAgain
	}
	err := d.cc.ReceiveFrame(d.frame)
	if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
		return nil, codec.ErrAgain
	}
	if err != nil {
		return nil, err
	}
	defer d.frame.Unref()

	u := &media.DecodedUnit{Media: d.params.Media, Timestamp: uint64(d.frame.Pts())}
	if d.params.Media == media.Audio {
		err = copyAudio(u, d.frame)
	} else {
		err = copyVideo(u, d.frame)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (d *decoder) Flush() {
	if d.cc != nil {
		d.cc.FlushBuffers()
	}
}

func (d *decoder) Close() error {
	if d.cc != nil {
		d.cc.Free()
		d.cc = nil
	}
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.frame != nil {
		d.frame.Free()
		d.frame = nil
	}
	return nil
}
