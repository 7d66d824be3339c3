// Package codectest provides an in-memory codec.Backend for tests. The fake
// decoder produces one unit per accepted packet, optionally held back by a
// fixed reorder delay the way a real decoder holds reference pictures.
package codectest

import (
	"errors"
	"sync"

	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/media"
)

// ErrRejected is returned by Send for packets matched by Decoder.Reject.
var ErrRejected = errors.New("codectest: packet rejected")

// Backend is a codec.Backend whose decoders are Decoder values.
type Backend struct {
	mu sync.Mutex

	// OpenErr and ResamplerErr, when set, fail the corresponding call.
	OpenErr      error
	ResamplerErr error
	// Encoder opens instances that report IsDecoder() == false.
	Encoder bool
	// Delay is the number of packets each decoder buffers before output.
	Delay int
	// Capacity bounds buffered output; Send returns codec.ErrAgain when
	// it is reached. Zero means unbounded.
	Capacity int
	// Reject, when set, fails Send for packets it returns true for.
	Reject func(codec.Packet) bool

	decoders   []*Decoder
	resamplers []*Resampler
}

// OpenDecoder implements codec.Backend.
func (b *Backend) OpenDecoder(p codec.Params) (codec.Decoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	d := &Decoder{
		params:   p,
		encoder:  b.Encoder,
		delay:    b.Delay,
		capacity: b.Capacity,
		reject:   b.Reject,
	}
	b.decoders = append(b.decoders, d)
	return d, nil
}

// NewResampler implements codec.Backend.
func (b *Backend) NewResampler(p codec.AudioParams) (codec.Resampler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ResamplerErr != nil {
		return nil, b.ResamplerErr
	}
	r := &Resampler{params: p}
	b.resamplers = append(b.resamplers, r)
	return r, nil
}

// Decoders returns every decoder opened so far.
func (b *Backend) Decoders() []*Decoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Decoder(nil), b.decoders...)
}

// Resamplers returns every resampler created so far.
func (b *Backend) Resamplers() []*Resampler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Resampler(nil), b.resamplers...)
}

// Decoder is a fake decoder instance.
type Decoder struct {
	mu       sync.Mutex
	params   codec.Params
	encoder  bool
	delay    int
	capacity int
	reject   func(codec.Packet) bool

	held    []codec.Packet
	ready   []*media.DecodedUnit
	extra   []byte
	configs int
	sent    int
	flushes int
	closes  int
}

func (d *Decoder) IsDecoder() bool { return !d.encoder }

func (d *Decoder) SetExtraData(config []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extra = append([]byte(nil), config...)
	d.configs++
	return nil
}

func (d *Decoder) Send(p codec.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closes > 0 {
		return errors.New("codectest: decoder closed")
	}
	if d.reject != nil && d.reject(p) {
		return ErrRejected
	}
	if d.capacity > 0 && len(d.ready) >= d.capacity {
		return codec.ErrAgain
	}
	d.sent++
	d.held = append(d.held, p)
	for len(d.held) > d.delay {
		d.ready = append(d.ready, d.unit(d.held[0]))
		d.held = d.held[1:]
	}
	return nil
}

func (d *Decoder) unit(p codec.Packet) *media.DecodedUnit {
	u := &media.DecodedUnit{Media: d.params.Media, Timestamp: p.Timestamp}
	if a := d.params.Audio; a != nil {
		u.Format = "fltp"
		u.SampleCount = 1024
		u.SampleRate = a.SampleRate
		u.Channels = a.Channels
		for range a.Channels {
			u.Planes = append(u.Planes, make([]byte, 4*1024))
		}
		return u
	}
	w, h := 16, 16
	if v := d.params.Video; v != nil && v.Width > 0 {
		w, h = v.Width, v.Height
	}
	u.Format = "yuv420p"
	u.Width, u.Height = w, h
	u.Planes = [][]byte{make([]byte, w*h), make([]byte, w*h/4), make([]byte, w*h/4)}
	u.Strides = []int{w, w / 2, w / 2}
	return u
}

func (d *Decoder) Receive() (*media.DecodedUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ready) == 0 {
		return nil, codec.ErrAgain
	}
	u := d.ready[0]
	d.ready = d.ready[1:]
	return u, nil
}

func (d *Decoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = nil
	d.ready = nil
	d.flushes++
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// ExtraData returns the last configuration applied with SetExtraData.
func (d *Decoder) ExtraData() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extra
}

// Configs returns the number of SetExtraData calls.
func (d *Decoder) Configs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs
}

// Sent returns the number of packets accepted.
func (d *Decoder) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// Flushes returns the number of Flush calls.
func (d *Decoder) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Closes returns the number of Close calls.
func (d *Decoder) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// Resampler converts fake planar output to interleaved S16.
type Resampler struct {
	mu     sync.Mutex
	params codec.AudioParams
	closes int
}

func (r *Resampler) Resample(u *media.DecodedUnit) (*media.DecodedUnit, error) {
	out := *u
	out.Format = "s16"
	out.Planes = nil
	out.Channels = r.params.OutputChannels
	out.SampleRate = r.params.OutputRate
	if u.SampleRate > 0 && r.params.OutputRate != u.SampleRate {
		out.SampleCount = u.SampleCount * r.params.OutputRate / u.SampleRate
	}
	out.Samples = make([]byte, out.SampleCount*out.Channels*2)
	return &out, nil
}

func (r *Resampler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

// Closes returns the number of Close calls.
func (r *Resampler) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
