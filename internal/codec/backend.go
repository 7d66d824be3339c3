package codec

import "github.com/zsiec/nanodec/internal/media"

// Packet is one compressed frame submitted to a Decoder.
type Packet struct {
	Data      []byte
	Timestamp uint64
}

// Decoder is an opened external decoder instance. Implementations need not
// be safe for concurrent use; Context serializes all calls.
type Decoder interface {
	// IsDecoder reports whether the instance can decode. An instance
	// opened as encoder-only reports false.
	IsDecoder() bool
	// SetExtraData applies out-of-band codec configuration (an avcC
	// record or AudioSpecificConfig).
	SetExtraData(config []byte) error
	// Send submits one packet. It returns ErrAgain when output must be
	// drained before more input is accepted.
	Send(Packet) error
	// Receive returns the next decoded unit, or ErrAgain if none is ready.
	// The unit's Timestamp is the Packet timestamp it was decoded from.
	Receive() (*media.DecodedUnit, error)
	// Flush discards all buffered input, output, and reference state while
	// keeping the instance open.
	Flush()
	Close() error
}

// Resampler converts decoded audio to interleaved signed 16-bit samples.
type Resampler interface {
	Resample(*media.DecodedUnit) (*media.DecodedUnit, error)
	Close() error
}

// Backend creates decoders and resamplers.
type Backend interface {
	OpenDecoder(Params) (Decoder, error)
	NewResampler(AudioParams) (Resampler, error)
}
