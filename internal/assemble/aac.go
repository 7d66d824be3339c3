package assemble

import (
	"errors"
	"fmt"
)

var errInvalidADTS = errors.New("invalid ADTS header")

// AAC sampling frequency table (ISO 14496-3 1.6.3.4).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AAC audio object types seen on game streams.
const (
	AACObjectMain = 1
	AACObjectLC   = 2
	AACObjectSSR  = 3
	AACObjectLTP  = 4
)

// AACFrameSamples is the number of PCM samples per channel in one AAC
// raw data block.
const AACFrameSamples = 1024

// SampleRateIndex returns the table index for rate, or -1 if the rate has
// no index and must be signalled explicitly.
func SampleRateIndex(rate int) int {
	for i, r := range aacSampleRates {
		if r == rate {
			return i
		}
	}
	return -1
}

// ADTSHeader is a parsed ADTS fixed + variable header.
type ADTSHeader struct {
	Profile         byte // ADTS profile field; object type is Profile+1
	SampleRateIndex int
	SampleRate      int
	Channels        int
	FrameLength     int // header + payload, in bytes
	HeaderLength    int // 7, or 9 with CRC
	RawBlocks       int
}

// ObjectType returns the MPEG-4 audio object type signalled by the header.
func (h ADTSHeader) ObjectType() byte {
	return h.Profile + 1
}

// Config returns the AudioSpecificConfig equivalent of the header.
func (h ADTSHeader) Config() AudioConfig {
	return AudioConfig{
		ObjectType:      h.ObjectType(),
		SampleRateIndex: h.SampleRateIndex,
		SampleRate:      h.SampleRate,
		Channels:        h.Channels,
	}
}

// ParseADTSHeader parses the ADTS header at the start of data. It does not
// check that FrameLength bytes are available; callers slice on their own.
func ParseADTSHeader(data []byte) (ADTSHeader, error) {
	if len(data) < 7 {
		return ADTSHeader{}, fmt.Errorf("%w: %d bytes", errInvalidADTS, len(data))
	}
	if data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
		return ADTSHeader{}, fmt.Errorf("%w: bad sync word", errInvalidADTS)
	}

	h := ADTSHeader{
		Profile:         data[2] >> 6,
		SampleRateIndex: int(data[2]>>2) & 0x0F,
		Channels:        int(data[2]&0x01)<<2 | int(data[3]>>6),
		FrameLength:     int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5),
		HeaderLength:    7,
		RawBlocks:       int(data[6]&0x03) + 1,
	}
	if data[1]&0x01 == 0 {
		h.HeaderLength = 9
	}
	if h.SampleRateIndex >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: sample rate index %d", errInvalidADTS, h.SampleRateIndex)
	}
	h.SampleRate = aacSampleRates[h.SampleRateIndex]
	if h.FrameLength < h.HeaderLength {
		return ADTSHeader{}, fmt.Errorf("%w: frame length %d shorter than header", errInvalidADTS, h.FrameLength)
	}
	return h, nil
}

// AppendADTSHeader appends a 7-byte ADTS header (no CRC) describing a
// payloadLen-byte raw AAC block with the given configuration.
func AppendADTSHeader(buf []byte, cfg AudioConfig, payloadLen int) []byte {
	frameLen := 7 + payloadLen
	profile := (cfg.ObjectType - 1) & 0x03
	idx := byte(cfg.SampleRateIndex) & 0x0F
	ch := byte(cfg.Channels) & 0x07
	return append(buf,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		profile<<6|idx<<2|ch>>2,
		(ch&0x03)<<6|byte(frameLen>>11)&0x03,
		byte(frameLen>>3),
		byte(frameLen&0x07)<<5|0x1F,
		0xFC,
	)
}

// AudioConfig mirrors the fields of an MPEG-4 AudioSpecificConfig that the
// decoder needs.
type AudioConfig struct {
	ObjectType      byte
	SampleRateIndex int // 15 means explicit SampleRate
	SampleRate      int
	Channels        int
}

// ParseAudioConfig parses an AudioSpecificConfig (ISO 14496-3 1.6.2.1),
// including escaped object types and explicit sampling frequencies.
func ParseAudioConfig(data []byte) (AudioConfig, error) {
	br := &bitReader{data: data}
	var cfg AudioConfig

	ot := br.u(5)
	if ot == 31 {
		ot = 32 + br.u(6)
	}
	cfg.ObjectType = byte(ot)

	cfg.SampleRateIndex = int(br.u(4))
	switch {
	case cfg.SampleRateIndex == 15:
		cfg.SampleRate = int(br.u(24))
	case cfg.SampleRateIndex < len(aacSampleRates):
		cfg.SampleRate = aacSampleRates[cfg.SampleRateIndex]
	default:
		return AudioConfig{}, fmt.Errorf("audio config: reserved sample rate index %d", cfg.SampleRateIndex)
	}
	cfg.Channels = int(br.u(4))

	if br.err != nil {
		return AudioConfig{}, fmt.Errorf("audio config: %d bytes is too short", len(data))
	}
	if cfg.ObjectType == 0 || cfg.SampleRate == 0 {
		return AudioConfig{}, fmt.Errorf("audio config: object type %d, rate %d", cfg.ObjectType, cfg.SampleRate)
	}
	return cfg, nil
}

// Marshal encodes the config as a 2-byte AudioSpecificConfig, or 5 bytes
// when the sample rate has no table index.
func (c AudioConfig) Marshal() []byte {
	idx := c.SampleRateIndex
	if idx != 15 && (idx < 0 || idx >= len(aacSampleRates) || aacSampleRates[idx] != c.SampleRate) {
		idx = SampleRateIndex(c.SampleRate)
		if idx < 0 {
			idx = 15
		}
	}
	ot := uint32(c.ObjectType) & 0x1F
	ch := uint32(c.Channels) & 0x0F
	if idx == 15 {
		// 5 + 4 + 24 + 4 bits, left-aligned in 5 bytes.
		v := uint64(ot)<<35 | uint64(15)<<31 | uint64(c.SampleRate&0xFFFFFF)<<7 | uint64(ch)<<3
		return []byte{byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	v := ot<<11 | uint32(idx)<<7 | ch<<3
	return []byte{byte(v >> 8), byte(v)}
}
