package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/nanodec/internal/media"
)

// MaxPayloadSize bounds the payload of a single wire fragment.
const MaxPayloadSize = 1 << 20

// ErrPayloadTooLarge is returned for fragments declaring a payload above
// MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("ingest: fragment payload too large")

// ParseError indicates a failure to decode one field of a wire fragment.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ingest: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// AppendFragment appends the wire encoding of f to buf.
// Wire format, every field a QUIC varint:
// [media] [flags] [frame_id] [offset] [total_size] [timestamp] [payload_len] [payload].
func AppendFragment(buf []byte, f media.Fragment) []byte {
	buf = quicvarint.Append(buf, uint64(f.Media))
	buf = quicvarint.Append(buf, uint64(f.Flags))
	buf = quicvarint.Append(buf, uint64(f.FrameID))
	buf = quicvarint.Append(buf, uint64(f.Offset))
	buf = quicvarint.Append(buf, uint64(f.TotalSize))
	buf = quicvarint.Append(buf, f.Timestamp)
	buf = quicvarint.Append(buf, uint64(len(f.Payload)))
	return append(buf, f.Payload...)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// ReadFragment reads one framed fragment from a stream. It returns io.EOF
// only when the stream ends cleanly between fragments.
func ReadFragment(r io.Reader) (media.Fragment, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return readFragment(br, true)
}

// ParseFragment decodes a fragment occupying exactly data, as carried in a
// single QUIC datagram. The payload is copied out of data.
func ParseFragment(data []byte) (media.Fragment, error) {
	r := &sliceReader{data: data}
	f, err := readFragment(r, false)
	if err != nil {
		return f, err
	}
	if r.off != len(data) {
		return f, &ParseError{Field: "payload", Err: fmt.Errorf("%d trailing bytes", len(data)-r.off)}
	}
	return f, nil
}

func readFragment(r byteReader, eofOK bool) (media.Fragment, error) {
	var f media.Fragment
	m, err := quicvarint.Read(r)
	if err != nil {
		if eofOK && errors.Is(err, io.EOF) {
			return f, io.EOF
		}
		return f, &ParseError{Field: "media", Err: err}
	}
	f.Media = media.Type(m)
	if m > math.MaxUint8 || !f.Media.Valid() {
		return f, &ParseError{Field: "media", Err: fmt.Errorf("unknown media type %d", m)}
	}

	flags, err := readUint(r, "flags", math.MaxUint8)
	if err != nil {
		return f, err
	}
	f.Flags = uint8(flags)
	id, err := readUint(r, "frame_id", math.MaxUint32)
	if err != nil {
		return f, err
	}
	f.FrameID = uint32(id)
	off, err := readUint(r, "offset", math.MaxUint32)
	if err != nil {
		return f, err
	}
	f.Offset = uint32(off)
	total, err := readUint(r, "total_size", math.MaxUint32)
	if err != nil {
		return f, err
	}
	f.TotalSize = uint32(total)
	if f.Timestamp, err = readUint(r, "timestamp", math.MaxUint64); err != nil {
		return f, err
	}

	n, err := readUint(r, "payload_len", math.MaxUint64)
	if err != nil {
		return f, err
	}
	if n > MaxPayloadSize {
		return f, &ParseError{Field: "payload_len", Err: fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)}
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, &ParseError{Field: "payload", Err: err}
	}
	return f, nil
}

func readUint(r io.ByteReader, field string, limit uint64) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, &ParseError{Field: field, Err: err}
	}
	if v > limit {
		return 0, &ParseError{Field: field, Err: fmt.Errorf("value %d out of range", v)}
	}
	return v, nil
}

type sliceReader struct {
	data []byte
	off  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.off >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += n
	return n, nil
}

func (s *sliceReader) ReadByte() (byte, error) {
	if s.off >= len(s.data) {
		return 0, io.EOF
	}
	b := s.data[s.off]
	s.off++
	return b, nil
}
