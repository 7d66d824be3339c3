package srt

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/nanodec/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads, a multiple
// of the 1316-byte live-mode payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// consume reads framed fragments from r and delivers them to c until the
// stream ends or loses framing.
func consume(r io.Reader, c *ingest.Conn, log *slog.Logger) {
	cr := &countingReader{r: r}
	br := bufio.NewReaderSize(cr, srtReadBufferSize)
	for {
		before := cr.n - br.Buffered()
		f, err := ingest.ReadFragment(br)
		if err != nil {
			var pe *ingest.ParseError
			if errors.As(err, &pe) {
				c.RecordError()
				log.Warn("framing error", "key", c.Key, "error", err)
			} else if !errors.Is(err, io.EOF) {
				log.Debug("read error", "key", c.Key, "error", err)
			}
			return
		}
		c.Deliver(f, cr.n-br.Buffered()-before)
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
