package ingest

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/nanodec/internal/certs"
	"github.com/zsiec/nanodec/internal/media"
)

// Client is a fragment sender. It is used by tests and diagnostic tools
// to feed a running Server.
type Client struct {
	conn quic.Connection
}

// Dial connects to a Server whose certificate has the given fingerprint.
func Dial(ctx context.Context, addr string, fingerprint [32]byte) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, certs.ClientConfig(fingerprint, ALPN), &quic.Config{
		EnableDatagrams: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// SendDatagram sends f as a single unreliable datagram.
func (c *Client) SendDatagram(f media.Fragment) error {
	return c.conn.SendDatagram(AppendFragment(nil, f))
}

// StreamWriter writes framed fragments to one unidirectional stream.
type StreamWriter struct {
	str quic.SendStream
	buf []byte
}

// OpenStream opens a unidirectional stream for reliable delivery.
func (c *Client) OpenStream(ctx context.Context) (*StreamWriter, error) {
	str, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &StreamWriter{str: str}, nil
}

// Write frames and writes f in a single call.
func (w *StreamWriter) Write(f media.Fragment) error {
	w.buf = AppendFragment(w.buf[:0], f)
	_, err := w.str.Write(w.buf)
	return err
}

// Close finishes the stream.
func (w *StreamWriter) Close() error {
	return w.str.Close()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(errCodeNone, "")
}
