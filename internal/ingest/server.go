package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/nanodec/internal/certs"
)

// ALPN is the application protocol negotiated by fragment senders.
const ALPN = "nanodec-fragments"

// Application error codes sent with CloseWithError.
const (
	errCodeNone     quic.ApplicationErrorCode = 0
	errCodeShutdown quic.ApplicationErrorCode = 1
)

// ServerConfig holds the configuration for the QUIC ingest Server.
type ServerConfig struct {
	Addr        string
	Cert        *certs.CertInfo
	IdleTimeout time.Duration
}

// Server accepts QUIC connections from fragment senders. Each datagram
// carries one fragment; each unidirectional stream carries a sequence of
// framed fragments.
type Server struct {
	config   ServerConfig
	registry *Registry
	log      *slog.Logger

	ready chan net.Addr
}

// NewServer creates a QUIC ingest server registering connections with
// registry. If log is nil, slog.Default() is used.
func NewServer(config ServerConfig, registry *Registry, log *slog.Logger) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("ingest: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("ingest: Addr is required")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:   config,
		registry: registry,
		log:      log.With("component", "quic-ingest"),
		ready:    make(chan net.Addr, 1),
	}, nil
}

// Ready delivers the bound listen address once the server is accepting.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start listens and accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.config.Addr, s.config.Cert.ServerConfig(ALPN), &quic.Config{
		MaxIdleTimeout:  s.config.IdleTimeout,
		EnableDatagrams: true,
	})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.config.Addr, err)
	}
	defer ln.Close()
	s.log.Info("listening", "addr", ln.Addr(), "fingerprint", s.config.Cert.FingerprintHex())
	s.ready <- ln.Addr()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, qc quic.Connection) {
	remote := qc.RemoteAddr().String()
	c := s.registry.Register(remote, ProtoQUIC)
	c.SetRemoteAddr(remote)
	s.log.Info("sender connected", "remote", remote)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-connCtx.Done():
		case <-c.Done():
		}
		code, msg := errCodeNone, ""
		if ctx.Err() != nil {
			code, msg = errCodeShutdown, "shutting down"
		}
		qc.CloseWithError(code, msg)
	}()

	go s.acceptStreams(connCtx, qc, c)
	for {
		data, err := qc.ReceiveDatagram(connCtx)
		if err != nil {
			break
		}
		f, err := ParseFragment(data)
		if err != nil {
			c.RecordError()
			s.log.Debug("bad datagram", "remote", remote, "error", err)
			continue
		}
		c.Deliver(f, len(data))
	}

	stats := c.Stats()
	s.registry.Unregister(c)
	s.log.Info("sender disconnected", "remote", remote,
		"bytes", stats.BytesReceived, "fragments", stats.Fragments,
		"decode_errors", stats.DecodeErrors, "uptime_ms", stats.UptimeMs)
}

func (s *Server) acceptStreams(ctx context.Context, qc quic.Connection, c *Conn) {
	for {
		str, err := qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go s.readStream(str, c)
	}
}

// readStream reads framed fragments until the stream ends. A framing
// error loses sync with the stream, so the stream is abandoned.
func (s *Server) readStream(str quic.ReceiveStream, c *Conn) {
	cr := &countingReader{r: str}
	br := bufio.NewReader(cr)
	for {
		before := cr.n - br.Buffered()
		f, err := ReadFragment(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.RecordError()
				s.log.Debug("stream framing error", "remote", c.Key, "stream", str.StreamID(), "error", err)
				str.CancelRead(0)
			}
			return
		}
		c.Deliver(f, cr.n-br.Buffered()-before)
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
