// Package diag serves decoder health over HTTP: a JSON snapshot for
// scripts and a websocket pushing msgpack snapshots for live dashboards
// and the nanodec stats command.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zsiec/nanodec/internal/ingest"
	"github.com/zsiec/nanodec/internal/ingest/srt"
	"github.com/zsiec/nanodec/internal/pipeline"
	"github.com/zsiec/nanodec/internal/playback"
)

// Report is one diagnostics snapshot.
type Report struct {
	Version         string            `json:"version" msgpack:"version"`
	CertFingerprint string            `json:"certFingerprint,omitempty" msgpack:"cert_fingerprint,omitempty"`
	Pipeline        pipeline.Snapshot `json:"pipeline" msgpack:"pipeline"`
	Ingest          []ingest.Stats    `json:"ingest" msgpack:"ingest"`
	Playback        *playback.Stats   `json:"playback,omitempty" msgpack:"playback,omitempty"`
}

// ReportFunc produces the current report.
type ReportFunc func() Report

// SRTPuller manages SRT caller-mode pulls.
type SRTPuller interface {
	Pull(context.Context, srt.PullRequest) error
	Stop(streamKey string) error
	ActivePulls() []srt.PullRequest
}

// ServerConfig holds the configuration for the diagnostics Server.
type ServerConfig struct {
	Addr string
	// Interval is the websocket push period.
	Interval time.Duration
	Report   ReportFunc
	// SRT, when set, enables the /api/srt-pull endpoints.
	SRT SRTPuller
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// Server is the diagnostics HTTP server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	srv    *http.Server
	ready  chan net.Addr
}

// NewServer creates a diagnostics Server. If log is nil, slog.Default()
// is used.
func NewServer(config ServerConfig, log *slog.Logger) (*Server, error) {
	if config.Report == nil {
		return nil, errors.New("diag: Report is required")
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    log.With("component", "diag"),
		ready:  make(chan net.Addr, 1),
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Handler returns the HTTP handler with every diagnostics route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.config.SRT != nil {
		mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
		mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
		mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	}
	return corsMiddleware(mux)
}

// Ready delivers the bound listen address once the server is accepting.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("diag listen on %s: %w", s.config.Addr, err)
	}
	s.log.Info("listening", "addr", ln.Addr())
	s.ready <- ln.Addr()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Report())
}

// handleWS pushes a msgpack-encoded Report as a binary message every
// Interval until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)

	// The read side only exists to notice the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		data, err := msgpack.Marshal(s.config.Report())
		if err != nil {
			s.log.Error("encoding report", "error", err)
			return
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.SRT.ActivePulls())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	var req srt.PullRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Detach from the request so the pull outlives it.
	if err := s.config.SRT.Pull(context.WithoutCancel(r.Context()), req); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("streamKey")
	if key == "" {
		writeError(w, http.StatusBadRequest, "streamKey is required")
		return
	}
	if err := s.config.SRT.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FetchSnapshot dials a diagnostics websocket and returns the first
// report it pushes.
func FetchSnapshot(ctx context.Context, url string) (Report, error) {
	var rep Report
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return rep, fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()

	if dl, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(dl)
	}
	kind, data, err := ws.ReadMessage()
	if err != nil {
		return rep, fmt.Errorf("read snapshot: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return rep, fmt.Errorf("unexpected websocket message type %d", kind)
	}
	if err := msgpack.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("decode snapshot: %w", err)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return rep, nil
}
