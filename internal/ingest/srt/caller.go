package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/nanodec/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT sender to pull from.
type PullRequest struct {
	Address   string `json:"address" yaml:"address"`
	StreamKey string `json:"streamKey" yaml:"stream_key"`
	StreamID  string `json:"streamId,omitempty" yaml:"stream_id,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote senders and feeding
// their fragments into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller registering pulled connections with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return fmt.Errorf("address is required")
	}
	if r.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}
	return nil
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success, reading
// continues in a background goroutine until ctx is cancelled or Stop is
// called.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()
	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startReading(ctx, req, res.conn)
	case <-timer.C:
		drain()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		drain()
		return ctx.Err()
	}
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

func (c *Caller) startReading(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "key", req.StreamKey)

	ic := c.registry.Register(req.StreamKey, ingest.ProtoSRT)
	ic.SetRemoteAddr(req.Address)
	stop := context.AfterFunc(pullCtx, func() { conn.Close() })

	go func() {
		defer func() {
			stop()
			cancel()
			conn.Close()
			stats := ic.Stats()
			c.registry.Unregister(ic)
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
			c.log.Info("pull ended", "key", req.StreamKey,
				"bytes", stats.BytesReceived, "fragments", stats.Fragments,
				"uptime_ms", stats.UptimeMs)
		}()
		consume(conn, ic, c.log)
	}()

	return nil
}

// Stop ends the pull for the given stream key.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls returns the active pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
