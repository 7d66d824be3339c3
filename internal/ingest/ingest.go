// Package ingest receives wire fragments from game-stream senders over
// QUIC or SRT, stamps each with its arrival sequence, and hands it to the
// decode pipeline through a Sink. Active connections are tracked in a
// Registry for diagnostics.
package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/nanodec/internal/media"
)

// Protocol identifies the transport a connection arrived on.
type Protocol string

// Supported ingest transports.
const (
	ProtoQUIC Protocol = "quic"
	ProtoSRT  Protocol = "srt"
)

// Sink consumes fragments. Push must be safe for concurrent use, since
// every connection delivers from its own goroutine.
type Sink interface {
	Push(media.Fragment)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(media.Fragment)

// Push calls f(frag).
func (f SinkFunc) Push(frag media.Fragment) { f(frag) }

// Stats captures connection-level metrics for an ingest connection,
// exposed via the diagnostics API for monitoring sender health.
type Stats struct {
	Key           string `json:"key" msgpack:"key"`
	Protocol      string `json:"protocol" msgpack:"protocol"`
	RemoteAddr    string `json:"remoteAddr" msgpack:"remote_addr"`
	BytesReceived uint64 `json:"bytesReceived" msgpack:"bytes_received"`
	Fragments     uint64 `json:"fragments" msgpack:"fragments"`
	DecodeErrors  uint64 `json:"decodeErrors" msgpack:"decode_errors"`
	ConnectedAt   int64  `json:"connectedAt" msgpack:"connected_at"`
	UptimeMs      int64  `json:"uptimeMs" msgpack:"uptime_ms"`
}

// Conn is one active sender connection.
type Conn struct {
	Key       string
	Protocol  Protocol
	StartedAt time.Time

	sink Sink
	done chan struct{}

	seq          atomic.Uint64
	bytes        atomic.Uint64
	fragments    atomic.Uint64
	decodeErrors atomic.Uint64
	remoteAddr   atomic.Value
}

// Deliver assigns the next arrival sequence number to f and pushes it to
// the sink. wireBytes is the encoded size of the fragment.
func (c *Conn) Deliver(f media.Fragment, wireBytes int) {
	f.Seq = c.seq.Add(1)
	c.bytes.Add(uint64(wireBytes))
	c.fragments.Add(1)
	c.sink.Push(f)
}

// RecordError counts a fragment that failed to decode.
func (c *Conn) RecordError() {
	c.decodeErrors.Add(1)
}

// SetRemoteAddr stores the remote address of the connection for
// diagnostics.
func (c *Conn) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Done is closed when the connection is unregistered.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Stats returns a snapshot of connection metrics.
func (c *Conn) Stats() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	return Stats{
		Key:           c.Key,
		Protocol:      string(c.Protocol),
		RemoteAddr:    addr,
		BytesReceived: c.bytes.Load(),
		Fragments:     c.fragments.Load(),
		DecodeErrors:  c.decodeErrors.Load(),
		ConnectedAt:   c.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(c.StartedAt).Milliseconds(),
	}
}

// Registry tracks active ingest connections by key. All connections feed
// the same sink.
type Registry struct {
	sink Sink

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates a Registry delivering to sink.
func NewRegistry(sink Sink) *Registry {
	return &Registry{
		sink:  sink,
		conns: make(map[string]*Conn),
	}
}

// Register creates a connection with the given key. A connection already
// registered under the key is unregistered first.
func (r *Registry) Register(key string, proto Protocol) *Conn {
	c := &Conn{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		sink:      r.sink,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = c
	r.mu.Unlock()

	if old != nil {
		close(old.done)
	}
	return c
}

// Unregister removes c and signals Done. It is a no-op if c has already
// been replaced or removed.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	cur, ok := r.conns[c.Key]
	if ok && cur == c {
		delete(r.conns, c.Key)
	}
	r.mu.Unlock()

	if ok && cur == c {
		close(c.done)
	}
}

// Get returns the connection for the given key, or false if not found.
func (r *Registry) Get(key string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	return c, ok
}

// List returns the stats of every active connection, ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
