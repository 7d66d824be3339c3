// Package codec owns the lifecycle of one external decoder per media type:
// initialize with parameters, create the decoder (and resampler), feed
// frames, flush on quality changes, and release everything on dispose.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/nanodec/internal/media"
)

// State is the lifecycle state of a Context.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateContextCreated
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateContextCreated:
		return "context-created"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result is the outcome of Enqueue.
type Result int

const (
	// ResultOK means the frame was accepted by the decoder.
	ResultOK Result = iota
	// ResultNotReady means the context cannot accept frames yet.
	ResultNotReady
	// ResultDropped means the decoder rejected the frame.
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNotReady:
		return "not-ready"
	case ResultDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time copy of the context counters.
type Stats struct {
	State        string `json:"state" msgpack:"state"`
	Codec        Codec  `json:"codec" msgpack:"codec"`
	Submitted    uint64 `json:"submitted" msgpack:"submitted"`
	SubmitErrors uint64 `json:"submitErrors" msgpack:"submit_errors"`
	Decoded      uint64 `json:"decoded" msgpack:"decoded"`
	DecodeErrors uint64 `json:"decodeErrors" msgpack:"decode_errors"`
	Reinits      uint64 `json:"reinits" msgpack:"reinits"`
	Generation   uint32 `json:"generation" msgpack:"generation"`

	// Pending is decoder output drained to make room for input but not
	// yet dequeued; PendingDropped counts units evicted from it when full.
	Pending        int    `json:"pending" msgpack:"pending"`
	PendingDropped uint64 `json:"pendingDropped" msgpack:"pending_dropped"`
}

// maxInFlight bounds the timestamp-to-frame-id table.
const maxInFlight = 256

// MaxPending bounds output drained from a stalled decoder. When it is
// full the oldest drained unit is discarded.
const MaxPending = 16

// Context drives one decoder instance through its lifecycle:
//
//	Uninitialized → Initialized → ContextCreated → Disposed
//
// Frames are accepted only in ContextCreated. Reinit flushes the decoder
// in place. All methods are safe for concurrent use.
type Context struct {
	mu      sync.Mutex
	media   media.Type
	backend Backend
	log     *slog.Logger

	state   State
	params  Params
	dec     Decoder
	rs      Resampler
	pending []*media.DecodedUnit
	ids     map[uint64]uint32

	generation   atomic.Uint32
	stateView    atomic.Int32
	submitted    atomic.Uint64
	submitErrors atomic.Uint64
	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
	reinits      atomic.Uint64
	pendDropped  atomic.Uint64
}

// New returns an uninitialized context for m that opens decoders through
// backend. A nil logger uses slog.Default.
func New(m media.Type, backend Backend, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		media:   m,
		backend: backend,
		log:     log.With("component", "codec", "media", m.String()),
		ids:     make(map[uint64]uint32),
	}
}

func (c *Context) setState(s State) {
	c.state = s
	c.stateView.Store(int32(s))
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	return State(c.stateView.Load())
}

// Params returns the parameters recorded by Initialize.
func (c *Context) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Initialize records the decoder parameters. It may be called only once.
func (c *Context) Initialize(p Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUninitialized:
	case StateDisposed:
		return fmt.Errorf("%w: context disposed", ErrNotReady)
	default:
		return ErrAlreadyInitialized
	}
	if p.Media != c.media {
		return fmt.Errorf("codec: %s params for %s context", p.Media, c.media)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	c.params = p
	c.setState(StateInitialized)
	return nil
}

// CreateContext opens the decoder and, when the parameters ask for it,
// the resampler. It requires Initialize and fails with
// ErrAlreadyInitialized if the decoder is already open.
func (c *Context) CreateContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateInitialized:
	case StateContextCreated:
		return ErrAlreadyInitialized
	case StateDisposed:
		return fmt.Errorf("%w: context disposed", ErrNotReady)
	default:
		return ErrNotReady
	}

	dec, err := c.backend.OpenDecoder(c.params)
	if err != nil {
		return &ContextCreationError{Media: c.media, Codec: c.params.Codec, Op: "open decoder", Err: err}
	}
	var rs Resampler
	if a := c.params.Audio; a != nil && a.Resample {
		rs, err = c.backend.NewResampler(*a)
		if err != nil {
			if cerr := dec.Close(); cerr != nil {
				c.log.Warn("decoder close failed", "error", cerr)
			}
			return &ContextCreationError{Media: c.media, Codec: c.params.Codec, Op: "init resampler", Err: err}
		}
	}

	c.dec, c.rs = dec, rs
	c.setState(StateContextCreated)
	c.log.Info("decoder context created", "codec", c.params.Codec)
	return nil
}

// UpdateParameters applies out-of-band codec configuration extracted from
// the stream. It requires ContextCreated.
func (c *Context) UpdateParameters(config []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateContextCreated {
		return ErrNotReady
	}
	if len(config) == 0 {
		return nil
	}
	if err := c.dec.SetExtraData(config); err != nil {
		return &ContextCreationError{Media: c.media, Codec: c.params.Codec, Op: "set extradata", Err: err}
	}
	c.log.Debug("codec parameters updated", "config_bytes", len(config))
	return nil
}

// Reinit flushes the decoder's buffered and reference state without
// closing it. Output still pending from before the flush is discarded and
// the generation stamped on later output is incremented.
func (c *Context) Reinit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateContextCreated {
		return ErrNotReady
	}
	c.dec.Flush()
	c.pending = nil
	clear(c.ids)
	gen := c.generation.Add(1)
	c.reinits.Add(1)
	c.log.Info("decoder flushed", "generation", gen)
	return nil
}

// Enqueue submits a frame for decoding. It never waits for decode
// completion. A frame the decoder rejects is logged, counted, and dropped.
func (c *Context) Enqueue(f *media.Frame) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateContextCreated || !c.dec.IsDecoder() {
		return ResultNotReady
	}

	pkt := Packet{Data: f.Payload, Timestamp: f.Timestamp}
	err := c.dec.Send(pkt)
	if errors.Is(err, ErrAgain) {
		c.drain()
		err = c.dec.Send(pkt)
	}
	if err != nil {
		c.submitErrors.Add(1)
		c.log.Warn("frame dropped", "error", &SubmissionError{Media: c.media, FrameID: f.FrameID, Err: err})
		return ResultDropped
	}

	if len(c.ids) >= maxInFlight {
		clear(c.ids)
	}
	c.ids[f.Timestamp] = f.FrameID
	c.submitted.Add(1)
	return ResultOK
}

// drain moves all ready decoder output to the pending list, evicting the
// oldest pending unit once MaxPending are held.
func (c *Context) drain() {
	for {
		u, err := c.receive()
		if err != nil {
			return
		}
		if len(c.pending) >= MaxPending {
			c.pending[0] = nil
			c.pending = c.pending[1:]
			c.pendDropped.Add(1)
		}
		c.pending = append(c.pending, u)
	}
}

func (c *Context) receive() (*media.DecodedUnit, error) {
	u, err := c.dec.Receive()
	if err != nil {
		if !errors.Is(err, ErrAgain) {
			c.decodeErrors.Add(1)
			c.log.Debug("decode failed", "error", err)
		}
		return nil, err
	}
	if c.rs != nil && u.Media == media.Audio {
		if u, err = c.rs.Resample(u); err != nil {
			c.decodeErrors.Add(1)
			c.log.Debug("resample failed", "error", err)
			return nil, err
		}
	}
	u.Media = c.media
	u.Generation = c.generation.Load()
	if id, ok := c.ids[u.Timestamp]; ok {
		u.FrameID = id
		delete(c.ids, u.Timestamp)
	}
	c.decoded.Add(1)
	return u, nil
}

// Dequeue returns the next decoded unit without blocking. Units are
// returned in the order the decoder produced them.
func (c *Context) Dequeue() (*media.DecodedUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateContextCreated {
		return nil, false
	}
	if len(c.pending) > 0 {
		u := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		return u, true
	}
	u, err := c.receive()
	if err != nil {
		return nil, false
	}
	return u, true
}

// Dispose releases the decoder and resampler. It is valid in any state
// and safe to call more than once.
func (c *Context) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisposed {
		return nil
	}
	var errs []error
	if c.rs != nil {
		errs = append(errs, c.rs.Close())
		c.rs = nil
	}
	if c.dec != nil {
		errs = append(errs, c.dec.Close())
		c.dec = nil
	}
	c.pending = nil
	prev := c.state
	c.setState(StateDisposed)
	c.log.Debug("context disposed", "from", prev)
	return errors.Join(errs...)
}

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	codec := c.params.Codec
	pending := len(c.pending)
	c.mu.Unlock()
	return Stats{
		State:          c.State().String(),
		Codec:          codec,
		Submitted:      c.submitted.Load(),
		SubmitErrors:   c.submitErrors.Load(),
		Decoded:        c.decoded.Load(),
		DecodeErrors:   c.decodeErrors.Load(),
		Reinits:        c.reinits.Load(),
		Generation:     c.generation.Load(),
		Pending:        pending,
		PendingDropped: c.pendDropped.Load(),
	}
}
