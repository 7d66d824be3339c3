// Package pipeline wires the per-media decode path for one game stream:
// fragments are assembled into frames, frames drive the codec context
// lifecycle and are submitted for decoding, and a pump moves decoded units
// into bounded output queues that the render loop polls.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/media"
	"github.com/zsiec/nanodec/internal/pacing"
	"github.com/zsiec/nanodec/internal/pump"
)

// State is the orchestration state of one media track.
type State int32

const (
	StateIdle State = iota
	StateAwaitingConfig
	StateStreaming
	StateFlushing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConfig:
		return "awaiting-config"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes queue sizes and the overflow policy.
type Config struct {
	QueuePolicy      pump.Policy
	AudioQueueSize   int
	VideoQueueSize   int
	CaptionQueueSize int
	PumpIdle         time.Duration
}

// DefaultConfig returns the queue sizes from package media with the
// drop-oldest policy.
func DefaultConfig() Config {
	return Config{
		QueuePolicy:      pump.DropOldest,
		AudioQueueSize:   media.AudioQueueSize,
		VideoQueueSize:   media.VideoQueueSize,
		CaptionQueueSize: media.CaptionQueueSize,
		PumpIdle:         pump.DefaultIdle,
	}
}

// Formats are the stream descriptors agreed during negotiation.
type Formats struct {
	Audio media.AudioFormat `yaml:"audio" json:"audio"`
	Video media.VideoFormat `yaml:"video" json:"video"`
}

type assembler interface {
	Assemble(media.Fragment) (*media.Frame, error)
}

// track is the decode path of one media type. mu serializes fragment
// arrival: the assembler and the orchestration state are only touched
// with it held.
type track struct {
	media   media.Type
	mu      sync.Mutex
	asm     assembler
	ctx     *codec.Context
	pump    *pump.Pump
	out     *pump.Queue
	tracker *pacing.Tracker

	state    atomic.Int32
	disposed bool
	config   []byte // last configuration applied to the codec, guarded by mu

	fragments     atomic.Uint64
	frames        atomic.Uint64
	malformed     atomic.Uint64
	ignored       atomic.Uint64
	preConfig     atomic.Uint64
	configErrors  atomic.Uint64
	submitDropped atomic.Uint64
	notReady      atomic.Uint64
	reinits       atomic.Uint64
}

func (t *track) State() State { return State(t.state.Load()) }

func (t *track) setState(s State) { t.state.Store(int32(s)) }

// Pipeline is the decode orchestrator for one audio and one video stream.
type Pipeline struct {
	log       *slog.Logger
	cfg       Config
	formats   Formats
	startTime time.Time

	audio    *track
	video    *track
	audioAsm *assemble.AudioAssembler
	videoAsm *assemble.VideoAssembler
	clock    *pacing.Clock

	captions       chan *ccx.CaptionFrame
	captionDropped atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a pipeline that opens its decoders through backend. Nothing
// is allocated in the backend until Start. A nil logger uses slog.Default.
func New(cfg Config, formats Formats, backend codec.Backend, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = def.AudioQueueSize
	}
	if cfg.VideoQueueSize <= 0 {
		cfg.VideoQueueSize = def.VideoQueueSize
	}
	if cfg.CaptionQueueSize <= 0 {
		cfg.CaptionQueueSize = def.CaptionQueueSize
	}
	if cfg.PumpIdle <= 0 {
		cfg.PumpIdle = def.PumpIdle
	}

	p := &Pipeline{
		log:      log.With("component", "pipeline"),
		cfg:      cfg,
		formats:  formats,
		captions: make(chan *ccx.CaptionFrame, cfg.CaptionQueueSize),
	}
	p.audioAsm = assemble.NewAudioAssembler(formats.Audio.Codec)
	p.videoAsm = assemble.NewVideoAssembler(p.enqueueCaption)
	p.audio = p.newTrack(media.Audio, p.audioAsm, backend, cfg.AudioQueueSize, log)
	p.video = p.newTrack(media.Video, p.videoAsm, backend, cfg.VideoQueueSize, log)
	p.clock = pacing.NewClock(p.audio.tracker, p.video.tracker)
	return p
}

func (p *Pipeline) newTrack(m media.Type, asm assembler, backend codec.Backend, size int, log *slog.Logger) *track {
	t := &track{
		media:   m,
		asm:     asm,
		ctx:     codec.New(m, backend, log),
		out:     pump.NewQueue(size, p.cfg.QueuePolicy),
		tracker: pacing.NewTracker(m),
	}
	t.pump = pump.New(m, t.ctx, t.out, log)
	t.pump.SetIdle(p.cfg.PumpIdle)
	t.pump.OnUnit = t.tracker.ObserveDecoded
	return t
}

func (p *Pipeline) track(m media.Type) *track {
	switch m {
	case media.Audio:
		return p.audio
	case media.Video:
		return p.video
	}
	return nil
}

// Start initializes and creates both codec contexts and starts the pumps.
// If either context cannot be created, both are disposed and the error is
// returned. The pumps stop when ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return errors.New("pipeline: already started")
	}
	p.started = true

	audioParams, err := codec.AudioParamsFrom(p.formats.Audio)
	if err != nil {
		p.disposeAll()
		return fmt.Errorf("pipeline: audio format: %w", err)
	}
	videoParams, err := codec.VideoParamsFrom(p.formats.Video)
	if err != nil {
		p.disposeAll()
		return fmt.Errorf("pipeline: video format: %w", err)
	}

	for _, s := range []struct {
		t      *track
		params codec.Params
	}{{p.audio, audioParams}, {p.video, videoParams}} {
		if err := s.t.ctx.Initialize(s.params); err != nil {
			p.disposeAll()
			return fmt.Errorf("pipeline: initialize %s: %w", s.t.media, err)
		}
		if err := s.t.ctx.CreateContext(); err != nil {
			p.disposeAll()
			return fmt.Errorf("pipeline: start %s: %w", s.t.media, err)
		}
	}

	p.startTime = time.Now()
	p.audio.setState(StateAwaitingConfig)
	p.video.setState(StateAwaitingConfig)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.audio.pump.Run(gctx) })
	g.Go(func() error { return p.video.pump.Run(gctx) })
	p.cancel, p.group = cancel, g

	p.log.Info("pipeline started",
		"audio_codec", audioParams.Codec, "sample_rate", p.formats.Audio.SampleRate,
		"video_codec", videoParams.Codec, "queue_policy", p.cfg.QueuePolicy)
	return nil
}

// Push feeds one fragment into the track its media type selects. It is the
// only data entry point and is safe to call from several goroutines;
// fragments of the same media type are processed one at a time.
func (p *Pipeline) Push(frag media.Fragment) {
	t := p.track(frag.Media)
	if t == nil {
		p.log.Debug("fragment with unknown media type", "media", int(frag.Media))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateIdle, StateDisposed:
		t.ignored.Add(1)
		return
	}
	t.fragments.Add(1)

	frame, err := t.asm.Assemble(frag)
	if err != nil {
		t.malformed.Add(1)
		p.log.Debug("malformed frame dropped", "media", t.media, "frame_id", frag.FrameID, "error", err)
		return
	}
	if frame == nil {
		return
	}
	t.frames.Add(1)
	t.tracker.Observe(frame.FrameID, frame.Timestamp)
	p.handleFrame(t, frame)
}

// handleFrame advances the track state machine and submits the frame.
// Called with t.mu held.
func (p *Pipeline) handleFrame(t *track, frame *media.Frame) {
	switch t.State() {
	case StateAwaitingConfig:
		if frame.Kind != media.KindConfig {
			t.preConfig.Add(1)
			return
		}
		if !p.applyConfig(t, frame) {
			return
		}
		t.setState(StateStreaming)
		p.log.Info("stream configured", "media", t.media, "frame_id", frame.FrameID, "config_bytes", len(frame.Config))

	case StateStreaming:
		if frame.QualityChange {
			t.setState(StateFlushing)
			if err := t.ctx.Reinit(); err != nil {
				p.log.Error("decoder flush failed", "media", t.media, "error", err)
			}
			t.reinits.Add(1)
			t.setState(StateStreaming)
			p.log.Info("quality change", "media", t.media, "frame_id", frame.FrameID)
		}
		// Parameter sets may change mid-stream, alone in their own unit.
		if frame.Kind == media.KindConfig && !bytes.Equal(frame.Config, t.config) {
			if !p.applyConfig(t, frame) {
				return
			}
			p.log.Info("stream reconfigured", "media", t.media, "frame_id", frame.FrameID, "config_bytes", len(frame.Config))
		}
	}

	if !frame.Decodable() {
		return
	}
	switch t.ctx.Enqueue(frame) {
	case codec.ResultOK:
		t.pump.Notify()
	case codec.ResultDropped:
		t.submitDropped.Add(1)
	case codec.ResultNotReady:
		t.notReady.Add(1)
	}
}

// applyConfig hands the frame's configuration to the codec. Called with
// t.mu held.
func (p *Pipeline) applyConfig(t *track, frame *media.Frame) bool {
	if err := t.ctx.UpdateParameters(frame.Config); err != nil {
		t.configErrors.Add(1)
		p.log.Warn("codec configuration rejected", "media", t.media, "error", err)
		return false
	}
	t.config = frame.Config
	return true
}

func (p *Pipeline) enqueueCaption(f *ccx.CaptionFrame) {
	for {
		select {
		case p.captions <- f:
			return
		default:
		}
		select {
		case <-p.captions:
			p.captionDropped.Add(1)
		default:
		}
	}
}

// DequeueAudio returns the next decoded audio unit without blocking.
func (p *Pipeline) DequeueAudio() (*media.DecodedUnit, bool) {
	return p.audio.out.TryPop()
}

// DequeueVideo returns the next decoded video picture without blocking.
func (p *Pipeline) DequeueVideo() (*media.DecodedUnit, bool) {
	return p.video.out.TryPop()
}

// DequeueCaption returns the next decoded caption without blocking.
func (p *Pipeline) DequeueCaption() (*ccx.CaptionFrame, bool) {
	select {
	case f := <-p.captions:
		return f, true
	default:
		return nil, false
	}
}

// State returns the orchestration state of the track for m.
func (p *Pipeline) State(m media.Type) State {
	if t := p.track(m); t != nil {
		return t.State()
	}
	return StateIdle
}

// Clock returns the pacing clock shared by both tracks.
func (p *Pipeline) Clock() *pacing.Clock {
	return p.clock
}

// VideoParams returns the parameters of the most recent SPS.
func (p *Pipeline) VideoParams() (assemble.SPSInfo, bool) {
	return p.videoAsm.Params()
}

// Close stops the pumps, waits for them to exit, and disposes both codec
// contexts. It is safe to call more than once and before Start.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, g := p.cancel, p.group
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			p.log.Warn("pump exited with error", "error", err)
		}
	}
	err := p.disposeAll()
	p.log.Info("pipeline closed")
	return err
}

// disposeAll disposes every context that has not been disposed yet.
func (p *Pipeline) disposeAll() error {
	var errs []error
	for _, t := range []*track{p.audio, p.video} {
		t.mu.Lock()
		if !t.disposed {
			t.disposed = true
			if err := t.ctx.Dispose(); err != nil {
				errs = append(errs, fmt.Errorf("dispose %s: %w", t.media, err))
			}
		}
		t.setState(StateDisposed)
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}
