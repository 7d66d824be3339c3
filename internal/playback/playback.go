// Package playback drives the render side of the decode pipeline: a loop
// that polls the pipeline's output queues on a fixed tick and hands units
// to a Sink, dropping video that is already too late to show.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/nanodec/internal/media"
	"github.com/zsiec/nanodec/internal/pacing"
)

// Default loop settings.
const (
	DefaultTick        = 4 * time.Millisecond
	DefaultMaxLateness = 100 * time.Millisecond
)

// Sink presents decoded output. Calls come from the loop goroutine only.
type Sink interface {
	RenderAudio(*media.DecodedUnit) error
	RenderVideo(*media.DecodedUnit) error
}

// CaptionSink is implemented by sinks that also present captions.
type CaptionSink interface {
	RenderCaption(*ccx.CaptionFrame) error
}

// Source is the non-blocking output side of a pipeline.
type Source interface {
	DequeueAudio() (*media.DecodedUnit, bool)
	DequeueVideo() (*media.DecodedUnit, bool)
	DequeueCaption() (*ccx.CaptionFrame, bool)
	Clock() *pacing.Clock
}

// Stats counts what the loop presented and dropped.
type Stats struct {
	Ticks         uint64 `json:"ticks" msgpack:"ticks"`
	AudioRendered uint64 `json:"audioRendered" msgpack:"audio_rendered"`
	VideoRendered uint64 `json:"videoRendered" msgpack:"video_rendered"`
	Captions      uint64 `json:"captions" msgpack:"captions"`
	LateDropped   uint64 `json:"lateDropped" msgpack:"late_dropped"`
	RenderErrors  uint64 `json:"renderErrors" msgpack:"render_errors"`
}

// Loop polls a Source and renders into a Sink.
type Loop struct {
	src  Source
	sink Sink
	log  *slog.Logger

	// Tick is the polling interval.
	Tick time.Duration
	// MaxLateness is how far past its deadline a video unit may be and
	// still be shown. Zero disables late dropping.
	MaxLateness time.Duration
	// Hook, when set, runs once per tick before rendering (input polling,
	// window events). A non-nil error stops the loop.
	Hook func(context.Context) error

	ticks, audio, video, captions, late, errs atomic.Uint64
}

// NewLoop returns a Loop with default settings. If log is nil,
// slog.Default() is used.
func NewLoop(src Source, sink Sink, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		src:         src,
		sink:        sink,
		log:         log.With("component", "playback"),
		Tick:        DefaultTick,
		MaxLateness: DefaultMaxLateness,
	}
}

// Run polls until ctx is cancelled or the hook fails. Cancellation is not
// an error.
func (l *Loop) Run(ctx context.Context) error {
	tick := l.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	captions, _ := l.sink.(CaptionSink)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		l.ticks.Add(1)
		if l.Hook != nil {
			if err := l.Hook(ctx); err != nil {
				return fmt.Errorf("playback hook: %w", err)
			}
		}
		l.drain(captions)
	}
}

func (l *Loop) drain(captions CaptionSink) {
	for {
		u, ok := l.src.DequeueAudio()
		if !ok {
			break
		}
		l.render(l.sink.RenderAudio, u, &l.audio)
	}

	clock := l.src.Clock()
	for {
		u, ok := l.src.DequeueVideo()
		if !ok {
			break
		}
		if l.MaxLateness > 0 && clock != nil {
			if late := clock.Lateness(u); late > l.MaxLateness {
				l.late.Add(1)
				l.log.Debug("dropping late video", "frame_id", u.FrameID, "late", late)
				continue
			}
		}
		l.render(l.sink.RenderVideo, u, &l.video)
	}

	for {
		c, ok := l.src.DequeueCaption()
		if !ok {
			break
		}
		if captions == nil {
			continue
		}
		if err := captions.RenderCaption(c); err != nil {
			l.errs.Add(1)
			continue
		}
		l.captions.Add(1)
	}
}

func (l *Loop) render(fn func(*media.DecodedUnit) error, u *media.DecodedUnit, n *atomic.Uint64) {
	if err := fn(u); err != nil {
		l.errs.Add(1)
		l.log.Warn("render failed", "media", u.Media, "frame_id", u.FrameID, "error", err)
		return
	}
	n.Add(1)
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:         l.ticks.Load(),
		AudioRendered: l.audio.Load(),
		VideoRendered: l.video.Load(),
		Captions:      l.captions.Load(),
		LateDropped:   l.late.Load(),
		RenderErrors:  l.errs.Load(),
	}
}
