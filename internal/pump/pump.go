package pump

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/nanodec/internal/media"
)

// DefaultIdle is how often a pump polls its source when nothing notified
// it. Decoders with internal delay can surface output between submissions.
const DefaultIdle = 5 * time.Millisecond

// Source is the decoded-output side of a codec context.
type Source interface {
	Dequeue() (*media.DecodedUnit, bool)
}

// Pump drains a Source into a Queue on a dedicated goroutine (Run).
type Pump struct {
	log    *slog.Logger
	media  media.Type
	src    Source
	out    *Queue
	notify chan struct{}
	idle   time.Duration

	// OnUnit, if set, is called for each unit before it is queued. It runs
	// on the pump goroutine and must not block. Set it before Run.
	OnUnit func(*media.DecodedUnit)

	pumped atomic.Uint64
}

// New returns a pump for m. A nil logger uses slog.Default.
func New(m media.Type, src Source, out *Queue, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		log:    log.With("component", "pump", "media", m.String()),
		media:  m,
		src:    src,
		out:    out,
		notify: make(chan struct{}, 1),
		idle:   DefaultIdle,
	}
}

// SetIdle overrides the idle poll interval. Call before Run.
func (p *Pump) SetIdle(d time.Duration) {
	if d > 0 {
		p.idle = d
	}
}

// Notify wakes the pump after new input was submitted. It never blocks.
func (p *Pump) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run pumps until ctx is cancelled. It returns nil on cancellation.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.idle)
	defer ticker.Stop()

	p.log.Debug("pump started")
	defer p.log.Debug("pump stopped", "pumped", p.pumped.Load())

	for {
		if err := p.drain(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.notify:
		case <-ticker.C:
		}
	}
}

// drain moves every ready unit, in production order, to the queue.
func (p *Pump) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u, ok := p.src.Dequeue()
		if !ok {
			return nil
		}
		if p.OnUnit != nil {
			p.OnUnit(u)
		}
		if err := p.out.Push(ctx, u); err != nil {
			return err
		}
		p.pumped.Add(1)
	}
}

// Pumped returns the number of units moved to the queue.
func (p *Pump) Pumped() uint64 {
	return p.pumped.Load()
}
