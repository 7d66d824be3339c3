// Package pacing tracks per-stream timing state (reference timestamp,
// running frame id, gaps and reorders) and maps sender timestamps onto the
// local wall clock so the render loop can decide when a unit is due or
// too late. Nothing here blocks or sleeps.
package pacing

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/nanodec/internal/media"
)

// Snapshot is a point-in-time copy of a Tracker.
type Snapshot struct {
	Media                string    `json:"media" msgpack:"media"`
	Started              bool      `json:"started" msgpack:"started"`
	ReferenceWall        time.Time `json:"referenceWall" msgpack:"reference_wall"`
	ReferenceTimestamp   uint64    `json:"referenceTimestamp" msgpack:"reference_timestamp"`
	FrameID              uint32    `json:"frameId" msgpack:"frame_id"`
	LastTimestamp        uint64    `json:"lastTimestamp" msgpack:"last_timestamp"`
	LastDecodedTimestamp uint64    `json:"lastDecodedTimestamp" msgpack:"last_decoded_timestamp"`
	Assembled            uint64    `json:"assembled" msgpack:"assembled"`
	Decoded              uint64    `json:"decoded" msgpack:"decoded"`
	Gaps                 uint64    `json:"gaps" msgpack:"gaps"`
	Missing              uint64    `json:"missing" msgpack:"missing"`
	Reorders             uint64    `json:"reorders" msgpack:"reorders"`
}

// Tracker records the timing state of one media stream. Observe is called
// from the single arrival goroutine of its stream; every other method may
// be called from any goroutine.
type Tracker struct {
	media media.Type
	now   func() time.Time

	started   atomic.Bool
	refWall   atomic.Int64 // unix nanoseconds
	refTS     atomic.Uint64
	frameID   atomic.Uint32
	lastTS    atomic.Uint64
	decodedTS atomic.Uint64

	assembled atomic.Uint64
	decoded   atomic.Uint64
	gaps      atomic.Uint64
	missing   atomic.Uint64
	reorders  atomic.Uint64
}

// NewTracker returns a tracker for m.
func NewTracker(m media.Type) *Tracker {
	return &Tracker{media: m, now: time.Now}
}

// Observe records an assembled frame. The first call fixes the stream
// reference: the local wall clock paired with the sender timestamp.
// A frame id that skips ahead counts as a gap; one that does not advance
// counts as a reorder and leaves the running frame id unchanged.
func (t *Tracker) Observe(frameID uint32, ts uint64) {
	t.assembled.Add(1)
	if !t.started.Load() {
		t.refWall.Store(t.now().UnixNano())
		t.refTS.Store(ts)
		t.frameID.Store(frameID)
		t.lastTS.Store(ts)
		t.started.Store(true)
		return
	}

	// serial number arithmetic, so a wrapping id still advances
	switch d := int32(frameID - t.frameID.Load()); {
	case d <= 0:
		t.reorders.Add(1)
		return
	case d > 1:
		t.gaps.Add(1)
		t.missing.Add(uint64(d - 1))
	}
	t.frameID.Store(frameID)
	t.lastTS.Store(ts)
}

// ObserveDecoded records a unit leaving the decoder.
func (t *Tracker) ObserveDecoded(u *media.DecodedUnit) {
	t.decoded.Add(1)
	t.decodedTS.Store(u.Timestamp)
}

// Reference returns the wall clock and sender timestamp fixed by the
// first observed frame.
func (t *Tracker) Reference() (time.Time, uint64, bool) {
	if !t.started.Load() {
		return time.Time{}, 0, false
	}
	return time.Unix(0, t.refWall.Load()), t.refTS.Load(), true
}

// FrameID returns the running frame id.
func (t *Tracker) FrameID() uint32 {
	return t.frameID.Load()
}

// Snapshot returns the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Media:                t.media.String(),
		Started:              t.started.Load(),
		ReferenceTimestamp:   t.refTS.Load(),
		FrameID:              t.frameID.Load(),
		LastTimestamp:        t.lastTS.Load(),
		LastDecodedTimestamp: t.decodedTS.Load(),
		Assembled:            t.assembled.Load(),
		Decoded:              t.decoded.Load(),
		Gaps:                 t.gaps.Load(),
		Missing:              t.missing.Load(),
		Reorders:             t.reorders.Load(),
	}
	if s.Started {
		s.ReferenceWall = time.Unix(0, t.refWall.Load())
	}
	return s
}
