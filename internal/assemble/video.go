package assemble

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/nanodec/internal/media"
)

const (
	// MaxAccessUnitSize bounds the declared size of one video access unit.
	MaxAccessUnitSize = 8 << 20
	// MaxPendingFrames bounds the number of partially received frames.
	MaxPendingFrames = 16
	// lateWindow is how far behind the last completed frame id a fragment
	// may be and still be treated as late rather than as a new sequence.
	lateWindow = 1024
)

// VideoStats is a point-in-time copy of the video assembler counters.
type VideoStats struct {
	Completed uint64 `json:"completed" msgpack:"completed"`
	Malformed uint64 `json:"malformed" msgpack:"malformed"`
	Stale     uint64 `json:"stale" msgpack:"stale"`
	Evicted   uint64 `json:"evicted" msgpack:"evicted"`
	Captions  uint64 `json:"captions" msgpack:"captions"`
	// SPSErrors counts parameter sets whose fields could not be parsed.
	// The access unit is still delivered; only Params is left unchanged.
	SPSErrors uint64 `json:"spsErrors" msgpack:"sps_errors"`
	Restarts  uint64 `json:"restarts" msgpack:"restarts"`
}

type span struct{ off, end uint32 }

type partialFrame struct {
	id       uint32
	opened   uint64
	ts       uint64
	quality  bool
	buf      []byte
	spans    []span
	received uint32
}

// place copies a fragment into the frame buffer. It reports whether the
// fragment was a duplicate of one already placed.
func (p *partialFrame) place(off uint32, data []byte) (dup bool, err error) {
	end := off + uint32(len(data))
	for _, s := range p.spans {
		if s.off == off && s.end == end {
			return true, nil
		}
		if off < s.end && s.off < end {
			return false, fmt.Errorf("%w: frame %d fragment [%d,%d) overlaps [%d,%d)", ErrMalformedFrame, p.id, off, end, s.off, s.end)
		}
	}
	copy(p.buf[off:end], data)
	p.spans = append(p.spans, span{off, end})
	p.received += end - off
	return false, nil
}

// VideoAssembler reassembles H.264 access units from fragments. Fragments
// of one frame share a FrameID and may arrive in any order; a frame is
// complete once every byte of its TotalSize has been placed.
//
// Assemble is not safe for concurrent use; Stats and Params are.
type VideoAssembler struct {
	pending map[uint32]*partialFrame
	opened  uint64

	lastDone    uint32
	haveDone    bool
	sps         []byte
	pps         [][]byte
	captions    *captionExtractor
	paramsMu    sync.Mutex
	params      SPSInfo
	haveParams  bool

	completed atomic.Uint64
	malformed atomic.Uint64
	stale     atomic.Uint64
	evicted   atomic.Uint64
	captioned atomic.Uint64
	spsErrors atomic.Uint64
	restarts  atomic.Uint64
}

// NewVideoAssembler returns an assembler that hands captions found in SEI
// NAL units to onCaption. onCaption may be nil.
func NewVideoAssembler(onCaption CaptionFunc) *VideoAssembler {
	a := &VideoAssembler{
		pending: make(map[uint32]*partialFrame),
	}
	a.captions = newCaptionExtractor(func(f *ccx.CaptionFrame) {
		a.captioned.Add(1)
		if onCaption != nil {
			onCaption(f)
		}
	})
	return a
}

// Assemble adds one fragment. It returns the completed frame when the
// fragment was the last missing piece, and nil otherwise.
func (a *VideoAssembler) Assemble(frag media.Fragment) (*media.Frame, error) {
	if frag.Media != media.Video {
		return nil, a.reject(fmt.Errorf("%w: %s fragment on video assembler", ErrMalformedFrame, frag.Media))
	}
	if frag.TotalSize == 0 || frag.TotalSize > MaxAccessUnitSize {
		return nil, a.reject(fmt.Errorf("%w: frame %d total size %d", ErrMalformedFrame, frag.FrameID, frag.TotalSize))
	}
	if uint64(frag.Offset)+uint64(len(frag.Payload)) > uint64(frag.TotalSize) {
		return nil, a.reject(fmt.Errorf("%w: frame %d fragment [%d,+%d) exceeds total size %d",
			ErrMalformedFrame, frag.FrameID, frag.Offset, len(frag.Payload), frag.TotalSize))
	}
	if a.haveDone {
		if behind := a.lastDone - frag.FrameID; behind < lateWindow {
			// A quality change, or a jump back with nothing in flight, is
			// a sender that restarted its frame ids.
			_, inFlight := a.pending[frag.FrameID]
			restart := !inFlight && (frag.HasFlag(media.FlagQualityChange) ||
				(len(a.pending) == 0 && behind > MaxPendingFrames))
			if !restart {
				a.stale.Add(1)
				return nil, nil
			}
			a.haveDone = false
			a.restarts.Add(1)
		}
	}

	p, ok := a.pending[frag.FrameID]
	if !ok {
		if len(a.pending) >= MaxPendingFrames {
			a.evictOldest()
		}
		a.opened++
		p = &partialFrame{
			id:     frag.FrameID,
			opened: a.opened,
			ts:     frag.Timestamp,
			buf:    make([]byte, frag.TotalSize),
		}
		a.pending[frag.FrameID] = p
	} else if uint32(len(p.buf)) != frag.TotalSize {
		delete(a.pending, frag.FrameID)
		return nil, a.reject(fmt.Errorf("%w: frame %d total size %d, already open with %d",
			ErrMalformedFrame, frag.FrameID, frag.TotalSize, len(p.buf)))
	}

	if _, err := p.place(frag.Offset, frag.Payload); err != nil {
		delete(a.pending, frag.FrameID)
		return nil, a.reject(err)
	}
	if frag.HasFlag(media.FlagQualityChange) {
		p.quality = true
	}
	if p.received < uint32(len(p.buf)) {
		return nil, nil
	}

	delete(a.pending, p.id)
	a.dropOlder(p.id)
	a.lastDone, a.haveDone = p.id, true

	frame, err := a.finish(p)
	if err != nil {
		return nil, a.reject(err)
	}
	a.completed.Add(1)
	return frame, nil
}

func (a *VideoAssembler) reject(err error) error {
	a.malformed.Add(1)
	return err
}

// dropOlder discards incomplete frames that precede id.
func (a *VideoAssembler) dropOlder(id uint32) {
	for pid := range a.pending {
		if int32(pid-id) < 0 {
			delete(a.pending, pid)
			a.stale.Add(1)
		}
	}
}

func (a *VideoAssembler) evictOldest() {
	var oldest *partialFrame
	for _, p := range a.pending {
		if oldest == nil || p.opened < oldest.opened {
			oldest = p
		}
	}
	if oldest != nil {
		delete(a.pending, oldest.id)
		a.evicted.Add(1)
	}
}

func isVCL(t byte) bool {
	return t >= NALTypeSlice && t <= NALTypeIDR
}

// finish classifies a completed access unit. The AU may be Annex B or
// 4-byte length-prefixed; the resulting payload is always Annex B.
func (a *VideoAssembler) finish(p *partialFrame) (*media.Frame, error) {
	units, err := SplitAccessUnit(p.buf)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", p.id, err)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: frame %d has no NAL units", ErrMalformedFrame, p.id)
	}

	frame := &media.Frame{
		Media:         media.Video,
		FrameID:       p.id,
		Timestamp:     p.ts,
		Kind:          media.KindData,
		Primary:       units[0].Type,
		QualityChange: p.quality,
	}

	var (
		newSPS []byte
		newPPS [][]byte
		info   SPSInfo
		spsOK  bool
		vcl    bool
	)
	for _, u := range units {
		switch {
		case u.Type == NALTypeSPS:
			newSPS = u.Data
			parsed, err := ParseSPS(u.Data)
			if err != nil {
				a.spsErrors.Add(1)
				spsOK = false
				continue
			}
			info, spsOK = parsed, true
		case u.Type == NALTypePPS:
			newPPS = append(newPPS, u.Data)
		case u.Type == NALTypeSEI:
			a.captions.handleSEI(u.Data, int64(p.ts))
		case isVCL(u.Type):
			vcl = true
			if u.Type == NALTypeIDR {
				frame.Keyframe = true
			}
		}
	}
	a.captions.frameDone()

	// Parameter sets are committed only after the whole AU parsed.
	if newSPS != nil {
		a.sps = newSPS
	}
	if spsOK {
		a.paramsMu.Lock()
		a.params, a.haveParams = info, true
		a.paramsMu.Unlock()
	}
	if newPPS != nil {
		a.pps = newPPS
	}
	if (newSPS != nil || newPPS != nil) && a.sps != nil && a.pps != nil {
		frame.Kind = media.KindConfig
		frame.Config = BuildAVCConfig(a.sps, a.pps)
	}
	if vcl {
		frame.Payload = JoinAnnexB(units)
	}
	return frame, nil
}

// Params returns the stream parameters from the most recent SPS.
func (a *VideoAssembler) Params() (SPSInfo, bool) {
	a.paramsMu.Lock()
	defer a.paramsMu.Unlock()
	return a.params, a.haveParams
}

// Pending returns the number of partially received frames.
func (a *VideoAssembler) Pending() int {
	return len(a.pending)
}

// Stats returns a snapshot of the assembler counters.
func (a *VideoAssembler) Stats() VideoStats {
	return VideoStats{
		Completed: a.completed.Load(),
		Malformed: a.malformed.Load(),
		Stale:     a.stale.Load(),
		Evicted:   a.evicted.Load(),
		Captions:  a.captioned.Load(),
		SPSErrors: a.spsErrors.Load(),
		Restarts:  a.restarts.Load(),
	}
}
