package pipeline

import (
	"time"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/pacing"
)

// TrackSnapshot is the health of one media track.
type TrackSnapshot struct {
	Media            string          `json:"media" msgpack:"media"`
	State            string          `json:"state" msgpack:"state"`
	Fragments        uint64          `json:"fragments" msgpack:"fragments"`
	Frames           uint64          `json:"frames" msgpack:"frames"`
	Malformed        uint64          `json:"malformed" msgpack:"malformed"`
	Ignored          uint64          `json:"ignored" msgpack:"ignored"`
	PreConfigDropped uint64          `json:"preConfigDropped" msgpack:"pre_config_dropped"`
	ConfigErrors     uint64          `json:"configErrors" msgpack:"config_errors"`
	SubmitDropped    uint64          `json:"submitDropped" msgpack:"submit_dropped"`
	NotReady         uint64          `json:"notReady" msgpack:"not_ready"`
	Reinits          uint64          `json:"reinits" msgpack:"reinits"`
	Pumped           uint64          `json:"pumped" msgpack:"pumped"`
	QueueLen         int             `json:"queueLen" msgpack:"queue_len"`
	QueueCap         int             `json:"queueCap" msgpack:"queue_cap"`
	QueueDropped     uint64          `json:"queueDropped" msgpack:"queue_dropped"`
	QueuePolicy      string          `json:"queuePolicy" msgpack:"queue_policy"`
	Codec            codec.Stats     `json:"codec" msgpack:"codec"`
	Pacing           pacing.Snapshot `json:"pacing" msgpack:"pacing"`
}

// VideoInfo describes the active video parameters.
type VideoInfo struct {
	Codec  string `json:"codec" msgpack:"codec"`
	Width  int    `json:"width" msgpack:"width"`
	Height int    `json:"height" msgpack:"height"`
}

// Snapshot is a point-in-time view of the whole pipeline, suitable for
// JSON and msgpack serialization.
type Snapshot struct {
	Timestamp      int64               `json:"ts" msgpack:"ts"`
	UptimeMs       int64               `json:"uptimeMs" msgpack:"uptime_ms"`
	Audio          TrackSnapshot       `json:"audio" msgpack:"audio"`
	Video          TrackSnapshot       `json:"video" msgpack:"video"`
	AudioAssembler assemble.AudioStats `json:"audioAssembler" msgpack:"audio_assembler"`
	VideoAssembler assemble.VideoStats `json:"videoAssembler" msgpack:"video_assembler"`
	VideoInfo      *VideoInfo          `json:"videoInfo,omitempty" msgpack:"video_info,omitempty"`
	CaptionQueue   int                 `json:"captionQueue" msgpack:"caption_queue"`
	CaptionDropped uint64              `json:"captionDropped" msgpack:"caption_dropped"`
	DriftMs        float64             `json:"driftMs" msgpack:"drift_ms"`
}

func (t *track) snapshot() TrackSnapshot {
	return TrackSnapshot{
		Media:            t.media.String(),
		State:            t.State().String(),
		Fragments:        t.fragments.Load(),
		Frames:           t.frames.Load(),
		Malformed:        t.malformed.Load(),
		Ignored:          t.ignored.Load(),
		PreConfigDropped: t.preConfig.Load(),
		ConfigErrors:     t.configErrors.Load(),
		SubmitDropped:    t.submitDropped.Load(),
		NotReady:         t.notReady.Load(),
		Reinits:          t.reinits.Load(),
		Pumped:           t.pump.Pumped(),
		QueueLen:         t.out.Len(),
		QueueCap:         t.out.Cap(),
		QueueDropped:     t.out.Dropped(),
		QueuePolicy:      t.out.Policy().String(),
		Codec:            t.ctx.Stats(),
		Pacing:           t.tracker.Snapshot(),
	}
}

// Snapshot returns the current pipeline health.
func (p *Pipeline) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:      now.UnixMilli(),
		Audio:          p.audio.snapshot(),
		Video:          p.video.snapshot(),
		AudioAssembler: p.audioAsm.Stats(),
		VideoAssembler: p.videoAsm.Stats(),
		CaptionQueue:   len(p.captions),
		CaptionDropped: p.captionDropped.Load(),
		DriftMs:        float64(p.clock.Drift().Microseconds()) / 1000,
	}
	p.mu.Lock()
	if !p.startTime.IsZero() {
		s.UptimeMs = now.Sub(p.startTime).Milliseconds()
	}
	p.mu.Unlock()
	if info, ok := p.videoAsm.Params(); ok {
		s.VideoInfo = &VideoInfo{Codec: info.CodecString(), Width: info.Width, Height: info.Height}
	}
	return s
}
