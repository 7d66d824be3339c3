package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/nanodec/internal/media"
)

// CountingSink discards output while recording what it was given. It
// backs headless runs and tests.
type CountingSink struct {
	audio    atomic.Uint64
	video    atomic.Uint64
	captions atomic.Uint64
	samples  atomic.Uint64

	mu          sync.Mutex
	lastVideo   *media.DecodedUnit
	lastCaption string
	lastAt      time.Time
}

func (s *CountingSink) RenderAudio(u *media.DecodedUnit) error {
	s.audio.Add(1)
	s.samples.Add(uint64(u.SampleCount))
	return nil
}

func (s *CountingSink) RenderVideo(u *media.DecodedUnit) error {
	s.video.Add(1)
	s.mu.Lock()
	s.lastVideo = u
	s.lastAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *CountingSink) RenderCaption(c *ccx.CaptionFrame) error {
	s.captions.Add(1)
	s.mu.Lock()
	s.lastCaption = c.Text
	s.mu.Unlock()
	return nil
}

// Counts returns the number of audio units, video units and captions
// rendered.
func (s *CountingSink) Counts() (audio, video, captions uint64) {
	return s.audio.Load(), s.video.Load(), s.captions.Load()
}

// Samples returns the total audio sample frames rendered.
func (s *CountingSink) Samples() uint64 {
	return s.samples.Load()
}

// LastVideo returns the most recent video unit and when it was rendered.
func (s *CountingSink) LastVideo() (*media.DecodedUnit, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVideo, s.lastAt
}

// LastCaption returns the text of the most recent caption.
func (s *CountingSink) LastCaption() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCaption
}
