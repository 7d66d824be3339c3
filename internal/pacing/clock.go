package pacing

import (
	"time"

	"github.com/zsiec/nanodec/internal/media"
)

// Clock pairs the audio and video trackers of one stream.
type Clock struct {
	audio *Tracker
	video *Tracker
	now   func() time.Time
}

// NewClock returns a clock over the given trackers.
func NewClock(audio, video *Tracker) *Clock {
	return &Clock{audio: audio, video: video, now: time.Now}
}

func (c *Clock) tracker(m media.Type) *Tracker {
	if m == media.Audio {
		return c.audio
	}
	return c.video
}

// Deadline maps the unit's sender timestamp onto the local wall clock,
// relative to its stream's reference. It reports false until the stream
// has a reference.
func (c *Clock) Deadline(u *media.DecodedUnit) (time.Time, bool) {
	wall, ref, ok := c.tracker(u.Media).Reference()
	if !ok {
		return time.Time{}, false
	}
	offset := time.Duration(int64(u.Timestamp-ref)) * time.Microsecond
	return wall.Add(offset), true
}

// Lateness returns how far past its deadline the unit is. Negative values
// mean the unit is early; zero is returned when there is no reference.
func (c *Clock) Lateness(u *media.DecodedUnit) time.Duration {
	d, ok := c.Deadline(u)
	if !ok {
		return 0
	}
	return c.now().Sub(d)
}

// Drift returns the media time of the last decoded audio unit minus that
// of the last decoded video unit. Both streams share the sender clock, so
// a positive drift means audio is ahead.
func (c *Clock) Drift() time.Duration {
	a := c.audio.decodedTS.Load()
	v := c.video.decodedTS.Load()
	if a == 0 || v == 0 {
		return 0
	}
	return time.Duration(int64(a-v)) * time.Microsecond
}
