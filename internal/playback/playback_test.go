package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/nanodec/internal/media"
	"github.com/zsiec/nanodec/internal/pacing"
)

type fakeSource struct {
	mu       sync.Mutex
	audio    []*media.DecodedUnit
	video    []*media.DecodedUnit
	captions []*ccx.CaptionFrame
	clock    *pacing.Clock
}

func pop[T any](mu *sync.Mutex, q *[]T) (T, bool) {
	mu.Lock()
	defer mu.Unlock()
	var zero T
	if len(*q) == 0 {
		return zero, false
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v, true
}

func (f *fakeSource) DequeueAudio() (*media.DecodedUnit, bool)  { return pop(&f.mu, &f.audio) }
func (f *fakeSource) DequeueVideo() (*media.DecodedUnit, bool)  { return pop(&f.mu, &f.video) }
func (f *fakeSource) DequeueCaption() (*ccx.CaptionFrame, bool) { return pop(&f.mu, &f.captions) }
func (f *fakeSource) Clock() *pacing.Clock                      { return f.clock }

func (f *fakeSource) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)+len(f.video)+len(f.captions) == 0
}

func runUntilDrained(t *testing.T, l *Loop, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !src.empty() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// one more tick so the last dequeued units are counted
	time.Sleep(5 * l.Tick)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLoopRendersInOrder(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	for i := uint32(1); i <= 3; i++ {
		src.audio = append(src.audio, &media.DecodedUnit{Media: media.Audio, FrameID: i, SampleCount: 1024})
		src.video = append(src.video, &media.DecodedUnit{Media: media.Video, FrameID: i})
	}
	src.captions = []*ccx.CaptionFrame{{Text: "hello"}}

	sink := &CountingSink{}
	l := NewLoop(src, sink, nil)
	l.Tick = time.Millisecond
	runUntilDrained(t, l, src)

	a, v, c := sink.Counts()
	if a != 3 || v != 3 || c != 1 {
		t.Errorf("counts: got %d/%d/%d, want 3/3/1", a, v, c)
	}
	if sink.Samples() != 3*1024 {
		t.Errorf("samples: got %d", sink.Samples())
	}
	if last, _ := sink.LastVideo(); last == nil || last.FrameID != 3 {
		t.Errorf("last video: got %+v", last)
	}
	if sink.LastCaption() != "hello" {
		t.Errorf("last caption: got %q", sink.LastCaption())
	}
	if s := l.Stats(); s.Ticks == 0 || s.VideoRendered != 3 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestLoopDropsLateVideo(t *testing.T) {
	t.Parallel()
	audio, video := pacing.NewTracker(media.Audio), pacing.NewTracker(media.Video)
	video.Observe(10, 10_000_000)

	src := &fakeSource{clock: pacing.NewClock(audio, video)}
	src.video = []*media.DecodedUnit{
		{Media: media.Video, FrameID: 1, Timestamp: 9_000_000},  // a second behind
		{Media: media.Video, FrameID: 10, Timestamp: 10_000_000}, // on time
	}

	sink := &CountingSink{}
	l := NewLoop(src, sink, nil)
	l.Tick = time.Millisecond
	runUntilDrained(t, l, src)

	if _, v, _ := sink.Counts(); v != 1 {
		t.Errorf("video rendered: got %d, want 1", v)
	}
	if last, _ := sink.LastVideo(); last == nil || last.FrameID != 10 {
		t.Errorf("last video: got %+v", last)
	}
	if got := l.Stats().LateDropped; got != 1 {
		t.Errorf("late dropped: got %d, want 1", got)
	}
}

type failingSink struct{ CountingSink }

func (f *failingSink) RenderVideo(*media.DecodedUnit) error { return errors.New("no surface") }

func TestLoopCountsRenderErrors(t *testing.T) {
	t.Parallel()
	src := &fakeSource{video: []*media.DecodedUnit{{Media: media.Video, FrameID: 1}}}
	l := NewLoop(src, &failingSink{}, nil)
	l.Tick = time.Millisecond
	runUntilDrained(t, l, src)

	if s := l.Stats(); s.RenderErrors != 1 || s.VideoRendered != 0 {
		t.Errorf("got %+v", s)
	}
}

func TestLoopHookStops(t *testing.T) {
	t.Parallel()
	errQuit := errors.New("quit")
	calls := 0
	l := NewLoop(&fakeSource{}, &CountingSink{}, nil)
	l.Tick = time.Millisecond
	l.Hook = func(context.Context) error {
		calls++
		if calls == 3 {
			return errQuit
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, errQuit) {
		t.Fatalf("got %v, want errQuit", err)
	}
	if calls != 3 {
		t.Errorf("hook calls: got %d, want 3", calls)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	t.Parallel()
	l := NewLoop(&fakeSource{}, &CountingSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
}
