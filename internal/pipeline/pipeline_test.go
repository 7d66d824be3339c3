package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/nanodec/internal/assemble"
	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/codec/codectest"
	"github.com/zsiec/nanodec/internal/media"
	"github.com/zsiec/nanodec/internal/pump"
)

var (
	// baseline profile, level 3.1, 1280x720
	testSPS   = []byte{0x67, 0x42, 0xC0, 0x1F, 0xF4, 0x02, 0x80, 0x2D, 0xC8}
	testPPS   = []byte{0x68, 0xCE, 0x38, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xFF}
	testSlice = []byte{0x41, 0x9A, 0x02, 0x04}
	altPPS    = []byte{0x68, 0xCE, 0x3C, 0x80}

	lcMono24k = assemble.AudioConfig{ObjectType: assemble.AACObjectLC, SampleRateIndex: 6, SampleRate: 24000, Channels: 1}
)

var testFormats = Formats{
	Audio: media.AudioFormat{Codec: "aac", SampleRate: 24000, Channels: 1},
	Video: media.VideoFormat{Codec: "h264", Width: 1280, Height: 720},
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func videoFragment(id uint32, au []byte) media.Fragment {
	return media.Fragment{
		Media:     media.Video,
		FrameID:   id,
		TotalSize: uint32(len(au)),
		Timestamp: uint64(id) * 16_667,
		Payload:   au,
	}
}

func audioConfigFragment() media.Fragment {
	return media.Fragment{Media: media.Audio, Flags: media.FlagConfig, Payload: lcMono24k.Marshal()}
}

func audioFragment(id uint32) media.Fragment {
	raw := []byte{0x21, 0x10, 0x04, 0x60, 0x8C, 0x1C}
	return media.Fragment{
		Media:     media.Audio,
		FrameID:   id,
		Timestamp: uint64(id) * 42_667,
		Payload:   append(assemble.AppendADTSHeader(nil, lcMono24k, len(raw)), raw...),
	}
}

func startPipeline(t *testing.T, b *codectest.Backend) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PumpIdle = time.Millisecond
	p := New(cfg, testFormats, b, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func waitUnit(t *testing.T, dequeue func() (*media.DecodedUnit, bool)) *media.DecodedUnit {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u, ok := dequeue(); ok {
			return u
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a decoded unit")
	return nil
}

func expectNoUnit(t *testing.T, dequeue func() (*media.DecodedUnit, bool)) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	if u, ok := dequeue(); ok {
		t.Fatalf("unexpected unit for frame %d", u.FrameID)
	}
}

func TestAudioConfigThenData(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &codectest.Backend{})

	if got := p.State(media.Audio); got != StateAwaitingConfig {
		t.Fatalf("state: got %s, want awaiting-config", got)
	}
	p.Push(audioConfigFragment())
	if got := p.State(media.Audio); got != StateStreaming {
		t.Fatalf("state after config: got %s, want streaming", got)
	}
	p.Push(audioFragment(1))

	u := waitUnit(t, p.DequeueAudio)
	if u.SampleCount != assemble.AACFrameSamples {
		t.Errorf("sample count: got %d, want %d", u.SampleCount, assemble.AACFrameSamples)
	}
	if u.SampleRate != 24000 || u.Channels != 1 {
		t.Errorf("format: got %d Hz, %d ch", u.SampleRate, u.Channels)
	}
	if u.Duration() != 42_666 {
		t.Errorf("duration: got %dus, want 42666us", u.Duration())
	}
	expectNoUnit(t, p.DequeueAudio)
}

func TestVideoMalformedSliceKeepsStreaming(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &codectest.Backend{})

	p.Push(videoFragment(1, annexB(testSPS, testPPS)))
	if got := p.State(media.Video); got != StateStreaming {
		t.Fatalf("state after parameter sets: got %s, want streaming", got)
	}

	// length-prefixed slice declaring more bytes than it carries
	bad := append([]byte{0, 0, 0, 0x40}, testSlice...)
	p.Push(videoFragment(2, bad))
	expectNoUnit(t, p.DequeueVideo)
	if got := p.State(media.Video); got != StateStreaming {
		t.Fatalf("state after malformed slice: got %s, want streaming", got)
	}

	p.Push(videoFragment(3, annexB(testIDR)))
	u := waitUnit(t, p.DequeueVideo)
	if u.FrameID != 3 {
		t.Errorf("frame id: got %d, want 3", u.FrameID)
	}

	snap := p.Snapshot()
	if snap.Video.Malformed != 1 {
		t.Errorf("malformed: got %d, want 1", snap.Video.Malformed)
	}
	if snap.VideoInfo == nil || snap.VideoInfo.Width != 1280 || snap.VideoInfo.Height != 720 {
		t.Errorf("video info: got %+v", snap.VideoInfo)
	}
}

func TestQualityChangeReinitsOnce(t *testing.T) {
	t.Parallel()
	b := &codectest.Backend{}
	p := startPipeline(t, b)

	p.Push(videoFragment(1, annexB(testSPS, testPPS, testIDR)))
	p.Push(videoFragment(2, annexB(testSlice)))
	for range 2 {
		if u := waitUnit(t, p.DequeueVideo); u.Generation != 0 {
			t.Errorf("pre-change unit generation: got %d, want 0", u.Generation)
		}
	}

	qc := videoFragment(3, annexB(testIDR))
	qc.Flags = media.FlagQualityChange
	p.Push(qc)
	p.Push(videoFragment(4, annexB(testSlice)))

	for want := uint32(3); want <= 4; want++ {
		u := waitUnit(t, p.DequeueVideo)
		if u.FrameID != want || u.Generation != 1 {
			t.Errorf("got frame %d generation %d, want frame %d generation 1", u.FrameID, u.Generation, want)
		}
	}

	if got := p.State(media.Video); got != StateStreaming {
		t.Errorf("state: got %s, want streaming", got)
	}
	snap := p.Snapshot()
	if snap.Video.Reinits != 1 || snap.Video.Codec.Reinits != 1 {
		t.Errorf("reinits: pipeline %d, codec %d, want 1", snap.Video.Reinits, snap.Video.Codec.Reinits)
	}
	var flushed int
	for _, d := range b.Decoders() {
		if d.Flushes() > 0 {
			flushed++
		}
	}
	if n := len(b.Decoders()); n != 2 {
		t.Errorf("decoders opened: got %d, want 2 (one per media)", n)
	}
	if flushed != 1 {
		t.Errorf("flushed decoders: got %d, want 1", flushed)
	}
}

func videoDecoder(t *testing.T, b *codectest.Backend) *codectest.Decoder {
	t.Helper()
	for _, d := range b.Decoders() {
		if d.ExtraData() != nil {
			return d
		}
	}
	t.Fatal("no configured video decoder")
	return nil
}

func TestQualityChangeStandaloneParameterSets(t *testing.T) {
	t.Parallel()
	b := &codectest.Backend{}
	p := startPipeline(t, b)

	p.Push(videoFragment(1, annexB(testSPS, testPPS, testIDR)))
	waitUnit(t, p.DequeueVideo)

	// repeated identical parameter sets do not reconfigure
	p.Push(videoFragment(2, annexB(testSPS, testPPS, testIDR)))
	waitUnit(t, p.DequeueVideo)
	dec := videoDecoder(t, b)
	if got := dec.Configs(); got != 1 {
		t.Errorf("configs after repeat: got %d, want 1", got)
	}

	qc := videoFragment(3, annexB(testSPS, altPPS))
	qc.Flags = media.FlagQualityChange
	p.Push(qc)
	p.Push(videoFragment(4, annexB(testIDR)))

	u := waitUnit(t, p.DequeueVideo)
	if u.FrameID != 4 || u.Generation != 1 {
		t.Errorf("got frame %d generation %d, want frame 4 generation 1", u.FrameID, u.Generation)
	}
	want := assemble.BuildAVCConfig(testSPS, [][]byte{altPPS})
	if got := dec.ExtraData(); !bytes.Equal(got, want) {
		t.Errorf("extradata: got %x, want %x", got, want)
	}
	if got := dec.Configs(); got != 2 {
		t.Errorf("configs: got %d, want 2", got)
	}
	if got := p.State(media.Video); got != StateStreaming {
		t.Errorf("state: got %s, want streaming", got)
	}
	if snap := p.Snapshot().Video; snap.Reinits != 1 || snap.ConfigErrors != 0 {
		t.Errorf("reinits %d, config errors %d; want 1, 0", snap.Reinits, snap.ConfigErrors)
	}
}

func TestFramesBeforeConfigDropped(t *testing.T) {
	t.Parallel()
	b := &codectest.Backend{}
	p := startPipeline(t, b)

	p.Push(videoFragment(1, annexB(testSlice)))
	p.Push(videoFragment(2, annexB(testSlice)))
	expectNoUnit(t, p.DequeueVideo)

	if got := p.Snapshot().Video.PreConfigDropped; got != 2 {
		t.Errorf("pre-config dropped: got %d, want 2", got)
	}
	for _, d := range b.Decoders() {
		if d.Sent() != 0 {
			t.Errorf("decoder received %d packets before configuration", d.Sent())
		}
	}
}

func TestPushBeforeStartIgnored(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig(), testFormats, &codectest.Backend{}, nil)
	p.Push(audioConfigFragment())
	if got := p.State(media.Audio); got != StateIdle {
		t.Errorf("state: got %s, want idle", got)
	}
	if got := p.Snapshot().Audio.Ignored; got != 1 {
		t.Errorf("ignored: got %d, want 1", got)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStartFailureDisposesBoth(t *testing.T) {
	t.Parallel()
	b := &codectest.Backend{ResamplerErr: errors.New("no swr")}
	p := New(DefaultConfig(), testFormats, b, nil)

	err := p.Start(context.Background())
	if !errors.Is(err, codec.ErrContextCreation) {
		t.Fatalf("got %v, want ErrContextCreation", err)
	}
	for _, m := range []media.Type{media.Audio, media.Video} {
		if got := p.State(m); got != StateDisposed {
			t.Errorf("%s state: got %s, want disposed", m, got)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for _, d := range b.Decoders() {
		if d.Closes() != 1 {
			t.Errorf("decoder closed %d times, want 1", d.Closes())
		}
	}
}

func TestStartRejectsUnknownCodec(t *testing.T) {
	t.Parallel()
	f := testFormats
	f.Video.Codec = "vp9"
	p := New(DefaultConfig(), f, &codectest.Backend{}, nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestCloseDisposesOnce(t *testing.T) {
	t.Parallel()
	b := &codectest.Backend{}
	p := New(DefaultConfig(), testFormats, b, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Push(audioConfigFragment())

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for _, d := range b.Decoders() {
		if d.Closes() != 1 {
			t.Errorf("decoder closed %d times, want 1", d.Closes())
		}
	}
	for _, r := range b.Resamplers() {
		if r.Closes() != 1 {
			t.Errorf("resampler closed %d times, want 1", r.Closes())
		}
	}
	p.Push(audioFragment(1))
	if got := p.Snapshot().Audio.Ignored; got != 1 {
		t.Errorf("push after close: ignored %d, want 1", got)
	}
}

func TestVideoQueueBound(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &codectest.Backend{})
	p.Push(videoFragment(1, annexB(testSPS, testPPS, testIDR)))
	for id := uint32(2); id <= 100; id++ {
		p.Push(videoFragment(id, annexB(testSlice)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Snapshot().Video.Pumped < 100 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	snap := p.Snapshot().Video
	if snap.QueueLen > snap.QueueCap {
		t.Errorf("queue len %d exceeds cap %d", snap.QueueLen, snap.QueueCap)
	}
	if snap.QueueDropped != 100-uint64(snap.QueueCap) {
		t.Errorf("dropped: got %d, want %d", snap.QueueDropped, 100-snap.QueueCap)
	}

	// survivors come out oldest first
	var last uint32
	for {
		u, ok := p.DequeueVideo()
		if !ok {
			break
		}
		if u.FrameID <= last {
			t.Fatalf("frame %d after %d", u.FrameID, last)
		}
		last = u.FrameID
	}
	if last != 100 {
		t.Errorf("last frame: got %d, want 100", last)
	}
}

func TestBlockPolicyStalledConsumerBounded(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PumpIdle = time.Millisecond
	cfg.QueuePolicy = pump.Block
	cfg.VideoQueueSize = 1
	p := New(cfg, testFormats, &codectest.Backend{Capacity: 1}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	const n = 500
	p.Push(videoFragment(1, annexB(testSPS, testPPS, testIDR)))
	for id := uint32(2); id <= n; id++ {
		p.Push(videoFragment(id, annexB(testSlice)))
	}

	snap := p.Snapshot().Video
	if snap.QueueLen > snap.QueueCap {
		t.Errorf("queue len %d exceeds cap %d", snap.QueueLen, snap.QueueCap)
	}
	if snap.Codec.Pending > codec.MaxPending {
		t.Errorf("codec pending: got %d, want at most %d", snap.Codec.Pending, codec.MaxPending)
	}
	held := uint64(snap.Codec.Pending) + uint64(snap.QueueLen)
	if unaccounted := snap.Codec.Decoded - snap.Codec.PendingDropped - held; unaccounted > 2 {
		t.Errorf("decoded %d, dropped %d, held %d: %d units unaccounted",
			snap.Codec.Decoded, snap.Codec.PendingDropped, held, unaccounted)
	}
	if snap.Codec.PendingDropped == 0 {
		t.Error("expected stalled output to be dropped")
	}
}

func TestPacingObservesFrames(t *testing.T) {
	t.Parallel()
	p := startPipeline(t, &codectest.Backend{})
	p.Push(audioConfigFragment())
	p.Push(audioFragment(1))
	p.Push(audioFragment(3))
	waitUnit(t, p.DequeueAudio)

	s := p.Snapshot().Audio.Pacing
	if s.Assembled != 3 || s.Gaps != 1 || s.FrameID != 3 {
		t.Errorf("pacing: got %+v", s)
	}
	if _, ok := p.Clock().Deadline(&media.DecodedUnit{Media: media.Audio, Timestamp: 42_667}); !ok {
		t.Error("expected an audio reference")
	}
}
