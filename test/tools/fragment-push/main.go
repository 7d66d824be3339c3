// fragment-push sends an H.264 elementary stream, optionally with an ADTS
// AAC track, to a nanodec ingest endpoint as paced wire fragments.
//
// Usage:
//
//	fragment-push --video game.h264 --audio game.aac --addr 127.0.0.1:4443 --fingerprint <hex>
//	fragment-push --proto srt --video game.h264 --addr 127.0.0.1:6000 --key game
//	fragment-push --proto file --video game.h264 --addr capture.frag
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/nanodec/internal/certs"
	"github.com/zsiec/nanodec/internal/ingest"
	"github.com/zsiec/nanodec/internal/media"
)

func main() {
	protoFlag := flag.String("proto", "quic", "transport: quic, srt or file")
	addrFlag := flag.String("addr", "127.0.0.1:4443", "ingest address, or output path for file")
	keyFlag := flag.String("key", "game", "SRT stream key")
	fpFlag := flag.String("fingerprint", "", "server certificate SHA-256 fingerprint (QUIC)")
	videoFlag := flag.String("video", "", "H.264 Annex B elementary stream")
	audioFlag := flag.String("audio", "", "ADTS AAC stream (optional)")
	fpsFlag := flag.Float64("fps", 60, "video frame rate")
	mtuFlag := flag.Int("mtu", 1200, "max fragment payload bytes")
	datagramsFlag := flag.Bool("datagrams", false, "send QUIC datagrams instead of a stream")
	loopFlag := flag.Bool("loop", false, "repeat the input forever")
	flag.Parse()

	if *videoFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage: fragment-push --video file.h264 [--audio file.aac] [--proto quic|srt] [--addr host:port]\n")
		os.Exit(1)
	}

	frames, err := loadFrames(*videoFlag, *audioFlag, *fpsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	for {
		s, err := connect(ctx, *protoFlag, *addrFlag, *keyFlag, *fpFlag, *datagramsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connect failed: %v, retrying...\n", *addrFlag, err)
		} else {
			fmt.Printf("[%s] connected over %s, %d frames\n", *addrFlag, *protoFlag, len(frames))
			err = sendLoop(ctx, s, frames, *mtuFlag, *loopFlag, *protoFlag != "file")
			s.Close()
			if err == nil || ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "[%s] connection lost: %v, reconnecting...\n", *addrFlag, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func loadFrames(videoPath, audioPath string, fps float64) ([]frame, error) {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("read video: %w", err)
	}
	video := accessUnits(data)
	if len(video) == 0 {
		return nil, fmt.Errorf("%s: no access units found", videoPath)
	}

	var (
		audio [][]byte
		rate  int
	)
	if audioPath != "" {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		if audio, rate, err = adtsFrames(data); err != nil {
			return nil, fmt.Errorf("%s: %w", audioPath, err)
		}
	}
	return schedule(video, fps, audio, rate), nil
}

type sender interface {
	Send(media.Fragment) error
	Close() error
}

func connect(ctx context.Context, proto, addr, key, fingerprint string, datagrams bool) (sender, error) {
	switch proto {
	case "quic":
		fp, err := certs.ParseFingerprint(fingerprint)
		if err != nil {
			return nil, err
		}
		c, err := ingest.Dial(ctx, addr, fp)
		if err != nil {
			return nil, err
		}
		if datagrams {
			return &datagramSender{c: c}, nil
		}
		w, err := c.OpenStream(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
		return &streamSender{c: c, w: w}, nil
	case "srt":
		cfg := srt.DefaultConfig()
		cfg.StreamID = "live/" + key
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return nil, err
		}
		return &srtSender{conn: conn}, nil
	case "file":
		f, err := os.Create(addr)
		if err != nil {
			return nil, err
		}
		return &fileSender{f: f}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", proto)
}

type streamSender struct {
	c *ingest.Client
	w *ingest.StreamWriter
}

func (s *streamSender) Send(f media.Fragment) error { return s.w.Write(f) }

func (s *streamSender) Close() error {
	s.w.Close()
	return s.c.Close()
}

type datagramSender struct{ c *ingest.Client }

func (s *datagramSender) Send(f media.Fragment) error { return s.c.SendDatagram(f) }
func (s *datagramSender) Close() error                { return s.c.Close() }

type srtSender struct {
	conn *srt.Conn
	buf  []byte
}

func (s *srtSender) Send(f media.Fragment) error {
	s.buf = ingest.AppendFragment(s.buf[:0], f)
	_, err := s.conn.Write(s.buf)
	return err
}

func (s *srtSender) Close() error { return s.conn.Close() }

// fileSender writes a capture that ingest.ReadFragment can replay.
type fileSender struct {
	f   *os.File
	buf []byte
}

func (s *fileSender) Send(f media.Fragment) error {
	s.buf = ingest.AppendFragment(s.buf[:0], f)
	_, err := s.f.Write(s.buf)
	return err
}

func (s *fileSender) Close() error { return s.f.Close() }

// sendLoop paces frames against a global clock so repeated passes stay
// continuous. Frame IDs and timestamps keep increasing across passes.
func sendLoop(ctx context.Context, s sender, frames []frame, mtu int, loop, pace bool) error {
	start := time.Now()
	var (
		sent     int
		lastLog  = time.Now()
		passSpan = frames[len(frames)-1].timestamp + 1
		counts   = map[media.Type]uint32{}
	)
	const logInterval = 10 * time.Second

	for pass := uint64(0); ; pass++ {
		passCounts := map[media.Type]uint32{}
		for _, f := range frames {
			f.timestamp += pass * passSpan
			f.id += counts[f.media]
			passCounts[f.media]++

			due := start.Add(time.Duration(f.timestamp) * time.Microsecond)
			if wait := time.Until(due); pace && wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
			for _, frag := range fragments(f, mtu) {
				if err := s.Send(frag); err != nil {
					return err
				}
			}
			sent++

			if time.Since(lastLog) >= logInterval {
				fmt.Printf("pass=%d frames=%d elapsed=%s\n", pass, sent, time.Since(start).Truncate(time.Second))
				lastLog = time.Now()
			}
		}
		for m, n := range passCounts {
			counts[m] += n
		}
		if !loop || !pace {
			return nil
		}
	}
}
