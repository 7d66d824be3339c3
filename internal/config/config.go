package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/nanodec/internal/codec"
	"github.com/zsiec/nanodec/internal/media"
	"github.com/zsiec/nanodec/internal/pipeline"
	"github.com/zsiec/nanodec/internal/pump"
)

// Config represents a nanodec.yaml configuration file.
type Config struct {
	LogLevel string           `yaml:"log_level"`
	Stream   pipeline.Formats `yaml:"stream"`
	Pipeline PipelineConfig   `yaml:"pipeline"`
	Ingest   IngestConfig     `yaml:"ingest"`
	Diag     DiagConfig       `yaml:"diag"`
	Playback PlaybackConfig   `yaml:"playback"`
}

// PipelineConfig holds the decode queue settings.
type PipelineConfig struct {
	QueuePolicy  string   `yaml:"queue_policy"`
	AudioQueue   int      `yaml:"audio_queue"`
	VideoQueue   int      `yaml:"video_queue"`
	CaptionQueue int      `yaml:"caption_queue"`
	PumpIdle     Duration `yaml:"pump_idle"`
}

// IngestConfig holds the transport listeners. An empty address disables
// the listener.
type IngestConfig struct {
	QUICAddr    string    `yaml:"quic_addr"`
	SRTAddr     string    `yaml:"srt_addr"`
	CertFile    string    `yaml:"cert_file"`
	KeyFile     string    `yaml:"key_file"`
	CertHosts   []string  `yaml:"cert_hosts,omitempty"`
	IdleTimeout Duration  `yaml:"idle_timeout"`
	SRTPull     []SRTPull `yaml:"srt_pull,omitempty"`
}

// SRTPull is a remote SRT sender pulled at startup.
type SRTPull struct {
	Address   string `yaml:"address"`
	StreamKey string `yaml:"stream_key"`
	StreamID  string `yaml:"stream_id,omitempty"`
}

// DiagConfig holds the diagnostics HTTP server settings.
type DiagConfig struct {
	Addr     string   `yaml:"addr"`
	Interval Duration `yaml:"interval"`
}

// PlaybackConfig holds the render loop settings.
type PlaybackConfig struct {
	Tick        Duration `yaml:"tick"`
	MaxLateness Duration `yaml:"max_lateness"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5ms").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given: a
// 720p60 H.264 stream with 48 kHz stereo AAC.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Stream: pipeline.Formats{
			Audio: media.AudioFormat{Codec: "aac", SampleRate: 48000, Channels: 2},
			Video: media.VideoFormat{Codec: "h264", Width: 1280, Height: 720, FPS: 60},
		},
		Pipeline: PipelineConfig{
			QueuePolicy:  pump.DropOldest.String(),
			AudioQueue:   media.AudioQueueSize,
			VideoQueue:   media.VideoQueueSize,
			CaptionQueue: media.CaptionQueueSize,
			PumpIdle:     Duration{pump.DefaultIdle},
		},
		Ingest: IngestConfig{
			QUICAddr:    ":4443",
			SRTAddr:     ":6000",
			IdleTimeout: Duration{30 * time.Second},
		},
		Diag: DiagConfig{
			Addr:     ":8080",
			Interval: Duration{time.Second},
		},
		Playback: PlaybackConfig{
			Tick:        Duration{4 * time.Millisecond},
			MaxLateness: Duration{100 * time.Millisecond},
		},
	}
}

// Load reads a YAML config file over Default, expanding environment
// variables first. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the pipeline cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := pump.ParsePolicy(c.Pipeline.QueuePolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.AudioParamsFrom(c.Stream.Audio); err != nil {
		errs = append(errs, fmt.Errorf("stream.audio: %w", err))
	}
	if _, err := codec.VideoParamsFrom(c.Stream.Video); err != nil {
		errs = append(errs, fmt.Errorf("stream.video: %w", err))
	}
	if c.Pipeline.AudioQueue <= 0 || c.Pipeline.VideoQueue <= 0 || c.Pipeline.CaptionQueue <= 0 {
		errs = append(errs, errors.New("pipeline: queue sizes must be positive"))
	}
	if (c.Ingest.CertFile == "") != (c.Ingest.KeyFile == "") {
		errs = append(errs, errors.New("ingest: cert_file and key_file must be set together"))
	}
	for i, p := range c.Ingest.SRTPull {
		if p.Address == "" || p.StreamKey == "" {
			errs = append(errs, fmt.Errorf("ingest.srt_pull[%d]: address and stream_key are required", i))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// PipelineConfig converts the pipeline section for pipeline.New.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	policy, err := pump.ParsePolicy(c.Pipeline.QueuePolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		QueuePolicy:      policy,
		AudioQueueSize:   c.Pipeline.AudioQueue,
		VideoQueueSize:   c.Pipeline.VideoQueue,
		CaptionQueueSize: c.Pipeline.CaptionQueue,
		PumpIdle:         c.Pipeline.PumpIdle.Duration,
	}, nil
}
