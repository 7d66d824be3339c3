package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nanodec/internal/certs"
	"github.com/zsiec/nanodec/internal/config"
	"github.com/zsiec/nanodec/internal/diag"
	"github.com/zsiec/nanodec/internal/ffmpeg"
	"github.com/zsiec/nanodec/internal/ingest"
	srtingest "github.com/zsiec/nanodec/internal/ingest/srt"
	"github.com/zsiec/nanodec/internal/pipeline"
	"github.com/zsiec/nanodec/internal/playback"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Receive, decode and render a stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Value: envOr("NANODEC_CONFIG", "")},
			&cli.StringFlag{Name: "quic", Usage: "QUIC ingest listen address (empty disables)"},
			&cli.StringFlag{Name: "srt", Usage: "SRT ingest listen address (empty disables)"},
			&cli.StringFlag{Name: "diag", Usage: "diagnostics HTTP listen address (empty disables)"},
			&cli.StringFlag{Name: "queue-policy", Usage: "output queue overflow policy: drop-oldest or block"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: serveAction,
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("quic") {
		cfg.Ingest.QUICAddr = c.String("quic")
	}
	if c.IsSet("srt") {
		cfg.Ingest.SRTAddr = c.String("srt")
	}
	if c.IsSet("diag") {
		cfg.Diag.Addr = c.String("diag")
	}
	if c.IsSet("queue-policy") {
		cfg.Pipeline.QueuePolicy = c.String("queue-policy")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	} else if os.Getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func loadCert(cfg *config.Config) (*certs.CertInfo, error) {
	if cfg.Ingest.CertFile != "" {
		return certs.Load(cfg.Ingest.CertFile, cfg.Ingest.KeyFile)
	}
	return certs.Generate(certs.DefaultValidity, cfg.Ingest.CertHosts...)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	level, _ := cfg.SlogLevel()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	p := pipeline.New(pcfg, cfg.Stream, ffmpeg.New(log), log)
	registry := ingest.NewRegistry(p)
	caller := srtingest.NewCaller(registry, log)
	sink := &playback.CountingSink{}
	loop := playback.NewLoop(p, sink, log)
	loop.Tick = cfg.Playback.Tick.Duration
	loop.MaxLateness = cfg.Playback.MaxLateness.Duration

	var runners []func(context.Context) error

	var fingerprint string
	if cfg.Ingest.QUICAddr != "" {
		cert, err := loadCert(cfg)
		if err != nil {
			return fmt.Errorf("certificate: %w", err)
		}
		fingerprint = cert.FingerprintHex()
		slog.Info("QUIC certificate", "fingerprint", fingerprint, "expires", cert.NotAfter)
		quicSrv, err := ingest.NewServer(ingest.ServerConfig{
			Addr:        cfg.Ingest.QUICAddr,
			Cert:        cert,
			IdleTimeout: cfg.Ingest.IdleTimeout.Duration,
		}, registry, log)
		if err != nil {
			return err
		}
		runners = append(runners, quicSrv.Start)
	}

	if cfg.Ingest.SRTAddr != "" {
		runners = append(runners, srtingest.NewServer(cfg.Ingest.SRTAddr, registry, log).Start)
	}

	if cfg.Diag.Addr != "" {
		diagSrv, err := diag.NewServer(diag.ServerConfig{
			Addr:     cfg.Diag.Addr,
			Interval: cfg.Diag.Interval.Duration,
			SRT:      caller,
			Report: func() diag.Report {
				stats := loop.Stats()
				return diag.Report{
					Version:         version,
					CertFingerprint: fingerprint,
					Pipeline:        p.Snapshot(),
					Ingest:          registry.List(),
					Playback:        &stats,
				}
			},
		}, log)
		if err != nil {
			return err
		}
		runners = append(runners, diagSrv.Start)
	}

	runners = append(runners, loop.Run)

	slog.Info("nanodec starting",
		"version", version,
		"audio", cfg.Stream.Audio.Codec,
		"video", cfg.Stream.Video.Codec,
		"quic", cfg.Ingest.QUICAddr,
		"srt", cfg.Ingest.SRTAddr,
		"diag", cfg.Diag.Addr,
		"queue_policy", cfg.Pipeline.QueuePolicy,
	)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}
	for _, pull := range cfg.Ingest.SRTPull {
		req := srtingest.PullRequest{Address: pull.Address, StreamKey: pull.StreamKey, StreamID: pull.StreamID}
		if err := caller.Pull(ctx, req); err != nil {
			slog.Warn("SRT pull failed", "address", pull.Address, "key", pull.StreamKey, "error", err)
		}
	}

	err = g.Wait()
	if cerr := p.Close(); cerr != nil {
		slog.Warn("pipeline close", "error", cerr)
	}
	a, v, captions := sink.Counts()
	slog.Info("nanodec stopped", "audio_rendered", a, "video_rendered", v, "captions", captions)
	return err
}
