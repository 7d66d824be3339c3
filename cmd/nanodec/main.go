// Command nanodec decodes a low-latency game stream. It receives wire
// fragments over QUIC or SRT, reassembles and decodes audio and video with
// FFmpeg, and drives a headless render loop while serving diagnostics.
//
// Usage:
//
//	nanodec serve [--config nanodec.yaml] [--quic :4443] [--srt :6000] [--diag :8080]
//	nanodec stats [--url ws://localhost:8080/ws] [--format table|json]
//	nanodec version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	app := &cli.App{
		Name:           "nanodec",
		Usage:          "Game-stream audio/video decode core",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			statsCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "nanodec %s\n", version)
			return err
		},
	}
}
