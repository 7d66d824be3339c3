package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/zsiec/nanodec/internal/diag"
	"github.com/zsiec/nanodec/internal/pipeline"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(18)
	valueStyle = lipgloss.NewStyle().Bold(true)

	statBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 2).
			MarginRight(1)
	statValueStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	statLabelStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Fetch one diagnostics snapshot from a running decoder",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "diagnostics websocket URL", Value: envOr("NANODEC_DIAG_URL", "ws://localhost:8080/ws")},
			&cli.StringFlag{Name: "format", Usage: "output format: table or json", Value: "table"},
			&cli.DurationFlag{Name: "timeout", Usage: "connect and read timeout", Value: 5 * time.Second},
		},
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	format := c.String("format")
	if format != "table" && format != "json" {
		return cli.Exit(fmt.Sprintf("unknown format %q", format), 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	rep, err := diag.FetchSnapshot(ctx, c.String("url"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if format == "json" {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	_, err = fmt.Fprintln(c.App.Writer, renderReport(rep))
	return err
}

func renderReport(rep diag.Report) string {
	ps := rep.Pipeline
	var b strings.Builder

	b.WriteString(titleStyle.Render("nanodec " + rep.Version))
	b.WriteString("\n")

	boxes := []string{
		statBox(formatUptime(ps.UptimeMs), "uptime"),
		statBox(fmt.Sprintf("%d", ps.Audio.Codec.Decoded), "audio decoded"),
		statBox(fmt.Sprintf("%d", ps.Video.Codec.Decoded), "video decoded"),
		statBox(fmt.Sprintf("%+.1fms", ps.DriftMs), "a/v drift"),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")

	if ps.VideoInfo != nil {
		b.WriteString(row("video", fmt.Sprintf("%s %dx%d", ps.VideoInfo.Codec, ps.VideoInfo.Width, ps.VideoInfo.Height)))
	}
	b.WriteString(trackRow(ps.Audio))
	b.WriteString(trackRow(ps.Video))
	b.WriteString(row("captions", fmt.Sprintf("queued %d  dropped %d", ps.CaptionQueue, ps.CaptionDropped)))
	b.WriteString(row("assembler", fmt.Sprintf("video stale %d  evicted %d  audio malformed %d",
		ps.VideoAssembler.Stale, ps.VideoAssembler.Evicted, ps.AudioAssembler.Malformed)))

	if rep.Playback != nil {
		pb := rep.Playback
		b.WriteString(row("playback", fmt.Sprintf("ticks %d  audio %d  video %d  late %d",
			pb.Ticks, pb.AudioRendered, pb.VideoRendered, pb.LateDropped)))
	}

	b.WriteString("\n")
	if len(rep.Ingest) == 0 {
		b.WriteString(statLabelStyle.Render("no senders connected"))
		b.WriteString("\n")
	}
	for _, in := range rep.Ingest {
		b.WriteString(row(in.Protocol+" "+in.Key, fmt.Sprintf("%s  %d fragments  %s  errors %d",
			in.RemoteAddr, in.Fragments, formatBytes(in.BytesReceived), in.DecodeErrors)))
	}
	if rep.CertFingerprint != "" {
		b.WriteString(row("fingerprint", rep.CertFingerprint))
	}
	return b.String()
}

func statBox(value, label string) string {
	return statBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		statValueStyle.Render(value),
		statLabelStyle.Render(label),
	))
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

func trackRow(t pipeline.TrackSnapshot) string {
	state := lipgloss.NewStyle().Foreground(stateColor(t.State)).Render(t.State)
	detail := fmt.Sprintf(" %s  queue %d/%d (%s)  dropped %d  gaps %d  reinits %d",
		t.Codec.Codec, t.QueueLen, t.QueueCap, t.QueuePolicy, t.QueueDropped, t.Pacing.Gaps, t.Reinits)
	return labelStyle.Render(t.Media) + state + valueStyle.Render(detail) + "\n"
}

func stateColor(state string) lipgloss.Color {
	switch state {
	case "streaming":
		return colorSuccess
	case "disposed":
		return colorError
	default:
		return colorWarning
	}
}

func formatUptime(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
