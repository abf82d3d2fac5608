// Package audio shells out to ffmpeg and ffprobe for the three things the
// pipeline needs from a media file: its duration, silence candidates for the
// splitter, and normalized WAV extraction of segment time ranges.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
)

// Prober answers duration and silence questions via ffprobe/ffmpeg.
// It implements pipeline.DurationProber and pipeline.SilenceProbe.
type Prober struct {
	ffmpeg       string
	ffprobe      string
	silenceDB    float64
	silenceMinMS int64
}

// NewProber builds a Prober using the configured binary paths, falling back
// to PATH lookup when unset.
func NewProber(audioCfg config.AudioConfig, splitCfg config.SplitConfig) *Prober {
	ffmpeg := audioCfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := audioCfg.FFprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Prober{
		ffmpeg:       ffmpeg,
		ffprobe:      ffprobe,
		silenceDB:    splitCfg.SilenceThreshold,
		silenceMinMS: splitCfg.SilenceMinLen.Milliseconds(),
	}
}

// DurationSeconds reads the container duration via ffprobe.
func (p *Prober) DurationSeconds(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	raw := strings.TrimSpace(stdout.String())
	dur, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", raw, err)
	}
	return dur, nil
}

// silenceStartRe matches silencedetect log lines, e.g.
// "[silencedetect @ 0x...] silence_start: 123.456".
var silenceStartRe = regexp.MustCompile(`silence_start:\s*([0-9.]+)`)
var silenceEndRe = regexp.MustCompile(`silence_end:\s*([0-9.]+)`)

// SilencePoints runs ffmpeg's silencedetect filter and returns the midpoint
// of each detected quiet stretch. Cutting in the middle of silence avoids
// clipping a word at the boundary.
func (p *Prober) SilencePoints(ctx context.Context, sourcePath string) ([]float64, error) {
	filter := fmt.Sprintf("silencedetect=noise=%gdB:d=%g",
		p.silenceDB, float64(p.silenceMinMS)/1000.0)
	cmd := exec.CommandContext(ctx, p.ffmpeg,
		"-hide_banner",
		"-i", sourcePath,
		"-af", filter,
		"-f", "null", "-",
	)
	// silencedetect reports on stderr.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg silencedetect %s: %w", sourcePath, err)
	}
	return parseSilenceMidpoints(stderr.String()), nil
}

// parseSilenceMidpoints pairs silence_start/silence_end lines into cut
// candidates. An unterminated final silence (file ends quiet) is dropped.
func parseSilenceMidpoints(log string) []float64 {
	var points []float64
	var pendingStart float64
	havePending := false

	for _, line := range strings.Split(log, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				pendingStart = v
				havePending = true
			}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && havePending {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				points = append(points, pendingStart+(v-pendingStart)/2)
			}
			havePending = false
		}
	}
	return points
}
