package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// Extractor cuts segment time ranges out of a source file and normalizes
// them to mono 16 kHz PCM WAV, the format the speech services expect.
// It implements pipeline.Extractor.
type Extractor struct {
	ffmpeg     string
	tempDir    string
	sampleRate int
}

// NewExtractor builds an Extractor writing scratch WAVs under tempDir.
func NewExtractor(cfg config.AudioConfig, tempDir string) *Extractor {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16_000
	}
	return &Extractor{ffmpeg: ffmpeg, tempDir: tempDir, sampleRate: rate}
}

// Extract transcodes [startSeconds, endSeconds) of sourcePath into a fresh
// temp WAV. The caller owns the returned unit and must Release it.
func (e *Extractor) Extract(ctx context.Context, sourcePath string, startSeconds, endSeconds float64) (pipeline.AudioUnit, error) {
	if err := os.MkdirAll(e.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	outPath := filepath.Join(e.tempDir, uuid.NewString()+".wav")

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	// Seeking before -i is fast; accuracy at segment scale is fine.
	if startSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", startSeconds))
	}
	args = append(args, "-i", sourcePath)
	if endSeconds > startSeconds {
		args = append(args, "-t", fmt.Sprintf("%.3f", endSeconds-startSeconds))
	}
	args = append(args,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", e.sampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	)

	cmd := exec.CommandContext(ctx, e.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("ffmpeg extract %s [%.1f-%.1f]: %w: %s",
			sourcePath, startSeconds, endSeconds, err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return nil, fmt.Errorf("ffmpeg produced no output for %s [%.1f-%.1f]",
			sourcePath, startSeconds, endSeconds)
	}

	return &wavUnit{path: outPath, duration: endSeconds - startSeconds}, nil
}

// wavUnit is a scratch WAV on disk. Release deletes it.
type wavUnit struct {
	path     string
	duration float64
}

func (u *wavUnit) Path() string             { return u.path }
func (u *wavUnit) DurationSeconds() float64 { return u.duration }

func (u *wavUnit) Release() error {
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment audio %s: %w", u.path, err)
	}
	return nil
}
