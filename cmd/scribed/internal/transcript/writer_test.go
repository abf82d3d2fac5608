package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

func fixedClock() time.Time {
	return time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
}

func sampleTranscript() *pipeline.MergedTranscript {
	return &pipeline.MergedTranscript{
		Utterances: []pipeline.Utterance{
			{StartSeconds: 5, EndSeconds: 9, Speaker: "SPEAKER_01", Text: "welcome everyone"},
			{StartSeconds: 10, EndSeconds: 14, Speaker: "SPEAKER_01", Text: "let us start"},
			{StartSeconds: 15, EndSeconds: 20, Speaker: "SPEAKER_00", Text: "thanks for joining"},
			{StartSeconds: 3725, EndSeconds: 3730, Speaker: pipeline.UnknownSpeaker, Text: "inaudible remark"},
		},
		SpeakerCount:  2,
		TotalDuration: 3730,
	}
}

func TestWriteMarkdown(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil, nil)
	w.now = fixedClock

	job := &pipeline.MediaJob{ID: "job-1", SourcePath: "/audio/standup meeting.webm"}
	path, err := w.Write(job, sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "standup meeting.md"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)

	assert.True(t, strings.HasPrefix(content, "---\n"), "document opens with front matter")
	assert.Contains(t, content, "source_file: standup meeting.webm")
	assert.Contains(t, content, "duration: \"01:02:10\"")
	assert.Contains(t, content, "speakers: 2")
	assert.Contains(t, content, "- transcript\n", "default tags are emitted")
	assert.NotContains(t, content, "partial:", "clean transcript omits the partial flag")

	// Speakers are renamed in first-appearance order.
	assert.Contains(t, content, "## 🗣 Speaker 1\n\n**[00:00:05]** welcome everyone")
	assert.Contains(t, content, "## 🗣 Speaker 2\n\n**[00:00:15]** thanks for joining")
	assert.Contains(t, content, "## 🗣 Unknown\n\n**[01:02:05]** inaudible remark")

	// Consecutive same-speaker utterances share one heading.
	assert.Equal(t, 1, strings.Count(content, "## 🗣 Speaker 1"))

	// No leftover temp file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWritePartialFlag(t *testing.T) {
	w := NewWriter(t.TempDir(), nil, nil)
	w.now = fixedClock

	tr := sampleTranscript()
	tr.HadPartialFailures = true
	path, err := w.Write(&pipeline.MediaJob{ID: "j", SourcePath: "/a/m.webm"}, tr)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "partial: true")
}

func TestWriteAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, []string{"meeting"}, nil)
	w.now = fixedClock
	job := &pipeline.MediaJob{ID: "j", SourcePath: "/a/meeting.webm"}

	first, err := w.Write(job, sampleTranscript())
	require.NoError(t, err)
	second, err := w.Write(job, sampleTranscript())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "meeting.md"), first)
	assert.Equal(t, filepath.Join(dir, "meeting (1).md"), second)
}

func TestArchiveProcessed(t *testing.T) {
	watch := t.TempDir()
	archive := t.TempDir()
	src := filepath.Join(watch, "done.webm")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	a := NewArchiver(archive, t.TempDir(), nil)
	a.now = fixedClock
	require.NoError(t, a.ArchiveProcessed(src))

	moved := filepath.Join(archive, "2026-08-31", "done.webm")
	_, err := os.Stat(moved)
	require.NoError(t, err)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestReportFailureMovesToFailedDir(t *testing.T) {
	watch := t.TempDir()
	failed := t.TempDir()
	src := filepath.Join(watch, "broken.webm")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	a := NewArchiver(t.TempDir(), failed, nil)
	a.ReportFailure(&pipeline.MediaJob{ID: "j", SourcePath: src, LastError: "auth"})

	_, err := os.Stat(filepath.Join(failed, "broken.webm"))
	require.NoError(t, err)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00", formatTimestamp(0))
	assert.Equal(t, "00:00:59", formatTimestamp(59.9))
	assert.Equal(t, "01:02:03", formatTimestamp(3723))
	assert.Equal(t, "00:00:00", formatTimestamp(-5))
}
