// Package transcript renders merged transcripts as markdown documents and
// files the processed originals away. Output is written atomically so note
// tools watching the transcript folder never see half a document.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// frontMatter is the YAML header of a transcript document.
type frontMatter struct {
	Title         string    `yaml:"title"`
	SourceFile    string    `yaml:"source_file"`
	TranscribedAt time.Time `yaml:"transcribed_at"`
	Duration      string    `yaml:"duration"`
	Speakers      int       `yaml:"speakers"`
	Tags          []string  `yaml:"tags"`
	Partial       bool      `yaml:"partial,omitempty"`
}

// defaultTags is applied when no tags are configured, so note tools can
// index transcripts out of the box.
var defaultTags = []string{"transcript", "audio"}

// Writer renders transcripts into the transcript directory. It implements
// the success side of the pipeline's output contract; see Output for the
// composite that also archives the source file.
type Writer struct {
	dir  string
	tags []string
	log  *slog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewWriter builds a Writer targeting dir. An empty tags slice falls back
// to defaultTags.
func NewWriter(dir string, tags []string, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if len(tags) == 0 {
		tags = defaultTags
	}
	return &Writer{dir: dir, tags: tags, log: log, now: time.Now}
}

// Write renders the transcript and atomically places it next to any
// existing documents. Returns the path of the written file.
func (w *Writer) Write(job *pipeline.MediaJob, t *pipeline.MergedTranscript) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(job.SourcePath), filepath.Ext(job.SourcePath))
	outPath := uniquePath(filepath.Join(w.dir, base+".md"))

	content, err := w.render(base, job, t)
	if err != nil {
		return "", err
	}

	tmp := outPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write transcript temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename transcript into place: %w", err)
	}
	w.log.Info("transcript written", "job_id", job.ID, "path", outPath,
		"utterances", len(t.Utterances), "speakers", t.SpeakerCount)
	return outPath, nil
}

// render produces the full markdown document.
func (w *Writer) render(title string, job *pipeline.MediaJob, t *pipeline.MergedTranscript) (string, error) {
	fm := frontMatter{
		Title:         title,
		SourceFile:    filepath.Base(job.SourcePath),
		TranscribedAt: w.now().UTC().Truncate(time.Second),
		Duration:      formatTimestamp(t.TotalDuration),
		Speakers:      t.SpeakerCount,
		Tags:          w.tags,
		Partial:       t.HadPartialFailures,
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n", title)

	names := speakerNames(t.Utterances)
	currentSpeaker := ""
	for _, u := range t.Utterances {
		name := names[u.Speaker]
		if name != currentSpeaker {
			fmt.Fprintf(&b, "\n## 🗣 %s\n\n", name)
			currentSpeaker = name
		}
		fmt.Fprintf(&b, "**[%s]** %s\n\n", formatTimestamp(u.StartSeconds), u.Text)
	}
	return b.String(), nil
}

// speakerNames maps raw diarization labels to stable display names in
// first-appearance order: "Speaker 1", "Speaker 2", ... and "Unknown" for
// unattributed speech.
func speakerNames(utterances []pipeline.Utterance) map[string]string {
	names := map[string]string{pipeline.UnknownSpeaker: "Unknown"}
	n := 0
	for _, u := range utterances {
		if _, ok := names[u.Speaker]; ok {
			continue
		}
		n++
		names[u.Speaker] = fmt.Sprintf("Speaker %d", n)
	}
	return names
}

// formatTimestamp renders seconds as HH:MM:SS.
func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// uniquePath appends " (n)" before the extension until the path is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Output is the composite consumer wired into the pipeline: write the
// markdown document, then archive the source recording.
type Output struct {
	writer   *Writer
	archiver *Archiver
}

// NewOutput combines a Writer and an Archiver.
func NewOutput(writer *Writer, archiver *Archiver) *Output {
	return &Output{writer: writer, archiver: archiver}
}

// Consume implements pipeline.OutputConsumer.
func (o *Output) Consume(_ context.Context, job *pipeline.MediaJob, t *pipeline.MergedTranscript) error {
	if _, err := o.writer.Write(job, t); err != nil {
		return err
	}
	if o.archiver != nil {
		if err := o.archiver.ArchiveProcessed(job.SourcePath); err != nil {
			// The transcript exists; a stuck original is a warning, not a
			// job failure.
			o.writer.log.Warn("archive processed source", "job_id", job.ID, "error", err)
		}
	}
	return nil
}
