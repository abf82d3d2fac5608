package transcript

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// Archiver moves finished originals out of the watch directory: processed
// recordings into date-stamped archive folders, exhausted failures into the
// failed folder for manual inspection. It implements
// pipeline.FailureReporter.
type Archiver struct {
	archiveDir string
	failedDir  string
	log        *slog.Logger

	now func() time.Time
}

// NewArchiver builds an Archiver.
func NewArchiver(archiveDir, failedDir string, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{archiveDir: archiveDir, failedDir: failedDir, log: log, now: time.Now}
}

// ArchiveProcessed moves sourcePath into archiveDir/YYYY-MM-DD/.
func (a *Archiver) ArchiveProcessed(sourcePath string) error {
	day := a.now().Format("2006-01-02")
	destDir := filepath.Join(a.archiveDir, day)
	return a.moveInto(sourcePath, destDir)
}

// ReportFailure moves the job's source into the failed folder.
func (a *Archiver) ReportFailure(job *pipeline.MediaJob) {
	if err := a.moveInto(job.SourcePath, a.failedDir); err != nil {
		a.log.Error("move failed recording", "job_id", job.ID,
			"source", job.SourcePath, "error", err)
		return
	}
	a.log.Warn("recording moved to failed folder",
		"job_id", job.ID, "source", job.SourcePath, "last_error", job.LastError)
}

// moveInto renames sourcePath into destDir, suffixing the name on
// collision and falling back to copy+delete across filesystems.
func (a *Archiver) moveInto(sourcePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dest := uniquePath(filepath.Join(destDir, filepath.Base(sourcePath)))

	if err := os.Rename(sourcePath, dest); err == nil {
		return nil
	}
	// Rename fails across mount points; copy then delete.
	if err := copyFile(sourcePath, dest); err != nil {
		return err
	}
	if err := os.Remove(sourcePath); err != nil {
		return fmt.Errorf("remove original after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy data: %w", err)
	}
	return out.Close()
}
