package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scribeworks/scribed/cmd/scribed/internal/metrics"
	"github.com/scribeworks/scribed/pkg/logger"
)

// Store persists job progress so that interrupted work survives restarts.
// Segment outcomes are written as soon as they are known, never batched
// behind the whole job.
type Store interface {
	SaveJob(job *MediaJob) error
	SaveSegmentOutcome(jobID string, outcome SegmentOutcome) error
	LoadJob(jobID string) (*MediaJob, error)
	ListNonTerminal() ([]*MediaJob, error)
	DeleteJob(jobID string) error
}

// OutputConsumer receives the merged transcript of a finished job.
type OutputConsumer interface {
	Consume(ctx context.Context, job *MediaJob, transcript *MergedTranscript) error
}

// DurationProber reports the playable duration of a media file.
type DurationProber interface {
	DurationSeconds(ctx context.Context, path string) (float64, error)
}

// Runner drives a single job through its state machine: split the source
// into segments, process each segment, then merge the per-segment results
// into one transcript. Progress is persisted after every transition so a
// retry or restart resumes instead of redoing finished work.
type Runner struct {
	splitter *Splitter
	proc     *Processor
	merger   *Merger
	store    Store
	probe    DurationProber
	silence  SilenceProbe
	output   OutputConsumer

	segmentWorkers int
	log            *slog.Logger
}

// NewRunner builds a Runner. probe and silence may be nil, in which case
// splitting falls back to size-only planning. segmentWorkers bounds how
// many segments of one job are processed concurrently.
func NewRunner(splitter *Splitter, proc *Processor, merger *Merger, store Store,
	probe DurationProber, silence SilenceProbe, output OutputConsumer,
	segmentWorkers int, log *slog.Logger) *Runner {
	if segmentWorkers < 1 {
		segmentWorkers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		splitter:       splitter,
		proc:           proc,
		merger:         merger,
		store:          store,
		probe:          probe,
		silence:        silence,
		output:         output,
		segmentWorkers: segmentWorkers,
		log:            log,
	}
}

// Run advances job until it completes, fails, or ctx is cancelled. On
// cancellation the job is saved in its current non-terminal state and
// ErrCancelled is returned; everything already processed stays recorded.
// Any other error return means the attempt failed and the caller decides
// between a job-level retry and a terminal failure.
func (r *Runner) Run(ctx context.Context, job *MediaJob) error {
	if job.SegmentResults == nil {
		job.SegmentResults = make(map[int]SegmentOutcome)
	}

	if len(job.Segments) == 0 {
		if err := r.split(ctx, job); err != nil {
			return err
		}
	}

	job.State = StateProcessingSegments
	if err := r.store.SaveJob(job); err != nil {
		return Transient(ErrKindPersistence, err)
	}

	if err := r.processSegments(ctx, job); err != nil {
		return err
	}

	succeeded := job.SucceededSegments()
	if succeeded == 0 {
		job.LastError = "all segments failed"
		return fmt.Errorf("job %s: %w", job.ID, errAllSegmentsFailed(job))
	}

	job.State = StateMerging
	if err := r.store.SaveJob(job); err != nil {
		return Transient(ErrKindPersistence, err)
	}

	start := time.Now()
	transcript, err := r.merger.Merge(job.ID, job.SegmentResults, job.Segments)
	metrics.RecordDuration("merge", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordSegment("merge", false)
		job.LastError = err.Error()
		return err
	}
	metrics.RecordSegment("merge", true)

	if r.output != nil {
		if err := r.output.Consume(ctx, job, transcript); err != nil {
			job.LastError = err.Error()
			return Transient(ErrKindPersistence, fmt.Errorf("write transcript: %w", err))
		}
	}

	job.State = StateCompleted
	job.LastError = ""
	if err := r.store.SaveJob(job); err != nil {
		return Transient(ErrKindPersistence, err)
	}

	if transcript.HadPartialFailures {
		metrics.RecordJobOutcome("completed_degraded")
	} else {
		metrics.RecordJobOutcome("completed")
	}
	logger.LogSegmentEvent(r.log, "merge", "success", job.ID, -1, time.Since(start).Milliseconds(), "")
	return nil
}

// errAllSegmentsFailed classifies a whole-job failure. The job is worth a
// job-level retry only if at least one segment failed for a transient
// reason.
func errAllSegmentsFailed(job *MediaJob) error {
	for _, outcome := range job.SegmentResults {
		if outcome.Failure != nil && outcome.Failure.ErrorKind.Retryable() {
			return Transient(outcome.Failure.ErrorKind,
				errors.New("all segments failed, at least one transiently"))
		}
	}
	return Permanent(ErrKindUnknown, errors.New("all segments failed permanently"))
}

func (r *Runner) split(ctx context.Context, job *MediaJob) error {
	job.State = StateSplitting
	if err := r.store.SaveJob(job); err != nil {
		return Transient(ErrKindPersistence, err)
	}

	if job.DurationSeconds <= 0 && r.probe != nil {
		dur, err := r.probe.DurationSeconds(ctx, job.SourcePath)
		if err != nil {
			r.log.Warn("duration probe failed, planning by size",
				"job_id", job.ID, "error", err)
		} else {
			job.DurationSeconds = dur
		}
	}

	start := time.Now()
	plans, err := r.splitter.Plan(ctx, job.SourcePath, job.DurationSeconds, job.SizeBytes, r.silence)
	metrics.RecordDuration("split", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordSegment("split", false)
		job.LastError = err.Error()
		if errors.Is(err, ErrEmptyInput) {
			return Permanent(ErrKindMalformed, err)
		}
		return err
	}
	metrics.RecordSegment("split", true)
	logger.LogSegmentEvent(r.log, "split", "success", job.ID, len(plans), time.Since(start).Milliseconds(), "")

	job.Segments = plans
	return nil
}

// processSegments fans pending segments out over segmentWorkers goroutines.
// Results are funneled back to this goroutine, which is the only writer of
// job.SegmentResults, and each outcome is persisted the moment it arrives.
func (r *Runner) processSegments(ctx context.Context, job *MediaJob) error {
	pending := job.PendingSegments()
	if len(pending) == 0 {
		return nil
	}

	workers := r.segmentWorkers
	if workers > len(pending) {
		workers = len(pending)
	}

	work := make(chan SegmentPlan)
	results := make(chan SegmentOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for plan := range work {
				results <- r.proc.Process(ctx, job.ID, job.SourcePath, plan)
			}
		}()
	}
	go func() {
		defer close(work)
		for _, plan := range pending {
			select {
			case work <- plan:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var persistErr error
	for outcome := range results {
		index := outcomeIndex(outcome)
		job.SegmentResults[index] = outcome
		if err := r.store.SaveSegmentOutcome(job.ID, outcome); err != nil {
			r.log.Error("persist segment outcome",
				"job_id", job.ID, "segment", index, "error", err)
			persistErr = err
		}
		if outcome.Failure != nil {
			metrics.RecordError("transcribe", string(outcome.Failure.ErrorKind))
		}
	}
	if err := r.store.SaveJob(job); err != nil {
		return Transient(ErrKindPersistence, err)
	}
	if persistErr != nil {
		return Transient(ErrKindPersistence, persistErr)
	}

	if err := ctx.Err(); err != nil {
		// Interrupted mid-job. Outcomes gathered so far are saved, so
		// the next attempt only touches what is still unresolved.
		return fmt.Errorf("job %s interrupted: %w", job.ID, ErrCancelled)
	}
	if !job.AllSegmentsResolved() {
		return Transient(ErrKindUnknown,
			fmt.Errorf("job %s: %d segments unresolved", job.ID, len(job.PendingSegments())))
	}
	return nil
}

func outcomeIndex(outcome SegmentOutcome) int {
	if outcome.Result != nil {
		return outcome.Result.SegmentIndex
	}
	return outcome.Failure.SegmentIndex
}
