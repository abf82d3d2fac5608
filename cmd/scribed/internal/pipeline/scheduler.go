package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
	"github.com/scribeworks/scribed/cmd/scribed/internal/metrics"
)

// PriorityFunc assigns a submit-time priority to a job. Lower runs first;
// ties are broken by FirstSeen, so the total order is stable.
type PriorityFunc func(job *MediaJob) int

// DefaultPriority favors small files: they finish fast and keep the
// transcript directory moving while large recordings grind.
func DefaultPriority(job *MediaJob) int {
	switch {
	case job.SizeBytes <= 10<<20:
		return 1
	case job.SizeBytes <= 100<<20:
		return 2
	default:
		return 3
	}
}

// SizePriority builds a PriorityFunc that penalizes a job by boost for
// every started 100 MB of input. A boost of 0 treats all sizes equally.
func SizePriority(boost int) PriorityFunc {
	return func(job *MediaJob) int {
		penalty := int(job.SizeBytes/(100<<20)) * boost
		return 1 + penalty
	}
}

// FailureReporter is told about jobs that will not be retried again.
type FailureReporter interface {
	ReportFailure(job *MediaJob)
}

// Scheduler owns the job queue and the worker pool. It guarantees that a
// given job ID is processed by at most one worker at a time, orders the
// queue by (priority, first-seen), and holds back jobs whose retry delay
// has not elapsed.
type Scheduler struct {
	cfg      config.ProcessingConfig
	runner   *Runner
	store    Store
	priority PriorityFunc
	failures FailureReporter
	log      *slog.Logger

	mu       sync.Mutex
	queue    jobHeap
	inflight map[string]struct{}
	jobs     map[string]*MediaJob

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler builds a Scheduler. priority may be nil (DefaultPriority)
// and failures may be nil.
func NewScheduler(cfg config.ProcessingConfig, runner *Runner, store Store,
	priority PriorityFunc, failures FailureReporter, log *slog.Logger) *Scheduler {
	if priority == nil {
		priority = DefaultPriority
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		priority: priority,
		failures: failures,
		log:      log,
		inflight: make(map[string]struct{}),
		jobs:     make(map[string]*MediaJob),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Submit enqueues a job. Submitting an ID that is already queued or in
// flight is a no-op; the running instance finishes first and the file will
// be picked up again only if it reappears as a new job.
func (s *Scheduler) Submit(job *MediaJob) error {
	s.mu.Lock()
	if existing, ok := s.jobs[job.ID]; ok && !existing.State.IsTerminal() {
		s.mu.Unlock()
		s.log.Debug("job already tracked, ignoring submit", "job_id", job.ID)
		return nil
	}
	if job.State == "" {
		job.State = StateQueued
	}
	if job.Priority == 0 {
		job.Priority = s.priority(job)
	}
	if job.FirstSeen.IsZero() {
		job.FirstSeen = time.Now()
	}
	s.jobs[job.ID] = job
	heap.Push(&s.queue, job)
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()

	if err := s.store.SaveJob(job); err != nil {
		return err
	}
	s.kick()
	s.log.Info("job queued", "job_id", job.ID, "source", job.SourcePath,
		"priority", job.Priority, "size_bytes", job.SizeBytes)
	return nil
}

// RecoverInterrupted reloads every non-terminal job from the store and
// re-enqueues it. Jobs keep their persisted segment results, so recovery
// resumes instead of restarting.
func (s *Scheduler) RecoverInterrupted() (int, error) {
	jobs, err := s.store.ListNonTerminal()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		if job.State.IsTerminal() {
			continue
		}
		s.log.Info("recovering interrupted job", "job_id", job.ID, "state", job.State)
		// NextEligible is preserved, so a job that was waiting out a retry
		// delay keeps waiting.
		job.State = StateQueued
		if err := s.Submit(job); err != nil {
			s.log.Error("re-enqueue recovered job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled and
// Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Stop waits for all workers to drain. Call after cancelling the context
// passed to Start.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		job := s.next(ctx)
		if job == nil {
			return
		}
		metrics.ActiveJobs.Inc()
		err := s.runner.Run(ctx, job)
		metrics.ActiveJobs.Dec()
		s.complete(job, err)
	}
}

// next blocks until an eligible job is available or the scheduler is
// shutting down. A job is eligible when its retry delay has elapsed and no
// worker currently owns its ID.
func (s *Scheduler) next(ctx context.Context) *MediaJob {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if job := s.tryPop(); job != nil {
			return job
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// tryPop pops the best eligible job and hands the worker a private clone.
// The tracked instance stays behind for status reads and is only written
// while s.mu is held.
func (s *Scheduler) tryPop() *MediaJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Pop the best eligible job; ineligible ones go back untouched.
	var skipped []*MediaJob
	var picked *MediaJob
	for s.queue.Len() > 0 {
		job := heap.Pop(&s.queue).(*MediaJob)
		if _, busy := s.inflight[job.ID]; busy {
			// Stale queue entry for an ID a worker already owns.
			continue
		}
		if job.NextEligible.After(now) {
			skipped = append(skipped, job)
			continue
		}
		picked = job
		break
	}
	for _, job := range skipped {
		heap.Push(&s.queue, job)
	}
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	if picked == nil {
		return nil
	}
	s.inflight[picked.ID] = struct{}{}
	picked.State = StateProcessingSegments
	return picked.Clone()
}

// complete decides the clone's fate (done, retry with delay, or terminal
// failure), then publishes it as the tracked instance and releases the
// in-flight slot in one locked step, so status reads always see either the
// pre-run state or the finished one.
func (s *Scheduler) complete(job *MediaJob, err error) {
	requeue := false
	switch {
	case err == nil:
		// Runner already persisted the completed state.

	case errors.Is(err, ErrCancelled):
		// Shutdown. Leave the job non-terminal; RecoverInterrupted picks
		// it up on the next start.
		if serr := s.store.SaveJob(job); serr != nil {
			s.log.Error("persist interrupted job", "job_id", job.ID, "error", serr)
		}

	case KindOf(err).Retryable() && job.Attempt+1 < s.cfg.MaxJobAttempts:
		job.Attempt++
		job.State = StateRetrying
		job.LastError = err.Error()
		job.NextEligible = time.Now().Add(s.retryDelay(job.Attempt))
		s.log.Warn("job attempt failed, scheduling retry",
			"job_id", job.ID, "attempt", job.Attempt, "next_eligible", job.NextEligible, "error", err)
		if serr := s.store.SaveJob(job); serr != nil {
			s.log.Error("persist retrying job", "job_id", job.ID, "error", serr)
		}
		requeue = true

	default:
		job.State = StateFailed
		job.LastError = err.Error()
		s.log.Error("job failed", "job_id", job.ID, "attempts", job.Attempt+1, "error", err)
		metrics.RecordJobOutcome("failed")
		if serr := s.store.SaveJob(job); serr != nil {
			s.log.Error("persist failed job", "job_id", job.ID, "error", serr)
		}
		if s.failures != nil {
			s.failures.ReportFailure(job)
		}
	}

	s.mu.Lock()
	delete(s.inflight, job.ID)
	if requeue {
		job.State = StateQueued
		heap.Push(&s.queue, job)
	}
	s.jobs[job.ID] = job
	pruned := s.pruneLocked()
	metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()
	s.kick()

	for _, id := range pruned {
		if derr := s.store.DeleteJob(id); derr != nil {
			s.log.Warn("delete pruned job", "job_id", id, "error", derr)
		}
	}
}

// retryDelay computes the wait before attempt's next run, doubling from
// JobRetryDelay per failed attempt like the segment-level backoff does.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	policy := BackoffPolicy{
		Base:        s.cfg.JobRetryDelay,
		Max:         s.cfg.JobRetryMaxDelay,
		MaxAttempts: s.cfg.MaxJobAttempts + 1,
	}
	if policy.Max <= 0 {
		policy.Max = policy.Base
	}
	_, delay := policy.Next(attempt)
	return delay
}

// pruneLocked drops the oldest terminal jobs beyond the retention cap and
// returns their IDs so the caller can delete them from the store outside
// the lock. Caller holds s.mu.
func (s *Scheduler) pruneLocked() []string {
	if s.cfg.RetainJobs <= 0 {
		return nil
	}
	var terminal []*MediaJob
	for _, job := range s.jobs {
		if job.State.IsTerminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= s.cfg.RetainJobs {
		return nil
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].FirstSeen.Before(terminal[j].FirstSeen)
	})
	var pruned []string
	for _, job := range terminal[:len(terminal)-s.cfg.RetainJobs] {
		delete(s.jobs, job.ID)
		pruned = append(pruned, job.ID)
	}
	return pruned
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns copies of all tracked jobs, newest first, for the
// status API. Segment maps are shallow-copied so callers cannot race the
// workers.
func (s *Scheduler) Snapshot() []MediaJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MediaJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		copied.SegmentResults = nil
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.After(out[j].FirstSeen)
	})
	return out
}

// Job returns a copy of one tracked job.
func (s *Scheduler) Job(id string) (MediaJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return MediaJob{}, false
	}
	copied := *job
	copied.SegmentResults = nil
	return copied, true
}

// Stats summarizes scheduler state for the status API.
type Stats struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{InFlight: len(s.inflight)}
	for _, job := range s.jobs {
		switch job.State {
		case StateQueued:
			st.Queued++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		case StateRetrying:
			st.Retrying++
		}
	}
	return st
}

// jobHeap orders jobs by priority ascending, then first-seen ascending.
type jobHeap []*MediaJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].FirstSeen.Before(h[j].FirstSeen)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*MediaJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
