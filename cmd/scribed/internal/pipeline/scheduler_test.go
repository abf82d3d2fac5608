package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
)

// memStore is an in-memory Store for tests. Jobs are deep-copied on save so
// later mutations cannot leak backwards in time.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*MediaJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*MediaJob)}
}

func (s *memStore) SaveJob(job *MediaJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	copied.Segments = append([]SegmentPlan(nil), job.Segments...)
	copied.SegmentResults = make(map[int]SegmentOutcome, len(job.SegmentResults))
	for k, v := range job.SegmentResults {
		copied.SegmentResults[k] = v
	}
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) SaveSegmentOutcome(jobID string, outcome SegmentOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if job.SegmentResults == nil {
		job.SegmentResults = make(map[int]SegmentOutcome)
	}
	job.SegmentResults[outcomeIndex(outcome)] = outcome
	return nil
}

func (s *memStore) LoadJob(jobID string) (*MediaJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %s", jobID)
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) ListNonTerminal() ([]*MediaJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MediaJob
	for _, job := range s.jobs {
		if !job.State.IsTerminal() {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *memStore) state(jobID string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		return job.State
	}
	return ""
}

// indexedTranscriber fails for a controllable set of audio paths. The
// extractor embeds the segment time range in the path, so tests key failures
// off the segment start.
type indexedTranscriber struct {
	mu       sync.Mutex
	failPath func(path string) bool
	calls    []string
}

func (tr *indexedTranscriber) Transcribe(_ context.Context, path string) ([]TextSpan, error) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, path)
	fail := tr.failPath != nil && tr.failPath(path)
	tr.mu.Unlock()
	if fail {
		return nil, Transient(ErrKindServer, errors.New("upstream 503"))
	}
	return []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}}, nil
}

func (tr *indexedTranscriber) Name() string { return "indexed" }

type capturedTranscript struct {
	mu          sync.Mutex
	transcripts map[string]*MergedTranscript
}

func newCapture() *capturedTranscript {
	return &capturedTranscript{transcripts: make(map[string]*MergedTranscript)}
}

func (c *capturedTranscript) Consume(_ context.Context, job *MediaJob, t *MergedTranscript) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcripts[job.ID] = t
	return nil
}

func (c *capturedTranscript) get(jobID string) *MergedTranscript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcripts[jobID]
}

func testRunner(store Store, tr Transcriber, output OutputConsumer) *Runner {
	cfg := config.Default()
	splitter := NewSplitter(cfg.Split, nil)
	proc := NewProcessor(&fakeExtractor{}, tr, nil, fastBackoff(), 4, nil)
	merger := NewMerger(cfg.Merge)
	return NewRunner(splitter, proc, merger, store, nil, nil, output, 2, nil)
}

func splitJob(id string) *MediaJob {
	// Large enough to require a split; one hour of audio.
	return &MediaJob{
		ID:              id,
		SourcePath:      id + ".webm",
		SizeBytes:       32_600_000,
		DurationSeconds: 3600,
		FirstSeen:       time.Now(),
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	store := newMemStore()
	output := newCapture()
	runner := testRunner(store, &indexedTranscriber{}, output)

	job := splitJob("job-1")
	require.NoError(t, store.SaveJob(job))
	require.NoError(t, runner.Run(context.Background(), job))

	assert.Equal(t, StateCompleted, job.State)
	assert.Greater(t, len(job.Segments), 1)
	require.NotNil(t, output.get("job-1"))
	assert.False(t, output.get("job-1").HadPartialFailures)
	assert.Equal(t, StateCompleted, store.state("job-1"))
}

func TestRunnerResumesWithoutRedoingSegments(t *testing.T) {
	store := newMemStore()
	output := newCapture()

	// First attempt: every segment except the first fails.
	tr := &indexedTranscriber{failPath: func(path string) bool {
		return path != "job-1.webm.0-600.wav"
	}}
	runner := testRunner(store, tr, output)

	job := splitJob("job-1")
	require.NoError(t, store.SaveJob(job))
	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, KindOf(err).Retryable(), "all-transient failure is worth a job retry")

	// Reload from the store the way recovery does.
	reloaded, lerr := store.LoadJob("job-1")
	require.NoError(t, lerr)
	assert.Equal(t, 1, reloaded.SucceededSegments(), "the one success was persisted")
	firstPending := len(reloaded.PendingSegments())
	assert.Equal(t, len(reloaded.Segments)-1, firstPending)

	// Second attempt with a healthy service: only pending segments run.
	tr2 := &indexedTranscriber{}
	runner2 := testRunner(store, tr2, output)
	require.NoError(t, runner2.Run(context.Background(), reloaded))

	assert.Equal(t, StateCompleted, reloaded.State)
	assert.Len(t, tr2.calls, firstPending,
		"already-succeeded segments must not hit the model again")
	require.NotNil(t, output.get("job-1"))
}

func TestRunnerAllSegmentsFailed(t *testing.T) {
	store := newMemStore()
	tr := &indexedTranscriber{failPath: func(string) bool { return true }}
	runner := testRunner(store, tr, newCapture())

	job := splitJob("job-1")
	require.NoError(t, store.SaveJob(job))
	err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.NotEqual(t, StateCompleted, job.State)
}

func TestRunnerPartialFailureStillCompletes(t *testing.T) {
	store := newMemStore()
	output := newCapture()
	// Only the first segment fails, permanently.
	tr := &scriptedPathTranscriber{failPath: "job-1.webm.0-600.wav"}
	runner := testRunner(store, tr, output)

	job := splitJob("job-1")
	require.NoError(t, store.SaveJob(job))

	// Permanent failure on one segment: the merge still happens and the
	// transcript flags the hole.
	require.NoError(t, runner.Run(context.Background(), job))
	got := output.get("job-1")
	require.NotNil(t, got)
	assert.True(t, got.HadPartialFailures)
	assert.Equal(t, StateCompleted, job.State)
}

// scriptedPathTranscriber permanently fails one specific path.
type scriptedPathTranscriber struct {
	failPath string
}

func (tr *scriptedPathTranscriber) Transcribe(_ context.Context, path string) ([]TextSpan, error) {
	if path == tr.failPath {
		return nil, Permanent(ErrKindMalformed, errors.New("unsupported content"))
	}
	return []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}}, nil
}

func (tr *scriptedPathTranscriber) Name() string { return "scripted-path" }

func schedulerConfig() config.ProcessingConfig {
	cfg := config.Default().Processing
	cfg.Workers = 2
	cfg.MaxJobAttempts = 2
	cfg.JobRetryDelay = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerProcessesByPriority(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	var order []string
	output := consumerFunc(func(_ context.Context, job *MediaJob, _ *MergedTranscript) error {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil
	})
	runner := testRunner(store, &indexedTranscriber{}, output)

	cfg := schedulerConfig()
	cfg.Workers = 1
	sched := NewScheduler(cfg, runner, store, nil, nil, nil)

	base := time.Now()
	jobs := []*MediaJob{
		{ID: "big", SourcePath: "big.webm", SizeBytes: 200 << 20, DurationSeconds: 60, FirstSeen: base},
		{ID: "small-late", SourcePath: "s2.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: base.Add(time.Second)},
		{ID: "small-early", SourcePath: "s1.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: base},
	}
	for _, j := range jobs {
		require.NoError(t, sched.Submit(j))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	cancel()
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"small-early", "small-late", "big"}, order)
}

type consumerFunc func(ctx context.Context, job *MediaJob, t *MergedTranscript) error

func (f consumerFunc) Consume(ctx context.Context, job *MediaJob, t *MergedTranscript) error {
	return f(ctx, job, t)
}

func TestSchedulerAtMostOneInFlightPerJob(t *testing.T) {
	store := newMemStore()

	release := make(chan struct{})
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := 0
	tr := transcriberFunc(func(ctx context.Context, path string) ([]TextSpan, error) {
		mu.Lock()
		active[path]++
		if active[path] > maxActive {
			maxActive = active[path]
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		active[path]--
		mu.Unlock()
		return []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}}, nil
	})
	runner := testRunner(store, tr, newCapture())

	sched := NewScheduler(schedulerConfig(), runner, store, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	job := &MediaJob{ID: "dup", SourcePath: "dup.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: time.Now()}
	require.NoError(t, sched.Submit(job))
	// Second submit of the same ID while the first is in flight.
	dup := &MediaJob{ID: "dup", SourcePath: "dup.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: time.Now()}
	require.NoError(t, sched.Submit(dup))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(active) > 0
	})
	close(release)
	waitFor(t, 5*time.Second, func() bool {
		return store.state("dup") == StateCompleted
	})
	cancel()
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "the same audio must never be transcribed concurrently")
}

type transcriberFunc func(ctx context.Context, path string) ([]TextSpan, error)

func (f transcriberFunc) Transcribe(ctx context.Context, path string) ([]TextSpan, error) {
	return f(ctx, path)
}

func (f transcriberFunc) Name() string { return "func" }

func TestSchedulerRetriesTransientJobFailure(t *testing.T) {
	store := newMemStore()

	var mu sync.Mutex
	attempts := 0
	tr := transcriberFunc(func(_ context.Context, _ string) ([]TextSpan, error) {
		mu.Lock()
		attempts++
		failing := attempts <= 3 // exhaust the first job attempt's call budget
		mu.Unlock()
		if failing {
			return nil, Transient(ErrKindNetwork, errors.New("connection reset"))
		}
		return []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}}, nil
	})
	output := newCapture()
	runner := testRunner(store, tr, output)

	sched := NewScheduler(schedulerConfig(), runner, store, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	job := &MediaJob{ID: "flaky", SourcePath: "flaky.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: time.Now()}
	require.NoError(t, sched.Submit(job))

	waitFor(t, 10*time.Second, func() bool {
		return store.state("flaky") == StateCompleted
	})
	cancel()
	sched.Stop()

	require.NotNil(t, output.get("flaky"))
	tracked, ok := sched.Job("flaky")
	require.True(t, ok)
	assert.Equal(t, 1, tracked.Attempt, "completed on the second job attempt")
}

func TestSchedulerTerminalFailureReported(t *testing.T) {
	store := newMemStore()
	tr := transcriberFunc(func(_ context.Context, _ string) ([]TextSpan, error) {
		return nil, Permanent(ErrKindAuth, errors.New("401"))
	})
	runner := testRunner(store, tr, newCapture())

	var mu sync.Mutex
	var reported []string
	failures := reporterFunc(func(job *MediaJob) {
		mu.Lock()
		reported = append(reported, job.ID)
		mu.Unlock()
	})

	sched := NewScheduler(schedulerConfig(), runner, store, nil, failures, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	job := &MediaJob{ID: "doomed", SourcePath: "doomed.webm", SizeBytes: 1 << 20, DurationSeconds: 60, FirstSeen: time.Now()}
	require.NoError(t, sched.Submit(job))

	waitFor(t, 5*time.Second, func() bool {
		return store.state("doomed") == StateFailed
	})
	cancel()
	sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doomed"}, reported)
}

type reporterFunc func(job *MediaJob)

func (f reporterFunc) ReportFailure(job *MediaJob) { f(job) }

func TestRecoverInterrupted(t *testing.T) {
	store := newMemStore()

	// A job that died mid-processing with one segment already done.
	job := splitJob("crashed")
	job.State = StateProcessingSegments
	job.Segments = []SegmentPlan{
		{Index: 0, StartSeconds: 0, EndSeconds: 600},
		{Index: 1, StartSeconds: 598, EndSeconds: 1200, OverlapWithPrevSeconds: 2},
	}
	job.SegmentResults = map[int]SegmentOutcome{
		0: successOutcome(0,
			[]TextSpan{{StartSeconds: 1, EndSeconds: 2, Text: "before the crash"}}, nil),
	}
	require.NoError(t, store.SaveJob(job))

	tr := &indexedTranscriber{}
	output := newCapture()
	runner := testRunner(store, tr, output)
	sched := NewScheduler(schedulerConfig(), runner, store, nil, nil, nil)

	recovered, err := sched.RecoverInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	waitFor(t, 5*time.Second, func() bool {
		return store.state("crashed") == StateCompleted
	})
	cancel()
	sched.Stop()

	assert.Len(t, tr.calls, 1, "only the unresolved segment was reprocessed")
	require.NotNil(t, output.get("crashed"))
}

func TestStatusReadsDuringProcessing(t *testing.T) {
	store := newMemStore()

	release := make(chan struct{})
	tr := transcriberFunc(func(ctx context.Context, _ string) ([]TextSpan, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}}, nil
	})
	runner := testRunner(store, tr, newCapture())
	sched := NewScheduler(schedulerConfig(), runner, store, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	require.NoError(t, sched.Submit(splitJob("busy")))

	// Hammer the status surface while workers drive the job through its
	// states. The race detector flags any unlocked sharing here.
	stop := make(chan struct{})
	readsDone := make(chan struct{})
	go func() {
		defer close(readsDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			sched.Snapshot()
			sched.Stats()
			sched.Job("busy")
		}
	}()

	waitFor(t, 5*time.Second, func() bool {
		return sched.Stats().InFlight == 1
	})
	close(release)
	waitFor(t, 10*time.Second, func() bool {
		return store.state("busy") == StateCompleted
	})
	close(stop)
	<-readsDone
	cancel()
	sched.Stop()

	tracked, ok := sched.Job("busy")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, tracked.State)
}

func TestSchedulerRetryDelayDoubles(t *testing.T) {
	cfg := schedulerConfig()
	cfg.MaxJobAttempts = 5
	cfg.JobRetryDelay = 10 * time.Millisecond
	cfg.JobRetryMaxDelay = 40 * time.Millisecond
	sched := NewScheduler(cfg, nil, newMemStore(), nil, nil, nil)

	assert.Equal(t, 10*time.Millisecond, sched.retryDelay(1))
	assert.Equal(t, 20*time.Millisecond, sched.retryDelay(2))
	assert.Equal(t, 40*time.Millisecond, sched.retryDelay(3))
	assert.Equal(t, 40*time.Millisecond, sched.retryDelay(4), "delay is capped")
}

func TestSchedulerEvictsOldTerminalJobs(t *testing.T) {
	store := newMemStore()
	runner := testRunner(store, &indexedTranscriber{}, newCapture())

	cfg := schedulerConfig()
	cfg.Workers = 1
	cfg.RetainJobs = 1
	sched := NewScheduler(cfg, runner, store, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, sched.Submit(&MediaJob{
			ID:              id,
			SourcePath:      id + ".webm",
			SizeBytes:       1 << 20,
			DurationSeconds: 60,
			FirstSeen:       base.Add(time.Duration(i) * time.Second),
		}))
	}

	waitFor(t, 10*time.Second, func() bool {
		return len(sched.Snapshot()) == 1
	})
	cancel()
	sched.Stop()

	snap := sched.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "new", snap[0].ID, "the newest finished job survives eviction")
	assert.Equal(t, JobState(""), store.state("old"), "evicted jobs leave the store too")
	assert.Equal(t, JobState(""), store.state("mid"))
}

func TestSchedulerStats(t *testing.T) {
	store := newMemStore()
	runner := testRunner(store, &indexedTranscriber{}, newCapture())
	sched := NewScheduler(schedulerConfig(), runner, store, nil, nil, nil)

	require.NoError(t, sched.Submit(&MediaJob{
		ID: "waiting", SourcePath: "w.webm", SizeBytes: 1 << 20, FirstSeen: time.Now(),
	}))

	stats := sched.Stats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 0, stats.InFlight)

	snap := sched.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "waiting", snap[0].ID)
}
