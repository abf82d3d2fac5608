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
)

// fakeUnit tracks release so tests can assert the temp audio is always
// cleaned up.
type fakeUnit struct {
	path     string
	duration float64
	mu       sync.Mutex
	released bool
}

func (u *fakeUnit) Path() string             { return u.path }
func (u *fakeUnit) DurationSeconds() float64 { return u.duration }
func (u *fakeUnit) Release() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.released = true
	return nil
}

func (u *fakeUnit) wasReleased() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.released
}

type fakeExtractor struct {
	mu    sync.Mutex
	units []*fakeUnit
	calls int
	err   error
}

func (e *fakeExtractor) Extract(_ context.Context, sourcePath string, start, end float64) (AudioUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	unit := &fakeUnit{
		path:     fmt.Sprintf("%s.%0.f-%0.f.wav", sourcePath, start, end),
		duration: end - start,
	}
	e.units = append(e.units, unit)
	return unit, nil
}

func (e *fakeExtractor) extractCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// scriptedTranscriber fails a configured number of times before succeeding.
type scriptedTranscriber struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	spans     []TextSpan
	callCount int
}

func (tr *scriptedTranscriber) Transcribe(_ context.Context, _ string) ([]TextSpan, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.callCount++
	if tr.callCount <= tr.failures {
		return nil, tr.failWith
	}
	return tr.spans, nil
}

func (tr *scriptedTranscriber) Name() string { return "scripted" }

func (tr *scriptedTranscriber) calls() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.callCount
}

type scriptedDiarizer struct {
	intervals []SpeakerInterval
	err       error
}

func (d *scriptedDiarizer) Diarize(_ context.Context, _ string) ([]SpeakerInterval, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.intervals, nil
}

func (d *scriptedDiarizer) Name() string { return "scripted" }

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
}

func TestProcessOffsetsToGlobalTimeline(t *testing.T) {
	ext := &fakeExtractor{}
	tr := &scriptedTranscriber{spans: []TextSpan{
		{StartSeconds: 0, EndSeconds: 3, Text: "segment local"},
	}}
	dia := &scriptedDiarizer{intervals: []SpeakerInterval{
		{StartSeconds: 0, EndSeconds: 3, Speaker: "SPEAKER_00", Confidence: 0.9},
	}}
	p := NewProcessor(ext, tr, dia, fastBackoff(), 2, nil)

	plan := SegmentPlan{Index: 1, StartSeconds: 598, EndSeconds: 1200, OverlapWithPrevSeconds: 2}
	out := p.Process(context.Background(), "job-1", "a.webm", plan)

	require.True(t, out.Succeeded())
	require.Len(t, out.Result.TextSpans, 1)
	assert.Equal(t, 598.0, out.Result.TextSpans[0].StartSeconds)
	assert.Equal(t, 601.0, out.Result.TextSpans[0].EndSeconds)
	require.Len(t, out.Result.SpeakerIntervals, 1)
	assert.Equal(t, 598.0, out.Result.SpeakerIntervals[0].StartSeconds)
	require.Len(t, ext.units, 1)
	assert.True(t, ext.units[0].wasReleased())
}

func TestProcessRetriesTransientThenSucceeds(t *testing.T) {
	ext := &fakeExtractor{}
	tr := &scriptedTranscriber{
		failures: 2,
		failWith: Transient(ErrKindRateLimit, errors.New("429")),
		spans:    []TextSpan{{StartSeconds: 0, EndSeconds: 1, Text: "ok"}},
	}
	p := NewProcessor(ext, tr, nil, fastBackoff(), 2, nil)

	out := p.Process(context.Background(), "job-1", "a.webm",
		SegmentPlan{Index: 0, StartSeconds: 0, EndSeconds: 60})

	require.True(t, out.Succeeded())
	assert.Equal(t, 3, tr.calls())
}

func TestProcessTransientExhaustsBudget(t *testing.T) {
	ext := &fakeExtractor{}
	tr := &scriptedTranscriber{
		failures: 10,
		failWith: Transient(ErrKindServer, errors.New("503")),
	}
	p := NewProcessor(ext, tr, nil, fastBackoff(), 2, nil)

	out := p.Process(context.Background(), "job-1", "a.webm",
		SegmentPlan{Index: 0, StartSeconds: 0, EndSeconds: 60})

	require.False(t, out.Succeeded())
	assert.Equal(t, ErrKindServer, out.Failure.ErrorKind)
	assert.Equal(t, 3, out.Failure.Attempts)
	assert.Equal(t, 3, tr.calls(), "budget is three attempts, no more")
	require.Len(t, ext.units, 1)
	assert.True(t, ext.units[0].wasReleased(), "audio released on the failure path too")
}

func TestProcessPermanentShortCircuits(t *testing.T) {
	ext := &fakeExtractor{}
	tr := &scriptedTranscriber{
		failures: 10,
		failWith: Permanent(ErrKindAuth, errors.New("401")),
	}
	p := NewProcessor(ext, tr, nil, fastBackoff(), 2, nil)

	out := p.Process(context.Background(), "job-1", "a.webm",
		SegmentPlan{Index: 0, StartSeconds: 0, EndSeconds: 60})

	require.False(t, out.Succeeded())
	assert.Equal(t, ErrKindAuth, out.Failure.ErrorKind)
	assert.Equal(t, 1, tr.calls(), "permanent errors must not be retried")
}

func TestProcessDiarizationFailureDegrades(t *testing.T) {
	ext := &fakeExtractor{}
	tr := &scriptedTranscriber{spans: []TextSpan{
		{StartSeconds: 1, EndSeconds: 4, Text: "who said this"},
		{StartSeconds: 5, EndSeconds: 8, Text: "nobody knows"},
	}}
	dia := &scriptedDiarizer{err: Permanent(ErrKindServer, errors.New("model load failed"))}
	p := NewProcessor(ext, tr, dia, fastBackoff(), 2, nil)

	out := p.Process(context.Background(), "job-1", "a.webm",
		SegmentPlan{Index: 0, StartSeconds: 100, EndSeconds: 160})

	require.True(t, out.Succeeded(), "diarization failure must not fail the segment")
	require.Len(t, out.Result.SpeakerIntervals, 1)
	iv := out.Result.SpeakerIntervals[0]
	assert.Equal(t, UnknownSpeaker, iv.Speaker)
	assert.Equal(t, 101.0, iv.StartSeconds)
	assert.Equal(t, 108.0, iv.EndSeconds)
}

func TestProcessExtractionFailure(t *testing.T) {
	ext := &fakeExtractor{err: errors.New("ffmpeg: invalid data")}
	tr := &scriptedTranscriber{}
	p := NewProcessor(ext, tr, nil, fastBackoff(), 2, nil)

	out := p.Process(context.Background(), "job-1", "a.webm",
		SegmentPlan{Index: 0, StartSeconds: 0, EndSeconds: 60})

	require.False(t, out.Succeeded())
	assert.Equal(t, 0, tr.calls(), "no model call without audio")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Max: 60 * time.Second, MaxAttempts: 10}

	var delays []time.Duration
	for attempt := 1; attempt < 9; attempt++ {
		again, d := policy.Next(attempt)
		require.True(t, again)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}, delays)

	again, _ := policy.Next(10)
	assert.False(t, again, "budget exhausted")
}
