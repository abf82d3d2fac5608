package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scribeworks/scribed/pkg/logger"
)

// Transcriber is the capability interface for the transcription black box.
// Returned spans are segment-local; the processor translates them to the
// global timeline. Errors must be wrapped as Transient or Permanent.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]TextSpan, error)
	Name() string
}

// Diarizer is the capability interface for the diarization black box.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string) ([]SpeakerInterval, error)
	Name() string
}

// AudioUnit is an extracted, format-normalized slice of the source audio.
// It is a scoped resource: the processor releases it on every exit path.
type AudioUnit interface {
	Path() string
	DurationSeconds() float64
	Release() error
}

// Extractor produces AudioUnits for segment plans.
type Extractor interface {
	Extract(ctx context.Context, sourcePath string, startSeconds, endSeconds float64) (AudioUnit, error)
}

// Processor runs one segment through diarization and transcription.
// Diarization is best-effort; transcription is required. Each black-box call
// carries its own retry budget, and the global in-flight call semaphore caps
// pressure on the external services independently of worker counts.
type Processor struct {
	extractor   Extractor
	transcriber Transcriber
	diarizer    Diarizer // nil disables diarization
	backoff     BackoffPolicy
	calls       *semaphore.Weighted
	log         *slog.Logger
}

// NewProcessor wires a Processor. diarizer may be nil when diarization is
// disabled; maxModelCalls caps concurrent black-box calls system-wide.
func NewProcessor(extractor Extractor, transcriber Transcriber, diarizer Diarizer, backoff BackoffPolicy, maxModelCalls int, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if maxModelCalls < 1 {
		maxModelCalls = 1
	}
	return &Processor{
		extractor:   extractor,
		transcriber: transcriber,
		diarizer:    diarizer,
		backoff:     backoff,
		calls:       semaphore.NewWeighted(int64(maxModelCalls)),
		log:         log,
	}
}

// Process extracts the segment, runs the black boxes, and offsets all
// timestamps into the global timeline. The returned outcome is terminal for
// this segment: either a result or a failure after exhausted retries.
func (p *Processor) Process(ctx context.Context, jobID, sourcePath string, plan SegmentPlan) SegmentOutcome {
	started := time.Now()
	logger.LogSegmentEvent(p.log, "extract", "start", jobID, plan.Index, 0, "")

	unit, err := p.extractor.Extract(ctx, sourcePath, plan.StartSeconds, plan.EndSeconds)
	if err != nil {
		logger.LogSegmentEvent(p.log, "extract", "error", jobID, plan.Index,
			time.Since(started).Milliseconds(), string(ErrKindExtraction))
		return failureOutcome(plan.Index, 1, fmt.Errorf("extract segment: %w", err))
	}
	defer func() {
		if rerr := unit.Release(); rerr != nil {
			p.log.Warn("release segment audio", "job_id", jobID, "segment", plan.Index, "error", rerr)
		}
	}()

	// Best-effort diarization first: its failure degrades the segment to an
	// unknown-speaker result instead of failing it.
	var intervals []SpeakerInterval
	diarizeOK := false
	if p.diarizer != nil {
		raw, attempts, derr := retryCall(ctx, p.backoff, p.calls, func(ctx context.Context) ([]SpeakerInterval, error) {
			return p.diarizer.Diarize(ctx, unit.Path())
		})
		if derr != nil {
			logger.LogSegmentEvent(p.log, "diarize", "error", jobID, plan.Index,
				time.Since(started).Milliseconds(), string(KindOf(derr)))
			p.log.Warn("diarization failed, continuing without speakers",
				"job_id", jobID, "segment", plan.Index, "attempts", attempts, "error", derr)
		} else {
			intervals = raw
			diarizeOK = true
			logger.LogSegmentEvent(p.log, "diarize", "success", jobID, plan.Index,
				time.Since(started).Milliseconds(), "")
		}
	}

	spans, attempts, terr := retryCall(ctx, p.backoff, p.calls, func(ctx context.Context) ([]TextSpan, error) {
		return p.transcriber.Transcribe(ctx, unit.Path())
	})
	if terr != nil {
		logger.LogSegmentEvent(p.log, "transcribe", "error", jobID, plan.Index,
			time.Since(started).Milliseconds(), string(KindOf(terr)))
		return failureOutcome(plan.Index, attempts, terr)
	}
	logger.LogSegmentEvent(p.log, "transcribe", "success", jobID, plan.Index,
		time.Since(started).Milliseconds(), "")

	result := &SegmentResult{SegmentIndex: plan.Index}

	// Translate to the global timeline immediately; nothing downstream
	// should ever see segment-local times.
	for _, ts := range spans {
		result.TextSpans = append(result.TextSpans, TextSpan{
			StartSeconds: ts.StartSeconds + plan.StartSeconds,
			EndSeconds:   ts.EndSeconds + plan.StartSeconds,
			Text:         ts.Text,
		})
	}
	if diarizeOK {
		for _, iv := range intervals {
			result.SpeakerIntervals = append(result.SpeakerIntervals, SpeakerInterval{
				StartSeconds: iv.StartSeconds + plan.StartSeconds,
				EndSeconds:   iv.EndSeconds + plan.StartSeconds,
				Speaker:      iv.Speaker,
				Confidence:   iv.Confidence,
			})
		}
	} else if len(result.TextSpans) > 0 {
		// Diarization unavailable: one implicit unknown-speaker interval
		// covering the whole transcribed span.
		first := result.TextSpans[0]
		last := result.TextSpans[len(result.TextSpans)-1]
		result.SpeakerIntervals = []SpeakerInterval{{
			StartSeconds: first.StartSeconds,
			EndSeconds:   last.EndSeconds,
			Speaker:      UnknownSpeaker,
			Confidence:   0,
		}}
	}

	return SegmentOutcome{Result: result}
}

func failureOutcome(index, attempts int, err error) SegmentOutcome {
	return SegmentOutcome{Failure: &SegmentFailure{
		SegmentIndex: index,
		ErrorKind:    KindOf(err),
		Attempts:     attempts,
		LastMessage:  err.Error(),
	}}
}

// retryCall runs one black-box call under the global semaphore with the
// configured backoff. Transient errors retry until the budget is spent;
// permanent errors and context cancellation short-circuit.
func retryCall[T any](ctx context.Context, policy BackoffPolicy, calls *semaphore.Weighted, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, Transient(ErrKindTimeout, err)
		}

		if err := calls.Acquire(ctx, 1); err != nil {
			return zero, attempt - 1, Transient(ErrKindTimeout, err)
		}
		result, err := fn(ctx)
		calls.Release(1)

		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, attempt, err
		}
		again, delay := policy.Next(attempt)
		if !again {
			return zero, attempt, lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, Transient(ErrKindTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}
