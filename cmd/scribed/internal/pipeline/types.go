// Package pipeline contains the processing core of scribed: the segment
// splitter, the per-segment processor, the timeline merger, the job state
// machine, and the scheduler that drives many jobs concurrently.
//
// All timestamps stored in pipeline types are in the global timeline of the
// original file, in seconds. Segment-local model output is offset-adjusted
// immediately on receipt, before storage, so the merger never needs to know
// about splitting arithmetic.
package pipeline

import (
	"time"
)

// UnknownSpeaker labels spans that diarization could not attribute.
const UnknownSpeaker = "unknown"

// JobState is the lifecycle state of one MediaJob.
type JobState string

const (
	StateQueued             JobState = "queued"
	StateSplitting          JobState = "splitting"
	StateProcessingSegments JobState = "processing_segments"
	StateMerging            JobState = "merging"
	StateCompleted          JobState = "completed"
	StateFailed             JobState = "failed"
	StateRetrying           JobState = "retrying"
)

// IsTerminal reports whether the state is absorbing. A job in StateFailed is
// terminal only once its retry budget is exhausted; the scheduler encodes
// that by moving retryable failures to StateRetrying instead.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MediaJob is one audio file travelling through the pipeline. The worker
// that owns a job mutates a private Clone; the scheduler's tracked instance
// is written only under the scheduler's lock so status reads never race.
type MediaJob struct {
	ID              string    `json:"id"`
	SourcePath      string    `json:"source_path"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"` // 0 until probed
	Priority        int       `json:"priority"`         // lower runs first
	State           JobState  `json:"state"`
	Attempt         int       `json:"attempt"`
	LastError       string    `json:"last_error,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	NextEligible    time.Time `json:"next_eligible"` // retry backoff gate

	Segments []SegmentPlan `json:"segments,omitempty"`
	// SegmentResults is keyed by segment index; parallel segments may finish
	// out of order, the merger re-imposes order by index.
	SegmentResults map[int]SegmentOutcome `json:"segment_results,omitempty"`
}

// Clone returns a copy whose Segments slice and SegmentResults map are
// independent of the receiver, so the worker that owns the copy can mutate
// it without racing readers of the original.
func (j *MediaJob) Clone() *MediaJob {
	copied := *j
	copied.Segments = append([]SegmentPlan(nil), j.Segments...)
	if j.SegmentResults != nil {
		copied.SegmentResults = make(map[int]SegmentOutcome, len(j.SegmentResults))
		for k, v := range j.SegmentResults {
			copied.SegmentResults[k] = v
		}
	}
	return &copied
}

// PendingSegments returns the plans that do not yet have a successful result.
// Previously failed segments are included so a job-level retry reprocesses
// them without redoing completed ones.
func (j *MediaJob) PendingSegments() []SegmentPlan {
	var pending []SegmentPlan
	for _, plan := range j.Segments {
		out, ok := j.SegmentResults[plan.Index]
		if ok && out.Result != nil {
			continue
		}
		pending = append(pending, plan)
	}
	return pending
}

// AllSegmentsResolved reports whether every planned segment has a terminal
// per-segment outcome.
func (j *MediaJob) AllSegmentsResolved() bool {
	for _, plan := range j.Segments {
		if _, ok := j.SegmentResults[plan.Index]; !ok {
			return false
		}
	}
	return len(j.Segments) > 0
}

// SucceededSegments counts segments with a successful result.
func (j *MediaJob) SucceededSegments() int {
	n := 0
	for _, out := range j.SegmentResults {
		if out.Result != nil {
			n++
		}
	}
	return n
}

// SegmentPlan is one slice of the original audio, created once by the
// splitter at job start and immutable thereafter.
type SegmentPlan struct {
	Index                  int     `json:"index"`
	StartSeconds           float64 `json:"start_seconds"`
	EndSeconds             float64 `json:"end_seconds"`
	OverlapWithPrevSeconds float64 `json:"overlap_with_prev_seconds"`
	// EstimatedDuration is set when the plan was computed without a known
	// file duration (size-only strategy) and corrected after extraction.
	EstimatedDuration bool `json:"estimated_duration,omitempty"`
}

// SpeakerInterval attributes a time range to one diarized speaker label, in
// the global timeline.
type SpeakerInterval struct {
	StartSeconds float64 `json:"start"`
	EndSeconds   float64 `json:"end"`
	Speaker      string  `json:"speaker"`
	Confidence   float64 `json:"confidence"`
}

// TextSpan is one transcribed stretch of speech, in the global timeline.
type TextSpan struct {
	StartSeconds float64 `json:"start"`
	EndSeconds   float64 `json:"end"`
	Text         string  `json:"text"`
}

// SegmentResult is the successful output of processing one segment. All
// times are global; see the package comment.
type SegmentResult struct {
	SegmentIndex     int               `json:"segment_index"`
	SpeakerIntervals []SpeakerInterval `json:"speaker_intervals"`
	TextSpans        []TextSpan        `json:"text_spans"`
}

// SegmentFailure records a segment that exhausted its retries.
type SegmentFailure struct {
	SegmentIndex int       `json:"segment_index"`
	ErrorKind    ErrorKind `json:"error_kind"`
	Attempts     int       `json:"attempts"`
	LastMessage  string    `json:"last_message"`
}

// SegmentOutcome is the tagged union of the two terminal per-segment states.
// Exactly one of Result and Failure is non-nil.
type SegmentOutcome struct {
	Result  *SegmentResult  `json:"result,omitempty"`
	Failure *SegmentFailure `json:"failure,omitempty"`
}

// Succeeded reports whether the outcome carries a result.
func (o SegmentOutcome) Succeeded() bool { return o.Result != nil }

// Utterance is one merged, speaker-attributed, time-bounded unit of text in
// the final transcript.
type Utterance struct {
	StartSeconds float64 `json:"start"`
	EndSeconds   float64 `json:"end"`
	Speaker      string  `json:"speaker"`
	Text         string  `json:"text"`
}

// MergedTranscript is the final artifact handed to the output consumer.
type MergedTranscript struct {
	Utterances         []Utterance `json:"utterances"`
	SpeakerCount       int         `json:"speaker_count"`
	TotalDuration      float64     `json:"total_duration"`
	HadPartialFailures bool        `json:"had_partial_failures"`
}
