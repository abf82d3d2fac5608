package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
)

// SilenceProbe yields candidate cut points: timestamps (seconds) where the
// audio stayed below an amplitude threshold for at least a minimum duration.
// A nil probe, or a probe error, disables the silence-guided strategy.
type SilenceProbe interface {
	SilencePoints(ctx context.Context, sourcePath string) ([]float64, error)
}

// assumedBytesPerSecond estimates durations for the size-only strategy when
// the container's metadata is unreadable. 32 kB/s corresponds to a typical
// compressed voice recording; actual durations are corrected after
// extraction.
const assumedBytesPerSecond = 32_000

// Splitter computes segment plans. Deterministic given the same inputs.
type Splitter struct {
	cfg config.SplitConfig
	log *slog.Logger
}

// NewSplitter builds a Splitter from validated configuration.
func NewSplitter(cfg config.SplitConfig, log *slog.Logger) *Splitter {
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{cfg: cfg, log: log}
}

// Plan decides whether the input must be split and computes segment
// boundaries using the strategy fallback chain:
//
//  1. no split when the whole file fits under the size ceiling
//  2. silence-guided cuts when duration is known and a probe is available
//  3. time-based chunks of a target duration
//  4. equal-byte pieces when the duration is unknown
//
// Every split inserts a fixed overlap window by extending each segment's
// start backward (except segment 0). Returns ErrEmptyInput when no strategy
// yields a plan with at least one segment.
func (s *Splitter) Plan(ctx context.Context, sourcePath string, durationSeconds float64, sizeBytes int64, probe SilenceProbe) ([]SegmentPlan, error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("plan %s: %w", sourcePath, ErrEmptyInput)
	}

	// Strategy 1: the common case must incur zero splitting overhead. An
	// unreadable duration still needs a non-empty span, so it is estimated
	// from the size like the size-only strategy does.
	if sizeBytes <= s.cfg.MaxSegmentBytes {
		plan := SegmentPlan{Index: 0, StartSeconds: 0, EndSeconds: durationSeconds}
		if durationSeconds <= 0 {
			plan.EndSeconds = float64(sizeBytes) / assumedBytesPerSecond
			plan.EstimatedDuration = true
		}
		return []SegmentPlan{plan}, nil
	}

	if durationSeconds <= 0 {
		return s.planBySize(sizeBytes), nil
	}

	// Strategy 2: snap cuts to detected silence where we can.
	if probe != nil {
		candidates, err := probe.SilencePoints(ctx, sourcePath)
		if err != nil {
			s.log.Warn("silence probe failed, falling back to time-based split",
				"source", sourcePath, "error", err)
		} else if len(candidates) > 0 {
			if plans := s.planBySilence(durationSeconds, sizeBytes, candidates); len(plans) > 0 {
				return plans, nil
			}
		}
	}

	// Strategy 3: plain time-based chunks.
	return s.planByTime(durationSeconds, sizeBytes), nil
}

// cutPoints converts a sorted list of cut timestamps (exclusive of 0 and the
// total duration) into overlapped segment plans.
func (s *Splitter) plansFromCuts(cuts []float64, durationSeconds float64) []SegmentPlan {
	overlap := s.cfg.Overlap.Seconds()
	bounds := append([]float64{0}, cuts...)
	bounds = append(bounds, durationSeconds)

	plans := make([]SegmentPlan, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		start := bounds[i]
		end := bounds[i+1]
		var ov float64
		if i > 0 && overlap > 0 {
			ov = math.Min(overlap, start)
			start -= ov
		}
		plans = append(plans, SegmentPlan{
			Index:                  i,
			StartSeconds:           start,
			EndSeconds:             end,
			OverlapWithPrevSeconds: ov,
		})
	}
	return plans
}

// planBySilence walks forward accumulating estimated bytes until the running
// total would exceed the ceiling, then snaps the cut to the nearest silence
// candidate within the snap window. Cuts with no candidate in range fall
// back to the raw time-based position for that cut only.
func (s *Splitter) planBySilence(durationSeconds float64, sizeBytes int64, candidates []float64) []SegmentPlan {
	bytesPerSecond := float64(sizeBytes) / durationSeconds
	maxSpan := s.spanSeconds(bytesPerSecond)
	if maxSpan <= 0 || maxSpan >= durationSeconds {
		return nil
	}
	window := s.cfg.SnapWindow.Seconds()
	minDur := s.cfg.MinDuration.Seconds()

	var cuts []float64
	pos := 0.0
	for durationSeconds-pos > maxSpan {
		target := pos + maxSpan
		cut := target
		if snapped, ok := nearestWithin(candidates, target, window); ok && snapped > pos+minDur {
			cut = snapped
		}
		if cut <= pos || cut >= durationSeconds {
			break
		}
		cuts = append(cuts, cut)
		pos = cut
	}

	// Remainder below the duration floor merges into the previous chunk.
	if len(cuts) > 0 && durationSeconds-cuts[len(cuts)-1] < minDur {
		cuts = cuts[:len(cuts)-1]
	}
	if len(cuts) == 0 {
		return nil
	}
	return s.plansFromCuts(cuts, durationSeconds)
}

// planByTime divides [0, duration] into chunks of the target duration,
// clamped so each chunk's estimated size stays under the ceiling. The last
// chunk absorbs any remainder below the duration floor.
func (s *Splitter) planByTime(durationSeconds float64, sizeBytes int64) []SegmentPlan {
	bytesPerSecond := float64(sizeBytes) / durationSeconds
	span := s.spanSeconds(bytesPerSecond)
	if span <= 0 {
		span = s.cfg.TargetDuration.Seconds()
	}
	minDur := s.cfg.MinDuration.Seconds()

	var cuts []float64
	for pos := span; pos < durationSeconds; pos += span {
		cuts = append(cuts, pos)
	}
	if len(cuts) > 0 && durationSeconds-cuts[len(cuts)-1] < minDur {
		cuts = cuts[:len(cuts)-1]
	}
	return s.plansFromCuts(cuts, durationSeconds)
}

// planBySize divides raw bytes into equal pieces when the duration is
// unknown. Durations are estimated from an assumed bitrate and flagged for
// post-hoc correction.
func (s *Splitter) planBySize(sizeBytes int64) []SegmentPlan {
	pieces := int(math.Ceil(float64(sizeBytes) / float64(s.cfg.MaxSegmentBytes)))
	if pieces < 1 {
		pieces = 1
	}
	estTotal := float64(sizeBytes) / assumedBytesPerSecond
	span := estTotal / float64(pieces)
	overlap := s.cfg.Overlap.Seconds()

	plans := make([]SegmentPlan, 0, pieces)
	for i := 0; i < pieces; i++ {
		start := float64(i) * span
		end := float64(i+1) * span
		if i == pieces-1 {
			end = estTotal
		}
		var ov float64
		if i > 0 && overlap > 0 {
			ov = math.Min(overlap, start)
			start -= ov
		}
		plans = append(plans, SegmentPlan{
			Index:                  i,
			StartSeconds:           start,
			EndSeconds:             end,
			OverlapWithPrevSeconds: ov,
			EstimatedDuration:      true,
		})
	}
	return plans
}

// spanSeconds converts the byte ceiling into a per-segment duration cap,
// bounded above by the configured target duration.
func (s *Splitter) spanSeconds(bytesPerSecond float64) float64 {
	if bytesPerSecond <= 0 {
		return s.cfg.TargetDuration.Seconds()
	}
	span := float64(s.cfg.MaxSegmentBytes) / bytesPerSecond
	// Keep a margin so overlap extension cannot push a segment over the
	// payload ceiling.
	span -= s.cfg.Overlap.Seconds()
	if target := s.cfg.TargetDuration.Seconds(); span > target {
		span = target
	}
	return span
}

// nearestWithin returns the candidate closest to target if it lies within
// the window, preferring earlier candidates on exact ties.
func nearestWithin(candidates []float64, target, window float64) (float64, bool) {
	best := 0.0
	bestDist := math.Inf(1)
	found := false
	for _, c := range candidates {
		d := math.Abs(c - target)
		if d <= window && d < bestDist {
			best, bestDist, found = c, d, true
		}
	}
	return best, found
}
