package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-dedup/simhash"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
)

// gapPlaceholderText marks the time range of a permanently failed segment in
// the final transcript, so downstream consumers see an honest hole rather
// than silently shortened output.
const gapPlaceholderText = "[transcription unavailable for this section]"

// Merger stitches per-segment results into one global, time-monotonic,
// deduplicated, speaker-continuous transcript. Given the same inputs the
// output is byte-identical: all tie-breaking is by segment index, never by
// wall clock or randomness.
type Merger struct {
	cfg config.MergeConfig
}

// NewMerger builds a Merger from validated configuration.
func NewMerger(cfg config.MergeConfig) *Merger {
	return &Merger{cfg: cfg}
}

// annotated carries the originating segment index through sorting and
// deduplication so ties break deterministically.
type annotatedSpan struct {
	TextSpan
	segment int
}

type annotatedInterval struct {
	SpeakerInterval
	segment int
}

// Merge produces the final transcript from the ordered per-segment outcomes.
// Failed segments contribute a gap placeholder covering their planned range
// and set HadPartialFailures.
func (m *Merger) Merge(jobID string, outcomes map[int]SegmentOutcome, plans []SegmentPlan) (*MergedTranscript, error) {
	var spans []annotatedSpan
	var intervals []annotatedInterval
	var failedPlans []SegmentPlan
	totalDuration := 0.0

	for _, plan := range plans {
		if plan.EndSeconds > totalDuration {
			totalDuration = plan.EndSeconds
		}
		out, ok := outcomes[plan.Index]
		if !ok {
			return nil, &MergeError{JobID: jobID, Detail: fmt.Sprintf("segment %d has no outcome", plan.Index)}
		}
		if out.Failure != nil {
			failedPlans = append(failedPlans, plan)
			continue
		}
		res := out.Result
		for _, ts := range res.TextSpans {
			if ts.EndSeconds < ts.StartSeconds {
				return nil, &MergeError{JobID: jobID, Detail: fmt.Sprintf(
					"segment %d text span ends (%.3f) before it starts (%.3f)", plan.Index, ts.EndSeconds, ts.StartSeconds)}
			}
			spans = append(spans, annotatedSpan{TextSpan: ts, segment: plan.Index})
		}
		for _, iv := range res.SpeakerIntervals {
			if iv.EndSeconds < iv.StartSeconds {
				return nil, &MergeError{JobID: jobID, Detail: fmt.Sprintf(
					"segment %d speaker interval ends (%.3f) before it starts (%.3f)", plan.Index, iv.EndSeconds, iv.StartSeconds)}
			}
			intervals = append(intervals, annotatedInterval{SpeakerInterval: iv, segment: plan.Index})
		}
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].StartSeconds != spans[j].StartSeconds {
			return spans[i].StartSeconds < spans[j].StartSeconds
		}
		return spans[i].segment < spans[j].segment
	})
	sort.SliceStable(intervals, func(i, j int) bool {
		if intervals[i].StartSeconds != intervals[j].StartSeconds {
			return intervals[i].StartSeconds < intervals[j].StartSeconds
		}
		return intervals[i].segment < intervals[j].segment
	})

	spans = m.dedupSpans(spans)
	intervals = m.smoothSpeakers(m.dedupIntervals(intervals))

	utterances := m.assembleUtterances(spans, intervals)

	// Represent every failed segment's range as an explicit hole.
	for _, plan := range failedPlans {
		utterances = append(utterances, Utterance{
			StartSeconds: plan.StartSeconds + plan.OverlapWithPrevSeconds,
			EndSeconds:   plan.EndSeconds,
			Speaker:      UnknownSpeaker,
			Text:         gapPlaceholderText,
		})
	}
	sort.SliceStable(utterances, func(i, j int) bool {
		return utterances[i].StartSeconds < utterances[j].StartSeconds
	})

	speakers := map[string]bool{}
	for _, u := range utterances {
		if u.Speaker != UnknownSpeaker {
			speakers[u.Speaker] = true
		}
	}

	return &MergedTranscript{
		Utterances:         utterances,
		SpeakerCount:       len(speakers),
		TotalDuration:      totalDuration,
		HadPartialFailures: len(failedPlans) > 0,
	}, nil
}

// dedupSpans collapses near-duplicate overlapping text spans at segment
// seams, keeping the longer entry (earlier segment on a tie). Without this,
// every seam would contain doubled text from the overlap window.
func (m *Merger) dedupSpans(spans []annotatedSpan) []annotatedSpan {
	tol := m.cfg.OverlapTolerance.Seconds()
	out := spans[:0]
	for _, cur := range spans {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			overlap := prev.EndSeconds - cur.StartSeconds
			if overlap > tol && m.nearDuplicate(prev.Text, cur.Text) {
				if keepSecond(prev.duration(), cur.duration(), prev.segment, cur.segment) {
					out[len(out)-1] = cur
				}
				continue
			}
		}
		out = append(out, cur)
	}
	return out
}

func (a annotatedSpan) duration() float64 { return a.EndSeconds - a.StartSeconds }

func (a annotatedInterval) duration() float64 { return a.EndSeconds - a.StartSeconds }

// keepSecond decides which of two near-duplicates survives: the longer one,
// or on a duration tie the one from the earlier segment.
func keepSecond(firstDur, secondDur float64, firstSeg, secondSeg int) bool {
	if secondDur != firstDur {
		return secondDur > firstDur
	}
	return secondSeg < firstSeg
}

// dedupIntervals removes speaker intervals duplicated across a seam: same
// label, overlapping beyond tolerance.
func (m *Merger) dedupIntervals(intervals []annotatedInterval) []annotatedInterval {
	tol := m.cfg.OverlapTolerance.Seconds()
	out := intervals[:0]
	for _, cur := range intervals {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			overlap := prev.EndSeconds - cur.StartSeconds
			if overlap > tol && prev.Speaker == cur.Speaker {
				if keepSecond(prev.duration(), cur.duration(), prev.segment, cur.segment) {
					out[len(out)-1] = cur
				}
				continue
			}
		}
		out = append(out, cur)
	}
	return out
}

// smoothSpeakers merges adjacent same-speaker intervals separated by less
// than the configured gap. Labels are raw model output scoped to this run;
// no global re-clustering happens here.
func (m *Merger) smoothSpeakers(intervals []annotatedInterval) []annotatedInterval {
	gap := m.cfg.SpeakerGap.Seconds()
	out := intervals[:0]
	for _, cur := range intervals {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Speaker == cur.Speaker && cur.StartSeconds-prev.EndSeconds < gap {
				if cur.EndSeconds > prev.EndSeconds {
					prev.EndSeconds = cur.EndSeconds
				}
				if cur.Confidence < prev.Confidence {
					prev.Confidence = cur.Confidence
				}
				continue
			}
		}
		out = append(out, cur)
	}
	return out
}

// assembleUtterances attributes each text span to the speaker interval with
// the greatest time overlap, then merges adjacent same-speaker utterances
// within the configured gap.
func (m *Merger) assembleUtterances(spans []annotatedSpan, intervals []annotatedInterval) []Utterance {
	gap := m.cfg.UtteranceGap.Seconds()

	var utterances []Utterance
	for _, span := range spans {
		speaker := m.attributeSpeaker(span, intervals)

		if len(utterances) > 0 {
			last := &utterances[len(utterances)-1]
			if last.Speaker == speaker && span.StartSeconds-last.EndSeconds < gap {
				last.Text = joinText(last.Text, span.Text)
				if span.EndSeconds > last.EndSeconds {
					last.EndSeconds = span.EndSeconds
				}
				continue
			}
		}
		utterances = append(utterances, Utterance{
			StartSeconds: span.StartSeconds,
			EndSeconds:   span.EndSeconds,
			Speaker:      speaker,
			Text:         strings.TrimSpace(span.Text),
		})
	}
	return utterances
}

// attributeSpeaker picks the interval with the greatest overlap against the
// span. No overlapping interval means the span came from a segment whose
// diarization failed; it is attributed to the unknown speaker.
func (m *Merger) attributeSpeaker(span annotatedSpan, intervals []annotatedInterval) string {
	best := UnknownSpeaker
	bestOverlap := 0.0
	for _, iv := range intervals {
		if iv.StartSeconds >= span.EndSeconds {
			break
		}
		start := span.StartSeconds
		if iv.StartSeconds > start {
			start = iv.StartSeconds
		}
		end := span.EndSeconds
		if iv.EndSeconds < end {
			end = iv.EndSeconds
		}
		if overlap := end - start; overlap > bestOverlap {
			bestOverlap = overlap
			best = iv.Speaker
		}
	}
	return best
}

func joinText(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

// nearDuplicate checks whether two texts repeat the same content: trimmed
// case-insensitive containment first, then simhash hamming distance for
// fuzzier repeats with small transcription differences.
func (m *Merger) nearDuplicate(a, b string) bool {
	na := normalizeText(a)
	nb := normalizeText(b)
	if na == "" || nb == "" {
		return false
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	dist := hammingDistance(textFingerprint(na), textFingerprint(nb))
	return dist <= m.cfg.SimhashThreshold
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// spanFeatures implements simhash.FeatureSet over word bigrams, which work
// better than single words for short transcription snippets.
type spanFeatures struct {
	text string
}

func (f spanFeatures) GetFeatures() []simhash.Feature {
	words := strings.Fields(f.text)
	if len(words) == 0 {
		return []simhash.Feature{}
	}
	features := make([]simhash.Feature, 0, len(words)*2-1)
	for _, w := range words {
		features = append(features, simhash.NewFeature([]byte(w)))
	}
	for i := 0; i < len(words)-1; i++ {
		features = append(features, simhash.NewFeature([]byte(words[i]+" "+words[i+1])))
	}
	return features
}

func textFingerprint(text string) uint64 {
	sh := simhash.NewSimhash()
	return sh.GetSimhash(spanFeatures{text: text})
}

// hammingDistance counts differing bits between two fingerprints.
func hammingDistance(h1, h2 uint64) int {
	x := h1 ^ h2
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}
