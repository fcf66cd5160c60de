// Package merge concatenates per-segment results into one transcript on the
// global timeline.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/backend"
	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/memory"
	"github.com/houzhh15/transcribex/internal/orchestrator"
	"github.com/houzhh15/transcribex/internal/segment"
)

// UnknownLanguage is reported when no segment detected a language.
const UnknownLanguage = "unknown"

// SegmentDetail describes how one planned segment was processed.
type SegmentDetail struct {
	SegmentID       int     `json:"segment_id"`
	StartTimeH      float64 `json:"start_time_hours"`
	EndTimeH        float64 `json:"end_time_hours"`
	ProcessingTimeS float64 `json:"processing_time"`
	Utterances      int     `json:"utterances"`
}

// Metadata is attached to every merged result.
type Metadata struct {
	TotalProcessingTimeS   float64                      `json:"total_processing_time"`
	SegmentsProcessed      int                          `json:"segments_processed"`
	SegmentProcessingTimeS float64                      `json:"total_segment_processing_time"`
	SegmentDetails         []SegmentDetail              `json:"segment_details"`
	StageTimingsS          map[string]float64           `json:"stage_timings,omitempty"`
	DegradedStages         []orchestrator.DegradedStage `json:"degraded_stages"`
	DeviceFallback         bool                         `json:"device_fallback"`
	Profile                hardware.Profile             `json:"hardware_profile"`
	ModelClass             string                       `json:"model"`
	Backend                string                       `json:"backend"`
	AudioDurationS         float64                      `json:"audio_duration"`
	Memory                 *memory.Report               `json:"memory_report,omitempty"`
}

// Result is the merged transcript.
type Result struct {
	Language           string                      `json:"language"`
	Segments           []backend.TranscriptSegment `json:"segments"`
	ProcessingMetadata Metadata                    `json:"processing_metadata"`
}

// Offset returns the shift, in seconds, applied to results of seg.
func Offset(seg segment.Segment) float64 {
	if seg.ID == 0 {
		return 0
	}
	return float64(seg.StartSample) / audio.SampleRate
}

// Merge shifts every result by the start of its planned segment and
// concatenates them in plan order. Content in the guard overlap between
// adjacent segments is kept from both sides, then the whole list is stably
// ordered by start so guard content never runs backwards. The language is
// taken from the first result.
func Merge(results []*backend.StageResult, plan segment.Plan) (*Result, error) {
	if len(results) != len(plan) {
		return nil, fmt.Errorf("merge: %d results for %d planned segments", len(results), len(plan))
	}

	merged := &Result{Language: UnknownLanguage, Segments: []backend.TranscriptSegment{}}
	for i, r := range results {
		if r == nil {
			continue
		}
		if i == 0 && r.Language != "" {
			merged.Language = r.Language
		}
		offset := Offset(plan[i])
		for _, s := range r.Clone().Segments {
			s.Start += offset
			s.End += offset
			for j := range s.Words {
				s.Words[j].Start += offset
				s.Words[j].End += offset
			}
			merged.Segments = append(merged.Segments, s)
		}
	}

	sort.SliceStable(merged.Segments, func(a, b int) bool {
		return merged.Segments[a].Start < merged.Segments[b].Start
	})

	merged.ProcessingMetadata.SegmentsProcessed = len(results)
	return merged, nil
}

// SegmentDetails builds per-segment metadata from the plan and the measured
// processing durations.
func SegmentDetails(plan segment.Plan, results []*backend.StageResult, durations []time.Duration) []SegmentDetail {
	details := make([]SegmentDetail, len(plan))
	for i, seg := range plan {
		details[i] = SegmentDetail{
			SegmentID:  seg.ID,
			StartTimeH: seg.StartTimeH,
			EndTimeH:   seg.EndTimeH,
		}
		if i < len(durations) {
			details[i].ProcessingTimeS = durations[i].Seconds()
		}
		if i < len(results) && results[i] != nil {
			details[i].Utterances = len(results[i].Segments)
		}
	}
	return details
}
