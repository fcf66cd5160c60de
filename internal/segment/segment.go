// Package segment splits long audio into contiguous, memory-bounded segments.
package segment

import (
	"math"

	"github.com/houzhh15/transcribex/internal/audio"
	"github.com/houzhh15/transcribex/internal/memory"
)

const (
	// DefaultGuardSamples is the overlap added on each side of an interior
	// boundary (50 ms at 16 kHz).
	DefaultGuardSamples = 800
	// MinSegmentHours is the shortest segment the planner will produce.
	MinSegmentHours = 0.25

	initialSegmentHours = 1.0
	shrinkFactor        = 0.8
	// target segments estimate below this share of the threshold
	headroomRatio = 0.8
)

// Segment is one contiguous slice of the input, in samples and hours.
type Segment struct {
	ID          int     `json:"segment_id"`
	StartSample int     `json:"start_sample"`
	EndSample   int     `json:"end_sample"`
	StartTimeH  float64 `json:"start_time_hours"`
	EndTimeH    float64 `json:"end_time_hours"`
}

// Len returns the number of samples in the segment.
func (s Segment) Len() int { return s.EndSample - s.StartSample }

// DurationHours returns the segment length in hours.
func (s Segment) DurationHours() float64 { return s.EndTimeH - s.StartTimeH }

// Plan is the ordered list of segments covering an input.
type Plan []Segment

// TotalSamples returns the end sample of the last segment.
func (p Plan) TotalSamples() int {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].EndSample
}

// Planner computes segment plans. The zero value is usable and behaves like
// DefaultPlanner.
type Planner struct {
	SampleRate   int
	GuardSamples int
	// MaxSegmentHours caps the segment length once splitting is required.
	// Zero disables the cap.
	MaxSegmentHours float64
}

// DefaultPlanner returns a planner for 16 kHz input with a 50 ms guard.
func DefaultPlanner() Planner {
	return Planner{SampleRate: audio.SampleRate, GuardSamples: DefaultGuardSamples}
}

func (p Planner) rate() int {
	if p.SampleRate <= 0 {
		return audio.SampleRate
	}
	return p.SampleRate
}

func (p Planner) guard() int {
	if p.GuardSamples < 0 {
		return 0
	}
	if p.GuardSamples == 0 && p.SampleRate == 0 {
		return DefaultGuardSamples
	}
	return p.GuardSamples
}

// NeedsSegmentation reports whether processing hours of audio in one piece
// would exceed thresholdGB.
func NeedsSegmentation(hours float64, model string, batch int, thresholdGB float64) bool {
	return memory.Estimate(hours, model, batch) > thresholdGB
}

// SegmentLength returns the segment length in hours for the given input. It
// returns hours unchanged when the whole input fits under thresholdGB.
func (p Planner) SegmentLength(hours float64, model string, batch int, thresholdGB float64) float64 {
	if !NeedsSegmentation(hours, model, batch, thresholdGB) {
		return hours
	}

	target := initialSegmentHours
	for memory.Estimate(target, model, batch) > thresholdGB*headroomRatio && target > MinSegmentHours {
		target *= shrinkFactor
	}
	if p.MaxSegmentHours > 0 && target > p.MaxSegmentHours {
		target = p.MaxSegmentHours
	}
	return math.Max(target, MinSegmentHours)
}

// Plan lays out totalSamples into segments. The result is deterministic; its
// union is [0, totalSamples) and adjacent segments overlap by at most twice
// the guard.
func (p Planner) Plan(totalSamples int, model string, batch int, thresholdGB float64) Plan {
	if totalSamples <= 0 {
		return nil
	}
	rate := p.rate()
	hours := float64(totalSamples) / float64(rate) / 3600
	whole := Plan{p.segment(0, 0, totalSamples)}
	if !NeedsSegmentation(hours, model, batch, thresholdGB) {
		return whole
	}

	length := p.SegmentLength(hours, model, batch, thresholdGB)
	lenSamples := int(math.Round(length * 3600 * float64(rate)))
	if lenSamples <= 0 || lenSamples >= totalSamples {
		return whole
	}

	// 超出预算时至少切成两段，除非尾段会短于下限
	count := totalSamples / lenSamples
	if count < 2 {
		minSamples := int(math.Round(MinSegmentHours * 3600 * float64(rate)))
		if totalSamples-lenSamples < minSamples {
			return whole
		}
		count = 2
	}
	guard := p.guard()
	plan := make(Plan, 0, count)
	for i := 0; i < count; i++ {
		start := i * lenSamples
		end := (i + 1) * lenSamples
		if i == count-1 {
			end = totalSamples
		}
		if i > 0 {
			start = max(0, start-guard)
		}
		if i < count-1 {
			end = min(totalSamples, end+guard)
		}
		plan = append(plan, p.segment(i, start, end))
	}
	return plan
}

func (p Planner) segment(id, start, end int) Segment {
	perHour := float64(p.rate()) * 3600
	return Segment{
		ID:          id,
		StartSample: start,
		EndSample:   end,
		StartTimeH:  float64(start) / perHour,
		EndTimeH:    float64(end) / perHour,
	}
}

// Build plans with DefaultPlanner.
func Build(totalSamples int, model string, batch int, thresholdGB float64) Plan {
	return DefaultPlanner().Plan(totalSamples, model, batch, thresholdGB)
}
