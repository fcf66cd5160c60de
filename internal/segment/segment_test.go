package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/transcribex/internal/memory"
)

const samplesPerHour = 16000 * 3600

func TestWholeInputFits(t *testing.T) {
	plan := Build(samplesPerHour/2, "base", 4, 8)
	require.Len(t, plan, 1)
	assert.Equal(t, 0, plan[0].StartSample)
	assert.Equal(t, samplesPerHour/2, plan[0].EndSample)
	assert.InDelta(t, 0.5, plan[0].EndTimeH, 1e-12)
}

func TestThreeHourLargeModelScenario(t *testing.T) {
	plan := Build(3*samplesPerHour, "large", 16, 8)

	require.Len(t, plan, 12)
	assert.Equal(t, 0, plan[0].StartSample)
	assert.Equal(t, samplesPerHour/4+DefaultGuardSamples, plan[0].EndSample)
	assert.Equal(t, samplesPerHour/4-DefaultGuardSamples, plan[1].StartSample)
	assert.Equal(t, 3*samplesPerHour, plan[11].EndSample)
	for i, s := range plan {
		assert.Equal(t, i, s.ID)
	}
}

func TestSegmentLengthFloor(t *testing.T) {
	p := DefaultPlanner()
	for _, threshold := range []float64{0.5, 2, 6, 8, 11, 14} {
		for _, model := range []string{"base", "medium", "large-v3"} {
			l := p.SegmentLength(6, model, 32, threshold)
			assert.GreaterOrEqual(t, l, MinSegmentHours, "model %s threshold %v", model, threshold)
		}
	}
}

func TestSegmentLengthShrinksUnderBudget(t *testing.T) {
	// small: 2 + 0.6h + 1.6; 1h needs 4.2 > 0.8*4.5, 0.8h needs 4.08 > 3.6 ...
	l := DefaultPlanner().SegmentLength(5, "small", 16, 4.5)
	assert.Less(t, l, 1.0)
	assert.GreaterOrEqual(t, l, MinSegmentHours)

	// generous budget keeps the 1h start
	l = DefaultPlanner().SegmentLength(30, "base", 4, 14)
	assert.Equal(t, 1.0, l)
}

func TestMaxSegmentHoursCap(t *testing.T) {
	p := DefaultPlanner()
	p.MaxSegmentHours = 0.5
	assert.Equal(t, 0.5, p.SegmentLength(30, "base", 4, 14))

	p.MaxSegmentHours = 0.1
	assert.Equal(t, MinSegmentHours, p.SegmentLength(30, "base", 4, 14))

	// cap does not split input that fits
	require.Len(t, p.Plan(samplesPerHour, "base", 4, 14), 1)
}

func TestPlanCoverageAndOverlap(t *testing.T) {
	p := DefaultPlanner()
	for _, total := range []int{3 * samplesPerHour, 3*samplesPerHour + 12345, 7*samplesPerHour + 1} {
		plan := p.Plan(total, "large-v2", 16, 8)
		require.NotEmpty(t, plan)
		assert.Equal(t, 0, plan[0].StartSample)
		assert.Equal(t, total, plan[len(plan)-1].EndSample)

		for i := 1; i < len(plan); i++ {
			prev, cur := plan[i-1], plan[i]
			assert.Less(t, prev.StartSample, cur.StartSample)
			overlap := prev.EndSample - cur.StartSample
			assert.GreaterOrEqual(t, overlap, 0, "gap between %d and %d", i-1, i)
			assert.LessOrEqual(t, overlap, 2*DefaultGuardSamples)
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	a := Build(5*samplesPerHour+77, "medium", 8, 6)
	b := Build(5*samplesPerHour+77, "medium", 8, 6)
	assert.Equal(t, a, b)
}

func TestPlanRemainderAbsorbedByLastSegment(t *testing.T) {
	total := samplesPerHour + samplesPerHour/8 // 1.125h
	plan := Build(total, "large", 16, 8)
	require.Len(t, plan, 4)
	last := plan[3]
	assert.Equal(t, total, last.EndSample)
	assert.Equal(t, samplesPerHour/4*3-DefaultGuardSamples, last.StartSample)
}

func TestPlanSplitsWhenChosenLengthExceedsHalfTheInput(t *testing.T) {
	// base, batch 1: 1.9h estimates 2.24GB, a 1h segment 1.7GB
	total := samplesPerHour * 19 / 10
	plan := Build(total, "base", 1, 2.2)

	require.Len(t, plan, 2)
	assert.Equal(t, samplesPerHour+DefaultGuardSamples, plan[0].EndSample)
	assert.Equal(t, samplesPerHour-DefaultGuardSamples, plan[1].StartSample)
	assert.Equal(t, total, plan[1].EndSample)
	for _, s := range plan {
		assert.LessOrEqual(t, memory.Estimate(s.DurationHours(), "base", 1), 2.2, "segment %d", s.ID)
		assert.GreaterOrEqual(t, s.DurationHours(), MinSegmentHours)
	}
}

func TestPlanKeepsShortInputWholeAtTheFloor(t *testing.T) {
	// over budget even at the floor length, but a split would leave a tail under 0.25h
	total := samplesPerHour * 4 / 10
	plan := Build(total, "base", 1, 0.5)
	require.Len(t, plan, 1)
	assert.Equal(t, total, plan[0].EndSample)
}

func TestPlanEmptyInput(t *testing.T) {
	assert.Empty(t, Build(0, "base", 4, 8))
}
