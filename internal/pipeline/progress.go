package pipeline

import "sync"

// ProgressFunc receives overall progress in [0,1] and a short status message.
// Successive values never decrease.
type ProgressFunc func(progress float64, message string)

// Top-level progress checkpoints. Segment work is spread over
// [segmentsStart, segmentsStart+segmentsSpan).
const (
	progressLoading       = 0.05
	progressPlanned       = 0.08
	progressSegmentsStart = 0.1
	progressSegmentsSpan  = 0.8
	progressMerging       = 0.95
	progressComplete      = 1.0
)

// monotoneReporter forwards progress, holding the value at its maximum so a
// late or out-of-order report never moves it backwards.
type monotoneReporter struct {
	fn   ProgressFunc
	mu   sync.Mutex
	last float64
}

func newReporter(fn ProgressFunc) *monotoneReporter {
	return &monotoneReporter{fn: fn}
}

func (r *monotoneReporter) report(progress float64, message string) {
	if r.fn == nil {
		return
	}
	progress = min(max(progress, 0), 1)

	r.mu.Lock()
	if progress < r.last {
		progress = r.last
	}
	r.last = progress
	r.mu.Unlock()

	r.fn(progress, message)
}

// segmentScale maps a fraction of segment i of n onto the overall range.
func segmentScale(i, n int) (base, span float64) {
	span = progressSegmentsSpan / float64(n)
	base = progressSegmentsStart + float64(i)/float64(n)*progressSegmentsSpan
	return base, span
}
