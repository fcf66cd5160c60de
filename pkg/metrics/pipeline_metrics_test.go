package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordPipelineRun(t *testing.T) {
	pipelineRunsTotal.Reset()

	RecordPipelineRun("success")
	RecordPipelineRun("success")
	RecordPipelineRun("failed")

	metric := &dto.Metric{}
	if err := pipelineRunsTotal.WithLabelValues("success").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected counter value 2, got %f", metric.Counter.GetValue())
	}

	if got := testutil.ToFloat64(pipelineRunsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected failed runs 1, got %f", got)
	}
}

func TestRecordStageDuration(t *testing.T) {
	stageDuration.Reset()

	RecordStageDuration("transcribe", 12.5)
	RecordStageDuration("transcribe", 0.5)

	metric := &dto.Metric{}
	observer := stageDuration.WithLabelValues("transcribe")
	if err := observer.(interface{ Write(*dto.Metric) error }).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("Expected 2 samples, got %d", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() != 13 {
		t.Errorf("Expected sum 13, got %f", metric.Histogram.GetSampleSum())
	}
}

func TestRecordStageErrorAndFallback(t *testing.T) {
	stageErrorsTotal.Reset()
	fallbackEventsTotal.Reset()

	RecordStageError("align", "ALIGNMENT_FAILED")
	RecordFallbackEvent("cuda", "cpu")

	if got := testutil.ToFloat64(stageErrorsTotal.WithLabelValues("align", "ALIGNMENT_FAILED")); got != 1 {
		t.Errorf("Expected 1 align error, got %f", got)
	}
	if got := testutil.ToFloat64(fallbackEventsTotal.WithLabelValues("cuda", "cpu")); got != 1 {
		t.Errorf("Expected 1 fallback event, got %f", got)
	}
}

func TestMemoryMetrics(t *testing.T) {
	memoryUsageGB.Reset()
	memoryPressureTotal.Reset()

	SetMemoryUsage(3, 5, 8)
	RecordMemoryPressure("critical")
	RecordSegment("degraded")

	if got := testutil.ToFloat64(memoryUsageGB.WithLabelValues("combined")); got != 8 {
		t.Errorf("Expected combined 8, got %f", got)
	}
	if got := testutil.ToFloat64(memoryPressureTotal.WithLabelValues("critical")); got != 1 {
		t.Errorf("Expected 1 critical event, got %f", got)
	}
	if got := testutil.ToFloat64(segmentsProcessedTotal.WithLabelValues("degraded")); got < 1 {
		t.Errorf("Expected degraded segment counted, got %f", got)
	}
}
