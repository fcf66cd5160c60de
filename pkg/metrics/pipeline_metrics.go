// Package metrics provides Prometheus metrics for the transcription pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline metrics
var (
	// pipelineRunsTotal records finished Process calls.
	// Labels:
	//   - status: "success", "failed" or "cancelled"
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_pipeline_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"},
	)

	// segmentsProcessedTotal records segments that went through the stage sequence.
	// Labels:
	//   - status: "success", "degraded" or "failed"
	segmentsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_segments_processed_total",
			Help: "Total number of audio segments processed",
		},
		[]string{"status"},
	)

	// stageDuration records the duration of a single stage call.
	// Labels:
	//   - stage: "load", "transcribe", "align", "diarize", "merge"
	// Buckets: 0.1s .. 30min
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcription_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"stage"},
	)

	// stageErrorsTotal records stage failures.
	// Labels:
	//   - stage: stage name
	//   - code: error code (e.g. "ALIGNMENT_FAILED")
	stageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_stage_errors_total",
			Help: "Total number of stage errors by stage and error code",
		},
		[]string{"stage", "code"},
	)

	// fallbackEventsTotal records device fallback events.
	// Labels:
	//   - from_device: device of the failed load (e.g. "cuda")
	//   - to_device: fallback device (always "cpu" today)
	fallbackEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_fallback_events_total",
			Help: "Total number of model load fallbacks (e.g., cuda -> cpu)",
		},
		[]string{"from_device", "to_device"},
	)

	// memoryUsageGB exposes the last sampled memory usage.
	// Labels:
	//   - kind: "process", "device" or "combined"
	memoryUsageGB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcription_memory_usage_gb",
			Help: "Last sampled memory usage in GB",
		},
		[]string{"kind"},
	)

	// memoryPressureTotal records memory pressure warnings.
	// Labels:
	//   - level: "high" or "critical"
	memoryPressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_memory_pressure_events_total",
			Help: "Total number of memory pressure warnings by risk level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(pipelineRunsTotal)
	prometheus.MustRegister(segmentsProcessedTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(stageErrorsTotal)
	prometheus.MustRegister(fallbackEventsTotal)
	prometheus.MustRegister(memoryUsageGB)
	prometheus.MustRegister(memoryPressureTotal)
}

// RecordPipelineRun records the final status of a Process call.
func RecordPipelineRun(status string) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// RecordSegment records one processed segment.
func RecordSegment(status string) {
	segmentsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordStageDuration records the duration of a stage call.
// Parameters:
//   - stage: stage name
//   - durationSeconds: stage duration in seconds
func RecordStageDuration(stage string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageError records a stage failure.
func RecordStageError(stage, code string) {
	stageErrorsTotal.WithLabelValues(stage, code).Inc()
}

// RecordFallbackEvent records a model load fallback.
// Parameters:
//   - fromDevice: device of the failed load (e.g., "cuda")
//   - toDevice: fallback device (e.g., "cpu")
func RecordFallbackEvent(fromDevice, toDevice string) {
	fallbackEventsTotal.WithLabelValues(fromDevice, toDevice).Inc()
}

// SetMemoryUsage stores the last sampled memory figures.
func SetMemoryUsage(processGB, deviceGB, combinedGB float64) {
	memoryUsageGB.WithLabelValues("process").Set(processGB)
	memoryUsageGB.WithLabelValues("device").Set(deviceGB)
	memoryUsageGB.WithLabelValues("combined").Set(combinedGB)
}

// RecordMemoryPressure records a memory pressure warning.
func RecordMemoryPressure(level string) {
	memoryPressureTotal.WithLabelValues(level).Inc()
}
