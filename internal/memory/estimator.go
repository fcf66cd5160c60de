// Package memory estimates the peak memory of a transcription run and tracks
// actual usage while segments are processed.
package memory

import "strings"

// DefaultModelBaseGB is charged for model classes missing from the table.
const DefaultModelBaseGB = 5.0

var modelBaseGB = map[string]float64{
	"base":     1.0,
	"small":    2.0,
	"medium":   5.0,
	"large":    10.0,
	"large-v2": 10.0,
	"large-v3": 12.0,
}

// ModelBaseGB returns the resident size charged for a model class.
func ModelBaseGB(model string) float64 {
	if gb, ok := modelBaseGB[strings.ToLower(strings.TrimSpace(model))]; ok {
		return gb
	}
	return DefaultModelBaseGB
}

// Estimate returns the expected peak memory in GB for processing hours of
// audio with the given model class and batch size:
//
//	base(model) + 0.1*hours (audio) + 0.1*batch + 0.5*hours (intermediates)
//
// Negative inputs count as zero, so the result is non-decreasing in both
// hours and batch.
func Estimate(hours float64, model string, batch int) float64 {
	if hours < 0 {
		hours = 0
	}
	if batch < 0 {
		batch = 0
	}
	audio := hours * 0.1
	batchOverhead := float64(batch) * 0.1
	intermediate := hours * 0.5
	return ModelBaseGB(model) + audio + batchOverhead + intermediate
}
