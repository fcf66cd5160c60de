package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode 表示流水线阶段错误类型代码
type ErrorCode string

const (
	// MODEL_LOAD_FAILED 模型加载失败（含 CPU 回退后仍失败），致命
	MODEL_LOAD_FAILED ErrorCode = "MODEL_LOAD_FAILED"

	// TRANSCRIPTION_FAILED 转写失败，致命
	TRANSCRIPTION_FAILED ErrorCode = "TRANSCRIPTION_FAILED"

	// ALIGNMENT_FAILED 词级对齐失败，可恢复（返回未对齐结果）
	ALIGNMENT_FAILED ErrorCode = "ALIGNMENT_FAILED"

	// DIARIZATION_FAILED 说话人识别失败，可恢复（返回无说话人结果）
	DIARIZATION_FAILED ErrorCode = "DIARIZATION_FAILED"

	// MEMORY_PRESSURE 内存压力告警，仅记录
	MEMORY_PRESSURE ErrorCode = "MEMORY_PRESSURE"

	// CANCELLED 调用方取消
	CANCELLED ErrorCode = "CANCELLED"

	// MERGE_FAILED 分段结果合并失败，致命
	MERGE_FAILED ErrorCode = "MERGE_FAILED"

	// INVALID_INPUT 输入音频无效（例如空音频），致命
	INVALID_INPUT ErrorCode = "INVALID_INPUT"
)

// Stage 流水线阶段
type Stage string

const (
	StageLoad       Stage = "load"
	StageTranscribe Stage = "transcribe"
	StageAlign      Stage = "align"
	StageDiarize    Stage = "diarize"
	StageMerge      Stage = "merge"
)

var recoverableCodes = map[ErrorCode]bool{
	ALIGNMENT_FAILED:   true,
	DIARIZATION_FAILED: true,
	MEMORY_PRESSURE:    true,
}

// StageError 表示流水线阶段错误
type StageError struct {
	Code      ErrorCode `json:"code"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error 实现 error 接口
func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现错误链支持
func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError 创建新的阶段错误
func NewStageError(code ErrorCode, stage Stage, message string, cause error) *StageError {
	return &StageError{
		Code:      code,
		Stage:     stage,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewModelLoadError 创建模型加载错误
func NewModelLoadError(cause error) *StageError {
	return NewStageError(MODEL_LOAD_FAILED, StageLoad, "model load failed", cause)
}

// NewTranscriptionError 创建转写错误
func NewTranscriptionError(cause error) *StageError {
	return NewStageError(TRANSCRIPTION_FAILED, StageTranscribe, "transcription failed", cause)
}

// NewAlignmentError 创建对齐错误
func NewAlignmentError(cause error) *StageError {
	return NewStageError(ALIGNMENT_FAILED, StageAlign, "alignment failed", cause)
}

// NewDiarizationError 创建说话人识别错误
func NewDiarizationError(cause error) *StageError {
	return NewStageError(DIARIZATION_FAILED, StageDiarize, "diarization failed", cause)
}

// NewCancelledError 创建取消错误
func NewCancelledError(stage Stage, cause error) *StageError {
	return NewStageError(CANCELLED, stage, "processing cancelled", cause)
}

// NewMergeError 创建合并错误
func NewMergeError(cause error) *StageError {
	return NewStageError(MERGE_FAILED, StageMerge, "merge failed", cause)
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(message string) *StageError {
	return NewStageError(INVALID_INPUT, StageLoad, message, nil)
}

// CodeOf 返回错误链中的 StageError 代码，没有时返回空串
func CodeOf(err error) ErrorCode {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsFatal 判断错误是否终止整个流水线。非 StageError 一律视为致命。
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return !recoverableCodes[se.Code]
	}
	return true
}

// fatalFor 将取消映射为 CANCELLED，其余使用 build 构造
func fatalFor(ctx context.Context, stage Stage, err error, build func(error) *StageError) *StageError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError(stage, err)
	}
	return build(err)
}
