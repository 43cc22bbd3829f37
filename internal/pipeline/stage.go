// ============================================================================
// runsh StepPipeline - 階段執行器
// ============================================================================
//
// Package: internal/pipeline
// File: stage.go
// Purpose: Runs a workflow's stages in order and turns their errors into a
//          terminal job status.
//
// Error severity:
//   Fatal     status recorded, remaining non-tail stages skipped
//   NonFatal  status recorded, later stages still run (TASK failure)
//   LogOnly   logged only, status untouched (status update, notifications)
//
// A plain error from a stage is Fatal with status error.
// Tail stages always run; cancellation skips every non-tail stage and any
// tail stage flagged SkipWhenCancelled.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/jobstate"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// Severity 階段錯誤的嚴重程度
type Severity int

const (
	Fatal Severity = iota
	NonFatal
	LogOnly
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case NonFatal:
		return "non-fatal"
	case LogOnly:
		return "log-only"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// StageError carries how a stage failure affects the job.
type StageError struct {
	Severity Severity
	Status   types.JobStatus
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Status, e.Severity, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// failure 驗證或腳本失敗，中止後續階段
func failure(err error) error {
	return &StageError{Severity: Fatal, Status: types.StatusFailure, Err: err}
}

// infraError API 或檔案系統錯誤，中止後續階段
func infraError(err error) error {
	return &StageError{Severity: Fatal, Status: types.StatusError, Err: err}
}

// softFailure records a failure without halting.
func softFailure(err error) error {
	return &StageError{Severity: NonFatal, Status: types.StatusFailure, Err: err}
}

// logOnly is reported but never changes the job status.
func logOnly(err error) error {
	return &StageError{Severity: LogOnly, Err: err}
}

// Stage 一個工作流程階段
type Stage struct {
	Name string
	// Tail stages run after a fatal error or cancellation.
	Tail bool
	// SkipWhenCancelled skips a tail stage for cancelled jobs.
	SkipWhenCancelled bool
	Run               func(ctx context.Context) error
}

// runStages executes stages in order against tracker.
func runStages(ctx context.Context, tracker *jobstate.Tracker, logger *zap.Logger, stages []Stage) {
	halted := false
	for _, s := range stages {
		cancelled := tracker.Cancelled()
		if !s.Tail && (halted || cancelled) {
			logger.Debug("skipping stage", zap.String("stage", s.Name))
			continue
		}
		if s.SkipWhenCancelled && cancelled {
			logger.Debug("skipping stage for cancelled job", zap.String("stage", s.Name))
			continue
		}

		err := s.Run(ctx)
		if err == nil {
			continue
		}

		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Severity: Fatal, Status: types.StatusError, Err: err}
		}

		logger.Warn("stage failed",
			zap.String("stage", s.Name),
			zap.Stringer("severity", se.Severity),
			zap.Error(se.Err))

		switch se.Severity {
		case Fatal:
			record(tracker, se)
			halted = true
		case NonFatal:
			record(tracker, se)
		}
	}
}

func record(tracker *jobstate.Tracker, se *StageError) {
	switch se.Status {
	case types.StatusFailure:
		tracker.Fail(se.Err)
	case types.StatusCancelled:
		tracker.Cancel()
	default:
		tracker.Error(se.Err)
	}
}
