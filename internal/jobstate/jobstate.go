// ============================================================================
// runsh 任務狀態機
// ============================================================================
//
// Package: internal/jobstate
// 文件: jobstate.go
// 功能: 追蹤單一任務的終態（一個 worker 一次只處理一個任務）
//
// 任務狀態轉換 (State Machine):
//   Pending (已收到訊息)
//      ↓ Start()
//   Processing (執行中)
//      ↓ Fail() / Error() / Cancel()  → Failure / Error / Cancelled
//      ↓ Finalize()                    → Success（若尚未進入終態）
//
// 狀態轉換規則:
//   - 第一個失敗為準：進入終態後的 Fail/Error/Cancel 都會被忽略
//   - Fail/Error/Cancel 可以在 Pending 時呼叫（例如取得系統代碼失敗）
//   - Finalize() 只把 Pending/Processing 轉成 Success，已是終態則不變
//
// 並發安全:
//   - sync.RWMutex 保護所有欄位；console 送出與 pipeline 可同時讀取狀態
//
// ============================================================================

package jobstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/runsh/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Transition 一次狀態轉換紀錄
type Transition struct {
	From   types.JobStatus `json:"from"`
	To     types.JobStatus `json:"to"`
	At     int64           `json:"at"` // UnixMilli
	Reason string          `json:"reason,omitempty"`
}

// Tracker 單一任務的狀態機
type Tracker struct {
	mu        sync.RWMutex
	jobID     string
	status    types.JobStatus
	cause     error
	history   []Transition
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
}

// New 建立 Pending 狀態的任務
func New(jobID string) *Tracker {
	return &Tracker{
		jobID:     jobID,
		status:    types.StatusPending,
		createdAt: time.Now(),
	}
}

// JobID returns the tracked job id.
func (t *Tracker) JobID() string { return t.jobID }

// Start 將任務由 Pending 轉為 Processing
//
// 錯誤處理：
//   - ErrInvalidTransition: 任務不在 Pending 狀態
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != types.StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, types.StatusProcessing)
	}
	t.startedAt = time.Now()
	t.transition(types.StatusProcessing, "")
	return nil
}

// Fail records a script or validation failure. Returns false when the job
// already reached a terminal status.
func (t *Tracker) Fail(err error) bool {
	return t.finish(types.StatusFailure, err)
}

// Error records an infrastructure error.
func (t *Tracker) Error(err error) bool {
	return t.finish(types.StatusError, err)
}

// Cancel marks the job cancelled (remote CANCELED / TIMEOUT).
func (t *Tracker) Cancel() bool {
	return t.finish(types.StatusCancelled, nil)
}

// Finalize 結束任務並返回終態；沒有失敗紀錄時為 Success
func (t *Tracker) Finalize() types.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.IsTerminal() {
		t.endedAt = time.Now()
		t.transition(types.StatusSuccess, "")
	}
	return t.status
}

func (t *Tracker) finish(to types.JobStatus, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 第一個失敗為準
	if t.status.IsTerminal() {
		return false
	}
	t.cause = err
	t.endedAt = time.Now()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	t.transition(to, reason)
	return true
}

// transition 呼叫者需持有寫鎖
func (t *Tracker) transition(to types.JobStatus, reason string) {
	t.history = append(t.history, Transition{
		From:   t.status,
		To:     to,
		At:     time.Now().UnixMilli(),
		Reason: reason,
	})
	t.status = to
}

// ============================================================================
// 查詢
// ============================================================================

// Status returns the current status.
func (t *Tracker) Status() types.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Failed reports whether a failure or error has been recorded.
func (t *Tracker) Failed() bool {
	s := t.Status()
	return s == types.StatusFailure || s == types.StatusError
}

// Cancelled reports whether the job was cancelled.
func (t *Tracker) Cancelled() bool {
	return t.Status() == types.StatusCancelled
}

// Done reports whether no further work should run (failed or cancelled).
func (t *Tracker) Done() bool {
	return t.Status().IsTerminal()
}

// Cause returns the error that moved the job to failure/error, if any.
func (t *Tracker) Cause() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cause
}

// History returns a copy of the transitions.
func (t *Tracker) History() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}

// Duration is the time from Start to the terminal transition, or to now
// when the job is still running. Zero when never started.
func (t *Tracker) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startedAt.IsZero() {
		return 0
	}
	if t.endedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.endedAt.Sub(t.startedAt)
}
