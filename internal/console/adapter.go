// ============================================================================
// runsh Console Adapter - 主控台事件緩衝與送出
// ============================================================================
//
// Package: internal/console
// File: adapter.go
// Purpose: Builds the grp/cmd/msg console tree of a job and ships it to the
//          builder API in ordered batches.
//
// Console tree:
//
//   root
//   ├── grp "Initializing Job"          (open + close share one consoleId)
//   │   ├── cmd "Getting job"           (parent = group id)
//   │   │   └── msg "..."               (parent = command id)
//   │   └── cmd "Validating ..."
//   └── grp "Executing job"
//
// Flush rules:
//   - every open/close forces a flush
//   - a message flushes when the buffer exceeds BatchSize
//   - otherwise a FlushInterval timer is armed (at most one at a time)
//   - a flush swaps the buffer out under the lock; the swapped batch goes to
//     a single sender goroutine, so batches reach the Sink in flush order
//
// PendingCallCount counts batches queued or in flight. The worker waits for
// it to reach zero before restarting its container.
//
// ============================================================================

package console

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/pkg/types"
)

var (
	ErrEmptyName = errors.New("console: missing name")
	ErrClosed    = errors.New("console: adapter closed")
)

// Batch is one POST to the console endpoint.
type Batch struct {
	JobID       string               `json:"jobId"`
	JobConsoles []types.ConsoleEvent `json:"jobConsoles"`
}

// Sink 主控台事件的接收端（通常是 builder API）
//
// 失敗只會被記錄，不會重送；重試策略由 Sink 本身決定
type Sink interface {
	PostConsoles(ctx context.Context, batch Batch) error
}

// Options 調整批次行為
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

type openConsole struct {
	id   string
	name string
}

// Adapter 單一任務的主控台緩衝器，可安全地被多個 goroutine 使用
type Adapter struct {
	jobID  string
	sink   Sink
	opts   Options
	logger *zap.Logger

	anchorMicros int64     // 建立時的牆上時鐘（微秒）
	started      time.Time // 單調時鐘起點

	mu      sync.Mutex
	buffer  []types.ConsoleEvent
	timer   *time.Timer
	group   *openConsole
	command *openConsole
	closed  bool

	outMu  sync.Mutex
	outbox [][]types.ConsoleEvent
	wake   chan struct{}

	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAdapter 建立主控台緩衝器並啟動送出 goroutine
func NewAdapter(jobID string, sink Sink, opts Options) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		jobID:        jobID,
		sink:         sink,
		opts:         opts,
		logger:       logger.Named("console").With(zap.String("jobId", jobID)),
		anchorMicros: now.UnixMicro(),
		started:      now,
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go a.sendLoop()
	return a
}

// JobID returns the job the adapter publishes for.
func (a *Adapter) JobID() string { return a.jobID }

// timestamp 牆上時鐘錨點加上單調時鐘偏移，不受系統時間調整影響
func (a *Adapter) timestamp() int64 {
	return a.anchorMicros + time.Since(a.started).Microseconds()
}

// OpenGroup opens a top level group shown in the UI.
func (a *Adapter) OpenGroup(name string) (string, error) {
	return a.OpenGroupShown(name, true)
}

// OpenGroupShown opens a top level group. Groups never nest: an open group
// or command is dropped without a close event.
func (a *Adapter) OpenGroupShown(name string, shown bool) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}

	// 未關閉的 group/cmd 保持原狀，不補送結束事件
	a.command = nil
	a.group = &openConsole{id: uuid.NewString(), name: name}
	a.appendLocked(types.ConsoleEvent{
		ConsoleID:       a.group.id,
		ParentConsoleID: types.RootConsoleID,
		Type:            types.ConsoleGroup,
		Message:         name,
		Timestamp:       a.timestamp(),
		IsShown:         shown,
	}, true)
	return a.group.id, nil
}

// CloseGroup closes the open group, closing an open command first with the
// same outcome. Closing with no open group is a no-op.
func (a *Adapter) CloseGroup(isSuccess bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.group == nil {
		return
	}
	a.closeGroupLocked(isSuccess)
}

func (a *Adapter) closeGroupLocked(isSuccess bool) {
	if a.command != nil {
		a.closeCommandLocked(isSuccess)
	}

	ts := a.timestamp()
	a.appendLocked(types.ConsoleEvent{
		ConsoleID:        a.group.id,
		ParentConsoleID:  types.RootConsoleID,
		Type:             types.ConsoleGroup,
		Message:          a.group.name,
		Timestamp:        ts,
		TimestampEndedAt: &ts,
		IsSuccess:        &isSuccess,
		IsShown:          true,
	}, true)
	a.group = nil
}

// OpenCommand opens a command inside the current group, or under root when
// no group is open. An already open command is replaced, not closed.
func (a *Adapter) OpenCommand(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}

	a.command = &openConsole{id: uuid.NewString(), name: name}
	a.appendLocked(types.ConsoleEvent{
		ConsoleID:       a.command.id,
		ParentConsoleID: a.groupIDLocked(),
		Type:            types.ConsoleCommand,
		Message:         name,
		Timestamp:       a.timestamp(),
		IsShown:         true,
	}, true)
	return a.command.id, nil
}

// CloseCommand closes the open command. No-op when none is open.
func (a *Adapter) CloseCommand(isSuccess bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.command == nil {
		return
	}
	a.closeCommandLocked(isSuccess)
}

func (a *Adapter) closeCommandLocked(isSuccess bool) {
	ts := a.timestamp()
	a.appendLocked(types.ConsoleEvent{
		ConsoleID:        a.command.id,
		ParentConsoleID:  a.groupIDLocked(),
		Type:             types.ConsoleCommand,
		Message:          a.command.name,
		Timestamp:        ts,
		TimestampEndedAt: &ts,
		IsSuccess:        &isSuccess,
		IsShown:          false,
	}, true)
	a.command = nil
}

// PublishMessage appends a message under the open command (or root).
func (a *Adapter) PublishMessage(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	parent := types.RootConsoleID
	if a.command != nil {
		parent = a.command.id
	}
	a.appendLocked(types.ConsoleEvent{
		ConsoleID:       uuid.NewString(),
		ParentConsoleID: parent,
		Type:            types.ConsoleMessage,
		Message:         text,
		Timestamp:       a.timestamp(),
		IsShown:         true,
	}, false)
}

func (a *Adapter) groupIDLocked() string {
	if a.group == nil {
		return types.RootConsoleID
	}
	return a.group.id
}

func (a *Adapter) appendLocked(ev types.ConsoleEvent, forced bool) {
	ev.JobID = a.jobID
	a.buffer = append(a.buffer, ev)
	a.flushLocked(forced)
}

// flushLocked 依批次規則決定立即送出或設定計時器
func (a *Adapter) flushLocked(forced bool) {
	if forced || len(a.buffer) > a.opts.BatchSize {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		if len(a.buffer) == 0 {
			return
		}
		batch := a.buffer
		a.buffer = nil
		a.enqueue(batch)
		return
	}

	if a.timer == nil {
		a.timer = time.AfterFunc(a.opts.FlushInterval, a.timerFlush)
	}
}

func (a *Adapter) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	a.flushLocked(true)
}

// Flush forces out whatever is buffered.
func (a *Adapter) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(true)
}

// PendingCallCount returns the number of batches queued or in flight.
func (a *Adapter) PendingCallCount() int64 {
	return a.pending.Load()
}

// ============================================================================
// 送出
// ============================================================================

func (a *Adapter) enqueue(batch []types.ConsoleEvent) {
	n := a.pending.Add(1)
	a.opts.Metrics.SetConsolePending(n)

	a.outMu.Lock()
	a.outbox = append(a.outbox, batch)
	a.outMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Adapter) sendLoop() {
	defer close(a.done)
	for {
		a.outMu.Lock()
		if len(a.outbox) == 0 {
			a.outMu.Unlock()
			select {
			case <-a.wake:
				continue
			case <-a.ctx.Done():
				return
			}
		}
		batch := a.outbox[0]
		a.outbox = a.outbox[1:]
		a.outMu.Unlock()

		a.send(batch)
	}
}

func (a *Adapter) send(batch []types.ConsoleEvent) {
	err := a.sink.PostConsoles(a.ctx, Batch{JobID: a.jobID, JobConsoles: batch})
	n := a.pending.Add(-1)
	a.opts.Metrics.SetConsolePending(n)
	a.opts.Metrics.RecordConsoleBatch(err == nil)

	if err != nil {
		a.logger.Error("postConsoles failed", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	a.logger.Debug("postConsoles succeeded", zap.Int("events", len(batch)))
}

// Close flushes, waits for pending batches until ctx is done, and stops
// the sender. Later calls on the adapter are ignored.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.flushLocked(true)
		a.closed = true
	}
	a.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for a.PendingCallCount() > 0 {
		select {
		case <-ctx.Done():
			a.cancel()
			<-a.done
			return ctx.Err()
		case <-ticker.C:
		}
	}

	a.cancel()
	<-a.done
	return nil
}
