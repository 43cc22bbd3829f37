package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/runsh/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recordingSink records every batch; gate (if set) blocks each post until it
// receives a value.
type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	gate    chan struct{}
	failN   int
}

func (s *recordingSink) PostConsoles(ctx context.Context, batch Batch) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	if s.failN > 0 {
		s.failN--
		return errors.New("boom")
	}
	return nil
}

func (s *recordingSink) events() []types.ConsoleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ConsoleEvent
	for _, b := range s.batches {
		out = append(out, b.JobConsoles...)
	}
	return out
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestAdapter(t *testing.T, sink Sink, interval time.Duration) *Adapter {
	t.Helper()
	a := NewAdapter("job-1", sink, Options{BatchSize: 10, FlushInterval: interval})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func drain(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

// ============================================================================
// Tree structure
// ============================================================================

func TestAdapter_ParentChain(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	grpID, err := a.OpenGroup("Build")
	require.NoError(t, err)
	cmdID, err := a.OpenCommand("make")
	require.NoError(t, err)
	a.PublishMessage("compiling")
	a.CloseCommand(true)
	a.CloseGroup(true)
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 5)

	assert.Equal(t, types.ConsoleGroup, events[0].Type)
	assert.Equal(t, types.RootConsoleID, events[0].ParentConsoleID)
	assert.Equal(t, grpID, events[0].ConsoleID)
	assert.Equal(t, "job-1", events[0].JobID)

	assert.Equal(t, cmdID, events[1].ConsoleID)
	assert.Equal(t, grpID, events[1].ParentConsoleID)

	assert.Equal(t, types.ConsoleMessage, events[2].Type)
	assert.Equal(t, cmdID, events[2].ParentConsoleID)
	assert.Equal(t, "compiling", events[2].Message)

	// close 事件重用 open 的 consoleId
	assert.Equal(t, cmdID, events[3].ConsoleID)
	require.NotNil(t, events[3].IsSuccess)
	assert.True(t, *events[3].IsSuccess)
	assert.NotNil(t, events[3].TimestampEndedAt)
	assert.False(t, events[3].IsShown)

	assert.Equal(t, grpID, events[4].ConsoleID)
	assert.Equal(t, types.RootConsoleID, events[4].ParentConsoleID)
	assert.True(t, events[4].IsShown)
}

func TestAdapter_MessageWithoutCommandUsesRoot(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	a.PublishMessage("orphan")
	cmdID, err := a.OpenCommand("no group")
	require.NoError(t, err)
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 2)
	assert.Equal(t, types.RootConsoleID, events[0].ParentConsoleID)
	assert.Equal(t, cmdID, events[1].ConsoleID)
	assert.Equal(t, types.RootConsoleID, events[1].ParentConsoleID)
}

func TestAdapter_EmptyNameRejected(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	_, err := a.OpenGroup("")
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = a.OpenCommand("")
	assert.ErrorIs(t, err, ErrEmptyName)
	drain(t, a)

	assert.Empty(t, sink.events())
}

func TestAdapter_CloseGroupClosesCommand(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	_, _ = a.OpenGroup("g")
	cmdID, _ := a.OpenCommand("c")
	a.CloseGroup(false)
	a.CloseGroup(true)   // no-op
	a.CloseCommand(true) // no-op
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 4)
	assert.Equal(t, cmdID, events[2].ConsoleID)
	assert.False(t, *events[2].IsSuccess)
	assert.Equal(t, types.ConsoleGroup, events[3].Type)
	assert.False(t, *events[3].IsSuccess)
}

func TestAdapter_OpenGroupLeavesPreviousOpen(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	first, _ := a.OpenGroup("one")
	_, _ = a.OpenCommand("make")
	second, _ := a.OpenGroup("two")
	drain(t, a)

	// 未關閉的 group/cmd 不會被補成成功
	events := sink.events()
	require.Len(t, events, 3)
	assert.Equal(t, first, events[0].ConsoleID)
	assert.Equal(t, types.ConsoleCommand, events[1].Type)
	assert.Equal(t, second, events[2].ConsoleID)
	for _, ev := range events {
		assert.Nil(t, ev.IsSuccess, "no close event expected for %s", ev.Message)
	}
}

func TestAdapter_DanglingCommandNotClosedByNextGroup(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	_, _ = a.OpenGroup("build")
	_, _ = a.OpenCommand("make")
	status, _ := a.OpenGroup("Updating Status")
	a.CloseGroup(true)
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 4)
	assert.Equal(t, status, events[3].ConsoleID)
	require.NotNil(t, events[3].IsSuccess)
	assert.True(t, *events[3].IsSuccess)
}

func TestAdapter_OpenCommandReplacesPrevious(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	grp, _ := a.OpenGroup("g")
	_, _ = a.OpenCommand("one")
	second, _ := a.OpenCommand("two")
	a.PublishMessage("out")
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 4)
	assert.Equal(t, second, events[2].ConsoleID)
	assert.Equal(t, grp, events[2].ParentConsoleID)
	assert.Nil(t, events[2].IsSuccess)
	assert.Equal(t, second, events[3].ParentConsoleID)
}

func TestAdapter_HiddenGroupCloseIsShown(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	_, _ = a.OpenGroupShown("setup", false)
	a.CloseGroup(false)
	drain(t, a)

	events := sink.events()
	require.Len(t, events, 2)
	assert.False(t, events[0].IsShown)
	assert.True(t, events[1].IsShown)
	require.NotNil(t, events[1].IsSuccess)
	assert.False(t, *events[1].IsSuccess)
}

// ============================================================================
// Batching
// ============================================================================

func TestAdapter_ThresholdFlush(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, time.Hour)

	for i := 0; i < 10; i++ {
		a.PublishMessage(fmt.Sprintf("m%d", i))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.batchCount(), "buffer at threshold should not flush")

	a.PublishMessage("m10")
	require.Eventually(t, func() bool { return sink.batchCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, sink.events(), 11)
}

func TestAdapter_TimerFlush(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, 20*time.Millisecond)

	a.PublishMessage("lonely")
	require.Eventually(t, func() bool { return sink.batchCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestAdapter_OrderPreserved(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAdapter(t, sink, 5*time.Millisecond)

	var want []string
	for i := 0; i < 100; i++ {
		switch {
		case i%17 == 0:
			name := fmt.Sprintf("grp%d", i)
			_, _ = a.OpenGroup(name)
			want = append(want, name)
		case i%7 == 0:
			name := fmt.Sprintf("cmd%d", i)
			_, _ = a.OpenCommand(name)
			want = append(want, name)
		default:
			name := fmt.Sprintf("msg%d", i)
			a.PublishMessage(name)
			want = append(want, name)
		}
	}
	drain(t, a)

	var got []string
	var last int64
	for _, ev := range sink.events() {
		// 每次呼叫剛好一個事件
		assert.Nil(t, ev.IsSuccess)
		got = append(got, ev.Message)
		assert.GreaterOrEqual(t, ev.Timestamp, last, "timestamps must not go backwards")
		last = ev.Timestamp
	}
	assert.Equal(t, want, got)
}

func TestAdapter_PendingCallCount(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	a := newTestAdapter(t, sink, time.Hour)

	_, _ = a.OpenGroup("g")
	_, _ = a.OpenCommand("c")
	assert.Equal(t, int64(2), a.PendingCallCount())

	sink.gate <- struct{}{}
	sink.gate <- struct{}{}
	require.Eventually(t, func() bool { return a.PendingCallCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestAdapter_SinkFailureNotRetried(t *testing.T) {
	sink := &recordingSink{failN: 1}
	a := newTestAdapter(t, sink, time.Hour)

	_, _ = a.OpenGroup("g")
	a.CloseGroup(true)
	drain(t, a)

	assert.Equal(t, 2, sink.batchCount(), "failed batch is dropped, later batch still sent")
}

func TestAdapter_CloseTimesOut(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	a := NewAdapter("job-2", sink, Options{})

	_, _ = a.OpenGroup("stuck")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := a.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 關閉後的呼叫會被忽略
	_, err = a.OpenGroup("late")
	assert.ErrorIs(t, err, ErrClosed)
}
