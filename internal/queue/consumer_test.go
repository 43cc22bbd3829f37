package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/internal/nodelock"
)

// ============================================================================
// Fakes
// ============================================================================

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAck struct {
	rec    *recorder
	ackErr error
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.rec.add("ack")
	return a.ackErr
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.rec.add("nack")
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	if requeue {
		a.rec.add("reject:requeue")
	} else {
		a.rec.add("reject")
	}
	return nil
}

type fakeChannel struct {
	rec        *recorder
	deliveries chan amqp.Delivery
	queueErr   error
	cancelErr  error
}

func (c *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.rec.add("exchange:" + name)
	return nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.rec.add("queue:" + name)
	return amqp.Queue{Name: name}, c.queueErr
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.rec.add("bind:" + name + "->" + exchange)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if prefetchCount != 1 {
		c.rec.add("qos:wrong")
	} else {
		c.rec.add("qos:1")
	}
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.rec.add("consume")
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.rec.add("cancel")
	return c.cancelErr
}

func (c *fakeChannel) Close() error {
	c.rec.add("channel:close")
	return nil
}

type fakeConn struct {
	rec      *recorder
	ch       *fakeChannel
	closeErr *amqp.Error
}

func (f *fakeConn) Channel() (Channel, error) { return f.ch, nil }

func (f *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	if f.closeErr != nil {
		receiver <- f.closeErr
	}
	return receiver
}

func (f *fakeConn) Close() error {
	f.rec.add("conn:close")
	return nil
}

type fakeAdmitter struct {
	errs []error
}

func (f *fakeAdmitter) Admit(ctx context.Context) error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeStatus struct {
	rec *recorder
}

func (s *fakeStatus) SetServing(serving bool) {
	if serving {
		s.rec.add("serving")
	} else {
		s.rec.add("not-serving")
	}
}

func newConn(rec *recorder, ack *fakeAck, bodies ...string) *fakeConn {
	deliveries := make(chan amqp.Delivery, len(bodies))
	for i, b := range bodies {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte(b)}
	}
	return &fakeConn{rec: rec, ch: &fakeChannel{rec: rec, deliveries: deliveries}}
}

// dialSequence returns conns in order; nil entries fail to dial.
func dialSequence(rec *recorder, conns ...*fakeConn) Dialer {
	var mu sync.Mutex
	i := 0
	return func(url string) (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		rec.add("dial")
		if i >= len(conns) {
			return nil, errors.New("no more connections")
		}
		c := conns[i]
		i++
		if c == nil {
			return nil, errors.New("connection refused")
		}
		return c, nil
	}
}

// newTestCollector registers into a fresh default registry.
func newTestCollector() *metrics.Collector {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return metrics.NewCollector()
}

func testConfig() Config {
	return Config{URL: "amqp://test", Exchange: "shippableEx", Queue: "n1.process", ConsumerTag: "runsh-test"}
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newPID(t *testing.T) *nodelock.PIDFile {
	return nodelock.NewPIDFile(filepath.Join(t.TempDir(), "job.pid"), "shippable-exec-n1")
}

// ============================================================================
// Tests
// ============================================================================

func TestConsumer_HandoffOrder(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	lock := newPID(t)
	c := NewConsumer(testConfig(), &fakeAdmitter{}, lock, nil, newTestCollector(),
		WithDialer(dialSequence(rec, newConn(rec, ack, `{"jobId":"J1"}`))),
		WithStatusReporter(&fakeStatus{rec: rec}))

	body, err := c.Next(testContext(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"J1"}`, string(body))

	assert.Equal(t, []string{
		"dial",
		"exchange:shippableEx",
		"queue:n1.process",
		"bind:n1.process->shippableEx",
		"qos:1",
		"consume",
		"serving",
		"cancel",
		"ack",
		"not-serving",
		"channel:close",
		"conn:close",
	}, rec.list())
	assert.True(t, lock.HeldBySelf(), "lock stays held for processing")
}

func TestConsumer_RejectsWhenNodeNotAdmitted(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not continue", nodelock.ErrNotContinue},
		{"validate call failed", errors.New("failed to validate node: 503")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			ack := &fakeAck{rec: rec}
			lock := newPID(t)
			admit := &fakeAdmitter{errs: []error{tt.err}}
			c := NewConsumer(testConfig(), admit, lock, nil, nil,
				WithDialer(dialSequence(rec, newConn(rec, ack, "first", "second"))))

			body, err := c.Next(testContext(t))
			require.NoError(t, err)
			assert.Equal(t, "second", string(body))

			calls := rec.list()
			assert.Contains(t, calls, "reject:requeue")
			assert.Equal(t, 1, count(calls, "ack"))
			assert.Equal(t, 1, count(calls, "cancel"))
		})
	}
}

func TestConsumer_RejectsWhenLockHeld(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	lock := newPID(t)
	require.NoError(t, lock.Acquire())

	c := NewConsumer(testConfig(), nil, lock, nil, nil,
		WithDialer(dialSequence(rec, newConn(rec, ack, "only"))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Next(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return count(rec.list(), "reject:requeue") == 1 },
		time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancel")
	}
	assert.NotContains(t, rec.list(), "ack")
	assert.NotContains(t, rec.list(), "cancel")
}

func TestConsumer_CancelFailureReleasesLock(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	lock := newPID(t)
	conn := newConn(rec, ack, "first", "second")
	conn.ch.cancelErr = errors.New("channel busy")

	c := NewConsumer(testConfig(), nil, lock, nil, nil, WithDialer(dialSequence(rec, conn)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = c.Next(ctx) }()

	require.Eventually(t, func() bool { return count(rec.list(), "reject:requeue") == 2 },
		time.Second, 10*time.Millisecond)
	assert.False(t, lock.HeldBySelf())
}

func TestConsumer_ReconnectsAfterDialFailure(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	c := NewConsumer(testConfig(), nil, newPID(t), nil, newTestCollector(),
		WithDialer(dialSequence(rec, nil, nil, newConn(rec, ack, "msg"))),
		WithBackOff(zeroBackOff))

	body, err := c.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "msg", string(body))
	assert.Equal(t, 3, count(rec.list(), "dial"))
}

func TestConsumer_ReconnectsAfterConnectionClosed(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	dropped := newConn(rec, ack)
	dropped.closeErr = &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}

	c := NewConsumer(testConfig(), nil, newPID(t), nil, nil,
		WithDialer(dialSequence(rec, dropped, newConn(rec, ack, "after"))),
		WithBackOff(zeroBackOff))

	body, err := c.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "after", string(body))
	assert.Equal(t, 2, count(rec.list(), "dial"))
}

func TestConsumer_SubscribeFailureRetries(t *testing.T) {
	rec := &recorder{}
	ack := &fakeAck{rec: rec}
	missing := newConn(rec, ack)
	missing.ch.queueErr = &amqp.Error{Code: amqp.NotFound, Reason: "no queue"}

	c := NewConsumer(testConfig(), nil, newPID(t), nil, nil,
		WithDialer(dialSequence(rec, missing, newConn(rec, ack, "ok"))),
		WithBackOff(zeroBackOff))

	body, err := c.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Contains(t, rec.list(), "channel:close")
}

func TestConsumer_AckFailureReleasesLockAndReconnects(t *testing.T) {
	rec := &recorder{}
	bad := &fakeAck{rec: rec, ackErr: errors.New("channel closed")}
	good := &fakeAck{rec: rec}
	lock := newPID(t)

	c := NewConsumer(testConfig(), nil, lock, nil, nil,
		WithDialer(dialSequence(rec, newConn(rec, bad, "lost"), newConn(rec, good, "kept"))),
		WithBackOff(zeroBackOff))

	body, err := c.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(body))
	assert.Equal(t, 2, count(rec.list(), "ack"))
	assert.True(t, lock.HeldBySelf())
}

func TestConsumer_ContextCancelled(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumer(testConfig(), nil, newPID(t), nil, nil, WithDialer(dialSequence(rec)))
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRejection(t *testing.T) {
	err := &Rejection{Reason: "lock", Err: nodelock.ErrLockHeld}
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, nodelock.ErrLockHeld)
	assert.Contains(t, err.Error(), "(lock)")
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(Config{}, nil, newPID(t), nil, nil)
	assert.Contains(t, c.cfg.ConsumerTag, "runsh-")
	assert.Equal(t, time.Second, c.cfg.ReconnectInitial)
	assert.Equal(t, 180*time.Second, c.cfg.ReconnectMax)
	assert.Equal(t, time.Second, c.newBackOff().NextBackOff())
}

func count(calls []string, s string) int {
	n := 0
	for _, c := range calls {
		if c == s {
			n++
		}
	}
	return n
}
