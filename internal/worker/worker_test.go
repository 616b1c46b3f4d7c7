package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/clipper/internal/worker/domain"
	"github.com/cuongbtq/clipper/internal/worker/orchestrator"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	outcomes map[uint64]outcome
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{outcomes: make(map[uint64]outcome)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[tag] = outcome{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[tag] = outcome{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.outcomes[tag]
	return o, ok
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	tag        string
	deferErr   error

	mu       sync.Mutex
	deferred []string
}

func (b *fakeBroker) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	b.tag = consumerTag
	return b.deliveries, nil
}

func (b *fakeBroker) DeferJobEvent(_ context.Context, jobID string) error {
	if b.deferErr != nil {
		return b.deferErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred = append(b.deferred, jobID)
	return nil
}

func (b *fakeBroker) deferredJobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deferred...)
}

type result struct {
	status domain.JobStatus
	err    error
}

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]result
	calls   []string
	block   chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, jobID string) (domain.JobStatus, error) {
	r.mu.Lock()
	r.calls = append(r.calls, jobID)
	res := r.results[jobID]
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}
	return res.status, res.err
}

type countingHeartbeats struct {
	n atomic.Int32
}

func (h *countingHeartbeats) UpdateJobHeartbeat(context.Context, string) error {
	h.n.Add(1)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	jobOK        = "0b7c9f5e-0000-4c4e-9a34-000000000001"
	jobNoCredits = "0b7c9f5e-0000-4c4e-9a34-000000000002"
	jobFailed    = "0b7c9f5e-0000-4c4e-9a34-000000000003"
	jobRetry     = "0b7c9f5e-0000-4c4e-9a34-000000000004"
	jobMissing   = "0b7c9f5e-0000-4c4e-9a34-000000000005"
	jobBusy      = "0b7c9f5e-0000-4c4e-9a34-000000000006"
)

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 8)}
	runner := &fakeRunner{results: map[string]result{
		jobOK:        {status: domain.JobStatusProcessed},
		jobNoCredits: {status: domain.JobStatusNoCredits},
		jobFailed:    {status: domain.JobStatusFailed, err: fmt.Errorf("%w: dispatch timed out", domain.ErrWorkflowFailed)},
		jobRetry:     {err: domain.NewRetryableError(errors.New("db unavailable"))},
		jobMissing:   {err: domain.ErrJobNotFound},
		jobBusy:      {err: fmt.Errorf("%w: owner U1", domain.ErrOwnerBusy)},
	}}

	w := NewWorker(&Config{
		Logger:      testLogger(),
		Broker:      broker,
		Runner:      runner,
		WorkerID:    "worker-test",
		Concurrency: 2,
		JobTimeout:  time.Second,
	})

	broker.deliveries <- delivery(ack, 1, fmt.Sprintf(`{"jobId":%q}`, jobOK))
	broker.deliveries <- delivery(ack, 2, fmt.Sprintf(`{"jobId":%q}`, jobNoCredits))
	broker.deliveries <- delivery(ack, 3, fmt.Sprintf(`{"jobId":%q}`, jobFailed))
	broker.deliveries <- delivery(ack, 4, fmt.Sprintf(`{"jobId":%q}`, jobRetry))
	broker.deliveries <- delivery(ack, 5, fmt.Sprintf(`{"job_id":%q}`, jobMissing))
	broker.deliveries <- delivery(ack, 6, `{"jobId":`)
	broker.deliveries <- delivery(ack, 7, `{"jobId":"not-a-uuid"}`)
	broker.deliveries <- delivery(ack, 8, fmt.Sprintf(`{"jobId":%q}`, jobBusy))
	close(broker.deliveries)

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, errDeliveriesClosed)
	assert.Equal(t, "worker-test", broker.tag)

	want := map[uint64]outcome{
		1: {acked: true},
		2: {acked: true},
		3: {acked: true},
		4: {requeue: true},
		5: {acked: true},
		6: {},
		7: {},
		8: {acked: true},
	}
	for tag, expected := range want {
		got, ok := ack.get(tag)
		require.True(t, ok, "delivery %d was never settled", tag)
		assert.Equal(t, expected, got, "delivery %d", tag)
	}

	assert.Len(t, runner.calls, 6)
	assert.Equal(t, []string{jobBusy}, broker.deferredJobs())
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery)}
	w := NewWorker(&Config{
		Logger:   testLogger(),
		Broker:   broker,
		Runner:   &fakeRunner{},
		WorkerID: "worker-test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	w.Stop()
}

func TestWorker_SendsHeartbeatsWhileRunning(t *testing.T) {
	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 1)}
	heartbeats := &countingHeartbeats{}
	runner := &fakeRunner{
		results: map[string]result{jobOK: {status: domain.JobStatusProcessed}},
		block:   make(chan struct{}),
	}

	w := NewWorker(&Config{
		Logger:            testLogger(),
		Broker:            broker,
		Runner:            runner,
		Heartbeats:        heartbeats,
		WorkerID:          "worker-test",
		HeartbeatInterval: 5 * time.Millisecond,
	})

	broker.deliveries <- delivery(ack, 1, fmt.Sprintf(`{"jobId":%q}`, jobOK))
	close(broker.deliveries)

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	require.Eventually(t, func() bool { return heartbeats.n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	close(runner.block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish")
	}

	settled, ok := ack.get(1)
	require.True(t, ok)
	assert.True(t, settled.acked)

	// heartbeats stop with the run
	n := heartbeats.n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, heartbeats.n.Load())
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage(amqp.Delivery{DeliveryTag: 9, Redelivered: true, Body: []byte(fmt.Sprintf(`{"jobId":%q}`, jobOK))})
	require.NoError(t, err)
	assert.Equal(t, jobOK, msg.JobID)
	assert.Equal(t, uint64(9), msg.DeliveryTag)
	assert.True(t, msg.Redelivered)

	// events from older publishers still decode
	legacy, err := decodeMessage(amqp.Delivery{Body: []byte(fmt.Sprintf(`{"job_id":%q}`, jobOK))})
	require.NoError(t, err)
	assert.Equal(t, jobOK, legacy.JobID)

	both, err := decodeMessage(amqp.Delivery{Body: []byte(fmt.Sprintf(`{"jobId":%q,"job_id":%q}`, jobOK, jobMissing))})
	require.NoError(t, err)
	assert.Equal(t, jobOK, both.JobID)

	for _, body := range []string{``, `[]`, `{"jobId":""}`, `{"jobId":"J1"}`, `{"id":"0b7c9f5e-0000-4c4e-9a34-000000000001"}`} {
		_, err := decodeMessage(amqp.Delivery{Body: []byte(body)})
		assert.ErrorIs(t, err, domain.ErrInvalidMessage, "body %q", body)
	}
}

func TestSettleDecision(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want settlement
	}{
		{name: "success", err: nil, want: settleAck},
		{name: "workflow failed", err: fmt.Errorf("%w: boom", domain.ErrWorkflowFailed), want: settleAck},
		{name: "unknown job", err: domain.ErrJobNotFound, want: settleAck},
		{name: "owner busy", err: fmt.Errorf("%w: owner U1", domain.ErrOwnerBusy), want: settleDefer},
		{name: "retryable", err: domain.NewRetryableError(errors.New("timeout")), want: settleRequeue},
		{name: "invalid message", err: domain.ErrInvalidMessage, want: settleDeadLetter},
		{name: "invalid transition", err: &domain.TransitionError{JobID: "J", From: domain.JobStatusFailed, To: domain.JobStatusProcessed}, want: settleDeadLetter},
		{name: "unknown error", err: errors.New("unexpected"), want: settleDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, settleDecision(tt.err))
		})
	}
}

func TestWorker_DeferFailureRequeues(t *testing.T) {
	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 1), deferErr: errors.New("channel closed")}
	runner := &fakeRunner{results: map[string]result{
		jobBusy: {err: domain.ErrOwnerBusy},
	}}

	w := NewWorker(&Config{Logger: testLogger(), Broker: broker, Runner: runner, WorkerID: "worker-test"})

	broker.deliveries <- delivery(ack, 1, fmt.Sprintf(`{"jobId":%q}`, jobBusy))
	close(broker.deliveries)
	_ = w.Start(context.Background())

	got, ok := ack.get(1)
	require.True(t, ok)
	assert.Equal(t, outcome{requeue: true}, got)
}

// ownerRunner runs jobs under a real owner lock: a run for a busy owner
// returns immediately with domain.ErrOwnerBusy
type ownerRunner struct {
	locker interface {
		TryLock(ctx context.Context, ownerID string) (func(), bool, error)
	}
	owners  map[string]string
	hold    map[string]chan struct{}
	started chan string
}

func (r *ownerRunner) Run(ctx context.Context, jobID string) (domain.JobStatus, error) {
	unlock, ok, err := r.locker.TryLock(ctx, r.owners[jobID])
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrOwnerBusy
	}
	defer unlock()

	r.started <- jobID
	if hold := r.hold[jobID]; hold != nil {
		<-hold
	}
	return domain.JobStatusProcessed, nil
}

func TestWorker_BusyOwnerDoesNotStarveOtherOwners(t *testing.T) {
	const (
		a1 = "0b7c9f5e-0000-4c4e-9a34-0000000000a1"
		a2 = "0b7c9f5e-0000-4c4e-9a34-0000000000a2"
		b1 = "0b7c9f5e-0000-4c4e-9a34-0000000000b1"
	)

	ack := newFakeAcknowledger()
	broker := &fakeBroker{deliveries: make(chan amqp.Delivery, 3)}
	releaseA1 := make(chan struct{})
	runner := &ownerRunner{
		locker:  orchestrator.NewLocalLocker(),
		owners:  map[string]string{a1: "U1", a2: "U1", b1: "U2"},
		hold:    map[string]chan struct{}{a1: releaseA1},
		started: make(chan string, 3),
	}

	w := NewWorker(&Config{
		Logger:      testLogger(),
		Broker:      broker,
		Runner:      runner,
		WorkerID:    "worker-test",
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	broker.deliveries <- delivery(ack, 1, fmt.Sprintf(`{"jobId":%q}`, a1))
	require.Equal(t, a1, <-runner.started)

	broker.deliveries <- delivery(ack, 2, fmt.Sprintf(`{"jobId":%q}`, a2))
	broker.deliveries <- delivery(ack, 3, fmt.Sprintf(`{"jobId":%q}`, b1))
	close(broker.deliveries)

	// U2 starts while U1 still holds its slot
	select {
	case got := <-runner.started:
		assert.Equal(t, b1, got)
	case <-time.After(2 * time.Second):
		close(releaseA1)
		t.Fatal("second owner starved behind the busy one")
	}

	settled, ok := ack.get(2)
	require.True(t, ok, "busy-owner delivery should settle without waiting")
	assert.True(t, settled.acked)
	assert.Equal(t, []string{a2}, broker.deferredJobs())

	close(releaseA1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish")
	}

	for _, tag := range []uint64{1, 3} {
		got, ok := ack.get(tag)
		require.True(t, ok)
		assert.True(t, got.acked, "delivery %d", tag)
	}
}
