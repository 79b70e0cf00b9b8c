package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/runtime/failure"
	"github.com/careflow/careflow/internal/runtime/headers"
	"github.com/careflow/careflow/internal/runtime/logging"
	"github.com/careflow/careflow/internal/runtime/metrics"
	"github.com/careflow/careflow/store"
	"github.com/careflow/careflow/store/memory"
)

type failingRetryStore struct{}

func (failingRetryStore) Save(context.Context, store.RetryRecord) error { return errStoreDown }
func (failingRetryStore) Get(context.Context, string) (store.RetryRecord, error) {
	return store.RetryRecord{}, errStoreDown
}
func (failingRetryStore) Delete(context.Context, string) error { return errStoreDown }
func (failingRetryStore) List(context.Context, string) ([]store.RetryRecord, error) {
	return nil, errStoreDown
}
func (failingRetryStore) Ping(context.Context) error { return errStoreDown }

var errStoreDown = errors.New("store down")

type consumerFixture struct {
	loop    *ConsumerLoop
	pub     *capturePublisher
	mem     *memory.Store
	handled []*message.Message
}

func newConsumerFixture(t *testing.T, handler Handler) *consumerFixture {
	t.Helper()
	f := &consumerFixture{pub: newCapturePublisher(), mem: memory.New()}

	wrapped := func(msg *message.Message) error {
		f.handled = append(f.handled, msg)
		if handler == nil {
			return nil
		}
		return handler(msg)
	}

	sched := NewScheduler("QueryDispatch", f.mem, SchedulerOptions{Logger: logging.Nop()})
	m := metrics.New()
	retry := NewRetryWriter("QueryDispatch", time.Minute, f.mem, sched, f.pub, logging.Nop(), m)
	dead := NewDeadLetterWriter("QueryDispatch", f.pub, logging.Nop(), m)
	f.loop = NewConsumerLoop("PatientEvent", wrapped, nil, retry, dead, "QueryDispatch", 3, logging.Nop(), m)
	return f
}

func assertAcked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Acked():
	default:
		t.Fatal("message was not acked")
	}
}

func TestProcessSuccessAcks(t *testing.T) {
	f := newConsumerFixture(t, nil)
	msg := newDomainMessage("patient-1", []byte("payload"))

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	assert.Len(t, f.handled, 1)
	assert.Empty(t, f.pub.messages("PatientEvent-Retry"))
	assert.Empty(t, f.pub.messages("PatientEvent-Error"))
}

func TestProcessDiscardsForeignExceptionTraffic(t *testing.T) {
	f := newConsumerFixture(t, nil)
	msg := newDomainMessage("patient-1", []byte("payload"))
	msg.Metadata.Set(headers.ExceptionService, "OtherService")

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	// never reaches the domain handler
	assert.Empty(t, f.handled)
	assert.Empty(t, f.pub.messages("PatientEvent-Error"))
}

func TestProcessOwnExceptionTrafficIsHandled(t *testing.T) {
	f := newConsumerFixture(t, nil)
	msg := newDomainMessage("patient-1", []byte("payload"))
	msg.Metadata.Set(headers.ExceptionService, "QueryDispatch")

	require.NoError(t, f.loop.process(context.Background(), msg))
	assert.Len(t, f.handled, 1)
}

func TestProcessMissingKeyDeadLetters(t *testing.T) {
	f := newConsumerFixture(t, nil)
	msg := message.NewMessage(watermill.NewUUID(), []byte("payload"))

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	assert.Empty(t, f.handled)
	assert.Len(t, f.pub.messages("PatientEvent-Error"), 1)
}

func TestProcessEmptyPayloadDeadLetters(t *testing.T) {
	f := newConsumerFixture(t, nil)
	msg := newDomainMessage("patient-1", nil)

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	assert.Empty(t, f.handled)
	assert.Len(t, f.pub.messages("PatientEvent-Error"), 1)
}

func TestProcessTransientSchedulesRetry(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		return failure.Transient(errors.New("db down"))
	})
	msg := newDomainMessage("patient-1", []byte("payload"))

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)

	records, err := f.mem.List(context.Background(), "QueryDispatch")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Empty(t, f.pub.messages("PatientEvent-Error"))
}

func TestProcessExhaustedAttemptsPromotesToDeadLetter(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		return failure.Transient(errors.New("db down"))
	})
	msg := newDomainMessage("patient-1", []byte("payload"))
	msg.Metadata.Set(headers.RetryAttempt, "3")

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)

	records, err := f.mem.List(context.Background(), "QueryDispatch")
	require.NoError(t, err)
	assert.Empty(t, records)

	events := f.pub.messages("PatientEvent-Error")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Metadata.Get(headers.ExceptionMessage), "exhausted")
	assert.Equal(t, "3", events[0].Metadata.Get(headers.RetryAttempt))
}

func TestProcessUnclassifiedErrorDeadLetters(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		return errors.New("unexpected application error")
	})
	msg := newDomainMessage("patient-1", []byte("payload"))

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)

	events := f.pub.messages("PatientEvent-Error")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Metadata.Get(headers.ExceptionMessage), "unexpected application error")
}

func TestProcessHandlerPanicDeadLetters(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		panic("boom")
	})
	msg := newDomainMessage("patient-1", []byte("payload"))

	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	assert.Len(t, f.pub.messages("PatientEvent-Error"), 1)
}

func TestProcessFatalErrorPropagates(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		return failure.Fatal(errors.New("topic deleted"))
	})
	msg := newDomainMessage("patient-1", []byte("payload"))

	err := f.loop.process(context.Background(), msg)
	assert.ErrorIs(t, err, failure.ErrFatal)
	// the offset is still committed, exactly once
	assertAcked(t, msg)
}

func TestProcessRetryStoreDownFallsBackToDeadLetter(t *testing.T) {
	f := newConsumerFixture(t, func(*message.Message) error {
		return failure.Transient(errors.New("db down"))
	})
	// sabotage the retry path: the retry event topic still works, but
	// publishing the replayed trigger cannot be saved because the
	// scheduler's job store rejects the job
	f.loop.retry = NewRetryWriter("QueryDispatch", time.Minute, failingRetryStore{}, f.loop.retry.scheduler, f.pub, logging.Nop(), metrics.New())

	msg := newDomainMessage("patient-1", []byte("payload"))
	require.NoError(t, f.loop.process(context.Background(), msg))
	assertAcked(t, msg)
	assert.Len(t, f.pub.messages("PatientEvent-Error"), 1)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	mem := memory.New()
	sched := NewScheduler("QueryDispatch", mem, SchedulerOptions{Logger: logging.Nop()})
	m := metrics.New()
	retry := NewRetryWriter("QueryDispatch", time.Minute, mem, sched, pubSub, logging.Nop(), m)
	dead := NewDeadLetterWriter("QueryDispatch", pubSub, logging.Nop(), m)

	handled := make(chan *message.Message, 1)
	loop := NewConsumerLoop("PatientEvent", func(msg *message.Message) error {
		handled <- msg
		return nil
	}, pubSub, retry, dead, "QueryDispatch", 3, logging.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// give the subscription a moment to attach
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pubSub.Publish("PatientEvent", newDomainMessage("patient-1", []byte("payload"))))

	select {
	case msg := <-handled:
		assert.Equal(t, "patient-1", msg.Metadata.Get(headers.PartitionKey))
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
