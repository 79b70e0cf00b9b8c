package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/careflow/careflow/internal/runtime/failure"
	"github.com/careflow/careflow/internal/runtime/headers"
	"github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/internal/runtime/logging"
	"github.com/careflow/careflow/internal/runtime/metrics"
	"github.com/careflow/careflow/store"
)

// JobGroupRetry is the scheduler group holding replay jobs.
const JobGroupRetry = "retry"

// JobTypeRetryReplay is the job type the replay handler registers under.
const JobTypeRetryReplay = "retry-replay"

const jobDataRecordID = "record_id"

// RetryWriter handles transient failures. It persists a RetryRecord,
// schedules a one-shot replay trigger, and publishes an exception event
// to the topic's retry companion for operator visibility.
type RetryWriter struct {
	service   string
	delay     time.Duration
	records   store.RetryStore
	scheduler *Scheduler
	publisher message.Publisher
	log       logging.ServiceLogger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRetryWriter(service string, delay time.Duration, records store.RetryStore, scheduler *Scheduler, publisher message.Publisher, log logging.ServiceLogger, m *metrics.Metrics) *RetryWriter {
	return &RetryWriter{
		service:   service,
		delay:     delay,
		records:   records,
		scheduler: scheduler,
		publisher: publisher,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Write schedules a replay of msg on topic after the configured delay.
// The record's attempt counter is the attempt number the replay will
// carry, one past the attempt the failed delivery carried.
func (w *RetryWriter) Write(ctx context.Context, topic string, msg *message.Message, cause error) error {
	now := w.now().UTC()
	attempt := headers.Attempt(msg.Metadata) + 1

	rec := store.RetryRecord{
		ID:         ids.CreateULID(),
		Topic:      topic,
		Key:        msg.Metadata.Get(headers.PartitionKey),
		Payload:    msg.Payload,
		Headers:    headers.ToMap(msg.Metadata),
		FacilityID: msg.Metadata.Get(headers.ExceptionFacility),
		Service:    w.service,
		Attempt:    attempt,
		DueAt:      now.Add(w.delay),
		CreatedAt:  now,
	}

	if err := w.records.Save(ctx, rec); err != nil {
		return fmt.Errorf("save retry record: %w", err)
	}

	jobKey := store.JobKey{Name: rec.ID, Group: JobGroupRetry}
	job := store.Job{
		Key:     jobKey,
		Type:    JobTypeRetryReplay,
		Durable: true,
		Data:    map[string]string{jobDataRecordID: rec.ID, "topic": topic},
	}
	if err := w.scheduler.AddJob(ctx, job, false); err != nil {
		w.discardPartialRetry(ctx, rec.ID, nil)
		return fmt.Errorf("add replay job: %w", err)
	}
	trigger := store.Trigger{
		ID:          ids.CreateULID(),
		Job:         jobKey,
		Description: rec.ID,
		FireAt:      rec.DueAt,
	}
	if err := w.scheduler.ScheduleTrigger(ctx, trigger); err != nil {
		w.discardPartialRetry(ctx, rec.ID, &jobKey)
		return fmt.Errorf("schedule replay trigger: %w", err)
	}

	w.publishRetryEvent(topic, msg, attempt, cause)
	w.metrics.RetryScheduled(topic)
	w.log.Info("scheduled retry", logging.LogFields{
		"topic":          topic,
		"record_id":      rec.ID,
		"attempt":        attempt,
		"due_at":         rec.DueAt,
		"correlation_id": msg.Metadata.Get(headers.CorrelationID),
	})
	return nil
}

// discardPartialRetry undoes a half-scheduled retry so the message can
// be dead-lettered instead. Without a trigger the record would sit in
// the store forever, showing up as a pending retry that never replays.
func (w *RetryWriter) discardPartialRetry(ctx context.Context, recordID string, jobKey *store.JobKey) {
	ctx = context.WithoutCancel(ctx)
	if jobKey != nil {
		if err := w.scheduler.RemoveJob(ctx, *jobKey); err != nil && err != store.ErrNotFound {
			w.log.Error("remove orphaned replay job", err, logging.LogFields{"job": jobKey.String()})
		}
	}
	if err := w.records.Delete(ctx, recordID); err != nil && err != store.ErrNotFound {
		w.log.Error("delete orphaned retry record", err, logging.LogFields{"record_id": recordID})
	}
}

// publishRetryEvent mirrors the failed message onto the retry companion
// topic. A publish failure here is logged and swallowed: the persisted
// record already guarantees the replay.
func (w *RetryWriter) publishRetryEvent(topic string, msg *message.Message, attempt int, cause error) {
	event := message.NewMessage(ids.CreateULID(), msg.Payload)
	event.Metadata = headers.Clone(msg.Metadata)
	event.Metadata.Set(headers.ExceptionService, w.service)
	event.Metadata.Set(headers.ExceptionMessage, failure.Reason(cause))
	event.Metadata.Set(headers.RetryAttempt, strconv.Itoa(attempt))

	if err := w.publisher.Publish(RetryTopic(topic), event); err != nil {
		w.log.Error("publish retry event", err, logging.LogFields{"topic": RetryTopic(topic)})
	}
}

// replayJob is the scheduler handler that re-delivers a stored record to
// its original topic. On publish failure the scheduler releases the
// trigger for a later attempt and the record is kept.
func (w *RetryWriter) replayJob(ctx context.Context, job store.Job, _ store.Trigger) error {
	recordID := job.Data[jobDataRecordID]
	if recordID == "" {
		recordID = job.Key.Name
	}

	rec, err := w.records.Get(ctx, recordID)
	if err != nil {
		if err == store.ErrNotFound {
			// already replayed or purged; drop the job
			w.log.Warn("retry record gone", logging.LogFields{"record_id": recordID})
			return w.scheduler.RemoveJob(ctx, job.Key)
		}
		return failure.Transient(err)
	}

	// a record is only ever consumed by the service that wrote it
	if rec.Service != w.service {
		w.log.Warn("retry record owned by another service", logging.LogFields{
			"record_id": rec.ID,
			"owner":     rec.Service,
		})
		return nil
	}

	msg := message.NewMessage(ids.CreateULID(), rec.Payload)
	msg.Metadata = headers.FromMap(rec.Headers)
	msg.Metadata.Set(headers.RetryAttempt, strconv.Itoa(rec.Attempt))
	if rec.Key != "" {
		msg.Metadata.Set(headers.PartitionKey, rec.Key)
	}
	// the replayed message must look like first-class traffic again
	delete(msg.Metadata, headers.ExceptionService)
	delete(msg.Metadata, headers.ExceptionMessage)

	if err := w.publisher.Publish(rec.Topic, msg); err != nil {
		return failure.Transient(fmt.Errorf("republish to %s: %w", rec.Topic, err))
	}

	if err := w.records.Delete(ctx, rec.ID); err != nil && err != store.ErrNotFound {
		w.log.Error("delete replayed record", err, logging.LogFields{"record_id": rec.ID})
	}
	if err := w.scheduler.RemoveJob(ctx, job.Key); err != nil && err != store.ErrNotFound {
		w.log.Error("remove replay job", err, logging.LogFields{"job": job.Key.String()})
	}

	w.metrics.Replayed(rec.Topic)
	w.log.Info("replayed message", logging.LogFields{
		"topic":     rec.Topic,
		"record_id": rec.ID,
		"attempt":   rec.Attempt,
	})
	return nil
}

// DeadLetterWriter quarantines messages on the topic's error companion.
// Dead-lettering is terminal; getting a message out again is operator
// work.
type DeadLetterWriter struct {
	service   string
	publisher message.Publisher
	log       logging.ServiceLogger
	metrics   *metrics.Metrics
}

func NewDeadLetterWriter(service string, publisher message.Publisher, log logging.ServiceLogger, m *metrics.Metrics) *DeadLetterWriter {
	return &DeadLetterWriter{service: service, publisher: publisher, log: log, metrics: m}
}

// Write publishes msg to the error companion of topic with the exception
// headers set.
func (w *DeadLetterWriter) Write(ctx context.Context, topic string, msg *message.Message, reason string) error {
	event := message.NewMessage(ids.CreateULID(), msg.Payload)
	event.Metadata = headers.Clone(msg.Metadata)
	event.Metadata.Set(headers.ExceptionService, w.service)
	event.Metadata.Set(headers.ExceptionMessage, reason)

	if err := w.publisher.Publish(ErrorTopic(topic), event); err != nil {
		return fmt.Errorf("publish to %s: %w", ErrorTopic(topic), err)
	}

	w.metrics.DeadLettered(topic)
	w.log.Warn("dead-lettered message", logging.LogFields{
		"topic":          topic,
		"reason":         reason,
		"correlation_id": msg.Metadata.Get(headers.CorrelationID),
	})
	return nil
}
