package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/careflow/careflow/internal/runtime/failure"
	"github.com/careflow/careflow/internal/runtime/headers"
	"github.com/careflow/careflow/internal/runtime/logging"
	"github.com/careflow/careflow/internal/runtime/metrics"
)

// Handler processes one domain message. Errors decide the message's
// fate: failure.Transient schedules a replay, everything else is
// dead-lettered, failure.Fatal stops the loop.
type Handler func(msg *message.Message) error

// ConsumerLoop reads one topic and applies the always-commit contract:
// every message is acked exactly once, success or failure, because
// retries run through the retry store rather than broker redelivery.
// Broker-level delivery is therefore at-most-once.
type ConsumerLoop struct {
	topic       string
	handler     Handler
	subscriber  message.Subscriber
	retry       *RetryWriter
	deadLetter  *DeadLetterWriter
	service     string
	maxAttempts int
	log         logging.ServiceLogger
	metrics     *metrics.Metrics
}

func NewConsumerLoop(topic string, handler Handler, subscriber message.Subscriber, retry *RetryWriter, deadLetter *DeadLetterWriter, service string, maxAttempts int, log logging.ServiceLogger, m *metrics.Metrics) *ConsumerLoop {
	return &ConsumerLoop{
		topic:       topic,
		handler:     handler,
		subscriber:  subscriber,
		retry:       retry,
		deadLetter:  deadLetter,
		service:     service,
		maxAttempts: maxAttempts,
		log:         log.With(logging.LogFields{"topic": topic}),
		metrics:     m,
	}
}

// Run consumes until ctx is cancelled, the subscriber channel closes
// (the topic is gone), or a message classifies as fatal.
func (l *ConsumerLoop) Run(ctx context.Context) error {
	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.topic, err)
	}
	l.log.Info("consumer loop started", nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				l.log.Warn("subscriber channel closed", nil)
				return nil
			}
			if err := l.process(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// process handles one message and always acks it, exactly once. The
// returned error is non-nil only for fatal classifications.
func (l *ConsumerLoop) process(ctx context.Context, msg *message.Message) error {
	defer msg.Ack()

	tracer := otel.Tracer("careflow-consumer")
	spanCtx, span := tracer.Start(ctx, "ConsumeMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", l.topic),
		attribute.String("message.uuid", msg.UUID),
	)
	msg.SetContext(spanCtx)

	log := l.log.With(logging.LogFields{
		"message_uuid":   msg.UUID,
		"correlation_id": msg.Metadata.Get(headers.CorrelationID),
	})

	// retry/error traffic of other services can share a topic prefix;
	// never re-process someone else's exception events
	if owner := msg.Metadata.Get(headers.ExceptionService); owner != "" && owner != l.service {
		l.metrics.MessageDiscarded(l.topic)
		log.Debug("discarded foreign exception event", logging.LogFields{"owner": owner})
		return nil
	}

	// a message without identity cannot be retried meaningfully
	if msg.Metadata.Get(headers.PartitionKey) == "" || len(msg.Payload) == 0 {
		l.metrics.MessageConsumed(l.topic, "dead_letter")
		if err := l.deadLetter.Write(spanCtx, l.topic, msg, "missing message key or empty payload"); err != nil {
			log.Error("dead-letter write", err, nil)
		}
		return nil
	}

	handlerErr := l.runHandler(msg)

	switch failure.Classify(handlerErr) {
	case failure.KindNone:
		l.metrics.MessageConsumed(l.topic, "ok")
		return nil

	case failure.KindTransient:
		if headers.Attempt(msg.Metadata) >= l.maxAttempts {
			l.metrics.MessageConsumed(l.topic, "dead_letter")
			log.Warn("retry attempts exhausted", logging.LogFields{"max_attempts": l.maxAttempts})
			reason := fmt.Sprintf("retry attempts exhausted: %s", failure.Reason(handlerErr))
			if err := l.deadLetter.Write(spanCtx, l.topic, msg, reason); err != nil {
				log.Error("dead-letter write", err, nil)
			}
			return nil
		}
		l.metrics.MessageConsumed(l.topic, "retry")
		if err := l.retry.Write(spanCtx, l.topic, msg, handlerErr); err != nil {
			// the retry store is down; quarantine rather than lose
			log.Error("retry write", err, nil)
			if dlErr := l.deadLetter.Write(spanCtx, l.topic, msg, failure.Reason(handlerErr)); dlErr != nil {
				log.Error("dead-letter write", dlErr, nil)
			}
		}
		return nil

	case failure.KindFatal:
		log.Error("fatal consumer failure", handlerErr, nil)
		return handlerErr

	default:
		l.metrics.MessageConsumed(l.topic, "dead_letter")
		log.Warn("dead-lettering message", logging.LogFields{"reason": failure.Reason(handlerErr)})
		if err := l.deadLetter.Write(spanCtx, l.topic, msg, failure.Reason(handlerErr)); err != nil {
			log.Error("dead-letter write", err, nil)
		}
		return nil
	}
}

func (l *ConsumerLoop) runHandler(msg *message.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return l.handler(msg)
}
