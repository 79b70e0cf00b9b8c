// Package headers defines the message headers shared by the retry and
// dead-letter channels. Header bags are treated as immutable values: every
// mutation clones first, so a record republished from the retry store never
// aliases the headers of the message that produced it.
package headers

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	// ExceptionService names the service that produced a retry or error
	// event. Consumers discard messages whose value is another service.
	ExceptionService = "X-Exception-Service"

	// ExceptionFacility carries the tenant the failed message belonged to.
	ExceptionFacility = "X-Exception-Facility"

	// ExceptionMessage carries the operator-facing failure description.
	ExceptionMessage = "X-Exception-Message"

	// CorrelationID is an opaque tracing token propagated unchanged
	// through every retry.
	CorrelationID = "X-Correlation-Id"

	// RetryAttempt counts republishes. Absent means attempt zero.
	RetryAttempt = "X-Retry-Attempt"

	// PartitionKey carries the broker partition key (the facility id in
	// every service of the platform). The Kafka transport reads it when
	// marshaling.
	PartitionKey = "careflow_key"
)

// Clone returns a copy of md. A nil map clones to an empty, writable map.
func Clone(md message.Metadata) message.Metadata {
	cloned := make(message.Metadata, len(md))
	for k, v := range md {
		cloned[k] = v
	}
	return cloned
}

// With returns a clone of md with key set to value.
func With(md message.Metadata, key, value string) message.Metadata {
	cloned := Clone(md)
	cloned[key] = value
	return cloned
}

// Attempt reads the retry attempt counter, defaulting to zero when the
// header is absent or unparsable.
func Attempt(md message.Metadata) int {
	raw := md.Get(RetryAttempt)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithAttempt returns a clone of md with the attempt counter replaced.
func WithAttempt(md message.Metadata, attempt int) message.Metadata {
	return With(md, RetryAttempt, strconv.Itoa(attempt))
}

// ToMap converts a header bag to a plain map for persistence.
func ToMap(md message.Metadata) map[string]string {
	return Clone(md)
}

// FromMap converts persisted headers back to a watermill header bag.
func FromMap(m map[string]string) message.Metadata {
	return Clone(m)
}
