package runtime

// Every domain topic T has two companions used exclusively by this
// subsystem. Consumers of T never publish to these directly; the retry
// and dead-letter writers are the only producers.
const (
	RetrySuffix = "-Retry"
	ErrorSuffix = "-Error"
)

// RetryTopic returns the retry companion of a domain topic.
func RetryTopic(topic string) string {
	return topic + RetrySuffix
}

// ErrorTopic returns the dead-letter companion of a domain topic.
func ErrorTopic(topic string) string {
	return topic + ErrorSuffix
}
