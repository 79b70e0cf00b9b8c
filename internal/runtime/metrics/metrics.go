// Package metrics exposes the Prometheus collectors for the reliability
// kernel: retry and dead-letter routing, trigger firing, and reconciler
// activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "careflow"

// Metrics bundles the collectors shared by the kernel components. A nil
// *Metrics is valid and records nothing, so optional wiring stays simple.
type Metrics struct {
	retriesScheduled  *prometheus.CounterVec
	deadLetters       *prometheus.CounterVec
	replays           *prometheus.CounterVec
	triggersFired     *prometheus.CounterVec
	triggerMisfires   *prometheus.CounterVec
	triggerFailures   *prometheus.CounterVec
	reconcileCreated  *prometheus.CounterVec
	reconcileRemoved  *prometheus.CounterVec
	messagesConsumed  *prometheus.CounterVec
	messagesDiscarded *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// New creates the metric collectors without registering them. Call
// Register to attach them to a registry.
func New() *Metrics {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Metrics{
		retriesScheduled:  counter("retry", "scheduled_total", "Retry records scheduled for re-delivery.", "topic"),
		deadLetters:       counter("retry", "dead_letters_total", "Messages quarantined on an error topic.", "topic"),
		replays:           counter("retry", "replays_total", "Retry records replayed to their original topic.", "topic"),
		triggersFired:     counter("scheduler", "triggers_fired_total", "Triggers claimed and executed by this instance.", "group"),
		triggerMisfires:   counter("scheduler", "trigger_misfires_total", "Triggers claimed past the misfire threshold.", "group"),
		triggerFailures:   counter("scheduler", "trigger_failures_total", "Job executions that returned an error.", "group"),
		reconcileCreated:  counter("reconcile", "triggers_created_total", "Triggers created by reconciliation.", "group"),
		reconcileRemoved:  counter("reconcile", "triggers_removed_total", "Orphan triggers removed by reconciliation.", "group"),
		messagesConsumed:  counter("consumer", "messages_total", "Messages pulled from the bus.", "topic", "outcome"),
		messagesDiscarded: counter("consumer", "messages_discarded_total", "Messages discarded by the provenance check.", "topic"),
	}
}

// Register attaches the collectors to the supplied registerer (the default
// registerer when nil). Registering twice is a no-op.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil || m.registered {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.registerer = reg

	collectors := []prometheus.Collector{
		m.retriesScheduled, m.deadLetters, m.replays,
		m.triggersFired, m.triggerMisfires, m.triggerFailures,
		m.reconcileCreated, m.reconcileRemoved,
		m.messagesConsumed, m.messagesDiscarded,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) RetryScheduled(topic string) {
	if m != nil {
		m.retriesScheduled.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) DeadLettered(topic string) {
	if m != nil {
		m.deadLetters.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Replayed(topic string) {
	if m != nil {
		m.replays.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) TriggerFired(group string) {
	if m != nil {
		m.triggersFired.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) TriggerMisfired(group string) {
	if m != nil {
		m.triggerMisfires.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) TriggerFailed(group string) {
	if m != nil {
		m.triggerFailures.WithLabelValues(group).Inc()
	}
}

func (m *Metrics) ReconcileCreated(group string, n int) {
	if m != nil && n > 0 {
		m.reconcileCreated.WithLabelValues(group).Add(float64(n))
	}
}

func (m *Metrics) ReconcileRemoved(group string, n int) {
	if m != nil && n > 0 {
		m.reconcileRemoved.WithLabelValues(group).Add(float64(n))
	}
}

func (m *Metrics) MessageConsumed(topic, outcome string) {
	if m != nil {
		m.messagesConsumed.WithLabelValues(topic, outcome).Inc()
	}
}

func (m *Metrics) MessageDiscarded(topic string) {
	if m != nil {
		m.messagesDiscarded.WithLabelValues(topic).Inc()
	}
}
