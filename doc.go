// Package careflow is the reliability kernel for event-driven healthcare
// services: a message consumer loop with always-commit offset semantics,
// retry and dead-letter channel writers, a persistent retry timer store,
// a cluster-safe trigger scheduler, a facility trigger reconciler, and a
// distributed mutual-exclusion lock.
//
// A domain topic T has two companions managed by this subsystem, T-Retry
// and T-Error. A handler failure classified as transient persists a
// RetryRecord and schedules a replay trigger; the message's offset is
// committed regardless, so broker delivery is at-most-once and all
// retrying happens at the application level. Non-transient failures are
// quarantined on T-Error for operators. Retry exhaustion promotes to
// dead-letter.
//
// The trigger scheduler gives N instances of a service one logical
// clock: firing is claim-then-execute against a shared store (PostgreSQL
// in production, in-memory for tests), with heartbeats and expired-claim
// takeover, so each trigger fires exactly once cluster-wide. The
// reconciler diffs live triggers against desired state recomputed from
// tenant data, creating and removing only what changed.
//
// A minimal setup fills Config, creates a Service, registers handlers
// and reconcilers, and calls Start:
//
//	conf := careflow.Config{
//		ServiceName:  "QueryDispatch",
//		PubSubSystem: "kafka",
//		KafkaBrokers: []string{"broker:9092"},
//		PostgresURL:  "postgres://...",
//	}
//	svc, err := careflow.NewService(ctx, &conf, logger, careflow.Dependencies{})
//	svc.RegisterHandler("PatientEvent", handlePatientEvent)
//	svc.RegisterReconciler("dispatch", "dispatch-query", source)
//	err = svc.Start(ctx)
//
// Transports register themselves; import the ones you use:
//
//	import (
//		_ "github.com/careflow/careflow/transport/channel"
//		_ "github.com/careflow/careflow/transport/kafka"
//	)
package careflow
