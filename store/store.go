// Package store defines the persistence contracts shared by every careflow
// instance: the job/trigger store behind the distributed scheduler and the
// retry record store behind the retry channel. Backend implementations live
// in sub-packages (postgres, memory) and must make every single-record
// mutation atomic; claim-then-execute correctness depends on it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job, trigger, or retry record does not
// exist.
var ErrNotFound = errors.New("careflow/store: not found")

// JobKey identifies a Job by its owning entity (a facility or retry record
// id) and a logical group ("dispatch", "retry", "end-of-period").
type JobKey struct {
	Name  string
	Group string
}

func (k JobKey) String() string {
	return k.Group + "." + k.Name
}

// Job is a named, durable unit of scheduled work. At most one Job exists
// per key; AddJob with replace upserts.
type Job struct {
	Key JobKey

	// Type selects the handler in the scheduler's job registry.
	Type string

	// Durable jobs persist with zero triggers. Non-durable jobs may be
	// garbage-collected by the backend once their last trigger completes.
	Durable bool

	Data map[string]string
}

// TriggerState tracks a trigger through the claim-then-execute cycle.
type TriggerState string

const (
	// TriggerWaiting means the trigger is schedulable.
	TriggerWaiting TriggerState = "waiting"

	// TriggerAcquired means an instance holds the claim and is executing.
	TriggerAcquired TriggerState = "acquired"
)

// Trigger is a scheduled firing instance attached to a Job.
//
// Description is the secondary matching key used by reconciliation: it must
// be a stable external id (patient id, period id), because triggers are
// matched by (Description, FireAt), never by ID.
type Trigger struct {
	ID          string
	Job         JobKey
	Description string
	FireAt      time.Time
	Data        map[string]string

	// Every repeats the trigger on a fixed interval after each firing.
	// Zero means one-shot unless Cron is set.
	Every time.Duration

	// Cron repeats the trigger on a 5-field cron schedule. Takes
	// precedence over Every.
	Cron string

	State        TriggerState
	ClaimedBy    string
	ClaimedUntil time.Time
}

// Recurring reports whether the trigger reschedules itself after firing.
func (t Trigger) Recurring() bool {
	return t.Cron != "" || t.Every > 0
}

// RetryRecord is a failed message waiting for scheduled re-delivery.
// Records are immutable; a reschedule replaces the trigger, not the record.
type RetryRecord struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Key        string            `json:"key"`
	Payload    []byte            `json:"payload"`
	Headers    map[string]string `json:"headers"`
	FacilityID string            `json:"facility_id"`
	Service    string            `json:"service"`
	Attempt    int               `json:"attempt"`
	DueAt      time.Time         `json:"due_at"`
	CreatedAt  time.Time         `json:"created_at"`
}

// JobStore is the shared persistent schedule. All instances of a service
// point at one JobStore; it is the only coordination channel between them.
type JobStore interface {
	// AddJob creates a job. With replace set it upserts; without, adding
	// an existing key is a no-op.
	AddJob(ctx context.Context, job Job, replace bool) error

	JobExists(ctx context.Context, key JobKey) (bool, error)

	GetJob(ctx context.Context, key JobKey) (Job, error)

	// DeleteJob removes a job and all of its triggers.
	DeleteJob(ctx context.Context, key JobKey) error

	// JobKeys lists the keys in a group.
	JobKeys(ctx context.Context, group string) ([]JobKey, error)

	// ScheduleTrigger persists a waiting trigger. The job must exist.
	ScheduleTrigger(ctx context.Context, t Trigger) error

	// UnscheduleTrigger removes a trigger regardless of state.
	UnscheduleTrigger(ctx context.Context, id string) error

	TriggersForJob(ctx context.Context, key JobKey) ([]Trigger, error)

	// ClaimDueTriggers atomically moves up to limit due waiting triggers
	// to the acquired state for instanceID, claimed until now+claimFor.
	// Two instances can never claim the same trigger.
	ClaimDueTriggers(ctx context.Context, instanceID string, now time.Time, limit int, claimFor time.Duration) ([]Trigger, error)

	// CompleteTrigger finishes an acquired trigger: deleted when
	// nextFireAt is nil, rescheduled to wait at *nextFireAt otherwise.
	CompleteTrigger(ctx context.Context, id string, nextFireAt *time.Time) error

	// ReleaseTrigger returns an acquired trigger to the waiting state at
	// a new fire time (the failed-execution path).
	ReleaseTrigger(ctx context.Context, id string, nextFireAt time.Time) error

	// Heartbeat records a cluster check-in for instanceID.
	Heartbeat(ctx context.Context, instanceID string, now time.Time) error

	// ReleaseExpiredClaims frees triggers whose claim lapsed or whose
	// claiming instance missed check-ins for longer than staleAfter,
	// making them claimable by any live instance. Returns the number
	// released.
	ReleaseExpiredClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// RetryStore persists retry records between failure and replay.
type RetryStore interface {
	Save(ctx context.Context, rec RetryRecord) error
	Get(ctx context.Context, id string) (RetryRecord, error)
	Delete(ctx context.Context, id string) error

	// List returns the pending records owned by a service, oldest first.
	// It exists for operator tooling; the replay path loads by id.
	List(ctx context.Context, service string) ([]RetryRecord, error)

	Ping(ctx context.Context) error
}

// Validate rejects triggers the backends would silently mangle.
func (t Trigger) Validate() error {
	if t.ID == "" {
		return errors.New("careflow/store: trigger id is required")
	}
	if t.Job.Name == "" || t.Job.Group == "" {
		return fmt.Errorf("careflow/store: trigger %s needs a complete job key", t.ID)
	}
	if t.FireAt.IsZero() {
		return fmt.Errorf("careflow/store: trigger %s needs a fire time", t.ID)
	}
	return nil
}
