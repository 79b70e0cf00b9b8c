package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/internal/runtime/logging"
	"github.com/careflow/careflow/internal/runtime/metrics"
	"github.com/careflow/careflow/store"
)

// DesiredTrigger is one row of desired state: what should fire, when,
// for which facility. Description is a stable external id (a patient
// id, a report period), never a scheduler-internal id, so desired state
// can be recomputed from source data on every pass.
type DesiredTrigger struct {
	FacilityID  string
	Description string
	FireAt      time.Time
	Data        map[string]string
}

// DesiredStateSource produces the full desired state across all
// facilities. Implementations typically query a tenant database.
type DesiredStateSource interface {
	DesiredTriggers(ctx context.Context) ([]DesiredTrigger, error)
}

// DesiredStateFunc adapts a function to DesiredStateSource.
type DesiredStateFunc func(ctx context.Context) ([]DesiredTrigger, error)

func (f DesiredStateFunc) DesiredTriggers(ctx context.Context) ([]DesiredTrigger, error) {
	return f(ctx)
}

// ReconcileStats counts what one pass changed.
type ReconcileStats struct {
	Created     int
	Removed     int
	Kept        int
	JobsAdded   int
	JobsRemoved int
}

// Reconciler diffs live triggers in one scheduler group against a
// desired-state source. The diff keeps unchanged entries untouched, so
// fire times do not jitter and there is no window where a due trigger
// is missing. Running it twice with unchanged desired state is a no-op.
type Reconciler struct {
	// Group is the scheduler group this reconciler owns. One job per
	// facility lives in it.
	Group string
	// JobType is assigned to jobs this reconciler creates.
	JobType string
	Source  DesiredStateSource

	scheduler *Scheduler
	log       logging.ServiceLogger
	metrics   *metrics.Metrics
}

func NewReconciler(group, jobType string, source DesiredStateSource, scheduler *Scheduler, log logging.ServiceLogger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		Group:     group,
		JobType:   jobType,
		Source:    source,
		scheduler: scheduler,
		log:       log.With(logging.LogFields{"group": group}),
		metrics:   m,
	}
}

// matchKey identifies a trigger for diffing. Matching runs on
// (description, fire time), never on trigger ids, because desired state
// is recomputed from scratch each pass. Times are truncated to the
// millisecond to survive a store round trip.
func matchKey(description string, fireAt time.Time) string {
	return description + "@" + fireAt.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

// Reconcile runs one full pass and reports what changed.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	desired, err := r.Source.DesiredTriggers(ctx)
	if err != nil {
		return stats, fmt.Errorf("load desired state: %w", err)
	}

	byFacility := make(map[string][]DesiredTrigger)
	for _, d := range desired {
		byFacility[d.FacilityID] = append(byFacility[d.FacilityID], d)
	}

	// the facility universe is the desired set plus every facility that
	// already has a job, so decommissioned facilities get cleaned up
	existingKeys, err := r.scheduler.JobKeys(ctx, r.Group)
	if err != nil {
		return stats, fmt.Errorf("list jobs: %w", err)
	}
	facilities := make(map[string]struct{}, len(byFacility)+len(existingKeys))
	for id := range byFacility {
		facilities[id] = struct{}{}
	}
	for _, key := range existingKeys {
		facilities[key.Name] = struct{}{}
	}

	for facilityID := range facilities {
		if err := r.reconcileFacility(ctx, facilityID, byFacility[facilityID], &stats); err != nil {
			return stats, fmt.Errorf("facility %s: %w", facilityID, err)
		}
	}

	if err := r.removeAbandonedJobs(ctx, byFacility, &stats); err != nil {
		return stats, err
	}

	r.metrics.ReconcileCreated(r.Group, stats.Created)
	r.metrics.ReconcileRemoved(r.Group, stats.Removed)
	r.log.Info("reconciled triggers", logging.LogFields{
		"created":      stats.Created,
		"removed":      stats.Removed,
		"kept":         stats.Kept,
		"jobs_added":   stats.JobsAdded,
		"jobs_removed": stats.JobsRemoved,
	})
	return stats, nil
}

func (r *Reconciler) reconcileFacility(ctx context.Context, facilityID string, desired []DesiredTrigger, stats *ReconcileStats) error {
	jobKey := store.JobKey{Name: facilityID, Group: r.Group}

	exists, err := r.scheduler.JobExists(ctx, jobKey)
	if err != nil {
		return err
	}
	if !exists {
		// durable: the job persists with zero triggers
		job := store.Job{Key: jobKey, Type: r.JobType, Durable: true}
		if err := r.scheduler.AddJob(ctx, job, false); err != nil {
			return err
		}
		stats.JobsAdded++
	}

	wanted := make(map[string]DesiredTrigger, len(desired))
	for _, d := range desired {
		key := matchKey(d.Description, d.FireAt)
		if _, dup := wanted[key]; dup {
			// the external id is not unique per fire time; only one
			// trigger will be scheduled for this key
			r.log.Warn("duplicate desired trigger", logging.LogFields{
				"facility_id": facilityID,
				"description": d.Description,
				"fire_at":     d.FireAt.UTC(),
			})
		}
		wanted[key] = d
	}

	live, err := r.scheduler.GetTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}

	matched := make(map[string]struct{}, len(live))
	for _, t := range live {
		key := matchKey(t.Description, t.FireAt)
		if _, ok := wanted[key]; ok {
			matched[key] = struct{}{}
			stats.Kept++
			continue
		}
		// orphan: nothing in desired state wants this firing anymore
		if err := r.scheduler.RemoveTrigger(ctx, t.ID); err != nil && err != store.ErrNotFound {
			return err
		}
		stats.Removed++
	}

	for key, d := range wanted {
		if _, ok := matched[key]; ok {
			continue
		}
		t := store.Trigger{
			ID:          ids.CreateULID(),
			Job:         jobKey,
			Description: d.Description,
			FireAt:      d.FireAt.UTC(),
			Data:        d.Data,
		}
		if err := r.scheduler.ScheduleTrigger(ctx, t); err != nil {
			return err
		}
		stats.Created++
	}
	return nil
}

// removeAbandonedJobs deletes jobs of facilities that left the desired
// set, but only once they hold zero triggers. A job with pending
// triggers is never deleted, only flagged.
func (r *Reconciler) removeAbandonedJobs(ctx context.Context, byFacility map[string][]DesiredTrigger, stats *ReconcileStats) error {
	keys, err := r.scheduler.JobKeys(ctx, r.Group)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, key := range keys {
		if _, wanted := byFacility[key.Name]; wanted {
			continue
		}
		triggers, err := r.scheduler.GetTriggersForJob(ctx, key)
		if err != nil {
			return err
		}
		if len(triggers) > 0 {
			r.log.Warn("job left desired set but still has triggers", logging.LogFields{
				"job":      key.String(),
				"triggers": len(triggers),
			})
			continue
		}
		if err := r.scheduler.RemoveJob(ctx, key); err != nil && err != store.ErrNotFound {
			return err
		}
		stats.JobsRemoved++
	}
	return nil
}
