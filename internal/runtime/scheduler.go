package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/internal/runtime/logging"
	"github.com/careflow/careflow/internal/runtime/metrics"
	"github.com/careflow/careflow/store"
)

// JobHandler executes one firing of a trigger. Returning an error
// releases the trigger for a later attempt instead of completing it.
type JobHandler func(ctx context.Context, job store.Job, trigger store.Trigger) error

// SchedulerOptions tunes the scheduler. Zero values fall back to the
// config package defaults.
type SchedulerOptions struct {
	// InstanceID identifies this process in the cluster membership
	// table. Generated when empty; stability across restarts is not
	// required.
	InstanceID string

	// CheckinInterval is how often the instance heartbeats. Claims of
	// an instance that misses check-ins for twice this interval are
	// released for takeover.
	CheckinInterval time.Duration

	// MisfireThreshold is how far past its fire time a trigger may be
	// claimed before the firing counts as a misfire.
	MisfireThreshold time.Duration

	// PollInterval is how often due triggers are claimed.
	PollInterval time.Duration

	// WorkerCount bounds concurrent trigger executions.
	WorkerCount int

	// RetryDelay is how far in the future a failed firing is
	// rescheduled.
	RetryDelay time.Duration

	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

func (o SchedulerOptions) withDefaults(serviceName string) SchedulerOptions {
	if o.InstanceID == "" {
		o.InstanceID = ids.InstanceID(serviceName)
	}
	if o.CheckinInterval <= 0 {
		o.CheckinInterval = 15 * time.Second
	}
	if o.MisfireThreshold <= 0 {
		o.MisfireThreshold = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Scheduler is the cluster's single logical clock. N instances of a
// service share one store; each trigger fires exactly once across all of
// them because firing is claim-then-execute and the claim is atomic.
type Scheduler struct {
	store store.JobStore
	opts  SchedulerOptions
	log   logging.ServiceLogger

	handlersMu sync.RWMutex
	handlers   map[string]JobHandler

	cronParser cron.Parser

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	tasks   sync.WaitGroup
	sem     chan struct{}

	now func() time.Time
}

func NewScheduler(serviceName string, st store.JobStore, opts SchedulerOptions) *Scheduler {
	opts = opts.withDefaults(serviceName)
	return &Scheduler{
		store:      st,
		opts:       opts,
		log:        opts.Logger.With(logging.LogFields{"instance_id": opts.InstanceID}),
		handlers:   make(map[string]JobHandler),
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		sem:        make(chan struct{}, opts.WorkerCount),
		now:        time.Now,
	}
}

// InstanceID returns this scheduler's cluster identity.
func (s *Scheduler) InstanceID() string {
	return s.opts.InstanceID
}

// RegisterJobHandler binds a job type to its handler. Triggers of jobs
// with an unregistered type are dropped with an error log when they
// fire. Registration after Start is not supported.
func (s *Scheduler) RegisterJobHandler(jobType string, h JobHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[jobType] = h
}

// AddJob persists a job. With replace unset, adding an existing key
// leaves it untouched.
func (s *Scheduler) AddJob(ctx context.Context, job store.Job, replace bool) error {
	return s.store.AddJob(ctx, job, replace)
}

func (s *Scheduler) JobExists(ctx context.Context, key store.JobKey) (bool, error) {
	return s.store.JobExists(ctx, key)
}

// ScheduleTrigger persists a waiting trigger for an existing job.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, t store.Trigger) error {
	return s.store.ScheduleTrigger(ctx, t)
}

// RemoveTrigger unschedules a trigger regardless of state.
func (s *Scheduler) RemoveTrigger(ctx context.Context, id string) error {
	return s.store.UnscheduleTrigger(ctx, id)
}

func (s *Scheduler) GetTriggersForJob(ctx context.Context, key store.JobKey) ([]store.Trigger, error) {
	return s.store.TriggersForJob(ctx, key)
}

// RemoveJob deletes a job together with its triggers.
func (s *Scheduler) RemoveJob(ctx context.Context, key store.JobKey) error {
	return s.store.DeleteJob(ctx, key)
}

// JobKeys lists the job keys in a group.
func (s *Scheduler) JobKeys(ctx context.Context, group string) ([]store.JobKey, error) {
	return s.store.JobKeys(ctx, group)
}

// Start registers the instance and launches the heartbeat, reaper, and
// polling loops. It returns immediately; use Shutdown to stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	if err := s.store.Heartbeat(ctx, s.opts.InstanceID, s.now().UTC()); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	s.loops.Add(3)
	go s.heartbeatLoop(runCtx)
	go s.reaperLoop(runCtx)
	go s.pollLoop(runCtx)

	s.log.Info("scheduler started", logging.LogFields{
		"workers":       s.opts.WorkerCount,
		"poll_interval": s.opts.PollInterval,
	})
	return nil
}

// Shutdown stops the loops and waits for in-flight trigger executions
// to drain, or for ctx to expire. Unfinished claims are left for the
// reaper of a surviving instance.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.CheckinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, s.opts.InstanceID, s.now().UTC()); err != nil {
				s.log.Error("heartbeat", err, nil)
			}
		}
	}
}

// reaperLoop frees claims whose lease lapsed or whose holder went quiet,
// so a crashed instance's triggers are taken over instead of wedged.
func (s *Scheduler) reaperLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.CheckinInterval)
	defer ticker.Stop()

	staleAfter := 2 * s.opts.CheckinInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.store.ReleaseExpiredClaims(ctx, s.now().UTC(), staleAfter)
			if err != nil {
				s.log.Error("release expired claims", err, nil)
				continue
			}
			if released > 0 {
				s.log.Warn("released expired claims", logging.LogFields{"count": released})
			}
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	// a claim must outlive a slow execution plus one reaper cycle
	claimFor := 2 * s.opts.CheckinInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now().UTC()
			triggers, err := s.store.ClaimDueTriggers(ctx, s.opts.InstanceID, now, s.opts.WorkerCount, claimFor)
			if err != nil {
				s.log.Error("claim due triggers", err, nil)
				continue
			}
			for _, t := range triggers {
				select {
				case s.sem <- struct{}{}:
				case <-ctx.Done():
					// claim stays on this instance; the reaper
					// frees it after the lease lapses
					return
				}
				s.tasks.Add(1)
				go func(t store.Trigger) {
					defer s.tasks.Done()
					defer func() { <-s.sem }()
					s.execute(ctx, t)
				}(t)
			}
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t store.Trigger) {
	now := s.now().UTC()
	log := s.log.With(logging.LogFields{
		"trigger_id": t.ID,
		"job":        t.Job.String(),
	})

	if overdue := now.Sub(t.FireAt); overdue > s.opts.MisfireThreshold {
		s.opts.Metrics.TriggerMisfired(t.Job.Group)
		log.Warn("trigger misfired", logging.LogFields{"overdue": overdue})
	}

	job, err := s.store.GetJob(ctx, t.Job)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// job removed between claim and execution
			s.completeQuietly(ctx, t.ID, nil)
			return
		}
		log.Error("load job", err, nil)
		s.release(ctx, t.ID)
		return
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[job.Type]
	s.handlersMu.RUnlock()
	if !ok {
		log.Error("no handler for job type", fmt.Errorf("unregistered job type %q", job.Type), nil)
		s.completeQuietly(ctx, t.ID, nil)
		return
	}

	if err := s.runHandler(ctx, handler, job, t); err != nil {
		s.opts.Metrics.TriggerFailed(t.Job.Group)
		log.Error("trigger execution failed", err, nil)
		s.release(ctx, t.ID)
		return
	}

	s.opts.Metrics.TriggerFired(t.Job.Group)

	if t.Recurring() {
		next, err := s.nextFireTime(t, s.now().UTC())
		if err != nil {
			log.Error("compute next fire time", err, nil)
			s.completeQuietly(ctx, t.ID, nil)
			return
		}
		s.completeQuietly(ctx, t.ID, &next)
		return
	}
	s.completeQuietly(ctx, t.ID, nil)
}

func (s *Scheduler) runHandler(ctx context.Context, handler JobHandler, job store.Job, t store.Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job, t)
}

// completeQuietly tolerates ErrNotFound: the handler may have removed
// the job (and with it the trigger) as part of its own work.
//
// The store write is detached from run-context cancellation: an
// execution finishing while Shutdown cancels the loops must still
// persist its outcome, or the completed trigger stays acquired and a
// surviving instance's reaper fires it a second time.
func (s *Scheduler) completeQuietly(ctx context.Context, id string, next *time.Time) {
	if err := s.store.CompleteTrigger(context.WithoutCancel(ctx), id, next); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("complete trigger", err, logging.LogFields{"trigger_id": id})
	}
}

// release detaches from cancellation for the same reason as
// completeQuietly: a failed firing must land in waiting state, not stay
// claimed until the lease lapses.
func (s *Scheduler) release(ctx context.Context, id string) {
	next := s.now().UTC().Add(s.opts.RetryDelay)
	if err := s.store.ReleaseTrigger(context.WithoutCancel(ctx), id, next); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("release trigger", err, logging.LogFields{"trigger_id": id})
	}
}

func (s *Scheduler) nextFireTime(t store.Trigger, after time.Time) (time.Time, error) {
	if t.Cron != "" {
		schedule, err := s.cronParser.Parse(t.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", t.Cron, err)
		}
		return schedule.Next(after).UTC(), nil
	}
	return after.Add(t.Every), nil
}
