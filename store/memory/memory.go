// Package memory provides in-process store backends. They honour the same
// atomicity contract as the Postgres backends behind one mutex, which makes
// them suitable for tests and single-process development but not for a real
// multi-instance deployment: the claim protocol only isolates schedulers
// that share the same *Store value.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/careflow/careflow/store"
)

// Store implements store.JobStore and store.RetryStore in memory.
type Store struct {
	mu       sync.Mutex
	jobs     map[store.JobKey]store.Job
	triggers map[string]store.Trigger
	checkins map[string]time.Time
	records  map[string]store.RetryRecord
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:     make(map[store.JobKey]store.Job),
		triggers: make(map[string]store.Trigger),
		checkins: make(map[string]time.Time),
		records:  make(map[string]store.RetryRecord),
	}
}

func (s *Store) AddJob(_ context.Context, job store.Job, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Key]; exists && !replace {
		return nil
	}
	s.jobs[job.Key] = cloneJob(job)
	return nil
}

func (s *Store) JobExists(_ context.Context, key store.JobKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[key]
	return ok, nil
}

func (s *Store) GetJob(_ context.Context, key store.JobKey) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Store) DeleteJob(_ context.Context, key store.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, key)
	for id, t := range s.triggers {
		if t.Job == key {
			delete(s.triggers, id)
		}
	}
	return nil
}

func (s *Store) JobKeys(_ context.Context, group string) ([]store.JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []store.JobKey
	for key := range s.jobs {
		if key.Group == group {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

func (s *Store) ScheduleTrigger(_ context.Context, t store.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[t.Job]; !ok {
		return store.ErrNotFound
	}
	t.State = store.TriggerWaiting
	t.ClaimedBy = ""
	t.ClaimedUntil = time.Time{}
	s.triggers[t.ID] = cloneTrigger(t)
	return nil
}

func (s *Store) UnscheduleTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) TriggersForJob(_ context.Context, key store.JobKey) ([]store.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Trigger
	for _, t := range s.triggers {
		if t.Job == key {
			out = append(out, cloneTrigger(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (s *Store) ClaimDueTriggers(_ context.Context, instanceID string, now time.Time, limit int, claimFor time.Duration) ([]store.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []store.Trigger
	for _, t := range s.triggers {
		if t.State == store.TriggerWaiting && !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]store.Trigger, 0, len(due))
	for _, t := range due {
		t.State = store.TriggerAcquired
		t.ClaimedBy = instanceID
		t.ClaimedUntil = now.Add(claimFor)
		s.triggers[t.ID] = t
		claimed = append(claimed, cloneTrigger(t))
	}
	return claimed, nil
}

func (s *Store) CompleteTrigger(_ context.Context, id string, nextFireAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	if nextFireAt == nil {
		delete(s.triggers, id)
		return nil
	}
	t.State = store.TriggerWaiting
	t.FireAt = nextFireAt.UTC()
	t.ClaimedBy = ""
	t.ClaimedUntil = time.Time{}
	s.triggers[id] = t
	return nil
}

func (s *Store) ReleaseTrigger(_ context.Context, id string, nextFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	t.State = store.TriggerWaiting
	t.FireAt = nextFireAt.UTC()
	t.ClaimedBy = ""
	t.ClaimedUntil = time.Time{}
	s.triggers[id] = t
	return nil
}

func (s *Store) Heartbeat(_ context.Context, instanceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkins[instanceID] = now
	return nil
}

func (s *Store) ReleaseExpiredClaims(_ context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for id, t := range s.triggers {
		if t.State != store.TriggerAcquired {
			continue
		}
		lapsed := t.ClaimedUntil.Before(now)
		stale := false
		if checkin, ok := s.checkins[t.ClaimedBy]; ok {
			stale = now.Sub(checkin) > staleAfter
		}
		if lapsed || stale {
			t.State = store.TriggerWaiting
			t.ClaimedBy = ""
			t.ClaimedUntil = time.Time{}
			s.triggers[id] = t
			released++
		}
	}
	return released, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Save(_ context.Context, rec store.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (store.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.RetryRecord{}, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) List(_ context.Context, service string) ([]store.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.RetryRecord
	for _, rec := range s.records {
		if service == "" || rec.Service == service {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneJob(job store.Job) store.Job {
	job.Data = cloneMap(job.Data)
	return job
}

func cloneTrigger(t store.Trigger) store.Trigger {
	t.Data = cloneMap(t.Data)
	return t
}

func cloneRecord(rec store.RetryRecord) store.RetryRecord {
	rec.Headers = cloneMap(rec.Headers)
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
