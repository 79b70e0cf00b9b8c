package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/store"
)

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidTablePrefix(t *testing.T) {
	for _, prefix := range []string{"1bad", "drop table;--", "Bad", "has space"} {
		_, err := New(Config{
			ConnectionString: "postgres://localhost/ignored",
			TablePrefix:      prefix,
		})
		assert.Error(t, err, "prefix %q should be rejected", prefix)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTablePrefix, cfg.TablePrefix)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)

	cfg = Config{TablePrefix: "custom", MaxOpenConns: 2, MaxIdleConns: 1}.withDefaults()
	assert.Equal(t, "custom", cfg.TablePrefix)
	assert.Equal(t, 2, cfg.MaxOpenConns)
}

// testStore connects to the database named by CAREFLOW_TEST_POSTGRES_URL
// and returns a store with a unique table prefix so parallel runs do not
// interfere. The test is skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CAREFLOW_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CAREFLOW_TEST_POSTGRES_URL not set")
	}
	prefix := fmt.Sprintf("cf_test_%d", time.Now().UnixNano())
	s, err := New(Config{ConnectionString: url, TablePrefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, table := range []string{"triggers", "jobs", "instances", "retries"} {
			_, _ = s.db.Exec("DROP TABLE IF EXISTS " + s.table(table) + " CASCADE")
		}
		s.Close()
	})
	return s
}

func TestIntegration_JobLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := store.JobKey{Name: "patient-123", Group: "Dispatch"}

	exists, err := s.JobExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	job := store.Job{Key: key, Type: "dispatch", Durable: true, Data: map[string]string{"facility": "fac-1"}}
	require.NoError(t, s.AddJob(ctx, job, false))

	exists, err = s.JobExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.GetJob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, job.Type, got.Type)
	assert.True(t, got.Durable)
	assert.Equal(t, "fac-1", got.Data["facility"])

	// replace=false keeps the existing row
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key, Type: "other"}, false))
	got, err = s.GetJob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "dispatch", got.Type)

	// replace=true overwrites it
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key, Type: "other"}, true))
	got, err = s.GetJob(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "other", got.Type)

	keys, err := s.JobKeys(ctx, "Dispatch")
	require.NoError(t, err)
	assert.Equal(t, []store.JobKey{key}, keys)

	require.NoError(t, s.DeleteJob(ctx, key))
	assert.ErrorIs(t, s.DeleteJob(ctx, key), store.ErrNotFound)

	_, err = s.GetJob(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_TriggerScheduleAndClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	key := store.JobKey{Name: "patient-1", Group: "Query"}
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key, Type: "query"}, false))

	due := store.Trigger{
		ID:          ids.CreateULID(),
		Job:         key,
		Description: "patient-1",
		FireAt:      now.Add(-time.Second),
		Data:        map[string]string{"facility": "fac-9"},
	}
	future := store.Trigger{
		ID:     ids.CreateULID(),
		Job:    key,
		FireAt: now.Add(time.Hour),
	}
	require.NoError(t, s.ScheduleTrigger(ctx, due))
	require.NoError(t, s.ScheduleTrigger(ctx, future))

	claimed, err := s.ClaimDueTriggers(ctx, "inst-a", now, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, store.TriggerAcquired, claimed[0].State)
	assert.Equal(t, "inst-a", claimed[0].ClaimedBy)
	assert.Equal(t, "fac-9", claimed[0].Data["facility"])
	assert.True(t, claimed[0].FireAt.Equal(due.FireAt))

	// second claim finds nothing due
	claimed, err = s.ClaimDueTriggers(ctx, "inst-b", now, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// one-shot completion removes the trigger
	require.NoError(t, s.CompleteTrigger(ctx, due.ID, nil))
	triggers, err := s.TriggersForJob(ctx, key)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, future.ID, triggers[0].ID)
}

func TestIntegration_TriggerRequiresJob(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.ScheduleTrigger(ctx, store.Trigger{
		ID:     ids.CreateULID(),
		Job:    store.JobKey{Name: "missing", Group: "Dispatch"},
		FireAt: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_DeleteJobCascadesTriggers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := store.JobKey{Name: "patient-2", Group: "Dispatch"}
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key}, false))
	require.NoError(t, s.ScheduleTrigger(ctx, store.Trigger{
		ID:     ids.CreateULID(),
		Job:    key,
		FireAt: time.Now().Add(time.Minute),
	}))

	require.NoError(t, s.DeleteJob(ctx, key))
	triggers, err := s.TriggersForJob(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestIntegration_RecurringCompleteReschedules(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	key := store.JobKey{Name: "sweep", Group: "Maintenance"}
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key, Durable: true}, false))

	trig := store.Trigger{
		ID:     ids.CreateULID(),
		Job:    key,
		FireAt: now.Add(-time.Second),
		Every:  time.Minute,
	}
	require.NoError(t, s.ScheduleTrigger(ctx, trig))

	claimed, err := s.ClaimDueTriggers(ctx, "inst-a", now, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(time.Minute)
	require.NoError(t, s.CompleteTrigger(ctx, trig.ID, &next))

	triggers, err := s.TriggersForJob(ctx, key)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, store.TriggerWaiting, triggers[0].State)
	assert.True(t, triggers[0].FireAt.Equal(next))
	assert.Empty(t, triggers[0].ClaimedBy)
}

func TestIntegration_ReleaseExpiredClaims(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	key := store.JobKey{Name: "patient-3", Group: "Dispatch"}
	require.NoError(t, s.AddJob(ctx, store.Job{Key: key}, false))

	trig := store.Trigger{ID: ids.CreateULID(), Job: key, FireAt: now.Add(-time.Minute)}
	require.NoError(t, s.ScheduleTrigger(ctx, trig))

	claimed, err := s.ClaimDueTriggers(ctx, "inst-dead", now, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// instance last checked in long ago
	require.NoError(t, s.Heartbeat(ctx, "inst-dead", now.Add(-10*time.Minute)))

	released, err := s.ReleaseExpiredClaims(ctx, now.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// the trigger is claimable again
	claimed, err = s.ClaimDueTriggers(ctx, "inst-b", now.Add(2*time.Second), 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "inst-b", claimed[0].ClaimedBy)
}

func TestIntegration_RetryRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := store.RetryRecord{
		ID:         ids.CreateULID(),
		Topic:      "PatientEvent",
		Key:        "patient-1",
		Payload:    []byte(`{"event":"admit"}`),
		Headers:    map[string]string{"X-Correlation-Id": "abc"},
		FacilityID: "fac-1",
		Service:    "QueryDispatch",
		Attempt:    1,
		DueAt:      now.Add(time.Minute),
		CreatedAt:  now,
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Topic, got.Topic)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, "abc", got.Headers["X-Correlation-Id"])
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.DueAt.Equal(rec.DueAt))

	listed, err := s.List(ctx, "QueryDispatch")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	listed, err = s.List(ctx, "OtherService")
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, s.Delete(ctx, rec.ID))
	assert.ErrorIs(t, s.Delete(ctx, rec.ID), store.ErrNotFound)
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
