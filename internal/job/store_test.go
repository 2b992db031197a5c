package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newJob(id string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		Status:        StatusCreated,
		RestartPolicy: RestartOnFailure,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Insert(newJob("j1"))

	got, ok := s.Get("j1")
	require.True(t, ok)
	assert.Equal(t, "j1", got.ID)

	_, ok = s.Get("nope")
	assert.False(t, ok)
}

func TestStoreGetReturnsClone(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Insert(newJob("j1"))

	a, _ := s.Get("j1")
	a.Status = StatusRunning
	a.StreamMetadata.Title = "mutated"

	b, _ := s.Get("j1")
	assert.Equal(t, StatusCreated, b.Status)
	assert.Empty(t, b.StreamMetadata.Title)
}

func TestStoreIdempotencyKeyMapsToLiveJob(t *testing.T) {
	s := NewStore(zap.NewNop())
	j := newJob("j1")
	j.IdempotencyKey = "k"
	s.Insert(j)

	got, ok := s.GetByIdempotencyKey("k")
	require.True(t, ok)
	assert.Equal(t, "j1", got.ID)
}

func TestStoreTerminalReleasesIdempotencyKey(t *testing.T) {
	s := NewStore(zap.NewNop())
	j := newJob("j1")
	j.IdempotencyKey = "k"
	s.Insert(j)

	s.Update("j1", func(x *Job) { x.Status = StatusFailed })

	_, ok := s.GetByIdempotencyKey("k")
	assert.False(t, ok, "terminal job must release its idempotency key")
}

func TestStoreUpdateBumpsUpdatedAt(t *testing.T) {
	s := NewStore(zap.NewNop())
	j := newJob("j1")
	j.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	s.Insert(j)

	updated, ok := s.Update("j1", func(x *Job) { x.Status = StatusPending })
	require.True(t, ok)
	assert.Equal(t, StatusPending, updated.Status)
	assert.WithinDuration(t, time.Now().UTC(), updated.UpdatedAt, time.Second)

	_, ok = s.Update("nope", func(x *Job) {})
	assert.False(t, ok)
}

func TestStoreOldestPending(t *testing.T) {
	s := NewStore(zap.NewNop())

	older := newJob("old")
	older.Status = StatusPending
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	newer := newJob("new")
	newer.Status = StatusPending
	running := newJob("running")
	running.Status = StatusRunning
	running.CreatedAt = time.Now().UTC().Add(-time.Hour)

	s.Insert(newer)
	s.Insert(older)
	s.Insert(running)

	got, ok := s.OldestPending()
	require.True(t, ok)
	assert.Equal(t, "old", got.ID)
}

func TestStoreOldestPendingEmpty(t *testing.T) {
	s := NewStore(zap.NewNop())
	_, ok := s.OldestPending()
	assert.False(t, ok)
}

func TestStoreListOrderedByCreation(t *testing.T) {
	s := NewStore(zap.NewNop())
	base := time.Now().UTC()
	for i, id := range []string{"c", "a", "b"} {
		j := newJob(id)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		s.Insert(j)
	}

	var ids []string
	for _, j := range s.List() {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestStoreActiveFiltersTerminalAndCreated(t *testing.T) {
	s := NewStore(zap.NewNop())
	for id, st := range map[string]Status{
		"created": StatusCreated,
		"pending": StatusPending,
		"running": StatusRunning,
		"stopped": StatusStopped,
		"failed":  StatusFailed,
	} {
		j := newJob(id)
		j.Status = st
		s.Insert(j)
	}

	active := s.Active()
	ids := make(map[string]bool)
	for _, j := range active {
		ids[j.ID] = true
	}
	assert.Equal(t, map[string]bool{"pending": true, "running": true}, ids)
}

func TestStoreChangeNotifications(t *testing.T) {
	s := NewStore(zap.NewNop())

	var seen []Status
	s.SetOnChange(func(j *Job) { seen = append(seen, j.Status) })

	s.Insert(newJob("j1"))
	s.Update("j1", func(x *Job) { x.Status = StatusPending })
	s.Update("j1", func(x *Job) { x.Status = StatusAssigned })

	assert.Equal(t, []Status{StatusCreated, StatusPending, StatusAssigned}, seen)
}

func TestStatusPredicates(t *testing.T) {
	for _, st := range []Status{StatusStopped, StatusFailed, StatusCanceled, StatusDismissed} {
		assert.True(t, st.Terminal(), st)
		assert.False(t, st.Active(), st)
	}
	for _, st := range []Status{StatusPending, StatusAssigned, StatusAccepted, StatusStarting, StatusRunning, StatusStopping} {
		assert.False(t, st.Terminal(), st)
		assert.True(t, st.Active(), st)
	}
	assert.False(t, StatusCreated.Active())
	assert.False(t, StatusUnknown.Terminal())
}
