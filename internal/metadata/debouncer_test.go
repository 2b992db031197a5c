package metadata

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func strptr(s string) *string { return &s }

// recorder captures applied patches.
type recorder struct {
	mu      sync.Mutex
	applied []Patch
	jobIDs  []string
}

func (r *recorder) apply(jobID string, p Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs = append(r.jobIDs, jobID)
	r.applied = append(r.applied, p)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *recorder) last() (string, Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobIDs[len(r.jobIDs)-1], r.applied[len(r.applied)-1]
}

func TestDebouncerCoalescesUpdates(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(40*time.Millisecond, rec.apply, zap.NewNop())
	defer d.Shutdown()

	d.Schedule("j1", Patch{Title: strptr("one")})
	d.Schedule("j1", Patch{Title: strptr("two")})
	d.Schedule("j1", Patch{Description: strptr("desc")})

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)

	jobID, p := rec.last()
	assert.Equal(t, "j1", jobID)
	require.NotNil(t, p.Title)
	assert.Equal(t, "two", *p.Title)
	require.NotNil(t, p.Description)
	assert.Equal(t, "desc", *p.Description)

	// No second flush arrives.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestDebouncerSchedulingRestartsTimer(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(50*time.Millisecond, rec.apply, zap.NewNop())
	defer d.Shutdown()

	d.Schedule("j1", Patch{Title: strptr("a")})
	time.Sleep(30 * time.Millisecond)
	d.Schedule("j1", Patch{Title: strptr("b")})
	time.Sleep(30 * time.Millisecond)

	// 60ms since the first schedule, but only 30ms since the second: the
	// timer was restarted so nothing has fired yet.
	assert.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
	_, p := rec.last()
	assert.Equal(t, "b", *p.Title)
}

func TestDebouncerTracksJobsIndependently(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(20*time.Millisecond, rec.apply, zap.NewNop())
	defer d.Shutdown()

	d.Schedule("j1", Patch{Title: strptr("one")})
	d.Schedule("j2", Patch{Title: strptr("two")})

	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestDebouncerCancelDropsPending(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(30*time.Millisecond, rec.apply, zap.NewNop())
	defer d.Shutdown()

	d.Schedule("j1", Patch{Title: strptr("doomed")})
	d.Cancel("j1")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestDebouncerShutdownCancelsEverything(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(30*time.Millisecond, rec.apply, zap.NewNop())

	d.Schedule("j1", Patch{Title: strptr("a")})
	d.Schedule("j2", Patch{Title: strptr("b")})
	d.Shutdown()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}
