package job

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store is the in-memory job store, indexed by job id and by idempotency
// key. It is the exclusive owner of every Job it holds: callers only ever
// see clones, and all mutation goes through Update so that the change
// notification reflects the true serialized progression of each job.
//
// All state is intentionally non-persistent. If the process restarts,
// agents re-report active jobs via agent.hello and the orchestrator
// synthesizes recovered records.
//
// The zero value is not usable; create instances with NewStore.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	byKey  map[string]string // idempotency key → live (non-terminal) job id
	logger *zap.Logger

	// onChange receives a clone of every job after each mutation. Invoked
	// outside the store lock. Set once during wiring, before traffic.
	onChange func(*Job)
}

// NewStore creates an empty Store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		jobs:   make(map[string]*Job),
		byKey:  make(map[string]string),
		logger: logger.Named("jobstore"),
	}
}

// SetOnChange registers the change-notification sink (UI fanout).
// Must be called before the store receives traffic.
func (s *Store) SetOnChange(fn func(*Job)) {
	s.onChange = fn
}

// Insert adds a new job to the store and indexes its idempotency key.
func (s *Store) Insert(j *Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	if j.IdempotencyKey != "" && !j.Status.Terminal() {
		s.byKey[j.IdempotencyKey] = j.ID
	}
	s.mu.Unlock()

	s.logger.Info("job created",
		zap.String("job_id", j.ID),
		zap.String("status", string(j.Status)),
		zap.String("requested_by", j.RequestedBy),
	)
	s.notify(j.Clone())
}

// Get returns a clone of the job with the given id.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// GetByIdempotencyKey returns the live job bound to key, if any. Terminal
// jobs release their key, so retries of a finished creation mint a new job.
func (s *Store) GetByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil, false
	}
	return j.Clone(), true
}

// Update applies fn to the job with the given id under the store lock,
// bumps UpdatedAt, maintains the idempotency index, and emits a change
// notification. Returns the updated clone, or false if the job is unknown.
func (s *Store) Update(id string, fn func(*Job)) (*Job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	prev := j.Status
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	if j.IdempotencyKey != "" && j.Status.Terminal() {
		delete(s.byKey, j.IdempotencyKey)
	}
	clone := j.Clone()
	s.mu.Unlock()

	if prev != clone.Status {
		s.logger.Info("job status",
			zap.String("job_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(clone.Status)),
		)
	}
	s.notify(clone)
	return clone, true
}

// List returns clones of all jobs ordered by creation time ascending.
func (s *Store) List() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// OldestPending returns the oldest PENDING job by CreatedAt, the scheduler's
// fairness rule.
func (s *Store) OldestPending() (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest.Clone(), true
}

// Active returns clones of all jobs in a non-terminal, post-creation state,
// ordered by creation time. This is the public status projection source.
func (s *Store) Active() []*Job {
	all := s.List()
	out := all[:0]
	for _, j := range all {
		if j.Status.Active() {
			out = append(out, j)
		}
	}
	return out
}

func (s *Store) notify(j *Job) {
	if s.onChange != nil {
		s.onChange(j)
	}
}
