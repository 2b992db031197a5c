// Package monitor watches the platform-side health of every RUNNING job
// and drives bounded, exponentially backed-off stream restarts. It wraps
// gocron for the periodic pass; singleton mode guarantees a pass never
// overlaps itself.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/broadcast"
	"github.com/curlcast/orchestrator/internal/job"
)

// Actions is what the monitor asks the orchestrator to do. Split out as an
// interface so monitor tests can run against a recorder.
type Actions interface {
	// RestartStream queues one restart for j: stop the stream on a live
	// agent, or requeue the job directly when the agent is unreachable.
	// Returns true when a stop was dispatched and the restart completes
	// via the agent's stopped report; false when the job was requeued
	// immediately.
	RestartStream(ctx context.Context, j *job.Job, reason string) bool

	// FailRestartExhausted marks j failed with STREAM_RESTART_EXCEEDED
	// and tears down its broadcast.
	FailRestartExhausted(ctx context.Context, j *job.Job)
}

// health is the per-job restart bookkeeping. attempts survives healthy
// spells and restart cycles; only a terminal transition clears it.
type health struct {
	firstInactiveAt time.Time
	nextRestartAt   time.Time
	attempts        int
	pendingRestart  bool
}

// Monitor is the stream health monitor.
type Monitor struct {
	store    *job.Store
	client   broadcast.Client
	actions  Actions
	backoffs []time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	health map[string]*health

	cron gocron.Scheduler

	now func() time.Time
}

// New creates a Monitor. Call Start to begin the periodic pass.
func New(store *job.Store, client broadcast.Client, actions Actions, backoffs []time.Duration, grace time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:    store,
		client:   client,
		actions:  actions,
		backoffs: backoffs,
		grace:    grace,
		logger:   logger.Named("monitor"),
		health:   make(map[string]*health),
		now:      time.Now,
	}
}

// Start schedules the health pass at the given interval.
func (m *Monitor) Start(interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create monitor scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			m.Pass(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule health pass: %w", err)
	}
	m.cron = s
	s.Start()
	m.logger.Info("health monitor started", zap.Duration("interval", interval))
	return nil
}

// Stop shuts down the periodic pass.
func (m *Monitor) Stop() {
	if m.cron != nil {
		_ = m.cron.Shutdown()
	}
}

// Pass inspects every RUNNING job with a bound broadcast and applies the
// restart policy. Exported so tests can drive it directly.
func (m *Monitor) Pass(ctx context.Context) {
	for _, j := range m.store.List() {
		if j.Status != job.StatusRunning {
			continue
		}
		yt := j.StreamMetadata.YouTube
		if yt == nil || yt.BroadcastID == "" {
			continue
		}
		if j.StreamMetadata.IsPaused {
			continue
		}
		if m.isPendingRestart(j.ID) {
			continue
		}

		st, err := m.client.BroadcastAndStreamStatus(ctx, yt.BroadcastID, yt.StreamID)
		if err != nil {
			m.logger.Warn("health query failed",
				zap.String("job_id", j.ID),
				zap.String("broadcast_id", yt.BroadcastID),
				zap.Error(err),
			)
			continue
		}

		m.evaluate(ctx, j, st)
	}
}

// evaluate applies the grace/backoff state machine to one job.
func (m *Monitor) evaluate(ctx context.Context, j *job.Job, st broadcast.Health) {
	now := m.now()

	m.mu.Lock()
	h, ok := m.health[j.ID]
	if !ok {
		h = &health{}
		m.health[j.ID] = h
	}

	if !st.Ended() && !st.Inactive() {
		// Healthy again: reset the inactivity clock but keep attempts.
		// A stream that keeps flapping must still exhaust its budget.
		h.firstInactiveAt = time.Time{}
		h.nextRestartAt = time.Time{}
		m.mu.Unlock()
		return
	}

	if h.firstInactiveAt.IsZero() {
		h.firstInactiveAt = now
		m.mu.Unlock()
		return
	}
	if now.Sub(h.firstInactiveAt) < m.grace {
		m.mu.Unlock()
		return
	}

	// A job whose policy forbids restarts has a budget of zero: an unhealthy
	// stream past grace fails it directly.
	if j.RestartPolicy != job.RestartOnFailure || h.attempts >= len(m.backoffs) {
		delete(m.health, j.ID)
		m.mu.Unlock()
		m.logger.Error("restart attempts exhausted",
			zap.String("job_id", j.ID),
			zap.String("policy", string(j.RestartPolicy)),
			zap.Int("attempts", h.attempts),
		)
		m.actions.FailRestartExhausted(ctx, j)
		return
	}

	if h.nextRestartAt.After(now) {
		m.mu.Unlock()
		return
	}

	h.attempts++
	h.nextRestartAt = now.Add(m.backoffs[h.attempts-1])
	h.pendingRestart = true
	attempt := h.attempts
	m.mu.Unlock()

	m.logger.Warn("queueing stream restart",
		zap.String("job_id", j.ID),
		zap.Int("attempt", attempt),
		zap.String("stream_status", st.StreamStatus),
		zap.String("lifecycle", st.LifeCycleStatus),
	)

	dispatched := m.actions.RestartStream(ctx, j, fmt.Sprintf("stream inactive, restart attempt %d", attempt))
	if !dispatched {
		// Requeued directly: no stopped report will arrive, clear the
		// pending flag now so the next pass can evaluate the rebind.
		m.mu.Lock()
		if h, ok := m.health[j.ID]; ok {
			h.pendingRestart = false
			h.firstInactiveAt = time.Time{}
		}
		m.mu.Unlock()
	}
}

// TakeRestart consumes a pending restart for the job. Called when the
// agent reports the job stopped: a true return means the stop belongs to a
// restart cycle and the job must be requeued, not terminated. Attempts are
// preserved so the budget spans the whole unhealthy episode.
func (m *Monitor) TakeRestart(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[jobID]
	if !ok || !h.pendingRestart {
		return false
	}
	h.pendingRestart = false
	h.firstInactiveAt = time.Time{}
	return true
}

// Forget drops all restart state for the job. Called on every terminal
// transition and on dismiss.
func (m *Monitor) Forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, jobID)
}

// Attempts returns the job's consumed restart budget.
func (m *Monitor) Attempts(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[jobID]; ok {
		return h.attempts
	}
	return 0
}

func (m *Monitor) isPendingRestart(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[jobID]
	return ok && h.pendingRestart
}
