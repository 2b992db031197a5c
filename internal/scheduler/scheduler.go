// Package scheduler matches pending jobs to idle agents. It wraps gocron
// for the periodic pass (singleton mode; a pass never overlaps itself)
// and owns the assign/ack correlation: assignment is a request/response
// pair keyed by message id, with a TTL after which the agent and job both
// revert.
//
// Fairness is oldest-first over PENDING jobs. There is no per-agent
// affinity and no capability matching; capabilities are advertised for
// observability only.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/metrics"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// Scheduler drives the assignment loop.
// The zero value is not usable; create instances with New.
type Scheduler struct {
	agents     *agent.Registry
	jobs       *job.Store
	ackTimeout time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger

	cron    gocron.Scheduler
	cronJob gocron.Job

	mu          sync.Mutex
	pendingAcks map[string]chan protocol.AssignAck
}

// New creates a Scheduler. Call Start to begin the periodic pass.
func New(agents *agent.Registry, jobs *job.Store, ackTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		agents:      agents,
		jobs:        jobs,
		ackTimeout:  ackTimeout,
		metrics:     m,
		logger:      logger.Named("scheduler"),
		pendingAcks: make(map[string]chan protocol.AssignAck),
	}
}

// Start schedules the assignment pass at the given interval.
func (s *Scheduler) Start(interval time.Duration) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	j, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout+interval)
			defer cancel()
			s.Pass(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule assignment pass: %w", err)
	}
	s.cron = cron
	s.cronJob = j
	cron.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", interval))
	return nil
}

// Stop gracefully shuts down the periodic pass, waiting for an in-flight
// pass to complete.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		_ = s.cron.Shutdown()
	}
}

// Kick requests an immediate pass; called after job creation, agent
// hello, and restart requeue so a waiting job does not sit out the full
// interval. Singleton mode collapses kicks during an active pass.
func (s *Scheduler) Kick() {
	if s.cronJob != nil {
		_ = s.cronJob.RunNow()
	}
}

// DeliverAck routes an agent.assign.ack to the waiting assignment by its
// correlation id. Unmatched acks (late, duplicate) are dropped.
func (s *Scheduler) DeliverAck(correlationID string, ack protocol.AssignAck) {
	s.mu.Lock()
	ch, ok := s.pendingAcks[correlationID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("dropping unmatched assign ack",
			zap.String("correlation_id", correlationID),
			zap.String("job_id", ack.JobID),
		)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// Pass performs one assignment attempt: oldest PENDING job, any idle
// non-draining agent with a live socket. Exported so tests can drive it
// directly.
func (s *Scheduler) Pass(ctx context.Context) {
	j, ok := s.jobs.OldestPending()
	if !ok {
		return
	}

	agentID, conn, ok := s.agents.Reserve()
	if !ok {
		return
	}

	// The job may have been stopped or dismissed between the PENDING
	// snapshot and here. Only a job still PENDING may move to ASSIGNED.
	assigned := false
	s.jobs.Update(j.ID, func(x *job.Job) {
		if x.Status != job.StatusPending {
			return
		}
		x.Status = job.StatusAssigned
		x.AgentID = agentID
		assigned = true
	})
	if !assigned {
		s.agents.ReleaseReservation(agentID)
		return
	}

	env, err := protocol.New(protocol.TypeAssignStart, protocol.AssignStart{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Config:         j.InlineConfig,
		TemplateID:     j.TemplateID,
		ExpiresAt:      time.Now().UTC().Add(s.ackTimeout),
		StreamMetadata: j.StreamMetadata,
	})
	if err != nil {
		s.logger.Error("failed to build assignment", zap.String("job_id", j.ID), zap.Error(err))
		s.revert(agentID, j.ID)
		return
	}

	ackCh := make(chan protocol.AssignAck, 1)
	s.mu.Lock()
	s.pendingAcks[env.MsgID] = ackCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingAcks, env.MsgID)
		s.mu.Unlock()
	}()

	if err := conn.Send(env); err != nil {
		s.logger.Warn("assignment send failed",
			zap.String("job_id", j.ID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		s.revert(agentID, j.ID)
		return
	}

	select {
	case ack := <-ackCh:
		if !ack.Accepted {
			s.logger.Warn("assignment rejected",
				zap.String("job_id", j.ID),
				zap.String("agent_id", agentID),
				zap.String("reason", ack.Reason),
			)
			s.metrics.AssignTimeouts.Inc()
			s.revert(agentID, j.ID)
			return
		}
		// Operator stops race the whole ack round trip. A job that left
		// ASSIGNED meanwhile is terminal and must not be resurrected.
		accepted := false
		s.jobs.Update(j.ID, func(x *job.Job) {
			if x.Status != job.StatusAssigned {
				return
			}
			x.Status = job.StatusAccepted
			accepted = true
		})
		if !accepted {
			s.logger.Warn("job left ASSIGNED during ack wait, releasing agent",
				zap.String("job_id", j.ID),
				zap.String("agent_id", agentID),
			)
			if stop, err := protocol.New(protocol.TypeJobStop, protocol.JobStop{
				JobID:  j.ID,
				Reason: "job no longer active",
			}); err == nil {
				_ = conn.Send(stop)
			}
			s.revert(agentID, j.ID)
			return
		}
		s.agents.Activate(agentID, j.ID)
		s.logger.Info("job assigned",
			zap.String("job_id", j.ID),
			zap.String("agent_id", agentID),
		)

	case <-time.After(s.ackTimeout):
		s.logger.Warn("assignment ack timeout",
			zap.String("job_id", j.ID),
			zap.String("agent_id", agentID),
		)
		s.metrics.AssignTimeouts.Inc()
		s.revert(agentID, j.ID)

	case <-ctx.Done():
		s.revert(agentID, j.ID)
	}
}

// revert undoes a failed assignment: agent back to IDLE, job back to
// PENDING with the agent cleared.
func (s *Scheduler) revert(agentID, jobID string) {
	s.agents.ReleaseReservation(agentID)
	s.jobs.Update(jobID, func(x *job.Job) {
		if x.Status == job.StatusAssigned {
			x.Status = job.StatusPending
			x.AgentID = ""
		}
	})
}
