package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// RestartStream implements monitor.Actions. It restarts the job's stream
// either through the owning agent (stop with a restart reason, completed
// when the agent reports stopped) or, when the agent is unreachable, by
// requeueing the job directly. Returns true only in the dispatched case.
func (s *Service) RestartStream(ctx context.Context, j *job.Job, reason string) bool {
	s.metrics.StreamRestarts.Inc()
	s.publishEvent(j.ID, "restart_requested", reason)

	conn := s.agents.Conn(j.AgentID)
	if j.AgentID == "" || conn == nil {
		s.requeueForRestart(j.ID, j.AgentID)
		return false
	}

	env, err := protocol.New(protocol.TypeJobStop, protocol.JobStop{
		JobID:      j.ID,
		Reason:     reason,
		DeadlineMS: s.cfg.StopGrace.Milliseconds(),
	})
	if err != nil {
		s.logger.Error("failed to build restart stop", zap.String("job_id", j.ID), zap.Error(err))
		s.requeueForRestart(j.ID, j.AgentID)
		return false
	}
	if err := conn.Send(env); err != nil {
		s.logger.Warn("restart stop dispatch failed",
			zap.String("job_id", j.ID),
			zap.String("agent_id", j.AgentID),
			zap.Error(err),
		)
		s.requeueForRestart(j.ID, j.AgentID)
		return false
	}

	s.agents.MarkStopping(j.AgentID)
	s.jobs.Update(j.ID, func(x *job.Job) {
		if x.Status.Terminal() {
			return
		}
		x.Status = job.StatusStopping
	})
	return true
}

// requeueForRestart puts a job straight back on the scheduler queue,
// clearing its run record but keeping its broadcast binding so the restarted
// stream publishes into the same broadcast.
func (s *Service) requeueForRestart(jobID, agentID string) {
	// A stop or dismiss may land between the monitor's snapshot and here.
	// A terminal job stays terminal.
	requeued := false
	s.jobs.Update(jobID, func(x *job.Job) {
		if x.Status.Terminal() {
			return
		}
		x.Status = job.StatusPending
		x.AgentID = ""
		x.StartedAt = nil
		x.EndedAt = nil
		x.Error = nil
		x.StreamMetadata.IsPaused = false
		requeued = true
	})
	if !requeued {
		return
	}
	if agentID != "" {
		s.agents.ClearJob(agentID)
	}
	s.publishEvent(jobID, "restart_ready", "")
	s.sched.Kick()
}

// FailRestartExhausted implements monitor.Actions: the restart budget is
// spent, the job fails with STREAM_RESTART_EXCEEDED and its broadcast is
// torn down.
func (s *Service) FailRestartExhausted(ctx context.Context, j *job.Job) {
	// A job that reached a terminal state since the monitor's snapshot has
	// already been torn down; failing it again would overwrite the record.
	failedNow := false
	failed, ok := s.jobs.Update(j.ID, func(x *job.Job) {
		if x.Status.Terminal() {
			return
		}
		end := time.Now().UTC()
		x.Status = job.StatusFailed
		x.EndedAt = &end
		x.Error = &job.Error{
			Code:    job.CodeStreamRestartExceeded,
			Message: "stream did not recover after repeated restarts",
		}
		failedNow = true
	})
	if !ok || !failedNow {
		return
	}

	if j.AgentID != "" {
		if conn := s.agents.Conn(j.AgentID); conn != nil {
			if env, err := protocol.New(protocol.TypeJobStop, protocol.JobStop{
				JobID:      j.ID,
				Reason:     "restart attempts exhausted",
				DeadlineMS: s.cfg.StopGrace.Milliseconds(),
			}); err == nil {
				_ = conn.Send(env)
			}
		}
		s.agents.ClearJob(j.AgentID)
	}
	s.finishJob(failed, "restart attempts exhausted")
}

// RebootAgent sends a reboot command to one agent. ErrNotFound when the
// agent has no live socket; a send error is surfaced to the caller.
func (s *Service) RebootAgent(id, reason string) error {
	conn := s.agents.Conn(id)
	if conn == nil {
		return ErrNotFound
	}
	env, err := protocol.New(protocol.TypeAgentReboot, protocol.Reboot{Reason: reason})
	if err != nil {
		return err
	}
	return conn.Send(env)
}

// RebootAll sends a reboot command to every connected agent, best effort.
// Returns how many dispatches succeeded.
func (s *Service) RebootAll(reason string) int {
	n := 0
	for _, snap := range s.agents.List() {
		if !snap.Connected {
			continue
		}
		if err := s.RebootAgent(snap.ID, reason); err != nil {
			s.logger.Warn("reboot dispatch failed", zap.String("agent_id", snap.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
