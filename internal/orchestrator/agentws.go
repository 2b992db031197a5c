package orchestrator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// agentUpgrader upgrades /agent connections. Agents authenticate inside the
// protocol (agent.hello token), not at the HTTP layer, so origins are not
// checked here.
var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// agentReadSlack is added to the heartbeat timeout for the socket read
// deadline, so a dead TCP peer cannot park the read loop forever. The
// registry's own deadline fires first and owns the state transition.
const agentReadSlack = 5 * time.Second

// ServeAgentWS handles one /agent connection for its whole lifetime: it is
// the per-connection actor of the agent protocol. The first frame must be
// an authenticated agent.hello; every later frame re-arms the heartbeat
// deadline and is dispatched by type. Invalid frames are dropped.
func (s *Service) ServeAgentWS(w http.ResponseWriter, r *http.Request) {
	sock, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn := agent.NewConn(sock)

	env, ok := s.readFrame(sock)
	if !ok {
		conn.Close(websocket.CloseProtocolError, "expected agent.hello")
		return
	}
	if env.Type != protocol.TypeAgentHello {
		s.logger.Warn("first frame was not hello",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("type", string(env.Type)),
		)
		conn.Close(websocket.CloseProtocolError, "expected agent.hello")
		return
	}

	var hello protocol.Hello
	if err := env.Decode(&hello); err != nil || hello.AgentID == "" {
		conn.Close(websocket.CloseProtocolError, "malformed agent.hello")
		return
	}
	if s.cfg.AgentToken == "" || hello.Auth.Token != s.cfg.AgentToken {
		s.logger.Warn("agent presented bad token",
			zap.String("agent_id", hello.AgentID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		conn.Close(protocol.CloseUnauthorized, "unauthorized")
		return
	}

	version := s.acceptHello(env, hello, conn, r.RemoteAddr)
	agentID := hello.AgentID

	for {
		env, ok := s.readFrame(sock)
		if !ok {
			break
		}
		s.agents.Touch(agentID)

		switch env.Type {
		case protocol.TypeAgentHello:
			// Duplicate hello on the same socket: refresh attributes and
			// re-acknowledge. Socket wiring is untouched.
			var h protocol.Hello
			if err := env.Decode(&h); err != nil || h.AgentID != agentID {
				continue
			}
			if h.Auth.Token != s.cfg.AgentToken {
				conn.Close(protocol.CloseUnauthorized, "unauthorized")
				s.agents.HandleClose(agentID, version)
				return
			}
			version = s.acceptHello(env, h, conn, r.RemoteAddr)

		case protocol.TypeAgentHeartbeat:
			// Touch above is the whole effect.

		case protocol.TypeAgentAssignAck:
			var ack protocol.AssignAck
			if err := env.Decode(&ack); err != nil {
				continue
			}
			s.sched.DeliverAck(env.CorrelationID, ack)

		case protocol.TypeAgentJobUpdate:
			var upd protocol.JobUpdate
			if err := env.Decode(&upd); err != nil {
				continue
			}
			s.handleJobUpdate(agentID, upd)

		case protocol.TypeAgentJobStopped:
			var stopped protocol.JobStopped
			if err := env.Decode(&stopped); err != nil {
				continue
			}
			s.handleJobStopped(agentID, stopped)

		case protocol.TypeAgentError:
			var ae protocol.AgentError
			if err := env.Decode(&ae); err != nil {
				continue
			}
			s.logger.Warn("agent reported error",
				zap.String("agent_id", agentID),
				zap.String("message", ae.Message),
			)
			s.agents.SetError(agentID, ae.Message)

		case protocol.TypeAgentMuteAck:
			var mute protocol.JobMute
			if err := env.Decode(&mute); err != nil {
				continue
			}
			s.jobs.Update(mute.JobID, func(x *job.Job) {
				x.StreamMetadata.IsMuted = mute.Muted
			})

		case protocol.TypeAgentPauseAck:
			var pause protocol.JobPause
			if err := env.Decode(&pause); err != nil {
				continue
			}
			s.jobs.Update(pause.JobID, func(x *job.Job) {
				x.StreamMetadata.IsPaused = pause.Paused
			})

		default:
			s.logger.Debug("dropping unknown agent frame",
				zap.String("agent_id", agentID),
				zap.String("type", string(env.Type)),
			)
		}
	}

	s.agents.HandleClose(agentID, version)
}

// readFrame reads one envelope with a liveness deadline.
func (s *Service) readFrame(sock *websocket.Conn) (protocol.Envelope, bool) {
	if err := sock.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout + agentReadSlack)); err != nil {
		return protocol.Envelope{}, false
	}
	var env protocol.Envelope
	if err := sock.ReadJSON(&env); err != nil {
		return protocol.Envelope{}, false
	}
	return env, true
}

// acceptHello registers the agent, reconciles any reported active job,
// acknowledges with the timing contract, and kicks the scheduler. Returns
// the socket version for close correlation.
func (s *Service) acceptHello(env protocol.Envelope, hello protocol.Hello, conn *agent.Conn, remoteAddr string) uint64 {
	_, _, version := s.agents.Upsert(hello, conn, remoteAddr)

	if hello.ActiveJob != nil && hello.ActiveJob.JobID != "" {
		s.reconcileActiveJob(hello.AgentID, hello.ActiveJob)
	}

	ok, err := protocol.New(protocol.TypeHelloOK, protocol.HelloOK{
		HeartbeatIntervalMS: s.cfg.HeartbeatInterval.Milliseconds(),
		HeartbeatTimeoutMS:  s.cfg.HeartbeatTimeout.Milliseconds(),
		StopGraceMS:         s.cfg.StopGrace.Milliseconds(),
		KillAfterMS:         s.cfg.KillAfter.Milliseconds(),
	})
	if err == nil {
		ok.CorrelationID = env.MsgID
		if serr := conn.Send(ok); serr != nil {
			s.logger.Warn("hello ack send failed", zap.String("agent_id", hello.AgentID), zap.Error(serr))
		}
	}

	s.sched.Kick()
	return version
}

// reconcileActiveJob re-binds a job an agent reports as still running when
// it (re)connects. If the store has no such job, a recovered record is
// synthesized so the agent's binding always points at a real job. Recovered
// jobs never auto-restart: the orchestrator has no broadcast handle to
// monitor them against.
func (s *Service) reconcileActiveJob(agentID string, aj *protocol.ActiveJob) {
	status := reportedStatus(aj.Status)

	if _, ok := s.jobs.Get(aj.JobID); ok {
		s.jobs.Update(aj.JobID, func(x *job.Job) {
			if x.Status.Terminal() {
				return
			}
			x.Status = status
			x.AgentID = agentID
			if status == job.StatusRunning && x.StartedAt == nil {
				now := time.Now().UTC()
				x.StartedAt = &now
			}
		})
	} else {
		now := time.Now().UTC()
		recovered := &job.Job{
			ID:            aj.JobID,
			RestartPolicy: job.RestartNever,
			RequestedBy:   "recovered",
			AgentID:       agentID,
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if status == job.StatusRunning {
			recovered.StartedAt = &now
		}
		s.logger.Info("synthesized recovered job",
			zap.String("job_id", aj.JobID),
			zap.String("agent_id", agentID),
		)
		s.jobs.Insert(recovered)
	}

	s.agents.BindJob(agentID, aj.JobID, agentStateFor(status))
}

// handleJobUpdate applies a non-terminal progression report.
func (s *Service) handleJobUpdate(agentID string, upd protocol.JobUpdate) {
	status := reportedStatus(upd.Status)
	switch status {
	case job.StatusAccepted, job.StatusStarting, job.StatusRunning, job.StatusStopping:
	default:
		return
	}

	s.jobs.Update(upd.JobID, func(x *job.Job) {
		if x.Status.Terminal() {
			return
		}
		x.Status = status
		if status == job.StatusRunning && x.StartedAt == nil {
			now := time.Now().UTC()
			x.StartedAt = &now
		}
	})

	if status == job.StatusRunning {
		s.agents.MarkRunning(agentID)
	}
}

// handleJobStopped is the agent's final word on a job. If the health
// monitor has a pending restart for it, the stop belongs to a restart cycle
// and the job is requeued instead of terminated.
func (s *Service) handleJobStopped(agentID string, stopped protocol.JobStopped) {
	if s.monitor != nil && s.monitor.TakeRestart(stopped.JobID) {
		s.logger.Info("restart stop confirmed, requeueing",
			zap.String("job_id", stopped.JobID),
			zap.String("agent_id", agentID),
		)
		s.requeueForRestart(stopped.JobID, agentID)
		return
	}

	status := job.StatusStopped
	if reportedStatus(stopped.Status) == job.StatusFailed {
		status = job.StatusFailed
	}

	final, ok := s.jobs.Update(stopped.JobID, func(x *job.Job) {
		if x.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		x.Status = status
		x.EndedAt = &now
		if stopped.Error != nil {
			x.Error = &job.Error{Code: stopped.Error.Code, Message: stopped.Error.Message}
		}
	})
	s.agents.ClearJob(agentID)
	if !ok {
		return
	}
	s.finishJob(final, stopped.ExitReason)
}

// reportedStatus maps an agent-reported status string onto the job state
// set, defaulting to RUNNING for anything unrecognized.
func reportedStatus(raw string) job.Status {
	switch job.Status(raw) {
	case job.StatusAccepted, job.StatusStarting, job.StatusRunning,
		job.StatusStopping, job.StatusStopped, job.StatusFailed:
		return job.Status(raw)
	}
	return job.StatusRunning
}

// agentStateFor maps a reconciled job status onto the agent state machine.
func agentStateFor(status job.Status) agent.State {
	switch status {
	case job.StatusStopping:
		return agent.StateStopping
	case job.StatusRunning:
		return agent.StateRunning
	default:
		return agent.StateStarting
	}
}
