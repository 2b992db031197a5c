// Package orchestrator is the control plane's core service. It owns the job
// lifecycle end to end: admission through the rate limiters, broadcast
// reservation, scheduling handoff, the agent protocol session, stream
// restarts, and teardown. The HTTP layer and the WebSocket fanout are thin
// shells around this package.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/broadcast"
	"github.com/curlcast/orchestrator/internal/config"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/metadata"
	"github.com/curlcast/orchestrator/internal/metrics"
	"github.com/curlcast/orchestrator/internal/monitor"
	"github.com/curlcast/orchestrator/internal/ratelimit"
	"github.com/curlcast/orchestrator/internal/scheduler"
	"github.com/curlcast/orchestrator/internal/ws"
)

// Sentinel errors translated to HTTP status codes by the API layer.
var (
	// ErrValidation covers malformed creation requests (422).
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited is returned when the job creation limiter rejects (429).
	ErrRateLimited = errors.New("job creation rate limit exceeded")

	// ErrNotFound covers unknown job and agent ids (404).
	ErrNotFound = errors.New("not found")

	// ErrNoLiveAgent is returned when a runtime command needs a connected
	// agent and the job has none (409).
	ErrNoLiveAgent = errors.New("job has no connected agent")
)

// endBroadcastTimeout bounds the platform call issued on terminal
// transitions and during shutdown.
const endBroadcastTimeout = 10 * time.Second

// Service wires the registry, the store, the broadcast client, the
// scheduler, the health monitor, the metadata debouncer, and the UI fanout
// into one coherent control plane.
type Service struct {
	cfg     config.Config
	agents  *agent.Registry
	jobs    *job.Store
	client  broadcast.Client
	hub     *ws.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger

	sched    *scheduler.Scheduler
	monitor  *monitor.Monitor
	debounce *metadata.Debouncer

	broadcastLimiter *ratelimit.SlidingWindow
	jobLimiter       *ratelimit.BurstInterval

	// settings are the mutable runtime knobs exposed under /v1/config.
	settingsMu      sync.RWMutex
	streamPrivacy   string
	alternateColors bool
}

// New creates the Service and registers the change-notification hooks on
// the store and the registry. The scheduler and monitor are attached
// afterwards via Attach because they need the Service in their own
// constructors.
func New(cfg config.Config, agents *agent.Registry, jobs *job.Store, client broadcast.Client, hub *ws.Hub, m *metrics.Metrics, logger *zap.Logger) *Service {
	s := &Service{
		cfg:              cfg,
		agents:           agents,
		jobs:             jobs,
		client:           client,
		hub:              hub,
		metrics:          m,
		logger:           logger.Named("orchestrator"),
		broadcastLimiter: ratelimit.NewSlidingWindow(cfg.BroadcastLimit, cfg.BroadcastWindow),
		jobLimiter:       ratelimit.NewBurstInterval(cfg.JobBurst, cfg.JobMinInterval),
		streamPrivacy:    "unlisted",
	}
	s.debounce = metadata.NewDebouncer(cfg.MetadataDebounce, s.applyMetadata, logger)

	jobs.SetOnChange(s.onJobChange)
	agents.SetOnChange(s.onAgentChange)
	agents.SetOnExpired(s.onAgentExpired)
	return s
}

// Attach binds the scheduler and the monitor once they exist.
func (s *Service) Attach(sched *scheduler.Scheduler, mon *monitor.Monitor) {
	s.sched = sched
	s.monitor = mon
}

// Shutdown flushes nothing (state is in-memory) but cancels every pending
// metadata timer so no update fires against a dead process.
func (s *Service) Shutdown() {
	s.debounce.Shutdown()
}

// onJobChange fans a job mutation out to UI subscribers, refreshes the
// public status projection, and updates the status gauge.
func (s *Service) onJobChange(j *job.Job) {
	s.hub.Publish(ws.TopicUI, ws.Message{Type: ws.MsgJob, Payload: j})
	s.publishStatus()
	s.updateJobGauge()
}

// onAgentChange fans an agent mutation out to UI subscribers.
func (s *Service) onAgentChange(snap agent.Snapshot) {
	s.hub.Publish(ws.TopicUI, ws.Message{Type: ws.MsgAgent, Payload: snap})
	s.metrics.AgentsConnected.Set(float64(s.agents.ConnectedCount()))
}

// onAgentExpired handles a heartbeat deadline lapsing while the agent owned
// an active job. The job goes UNKNOWN immediately; if the agent has not
// reclaimed it after a further heartbeat window, the job fails with
// AGENT_OFFLINE and its broadcast is torn down.
func (s *Service) onAgentExpired(agentID, jobID string) {
	s.logger.Warn("agent expired while owning job",
		zap.String("agent_id", agentID),
		zap.String("job_id", jobID),
	)

	s.jobs.Update(jobID, func(j *job.Job) {
		if !j.Status.Terminal() {
			j.Status = job.StatusUnknown
		}
	})

	time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
		updated, ok := s.jobs.Update(jobID, func(j *job.Job) {
			if j.Status != job.StatusUnknown {
				return
			}
			now := time.Now().UTC()
			j.Status = job.StatusFailed
			j.EndedAt = &now
			j.Error = &job.Error{
				Code:    job.CodeAgentOffline,
				Message: "agent " + agentID + " went offline and did not return",
			}
		})
		if !ok || updated.Status != job.StatusFailed || updated.Error == nil || updated.Error.Code != job.CodeAgentOffline {
			return
		}
		s.finishJob(updated, "agent offline")
	})
}

// finishJob performs the shared teardown of every terminal transition:
// restart state dropped, pending metadata cancelled, broadcast ended.
func (s *Service) finishJob(j *job.Job, reason string) {
	if s.monitor != nil {
		s.monitor.Forget(j.ID)
	}
	s.debounce.Cancel(j.ID)
	s.endBroadcast(j)
	s.publishEvent(j.ID, "stopped", reason)
}

// endBroadcast asynchronously transitions the job's broadcast to complete.
// Failures are logged and surfaced as a job event, never fatal.
func (s *Service) endBroadcast(j *job.Job) {
	broadcastID := j.BroadcastID()
	if broadcastID == "" {
		return
	}
	jobID := j.ID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), endBroadcastTimeout)
		defer cancel()

		if err := s.client.EndBroadcast(ctx, broadcastID); err != nil {
			s.logger.Warn("failed to end broadcast",
				zap.String("job_id", jobID),
				zap.String("broadcast_id", broadcastID),
				zap.Error(err),
			)
			s.publishEvent(jobID, "broadcast_end_failed", err.Error())
			return
		}
		s.metrics.BroadcastsEnded.Inc()
		s.publishEvent(jobID, "broadcast_completed", "")
	}()
}

// applyMetadata is the debouncer's flush callback: push the merged patch to
// the platform, unless the job finished in the meantime.
func (s *Service) applyMetadata(jobID string, patch metadata.Patch) {
	j, ok := s.jobs.Get(jobID)
	if !ok || j.Status.Terminal() || j.BroadcastID() == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), endBroadcastTimeout)
	defer cancel()

	err := s.client.UpdateBroadcast(ctx, j.BroadcastID(), broadcast.MetadataPatch{
		Title:       patch.Title,
		Description: patch.Description,
	})
	if err != nil {
		s.logger.Warn("broadcast metadata update failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		s.publishEvent(jobID, "metadata_update_failed", err.Error())
	}
}

func (s *Service) publishEvent(jobID, kind, message string) {
	s.hub.Publish(ws.TopicUI, ws.Message{
		Type:    ws.MsgEvent,
		Payload: ws.Event{JobID: jobID, Kind: kind, Message: message},
	})
}

func (s *Service) updateJobGauge() {
	counts := make(map[job.Status]int)
	for _, j := range s.jobs.List() {
		counts[j.Status]++
	}
	for _, st := range []job.Status{
		job.StatusCreated, job.StatusPending, job.StatusAssigned,
		job.StatusAccepted, job.StatusStarting, job.StatusRunning,
		job.StatusStopping, job.StatusStopped, job.StatusFailed,
		job.StatusCanceled, job.StatusUnknown, job.StatusDismissed,
	} {
		s.metrics.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// StreamPrivacy returns the privacy applied to newly created broadcasts.
func (s *Service) StreamPrivacy() string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.streamPrivacy
}

// SetStreamPrivacy updates the privacy for subsequent broadcast creation.
func (s *Service) SetStreamPrivacy(privacy string) error {
	if privacy != "public" && privacy != "unlisted" {
		return ErrValidation
	}
	s.settingsMu.Lock()
	s.streamPrivacy = privacy
	s.settingsMu.Unlock()
	s.logger.Info("stream privacy updated", zap.String("privacy", privacy))
	return nil
}

// AlternateColors returns the scoreboard color toggle.
func (s *Service) AlternateColors() bool {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.alternateColors
}

// SetAlternateColors updates the scoreboard color toggle.
func (s *Service) SetAlternateColors(v bool) {
	s.settingsMu.Lock()
	s.alternateColors = v
	s.settingsMu.Unlock()
}
