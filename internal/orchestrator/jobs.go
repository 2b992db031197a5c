package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/broadcast"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/metadata"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// CreateJobRequest is the admission payload for POST /v1/jobs. Exactly one
// of TemplateID and InlineConfig must be set.
type CreateJobRequest struct {
	TemplateID     string            `json:"templateId,omitempty"`
	InlineConfig   json.RawMessage   `json:"inlineConfig,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	RequestedBy    string            `json:"requestedBy,omitempty"`
	Title          string            `json:"title,omitempty"`
	Description    string            `json:"description,omitempty"`
	StreamContext  map[string]string `json:"streamContext,omitempty"`
}

// MetadataUpdate is the payload of PUT /v1/jobs/:id/metadata.
type MetadataUpdate struct {
	Title       *string           `json:"title,omitempty"`
	Description *string           `json:"description,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// CreateJob admits a new streaming job. The returned bool is true when the
// idempotency key matched a live job and no new job was created.
//
// Admission order: validation, idempotency lookup, job limiter, record in
// CREATED, broadcast limiter, broadcast reservation, PENDING. A job that
// fails after admission is returned with its FAILED record, not an error;
// the caller already owns a job id.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, bool, error) {
	if (req.TemplateID == "") == (len(req.InlineConfig) == 0) {
		return nil, false, fmt.Errorf("%w: exactly one of templateId and inlineConfig must be set", ErrValidation)
	}

	if req.IdempotencyKey != "" {
		if existing, ok := s.jobs.GetByIdempotencyKey(req.IdempotencyKey); ok {
			s.logger.Info("idempotent job creation hit",
				zap.String("job_id", existing.ID),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
			return existing, true, nil
		}
	}

	if !s.jobLimiter.Allow() {
		return nil, false, fmt.Errorf("%w: %s", ErrRateLimited, job.CodeJobCreationRateLimit)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:             uuid.NewString(),
		TemplateID:     req.TemplateID,
		InlineConfig:   req.InlineConfig,
		IdempotencyKey: req.IdempotencyKey,
		RestartPolicy:  job.RestartOnFailure,
		RequestedBy:    req.RequestedBy,
		Status:         job.StatusCreated,
		StreamMetadata: job.StreamMetadata{
			Title:       req.Title,
			Description: req.Description,
			Context:     req.StreamContext,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs.Insert(j)
	s.metrics.JobsCreated.Inc()

	if !s.broadcastLimiter.Allow() {
		failed, _ := s.jobs.Update(j.ID, func(x *job.Job) {
			end := time.Now().UTC()
			x.Status = job.StatusFailed
			x.EndedAt = &end
			x.Error = &job.Error{
				Code:    job.CodeRateLimitExceeded,
				Message: "broadcast creation limit reached, try again later",
			}
		})
		return failed, false, nil
	}

	title, description := synthesizeMetadata(req)
	info, err := s.client.CreateLiveBroadcast(ctx, title, description, s.StreamPrivacy())
	if err != nil {
		s.logger.Error("broadcast setup failed", zap.String("job_id", j.ID), zap.Error(err))
		failed, _ := s.jobs.Update(j.ID, func(x *job.Job) {
			end := time.Now().UTC()
			x.Status = job.StatusFailed
			x.EndedAt = &end
			x.Error = &job.Error{Code: job.CodeYouTubeSetupFailed, Message: err.Error()}
		})
		return failed, false, nil
	}
	s.broadcastLimiter.Record()
	s.metrics.BroadcastsCreated.Inc()

	pending, _ := s.jobs.Update(j.ID, func(x *job.Job) {
		x.Status = job.StatusPending
		x.StreamMetadata.Title = title
		x.StreamMetadata.Description = description
		x.StreamMetadata.YouTube = &job.YouTubeInfo{
			BroadcastID:        info.BroadcastID,
			StreamID:           info.StreamID,
			StreamKey:          info.StreamKey,
			StreamURL:          info.StreamURL,
			PrivacyStatus:      info.PrivacyStatus,
			ChannelID:          info.ChannelID,
			VideoID:            info.VideoID,
			ScheduledStartTime: info.ScheduledStartTime,
		}
	})

	s.sched.Kick()
	return pending, false, nil
}

// synthesizeMetadata resolves the broadcast title and description: custom
// strings win, then the curling stream context, then a generic default.
func synthesizeMetadata(req CreateJobRequest) (string, string) {
	title := req.Title
	description := req.Description

	if title == "" {
		sheet := req.StreamContext["sheet"]
		team1 := req.StreamContext["team1"]
		team2 := req.StreamContext["team2"]
		switch {
		case team1 != "" && team2 != "" && sheet != "":
			title = fmt.Sprintf("Sheet %s: %s vs %s", sheet, team1, team2)
		case team1 != "" && team2 != "":
			title = fmt.Sprintf("%s vs %s", team1, team2)
		case sheet != "":
			title = fmt.Sprintf("Sheet %s Live", sheet)
		default:
			title = "Curling Live Stream"
		}
	}
	if description == "" {
		description = "Live curling coverage."
	}
	return title, description
}

// GetJob returns the job with the given id.
func (s *Service) GetJob(id string) (*job.Job, error) {
	j, ok := s.jobs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListJobs returns all jobs ordered by creation time.
func (s *Service) ListJobs() []*job.Job {
	return s.jobs.List()
}

// StopJob requests an orderly stop.
//
// No agent bound: the job is cancelled outright and its broadcast ended.
// Agent bound but unreachable: the job goes UNKNOWN until the agent returns
// or the heartbeat window resolves it. Agent reachable: a stop with the
// configured grace deadline is dispatched and the job goes STOPPING.
func (s *Service) StopJob(ctx context.Context, id, reason string) (*job.Job, error) {
	j, ok := s.jobs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if reason == "" {
		reason = "stop requested"
	}

	if j.AgentID == "" {
		canceled, _ := s.jobs.Update(id, func(x *job.Job) {
			end := time.Now().UTC()
			x.Status = job.StatusCanceled
			x.EndedAt = &end
		})
		s.finishJob(canceled, reason)
		return canceled, nil
	}

	conn := s.agents.Conn(j.AgentID)
	if conn == nil {
		unknown, _ := s.jobs.Update(id, func(x *job.Job) {
			x.Status = job.StatusUnknown
		})
		return unknown, nil
	}

	env, err := protocol.New(protocol.TypeJobStop, protocol.JobStop{
		JobID:      id,
		Reason:     reason,
		DeadlineMS: s.cfg.StopGrace.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(env); err != nil {
		s.logger.Warn("stop dispatch failed",
			zap.String("job_id", id),
			zap.String("agent_id", j.AgentID),
			zap.Error(err),
		)
		unknown, _ := s.jobs.Update(id, func(x *job.Job) {
			x.Status = job.StatusUnknown
		})
		return unknown, nil
	}

	s.agents.MarkStopping(j.AgentID)
	stopping, _ := s.jobs.Update(id, func(x *job.Job) {
		x.Status = job.StatusStopping
	})
	return stopping, nil
}

// DismissJob is the operator discard: unconditionally terminal, broadcast
// ended, restart state and pending metadata dropped. A live agent still
// running the job receives a stop so the pipeline does not keep publishing.
func (s *Service) DismissJob(ctx context.Context, id string) (*job.Job, error) {
	j, ok := s.jobs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	if j.AgentID != "" {
		if conn := s.agents.Conn(j.AgentID); conn != nil {
			if env, err := protocol.New(protocol.TypeJobStop, protocol.JobStop{
				JobID:      id,
				Reason:     "dismissed by operator",
				DeadlineMS: s.cfg.StopGrace.Milliseconds(),
			}); err == nil {
				_ = conn.Send(env)
			}
		}
		s.agents.ClearJob(j.AgentID)
	}

	dismissed, _ := s.jobs.Update(id, func(x *job.Job) {
		end := time.Now().UTC()
		x.Status = job.StatusDismissed
		x.EndedAt = &end
	})
	s.finishJob(dismissed, "dismissed by operator")
	return dismissed, nil
}

// UpdateMetadata merges the patch into the job's stream metadata and, when
// the job is live against the platform, schedules a debounced broadcast
// update.
func (s *Service) UpdateMetadata(id string, upd MetadataUpdate) (*job.Job, error) {
	updated, ok := s.jobs.Update(id, func(x *job.Job) {
		if upd.Title != nil {
			x.StreamMetadata.Title = *upd.Title
		}
		if upd.Description != nil {
			x.StreamMetadata.Description = *upd.Description
		}
		for k, v := range upd.Context {
			if x.StreamMetadata.Context == nil {
				x.StreamMetadata.Context = make(map[string]string)
			}
			x.StreamMetadata.Context[k] = v
		}
	})
	if !ok {
		return nil, ErrNotFound
	}

	live := updated.Status == job.StatusRunning || updated.Status == job.StatusStarting
	if live && updated.BroadcastID() != "" && (upd.Title != nil || upd.Description != nil) {
		s.debounce.Schedule(id, metadata.Patch{Title: upd.Title, Description: upd.Description})
	}
	return updated, nil
}

// SetMuted dispatches a mute toggle to the job's agent. The isMuted flag
// only flips when the agent acks.
func (s *Service) SetMuted(id string, muted bool) error {
	return s.dispatchToggle(id, protocol.TypeJobMute, protocol.JobMute{JobID: id, Muted: muted})
}

// SetPaused dispatches a pause toggle to the job's agent. While paused the
// health monitor skips the job.
func (s *Service) SetPaused(id string, paused bool) error {
	return s.dispatchToggle(id, protocol.TypeJobPause, protocol.JobPause{JobID: id, Paused: paused})
}

// dispatchToggle sends a runtime command that requires a live agent.
func (s *Service) dispatchToggle(id string, t protocol.Type, payload any) error {
	j, ok := s.jobs.Get(id)
	if !ok {
		return ErrNotFound
	}
	if j.AgentID == "" {
		return ErrNoLiveAgent
	}
	conn := s.agents.Conn(j.AgentID)
	if conn == nil {
		return ErrNoLiveAgent
	}

	env, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("dispatch %s: %w", t, err)
	}
	return nil
}

// JobStats proxies the platform's viewer statistics for the job's video.
// Best effort, never cached.
func (s *Service) JobStats(ctx context.Context, id string) (broadcast.Stats, error) {
	j, ok := s.jobs.Get(id)
	if !ok {
		return broadcast.Stats{}, ErrNotFound
	}
	yt := j.StreamMetadata.YouTube
	if yt == nil || yt.VideoID == "" {
		return broadcast.Stats{}, fmt.Errorf("%w: job has no video", ErrNotFound)
	}
	return s.client.VideoStats(ctx, yt.VideoID)
}
