// Package job defines the job domain model and the in-memory store that
// owns every job. Jobs are the unit of scheduling: a request to run one
// live stream until stopped.
package job

import (
	"encoding/json"
	"time"
)

// Status is the current lifecycle state of a job.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusAssigned Status = "ASSIGNED"
	StatusAccepted Status = "ACCEPTED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"

	// StatusUnknown means the owning agent went silent while the job was
	// active. Resolved to FAILED if the agent does not come back.
	StatusUnknown Status = "UNKNOWN"

	// StatusDismissed is an operator discard: terminal, no questions asked.
	StatusDismissed Status = "DISMISSED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusCanceled, StatusDismissed:
		return true
	}
	return false
}

// Active reports whether s counts toward the public active-stream view.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusAccepted, StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// RestartPolicy controls whether the health monitor restarts the stream
// when the platform reports it inactive.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "onFailure"
)

// Stable error codes attached to failed jobs. These are part of the API
// contract; UIs and alerts branch on them.
const (
	CodeAgentOffline          = "AGENT_OFFLINE"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeJobCreationRateLimit  = "JOB_CREATION_RATE_LIMIT"
	CodeYouTubeSetupFailed    = "YOUTUBE_SETUP_FAILED"
	CodeStreamRestartExceeded = "STREAM_RESTART_EXCEEDED"
)

// Error is the terminal error record on a failed job.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// YouTubeInfo holds the external-platform handles reserved for a job.
type YouTubeInfo struct {
	BroadcastID        string    `json:"broadcastId"`
	StreamID           string    `json:"streamId"`
	StreamKey          string    `json:"streamKey,omitempty"`
	StreamURL          string    `json:"streamUrl,omitempty"`
	PrivacyStatus      string    `json:"privacyStatus,omitempty"`
	ChannelID          string    `json:"channelId,omitempty"`
	VideoID            string    `json:"videoId,omitempty"`
	ScheduledStartTime time.Time `json:"scheduledStartTime,omitempty"`
}

// StreamMetadata is the human-facing metadata of the stream plus the
// platform binding and runtime flags.
type StreamMetadata struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	YouTube     *YouTubeInfo      `json:"youtube,omitempty"`
	IsMuted     bool              `json:"isMuted"`
	IsPaused    bool              `json:"isPaused"`
	Context     map[string]string `json:"context,omitempty"`
}

// Job is a durable request to run a stream until stopped.
//
// Exactly one of TemplateID and InlineConfig is set. AgentID is a relation,
// not ownership: the agent registry owns agent state, the store owns jobs.
type Job struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"templateId,omitempty"`
	InlineConfig   json.RawMessage `json:"inlineConfig,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	RestartPolicy  RestartPolicy   `json:"restartPolicy"`
	RequestedBy    string          `json:"requestedBy,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	Status         Status          `json:"status"`
	StreamMetadata StreamMetadata  `json:"streamMetadata"`
	Error          *Error          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// Clone returns a deep copy safe to hand out to readers while the store
// keeps mutating the original.
func (j *Job) Clone() *Job {
	cp := *j
	if j.InlineConfig != nil {
		cp.InlineConfig = append(json.RawMessage(nil), j.InlineConfig...)
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.StreamMetadata.YouTube != nil {
		yt := *j.StreamMetadata.YouTube
		cp.StreamMetadata.YouTube = &yt
	}
	if j.StreamMetadata.Context != nil {
		ctx := make(map[string]string, len(j.StreamMetadata.Context))
		for k, v := range j.StreamMetadata.Context {
			ctx[k] = v
		}
		cp.StreamMetadata.Context = ctx
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// BroadcastID returns the bound broadcast id, or "" if none was reserved.
func (j *Job) BroadcastID() string {
	if j.StreamMetadata.YouTube == nil {
		return ""
	}
	return j.StreamMetadata.YouTube.BroadcastID
}
