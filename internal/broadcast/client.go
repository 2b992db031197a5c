// Package broadcast wraps the external live-broadcast platform (YouTube
// Live) behind a small typed interface. Every method may fail with a
// transport or platform error; such errors are never fatal to the
// orchestrator; callers translate them into job errors, log, and continue.
package broadcast

import (
	"context"
	"time"
)

// Info is the reservation handed back by CreateLiveBroadcast: everything an
// agent needs to publish plus everything the UI needs to link the stream.
type Info struct {
	BroadcastID        string    `json:"broadcastId"`
	StreamID           string    `json:"streamId"`
	StreamKey          string    `json:"streamKey"`
	StreamURL          string    `json:"streamUrl"`
	PrivacyStatus      string    `json:"privacyStatus"`
	ScheduledStartTime time.Time `json:"scheduledStartTime"`
	ChannelID          string    `json:"channelId"`
	VideoID            string    `json:"videoId"`
}

// Health is the combined broadcast + stream status used by the monitor.
// Fields are pointers/zero values where the platform omitted them.
type Health struct {
	LifeCycleStatus string     `json:"lifeCycleStatus,omitempty"`
	ActualEndTime   *time.Time `json:"actualEndTime,omitempty"`
	StreamStatus    string     `json:"streamStatus,omitempty"`
}

// Ended reports whether the platform considers the broadcast over.
func (h Health) Ended() bool {
	return h.ActualEndTime != nil || h.LifeCycleStatus == "complete"
}

// Inactive reports whether the ingest stream is not receiving data.
func (h Health) Inactive() bool {
	return h.StreamStatus != "active"
}

// Stats is a best-effort passthrough of platform viewer statistics.
// Never cached, never an invariant.
type Stats struct {
	ConcurrentViewers uint64 `json:"concurrentViewers"`
	ViewCount         uint64 `json:"viewCount"`
	LikeCount         uint64 `json:"likeCount"`
}

// MetadataPatch carries the fields of an updateBroadcast call. Nil fields
// are left untouched on the platform side.
type MetadataPatch struct {
	Title       *string
	Description *string
}

// Client is the contract against the live-broadcast platform. The YouTube
// implementation talks to the Data API v3; the Mock substitutes in tests
// and when DISABLE_YOUTUBE_API is set.
type Client interface {
	// CreateLiveBroadcast reserves a broadcast + stream pair: create the
	// broadcast, patch its category, create the ingest stream, bind them.
	CreateLiveBroadcast(ctx context.Context, title, description, privacy string) (*Info, error)

	// UpdateBroadcast merges the patch into the broadcast's current snippet.
	UpdateBroadcast(ctx context.Context, broadcastID string, patch MetadataPatch) error

	// EndBroadcast transitions the broadcast to complete.
	EndBroadcast(ctx context.Context, broadcastID string) error

	// BroadcastAndStreamStatus fetches the combined health of a broadcast
	// and its bound stream.
	BroadcastAndStreamStatus(ctx context.Context, broadcastID, streamID string) (Health, error)

	// VideoStats fetches viewer statistics for the broadcast's video.
	VideoStats(ctx context.Context, videoID string) (Stats, error)
}
