package broadcast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// sportsCategoryID is YouTube's video category for Sports.
const sportsCategoryID = "17"

// YouTube implements Client against the YouTube Data API v3.
//
// A fresh service is built per call from the token manager's current
// credential, so a rotated refresh token takes effect immediately without
// reconnecting anything.
type YouTube struct {
	tokens *TokenManager
	logger *zap.Logger
}

// NewYouTube creates a YouTube broadcast client.
func NewYouTube(tokens *TokenManager, logger *zap.Logger) *YouTube {
	return &YouTube{
		tokens: tokens,
		logger: logger.Named("youtube"),
	}
}

func (c *YouTube) service(ctx context.Context) (*youtube.Service, error) {
	ts, err := c.tokens.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := youtube.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("YouTube API error: build service: %w", err)
	}
	return svc, nil
}

// CreateLiveBroadcast performs the four-step reservation: insert broadcast,
// patch category, insert stream, bind.
func (c *YouTube) CreateLiveBroadcast(ctx context.Context, title, description, privacy string) (*Info, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	if privacy == "" {
		privacy = "unlisted"
	}
	scheduledStart := time.Now().UTC().Add(60 * time.Second)

	bc, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, &youtube.LiveBroadcast{
		Snippet: &youtube.LiveBroadcastSnippet{
			Title:              title,
			Description:        description,
			ScheduledStartTime: scheduledStart.Format(time.RFC3339),
		},
		Status: &youtube.LiveBroadcastStatus{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
		ContentDetails: &youtube.LiveBroadcastContentDetails{
			EnableAutoStart: false,
			EnableAutoStop:  false,
			EnableDvr:       true,
			RecordFromStart: true,
			ForceSendFields: []string{"EnableAutoStart", "EnableAutoStop"},
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("YouTube API error: insert broadcast: %w", err)
	}

	// The broadcast's video shares its id; patch the category there.
	_, err = svc.Videos.Update([]string{"snippet"}, &youtube.Video{
		Id: bc.Id,
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: description,
			CategoryId:  sportsCategoryID,
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("YouTube API error: patch category: %w", err)
	}

	stream, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, &youtube.LiveStream{
		Snippet: &youtube.LiveStreamSnippet{Title: title},
		Cdn: &youtube.CdnSettings{
			FrameRate:     "60fps",
			IngestionType: "rtmp",
			Resolution:    "1080p",
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("YouTube API error: insert stream: %w", err)
	}

	if _, err := svc.LiveBroadcasts.Bind(bc.Id, []string{"id", "contentDetails"}).StreamId(stream.Id).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("YouTube API error: bind stream: %w", err)
	}

	info := &Info{
		BroadcastID:        bc.Id,
		StreamID:           stream.Id,
		PrivacyStatus:      privacy,
		ScheduledStartTime: scheduledStart,
		VideoID:            bc.Id,
	}
	if bc.Snippet != nil {
		info.ChannelID = bc.Snippet.ChannelId
	}
	if stream.Cdn != nil && stream.Cdn.IngestionInfo != nil {
		info.StreamKey = stream.Cdn.IngestionInfo.StreamName
		info.StreamURL = stream.Cdn.IngestionInfo.IngestionAddress
	}

	c.logger.Info("broadcast created",
		zap.String("broadcast_id", info.BroadcastID),
		zap.String("stream_id", info.StreamID),
		zap.String("privacy", privacy),
	)
	return info, nil
}

// UpdateBroadcast merges the patch into the broadcast's current snippet.
func (c *YouTube) UpdateBroadcast(ctx context.Context, broadcastID string, patch MetadataPatch) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}

	list, err := svc.LiveBroadcasts.List([]string{"snippet"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("YouTube API error: fetch broadcast: %w", err)
	}
	if len(list.Items) == 0 {
		return fmt.Errorf("YouTube API error: broadcast %s not found", broadcastID)
	}

	snippet := list.Items[0].Snippet
	if patch.Title != nil {
		snippet.Title = *patch.Title
	}
	if patch.Description != nil {
		snippet.Description = *patch.Description
	}

	_, err = svc.LiveBroadcasts.Update([]string{"snippet"}, &youtube.LiveBroadcast{
		Id:      broadcastID,
		Snippet: snippet,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("YouTube API error: update broadcast: %w", err)
	}
	return nil
}

// EndBroadcast transitions the broadcast to complete. A broadcast already
// complete is treated as success; teardown must be idempotent.
func (c *YouTube) EndBroadcast(ctx context.Context, broadcastID string) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}

	_, err = svc.LiveBroadcasts.Transition("complete", broadcastID, []string{"status"}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("YouTube API error: end broadcast: %w", err)
	}
	c.logger.Info("broadcast ended", zap.String("broadcast_id", broadcastID))
	return nil
}

// BroadcastAndStreamStatus fetches the combined health of the broadcast and
// its ingest stream.
func (c *YouTube) BroadcastAndStreamStatus(ctx context.Context, broadcastID, streamID string) (Health, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return Health{}, err
	}

	var h Health

	bcs, err := svc.LiveBroadcasts.List([]string{"snippet", "status"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return Health{}, fmt.Errorf("YouTube API error: broadcast status: %w", err)
	}
	if len(bcs.Items) > 0 {
		item := bcs.Items[0]
		if item.Status != nil {
			h.LifeCycleStatus = item.Status.LifeCycleStatus
		}
		if item.Snippet != nil && item.Snippet.ActualEndTime != "" {
			if t, perr := time.Parse(time.RFC3339, item.Snippet.ActualEndTime); perr == nil {
				h.ActualEndTime = &t
			}
		}
	}

	streams, err := svc.LiveStreams.List([]string{"status"}).Id(streamID).Context(ctx).Do()
	if err != nil {
		return Health{}, fmt.Errorf("YouTube API error: stream status: %w", err)
	}
	if len(streams.Items) > 0 && streams.Items[0].Status != nil {
		h.StreamStatus = streams.Items[0].Status.StreamStatus
	}

	return h, nil
}

// VideoStats fetches viewer statistics for the broadcast's video.
func (c *YouTube) VideoStats(ctx context.Context, videoID string) (Stats, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return Stats{}, err
	}

	vids, err := svc.Videos.List([]string{"statistics", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return Stats{}, fmt.Errorf("YouTube API error: video stats: %w", err)
	}
	if len(vids.Items) == 0 {
		return Stats{}, fmt.Errorf("YouTube API error: video %s not found", videoID)
	}

	var s Stats
	item := vids.Items[0]
	if item.Statistics != nil {
		s.ViewCount = item.Statistics.ViewCount
		s.LikeCount = item.Statistics.LikeCount
	}
	if item.LiveStreamingDetails != nil {
		s.ConcurrentViewers = item.LiveStreamingDetails.ConcurrentViewers
	}
	return s, nil
}
