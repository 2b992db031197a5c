package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mock is the in-process substitute for the YouTube client. It hands out
// deterministic broadcast ids and lets tests inject health responses and
// failures. Also used in production when DISABLE_YOUTUBE_API is set.
type Mock struct {
	mu         sync.Mutex
	seq        int
	broadcasts map[string]*mockBroadcast
	logger     *zap.Logger

	// CreateErr, when set, makes CreateLiveBroadcast fail.
	CreateErr error

	// HealthFn, when set, overrides the health response per broadcast.
	HealthFn func(broadcastID, streamID string) (Health, error)

	// updates counts UpdateBroadcast calls per broadcast id.
	updates map[string]int
}

type mockBroadcast struct {
	title       string
	description string
	privacy     string
	ended       bool
}

// NewMock creates an empty Mock.
func NewMock(logger *zap.Logger) *Mock {
	return &Mock{
		broadcasts: make(map[string]*mockBroadcast),
		updates:    make(map[string]int),
		logger:     logger.Named("youtube_mock"),
	}
}

func (m *Mock) CreateLiveBroadcast(_ context.Context, title, description, privacy string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if privacy == "" {
		privacy = "unlisted"
	}

	m.seq++
	id := fmt.Sprintf("mock-broadcast-%d", m.seq)
	m.broadcasts[id] = &mockBroadcast{title: title, description: description, privacy: privacy}

	m.logger.Debug("mock broadcast created", zap.String("broadcast_id", id), zap.String("title", title))
	return &Info{
		BroadcastID:        id,
		StreamID:           fmt.Sprintf("mock-stream-%d", m.seq),
		StreamKey:          fmt.Sprintf("mock-key-%d", m.seq),
		StreamURL:          "rtmp://mock.example/live2",
		PrivacyStatus:      privacy,
		ScheduledStartTime: time.Now().UTC().Add(60 * time.Second),
		ChannelID:          "mock-channel",
		VideoID:            id,
	}, nil
}

func (m *Mock) UpdateBroadcast(_ context.Context, broadcastID string, patch MetadataPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bc, ok := m.broadcasts[broadcastID]
	if !ok {
		return fmt.Errorf("YouTube API error: broadcast %s not found", broadcastID)
	}
	if patch.Title != nil {
		bc.title = *patch.Title
	}
	if patch.Description != nil {
		bc.description = *patch.Description
	}
	m.updates[broadcastID]++
	return nil
}

func (m *Mock) EndBroadcast(_ context.Context, broadcastID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bc, ok := m.broadcasts[broadcastID]
	if !ok {
		return fmt.Errorf("YouTube API error: broadcast %s not found", broadcastID)
	}
	bc.ended = true
	return nil
}

func (m *Mock) BroadcastAndStreamStatus(_ context.Context, broadcastID, streamID string) (Health, error) {
	if m.HealthFn != nil {
		return m.HealthFn(broadcastID, streamID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if bc, ok := m.broadcasts[broadcastID]; ok && bc.ended {
		now := time.Now().UTC()
		return Health{LifeCycleStatus: "complete", ActualEndTime: &now, StreamStatus: "inactive"}, nil
	}
	return Health{LifeCycleStatus: "live", StreamStatus: "active"}, nil
}

func (m *Mock) VideoStats(_ context.Context, videoID string) (Stats, error) {
	return Stats{}, nil
}

// Created returns how many broadcasts the mock has handed out.
func (m *Mock) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Ended reports whether the broadcast was transitioned to complete.
func (m *Mock) Ended(broadcastID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bc, ok := m.broadcasts[broadcastID]
	return ok && bc.ended
}

// Updates returns how many UpdateBroadcast calls the broadcast received.
func (m *Mock) Updates(broadcastID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[broadcastID]
}

// Snapshot returns the mock's current title/description for a broadcast.
func (m *Mock) Snapshot(broadcastID string) (title, description string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bc, found := m.broadcasts[broadcastID]
	if !found {
		return "", "", false
	}
	return bc.title, bc.description, true
}
