package orchestrator

import (
	"time"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/ws"
)

// StatusEntry is one active stream in the public projection. It carries
// only what a scoreboard page needs: where the game is, who is playing,
// and where to watch.
type StatusEntry struct {
	Sheet       string     `json:"sheet,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	PublicLink  string     `json:"publicLink,omitempty"`
	AdminLink   string     `json:"adminLink,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	Team1       string     `json:"team1,omitempty"`
	Team2       string     `json:"team2,omitempty"`
}

// StatusProjection derives the public active-stream view from the store.
func (s *Service) StatusProjection() []StatusEntry {
	active := s.jobs.Active()
	out := make([]StatusEntry, 0, len(active))
	for _, j := range active {
		out = append(out, projectJob(j))
	}
	return out
}

func projectJob(j *job.Job) StatusEntry {
	e := StatusEntry{
		Title:       j.StreamMetadata.Title,
		Description: j.StreamMetadata.Description,
		Sheet:       j.StreamMetadata.Context["sheet"],
		Team1:       j.StreamMetadata.Context["team1"],
		Team2:       j.StreamMetadata.Context["team2"],
	}

	if yt := j.StreamMetadata.YouTube; yt != nil && yt.VideoID != "" {
		e.PublicLink = "https://www.youtube.com/watch?v=" + yt.VideoID
		e.AdminLink = "https://studio.youtube.com/video/" + yt.VideoID + "/livestreaming"
		e.Thumbnail = "https://i.ytimg.com/vi/" + yt.VideoID + "/mqdefault_live.jpg"
	}

	switch {
	case j.StartedAt != nil:
		e.StartTime = j.StartedAt
	case j.StreamMetadata.YouTube != nil && !j.StreamMetadata.YouTube.ScheduledStartTime.IsZero():
		t := j.StreamMetadata.YouTube.ScheduledStartTime
		e.StartTime = &t
	}
	return e
}

// publishStatus rebroadcasts the public projection. Called on every job
// change so public observers track the true store progression.
func (s *Service) publishStatus() {
	s.hub.Publish(ws.TopicStatus, ws.Message{Type: ws.MsgStatus, Payload: s.StatusProjection()})
}

// UISnapshot is the connect-time payload for an authenticated UI
// subscriber: every agent and every job in one frame.
type UISnapshot struct {
	Agents []agent.Snapshot `json:"agents"`
	Jobs   []*job.Job       `json:"jobs"`
}

// Snapshot builds the UI connect-time snapshot message.
func (s *Service) Snapshot() ws.Message {
	return ws.Message{
		Type: ws.MsgSnapshot,
		Payload: UISnapshot{
			Agents: s.agents.List(),
			Jobs:   s.jobs.List(),
		},
	}
}

// Agents exposes the registry listing for the HTTP layer.
func (s *Service) Agents() []agent.Snapshot {
	return s.agents.List()
}

// Agent returns a single agent snapshot.
func (s *Service) Agent(id string) (agent.Snapshot, bool) {
	return s.agents.Get(id)
}

// SetAgentDrain flips the drain flag. False return means unknown agent.
func (s *Service) SetAgentDrain(id string, drain bool) bool {
	return s.agents.SetDrain(id, drain)
}

// SetAgentMeta replaces an agent's free-form metadata.
func (s *Service) SetAgentMeta(id string, meta map[string]any) bool {
	return s.agents.SetMeta(id, meta)
}
