// Package ws implements the real-time fanout that pushes orchestrator
// events to connected UI clients and public status observers. It uses
// gorilla/websocket under the hood and exposes a topic-based broadcast API
// consumed by the job store, the agent registry, and the orchestrator.
//
// Topic naming convention:
//
//	ui     - full internal feed: every agent change, every job change,
//	          job event records. Subscribers get a snapshot on connect.
//	status - public derived view: the active-stream projection, rebuilt
//	          and re-broadcast on every relevant job change.
package ws

// Topics the hub routes on.
const (
	// TopicUI is the full internal feed for authenticated UI subscribers.
	TopicUI = "ui"

	// TopicStatus is the public derived active-stream view.
	TopicStatus = "status"
)

// MessageType identifies the kind of event carried by a Message.
// Clients use this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgSnapshot is the first frame a UI subscriber receives: all agents
	// and all jobs in one message.
	MsgSnapshot MessageType = "snapshot"

	// MsgAgent is sent when any agent field or state changes.
	MsgAgent MessageType = "agent"

	// MsgJob is sent when any job field or status changes.
	MsgJob MessageType = "job"

	// MsgEvent carries job event records: restart requested, restart
	// ready, stopped, pause/unpause failed, broadcast completed/failed.
	MsgEvent MessageType = "event"

	// MsgStatus is the public active-stream projection.
	MsgStatus MessageType = "status"
)

// Message is the envelope for every frame sent to subscribers.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// Event is the payload of a MsgEvent frame.
type Event struct {
	JobID   string `json:"jobId"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}
