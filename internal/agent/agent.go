// Package agent maintains the in-memory registry of known worker agents.
//
// Agents connect over the /agent WebSocket and register via agent.hello.
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically, reporting any
// job they are still running so the orchestrator can re-bind it.
//
// The registry exclusively owns each agent's mutable fields and is the sole
// writer of its socket reference. Sockets are versioned: a close callback
// carries the version it observed at registration and is ignored if a newer
// socket has since replaced it, so a stale connection can never demote a
// live agent.
package agent

import (
	"time"

	"github.com/curlcast/orchestrator/internal/protocol"
)

// State is the current lifecycle state of an agent.
type State string

const (
	StateOffline  State = "OFFLINE"
	StateIdle     State = "IDLE"
	StateReserved State = "RESERVED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
	StateDraining State = "DRAINING"
)

// Snapshot is the read-only view of an agent handed to the API and UI
// fanout. It never carries the socket reference.
type Snapshot struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Version      string                `json:"version"`
	Capabilities protocol.Capabilities `json:"capabilities"`
	Drain        bool                  `json:"drain"`
	Meta         map[string]any        `json:"meta,omitempty"`
	LastError    string                `json:"lastError,omitempty"`
	RemoteAddr   string                `json:"remoteAddr,omitempty"`
	State        State                 `json:"state"`
	CurrentJobID string                `json:"currentJobId,omitempty"`
	LastSeenAt   time.Time             `json:"lastSeenAt"`
	Connected    bool                  `json:"connected"`
}

// record is the registry's mutable agent entry. Only the registry touches
// it, always under the registry lock.
type record struct {
	id           string
	name         string
	version      string
	capabilities protocol.Capabilities
	drain        bool
	meta         map[string]any
	lastError    string
	remoteAddr   string
	state        State
	currentJobID string
	lastSeenAt   time.Time

	conn        *Conn
	connVersion uint64
	heartbeat   *time.Timer
}

func (r *record) snapshot() Snapshot {
	var meta map[string]any
	if r.meta != nil {
		meta = make(map[string]any, len(r.meta))
		for k, v := range r.meta {
			meta[k] = v
		}
	}
	return Snapshot{
		ID:           r.id,
		Name:         r.name,
		Version:      r.version,
		Capabilities: r.capabilities,
		Drain:        r.drain,
		Meta:         meta,
		LastError:    r.lastError,
		RemoteAddr:   r.remoteAddr,
		State:        r.state,
		CurrentJobID: r.currentJobID,
		LastSeenAt:   r.lastSeenAt,
		Connected:    r.conn != nil,
	}
}
