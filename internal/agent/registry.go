package agent

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/protocol"
)

// Registry is the in-memory registry of every agent the orchestrator has
// ever seen this process lifetime. Agents are never deleted; they go
// OFFLINE when their socket closes or their heartbeat deadline expires.
//
// It is safe for concurrent use: the agent connection handlers, the
// scheduler, the health monitor, and the HTTP handlers all share it.
// Critical sections are short and never span socket I/O; callers copy out
// the *Conn they need and send after releasing the lock.
//
// The zero value is not usable; create instances with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
	logger *zap.Logger

	// heartbeatTimeout is the agent-declared liveness window; the server
	// arms each deadline at heartbeatTimeout + 1s of slack.
	heartbeatTimeout time.Duration

	// onChange receives a snapshot after every agent mutation, outside the
	// registry lock. Set once during wiring.
	onChange func(Snapshot)

	// onExpired fires when an agent's heartbeat deadline lapses while it
	// owned a job. The orchestrator drives the job to UNKNOWN and, after a
	// further window, to FAILED/AGENT_OFFLINE.
	onExpired func(agentID, jobID string)
}

// NewRegistry creates an empty Registry.
func NewRegistry(heartbeatTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		agents:           make(map[string]*record),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.Named("registry"),
	}
}

// SetOnChange registers the change-notification sink (UI fanout).
func (r *Registry) SetOnChange(fn func(Snapshot)) { r.onChange = fn }

// SetOnExpired registers the heartbeat-expiry callback.
func (r *Registry) SetOnExpired(fn func(agentID, jobID string)) { r.onExpired = fn }

// Upsert registers or refreshes an agent from an authenticated agent.hello.
//
// It returns the agent snapshot, the previous socket if a different one was
// attached (the caller must close it outside the lock with a normal code),
// and the version of the newly attached socket for close correlation.
// Re-sending hello on the same socket is a no-op on socket wiring.
func (r *Registry) Upsert(h protocol.Hello, conn *Conn, remoteAddr string) (Snapshot, *Conn, uint64) {
	r.mu.Lock()

	rec, ok := r.agents[h.AgentID]
	if !ok {
		rec = &record{
			id:    h.AgentID,
			state: StateIdle,
		}
		r.agents[h.AgentID] = rec
		r.logger.Info("agent registered",
			zap.String("agent_id", h.AgentID),
			zap.String("name", h.Name),
			zap.Int("total_known", len(r.agents)),
		)
	}

	var prev *Conn
	if rec.conn != nil && !rec.conn.Same(conn) {
		// Replaced by a new connection. Bump the version so the old
		// socket's eventual close callback no-ops.
		prev = rec.conn
		r.logger.Warn("replacing agent connection",
			zap.String("agent_id", h.AgentID),
			zap.String("remote_addr", remoteAddr),
		)
	}
	if rec.conn == nil || !rec.conn.Same(conn) {
		rec.conn = conn
		rec.connVersion++
	}

	rec.name = h.Name
	rec.version = h.Version
	rec.capabilities = h.Capabilities
	rec.drain = h.Drain
	rec.remoteAddr = remoteAddr
	rec.lastSeenAt = time.Now().UTC()
	if rec.state == StateOffline {
		// Any previous binding is stale; reconciliation re-binds the job
		// when the hello still reports it.
		rec.state = StateIdle
		rec.currentJobID = ""
	}
	r.armLocked(rec)

	snap := rec.snapshot()
	version := rec.connVersion
	r.mu.Unlock()

	if prev != nil {
		prev.Close(websocket.CloseNormalClosure, "replaced by new connection")
	}
	r.notify(snap)
	return snap, prev, version
}

// Touch records activity from an agent: updates lastSeenAt and re-arms the
// heartbeat deadline. Called for every inbound frame, not just heartbeats.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if ok {
		rec.lastSeenAt = time.Now().UTC()
		r.armLocked(rec)
	}
	r.mu.Unlock()
}

// armLocked (re)arms rec's heartbeat deadline. Caller holds the lock.
func (r *Registry) armLocked(rec *record) {
	if rec.heartbeat != nil {
		rec.heartbeat.Stop()
	}
	id := rec.id
	rec.heartbeat = time.AfterFunc(r.heartbeatTimeout+time.Second, func() {
		r.expire(id)
	})
}

// expire fires when an agent misses its heartbeat deadline.
func (r *Registry) expire(agentID string) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok || (rec.state == StateOffline && rec.currentJobID == "") {
		r.mu.Unlock()
		return
	}

	// An agent that went OFFLINE via socket close keeps its job binding
	// until this deadline, giving it a reconnect window. The deadline has
	// now lapsed, so the job is resolved too.
	jobID := ""
	switch rec.state {
	case StateRunning, StateStarting, StateStopping, StateOffline:
		jobID = rec.currentJobID
	}
	conn := rec.conn
	rec.conn = nil
	rec.connVersion++
	rec.currentJobID = ""
	rec.state = StateOffline
	snap := rec.snapshot()
	r.mu.Unlock()

	r.logger.Warn("agent heartbeat expired",
		zap.String("agent_id", agentID),
		zap.String("job_id", jobID),
	)
	if conn != nil {
		conn.Close(websocket.CloseGoingAway, "heartbeat timeout")
	}
	r.notify(snap)
	if jobID != "" && r.onExpired != nil {
		r.onExpired(agentID, jobID)
	}
}

// HandleClose processes a socket close event. It only acts if version still
// matches the agent's current socket; an old replaced socket must not
// demote a live agent.
func (r *Registry) HandleClose(agentID string, version uint64) {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok || rec.connVersion != version || rec.state == StateOffline {
		r.mu.Unlock()
		return
	}
	rec.conn = nil
	rec.connVersion++
	rec.state = StateOffline
	// currentJobID is left for the heartbeat deadline to resolve: the
	// agent may reconnect and resume the job before the window lapses.
	snap := rec.snapshot()
	r.mu.Unlock()

	r.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	r.notify(snap)
}

// Conn returns the agent's live socket, or nil if it is offline.
func (r *Registry) Conn(agentID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec.conn
	}
	return nil
}

// Get returns a snapshot of the agent with the given id.
func (r *Registry) Get(agentID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all known agents.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.snapshot())
	}
	return out
}

// Reserve picks any IDLE, non-draining agent with a live socket, moves it
// to RESERVED, and returns its id and socket. The scheduler calls this once
// per pass; ReleaseReservation reverts on assignment failure.
func (r *Registry) Reserve() (string, *Conn, bool) {
	r.mu.Lock()
	var picked *record
	for _, rec := range r.agents {
		if rec.state == StateIdle && !rec.drain && rec.conn != nil {
			picked = rec
			break
		}
	}
	if picked == nil {
		r.mu.Unlock()
		return "", nil, false
	}
	picked.state = StateReserved
	snap := picked.snapshot()
	conn := picked.conn
	r.mu.Unlock()

	r.notify(snap)
	return snap.ID, conn, true
}

// ReleaseReservation reverts a RESERVED agent to IDLE after a rejected or
// timed-out assignment. No-op in any other state.
func (r *Registry) ReleaseReservation(agentID string) {
	r.transition(agentID, func(rec *record) bool {
		if rec.state != StateReserved {
			return false
		}
		rec.state = StateIdle
		return true
	})
}

// Activate moves a RESERVED agent to STARTING with the accepted job bound.
func (r *Registry) Activate(agentID, jobID string) bool {
	return r.transition(agentID, func(rec *record) bool {
		if rec.state != StateReserved {
			return false
		}
		rec.state = StateStarting
		rec.currentJobID = jobID
		return true
	})
}

// MarkRunning records the first RUNNING report for the agent's job.
func (r *Registry) MarkRunning(agentID string) {
	r.transition(agentID, func(rec *record) bool {
		if rec.state != StateStarting {
			return false
		}
		rec.state = StateRunning
		return true
	})
}

// MarkStopping records that a stop was dispatched to the agent.
func (r *Registry) MarkStopping(agentID string) {
	r.transition(agentID, func(rec *record) bool {
		if rec.currentJobID == "" {
			return false
		}
		rec.state = StateStopping
		return true
	})
}

// ClearJob releases the agent's current job binding. The agent returns to
// IDLE, or DRAINING when its drain flag is set.
func (r *Registry) ClearJob(agentID string) {
	r.transition(agentID, func(rec *record) bool {
		if rec.currentJobID == "" && rec.state != StateReserved {
			return false
		}
		rec.currentJobID = ""
		if rec.state == StateOffline || rec.state == StateError {
			return true
		}
		if rec.drain {
			rec.state = StateDraining
		} else {
			rec.state = StateIdle
		}
		return true
	})
}

// BindJob force-binds a job to the agent with the given state. Used when a
// reconnecting agent reports an active job.
func (r *Registry) BindJob(agentID, jobID string, state State) {
	r.transition(agentID, func(rec *record) bool {
		rec.currentJobID = jobID
		rec.state = state
		return true
	})
}

// SetError records an agent-reported fault and moves the agent to ERROR.
func (r *Registry) SetError(agentID, message string) {
	r.transition(agentID, func(rec *record) bool {
		rec.lastError = message
		rec.state = StateError
		return true
	})
}

// SetDrain flips the agent's drain flag. A draining agent finishes its
// current job but accepts no new ones.
func (r *Registry) SetDrain(agentID string, drain bool) bool {
	return r.transition(agentID, func(rec *record) bool {
		rec.drain = drain
		switch rec.state {
		case StateIdle:
			if drain {
				rec.state = StateDraining
			}
		case StateDraining:
			if !drain {
				rec.state = StateIdle
			}
		}
		return true
	})
}

// SetMeta replaces the agent's free-form metadata.
func (r *Registry) SetMeta(agentID string, meta map[string]any) bool {
	return r.transition(agentID, func(rec *record) bool {
		rec.meta = meta
		return true
	})
}

// ConnectedCount returns how many agents currently hold a live socket.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.agents {
		if rec.conn != nil {
			n++
		}
	}
	return n
}

// Shutdown stops all heartbeat timers and closes every live socket with a
// normal close code. Called once during process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.heartbeat != nil {
			rec.heartbeat.Stop()
		}
		if rec.conn != nil {
			conns = append(conns, rec.conn)
			rec.conn = nil
			rec.connVersion++
			rec.state = StateOffline
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseNormalClosure, "server shutting down")
	}
}

// transition applies fn to the agent under the lock and notifies the fanout
// if fn reports a change. Returns whether the agent exists and fn applied.
func (r *Registry) transition(agentID string, fn func(*record) bool) bool {
	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if !fn(rec) {
		r.mu.Unlock()
		return false
	}
	snap := rec.snapshot()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

func (r *Registry) notify(snap Snapshot) {
	if r.onChange != nil {
		r.onChange(snap)
	}
}
