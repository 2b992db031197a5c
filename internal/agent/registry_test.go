package agent

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/protocol"
)

// newTestConn dials a throwaway WebSocket server and returns the client side
// wrapped in a Conn. The server drains frames so close handshakes complete.
func newTestConn(t *testing.T) *Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	return NewConn(sock)
}

func hello(id string) protocol.Hello {
	var h protocol.Hello
	h.AgentID = id
	h.Name = "rink-pi"
	h.Version = "1.2.0"
	h.Capabilities = protocol.Capabilities{Slots: 1, MaxResolution: "1080p"}
	return h
}

func newTestRegistry() *Registry {
	return NewRegistry(time.Minute, zap.NewNop())
}

func TestUpsertRegistersIdleAgent(t *testing.T) {
	r := newTestRegistry()
	conn := newTestConn(t)

	snap, prev, version := r.Upsert(hello("a1"), conn, "192.168.1.20:5000")
	assert.Nil(t, prev)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "rink-pi", snap.Name)
	assert.True(t, snap.Connected)
	assert.Equal(t, 1, r.ConnectedCount())
}

func TestUpsertSameSocketIsNoOpOnWiring(t *testing.T) {
	r := newTestRegistry()
	conn := newTestConn(t)

	_, _, v1 := r.Upsert(hello("a1"), conn, "addr")
	_, prev, v2 := r.Upsert(hello("a1"), conn, "addr")

	assert.Nil(t, prev)
	assert.Equal(t, v1, v2, "duplicate hello on the same socket must not bump the version")
}

func TestUpsertReplacesSocket(t *testing.T) {
	r := newTestRegistry()
	s1 := newTestConn(t)
	s2 := newTestConn(t)

	_, _, v1 := r.Upsert(hello("a1"), s1, "addr1")
	snap, prev, v2 := r.Upsert(hello("a1"), s2, "addr2")

	assert.Same(t, s1, prev)
	assert.Greater(t, v2, v1)
	assert.Equal(t, StateIdle, snap.State)

	// The replaced socket's close event carries the old version: no effect.
	r.HandleClose("a1", v1)
	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, got.State)
	assert.True(t, got.Connected)

	// The live socket's close demotes the agent.
	r.HandleClose("a1", v2)
	got, _ = r.Get("a1")
	assert.Equal(t, StateOffline, got.State)
	assert.False(t, got.Connected)
}

func TestReserveActivateLifecycle(t *testing.T) {
	r := newTestRegistry()
	conn := newTestConn(t)
	r.Upsert(hello("a1"), conn, "addr")

	id, got, ok := r.Reserve()
	require.True(t, ok)
	assert.Equal(t, "a1", id)
	assert.Same(t, conn, got)

	snap, _ := r.Get("a1")
	assert.Equal(t, StateReserved, snap.State)

	// Nothing else is idle.
	_, _, ok = r.Reserve()
	assert.False(t, ok)

	require.True(t, r.Activate("a1", "job-1"))
	snap, _ = r.Get("a1")
	assert.Equal(t, StateStarting, snap.State)
	assert.Equal(t, "job-1", snap.CurrentJobID)

	r.MarkRunning("a1")
	snap, _ = r.Get("a1")
	assert.Equal(t, StateRunning, snap.State)

	r.MarkStopping("a1")
	snap, _ = r.Get("a1")
	assert.Equal(t, StateStopping, snap.State)

	r.ClearJob("a1")
	snap, _ = r.Get("a1")
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.CurrentJobID)
}

func TestReleaseReservation(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	_, _, ok := r.Reserve()
	require.True(t, ok)

	r.ReleaseReservation("a1")
	snap, _ := r.Get("a1")
	assert.Equal(t, StateIdle, snap.State)

	// Release outside RESERVED is a no-op.
	r.ReleaseReservation("a1")
	snap, _ = r.Get("a1")
	assert.Equal(t, StateIdle, snap.State)
}

func TestReserveSkipsDrainingAndOffline(t *testing.T) {
	r := newTestRegistry()

	r.Upsert(hello("draining"), newTestConn(t), "addr")
	r.SetDrain("draining", true)

	h := hello("offline")
	_, _, v := r.Upsert(h, newTestConn(t), "addr")
	r.HandleClose("offline", v)

	_, _, ok := r.Reserve()
	assert.False(t, ok)
}

func TestDrainToggle(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	require.True(t, r.SetDrain("a1", true))
	snap, _ := r.Get("a1")
	assert.Equal(t, StateDraining, snap.State)

	require.True(t, r.SetDrain("a1", false))
	snap, _ = r.Get("a1")
	assert.Equal(t, StateIdle, snap.State)

	assert.False(t, r.SetDrain("ghost", true))
}

func TestClearJobHonorsDrainFlag(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	_, _, ok := r.Reserve()
	require.True(t, ok)
	require.True(t, r.Activate("a1", "job-1"))
	r.SetDrain("a1", true)

	r.ClearJob("a1")
	snap, _ := r.Get("a1")
	assert.Equal(t, StateDraining, snap.State)
}

func TestSetErrorMovesAgentToError(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	r.SetError("a1", "encoder crashed")
	snap, _ := r.Get("a1")
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "encoder crashed", snap.LastError)
}

func TestHeartbeatExpiryFiresOnExpired(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	var expiredAgent, expiredJob string
	r.SetOnExpired(func(agentID, jobID string) {
		mu.Lock()
		expiredAgent, expiredJob = agentID, jobID
		mu.Unlock()
	})

	r.Upsert(hello("a1"), newTestConn(t), "addr")
	_, _, ok := r.Reserve()
	require.True(t, ok)
	require.True(t, r.Activate("a1", "job-1"))
	r.MarkRunning("a1")

	// Deadline is heartbeatTimeout + 1s of slack.
	require.Eventually(t, func() bool {
		snap, _ := r.Get("a1")
		return snap.State == StateOffline
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a1", expiredAgent)
	assert.Equal(t, "job-1", expiredJob)

	snap, _ := r.Get("a1")
	assert.Empty(t, snap.CurrentJobID)
	assert.False(t, snap.Connected)
}

func TestTouchReArmsHeartbeat(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	before, _ := r.Get("a1")
	time.Sleep(10 * time.Millisecond)
	r.Touch("a1")
	after, _ := r.Get("a1")

	assert.True(t, after.LastSeenAt.After(before.LastSeenAt))
}

func TestBindJobForReconnectedAgent(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")

	r.BindJob("a1", "job-9", StateRunning)
	snap, _ := r.Get("a1")
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "job-9", snap.CurrentJobID)
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	r := newTestRegistry()
	r.Upsert(hello("a1"), newTestConn(t), "addr")
	r.Upsert(hello("a2"), newTestConn(t), "addr")
	require.Equal(t, 2, r.ConnectedCount())

	r.Shutdown()
	assert.Equal(t, 0, r.ConnectedCount())
	for _, snap := range r.List() {
		assert.Equal(t, StateOffline, snap.State)
	}
}

func TestChangeNotifications(t *testing.T) {
	r := newTestRegistry()

	var mu sync.Mutex
	var states []State
	r.SetOnChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	r.Upsert(hello("a1"), newTestConn(t), "addr")
	_, _, ok := r.Reserve()
	require.True(t, ok)
	r.ReleaseReservation("a1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateIdle, StateReserved, StateIdle}, states)
}
