package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/metrics"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// newAgentConn returns the client side of a live WebSocket wrapped in a Conn
// plus a channel yielding every envelope the server receives on it.
func newAgentConn(t *testing.T) (*agent.Conn, <-chan protocol.Envelope) {
	t.Helper()

	received := make(chan protocol.Envelope, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var env protocol.Envelope
			if err := c.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	return agent.NewConn(sock), received
}

func hello(id string) protocol.Hello {
	var h protocol.Hello
	h.AgentID = id
	h.Name = "rink-pi"
	h.Capabilities = protocol.Capabilities{Slots: 1}
	return h
}

func pendingJob(id string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:           id,
		InlineConfig: []byte(`{"camera":"end-a"}`),
		Status:       job.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestScheduler(t *testing.T, ackTimeout time.Duration) (*Scheduler, *agent.Registry, *job.Store) {
	t.Helper()
	registry := agent.NewRegistry(time.Minute, zap.NewNop())
	store := job.NewStore(zap.NewNop())
	m := metrics.New(prometheus.NewRegistry())
	return New(registry, store, ackTimeout, m, zap.NewNop()), registry, store
}

func TestPassAssignsOldestPendingJob(t *testing.T) {
	s, registry, store := newTestScheduler(t, time.Second)
	conn, received := newAgentConn(t)
	registry.Upsert(hello("a1"), conn, "addr")

	older := pendingJob("j-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	store.Insert(older)
	store.Insert(pendingJob("j-new"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Pass(context.Background())
	}()

	var env protocol.Envelope
	select {
	case env = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no assignment arrived on the agent socket")
	}
	require.Equal(t, protocol.TypeAssignStart, env.Type)

	var start protocol.AssignStart
	require.NoError(t, env.Decode(&start))
	assert.Equal(t, "j-old", start.JobID, "fairness is oldest-first")
	assert.JSONEq(t, `{"camera":"end-a"}`, string(start.Config))
	assert.False(t, start.ExpiresAt.IsZero())

	// Mid-flight the job is ASSIGNED and the agent RESERVED.
	j, _ := store.Get("j-old")
	assert.Equal(t, job.StatusAssigned, j.Status)
	assert.Equal(t, "a1", j.AgentID)

	s.DeliverAck(env.MsgID, protocol.AssignAck{JobID: "j-old", Accepted: true})
	<-done

	j, _ = store.Get("j-old")
	assert.Equal(t, job.StatusAccepted, j.Status)

	snap, _ := registry.Get("a1")
	assert.Equal(t, agent.StateStarting, snap.State)
	assert.Equal(t, "j-old", snap.CurrentJobID)

	// The younger job is untouched.
	j2, _ := store.Get("j-new")
	assert.Equal(t, job.StatusPending, j2.Status)
	assert.Empty(t, j2.AgentID)
}

func TestPassRevertsOnRejectedAck(t *testing.T) {
	s, registry, store := newTestScheduler(t, time.Second)
	conn, received := newAgentConn(t)
	registry.Upsert(hello("a1"), conn, "addr")
	store.Insert(pendingJob("j1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Pass(context.Background())
	}()

	env := <-received
	s.DeliverAck(env.MsgID, protocol.AssignAck{JobID: "j1", Accepted: false, Reason: "slot busy"})
	<-done

	j, _ := store.Get("j1")
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Empty(t, j.AgentID)

	snap, _ := registry.Get("a1")
	assert.Equal(t, agent.StateIdle, snap.State)
	assert.Empty(t, snap.CurrentJobID)
}

func TestPassAcceptAfterCancelDoesNotResurrectJob(t *testing.T) {
	s, registry, store := newTestScheduler(t, time.Second)
	conn, received := newAgentConn(t)
	registry.Upsert(hello("a1"), conn, "addr")
	store.Insert(pendingJob("j1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Pass(context.Background())
	}()

	env := <-received
	require.Equal(t, protocol.TypeAssignStart, env.Type)

	// An operator stop lands during the ack round trip.
	store.Update("j1", func(x *job.Job) {
		x.Status = job.StatusCanceled
	})

	s.DeliverAck(env.MsgID, protocol.AssignAck{JobID: "j1", Accepted: true})
	<-done

	j, _ := store.Get("j1")
	assert.Equal(t, job.StatusCanceled, j.Status, "a late accept must not overwrite a terminal status")

	// The accepting agent is told to stand down and released.
	select {
	case stop := <-received:
		assert.Equal(t, protocol.TypeJobStop, stop.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stop frame for the canceled job")
	}

	snap, _ := registry.Get("a1")
	assert.Equal(t, agent.StateIdle, snap.State)
	assert.Empty(t, snap.CurrentJobID)
}

func TestPassRevertsOnAckTimeout(t *testing.T) {
	s, registry, store := newTestScheduler(t, 50*time.Millisecond)
	conn, received := newAgentConn(t)
	registry.Upsert(hello("a1"), conn, "addr")
	store.Insert(pendingJob("j1"))

	s.Pass(context.Background())

	// The assignment went out but was never acked.
	select {
	case env := <-received:
		assert.Equal(t, protocol.TypeAssignStart, env.Type)
	default:
		t.Fatal("expected an assignment frame")
	}

	j, _ := store.Get("j1")
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Empty(t, j.AgentID)

	snap, _ := registry.Get("a1")
	assert.Equal(t, agent.StateIdle, snap.State)
}

func TestPassNoPendingJobIsNoOp(t *testing.T) {
	s, registry, _ := newTestScheduler(t, time.Second)
	conn, _ := newAgentConn(t)
	registry.Upsert(hello("a1"), conn, "addr")

	s.Pass(context.Background())

	snap, _ := registry.Get("a1")
	assert.Equal(t, agent.StateIdle, snap.State)
}

func TestPassNoIdleAgentLeavesJobPending(t *testing.T) {
	s, _, store := newTestScheduler(t, time.Second)
	store.Insert(pendingJob("j1"))

	s.Pass(context.Background())

	j, _ := store.Get("j1")
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestDeliverAckUnmatchedIsDropped(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Second)
	// Must not panic or block.
	s.DeliverAck("no-such-msg", protocol.AssignAck{JobID: "j1", Accepted: true})
}
