package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curlcast/orchestrator/internal/agent"
	"github.com/curlcast/orchestrator/internal/config"
	"github.com/curlcast/orchestrator/internal/job"
	"github.com/curlcast/orchestrator/internal/protocol"
)

// wsAgent drives the agent side of the protocol over a real WebSocket.
type wsAgent struct {
	t    *testing.T
	sock *websocket.Conn
}

func dialAgent(t *testing.T, svc *Service) *wsAgent {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(svc.ServeAgentWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	return &wsAgent{t: t, sock: sock}
}

func (a *wsAgent) send(tp protocol.Type, payload any, correlationID string) protocol.Envelope {
	a.t.Helper()
	env, err := protocol.New(tp, payload)
	require.NoError(a.t, err)
	env.CorrelationID = correlationID
	require.NoError(a.t, a.sock.WriteJSON(env))
	return env
}

func (a *wsAgent) read() protocol.Envelope {
	a.t.Helper()
	require.NoError(a.t, a.sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(a.t, a.sock.ReadJSON(&env))
	return env
}

// readErr reads until the socket errors and returns that error.
func (a *wsAgent) readErr() error {
	_ = a.sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env protocol.Envelope
		if err := a.sock.ReadJSON(&env); err != nil {
			return err
		}
	}
}

func agentHello(id, token string) protocol.Hello {
	var h protocol.Hello
	h.AgentID = id
	h.Name = "rink-pi"
	h.Version = "1.2.0"
	h.Capabilities = protocol.Capabilities{Slots: 1}
	h.Auth.Token = token
	return h
}

func TestAgentHelloBadTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dialAgent(t, env.svc)

	a.send(protocol.TypeAgentHello, agentHello("a1", "wrong"), "")

	err := a.readErr()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseUnauthorized),
		"expected close %d, got %v", protocol.CloseUnauthorized, err)

	_, known := env.registry.Get("a1")
	assert.False(t, known, "an unauthenticated agent must not be registered")
}

func TestAgentFirstFrameMustBeHello(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dialAgent(t, env.svc)

	a.send(protocol.TypeAgentHeartbeat, struct{}{}, "")

	err := a.readErr()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError),
		"expected protocol-error close, got %v", err)
}

func TestAgentHelloHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dialAgent(t, env.svc)

	sent := a.send(protocol.TypeAgentHello, agentHello("a1", "T"), "")

	reply := a.read()
	assert.Equal(t, protocol.TypeHelloOK, reply.Type)
	assert.Equal(t, sent.MsgID, reply.CorrelationID)

	var ok protocol.HelloOK
	require.NoError(t, reply.Decode(&ok))
	assert.Equal(t, env.svc.cfg.HeartbeatInterval.Milliseconds(), ok.HeartbeatIntervalMS)
	assert.Equal(t, env.svc.cfg.HeartbeatTimeout.Milliseconds(), ok.HeartbeatTimeoutMS)
	assert.Equal(t, env.svc.cfg.StopGrace.Milliseconds(), ok.StopGraceMS)
	assert.Equal(t, env.svc.cfg.KillAfter.Milliseconds(), ok.KillAfterMS)

	snap, known := env.registry.Get("a1")
	require.True(t, known)
	assert.Equal(t, agent.StateIdle, snap.State)
	assert.Equal(t, "rink-pi", snap.Name)
}

func TestAgentRecoveredJobIsSynthesized(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dialAgent(t, env.svc)

	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: "ghost-job", Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read() // hello.ok: reconciliation has completed

	recovered, ok := env.store.Get("ghost-job")
	require.True(t, ok)
	assert.Equal(t, job.StatusRunning, recovered.Status)
	assert.Equal(t, "a1", recovered.AgentID)
	assert.Equal(t, "recovered", recovered.RequestedBy)
	assert.Equal(t, job.RestartNever, recovered.RestartPolicy)
	assert.NotNil(t, recovered.StartedAt)

	snap, _ := env.registry.Get("a1")
	assert.Equal(t, agent.StateRunning, snap.State)
	assert.Equal(t, "ghost-job", snap.CurrentJobID)
}

func TestAgentReconnectRebindsKnownJob(t *testing.T) {
	env := newTestEnv(t, nil)

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)

	a := dialAgent(t, env.svc)
	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: j.ID, Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read()

	rebound, _ := env.store.Get(j.ID)
	assert.Equal(t, job.StatusRunning, rebound.Status)
	assert.Equal(t, "a1", rebound.AgentID)
	assert.Equal(t, job.RestartOnFailure, rebound.RestartPolicy, "a known job keeps its policy")
	assert.NotNil(t, rebound.StreamMetadata.YouTube)
}

func TestAssignmentLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)
	broadcastID := j.StreamMetadata.YouTube.BroadcastID

	a := dialAgent(t, env.svc)
	a.send(protocol.TypeAgentHello, agentHello("a1", "T"), "")
	a.read() // hello.ok

	go env.svc.sched.Pass(context.Background())

	start := a.read()
	require.Equal(t, protocol.TypeAssignStart, start.Type)
	var assign protocol.AssignStart
	require.NoError(t, start.Decode(&assign))
	assert.Equal(t, j.ID, assign.JobID)
	assert.JSONEq(t, `{"camera":"end-a"}`, string(assign.Config))

	// Accept, then walk the job to RUNNING.
	a.send(protocol.TypeAgentAssignAck,
		protocol.AssignAck{JobID: j.ID, Accepted: true}, start.MsgID)
	a.send(protocol.TypeAgentJobUpdate,
		protocol.JobUpdate{JobID: j.ID, Status: "RUNNING"}, "")

	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.Status == job.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	running, _ := env.store.Get(j.ID)
	assert.Equal(t, "a1", running.AgentID)
	assert.NotNil(t, running.StartedAt)
	snap, _ := env.registry.Get("a1")
	assert.Equal(t, agent.StateRunning, snap.State)

	// The agent's final word terminates the job and frees the agent.
	a.send(protocol.TypeAgentJobStopped,
		protocol.JobStopped{JobID: j.ID, Status: "STOPPED", ExitReason: "pipeline done"}, "")

	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.Status == job.StatusStopped
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		s, _ := env.registry.Get("a1")
		return s.State == agent.StateIdle && s.CurrentJobID == ""
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return env.mock.Ended(broadcastID) },
		2*time.Second, 10*time.Millisecond)
}

func TestAgentReportedFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)

	a := dialAgent(t, env.svc)
	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: j.ID, Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read()

	a.send(protocol.TypeAgentJobStopped, protocol.JobStopped{
		JobID:  j.ID,
		Status: "FAILED",
		Error:  &protocol.JobError{Code: "PIPELINE_CRASH", Message: "encoder died"},
	}, "")

	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.Status == job.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed, _ := env.store.Get(j.ID)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "PIPELINE_CRASH", failed.Error.Code)
}

func TestMuteAckFlipsFlag(t *testing.T) {
	env := newTestEnv(t, nil)

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)

	a := dialAgent(t, env.svc)
	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: j.ID, Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read()

	require.NoError(t, env.svc.SetMuted(j.ID, true))

	cmd := a.read()
	require.Equal(t, protocol.TypeJobMute, cmd.Type)
	var mute protocol.JobMute
	require.NoError(t, cmd.Decode(&mute))
	assert.True(t, mute.Muted)

	// The flag only flips once the agent acknowledges.
	before, _ := env.store.Get(j.ID)
	assert.False(t, before.StreamMetadata.IsMuted)

	a.send(protocol.TypeAgentMuteAck, protocol.JobMute{JobID: j.ID, Muted: true}, cmd.MsgID)

	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.StreamMetadata.IsMuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatLossFailsRunningJob(t *testing.T) {
	env := newTestEnv(t, nil)

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)
	broadcastID := j.StreamMetadata.YouTube.BroadcastID

	a := dialAgent(t, env.svc)
	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: j.ID, Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read()

	// The agent goes silent. Deadline is heartbeatTimeout (150ms) plus 1s
	// slack, then a further heartbeatTimeout window before the job fails.
	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.Status == job.StatusFailed
	}, 5*time.Second, 25*time.Millisecond)

	failed, _ := env.store.Get(j.ID)
	require.NotNil(t, failed.Error)
	assert.Equal(t, job.CodeAgentOffline, failed.Error.Code)

	snap, _ := env.registry.Get("a1")
	assert.Equal(t, agent.StateOffline, snap.State)

	require.Eventually(t, func() bool { return env.mock.Ended(broadcastID) },
		2*time.Second, 10*time.Millisecond)
}

func TestAgentReconnectWithinFailureWindowKeepsJob(t *testing.T) {
	// A wide heartbeat timeout gives the reconnect a comfortable window
	// between the UNKNOWN transition and the FAILED deadline.
	env := newTestEnv(t, func(c *config.Config) { c.HeartbeatTimeout = 500 * time.Millisecond })

	j, _, err := env.svc.CreateJob(context.Background(), inlineReq())
	require.NoError(t, err)

	a := dialAgent(t, env.svc)
	h := agentHello("a1", "T")
	h.ActiveJob = &protocol.ActiveJob{JobID: j.ID, Status: "RUNNING"}
	a.send(protocol.TypeAgentHello, h, "")
	a.read()

	// The agent goes silent until heartbeat expiry drives the job UNKNOWN.
	require.Eventually(t, func() bool {
		got, _ := env.store.Get(j.ID)
		return got.Status == job.StatusUnknown
	}, 5*time.Second, 10*time.Millisecond)

	// Reconnecting and re-reporting the job inside the failure window
	// resolves UNKNOWN back to RUNNING; the pending failure is disarmed.
	b := dialAgent(t, env.svc)
	b.send(protocol.TypeAgentHello, h, "")
	b.read()

	rebound, _ := env.store.Get(j.ID)
	assert.Equal(t, job.StatusRunning, rebound.Status)
	assert.Equal(t, "a1", rebound.AgentID)

	// The failure deadline passes without effect.
	time.Sleep(700 * time.Millisecond)
	still, _ := env.store.Get(j.ID)
	assert.Equal(t, job.StatusRunning, still.Status)
}
