// Package config loads the orchestrator configuration from the environment.
// Every tunable has a sane default so a bare `orchestrator` invocation comes
// up with the documented timing behavior; deployments override individual
// values via environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the fully resolved runtime configuration.
type Config struct {
	// Addr is the HTTP and WebSocket listen address, e.g. ":8080".
	Addr string

	// AgentToken is the shared secret agents must present in agent.hello.
	// Connections presenting any other value are closed with code 4001.
	AgentToken string

	// LogLevel selects the zap log level (debug, info, warn, error).
	LogLevel string

	// Agent protocol timing. These four values are echoed back to agents
	// in orchestrator.hello.ok and drive server-side liveness detection.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StopGrace         time.Duration
	KillAfter         time.Duration

	// Scheduler and health monitor cadence.
	ScheduleInterval     time.Duration
	StreamHealthInterval time.Duration
	StreamInactiveGrace  time.Duration

	// RestartBackoffs bounds stream restarts: attempt N waits
	// RestartBackoffs[N-1] before the next restart; exhausting the table
	// fails the job with STREAM_RESTART_EXCEEDED.
	RestartBackoffs []time.Duration

	// AssignAckTimeout is how long the scheduler waits for agent.assign.ack.
	AssignAckTimeout time.Duration

	// MetadataDebounce is the coalescing delay before title/description
	// changes are pushed to the external platform.
	MetadataDebounce time.Duration

	// Broadcast creation limiter: at most BroadcastLimit successful
	// creations per BroadcastWindow.
	BroadcastLimit  int
	BroadcastWindow time.Duration

	// Job creation limiter: JobBurst immediate admissions, then at least
	// JobMinInterval between further admissions.
	JobBurst       int
	JobMinInterval time.Duration

	// YouTube OAuth credentials and token cache location.
	YouTubeClientID     string
	YouTubeClientSecret string
	YouTubeRedirectURL  string
	YouTubeTokenFile    string

	// DisableYouTubeAPI switches the broadcast client to the in-process
	// mock. Used in development and by the test suite.
	DisableYouTubeAPI bool

	// RestrictPublicAccess gates the control-plane HTTP surface to
	// loopback and RFC1918 addresses. Public endpoints (/, /status,
	// /healthz, /status-ws) are reachable regardless.
	RestrictPublicAccess bool
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset. It returns an error only for values that are present but
// unparseable; a typo in a duration should fail startup, not be ignored.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:                 ":" + getenv("PORT", "8080"),
		AgentToken:           os.Getenv("AGENT_TOKEN"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		ScheduleInterval:     500 * time.Millisecond,
		RestartBackoffs:      []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		AssignAckTimeout:     5 * time.Second,
		MetadataDebounce:     10 * time.Second,
		BroadcastLimit:       10,
		BroadcastWindow:      10 * time.Minute,
		JobBurst:             5,
		JobMinInterval:       2 * time.Second,
		YouTubeClientID:      os.Getenv("YOUTUBE_CLIENT_ID"),
		YouTubeClientSecret:  os.Getenv("YOUTUBE_CLIENT_SECRET"),
		YouTubeRedirectURL:   os.Getenv("YOUTUBE_REDIRECT_URL"),
		YouTubeTokenFile:     getenv("YOUTUBE_TOKEN_FILE", "./youtube-token.json"),
		DisableYouTubeAPI:    boolenv("DISABLE_YOUTUBE_API"),
		RestrictPublicAccess: boolenv("ENABLE_PUBLIC_ACCESS_RESTRICTIONS"),
	}

	var err error
	if cfg.HeartbeatInterval, err = msenv("HEARTBEAT_INTERVAL_MS", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatTimeout, err = msenv("HEARTBEAT_TIMEOUT_MS", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StopGrace, err = msenv("STOP_GRACE_MS", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.KillAfter, err = msenv("KILL_AFTER_MS", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StreamHealthInterval, err = msenv("STREAM_HEALTH_INTERVAL_MS", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.StreamInactiveGrace, err = msenv("STREAM_INACTIVE_GRACE_MS", 30*time.Second); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func boolenv(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}

// msenv reads a millisecond count from the environment.
func msenv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
