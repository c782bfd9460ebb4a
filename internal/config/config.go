// Package config defines the typed runtime configuration for the
// orchestrator and agent services and the viper-based loader that
// assembles it from file, environment, and defaults.
package config

import (
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/models"
)

// AppName is the display name of the application.
const AppName = "TaskMesh"

// AppSlug is the lowercase identifier used for the env prefix and paths.
const AppSlug = "taskmesh"

// SelectionPolicy controls how required capabilities are matched against a
// worker's advertised set.
type SelectionPolicy string

const (
	// PolicyIntersects selects workers sharing at least one required
	// capability. This is the default.
	PolicyIntersects SelectionPolicy = "intersects"
	// PolicyCovers selects only workers advertising every required
	// capability.
	PolicyCovers SelectionPolicy = "covers"
)

// IsValid reports whether the policy is a recognized value.
func (p SelectionPolicy) IsValid() bool {
	return p == PolicyIntersects || p == PolicyCovers
}

// Config is the fully resolved configuration shared by all services.
type Config struct {
	Server    Server
	Agent     Agent
	Redis     Redis
	Postgres  Postgres
	Planner   Planner
	Scheduler Scheduler
	Log       Log

	// Warnings collected during load; reported once at startup.
	Warnings []string
}

// Server holds the orchestrator HTTP listener settings.
type Server struct {
	Host string
	Port int
}

// Addr returns the host:port listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Agent holds the worker runtime settings.
type Agent struct {
	ID           string
	Host         string
	Port         int
	Capabilities []models.Capability
	// Endpoint is the URL advertised to the orchestrator. Defaults to
	// http://<host>:<port> when empty.
	Endpoint string
}

// Addr returns the host:port listen address.
func (a Agent) Addr() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// Redis holds the coordination store settings.
type Redis struct {
	URL string
}

// Postgres holds the durable store settings.
type Postgres struct {
	DSN     string
	PoolMin int
	PoolMax int
}

// Planner holds the LLM decomposition client settings. An empty APIKey
// disables the remote planner; the fallback plan is used instead.
type Planner struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Scheduler holds the dispatch and result-processing loop settings.
type Scheduler struct {
	LivenessWindow             time.Duration
	HeartbeatInterval          time.Duration
	DispatchTimeout            time.Duration
	DequeueTimeout             time.Duration
	DispatcherConcurrency      int
	ResultProcessorConcurrency int
	SelectionPolicy            SelectionPolicy
}

// Log holds logging settings.
type Log struct {
	Format string // "text" or "json"
	Debug  bool
	Quiet  bool
}

// Validate checks cross-field consistency after loading.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("invalid agent port: %d", c.Agent.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url must not be empty")
	}
	if c.Postgres.PoolMin < 0 || c.Postgres.PoolMax < c.Postgres.PoolMin {
		return fmt.Errorf("invalid postgres pool bounds: min=%d max=%d",
			c.Postgres.PoolMin, c.Postgres.PoolMax)
	}
	if !c.Scheduler.SelectionPolicy.IsValid() {
		return fmt.Errorf("invalid selection policy: %q", c.Scheduler.SelectionPolicy)
	}
	if c.Scheduler.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive")
	}
	if c.Scheduler.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Scheduler.HeartbeatInterval >= c.Scheduler.LivenessWindow {
		return fmt.Errorf("heartbeat interval %v must be shorter than liveness window %v",
			c.Scheduler.HeartbeatInterval, c.Scheduler.LivenessWindow)
	}
	return nil
}
