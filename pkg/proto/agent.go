package proto

import "time"

// AgentStatus is the Agent lifecycle state, driven by the Process
// Supervisor.
type AgentStatus string

const (
	AgentInactive AgentStatus = "inactive"
	AgentStarting AgentStatus = "starting"
	AgentRunning  AgentStatus = "running"
	AgentStopping AgentStatus = "stopping"
	AgentStopped  AgentStatus = "stopped"
	AgentCrashed  AgentStatus = "crashed"
	AgentUnknown  AgentStatus = "unknown"
)

// ResourceLimits bounds what a supervised agent process may consume before
// the Process Supervisor flags it via a health classification.
type ResourceLimits struct {
	MaxCPUPercent      float64 `json:"maxCpuPercent"`
	MaxMemoryMB        int64   `json:"maxMemoryMB"`
	MaxConcurrentTasks int     `json:"maxConcurrentTasks"`
}

// Agent is the durable identity and configuration record for one supervised
// worker process. It is owned exclusively by the Registry Store; the Agent
// Manager and Process Supervisor hold read-mostly views over it.
type Agent struct {
	AgentID      string         `json:"agentId"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"systemPrompt"`
	Command      []string       `json:"command"`
	Limits       ResourceLimits `json:"limits"`
	Capabilities []string       `json:"capabilities"`
	Status       AgentStatus    `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastHealthAt time.Time      `json:"lastHealthAt,omitempty"`
	CrashCount   int            `json:"crashCount"`
}

// AgentSpec is the validated client-supplied payload for create(spec).
type AgentSpec struct {
	AgentID      string         `json:"agentId"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"systemPrompt"`
	Command      []string       `json:"command"`
	Limits       ResourceLimits `json:"limits"`
	Capabilities []string       `json:"capabilities"`
}

// AgentPatch is a partial update to a live or inactive agent; nil fields
// are left unchanged. Resource-limit changes apply only at next restart;
// everything else applies live.
type AgentPatch struct {
	Name         *string         `json:"name,omitempty"`
	SystemPrompt *string         `json:"systemPrompt,omitempty"`
	Limits       *ResourceLimits `json:"limits,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// AgentFilter narrows list(filter).
type AgentFilter struct {
	Status     AgentStatus
	Capability string
}

// HealthSample is the point-in-time reading the Process Supervisor produces
// for health(agentId).
type HealthSample struct {
	Alive          bool      `json:"alive"`
	CPUPercent     float64   `json:"cpuPercent"`
	MemoryMB       int64     `json:"memMB"`
	LastOutputAt   time.Time `json:"lastOutputAt"`
	Classification string    `json:"classification,omitempty"` // "", unresponsive, high_cpu, high_memory
}

// AgentProcess is the ephemeral, in-memory-only record of a running
// subprocess, owned by the Process Supervisor. It is never persisted to the
// Registry Store directly; its lifetime is bounded by the owning Agent's.
type AgentProcess struct {
	AgentID       string
	PID           int
	StartedAt     time.Time
	LastHealthyAt time.Time
	LastSample    HealthSample
}
