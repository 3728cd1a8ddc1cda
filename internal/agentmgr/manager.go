// Package agentmgr implements the Agent Manager: the authoritative
// business-logic view of agents, delegating subprocess mechanics to
// internal/procsup and persistence to internal/store, and publishing every
// lifecycle transition on the event bus.
package agentmgr

import (
	"context"
	"sync"
	"time"

	"nox/internal/eventbus"
	"nox/internal/procsup"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// TaskCanceller is implemented by internal/taskmgr and injected after
// construction (see SetTaskCanceller) to avoid a compile-time import cycle
// — taskmgr never needs to import agentmgr, only the reverse relationship
// at cleanup time.
type TaskCanceller interface {
	CancelAgentTasks(agentID string) error
}

// SubscriptionDropper is implemented by internal/broker and injected the
// same way.
type SubscriptionDropper interface {
	DropSubscriptions(agentID string) error
}

// Manager is the Agent Manager. Constructed once at daemon bootstrap.
type Manager struct {
	store *store.Store
	bus   *eventbus.Bus
	sup   *procsup.Supervisor

	startupTimeout time.Duration
	stopTimeout    time.Duration

	mu       sync.Mutex
	readyChs map[string]chan struct{}

	taskCanceller TaskCanceller
	subDropper    SubscriptionDropper

	log *logx.Logger
}

// New constructs a Manager. The Supervisor must be constructed with this
// Manager as both its AgentSource and StatusSink (see AttachSupervisor
// below), which is why New does not itself build the Supervisor.
func New(st *store.Store, bus *eventbus.Bus, startupTimeout, stopTimeout time.Duration) *Manager {
	return &Manager{
		store:          st,
		bus:            bus,
		startupTimeout: startupTimeout,
		stopTimeout:    stopTimeout,
		readyChs:       make(map[string]chan struct{}),
		log:            logx.NewLogger("agentmgr"),
	}
}

// AttachSupervisor completes construction: the Supervisor needs this
// Manager as a callback target, and this Manager needs the Supervisor to
// drive lifecycle operations — a two-step wiring that keeps both
// explicitly constructed rather than reaching for package globals.
func (m *Manager) AttachSupervisor(sup *procsup.Supervisor) { m.sup = sup }

func (m *Manager) SetTaskCanceller(tc TaskCanceller)             { m.taskCanceller = tc }
func (m *Manager) SetSubscriptionDropper(sd SubscriptionDropper) { m.subDropper = sd }

// Create validates and persists a new agent in the `inactive` state.
func (m *Manager) Create(spec proto.AgentSpec) (proto.Agent, error) {
	if !proto.ValidAgentID(spec.AgentID) {
		return proto.Agent{}, proto.Newf(proto.KindInvalidName, "agentId %q does not match [a-z][a-z0-9_-]{0,63}", spec.AgentID)
	}
	if spec.Name == "" || spec.SystemPrompt == "" {
		return proto.Agent{}, proto.New(proto.KindInvalidSpec, "name and systemPrompt are required")
	}
	if _, exists := m.store.GetAgent(spec.AgentID); exists {
		return proto.Agent{}, proto.Newf(proto.KindDuplicateID, "agent %s already exists", spec.AgentID)
	}

	agent := proto.Agent{
		AgentID:      spec.AgentID,
		Name:         spec.Name,
		SystemPrompt: spec.SystemPrompt,
		Command:      spec.Command,
		Limits:       spec.Limits,
		Capabilities: spec.Capabilities,
		Status:       proto.AgentInactive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.PutAgent(agent); err != nil {
		return proto.Agent{}, err
	}
	m.bus.Publish(proto.NewEvent(proto.EventAgentCreated, proto.AgentCreatedPayload{Agent: agent}))
	return agent, nil
}

// Get returns the agent, or AgentNotFound.
func (m *Manager) Get(id string) (proto.Agent, error) {
	a, ok := m.store.GetAgent(id)
	if !ok {
		return proto.Agent{}, proto.Newf(proto.KindAgentNotFound, "agent %s not found", id)
	}
	return a, nil
}

// List returns agents matching filter (zero-value fields are wildcards).
func (m *Manager) List(filter proto.AgentFilter) []proto.Agent {
	all := m.store.ListAgents()
	out := make([]proto.Agent, 0, len(all))
	for _, a := range all {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && !containsStr(a.Capabilities, filter.Capability) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ListRunning returns every agent currently in the `running` state.
func (m *Manager) ListRunning() []proto.Agent {
	return m.List(proto.AgentFilter{Status: proto.AgentRunning})
}

// Capabilities satisfies protocol.CapabilityLookup, letting the
// InfoRequestHandler answer capability_query messages without reaching
// into the store directly.
func (m *Manager) Capabilities(agentID string) []string {
	a, ok := m.store.GetAgent(agentID)
	if !ok {
		return nil
	}
	return a.Capabilities
}

// GetStatus is a thin convenience wrapper over Get.
func (m *Manager) GetStatus(id string) (proto.AgentStatus, error) {
	a, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// Update applies patch to agent id. Everything except resource limits
// applies live; limit changes take effect at the next restart.
func (m *Manager) Update(id string, patch proto.AgentPatch) (proto.Agent, error) {
	agent, err := m.Get(id)
	if err != nil {
		return proto.Agent{}, err
	}
	if patch.Name != nil {
		agent.Name = *patch.Name
	}
	if patch.SystemPrompt != nil {
		agent.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Limits != nil {
		agent.Limits = *patch.Limits // effective at next restart; Process Supervisor is not live-reconfigured
	}
	if patch.Capabilities != nil {
		agent.Capabilities = patch.Capabilities
	}
	if err := m.store.PutAgent(agent); err != nil {
		return proto.Agent{}, err
	}
	m.bus.Publish(proto.NewEvent(proto.EventAgentStatusChanged, proto.AgentStatusChangedPayload{
		AgentID: id, OldStatus: agent.Status, NewStatus: agent.Status,
	}))
	return agent, nil
}

// Delete removes an agent. Fails with StillRunning unless the agent is in
// {inactive, stopped, crashed}. Cleanup cancels owned non-terminal tasks
// and drops message subscriptions before the registry record disappears.
func (m *Manager) Delete(id string) error {
	agent, err := m.Get(id)
	if err != nil {
		return err
	}
	switch agent.Status {
	case proto.AgentInactive, proto.AgentStopped, proto.AgentCrashed:
	default:
		return proto.Newf(proto.KindStillRunning, "agent %s is %s, stop it before deleting", id, agent.Status)
	}

	if m.taskCanceller != nil {
		if err := m.taskCanceller.CancelAgentTasks(id); err != nil {
			m.log.Warn("cancelling tasks for deleted agent %s: %v", id, err)
		}
	}
	if m.subDropper != nil {
		if err := m.subDropper.DropSubscriptions(id); err != nil {
			m.log.Warn("dropping subscriptions for deleted agent %s: %v", id, err)
		}
	}
	if err := m.store.DeleteAgent(id); err != nil {
		return err
	}
	m.bus.Publish(proto.NewEvent(proto.EventAgentDeleted, proto.AgentDeletedPayload{AgentID: id}))
	return nil
}

// Start is idempotent for a running agent; otherwise it spawns the
// subprocess and waits up to startupTimeout for a ready frame.
func (m *Manager) Start(ctx context.Context, id string) (proto.Agent, error) {
	agent, err := m.Get(id)
	if err != nil {
		return proto.Agent{}, err
	}
	if agent.Status == proto.AgentRunning {
		return agent, nil // idempotent no-op
	}

	m.sup.ResetCrashBudget(id)

	ready := make(chan struct{})
	m.mu.Lock()
	m.readyChs[id] = ready
	m.mu.Unlock()

	old := agent.Status
	agent.Status = proto.AgentStarting
	if err := m.store.PutAgent(agent); err != nil {
		return proto.Agent{}, err
	}
	m.publishStatus(id, old, proto.AgentStarting)

	if _, err := m.sup.Spawn(ctx, id, agent.Command); err != nil {
		agent.Status = proto.AgentCrashed
		_ = m.store.PutAgent(agent)
		return proto.Agent{}, proto.Wrap(proto.KindSpawnFailed, err, "spawning agent process")
	}

	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()
	select {
	case <-ready:
	case <-startCtx.Done():
		_ = m.sup.Stop(id, m.stopTimeout)
		agent.Status = proto.AgentCrashed
		_ = m.store.PutAgent(agent)
		return proto.Agent{}, proto.Newf(proto.KindStartupTimeout, "agent %s did not send ready frame within %s", id, m.startupTimeout)
	}

	agent.Status = proto.AgentRunning
	agent.LastHealthAt = time.Now().UTC()
	if err := m.store.PutAgent(agent); err != nil {
		return proto.Agent{}, err
	}
	m.publishStatus(id, proto.AgentStarting, proto.AgentRunning)
	return agent, nil
}

// Stop gracefully stops the agent's subprocess.
func (m *Manager) Stop(id string) (proto.Agent, error) {
	agent, err := m.Get(id)
	if err != nil {
		return proto.Agent{}, err
	}
	old := agent.Status
	agent.Status = proto.AgentStopping
	_ = m.store.PutAgent(agent)
	m.publishStatus(id, old, proto.AgentStopping)

	if err := m.sup.Stop(id, m.stopTimeout); err != nil {
		m.log.Warn("stopping agent %s: %v", id, err)
	}

	agent.Status = proto.AgentStopped
	if err := m.store.PutAgent(agent); err != nil {
		return proto.Agent{}, err
	}
	m.publishStatus(id, proto.AgentStopping, proto.AgentStopped)
	return agent, nil
}

// Restart stops then starts the agent.
func (m *Manager) Restart(ctx context.Context, id string) (proto.Agent, error) {
	if _, err := m.Stop(id); err != nil {
		return proto.Agent{}, err
	}
	return m.Start(ctx, id)
}

func (m *Manager) publishStatus(id string, old, next proto.AgentStatus) {
	m.bus.Publish(proto.NewEvent(proto.EventAgentStatusChanged, proto.AgentStatusChangedPayload{
		AgentID: id, OldStatus: old, NewStatus: next,
	}))
}

// Deliver implements internal/broker.Deliverer: it hands msg to agentID's
// live subprocess as a control frame over its stdin, the one path by which
// the broker reaches a subprocess without importing procsup itself.
func (m *Manager) Deliver(agentID string, msg *proto.Message) error {
	if !m.sup.IsRunning(agentID) {
		return proto.Newf(proto.KindSubprocessCrashed, "agent %s is not running", agentID)
	}
	return m.sup.Send(agentID, proto.ControlFrame{Kind: proto.ControlMessage, Message: msg})
}

// --- procsup.AgentSource / procsup.StatusSink implementation ---

// AgentCommand implements procsup.AgentSource.
func (m *Manager) AgentCommand(agentID string) ([]string, bool) {
	a, ok := m.store.GetAgent(agentID)
	if !ok {
		return nil, false
	}
	return a.Command, true
}

// OnFrame implements procsup.StatusSink.
func (m *Manager) OnFrame(agentID string, frame proto.AgentFrame) {
	if frame.Kind == proto.AgentFrameReady {
		m.mu.Lock()
		if ch, ok := m.readyChs[agentID]; ok {
			close(ch)
			delete(m.readyChs, agentID)
		}
		m.mu.Unlock()
		return
	}
	if frame.Kind == proto.AgentFrameResponse {
		m.bus.Publish(proto.NewEvent(proto.EventAgentResponse, proto.AgentResponsePayload{
			AgentID: agentID, Kind: string(frame.Kind), Body: frame.Content,
		}))
	}
}

// OnHealthSample implements procsup.StatusSink.
func (m *Manager) OnHealthSample(agentID string, sample proto.HealthSample) {
	if agent, ok := m.store.GetAgent(agentID); ok {
		agent.LastHealthAt = time.Now().UTC()
		_ = m.store.PutAgent(agent)
	}
}

// OnCrashed implements procsup.StatusSink.
func (m *Manager) OnCrashed(agentID string, reason string) {
	agent, ok := m.store.GetAgent(agentID)
	if !ok {
		return
	}
	old := agent.Status
	agent.Status = proto.AgentCrashed
	agent.CrashCount++
	_ = m.store.PutAgent(agent)
	m.bus.Publish(proto.NewEvent(proto.EventAgentCrashed, proto.AgentCrashedPayload{
		AgentID: agentID, ExitReason: reason, CrashCount: agent.CrashCount,
	}))
	m.publishStatus(agentID, old, proto.AgentCrashed)
}

// OnRestarted implements procsup.StatusSink.
func (m *Manager) OnRestarted(agentID string, attempt int) {
	agent, ok := m.store.GetAgent(agentID)
	if !ok {
		return
	}
	old := agent.Status
	agent.Status = proto.AgentRunning
	_ = m.store.PutAgent(agent)
	m.bus.Publish(proto.NewEvent(proto.EventAgentRestarted, proto.AgentRestartedPayload{AgentID: agentID, Attempt: attempt}))
	m.publishStatus(agentID, old, proto.AgentRunning)
}

// OnExhausted implements procsup.StatusSink: crash budget exceeded within
// the rolling window, the agent stays `crashed` until manual start.
func (m *Manager) OnExhausted(agentID string) {
	agent, ok := m.store.GetAgent(agentID)
	if !ok {
		return
	}
	old := agent.Status
	agent.Status = proto.AgentCrashed
	_ = m.store.PutAgent(agent)
	m.publishStatus(agentID, old, proto.AgentCrashed)
}
