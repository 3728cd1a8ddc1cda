// Package taskmgr implements the Task Manager: the task graph, its
// five-state status machine (todo/inprogress/blocked/done/cancelled),
// delegation, dependency-cycle rejection, and dashboard aggregation. The
// in-memory map is the working set; every mutation also lands in the
// Registry Store before an event is published.
package taskmgr

import (
	"context"
	"sync"
	"time"

	"nox/internal/eventbus"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// MessageSender delivers the task_request a delegation produces. Satisfied
// by *nox/internal/broker.Broker without either package importing the
// other's concrete type beyond this narrow method set.
type MessageSender interface {
	Enqueue(msg *proto.Message) error
}

// Manager is the Task Manager. Constructed once at daemon bootstrap.
type Manager struct {
	store  *store.Store
	bus    *eventbus.Bus
	sender MessageSender

	mu    sync.RWMutex
	tasks map[string]proto.Task

	log *logx.Logger
}

// New constructs a Manager, loading any tasks already persisted in st.
func New(st *store.Store, bus *eventbus.Bus, sender MessageSender) *Manager {
	m := &Manager{
		store:  st,
		bus:    bus,
		sender: sender,
		tasks:  make(map[string]proto.Task),
		log:    logx.NewLogger("taskmgr"),
	}
	for _, t := range st.ListTasks() {
		m.tasks[t.TaskID] = t
	}
	return m
}

// Create validates spec (including cycle-freedom) and persists a new task
// in the `todo` state, or `blocked` if a dependency is not yet satisfied.
func (m *Manager) Create(spec proto.TaskSpec) (proto.Task, error) {
	if spec.AgentID == "" || spec.Title == "" {
		return proto.Task{}, proto.New(proto.KindInvalidSpec, "agentId and title are required")
	}
	if !spec.Priority.Valid() {
		return proto.Task{}, proto.Newf(proto.KindInvalidSpec, "invalid priority %q", spec.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "dependency %s does not exist", dep)
		}
	}

	task := proto.Task{
		TaskID:       proto.NewTaskID(),
		AgentID:      spec.AgentID,
		Title:        spec.Title,
		Description:  spec.Description,
		Priority:     spec.Priority,
		RequestedBy:  spec.RequestedBy,
		Dependencies: append([]string(nil), spec.Dependencies...),
		Status:       m.initialStatus(spec.Dependencies),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.persistLocked(task); err != nil {
		return proto.Task{}, err
	}
	m.bus.Publish(proto.NewEvent(proto.EventTaskCreated, proto.TaskCreatedPayload{Task: task}))
	return task, nil
}

func (m *Manager) initialStatus(deps []string) proto.TaskStatus {
	for _, dep := range deps {
		if t, ok := m.tasks[dep]; ok && t.Status != proto.TaskDone {
			return proto.TaskBlocked
		}
	}
	return proto.TaskTodo
}

// Get returns a value-copy snapshot of the task, or KindTaskNotFound.
func (m *Manager) Get(id string) (proto.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "task %s not found", id)
	}
	return t, nil
}

// List returns every task matching filter; zero-value fields match anything.
func (m *Manager) List(filter proto.TaskFilter) []proto.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]proto.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetAgentTasks is a convenience alias for List(TaskFilter{AgentID: agentID}).
func (m *Manager) GetAgentTasks(agentID string) []proto.Task {
	return m.List(proto.TaskFilter{AgentID: agentID})
}

// Update applies patch to task id, enforcing the status machine's legal
// transitions and the dependency/cycle invariant when Dependencies changes.
func (m *Manager) Update(id string, patch proto.TaskPatch) (proto.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "task %s not found", id)
	}

	if patch.Dependencies != nil {
		for _, dep := range *patch.Dependencies {
			if dep == id {
				return proto.Task{}, proto.New(proto.KindCycleDetected, "task cannot depend on itself")
			}
			if m.introducesCycleLocked(id, dep) {
				return proto.Task{}, proto.Newf(proto.KindCycleDetected, "dependency %s would introduce a cycle", dep)
			}
		}
		task.Dependencies = append([]string(nil), *patch.Dependencies...)
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return proto.Task{}, proto.Newf(proto.KindInvalidSpec, "invalid priority %q", *patch.Priority)
		}
		task.Priority = *patch.Priority
	}
	if patch.Progress != nil {
		task.Progress = *patch.Progress
	}
	if patch.Status == nil || *patch.Status == task.Status {
		if err := m.persistLocked(task); err != nil {
			return proto.Task{}, err
		}
		m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: task}))
		return task, nil
	}

	// A status patch to done/cancelled carries the same side effects as the
	// dedicated Complete/Cancel operations (progress=100, recompute blocked
	// dependents, cascade cancellation) — dispatching here rather than a bare
	// applyTransitionLocked is what makes those side effects reachable
	// through the generic PUT /tasks/{id} path, not just Complete/Cancel's
	// own callers.
	next := *patch.Status
	if err := m.checkTransitionLocked(task, next); err != nil {
		return proto.Task{}, err
	}
	switch next {
	case proto.TaskDone:
		result := ""
		if patch.Result != nil {
			result = *patch.Result
		}
		task, unblocked, err := m.completeLocked(task, result)
		if err != nil {
			return proto.Task{}, err
		}
		m.bus.Publish(proto.NewEvent(proto.EventTaskCompleted, proto.TaskCompletedPayload{Task: task}))
		for _, u := range unblocked {
			m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: u}))
		}
		return task, nil
	case proto.TaskCancelled:
		task, cascaded, err := m.cancelLocked(task)
		if err != nil {
			return proto.Task{}, err
		}
		m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: task}))
		for _, c := range cascaded {
			m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: c}))
		}
		return task, nil
	default:
		task = m.applyTransitionLocked(task, next)
		if err := m.persistLocked(task); err != nil {
			return proto.Task{}, err
		}
		m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: task}))
		return task, nil
	}
}

// introducesCycleLocked reports whether adding an edge id -> dep would
// create a cycle, via DFS from dep looking for a path back to id. Cost is
// bounded by the current graph size.
func (m *Manager) introducesCycleLocked(id, dep string) bool {
	visited := make(map[string]bool)
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == id {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range m.tasks[node].Dependencies {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(dep)
}

// checkTransitionLocked enforces the state machine's legal edges.
func (m *Manager) checkTransitionLocked(task proto.Task, next proto.TaskStatus) error {
	if task.Status == next {
		return nil
	}
	if task.Status.Terminal() {
		return proto.Newf(proto.KindIllegalTransition, "task %s is in terminal state %s", task.TaskID, task.Status)
	}
	switch next {
	case proto.TaskInProgress:
		if task.Status != proto.TaskTodo && task.Status != proto.TaskBlocked {
			return proto.Newf(proto.KindIllegalTransition, "cannot move %s to inprogress", task.Status)
		}
		if !m.dependenciesDoneLocked(task) {
			return proto.New(proto.KindIllegalTransition, "dependencies are not all done")
		}
	case proto.TaskBlocked, proto.TaskTodo, proto.TaskDone, proto.TaskCancelled:
		// any non-terminal source may move to these; completeLocked applies
		// the done side effects via applyTransitionLocked, cancelLocked sets
		// cancelled itself.
	default:
		return proto.Newf(proto.KindInvalidSpec, "unknown status %q", next)
	}
	return nil
}

func (m *Manager) dependenciesDoneLocked(task proto.Task) bool {
	for _, dep := range task.Dependencies {
		if d, ok := m.tasks[dep]; !ok || d.Status != proto.TaskDone {
			return false
		}
	}
	return true
}

func (m *Manager) applyTransitionLocked(task proto.Task, next proto.TaskStatus) proto.Task {
	now := time.Now().UTC()
	switch next {
	case proto.TaskInProgress:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case proto.TaskDone:
		task.Progress = 100
		task.CompletedAt = &now
	}
	task.Status = next
	return task
}

// Complete marks task id done, sets progress=100, emits task-completed, and
// recomputes any blocked dependents whose last outstanding dependency was
// this task.
func (m *Manager) Complete(id string, result string) (proto.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "task %s not found", id)
	}
	task, unblocked, err := m.completeLocked(task, result)
	m.mu.Unlock()
	if err != nil {
		return proto.Task{}, err
	}

	m.bus.Publish(proto.NewEvent(proto.EventTaskCompleted, proto.TaskCompletedPayload{Task: task}))
	for _, u := range unblocked {
		m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: u}))
	}
	return task, nil
}

// completeLocked applies the done transition and its recompute side effect.
// Callers must hold m.mu; shared by Complete and Update's status-patch path
// so both reach the same recompute-blocked-dependents behavior.
func (m *Manager) completeLocked(task proto.Task, result string) (proto.Task, []proto.Task, error) {
	if task.Status.Terminal() {
		return proto.Task{}, nil, proto.Newf(proto.KindIllegalTransition, "task %s already terminal", task.TaskID)
	}
	task = m.applyTransitionLocked(task, proto.TaskDone)
	task.Result = result
	if err := m.persistLocked(task); err != nil {
		return proto.Task{}, nil, err
	}
	logx.DebugState(context.Background(), "taskmgr", "complete", task.TaskID, "agent="+task.AgentID)
	return task, m.recomputeBlockedLocked(), nil
}

// recomputeBlockedLocked promotes every blocked task whose dependencies are
// now all done to inprogress, returning the tasks that changed.
func (m *Manager) recomputeBlockedLocked() []proto.Task {
	var changed []proto.Task
	for id, t := range m.tasks {
		if t.Status != proto.TaskBlocked {
			continue
		}
		if m.dependenciesDoneLocked(t) {
			t = m.applyTransitionLocked(t, proto.TaskInProgress)
			m.tasks[id] = t
			if err := m.store.PutTask(t); err != nil {
				m.log.Error("failed to persist unblocked task %s: %v", id, err)
			}
			changed = append(changed, t)
		}
	}
	return changed
}

// Cancel transitions id to cancelled from any non-terminal state, cascading
// to dependents whose only path depended on it: they move to blocked with
// BlockedReason "dependency cancelled".
func (m *Manager) Cancel(id string) (proto.Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "task %s not found", id)
	}
	task, cascaded, err := m.cancelLocked(task)
	m.mu.Unlock()
	if err != nil {
		return proto.Task{}, err
	}

	m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: task}))
	for _, c := range cascaded {
		m.bus.Publish(proto.NewEvent(proto.EventTaskUpdated, proto.TaskUpdatedPayload{Task: c}))
	}
	return task, nil
}

// cancelLocked applies the cancelled transition and cascades BlockedReason
// to dependents left permanently unsatisfiable. Callers must hold m.mu;
// shared by Cancel and Update's status-patch path.
func (m *Manager) cancelLocked(task proto.Task) (proto.Task, []proto.Task, error) {
	if task.Status.Terminal() {
		return proto.Task{}, nil, proto.Newf(proto.KindIllegalTransition, "task %s already terminal", task.TaskID)
	}
	task.Status = proto.TaskCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	if err := m.persistLocked(task); err != nil {
		return proto.Task{}, nil, err
	}
	logx.DebugState(context.Background(), "taskmgr", "cancel", task.TaskID, "agent="+task.AgentID)

	var cascaded []proto.Task
	for did, dependent := range m.tasks {
		if dependent.Status.Terminal() {
			continue
		}
		for _, dep := range dependent.Dependencies {
			if dep == task.TaskID {
				dependent.Status = proto.TaskBlocked
				dependent.BlockedReason = "dependency cancelled"
				m.tasks[did] = dependent
				if err := m.store.PutTask(dependent); err != nil {
					m.log.Error("failed to persist cascaded cancellation for %s: %v", did, err)
				}
				cascaded = append(cascaded, dependent)
				break
			}
		}
	}
	return task, cascaded, nil
}

// Delete removes a terminal task's record. Non-terminal tasks must be
// cancelled first.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return proto.Newf(proto.KindTaskNotFound, "task %s not found", id)
	}
	if !task.Status.Terminal() {
		return proto.Newf(proto.KindStillRunning, "task %s is not in a terminal state", id)
	}
	if err := m.store.DeleteTask(id); err != nil {
		return err
	}
	delete(m.tasks, id)
	return nil
}

// Delegate creates a new task owned by toAgent with requestedBy=fromAgent,
// atomically enqueues the task_request that announces it, and emits
// task-delegated. If the enqueue fails (KindQueueFull), the task is not
// created: a delegation either fully happens or leaves no trace.
func (m *Manager) Delegate(fromAgent, toAgent string, spec proto.TaskSpec) (proto.Task, error) {
	spec.AgentID = toAgent
	spec.RequestedBy = fromAgent

	m.mu.Lock()
	for _, dep := range spec.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			m.mu.Unlock()
			return proto.Task{}, proto.Newf(proto.KindTaskNotFound, "dependency %s does not exist", dep)
		}
	}
	task := proto.Task{
		TaskID:       proto.NewTaskID(),
		AgentID:      toAgent,
		Title:        spec.Title,
		Description:  spec.Description,
		Priority:     spec.Priority,
		RequestedBy:  fromAgent,
		Dependencies: append([]string(nil), spec.Dependencies...),
		Status:       m.initialStatus(spec.Dependencies),
		CreatedAt:    time.Now().UTC(),
	}

	req := proto.NewMessage(fromAgent, toAgent, proto.MsgTaskRequest, spec.Title, spec.Priority)
	req.Metadata["taskId"] = task.TaskID
	if m.sender != nil {
		if err := m.sender.Enqueue(req); err != nil {
			m.mu.Unlock()
			return proto.Task{}, err
		}
	}
	if err := m.persistLocked(task); err != nil {
		m.mu.Unlock()
		return proto.Task{}, err
	}
	m.mu.Unlock()

	m.bus.Publish(proto.NewEvent(proto.EventTaskDelegated, proto.TaskDelegatedPayload{
		Task: task, FromAgent: fromAgent, ToAgent: toAgent,
	}))
	return task, nil
}

// GetTaskDashboard returns an O(n) consistent snapshot over the current
// task set, taken under a single read guard.
func (m *Manager) GetTaskDashboard() proto.TaskDashboard {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := proto.TaskDashboard{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByAgent:    make(map[string]int),
	}
	var oldestOpen time.Time
	now := time.Now().UTC()
	for _, t := range m.tasks {
		d.Total++
		d.ByStatus[string(t.Status)]++
		d.ByPriority[string(t.Priority)]++
		d.ByAgent[t.AgentID]++
		if t.Status == proto.TaskBlocked {
			d.BlockedCount++
		}
		if !t.Status.Terminal() {
			if oldestOpen.IsZero() || t.CreatedAt.Before(oldestOpen) {
				oldestOpen = t.CreatedAt
			}
		}
	}
	if !oldestOpen.IsZero() {
		d.OldestOpenAgeSec = now.Sub(oldestOpen).Seconds()
	}
	return d
}

// CancelAgentTasks cancels every non-terminal task owned by agentID.
// Implements nox/internal/agentmgr.TaskCanceller, invoked when an agent is
// deleted.
func (m *Manager) CancelAgentTasks(agentID string) error {
	m.mu.RLock()
	var ids []string
	for id, t := range m.tasks {
		if t.AgentID == agentID && !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.Cancel(id); err != nil {
			m.log.Warn("failed to cancel task %s owned by deleted agent %s: %v", id, agentID, err)
		}
	}
	return nil
}

func (m *Manager) persistLocked(task proto.Task) error {
	if err := m.store.PutTask(task); err != nil {
		return err
	}
	m.tasks[task.TaskID] = task
	return nil
}
