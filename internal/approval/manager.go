// Package approval implements the Approval Manager: the risk-classified,
// expiring gate that arbitrates privileged operations through an
// out-of-band decision. Callers block until their request reaches a
// terminal state — auto-approved under a threshold, decided by the
// pluggable callback, resolved by an external Respond, or expired by the
// background sweeper.
package approval

import (
	"context"
	"strconv"
	"sync"
	"time"

	"nox/internal/eventbus"
	"nox/internal/store"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// DefaultSweepInterval is how often the expiry sweeper scans pending
// requests for an elapsed expiresAt.
const DefaultSweepInterval = 30 * time.Second

// Manager is the Approval Manager. Constructed once at daemon bootstrap;
// Start must be called to run the background expiry sweeper, and Stop to
// drain it during shutdown.
type Manager struct {
	store *store.Store
	bus   *eventbus.Bus

	sweepInterval time.Duration

	mu       sync.Mutex
	callback proto.DecisionCallback

	// waiters lets Respond and the sweeper wake a RequestApproval call
	// that is blocked waiting on an external decision.
	waiters map[string]chan proto.ApprovalRecord

	stopCh chan struct{}
	doneCh chan struct{}

	log *logx.Logger
}

// New constructs a Manager. On construction, any request persisted as
// pending from a prior run whose expiresAt has already passed is marked
// expired before the daemon accepts new operations.
func New(st *store.Store, bus *eventbus.Bus, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		store:         st,
		bus:           bus,
		sweepInterval: sweepInterval,
		waiters:       make(map[string]chan proto.ApprovalRecord),
		log:           logx.NewLogger("approval"),
	}
	m.expireStaleOnStartup()
	return m
}

func (m *Manager) expireStaleOnStartup() {
	now := time.Now().UTC()
	for _, rec := range m.store.ListPendingApprovals() {
		if rec.Request.ExpiresAt != nil && rec.Request.ExpiresAt.Before(now) {
			m.transitionToExpired(rec)
		}
	}
}

// SetDecisionCallback installs the pluggable decision function invoked by
// RequestApproval after a non-auto-approved request is accepted. A nil
// callback leaves requests pending until an explicit Respond call or
// expiry.
func (m *Manager) SetDecisionCallback(cb proto.DecisionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// Start launches the background expiry sweeper. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.sweepLoop()
}

// Stop signals the sweeper to exit and blocks until it has, bounded by the
// caller's own shutdown timeout handling.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.stopCh
	done := m.doneCh
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep transitions every pending request whose expiresAt has passed to
// expired.
func (m *Manager) sweep() {
	now := time.Now().UTC()
	for _, rec := range m.store.ListPendingApprovals() {
		if rec.Request.ExpiresAt != nil && rec.Request.ExpiresAt.Before(now) {
			m.transitionToExpired(rec)
		}
	}
}

func (m *Manager) transitionToExpired(rec proto.ApprovalRecord) {
	rec.Status = proto.ApprovalExpired
	if err := m.store.PutApprovalTerminal(rec); err != nil {
		m.log.Error("persisting expiry of approval %s: %v", rec.ApprovalID, err)
		return
	}
	logx.DebugToFile(context.Background(), "approval", "approval-expiry.log",
		"approval %s (%s) requested by %s expired unanswered", rec.ApprovalID, rec.Request.Title, rec.Request.RequestedBy)
	m.bus.Publish(proto.NewEvent(proto.EventApprovalDecided, proto.ApprovalDecidedPayload{Record: rec}))
	m.notifyWaiter(rec)
}

// RequestApproval is synchronous with respect to its caller: it returns
// only after the request reaches a terminal state.
//
//   - autoApproveThreshold set and riskLevel at-or-below it: auto_approved,
//     true, no callback invoked.
//   - a decision callback is registered: the request is persisted pending
//     and announced, then the callback's boolean result decides
//     approved/rejected synchronously, within this call.
//   - no callback: the request is persisted pending and this call blocks
//     until respond() is invoked out-of-band or expiresAt elapses.
func (m *Manager) RequestApproval(req proto.ApprovalRequest) (bool, error) {
	if req.Title == "" || req.Type == "" || req.RequestedBy == "" {
		return false, proto.New(proto.KindInvalidSpec, "approval request requires type, title and requestedBy")
	}
	if !req.RiskLevel.Valid() {
		return false, proto.Newf(proto.KindInvalidSpec, "invalid risk level %q", req.RiskLevel)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if req.ExpiresAt == nil {
		deadline := req.RequestedAt.Add(proto.DefaultApprovalTTL)
		req.ExpiresAt = &deadline
	}
	if !req.ExpiresAt.After(req.RequestedAt) {
		return false, proto.New(proto.KindInvalidSpec, "expiresAt must be after requestedAt")
	}

	rec := proto.ApprovalRecord{
		ApprovalID: proto.NewApprovalID(),
		Request:    req,
		Status:     proto.ApprovalPending,
	}

	if req.AutoApproveThreshold != nil && req.RiskLevel.AtOrBelow(*req.AutoApproveThreshold) {
		rec.Status = proto.ApprovalAutoApproved
		rec.Response = &proto.ApprovalResponse{DecidedBy: "auto", DecidedAt: time.Now().UTC()}
		if err := m.store.PutApprovalTerminal(rec); err != nil {
			return false, err
		}
		logx.DebugMessage(context.Background(), "approval", "auto-approved", rec.ApprovalID+" risk="+string(rec.Request.RiskLevel))
		m.bus.Publish(proto.NewEvent(proto.EventApprovalRequest, proto.ApprovalRequestPayload{Record: rec}))
		m.bus.Publish(proto.NewEvent(proto.EventApprovalDecided, proto.ApprovalDecidedPayload{Record: rec}))
		return true, nil
	}

	// Register a waiter before persisting, so a respond() or sweeper expiry
	// racing in concurrently cannot fire before we're listening.
	wait := make(chan proto.ApprovalRecord, 1)
	m.mu.Lock()
	m.waiters[rec.ApprovalID] = wait
	m.mu.Unlock()

	if err := m.store.PutApprovalPending(rec); err != nil {
		m.mu.Lock()
		delete(m.waiters, rec.ApprovalID)
		m.mu.Unlock()
		return false, err
	}
	m.bus.Publish(proto.NewEvent(proto.EventApprovalRequest, proto.ApprovalRequestPayload{Record: rec}))

	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()

	if cb != nil {
		approve, reason, err := m.invokeCallback(cb, rec)
		if err != nil {
			approve, reason = false, "callback_error"
		}
		final := rec
		final.Status = proto.ApprovalRejected
		if approve {
			final.Status = proto.ApprovalApproved
		}
		final.Response = &proto.ApprovalResponse{DecidedBy: "callback", DecidedAt: time.Now().UTC(), Reason: reason}
		if err := m.store.PutApprovalTerminal(final); err != nil {
			return false, err
		}
		m.mu.Lock()
		delete(m.waiters, rec.ApprovalID)
		m.mu.Unlock()
		logx.DebugMessage(context.Background(), "approval", "callback-decided", final.ApprovalID+" approve="+strconv.FormatBool(approve)+" reason="+reason)
		m.bus.Publish(proto.NewEvent(proto.EventApprovalDecided, proto.ApprovalDecidedPayload{Record: final}))
		return approve, nil
	}

	// No callback: block until respond() or the sweeper expires it.
	logx.DebugFlow(context.Background(), "approval", "request", "pending", "id="+rec.ApprovalID+" by="+rec.Request.RequestedBy)
	final := <-wait
	return final.Status == proto.ApprovalApproved, nil
}

// invokeCallback isolates the callback call so a panicking decision
// function is also treated as callback_error rather than crashing the
// Approval Manager's mutator.
func (m *Manager) invokeCallback(cb proto.DecisionCallback, rec proto.ApprovalRecord) (approve bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			approve, reason, err = false, "callback_error", proto.Newf(proto.KindInvalidSpec, "decision callback panicked: %v", r)
		}
	}()
	return cb(&rec)
}

// Respond applies an out-of-band human decision to a still-pending
// request. Returns false without mutation if the request is already
// terminal.
func (m *Manager) Respond(approvalID string, approve bool, decidedBy, reason string) (bool, error) {
	rec, ok := m.store.GetApproval(approvalID)
	if !ok {
		return false, proto.Newf(proto.KindApprovalNotFound, "approval %s not found", approvalID)
	}
	if rec.Status.Terminal() {
		return false, nil
	}

	rec.Status = proto.ApprovalRejected
	if approve {
		rec.Status = proto.ApprovalApproved
	}
	rec.Response = &proto.ApprovalResponse{DecidedBy: decidedBy, DecidedAt: time.Now().UTC(), Reason: reason}
	if err := m.store.PutApprovalTerminal(rec); err != nil {
		return false, err
	}
	m.bus.Publish(proto.NewEvent(proto.EventApprovalDecided, proto.ApprovalDecidedPayload{Record: rec}))
	m.notifyWaiter(rec)
	return true, nil
}

func (m *Manager) notifyWaiter(rec proto.ApprovalRecord) {
	m.mu.Lock()
	wait, ok := m.waiters[rec.ApprovalID]
	if ok {
		delete(m.waiters, rec.ApprovalID)
	}
	m.mu.Unlock()
	if ok {
		wait <- rec
	}
}

// GetPending returns every request currently in status pending.
func (m *Manager) GetPending() []proto.ApprovalRecord {
	return m.store.ListPendingApprovals()
}

// GetHistory returns up to limit most-recent terminal records (0 means
// unlimited).
func (m *Manager) GetHistory(limit int) ([]proto.ApprovalRecord, error) {
	return m.store.ReadApprovalHistory(limit)
}

// GetAgentHistory returns every terminal record requested by agentID,
// oldest first.
func (m *Manager) GetAgentHistory(agentID string) ([]proto.ApprovalRecord, error) {
	all, err := m.store.ReadApprovalHistory(0)
	if err != nil {
		return nil, err
	}
	var out []proto.ApprovalRecord
	for _, rec := range all {
		if rec.Request.RequestedBy == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}
