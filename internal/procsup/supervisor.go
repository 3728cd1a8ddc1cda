// Package procsup implements the Process Supervisor: it keeps one external
// OS subprocess alive per running Agent, health-checks it on a fixed
// interval, and restarts crashed processes under an exponential backoff
// policy bounded by a rolling crash-count window.
package procsup

import (
	"context"
	"sync"
	"time"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

// Thresholds mirrors pkg/config.SupervisorConfig's health-classification
// knobs, kept as a small value type so this package doesn't import
// pkg/config directly (constructed by the caller at wiring time).
type Thresholds struct {
	CheckInterval       time.Duration
	UnresponsiveTimeout time.Duration
	CPUThresholdPercent float64
	MemoryThresholdMB   int64
}

// RestartPolicy holds the crash-restart backoff knobs: base 1s, factor 2,
// cap 60s, max 5 attempts per rolling 10-minute window.
type RestartPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	CapDelay    time.Duration
	MaxAttempts int
	Window      time.Duration
}

// DefaultRestartPolicy returns the spec's documented defaults.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		BaseDelay:   time.Second,
		Factor:      2,
		CapDelay:    60 * time.Second,
		MaxAttempts: 5,
		Window:      10 * time.Minute,
	}
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CheckInterval:       5 * time.Second,
		UnresponsiveTimeout: 30 * time.Second,
		CPUThresholdPercent: 80,
		MemoryThresholdMB:   500,
	}
}

// AgentSource lets the Supervisor look up the current spec for an agent it
// needs to respawn, without importing internal/agentmgr (which itself
// imports procsup) — explicit interface injection per the design notes,
// not a back-reference singleton.
type AgentSource interface {
	AgentCommand(agentID string) (command []string, ok bool)
}

// StatusSink receives lifecycle notifications the Supervisor can't itself
// persist (it owns no durable state); the Agent Manager implements this to
// update and persist Agent.Status.
type StatusSink interface {
	OnCrashed(agentID string, reason string)
	OnRestarted(agentID string, attempt int)
	OnExhausted(agentID string) // crash budget exceeded: stays crashed, no more auto-restart
	OnFrame(agentID string, frame proto.AgentFrame)
	OnHealthSample(agentID string, sample proto.HealthSample)
}

// Supervisor is constructed once at daemon bootstrap and injected into the
// Agent Manager.
type Supervisor struct {
	mu         sync.Mutex
	procs      map[string]*process
	crashTimes map[string][]time.Time

	thresholds Thresholds
	policy     RestartPolicy
	sampleFn   SampleFunc

	source AgentSource
	sink   StatusSink

	log *logx.Logger

	closing bool
}

// New constructs a Supervisor. source and sink are required; sampleFn may
// be nil to use a no-op CPU/memory sampler (see process.go).
func New(thresholds Thresholds, policy RestartPolicy, source AgentSource, sink StatusSink, sampleFn SampleFunc) *Supervisor {
	return &Supervisor{
		procs:      make(map[string]*process),
		crashTimes: make(map[string][]time.Time),
		thresholds: thresholds,
		policy:     policy,
		sampleFn:   sampleFn,
		source:     source,
		sink:       sink,
		log:        logx.NewLogger("procsup"),
	}
}

// Spawn launches the agent's command and begins supervising it, including
// background health checks and crash-driven restart.
func (s *Supervisor) Spawn(ctx context.Context, agentID string, command []string) (proto.AgentProcess, error) {
	s.mu.Lock()
	if _, exists := s.procs[agentID]; exists {
		s.mu.Unlock()
		return proto.AgentProcess{}, proto.Newf(proto.KindStillRunning, "agent %s already has a live subprocess", agentID)
	}
	s.mu.Unlock()

	p, err := spawnProcess(ctx, agentID, command)
	if err != nil {
		return proto.AgentProcess{}, err
	}

	s.mu.Lock()
	s.procs[agentID] = p
	s.mu.Unlock()

	go s.watch(ctx, agentID, p)
	go s.healthLoop(agentID, p)

	return proto.AgentProcess{
		AgentID:       agentID,
		PID:           p.pid(),
		StartedAt:     p.startedAt,
		LastHealthyAt: p.startedAt,
	}, nil
}

// watch blocks on the process's frame channel closing (meaning stdout
// closed, i.e. the process exited), forwards every frame to the sink, and
// on an unrequested exit applies the restart policy.
func (s *Supervisor) watch(ctx context.Context, agentID string, p *process) {
	for frame := range p.frames {
		s.sink.OnFrame(agentID, frame)
	}
	_ = p.cmd.Wait()
	close(p.exited)

	s.mu.Lock()
	delete(s.procs, agentID)
	closing := s.closing
	s.mu.Unlock()

	if closing || p.wasStopRequested() {
		return
	}

	s.handleCrash(ctx, agentID)
}

func (s *Supervisor) handleCrash(ctx context.Context, agentID string) {
	s.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-s.policy.Window)
	times := s.crashTimes[agentID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.crashTimes[agentID] = kept
	attempt := len(kept)
	s.mu.Unlock()

	s.sink.OnCrashed(agentID, "subprocess exited unexpectedly")

	if attempt > s.policy.MaxAttempts {
		s.sink.OnExhausted(agentID)
		return
	}

	delay := s.backoffDelay(attempt)
	s.log.Warn("agent %s crashed (attempt %d/%d), restarting in %s", agentID, attempt, s.policy.MaxAttempts, delay)
	time.Sleep(delay)

	command, ok := s.source.AgentCommand(agentID)
	if !ok {
		s.log.Warn("agent %s no longer exists, abandoning restart", agentID)
		return
	}
	if _, err := s.Spawn(ctx, agentID, command); err != nil {
		s.log.Error("failed to restart agent %s: %v", agentID, err)
		s.sink.OnExhausted(agentID)
		return
	}
	s.sink.OnRestarted(agentID, attempt)
}

func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	d := s.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * s.policy.Factor)
		if d > s.policy.CapDelay {
			return s.policy.CapDelay
		}
	}
	if d > s.policy.CapDelay {
		d = s.policy.CapDelay
	}
	return d
}

func (s *Supervisor) healthLoop(agentID string, p *process) {
	ticker := time.NewTicker(s.thresholds.CheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		cur, alive := s.procs[agentID]
		s.mu.Unlock()
		// A crash-restart replaces the map entry with a fresh process that
		// gets its own health loop; this one must exit with its process.
		if !alive || cur != p {
			return
		}
		sample := p.sample(s.thresholds, s.sampleFn)
		s.sink.OnHealthSample(agentID, sample)
	}
}

// Stop gracefully terminates the agent's subprocess, forcibly killing it
// after timeout.
func (s *Supervisor) Stop(agentID string, timeout time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return nil // already stopped: idempotent
	}
	return p.stop(timeout)
}

// Send writes one newline-terminated control frame to the agent's stdin.
func (s *Supervisor) Send(agentID string, frame proto.ControlFrame) error {
	s.mu.Lock()
	p, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return proto.Newf(proto.KindAgentNotFound, "agent %s has no live subprocess", agentID)
	}
	return p.send(frame)
}

// Health returns the last recorded health sample, or a zero sample with
// Alive=false if the agent has no live subprocess.
func (s *Supervisor) Health(agentID string) proto.HealthSample {
	s.mu.Lock()
	p, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return proto.HealthSample{Alive: false}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSample
}

// IsRunning reports whether the Supervisor currently tracks a live
// subprocess for agentID.
func (s *Supervisor) IsRunning(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[agentID]
	return ok
}

// ResetCrashBudget clears the rolling crash window for agentID, called when
// an operator manually starts a `crashed` agent whose auto-restart budget
// was exhausted.
func (s *Supervisor) ResetCrashBudget(agentID string) {
	s.mu.Lock()
	delete(s.crashTimes, agentID)
	s.mu.Unlock()
}

// Shutdown stops every supervised process, bounded by timeout per process,
// and suppresses further auto-restart.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_ = s.Stop(agentID, timeout)
		}(id)
	}
	wg.Wait()
}
