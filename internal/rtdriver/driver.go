// Package rtdriver is the container runtime capability contract: pull /
// create / start / stop / inspect / logs over whichever of docker/podman
// is installed, shelling out to the CLI rather than binding an SDK so the
// same binary works against either runtime. Every install this package
// performs is gated behind an Approval Manager HIGH-risk review by the
// caller (internal/restapi) — this package itself has no opinion on
// approval, it only executes what it's told.
package rtdriver

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

// Capability describes one container-backed install tracked by the driver,
// the unit the idle-cleanup sweep and GET /api/agents/{id}/capabilities listing
// both operate over.
type Capability struct {
	AgentID       string
	ContainerName string
	Image         string
	Purpose       string
	StartedAt     time.Time
	LastUsedAt    time.Time
}

// Driver shells out to docker or podman (auto-detected) to pull images and
// manage the lifecycle of capability-install containers.
type Driver struct {
	bin string // "docker" or "podman"

	mu     sync.Mutex
	active map[string]*Capability // containerName -> info

	idleThreshold time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}

	log *logx.Logger
}

// New auto-detects the container binary (docker preferred, falling back to
// podman) and constructs a Driver. idleThreshold of 0 disables the cleanup
// sweep.
func New(idleThreshold time.Duration) *Driver {
	bin := "docker"
	if _, err := exec.LookPath("docker"); err != nil {
		if _, err := exec.LookPath("podman"); err == nil {
			bin = "podman"
		}
	}
	return &Driver{
		bin:           bin,
		active:        make(map[string]*Capability),
		idleThreshold: idleThreshold,
		log:           logx.NewLogger("rtdriver"),
	}
}

// Available reports whether the detected binary is actually runnable
// (daemon reachable), not merely present on PATH.
func (d *Driver) Available(ctx context.Context) bool {
	if _, err := exec.LookPath(d.bin); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, d.bin, "ps", "-q")
	return cmd.Run() == nil
}

// Pull fetches image, the first step of installing a capability.
func (d *Driver) Pull(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, d.bin, "pull", image)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return proto.Wrap(proto.KindContainerRuntime, err, fmt.Sprintf("pulling %s: %s", image, out))
	}
	return nil
}

// Create starts a detached container named after agentID+purpose and
// registers it for idle-cleanup tracking, returning the capability record.
func (d *Driver) Create(ctx context.Context, agentID, image, purpose string) (Capability, error) {
	name := fmt.Sprintf("nox-%s-%s-%d", agentID, purpose, time.Now().UnixNano())
	cmd := exec.CommandContext(ctx, d.bin, "run", "-d", "--name", name, image)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Capability{}, proto.Wrap(proto.KindContainerRuntime, err, fmt.Sprintf("creating container %s: %s", name, out))
	}

	now := time.Now().UTC()
	cap := &Capability{AgentID: agentID, ContainerName: name, Image: image, Purpose: purpose, StartedAt: now, LastUsedAt: now}

	d.mu.Lock()
	d.active[name] = cap
	d.mu.Unlock()

	return *cap, nil
}

// Start (re-)starts a previously created, stopped container.
func (d *Driver) Start(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, d.bin, "start", containerName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return proto.Wrap(proto.KindContainerRuntime, err, fmt.Sprintf("starting %s: %s", containerName, out))
	}
	d.touch(containerName)
	return nil
}

// Stop stops containerName, unregistering it from idle-cleanup tracking.
func (d *Driver) Stop(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, d.bin, "stop", containerName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return proto.Wrap(proto.KindContainerRuntime, err, fmt.Sprintf("stopping %s: %s", containerName, out))
	}
	d.mu.Lock()
	delete(d.active, containerName)
	d.mu.Unlock()
	return nil
}

// Inspect reports whether containerName is currently running.
func (d *Driver) Inspect(ctx context.Context, containerName string) (running bool, err error) {
	cmd := exec.CommandContext(ctx, d.bin, "inspect", "-f", "{{.State.Running}}", containerName)
	out, runErr := cmd.Output()
	if runErr != nil {
		return false, proto.Wrap(proto.KindContainerRuntime, runErr, "inspecting "+containerName)
	}
	d.touch(containerName)
	return string(out) == "true\n", nil
}

// Logs returns the container's captured stdout/stderr verbatim.
func (d *Driver) Logs(ctx context.Context, containerName string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, "logs", containerName)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", proto.Wrap(proto.KindContainerRuntime, err, "reading logs for "+containerName)
	}
	d.touch(containerName)
	return string(out), nil
}

func (d *Driver) touch(containerName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.active[containerName]; ok {
		c.LastUsedAt = time.Now().UTC()
	}
}

// Active returns a snapshot of every container the driver is currently
// tracking.
func (d *Driver) Active() []Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Capability, 0, len(d.active))
	for _, c := range d.active {
		out = append(out, *c)
	}
	return out
}

// StartCleanupSweep launches the idle-cleanup loop: any capability-install
// container idle past idleThreshold is stopped and evicted. No-op if
// idleThreshold is 0.
func (d *Driver) StartCleanupSweep(interval time.Duration) {
	if d.idleThreshold <= 0 || interval <= 0 {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.cleanupLoop(interval)
}

func (d *Driver) cleanupLoop(interval time.Duration) {
	defer close(d.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepIdle()
		}
	}
}

func (d *Driver) sweepIdle() {
	cutoff := time.Now().UTC().Add(-d.idleThreshold)
	d.mu.Lock()
	var stale []string
	for name, c := range d.active {
		if c.LastUsedAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	d.mu.Unlock()

	for _, name := range stale {
		d.log.Info("stopping idle capability container %s", name)
		if err := d.Stop(context.Background(), name); err != nil {
			d.log.Warn("idle cleanup of %s failed: %v", name, err)
		}
	}
}

// Shutdown stops the cleanup sweep, if running.
func (d *Driver) Shutdown() {
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	<-d.doneCh
}
