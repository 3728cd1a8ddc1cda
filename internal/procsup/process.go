package procsup

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

// process is the live supervision record for one agent's OS subprocess.
// It is the Process Supervisor's private view; AgentProcess is the
// read-only snapshot handed out to callers.
type process struct {
	agentID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	startedAt time.Time

	mu            sync.RWMutex
	lastOutputAt  time.Time
	lastSample    proto.HealthSample
	stopRequested atomic.Bool

	// exited is closed by the supervisor's watch goroutine once cmd.Wait
	// has returned; it is the only place Wait is ever called, so stop()
	// observes process exit through this channel rather than racing a
	// second Wait of its own.
	exited chan struct{}

	frames chan proto.AgentFrame
	log    *logx.Logger
}

// spawnProcess launches command, wiring stdin/stdout/stderr exactly as the
// agent subprocess protocol requires: newline-delimited JSON on stdin/
// stdout, stderr captured verbatim as log output.
func spawnProcess(ctx context.Context, agentID string, command []string) (*process, error) {
	if len(command) == 0 {
		return nil, proto.New(proto.KindSpawnFailed, "agent has no command configured")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, proto.Wrap(proto.KindSpawnFailed, err, "opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, proto.Wrap(proto.KindSpawnFailed, err, "opening stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, proto.Wrap(proto.KindSpawnFailed, err, "opening stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, proto.Wrap(proto.KindSpawnFailed, err, "starting agent process")
	}

	p := &process{
		agentID:      agentID,
		cmd:          cmd,
		stdin:        stdin,
		startedAt:    time.Now().UTC(),
		lastOutputAt: time.Now().UTC(),
		exited:       make(chan struct{}),
		frames:       make(chan proto.AgentFrame, 64),
		log:          logx.NewLogger("procsup." + agentID),
	}

	go p.readStdout(stdout)
	go p.readStderr(stderr)

	return p, nil
}

func (p *process) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.touch()
		var frame proto.AgentFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			p.log.Warn("agent %s emitted non-protocol line: %s", p.agentID, string(line))
			continue
		}
		select {
		case p.frames <- frame:
		default:
			p.log.Warn("agent %s frame channel full, dropping frame", p.agentID)
		}
	}
	close(p.frames)
}

func (p *process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.touch()
		p.log.Info("[%s stderr] %s", p.agentID, scanner.Text())
	}
}

func (p *process) touch() {
	p.mu.Lock()
	p.lastOutputAt = time.Now().UTC()
	p.mu.Unlock()
}

// send writes one newline-terminated frame to the process's stdin.
func (p *process) send(frame proto.ControlFrame) error {
	line, err := proto.MarshalLine(frame)
	if err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "encoding control frame")
	}
	if _, err := p.stdin.Write(line); err != nil {
		return proto.Wrap(proto.KindSubprocessCrashed, err, "writing to agent stdin")
	}
	return nil
}

// SampleFunc reads a process's CPU/memory usage. The default is a no-op
// reader: a deployment wires in a /proc or gopsutil-based sampler per OS,
// and the classification rules below run against whatever it reports.
type SampleFunc func(pid int) (cpuPercent float64, memMB int64, err error)

func defaultSampleFunc(int) (float64, int64, error) { return 0, 0, nil }

func (p *process) sample(cfg Thresholds, sampleFn SampleFunc) proto.HealthSample {
	if sampleFn == nil {
		sampleFn = defaultSampleFunc
	}
	cpu, mem, _ := sampleFn(p.pid())

	p.mu.Lock()
	defer p.mu.Unlock()

	classification := ""
	if time.Since(p.lastOutputAt) > cfg.UnresponsiveTimeout {
		classification = "unresponsive"
	} else if cpu > cfg.CPUThresholdPercent {
		classification = "high_cpu"
	} else if mem > cfg.MemoryThresholdMB {
		classification = "high_memory"
	}

	sample := proto.HealthSample{
		Alive:          p.alive(),
		CPUPercent:     cpu,
		MemoryMB:       mem,
		LastOutputAt:   p.lastOutputAt,
		Classification: classification,
	}
	p.lastSample = sample
	return sample
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) alive() bool {
	return p.cmd.ProcessState == nil
}

// stop sends a shutdown control frame, waits up to timeout for the process
// to exit, then force-kills it. Exit is observed via the exited channel the
// watch goroutine closes after its cmd.Wait returns.
func (p *process) stop(timeout time.Duration) error {
	p.stopRequested.Store(true)
	_ = p.send(proto.ControlFrame{Kind: proto.ControlShutdown, Reason: "stop requested"})
	_ = p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	case <-time.After(timeout):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
		return proto.New(proto.KindTimeout, "agent did not exit before stop timeout, force-killed")
	}
}

func (p *process) wasStopRequested() bool { return p.stopRequested.Load() }
