// Package metrics is the periodic, read-only sampler over Agent Manager /
// Task Manager / Message Broker state. It holds no mutating authority over
// any core component: each tick it snapshots running-agent counts, task
// dashboard totals and the per-bucket message counter into a SQLite time
// series (served by /metrics/system and /metrics/agents/{id}) and a small
// set of Prometheus gauges for the scrape endpoint.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/prometheus/client_golang/prometheus"

	"nox/pkg/logx"
	"nox/pkg/proto"
)

// AgentSource is the read-only view the sampler needs from internal/agentmgr.
type AgentSource interface {
	List(filter proto.AgentFilter) []proto.Agent
}

// TaskSource is the read-only view the sampler needs from internal/taskmgr.
type TaskSource interface {
	GetTaskDashboard() proto.TaskDashboard
}

// MessageCounter is incremented by internal/broker at Enqueue time, never
// again at delivery or reply time. The bucket is "new messages enqueued
// during the sample window"; a single increment point keeps replies and
// redeliveries from being counted twice.
type MessageCounter struct {
	mu    chan struct{} // 1-buffered mutex, avoids importing sync for one counter
	count int64
}

// NewMessageCounter constructs a zeroed counter.
func NewMessageCounter() *MessageCounter {
	c := &MessageCounter{mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c
}

// Increment is called exactly once per Enqueue, broker-side.
func (c *MessageCounter) Increment() {
	<-c.mu
	c.count++
	c.mu <- struct{}{}
}

// DrainSinceLastSample returns the count accumulated since the last call
// and resets it to zero — "new messages enqueued during the bucket".
func (c *MessageCounter) DrainSinceLastSample() int64 {
	<-c.mu
	n := c.count
	c.count = 0
	c.mu <- struct{}{}
	return n
}

// Interval is one of the three REST query bucket sizes: rows are grouped
// into minute/hour/day buckets and averaged when queried, so a day-granular
// dashboard view doesn't page through every ten-second sample.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
)

// ParseInterval maps the query-parameter spelling to an Interval, falling
// back to minute granularity for anything unrecognized or empty.
func ParseInterval(s string) Interval {
	switch Interval(s) {
	case IntervalHour:
		return IntervalHour
	case IntervalDay:
		return IntervalDay
	default:
		return IntervalMinute
	}
}

func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// SystemSample is one row of the system-wide time series.
type SystemSample struct {
	Timestamp         time.Time `json:"timestamp"`
	RunningAgents     int       `json:"runningAgents"`
	TotalAgents       int       `json:"totalAgents"`
	OpenTasks         int       `json:"openTasks"`
	BlockedTasks      int       `json:"blockedTasks"`
	MessagesPerMinute float64   `json:"messagesPerMinute"`
}

// AgentSample is one row of a single agent's time series.
type AgentSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryMB   int64     `json:"memMB"`
}

// Sampler periodically snapshots agent/task state into the SQLite time
// series and into Prometheus gauges. Constructed once at daemon bootstrap;
// it holds no mutating authority over any core component.
type Sampler struct {
	db       *sql.DB
	agents   AgentSource
	tasks    TaskSource
	counter  *MessageCounter
	interval time.Duration

	runningGauge prometheus.Gauge
	openGauge    prometheus.Gauge
	blockedGauge prometheus.Gauge
	msgGauge     prometheus.Gauge

	stopCh chan struct{}
	doneCh chan struct{}

	log *logx.Logger
}

// Registry is the subset of *prometheus.Registry the sampler needs,
// letting callers inject either the global DefaultRegisterer or (in tests)
// a throwaway prometheus.NewRegistry().
type Registry interface {
	MustRegister(...prometheus.Collector)
}

// New opens (creating if absent) the SQLite metrics database at dbPath,
// registers the Prometheus gauges against reg, and constructs a Sampler
// ready to Start.
func New(dbPath string, agents AgentSource, tasks TaskSource, counter *MessageCounter, interval time.Duration, reg Registry) (*Sampler, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, proto.Wrap(proto.KindStorageIO, err, "creating metrics directory")
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, proto.Wrap(proto.KindStorageIO, err, "opening metrics database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, proto.Wrap(proto.KindStorageIO, err, "pinging metrics database")
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Sampler{
		db:       db,
		agents:   agents,
		tasks:    tasks,
		counter:  counter,
		interval: interval,
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nox_agents_running", Help: "Number of agents currently running.",
		}),
		openGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nox_tasks_open", Help: "Number of non-terminal tasks.",
		}),
		blockedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nox_tasks_blocked", Help: "Number of blocked tasks.",
		}),
		msgGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nox_messages_per_minute", Help: "Messages enqueued in the last sample bucket, normalized per minute.",
		}),
		log: logx.NewLogger("metrics"),
	}
	if reg != nil {
		reg.MustRegister(s.runningGauge, s.openGauge, s.blockedGauge, s.msgGauge)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS system_samples (
	ts INTEGER NOT NULL,
	running_agents INTEGER NOT NULL,
	total_agents INTEGER NOT NULL,
	open_tasks INTEGER NOT NULL,
	blocked_tasks INTEGER NOT NULL,
	messages_per_minute REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_samples_ts ON system_samples(ts);

CREATE TABLE IF NOT EXISTS agent_samples (
	ts INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	cpu_percent REAL NOT NULL,
	memory_mb INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_samples_agent_ts ON agent_samples(agent_id, ts);
`
	if _, err := db.Exec(ddl); err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "initializing metrics schema")
	}
	return nil
}

// Start launches the background sampling loop.
func (s *Sampler) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
}

// Stop signals the sampling loop to exit and waits for it to finish.
func (s *Sampler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.db.Close()
}

func (s *Sampler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	now := time.Now().UTC()
	all := s.agents.List(proto.AgentFilter{})
	running := 0
	for _, a := range all {
		if a.Status == proto.AgentRunning {
			running++
		}
	}

	dash := s.tasks.GetTaskDashboard()
	openTasks := dash.Total - dash.ByStatus[string(proto.TaskDone)] - dash.ByStatus[string(proto.TaskCancelled)]

	bucketMsgs := int64(0)
	if s.counter != nil {
		bucketMsgs = s.counter.DrainSinceLastSample()
	}
	perMinute := float64(bucketMsgs) / s.interval.Minutes()

	s.runningGauge.Set(float64(running))
	s.openGauge.Set(float64(openTasks))
	s.blockedGauge.Set(float64(dash.BlockedCount))
	s.msgGauge.Set(perMinute)

	if _, err := s.db.ExecContext(context.Background(),
		`INSERT INTO system_samples (ts, running_agents, total_agents, open_tasks, blocked_tasks, messages_per_minute) VALUES (?, ?, ?, ?, ?, ?)`,
		now.Unix(), running, len(all), openTasks, dash.BlockedCount, perMinute,
	); err != nil {
		s.log.Error("writing system sample: %v", err)
	}

	for _, a := range all {
		if _, err := s.db.ExecContext(context.Background(),
			`INSERT INTO agent_samples (ts, agent_id, status, cpu_percent, memory_mb) VALUES (?, ?, ?, ?, ?)`,
			now.Unix(), a.AgentID, string(a.Status), 0.0, 0,
		); err != nil {
			s.log.Error("writing agent sample for %s: %v", a.AgentID, err)
		}
	}
}

// QuerySystem returns system samples in [start, end], grouped into
// interval-sized buckets with each numeric column averaged over the
// bucket's raw rows. A row's reported timestamp is its bucket's start.
func (s *Sampler) QuerySystem(ctx context.Context, start, end time.Time, interval Interval) ([]SystemSample, error) {
	bucket := int64(interval.Duration().Seconds())
	rows, err := s.db.QueryContext(ctx,
		`SELECT (ts/?)*?, AVG(running_agents), AVG(total_agents), AVG(open_tasks), AVG(blocked_tasks), AVG(messages_per_minute)
		 FROM system_samples WHERE ts >= ? AND ts <= ?
		 GROUP BY ts/? ORDER BY 1 ASC`,
		bucket, bucket, start.Unix(), end.Unix(), bucket,
	)
	if err != nil {
		return nil, proto.Wrap(proto.KindStorageIO, err, "querying system samples")
	}
	defer rows.Close()

	var out []SystemSample
	for rows.Next() {
		var ts int64
		var running, total, open, blocked float64
		var s SystemSample
		if err := rows.Scan(&ts, &running, &total, &open, &blocked, &s.MessagesPerMinute); err != nil {
			return nil, proto.Wrap(proto.KindStorageIO, err, "scanning system sample")
		}
		s.Timestamp = time.Unix(ts, 0).UTC()
		s.RunningAgents = int(running)
		s.TotalAgents = int(total)
		s.OpenTasks = int(open)
		s.BlockedTasks = int(blocked)
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryAgent returns agentID's samples in [start, end], bucketed like
// QuerySystem; cpu/memory are averaged and status is the bucket's most
// recent reading (the bare column resolves against MAX(ts) under SQLite's
// group-by semantics).
func (s *Sampler) QueryAgent(ctx context.Context, agentID string, start, end time.Time, interval Interval) ([]AgentSample, error) {
	bucket := int64(interval.Duration().Seconds())
	rows, err := s.db.QueryContext(ctx,
		`SELECT (ts/?)*?, status, AVG(cpu_percent), AVG(memory_mb), MAX(ts)
		 FROM agent_samples WHERE agent_id = ? AND ts >= ? AND ts <= ?
		 GROUP BY ts/? ORDER BY 1 ASC`,
		bucket, bucket, agentID, start.Unix(), end.Unix(), bucket,
	)
	if err != nil {
		return nil, proto.Wrap(proto.KindStorageIO, err, "querying agent samples")
	}
	defer rows.Close()

	var out []AgentSample
	for rows.Next() {
		var ts, maxTS int64
		var mem float64
		var a AgentSample
		if err := rows.Scan(&ts, &a.Status, &a.CPUPercent, &mem, &maxTS); err != nil {
			return nil, proto.Wrap(proto.KindStorageIO, err, "scanning agent sample")
		}
		a.Timestamp = time.Unix(ts, 0).UTC()
		a.MemoryMB = int64(mem)
		out = append(out, a)
	}
	return out, rows.Err()
}
