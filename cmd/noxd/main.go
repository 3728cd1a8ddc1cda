// Command noxd is the nox control-plane daemon: it wires the Registry
// Store, Event Bus, Process Supervisor, Agent Manager, Protocol Registry,
// Message Broker, Task Manager, Approval Manager, metrics sampler, runtime
// driver and REST/WebSocket adapters into one running process, then blocks
// until SIGINT/SIGTERM and drains everything under a bounded graceful
// shutdown.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"nox/internal/agentmgr"
	"nox/internal/approval"
	"nox/internal/broker"
	"nox/internal/eventbus"
	"nox/internal/fanout"
	"nox/internal/metrics"
	"nox/internal/procsup"
	"nox/internal/protocol"
	"nox/internal/restapi"
	"nox/internal/rtdriver"
	"nox/internal/store"
	"nox/internal/taskmgr"
	"nox/pkg/config"
	"nox/pkg/logx"
	"nox/pkg/proto"
	"nox/pkg/version"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config.yaml")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("NOX_CONFIG")
	}
	if configPath == "" {
		configPath = "config.yaml"
	}

	log := logx.NewLogger("noxd")
	log.Info("nox %s (commit %s, built %s)", version.Version, version.Commit, version.Date)

	cfg, err := config.Load(configPath)
	if err != nil {
		if os.IsNotExist(unwrapPathErr(err)) {
			log.Warn("no config at %s, using defaults", configPath)
			cfg = config.Default()
			if err := config.Update(cfg); err != nil {
				log.Error("applying default config: %v", err)
				os.Exit(1)
			}
		} else {
			log.Error("loading config %s: %v", configPath, err)
			os.Exit(1)
		}
	}

	if cfg.Server.WebUIPasswordHash == "" {
		plain, hash, genErr := generateWebUICredential()
		if genErr != nil {
			log.Error("generating webui credential: %v", genErr)
			os.Exit(1)
		}
		cfg.Server.WebUIPasswordHash = hash
		log.Info("generated webui password for user %q (save it, it will not be shown again): %s", cfg.Server.WebUIUser, plain)
		if err := config.Update(cfg); err != nil {
			log.Error("persisting generated credential: %v", err)
			os.Exit(1)
		}
		if err := config.Save(configPath, cfg); err != nil {
			log.Warn("could not persist generated webui credential to %s: %v", configPath, err)
		}
	}

	d, err := bootstrap(cfg, configPath)
	if err != nil {
		log.Error("bootstrap failed: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal %v, shutting down", sig)

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	d.shutdown(shutdownTimeout)
	log.Info("shutdown complete")
}

func unwrapPathErr(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

// generateWebUICredential creates a random operator password and its bcrypt
// hash. The plaintext is printed once at startup and never stored; only the
// hash lands in config.yaml.
func generateWebUICredential() (plain, hash string, err error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	plain = hex.EncodeToString(buf)
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing generated password: %w", err)
	}
	return plain, string(hashed), nil
}

// daemon holds every long-lived component so shutdown can drain them in the
// right order: reject new HTTP work, stop subprocesses, flush the store,
// close the event bus.
type daemon struct {
	httpServer *http.Server
	promServer *http.Server
	sup        *procsup.Supervisor
	brokerMgr  *broker.Broker
	approvals  *approval.Manager
	sampler    *metrics.Sampler
	rtdrv      *rtdriver.Driver
	st         *store.Store
	bus        *eventbus.Bus
	log        *logx.Logger
}

// snapshotAdapter implements fanout.Snapshots over the Agent Manager and
// Task Manager, the small piece of glue fanout.New takes as its Snapshots
// argument.
type snapshotAdapter struct {
	agents *agentmgr.Manager
	tasks  *taskmgr.Manager
}

func (s snapshotAdapter) AgentStatusList() any       { return s.agents.List(proto.AgentFilter{}) }
func (s snapshotAdapter) TaskDashboardSnapshot() any { return s.tasks.GetTaskDashboard() }

func bootstrap(cfg config.Config, configPath string) (*daemon, error) {
	log := logx.NewLogger("noxd")

	st, err := store.Open(cfg.WorkingDir, cfg.GitJournal)
	if err != nil {
		return nil, fmt.Errorf("opening registry store: %w", err)
	}

	bus := eventbus.New(cfg.EventBus.SubscriberBufferSize)

	startupTimeout := time.Duration(cfg.Supervisor.StartupTimeoutMs) * time.Millisecond
	stopTimeout := time.Duration(cfg.Supervisor.UnresponsiveTimeoutMs) * time.Millisecond
	agents := agentmgr.New(st, bus, startupTimeout, stopTimeout)

	thresholds := procsup.Thresholds{
		CheckInterval:       time.Duration(cfg.Supervisor.CheckIntervalMs) * time.Millisecond,
		UnresponsiveTimeout: time.Duration(cfg.Supervisor.UnresponsiveTimeoutMs) * time.Millisecond,
		CPUThresholdPercent: cfg.Supervisor.CPUThresholdPercent,
		MemoryThresholdMB:   cfg.Supervisor.MemoryThresholdMB,
	}
	policy := procsup.RestartPolicy{
		BaseDelay:   time.Duration(cfg.Supervisor.RestartBaseMs) * time.Millisecond,
		Factor:      cfg.Supervisor.RestartFactor,
		CapDelay:    time.Duration(cfg.Supervisor.RestartCapMs) * time.Millisecond,
		MaxAttempts: cfg.Supervisor.MaxRestartAttempts,
		Window:      time.Duration(cfg.Supervisor.RestartWindowMs) * time.Millisecond,
	}
	sup := procsup.New(thresholds, policy, agents, agents, nil)
	agents.AttachSupervisor(sup)

	registry := protocol.Default(agents)

	brokerMgr := broker.New(st, bus, registry, agents, cfg.Broker.QueueCapacity, cfg.Broker.WorkerCount, cfg.Broker.HistoryPerAgent)
	agents.SetSubscriptionDropper(brokerMgr)

	tasks := taskmgr.New(st, bus, brokerMgr)
	agents.SetTaskCanceller(tasks)

	approvals := approval.New(st, bus, time.Duration(cfg.Approval.SweepIntervalMs)*time.Millisecond)
	approvals.Start()

	var sampler *metrics.Sampler
	var promServer *http.Server
	if cfg.Metrics.Enabled {
		counter := metrics.NewMessageCounter()
		brokerMgr.SetEnqueueCounter(counter)
		dbPath := cfg.Metrics.SQLitePath
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(cfg.WorkingDir, dbPath)
		}
		sampler, err = metrics.New(dbPath, agents, tasks, counter,
			time.Duration(cfg.Metrics.SampleIntervalMs)*time.Millisecond, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("starting metrics sampler: %w", err)
		}
		sampler.Start()

		if cfg.Metrics.PrometheusAddr != "" {
			promMux := http.NewServeMux()
			promMux.Handle("/metrics", promhttp.Handler())
			promServer = &http.Server{Addr: cfg.Metrics.PrometheusAddr, Handler: promMux}
			go func() {
				if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("prometheus exposition server stopped unexpectedly: %v", err)
				}
			}()
			log.Info("prometheus metrics on %s/metrics", cfg.Metrics.PrometheusAddr)
		}
	}

	rtdrv := rtdriver.New(time.Duration(cfg.Runtime.IdleThresholdMs) * time.Millisecond)
	rtdrv.StartCleanupSweep(time.Duration(cfg.Runtime.IdleCleanupIntervalMs) * time.Millisecond)

	fo := fanout.New(bus, snapshotAdapter{agents: agents, tasks: tasks},
		time.Duration(cfg.Fanout.PingIntervalMs)*time.Millisecond, time.Duration(cfg.Fanout.IdleTimeoutMs)*time.Millisecond)

	api := restapi.New(agents, tasks, approvals, rtdrv, st, sampler, configPath)

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/ws", fo)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped unexpectedly: %v", err)
		}
	}()
	log.Info("listening on %s", cfg.Server.Addr)

	return &daemon{
		httpServer: httpServer,
		promServer: promServer,
		sup:        sup,
		brokerMgr:  brokerMgr,
		approvals:  approvals,
		sampler:    sampler,
		rtdrv:      rtdrv,
		st:         st,
		bus:        bus,
		log:        log,
	}, nil
}

// shutdown drains every component in dependency order: stop accepting new
// HTTP requests, stop the subprocess pool, stop the background sweepers,
// flush the registry store, close the event bus.
func (d *daemon) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.log.Warn("http server shutdown: %v", err)
	}
	if d.promServer != nil {
		if err := d.promServer.Shutdown(ctx); err != nil {
			d.log.Warn("prometheus server shutdown: %v", err)
		}
	}

	d.sup.Shutdown(timeout)
	d.brokerMgr.Shutdown(timeout)
	d.approvals.Stop()
	if d.sampler != nil {
		d.sampler.Stop()
	}
	d.rtdrv.Shutdown()

	if err := d.st.Close(); err != nil {
		d.log.Warn("closing registry store: %v", err)
	}
	d.bus.Close()
}
