// Package restapi is the REST API adapter: it exposes every
// Agent/Task/Approval/metrics/system operation as a JSON HTTP endpoint
// under /api, translating the closed proto.Kind error set into HTTP
// status codes. Routing is Go 1.22's pattern-based http.ServeMux — no
// router dependency needed for a fixed method+path table with {id}
// parameters.
package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"golang.org/x/crypto/bcrypt"

	"nox/internal/agentmgr"
	"nox/internal/approval"
	"nox/internal/metrics"
	"nox/internal/rtdriver"
	"nox/internal/store"
	"nox/internal/taskmgr"
	"nox/pkg/config"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// AgentService is the subset of internal/agentmgr.Manager the API needs.
type AgentService interface {
	Create(spec proto.AgentSpec) (proto.Agent, error)
	Get(id string) (proto.Agent, error)
	List(filter proto.AgentFilter) []proto.Agent
	Update(id string, patch proto.AgentPatch) (proto.Agent, error)
	Delete(id string) error
	Start(ctx context.Context, id string) (proto.Agent, error)
	Stop(id string) (proto.Agent, error)
	Restart(ctx context.Context, id string) (proto.Agent, error)
}

// TaskService is the subset of internal/taskmgr.Manager the API needs.
type TaskService interface {
	Create(spec proto.TaskSpec) (proto.Task, error)
	Get(id string) (proto.Task, error)
	List(filter proto.TaskFilter) []proto.Task
	GetAgentTasks(agentID string) []proto.Task
	Update(id string, patch proto.TaskPatch) (proto.Task, error)
	Delete(id string) error
	Complete(id string, result string) (proto.Task, error)
	Cancel(id string) (proto.Task, error)
	Delegate(fromAgent, toAgent string, spec proto.TaskSpec) (proto.Task, error)
	GetTaskDashboard() proto.TaskDashboard
}

// ApprovalService is the subset of internal/approval.Manager the API needs.
type ApprovalService interface {
	GetPending() []proto.ApprovalRecord
	GetHistory(limit int) ([]proto.ApprovalRecord, error)
	Respond(approvalID string, approve bool, decidedBy, reason string) (bool, error)
	RequestApproval(req proto.ApprovalRequest) (bool, error)
}

// RuntimeService is the subset of internal/rtdriver.Driver the API needs to
// expose capability installs. Pull and Create run only after the
// accompanying approval request has returned true (Active, used by the
// capability listing, is not gated) — gating the install is
// this layer's job, not the driver's.
type RuntimeService interface {
	Available(ctx context.Context) bool
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, agentID, image, purpose string) (rtdriver.Capability, error)
	Active() []rtdriver.Capability
}

// StoreService is the subset of internal/store.Store the API needs to
// expose registry introspection (the `registry-status|history|backup` CLI
// surface).
type StoreService interface {
	Status() store.RegistryStatus
	History(limit int) ([]string, error)
	Backup() error
}

var (
	_ AgentService    = (*agentmgr.Manager)(nil)
	_ TaskService     = (*taskmgr.Manager)(nil)
	_ ApprovalService = (*approval.Manager)(nil)
	_ RuntimeService  = (*rtdriver.Driver)(nil)
	_ StoreService    = (*store.Store)(nil)
)

// API wires every dependency into a single http.Handler.
type API struct {
	agents     AgentService
	tasks      TaskService
	approvals  ApprovalService
	runtime    RuntimeService
	store      StoreService
	sampler    *metrics.Sampler
	startedAt  time.Time
	configPath string

	mux *http.ServeMux
}

// New builds the API's mux. sampler may be nil (metrics endpoints then
// return 503 Unavailable); runtime may be nil (capability endpoints then
// return 503 Unavailable); configPath is where GET/PUT /system/config reads
// and writes.
func New(agents AgentService, tasks TaskService, approvals ApprovalService, runtime RuntimeService, store StoreService, sampler *metrics.Sampler, configPath string) *API {
	a := &API{
		agents:     agents,
		tasks:      tasks,
		approvals:  approvals,
		runtime:    runtime,
		store:      store,
		sampler:    sampler,
		startedAt:  time.Now().UTC(),
		configPath: configPath,
		mux:        http.NewServeMux(),
	}
	a.routes()
	return a
}

// ServeHTTP enforces HTTP Basic Auth against the hashed-at-rest WebUI
// credential before delegating to the route mux. GET /api/health stays
// unauthenticated so liveness probes don't need credentials.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/health" {
		a.mux.ServeHTTP(w, r)
		return
	}
	if !a.requireAuth(w, r) {
		return
	}
	a.mux.ServeHTTP(w, r)
}

func (a *API) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	cfg := config.Get()
	if cfg.Server.WebUIPasswordHash == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "no webui credential configured")
		return false
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="nox"`)
		writeError(w, http.StatusUnauthorized, "Unauthorized", "basic auth required")
		return false
	}
	if username != cfg.Server.WebUIUser {
		w.Header().Set("WWW-Authenticate", `Basic realm="nox"`)
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Server.WebUIPasswordHash), []byte(password)); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="nox"`)
		writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		return false
	}
	return true
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /api/health", a.handleHealth)
	a.mux.HandleFunc("GET /api/websocket-info", a.handleWebsocketInfo)

	a.mux.HandleFunc("GET /api/agents", a.handleListAgents)
	a.mux.HandleFunc("POST /api/agents", a.handleCreateAgent)
	a.mux.HandleFunc("GET /api/agents/{id}", a.handleGetAgent)
	a.mux.HandleFunc("PUT /api/agents/{id}", a.handleUpdateAgent)
	a.mux.HandleFunc("DELETE /api/agents/{id}", a.handleDeleteAgent)
	a.mux.HandleFunc("POST /api/agents/{id}/start", a.handleAgentLifecycle("start"))
	a.mux.HandleFunc("POST /api/agents/{id}/stop", a.handleAgentLifecycle("stop"))
	a.mux.HandleFunc("POST /api/agents/{id}/restart", a.handleAgentLifecycle("restart"))
	a.mux.HandleFunc("GET /api/agents/{id}/tasks", a.handleAgentTasks)
	a.mux.HandleFunc("GET /api/agents/{id}/capabilities", a.handleListCapabilities)
	a.mux.HandleFunc("POST /api/agents/{id}/capabilities", a.handleInstallCapability)
	a.mux.HandleFunc("POST /api/agents/{id}/delegate", a.handleDelegateTask)

	a.mux.HandleFunc("GET /api/tasks", a.handleListTasks)
	a.mux.HandleFunc("POST /api/tasks", a.handleCreateTask)
	a.mux.HandleFunc("GET /api/tasks/dashboard", a.handleTaskDashboard)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.handleGetTask)
	a.mux.HandleFunc("PUT /api/tasks/{id}", a.handleUpdateTask)
	a.mux.HandleFunc("DELETE /api/tasks/{id}", a.handleDeleteTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/complete", a.handleCompleteTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/cancel", a.handleCancelTask)

	a.mux.HandleFunc("GET /api/approvals", a.handleListApprovals)
	a.mux.HandleFunc("GET /api/approvals/history", a.handleApprovalHistory)
	a.mux.HandleFunc("POST /api/approvals/{id}/respond", a.handleRespondApproval)

	a.mux.HandleFunc("GET /api/metrics/system", a.handleSystemMetrics)
	a.mux.HandleFunc("GET /api/metrics/agents/{id}", a.handleAgentMetrics)

	a.mux.HandleFunc("GET /api/system/config", a.handleGetConfig)
	a.mux.HandleFunc("PUT /api/system/config", a.handlePutConfig)
	a.mux.HandleFunc("GET /api/system/status", a.handleSystemStatus)
	a.mux.HandleFunc("GET /api/system/logs", a.handleSystemLogs)

	a.mux.HandleFunc("GET /api/system/registry", a.handleRegistryStatus)
	a.mux.HandleFunc("GET /api/system/registry/history", a.handleRegistryHistory)
	a.mux.HandleFunc("POST /api/system/registry/backup", a.handleRegistryBackup)
}

// --- health / websocket-info ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptimeSec": time.Since(a.startedAt).Seconds(),
		"timestamp": time.Now().UTC(),
	})
}

func (a *API) handleWebsocketInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": "/ws"})
}

// --- agents ---

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := proto.AgentFilter{
		Status:     proto.AgentStatus(r.URL.Query().Get("status")),
		Capability: r.URL.Query().Get("capability"),
	}
	writeJSON(w, http.StatusOK, a.agents.List(filter))
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var spec proto.AgentSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	agent, err := a.agents.Create(spec)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.agents.Get(r.PathValue("id"))
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch proto.AgentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	agent, err := a.agents.Update(r.PathValue("id"), patch)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := a.agents.Delete(r.PathValue("id")); writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleAgentLifecycle is shared by start/stop/restart: all three are thin
// calls the daemon wires through internal/agentmgr; restapi itself performs
// no supervisor logic.
func (a *API) handleAgentLifecycle(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var agent proto.Agent
		var err error
		switch action {
		case "start":
			agent, err = a.agents.Start(r.Context(), id)
		case "restart":
			agent, err = a.agents.Restart(r.Context(), id)
		case "stop":
			agent, err = a.agents.Stop(id)
		}
		if writeErrIfAny(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

func (a *API) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tasks.GetAgentTasks(r.PathValue("id")))
}

// --- capabilities ---

// handleListCapabilities reports every container-backed capability install
// currently tracked by the runtime driver for agentID, filtered from the
// driver's full active set since it does not index by agent.
func (a *API) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	if a.runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "container runtime is disabled")
		return
	}
	agentID := r.PathValue("id")
	var out []rtdriver.Capability
	for _, c := range a.runtime.Active() {
		if c.AgentID == agentID {
			out = append(out, c)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleInstallCapability requests a HIGH-risk approval for pulling and
// running image on behalf of agentID, then performs the pull/create only
// if the approval is granted.
func (a *API) handleInstallCapability(w http.ResponseWriter, r *http.Request) {
	if a.runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "container runtime is disabled")
		return
	}
	agentID := r.PathValue("id")
	var body struct {
		Image   string `json:"image"`
		Purpose string `json:"purpose"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Image == "" || body.Purpose == "" {
		writeError(w, http.StatusBadRequest, string(proto.KindInvalidSpec), "image and purpose are required")
		return
	}

	approved, err := a.approvals.RequestApproval(proto.ApprovalRequest{
		Type:        "capability_install",
		Title:       "Install capability " + body.Purpose + " for " + agentID,
		Description: "Pull and run container image " + body.Image,
		RequestedBy: agentID,
		RiskLevel:   proto.RiskHigh,
	})
	if writeErrIfAny(w, err) {
		return
	}
	if !approved {
		writeError(w, http.StatusConflict, string(proto.KindIllegalTransition), "capability install was not approved")
		return
	}

	if err := a.runtime.Pull(r.Context(), body.Image); writeErrIfAny(w, err) {
		return
	}
	cap, err := a.runtime.Create(r.Context(), agentID, body.Image, body.Purpose)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

// --- tasks ---

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := proto.TaskFilter{
		AgentID: r.URL.Query().Get("agentId"),
		Status:  proto.TaskStatus(r.URL.Query().Get("status")),
	}
	writeJSON(w, http.StatusOK, a.tasks.List(filter))
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec proto.TaskSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	task, err := a.tasks.Create(spec)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleTaskDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tasks.GetTaskDashboard())
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.tasks.Get(r.PathValue("id"))
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch proto.TaskPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	task, err := a.tasks.Update(r.PathValue("id"), patch)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.tasks.Delete(r.PathValue("id")); writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCompleteTask is the dedicated counterpart to PUT .../{id} with
// status:"done" — both paths reach taskmgr.Complete so a caller that wants
// to supply a result string has a direct route instead of going through a
// generic patch body.
func (a *API) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result string `json:"result"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	task, err := a.tasks.Complete(r.PathValue("id"), body.Result)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask is the dedicated counterpart to PUT .../{id} with
// status:"cancelled".
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.tasks.Cancel(r.PathValue("id"))
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDelegateTask implements delegate(fromAgent, toAgent, spec): {id}
// is the delegating agent, the body names the recipient and the new task's
// fields.
func (a *API) handleDelegateTask(w http.ResponseWriter, r *http.Request) {
	var body proto.DelegateRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	fromAgent := r.PathValue("id")
	spec := proto.TaskSpec{
		Title:        body.Title,
		Description:  body.Description,
		Priority:     body.Priority,
		Dependencies: body.Dependencies,
	}
	task, err := a.tasks.Delegate(fromAgent, body.ToAgent, spec)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- approvals ---

func (a *API) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.approvals.GetPending())
}

func (a *API) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := a.approvals.GetHistory(0)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (a *API) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve   bool   `json:"approve"`
		DecidedBy string `json:"decidedBy"`
		Reason    string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	ok, err := a.approvals.Respond(r.PathValue("id"), body.Approve, body.DecidedBy, body.Reason)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": ok})
}

// --- metrics ---

func (a *API) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if a.sampler == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "metrics sampling is disabled")
		return
	}
	start, end, interval := parseTimeRange(r)
	samples, err := a.sampler.QuerySystem(r.Context(), start, end, interval)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (a *API) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if a.sampler == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "metrics sampling is disabled")
		return
	}
	start, end, interval := parseTimeRange(r)
	samples, err := a.sampler.QueryAgent(r.Context(), r.PathValue("id"), start, end, interval)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// parseTimeRange reads startTime/endTime/interval. Bounds accept either an
// absolute RFC3339 timestamp or a Prometheus-style relative duration
// ("15m", "-1h", "2d") counted back from now — model.ParseDuration rather
// than time.ParseDuration because the day/week units dashboards actually
// send ("1d", "1w") are not stdlib spellings. Unparseable values fall back
// to the last hour.
func parseTimeRange(r *http.Request) (time.Time, time.Time, metrics.Interval) {
	now := time.Now().UTC()
	end := now
	start := end.Add(-time.Hour)
	if t, ok := parseTimeBound(r.URL.Query().Get("startTime"), now); ok {
		start = t
	}
	if t, ok := parseTimeBound(r.URL.Query().Get("endTime"), now); ok {
		end = t
	}
	return start, end, metrics.ParseInterval(r.URL.Query().Get("interval"))
}

func parseTimeBound(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if d, err := model.ParseDuration(strings.TrimPrefix(v, "-")); err == nil {
		return now.Add(-time.Duration(d)), true
	}
	return time.Time{}, false
}

// --- system ---

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Get())
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if !decodeJSON(w, r, &next) {
		return
	}
	if err := config.Update(next); writeErrIfAny(w, err) {
		return
	}
	if a.configPath != "" {
		if err := config.Save(a.configPath, next); writeErrIfAny(w, err) {
			return
		}
	}
	writeJSON(w, http.StatusOK, next)
}

func (a *API) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	agents := a.agents.List(proto.AgentFilter{})
	running := 0
	for _, ag := range agents {
		if ag.Status == proto.AgentRunning {
			running++
		}
	}
	dash := a.tasks.GetTaskDashboard()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSec":        time.Since(a.startedAt).Seconds(),
		"totalAgents":      len(agents),
		"runningAgents":    running,
		"openTasks":        dash.Total - dash.ByStatus[string(proto.TaskDone)] - dash.ByStatus[string(proto.TaskCancelled)],
		"pendingApprovals": len(a.approvals.GetPending()),
	})
}

// handleSystemLogs backs the web UI's live debug console: the in-memory
// ring buffer logx.GetRecentLogEntries feeds, optionally scoped to a single
// domain (?domain=broker) and/or a lower time bound (?since=RFC3339).
func (a *API) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	writeJSON(w, http.StatusOK, logx.GetRecentLogEntries(domain, since))
}

// --- registry ---

// handleRegistryStatus backs `registry-status`: a point-in-time summary of
// the registry's size and git journaling health.
func (a *API) handleRegistryStatus(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "registry store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.store.Status())
}

// handleRegistryHistory backs `registry-history`: the registry's git commit
// log, newest first, optionally bounded by a ?limit= query parameter.
func (a *API) handleRegistryHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "registry store is unavailable")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	hist, err := a.store.History(limit)
	if writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// handleRegistryBackup backs `registry-backup`: forces an immediate git
// commit of the current registry contents.
func (a *API) handleRegistryBackup(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "registry store is unavailable")
		return
	}
	if err := a.store.Backup(); writeErrIfAny(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// writeErrIfAny maps a *proto.Error's Kind to its HTTP status and writes
// the error body. Returns true (caller should return immediately) iff err
// is non-nil.
func writeErrIfAny(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	status, code := statusForKind(err)
	writeError(w, status, code, err.Error())
	return true
}

func statusForKind(err error) (int, string) {
	kind, ok := proto.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal"
	}
	switch kind {
	case proto.KindInvalidSpec, proto.KindInvalidName, proto.KindCycleDetected:
		return http.StatusBadRequest, string(kind)
	case proto.KindAgentNotFound, proto.KindTaskNotFound, proto.KindApprovalNotFound:
		return http.StatusNotFound, string(kind)
	case proto.KindDuplicateID, proto.KindStillRunning, proto.KindIllegalTransition:
		return http.StatusConflict, string(kind)
	case proto.KindQueueFull, proto.KindSubscriberLagged:
		return http.StatusServiceUnavailable, string(kind)
	case proto.KindTimeout, proto.KindStartupTimeout:
		return http.StatusServiceUnavailable, string(kind)
	case proto.KindCancelled:
		return http.StatusServiceUnavailable, string(kind)
	case proto.KindSpawnFailed, proto.KindSubprocessCrashed, proto.KindStorageIO, proto.KindContainerRuntime:
		return http.StatusInternalServerError, string(kind)
	case proto.KindRegistryCorrupt, proto.KindJournalWriteFailed:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}
