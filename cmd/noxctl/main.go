// Command noxctl is the thin CLI frontend for a running noxd: each
// subcommand is carried out through REST calls against NOX_ADDR, with
// failures translated into a
// typed exit code (0 ok, 1 failure, 2 invalid arguments, 3 not found,
// 4 conflict).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"nox/pkg/proto"
)

const (
	exitOK             = 0
	exitGenericFailure = 1
	exitInvalidArgs    = 2
	exitNotFound       = 3
	exitConflict       = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitInvalidArgs
	}

	cl := newClient()

	switch args[0] {
	case "init":
		return cmdInit(cl, args[1:])
	case "status":
		return cmdStatus(cl, args[1:])
	case "version":
		return cmdVersion()
	case "add-agent":
		return cmdAddAgent(cl, args[1:])
	case "list-agents":
		return cmdListAgents(cl, args[1:])
	case "show-agent":
		return cmdShowAgent(cl, args[1:])
	case "update-agent":
		return cmdUpdateAgent(cl, args[1:])
	case "delete-agent":
		return cmdDeleteAgent(cl, args[1:])
	case "create-task":
		return cmdCreateTask(cl, args[1:])
	case "list-tasks":
		return cmdListTasks(cl, args[1:])
	case "task-overview":
		return cmdTaskOverview(cl, args[1:])
	case "registry-status":
		return cmdRegistryStatus(cl, args[1:])
	case "registry-history":
		return cmdRegistryHistory(cl, args[1:])
	case "registry-backup":
		return cmdRegistryBackup(cl, args[1:])
	case "query-registry":
		return cmdQueryRegistry(cl, args[1:])
	case "-h", "--help", "help":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printUsage()
		return exitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `noxctl - control-plane client for noxd

Usage:
  noxctl init
  noxctl status
  noxctl version
  noxctl add-agent <id> <prompt> [--name <name>] [--command <cmd>]...
  noxctl list-agents [--status <status>] [--format json]
  noxctl show-agent <id>
  noxctl update-agent <id> <prompt>
  noxctl delete-agent <id> [--force]
  noxctl create-task <agentId> <title> <desc> [--priority <LOW|MEDIUM|HIGH|CRITICAL>]
  noxctl list-tasks <agentId>
  noxctl task-overview
  noxctl registry-status
  noxctl registry-history [--limit <n>]
  noxctl registry-backup
  noxctl query-registry <term>

Connects to NOX_ADDR (default http://localhost:8080) using NOX_USER /
NOX_PASSWORD (default admin / unset) for HTTP Basic Auth. If NOX_PASSWORD
is unset and stdin is a terminal, you are prompted for a masked password
instead of sending an empty credential.
`)
}

func cmdVersion() int {
	fmt.Println("noxctl (nox control plane client)")
	return exitOK
}

// --- init / status ---

func cmdInit(cl *client, args []string) int {
	fmt.Println("noxctl init: noxd creates its registry on first start; nothing to initialize client-side.")
	fmt.Println("Point NOX_ADDR at a running noxd and run `noxctl status` to verify connectivity.")
	return exitOK
}

func cmdStatus(cl *client, args []string) int {
	var out map[string]any
	if code := cl.get("/api/system/status", &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

// --- agents ---

func cmdAddAgent(cl *client, args []string) int {
	fs := flag.NewFlagSet("add-agent", flag.ContinueOnError)
	name := fs.String("name", "", "Display name (default: agent id)")
	command := fs.String("command", "", "Space-separated subprocess command (default: the reference agent)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: noxctl add-agent <id> <prompt> [--name <name>] [--command <cmd>]")
	}
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return exitInvalidArgs
	}
	id, prompt := rest[0], strings.Join(rest[1:], " ")

	cmdline := []string{"reference-agent"}
	if *command != "" {
		cmdline = strings.Fields(*command)
	}
	displayName := *name
	if displayName == "" {
		displayName = id
	}

	spec := proto.AgentSpec{
		AgentID:      id,
		Name:         displayName,
		SystemPrompt: prompt,
		Command:      cmdline,
		Limits: proto.ResourceLimits{
			MaxCPUPercent:      80,
			MaxMemoryMB:        512,
			MaxConcurrentTasks: 4,
		},
	}
	var out proto.Agent
	if code := cl.post("/api/agents", spec, &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

func cmdListAgents(cl *client, args []string) int {
	fs := flag.NewFlagSet("list-agents", flag.ContinueOnError)
	status := fs.String("status", "", "Filter by agent status")
	format := fs.String("format", "table", "Output format: table|json")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}

	path := "/api/agents"
	if *status != "" {
		path += "?status=" + *status
	}
	var out []proto.Agent
	if code := cl.get(path, &out); code != exitOK {
		return code
	}
	if *format == "json" {
		printJSON(out)
		return exitOK
	}
	fmt.Printf("%-20s %-12s %-10s %-8s\n", "AGENT ID", "NAME", "STATUS", "CRASHES")
	for _, a := range out {
		fmt.Printf("%-20s %-12s %-10s %-8d\n", a.AgentID, a.Name, a.Status, a.CrashCount)
	}
	return exitOK
}

func cmdShowAgent(cl *client, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noxctl show-agent <id>")
		return exitInvalidArgs
	}
	var out proto.Agent
	if code := cl.get("/api/agents/"+args[0], &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

func cmdUpdateAgent(cl *client, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: noxctl update-agent <id> <prompt>")
		return exitInvalidArgs
	}
	prompt := strings.Join(args[1:], " ")
	patch := proto.AgentPatch{SystemPrompt: &prompt}
	var out proto.Agent
	if code := cl.put("/api/agents/"+args[0], patch, &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

func cmdDeleteAgent(cl *client, args []string) int {
	fs := flag.NewFlagSet("delete-agent", flag.ContinueOnError)
	force := fs.Bool("force", false, "Sent as ?force=true; the daemon ignores it (delete always cancels the agent's tasks)")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noxctl delete-agent <id> [--force]")
		return exitInvalidArgs
	}
	path := "/api/agents/" + rest[0]
	if *force {
		path += "?force=true"
	}
	var out map[string]bool
	if code := cl.delete(path, &out); code != exitOK {
		return code
	}
	fmt.Println("deleted")
	return exitOK
}

// --- tasks ---

func cmdCreateTask(cl *client, args []string) int {
	fs := flag.NewFlagSet("create-task", flag.ContinueOnError)
	priority := fs.String("priority", string(proto.PriorityMedium), "LOW|MEDIUM|HIGH|CRITICAL")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: noxctl create-task <agentId> <title> <desc> [--priority <p>]")
	}
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	rest := fs.Args()
	if len(rest) < 3 {
		fs.Usage()
		return exitInvalidArgs
	}
	spec := proto.TaskSpec{
		AgentID:     rest[0],
		Title:       rest[1],
		Description: strings.Join(rest[2:], " "),
		Priority:    proto.Priority(strings.ToUpper(*priority)),
		RequestedBy: "user",
	}
	var out proto.Task
	if code := cl.post("/api/tasks", spec, &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

func cmdListTasks(cl *client, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noxctl list-tasks <agentId>")
		return exitInvalidArgs
	}
	var out []proto.Task
	if code := cl.get("/api/tasks?agentId="+args[0], &out); code != exitOK {
		return code
	}
	fmt.Printf("%-36s %-10s %-8s %-40s\n", "TASK ID", "STATUS", "PRIORITY", "TITLE")
	for _, t := range out {
		fmt.Printf("%-36s %-10s %-8s %-40s\n", t.TaskID, t.Status, t.Priority, t.Title)
	}
	return exitOK
}

func cmdTaskOverview(cl *client, args []string) int {
	var out proto.TaskDashboard
	if code := cl.get("/api/tasks/dashboard", &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

// --- registry ---

func cmdRegistryStatus(cl *client, args []string) int {
	var out map[string]any
	if code := cl.get("/api/system/registry", &out); code != exitOK {
		return code
	}
	printJSON(out)
	return exitOK
}

func cmdRegistryHistory(cl *client, args []string) int {
	fs := flag.NewFlagSet("registry-history", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "Maximum number of entries (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return exitInvalidArgs
	}
	path := "/api/system/registry/history"
	if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	var out []string
	if code := cl.get(path, &out); code != exitOK {
		return code
	}
	for _, line := range out {
		fmt.Println(line)
	}
	return exitOK
}

func cmdRegistryBackup(cl *client, args []string) int {
	var out map[string]bool
	if code := cl.post("/api/system/registry/backup", nil, &out); code != exitOK {
		return code
	}
	fmt.Println("backup committed")
	return exitOK
}

// cmdQueryRegistry fetches the agent and task lists and filters locally;
// the server deliberately has no free-text search endpoint.
func cmdQueryRegistry(cl *client, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: noxctl query-registry <term>")
		return exitInvalidArgs
	}
	term := strings.ToLower(args[0])

	var agents []proto.Agent
	if code := cl.get("/api/agents", &agents); code != exitOK {
		return code
	}
	var tasks []proto.Task
	if code := cl.get("/api/tasks", &tasks); code != exitOK {
		return code
	}

	matched := false
	for _, a := range agents {
		if strings.Contains(strings.ToLower(a.AgentID), term) ||
			strings.Contains(strings.ToLower(a.Name), term) ||
			strings.Contains(strings.ToLower(a.SystemPrompt), term) {
			fmt.Printf("agent  %-20s %s\n", a.AgentID, a.Name)
			matched = true
		}
	}
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), term) ||
			strings.Contains(strings.ToLower(t.Description), term) {
			fmt.Printf("task   %-36s %s\n", t.TaskID, t.Title)
			matched = true
		}
	}
	if !matched {
		fmt.Println("no matches")
	}
	return exitOK
}

// --- HTTP client ---

// client is a small REST wrapper mapping error responses to exit codes,
// the inverse of the HTTP status mapping internal/restapi applies.
type client struct {
	addr     string
	user     string
	password string
	http     *http.Client
}

func newClient() *client {
	addr := os.Getenv("NOX_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	user := os.Getenv("NOX_USER")
	if user == "" {
		user = "admin"
	}
	return &client{
		addr:     strings.TrimRight(addr, "/"),
		user:     user,
		password: resolvePassword(),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// resolvePassword reads NOX_PASSWORD if set; otherwise, when stdin is an
// interactive terminal, it prompts for a masked password via
// golang.org/x/term rather than silently sending an empty credential.
// Non-interactive callers (scripts, CI) get the prior empty-string
// behavior so piping noxctl output doesn't block on a prompt.
func resolvePassword() string {
	if pw, ok := os.LookupEnv("NOX_PASSWORD"); ok {
		return pw
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "NOX_PASSWORD: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading password: %v\n", err)
		return ""
	}
	return string(pw)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *client) do(method, path string, body any, out any) int {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: marshaling request: %v\n", err)
			return exitGenericFailure
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: building request: %v\n", err)
		return exitGenericFailure
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connecting to %s: %v\n", c.addr, err)
		return exitGenericFailure
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading response: %v\n", err)
		return exitGenericFailure
	}

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", eb.Error, eb.Message)
		return exitCodeForStatus(resp.StatusCode)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
			return exitGenericFailure
		}
	}
	return exitOK
}

func (c *client) get(path string, out any) int { return c.do(http.MethodGet, path, nil, out) }
func (c *client) post(path string, body, out any) int {
	return c.do(http.MethodPost, path, body, out)
}
func (c *client) put(path string, body, out any) int {
	return c.do(http.MethodPut, path, body, out)
}
func (c *client) delete(path string, out any) int { return c.do(http.MethodDelete, path, nil, out) }

func exitCodeForStatus(status int) int {
	switch status {
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusConflict:
		return exitConflict
	case http.StatusBadRequest:
		return exitInvalidArgs
	default:
		return exitGenericFailure
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding output: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
