package proto

import "time"

// TaskStatus is the closed set of states in the task status machine.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// Task is the durable record of one unit of work owned by an agent.
type Task struct {
	TaskID        string     `json:"taskId"`
	AgentID       string     `json:"agentId"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	RequestedBy   string     `json:"requestedBy"` // agentId or "user"
	Dependencies  []string   `json:"dependencies"`
	Progress      int        `json:"progress"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	BlockedReason string     `json:"blockedReason,omitempty"`
}

// TaskSpec is the validated client payload for create(task).
type TaskSpec struct {
	AgentID      string   `json:"agentId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     Priority `json:"priority"`
	RequestedBy  string   `json:"requestedBy"`
	Dependencies []string `json:"dependencies"`
}

// TaskPatch is a partial update; nil/zero fields are left unchanged. Result
// is only consulted when Status transitions to done, where it is handed to
// Complete alongside the progress/completedAt side effects that a plain
// field assignment would skip.
type TaskPatch struct {
	Title        *string     `json:"title,omitempty"`
	Description  *string     `json:"description,omitempty"`
	Priority     *Priority   `json:"priority,omitempty"`
	Dependencies *[]string   `json:"dependencies,omitempty"`
	Status       *TaskStatus `json:"status,omitempty"`
	Progress     *int        `json:"progress,omitempty"`
	Result       *string     `json:"result,omitempty"`
}

// DelegateRequest is the REST payload for creating a delegated task.
type DelegateRequest struct {
	ToAgent      string   `json:"toAgent"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     Priority `json:"priority"`
	Dependencies []string `json:"dependencies"`
}

// TaskFilter narrows list(filter).
type TaskFilter struct {
	AgentID string
	Status  TaskStatus
}

// TaskDashboard is the O(n) aggregated snapshot returned by
// getTaskDashboard(), taken under a single read guard for consistency.
type TaskDashboard struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"byStatus"`
	ByPriority       map[string]int `json:"byPriority"`
	ByAgent          map[string]int `json:"byAgent"`
	BlockedCount     int            `json:"blockedCount"`
	OldestOpenAgeSec float64        `json:"oldestOpenAgeSec"`
}
