package proto

import (
	"regexp"

	"github.com/google/uuid"
)

// agentIDPattern is the invariant from the data model: immutable, lowercase,
// starting with a letter.
var agentIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidAgentID reports whether id satisfies the Agent identity invariant.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// NewMessageID, NewTaskID and NewApprovalID generate globally unique,
// unordered identifiers. UUIDs rather than a process-local counter so IDs
// stay unique across daemon restarts and don't leak a monotonic counter
// into persisted records.
func NewMessageID() string       { return "msg-" + uuid.NewString() }
func NewTaskID() string          { return "task-" + uuid.NewString() }
func NewApprovalID() string      { return "appr-" + uuid.NewString() }
func NewClientID() string        { return "client-" + uuid.NewString() }
func NewCollaborationID() string { return "collab-" + uuid.NewString() }
