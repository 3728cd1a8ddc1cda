package proto

import "time"

// MsgType is the closed set of message types the Protocol Registry and
// Message Broker recognize. Every producer and consumer imports these
// constants; there is no open string-keyed dispatch anywhere.
type MsgType string

const (
	MsgTaskRequest     MsgType = "task_request"
	MsgTaskResponse    MsgType = "task_response"
	MsgCapabilityQuery MsgType = "capability_query"
	MsgDirect          MsgType = "direct"
	MsgSystem          MsgType = "system"
	MsgApprovalRequest MsgType = "approval_request"
)

// Priority ranks message urgency; lower Rank() delivers first.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities for the broker's queue: lower value is served
// first. CRITICAL preempts everything; LOW is served last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 3
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// BroadcastRecipient is the wildcard `to` sentinel delivered to every agent
// whose subscription filter matches.
const BroadcastRecipient = "*"

// DeliveryStatus records the outcome the broker appends to history.
type DeliveryStatus string

const (
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
)

// Message is the immutable wire record exchanged between agents.
type Message struct {
	MessageID        string            `json:"messageId"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Type             MsgType           `json:"type"`
	Content          string            `json:"content"`
	Priority         Priority          `json:"priority"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RequiresApproval bool              `json:"requiresApproval"`
	ReplyTo          string            `json:"replyTo,omitempty"`

	// EnqueueSeq breaks ties within a priority level to give FIFO order;
	// assigned by the broker at enqueue time, never by the sender.
	EnqueueSeq uint64 `json:"-"`
}

// HistoryEntry is what the broker's per-agent ring buffer and daily JSONL
// segments actually persist: the message plus its delivery outcome.
type HistoryEntry struct {
	Message Message        `json:"message"`
	Status  DeliveryStatus `json:"status"`
	AgentID string         `json:"agentId"` // the index key: recipient or matched subscriber
}

// NewMessage constructs a message with a fresh ID and server timestamp. The
// metadata map is copied defensively so later caller mutation can't violate
// the immutable-after-creation invariant.
func NewMessage(from, to string, typ MsgType, content string, priority Priority) *Message {
	return &Message{
		MessageID: NewMessageID(),
		From:      from,
		To:        to,
		Type:      typ,
		Content:   content,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}

// Validate enforces the data-model invariants that apply before a message
// is allowed to enter the broker: from != to, priority is one of the closed
// set, and (message,recipient) are both non-empty.
func (m *Message) Validate() error {
	if m.From == "" || m.To == "" {
		return New(KindInvalidSpec, "message requires both from and to")
	}
	if m.From == m.To {
		return New(KindInvalidSpec, "message from and to must differ")
	}
	if !m.Priority.Valid() {
		return Newf(KindInvalidSpec, "invalid priority %q", m.Priority)
	}
	return nil
}

// Subscription records an agent's interest in a subset of message traffic,
// owned exclusively by the Message Broker.
type Subscription struct {
	AgentID       string
	TypeFilter    MsgType           // zero value means "any type"
	MetaPredicate map[string]string // all key/values must match msg.Metadata
}

// Matches reports whether msg satisfies this subscription.
func (s Subscription) Matches(msg *Message) bool {
	if s.TypeFilter != "" && msg.Type != s.TypeFilter {
		return false
	}
	for k, v := range s.MetaPredicate {
		if msg.Metadata[k] != v {
			return false
		}
	}
	return true
}
