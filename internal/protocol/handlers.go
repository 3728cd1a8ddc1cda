package protocol

import (
	"strings"

	"nox/pkg/proto"
)

// CapabilityLookup answers what capabilities an agent has declared, used
// by InfoRequestHandler. Implemented by internal/agentmgr and injected at
// construction.
type CapabilityLookup interface {
	Capabilities(agentID string) []string
}

// TaskRequestHandler answers task_request messages with a task_response
// whose priority and metadata.taskId are copied from the request. It
// performs no task-graph mutation itself — internal/taskmgr owns that;
// this handler only acknowledges receipt at the messaging layer.
type TaskRequestHandler struct{}

func (TaskRequestHandler) Name() string { return "TaskRequest" }

func (TaskRequestHandler) CanHandle(msg *proto.Message) bool {
	return msg.Type == proto.MsgTaskRequest
}

func (TaskRequestHandler) Handle(msg *proto.Message) (*proto.Message, error) {
	reply := proto.NewMessage(msg.To, msg.From, proto.MsgTaskResponse, "acknowledged", msg.Priority)
	if taskID, ok := msg.Metadata["taskId"]; ok {
		reply.Metadata["taskId"] = taskID
	}
	return reply, nil
}

// InfoRequestHandler answers capability_query messages with a direct reply
// enumerating the responder's matching declared capabilities. The query
// term, if any, is the message content; an empty content matches all
// capabilities.
type InfoRequestHandler struct {
	Lookup CapabilityLookup
}

func (InfoRequestHandler) Name() string { return "InfoRequest" }

func (InfoRequestHandler) CanHandle(msg *proto.Message) bool {
	return msg.Type == proto.MsgCapabilityQuery
}

func (h InfoRequestHandler) Handle(msg *proto.Message) (*proto.Message, error) {
	var caps []string
	if h.Lookup != nil {
		caps = h.Lookup.Capabilities(msg.To)
	}
	query := strings.TrimSpace(msg.Content)
	var matched []string
	for _, c := range caps {
		if query == "" || strings.Contains(c, query) {
			matched = append(matched, c)
		}
	}
	reply := proto.NewMessage(msg.To, msg.From, proto.MsgDirect, strings.Join(matched, ","), msg.Priority)
	return reply, nil
}

// CollaborationHandler claims the `direct` message that opens a
// collaboration (the "collab" marker with no collaborationId yet) and
// answers it with the freshly allocated id. Continuation messages already
// carry a collaborationId and no marker, so they fall through the registry
// and are delivered to the peer agent like any other direct message — and
// so the handler's own reply, which also carries only the id, reaches the
// initiator instead of being re-claimed here forever.
type CollaborationHandler struct {
	NewCollaborationID func() string
}

func (CollaborationHandler) Name() string { return "Collaboration" }

func (CollaborationHandler) CanHandle(msg *proto.Message) bool {
	if msg.Type != proto.MsgDirect {
		return false
	}
	_, isCollab := msg.Metadata["collab"]
	_, hasID := msg.Metadata["collaborationId"]
	return isCollab && !hasID
}

func (h CollaborationHandler) Handle(msg *proto.Message) (*proto.Message, error) {
	gen := h.NewCollaborationID
	if gen == nil {
		gen = proto.NewCollaborationID
	}
	reply := proto.NewMessage(msg.To, msg.From, proto.MsgDirect, msg.Content, msg.Priority)
	reply.Metadata["collaborationId"] = gen()
	return reply, nil
}

// StatusUpdateHandler answers `system` messages. It is fire-and-forget: no
// reply is ever produced.
type StatusUpdateHandler struct{}

func (StatusUpdateHandler) Name() string { return "StatusUpdate" }

func (StatusUpdateHandler) CanHandle(msg *proto.Message) bool {
	return msg.Type == proto.MsgSystem
}

func (StatusUpdateHandler) Handle(msg *proto.Message) (*proto.Message, error) {
	return nil, nil
}

// Default builds the Registry with the four built-in handlers in their
// dispatch order.
func Default(lookup CapabilityLookup) *Registry {
	return NewRegistry(
		TaskRequestHandler{},
		InfoRequestHandler{Lookup: lookup},
		CollaborationHandler{},
		StatusUpdateHandler{},
	)
}
