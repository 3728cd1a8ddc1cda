// Package protocol implements the Protocol Registry: an ordered list of
// typed message handlers, explicitly constructed and injected into the
// Message Broker rather than reached through a package-level singleton, so
// tests can supply their own handler set.
package protocol

import "nox/pkg/proto"

// Handler answers whether it wants to process a message, and if so,
// produces an optional reply. Exactly one handler processes any given
// message: the first in registration order whose CanHandle returns true.
type Handler interface {
	Name() string
	CanHandle(msg *proto.Message) bool
	Handle(msg *proto.Message) (reply *proto.Message, err error)
}

// Registry is the ordered handler list. Constructed once (typically via
// Default) and passed by reference into the broker — testable by
// injecting a custom handler set.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds a registry from an explicit, ordered handler list.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Dispatch runs msg through the handler chain and returns the first match's
// outcome. ok is false if no handler claimed the message.
func (r *Registry) Dispatch(msg *proto.Message) (reply *proto.Message, handlerName string, ok bool, err error) {
	for _, h := range r.handlers {
		if h.CanHandle(msg) {
			reply, err = h.Handle(msg)
			return reply, h.Name(), true, err
		}
	}
	return nil, "", false, nil
}

// Handlers returns the registered handlers in dispatch order, for
// introspection (e.g. CLI/REST diagnostics).
func (r *Registry) Handlers() []Handler {
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}
