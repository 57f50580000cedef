// Package command routes terminal command messages to registered handlers.
package command

import (
	"log/slog"
	"sync"

	"github.com/playforge/arena/internal/protocol"
)

// NotDefinedReply is the reply line for commands no handler claims.
const NotDefinedReply = "This command is not defined."

// HandlerFunc processes one command message and returns the reply to send
// back to the operator. Handlers may block (waitForFinish does).
type HandlerFunc func(msg protocol.Message) protocol.Message

// Router dispatches by command name. Registration happens once at startup;
// dispatch is concurrent across terminal connections.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc, 8)}
}

// Register binds name to h, replacing any previous handler.
func (r *Router) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Run dispatches msg by name. Unknown names yield the standard
// "not defined" report.
func (r *Router) Run(msg protocol.Message) protocol.Message {
	r.mu.RLock()
	h, ok := r.handlers[msg.Name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("unknown terminal command", "command", msg.Name)
		return protocol.Report(NotDefinedReply)
	}
	return h(msg)
}

// Count returns the number of registered commands.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
