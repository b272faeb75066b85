package game

import (
	"sort"
	"sync"

	"github.com/phuhao00/arenaserver/server/internal/protocol"
	"github.com/phuhao00/arenaserver/server/internal/utils"
)

// CommandFunc handles one operator command. Handlers may block (e.g.
// waitForFinish) and must tolerate concurrent operators.
type CommandFunc func(msg *protocol.Message) *protocol.Message

// EventSink receives terminal-originated events. The supervisor points the
// router at the current match's turn loop.
type EventSink interface {
	PutEvent(ev protocol.Event)
}

// CommandRouter maps command names to handlers and forwards events. It
// implements network.TerminalHandler.
type CommandRouter struct {
	mu       sync.RWMutex
	handlers map[string]CommandFunc
	events   EventSink
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{handlers: make(map[string]CommandFunc)}
}

// Register binds a handler to a command name, replacing any previous one.
func (r *CommandRouter) Register(name string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// CommandNames lists the registered commands in sorted order.
func (r *CommandRouter) CommandNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetEventSink points event forwarding at sink; nil detaches it.
func (r *CommandRouter) SetEventSink(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = sink
}

// RunCommand dispatches msg by name. Unknown commands answer the standard
// not-defined report.
func (r *CommandRouter) RunCommand(msg *protocol.Message) *protocol.Message {
	r.mu.RLock()
	fn, ok := r.handlers[msg.Name]
	r.mu.RUnlock()
	if !ok {
		return protocol.NewReport("This command is not defined.")
	}
	return fn(msg)
}

// PutEvent forwards a terminal event to the current sink. Events arriving
// between matches are dropped with a warning.
func (r *CommandRouter) PutEvent(ev protocol.Event) {
	r.mu.RLock()
	sink := r.events
	r.mu.RUnlock()
	if sink == nil {
		utils.LogWarnf("Dropping terminal event %q: no game in progress", ev.Type)
		return
	}
	sink.PutEvent(ev)
}
