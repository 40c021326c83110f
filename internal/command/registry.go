package command

import (
	"fmt"
	"sync"
)

// Call bundles one decoded command with its reply route. Handlers may reply
// inline or retain the call and reply later; exactly one of Reply or Fail
// must be invoked per call. The table cannot detect a missing or doubled
// reply, so that obligation sits with the handler author.
type Call[C any] struct {
	Cmd   C
	route RouteFunc
}

// Reply sends the typed response for this call.
func (c *Call[C]) Reply(resp Message) error {
	return c.route(resp, nil)
}

// Fail sends a best-effort error reply for this call.
func (c *Call[C]) Fail(err error) error {
	return c.route(nil, err)
}

type entry struct {
	invoke func(payload []byte, route RouteFunc) error
}

// Registry is the name-keyed dispatch table. Registrations happen during
// service setup, before traffic flows; dispatch is read-only after that.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register installs a typed handler for C, keyed by C's command name. The
// stored wrapper decodes the payload, wraps it in a Call, and invokes h.
func Register[C any, PC interface {
	Message
	*C
}](r *Registry, h func(*Call[C])) error {
	if h == nil {
		return ErrNilHandler
	}
	var probe C
	name := PC(&probe).CommandName()

	wrapper := func(payload []byte, route RouteFunc) error {
		var cmd C
		if err := PC(&cmd).UnmarshalPayload(payload); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecodeFailed, name, err)
		}
		h(&Call[C]{Cmd: cmd, route: route})
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("command: handler for %q already registered", name)
	}
	r.entries[name] = entry{invoke: wrapper}
	return nil
}

// Dispatch decodes payload for msgType and invokes its handler. ErrNoHandler
// and ErrDecodeFailed are local recoverable errors: the caller logs them and,
// when a correlation ID exists, synthesizes an error response.
func (r *Registry) Dispatch(msgType string, payload []byte, route RouteFunc) error {
	r.mu.RLock()
	e, ok := r.entries[msgType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, msgType)
	}
	return e.invoke(payload, route)
}

// Handles reports whether a handler is registered for msgType.
func (r *Registry) Handles(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[msgType]
	return ok
}

// Names returns the registered message types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
