package commandhub

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Registry maps command identifiers to handlers.
//
// Registry is concurrency-safe and contains no global state: construct one and
// pass it to every component that needs it. Registering an identifier that is
// already bound replaces the previous handler (last registration wins); the
// replacement is logged and reported by Swap.
type Registry struct {
	mu       sync.RWMutex
	handlers map[hub.CommandID]hub.CommandHandler
	logger   *slog.Logger
}

// NewRegistry constructs an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		handlers: make(map[hub.CommandID]hub.CommandHandler),
		logger:   logger,
	}
}

// Register binds h to id, replacing any previous binding.
func (r *Registry) Register(id hub.CommandID, h hub.CommandHandler) error {
	_, _, err := r.Swap(id, h)
	return err
}

// RegisterFunc binds a handler function to id.
func (r *Registry) RegisterFunc(id hub.CommandID, fn func(ctx hub.Context, p hub.CommandPacket) hub.CommandResponse) error {
	if fn == nil {
		return fmt.Errorf("register %q: nil handler: %w", id, berr.ErrInvalidArgument)
	}

	return r.Register(id, hub.HandlerFunc(fn))
}

// Swap binds h to id and returns the handler it displaced, if any.
func (r *Registry) Swap(id hub.CommandID, h hub.CommandHandler) (hub.CommandHandler, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("register: empty command id: %w", berr.ErrInvalidArgument)
	}

	if h == nil {
		return nil, false, fmt.Errorf("register %q: nil handler: %w", id, berr.ErrInvalidArgument)
	}

	r.mu.Lock()
	prev, replaced := r.handlers[id]
	r.handlers[id] = h
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("command handler replaced", slog.String("command", string(id)))
	}

	return prev, replaced, nil
}

// Handler returns the handler bound to id. A miss is (nil, false), never an error.
func (r *Registry) Handler(id hub.CommandID) (hub.CommandHandler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()

	return h, ok
}

// Commands returns the registered identifiers in sorted order.
func (r *Registry) Commands() []hub.CommandID {
	r.mu.RLock()
	ids := make([]hub.CommandID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)

	return ids
}

// Len returns the number of registered identifiers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}
