package commandhub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Hub dispatches command packets to the handlers of an injected Registry.
//
// Handler failures never cross the dispatch boundary as panics or Go errors:
// every Dispatch returns a CommandResponse, with Err set on failure.
type Hub struct {
	reg    *Registry
	mw     []Middleware
	logger *slog.Logger
}

// Middleware wraps handler execution. Middlewares are executed in registration order.
type Middleware func(next hub.CommandHandler) hub.CommandHandler

// Option configures a Hub instance.
type Option func(*Hub)

// WithMiddleware registers global middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(h *Hub) { h.mw = append(h.mw, mw...) }
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New constructs a Hub over reg. A nil reg gets a private registry.
func New(reg *Registry, opts ...Option) *Hub {
	h := &Hub{reg: reg, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}

	if h.reg == nil {
		h.reg = NewRegistry(h.logger)
	}

	return h
}

// Registry returns the registry the hub dispatches through.
func (h *Hub) Registry() *Registry { return h.reg }

// Register is a shortcut for h.Registry().Register.
func (h *Hub) Register(id hub.CommandID, handler hub.CommandHandler) error {
	return h.reg.Register(id, handler)
}

// Dispatch routes p to its handler. Unregistered commands yield a response with
// ErrHandlerNotFound; a handler response is returned unchanged.
func (h *Hub) Dispatch(ctx context.Context, p hub.CommandPacket) hub.CommandResponse {
	return h.dispatchWithMiddleware(ctx, p)
}

// DispatchWithMiddleware dispatches p with additional per-call middleware,
// run after the global middleware.
func (h *Hub) DispatchWithMiddleware(ctx context.Context, p hub.CommandPacket, mws ...Middleware) hub.CommandResponse {
	return h.dispatchWithMiddleware(ctx, p, mws...)
}

func (h *Hub) dispatchWithMiddleware(ctx context.Context, p hub.CommandPacket, mws ...Middleware) hub.CommandResponse {
	if p.ID == "" {
		p.ID = NewPacketID()
	}

	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}

	handler, ok := h.reg.Handler(p.Command)
	if !ok {
		return hub.Fail(p, fmt.Errorf("dispatch %q: %w", p.Command, berr.ErrHandlerNotFound))
	}

	// Combine global and per-call middleware
	chain := make([]Middleware, 0, len(h.mw)+len(mws))
	chain = append(chain, h.mw...)
	chain = append(chain, mws...)

	// Build chain so the first registered middleware runs first
	final := handler
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	return h.invoke(ctx, final, p)
}

func (h *Hub) invoke(ctx context.Context, handler hub.CommandHandler, p hub.CommandPacket) (resp hub.CommandResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "command handler panicked",
				slog.String("command", string(p.Command)),
				slog.String("packet", p.ID),
				slog.Any("panic", r),
			)
			resp = hub.Fail(p, fmt.Errorf("%w: panic: %v", berr.ErrHandlerFailure, r))
		}
	}()

	resp = handler.Handle(ctx, p)
	if resp.Err != nil && resp.Kind() == berr.KindNone {
		resp.Err = fmt.Errorf("%w: %w", berr.ErrHandlerFailure, resp.Err)
	}

	return resp
}

// BatchOptions controls Batch execution behavior.
// OnProgress is called after each packet completes (success or failure) with done and total.
// OnError is called for each failed response with its index and the packet.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, p hub.CommandPacket, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, p hub.CommandPacket, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// Batch dispatches packets sequentially and returns one response per packet.
// Once ctx is done the remaining packets are answered with the context error
// without reaching their handlers.
func (h *Hub) Batch(ctx context.Context, packets []hub.CommandPacket, opts ...BatchOpt) []hub.CommandResponse {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(packets)
	out := make([]hub.CommandResponse, total)

	for i, p := range packets {
		if err := ctx.Err(); err != nil { // canceled or deadline exceeded
			out[i] = hub.CommandResponse{Command: p.Command, PacketID: p.ID, Err: err}
		} else {
			out[i] = h.dispatchWithMiddleware(ctx, p)
		}

		if out[i].Err != nil && o.OnError != nil {
			o.OnError(i, p, out[i].Err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return out
}
