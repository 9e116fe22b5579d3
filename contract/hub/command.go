package hub

import (
	"context"
	"fmt"
	"time"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
)

// CommandID is the opaque key routing a packet to exactly one registered handler.
type CommandID string

// CommandPacket is the immutable input of a handler invocation.
// Packets are created by the caller, dispatched once and consumed by one handler.
type CommandPacket struct {
	ID         string
	Command    CommandID
	Headers    map[string]any
	Body       map[string]any
	Meta       RecordMeta // zero for packets not originating from a transport record
	ReceivedAt time.Time
}

// CommandResponse is the immutable result of a handler invocation.
type CommandResponse struct {
	Command  CommandID
	PacketID string
	Data     map[string]any
	Err      error
}

// OK reports whether the handler succeeded.
func (r CommandResponse) OK() bool { return r.Err == nil }

// Kind classifies the response error; KindNone for successful responses.
func (r CommandResponse) Kind() berr.Kind { return berr.KindOf(r.Err) }

// Respond builds a successful response for p.
func Respond(p CommandPacket, data map[string]any) CommandResponse {
	return CommandResponse{Command: p.Command, PacketID: p.ID, Data: data}
}

// Fail builds a failed response for p. Errors that carry no kind are marked as handler failures.
func Fail(p CommandPacket, err error) CommandResponse {
	if err == nil {
		err = berr.ErrHandlerFailure
	} else if berr.KindOf(err) == berr.KindNone {
		err = fmt.Errorf("%w: %w", berr.ErrHandlerFailure, err)
	}

	return CommandResponse{Command: p.Command, PacketID: p.ID, Err: err}
}

// CommandHandler processes a decoded command packet.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler interface {
	Handle(ctx context.Context, p CommandPacket) CommandResponse
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, p CommandPacket) CommandResponse

// Handle implements CommandHandler.
func (f HandlerFunc) Handle(ctx context.Context, p CommandPacket) CommandResponse { return f(ctx, p) }
