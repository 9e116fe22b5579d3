package commandhub

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-command-hub/contract/hub"
)

// BodyCommandField is the body field consulted by RecordKey when the transport key is empty.
const BodyCommandField = "command"

// KeyFunc derives the command identifier of a decoded record.
type KeyFunc func(rec hub.MessageRecord) hub.CommandID

// RecordKey uses the transport key, falling back to the body field "command".
func RecordKey(rec hub.MessageRecord) hub.CommandID {
	if len(rec.Meta.Key) > 0 {
		return hub.CommandID(rec.Meta.Key)
	}

	if s, ok := rec.Body[BodyCommandField].(string); ok {
		return hub.CommandID(s)
	}

	return ""
}

// PacketFromRecord builds the packet dispatched for rec.
func PacketFromRecord(rec hub.MessageRecord, key KeyFunc) hub.CommandPacket {
	if key == nil {
		key = RecordKey
	}

	return hub.CommandPacket{
		ID:      NewPacketIDAt(rec.Meta.Timestamp),
		Command: key(rec),
		Headers: rec.Headers,
		Body:    rec.Body,
		Meta:    rec.Meta,
	}
}

// Router is a hub.Callback that dispatches every decoded record through a Hub.
type Router struct {
	hub        *Hub
	key        KeyFunc
	onResponse func(ctx context.Context, resp hub.CommandResponse)
	onFailure  func(ctx context.Context, f hub.Failure)
	logger     *slog.Logger
}

var _ hub.Callback = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithKeyFunc overrides how command identifiers are derived from records.
func WithKeyFunc(fn KeyFunc) RouterOption { return func(r *Router) { r.key = fn } }

// OnResponse sets a sink receiving every dispatch response.
func OnResponse(fn func(ctx context.Context, resp hub.CommandResponse)) RouterOption {
	return func(r *Router) { r.onResponse = fn }
}

// OnFailure sets a sink receiving records that failed to decode.
func OnFailure(fn func(ctx context.Context, f hub.Failure)) RouterOption {
	return func(r *Router) { r.onFailure = fn }
}

// NewRouter constructs a Router dispatching through h.
func NewRouter(h *Hub, opts ...RouterOption) *Router {
	r := &Router{hub: h, key: RecordKey, logger: h.logger}
	for _, o := range opts {
		o(r)
	}

	return r
}

// OnSuccess dispatches the record as a command packet.
func (r *Router) OnSuccess(ctx context.Context, rec hub.MessageRecord) {
	resp := r.hub.Dispatch(ctx, PacketFromRecord(rec, r.key))
	if !resp.OK() {
		r.logger.WarnContext(ctx, "command dispatch failed",
			slog.String("command", string(resp.Command)),
			slog.String("kind", string(resp.Kind())),
			slog.String("topic", rec.Meta.Topic),
			slog.Int64("offset", rec.Meta.Offset),
			slog.Any("error", resp.Err),
		)
	}

	if r.onResponse != nil {
		r.onResponse(ctx, resp)
	}
}

// OnFailure logs the undecodable record and forwards it to the failure sink.
func (r *Router) OnFailure(ctx context.Context, f hub.Failure) {
	r.logger.WarnContext(ctx, "record rejected",
		slog.String("topic", f.Meta.Topic),
		slog.Int("partition", int(f.Meta.Partition)),
		slog.Int64("offset", f.Meta.Offset),
		slog.String("reason", f.Reason),
	)

	if r.onFailure != nil {
		r.onFailure(ctx, f)
	}
}
