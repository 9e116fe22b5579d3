package hub

import "context"

// Context is re-exported for convenience in handler signatures.
// It avoids importing context in user packages when referencing hub types.
type Context = context.Context

// HeaderExtractor abstracts extracting tracing context from transport headers.
// Implementations may bridge to OpenTelemetry or any other propagation standard.
// This keeps sources decoupled from concrete tracing libraries.
// Implementations must be safe for concurrent use.
type HeaderExtractor interface {
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderExtractor is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderExtractor struct{}

func (NopHeaderExtractor) Extract(ctx context.Context, headers map[string]string) context.Context {
	_ = headers
	return ctx
}

// HeaderInjector is the producer side of HeaderExtractor: it writes the
// tracing context of ctx into outgoing headers.
type HeaderInjector interface {
	Inject(ctx context.Context, headers map[string]string)
}

// NopHeaderInjector is a no-op HeaderInjector.
type NopHeaderInjector struct{}

func (NopHeaderInjector) Inject(context.Context, map[string]string) {}
