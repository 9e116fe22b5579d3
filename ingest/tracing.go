package ingest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/next-trace/scg-command-hub/contract/hub"
)

const tracerName = "github.com/next-trace/scg-command-hub/ingest"

// OTelPropagator moves trace context between contexts and transport headers
// with the global OpenTelemetry text map propagator.
type OTelPropagator struct{}

var (
	_ hub.HeaderExtractor = OTelPropagator{}
	_ hub.HeaderInjector  = OTelPropagator{}
)

func (OTelPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (OTelPropagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}
