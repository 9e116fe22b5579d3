package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/next-trace/scg-command-hub/commandhub"
	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/envelope"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt any client to this; NewWithKgo wires franz-go.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Publisher produces command envelopes through an injected Writer.
type Publisher struct {
	Writer     Writer
	Propagator hub.HeaderInjector // optional, for context propagation into headers

	mu  sync.Mutex
	enc *envelope.Encoder
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithFrameHeader prefixes every produced envelope with the frame header carrying typeCode.
func WithFrameHeader(typeCode uint16) PublisherOption {
	return func(p *Publisher) { p.enc = envelope.NewEncoder(envelope.WithHeader(typeCode)) }
}

// WithPropagator injects the tracing context of each Publish call into the record headers.
func WithPropagator(hp hub.HeaderInjector) PublisherOption {
	return func(p *Publisher) { p.Propagator = hp }
}

// NewPublisher creates a publisher writing through w.
func NewPublisher(w Writer, opts ...PublisherOption) *Publisher {
	p := &Publisher{Writer: w, enc: envelope.NewEncoder()}
	for _, o := range opts {
		o(p)
	}

	return p
}

// Publish encodes env and writes it to topic.
func (p *Publisher) Publish(
	ctx context.Context,
	topic string,
	key []byte,
	env envelope.Envelope,
	headers map[string]string,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Writer == nil {
		return fmt.Errorf("kafka publish: no writer: %w", berr.ErrInvalidState)
	}

	if topic == "" {
		return fmt.Errorf("kafka publish: empty topic: %w", berr.ErrInvalidArgument)
	}

	p.mu.Lock()
	val := p.enc.Encode(env)
	p.mu.Unlock()

	h := maps.Clone(headers)
	if p.Propagator != nil {
		if h == nil {
			h = make(map[string]string, 2)
		}

		p.Propagator.Inject(ctx, h)
	}

	if err := p.Writer.Write(ctx, topic, key, val, h); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", topic, errors.Join(berr.ErrTransportFailure, err))
	}

	return nil
}

// PublishCommand sets the command field on body, stores it in base and
// publishes the envelope keyed by the command name.
func (p *Publisher) PublishCommand(
	ctx context.Context,
	topic, command string,
	body map[string]any,
	base envelope.Envelope,
) error {
	if command == "" {
		return fmt.Errorf("kafka publish: empty command: %w", berr.ErrInvalidArgument)
	}

	b := make(map[string]any, len(body)+1)
	maps.Copy(b, body)
	b[commandhub.BodyCommandField] = command

	if err := base.SetBody(b); err != nil {
		return fmt.Errorf("kafka publish serialize: %w", errors.Join(berr.ErrMalformedPayload, err))
	}

	return p.Publish(ctx, topic, []byte(command), base, nil)
}
