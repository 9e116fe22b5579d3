package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-command-hub/adapters"
	"github.com/next-trace/scg-command-hub/config"
	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/envelope"
)

// SourceFactory builds the transport for an initialized loop.
type SourceFactory func(ctx context.Context, cfg config.Config) (hub.Source, error)

// Loop polls a transport, decodes every record and reports each one to a callback.
//
// The lifecycle is Stopped → Initializing → Ready → Running → Closed, with
// Disabled as the observable no-op state of an unconfigured loop. A closed loop
// cannot be restarted; build a new one.
type Loop struct {
	mu     sync.Mutex
	state  State
	reason string
	kind   berr.Kind
	cfg    config.Config
	src    hub.Source
	pool   *envelope.Pool
	cancel context.CancelFunc

	cfgSet   bool
	cfgOpts  []config.Option
	factory  SourceFactory
	workers  int
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	extract  hub.HeaderExtractor
	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Loop.
type Option func(*Loop)

// WithConfig uses cfg as is instead of loading the layered configuration.
func WithConfig(cfg config.Config) Option {
	return func(l *Loop) {
		l.cfg = cfg
		l.cfgSet = true
	}
}

// WithConfigOptions passes options to config.Load during Init.
func WithConfigOptions(opts ...config.Option) Option {
	return func(l *Loop) { l.cfgOpts = append(l.cfgOpts, opts...) }
}

// WithSourceFactory overrides how the transport is built. Defaults to adapters.NewSource.
func WithSourceFactory(f SourceFactory) Option { return func(l *Loop) { l.factory = f } }

// WithWorkers overrides the configured worker count. Values above one process
// the records of a batch concurrently, so callbacks no longer observe
// transport order within a batch.
func WithWorkers(n int) Option { return func(l *Loop) { l.workers = n } }

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records loop metrics on m.
func WithMetrics(m *Metrics) Option { return func(l *Loop) { l.metrics = m } }

// WithTracer sets the tracer used for per-record spans. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option { return func(l *Loop) { l.tracer = t } }

// WithHeaderExtractor sets how trace context is read from transport headers.
func WithHeaderExtractor(e hub.HeaderExtractor) Option { return func(l *Loop) { l.extract = e } }

// New constructs a stopped loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		state:   StateStopped,
		logger:  slog.Default(),
		extract: OTelPropagator{},
		done:    make(chan struct{}),
	}

	for _, o := range opts {
		o(l)
	}

	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}

	if l.factory == nil {
		l.factory = func(ctx context.Context, cfg config.Config) (hub.Source, error) {
			return adapters.NewSourceWithLogger(ctx, cfg, l.logger)
		}
	}

	return l
}

// Status reports the current state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{State: l.state, Reason: l.reason, Kind: l.kind, Address: l.cfg.Address()}
}

// Done is closed when a started Receive returns. A no-op Receive on a Disabled
// loop and a Stop of an idle loop close it too.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) closeDone() { l.doneOnce.Do(func() { close(l.done) }) }

// Init resolves the configuration and builds the transport.
//
// A switched-off feature or an unresolvable address leaves the loop Disabled and
// returns nil: Receive then is a no-op. A transport that cannot be built
// returns ErrTransportFailure and leaves the loop Stopped.
func (l *Loop) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateStopped:
	case StateClosed:
		return fmt.Errorf("ingest init: %w", berr.ErrLoopClosed)
	default:
		return fmt.Errorf("ingest init in state %s: %w", l.state, berr.ErrInvalidState)
	}

	l.state = StateInitializing

	cfg, err := l.resolveConfig()
	if err != nil {
		if errors.Is(err, berr.ErrInvalidArgument) {
			l.disable(berr.ErrInvalidArgument, fmt.Sprintf("configuration invalid: %v", err))
			l.logger.ErrorContext(ctx, "ingest configuration invalid, loop disabled", slog.Any("error", err))

			return nil
		}

		l.disable(berr.ErrConfigurationMissing, fmt.Sprintf("configuration unreadable: %v", err))
		l.logger.ErrorContext(ctx, "ingest configuration unreadable, loop disabled", slog.Any("error", err))

		return nil
	}

	l.cfg = cfg

	if !cfg.Enabled {
		l.disable(nil, "switched off by "+config.KeySwitch)
		l.logger.WarnContext(ctx, "ingest switched off, skipping transport initialization")

		return nil
	}

	if !cfg.Resolved() {
		l.disable(berr.ErrConfigurationMissing, fmt.Sprintf("%s: %s not set", berr.ErrConfigurationMissing, config.KeyBootstrap))
		l.logger.InfoContext(ctx, "ingest transport address not configured, loop disabled",
			slog.String("key", config.KeyBootstrap))

		return nil
	}

	src, err := l.factory(ctx, cfg)
	if err != nil {
		l.state = StateStopped
		l.logger.ErrorContext(ctx, "ingest transport initialization failed",
			slog.String("transport", cfg.Transport), slog.Any("error", err))

		if berr.KindOf(err) == berr.KindNone {
			err = errors.Join(berr.ErrTransportFailure, err)
		}

		return fmt.Errorf("ingest init: %w", err)
	}

	if l.workers <= 0 {
		l.workers = max(cfg.Workers, 1)
	}

	l.src = src
	l.pool = envelope.NewPool(l.workers)
	l.state = StateReady

	l.logger.InfoContext(ctx, "ingest initialized",
		slog.String("transport", cfg.Transport),
		slog.String("config", cfg.String()),
		slog.Duration("pacing", cfg.PollPacing),
		slog.Int("workers", l.workers),
	)

	return nil
}

func (l *Loop) resolveConfig() (config.Config, error) {
	if l.cfgSet {
		return l.cfg, nil
	}

	return config.Load(append([]config.Option{config.WithLogger(l.logger)}, l.cfgOpts...)...)
}

// disable records why the loop will not run. A nil cause marks an intentional
// opt-out; otherwise the cause sets Status().Kind.
func (l *Loop) disable(cause error, reason string) {
	l.state = StateDisabled
	l.reason = reason
	l.kind = berr.KindOf(cause)
}

// Receive subscribes to topics and processes batches until Stop is called, ctx
// is done or the transport fails. Every polled record produces exactly one cb
// invocation; per-record failures never end the loop. The loop is Closed when
// Receive returns.
//
// On a Stopped or Disabled loop Receive logs and returns nil immediately.
func (l *Loop) Receive(ctx context.Context, topics []string, cb hub.Callback) error {
	if len(topics) == 0 {
		return fmt.Errorf("ingest receive: no topics: %w", berr.ErrInvalidArgument)
	}

	if cb == nil {
		return fmt.Errorf("ingest receive: nil callback: %w", berr.ErrInvalidArgument)
	}

	l.mu.Lock()

	switch l.state {
	case StateReady:
	case StateStopped, StateDisabled:
		state := l.state
		l.mu.Unlock()
		l.logger.InfoContext(ctx, "ingest receive skipped", slog.String("state", state.String()))

		// Disabled cannot be initialized again; a Stopped loop still can.
		if state == StateDisabled {
			l.closeDone()
		}

		return nil
	case StateClosed:
		l.mu.Unlock()
		l.closeDone()

		return fmt.Errorf("ingest receive: %w", berr.ErrLoopClosed)
	default:
		state := l.state
		l.mu.Unlock()

		return fmt.Errorf("ingest receive in state %s: %w", state, berr.ErrInvalidState)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.state = StateRunning
	src, cfg := l.src, l.cfg
	l.mu.Unlock()

	defer l.closeDone()
	defer l.release(ctx)
	defer cancel()

	if err := src.Subscribe(runCtx, topics); err != nil {
		if runCtx.Err() != nil {
			return nil
		}

		return l.fail(ctx, fmt.Errorf("ingest subscribe: %w", transportErr(err)))
	}

	l.logger.InfoContext(ctx, "ingest receiving", slog.Any("topics", topics))

	for {
		if runCtx.Err() != nil {
			return nil
		}

		batch, err := src.Poll(runCtx, cfg.MaxPollRecords, cfg.PollWait)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}

			l.metrics.observePollError()

			return l.fail(ctx, fmt.Errorf("ingest poll: %w", transportErr(err)))
		}

		l.metrics.observePoll(len(batch))

		if len(batch) > 0 {
			l.logger.DebugContext(ctx, "ingest batch", slog.Int("records", len(batch)))
			l.process(ctx, batch, cb)
		}

		if runCtx.Err() != nil {
			return nil
		}

		l.pace(runCtx, cfg.PollPacing)
	}
}

// pace waits for the pacing interval. An interrupted wait is logged; the
// caller observes the cancellation before the next poll.
func (l *Loop) pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
		l.logger.Info("ingest pacing interrupted", slog.Any("cause", context.Cause(ctx)))
	}
}

// process delivers one outcome per record. Callbacks receive the caller's
// context so that Stop does not cancel a batch already in progress.
func (l *Loop) process(ctx context.Context, batch []hub.RawRecord, cb hub.Callback) {
	if l.workers <= 1 || len(batch) == 1 {
		for _, rec := range batch {
			l.handle(ctx, rec, cb)
		}

		return
	}

	var g errgroup.Group
	g.SetLimit(l.workers)

	for _, rec := range batch {
		g.Go(func() error {
			l.handle(ctx, rec, cb)
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // handle never returns errors; failures go to the callback
}

func (l *Loop) handle(ctx context.Context, rec hub.RawRecord, cb hub.Callback) {
	ctx = l.extract.Extract(ctx, rec.Meta.Headers)
	ctx, span := l.tracer.Start(ctx, "commandhub.ingest.record",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Meta.Topic),
			attribute.Int("messaging.destination.partition.id", int(rec.Meta.Partition)),
			attribute.Int64("messaging.message.offset", rec.Meta.Offset),
		),
	)
	defer span.End()

	out := l.decode(ctx, rec)
	if f, failed := out.Failure(); failed {
		span.SetStatus(codes.Error, f.Reason)
		span.RecordError(f.Err)
	}

	l.deliver(ctx, cb, out, rec.Meta)
}

func (l *Loop) decode(ctx context.Context, rec hub.RawRecord) hub.Outcome {
	msg, err := l.pool.Decode(ctx, rec.Value, rec.Meta)
	if err == nil {
		l.metrics.observeRecord(outcomeSuccess)
		return hub.Succeeded(msg)
	}

	if errors.Is(err, berr.ErrEmptyPayload) {
		l.metrics.observeRecord(outcomeEmpty)
	} else {
		l.metrics.observeRecord(outcomeMalformed)
	}

	return hub.Failed(hub.Failure{Err: err, Meta: rec.Meta})
}

func (l *Loop) deliver(ctx context.Context, cb hub.Callback, out hub.Outcome, meta hub.RecordMeta) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.observePanic()
			l.logger.ErrorContext(ctx, "ingest callback panicked",
				slog.String("topic", meta.Topic),
				slog.Int("partition", int(meta.Partition)),
				slog.Int64("offset", meta.Offset),
				slog.Any("panic", r),
			)
		}
	}()

	out.Deliver(ctx, cb)
}

// release closes a loop whose Receive ended because ctx was done.
func (l *Loop) release(ctx context.Context) {
	if err := l.Stop(); err != nil {
		l.logger.WarnContext(ctx, "ingest transport close failed", slog.Any("error", err))
	}
}

// fail closes the loop after a transport failure and returns err.
func (l *Loop) fail(ctx context.Context, err error) error {
	l.logger.ErrorContext(ctx, "ingest transport failure, loop closed", slog.Any("error", err))

	l.mu.Lock()
	src := l.src
	l.state = StateClosed
	l.reason = err.Error()
	l.mu.Unlock()

	if src != nil {
		if cerr := src.Close(); cerr != nil {
			l.logger.WarnContext(ctx, "ingest transport close failed", slog.Any("error", cerr))
		}
	}

	return err
}

// Stop prevents further polls, interrupts an in-flight poll or pacing wait and
// releases the transport. A callback already running is not interrupted.
// Stop is idempotent.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}

	receiving := l.state == StateRunning
	l.state = StateClosed
	if l.reason == "" {
		l.reason = "stopped"
	}

	cancel, src := l.cancel, l.src
	l.mu.Unlock()

	if !receiving {
		l.closeDone()
	}

	if cancel != nil {
		cancel()
	}

	if src == nil {
		return nil
	}

	if err := src.Close(); err != nil {
		return fmt.Errorf("ingest stop: %w", errors.Join(berr.ErrTransportFailure, err))
	}

	return nil
}

func transportErr(err error) error {
	if berr.KindOf(err) == berr.KindNone {
		return errors.Join(berr.ErrTransportFailure, err)
	}

	return err
}
