package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// KeyHeader is the AMQP header carrying the record key. MessageId is used when absent.
const KeyHeader = "key"

// ErrChannelClosed reports a consumer channel closed by the broker.
var ErrChannelClosed = errors.New("rabbitmq channel closed")

// Channel is the subset of *amqp.Channel used by Source.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

type delivery struct {
	queue string
	d     amqp.Delivery
}

// Source is a hub.Source consuming AMQP queues with manual acknowledgements.
type Source struct {
	ch       Channel
	prefetch int
	consumer string
	logger   *slog.Logger
	closers  []func() error

	msgs chan delivery
	done chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	pending    []amqp.Delivery
	broken     error
	subscribed bool
	closed     bool
}

var _ hub.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithPrefetch sets the channel QoS prefetch count.
func WithPrefetch(n int) SourceOption { return func(s *Source) { s.prefetch = n } }

// WithConsumerTag sets the consumer tag prefix; the queue name is appended.
func WithConsumerTag(tag string) SourceOption { return func(s *Source) { s.consumer = tag } }

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withCloser(fn func() error) SourceOption {
	return func(s *Source) { s.closers = append(s.closers, fn) }
}

// NewSource consumes through an open channel. Closing the Source closes ch.
func NewSource(ch Channel, opts ...SourceOption) *Source {
	s := &Source{
		ch:     ch,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}

	for _, o := range opts {
		o(s)
	}

	s.msgs = make(chan delivery, max(s.prefetch, 1))

	return s
}

func (s *Source) Subscribe(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("rabbitmq subscribe: %w", errors.Join(berr.ErrTransportFailure, amqp.ErrClosed))
	}

	if s.subscribed {
		return fmt.Errorf("rabbitmq subscribe: already subscribed: %w", berr.ErrInvalidState)
	}

	if s.prefetch > 0 {
		if err := s.ch.Qos(s.prefetch, 0, false); err != nil {
			return fmt.Errorf("rabbitmq qos: %w", errors.Join(berr.ErrTransportFailure, err))
		}
	}

	for _, q := range topics {
		tag := ""
		if s.consumer != "" {
			tag = s.consumer + "." + q
		}

		deliveries, err := s.ch.Consume(q, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("rabbitmq consume %q: %w", q, errors.Join(berr.ErrTransportFailure, err))
		}

		s.wg.Add(1)

		go s.forward(q, deliveries)
	}

	s.subscribed = true
	s.logger.InfoContext(ctx, "rabbitmq consuming", slog.Any("queues", topics), slog.Int("prefetch", s.prefetch))

	return nil
}

// forward copies deliveries of one queue until the channel closes.
func (s *Source) forward(queue string, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				s.markBroken(queue)
				return
			}

			select {
			case s.msgs <- delivery{queue: queue, d: d}:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Source) markBroken(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.broken != nil {
		return
	}

	s.broken = fmt.Errorf("queue %q: %w", queue, ErrChannelClosed)
	s.logger.Error("rabbitmq consumer channel closed", slog.String("queue", queue))
}

// Poll acknowledges the previous batch, then collects up to max deliveries,
// waiting at most wait for the first one.
func (s *Source) Poll(ctx context.Context, max int, wait time.Duration) ([]hub.RawRecord, error) {
	if err := s.ackPending(); err != nil {
		return nil, err
	}

	if max <= 0 {
		max = cap(s.msgs)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var first delivery

	select {
	case first = <-s.msgs:
	case <-timer.C:
		return nil, s.brokenErr()
	case <-s.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := []hub.RawRecord{toRawRecord(first)}
	taken := []amqp.Delivery{first.d}

collect:
	for len(batch) < max {
		select {
		case m := <-s.msgs:
			batch = append(batch, toRawRecord(m))
			taken = append(taken, m.d)
		default:
			break collect
		}
	}

	s.mu.Lock()
	s.pending = taken
	s.mu.Unlock()

	return batch, nil
}

func (s *Source) ackPending() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var errs []error

	for _, d := range pending {
		if err := d.Ack(false); err != nil {
			errs = append(errs, fmt.Errorf("ack %d: %w", d.DeliveryTag, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("rabbitmq ack: %w", errors.Join(append([]error{berr.ErrTransportFailure}, errs...)...))
	}

	return nil
}

func (s *Source) brokenErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken == nil {
		return nil
	}

	return fmt.Errorf("rabbitmq poll: %w", errors.Join(berr.ErrTransportFailure, s.broken))
}

// Close stops the consumers. Deliveries of the last batch are left
// unacknowledged and will be redelivered.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var errs []error

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}

	s.wg.Wait()

	for _, fn := range s.closers {
		if err := fn(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func toRawRecord(m delivery) hub.RawRecord {
	d := m.d
	meta := hub.RecordMeta{
		Topic:     m.queue,
		Offset:    int64(d.DeliveryTag), //nolint:gosec // delivery tags fit in int64
		Timestamp: d.Timestamp,
	}

	if len(d.Headers) > 0 {
		meta.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			meta.Headers[k] = fmt.Sprint(v)
		}
	}

	switch {
	case meta.Headers[KeyHeader] != "":
		meta.Key = []byte(meta.Headers[KeyHeader])
	case d.MessageId != "":
		meta.Key = []byte(d.MessageId)
	}

	return hub.RawRecord{Meta: meta, Value: d.Body}
}
