package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Client is the subset of *kgo.Client used by Source.
type Client interface {
	Ping(ctx context.Context) error
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	Close()
}

var _ Client = (*kgo.Client)(nil)

// Dialer builds a consumer client subscribed to topics.
type Dialer func(cfg Config, topics []string) (Client, error)

// Source is a hub.Source backed by a Kafka consumer group.
// The client is created on Subscribe, once the topics are known.
type Source struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	mu     sync.Mutex
	cl     Client
	closed bool
}

var _ hub.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithDialer replaces the franz-go client construction.
func WithDialer(d Dialer) SourceOption { return func(s *Source) { s.dial = d } }

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource creates a Kafka source. It does not connect until Subscribe.
func NewSource(cfg Config, opts ...SourceOption) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source: brokers required: %w", berr.ErrConfigurationMissing)
	}

	s := &Source{cfg: cfg, dial: dialKgo, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}

	return s, nil
}

func (s *Source) Subscribe(ctx context.Context, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("kafka subscribe: %w", errors.Join(berr.ErrTransportFailure, kgo.ErrClientClosed))
	}

	if s.cl != nil {
		return fmt.Errorf("kafka subscribe: already subscribed: %w", berr.ErrInvalidState)
	}

	cl, err := s.dial(s.cfg, topics)
	if err != nil {
		return fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrTransportFailure, err))
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka ping %v: %w", s.cfg.Brokers, errors.Join(berr.ErrTransportFailure, err))
	}

	s.cl = cl
	s.logger.InfoContext(ctx, "kafka consumer subscribed",
		slog.Any("topics", topics),
		slog.String("group", s.cfg.GroupID),
		slog.String("client_id", s.cfg.ClientID),
	)

	return nil
}

// Poll fetches up to max records. Partition errors caused by the wait deadline
// are not failures; any other fetch error fails the whole poll.
func (s *Source) Poll(ctx context.Context, max int, wait time.Duration) ([]hub.RawRecord, error) {
	s.mu.Lock()
	cl := s.cl
	s.mu.Unlock()

	if cl == nil {
		return nil, fmt.Errorf("kafka poll before subscribe: %w", berr.ErrInvalidState)
	}

	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := cl.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka poll: %w", errors.Join(berr.ErrTransportFailure, kgo.ErrClientClosed))
	}

	var errs []error

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("kafka poll: %w", errors.Join(append([]error{berr.ErrTransportFailure}, errs...)...))
	}

	batch := make([]hub.RawRecord, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		batch = append(batch, toRawRecord(r))
	})

	return batch, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.cl != nil {
		s.cl.Close()
	}

	return nil
}

func toRawRecord(r *kgo.Record) hub.RawRecord {
	var headers map[string]string
	if len(r.Headers) > 0 {
		headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
	}

	return hub.RawRecord{
		Meta: hub.RecordMeta{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Timestamp: r.Timestamp,
			Headers:   headers,
		},
		Value: r.Value,
	}
}
