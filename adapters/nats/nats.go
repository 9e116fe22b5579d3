package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// KeyHeader carries the record key; core NATS messages have none.
const KeyHeader = "key"

// DefaultBuffer is the capacity of the channel feeding Poll.
const DefaultBuffer = 1024

// Conn is the subset of *nats.Conn used by Source.
type Conn interface {
	ChanQueueSubscribe(subj, queue string, ch chan *nats.Msg) (*nats.Subscription, error)
	IsClosed() bool
	Close()
}

var _ Conn = (*nats.Conn)(nil)

// Source is a hub.Source reading core NATS subjects through queue subscriptions.
// Subscribers sharing a queue group split the messages between them.
type Source struct {
	conn   Conn
	queue  string
	msgs   chan *nats.Msg
	logger *slog.Logger

	mu         sync.Mutex
	seq        int64
	subscribed bool
	closed     bool
}

var _ hub.Source = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithQueueGroup sets the queue group shared by competing consumers.
func WithQueueGroup(queue string) SourceOption { return func(s *Source) { s.queue = queue } }

// WithBuffer sets the capacity of the pending message channel.
func WithBuffer(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.msgs = make(chan *nats.Msg, n)
		}
	}
}

// WithLogger sets the source logger.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource wraps an established connection.
func NewSource(conn Conn, opts ...SourceOption) *Source {
	s := &Source{
		conn:   conn,
		msgs:   make(chan *nats.Msg, DefaultBuffer),
		logger: slog.Default(),
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Source) Subscribe(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("nats subscribe: %w", errors.Join(berr.ErrTransportFailure, nats.ErrConnectionClosed))
	}

	if s.subscribed {
		return fmt.Errorf("nats subscribe: already subscribed: %w", berr.ErrInvalidState)
	}

	for _, subj := range topics {
		if _, err := s.conn.ChanQueueSubscribe(subj, s.queue, s.msgs); err != nil {
			return fmt.Errorf("nats subscribe %q: %w", subj, errors.Join(berr.ErrTransportFailure, err))
		}
	}

	s.subscribed = true
	s.logger.InfoContext(ctx, "nats subscribed", slog.Any("subjects", topics), slog.String("queue", s.queue))

	return nil
}

// Poll drains up to max pending messages, waiting at most wait for the first one.
func (s *Source) Poll(ctx context.Context, max int, wait time.Duration) ([]hub.RawRecord, error) {
	if max <= 0 {
		max = cap(s.msgs)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var first *nats.Msg

	select {
	case first = <-s.msgs:
	case <-timer.C:
		return nil, s.connErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := make([]hub.RawRecord, 0, min(max, len(s.msgs)+1))
	batch = append(batch, s.toRawRecord(first))

	for len(batch) < max {
		select {
		case m := <-s.msgs:
			batch = append(batch, s.toRawRecord(m))
		default:
			return batch, nil
		}
	}

	return batch, nil
}

func (s *Source) connErr() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if !closed && s.conn.IsClosed() {
		return fmt.Errorf("nats poll: %w", errors.Join(berr.ErrTransportFailure, nats.ErrConnectionClosed))
	}

	return nil
}

func (s *Source) toRawRecord(m *nats.Msg) hub.RawRecord {
	s.mu.Lock()
	off := s.seq
	s.seq++
	s.mu.Unlock()

	meta := hub.RecordMeta{Topic: m.Subject, Offset: off, Timestamp: time.Now()}

	if len(m.Header) > 0 {
		meta.Headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			meta.Headers[k] = m.Header.Get(k)
		}

		if k := m.Header.Get(KeyHeader); k != "" {
			meta.Key = []byte(k)
		}
	}

	return hub.RawRecord{Meta: meta, Value: m.Data}
}

// Close closes the connection, which also removes the subscriptions.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}

	return nil
}
