package inmemory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/envelope"
)

// ErrClosed is returned by operations on a closed Source.
var ErrClosed = errors.New("inmemory source closed")

// Source is a thread-safe in-process hub.Source for tests and examples.
// Records pushed to a topic that was not subscribed are dropped at poll time.
type Source struct {
	mu      sync.Mutex
	queue   []hub.RawRecord
	topics  []string
	offsets map[string]int64
	polls   int
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	failErr error
}

var _ hub.Source = (*Source)(nil)

// New creates an empty in-memory source.
func New() *Source {
	return &Source{
		offsets: make(map[string]int64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Source) Subscribe(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("inmemory subscribe: %w", errors.Join(berr.ErrTransportFailure, ErrClosed))
	}

	s.topics = append(s.topics[:0], topics...)

	return nil
}

// Push appends a raw value to topic. Offsets are assigned per topic starting at zero.
func (s *Source) Push(topic string, value []byte) {
	s.PushRecord(hub.RawRecord{Meta: hub.RecordMeta{Topic: topic}, Value: value})
}

// PushRecord appends rec, assigning its offset and timestamp.
func (s *Source) PushRecord(rec hub.RawRecord) {
	s.mu.Lock()
	rec.Meta.Offset = s.offsets[rec.Meta.Topic]
	s.offsets[rec.Meta.Topic]++

	if rec.Meta.Timestamp.IsZero() {
		rec.Meta.Timestamp = time.Now()
	}

	s.queue = append(s.queue, rec)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// PushEnvelope encodes env and pushes it to topic.
func (s *Source) PushEnvelope(topic string, env envelope.Envelope) {
	s.Push(topic, envelope.Marshal(env))
}

// Fail makes every following poll return err wrapped as a transport failure.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Source) Poll(ctx context.Context, max int, wait time.Duration) ([]hub.RawRecord, error) {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		batch, err := s.take(max)
		if err != nil || len(batch) > 0 {
			return batch, err
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return nil, nil
		case <-s.done:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Source) take(max int) ([]hub.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, fmt.Errorf("inmemory poll: %w", errors.Join(berr.ErrTransportFailure, s.failErr))
	}

	if s.closed {
		return nil, nil
	}

	var (
		batch []hub.RawRecord
		rest  = s.queue[:0]
	)

	for _, rec := range s.queue {
		switch {
		case !slices.Contains(s.topics, rec.Meta.Topic):
		case max <= 0 || len(batch) < max:
			batch = append(batch, rec)
		default:
			rest = append(rest, rec)
		}
	}

	s.queue = rest

	return batch, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}

	return nil
}

// Topics returns the subscribed topics.
func (s *Source) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.topics)
}

// Polls returns the number of Poll calls so far.
func (s *Source) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.polls
}

// Pending returns the number of queued records not yet polled.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
