package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-command-hub/adapters/kafka"
	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/envelope"
)

type writeCall struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
	err   error
}

func (f *fakeWriter) Write(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, writeCall{topic, key, value, headers})

	return f.err
}

type fakeClient struct {
	pingErr error
	fetches []kgo.Fetches
	maxSeen int
	closed  bool
}

func (c *fakeClient) Ping(context.Context) error { return c.pingErr }

func (c *fakeClient) PollRecords(ctx context.Context, max int) kgo.Fetches {
	c.maxSeen = max
	if len(c.fetches) == 0 {
		<-ctx.Done()
		return kgo.NewErrFetch(ctx.Err())
	}

	f := c.fetches[0]
	c.fetches = c.fetches[1:]

	return f
}

func (c *fakeClient) Close() { c.closed = true }

func recordsFetch(topic string, recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: recs}},
	}}}}
}

func newSource(t *testing.T, cl *fakeClient) *kafka.Source {
	t.Helper()

	var gotTopics []string

	src, err := kafka.NewSource(
		kafka.Config{Brokers: []string{"localhost:9092"}, GroupID: "g"},
		kafka.WithDialer(func(cfg kafka.Config, topics []string) (kafka.Client, error) {
			gotTopics = topics
			return cl, nil
		}),
	)
	require.NoError(t, err)
	require.NoError(t, src.Subscribe(t.Context(), []string{"cmd"}))
	require.Equal(t, []string{"cmd"}, gotTopics)

	return src
}

func TestKafka_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := kafka.NewPublisher(fw)

	env := envelope.Envelope{UserID: "u1"}
	require.NoError(t, env.SetBody(map[string]any{"a": 1}))

	require.NoError(t, p.Publish(t.Context(), "cmd", []byte("ping"), env, map[string]string{"h": "1"}))
	require.Len(t, fw.calls, 1)

	c := fw.calls[0]
	assert.Equal(t, "cmd", c.topic)
	assert.Equal(t, "ping", string(c.key))
	assert.Equal(t, "1", c.headers["h"])

	got, err := envelope.Unmarshal(c.value)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestKafka_PublishCommand_SetsCommandField(t *testing.T) {
	fw := &fakeWriter{}
	p := kafka.NewPublisher(fw, kafka.WithFrameHeader(envelope.DefaultTypeCode))

	require.NoError(t, p.PublishCommand(t.Context(), "cmd", "ping", map[string]any{"n": 1}, envelope.Envelope{}))
	require.Len(t, fw.calls, 1)

	msg, err := envelope.NewDecoder().Decode(fw.calls[0].value, hub.RecordMeta{Topic: "cmd"})
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Body["command"])
	assert.Equal(t, "ping", string(fw.calls[0].key))
}

func TestKafka_PublishErrors(t *testing.T) {
	p := kafka.NewPublisher(nil)
	require.ErrorIs(t, p.Publish(t.Context(), "cmd", nil, envelope.Envelope{}, nil), berr.ErrInvalidState)

	fw := &fakeWriter{err: errors.New("broker down")}
	p = kafka.NewPublisher(fw)
	require.ErrorIs(t, p.Publish(t.Context(), "", nil, envelope.Envelope{}, nil), berr.ErrInvalidArgument)
	require.ErrorIs(t, p.Publish(t.Context(), "cmd", nil, envelope.Envelope{}, nil), berr.ErrTransportFailure)

	fw.err = context.DeadlineExceeded
	err := p.Publish(t.Context(), "cmd", nil, envelope.Envelope{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, berr.ErrTransportFailure)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, "cmd", nil, envelope.Envelope{}, nil), context.Canceled)
}

func TestKafka_NewSourceRequiresBrokers(t *testing.T) {
	_, err := kafka.NewSource(kafka.Config{})
	require.ErrorIs(t, err, berr.ErrConfigurationMissing)
}

func TestKafka_PollConvertsRecords(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	cl := &fakeClient{fetches: []kgo.Fetches{recordsFetch("cmd",
		&kgo.Record{
			Topic: "cmd", Partition: 0, Offset: 7, Key: []byte("ping"), Value: []byte{1},
			Timestamp: ts, Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("x")}},
		},
		&kgo.Record{Topic: "cmd", Partition: 0, Offset: 8},
	)}}

	src := newSource(t, cl)

	batch, err := src.Poll(t.Context(), 100, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 100, cl.maxSeen)

	m := batch[0].Meta
	assert.Equal(t, "cmd", m.Topic)
	assert.Equal(t, int64(7), m.Offset)
	assert.Equal(t, "ping", string(m.Key))
	assert.Equal(t, ts, m.Timestamp)
	assert.Equal(t, "x", m.Headers["traceparent"])
	assert.Nil(t, batch[1].Meta.Headers)
}

func TestKafka_PollDeadlineIsNotAnError(t *testing.T) {
	src := newSource(t, &fakeClient{})

	batch, err := src.Poll(t.Context(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestKafka_PollFetchErrorIsTransportFailure(t *testing.T) {
	cl := &fakeClient{fetches: []kgo.Fetches{kgo.NewErrFetch(errors.New("unknown topic"))}}
	src := newSource(t, cl)

	_, err := src.Poll(t.Context(), 10, time.Second)
	require.ErrorIs(t, err, berr.ErrTransportFailure)
}

func TestKafka_PingFailure(t *testing.T) {
	cl := &fakeClient{pingErr: errors.New("no brokers")}
	src, err := kafka.NewSource(
		kafka.Config{Brokers: []string{"localhost:9092"}},
		kafka.WithDialer(func(kafka.Config, []string) (kafka.Client, error) { return cl, nil }),
	)
	require.NoError(t, err)

	require.ErrorIs(t, src.Subscribe(t.Context(), []string{"cmd"}), berr.ErrTransportFailure)
	assert.True(t, cl.closed)
}

func TestKafka_CloseIsIdempotent(t *testing.T) {
	cl := &fakeClient{}
	src := newSource(t, cl)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.True(t, cl.closed)
	require.ErrorIs(t, src.Subscribe(t.Context(), []string{"cmd"}), berr.ErrTransportFailure)
}

type staticInjector map[string]string

func (s staticInjector) Inject(_ context.Context, headers map[string]string) {
	for k, v := range s {
		headers[k] = v
	}
}

func TestKafka_PublishInjectsHeaders(t *testing.T) {
	fw := &fakeWriter{}
	p := kafka.NewPublisher(fw, kafka.WithPropagator(staticInjector{"traceparent": "tp"}))

	caller := map[string]string{"h": "1"}
	require.NoError(t, p.Publish(t.Context(), "cmd", nil, envelope.Envelope{UserID: "u"}, caller))
	require.NoError(t, p.Publish(t.Context(), "cmd", nil, envelope.Envelope{UserID: "u"}, nil))

	require.Len(t, fw.calls, 2)
	assert.Equal(t, map[string]string{"h": "1", "traceparent": "tp"}, fw.calls[0].headers)
	assert.Equal(t, map[string]string{"traceparent": "tp"}, fw.calls[1].headers)
	assert.Len(t, caller, 1, "caller headers are not mutated")
}
