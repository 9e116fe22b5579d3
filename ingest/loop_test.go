package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-command-hub/adapters/inmemory"
	"github.com/next-trace/scg-command-hub/commandhub"
	"github.com/next-trace/scg-command-hub/config"
	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/envelope"
	"github.com/next-trace/scg-command-hub/ingest"
)

const topic = "commands"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu        sync.Mutex
	successes []hub.MessageRecord
	failures  []hub.Failure
}

func (r *recorder) OnSuccess(_ context.Context, rec hub.MessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successes = append(r.successes, rec)
}

func (r *recorder) OnFailure(_ context.Context, f hub.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures = append(r.failures, f)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.successes), len(r.failures)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Bootstrap = []string{"memory://local"}
	cfg.PollPacing = 5 * time.Millisecond
	cfg.PollWait = 5 * time.Millisecond

	return cfg
}

func sourceFactory(src hub.Source) ingest.SourceFactory {
	return func(context.Context, config.Config) (hub.Source, error) { return src, nil }
}

func newLoop(t *testing.T, src hub.Source, opts ...ingest.Option) *ingest.Loop {
	t.Helper()

	base := []ingest.Option{
		ingest.WithLogger(discard()),
		ingest.WithConfig(testConfig()),
		ingest.WithSourceFactory(sourceFactory(src)),
	}

	l := ingest.New(append(base, opts...)...)
	require.NoError(t, l.Init(t.Context()))
	require.Equal(t, ingest.StateReady, l.Status().State)

	return l
}

func start(t *testing.T, l *ingest.Loop, cb hub.Callback) <-chan error {
	t.Helper()

	errc := make(chan error, 1)

	go func() { errc <- l.Receive(context.Background(), []string{topic}, cb) }()

	t.Cleanup(func() {
		_ = l.Stop()
		<-l.Done()
	})

	return errc
}

func stopAndWait(t *testing.T, l *ingest.Loop, errc <-chan error) error {
	t.Helper()

	require.NoError(t, l.Stop())

	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after stop")
		return nil
	}
}

func jsonEnvelope(body string) envelope.Envelope {
	return envelope.Envelope{UserID: "u-1", EnvCode: "prod", DataType: 3, StringValue: body}
}

func TestLoop_PerRecordIsolation(t *testing.T) {
	const n = 5

	tests := []struct {
		name string
		bad  int
	}{
		{name: "first", bad: 0},
		{name: "middle", bad: n / 2},
		{name: "last", bad: n - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := inmemory.New()
			l := newLoop(t, src)
			rec := &recorder{}

			var want []string

			for i := range n {
				if i == tt.bad {
					src.Push(topic, []byte{0x0f, 0xff})
					continue
				}

				cmd := string(rune('a' + i))
				want = append(want, cmd)
				src.PushEnvelope(topic, jsonEnvelope(`{"command":"`+cmd+`"}`))
			}

			errc := start(t, l, rec)

			require.Eventually(t, func() bool {
				ok, failed := rec.counts()
				return ok+failed == n
			}, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, stopAndWait(t, l, errc))

			ok, failed := rec.counts()
			assert.Equal(t, n-1, ok)
			require.Equal(t, 1, failed)

			f := rec.failures[0]
			assert.ErrorIs(t, f.Err, berr.ErrMalformedPayload)
			assert.Equal(t, int64(tt.bad), f.Meta.Offset)
			assert.Equal(t, topic, f.Meta.Topic)
			assert.NotEmpty(t, f.Reason)

			got := make([]string, 0, len(rec.successes))
			for _, r := range rec.successes {
				got = append(got, r.Body["command"].(string))
			}

			assert.Equal(t, want, got, "sequential loop keeps transport order")
			assert.Equal(t, "u-1", rec.successes[0].Headers[hub.HeaderUserID])
		})
	}
}

func TestLoop_EmptyDistinctFromMalformed(t *testing.T) {
	src := inmemory.New()
	l := newLoop(t, src)
	rec := &recorder{}

	src.Push(topic, nil)
	src.PushEnvelope(topic, jsonEnvelope(`[1,2,3]`))

	errc := start(t, l, rec)

	require.Eventually(t, func() bool {
		_, failed := rec.counts()
		return failed == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopAndWait(t, l, errc))

	assert.Equal(t, berr.Kind(berr.ErrEmptyPayload.Error()), berr.KindOf(rec.failures[0].Err))
	assert.ErrorIs(t, rec.failures[0].Err, berr.ErrEmptyPayload)
	assert.NotErrorIs(t, rec.failures[0].Err, berr.ErrMalformedPayload)
	assert.ErrorIs(t, rec.failures[1].Err, berr.ErrMalformedPayload)
}

type timedSource struct {
	*inmemory.Source

	mu sync.Mutex
	at []time.Time
}

func (s *timedSource) Poll(ctx context.Context, max int, wait time.Duration) ([]hub.RawRecord, error) {
	s.mu.Lock()
	s.at = append(s.at, time.Now())
	s.mu.Unlock()

	return s.Source.Poll(ctx, max, wait)
}

func (s *timedSource) times() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Time(nil), s.at...)
}

func TestLoop_PacingBetweenPolls(t *testing.T) {
	const pacing = 40 * time.Millisecond

	cfg := testConfig()
	cfg.PollPacing = pacing
	cfg.PollWait = time.Millisecond

	src := &timedSource{Source: inmemory.New()}
	l := newLoop(t, src, ingest.WithConfig(cfg))

	errc := start(t, l, &recorder{})

	require.Eventually(t, func() bool { return len(src.times()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stopAndWait(t, l, errc))

	at := src.times()
	for i := 1; i < len(at); i++ {
		assert.GreaterOrEqual(t, at[i].Sub(at[i-1]), pacing, "poll %d started too early", i)
	}
}

func TestLoop_StopInterruptsPacing(t *testing.T) {
	cfg := testConfig()
	cfg.PollPacing = time.Hour

	src := inmemory.New()
	l := newLoop(t, src, ingest.WithConfig(cfg))

	errc := start(t, l, &recorder{})

	require.Eventually(t, func() bool { return src.Polls() >= 1 }, time.Second, time.Millisecond)

	begin := time.Now()
	require.NoError(t, stopAndWait(t, l, errc))
	assert.Less(t, time.Since(begin), time.Second)

	st := l.Status()
	assert.Equal(t, ingest.StateClosed, st.State)
	assert.True(t, src.Closed())
	require.NoError(t, l.Stop(), "stop is idempotent")
}

func TestLoop_ContextCancelEndsReceive(t *testing.T) {
	src := inmemory.New()
	l := newLoop(t, src)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)

	go func() { errc <- l.Receive(ctx, []string{topic}, &recorder{}) }()

	require.Eventually(t, func() bool { return src.Polls() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after cancel")
	}

	<-l.Done()
	assert.Equal(t, ingest.StateClosed, l.Status().State)
	assert.True(t, src.Closed())
	require.NoError(t, l.Stop())
}

func TestLoop_DisabledIsNoop(t *testing.T) {
	tests := []struct {
		name string
		cfg  func() config.Config
		kind berr.Kind
	}{
		{name: "no address", kind: berr.KindOf(berr.ErrConfigurationMissing), cfg: func() config.Config {
			cfg := testConfig()
			cfg.Bootstrap = nil

			return cfg
		}},
		{name: "switched off", kind: berr.KindNone, cfg: func() config.Config {
			cfg := testConfig()
			cfg.Enabled = false

			return cfg
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built := false
			l := ingest.New(
				ingest.WithLogger(discard()),
				ingest.WithConfig(tt.cfg()),
				ingest.WithSourceFactory(func(context.Context, config.Config) (hub.Source, error) {
					built = true
					return inmemory.New(), nil
				}),
			)

			require.NoError(t, l.Init(t.Context()))
			assert.False(t, built)

			st := l.Status()
			assert.Equal(t, ingest.StateDisabled, st.State)
			assert.Equal(t, tt.kind, st.Kind)
			assert.NotEmpty(t, st.Reason)

			rec := &recorder{}
			errc := make(chan error, 1)

			go func() { errc <- l.Receive(t.Context(), []string{topic}, rec) }()

			select {
			case <-l.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("done not closed after a no-op receive")
			}

			require.NoError(t, <-errc)

			ok, failed := rec.counts()
			assert.Zero(t, ok+failed)
			require.NoError(t, l.Stop())
		})
	}
}

func TestLoop_MisconfigurationIsDistinctFromOptOut(t *testing.T) {
	invalid := ingest.New(
		ingest.WithLogger(discard()),
		ingest.WithConfigOptions(
			config.WithSearchPaths(t.TempDir()),
			config.WithOverride(config.KeyBootstrap, "broker:9092"),
			config.WithOverride(config.KeyMaxPollRecords, 0),
			config.WithLogger(discard()),
		),
	)
	require.NoError(t, invalid.Init(t.Context()))

	st := invalid.Status()
	assert.Equal(t, ingest.StateDisabled, st.State)
	assert.Equal(t, berr.KindOf(berr.ErrInvalidArgument), st.Kind)
	assert.Contains(t, st.Reason, "configuration invalid")
	assert.Contains(t, st.Reason, config.KeyMaxPollRecords)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFileName),
		[]byte("kafka.poll=1\nkafka.poll.wait=2\n"), 0o600))

	unreadable := ingest.New(
		ingest.WithLogger(discard()),
		ingest.WithConfigOptions(config.WithSearchPaths(dir), config.WithLogger(discard())),
	)
	require.NoError(t, unreadable.Init(t.Context()))

	st = unreadable.Status()
	assert.Equal(t, ingest.StateDisabled, st.State)
	assert.Equal(t, berr.KindOf(berr.ErrConfigurationMissing), st.Kind)
	assert.Contains(t, st.Reason, "configuration unreadable")
}

func TestLoop_StopWithoutReceiveClosesDone(t *testing.T) {
	l := newLoop(t, inmemory.New())
	require.NoError(t, l.Stop())

	select {
	case <-l.Done():
	default:
		t.Fatal("done still open after stopping an idle loop")
	}

	require.ErrorIs(t, l.Receive(t.Context(), []string{topic}, &recorder{}), berr.ErrLoopClosed)
}

func TestLoop_ReceiveBeforeInitIsNoop(t *testing.T) {
	l := ingest.New(ingest.WithLogger(discard()))

	require.NoError(t, l.Receive(t.Context(), []string{topic}, &recorder{}))
	assert.Equal(t, ingest.StateStopped, l.Status().State)

	select {
	case <-l.Done():
		t.Fatal("done closed before the loop could run")
	default:
	}
}

func TestLoop_TransportFailureClosesLoop(t *testing.T) {
	src := inmemory.New()
	l := newLoop(t, src)

	src.Fail(errors.New("broker unreachable"))

	err := l.Receive(t.Context(), []string{topic}, &recorder{})
	require.ErrorIs(t, err, berr.ErrTransportFailure)
	assert.ErrorContains(t, err, "broker unreachable")

	st := l.Status()
	assert.Equal(t, ingest.StateClosed, st.State)
	assert.Contains(t, st.Reason, "broker unreachable")
	assert.True(t, src.Closed())

	require.ErrorIs(t, l.Init(t.Context()), berr.ErrLoopClosed)
	require.ErrorIs(t, l.Receive(t.Context(), []string{topic}, &recorder{}), berr.ErrLoopClosed)
}

func TestLoop_LifecycleGuards(t *testing.T) {
	src := inmemory.New()
	l := newLoop(t, src)

	require.ErrorIs(t, l.Init(t.Context()), berr.ErrInvalidState)
	require.ErrorIs(t, l.Receive(t.Context(), nil, &recorder{}), berr.ErrInvalidArgument)
	require.ErrorIs(t, l.Receive(t.Context(), []string{topic}, nil), berr.ErrInvalidArgument)

	errc := start(t, l, &recorder{})

	require.Eventually(t, func() bool { return l.Status().State == ingest.StateRunning }, time.Second, time.Millisecond)
	require.ErrorIs(t, l.Receive(t.Context(), []string{topic}, &recorder{}), berr.ErrInvalidState)
	assert.Equal(t, []string{topic}, src.Topics())

	require.NoError(t, stopAndWait(t, l, errc))
	require.ErrorIs(t, l.Init(t.Context()), berr.ErrLoopClosed)
}

func TestLoop_FactoryFailure(t *testing.T) {
	l := ingest.New(
		ingest.WithLogger(discard()),
		ingest.WithConfig(testConfig()),
		ingest.WithSourceFactory(func(context.Context, config.Config) (hub.Source, error) {
			return nil, errors.New("dial tcp: connection refused")
		}),
	)

	err := l.Init(t.Context())
	require.ErrorIs(t, err, berr.ErrTransportFailure)
	assert.Equal(t, ingest.StateStopped, l.Status().State)
}

func TestLoop_InitLoadsLayeredConfig(t *testing.T) {
	t.Setenv("KAFKA_SDK_BOOTSTRAP", "")

	var got config.Config

	l := ingest.New(
		ingest.WithLogger(discard()),
		ingest.WithConfigOptions(
			config.WithSearchPaths(t.TempDir()),
			config.WithOverride(config.KeyBootstrap, "broker-1:9092,broker-2:9092"),
			config.WithOverride(config.KeyWorkers, 3),
		),
		ingest.WithSourceFactory(func(_ context.Context, cfg config.Config) (hub.Source, error) {
			got = cfg
			return inmemory.New(), nil
		}),
	)

	require.NoError(t, l.Init(t.Context()))
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, got.Bootstrap)
	assert.Equal(t, "broker-1:9092,broker-2:9092", l.Status().Address)
	assert.Equal(t, 3, got.Workers)
	require.NoError(t, l.Stop())
}

func TestLoop_WorkersDeliverEveryRecord(t *testing.T) {
	const n = 40

	src := inmemory.New()
	l := newLoop(t, src, ingest.WithWorkers(4))
	rec := &recorder{}

	for range n {
		src.PushEnvelope(topic, jsonEnvelope(`{"command":"x"}`))
	}

	errc := start(t, l, rec)

	require.Eventually(t, func() bool {
		ok, _ := rec.counts()
		return ok == n
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopAndWait(t, l, errc))

	seen := map[int64]bool{}
	for _, r := range rec.successes {
		seen[r.Meta.Offset] = true
	}

	assert.Len(t, seen, n, "every offset delivered exactly once")
}

func TestLoop_PanickingCallbackDoesNotStopLoop(t *testing.T) {
	src := inmemory.New()
	l := newLoop(t, src)
	rec := &recorder{}

	cb := hub.CallbackFuncs{
		Success: func(ctx context.Context, r hub.MessageRecord) {
			if r.Body["command"] == "boom" {
				panic("callback bug")
			}

			rec.OnSuccess(ctx, r)
		},
	}

	src.PushEnvelope(topic, jsonEnvelope(`{"command":"boom"}`))
	src.PushEnvelope(topic, jsonEnvelope(`{"command":"ok"}`))

	errc := start(t, l, cb)

	require.Eventually(t, func() bool {
		ok, _ := rec.counts()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopAndWait(t, l, errc))
}

type headerSpy struct {
	mu   sync.Mutex
	seen []map[string]string
}

func (s *headerSpy) Extract(ctx context.Context, headers map[string]string) context.Context {
	s.mu.Lock()
	s.seen = append(s.seen, headers)
	s.mu.Unlock()

	return ctx
}

func TestLoop_HeadersReachExtractor(t *testing.T) {
	src := inmemory.New()
	spy := &headerSpy{}
	l := newLoop(t, src, ingest.WithHeaderExtractor(spy))
	rec := &recorder{}

	src.PushRecord(hub.RawRecord{
		Meta:  hub.RecordMeta{Topic: topic, Headers: map[string]string{"traceparent": "00-abc-def-01"}},
		Value: envelope.Marshal(jsonEnvelope(`{}`)),
	})

	errc := start(t, l, rec)

	require.Eventually(t, func() bool {
		ok, _ := rec.counts()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopAndWait(t, l, errc))

	spy.mu.Lock()
	defer spy.mu.Unlock()

	require.Len(t, spy.seen, 1)
	assert.Equal(t, "00-abc-def-01", spy.seen[0]["traceparent"])
}

func TestLoop_RoutesThroughHub(t *testing.T) {
	reg := commandhub.NewRegistry(discard())
	h := commandhub.New(reg, commandhub.WithLogger(discard()))

	require.NoError(t, reg.RegisterFunc("ping", func(_ hub.Context, p hub.CommandPacket) hub.CommandResponse {
		return hub.Respond(p, map[string]any{"pong": p.Body["n"]})
	}))

	var (
		mu        sync.Mutex
		responses []hub.CommandResponse
	)

	router := commandhub.NewRouter(h, commandhub.OnResponse(func(_ context.Context, resp hub.CommandResponse) {
		mu.Lock()
		responses = append(responses, resp)
		mu.Unlock()
	}))

	src := inmemory.New()
	l := newLoop(t, src)

	src.PushEnvelope(topic, jsonEnvelope(`{"command":"ping","n":7}`))
	src.PushEnvelope(topic, jsonEnvelope(`{"command":"nobody"}`))

	errc := start(t, l, router)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(responses) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stopAndWait(t, l, errc))

	require.True(t, responses[0].OK())
	assert.Equal(t, hub.CommandID("ping"), responses[0].Command)
	assert.InDelta(t, 7, responses[0].Data["pong"], 0)
	assert.ErrorIs(t, responses[1].Err, berr.ErrHandlerNotFound)
}
