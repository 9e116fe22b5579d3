// Package memory wires a complete command hub over an in-memory transport.
// It is meant for tests and local demos; production code builds the pieces itself.
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/next-trace/scg-command-hub/adapters/inmemory"
	"github.com/next-trace/scg-command-hub/commandhub"
	"github.com/next-trace/scg-command-hub/config"
	"github.com/next-trace/scg-command-hub/contract/hub"
	"github.com/next-trace/scg-command-hub/ingest"
)

// Address is the placeholder transport address of the in-memory stack.
const Address = "memory://local"

// Stack is a registry, hub and ingestion loop sharing one in-memory source.
type Stack struct {
	Registry *commandhub.Registry
	Hub      *commandhub.Hub
	Source   *inmemory.Source
	Loop     *ingest.Loop
}

// New builds and initializes the stack. Polls are paced by one millisecond so
// pushed records are picked up almost immediately. The returned cleanup stops
// the loop and waits for a running Receive to return.
func New(ctx context.Context, logger *slog.Logger, opts ...ingest.Option) (*Stack, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.Default()
	cfg.Bootstrap = []string{Address}
	cfg.PollPacing = time.Millisecond
	cfg.PollWait = 10 * time.Millisecond

	src := inmemory.New()
	reg := commandhub.NewRegistry(logger)

	base := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithConfig(cfg),
		ingest.WithSourceFactory(func(context.Context, config.Config) (hub.Source, error) { return src, nil }),
	}

	loop := ingest.New(append(base, opts...)...)
	if err := loop.Init(ctx); err != nil {
		return nil, nil, err
	}

	s := &Stack{
		Registry: reg,
		Hub:      commandhub.New(reg, commandhub.WithLogger(logger)),
		Source:   src,
		Loop:     loop,
	}

	return s, s.stop, nil
}

// Start runs the loop in the background, routing records on topics through the hub.
func (s *Stack) Start(ctx context.Context, topics []string, opts ...commandhub.RouterOption) <-chan error {
	errc := make(chan error, 1)
	router := commandhub.NewRouter(s.Hub, opts...)

	go func() { errc <- s.Loop.Receive(ctx, topics, router) }()

	return errc
}

func (s *Stack) stop() {
	_ = s.Loop.Stop() //nolint:errcheck // in-memory close never fails
	<-s.Loop.Done()
}
