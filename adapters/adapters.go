// Package adapters selects the transport Source configured for the ingestion loop.
package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/next-trace/scg-command-hub/adapters/kafka"
	"github.com/next-trace/scg-command-hub/adapters/nats"
	"github.com/next-trace/scg-command-hub/adapters/rabbitmq"
	"github.com/next-trace/scg-command-hub/config"
	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// NewSource builds the Source named by cfg.Transport. Connections are opened
// here for nats and rabbitmq; kafka connects on Subscribe.
func NewSource(ctx context.Context, cfg config.Config) (hub.Source, error) {
	return NewSourceWithLogger(ctx, cfg, slog.Default())
}

// NewSourceWithLogger is NewSource with an explicit logger for the transport.
func NewSourceWithLogger(ctx context.Context, cfg config.Config, logger *slog.Logger) (hub.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !cfg.Resolved() {
		return nil, fmt.Errorf("transport %q: %s not set: %w", cfg.Transport, config.KeyBootstrap, berr.ErrConfigurationMissing)
	}

	switch strings.ToLower(cfg.Transport) {
	case config.TransportKafka, "":
		return kafka.NewSource(kafka.Config{
			Brokers:  cfg.Bootstrap,
			GroupID:  cfg.GroupID,
			ClientID: cfg.ClientID,
		}, kafka.WithLogger(logger))
	case config.TransportNATS:
		return nats.NewWithNATS(nats.Config{
			URL:        cfg.Address(),
			Name:       cfg.ClientID,
			QueueGroup: cfg.GroupID,
			Logger:     logger,
		})
	case config.TransportRabbitMQ:
		return rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:         cfg.Bootstrap[0],
			Prefetch:    cfg.MaxPollRecords,
			ConsumerTag: cfg.ClientID,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("transport %q: %w", cfg.Transport, berr.ErrInvalidArgument)
	}
}
