package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
)

// Concrete AMQP connection-backed constructor.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Prefetch is the QoS prefetch count, usually the max poll records.
	Prefetch    int
	ConsumerTag string
	Logger      *slog.Logger
}

// NewWithAMQPConn dials RabbitMQ and returns a Source owning the connection.
// A connection closed by the broker surfaces as a transport failure on the next
// poll; the caller rebuilds the loop instead of reconnecting in place.
func NewWithAMQPConn(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url required: %w", berr.ErrConfigurationMissing)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-command-hub"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrTransportFailure, err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup after a failed open

		return nil, fmt.Errorf("rabbitmq channel: %w", errors.Join(berr.ErrTransportFailure, err))
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		if aerr, ok := <-notify; ok && aerr != nil {
			logger.Error("rabbitmq connection closed by broker",
				slog.Int("code", aerr.Code), slog.String("reason", aerr.Reason))
		}
	}()

	return NewSource(ch,
		WithPrefetch(cfg.Prefetch),
		WithConsumerTag(cfg.ConsumerTag),
		WithLogger(logger),
		withCloser(conn.Close),
	), nil
}
