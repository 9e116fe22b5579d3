package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
)

// Concrete franz-go based constructors.

type Config struct {
	Brokers  []string
	GroupID  string
	ClientID string
	TLS      *tls.Config

	// Producer settings, used by NewWithKgo.
	Acks        kgo.Acks
	Idempotent  bool
	Compression []kgo.CompressionCodec
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}

	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	return opts
}

// dialKgo joins the consumer group starting at the latest offset when no
// committed offset exists. Offsets are auto-committed.
func dialKgo(cfg Config, topics []string) (Client, error) {
	opts := append(cfg.baseOpts(),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)

	if cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return cl, nil
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// NewWithKgo builds a franz-go backed Publisher. The returned cleanup closes the client.
func NewWithKgo(cfg Config, opts ...PublisherOption) (*Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("kafka publisher: brokers required: %w", berr.ErrConfigurationMissing)
	}

	kopts := cfg.baseOpts()
	if !cfg.Idempotent {
		kopts = append(kopts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		kopts = append(kopts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.Acks != (kgo.Acks{}) {
		kopts = append(kopts, kgo.RequiredAcks(cfg.Acks))
	}

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrTransportFailure, err))
	}

	return NewPublisher(kgoWriter{cl: cl}, opts...), cl.Close, nil
}
