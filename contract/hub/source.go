package hub

import (
	"context"
	"time"
)

// Source abstracts a publish/subscribe streaming transport polled by the ingestion loop.
// A Source instance is owned by exactly one loop and must not be shared.
type Source interface {
	// Subscribe registers interest in the given topics. It is called once, before the first Poll.
	Subscribe(ctx context.Context, topics []string) error
	// Poll returns up to max records, waiting at most wait for the first one.
	// An empty batch with a nil error means nothing arrived in time.
	Poll(ctx context.Context, max int, wait time.Duration) ([]RawRecord, error)
	// Close releases the underlying connection. In-flight polls return.
	Close() error
}
