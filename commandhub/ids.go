package commandhub

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
)

var (
	packetEntropyMu sync.Mutex
	packetEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewPacketID returns a packet identifier stamped with the current time.
func NewPacketID() string { return NewPacketIDAt(time.Now()) }

// NewPacketIDAt returns a 26-character ULID whose time component is at, so
// packets built from records sort by record timestamp. IDs sharing a
// millisecond stay strictly increasing. A zero or pre-epoch at falls back to now.
func NewPacketIDAt(at time.Time) string {
	if at.IsZero() || at.Before(time.UnixMilli(0)) {
		at = time.Now()
	}

	packetEntropyMu.Lock()
	defer packetEntropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), packetEntropy).String()
}

// PacketIDTime returns the time encoded in a packet identifier.
func PacketIDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("packet id %q: %w: %w", id, berr.ErrInvalidArgument, err)
	}

	return ulid.Time(u.Time()), nil
}
