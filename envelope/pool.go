package envelope

import (
	"context"
	"fmt"

	berr "github.com/next-trace/scg-command-hub/contract/errors"
	"github.com/next-trace/scg-command-hub/contract/hub"
)

// Pool hands out a fixed set of decoders, one per worker. Acquire blocks while
// every decoder is in use; Release returns a decoder for the next worker.
type Pool struct {
	slots chan *Decoder
}

// NewPool creates a pool holding size decoders (at least one).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{slots: make(chan *Decoder, size)}
	for range size {
		p.slots <- NewDecoder()
	}

	return p
}

// Size returns the number of decoders owned by the pool.
func (p *Pool) Size() int { return cap(p.slots) }

// Acquire takes a decoder, waiting until one is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Decoder, error) {
	select {
	case d := <-p.slots:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release gives d back to the pool.
func (p *Pool) Release(d *Decoder) {
	if d == nil {
		return
	}

	select {
	case p.slots <- d:
	default:
		panic(fmt.Sprintf("envelope: %v: release of a decoder not owned by the pool", berr.ErrInvalidState))
	}
}

// Decode acquires a decoder, decodes raw and releases it. If no decoder can be
// acquired before ctx is done a fresh one is used.
func (p *Pool) Decode(ctx context.Context, raw []byte, meta hub.RecordMeta) (hub.MessageRecord, error) {
	d, err := p.Acquire(ctx)
	if err != nil {
		return NewDecoder().Decode(raw, meta)
	}
	defer p.Release(d)

	return d.Decode(raw, meta)
}
