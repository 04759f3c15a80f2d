package settings

import (
	"context"

	"botgate/gate-service/internal/circuitbreaker"
)

type guarded struct {
	inner Reader
	cb    *circuitbreaker.CircuitBreaker
}

// Guarded routes reads through cb. While cb is open Snapshot fails at once
// with an error wrapping circuitbreaker.ErrOpen. Reads that fail after the
// caller's context ended say nothing about the store and are not counted.
func Guarded(r Reader, cb *circuitbreaker.CircuitBreaker) Reader {
	return &guarded{inner: r, cb: cb}
}

func (g *guarded) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := g.cb.Allow(); err != nil {
		return Snapshot{}, err
	}
	snap, err := g.inner.Snapshot(ctx)
	if err != nil && ctx.Err() != nil {
		g.cb.Release()
		return snap, err
	}
	g.cb.Record(err)
	return snap, err
}
