package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/inference-gateway/services"
	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds the number of concurrent in-flight calls to one provider.
// A ceiling of zero or less means unlimited concurrency.
type Bulkhead struct {
	provider       string
	ceiling        int64
	acquireTimeout time.Duration
	sem            *semaphore.Weighted

	inFlight atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead. With acquireTimeout == 0 a saturated
// bulkhead fails immediately; otherwise Acquire waits up to the timeout.
func NewBulkhead(provider string, ceiling int, acquireTimeout time.Duration) *Bulkhead {
	b := &Bulkhead{
		provider:       provider,
		ceiling:        int64(ceiling),
		acquireTimeout: acquireTimeout,
	}
	if ceiling > 0 {
		b.sem = semaphore.NewWeighted(int64(ceiling))
	}
	return b
}

// Slot is a held bulkhead permit.
type Slot struct {
	once sync.Once
	b    *Bulkhead
}

// Release returns the permit. Only the first call has an effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.b.sem != nil {
			s.b.sem.Release(1)
		}
		s.b.inFlight.Add(-1)
		s.b.released.Add(1)
	})
}

// Acquire obtains a slot or fails with a bulkhead error. Caller cancellation
// is returned as the context error so it is not mistaken for saturation.
func (b *Bulkhead) Acquire(ctx context.Context) (*Slot, error) {
	if b.sem == nil {
		return b.grant(), nil
	}

	if b.acquireTimeout <= 0 {
		if !b.sem.TryAcquire(1) {
			b.rejected.Add(1)
			return nil, b.fullError()
		}
		return b.grant(), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.rejected.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, b.fullError()
		}
		return nil, err
	}
	return b.grant(), nil
}

func (b *Bulkhead) grant() *Slot {
	b.inFlight.Add(1)
	b.acquired.Add(1)
	return &Slot{b: b}
}

func (b *Bulkhead) fullError() error {
	return services.NewDomainError(services.ErrorTypeBulkheadFull, "provider concurrency limit reached", nil).
		WithDetail("provider", b.provider).
		WithDetail("ceiling", b.ceiling)
}

// Provider returns the guarded provider name.
func (b *Bulkhead) Provider() string {
	return b.provider
}

// BulkheadStats is a snapshot of bulkhead counters.
type BulkheadStats struct {
	Ceiling  int64 `json:"ceiling"`
	InFlight int64 `json:"in_flight"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Rejected int64 `json:"rejected"`
}

// Stats returns the current counters.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Ceiling:  b.ceiling,
		InFlight: b.inFlight.Load(),
		Acquired: b.acquired.Load(),
		Released: b.released.Load(),
		Rejected: b.rejected.Load(),
	}
}

// HasCapacity reports whether a slot is currently free. Advisory only.
func (b *Bulkhead) HasCapacity() bool {
	if b.sem == nil {
		return true
	}
	return b.inFlight.Load() < b.ceiling
}
