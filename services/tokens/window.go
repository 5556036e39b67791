package tokens

import (
	"context"
	"sync"
	"time"
)

// Window is a process-wide rolling token counter shared by all requests.
// Amounts are booked into time buckets; a bucket falls out of the window
// once it is older than the window length.
type Window interface {
	// TryReserve books tokens into the current bucket if the window total
	// plus tokens stays within the ceiling. ok is false when it would not.
	TryReserve(ctx context.Context, tokens int64) (bucket int64, ok bool, err error)

	// Adjust adds delta (possibly negative) to a bucket. Buckets never go
	// below zero and expired buckets are left alone.
	Adjust(ctx context.Context, bucket int64, delta int64) error

	// Usage returns the current window total.
	Usage(ctx context.Context) (int64, error)

	// Ceiling returns the configured ceiling.
	Ceiling() int64
}

// WindowConfig is shared by all window backends.
type WindowConfig struct {
	Ceiling int64
	Length  time.Duration
	// Buckets is the number of buckets per window. Defaults to 60.
	Buckets int
}

func (c WindowConfig) bucketSize() time.Duration {
	n := c.Buckets
	if n <= 0 {
		n = 60
	}
	length := c.Length
	if length <= 0 {
		length = time.Minute
	}
	size := length / time.Duration(n)
	if size < time.Millisecond {
		size = time.Millisecond
	}
	return size
}

// span returns the number of buckets covering the window.
func (c WindowConfig) span() int64 {
	length := c.Length
	if length <= 0 {
		length = time.Minute
	}
	size := c.bucketSize()
	return int64((length + size - 1) / size)
}

func bucketOf(t time.Time, size time.Duration) int64 {
	return t.UnixNano() / int64(size)
}

// MemoryWindow keeps buckets in process memory.
type MemoryWindow struct {
	mu      sync.Mutex
	cfg     WindowConfig
	size    time.Duration
	now     func() time.Time
	buckets map[int64]int64
}

// NewMemoryWindow creates an in-process window.
func NewMemoryWindow(cfg WindowConfig) *MemoryWindow {
	return &MemoryWindow{
		cfg:     cfg,
		size:    cfg.bucketSize(),
		now:     time.Now,
		buckets: make(map[int64]int64),
	}
}

// TryReserve implements Window.
func (w *MemoryWindow) TryReserve(_ context.Context, tokens int64) (int64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := bucketOf(w.now(), w.size)
	w.prune(current)

	if w.total()+tokens > w.cfg.Ceiling {
		return current, false, nil
	}
	w.buckets[current] += tokens
	return current, true, nil
}

// Adjust implements Window.
func (w *MemoryWindow) Adjust(_ context.Context, bucket int64, delta int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(bucketOf(w.now(), w.size))
	v, ok := w.buckets[bucket]
	if !ok {
		return nil
	}
	v += delta
	if v < 0 {
		v = 0
	}
	w.buckets[bucket] = v
	return nil
}

// Usage implements Window.
func (w *MemoryWindow) Usage(_ context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(bucketOf(w.now(), w.size))
	return w.total(), nil
}

// Ceiling implements Window.
func (w *MemoryWindow) Ceiling() int64 {
	return w.cfg.Ceiling
}

func (w *MemoryWindow) prune(current int64) {
	oldest := current - w.cfg.span() + 1
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
}

func (w *MemoryWindow) total() int64 {
	var sum int64
	for _, v := range w.buckets {
		sum += v
	}
	return sum
}
