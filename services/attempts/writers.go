package attempts

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogWriter writes events as structured log lines.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

// Write implements Writer.
func (w *LogWriter) Write(_ context.Context, event *Event) error {
	providers := make([]string, len(event.Records))
	outcomes := make([]string, len(event.Records))
	for i, r := range event.Records {
		providers[i] = r.Provider
		outcomes[i] = r.Outcome
	}
	w.logger.Info("inference attempts",
		zap.String("request_id", event.RequestID),
		zap.String("model", event.Model),
		zap.String("strategy", event.Strategy),
		zap.Bool("success", event.Success),
		zap.String("provider", event.Provider),
		zap.Bool("cached", event.Cached),
		zap.Duration("duration", event.Duration),
		zap.Strings("attempted", providers),
		zap.Strings("outcomes", outcomes))
	return nil
}

// RecentWriter keeps the last N events in memory.
type RecentWriter struct {
	mu     sync.Mutex
	events []*Event
	next   int
	full   bool
}

// NewRecentWriter creates a RecentWriter holding up to size events.
func NewRecentWriter(size int) *RecentWriter {
	if size <= 0 {
		size = 100
	}
	return &RecentWriter{events: make([]*Event, size)}
}

// Write implements Writer.
func (w *RecentWriter) Write(_ context.Context, event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events[w.next] = event
	w.next = (w.next + 1) % len(w.events)
	if w.next == 0 {
		w.full = true
	}
	return nil
}

// Recent returns held events, newest first.
func (w *RecentWriter) Recent() []*Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.full {
		n = len(w.events)
	}
	out := make([]*Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (w.next - i + len(w.events)) % len(w.events)
		out = append(out, w.events[idx])
	}
	return out
}

// MultiWriter fans an event out to several writers, returning the first error.
type MultiWriter []Writer

// Write implements Writer.
func (m MultiWriter) Write(ctx context.Context, event *Event) error {
	var first error
	for _, w := range m {
		if err := w.Write(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
