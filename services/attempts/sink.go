package attempts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotStarted = errors.New("attempt sink not started")
	ErrBufferFull = errors.New("attempt sink buffer full")
)

// Record describes a single provider attempt within a logical request.
type Record struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	// Index is the zero-based position in the candidate order.
	Index int `json:"index"`
	// Outcome is one of success, retryable_failure or fatal_failure.
	Outcome   string `json:"outcome"`
	ErrorType string `json:"error_type,omitempty"`
	Error     string `json:"error,omitempty"`

	StatusCode        int           `json:"status_code,omitempty"`
	TransportAttempts int           `json:"transport_attempts"`
	Latency           time.Duration `json:"latency"`
	EstimatedTokens   int           `json:"estimated_tokens"`
	ActualTokens      int           `json:"actual_tokens"`
	StartedAt         time.Time     `json:"started_at"`
}

// Event summarizes one logical request for diagnostics.
type Event struct {
	RequestID string        `json:"request_id"`
	Model     string        `json:"model"`
	Strategy  string        `json:"strategy"`
	Success   bool          `json:"success"`
	Provider  string        `json:"provider,omitempty"`
	Cached    bool          `json:"cached"`
	Duration  time.Duration `json:"duration"`
	Records   []Record      `json:"records"`
	At        time.Time     `json:"at"`
}

// Writer persists or forwards events. Implementations must be safe for
// concurrent use by the sink workers.
type Writer interface {
	Write(ctx context.Context, event *Event) error
}

// Config holds configuration for the Sink
type Config struct {
	BufferSize   int // Size of the event buffer channel
	WorkerCount  int // Number of concurrent workers
	WriteTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// Sink delivers attempt events to a Writer off the request path.
type Sink struct {
	writer Writer
	logger *zap.Logger
	cfg    Config

	events  chan *Event
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
	dropped uint64
}

// NewSink creates a new Sink instance
func NewSink(writer Writer, logger *zap.Logger, cfg Config) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		writer: writer,
		logger: logger,
		cfg:    cfg,
		events: make(chan *Event, cfg.BufferSize),
	}
}

// Start starts the background workers
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("attempt sink already started")
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started attempt sink",
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Int("buffer_size", s.cfg.BufferSize))

	return nil
}

// Stop stops accepting events and waits up to timeout for queued events to
// be written.
func (s *Sink) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	close(s.events)
	s.mu.Unlock()

	s.logger.Info("stopping attempt sink", zap.Int("pending_events", len(s.events)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("attempt sink stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("attempt sink stop timeout after %v", timeout)
	}
}

// Publish queues an event without blocking. A full buffer drops the event.
func (s *Sink) Publish(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}

	select {
	case s.events <- event:
		return nil
	default:
		s.dropped++
		s.logger.Warn("attempt sink buffer full, dropping event",
			zap.String("request_id", event.RequestID))
		return ErrBufferFull
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()

	for event := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.writer.Write(ctx, event); err != nil {
			s.logger.Error("failed to write attempt event",
				zap.Int("worker_id", id),
				zap.String("request_id", event.RequestID),
				zap.Error(err))
		}
		cancel()
	}
}

// Stats represents sink statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Dropped       uint64 `json:"dropped"`
	Started       bool   `json:"started"`
}

// GetStats returns statistics about the sink
func (s *Sink) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.cfg.BufferSize,
		PendingEvents: len(s.events),
		WorkerCount:   s.cfg.WorkerCount,
		Dropped:       s.dropped,
		Started:       s.started && !s.stopped,
	}
}
