package attempts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockWriter is a mock implementation of Writer
type MockWriter struct {
	mock.Mock
	mu      sync.Mutex
	written []*Event
}

func (m *MockWriter) Write(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, event)
	m.written = append(m.written, event)
	return args.Error(0)
}

func (m *MockWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

// blockingWriter holds every write until release is closed
type blockingWriter struct {
	release chan struct{}
}

func (b *blockingWriter) Write(context.Context, *Event) error {
	<-b.release
	return nil
}

func TestSink_StartStop(t *testing.T) {
	w := new(MockWriter)
	s := NewSink(w, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 2})

	assert.ErrorIs(t, s.Publish(&Event{}), ErrNotStarted)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.True(t, s.GetStats().Started)

	require.NoError(t, s.Stop(time.Second))
	assert.ErrorIs(t, s.Stop(time.Second), ErrNotStarted)
	assert.ErrorIs(t, s.Publish(&Event{}), ErrNotStarted, "publish after stop must not panic")
	assert.False(t, s.GetStats().Started)
}

func TestSink_DeliversQueuedEventsOnStop(t *testing.T) {
	w := new(MockWriter)
	w.On("Write", mock.Anything, mock.Anything).Return(nil)

	s := NewSink(w, zap.NewNop(), Config{BufferSize: 100, WorkerCount: 3})
	require.NoError(t, s.Start())

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Publish(&Event{RequestID: "r"}))
	}
	require.NoError(t, s.Stop(time.Second))

	assert.Equal(t, 50, w.count())
}

func TestSink_WriterErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := new(MockWriter)
	w.On("Write", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	s := NewSink(w, zap.New(core), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, s.Start())
	require.NoError(t, s.Publish(&Event{RequestID: "r1"}))
	require.NoError(t, s.Stop(time.Second))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to write attempt event", logs.All()[0].Message)
}

func TestSink_DropsWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	s := NewSink(w, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, s.Start())

	// the worker takes the first event and blocks; the second fills the buffer
	require.NoError(t, s.Publish(&Event{RequestID: "1"}))
	require.Eventually(t, func() bool { return s.GetStats().PendingEvents == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.Publish(&Event{RequestID: "2"}))

	assert.ErrorIs(t, s.Publish(&Event{RequestID: "3"}), ErrBufferFull)
	assert.Equal(t, uint64(1), s.GetStats().Dropped)

	close(w.release)
	require.NoError(t, s.Stop(time.Second))
}

func TestRecentWriter(t *testing.T) {
	w := NewRecentWriter(3)
	assert.Empty(t, w.Recent())

	for _, id := range []string{"a", "b"} {
		require.NoError(t, w.Write(context.Background(), &Event{RequestID: id}))
	}
	assert.Equal(t, []string{"b", "a"}, ids(w.Recent()))

	for _, id := range []string{"c", "d", "e"} {
		require.NoError(t, w.Write(context.Background(), &Event{RequestID: id}))
	}
	assert.Equal(t, []string{"e", "d", "c"}, ids(w.Recent()))
}

func TestLogWriterAndMultiWriter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	recent := NewRecentWriter(10)
	failing := new(MockWriter)
	failing.On("Write", mock.Anything, mock.Anything).Return(errors.New("boom"))

	mw := MultiWriter{NewLogWriter(zap.New(core)), failing, recent}
	err := mw.Write(context.Background(), &Event{
		RequestID: "r1",
		Success:   true,
		Provider:  "ollama",
		Records: []Record{
			{Provider: "openai", Outcome: "retryable_failure"},
			{Provider: "ollama", Outcome: "success"},
		},
	})
	assert.EqualError(t, err, "boom")
	assert.Len(t, recent.Recent(), 1, "later writers still run")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "r1", fields["request_id"])
	assert.Equal(t, []interface{}{"openai", "ollama"}, fields["attempted"])
}

func ids(events []*Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.RequestID
	}
	return out
}
