package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/inference-gateway/services"
	"go.uber.org/zap"
)

// MockWindow is a mock implementation of Window
type MockWindow struct {
	mock.Mock
}

func (m *MockWindow) TryReserve(ctx context.Context, tokens int64) (int64, bool, error) {
	args := m.Called(ctx, tokens)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockWindow) Adjust(ctx context.Context, bucket int64, delta int64) error {
	args := m.Called(ctx, bucket, delta)
	return args.Error(0)
}

func (m *MockWindow) Usage(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWindow) Ceiling() int64 {
	return int64(m.Called().Int(0))
}

func newService(window Window) *Service {
	return NewService(nil, window, Config{MaxTokensPerCall: 1000, RequestCeiling: 2000}, zap.NewNop())
}

func TestService_NewLedger(t *testing.T) {
	s := newService(nil)

	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{"default ceiling", 0, 2000},
		{"smaller budget wins", 500, 500},
		{"larger budget clamped", 5000, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.NewLedger("r1", tt.budget).Ceiling)
		})
	}

	unlimited := NewService(nil, nil, Config{}, nil)
	assert.Equal(t, 300, unlimited.NewLedger("r1", 300).Ceiling)
	assert.Zero(t, unlimited.NewLedger("r1", 0).Ceiling)
}

func TestService_Reserve(t *testing.T) {
	ctx := context.Background()

	t.Run("per-call cap", func(t *testing.T) {
		s := newService(nil)
		ledger := s.NewLedger("r1", 0)

		_, err := s.Reserve(ctx, ledger, "openai", 1001)
		require.Error(t, err)
		assert.True(t, services.IsMaxTokensError(err))
		assert.Zero(t, ledger.Used())
	})

	t.Run("request ceiling", func(t *testing.T) {
		s := newService(nil)
		ledger := s.NewLedger("r1", 1500)

		res, err := s.Reserve(ctx, ledger, "openai", 1000)
		require.NoError(t, err)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, 1000, ledger.Reserved())

		_, err = s.Reserve(ctx, ledger, "ollama", 600)
		require.Error(t, err)
		assert.True(t, services.IsTokenBudgetError(err))
		assert.Equal(t, "request", services.GetErrorDetails(err)["scope"])
		assert.Equal(t, 1000, ledger.Used())
	})

	t.Run("exactly at ceiling is allowed", func(t *testing.T) {
		s := newService(nil)
		ledger := s.NewLedger("r1", 1000)
		_, err := s.Reserve(ctx, ledger, "openai", 1000)
		assert.NoError(t, err)
		assert.Zero(t, ledger.Remaining())
	})

	t.Run("window rejects", func(t *testing.T) {
		w := new(MockWindow)
		w.On("TryReserve", ctx, int64(100)).Return(int64(7), false, nil)
		w.On("Ceiling").Return(50)
		s := newService(w)
		ledger := s.NewLedger("r1", 0)

		_, err := s.Reserve(ctx, ledger, "openai", 100)
		require.Error(t, err)
		assert.True(t, services.IsTokenBudgetError(err))
		assert.Equal(t, "window", services.GetErrorDetails(err)["scope"])
		assert.Zero(t, ledger.Used())
		w.AssertExpectations(t)
	})

	t.Run("window backend failure", func(t *testing.T) {
		w := new(MockWindow)
		w.On("TryReserve", ctx, int64(100)).Return(int64(0), false, errors.New("connection refused"))
		s := newService(w)

		_, err := s.Reserve(ctx, s.NewLedger("r1", 0), "openai", 100)
		assert.True(t, services.IsInternalError(err))
	})
}

func TestService_CommitAndRelease(t *testing.T) {
	ctx := context.Background()
	w := new(MockWindow)
	w.On("TryReserve", ctx, int64(300)).Return(int64(42), true, nil)
	w.On("Adjust", mock.Anything, int64(42), int64(-50)).Return(nil).Once()
	w.On("Adjust", mock.Anything, int64(42), int64(-300)).Return(nil).Once()

	s := newService(w)
	ledger := s.NewLedger("r1", 0)

	first, err := s.Reserve(ctx, ledger, "openai", 300)
	require.NoError(t, err)
	s.Commit(ctx, ledger, first, 250)
	assert.Equal(t, 250, ledger.Committed())
	assert.Zero(t, ledger.Reserved())

	// settled reservations are ignored
	s.Commit(ctx, ledger, first, 999)
	s.Release(ctx, ledger, first)
	assert.Equal(t, 250, ledger.Used())

	second, err := s.Reserve(ctx, ledger, "ollama", 300)
	require.NoError(t, err)
	assert.Equal(t, 550, ledger.Used())
	s.Release(ctx, ledger, second)
	assert.Equal(t, 250, ledger.Used())
	assert.Zero(t, ledger.Reserved())

	w.AssertExpectations(t)
}

func TestService_CommitNeverRejects(t *testing.T) {
	ctx := context.Background()
	w := new(MockWindow)
	w.On("TryReserve", ctx, int64(100)).Return(int64(1), true, nil)
	w.On("Adjust", mock.Anything, int64(1), int64(4900)).Return(errors.New("redis down"))

	s := newService(w)
	ledger := s.NewLedger("r1", 200)
	res, err := s.Reserve(ctx, ledger, "openai", 100)
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.Commit(ctx, ledger, res, 5000) })
	assert.Equal(t, 5000, ledger.Committed())
	assert.Zero(t, ledger.Remaining())

	// over-ceiling ledger rejects the next reservation before any call
	_, err = s.Reserve(ctx, ledger, "openai", 1)
	assert.True(t, services.IsTokenBudgetError(err))
}

func TestService_WithMemoryWindow(t *testing.T) {
	ctx := context.Background()
	window := NewMemoryWindow(WindowConfig{Ceiling: 500, Length: time.Minute})
	s := newService(window)

	a := s.NewLedger("a", 0)
	b := s.NewLedger("b", 0)

	resA, err := s.Reserve(ctx, a, "openai", 400)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, b, "openai", 200)
	require.Error(t, err, "window is shared across ledgers")
	assert.True(t, services.IsTokenBudgetError(err))

	s.Commit(ctx, a, resA, 100)
	used, err := window.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)

	_, err = s.Reserve(ctx, b, "openai", 200)
	assert.NoError(t, err)
}
