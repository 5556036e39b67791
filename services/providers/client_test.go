package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedServer answers with the given statuses in order, repeating the last.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(sleeper *recordingSleeper) *Client {
	return NewClient(nil, zap.NewNop(), WithSleeper(sleeper.Sleep), WithRandom(func() float64 { return 0.5 }))
}

func testOptions(retries int) CallOptions {
	return CallOptions{
		Provider: "openai",
		Timeout:  time.Second,
		Retries:  retries,
		Backoff:  Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2},
	}
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	srv, calls := scriptedServer(t, 429, 429, 200)
	sleeper := &recordingSleeper{}

	resp, err := newTestClient(sleeper).Call(context.Background(), srv.URL, []byte(`{}`), testOptions(3))

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestClient_ExhaustsRetries(t *testing.T) {
	srv, calls := scriptedServer(t, 429, 429, 429, 429)
	sleeper := &recordingSleeper{}

	resp, err := newTestClient(sleeper).Call(context.Background(), srv.URL, []byte(`{}`), testOptions(3))

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, int32(4), calls.Load())

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.True(t, provErr.Retryable)
	assert.Equal(t, 429, provErr.StatusCode)
	assert.Equal(t, 4, provErr.Attempts)
	assert.Len(t, sleeper.delays, 3)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantRetryable bool
		wantCalls     int32
	}{
		{name: "ok", status: 200, wantCalls: 1},
		{name: "redirect passes through", status: 304, wantCalls: 1},
		{name: "bad request is fatal", status: 400, wantErr: true, wantCalls: 1},
		{name: "unauthorized is fatal", status: 401, wantErr: true, wantCalls: 1},
		{name: "server error retried", status: 503, wantErr: true, wantRetryable: true, wantCalls: 3},
		{name: "rate limit retried", status: 429, wantErr: true, wantRetryable: true, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := scriptedServer(t, tt.status)
			_, err := newTestClient(&recordingSleeper{}).Call(context.Background(), srv.URL, nil, testOptions(2))

			assert.Equal(t, tt.wantCalls, calls.Load())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestClient_AttemptTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions(1)
	opts.Timeout = 20 * time.Millisecond
	_, err := newTestClient(&recordingSleeper{}).Call(context.Background(), srv.URL, nil, opts)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(&recordingSleeper{}).Call(context.Background(), url, nil, testOptions(1))

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "CONNECTION_ERROR", provErr.Code)
	assert.True(t, provErr.Retryable)
	assert.False(t, provErr.Timeout)
	assert.Equal(t, 2, provErr.Attempts)
}

func TestClient_CallerCancellationAborts(t *testing.T) {
	srv, calls := scriptedServer(t, 503)
	ctx, cancel := context.WithCancel(context.Background())

	client := NewClient(nil, zap.NewNop(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := client.Call(ctx, srv.URL, nil, testOptions(5))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SendsHeadersAndPayload(t *testing.T) {
	var gotAuth, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = io.WriteString(w, "done")
	}))
	defer srv.Close()

	opts := testOptions(0)
	opts.Headers = map[string]string{"Authorization": "Bearer k"}
	resp, err := newTestClient(&recordingSleeper{}).Call(context.Background(), srv.URL, []byte(`{"a":1}`), opts)

	require.NoError(t, err)
	assert.Equal(t, "done", string(resp.Body))
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"a":1}`, gotBody)
}

func TestBackoff_Delay(t *testing.T) {
	half := func() float64 { return 0.5 }
	high := func() float64 { return 1 }

	tests := []struct {
		name    string
		backoff Backoff
		random  func() float64
		want    []time.Duration
	}{
		{
			name:    "exponential",
			backoff: Backoff{Base: 100 * time.Millisecond, Multiplier: 2},
			random:  half,
			want:    []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		},
		{
			name:    "exponential default multiplier capped",
			backoff: Backoff{Base: time.Second, Max: 3 * time.Second},
			random:  half,
			want:    []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name:    "linear",
			backoff: Backoff{Base: 100 * time.Millisecond, Strategy: StrategyLinear},
			random:  half,
			want:    []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond},
		},
		{
			name:    "fixed",
			backoff: Backoff{Base: 50 * time.Millisecond, Strategy: StrategyFixed},
			random:  half,
			want:    []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond},
		},
		{
			name:    "jittered uses default fraction",
			backoff: Backoff{Base: 100 * time.Millisecond, Strategy: StrategyJittered},
			random:  high,
			want:    []time.Duration{110 * time.Millisecond, 220 * time.Millisecond, 440 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.backoff.Delay(i+1, tt.random), "retry %d", i+1)
			}
			assert.Zero(t, tt.backoff.Delay(0, tt.random))
		})
	}
}

func TestBackoff_PolicyFollowsDelay(t *testing.T) {
	half := func() float64 { return 0.5 }

	tests := []struct {
		name    string
		backoff Backoff
	}{
		{"exponential", Backoff{Base: 100 * time.Millisecond, Multiplier: 2}},
		{"exponential capped", Backoff{Base: time.Second, Max: 3 * time.Second}},
		{"fixed", Backoff{Base: 50 * time.Millisecond, Strategy: StrategyFixed}},
		{"linear", Backoff{Base: 100 * time.Millisecond, Strategy: StrategyLinear}},
		{"jittered", Backoff{Base: 100 * time.Millisecond, Strategy: StrategyJittered}},
		{"exponential with jitter", Backoff{Base: 100 * time.Millisecond, Jitter: 0.2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := tt.backoff.policy(half)
			policy.Reset()
			for n := 1; n <= 4; n++ {
				assert.Equal(t, tt.backoff.Delay(n, half), policy.NextBackOff(), "retry %d", n)
			}
			policy.Reset()
			assert.Equal(t, tt.backoff.Delay(1, half), policy.NextBackOff())
		})
	}
}

func TestClient_ZeroRetriesMakesOneAttempt(t *testing.T) {
	srv, calls := scriptedServer(t, 503)
	sleeper := &recordingSleeper{}

	_, err := newTestClient(sleeper).Call(context.Background(), srv.URL, nil, testOptions(0))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeper.delays)
}

func TestClient_SleeperErrorDoesNotStall(t *testing.T) {
	srv, calls := scriptedServer(t, 503, 200)
	client := NewClient(nil, zap.NewNop(), WithSleeper(func(context.Context, time.Duration) error {
		return errors.New("clock unavailable")
	}))

	resp, err := client.Call(context.Background(), srv.URL, nil, testOptions(2))

	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_DefaultTimerWaits(t *testing.T) {
	srv, calls := scriptedServer(t, 502, 200)
	opts := testOptions(1)
	opts.Backoff = Backoff{Base: 20 * time.Millisecond, Strategy: StrategyFixed}

	start := time.Now()
	resp, err := NewClient(nil, zap.NewNop()).Call(context.Background(), srv.URL, nil, opts)

	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyExponential, s)

	s, err = ParseStrategy("linear")
	require.NoError(t, err)
	assert.Equal(t, StrategyLinear, s)

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
