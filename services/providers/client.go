package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Strategy selects how the delay between retries grows.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyJittered    Strategy = "jittered"
)

// ParseStrategy validates a strategy name. Empty selects exponential.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyExponential, nil
	case StrategyExponential, StrategyLinear, StrategyFixed, StrategyJittered:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

const defaultJitteredFraction = 0.1

// Backoff describes the wait between attempts.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is a fraction of the computed delay added or removed at random.
	Jitter   float64
	Strategy Strategy
}

// Delay returns the wait before retry number n (n >= 1). random must return
// a value in [0, 1).
func (b Backoff) Delay(n int, random func() float64) time.Duration {
	if n < 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	base := float64(b.Base)

	var d float64
	jitter := b.Jitter
	switch b.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * float64(n)
	case StrategyJittered:
		d = base * math.Pow(mult, float64(n-1))
		if jitter <= 0 {
			jitter = defaultJitteredFraction
		}
	default:
		d = base * math.Pow(mult, float64(n-1))
	}

	if jitter > 0 && random != nil {
		spread := d * jitter
		d += spread * (2*random() - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// policy builds the backoff.BackOff that yields the Delay schedule. Plain
// exponential and fixed waits use the library's own policies.
func (b Backoff) policy(random func() float64) backoff.BackOff {
	if b.Jitter <= 0 {
		switch b.Strategy {
		case "", StrategyExponential:
			mult := b.Multiplier
			if mult <= 0 {
				mult = 2
			}
			ceiling := b.Max
			if ceiling <= 0 {
				ceiling = time.Duration(math.MaxInt64)
			}
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(b.Base),
				backoff.WithMultiplier(mult),
				backoff.WithMaxInterval(ceiling),
				backoff.WithRandomizationFactor(0),
				backoff.WithMaxElapsedTime(0),
			)
		case StrategyFixed:
			return backoff.NewConstantBackOff(b.Base)
		}
	}
	return &schedule{backoff: b, random: random}
}

// schedule walks Backoff.Delay for the linear and jittered strategies.
type schedule struct {
	backoff Backoff
	random  func() float64
	retry   int
}

func (s *schedule) NextBackOff() time.Duration {
	s.retry++
	return s.backoff.Delay(s.retry, s.random)
}

func (s *schedule) Reset() { s.retry = 0 }

// CallOptions configure one logical call.
type CallOptions struct {
	// Provider names the callee in errors and logs.
	Provider string
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// Retries after the first attempt; Retries=3 allows four attempts.
	Retries int
	Backoff Backoff
	Headers map[string]string
}

// Response is a raw provider response with status 2xx or 3xx.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Attempts   int
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Client is the HTTP transport shared by provider adapters. It owns
// per-attempt timeouts and transient-fault retries.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	sleep      Sleeper
	random     func() float64
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(s Sleeper) ClientOption {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithRandom replaces the jitter source.
func WithRandom(r func() float64) ClientOption {
	return func(c *Client) {
		c.random = r
	}
}

// NewClient creates a client. A nil httpClient uses a fresh http.Client
// without a global timeout; timeouts are applied per attempt.
func NewClient(httpClient *http.Client, logger *zap.Logger, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		random:     rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call POSTs payload to endpoint. Transient faults (429, 5xx, connection
// errors, attempt timeouts) are retried up to opts.Retries times with backoff.
// A non-429 4xx returns immediately as a non-retryable *ProviderError. When
// retries are exhausted the last error is returned. Caller cancellation
// aborts at once and returns the context error.
func (c *Client) Call(ctx context.Context, endpoint string, payload []byte, opts CallOptions) (*Response, error) {
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(opts.Backoff.policy(c.random), uint64(retries)), ctx)

	attempts := 0
	operation := func() (*Response, error) {
		attempts++
		resp, err := c.attempt(ctx, endpoint, payload, opts)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}

		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			provErr = NewProviderError(opts.Provider, "UNKNOWN_ERROR", "provider call failed", 0, false, err)
		}
		provErr.Attempts = attempts
		if !provErr.Retryable {
			return nil, backoff.Permanent(provErr)
		}
		return nil, provErr
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Debug("retrying provider call",
			zap.String("provider", opts.Provider),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	var timer backoff.Timer
	if c.sleep != nil {
		timer = newSleepTimer(ctx, c.sleep)
	}
	resp, err := backoff.RetryNotifyWithTimerAndData(operation, policy, notify, timer)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && provErr.Retryable {
			c.logger.Warn("provider call exhausted retries",
				zap.String("provider", opts.Provider),
				zap.Int("attempts", attempts),
				zap.Error(err))
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, endpoint string, payload []byte, opts CallOptions) (*Response, error) {
	attemptCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, NewProviderError(opts.Provider, "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, opts.Provider, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, attemptCtx, opts.Provider, err)
	}

	status := httpResp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return nil, NewProviderError(opts.Provider, "RATE_LIMITED", "rate limited", status, true, errors.New(snippet(body)))
	case status >= 500:
		return nil, NewProviderError(opts.Provider, "UPSTREAM_ERROR", "upstream error", status, true, errors.New(snippet(body)))
	case status >= 400:
		return nil, NewProviderError(opts.Provider, "CLIENT_ERROR", "request rejected", status, false, errors.New(snippet(body)))
	}

	return &Response{
		StatusCode: status,
		Body:       body,
		Header:     httpResp.Header,
	}, nil
}

func (c *Client) transportError(parent, attemptCtx context.Context, provider string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		pe := NewProviderError(provider, "TIMEOUT", "attempt timed out", 0, true, err)
		pe.Timeout = true
		return pe
	}
	return NewProviderError(provider, "CONNECTION_ERROR", "connection failed", 0, true, err)
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	if len(body) == 0 {
		return "empty body"
	}
	return string(body)
}

// sleepTimer drives the retry wait through a Sleeper. A sleeper error with a
// live context still releases the wait so the loop cannot stall.
type sleepTimer struct {
	ctx   context.Context
	sleep Sleeper
	c     chan time.Time
}

func newSleepTimer(ctx context.Context, sleep Sleeper) *sleepTimer {
	return &sleepTimer{ctx: ctx, sleep: sleep, c: make(chan time.Time, 1)}
}

func (t *sleepTimer) Start(d time.Duration) {
	if err := t.sleep(t.ctx, d); err != nil && t.ctx.Err() != nil {
		return
	}
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }
