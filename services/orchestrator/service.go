package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/inference-gateway/internal/observability"
	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/attempts"
	"github.com/upb/inference-gateway/services/cache"
	"github.com/upb/inference-gateway/services/problems"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/resilience"
	"github.com/upb/inference-gateway/services/routing"
	"github.com/upb/inference-gateway/services/tokens"
	"go.uber.org/zap"
)

// Dependencies groups the collaborators of the orchestrator. Cache, Sink and
// Metrics are optional.
type Dependencies struct {
	Registry *providers.Registry
	Router   *routing.RoutingService
	Guards   *resilience.Guards
	Tokens   *tokens.Service
	Cache    *cache.ResponseCache
	Sink     *attempts.Sink
	Metrics  *observability.Metrics
}

// Service drives a request across candidate providers in router order.
// It is safe for concurrent use; all per-request state lives on the stack.
type Service struct {
	registry *providers.Registry
	router   *routing.RoutingService
	guards   *resilience.Guards
	tokens   *tokens.Service
	cache    *cache.ResponseCache
	sink     *attempts.Sink
	metrics  *observability.Metrics
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a new orchestrator
func NewService(deps Dependencies, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: deps.Registry,
		router:   deps.Router,
		guards:   deps.Guards,
		tokens:   deps.Tokens,
		cache:    deps.Cache,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// Perform runs Infer and maps any failure to a Problem. Exactly one of the
// return values is non-nil.
func (s *Service) Perform(ctx context.Context, req InferenceRequest) (*InferenceResult, *problems.Problem) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	result, err := s.Infer(ctx, req)
	if err != nil {
		return nil, problems.Map(err, req.RequestID)
	}
	return result, nil
}

// Infer serves req from the cache or from the first candidate provider that
// succeeds. Attempts are strictly sequential. A retryable failure advances to
// the next candidate when fallback is enabled; a fatal failure stops at once.
// The returned error is the last attempt's error.
func (s *Service) Infer(ctx context.Context, req InferenceRequest) (*InferenceResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.router.Config().DefaultStrategy
	}

	logger := s.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("strategy", string(strategy)))

	if err := validate(req); err != nil {
		s.finish(req, strategy, start, nil, nil, false)
		return nil, err
	}

	chatReq := toChatRequest(req)
	estimate := s.tokens.Estimate(chatReq)

	var cacheKey cache.Key
	useCache := s.cache != nil && s.cfg.CacheEnabled && !req.NoCache
	if useCache {
		cacheKey = cache.KeyFor(chatReq, string(strategy))
		if resp := s.cache.Get(cacheKey); resp != nil {
			// the cached completion carries no request metadata
			resp.Metadata = copyMetadata(chatReq.Metadata)
			s.metrics.ObserveCache(true)
			logger.Debug("served from cache", zap.String("provider", resp.Provider))
			result := &InferenceResult{
				RequestID: req.RequestID,
				Provider:  resp.Provider,
				Model:     resp.Model,
				Strategy:  strategy,
				Response:  resp,
				Usage:     resp.Usage,
				Estimate:  estimate,
				Cached:    true,
				Latency:   time.Since(start),
			}
			s.finish(req, strategy, start, result, nil, true)
			return result, nil
		}
		s.metrics.ObserveCache(false)
	}

	candidates, err := s.router.Route(routing.Request{
		Model:       req.Model,
		Strategy:    strategy,
		PreferLocal: req.PreferLocal,
	}, s.registry.Descriptors(), s.guards)
	if err != nil {
		logger.Warn("routing failed", zap.Error(err))
		s.finish(req, strategy, start, nil, nil, false)
		return nil, err
	}

	ledger := s.tokens.NewLedger(req.RequestID, req.TokenBudget)
	records := make([]AttemptRecord, 0, len(candidates))
	var lastErr error

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		out, rec := s.attempt(ctx, i, cand, chatReq, estimate, ledger)
		records = append(records, rec)
		s.metrics.ObserveAttempt(rec.Provider, rec.Outcome, rec.Latency)

		if out.Kind == OutcomeSuccess {
			resp := out.Response
			cost := float64(resp.Usage.TotalTokens) * cand.Descriptor.CostPerToken
			s.metrics.ObserveTokens(cand.Descriptor.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)
			if useCache {
				s.cache.Set(cacheKey, resp)
			}

			result := &InferenceResult{
				RequestID: req.RequestID,
				Provider:  cand.Descriptor.Name,
				Model:     resp.Model,
				Strategy:  strategy,
				Response:  resp,
				Usage:     resp.Usage,
				Estimate:  estimate,
				Cost:      cost,
				Latency:   time.Since(start),
				Attempts:  records,
			}
			logger.Info("inference completed",
				zap.String("provider", result.Provider),
				zap.Int("attempts", len(records)),
				zap.Int("tokens", resp.Usage.TotalTokens),
				zap.Float64("cost", cost),
				zap.Duration("latency", result.Latency))
			s.finish(req, strategy, start, result, records, false)
			return result, nil
		}

		lastErr = out.Err
		logger.Warn("provider attempt failed",
			zap.String("provider", cand.Descriptor.Name),
			zap.Int("attempt", i),
			zap.String("outcome", out.Kind.String()),
			zap.Error(out.Err))

		if out.Kind == OutcomeFatalFailure || !s.cfg.EnableFallback {
			break
		}
	}

	if lastErr == nil {
		lastErr = services.NewDomainError(services.ErrorTypeNoEligibleProvider, "no provider attempt was made", nil)
	}
	logger.Error("inference failed", zap.Int("attempts", len(records)), zap.Error(lastErr))
	s.finish(req, strategy, start, nil, records, false)
	return nil, lastErr
}

// attempt performs reserve, bulkhead, breaker and call for one candidate.
// Slot release, breaker report and reservation release are deferred.
func (s *Service) attempt(
	ctx context.Context,
	index int,
	cand routing.Candidate,
	chatReq *providers.ChatRequest,
	estimate tokens.Estimate,
	ledger *tokens.Ledger,
) (out Outcome, rec AttemptRecord) {
	desc := cand.Descriptor
	started := time.Now()
	rec = AttemptRecord{
		ID:              uuid.NewString(),
		Provider:        desc.Name,
		Index:           index,
		EstimatedTokens: estimate.Total,
		StartedAt:       started,
	}
	defer func() {
		rec.Latency = time.Since(started)
		rec.Outcome = out.Kind.String()
		if out.Err != nil {
			rec.Error = out.Err.Error()
			rec.ErrorType = errorType(out.Err)
		}
	}()

	provider, err := s.registry.Get(desc.Name)
	if err != nil {
		return Outcome{Kind: OutcomeFatalFailure, Err: services.WrapInternal("provider not registered", err)}, rec
	}
	guard, err := s.guards.Get(desc.Name)
	if err != nil {
		return Outcome{Kind: OutcomeFatalFailure, Err: services.WrapInternal("provider has no guard", err)}, rec
	}

	// 1. reserve tokens
	reservation, err := s.tokens.Reserve(ctx, ledger, desc.Name, estimate.Total)
	if err != nil {
		switch {
		case services.IsTokenBudgetError(err):
			scope, _ := services.GetErrorDetails(err)["scope"].(string)
			s.metrics.ObserveTokenRejection(scope)
			return Outcome{Kind: OutcomeRetryableFailure, Err: err}, rec
		case services.IsMaxTokensError(err):
			s.metrics.ObserveTokenRejection("per_call")
			return Outcome{Kind: OutcomeFatalFailure, Err: err}, rec
		default:
			return Outcome{Kind: OutcomeFatalFailure, Err: err}, rec
		}
	}
	committed := false
	defer func() {
		if !committed {
			s.tokens.Release(ctx, ledger, reservation)
		}
	}()

	// 2. acquire a bulkhead slot
	slot, err := guard.Bulkhead.Acquire(ctx)
	if err != nil {
		if services.IsBulkheadError(err) {
			s.metrics.ObserveBulkheadRejected(desc.Name)
			return Outcome{Kind: OutcomeRetryableFailure, Err: err}, rec
		}
		return Outcome{Kind: OutcomeFatalFailure, Err: err}, rec
	}
	s.metrics.SetBulkheadInFlight(desc.Name, guard.Bulkhead.Stats().InFlight)
	defer func() {
		slot.Release()
		s.metrics.SetBulkheadInFlight(desc.Name, guard.Bulkhead.Stats().InFlight)
	}()

	// 3. check the circuit
	ticket, err := guard.Breaker.Allow()
	if err != nil {
		return Outcome{Kind: OutcomeRetryableFailure, Err: err}, rec
	}
	report := resilience.ResultIgnored
	defer func() { guard.Breaker.Report(ticket, report) }()

	// 4. call
	attemptReq := *chatReq
	attemptReq.Model = desc.ResolveModel(chatReq.Model)

	resp, err := provider.ChatCompletion(ctx, &attemptReq)
	if err != nil {
		var kind OutcomeKind
		kind, report = classifyCallError(ctx, err)
		if report == resilience.ResultFailure {
			s.router.Tracker().Observe(desc.Name, false)
		}
		var provErr *providers.ProviderError
		if errors.As(err, &provErr) {
			rec.StatusCode = provErr.StatusCode
			rec.TransportAttempts = provErr.Attempts
		}
		return Outcome{Kind: kind, Err: wrapCallError(ctx, desc.Name, err)}, rec
	}

	report = resilience.ResultSuccess
	s.router.Tracker().Observe(desc.Name, true)

	// 5. reconcile tokens; a provider that reports no usage is charged the
	// estimated prompt plus the counted completion
	actual := resp.Usage.TotalTokens
	if actual <= 0 {
		actual = estimate.Prompt
		for _, c := range resp.Choices {
			actual += s.tokens.CountTokens(attemptReq.Model, c.Message.Content)
		}
	}
	s.tokens.Commit(ctx, ledger, reservation, actual)
	committed = true

	if resp.Provider == "" {
		resp.Provider = desc.Name
	}
	rec.ActualTokens = actual
	rec.TransportAttempts = resp.Attempts
	rec.StatusCode = 200
	return Outcome{Kind: OutcomeSuccess, Response: resp}, rec
}

// classifyCallError decides whether the loop may advance and what the
// breaker is told. Caller cancellation and client errors do not count
// against provider health.
func classifyCallError(ctx context.Context, err error) (OutcomeKind, resilience.CallResult) {
	if ctx.Err() != nil {
		return OutcomeFatalFailure, resilience.ResultIgnored
	}
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		if provErr.Retryable || provErr.Timeout {
			return OutcomeRetryableFailure, resilience.ResultFailure
		}
		return OutcomeFatalFailure, resilience.ResultIgnored
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetryableFailure, resilience.ResultFailure
	}
	return OutcomeFatalFailure, resilience.ResultIgnored
}

// wrapCallError tags a failed provider call as a timeout or an external
// failure. Caller cancellation is returned untouched.
func wrapCallError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var provErr *providers.ProviderError
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &provErr) && provErr.Timeout) {
		return services.NewDomainError(services.ErrorTypeProviderTimeout, "provider timed out", err).
			WithDetail("provider", provider)
	}
	return services.WrapExternal(provider+" call failed", err)
}

func errorType(err error) string {
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) && provErr.Code != "" {
		return provErr.Code
	}
	if t := services.GetErrorType(err); t != "" {
		return string(t)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return "unknown"
}

func validate(req InferenceRequest) error {
	if len(req.Messages) == 0 {
		return services.NewDomainError(services.ErrorTypeValidation, "at least one message is required", nil).
			WithDetail("field", "messages")
	}
	if req.Stream {
		return services.NewDomainError(services.ErrorTypeValidation, "streaming responses are not supported", nil).
			WithDetail("field", "stream")
	}
	if req.MaxTokens < 0 || req.TokenBudget < 0 {
		return services.NewDomainError(services.ErrorTypeValidation, "token limits must be non-negative", nil)
	}
	return nil
}

func toChatRequest(req InferenceRequest) *providers.ChatRequest {
	msgs := make([]providers.Message, len(req.Messages))
	copy(msgs, req.Messages)
	meta := copyMetadata(req.Metadata)
	meta["request_id"] = req.RequestID

	return &providers.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.User,
		Metadata:    meta,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// finish records metrics and publishes the attempt event.
func (s *Service) finish(req InferenceRequest, strategy routing.RoutingStrategy, start time.Time, result *InferenceResult, records []AttemptRecord, cached bool) {
	duration := time.Since(start)
	status := "failure"
	switch {
	case cached:
		status = "cached"
	case result != nil:
		status = "success"
	}
	s.metrics.ObserveRequest(status, string(strategy), duration)

	if s.sink == nil {
		return
	}
	event := &attempts.Event{
		RequestID: req.RequestID,
		Model:     req.Model,
		Strategy:  string(strategy),
		Success:   result != nil,
		Cached:    cached,
		Duration:  duration,
		Records:   records,
		At:        start,
	}
	if result != nil {
		event.Provider = result.Provider
	}
	if err := s.sink.Publish(event); err != nil {
		s.logger.Debug("attempt event not published",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}
