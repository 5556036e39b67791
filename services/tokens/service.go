package tokens

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/providers"
	"go.uber.org/zap"
)

// Ledger tracks token use for a single logical request. It is owned by the
// goroutine serving that request and is not safe for concurrent use.
type Ledger struct {
	RequestID string
	Ceiling   int

	reserved  int
	committed int
}

// Reserved returns tokens held by open reservations.
func (l *Ledger) Reserved() int { return l.reserved }

// Committed returns tokens reconciled from completed calls.
func (l *Ledger) Committed() int { return l.committed }

// Used returns reserved plus committed tokens.
func (l *Ledger) Used() int { return l.reserved + l.committed }

// Remaining returns the unused part of the ceiling, never negative.
func (l *Ledger) Remaining() int {
	if r := l.Ceiling - l.Used(); r > 0 {
		return r
	}
	return 0
}

// Reservation is a pre-call hold on the ledger and the window.
type Reservation struct {
	ID       string
	Tokens   int
	Provider string

	bucket   int64
	windowed bool
	settled  bool
}

// Config holds the limits enforced by Service.
type Config struct {
	MaxTokensPerCall int
	RequestCeiling   int
}

// Service is the token accounting entry point: it estimates, reserves and
// reconciles tokens against the per-request ledger and the shared window.
type Service struct {
	estimator *Estimator
	window    Window
	cfg       Config
	logger    *zap.Logger
}

// NewService creates a Service. window may be nil to disable the
// process-wide ceiling.
func NewService(estimator *Estimator, window Window, cfg Config, logger *zap.Logger) *Service {
	if estimator == nil {
		estimator = NewEstimator(nil, 0, false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		estimator: estimator,
		window:    window,
		cfg:       cfg,
		logger:    logger,
	}
}

// Estimate returns a conservative estimate for req.
func (s *Service) Estimate(req *providers.ChatRequest) Estimate {
	return s.estimator.Estimate(req)
}

// CountTokens counts tokens in free text.
func (s *Service) CountTokens(model, text string) int {
	return s.estimator.CountTokens(model, text)
}

// Window returns the shared window, or nil.
func (s *Service) Window() Window {
	return s.window
}

// NewLedger opens a ledger for one request. budget is the caller's own
// token budget; zero or less means the configured default ceiling. A budget
// above the default is clamped to it.
func (s *Service) NewLedger(requestID string, budget int) *Ledger {
	ceiling := s.cfg.RequestCeiling
	if budget > 0 && (ceiling <= 0 || budget < ceiling) {
		ceiling = budget
	}
	return &Ledger{RequestID: requestID, Ceiling: ceiling}
}

// Reserve holds estimate tokens before a provider call. It fails with a
// max_tokens error when estimate exceeds the per-call cap and with a
// token_budget error when the ledger or the window ceiling would be
// exceeded. Nothing is held when it fails.
func (s *Service) Reserve(ctx context.Context, ledger *Ledger, provider string, estimate int) (*Reservation, error) {
	if estimate < 0 {
		estimate = 0
	}
	if s.cfg.MaxTokensPerCall > 0 && estimate > s.cfg.MaxTokensPerCall {
		return nil, services.NewDomainError(services.ErrorTypeMaxTokens, "estimated tokens exceed per-call limit", nil).
			WithDetail("estimate", estimate).
			WithDetail("limit", s.cfg.MaxTokensPerCall)
	}
	if ledger.Ceiling > 0 && ledger.Used()+estimate > ledger.Ceiling {
		return nil, services.NewDomainError(services.ErrorTypeTokenBudget, "request token budget exceeded", nil).
			WithDetail("scope", "request").
			WithDetail("used", ledger.Used()).
			WithDetail("estimate", estimate).
			WithDetail("ceiling", ledger.Ceiling)
	}

	res := &Reservation{
		ID:       uuid.NewString(),
		Tokens:   estimate,
		Provider: provider,
	}

	if s.window != nil {
		bucket, ok, err := s.window.TryReserve(ctx, int64(estimate))
		if err != nil {
			return nil, services.WrapInternal("token window unavailable", err)
		}
		if !ok {
			return nil, services.NewDomainError(services.ErrorTypeTokenBudget, "token rate window exceeded", nil).
				WithDetail("scope", "window").
				WithDetail("estimate", estimate).
				WithDetail("ceiling", s.window.Ceiling())
		}
		res.bucket = bucket
		res.windowed = true
	}

	ledger.reserved += estimate
	return res, nil
}

// Commit reconciles a reservation with the actual usage reported by the
// provider. It never rejects: usage above the estimate is recorded as-is.
// A settled reservation is ignored.
func (s *Service) Commit(ctx context.Context, ledger *Ledger, res *Reservation, actual int) {
	if res == nil || res.settled {
		return
	}
	res.settled = true
	if actual < 0 {
		actual = 0
	}

	ledger.reserved -= res.Tokens
	if ledger.reserved < 0 {
		ledger.reserved = 0
	}
	ledger.committed += actual

	if res.windowed {
		if err := s.window.Adjust(context.WithoutCancel(ctx), res.bucket, int64(actual-res.Tokens)); err != nil {
			s.logger.Warn("failed to reconcile token window",
				zap.String("request_id", ledger.RequestID),
				zap.String("reservation_id", res.ID),
				zap.Error(err))
		}
	}
}

// Release returns an unused reservation, e.g. after a failed attempt.
// A settled reservation is ignored.
func (s *Service) Release(ctx context.Context, ledger *Ledger, res *Reservation) {
	if res == nil || res.settled {
		return
	}
	res.settled = true

	ledger.reserved -= res.Tokens
	if ledger.reserved < 0 {
		ledger.reserved = 0
	}

	if res.windowed {
		if err := s.window.Adjust(context.WithoutCancel(ctx), res.bucket, -int64(res.Tokens)); err != nil {
			s.logger.Warn("failed to release token window reservation",
				zap.String("request_id", ledger.RequestID),
				zap.String("reservation_id", res.ID),
				zap.Error(err))
		}
	}
}
