package handlers

import (
	"context"
	"net/http"

	"github.com/upb/inference-gateway/middleware"
	"github.com/upb/inference-gateway/services/orchestrator"
	"github.com/upb/inference-gateway/services/problems"
	"github.com/upb/inference-gateway/services/providers"
	"github.com/upb/inference-gateway/services/routing"
	"github.com/upb/inference-gateway/utils"
	"go.uber.org/zap"
)

// InferenceRequestBody is the JSON body of POST /api/v1/inference
type InferenceRequestBody struct {
	Model       string            `json:"model,omitempty" validate:"omitempty,max=256"`
	Messages    []ChatMessage     `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature float64           `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	TopP        float64           `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	Stop        []string          `json:"stop,omitempty" validate:"max=4"`
	User        string            `json:"user,omitempty" validate:"max=256"`
	Stream      bool              `json:"stream,omitempty"`
	Strategy    string            `json:"strategy,omitempty" validate:"omitempty,oneof=cost-optimized latency-optimized local-first cascading predictive"`
	PreferLocal *bool             `json:"prefer_local,omitempty"`
	TokenBudget int               `json:"token_budget,omitempty" validate:"gte=0"`
	NoCache     bool              `json:"no_cache,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"max=16"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
	Name    string `json:"name,omitempty"`
}

// InferenceService is the orchestrator boundary used by the handler
type InferenceService interface {
	Perform(ctx context.Context, req orchestrator.InferenceRequest) (*orchestrator.InferenceResult, *problems.Problem)
}

// InferenceHandler handles inference-related HTTP requests
type InferenceHandler struct {
	service InferenceService
	logger  *zap.Logger
}

// NewInferenceHandler creates a new InferenceHandler
func NewInferenceHandler(service InferenceService, logger *zap.Logger) *InferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceHandler{
		service: service,
		logger:  logger,
	}
}

// HandleInference handles POST /api/v1/inference
func (h *InferenceHandler) HandleInference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var body InferenceRequestBody
	if err := utils.DecodeJSON(r, &body); err != nil {
		HandleServiceError(w, err, requestID, h.logger)
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleServiceError(w, err, requestID, h.logger)
		return
	}

	h.logger.Debug("processing inference request",
		zap.String("request_id", requestID),
		zap.String("model", body.Model),
		zap.String("strategy", body.Strategy),
		zap.Int("messages", len(body.Messages)))

	result, problem := h.service.Perform(ctx, body.toInferenceRequest(requestID))
	if problem != nil {
		writeProblem(w, problem, nil, h.logger)
		return
	}

	h.logger.Info("inference completed",
		zap.String("request_id", result.RequestID),
		zap.String("provider", result.Provider),
		zap.String("model", result.Model),
		zap.Bool("cached", result.Cached),
		zap.Int("attempts", len(result.Attempts)),
		zap.Int("total_tokens", result.Usage.TotalTokens),
		zap.Float64("cost", result.Cost))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (b InferenceRequestBody) toInferenceRequest(requestID string) orchestrator.InferenceRequest {
	msgs := make([]providers.Message, len(b.Messages))
	for i, m := range b.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return orchestrator.InferenceRequest{
		RequestID:   requestID,
		Model:       b.Model,
		Messages:    msgs,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		TopP:        b.TopP,
		Stop:        b.Stop,
		User:        b.User,
		Stream:      b.Stream,
		Strategy:    routing.RoutingStrategy(b.Strategy),
		PreferLocal: b.PreferLocal,
		TokenBudget: b.TokenBudget,
		NoCache:     b.NoCache,
		Metadata:    b.Metadata,
	}
}
