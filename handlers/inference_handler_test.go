package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/inference-gateway/middleware"
	"github.com/upb/inference-gateway/services"
	"github.com/upb/inference-gateway/services/orchestrator"
	"github.com/upb/inference-gateway/services/problems"
	"github.com/upb/inference-gateway/services/providers"
	"go.uber.org/zap"
)

// MockInferenceService is a mock implementation of InferenceService
type MockInferenceService struct {
	mock.Mock
}

func (m *MockInferenceService) Perform(ctx context.Context, req orchestrator.InferenceRequest) (*orchestrator.InferenceResult, *problems.Problem) {
	args := m.Called(ctx, req)
	var result *orchestrator.InferenceResult
	if v := args.Get(0); v != nil {
		result = v.(*orchestrator.InferenceResult)
	}
	var problem *problems.Problem
	if v := args.Get(1); v != nil {
		problem = v.(*problems.Problem)
	}
	return result, problem
}

func newInferenceRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inference", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithRequestID(req.Context(), "req-123"))
}

func TestHandleInference(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful inference", func(t *testing.T) {
		mockService := new(MockInferenceService)
		handler := NewInferenceHandler(mockService, logger)

		result := &orchestrator.InferenceResult{
			RequestID: "req-123",
			Provider:  "groq",
			Model:     "llama3-70b",
			Strategy:  "cascading",
			Response: &providers.ChatResponse{
				ID:    "chatcmpl-1",
				Model: "llama3-70b",
				Choices: []providers.Choice{
					{Index: 0, Message: providers.Message{Role: "assistant", Content: "Hi there"}, FinishReason: "stop"},
				},
			},
			Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
			Cost:  0.000026,
		}

		preferLocal := true
		mockService.On("Perform", mock.Anything, mock.MatchedBy(func(req orchestrator.InferenceRequest) bool {
			return req.RequestID == "req-123" &&
				req.Model == "llama3-70b" &&
				req.Strategy == "cascading" &&
				req.PreferLocal != nil && *req.PreferLocal &&
				req.TokenBudget == 500 &&
				len(req.Messages) == 2 &&
				req.Messages[1].Content == "Hello"
		})).Return(result, nil)

		req := newInferenceRequest(t, InferenceRequestBody{
			Model: "llama3-70b",
			Messages: []ChatMessage{
				{Role: "system", Content: "Be brief"},
				{Role: "user", Content: "Hello"},
			},
			Strategy:    "cascading",
			PreferLocal: &preferLocal,
			TokenBudget: 500,
		})
		w := httptest.NewRecorder()

		handler.HandleInference(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		data := response["data"].(map[string]interface{})
		assert.Equal(t, "groq", data["provider"])
		assert.Equal(t, "req-123", data["request_id"])
		usage := data["usage"].(map[string]interface{})
		assert.Equal(t, float64(13), usage["total_tokens"])

		mockService.AssertExpectations(t)
	})

	t.Run("service problem is written as problem json", func(t *testing.T) {
		mockService := new(MockInferenceService)
		handler := NewInferenceHandler(mockService, logger)

		problem := problems.Map(services.ErrNoEligibleProvider, "req-123")
		mockService.On("Perform", mock.Anything, mock.Anything).Return(nil, problem)

		req := newInferenceRequest(t, InferenceRequestBody{
			Messages: []ChatMessage{{Role: "user", Content: "Hello"}},
		})
		w := httptest.NewRecorder()

		handler.HandleInference(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, problems.ContentType, w.Header().Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, problems.CodeServiceUnavailable, body["code"])
		assert.Equal(t, "req-123", body["instance"])
	})

	t.Run("quota problem", func(t *testing.T) {
		mockService := new(MockInferenceService)
		handler := NewInferenceHandler(mockService, logger)

		err := services.NewDomainError(services.ErrorTypeTokenBudget, "request token budget exceeded", nil).
			WithDetail("ceiling", 100)
		mockService.On("Perform", mock.Anything, mock.Anything).Return(nil, problems.Map(err, "req-123"))

		w := httptest.NewRecorder()
		handler.HandleInference(w, newInferenceRequest(t, InferenceRequestBody{
			Messages: []ChatMessage{{Role: "user", Content: "Hello"}},
		}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), problems.CodeQuotaExceeded)
	})
}

func TestHandleInference_RejectedBeforeService(t *testing.T) {
	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{name: "invalid json", body: `{"messages": [`},
		{name: "unknown field", body: `{"messages":[{"role":"user","content":"hi"}],"provider":"openai"}`},
		{name: "empty body", body: ``},
		{name: "missing messages", body: InferenceRequestBody{Model: "gpt-4o"}, field: "messages"},
		{
			name:  "bad role",
			body:  InferenceRequestBody{Messages: []ChatMessage{{Role: "robot", Content: "hi"}}},
			field: "messages[0].role",
		},
		{
			name:  "unknown strategy",
			body:  InferenceRequestBody{Messages: []ChatMessage{{Role: "user", Content: "hi"}}, Strategy: "round-robin"},
			field: "strategy",
		},
		{
			name:  "temperature out of range",
			body:  InferenceRequestBody{Messages: []ChatMessage{{Role: "user", Content: "hi"}}, Temperature: 2.5},
			field: "temperature",
		},
		{
			name:  "negative budget",
			body:  InferenceRequestBody{Messages: []ChatMessage{{Role: "user", Content: "hi"}}, TokenBudget: -1},
			field: "token_budget",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockInferenceService)
			handler := NewInferenceHandler(mockService, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleInference(w, newInferenceRequest(t, tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, problems.ContentType, w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, problems.CodeInvalidRequest, body["code"])
			if tt.field != "" {
				details := body["details"].(map[string]interface{})
				assert.Contains(t, details, tt.field)
			}

			mockService.AssertNotCalled(t, "Perform", mock.Anything, mock.Anything)
		})
	}
}
