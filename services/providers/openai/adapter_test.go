package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upb/inference-gateway/services/providers"
	"go.uber.org/zap"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestAdapter(url string, retries int) *OpenAIAdapter {
	desc := providers.Descriptor{
		Name:         "openai",
		Kind:         providers.KindOpenAI,
		Endpoint:     url,
		APIKey:       "test-key",
		LatencyClass: providers.LatencyMedium,
		DefaultModel: "gpt-4o-mini",
	}
	client := providers.NewClient(nil, zap.NewNop(), providers.WithSleeper(noSleep))
	return NewOpenAIAdapter(desc, client, providers.CallOptions{
		Timeout: 5 * time.Second,
		Retries: retries,
		Backoff: providers.Backoff{Base: time.Millisecond},
	})
}

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.Descriptor{Name: "primary", Timeout: time.Second}, providers.NewClient(nil, nil), providers.CallOptions{
		Timeout: 30 * time.Second,
		Headers: map[string]string{"X-Trace": "1"},
	})

	if adapter.Name() != "primary" {
		t.Errorf("Name() = %s, want primary", adapter.Name())
	}
	if adapter.desc.Endpoint != defaultBaseURL {
		t.Errorf("Endpoint = %s, want %s", adapter.desc.Endpoint, defaultBaseURL)
	}
	if adapter.call.Timeout != time.Second {
		t.Errorf("Timeout = %v, want descriptor override", adapter.call.Timeout)
	}
	if adapter.call.Provider != "primary" {
		t.Errorf("call.Provider = %s, want primary", adapter.call.Provider)
	}
	if _, ok := adapter.call.Headers["Authorization"]; ok {
		t.Error("Authorization header must be omitted without api key")
	}
	if adapter.call.Headers["X-Trace"] != "1" {
		t.Error("extra headers not kept")
	}
}

func TestOpenAIAdapter_ChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}

		body, _ := io.ReadAll(r.Body)
		var req OpenAIChatRequest
		_ = json.Unmarshal(body, &req)
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %s, want default model", req.Model)
		}
		if req.MaxTokens == nil || *req.MaxTokens != 100 {
			t.Errorf("max_tokens not forwarded")
		}

		resp := OpenAIChatResponse{
			ID:      "chatcmpl-test123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []OpenAIChoice{
				{Message: OpenAIMessage{Role: "assistant", Content: "This is a test response"}, FinishReason: "stop"},
			},
			Usage: OpenAIUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	adapter := newTestAdapter(server.URL+"/", 0)
	resp, err := adapter.ChatCompletion(context.Background(), &providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: "Hello"}},
		MaxTokens:   100,
		Temperature: 0.7,
		Metadata:    map[string]string{"request_id": "r1"},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if resp.ID != "chatcmpl-test123" {
		t.Errorf("ID = %s", resp.ID)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %s, want openai", resp.Provider)
	}
	if resp.Content() != "This is a test response" {
		t.Errorf("Unexpected response content: %s", resp.Content())
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.Usage.TotalTokens)
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	if resp.Metadata["request_id"] != "r1" {
		t.Error("metadata not propagated")
	}
}

func TestOpenAIAdapter_ChatCompletion_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(OpenAIErrorResponse{
			Error: OpenAIError{Message: "Invalid request", Type: "invalid_request_error"},
		})
	}))
	defer server.Close()

	_, err := newTestAdapter(server.URL, 3).ChatCompletion(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var provErr *providers.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %T", err)
	}
	if provErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", provErr.StatusCode)
	}
	if provErr.Retryable {
		t.Error("400 must not be retryable")
	}
	if provErr.Message != "Invalid request" || provErr.Code != "invalid_request_error" {
		t.Errorf("error envelope not parsed: %q / %q", provErr.Message, provErr.Code)
	}
	if provErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", provErr.Attempts)
	}
}

func TestOpenAIAdapter_ChatCompletion_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(OpenAIChatResponse{
			ID:      "chatcmpl-retry",
			Choices: []OpenAIChoice{{Message: OpenAIMessage{Role: "assistant", Content: "ok"}}},
			Usage:   OpenAIUsage{PromptTokens: 3, CompletionTokens: 4},
		})
	}))
	defer server.Close()

	resp, err := newTestAdapter(server.URL, 3).ChatCompletion(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if resp.Attempts != 3 {
		t.Errorf("resp.Attempts = %d, want 3", resp.Attempts)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, want derived 7", resp.Usage.TotalTokens)
	}
}

func TestOpenAIAdapter_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer server.Close()

	_, err := newTestAdapter(server.URL, 0).ChatCompletion(context.Background(), &providers.ChatRequest{})
	if !providers.IsRetryable(err) {
		t.Errorf("malformed body error = %v, want retryable", err)
	}
}

func TestBuildOpenAIRequest(t *testing.T) {
	adapter := newTestAdapter("http://unused", 0)

	req := &providers.ChatRequest{
		Model: "gpt-4",
		Messages: []providers.Message{
			{Role: "system", Content: "You are helpful"},
			{Role: "user", Content: "Hello", Name: "bob"},
		},
		TopP: 0.9,
		Stop: []string{"\n"},
		User: "u-1",
	}

	openaiReq := adapter.buildOpenAIRequest(req)

	if openaiReq.Model != "gpt-4" {
		t.Errorf("Model = %s, want gpt-4", openaiReq.Model)
	}
	if len(openaiReq.Messages) != 2 || openaiReq.Messages[1].Name != "bob" {
		t.Errorf("Messages = %+v", openaiReq.Messages)
	}
	if openaiReq.MaxTokens != nil || openaiReq.Temperature != nil {
		t.Error("zero values must be omitted")
	}
	if openaiReq.TopP == nil || *openaiReq.TopP != 0.9 {
		t.Error("TopP not set")
	}
	if openaiReq.User == nil || *openaiReq.User != "u-1" {
		t.Error("User not set")
	}
}
