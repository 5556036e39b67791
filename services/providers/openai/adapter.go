package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/upb/inference-gateway/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
)

// OpenAIAdapter implements the Provider interface for OpenAI-compatible
// /chat/completions endpoints.
type OpenAIAdapter struct {
	desc   providers.Descriptor
	client *providers.Client
	call   providers.CallOptions
}

// NewOpenAIAdapter creates a new OpenAI adapter. call carries the retry and
// timeout policy; the descriptor timeout overrides call.Timeout when set.
func NewOpenAIAdapter(desc providers.Descriptor, client *providers.Client, call providers.CallOptions) *OpenAIAdapter {
	if desc.Endpoint == "" {
		desc.Endpoint = defaultBaseURL
	}
	if desc.Timeout > 0 {
		call.Timeout = desc.Timeout
	}
	call.Provider = desc.Name

	headers := make(map[string]string, len(call.Headers)+1)
	for k, v := range call.Headers {
		headers[k] = v
	}
	if desc.APIKey != "" {
		headers["Authorization"] = "Bearer " + desc.APIKey
	}
	call.Headers = headers

	return &OpenAIAdapter{
		desc:   desc,
		client: client,
		call:   call,
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return a.desc.Name
}

// ChatCompletion performs a chat completion request
func (a *OpenAIAdapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	reqBody, err := json.Marshal(a.buildOpenAIRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	resp, err := a.client.Call(ctx, a.endpoint(), reqBody, a.call)
	if err != nil {
		return nil, a.enrichError(err)
	}

	var openaiResp OpenAIChatResponse
	if err := json.Unmarshal(resp.Body, &openaiResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", resp.StatusCode, true, err)
	}

	out := a.convertToUnifiedResponse(&openaiResp, req, time.Since(startTime))
	out.Attempts = resp.Attempts
	return out, nil
}

func (a *OpenAIAdapter) endpoint() string {
	return strings.TrimRight(a.desc.Endpoint, "/") + "/chat/completions"
}

// buildOpenAIRequest converts unified request to OpenAI format
func (a *OpenAIAdapter) buildOpenAIRequest(req *providers.ChatRequest) *OpenAIChatRequest {
	openaiReq := &OpenAIChatRequest{
		Model:    a.desc.ResolveModel(req.Model),
		Messages: make([]OpenAIMessage, len(req.Messages)),
	}

	for i, msg := range req.Messages {
		openaiReq.Messages[i] = OpenAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		}
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		openaiReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		openaiReq.TopP = &req.TopP
	}
	if len(req.Stop) > 0 {
		openaiReq.Stop = req.Stop
	}
	if req.User != "" {
		openaiReq.User = &req.User
	}

	return openaiReq
}

// convertToUnifiedResponse converts OpenAI response to unified format
func (a *OpenAIAdapter) convertToUnifiedResponse(openaiResp *OpenAIChatResponse, req *providers.ChatRequest, latency time.Duration) *providers.ChatResponse {
	created := time.Now()
	if openaiResp.Created > 0 {
		created = time.Unix(openaiResp.Created, 0)
	}

	resp := &providers.ChatResponse{
		ID:       openaiResp.ID,
		Model:    openaiResp.Model,
		Provider: a.Name(),
		Choices:  make([]providers.Choice, len(openaiResp.Choices)),
		Usage: providers.Usage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		},
		Latency:  latency,
		Created:  created,
		Metadata: req.Metadata,
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	for i, choice := range openaiResp.Choices {
		resp.Choices[i] = providers.Choice{
			Index: choice.Index,
			Message: providers.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
				Name:    choice.Message.Name,
			},
			FinishReason: choice.FinishReason,
		}
	}

	return resp
}

// enrichError replaces the raw body snippet of a rejected call with the
// message from an OpenAI error envelope when one is present.
func (a *OpenAIAdapter) enrichError(err error) error {
	provErr, ok := err.(*providers.ProviderError)
	if !ok || provErr.Cause == nil {
		return err
	}

	var errResp OpenAIErrorResponse
	if jsonErr := json.Unmarshal([]byte(provErr.Cause.Error()), &errResp); jsonErr != nil || errResp.Error.Message == "" {
		return err
	}
	provErr.Message = errResp.Error.Message
	if errResp.Error.Type != "" {
		provErr.Code = errResp.Error.Type
	}
	return provErr
}

// OpenAI-specific request/response types

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	User        *string         `json:"user,omitempty"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIErrorResponse struct {
	Error OpenAIError `json:"error"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}
