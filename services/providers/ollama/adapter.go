// Package ollama adapts a local Ollama server's /api/chat endpoint.
package ollama

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/inference-gateway/services/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter implements providers.Provider for Ollama.
type Adapter struct {
	desc   providers.Descriptor
	client *providers.Client
	call   providers.CallOptions
}

// NewAdapter creates an Ollama adapter. A trailing /v1 on the endpoint is
// stripped so OpenAI-style base URLs work too.
func NewAdapter(desc providers.Descriptor, client *providers.Client, call providers.CallOptions) *Adapter {
	endpoint := strings.TrimRight(desc.Endpoint, "/")
	endpoint = strings.TrimSuffix(endpoint, "/v1")
	if endpoint == "" {
		endpoint = defaultBaseURL
	}
	desc.Endpoint = endpoint

	if desc.Timeout > 0 {
		call.Timeout = desc.Timeout
	}
	call.Provider = desc.Name
	if desc.APIKey != "" {
		headers := make(map[string]string, len(call.Headers)+1)
		for k, v := range call.Headers {
			headers[k] = v
		}
		headers["Authorization"] = "Bearer " + desc.APIKey
		call.Headers = headers
	}

	return &Adapter{desc: desc, client: client, call: call}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.desc.Name
}

// ChatCompletion sends a non-streaming chat request.
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	resp, err := a.client.Call(ctx, a.desc.Endpoint+"/api/chat", body, a.call)
	if err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(resp.Body, &chat); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", resp.StatusCode, true, err)
	}
	if chat.Error != "" {
		return nil, providers.NewProviderError(a.Name(), "UPSTREAM_ERROR", chat.Error, resp.StatusCode, true, nil)
	}

	finish := chat.DoneReason
	if finish == "" && chat.Done {
		finish = "stop"
	}
	created := chat.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return &providers.ChatResponse{
		ID:       "ollama-" + uuid.NewString(),
		Model:    chat.Model,
		Provider: a.Name(),
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: chat.Message.Role, Content: chat.Message.Content},
			FinishReason: finish,
		}},
		Usage: providers.Usage{
			PromptTokens:     chat.PromptEvalCount,
			CompletionTokens: chat.EvalCount,
			TotalTokens:      chat.PromptEvalCount + chat.EvalCount,
		},
		Latency:  time.Since(start),
		Attempts: resp.Attempts,
		Created:  created,
		Metadata: req.Metadata,
	}, nil
}

func (a *Adapter) buildRequest(req *providers.ChatRequest) *chatRequest {
	out := &chatRequest{
		Model:    a.desc.ResolveModel(req.Model),
		Messages: make([]message, len(req.Messages)),
		Stream:   false,
	}
	for i, m := range req.Messages {
		out.Messages[i] = message{Role: m.Role, Content: m.Content}
	}

	opts := &options{}
	set := false
	if req.Temperature > 0 {
		opts.Temperature = &req.Temperature
		set = true
	}
	if req.TopP > 0 {
		opts.TopP = &req.TopP
		set = true
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = &req.MaxTokens
		set = true
	}
	if len(req.Stop) > 0 {
		opts.Stop = req.Stop
		set = true
	}
	if set {
		out.Options = opts
	}
	return out
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *options  `json:"options,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Message         message   `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error"`
}
