package dialect

import (
	"encoding/json"
	"fmt"

	percoErrors "github.com/percolation-labs/percolate/internal/errors"

	openai "github.com/sashabaranov/go-openai"
)

// Request is the canonical representation of a chat request: the OpenAI chat
// shape is the hub, and all cross-dialect conversions go through it.
type Request struct {
	Source   Scheme
	Provider string // explicit api_provider hint, empty when absent
	Chat     openai.ChatCompletionRequest
}

type openAIWireRequest struct {
	openai.ChatCompletionRequest
	APIProvider string         `json:"api_provider,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ParseOpenAI decodes an OpenAI chat-completions request, lifting the
// optional api_provider routing hint out of the body or metadata.
func ParseOpenAI(data []byte) (*Request, error) {
	var wire openAIWireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("decode openai request: %v", err))
	}
	if len(wire.Messages) == 0 {
		return nil, percoErrors.DialectConversion("openai request missing messages")
	}

	provider := wire.APIProvider
	if provider == "" {
		if hint, ok := wire.Metadata["api_provider"].(string); ok {
			provider = hint
		}
	}

	return &Request{
		Source:   SchemeOpenAI,
		Provider: provider,
		Chat:     wire.ChatCompletionRequest,
	}, nil
}

// ToOpenAI returns the canonical chat-completions shape.
func (r *Request) ToOpenAI() openai.ChatCompletionRequest {
	return r.Chat
}

// TargetScheme resolves the dialect this request should be dispatched in.
func (r *Request) TargetScheme(fallback Scheme) Scheme {
	return Detect(r.Chat.Model, r.Provider, fallback)
}

// schemaToMap coerces a tool parameter schema (any JSON-marshalable value)
// into a generic map for dialects that require one.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
