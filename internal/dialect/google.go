package dialect

import (
	"encoding/json"
	"fmt"

	percoErrors "github.com/percolation-labs/percolate/internal/errors"

	openai "github.com/sashabaranov/go-openai"
)

// GoogleRequest is the wire shape of generateContent / streamGenerateContent.
// The model name travels in the URL, not the body.
type GoogleRequest struct {
	Contents          []GoogleContent         `json:"contents"`
	SystemInstruction *GoogleContent          `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool            `json:"tools,omitempty"`
	GenerationConfig  *GoogleGenerationConfig `json:"generationConfig,omitempty"`
}

type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

type GooglePart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *GoogleFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GoogleFunctionResponse `json:"functionResponse,omitempty"`
}

type GoogleFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GoogleFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GoogleTool groups function declarations under a single declarations block.
type GoogleTool struct {
	FunctionDeclarations []GoogleFunctionDecl `json:"functionDeclarations"`
}

type GoogleFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type GoogleGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GoogleResponse is the non-streaming (and per-chunk streaming) wire shape.
type GoogleResponse struct {
	Candidates    []GoogleCandidate    `json:"candidates"`
	UsageMetadata *GoogleUsageMetadata `json:"usageMetadata,omitempty"`
}

type GoogleCandidate struct {
	Content      GoogleContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index,omitempty"`
}

type GoogleUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ParseGoogle decodes a Google generateContent request into the canonical
// representation. The model comes from the URL path.
func ParseGoogle(model string, data []byte) (*Request, error) {
	if model == "" {
		return nil, percoErrors.DialectConversion("google request missing model")
	}

	var wire GoogleRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("decode google request: %v", err))
	}
	if len(wire.Contents) == 0 {
		return nil, percoErrors.DialectConversion("google request missing contents")
	}

	chat := openai.ChatCompletionRequest{Model: model}
	if cfg := wire.GenerationConfig; cfg != nil {
		chat.MaxTokens = cfg.MaxOutputTokens
		chat.Stop = cfg.StopSequences
		if cfg.Temperature != nil {
			chat.Temperature = *cfg.Temperature
		}
	}

	if wire.SystemInstruction != nil {
		text := ""
		for _, part := range wire.SystemInstruction.Parts {
			text += part.Text
		}
		if text != "" {
			chat.Messages = append(chat.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: text,
			})
		}
	}

	for _, content := range wire.Contents {
		chat.Messages = append(chat.Messages, googleContentToOpenAI(content)...)
	}

	for _, t := range wire.Tools {
		for _, decl := range t.FunctionDeclarations {
			chat.Tools = append(chat.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  decl.Parameters,
				},
			})
		}
	}

	return &Request{Source: SchemeGoogle, Chat: chat}, nil
}

func googleContentToOpenAI(content GoogleContent) []openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if content.Role == "model" {
		role = openai.ChatMessageRoleAssistant
	}

	var out []openai.ChatCompletionMessage
	text := ""
	var toolCalls []openai.ToolCall
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   googleToolCallID(part.FunctionCall.Name),
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		case part.FunctionResponse != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Name:       part.FunctionResponse.Name,
				ToolCallID: googleToolCallID(part.FunctionResponse.Name),
				Content:    string(part.FunctionResponse.Response),
			})
		default:
			text += part.Text
		}
	}

	if text != "" || len(toolCalls) > 0 {
		if len(toolCalls) > 0 {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:      role,
			Content:   text,
			ToolCalls: toolCalls,
		})
	}
	return out
}

// ToGoogle renders the canonical request in the Google dialect. System
// prompts move to systemInstruction and tools are grouped under one
// functionDeclarations block.
func (r *Request) ToGoogle() (*GoogleRequest, error) {
	if r.Chat.Model == "" {
		return nil, percoErrors.DialectConversion("request missing model")
	}

	wire := &GoogleRequest{}
	if r.Chat.MaxTokens > 0 || r.Chat.Temperature != 0 || len(r.Chat.Stop) > 0 {
		cfg := &GoogleGenerationConfig{
			MaxOutputTokens: r.Chat.MaxTokens,
			StopSequences:   r.Chat.Stop,
		}
		if r.Chat.Temperature != 0 {
			temp := r.Chat.Temperature
			cfg.Temperature = &temp
		}
		wire.GenerationConfig = cfg
	}

	for _, msg := range r.Chat.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &GoogleContent{}
			}
			wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, GooglePart{Text: msg.Content})

		case openai.ChatMessageRoleTool:
			wire.Contents = append(wire.Contents, GoogleContent{
				Role: "user",
				Parts: []GooglePart{{
					FunctionResponse: &GoogleFunctionResponse{
						Name:     msg.Name,
						Response: toolResponsePayload(msg.Content),
					},
				}},
			})

		case openai.ChatMessageRoleAssistant:
			parts := []GooglePart{}
			if msg.Content != "" {
				parts = append(parts, GooglePart{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := json.RawMessage(call.Function.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				parts = append(parts, GooglePart{
					FunctionCall: &GoogleFunctionCall{Name: call.Function.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, GooglePart{Text: ""})
			}
			wire.Contents = append(wire.Contents, GoogleContent{Role: "model", Parts: parts})

		default:
			wire.Contents = append(wire.Contents, GoogleContent{
				Role:  "user",
				Parts: []GooglePart{{Text: msg.Content}},
			})
		}
	}

	if len(wire.Contents) == 0 {
		return nil, percoErrors.DialectConversion("request has no convertible messages")
	}

	if len(r.Chat.Tools) > 0 {
		group := GoogleTool{}
		for _, t := range r.Chat.Tools {
			if t.Function == nil {
				continue
			}
			group.FunctionDeclarations = append(group.FunctionDeclarations, GoogleFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  schemaToMap(t.Function.Parameters),
			})
		}
		if len(group.FunctionDeclarations) > 0 {
			wire.Tools = []GoogleTool{group}
		}
	}

	return wire, nil
}

// GoogleResponseToOpenAI converts a non-streaming Google response into the
// canonical completion shape.
func GoogleResponseToOpenAI(id, model string, resp *GoogleResponse) openai.ChatCompletionResponse {
	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	finishWire := ""
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		finishWire = candidate.FinishReason
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
					ID:   googleToolCallID(part.FunctionCall.Name),
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
				continue
			}
			message.Content += part.Text
		}
	}

	out := openai.ChatCompletionResponse{
		ID:     id,
		Object: ObjectCompletion,
		Model:  model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: FromGoogleFinishReason(finishWire, len(message.ToolCalls) > 0),
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// OpenAIResponseToGoogle renders a canonical completion in the Google dialect.
func OpenAIResponseToGoogle(resp *openai.ChatCompletionResponse) *GoogleResponse {
	out := &GoogleResponse{
		UsageMetadata: &GoogleUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
	}

	candidate := GoogleCandidate{Content: GoogleContent{Role: "model"}}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			candidate.Content.Parts = append(candidate.Content.Parts, GooglePart{Text: choice.Message.Content})
		}
		for _, call := range choice.Message.ToolCalls {
			args := json.RawMessage(call.Function.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			candidate.Content.Parts = append(candidate.Content.Parts, GooglePart{
				FunctionCall: &GoogleFunctionCall{Name: call.Function.Name, Args: args},
			})
		}
		candidate.FinishReason = ToGoogleFinishReason(choice.FinishReason)
	}
	if len(candidate.Content.Parts) == 0 {
		candidate.Content.Parts = []GooglePart{{Text: ""}}
	}

	out.Candidates = []GoogleCandidate{candidate}
	return out
}

// googleToolCallID derives a stable id for Google function calls, which have
// no vendor id on the wire.
func googleToolCallID(name string) string {
	return "call_" + name
}

func toolResponsePayload(content string) json.RawMessage {
	if json.Valid([]byte(content)) && len(content) > 0 {
		return json.RawMessage(content)
	}
	data, _ := json.Marshal(map[string]string{"result": content})
	return json.RawMessage(data)
}
