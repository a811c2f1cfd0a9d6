package dialect

import (
	"encoding/json"
	"fmt"

	percoErrors "github.com/percolation-labs/percolate/internal/errors"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultAnthropicMaxTokens is applied when the canonical request carries no
// max_tokens; the Anthropic dialect requires the field.
const DefaultAnthropicMaxTokens = 4096

// AnthropicRequest is the wire shape of POST /v1/messages.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        AnthropicSystem    `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicBlock is one content block inside an Anthropic message.
type AnthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicContent accepts both the shorthand string form and the block
// array form on the wire; it always marshals as a block array.
type AnthropicContent []AnthropicBlock

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = AnthropicContent{{Type: "text", Text: text}}
		return nil
	}

	var blocks []AnthropicBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("anthropic content: %w", err)
	}
	*c = AnthropicContent(blocks)
	return nil
}

// AnthropicSystem accepts a plain string or an array of text blocks and
// flattens to a single string.
type AnthropicSystem string

func (s *AnthropicSystem) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = AnthropicSystem(text)
		return nil
	}

	var blocks []AnthropicBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("anthropic system: %w", err)
	}
	joined := ""
	for _, block := range blocks {
		if block.Type != "text" {
			continue
		}
		if joined != "" {
			joined += "\n"
		}
		joined += block.Text
	}
	*s = AnthropicSystem(joined)
	return nil
}

// AnthropicResponse is the non-streaming wire shape of an Anthropic message.
type AnthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []AnthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage   `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseAnthropic decodes an Anthropic messages request into the canonical
// representation.
func ParseAnthropic(data []byte) (*Request, error) {
	var wire AnthropicRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("decode anthropic request: %v", err))
	}
	if wire.Model == "" {
		return nil, percoErrors.DialectConversion("anthropic request missing model")
	}
	if len(wire.Messages) == 0 {
		return nil, percoErrors.DialectConversion("anthropic request missing messages")
	}

	chat := openai.ChatCompletionRequest{
		Model:     wire.Model,
		MaxTokens: wire.MaxTokens,
		Stream:    wire.Stream,
		Stop:      wire.StopSequences,
	}
	if wire.Temperature != nil {
		chat.Temperature = *wire.Temperature
	}

	if wire.System != "" {
		chat.Messages = append(chat.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: string(wire.System),
		})
	}

	for _, msg := range wire.Messages {
		converted, err := anthropicMessageToOpenAI(msg)
		if err != nil {
			return nil, err
		}
		chat.Messages = append(chat.Messages, converted...)
	}

	for _, t := range wire.Tools {
		chat.Tools = append(chat.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return &Request{Source: SchemeAnthropic, Chat: chat}, nil
}

func anthropicMessageToOpenAI(msg AnthropicMessage) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage

	text := ""
	var toolCalls []openai.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: block.ToolUseID,
				Content:    rawToString(block.Content),
			})
		}
	}

	if text != "" || len(toolCalls) > 0 {
		role := msg.Role
		if role != openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleUser
		}
		if len(toolCalls) > 0 {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:      role,
			Content:   text,
			ToolCalls: toolCalls,
		})
	}

	return out, nil
}

// ToAnthropic renders the canonical request in the Anthropic dialect. The
// system prompt moves to the dialect-native slot, tool schemas are rewrapped
// as input_schema, and max_tokens receives the dialect default when unset.
func (r *Request) ToAnthropic() (*AnthropicRequest, error) {
	if r.Chat.Model == "" {
		return nil, percoErrors.DialectConversion("request missing model")
	}

	wire := &AnthropicRequest{
		Model:         r.Chat.Model,
		MaxTokens:     r.Chat.MaxTokens,
		StopSequences: r.Chat.Stop,
		Stream:        r.Chat.Stream,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = DefaultAnthropicMaxTokens
	}
	if r.Chat.Temperature != 0 {
		temp := r.Chat.Temperature
		wire.Temperature = &temp
	}

	for _, msg := range r.Chat.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += AnthropicSystem(msg.Content)

		case openai.ChatMessageRoleTool:
			wire.Messages = append(wire.Messages, AnthropicMessage{
				Role: "user",
				Content: AnthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   stringToRaw(msg.Content),
				}},
			})

		case openai.ChatMessageRoleAssistant:
			content := AnthropicContent{}
			if msg.Content != "" {
				content = append(content, AnthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				content = append(content, AnthropicBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			if len(content) == 0 {
				content = append(content, AnthropicBlock{Type: "text", Text: ""})
			}
			wire.Messages = append(wire.Messages, AnthropicMessage{Role: "assistant", Content: content})

		default:
			wire.Messages = append(wire.Messages, AnthropicMessage{
				Role:    "user",
				Content: AnthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	if len(wire.Messages) == 0 {
		return nil, percoErrors.DialectConversion("request has no convertible messages")
	}

	for _, t := range r.Chat.Tools {
		if t.Function == nil {
			continue
		}
		wire.Tools = append(wire.Tools, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schemaToMap(t.Function.Parameters),
		})
	}

	return wire, nil
}

// AnthropicResponseToOpenAI converts a non-streaming Anthropic message into
// the canonical completion shape.
func AnthropicResponseToOpenAI(resp *AnthropicResponse) openai.ChatCompletionResponse {
	message := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			message.Content += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	finish := FromAnthropicStopReason(resp.StopReason)
	if len(message.ToolCalls) > 0 {
		finish = openai.FinishReasonToolCalls
	}

	return openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  ObjectCompletion,
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{Index: 0, Message: message, FinishReason: finish}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// OpenAIResponseToAnthropic renders a canonical completion in the Anthropic
// dialect for clients of /v1/messages.
func OpenAIResponseToAnthropic(resp *openai.ChatCompletionResponse) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		out.Content = []AnthropicBlock{{Type: "text", Text: ""}}
		return out
	}

	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, AnthropicBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, AnthropicBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	if len(out.Content) == 0 {
		out.Content = []AnthropicBlock{{Type: "text", Text: ""}}
	}
	out.StopReason = ToAnthropicStopReason(choice.FinishReason)
	return out
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	// Block-array tool results flatten to their text parts.
	var blocks []AnthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		joined := ""
		for _, block := range blocks {
			if block.Type == "text" {
				joined += block.Text
			}
		}
		if joined != "" {
			return joined
		}
	}
	return string(raw)
}

func stringToRaw(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return json.RawMessage(data)
}
