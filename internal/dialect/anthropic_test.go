package dialect

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnthropicStringAndBlockContent(t *testing.T) {
	req, err := ParseAnthropic([]byte(`{
		"model": "claude-3-5-sonnet",
		"max_tokens": 512,
		"system": "Be brief.",
		"temperature": 0.4,
		"stream": true,
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "NYC"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "{\"temp\": 22}"}
			]}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, SchemeAnthropic, req.Source)
	assert.Equal(t, "claude-3-5-sonnet", req.Chat.Model)
	assert.Equal(t, 512, req.Chat.MaxTokens)
	assert.InDelta(t, 0.4, req.Chat.Temperature, 0.001)
	assert.True(t, req.Chat.Stream)

	require.Len(t, req.Chat.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Chat.Messages[0].Role)
	assert.Equal(t, "Be brief.", req.Chat.Messages[0].Content)
	assert.Equal(t, "hello", req.Chat.Messages[1].Content)

	assistant := req.Chat.Messages[2]
	assert.Equal(t, openai.ChatMessageRoleAssistant, assistant.Role)
	assert.Equal(t, "Checking.", assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)

	toolMsg := req.Chat.Messages[3]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, "toolu_1", toolMsg.ToolCallID)
}

func TestParseAnthropicSystemBlocks(t *testing.T) {
	req, err := ParseAnthropic([]byte(`{
		"model": "claude-3-5-sonnet",
		"max_tokens": 64,
		"system": [{"type": "text", "text": "Line one."}, {"type": "text", "text": "Line two."}],
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Line one.\nLine two.", req.Chat.Messages[0].Content)
}

func TestParseAnthropicRejectsIncomplete(t *testing.T) {
	_, err := ParseAnthropic([]byte(`{"max_tokens": 64, "messages": [{"role":"user","content":"hi"}]}`))
	require.Error(t, err)

	_, err = ParseAnthropic([]byte(`{"model": "claude-3-5-sonnet", "max_tokens": 64, "messages": []}`))
	require.Error(t, err)
}

// A request converted to the Anthropic dialect and parsed back preserves
// model, message sequence, system prompt, tool names, temperature,
// max_tokens, and the stream flag.
func TestAnthropicRoundTrip(t *testing.T) {
	original := &Request{
		Source: SchemeOpenAI,
		Chat: openai.ChatCompletionRequest{
			Model:       "claude-3-5-sonnet",
			MaxTokens:   256,
			Temperature: 0.7,
			Stream:      true,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Be helpful."},
				{Role: openai.ChatMessageRoleUser, Content: "What's the weather?"},
				{Role: openai.ChatMessageRoleAssistant, Content: "Let me look.", ToolCalls: []openai.ToolCall{{
					ID:   "toolu_1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"NYC"}`,
					},
				}}},
				{Role: openai.ChatMessageRoleTool, ToolCallID: "toolu_1", Content: `{"temp":22}`},
			},
			Tools: []openai.Tool{{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "get_weather",
					Description: "Current weather",
					Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
				},
			}},
		},
	}

	wire, err := original.ToAnthropic()
	require.NoError(t, err)
	assert.Equal(t, AnthropicSystem("Be helpful."), wire.System)
	assert.Equal(t, 256, wire.MaxTokens)
	assert.True(t, wire.Stream)

	data, err := json.Marshal(wire)
	require.NoError(t, err)
	back, err := ParseAnthropic(data)
	require.NoError(t, err)

	assert.Equal(t, original.Chat.Model, back.Chat.Model)
	assert.Equal(t, original.Chat.MaxTokens, back.Chat.MaxTokens)
	assert.InDelta(t, original.Chat.Temperature, back.Chat.Temperature, 0.001)
	assert.Equal(t, original.Chat.Stream, back.Chat.Stream)

	require.Len(t, back.Chat.Messages, len(original.Chat.Messages))
	for i, msg := range original.Chat.Messages {
		assert.Equal(t, msg.Role, back.Chat.Messages[i].Role, "message %d role", i)
	}
	require.Len(t, back.Chat.Messages[2].ToolCalls, 1)
	assert.Equal(t, "get_weather", back.Chat.Messages[2].ToolCalls[0].Function.Name)
	require.Len(t, back.Chat.Tools, 1)
	assert.Equal(t, "get_weather", back.Chat.Tools[0].Function.Name)
}

func TestToAnthropicAppliesMaxTokensDefault(t *testing.T) {
	req := &Request{Chat: openai.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}}
	wire, err := req.ToAnthropic()
	require.NoError(t, err)
	assert.Equal(t, DefaultAnthropicMaxTokens, wire.MaxTokens)
}

func TestAnthropicResponseConversions(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_1",
		Model: "claude-3-5-sonnet",
		Content: []AnthropicBlock{
			{Type: "text", Text: "The answer is "},
			{Type: "text", Text: "42."},
		},
		StopReason: "end_turn",
		Usage:      AnthropicUsage{InputTokens: 10, OutputTokens: 4},
	}

	converted := AnthropicResponseToOpenAI(resp)
	require.Len(t, converted.Choices, 1)
	assert.Equal(t, "The answer is 42.", converted.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, converted.Choices[0].FinishReason)
	assert.Equal(t, 14, converted.Usage.TotalTokens)

	back := OpenAIResponseToAnthropic(&converted)
	assert.Equal(t, "msg_1", back.ID)
	assert.Equal(t, "end_turn", back.StopReason)
	require.NotEmpty(t, back.Content)
	assert.Equal(t, "The answer is 42.", back.Content[0].Text)
}

func TestAnthropicResponseToolUseForcesToolCallsFinish(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_2",
		Model: "claude-3-5-sonnet",
		Content: []AnthropicBlock{{
			Type:  "tool_use",
			ID:    "toolu_9",
			Name:  "calculate",
			Input: json.RawMessage(`{"expression":"2+2"}`),
		}},
		StopReason: "tool_use",
	}

	converted := AnthropicResponseToOpenAI(resp)
	require.Len(t, converted.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, openai.FinishReasonToolCalls, converted.Choices[0].FinishReason)
	assert.Equal(t, "toolu_9", converted.Choices[0].Message.ToolCalls[0].ID)
}
