package dialect

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGoogleContents(t *testing.T) {
	req, err := ParseGoogle("gemini-2.0-flash", []byte(`{
		"systemInstruction": {"parts": [{"text": "Be terse."}]},
		"generationConfig": {"maxOutputTokens": 128, "temperature": 0.2},
		"contents": [
			{"role": "user", "parts": [{"text": "weather in NYC?"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "NYC"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get_weather", "response": {"temp": 22}}}]}
		],
		"tools": [{"functionDeclarations": [{"name": "get_weather", "description": "weather"}]}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, SchemeGoogle, req.Source)
	assert.Equal(t, "gemini-2.0-flash", req.Chat.Model)
	assert.Equal(t, 128, req.Chat.MaxTokens)
	assert.InDelta(t, 0.2, req.Chat.Temperature, 0.001)

	require.Len(t, req.Chat.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Chat.Messages[0].Role)
	assert.Equal(t, "Be terse.", req.Chat.Messages[0].Content)

	assistant := req.Chat.Messages[2]
	assert.Equal(t, openai.ChatMessageRoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.NotEmpty(t, assistant.ToolCalls[0].ID, "google calls get a minted id")

	toolMsg := req.Chat.Messages[3]
	assert.Equal(t, openai.ChatMessageRoleTool, toolMsg.Role)
	assert.Equal(t, assistant.ToolCalls[0].ID, toolMsg.ToolCallID)

	require.Len(t, req.Chat.Tools, 1)
	assert.Equal(t, "get_weather", req.Chat.Tools[0].Function.Name)
}

func TestParseGoogleRejectsIncomplete(t *testing.T) {
	_, err := ParseGoogle("", []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	require.Error(t, err)

	_, err = ParseGoogle("gemini-2.0-flash", []byte(`{"contents": []}`))
	require.Error(t, err)
}

func TestGoogleRoundTrip(t *testing.T) {
	original := &Request{
		Source: SchemeOpenAI,
		Chat: openai.ChatCompletionRequest{
			Model:       "gemini-2.0-flash",
			MaxTokens:   200,
			Temperature: 0.5,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Be helpful."},
				{Role: openai.ChatMessageRoleUser, Content: "What's 2+2?"},
				{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{
					ID:       "call_calculate",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "calculate", Arguments: `{"expression":"2+2"}`},
				}}},
				{Role: openai.ChatMessageRoleTool, Name: "calculate", ToolCallID: "call_calculate", Content: `{"result":4}`},
			},
			Tools: []openai.Tool{{
				Type:     openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{Name: "calculate"},
			}},
		},
	}

	wire, err := original.ToGoogle()
	require.NoError(t, err)
	require.NotNil(t, wire.SystemInstruction)
	require.NotNil(t, wire.GenerationConfig)
	assert.Equal(t, 200, wire.GenerationConfig.MaxOutputTokens)

	data, err := json.Marshal(wire)
	require.NoError(t, err)
	back, err := ParseGoogle("gemini-2.0-flash", data)
	require.NoError(t, err)

	assert.Equal(t, original.Chat.Model, back.Chat.Model)
	assert.Equal(t, original.Chat.MaxTokens, back.Chat.MaxTokens)
	assert.InDelta(t, original.Chat.Temperature, back.Chat.Temperature, 0.001)

	require.Len(t, back.Chat.Messages, len(original.Chat.Messages))
	for i, msg := range original.Chat.Messages {
		assert.Equal(t, msg.Role, back.Chat.Messages[i].Role, "message %d role", i)
	}
	require.Len(t, back.Chat.Messages[2].ToolCalls, 1)
	assert.Equal(t, "calculate", back.Chat.Messages[2].ToolCalls[0].Function.Name)
	require.Len(t, back.Chat.Tools, 1)
	assert.Equal(t, "calculate", back.Chat.Tools[0].Function.Name)
}

func TestGoogleResponseConversions(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content:      GoogleContent{Role: "model", Parts: []GooglePart{{Text: "four"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GoogleUsageMetadata{PromptTokenCount: 5, CandidatesTokenCount: 1, TotalTokenCount: 6},
	}

	converted := GoogleResponseToOpenAI("chatcmpl-g", "gemini-2.0-flash", resp)
	require.Len(t, converted.Choices, 1)
	assert.Equal(t, "four", converted.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, converted.Choices[0].FinishReason)
	assert.Equal(t, 6, converted.Usage.TotalTokens)

	back := OpenAIResponseToGoogle(&converted)
	require.Len(t, back.Candidates, 1)
	assert.Equal(t, "four", back.Candidates[0].Content.Parts[0].Text)
	assert.Equal(t, "STOP", back.Candidates[0].FinishReason)
	assert.Equal(t, 6, back.UsageMetadata.TotalTokenCount)
}

func TestGoogleFunctionCallGetsNonEmptyID(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []GoogleCandidate{{
			Content: GoogleContent{Role: "model", Parts: []GooglePart{{
				FunctionCall: &GoogleFunctionCall{Name: "get_weather"},
			}}},
		}},
	}

	converted := GoogleResponseToOpenAI("chatcmpl-g", "gemini-2.0-flash", resp)
	require.Len(t, converted.Choices[0].Message.ToolCalls, 1)
	call := converted.Choices[0].Message.ToolCalls[0]
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, "{}", call.Function.Arguments)
	assert.Equal(t, openai.FinishReasonToolCalls, converted.Choices[0].FinishReason)
}
