package message

import (
	"encoding/json"
	"testing"

	"github.com/percolation-labs/percolate/internal/tool"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLiftsSystemMessagesToHead(t *testing.T) {
	s := New([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
		{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
		{Role: openai.ChatMessageRoleAssistant, Content: "hello"},
	})

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, snapshot[0].Role)
	assert.Equal(t, "hi", snapshot[1].Content)
	assert.Equal(t, "hello", snapshot[2].Content)
}

func TestEnsureSystemOnlyWhenAbsent(t *testing.T) {
	s := New([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "hi"},
	})
	s.EnsureSystem("you are a weather agent")
	s.EnsureSystem("second prompt must not land")

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "you are a weather agent", snapshot[0].Content)
}

func TestAppendToolResultRequiresAnnouncedCall(t *testing.T) {
	s := New(nil)
	err := s.AppendToolResult(tool.Result{ToolCallID: "call_ghost", Name: "x", OK: true, Data: json.RawMessage(`{}`)})
	assert.Error(t, err)

	err = s.AppendToolResult(tool.Result{Name: "x"})
	assert.Error(t, err)
}

func TestAppendToolResultIsIdempotent(t *testing.T) {
	s := New(nil)
	s.AppendAssistantToolCalls("", []openai.ToolCall{
		{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "get_weather", Arguments: "{}"}},
	})

	result := tool.Result{ToolCallID: "call_1", Name: "get_weather", OK: true, Data: json.RawMessage(`{"temp":22}`)}
	require.NoError(t, s.AppendToolResult(result))
	lengthAfterFirst := s.Len()
	require.NoError(t, s.AppendToolResult(result))

	assert.Equal(t, lengthAfterFirst, s.Len())
}

func TestFormatDistinguishesFailureKinds(t *testing.T) {
	s := New(nil)
	s.AppendAssistantToolCalls("", []openai.ToolCall{
		{ID: "call_1", Function: openai.FunctionCall{Name: "get_weather"}},
		{ID: "call_2", Function: openai.FunctionCall{Name: "get_weather"}},
		{ID: "call_3", Function: openai.FunctionCall{Name: "get_weather"}},
	})

	require.NoError(t, s.AppendToolResult(tool.Result{
		ToolCallID: "call_1", Name: "get_weather", OK: true, Data: json.RawMessage(`{"temp":22}`),
	}))
	require.NoError(t, s.AppendToolResult(tool.Result{
		ToolCallID: "call_2", Name: "get_weather", Failure: tool.FailureSchema, ErrorMessage: "missing required field: city",
	}))
	require.NoError(t, s.AppendToolResult(tool.Result{
		ToolCallID: "call_3", Name: "get_weather", Failure: tool.FailureRuntime, ErrorMessage: "upstream status 500",
	}))

	snapshot := s.Snapshot()
	var success, schema, runtime map[string]any
	require.NoError(t, json.Unmarshal([]byte(snapshot[1].Content), &success))
	require.NoError(t, json.Unmarshal([]byte(snapshot[2].Content), &schema))
	require.NoError(t, json.Unmarshal([]byte(snapshot[3].Content), &runtime))

	assert.Equal(t, "result of tool get_weather", success["about"])
	assert.Contains(t, schema["about"], "rejected the arguments")
	assert.Contains(t, runtime["about"], "failed at runtime")
	assert.NotEqual(t, schema["about"], runtime["about"])
}

func TestToolMessagesCarryCallID(t *testing.T) {
	s := New(nil)
	s.AppendAssistantToolCalls("", []openai.ToolCall{
		{ID: "call_1", Function: openai.FunctionCall{Name: "calculate"}},
	})
	require.NoError(t, s.AppendToolResult(tool.Result{
		ToolCallID: "call_1", Name: "calculate", OK: true, Data: json.RawMessage(`{"result":4}`),
	}))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "calculate", last.Name)
}

func TestRecordUsageAccumulates(t *testing.T) {
	s := New(nil)
	s.RecordUsage(10, 5)
	s.RecordUsage(7, 3)

	assert.Equal(t, 17, s.TokensIn())
	assert.Equal(t, 8, s.TokensOut())
}
