package dialect

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	openai "github.com/sashabaranov/go-openai"
)

// FinishReasonError is emitted when an upstream failure terminates a stream.
const FinishReasonError openai.FinishReason = "error"

// ObjectChunk and ObjectCompletion are the canonical wire object tags.
const (
	ObjectChunk      = "chat.completion.chunk"
	ObjectCompletion = "chat.completion"
)

// NewID mints a vendor-style identifier with the given prefix.
func NewID(prefix string) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func newChunk(id, model string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Model:   model,
	}
}

// ContentChunk builds a canonical chunk relaying one prose delta.
func ContentChunk(id, model, text string) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Choices = []openai.ChatCompletionStreamChoice{
		{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
	}
	return chunk
}

// RoleChunk builds the leading chunk carrying the assistant role.
func RoleChunk(id, model string) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Choices = []openai.ChatCompletionStreamChoice{
		{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}},
	}
	return chunk
}

// ToolCallsChunk builds the finalisation chunk carrying fully assembled tool
// calls and finish_reason=tool_calls.
func ToolCallsChunk(id, model string, calls []openai.ToolCall) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Choices = []openai.ChatCompletionStreamChoice{
		{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{ToolCalls: calls},
			FinishReason: openai.FinishReasonToolCalls,
		},
	}
	return chunk
}

// FinishChunk builds a terminal chunk with the given finish reason.
func FinishChunk(id, model string, reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Choices = []openai.ChatCompletionStreamChoice{
		{Index: 0, FinishReason: reason},
	}
	return chunk
}

// UsageChunk builds a terminal chunk propagating upstream token usage.
func UsageChunk(id, model string, usage openai.Usage) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Usage = &usage
	chunk.Choices = []openai.ChatCompletionStreamChoice{}
	return chunk
}

// ErrorChunk renders an upstream failure as a human-readable content fragment
// with finish_reason=error.
func ErrorChunk(id, model, message string) openai.ChatCompletionStreamResponse {
	chunk := newChunk(id, model)
	chunk.Choices = []openai.ChatCompletionStreamChoice{
		{
			Index:        0,
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: message},
			FinishReason: FinishReasonError,
		},
	}
	return chunk
}
