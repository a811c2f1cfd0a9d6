package stream

import (
	"encoding/json"
	"log/slog"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

// processOpenAI normalises one OpenAI chat.completion.chunk frame. Content
// deltas are relayed as-is; tool-call deltas are buffered until the upstream
// reports finish_reason=tool_calls, at which point one finalisation chunk
// carries the assembled calls.
func (a *Adapter) processOpenAI(frame Frame) []openai.ChatCompletionStreamResponse {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
		slog.Debug("Skipping malformed upstream chunk", "source", a.state.Source, "error", err)
		return nil
	}

	if chunk.Usage != nil {
		a.state.RecordUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
	}

	var out []openai.ChatCompletionStreamResponse
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}

		if choice.Delta.Content != "" {
			a.state.AppendContent(choice.Delta.Content)
			out = append(out, dialect.ContentChunk(a.state.ID, a.state.Model, choice.Delta.Content))
		}

		for _, call := range choice.Delta.ToolCalls {
			index := 0
			if call.Index != nil {
				index = *call.Index
			}
			a.state.BufferToolCall(index, call.ID, call.Function.Name, call.Function.Arguments)
			if a.opts.RelayToolEvents {
				relay := dialect.ContentChunk(a.state.ID, a.state.Model, "")
				relay.Choices[0].Delta = openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{call}}
				out = append(out, relay)
			}
		}

		switch choice.FinishReason {
		case "", openai.FinishReasonNull:
		case openai.FinishReasonToolCalls:
			out = append(out, dialect.ToolCallsChunk(a.state.ID, a.state.Model, a.state.AssembledToolCalls()))
		default:
			out = append(out, dialect.FinishChunk(a.state.ID, a.state.Model, choice.FinishReason))
		}
	}

	return out
}
