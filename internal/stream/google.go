package stream

import (
	"encoding/json"
	"log/slog"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

// processGoogle normalises one streamGenerateContent chunk. Google delivers
// each functionCall complete inside a single part, so the closing of such a
// part finalises the call; tool-call presence overrides the reported
// finishReason.
func (a *Adapter) processGoogle(frame Frame) []openai.ChatCompletionStreamResponse {
	var chunk dialect.GoogleResponse
	if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
		slog.Debug("Skipping malformed upstream chunk", "source", a.state.Source, "error", err)
		return nil
	}

	if chunk.UsageMetadata != nil {
		a.state.RecordUsage(chunk.UsageMetadata.PromptTokenCount, chunk.UsageMetadata.CandidatesTokenCount)
	}

	var out []openai.ChatCompletionStreamResponse
	finishWire := ""
	for _, candidate := range chunk.Candidates {
		if candidate.Index != 0 {
			continue
		}
		if candidate.FinishReason != "" {
			finishWire = candidate.FinishReason
		}

		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				// Google carries no vendor id for function calls; mint one so
				// tool results can reference the call downstream.
				a.state.BufferToolCall(a.state.nextToolSlot, dialect.NewID("call"), part.FunctionCall.Name, args)
				continue
			}
			if part.Text != "" {
				a.state.AppendContent(part.Text)
				out = append(out, dialect.ContentChunk(a.state.ID, a.state.Model, part.Text))
			}
		}
	}

	if finishWire != "" {
		if calls := a.state.AssembledToolCalls(); len(calls) > 0 {
			out = append(out, dialect.ToolCallsChunk(a.state.ID, a.state.Model, calls))
		} else {
			out = append(out, dialect.FinishChunk(a.state.ID, a.state.Model, dialect.FromGoogleFinishReason(finishWire, false)))
		}
	}

	return out
}
