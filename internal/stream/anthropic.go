package stream

import (
	"encoding/json"
	"log/slog"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string                 `json:"id"`
		Model string                 `json:"model"`
		Usage dialect.AnthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *dialect.AnthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// processAnthropic normalises one Anthropic messages-stream event. Text
// deltas relay immediately; tool_use blocks open a buffered tool-call slot
// whose input_json_delta fragments append in arrival order; the message_delta
// carrying stop_reason=tool_use produces the finalisation chunk.
func (a *Adapter) processAnthropic(frame Frame) []openai.ChatCompletionStreamResponse {
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
		slog.Debug("Skipping malformed upstream event", "source", a.state.Source, "error", err)
		return nil
	}
	if event.Type == "" {
		event.Type = frame.Event
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			a.state.RecordUsage(event.Message.Usage.InputTokens, event.Message.Usage.OutputTokens)
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			slot := a.state.allocToolSlot(event.Index)
			a.state.BufferToolCall(slot, event.ContentBlock.ID, event.ContentBlock.Name, "")
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text == "" {
				return nil
			}
			a.state.AppendContent(event.Delta.Text)
			return []openai.ChatCompletionStreamResponse{
				dialect.ContentChunk(a.state.ID, a.state.Model, event.Delta.Text),
			}
		case "input_json_delta":
			if slot, ok := a.state.toolSlotFor(event.Index); ok {
				a.state.BufferToolCall(slot, "", "", event.Delta.PartialJSON)
			}
		}

	case "message_delta":
		if event.Usage != nil {
			a.state.RecordUsage(event.Usage.InputTokens, event.Usage.OutputTokens)
		}
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil
		}
		reason := dialect.FromAnthropicStopReason(event.Delta.StopReason)
		if reason == openai.FinishReasonToolCalls {
			return []openai.ChatCompletionStreamResponse{
				dialect.ToolCallsChunk(a.state.ID, a.state.Model, a.state.AssembledToolCalls()),
			}
		}
		return []openai.ChatCompletionStreamResponse{
			dialect.FinishChunk(a.state.ID, a.state.Model, reason),
		}

	case "error":
		message := "upstream error"
		if event.Error != nil && event.Error.Message != "" {
			message = event.Error.Message
		}
		return []openai.ChatCompletionStreamResponse{
			dialect.ErrorChunk(a.state.ID, a.state.Model, message),
		}

	case "message_stop", "ping", "content_block_stop":
		// No canonical emission.
	}

	return nil
}
