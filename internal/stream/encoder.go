package stream

import (
	"encoding/json"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

// encoder renders canonical chunks in the client's requested dialect.
type encoder interface {
	encode(chunk openai.ChatCompletionStreamResponse) []Event
	done() []Event
}

func newEncoder(target dialect.Scheme, state *State) encoder {
	switch target {
	case dialect.SchemeAnthropic:
		return &anthropicEncoder{state: state}
	case dialect.SchemeGoogle:
		return &googleEncoder{state: state}
	}
	return &openaiEncoder{}
}

// openaiEncoder is the identity encoding: one data line per canonical chunk,
// terminated by the [DONE] sentinel.
type openaiEncoder struct{}

func (e *openaiEncoder) encode(chunk openai.ChatCompletionStreamResponse) []Event {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	c := chunk
	return []Event{{Data: string(data), Chunk: &c}}
}

func (e *openaiEncoder) done() []Event {
	return []Event{{Data: DoneSentinel}}
}

// anthropicEncoder replays canonical chunks as an Anthropic event stream:
// message_start, content_block_* frames, message_delta with the mapped
// stop_reason, then message_stop. The Anthropic wire has no [DONE] sentinel.
type anthropicEncoder struct {
	state         *State
	started       bool
	textBlockOpen bool
	blockIndex    int
}

func (e *anthropicEncoder) encode(chunk openai.ChatCompletionStreamResponse) []Event {
	var out []Event
	c := chunk

	if !e.started {
		e.started = true
		out = append(out, anthropicEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      e.state.ID,
				"type":    "message",
				"role":    "assistant",
				"model":   e.state.Model,
				"content": []any{},
				"usage":   map[string]int{"input_tokens": e.state.Usage.PromptTokens, "output_tokens": 0},
			},
		}, &c))
	}

	attach := func(name string, payload map[string]any) {
		var chunkRef *openai.ChatCompletionStreamResponse
		if len(out) == 0 {
			chunkRef = &c
		}
		out = append(out, anthropicEvent(name, payload, chunkRef))
	}

	if chunk.Usage != nil {
		attach("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{},
			"usage": map[string]int{
				"input_tokens":  chunk.Usage.PromptTokens,
				"output_tokens": chunk.Usage.CompletionTokens,
			},
		})
		return out
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if !e.textBlockOpen {
				e.textBlockOpen = true
				attach("content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         e.blockIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				})
			}
			attach("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": e.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
			})
		}

		if len(choice.Delta.ToolCalls) > 0 {
			e.closeTextBlock(&out)
			for _, call := range choice.Delta.ToolCalls {
				attach("content_block_start", map[string]any{
					"type":  "content_block_start",
					"index": e.blockIndex,
					"content_block": map[string]any{
						"type": "tool_use",
						"id":   call.ID,
						"name": call.Function.Name,
					},
				})
				attach("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": e.blockIndex,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Function.Arguments},
				})
				attach("content_block_stop", map[string]any{
					"type":  "content_block_stop",
					"index": e.blockIndex,
				})
				e.blockIndex++
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			e.closeTextBlock(&out)
			attach("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": dialect.ToAnthropicStopReason(choice.FinishReason)},
				"usage": map[string]int{
					"input_tokens":  e.state.Usage.PromptTokens,
					"output_tokens": e.state.Usage.CompletionTokens,
				},
			})
		}
	}

	return out
}

func (e *anthropicEncoder) closeTextBlock(out *[]Event) {
	if !e.textBlockOpen {
		return
	}
	e.textBlockOpen = false
	*out = append(*out, anthropicEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	}, nil))
	e.blockIndex++
}

func (e *anthropicEncoder) done() []Event {
	return []Event{anthropicEvent("message_stop", map[string]any{"type": "message_stop"}, nil)}
}

func anthropicEvent(name string, payload map[string]any, chunk *openai.ChatCompletionStreamResponse) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{Name: name, Data: "{}"}
	}
	return Event{Name: name, Data: string(data), Chunk: chunk}
}

// googleEncoder renders each canonical chunk as one streamGenerateContent
// response chunk. The Google wire stream simply ends; there is no sentinel.
type googleEncoder struct {
	state *State
}

func (e *googleEncoder) encode(chunk openai.ChatCompletionStreamResponse) []Event {
	out := dialect.GoogleResponse{}

	if chunk.Usage != nil {
		out.UsageMetadata = &dialect.GoogleUsageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}

	candidate := dialect.GoogleCandidate{Content: dialect.GoogleContent{Role: "model"}}
	emitCandidate := false
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			candidate.Content.Parts = append(candidate.Content.Parts, dialect.GooglePart{Text: choice.Delta.Content})
			emitCandidate = true
		}
		for _, call := range choice.Delta.ToolCalls {
			args := json.RawMessage(call.Function.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			candidate.Content.Parts = append(candidate.Content.Parts, dialect.GooglePart{
				FunctionCall: &dialect.GoogleFunctionCall{Name: call.Function.Name, Args: args},
			})
			emitCandidate = true
		}
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			candidate.FinishReason = dialect.ToGoogleFinishReason(choice.FinishReason)
			emitCandidate = true
		}
	}

	if emitCandidate {
		out.Candidates = []dialect.GoogleCandidate{candidate}
	} else if out.UsageMetadata == nil {
		return nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	c := chunk
	return []Event{{Data: string(data), Chunk: &c}}
}

func (e *googleEncoder) done() []Event {
	return nil
}
