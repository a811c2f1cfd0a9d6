package dialect

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// FromAnthropicStopReason maps an Anthropic stop_reason onto the canonical
// finish reason set.
func FromAnthropicStopReason(stop string) openai.FinishReason {
	switch strings.TrimSpace(stop) {
	case "end_turn", "stop_sequence":
		return openai.FinishReasonStop
	case "tool_use":
		return openai.FinishReasonToolCalls
	case "max_tokens":
		return openai.FinishReasonLength
	case "":
		return openai.FinishReasonNull
	}
	return openai.FinishReasonStop
}

// FromGoogleFinishReason maps a Google finishReason onto the canonical set.
// The presence of assembled function calls overrides to tool_calls.
func FromGoogleFinishReason(finish string, hasToolCalls bool) openai.FinishReason {
	if hasToolCalls {
		return openai.FinishReasonToolCalls
	}
	switch strings.ToUpper(strings.TrimSpace(finish)) {
	case "STOP":
		return openai.FinishReasonStop
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return openai.FinishReasonContentFilter
	case "":
		return openai.FinishReasonNull
	}
	return openai.FinishReasonStop
}

// ToAnthropicStopReason renders a canonical finish reason in the Anthropic
// dialect.
func ToAnthropicStopReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls:
		return "tool_use"
	case openai.FinishReasonLength:
		return "max_tokens"
	case openai.FinishReasonContentFilter:
		return "stop_sequence"
	}
	return "end_turn"
}

// ToGoogleFinishReason renders a canonical finish reason in the Google
// dialect. Tool calls carry no distinct finish marker there; STOP is used.
func ToGoogleFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonLength:
		return "MAX_TOKENS"
	case openai.FinishReasonContentFilter:
		return "SAFETY"
	}
	return "STOP"
}
