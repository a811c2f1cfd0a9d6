package message

import (
	"encoding/json"
	"fmt"

	percoErrors "github.com/percolation-labs/percolate/internal/errors"
	"github.com/percolation-labs/percolate/internal/tool"

	openai "github.com/sashabaranov/go-openai"
)

// Stack is the ordered conversation a run feeds to the model. It is owned by
// exactly one runner; mutations are serialised by that ownership, so there is
// no lock. System messages stay at the head, and every tool message
// references a tool call announced by a prior assistant message.
type Stack struct {
	messages []openai.ChatCompletionMessage

	// announced tool-call ids awaiting (or holding) a result
	announced map[string]bool
	// tool-call ids whose result is already on the stack
	resolved map[string]bool

	tokensIn  int
	tokensOut int
}

// New builds a stack from incoming request messages, lifting system messages
// to the head while preserving their relative order.
func New(msgs []openai.ChatCompletionMessage) *Stack {
	s := &Stack{
		announced: make(map[string]bool),
		resolved:  make(map[string]bool),
	}

	for _, msg := range msgs {
		if msg.Role == openai.ChatMessageRoleSystem {
			s.messages = append(s.messages, msg)
		}
	}
	for _, msg := range msgs {
		if msg.Role == openai.ChatMessageRoleSystem {
			continue
		}
		s.messages = append(s.messages, msg)
		for _, call := range msg.ToolCalls {
			s.announced[call.ID] = true
		}
		if msg.Role == openai.ChatMessageRoleTool && msg.ToolCallID != "" {
			s.resolved[msg.ToolCallID] = true
		}
	}
	return s
}

// EnsureSystem prepends a system prompt when the conversation has none.
func (s *Stack) EnsureSystem(prompt string) {
	if prompt == "" {
		return
	}
	for _, msg := range s.messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			return
		}
	}
	s.messages = append([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
	}, s.messages...)
}

// AppendUser adds a user turn.
func (s *Stack) AppendUser(content string) {
	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
}

// AppendAssistantText adds a plain assistant turn.
func (s *Stack) AppendAssistantText(content string) {
	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	})
}

// AppendAssistantToolCalls adds the assistant turn that announces tool calls.
// The announced ids become valid targets for AppendToolResult.
func (s *Stack) AppendAssistantToolCalls(content string, calls []openai.ToolCall) {
	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})
	for _, call := range calls {
		s.announced[call.ID] = true
	}
}

// AppendToolResult materialises a tool outcome as a role=tool message. The
// append is idempotent on tool_call_id: a result that is already on the
// stack is dropped. A result whose id was never announced is rejected.
func (s *Stack) AppendToolResult(result tool.Result) error {
	if result.ToolCallID == "" {
		return percoErrors.InvalidInput("tool result missing tool_call_id")
	}
	if !s.announced[result.ToolCallID] {
		return percoErrors.InvalidInput(fmt.Sprintf("tool result %s references no announced tool call", result.ToolCallID))
	}
	if s.resolved[result.ToolCallID] {
		return nil
	}

	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Name:       result.Name,
		ToolCallID: result.ToolCallID,
		Content:    formatResult(result),
	})
	s.resolved[result.ToolCallID] = true
	return nil
}

// formatResult renders a tool outcome as the JSON envelope the model sees.
// Schema violations and runtime failures get distinct "about" lines so the
// model knows whether to fix its arguments or change tactics.
func formatResult(result tool.Result) string {
	var envelope map[string]any
	switch {
	case result.OK:
		var data any
		if err := json.Unmarshal(result.Data, &data); err != nil {
			data = string(result.Data)
		}
		envelope = map[string]any{
			"about": fmt.Sprintf("result of tool %s", result.Name),
			"data":  data,
		}
	case result.Failure == tool.FailureSchema:
		envelope = map[string]any{
			"about": fmt.Sprintf("tool %s rejected the arguments", result.Name),
			"error": result.ErrorMessage,
		}
	default:
		envelope = map[string]any{
			"about": fmt.Sprintf("tool %s failed at runtime", result.Name),
			"error": result.ErrorMessage,
		}
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Sprintf(`{"about":"tool %s","error":"unencodable result"}`, result.Name)
	}
	return string(data)
}

// Snapshot returns a read-only copy of the conversation for a provider call.
func (s *Stack) Snapshot() []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent message, if any.
func (s *Stack) Last() (openai.ChatCompletionMessage, bool) {
	if len(s.messages) == 0 {
		return openai.ChatCompletionMessage{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len reports the number of messages.
func (s *Stack) Len() int {
	return len(s.messages)
}

// RecordUsage accumulates provider-reported token counts for the run.
func (s *Stack) RecordUsage(tokensIn, tokensOut int) {
	s.tokensIn += tokensIn
	s.tokensOut += tokensOut
}

// TokensIn returns cumulative prompt tokens reported across calls.
func (s *Stack) TokensIn() int { return s.tokensIn }

// TokensOut returns cumulative completion tokens reported across calls.
func (s *Stack) TokensOut() int { return s.tokensOut }
