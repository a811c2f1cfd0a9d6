package stream

import (
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// Collect drains the adapter and assembles the full completion the stream
// described. Used when the caller asked for a non-streaming response or when
// the agent runner needs the whole assistant turn before acting on it.
func Collect(a *Adapter) (*openai.ChatCompletionResponse, error) {
	for {
		if _, err := a.Next(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	state := a.State()
	message := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: state.Content,
	}
	if calls := state.AssembledToolCalls(); len(calls) > 0 {
		message.ToolCalls = calls
	}

	finish := state.FinishReason
	if finish == "" {
		finish = openai.FinishReasonStop
	}

	return &openai.ChatCompletionResponse{
		ID:      state.ID,
		Object:  "chat.completion",
		Model:   state.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finish,
		}},
		Usage: state.Usage,
	}, nil
}
