package stream

import (
	"sort"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

// State tracks one request's streaming progress. It is owned by a single
// adapter and never shared between requests. Content and tool-call argument
// strings only ever grow.
type State struct {
	Source dialect.Scheme
	Target dialect.Scheme
	Model  string
	ID     string

	Content      string
	FinishReason openai.FinishReason
	Usage        openai.Usage
	UsageSeen    bool
	SawToolEvent bool

	FinishEmitted bool
	DoneEmitted   bool

	toolCalls map[int]*openai.ToolCall

	// Anthropic content-block bookkeeping: block index -> tool-call index.
	blockToTool  map[int]int
	nextToolSlot int
}

func newState(source, target dialect.Scheme, model string) *State {
	return &State{
		Source:      source,
		Target:      target,
		Model:       model,
		ID:          dialect.NewID("chatcmpl"),
		toolCalls:   make(map[int]*openai.ToolCall),
		blockToTool: make(map[int]int),
	}
}

// AppendContent records a relayed prose delta.
func (s *State) AppendContent(text string) {
	s.Content += text
}

// BufferToolCall accumulates one tool-call delta. The first id and name seen
// for an index win; argument fragments append in arrival order.
func (s *State) BufferToolCall(index int, id, name, argsFragment string) {
	call, ok := s.toolCalls[index]
	if !ok {
		idx := index
		call = &openai.ToolCall{Index: &idx, Type: openai.ToolTypeFunction}
		s.toolCalls[index] = call
		if index >= s.nextToolSlot {
			s.nextToolSlot = index + 1
		}
	}
	if call.ID == "" {
		call.ID = id
	}
	if call.Function.Name == "" {
		call.Function.Name = name
	}
	call.Function.Arguments += argsFragment
	s.SawToolEvent = true
}

// allocToolSlot reserves the next tool-call index for a newly opened
// Anthropic tool_use block.
func (s *State) allocToolSlot(blockIndex int) int {
	slot := s.nextToolSlot
	s.nextToolSlot++
	s.blockToTool[blockIndex] = slot
	return slot
}

func (s *State) toolSlotFor(blockIndex int) (int, bool) {
	slot, ok := s.blockToTool[blockIndex]
	return slot, ok
}

// AssembledToolCalls returns the buffered tool calls in index order.
func (s *State) AssembledToolCalls() []openai.ToolCall {
	if len(s.toolCalls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.toolCalls))
	for idx := range s.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]openai.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, *s.toolCalls[idx])
	}
	return out
}

// RecordUsage folds upstream token counts into the state. Providers report
// usage at different points; later reports override earlier partials.
func (s *State) RecordUsage(prompt, completion int) {
	if prompt > 0 {
		s.Usage.PromptTokens = prompt
	}
	if completion > 0 {
		s.Usage.CompletionTokens = completion
	}
	s.Usage.TotalTokens = s.Usage.PromptTokens + s.Usage.CompletionTokens
	s.UsageSeen = true
}
