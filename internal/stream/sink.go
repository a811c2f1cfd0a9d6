package stream

import (
	"github.com/percolation-labs/percolate/internal/dialect"
)

// dialectSink re-encodes a canonical event stream into a client dialect on
// the way to an inner sink. The agent loop always produces canonical events;
// this wrapper lets one run serve Anthropic- and Google-dialect clients
// without the loop knowing about encodings.
type dialectSink struct {
	inner Sink
	enc   encoder
	state *State
}

// NewDialectSink wraps a sink with target-dialect encoding. The openai
// target is the identity: the inner sink is returned as-is.
func NewDialectSink(inner Sink, target dialect.Scheme, model string) Sink {
	if target == "" || target == dialect.SchemeOpenAI {
		return inner
	}
	state := newState(target, target, model)
	return &dialectSink{inner: inner, enc: newEncoder(target, state), state: state}
}

func (s *dialectSink) Send(ev Event) error {
	if ev.Chunk != nil && ev.Chunk.Usage != nil {
		s.state.RecordUsage(ev.Chunk.Usage.PromptTokens, ev.Chunk.Usage.CompletionTokens)
	}
	if ev.IsDone() {
		for _, out := range s.enc.done() {
			if err := s.inner.Send(out); err != nil {
				return err
			}
		}
		return nil
	}

	// Side-channel events (function announcements) pass through unencoded.
	if ev.Chunk == nil {
		return s.inner.Send(ev)
	}

	for _, out := range s.enc.encode(*ev.Chunk) {
		if err := s.inner.Send(out); err != nil {
			return err
		}
	}
	return nil
}
