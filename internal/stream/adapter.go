package stream

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/percolation-labs/percolate/internal/dialect"

	openai "github.com/sashabaranov/go-openai"
)

// Options configure one adapter instance.
type Options struct {
	Source dialect.Scheme
	Target dialect.Scheme
	Model  string

	// RelayToolEvents forwards raw tool-call deltas to the client while they
	// are still being assembled. Off by default: clients normally only see
	// the finalisation chunk.
	RelayToolEvents bool

	// AnnounceFunctions emits one side-channel function_call event per
	// assembled tool call immediately after finalisation.
	AnnounceFunctions bool
}

// Adapter incrementally translates an upstream SSE body from the source
// dialect into client-facing events in the target dialect. It is pull-based:
// upstream is read only when the consumer asks for the next event, so the
// adapter never outruns a slow client.
//
// Prose deltas are relayed immediately. Tool-call fragments are buffered per
// index and surface only as a single finalisation chunk. Exactly one
// finish_reason chunk and one terminal sentinel are produced even when the
// upstream omits either.
type Adapter struct {
	frames  *frameReader
	state   *State
	opts    Options
	encoder encoder
	queue   []Event
	closed  bool
}

// New wraps an upstream SSE body. The caller remains responsible for closing
// the body after the adapter is drained.
func New(upstream io.Reader, opts Options) *Adapter {
	if opts.Target == "" {
		opts.Target = dialect.SchemeOpenAI
	}
	state := newState(opts.Source, opts.Target, opts.Model)
	return &Adapter{
		frames:  newFrameReader(upstream),
		state:   state,
		opts:    opts,
		encoder: newEncoder(opts.Target, state),
	}
}

// State exposes the adapter's stream state for inspection after (or during)
// a drain. Callers must not mutate it.
func (a *Adapter) State() *State {
	return a.state
}

// Next returns the next client-facing event. It returns io.EOF after the
// terminal sentinel has been delivered. Upstream parse problems never
// surface as errors: malformed frames are skipped and transport failures
// are rendered as an error chunk followed by the sentinel.
func (a *Adapter) Next() (Event, error) {
	for {
		if len(a.queue) > 0 {
			ev := a.queue[0]
			a.queue = a.queue[1:]
			return ev, nil
		}
		if a.closed {
			return Event{}, io.EOF
		}

		frame, err := a.frames.Next()
		if err == io.EOF {
			a.terminate("")
			continue
		}
		if err != nil {
			slog.Warn("Upstream stream read failed", "source", a.state.Source, "error", err)
			a.terminate("upstream stream error: " + err.Error())
			continue
		}
		a.process(frame)
	}
}

func (a *Adapter) process(frame Frame) {
	if frame.Data == DoneSentinel {
		a.terminate("")
		return
	}

	var chunks []openai.ChatCompletionStreamResponse
	switch a.state.Source {
	case dialect.SchemeAnthropic:
		chunks = a.processAnthropic(frame)
	case dialect.SchemeGoogle:
		chunks = a.processGoogle(frame)
	default:
		chunks = a.processOpenAI(frame)
	}

	for _, chunk := range chunks {
		a.push(chunk)
	}
}

// push encodes one canonical chunk into the target dialect and queues it,
// followed by function announcements when the chunk finalises tool calls.
func (a *Adapter) push(chunk openai.ChatCompletionStreamResponse) {
	finish := chunkFinishReason(&chunk)
	if finish != "" {
		if a.state.FinishEmitted {
			return
		}
		a.state.FinishEmitted = true
		a.state.FinishReason = finish
	}

	a.queue = append(a.queue, a.encoder.encode(chunk)...)

	if finish == openai.FinishReasonToolCalls && a.opts.AnnounceFunctions {
		a.queue = append(a.queue, announcements(chunk)...)
	}
}

// terminate enforces the termination invariants: assemble any pending tool
// calls, guarantee a single finish chunk, propagate usage, and emit the
// sentinel exactly once.
func (a *Adapter) terminate(errorMessage string) {
	if a.closed {
		return
	}

	if !a.state.FinishEmitted {
		switch {
		case errorMessage != "":
			a.push(dialect.ErrorChunk(a.state.ID, a.state.Model, errorMessage))
		case a.state.SawToolEvent && len(a.state.AssembledToolCalls()) > 0:
			a.push(dialect.ToolCallsChunk(a.state.ID, a.state.Model, a.state.AssembledToolCalls()))
		default:
			a.push(dialect.FinishChunk(a.state.ID, a.state.Model, openai.FinishReasonStop))
		}
	}

	if a.state.UsageSeen {
		a.queue = append(a.queue, a.encoder.encode(dialect.UsageChunk(a.state.ID, a.state.Model, a.state.Usage))...)
		a.state.UsageSeen = false
	}

	if !a.state.DoneEmitted {
		a.queue = append(a.queue, a.encoder.done()...)
		a.state.DoneEmitted = true
	}
	a.closed = true
}

func announcements(chunk openai.ChatCompletionStreamResponse) []Event {
	var out []Event
	for _, choice := range chunk.Choices {
		for _, call := range choice.Delta.ToolCalls {
			payload, err := json.Marshal(map[string]string{
				"name":      call.Function.Name,
				"arguments": call.Function.Arguments,
			})
			if err != nil {
				continue
			}
			out = append(out, Event{Name: "function_call", Data: string(payload)})
		}
	}
	return out
}

func chunkFinishReason(chunk *openai.ChatCompletionStreamResponse) openai.FinishReason {
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			return choice.FinishReason
		}
	}
	return ""
}
