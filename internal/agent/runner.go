package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/percolation-labs/percolate/internal/audit"
	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/dialect"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
	"github.com/percolation-labs/percolate/internal/message"
	"github.com/percolation-labs/percolate/internal/provider"
	"github.com/percolation-labs/percolate/internal/stream"
	"github.com/percolation-labs/percolate/internal/tool"

	openai "github.com/sashabaranov/go-openai"
)

// LimitMessage is the assistant turn injected when the iteration cap is hit
// with pending tool calls, so clients never receive a dangling tool_calls
// finish.
const LimitMessage = "Maximum tool iterations reached; returning partial result."

// Options tune the agent loop.
type Options struct {
	MaxIterations     int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	AnnounceFunctions bool
	ToolStatusChunks  bool

	// RelayToolEvents forwards raw tool-call deltas to clients while they are
	// still being assembled, in addition to the finalisation chunk.
	RelayToolEvents bool
}

// OptionsFrom reads runner options out of configuration.
func OptionsFrom(cfg config.RunnerConfig) Options {
	baseDelay, _ := config.DurationOrDefault(cfg.RetryBaseDelay, config.DefaultRunnerRetryBaseDelay)
	maxIterations := cfg.MaxIterations
	if maxIterations < 1 {
		maxIterations = config.DefaultRunnerMaxIterations
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = config.DefaultRunnerMaxRetries
	}
	return Options{
		MaxIterations:     maxIterations,
		MaxRetries:        maxRetries,
		RetryBaseDelay:    baseDelay,
		AnnounceFunctions: cfg.AnnounceFunctions,
		ToolStatusChunks:  cfg.ToolStatusChunks,
		RelayToolEvents:   cfg.RelayToolEvents,
	}
}

// Runner drives the bounded agent loop: model call, tool-call detection,
// tool invocation, repeat. One Runner serves many concurrent runs; all
// per-run state lives on the stack of run().
type Runner struct {
	providers *provider.Registry
	invoker   *tool.Invoker
	auditor   *audit.Collector
	opts      Options
}

func NewRunner(providers *provider.Registry, invoker *tool.Invoker, auditor *audit.Collector, opts Options) *Runner {
	return &Runner{
		providers: providers,
		invoker:   invoker,
		auditor:   auditor,
		opts:      opts,
	}
}

// RunStreaming executes a run, forwarding canonical events to the sink as
// they are produced. Provider failures after retry exhaustion are rendered
// into the stream rather than returned; the error return covers sink
// transport failures only.
func (r *Runner) RunStreaming(ctx context.Context, req *dialect.Request, cc CallingContext, sink stream.Sink) error {
	_, err := r.run(ctx, req, cc, sink)
	return err
}

// RunBlocking executes a run and returns the final assembled response.
func (r *Runner) RunBlocking(ctx context.Context, req *dialect.Request, cc CallingContext) (*openai.ChatCompletionResponse, error) {
	return r.run(ctx, req, cc, nil)
}

func (r *Runner) run(ctx context.Context, req *dialect.Request, cc CallingContext, sink stream.Sink) (*openai.ChatCompletionResponse, error) {
	start := time.Now()

	model := cc.ModelName
	if model == "" {
		model = req.Chat.Model
	}

	maxIterations := cc.MaxIterations
	if maxIterations < 1 {
		maxIterations = r.opts.MaxIterations
	}

	stack := message.New(req.Chat.Messages)

	var (
		status       = audit.StatusResponse
		finalContent string
		finalID      string
		finishReason = openai.FinishReasonStop
		history      []openai.ToolCall
		runErr       error
	)

loop:
	for iteration := 0; iteration < maxIterations; iteration++ {
		if ctx.Err() != nil {
			status = audit.StatusCancelled
			runErr = percoErrors.Wrap(ctx.Err(), "run cancelled")
			break
		}

		chat := req.Chat
		chat.Model = model
		chat.Messages = stack.Snapshot()

		prov, err := r.providers.Route(model, req.Provider)
		if err != nil {
			status = audit.StatusError
			if sink == nil {
				runErr = err
			}
			r.renderError(sink, finalID, model, err)
			break
		}

		body, err := r.callWithRetry(ctx, prov, &dialect.Request{Source: req.Source, Chat: chat})
		if err != nil {
			if ctx.Err() != nil {
				status = audit.StatusCancelled
				runErr = percoErrors.Wrap(ctx.Err(), "run cancelled")
				break
			}
			status = audit.StatusError
			if sink == nil {
				runErr = err
			}
			r.renderError(sink, finalID, model, err)
			break
		}

		adapter := stream.New(body, stream.Options{
			Source:            prov.Scheme,
			Model:             model,
			AnnounceFunctions: r.opts.AnnounceFunctions,
			RelayToolEvents:   r.opts.RelayToolEvents,
		})

		cancelled := false
		var sinkErr error
		for {
			ev, err := adapter.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			// The run owns the single terminal sentinel.
			if sink != nil && !ev.IsDone() {
				if sinkErr = sink.Send(ev); sinkErr != nil {
					break
				}
			}
		}
		body.Close()

		if cancelled || sinkErr != nil {
			status = audit.StatusCancelled
			if sinkErr != nil {
				runErr = percoErrors.Wrap(sinkErr, "client stream")
			} else {
				runErr = percoErrors.Wrap(ctx.Err(), "run cancelled")
			}
			break
		}

		state := adapter.State()
		stack.RecordUsage(state.Usage.PromptTokens, state.Usage.CompletionTokens)
		finalID = state.ID
		finalContent = state.Content
		finishReason = state.FinishReason
		calls := state.AssembledToolCalls()

		r.auditCall(cc, state, calls)

		if state.FinishReason == dialect.FinishReasonError {
			status = audit.StatusError
			break
		}
		if state.FinishReason != openai.FinishReasonToolCalls || len(calls) == 0 {
			break
		}

		// INVOKE
		history = append(history, calls...)
		stack.AppendAssistantToolCalls(state.Content, calls)
		r.sendStatusChunks(sink, state.ID, model, calls)

		results := r.invoker.InvokeAll(ctx, calls)
		for _, result := range results {
			if err := stack.AppendToolResult(result); err != nil {
				slog.Warn("Dropping tool result", "session", cc.SessionID, "error", err)
			}
		}

		if ctx.Err() != nil {
			status = audit.StatusCancelled
			runErr = percoErrors.Wrap(ctx.Err(), "run cancelled")
			break
		}

		// LIMIT
		if iteration == maxIterations-1 {
			stack.AppendAssistantText(LimitMessage)
			finalContent = LimitMessage
			finishReason = openai.FinishReasonStop
			if sink != nil {
				if err := sink.Send(stream.NewChunkEvent(dialect.ContentChunk(state.ID, model, LimitMessage))); err != nil {
					runErr = percoErrors.Wrap(err, "client stream")
					break loop
				}
				if err := sink.Send(stream.NewChunkEvent(dialect.FinishChunk(state.ID, model, openai.FinishReasonStop))); err != nil {
					runErr = percoErrors.Wrap(err, "client stream")
					break loop
				}
			}
			break
		}
	}

	if sink != nil && status != audit.StatusCancelled {
		if err := sink.Send(stream.DoneEvent()); err != nil && runErr == nil {
			runErr = percoErrors.Wrap(err, "client stream")
		}
	}

	r.auditor.RecordRollup(audit.SessionRollup{
		SessionID:       cc.SessionID,
		UserID:          cc.UserID,
		Model:           model,
		FinalContent:    finalContent,
		ToolCallHistory: history,
		TokensIn:        stack.TokensIn(),
		TokensOut:       stack.TokensOut(),
		Status:          status,
		LatencyMS:       time.Since(start).Milliseconds(),
	})

	if sink != nil {
		return nil, runErr
	}
	if runErr != nil {
		return nil, runErr
	}
	if finishReason == "" {
		finishReason = openai.FinishReasonStop
	}
	if finalID == "" {
		finalID = dialect.NewID("chatcmpl")
	}
	return &openai.ChatCompletionResponse{
		ID:      finalID,
		Object:  dialect.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: finalContent,
			},
			FinishReason: finishReason,
		}},
		Usage: openai.Usage{
			PromptTokens:     stack.TokensIn(),
			CompletionTokens: stack.TokensOut(),
			TotalTokens:      stack.TokensIn() + stack.TokensOut(),
		},
	}, nil
}

// callWithRetry dispatches the provider call, retrying retriable failures
// with exponential backoff and jitter.
func (r *Runner) callWithRetry(ctx context.Context, prov *provider.Provider, req *dialect.Request) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(r.opts.RetryBaseDelay, attempt)
			slog.Debug("Retrying provider call", "provider", prov.Name, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := prov.Stream(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !percoErrors.IsRetriableProvider(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoffDelay doubles the base per attempt with ±20% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (r *Runner) auditCall(cc CallingContext, state *stream.State, calls []openai.ToolCall) {
	callStatus := audit.StatusResponse
	switch state.FinishReason {
	case openai.FinishReasonToolCalls:
		callStatus = audit.StatusToolCalls
	case dialect.FinishReasonError:
		callStatus = audit.StatusError
	}

	r.auditor.RecordCall(audit.AIResponse{
		ID:        state.ID,
		SessionID: cc.SessionID,
		ModelName: state.Model,
		Role:      openai.ChatMessageRoleAssistant,
		Content:   state.Content,
		ToolCalls: calls,
		Status:    callStatus,
		TokensIn:  state.Usage.PromptTokens,
		TokensOut: state.Usage.CompletionTokens,
	})
}

// sendStatusChunks tells a watching client which tools are about to run.
// Emitted after the finalisation chunk and its announcements.
func (r *Runner) sendStatusChunks(sink stream.Sink, id, model string, calls []openai.ToolCall) {
	if sink == nil || !r.opts.ToolStatusChunks {
		return
	}
	for _, call := range calls {
		text := fmt.Sprintf("\n[calling tool %s...]\n", call.Function.Name)
		if err := sink.Send(stream.NewChunkEvent(dialect.ContentChunk(id, model, text))); err != nil {
			return
		}
	}
}

// renderError surfaces a terminal failure into the client stream as content
// plus an error finish.
func (r *Runner) renderError(sink stream.Sink, id, model string, err error) {
	if sink == nil {
		return
	}
	if id == "" {
		id = dialect.NewID("chatcmpl")
	}
	chunk := dialect.ErrorChunk(id, model, "upstream call failed: "+err.Error())
	if sendErr := sink.Send(stream.NewChunkEvent(chunk)); sendErr != nil {
		slog.Debug("Failed to render error chunk", "error", sendErr)
	}
}
