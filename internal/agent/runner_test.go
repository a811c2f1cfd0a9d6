package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/percolation-labs/percolate/internal/audit"
	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/dialect"
	"github.com/percolation-labs/percolate/internal/idempotency"
	"github.com/percolation-labs/percolate/internal/provider"
	"github.com/percolation-labs/percolate/internal/store"
	"github.com/percolation-labs/percolate/internal/stream"
	"github.com/percolation-labs/percolate/internal/tool"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []stream.Event
}

func (s *captureSink) Send(ev stream.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) dones() int {
	n := 0
	for _, ev := range s.events {
		if ev.IsDone() {
			n++
		}
	}
	return n
}

func (s *captureSink) contents() string {
	out := ""
	for _, ev := range s.events {
		if ev.Chunk == nil {
			continue
		}
		for _, choice := range ev.Chunk.Choices {
			out += choice.Delta.Content
		}
	}
	return out
}

func sseContent(text string) string {
	chunk := openai.ChatCompletionStreamResponse{
		Object: "chat.completion.chunk",
		Model:  "gpt-4o-mini",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
		}},
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

func sseFinish(reason openai.FinishReason) string {
	chunk := openai.ChatCompletionStreamResponse{
		Object:  "chat.completion.chunk",
		Model:   "gpt-4o-mini",
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: reason}},
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

func sseToolCall(id, name, args string) string {
	idx := 0
	chunk := openai.ChatCompletionStreamResponse{
		Object: "chat.completion.chunk",
		Model:  "gpt-4o-mini",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				ID:       id,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: args},
			}}},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

func newTestRunner(t *testing.T, endpoint string, opts Options) (*Runner, *tool.Catalog) {
	t.Helper()
	t.Setenv("TEST_RUNNER_KEY", "sk-test")

	providers, err := provider.NewRegistry(config.ProvidersConfig{
		Default: "gpt-4o-mini",
		Registry: []config.ProviderRow{{
			Name:        "gpt-4o-mini",
			Scheme:      "openai",
			Endpoint:    endpoint,
			AuthStyle:   provider.AuthBearerHeader,
			TokenEnvVar: "TEST_RUNNER_KEY",
		}},
	})
	require.NoError(t, err)

	catalog := tool.NewCatalog()
	require.NoError(t, catalog.Register(tool.Spec{
		Key: "get_weather",
		Native: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]int{"temp": 22}, nil
		},
	}))

	auditor := audit.NewCollector(nil, nil, config.AuditConfig{Enabled: false})
	return NewRunner(providers, tool.NewInvoker(catalog, time.Second), auditor, opts), catalog
}

func chatReq(stream bool) *dialect.Request {
	return &dialect.Request{
		Source: dialect.SchemeOpenAI,
		Chat: openai.ChatCompletionRequest{
			Model:  "gpt-4o-mini",
			Stream: stream,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: "What's the weather in NYC?"},
			},
		},
	}
}

func TestRunStreamingToolLoop(t *testing.T) {
	var requests atomic.Int32
	var secondBody openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		round := requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		if round == 1 {
			fmt.Fprint(w, sseContent("Let me check."))
			fmt.Fprint(w, sseToolCall("call_1", "get_weather", `{"city":"NYC"}`))
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		json.NewDecoder(r.Body).Decode(&secondBody)
		fmt.Fprint(w, sseContent("It's 22°C in NYC."))
		fmt.Fprint(w, sseFinish(openai.FinishReasonStop))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{
		MaxIterations:     5,
		AnnounceFunctions: true,
		ToolStatusChunks:  false,
	})

	sink := &captureSink{}
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	require.NoError(t, runner.RunStreaming(context.Background(), chatReq(true), cc, sink))

	assert.Equal(t, int32(2), requests.Load())
	assert.Contains(t, sink.contents(), "Let me check.")
	assert.Contains(t, sink.contents(), "It's 22°C in NYC.")
	assert.Equal(t, 1, sink.dones())
	assert.True(t, sink.events[len(sink.events)-1].IsDone())

	var announcement *stream.Event
	for i := range sink.events {
		if sink.events[i].Name == "function_call" {
			announcement = &sink.events[i]
		}
	}
	require.NotNil(t, announcement)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(announcement.Data), &payload))
	assert.Equal(t, "get_weather", payload["name"])

	// Round 2 sees the assistant tool_calls turn and the tool result.
	roles := make([]string, 0, len(secondBody.Messages))
	for _, msg := range secondBody.Messages {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []string{"user", "assistant", "tool"}, roles)
	assert.Equal(t, "call_1", secondBody.Messages[2].ToolCallID)
	assert.Contains(t, secondBody.Messages[2].Content, "temp")
}

func TestRunStreamingIterationCap(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseToolCall("call_1", "get_weather", `{"city":"NYC"}`))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{MaxIterations: 5})

	sink := &captureSink{}
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	cc.MaxIterations = 1
	require.NoError(t, runner.RunStreaming(context.Background(), chatReq(true), cc, sink))

	assert.Equal(t, int32(1), requests.Load())
	assert.Contains(t, sink.contents(), LimitMessage)
	assert.Equal(t, 1, sink.dones())

	var finishes []openai.FinishReason
	for _, ev := range sink.events {
		if ev.Chunk == nil {
			continue
		}
		for _, choice := range ev.Chunk.Choices {
			if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
				finishes = append(finishes, choice.FinishReason)
			}
		}
	}
	require.NotEmpty(t, finishes)
	assert.Equal(t, openai.FinishReasonStop, finishes[len(finishes)-1])
}

func TestRunRetriesRetriableProviderErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseContent("recovered"))
		fmt.Fprint(w, sseFinish(openai.FinishReasonStop))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{
		MaxIterations:  5,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	sink := &captureSink{}
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	require.NoError(t, runner.RunStreaming(context.Background(), chatReq(true), cc, sink))

	assert.Equal(t, int32(3), requests.Load())
	assert.Contains(t, sink.contents(), "recovered")
}

func TestRunSurfacesNonRetriableErrorAsErrorChunk(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{
		MaxIterations:  5,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	sink := &captureSink{}
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	require.NoError(t, runner.RunStreaming(context.Background(), chatReq(true), cc, sink))

	assert.Equal(t, int32(1), requests.Load(), "4xx must not be retried")

	var sawError bool
	for _, ev := range sink.events {
		if ev.Chunk == nil {
			continue
		}
		for _, choice := range ev.Chunk.Choices {
			if choice.FinishReason == dialect.FinishReasonError {
				sawError = true
			}
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, 1, sink.dones())
}

func TestRunStopsOnCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseContent("hello"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{MaxIterations: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &captureSink{}
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	err := runner.RunStreaming(ctx, chatReq(true), cc, sink)
	require.Error(t, err)
	assert.Equal(t, 0, sink.dones(), "cancelled runs emit no further output")
}

func TestRunBlockingAssemblesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseContent("Hi"))
		fmt.Fprint(w, sseContent(" there"))
		fmt.Fprint(w, sseFinish(openai.FinishReasonStop))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	runner, _ := newTestRunner(t, server.URL, Options{MaxIterations: 5})

	cc := NewCallingContext("", "u1", "gpt-4o-mini", false)
	resp, err := runner.RunBlocking(context.Background(), chatReq(false), cc)
	require.NoError(t, err)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "chat.completion", resp.Object)
}

// Two runs carrying the same session id must both land in the audit trail:
// the second run's calls continue the session's ordinals instead of being
// swallowed as duplicates of the first run's.
func TestRunsSharingSessionAuditSeparately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseContent("hello"))
		fmt.Fprint(w, sseFinish(openai.FinishReasonStop))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	st, err := store.Open(t.TempDir(), store.LockConfig{
		Timeout: time.Second, Retry: 10 * time.Millisecond, MaxRetry: 5,
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	keys, err := idempotency.NewStore(filepath.Join(st.Base(), "audit-keys.json"))
	require.NoError(t, err)
	auditor := audit.NewCollector(st, keys, config.AuditConfig{Enabled: true, IdempotencyTTL: "24h"})

	runner, _ := newTestRunner(t, server.URL, Options{MaxIterations: 5})
	runner.auditor = auditor

	cc := NewCallingContext("sess_shared", "u1", "gpt-4o-mini", false)
	_, err = runner.RunBlocking(context.Background(), chatReq(false), cc)
	require.NoError(t, err)
	_, err = runner.RunBlocking(context.Background(), chatReq(false), cc)
	require.NoError(t, err)

	assert.True(t, st.Exists("sessions", "sess_shared", "call_0000.json"))
	assert.True(t, st.Exists("sessions", "sess_shared", "call_0001.json"))
}

func TestAgentRegistry(t *testing.T) {
	r := NewAgentRegistry([]config.AgentConfig{
		{Name: "support", SystemPrompt: "You handle support tickets.", Model: "gpt-4o-mini", Tools: []string{"get_weather"}},
		{Name: "", SystemPrompt: "nameless rows are dropped"},
	})

	agent, err := r.Get("support")
	require.NoError(t, err)
	assert.Equal(t, "You handle support tickets.", agent.SystemPrompt)

	_, err = r.Get("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"support"}, r.Names())

	r.Reload([]config.AgentConfig{{Name: "sales", Model: "claude-3-5-sonnet"}})
	assert.Equal(t, []string{"sales"}, r.Names())
}

func TestNewCallingContextMintsSession(t *testing.T) {
	cc := NewCallingContext("", "u1", "gpt-4o-mini", true)
	assert.NotEmpty(t, cc.SessionID)

	cc2 := NewCallingContext("sess_given", "u1", "gpt-4o-mini", true)
	assert.Equal(t, "sess_given", cc2.SessionID)
}
