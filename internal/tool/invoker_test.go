package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer"},
		},
		"required": []any{"city"},
	}
}

func TestInvokeUnknownToolAdvisesFallback(t *testing.T) {
	inv := NewInvoker(NewCatalog(), time.Second)

	result := inv.Invoke(context.Background(), "call_1", "no_such_tool", "{}")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "not available")
	assert.Contains(t, result.ErrorMessage, fallbackAdvice)
}

func TestInvokeSchemaMismatchAdvisesRetry(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(Spec{Key: "get_weather", Parameters: weatherSchema(), Native: nativeEcho}))
	inv := NewInvoker(c, time.Second)

	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{"days": 3}`},
		{"wrong type", `{"city": 42}`},
		{"not an object", `"paris"`},
		{"broken json", `{"city":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := inv.Invoke(context.Background(), "call_1", "get_weather", tt.args)
			assert.False(t, result.OK)
			assert.Contains(t, result.ErrorMessage, retryAdvice)
		})
	}
}

func TestInvokeNativeFailureIsMaterialised(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key: "flaky",
		Native: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))
	inv := NewInvoker(c, time.Second)

	result := inv.Invoke(context.Background(), "call_1", "flaky", "{}")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "backend unavailable")
	assert.Contains(t, result.ErrorMessage, fallbackAdvice)
}

func TestInvokeHTTPGetSubstitutesPathAndQuery(t *testing.T) {
	t.Setenv("TEST_TOOL_TOKEN", "tok-1")

	var gotPath, gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("days")
		gotAuth = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{"temp": 22}`))
	}))
	defer server.Close()

	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key:        "get_weather",
		Parameters: weatherSchema(),
		HTTP: &HTTPInvocation{
			Verb:        "GET",
			URLTemplate: server.URL + "/weather/{city}",
			AuthHeader:  "X-Api-Key",
			AuthEnvVar:  "TEST_TOOL_TOKEN",
		},
	}))
	inv := NewInvoker(c, time.Second)

	result := inv.Invoke(context.Background(), "call_1", "get_weather", `{"city": "Oslo", "days": 3}`)
	require.True(t, result.OK, result.ErrorMessage)

	assert.Equal(t, "/weather/Oslo", gotPath)
	assert.Equal(t, "3", gotQuery)
	assert.Equal(t, "tok-1", gotAuth)
	assert.JSONEq(t, `{"temp": 22}`, string(result.Data))
}

func TestInvokeHTTPPostSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.Write([]byte(`{"id": "lead_1"}`))
	}))
	defer server.Close()

	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key:  "create_lead",
		HTTP: &HTTPInvocation{Verb: "POST", URLTemplate: server.URL + "/leads"},
	}))
	inv := NewInvoker(c, time.Second)

	result := inv.Invoke(context.Background(), "call_1", "create_lead", `{"name": "Ada"}`)
	require.True(t, result.OK)
	assert.Equal(t, "Ada", gotBody["name"])
}

func TestInvokeHTTPNonJSONResponseIsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer server.Close()

	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key:  "fetch",
		HTTP: &HTTPInvocation{Verb: "GET", URLTemplate: server.URL},
	}))
	inv := NewInvoker(c, time.Second)

	result := inv.Invoke(context.Background(), "call_1", "fetch", "{}")
	require.True(t, result.OK)
	assert.JSONEq(t, `{"result": "plain text"}`, string(result.Data))
}

func TestInvokeHTTPErrorStatusIsMaterialised(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key:  "fetch",
		HTTP: &HTTPInvocation{Verb: "GET", URLTemplate: server.URL},
	}))
	inv := NewInvoker(c, time.Second)

	result := inv.Invoke(context.Background(), "call_1", "fetch", "{}")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "status 500")
}

func TestInvokeAllPreservesInputOrder(t *testing.T) {
	var firstDone atomic.Bool
	c := NewCatalog()
	require.NoError(t, c.Register(Spec{
		Key: "slow",
		Native: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			firstDone.Store(true)
			return "slow done", nil
		},
	}))
	require.NoError(t, c.Register(Spec{
		Key: "fast",
		Native: func(ctx context.Context, args map[string]any) (any, error) {
			return "fast done", nil
		},
	}))
	inv := NewInvoker(c, time.Second)

	calls := []openai.ToolCall{
		{ID: "call_slow", Function: openai.FunctionCall{Name: "slow", Arguments: "{}"}},
		{ID: "call_fast", Function: openai.FunctionCall{Name: "fast", Arguments: "{}"}},
	}
	results := inv.InvokeAll(context.Background(), calls)

	require.Len(t, results, 2)
	assert.Equal(t, "call_slow", results[0].ToolCallID)
	assert.Equal(t, "call_fast", results[1].ToolCallID)
	assert.True(t, firstDone.Load())
}

func TestResultPayloadCarriesAdvisory(t *testing.T) {
	failure := Result{ToolCallID: "call_1", Name: "x", ErrorMessage: "nope"}
	assert.True(t, strings.Contains(string(failure.Payload()), "nope"))

	success := Result{OK: true, Data: json.RawMessage(`{"a":1}`)}
	assert.JSONEq(t, `{"a":1}`, string(success.Payload()))
}
