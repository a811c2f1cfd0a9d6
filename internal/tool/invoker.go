package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	maxToolResponseBytes = 1 << 20

	retryAdvice    = "retry with corrected arguments"
	fallbackAdvice = "try a different approach or another tool"
)

// Invoker executes tool calls against the catalog. Failures of any kind are
// materialised into the Result, never returned as errors, so the agent loop
// can feed them back to the model.
type Invoker struct {
	catalog *Catalog
	client  *http.Client
}

func NewInvoker(catalog *Catalog, httpTimeout time.Duration) *Invoker {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	return &Invoker{
		catalog: catalog,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

// Invoke runs one tool call to completion.
func (inv *Invoker) Invoke(ctx context.Context, callID, name, argumentsJSON string) Result {
	result := Result{ToolCallID: callID, Name: name}

	spec, ok := inv.catalog.Lookup(name)
	if !ok {
		result.Failure = FailureRuntime
		result.ErrorMessage = fmt.Sprintf("tool %q is not available; %s", name, fallbackAdvice)
		return result
	}

	raw := json.RawMessage(argumentsJSON)
	if strings.TrimSpace(argumentsJSON) == "" {
		raw = json.RawMessage("{}")
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		result.Failure = FailureSchema
		result.ErrorMessage = fmt.Sprintf("arguments for %q are not a JSON object: %v; %s", name, err, retryAdvice)
		return result
	}
	if spec.Parameters != nil {
		if err := ValidateInput(spec.Parameters, raw); err != nil {
			result.Failure = FailureSchema
			result.ErrorMessage = fmt.Sprintf("arguments for %q failed validation: %v; %s", name, err, retryAdvice)
			return result
		}
	}

	var (
		data json.RawMessage
		err  error
	)
	switch {
	case spec.Native != nil:
		data, err = inv.invokeNative(ctx, spec, args)
	default:
		data, err = inv.invokeHTTP(ctx, spec, args)
	}
	if err != nil {
		slog.Warn("Tool invocation failed", "tool", spec.Key, "error", err)
		result.Failure = FailureRuntime
		result.ErrorMessage = fmt.Sprintf("tool %q failed: %v; %s", spec.Key, err, fallbackAdvice)
		return result
	}

	result.OK = true
	result.Data = data
	return result
}

// InvokeAll dispatches the calls in parallel and returns results in input
// order regardless of completion order, so the conversation the model sees
// next round is deterministic.
func (inv *Invoker) InvokeAll(ctx context.Context, calls []openai.ToolCall) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c openai.ToolCall) {
			defer wg.Done()
			results[i] = inv.Invoke(ctx, c.ID, c.Function.Name, c.Function.Arguments)
		}(i, c)
	}
	wg.Wait()
	return results
}

func (inv *Invoker) invokeNative(ctx context.Context, spec Spec, args map[string]any) (json.RawMessage, error) {
	value, err := spec.Native(ctx, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func (inv *Invoker) invokeHTTP(ctx context.Context, spec Spec, args map[string]any) (json.RawMessage, error) {
	verb := strings.ToUpper(strings.TrimSpace(spec.HTTP.Verb))
	if verb == "" {
		verb = http.MethodGet
	}

	endpoint, remaining := substitutePathParams(spec.HTTP.URLTemplate, args)

	var body io.Reader
	if verb == http.MethodGet || verb == http.MethodDelete {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("bad url template: %w", err)
		}
		query := parsed.Query()
		for key, value := range remaining {
			query.Set(key, fmt.Sprintf("%v", value))
		}
		parsed.RawQuery = query.Encode()
		endpoint = parsed.String()
	} else {
		payload, err := json.Marshal(remaining)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, verb, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if spec.HTTP.AuthHeader != "" && spec.HTTP.AuthEnvVar != "" {
		if token := os.Getenv(spec.HTTP.AuthEnvVar); token != "" {
			req.Header.Set(spec.HTTP.AuthHeader, token)
		}
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	wrapped, err := json.Marshal(map[string]string{"result": string(data)})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(wrapped), nil
}

// substitutePathParams replaces {name} placeholders in the template with the
// matching argument and returns the arguments that were not consumed.
func substitutePathParams(template string, args map[string]any) (string, map[string]any) {
	remaining := make(map[string]any, len(args))
	for key, value := range args {
		remaining[key] = value
	}

	endpoint := template
	for key, value := range args {
		placeholder := "{" + key + "}"
		if strings.Contains(endpoint, placeholder) {
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(fmt.Sprintf("%v", value)))
			delete(remaining, key)
		}
	}
	return endpoint, remaining
}
