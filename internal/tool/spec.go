package tool

import (
	"context"
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// NativeFunc is an in-process tool implementation. It receives the decoded
// argument object and returns any JSON-marshalable value.
type NativeFunc func(ctx context.Context, args map[string]any) (any, error)

// HTTPInvocation describes how to call an HTTP-backed tool. Path parameters
// in the URL template ({name}) are substituted from arguments; the remaining
// arguments travel as query parameters for GET/DELETE and as a JSON body
// otherwise.
type HTTPInvocation struct {
	Verb        string
	URLTemplate string
	AuthHeader  string
	AuthEnvVar  string
}

// Spec is one registered tool: a key the model calls it by, a JSON Schema for
// its arguments, and exactly one invocation binding (HTTP or native).
// Immutable once registered.
type Spec struct {
	Key         string
	DisplayName string
	Description string
	Parameters  map[string]any

	HTTP   *HTTPInvocation
	Native NativeFunc
}

// Definition renders the spec as an OpenAI function-tool declaration.
func (s Spec) Definition() openai.Tool {
	params := s.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        s.Key,
			Description: s.Description,
			Parameters:  params,
		},
	}
}

// Definitions renders a spec list for a provider request.
func Definitions(specs []Spec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Definition())
	}
	return out
}

// FailureKind distinguishes argument problems, which the model can fix by
// retrying, from runtime failures, which it should route around.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureSchema  FailureKind = "schema"
	FailureRuntime FailureKind = "runtime"
)

// Result is the materialised outcome of one tool invocation. Failures are
// carried in ErrorMessage rather than raised, so the model observes them and
// can self-correct.
type Result struct {
	ToolCallID   string
	Name         string
	OK           bool
	Data         json.RawMessage
	ErrorMessage string
	Failure      FailureKind
}

// Payload returns what the model should see: the data on success, the
// advisory message otherwise.
func (r Result) Payload() json.RawMessage {
	if r.OK {
		return r.Data
	}
	data, err := json.Marshal(map[string]string{"error": r.ErrorMessage})
	if err != nil {
		return json.RawMessage(`{"error":"tool failed"}`)
	}
	return data
}
