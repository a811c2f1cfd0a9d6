package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/dialect"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"

	openai "github.com/sashabaranov/go-openai"
)

// Auth styles supported by the provider registry.
const (
	AuthBearerHeader = "bearer_header"  // Authorization: Bearer <token>
	AuthAPIKeyHeader = "api_key_header" // x-api-key: <token>
	AuthQueryParam   = "query_param"    // ?key=<token>
)

// Provider is one reachable backend model: a name the client routes by, a
// dialect the backend speaks, and the HTTP plumbing to call it.
type Provider struct {
	Name         string
	Scheme       dialect.Scheme
	Endpoint     string
	Model        string
	AuthStyle    string
	TokenEnvVar  string
	ExtraHeaders map[string]string

	client *http.Client
}

// FromRow builds a provider from one configuration registry row.
func FromRow(row config.ProviderRow) (*Provider, error) {
	scheme, ok := dialect.ParseScheme(row.Scheme)
	if !ok {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("provider %s: unknown scheme %q", row.Name, row.Scheme))
	}
	if row.Endpoint == "" {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("provider %s: endpoint required", row.Name))
	}

	timeout := 120 * time.Second
	if row.Timeout != "" {
		if parsed, err := time.ParseDuration(row.Timeout); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	model := row.Model
	if model == "" {
		model = row.Name
	}

	return &Provider{
		Name:         row.Name,
		Scheme:       scheme,
		Endpoint:     row.Endpoint,
		Model:        model,
		AuthStyle:    row.AuthStyle,
		TokenEnvVar:  row.TokenEnvVar,
		ExtraHeaders: row.ExtraHeaders,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

// Stream dispatches the request upstream with streaming enabled and returns
// the raw SSE body. The caller owns the body and must close it after the
// stream adapter is drained.
func (p *Provider) Stream(ctx context.Context, req *dialect.Request) (io.ReadCloser, error) {
	httpReq, err := p.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: dispatch", p.Name))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}
	return resp.Body, nil
}

// Complete dispatches the request upstream without streaming and normalises
// the response into the canonical completion shape. The agent runner does not
// use it: blocking runs collect the streamed events instead, so a single code
// path handles tool loops for both modes. Complete serves callers that want
// one round trip with no stream adapter in between.
func (p *Provider) Complete(ctx context.Context, req *dialect.Request) (*openai.ChatCompletionResponse, error) {
	httpReq, err := p.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: dispatch", p.Name))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: read response", p.Name))
	}

	switch p.Scheme {
	case dialect.SchemeAnthropic:
		var wire dialect.AnthropicResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: decode response", p.Name))
		}
		out := dialect.AnthropicResponseToOpenAI(&wire)
		return &out, nil
	case dialect.SchemeGoogle:
		var wire dialect.GoogleResponse
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: decode response", p.Name))
		}
		out := dialect.GoogleResponseToOpenAI(dialect.NewID("chatcmpl"), p.Model, &wire)
		return &out, nil
	default:
		var out openai.ChatCompletionResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: decode response", p.Name))
		}
		return &out, nil
	}
}

func (p *Provider) buildRequest(ctx context.Context, req *dialect.Request, stream bool) (*http.Request, error) {
	payload, err := p.encodePayload(req, stream)
	if err != nil {
		return nil, err
	}

	endpoint, err := p.resolveEndpoint(stream)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, percoErrors.Wrap(err, fmt.Sprintf("provider %s: build request", p.Name))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for key, value := range p.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	if err := p.applyAuth(httpReq); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func (p *Provider) encodePayload(req *dialect.Request, stream bool) ([]byte, error) {
	switch p.Scheme {
	case dialect.SchemeAnthropic:
		wire, err := req.ToAnthropic()
		if err != nil {
			return nil, err
		}
		wire.Model = p.Model
		wire.Stream = stream
		return json.Marshal(wire)
	case dialect.SchemeGoogle:
		wire, err := req.ToGoogle()
		if err != nil {
			return nil, err
		}
		return json.Marshal(wire)
	default:
		chat := req.ToOpenAI()
		chat.Model = p.Model
		chat.Stream = stream
		if stream {
			chat.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		}
		return json.Marshal(chat)
	}
}

// resolveEndpoint expands the {model} template and, for Google backends,
// selects the generateContent or streamGenerateContent method and requests
// SSE framing on streams.
func (p *Provider) resolveEndpoint(stream bool) (string, error) {
	endpoint := strings.ReplaceAll(p.Endpoint, "{model}", p.Model)

	if p.Scheme == dialect.SchemeGoogle {
		if stream {
			endpoint = strings.Replace(endpoint, ":generateContent", ":streamGenerateContent", 1)
		} else {
			endpoint = strings.Replace(endpoint, ":streamGenerateContent", ":generateContent", 1)
		}
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", percoErrors.InvalidInput(fmt.Sprintf("provider %s: bad endpoint %q", p.Name, endpoint))
	}

	if p.Scheme == dialect.SchemeGoogle && stream {
		query := parsed.Query()
		query.Set("alt", "sse")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func (p *Provider) applyAuth(req *http.Request) error {
	token := ""
	if p.TokenEnvVar != "" {
		token = os.Getenv(p.TokenEnvVar)
	}
	if token == "" {
		return percoErrors.Unauthorized(fmt.Sprintf("provider %s: credential %s not set", p.Name, p.TokenEnvVar))
	}

	switch p.AuthStyle {
	case AuthAPIKeyHeader:
		req.Header.Set("x-api-key", token)
	case AuthQueryParam:
		query := req.URL.Query()
		query.Set("key", token)
		req.URL.RawQuery = query.Encode()
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (p *Provider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	return &percoErrors.ProviderError{
		Provider: p.Name,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}
