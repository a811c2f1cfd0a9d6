package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/percolation-labs/percolate/internal/agent"
	"github.com/percolation-labs/percolate/internal/auth"
	"github.com/percolation-labs/percolate/internal/dialect"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
	"github.com/percolation-labs/percolate/internal/logger"
	"github.com/percolation-labs/percolate/internal/message"
	"github.com/percolation-labs/percolate/internal/provider"
	"github.com/percolation-labs/percolate/internal/stream"
	"github.com/percolation-labs/percolate/internal/tool"
)

const maxRequestBytes = 10 << 20

// Server is the dialect-agnostic HTTP surface. Each endpoint parses its own
// dialect into the canonical request, hands it to the runner, and renders the
// outcome back in the caller's dialect.
type Server struct {
	runner     *agent.Runner
	providers  *provider.Registry
	agents     *agent.Registry
	catalog    *tool.Catalog
	authsvc    *auth.Service
	runTimeout time.Duration
	mux        *http.ServeMux
}

func NewServer(runner *agent.Runner, providers *provider.Registry, agents *agent.Registry, catalog *tool.Catalog, authsvc *auth.Service, runTimeout time.Duration) *Server {
	s := &Server{
		runner:     runner,
		providers:  providers,
		agents:     agents,
		catalog:    catalog,
		authsvc:    authsvc,
		runTimeout: runTimeout,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /chat/completions", s.handleOpenAI)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleOpenAI)
	s.mux.HandleFunc("POST /v1/messages", s.handleAnthropic)
	s.mux.HandleFunc("POST /v1/models/{model}", s.handleGoogle)
	s.mux.HandleFunc("POST /v1/agents/{agent}/chat/completions", s.handleAgent)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	return s
}

// Handler returns the routing handler wrapped in the auth middleware.
func (s *Server) Handler() http.Handler {
	if s.authsvc.Enabled() {
		return s.authsvc.Middleware(s.mux)
	}
	return s.mux
}

func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, dialect.SchemeOpenAI, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.ParseOpenAI(body)
	if err != nil {
		writeError(w, dialect.SchemeOpenAI, statusFor(err), err)
		return
	}
	s.dispatch(w, r, req, dialect.SchemeOpenAI)
}

func (s *Server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, dialect.SchemeAnthropic, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.ParseAnthropic(body)
	if err != nil {
		writeError(w, dialect.SchemeAnthropic, statusFor(err), err)
		return
	}
	s.dispatch(w, r, req, dialect.SchemeAnthropic)
}

// handleGoogle serves the Google generateContent surface. The path segment
// carries both the model and the method: "{model}:streamGenerateContent" or
// "{model}:generateContent".
func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	segment := r.PathValue("model")
	model, method, found := strings.Cut(segment, ":")
	if !found || model == "" {
		writeError(w, dialect.SchemeGoogle, http.StatusBadRequest,
			percoErrors.InvalidInput(fmt.Sprintf("malformed model segment %q", segment)))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, dialect.SchemeGoogle, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.ParseGoogle(model, body)
	if err != nil {
		writeError(w, dialect.SchemeGoogle, statusFor(err), err)
		return
	}

	switch method {
	case "streamGenerateContent":
		req.Chat.Stream = true
	case "generateContent":
		req.Chat.Stream = false
	default:
		writeError(w, dialect.SchemeGoogle, http.StatusNotFound,
			percoErrors.NotFound(fmt.Sprintf("method %q", method)))
		return
	}
	s.dispatch(w, r, req, dialect.SchemeGoogle)
}

// handleAgent binds a pre-registered agent, then proceeds as OpenAI chat:
// the agent contributes the system prompt, its tool subset, and optionally a
// model binding and iteration cap.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := s.agents.Get(r.PathValue("agent"))
	if err != nil {
		writeError(w, dialect.SchemeOpenAI, statusFor(err), err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, dialect.SchemeOpenAI, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.ParseOpenAI(body)
	if err != nil {
		writeError(w, dialect.SchemeOpenAI, statusFor(err), err)
		return
	}

	if ag.SystemPrompt != "" {
		stack := message.New(req.Chat.Messages)
		stack.EnsureSystem(ag.SystemPrompt)
		req.Chat.Messages = stack.Snapshot()
	}
	if len(req.Chat.Tools) == 0 {
		req.Chat.Tools = tool.Definitions(s.catalog.List(ag.Tools))
	}
	if ag.Model != "" {
		req.Chat.Model = ag.Model
	}

	s.dispatchWith(w, r, req, dialect.SchemeOpenAI, ag.MaxIterations)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *dialect.Request, target dialect.Scheme) {
	s.dispatchWith(w, r, req, target, 0)
}

func (s *Server) dispatchWith(w http.ResponseWriter, r *http.Request, req *dialect.Request, target dialect.Scheme, maxIterations int) {
	ctx := r.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	cc := agent.NewCallingContext(
		r.Header.Get("X-Session-ID"),
		logger.GetUserID(ctx),
		req.Chat.Model,
		req.Chat.Stream,
	)
	cc.MaxIterations = maxIterations
	ctx = logger.WithSessionID(ctx, cc.SessionID)

	if req.Chat.Stream {
		s.streamRun(ctx, w, req, cc, target)
		return
	}

	resp, err := s.runner.RunBlocking(ctx, req, cc)
	if err != nil {
		writeError(w, target, statusFor(err), err)
		return
	}

	var payload any = resp
	switch target {
	case dialect.SchemeAnthropic:
		payload = dialect.OpenAIResponseToAnthropic(resp)
	case dialect.SchemeGoogle:
		payload = dialect.OpenAIResponseToGoogle(resp)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) streamRun(ctx context.Context, w http.ResponseWriter, req *dialect.Request, cc agent.CallingContext, target dialect.Scheme) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, target, http.StatusInternalServerError,
			percoErrors.Internal("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := stream.NewDialectSink(&sseSink{w: w, flusher: flusher}, target, req.Chat.Model)
	if err := s.runner.RunStreaming(ctx, req, cc, sink); err != nil {
		// Headers are gone; nothing to send but the log line.
		slog.Warn("Streaming run ended early", "session", cc.SessionID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"default_provider": s.providers.DefaultName(),
		"providers":        len(s.providers.List()),
		"agents":           s.agents.Names(),
		"tools":            s.catalog.Len(),
		"time":             time.Now().UTC().Format(time.RFC3339),
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	providers := s.providers.List()
	data := make([]modelEntry, 0, len(providers))
	for _, p := range providers {
		data = append(data, modelEntry{
			ID:      p.Name,
			Object:  "model",
			OwnedBy: string(p.Scheme),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// sseSink writes encoded events straight to the response body, flushing per
// event so proxies do not buffer the stream.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev stream.Event) error {
	if _, err := io.WriteString(s.w, ev.Encode()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return nil, percoErrors.InvalidInput(fmt.Sprintf("read request body: %v", err))
	}
	return body, nil
}

func statusFor(err error) int {
	var pe *percoErrors.ProviderError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case percoErrors.IsCategory(err, percoErrors.ErrInvalidInput),
		percoErrors.IsCategory(err, percoErrors.ErrDialectConversion):
		return http.StatusBadRequest
	case percoErrors.IsCategory(err, percoErrors.ErrNotFound):
		return http.StatusNotFound
	case percoErrors.IsCategory(err, percoErrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case percoErrors.IsCategory(err, percoErrors.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusBadGateway:
		return "api_error"
	default:
		return "internal_error"
	}
}

func writeError(w http.ResponseWriter, target dialect.Scheme, status int, err error) {
	detail := map[string]string{
		"type":    errorType(status),
		"message": err.Error(),
	}
	var payload any
	if target == dialect.SchemeAnthropic {
		payload = map[string]any{"type": "error", "error": detail}
	} else {
		payload = map[string]any{"error": detail}
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
