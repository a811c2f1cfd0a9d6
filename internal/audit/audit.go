package audit

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/percolation-labs/percolate/internal/config"
	"github.com/percolation-labs/percolate/internal/idempotency"
	"github.com/percolation-labs/percolate/internal/store"

	openai "github.com/sashabaranov/go-openai"
)

// Status classifies the outcome of a model call or a whole run.
type Status string

const (
	StatusResponse  Status = "RESPONSE"
	StatusToolCalls Status = "TOOL_CALLS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// AIResponse is the audit record of one model call within a run.
type AIResponse struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	ModelName string            `json:"model_name"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
	Status    Status            `json:"status"`
	TokensIn  int               `json:"tokens_in"`
	TokensOut int               `json:"tokens_out"`
	CreatedAt time.Time         `json:"created_at"`
}

// SessionRollup summarises a completed run.
type SessionRollup struct {
	SessionID       string            `json:"session_id"`
	UserID          string            `json:"user_id"`
	Model           string            `json:"model"`
	FinalContent    string            `json:"final_content"`
	ToolCallHistory []openai.ToolCall `json:"tool_call_history,omitempty"`
	TokensIn        int               `json:"tokens_in"`
	TokensOut       int               `json:"tokens_out"`
	Status          Status            `json:"status"`
	LatencyMS       int64             `json:"latency_ms"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// Collector persists audit records. Per-call writes are deduplicated on the
// call's response id, and ordinals are session-global so a later request
// continuing the same session extends the record set instead of colliding
// with it. A failed write is logged and swallowed because auditing must never
// fail the response.
type Collector struct {
	store   *store.Store
	keys    *idempotency.Store
	ttl     time.Duration
	enabled bool
	mu      sync.Mutex
}

func NewCollector(st *store.Store, keys *idempotency.Store, cfg config.AuditConfig) *Collector {
	ttl, _ := config.DurationOrDefault(cfg.IdempotencyTTL, config.DefaultAuditIdempotencyTTL)
	return &Collector{
		store:   st,
		keys:    keys,
		ttl:     ttl,
		enabled: cfg.Enabled && st != nil,
	}
}

// Enabled reports whether records are being persisted.
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// RecordCall writes one per-call record. A replay of an already-recorded
// response id is dropped; distinct calls always land, each under the next
// free ordinal for the session.
func (c *Collector) RecordCall(resp AIResponse) {
	if !c.Enabled() {
		return
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys != nil && resp.ID != "" && c.keys.CheckAndMark(idempotency.Key(resp.SessionID, resp.ID), c.ttl) {
		return
	}

	ordinal := c.nextOrdinal(resp.SessionID)
	name := fmt.Sprintf("call_%04d.json", ordinal)
	if err := c.store.WriteJSON(resp, "sessions", resp.SessionID, name); err != nil {
		slog.Error("Audit call write failed", "session", resp.SessionID, "ordinal", ordinal, "error", err)
	}
}

// nextOrdinal counts the call records already persisted for the session, so
// ordinals keep increasing when a run restarts its iteration counter.
// Callers hold c.mu.
func (c *Collector) nextOrdinal(sessionID string) int {
	entries, err := os.ReadDir(c.store.Path("sessions", sessionID))
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "call_") && strings.HasSuffix(name, ".json") {
			n++
		}
	}
	return n
}

// RecordRollup writes the session-level summary. When a rollup from an
// earlier run of the same session exists, token counts, latency, and tool
// history accumulate; the final content and status reflect the latest run.
func (c *Collector) RecordRollup(rollup SessionRollup) {
	if !c.Enabled() {
		return
	}
	if rollup.CompletedAt.IsZero() {
		rollup.CompletedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prior SessionRollup
	if err := c.store.ReadJSON(&prior, "sessions", rollup.SessionID, "rollup.json"); err == nil {
		rollup.TokensIn += prior.TokensIn
		rollup.TokensOut += prior.TokensOut
		rollup.LatencyMS += prior.LatencyMS
		rollup.ToolCallHistory = append(prior.ToolCallHistory, rollup.ToolCallHistory...)
	}

	if err := c.store.WriteJSON(rollup, "sessions", rollup.SessionID, "rollup.json"); err != nil {
		slog.Error("Audit rollup write failed", "session", rollup.SessionID, "error", err)
	}
	if c.keys != nil {
		if err := c.keys.Save(); err != nil {
			slog.Error("Audit idempotency save failed", "error", err)
		}
	}
}

// Prune removes sessions older than the retention window and expired
// idempotency keys. Run by the scheduler.
func (c *Collector) Prune(retention time.Duration) {
	if !c.Enabled() {
		return
	}
	removed, err := c.store.PruneOlderThan("sessions", retention)
	if err != nil {
		slog.Error("Audit prune failed", "error", err)
		return
	}
	expired := 0
	if c.keys != nil {
		expired = c.keys.Prune()
		if err := c.keys.Save(); err != nil {
			slog.Error("Audit idempotency save failed", "error", err)
		}
	}
	slog.Info("Audit prune complete", "sessions_removed", removed, "keys_expired", expired)
}
