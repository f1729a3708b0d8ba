// Package api implements the Roundtable HTTP API: submitting user turns,
// reading conversation history and the memory view, cancelling persona
// work, and streaming operational events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/roundtable/internal/buildinfo"
	"github.com/nugget/roundtable/internal/conversation"
	"github.com/nugget/roundtable/internal/events"
	"github.com/nugget/roundtable/internal/scheduler"
	"github.com/nugget/roundtable/internal/session"
	"github.com/nugget/roundtable/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RunLister lists persisted task runs. *scheduler.Store satisfies it.
type RunLister interface {
	ListRuns(conversationID string, limit int) ([]*scheduler.Run, error)
}

// UsageReporter aggregates token usage. *usage.Store satisfies it.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByPersona(start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *session.Manager
	runs     RunLister
	usage    UsageReporter
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	// maxWait caps how long a submit with wait=true blocks.
	maxWait time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRuns enables GET /v1/runs.
func WithRuns(r RunLister) Option {
	return func(s *Server) { s.runs = r }
}

// WithUsage enables GET /v1/usage.
func WithUsage(u UsageReporter) Option {
	return func(s *Server) { s.usage = u }
}

// WithEventBus enables the GET /v1/events websocket stream.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithMaxWait caps blocking submits. The default is five minutes.
func WithMaxWait(d time.Duration) Option {
	return func(s *Server) { s.maxWait = d }
}

// NewServer creates a new API server.
func NewServer(address string, port int, sessions *session.Manager, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		logger:   logger.With("component", "api"),
		maxWait:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSubmit)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("DELETE /v1/sessions/{id}/messages/{msg}", s.handleDeleteMessage)
	mux.HandleFunc("PATCH /v1/sessions/{id}/messages/{msg}/parts/{part}", s.handleEditPart)
	mux.HandleFunc("GET /v1/sessions/{id}/view", s.handleView)
	mux.HandleFunc("GET /v1/sessions/{id}/summaries", s.handleSummaries)
	mux.HandleFunc("POST /v1/sessions/{id}/compact", s.handleCompact)
	mux.HandleFunc("GET /v1/sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("DELETE /v1/sessions/{id}/personas/{name}", s.handleCancelPersona)

	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns [http.ErrServerClosed]
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Roundtable",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// --- Sessions ---

// SessionInfo is one entry of GET /v1/sessions.
type SessionInfo struct {
	ID        string           `json:"id"`
	Messages  int              `json:"messages"`
	UpdatedAt time.Time        `json:"updated_at"`
	Status    scheduler.Status `json:"status"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	ids := s.sessions.IDs()
	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.sessions.Get(id)
		if !ok {
			continue
		}
		out = append(out, SessionInfo{
			ID:        id,
			Messages:  sess.Store().Len(),
			UpdatedAt: sess.Store().UpdatedAt(),
			Status:    sess.Status(),
		})
	}
	writeJSON(w, map[string]any{"sessions": out, "status": s.sessions.Status()}, s.logger)
}

// lookup returns the session named by the {id} path value, writing a
// 404 when it does not exist.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return sess, true
}

// AttachmentRequest is an inline attachment on a submitted turn. Data
// is base64 in JSON.
type AttachmentRequest struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// SubmitRequest is the body of POST /v1/sessions/{id}/messages.
type SubmitRequest struct {
	Text        string              `json:"text"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
	// Wait blocks until every directly addressed persona has finished.
	Wait bool `json:"wait,omitempty"`
}

// ReplyResult reports one scheduled persona's outcome.
type ReplyResult struct {
	Persona  string                 `json:"persona"`
	TaskID   string                 `json:"task_id"`
	Outcome  string                 `json:"outcome,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Messages []conversation.Message `json:"messages,omitempty"`
}

// SubmitResponse is returned by POST /v1/sessions/{id}/messages.
type SubmitResponse struct {
	ConversationID string               `json:"conversation_id"`
	Message        conversation.Message `json:"message"`
	Replies        []ReplyResult        `json:"replies"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.sessions.GetOrCreate(r.PathValue("id"))
	if err != nil {
		s.submitError(w, err)
		return
	}

	atts := make([]conversation.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		atts = append(atts, conversation.Attachment{Name: a.Name, MIME: a.MIME, Data: a.Data})
	}

	sub, err := sess.Submit(r.Context(), req.Text, atts)
	if err != nil {
		s.submitError(w, err)
		return
	}

	resp := SubmitResponse{ConversationID: sess.ID(), Message: sub.Message}
	for _, h := range sub.Handles {
		resp.Replies = append(resp.Replies, ReplyResult{Persona: h.Task().Persona, TaskID: h.Task().ID})
	}

	if !req.Wait {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, resp, s.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.maxWait)
	defer cancel()
	for i, h := range sub.Handles {
		res, err := h.Wait(ctx)
		if err != nil {
			s.errorResponse(w, http.StatusGatewayTimeout, "timed out waiting for replies")
			return
		}
		resp.Replies[i].Outcome = res.Outcome.String()
		resp.Replies[i].Messages = res.Messages
		if res.Err != nil {
			resp.Replies[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	var ve *conversation.ValidationError
	switch {
	case errors.As(err, &ve):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit failed", "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{"conversation_id": sess.ID(), "messages": sess.Messages()}, s.logger)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{"conversation_id": sess.ID(), "messages": sess.View()}, s.logger)
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	summaries := sess.Summaries()
	if summaries == nil {
		summaries = []conversation.Message{}
	}
	writeJSON(w, map[string]any{"conversation_id": sess.ID(), "summaries": summaries}, s.logger)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !sess.Store().Delete(r.PathValue("msg")) {
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEditPart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := sess.Store().EditText(r.PathValue("msg"), r.PathValue("part"), req.Text)
	var ve *conversation.ValidationError
	switch {
	case errors.As(err, &ve):
		s.errorResponse(w, http.StatusBadRequest, ve.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusNotFound, "part not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	summary, err := sess.Compact(r.Context())
	switch {
	case errors.Is(err, session.ErrMemoryDisabled):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("compaction failed", "conversation_id", sess.ID(), "error", err)
		s.errorResponse(w, http.StatusBadGateway, "compaction failed: "+err.Error())
		return
	}

	resp := map[string]any{"conversation_id": sess.ID(), "compacted": summary != nil}
	if summary != nil {
		resp["summary"] = summary
	}
	writeJSON(w, resp, s.logger)
}

// TaskInfo describes a queued or running task.
type TaskInfo struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	TriggerID string    `json:"trigger_id"`
	Depth     int       `json:"depth"`
	QueuedAt  time.Time `json:"queued_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	active := sess.Active()
	tasks := make([]TaskInfo, 0, len(active))
	for _, t := range active {
		tasks = append(tasks, TaskInfo{
			ID:        t.ID,
			Persona:   t.Persona,
			TriggerID: t.Trigger.ID,
			Depth:     t.Depth,
			QueuedAt:  t.QueuedAt,
		})
	}
	st := sess.Status()
	writeJSON(w, map[string]any{
		"conversation_id": sess.ID(),
		"running":         st.Running,
		"queued":          st.Queued,
		"idle":            st.Idle(),
		"tasks":           tasks,
	}, s.logger)
}

func (s *Server) handleCancelPersona(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	n := sess.Cancel(r.PathValue("name"))
	writeJSON(w, map[string]any{"conversation_id": sess.ID(), "persona": r.PathValue("name"), "cancelled": n}, s.logger)
}

// --- Runs and usage ---

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	limit := parseIntParam(r, "limit", 50)
	runs, err := s.runs.ListRuns(r.URL.Query().Get("conversation_id"), limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*scheduler.Run{}
	}
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byPersona, err := s.usage.SummaryByPersona(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	writeJSON(w, map[string]any{
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
		"total":      total,
		"by_persona": byPersona,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
