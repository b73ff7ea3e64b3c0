// ABOUTME: HTTP API routes and handlers for accounts, agents, queries and history
// ABOUTME: All error responses are JSON {"error": ...} with status codes from apperr

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/auth"
	"github.com/2389/engine-gateway/internal/prompt"
	"github.com/2389/engine-gateway/internal/query"
	"github.com/2389/engine-gateway/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies. Conversation history makes query
// bodies the largest.
const maxBodyBytes = 1 << 20

// credentialsRequest is the body of signup and login.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// QueryRequest is the body of POST /query and POST /query/stream.
type QueryRequest struct {
	AgentName string           `json:"agent_name"`
	Message   string           `json:"message"`
	SessionID string           `json:"session_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	History   []prompt.Message `json:"history,omitempty"`
}

// meResponse is returned by GET /auth/me.
type meResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// routes builds the chi router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(g.config.Server.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/", g.handleRoot)
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/agents", g.handleListAgents)

	r.Post("/auth/signup", g.handleSignup)
	r.Post("/auth/login", g.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(g.auth))

		r.Get("/auth/me", g.handleMe)
		r.Delete("/auth/me", g.handleDeleteMe)

		r.Post("/agents/refresh", g.handleRefreshAgents)

		r.Post("/query", g.handleQuery)
		r.Post("/query/stream", g.handleQueryStream)

		r.Get("/history", g.handleListHistory)
		r.Delete("/history", g.handleDeleteAllHistory)
		r.Get("/history/{id}", g.handleGetHistory)
		r.Delete("/history/{id}", g.handleDeleteHistory)
	})

	return r
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps err onto a status and a client-safe message. Server-side
// failures are logged with their full cause.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	sendJSONError(w, status, apperr.PublicMessage(err))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.New(apperr.ErrValidation, "request body too large")
		}
		return apperr.New(apperr.ErrValidation, "failed to read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.New(apperr.ErrValidation, "invalid JSON body")
	}
	return nil
}

// handleRoot describes the service.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.List(r.Context())
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"name":    "engine-gateway",
		"version": Version,
		"agents":  names,
	})
}

// handleHealth returns 200 while the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"project_id": g.config.Upstream.Project,
		"location":   g.config.Upstream.Location,
	})
}

// handleReady returns 200 when the database answers and at least one agent is available.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unavailable",
		})
		return
	}

	g.registry.List(r.Context())
	if !g.registry.HasAvailable() {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no agents available",
		})
		return
	}

	available := 0
	for _, a := range g.registry.Snapshot().Agents {
		if a.IsAvailable {
			available++
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"agents": available,
	})
}

func (g *Gateway) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	session, err := g.auth.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, session)
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	session, err := g.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, session)
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	me, err := g.auth.Me(r.Context(), id.UserID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, meResponse{UserID: me.UserID, Email: me.Email})
}

// handleDeleteMe removes the caller's account and all of their history.
func (g *Gateway) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := g.auth.DeleteAccount(r.Context(), id.UserID); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAgents returns the current registry snapshot. It never fails:
// with discovery down it serves the last known or configured agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.List(r.Context())
	if agents == nil {
		agents = []registry.Agent{}
	}
	g.writeJSON(w, http.StatusOK, agents)
}

// handleRefreshAgents forces a discovery pass.
func (g *Gateway) handleRefreshAgents(w http.ResponseWriter, r *http.Request) {
	snap, err := g.registry.Refresh(r.Context())
	if err != nil {
		g.logger.Warn("manual agent refresh failed", "error", err)
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"agents":     snap.Agents,
		"fetched_at": snap.FetchedAt,
		"discovered": snap.Discovered,
	})
}

// parseQueryRequest decodes a query body and binds it to the caller.
func parseQueryRequest(w http.ResponseWriter, r *http.Request, id *auth.Identity) (query.Request, error) {
	var body QueryRequest
	if err := decodeJSON(w, r, &body); err != nil {
		return query.Request{}, err
	}
	if body.UserID != "" && body.UserID != id.UserID {
		return query.Request{}, errUserMismatch
	}
	return query.Request{
		UserID:    id.UserID,
		AgentName: strings.TrimSpace(body.AgentName),
		Message:   body.Message,
		History:   body.History,
		SessionID: body.SessionID,
	}, nil
}

// handleQuery runs a query to completion and returns the whole answer.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	req, err := parseQueryRequest(w, r, id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	res, err := g.proxy.Query(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleQueryStream relays a query as server-sent events. Requests that fail
// before dispatch get their status code and a single error event.
func (g *Gateway) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := auth.MustFromContext(r.Context())

	req, err := parseQueryRequest(w, r, id)
	if err != nil {
		g.writeStreamError(w, r, flusher, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunks, err := g.proxy.Submit(ctx, req)
	if err != nil {
		g.writeStreamError(w, r, flusher, err)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.streamChunks(ctx, cancel, w, flusher, chunks)
}

// errUserMismatch is returned when a user_id parameter names someone other than the caller.
var errUserMismatch = apperr.New(apperr.ErrForbidden, "user_id does not match the authenticated user")

// historyUser returns the user whose history is addressed. The optional
// user_id parameter must name the caller.
func historyUser(r *http.Request, id *auth.Identity) (string, error) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		return id.UserID, nil
	}
	if userID != id.UserID {
		return "", errUserMismatch
	}
	return userID, nil
}

// parseLimit reads the limit parameter. Absent means the service default;
// values below one are raised to one.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Newf(apperr.ErrValidation, "invalid limit %q", raw)
	}
	return max(limit, 1), nil
}

func (g *Gateway) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := historyUser(r, auth.MustFromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	turns, err := g.history.List(r.Context(), userID, limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, turns)
}

func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := historyUser(r, auth.MustFromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	turn, err := g.history.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, turn)
}

func (g *Gateway) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := historyUser(r, auth.MustFromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if err := g.history.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Query deleted",
	})
}

func (g *Gateway) handleDeleteAllHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := historyUser(r, auth.MustFromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	n, err := g.history.DeleteAll(r.Context(), userID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"deleted_count": n,
	})
}
