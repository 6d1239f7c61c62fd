// Package handler serves the JSON HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/skillcheck/internal/cache"
	"github.com/pavelanni/skillcheck/internal/feedback"
	appI18n "github.com/pavelanni/skillcheck/internal/i18n"
	"github.com/pavelanni/skillcheck/internal/importer"
	"github.com/pavelanni/skillcheck/internal/live"
	"github.com/pavelanni/skillcheck/internal/llm"
	"github.com/pavelanni/skillcheck/internal/model"
	"github.com/pavelanni/skillcheck/internal/scoring"
	"github.com/pavelanni/skillcheck/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	cache    cache.Cache
	pipeline *scoring.Pipeline
	feedback *feedback.Service
	proxy    *llm.Proxy
	hub      *live.Hub
	config   model.ServerConfig
	upgrader websocket.Upgrader
}

// New creates a new Handler.
func New(s *store.Store, c cache.Cache, p *llm.Proxy, hub *live.Hub, cfg model.ServerConfig) *Handler {
	return &Handler{
		store:    s,
		cache:    c,
		pipeline: scoring.NewPipeline(s),
		feedback: feedback.NewService(s, p),
		proxy:    p,
		hub:      hub,
		config:   cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Route("/api", func(r chi.Router) {
		// The proxy performs its own caller check so that an anonymous call
		// gets the unauthenticated envelope rather than a plain 401.
		r.With(h.loadUser, h.csrfMiddleware).Post("/proxy/generate", h.handleProxyGenerate)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Use(h.csrfMiddleware)

			r.Get("/home", h.handleHome)
			r.Post("/navigate", h.handleNavigate)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleOrgAdmin, model.UserRoleCandidate))
				r.Get("/tests", h.handleListTests)
				r.Get("/tests/{testID}", h.handleGetTest)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleCandidate))
				r.Post("/tests/{testID}/attempts", h.handleSubmitAttempt)
				r.Get("/me/results", h.handleMyResults)
				r.Get("/me/results/live", h.handleMyResultsLive)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleOrgAdmin))
				r.Get("/questions", h.handleListQuestions)
				r.Post("/questions", h.handleCreateQuestion)
				r.Post("/questions/import", h.handleImportQuestions)
				r.Get("/questions/{questionID}", h.handleGetQuestion)
				r.Put("/questions/{questionID}", h.handleUpdateQuestion)
				r.Delete("/questions/{questionID}", h.handleDeleteQuestion)

				r.Post("/tests", h.handleCreateTest)
				r.Put("/tests/{testID}", h.handleUpdateTest)
				r.Delete("/tests/{testID}", h.handleDeleteTest)

				r.Get("/results", h.handleListResults)
				r.Get("/results/export", h.handleExportResults)
				r.Get("/results/{resultID}", h.handleGetResult)
				r.Delete("/results/{resultID}", h.handleDeleteResult)
				r.Post("/results/{resultID}/ai-feedback", h.handleAIFeedback)
				r.Post("/results/{resultID}/share", h.handleShareResult)

				r.Get("/team/skills", h.handleTeamSkills)
				r.Post("/ai/questions", h.handleGenerateQuestion)

				r.Get("/users", h.handleListUsers)
				r.Post("/users", h.handleCreateUser)
				r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRolePlatformAdmin))
				r.Get("/organisations", h.handleListOrganisations)
				r.Post("/organisations", h.handleCreateOrganisation)
			})
		})
	})
}

// BasePathMiddleware injects the configured base path into the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error string               `json:"error"`
	Lines []importer.LineError `json:"lines,omitempty"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps domain errors to HTTP statuses with a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var batch *importer.BatchError
	var pe *llm.ProxyError
	switch {
	case errors.As(err, &batch):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: appI18n.Tp(ctx, "ImportRejected", len(batch.Lines)),
			Lines: batch.Lines,
		})
	case errors.As(err, &pe):
		status := http.StatusBadGateway
		switch pe.Status {
		case llm.StatusUnauthenticated:
			status = http.StatusUnauthorized
		}
		slog.Warn("generative request failed", "path", r.URL.Path, "status", pe.Status, "error", pe.Message)
		writeMessage(w, status, appI18n.T(ctx, "ErrFeedbackFailed"))
	case errors.Is(err, model.ErrValidation):
		detail := strings.TrimPrefix(err.Error(), model.ErrValidation.Error()+": ")
		writeMessage(w, http.StatusBadRequest, appI18n.Td(ctx, "ErrInvalidInput", map[string]any{"Detail": detail}))
	case errors.Is(err, model.ErrNotFound):
		writeMessage(w, http.StatusNotFound, appI18n.T(ctx, "ErrNotFound"))
	case errors.Is(err, store.ErrVersionConflict):
		writeMessage(w, http.StatusPreconditionFailed, appI18n.T(ctx, "ErrConflict"))
	case errors.Is(err, store.ErrDuplicate):
		writeMessage(w, http.StatusConflict, appI18n.T(ctx, duplicateMessage(err)))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, appI18n.T(ctx, "ErrGeneric"))
	}
}

func duplicateMessage(err error) string {
	var de *store.DuplicateError
	if errors.As(err, &de) {
		switch de.Kind {
		case "user":
			return "ErrDuplicateUser"
		case "organisation":
			return "ErrDuplicateOrganisation"
		}
	}
	return "ErrAlreadyExists"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", model.ErrValidation, err)
	}
	return nil
}

// orgOf returns the organisation of the authenticated user.
func orgOf(ctx context.Context) string {
	if u := model.UserFromContext(ctx); u != nil {
		return u.OrgID
	}
	return ""
}

func parseID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrValidation, param)
	}
	return id, nil
}
