// Package api provides HTTP handlers for the tabletalk API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/config"
	"github.com/ashureev/tabletalk/internal/convlog"
	"github.com/ashureev/tabletalk/internal/identity"
	"github.com/ashureev/tabletalk/internal/middleware"
)

// defaultMaxRequestBodySize bounds JSON request bodies (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Messages shown by the page.
const (
	missingKeyMessage = "Please input your OpenAI API key in the sidebar."
	uploadToast       = "File was updated successfully."
	uploadLabel       = "Support SQL capabilities based on an uploaded file."
)

// Handler serves the session, chat and websocket endpoints.
type Handler struct {
	registry *chat.Registry
	ctrl     *chat.Controller
	cfg      *config.Config
	log      convlog.Logger
	limiter  *middleware.RateLimiter
	started  time.Time
}

// NewHandler creates a Handler. A nil conversation logger disables conversation logging.
func NewHandler(registry *chat.Registry, cfg *config.Config, conversationLogger convlog.Logger, limiter *middleware.RateLimiter) *Handler {
	if conversationLogger == nil {
		conversationLogger = convlog.Nop()
	}
	if limiter == nil {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	}
	return &Handler{
		registry: registry,
		ctrl:     registry.Controller(),
		cfg:      cfg,
		log:      conversationLogger,
		limiter:  limiter,
		started:  time.Now(),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/config", h.GetConfig)
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.EndSession)
			r.Put("/credentials", h.PutCredentials)
			r.Put("/dataset", h.PutDataset)
			r.Delete("/dataset", h.DeleteDataset)
			r.Post("/history/clear", h.ClearHistory)
			r.With(h.limiter.Middleware).Post("/chat", h.Chat)
		})
	})
	r.With(h.limiter.Middleware).Get("/ws/chat", h.ServeWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// session resolves the caller's chat session, creating it on first use.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	s, err := h.registry.GetOrCreate(userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to create chat session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return nil, false
	}
	return s, true
}

// Health reports liveness and basic counters.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.registry.Len(),
		"uptime_s": int64(time.Since(h.started).Seconds()),
	})
}

// GetConfig returns the settings the page needs to render its controls.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"models":              h.cfg.LLM.Models,
		"default_model":       h.cfg.LLM.DefaultModel,
		"temperature":         h.cfg.LLM.Temperature,
		"max_upload_bytes":    h.cfg.Chat.MaxUploadBytes,
		"upload_label":        uploadLabel,
		"upload_types":        []string{"csv"},
		"missing_key_message": missingKeyMessage,
		"session_header":      identity.SessionHeaderName,
	})
}

func upstreamCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrAuth):
		return "upstream_auth"
	case errors.Is(err, agent.ErrRateLimit):
		return "upstream_rate_limit"
	default:
		return "upstream_error"
	}
}
