package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/domain"
	"github.com/ashureev/tabletalk/internal/store"
)

// multipartOverhead is allowed on top of the file size for form encoding.
const multipartOverhead = 1 << 20

type sessionResponse struct {
	Session chat.Snapshot `json:"session"`
	Changed *bool         `json:"changed,omitempty"`
	Toast   string        `json:"toast,omitempty"`
	Notice  string        `json:"notice,omitempty"`
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, s *chat.Session, changed *bool) {
	resp := sessionResponse{Session: h.ctrl.Snapshot(s), Changed: changed}
	if changed != nil && *changed {
		resp.Toast = uploadToast
	}
	if resp.Session.State == chat.StateNoCredentials {
		resp.Notice = missingKeyMessage
	}
	JSON(w, http.StatusOK, resp)
}

// GetSession returns the caller's session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeSnapshot(w, s, nil)
}

// EndSession closes the caller's session and deletes its dataset.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.registry.Close(r.Context(), s.UserID, s.TabID)
	w.WriteHeader(http.StatusNoContent)
}

type credentialsRequest struct {
	APIKey      string   `json:"api_key"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
}

// PutCredentials applies the API key and model selection.
func (h *Handler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = h.cfg.LLM.DefaultModel
	}
	if !slices.Contains(h.cfg.LLM.Models, model) {
		Error(w, http.StatusBadRequest, fmt.Sprintf("unsupported model %q", model))
		return
	}
	temperature := h.cfg.LLM.Temperature
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			Error(w, http.StatusBadRequest, "temperature must be between 0 and 2")
			return
		}
		temperature = *req.Temperature
	}

	err := h.ctrl.SetCredentials(r.Context(), s, domain.Credentials{
		APIKey:      req.APIKey,
		Model:       model,
		Temperature: temperature,
	})
	switch {
	case errors.Is(err, chat.ErrMissingCredential):
		Error(w, http.StatusPreconditionRequired, "missing_credential")
		return
	case err != nil:
		slog.Error("Failed to apply credentials", "user_id", s.UserID, "session_id", s.TabID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to apply credentials")
		return
	}
	h.writeSnapshot(w, s, nil)
}

// PutDataset loads the uploaded CSV file into the session.
func (h *Handler) PutDataset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := h.cfg.Chat.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Debug("failed to close upload", "error", closeErr)
		}
	}()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		Error(w, http.StatusUnsupportedMediaType, "only .csv files are supported")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > limit {
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	changed, err := h.ctrl.UploadDataset(r.Context(), s, chat.NewUpload(filepath.Base(header.Filename), data))
	if err != nil {
		var parseErr *store.ParseError
		if errors.As(err, &parseErr) {
			Error(w, http.StatusUnprocessableEntity, parseErr.Error())
			return
		}
		slog.Error("Failed to load dataset", "user_id", s.UserID, "session_id", s.TabID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}
	h.writeSnapshot(w, s, &changed)
}

// DeleteDataset empties the upload slot.
func (h *Handler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	changed, err := h.ctrl.RemoveDataset(r.Context(), s)
	if err != nil {
		slog.Error("Failed to remove dataset", "user_id", s.UserID, "session_id", s.TabID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to remove dataset")
		return
	}
	h.writeSnapshot(w, s, &changed)
}

// ClearHistory empties the displayed conversation.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.ClearHistory(s); err != nil {
		if errors.Is(err, chat.ErrSessionClosed) {
			Error(w, http.StatusGone, "session closed")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	h.writeSnapshot(w, s, nil)
}
