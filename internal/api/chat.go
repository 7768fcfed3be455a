package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/convlog"
)

// ChatRequest is the body of a chat message.
type ChatRequest struct {
	Message string `json:"message"`
}

type chunkPayload struct {
	Content string `json:"content"`
}

type donePayload struct {
	Content    string     `json:"content"`
	Iterations int        `json:"iterations,omitempty"`
	ToolCalls  int        `json:"tool_calls,omitempty"`
	State      chat.State `json:"state"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Chat sends the message to the session's agent and streams the reply via SSE.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	reply, ok := h.send(r.Context(), w, s, req.Message, "chat_http", reqID)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks := 0
	for chunk := range reply.Stream.Chunks(r.Context()) {
		data, err := json.Marshal(chunkPayload{Content: chunk})
		if err != nil {
			slog.Warn("failed to marshal chat chunk", "error", err)
			return
		}
		if err := writeSSE(w, "message", string(data)); err != nil {
			slog.Warn("failed to write SSE message event", "error", err)
			return
		}
		flusher.Flush()
		chunks++
	}
	if r.Context().Err() != nil {
		slog.Debug("Chat stream cancelled", "user_id", s.UserID, "session_id", s.TabID, "chunks", chunks)
		return
	}

	event, data := h.finalEvent(s, reply)
	if err := writeSSE(w, event, data); err != nil {
		slog.Warn("failed to write SSE final event", "event", event, "error", err)
		return
	}
	flusher.Flush()
}

// send runs one chat exchange and logs both sides of it. Request-level
// failures are written to w and reported as !ok.
func (h *Handler) send(ctx context.Context, w http.ResponseWriter, s *chat.Session, message, channel, reqID string) (*chat.Reply, bool) {
	reply, err := h.exchange(ctx, s, message, channel, reqID)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, "message is required")
		return nil, false
	case errors.Is(err, chat.ErrMissingCredential):
		JSON(w, http.StatusPreconditionRequired, errorPayload{Code: "missing_credential", Message: missingKeyMessage})
		return nil, false
	case errors.Is(err, chat.ErrSessionClosed):
		Error(w, http.StatusGone, "session closed")
		return nil, false
	case err != nil:
		slog.Error("Chat exchange failed", "user_id", s.UserID, "session_id", s.TabID, "error", err)
		Error(w, http.StatusInternalServerError, "chat failed")
		return nil, false
	}
	return reply, true
}

func (h *Handler) exchange(ctx context.Context, s *chat.Session, message, channel, reqID string) (*chat.Reply, error) {
	slog.Info("Chat request",
		"user_id", s.UserID,
		"session_id", s.TabID,
		"channel", channel,
		"message_length", len(message),
	)

	reply, err := h.ctrl.Send(ctx, s, message)
	if err != nil {
		return nil, err
	}

	h.log.Log(convlog.Event{
		UserID:     s.UserID,
		SessionID:  s.TabID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: message,
		Meta:       map[string]any{"request_id": reqID},
	})

	meta := map[string]any{"request_id": reqID}
	if reply.Result != nil {
		meta["iterations"] = reply.Result.Iterations
		meta["tool_calls"] = len(reply.Result.ToolCalls)
		meta["tool_errors"] = len(reply.Result.ToolErrors)
	}
	if reply.Err != nil {
		meta["error"] = reply.Err.Error()
		meta["error_code"] = upstreamCode(reply.Err)
	}
	h.log.Log(convlog.Event{
		UserID:     s.UserID,
		SessionID:  s.TabID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply.Turn.Content,
		Meta:       meta,
	})
	return reply, nil
}

// finalEvent builds the closing event of a reply stream.
func (h *Handler) finalEvent(s *chat.Session, reply *chat.Reply) (string, string) {
	if reply.Err != nil {
		data, err := json.Marshal(errorPayload{Code: upstreamCode(reply.Err), Message: reply.Turn.Content})
		if err != nil {
			return "error", `{"code":"upstream_error"}`
		}
		return "error", string(data)
	}

	done := donePayload{Content: reply.Turn.Content, State: h.ctrl.State(s)}
	if reply.Result != nil {
		done.Iterations = reply.Result.Iterations
		done.ToolCalls = len(reply.Result.ToolCalls)
	}
	data, err := json.Marshal(done)
	if err != nil {
		return "done", "{}"
	}
	return "done", string(data)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
