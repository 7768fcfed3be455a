package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/tabletalk/internal/chat"
)

// wsMessage is a frame exchanged on the chat websocket.
type wsMessage struct {
	Type       string     `json:"type"`
	Content    string     `json:"content,omitempty"`
	Code       string     `json:"code,omitempty"`
	State      chat.State `json:"state,omitempty"`
	Iterations int        `json:"iterations,omitempty"`
	ToolCalls  int        `json:"tool_calls,omitempty"`
}

// ServeWebSocket streams chat replies over a websocket. A newer connection
// for the same tab replaces the older one.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	slog.Info("WebSocket connection request", "user_id", s.UserID, "session_id", s.TabID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", s.UserID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", s.UserID)
		}
	}()

	h.registry.RegisterConn(s.UserID, s.TabID, ws)
	defer h.registry.UnregisterConn(s.UserID, s.TabID, ws)

	ctx := r.Context()
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", s.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.UserID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := wsjson.Write(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		case "message":
			if !h.limiter.Allow(s.UserID) {
				if err := wsjson.Write(ctx, ws, wsMessage{Type: "error", Code: "rate_limited", Content: "rate limit exceeded"}); err != nil {
					return
				}
				continue
			}
			if err := h.streamOverWebSocket(ctx, ws, s, msg.Content); err != nil {
				slog.Debug("WebSocket stream ended", "error", err, "user_id", s.UserID)
				return
			}
		default:
			if err := wsjson.Write(ctx, ws, wsMessage{Type: "error", Code: "unknown_type", Content: msg.Type}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) streamOverWebSocket(ctx context.Context, ws *websocket.Conn, s *chat.Session, message string) error {
	reply, err := h.exchange(ctx, s, message, "chat_ws", "")
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return wsjson.Write(ctx, ws, wsMessage{Type: "error", Code: "empty_message", Content: "message is required"})
	case errors.Is(err, chat.ErrMissingCredential):
		return wsjson.Write(ctx, ws, wsMessage{Type: "error", Code: "missing_credential", Content: missingKeyMessage})
	case err != nil:
		return err
	}

	for chunk := range reply.Stream.Chunks(ctx) {
		if err := wsjson.Write(ctx, ws, wsMessage{Type: "chunk", Content: chunk}); err != nil {
			reply.Stream.Close()
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if reply.Err != nil {
		return wsjson.Write(ctx, ws, wsMessage{Type: "error", Code: upstreamCode(reply.Err), Content: reply.Turn.Content})
	}
	done := wsMessage{Type: "done", Content: reply.Turn.Content, State: h.ctrl.State(s)}
	if reply.Result != nil {
		done.Iterations = reply.Result.Iterations
		done.ToolCalls = len(reply.Result.ToolCalls)
	}
	return wsjson.Write(ctx, ws, done)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.FrontendURL == "*" || origin == h.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.FrontendURL)
	return false
}
