package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/tabletalk/internal/metrics"
)

// CleanupCallback is called after a session is closed by the registry.
type CleanupCallback func(userID, tabID string)

type entry struct {
	session *Session
	conn    *websocket.Conn
}

// Registry tracks live sessions per user and tab, and the websocket
// connection attached to each.
type Registry struct {
	ctrl      *Controller
	metrics   *metrics.Metrics
	onCleanup CleanupCallback

	mu     sync.RWMutex
	active map[string]map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(ctrl *Controller, m *metrics.Metrics, onCleanup CleanupCallback) *Registry {
	return &Registry{
		ctrl:      ctrl,
		metrics:   m,
		onCleanup: onCleanup,
		active:    make(map[string]map[string]*entry),
	}
}

// Controller returns the controller sessions are created with.
func (r *Registry) Controller() *Controller {
	return r.ctrl
}

// Get returns the session for a user and tab, or nil.
func (r *Registry) Get(userID, tabID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tabs, ok := r.active[userID]; ok {
		if e, ok := tabs[tabID]; ok {
			return e.session
		}
	}
	return nil
}

// GetOrCreate returns the existing session or creates a new one.
func (r *Registry) GetOrCreate(userID, tabID string) (*Session, error) {
	if s := r.Get(userID, tabID); s != nil {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tabs, ok := r.active[userID]; ok {
		if e, ok := tabs[tabID]; ok {
			return e.session, nil
		}
	}

	s, err := r.ctrl.NewSession(userID, tabID)
	if err != nil {
		return nil, err
	}
	if _, exists := r.active[userID]; !exists {
		r.active[userID] = make(map[string]*entry)
	}
	r.active[userID][tabID] = &entry{session: s}
	r.metrics.SetActiveSessions(r.countLocked())
	slog.Info("Chat session created", "user_id", userID, "session_id", tabID)
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

func (r *Registry) countLocked() int {
	n := 0
	for _, tabs := range r.active {
		n += len(tabs)
	}
	return n
}

// Conn returns the websocket connection attached to a session, or nil.
func (r *Registry) Conn(userID, tabID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.active[userID][tabID]; ok {
		return e.conn
	}
	return nil
}

// RegisterConn attaches a websocket connection to a session, closing any
// connection it replaces.
func (r *Registry) RegisterConn(userID, tabID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.active[userID][tabID]
	if !ok {
		return
	}
	if e.conn != nil && e.conn != conn {
		_ = e.conn.Close(websocket.StatusNormalClosure, "session replaced")
	}
	e.conn = conn
	slog.Info("Chat connection registered", "user_id", userID, "session_id", tabID)
}

// UnregisterConn detaches conn if it is still the session's connection.
func (r *Registry) UnregisterConn(userID, tabID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.active[userID][tabID]; ok && e.conn == conn {
		e.conn = nil
		slog.Info("Chat connection unregistered", "user_id", userID, "session_id", tabID)
	}
}

// Close ends one session: its connection is closed and its dataset deleted.
func (r *Registry) Close(ctx context.Context, userID, tabID string) bool {
	return r.closeIf(ctx, userID, tabID, nil)
}

// closeIf removes the session when keep is nil or reports false for it.
// keep runs under the write lock, so it sees the latest activity.
func (r *Registry) closeIf(ctx context.Context, userID, tabID string, keep func(*Session) bool) bool {
	r.mu.Lock()
	e, ok := r.active[userID][tabID]
	if ok && keep != nil && keep(e.session) {
		ok = false
	}
	if ok {
		delete(r.active[userID], tabID)
		if len(r.active[userID]) == 0 {
			delete(r.active, userID)
		}
		r.metrics.SetActiveSessions(r.countLocked())
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeEntry(ctx, userID, tabID, e)
	return true
}

// CloseUser ends every session of a user.
func (r *Registry) CloseUser(ctx context.Context, userID string) int {
	r.mu.Lock()
	tabs := r.active[userID]
	delete(r.active, userID)
	r.metrics.SetActiveSessions(r.countLocked())
	r.mu.Unlock()

	for tabID, e := range tabs {
		r.closeEntry(ctx, userID, tabID, e)
	}
	return len(tabs)
}

// CloseAll ends every session. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	all := r.active
	r.active = make(map[string]map[string]*entry)
	r.metrics.SetActiveSessions(0)
	r.mu.Unlock()

	for userID, tabs := range all {
		for tabID, e := range tabs {
			r.closeEntry(ctx, userID, tabID, e)
		}
	}
}

func (r *Registry) closeEntry(ctx context.Context, userID, tabID string, e *entry) {
	if e.conn != nil {
		_ = e.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if err := r.ctrl.Close(ctx, e.session); err != nil {
		slog.Warn("Failed to close chat session cleanly", "user_id", userID, "session_id", tabID, "error", err)
	}
	if r.onCleanup != nil {
		r.onCleanup(userID, tabID)
	}
	slog.Info("Chat session closed", "user_id", userID, "session_id", tabID)
}

// Sweep closes sessions idle for longer than ttl and returns how many were closed.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	type key struct{ user, tab string }
	var expired []key
	r.mu.RLock()
	for userID, tabs := range r.active {
		for tabID, e := range tabs {
			if e.session.LastSeen().Before(cutoff) {
				expired = append(expired, key{userID, tabID})
			}
		}
	}
	r.mu.RUnlock()

	active := func(s *Session) bool { return !s.LastSeen().Before(cutoff) }
	closed := 0
	for _, k := range expired {
		if r.closeIf(ctx, k.user, k.tab, active) {
			closed++
		}
	}
	if closed > 0 {
		slog.Info("Session sweeper cleanup completed", "cleaned", closed)
	}
	return closed
}

// RunSweeper periodically closes idle sessions until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx, ttl)
		case <-ctx.Done():
			slog.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
