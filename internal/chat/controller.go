package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/domain"
	"github.com/ashureev/tabletalk/internal/memory"
	"github.com/ashureev/tabletalk/internal/metrics"
	"github.com/ashureev/tabletalk/internal/store"
	"github.com/ashureev/tabletalk/internal/tools"
)

// Rebuild reasons reported to metrics and logs.
const (
	reasonCredentials     = "credentials"
	reasonDatasetAdded    = "dataset_added"
	reasonDatasetReplaced = "dataset_replaced"
	reasonDatasetRemoved  = "dataset_removed"
)

// ErrSessionClosed is returned for events on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Options configures a Controller.
type Options struct {
	DataDir           string
	ClientFactory     agent.ClientFactory
	DefaultModel      string
	Temperature       float64
	MemoryWindow      int
	MaxIterations     int
	QueryRowLimit     int
	StreamDelay       time.Duration
	ClearResetsMemory bool
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Controller applies UI events to sessions.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// NewController creates a controller.
func NewController(opts Options) (*Controller, error) {
	if opts.ClientFactory == nil {
		return nil, errors.New("chat: client factory is required")
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "tabletalk")
	}
	if opts.MemoryWindow <= 0 {
		opts.MemoryWindow = memory.DefaultSize
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = agent.DefaultMaxIterations
	}
	if opts.QueryRowLimit <= 0 {
		opts.QueryRowLimit = tools.DefaultRowLimit
	}
	if opts.StreamDelay < 0 {
		opts.StreamDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{opts: opts, logger: logger}, nil
}

// Options returns the effective options.
func (c *Controller) Options() Options {
	return c.opts
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// NewSession creates an empty session in NO_CREDENTIALS. The dataset file
// is not created until the first upload.
func (c *Controller) NewSession(userID, tabID string) (*Session, error) {
	id := userID + ":" + tabID
	name := unsafeFileChars.ReplaceAllString(userID, "_") + "_" + unsafeFileChars.ReplaceAllString(tabID, "_") + ".db"
	st, err := store.NewSQLite(filepath.Join(c.opts.DataDir, "datasets", name))
	if err != nil {
		return nil, fmt.Errorf("create dataset store: %w", err)
	}

	s := &Session{
		ID:        id,
		UserID:    userID,
		TabID:     tabID,
		CreatedAt: time.Now(),
		creds:     domain.Credentials{Model: c.opts.DefaultModel, Temperature: c.opts.Temperature},
		tools:     tools.Empty(),
		memory:    memory.NewWindow(c.opts.MemoryWindow),
		store:     st,
	}
	s.touch()
	return s, nil
}

// State returns the session's current state.
func (c *Controller) State(s *Session) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// SetCredentials applies a credential entry or model selection.
// An empty key discards the agent and returns ErrMissingCredential.
// A change of key, model or temperature rebuilds the agent; identical
// credentials are a no-op.
func (c *Controller) SetCredentials(ctx context.Context, s *Session, creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.touch()

	creds.APIKey = strings.TrimSpace(creds.APIKey)
	if strings.TrimSpace(creds.Model) == "" {
		creds.Model = c.opts.DefaultModel
	}

	if creds.IsZero() {
		s.creds = creds
		if s.agent != nil {
			s.agent = nil
			c.logger.Info("agent discarded, credentials cleared", "session_id", s.ID)
		}
		return ErrMissingCredential
	}
	if s.agent != nil && creds.Equal(s.creds) {
		return nil
	}

	prev := s.creds
	s.creds = creds
	if err := c.rebuildAgent(ctx, s, reasonCredentials); err != nil {
		s.creds = prev
		return err
	}
	return nil
}

// UploadDataset places up in the upload slot.
func (c *Controller) UploadDataset(ctx context.Context, s *Session, up *Upload) (bool, error) {
	if up == nil {
		return false, errors.New("upload is required")
	}
	return c.ObserveUpload(ctx, s, up)
}

// RemoveDataset empties the upload slot.
func (c *Controller) RemoveDataset(ctx context.Context, s *Session) (bool, error) {
	return c.ObserveUpload(ctx, s, nil)
}

// ObserveUpload reconciles the session with the current upload slot, where
// nil means the slot is empty. It reports whether anything changed. Observing
// the same upload again is a no-op. A file that fails to parse leaves the
// previous dataset, tools and agent in place.
func (c *Controller) ObserveUpload(ctx context.Context, s *Session, up *Upload) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	s.touch()

	if up == nil {
		return c.removeDatasetLocked(ctx, s)
	}
	if s.dataset.SameFile(up.ID) {
		return false, nil
	}

	table := store.DeriveTableName(up.FileName)
	h, err := s.store.Load(ctx, up.Reader(), table)
	if err != nil {
		var parseErr *store.ParseError
		if errors.As(err, &parseErr) {
			c.opts.Metrics.DatasetLoaded("parse_error")
		} else {
			c.opts.Metrics.DatasetLoaded("error")
		}
		c.logger.Warn("dataset upload rejected", "session_id", s.ID, "file", up.FileName, "error", err)
		return false, err
	}

	set, err := tools.Provision(s.store, h, tools.Options{RowLimit: c.opts.QueryRowLimit, Metrics: c.opts.Metrics})
	if err != nil {
		return false, err
	}

	reason := reasonDatasetAdded
	if old := s.dataset; old != nil {
		reason = reasonDatasetReplaced
		if old.Table != table {
			if err := s.store.Drop(ctx, old.Table); err != nil {
				c.logger.Warn("failed to drop replaced table", "session_id", s.ID, "table", old.Table, "error", err)
			}
		}
	}

	s.dataset = &domain.DatasetRef{
		FileID:   up.ID,
		FileName: up.FileName,
		Table:    h.Table,
		Columns:  h.Columns,
		Rows:     h.Rows,
		Size:     int64(len(up.Data)),
		LoadedAt: time.Now(),
	}
	s.tools = set
	c.opts.Metrics.DatasetLoaded("ok")
	c.logger.Info("dataset loaded", "session_id", s.ID, "table", h.Table, "rows", h.Rows, "columns", len(h.Columns))

	if s.creds.IsZero() {
		return true, nil
	}
	return true, c.rebuildAgent(ctx, s, reason)
}

func (c *Controller) removeDatasetLocked(ctx context.Context, s *Session) (bool, error) {
	if s.dataset == nil {
		return false, nil
	}
	if err := s.store.Drop(ctx, s.dataset.Table); err != nil {
		return false, fmt.Errorf("remove dataset: %w", err)
	}
	c.logger.Info("dataset removed", "session_id", s.ID, "table", s.dataset.Table)
	s.dataset = nil
	s.tools = tools.Empty()

	if s.creds.IsZero() {
		return true, nil
	}
	return true, c.rebuildAgent(ctx, s, reasonDatasetRemoved)
}

// rebuildAgent is the only place an agent is constructed. Callers hold mu.
// On failure the previous agent stays in place.
func (c *Controller) rebuildAgent(ctx context.Context, s *Session, reason string) error {
	client := c.opts.ClientFactory(s.creds.APIKey)
	a, err := agent.New(client, agent.Config{
		Model:         s.creds.Model,
		Temperature:   s.creds.Temperature,
		MaxIterations: c.opts.MaxIterations,
		WindowSize:    c.opts.MemoryWindow,
	}, s.tools, s.memory, c.logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}
	s.agent = a
	c.opts.Metrics.AgentRebuilt(reason)
	c.logger.InfoContext(ctx, "agent rebuilt",
		"session_id", s.ID, "reason", reason, "model", s.creds.Model, "tools", s.tools.Len())
	return nil
}

// ClearHistory empties the displayed turns. Conversation memory is reset as
// well unless the controller was configured otherwise. The agent is kept.
func (c *Controller) ClearHistory(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.touch()
	s.turns = nil
	if c.opts.ClearResetsMemory {
		s.memory.Reset()
	}
	return nil
}

// Send forwards text to the agent and records the exchange. Upstream model
// failures do not fail the call: they become the assistant turn and are
// reported on Reply.Err.
func (c *Controller) Send(ctx context.Context, s *Session, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		c.opts.Metrics.ChatMessage("rejected")
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.touch()
	if s.agent == nil {
		c.opts.Metrics.ChatMessage("rejected")
		return nil, ErrMissingCredential
	}

	userTurn := domain.NewTurn(domain.RoleUser, text)
	s.turns = append(s.turns, userTurn)

	res, err := s.agent.Invoke(ctx, text)
	if err != nil {
		c.opts.Metrics.ChatMessage("upstream_error")
		c.logger.Warn("agent invocation failed", "session_id", s.ID, "error", err)
		turn := domain.NewTurn(domain.RoleAssistant, "Error: "+err.Error())
		s.turns = append(s.turns, turn)
		return &Reply{Turn: turn, Stream: NewStream(turn.Content, c.opts.StreamDelay), Err: err}, nil
	}

	turn := domain.NewTurn(domain.RoleAssistant, res.Output)
	s.turns = append(s.turns, turn)
	s.memory.Append(userTurn)
	s.memory.Append(turn)
	c.opts.Metrics.ChatMessage("ok")
	if len(res.ToolErrors) > 0 {
		c.logger.Debug("tool errors during invocation", "session_id", s.ID, "count", len(res.ToolErrors))
	}
	return &Reply{Turn: turn, Stream: NewStream(res.Output, c.opts.StreamDelay), Result: res}, nil
}

// Snapshot returns a copy of the session's visible state.
func (c *Controller) Snapshot(s *Session) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:             s.ID,
		State:          s.state(),
		HasCredentials: !s.creds.IsZero(),
		Model:          s.creds.Model,
		Temperature:    s.creds.Temperature,
		Tools:          s.tools.Names(),
		Turns:          append([]domain.Turn(nil), s.turns...),
		MemoryTurns:    s.memory.Len(),
	}
	if s.dataset != nil {
		ref := *s.dataset
		ref.Columns = append([]domain.Column(nil), s.dataset.Columns...)
		snap.Dataset = &ref
	}
	return snap
}

// Close drops the session's dataset and releases its store.
func (c *Controller) Close(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.agent = nil
	s.tools = tools.Empty()

	var errs []error
	if s.dataset != nil {
		if err := s.store.Drop(ctx, s.dataset.Table); err != nil {
			errs = append(errs, err)
		}
		s.dataset = nil
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
