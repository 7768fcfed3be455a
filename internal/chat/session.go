package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/domain"
	"github.com/ashureev/tabletalk/internal/memory"
	"github.com/ashureev/tabletalk/internal/store"
	"github.com/ashureev/tabletalk/internal/tools"
)

// Session is the state of one chat tab. Only the Controller mutates it, and
// every mutation holds mu for the whole event.
type Session struct {
	ID        string
	UserID    string
	TabID     string
	CreatedAt time.Time

	mu       sync.Mutex
	creds    domain.Credentials
	dataset  *domain.DatasetRef
	agent    *agent.Agent
	tools    *tools.Set
	memory   *memory.Window
	turns    []domain.Turn
	store    store.Store
	closed   bool
	lastSeen atomic.Int64
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent event.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// state derives the lifecycle state. Callers hold mu.
func (s *Session) state() State {
	switch {
	case s.agent == nil:
		return StateNoCredentials
	case s.dataset == nil:
		return StateReadyNoDataset
	default:
		return StateReadyWithDataset
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID             string             `json:"id"`
	State          State              `json:"state"`
	HasCredentials bool               `json:"has_credentials"`
	Model          string             `json:"model"`
	Temperature    float64            `json:"temperature"`
	Dataset        *domain.DatasetRef `json:"dataset"`
	Tools          []string           `json:"tools"`
	Turns          []domain.Turn      `json:"turns"`
	MemoryTurns    int                `json:"memory_turns"`
}

// Reply is the outcome of Send.
type Reply struct {
	Turn   domain.Turn
	Stream *Stream
	Result *agent.Result
	// Err is the upstream failure recorded as the assistant turn, if any.
	Err error
}
