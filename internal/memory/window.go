// Package memory keeps the bounded conversation window fed to the agent.
package memory

import (
	"container/list"
	"sync"

	"github.com/ashureev/tabletalk/internal/domain"
)

// DefaultSize is the window capacity in turns (five user/assistant exchanges).
const DefaultSize = 10

// Window is an append-only FIFO of conversation turns. Once it holds more
// than its capacity the oldest turns are evicted; turns are never reordered
// or summarized.
type Window struct {
	mu    sync.RWMutex
	turns *list.List
	size  int
}

// NewWindow creates a window holding at most size turns.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		turns: list.New(),
		size:  size,
	}
}

// Append adds turn to the tail, evicting from the head when over capacity.
func (w *Window) Append(turn domain.Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns.PushBack(turn)
	for w.turns.Len() > w.size {
		w.turns.Remove(w.turns.Front())
	}
}

// Window returns the most recent n turns, oldest first.
func (w *Window) Window(n int) []domain.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n <= 0 || w.turns.Len() == 0 {
		return nil
	}
	if n > w.turns.Len() {
		n = w.turns.Len()
	}

	out := make([]domain.Turn, n)
	e := w.turns.Back()
	for i := n - 1; i >= 0; i-- {
		out[i] = e.Value.(domain.Turn)
		e = e.Prev()
	}
	return out
}

// Len returns the number of retained turns.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.turns.Len()
}

// Size returns the capacity.
func (w *Window) Size() int {
	return w.size
}

// Reset drops every retained turn.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns.Init()
}
