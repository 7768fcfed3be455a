package chat

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"
)

// DefaultStreamDelay paces chunk delivery.
const DefaultStreamDelay = 20 * time.Millisecond

// Stream delivers an answer word by word. It is finite and cannot be restarted:
// chunks handed out once are never yielded again.
type Stream struct {
	mu     sync.Mutex
	chunks []string
	pos    int
	delay  time.Duration
	closed bool
}

// NewStream splits text on single spaces. Each chunk keeps a trailing space.
func NewStream(text string, delay time.Duration) *Stream {
	words := strings.Split(text, " ")
	chunks := make([]string, len(words))
	for i, w := range words {
		chunks[i] = w + " "
	}
	return &Stream{chunks: chunks, delay: delay}
}

// Chunks yields the remaining chunks, waiting delay after each one.
// Stopping the range early leaves the rest for a later call.
func (s *Stream) Chunks(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			if ctx.Err() != nil {
				return
			}
			chunk, ok := s.next()
			if !ok {
				return
			}
			if !yield(chunk) {
				return
			}
			if s.delay <= 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.delay)
			} else {
				timer.Reset(s.delay)
			}
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}
}

func (s *Stream) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.chunks) {
		return "", false
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, true
}

// Close ends the stream. Remaining chunks are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Done reports whether no chunks remain.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.pos >= len(s.chunks)
}
