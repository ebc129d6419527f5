package command

import (
	"sync"

	"github.com/contprof/agent/internal/constants"
)

// IdempotencySet bounds the set of command ids the agent has already
// executed, so a command_id is executed at most once in the agent's
// lifetime. When the bound is exceeded on insert, the oldest entries (by
// insertion order) are evicted down to the limit.
type IdempotencySet struct {
	mu      sync.Mutex
	limit   int
	order   []string
	present map[string]bool
}

// NewIdempotencySet builds a set bounded at constants.IdempotencySetMaxSize.
func NewIdempotencySet() *IdempotencySet {
	return &IdempotencySet{
		limit:   constants.IdempotencySetMaxSize,
		present: make(map[string]bool),
	}
}

// Contains reports whether id has already been marked executed.
func (s *IdempotencySet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[id]
}

// MarkExecuted records id as executed, evicting the oldest entries if the
// set now exceeds its limit. Marking an id already present is a no-op.
func (s *IdempotencySet) MarkExecuted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.present[id] {
		return
	}
	s.present[id] = true
	s.order = append(s.order, id)

	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.present, oldest)
	}
}

// Len reports how many ids are currently tracked.
func (s *IdempotencySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
