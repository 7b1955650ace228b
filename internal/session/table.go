package session

import "sync"

// Table is the authoritative map from game code to session. It is the only
// structure shared across sessions; each session serializes its own
// mutations behind its lock.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for code, building it with create exactly
// once under the table lock — concurrent first-joins for a brand-new code
// observe a single session object.
func (t *Table) GetOrCreate(code string, create func() *Session) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[code]; ok {
		return s, false
	}
	s := create()
	t.sessions[code] = s
	return s, true
}

func (t *Table) Get(code string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[code]
	return s, ok
}

func (t *Table) Remove(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, code)
}

func (t *Table) Codes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sessions))
	for code := range t.sessions {
		out = append(out, code)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
