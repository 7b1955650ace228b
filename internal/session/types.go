package session

import (
	"sync"
	"time"

	"github.com/chess-site/coordinator/internal/rules"
	"github.com/chess-site/coordinator/internal/store"
)

// Status is the lifecycle state of a session. Transitions are monotonic
// except Active↔Paused (reconnect cycle) and Over→Active (rematch).
type Status string

const (
	StatusWaiting Status = "WAITING_FOR_PLAYERS"
	StatusActive  Status = "ACTIVE"
	StatusPaused  Status = "PAUSED"
	StatusOver    Status = "OVER"
)

// PlayerSlot is one seat. An empty ConnID means the seat's owner is
// disconnected but has not forfeited yet.
type PlayerSlot struct {
	PlayerID string
	ConnID   string
}

// MoveRecord is a coordinator-accepted move. Sequence numbers are assigned
// here, never trusted from the client.
type MoveRecord struct {
	Seq       int
	Color     rules.Color
	From      string
	To        string
	Promotion string
	Captured  string
	SAN       string
	UCI       string
	At        time.Time
}

// Session is one pairing of two players under a shared code. All fields are
// guarded by mu; every mutating operation takes the lock for its full
// validate-then-apply span, so no partial state is ever observable.
type Session struct {
	mu sync.Mutex

	Code    string
	Status  Status
	Stake   int64
	Players map[rules.Color]*PlayerSlot
	Board   *rules.Board
	Moves   []MoveRecord
	Seq     int

	// Clocks is nil for untimed games.
	Clocks        map[rules.Color]time.Duration
	TurnStartedAt time.Time

	RematchVotes map[rules.Color]bool
	Winner       rules.Color
	Method       string

	// started flips when the session first reaches Active; stake settlement
	// only applies to sessions that actually started.
	started bool
	// settled guards the stake hook: exactly one settlement per terminal
	// transition regardless of how termination was reached.
	settled bool

	CreatedAt    time.Time
	LastActivity time.Time

	graceTimers map[rules.Color]*time.Timer
	clockTimer  *time.Timer

	// pendingSnap is the newest unsaved snapshot; snapSaving marks the single
	// writer goroutine draining it. Together they keep persistence ordered
	// per session without holding the lock across redis calls.
	pendingSnap *store.Snapshot
	snapSaving  bool
}

func newSession(code string, stake int64) *Session {
	now := time.Now()
	return &Session{
		Code:         code,
		Status:       StatusWaiting,
		Stake:        stake,
		Players:      make(map[rules.Color]*PlayerSlot),
		Board:        rules.NewBoard(),
		RematchVotes: make(map[rules.Color]bool),
		CreatedAt:    now,
		LastActivity: now,
		graceTimers:  make(map[rules.Color]*time.Timer),
	}
}

func (s *Session) touch() { s.LastActivity = time.Now() }

func (s *Session) playersCount() int { return len(s.Players) }

func (s *Session) bothSeated() bool {
	return s.Players[rules.White] != nil && s.Players[rules.Black] != nil
}

func (s *Session) bothConnected() bool {
	w, b := s.Players[rules.White], s.Players[rules.Black]
	return w != nil && b != nil && w.ConnID != "" && b.ConnID != ""
}

// connIDs returns the currently bound connections, white first.
func (s *Session) connIDs() []string {
	var out []string
	for _, c := range []rules.Color{rules.White, rules.Black} {
		if p := s.Players[c]; p != nil && p.ConnID != "" {
			out = append(out, p.ConnID)
		}
	}
	return out
}

func (s *Session) otherConn(color rules.Color) string {
	if p := s.Players[color.Other()]; p != nil {
		return p.ConnID
	}
	return ""
}

func (s *Session) stopTimersLocked() {
	for c, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, c)
	}
	if s.clockTimer != nil {
		s.clockTimer.Stop()
		s.clockTimer = nil
	}
}

func (s *Session) movesUCI() []string {
	out := make([]string, len(s.Moves))
	for i, m := range s.Moves {
		out[i] = m.UCI
	}
	return out
}

func (s *Session) movesSAN() []string {
	out := make([]string, len(s.Moves))
	for i, m := range s.Moves {
		out[i] = m.SAN
	}
	return out
}
