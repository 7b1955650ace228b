package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chess-site/coordinator/pkg/gamedto"
)

type captureSink struct {
	mu     sync.Mutex
	events []gamedto.Event
	closed bool
	reason string
}

func (s *captureSink) WriteEvent(_ context.Context, ev gamedto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *captureSink) snapshot() []gamedto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gamedto.Event, len(s.events))
	copy(out, s.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSendPreservesOrder(t *testing.T) {
	h := NewHub()
	s := &captureSink{}
	h.Register("c1", s)
	for i := 0; i < 10; i++ {
		h.Send("c1", gamedto.Event{Event: gamedto.EvNewMove, Data: i})
	}
	waitFor(t, func() bool { return len(s.snapshot()) == 10 })
	for i, ev := range s.snapshot() {
		if ev.Data.(int) != i {
			t.Fatalf("event %d out of order: %v", i, ev.Data)
		}
	}
	h.Unregister("c1")
}

func TestSendToUnknownPeerIsNoop(t *testing.T) {
	h := NewHub()
	h.Send("nobody", gamedto.Event{Event: gamedto.EvError})
}

func TestKickFlushesNoticeThenCloses(t *testing.T) {
	h := NewHub()
	s := &captureSink{}
	h.Register("c1", s)
	h.Send("c1", gamedto.Event{Event: gamedto.EvStartGame})
	h.Kick("c1", "seat reclaimed")

	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closed
	})
	evs := s.snapshot()
	if len(evs) == 0 || evs[len(evs)-1].Event != gamedto.EvForceDisconnect {
		t.Fatalf("expected trailing forceDisconnect, got %v", evs)
	}
	if h.Count() != 0 {
		t.Fatalf("peer should be gone after kick")
	}
	h.Send("c1", gamedto.Event{Event: gamedto.EvError}) // must not panic
}

func TestRegisterReplacesPeer(t *testing.T) {
	h := NewHub()
	s1 := &captureSink{}
	s2 := &captureSink{}
	h.Register("c1", s1)
	h.Register("c1", s2)
	waitFor(t, func() bool {
		s1.mu.Lock()
		defer s1.mu.Unlock()
		return s1.closed
	})
	h.Send("c1", gamedto.Event{Event: gamedto.EvStartGame})
	waitFor(t, func() bool { return len(s2.snapshot()) == 1 })
}
