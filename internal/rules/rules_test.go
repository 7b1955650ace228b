package rules

import "testing"

func TestApplyLegalMove(t *testing.T) {
	b := NewBoard()
	res, err := b.Apply(MoveInput{From: "e2", To: "e4"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.UCI != "e2e4" || res.SAN != "e4" {
		t.Fatalf("unexpected notation: uci=%q san=%q", res.UCI, res.SAN)
	}
	if res.NextTurn != Black {
		t.Fatalf("expected black to move next, got %s", res.NextTurn)
	}
	if res.Terminal || res.Captured != "" {
		t.Fatalf("opening move should not be terminal or capturing: %+v", res)
	}
}

func TestApplyIllegalMove(t *testing.T) {
	b := NewBoard()
	for _, in := range []MoveInput{
		{From: "e1", To: "e1"},
		{From: "e7", To: "e5"}, // black piece on white's turn
		{From: "a1", To: "a5"}, // rook through own pawn
		{From: "", To: "e4"},
	} {
		if _, err := b.Apply(in); err != ErrIllegalMove {
			t.Fatalf("expected ErrIllegalMove for %+v, got %v", in, err)
		}
	}
	if b.Turn() != White {
		t.Fatalf("rejected moves must not advance the turn")
	}
}

func TestCaptureIsRecomputed(t *testing.T) {
	b := NewBoard()
	moves := []MoveInput{
		{From: "e2", To: "e4"},
		{From: "d7", To: "d5"},
	}
	for _, in := range moves {
		if _, err := b.Apply(in); err != nil {
			t.Fatalf("setup move %+v: %v", in, err)
		}
	}
	res, err := b.Apply(MoveInput{From: "e4", To: "d5"})
	if err != nil {
		t.Fatalf("capture move: %v", err)
	}
	if res.Captured != "p" {
		t.Fatalf("expected captured pawn, got %q", res.Captured)
	}
}

func TestCheckmateDetection(t *testing.T) {
	b := NewBoard()
	// Fool's mate.
	moves := []MoveInput{
		{From: "f2", To: "f3"},
		{From: "e7", To: "e5"},
		{From: "g2", To: "g4"},
	}
	for _, in := range moves {
		if _, err := b.Apply(in); err != nil {
			t.Fatalf("setup move %+v: %v", in, err)
		}
	}
	res, err := b.Apply(MoveInput{From: "d8", To: "h4"})
	if err != nil {
		t.Fatalf("mating move: %v", err)
	}
	if !res.Terminal || res.Winner != Black {
		t.Fatalf("expected black win by mate, got %+v", res)
	}
	if res.Method != "checkmate" {
		t.Fatalf("expected checkmate method, got %q", res.Method)
	}
}

func TestReplayRebuildsPosition(t *testing.T) {
	b := NewBoard()
	uci := []string{"e2e4", "e7e5", "g1f3"}
	for _, mv := range uci {
		if _, err := b.Apply(MoveInput{From: mv[:2], To: mv[2:4]}); err != nil {
			t.Fatalf("apply %s: %v", mv, err)
		}
	}
	r, err := Replay(uci)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if r.FEN() != b.FEN() {
		t.Fatalf("replayed FEN mismatch:\n%s\n%s", r.FEN(), b.FEN())
	}
	if r.Turn() != Black {
		t.Fatalf("expected black to move after replay, got %s", r.Turn())
	}
}

func TestReplayRejectsBadMove(t *testing.T) {
	if _, err := Replay([]string{"e2e4", "e2e4"}); err == nil {
		t.Fatalf("expected error replaying an illegal list")
	}
}
