package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chess-site/coordinator/internal/registry"
	"github.com/chess-site/coordinator/internal/relay"
	"github.com/chess-site/coordinator/internal/store"
	"github.com/chess-site/coordinator/internal/token"
	"github.com/chess-site/coordinator/pkg/gamedto"
)

func newSnapshotStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.New(rdb)
}

func TestSnapshotRestoreAcrossRestart(t *testing.T) {
	snaps := newSnapshotStore(t)

	h := newHarness(Config{GraceWindow: time.Minute})
	h.m.AttachSnapshots(snaps)
	_, black := h.startPair(t, "PERSIST")

	for _, mv := range []struct {
		conn     string
		from, to string
	}{
		{"w1", "e2", "e4"}, {"b1", "e7", "e5"}, {"w1", "g1", "f3"},
	} {
		if err := h.m.SubmitMove(context.Background(), mv.conn, gamedto.MovePayload{From: mv.from, To: mv.to}); err != nil {
			t.Fatalf("move %s%s: %v", mv.from, mv.to, err)
		}
	}
	waitFor(t, "moves relayed", func() bool { return black.count(gamedto.EvNewMove) == 3 })

	waitFor(t, "snapshot written", func() bool {
		snap, err := snaps.Load(context.Background(), "PERSIST")
		return err == nil && snap != nil && snap.Seq == 3
	})

	// A fresh manager simulates the process after a restart: its table is
	// empty, so the first join must rebuild the session from the snapshot.
	h2 := &harness{
		hub:     relay.NewHub(),
		settler: &countSettler{},
	}
	h2.m = NewManager(Config{GraceWindow: time.Minute}, registry.New(), h2.hub, h2.settler, token.NewIssuer("test-secret", time.Hour))
	h2.m.AttachSnapshots(snaps)

	b2 := h2.connect("b2")
	if err := h2.m.Join(context.Background(), "b2", gamedto.JoinPayload{Code: "PERSIST", Color: "black", Player: "bob"}); err != nil {
		t.Fatalf("rejoin after restart: %v", err)
	}
	waitFor(t, "resync from restored session", func() bool { return b2.count(gamedto.EvResync) == 1 })

	ev, _ := b2.last(gamedto.EvResync)
	rs := ev.Data.(gamedto.ResyncPayload)
	if rs.Seq != 3 || len(rs.MovesUCI) != 3 || rs.Turn != "black" || rs.Stake != 25 {
		t.Fatalf("restored state wrong: %+v", rs)
	}

	w2 := h2.connect("w2")
	if err := h2.m.Join(context.Background(), "w2", gamedto.JoinPayload{Code: "PERSIST", Color: "white", Player: "alice"}); err != nil {
		t.Fatalf("white rejoin: %v", err)
	}
	waitFor(t, "session resumed", func() bool { return w2.count(gamedto.EvStartGame) >= 1 })

	if err := h2.m.SubmitMove(context.Background(), "b2", gamedto.MovePayload{From: "b8", To: "c6"}); err != nil {
		t.Fatalf("move on restored session: %v", err)
	}
	waitFor(t, "restored game continues", func() bool {
		ev, ok := w2.last(gamedto.EvNewMove)
		return ok && ev.Data.(gamedto.NewMovePayload).Seq == 4
	})
}

func TestSnapshotKeepsNewestState(t *testing.T) {
	snaps := newSnapshotStore(t)

	h := newHarness(Config{})
	h.m.AttachSnapshots(snaps)
	_, black := h.startPair(t, "LATEST")

	moves := []struct {
		conn     string
		from, to string
	}{
		{"w1", "e2", "e4"}, {"b1", "e7", "e5"},
		{"w1", "g1", "f3"}, {"b1", "b8", "c6"},
		{"w1", "f1", "c4"}, {"b1", "g8", "f6"},
	}
	for _, mv := range moves {
		if err := h.m.SubmitMove(context.Background(), mv.conn, gamedto.MovePayload{From: mv.from, To: mv.to}); err != nil {
			t.Fatalf("move %s%s: %v", mv.from, mv.to, err)
		}
	}
	waitFor(t, "moves relayed", func() bool { return black.count(gamedto.EvNewMove) == len(moves) })

	waitFor(t, "snapshot caught up to the last move", func() bool {
		snap, err := snaps.Load(context.Background(), "LATEST")
		return err == nil && snap != nil && snap.Seq == len(moves)
	})

	// No stale write may land after the newest one.
	time.Sleep(50 * time.Millisecond)
	snap, err := snaps.Load(context.Background(), "LATEST")
	if err != nil || snap == nil {
		t.Fatalf("reload: %v", err)
	}
	if snap.Seq != len(moves) || snap.Status != string(StatusActive) || len(snap.MovesUCI) != len(moves) {
		t.Fatalf("snapshot regressed: %+v", snap)
	}
}

func TestRestartedFinishedSessionStaysOver(t *testing.T) {
	snaps := newSnapshotStore(t)
	save := &store.Snapshot{
		Code:     "DONE",
		Status:   string(StatusOver),
		Stake:    10,
		Players:  map[string]string{"white": "alice", "black": "bob"},
		MovesUCI: []string{"f2f3", "e7e5", "g2g4", "d8h4"},
		MovesSAN: []string{"f3", "e5", "g4", "Qh4#"},
		Seq:      4,
		Settled:  true,
		Winner:   "black",
		Method:   "checkmate",
	}
	if err := snaps.Save(context.Background(), save); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	h := newHarness(Config{})
	h.m.AttachSnapshots(snaps)

	w := h.connect("w1")
	if err := h.m.Join(context.Background(), "w1", gamedto.JoinPayload{Code: "DONE", Color: "white", Player: "alice"}); err != nil {
		t.Fatalf("rejoin finished game: %v", err)
	}
	waitFor(t, "resync of finished game", func() bool { return w.count(gamedto.EvResync) == 1 })
	ev, _ := w.last(gamedto.EvResync)
	rs := ev.Data.(gamedto.ResyncPayload)
	if rs.Status != string(StatusOver) || rs.WinnerColor != "black" {
		t.Fatalf("finished state lost: %+v", rs)
	}

	if code := domainCode(t, h.m.SubmitMove(context.Background(), "w1", gamedto.MovePayload{From: "a2", To: "a3"})); code != gamedto.CodeSessionNotActive {
		t.Fatalf("finished restored session must reject moves, got %s", code)
	}
	if h.settler.count() != 0 {
		t.Fatalf("settled snapshot must not settle again, got %d", h.settler.count())
	}
}
