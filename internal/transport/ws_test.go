package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chess-site/coordinator/internal/msgcat"
	"github.com/chess-site/coordinator/internal/relay"
	"github.com/chess-site/coordinator/pkg/gamedto"
)

type fakeOps struct {
	mu      sync.Mutex
	hub     *relay.Hub
	joins   []gamedto.JoinPayload
	moves   []gamedto.MovePayload
	joinErr error
}

func (f *fakeOps) Join(_ context.Context, connID string, p gamedto.JoinPayload) error {
	f.mu.Lock()
	f.joins = append(f.joins, p)
	err := f.joinErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.hub.Send(connID, gamedto.Event{
		Event: gamedto.EvJoined,
		Data:  gamedto.JoinedPayload{Code: p.Code, Color: p.Color, PlayersCount: 1},
	})
	return nil
}

func (f *fakeOps) SubmitMove(_ context.Context, _ string, p gamedto.MovePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, p)
	return nil
}

func (f *fakeOps) Leave(context.Context, string, gamedto.LeavePayload) error { return nil }
func (f *fakeOps) Rematch(context.Context, string, bool) error              { return nil }
func (f *fakeOps) Disconnect(string)                                        {}

func (f *fakeOps) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeOps) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	hub := relay.NewHub()
	ops := &fakeOps{hub: hub}
	srv := httptest.NewServer(NewHandler(ops, hub, cat, nil))
	t.Cleanup(srv.Close)
	return srv, ops
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var raw map[string]any
	if err := wsjson.Read(ctx, c, &raw); err != nil {
		t.Fatalf("read: %v", err)
	}
	return raw
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestJoinFrameDispatch(t *testing.T) {
	srv, ops := newTestServer(t)
	c := dial(t, wsURL(srv.URL))

	ctx := context.Background()
	err := wsjson.Write(ctx, c, map[string]any{
		"event": "joinGame",
		"data":  map[string]any{"code": "ROOM", "color": "white", "stake": 10},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := readEvent(t, c)
	if ev["event"] != "joined" {
		t.Fatalf("expected joined ack, got %v", ev)
	}
	if ops.joinCount() != 1 {
		t.Fatalf("join dispatched %d times", ops.joinCount())
	}
	ops.mu.Lock()
	p := ops.joins[0]
	ops.mu.Unlock()
	if p.Code != "ROOM" || p.Color != "white" || p.Stake != 10 {
		t.Fatalf("payload mangled: %+v", p)
	}
}

func TestQueryAutoJoin(t *testing.T) {
	srv, ops := newTestServer(t)
	c := dial(t, wsURL(srv.URL)+"?code=ROOM&color=black&stake=5")

	ev := readEvent(t, c)
	if ev["event"] != "joined" {
		t.Fatalf("expected joined ack, got %v", ev)
	}
	ops.mu.Lock()
	p := ops.joins[0]
	ops.mu.Unlock()
	if p.Code != "ROOM" || p.Color != "black" || p.Stake != 5 {
		t.Fatalf("query join mangled: %+v", p)
	}
}

func TestRejectionUsesCatalogText(t *testing.T) {
	srv, ops := newTestServer(t)
	ops.joinErr = gamedto.Err(gamedto.CodeColorAlreadyTaken)
	c := dial(t, wsURL(srv.URL))

	err := wsjson.Write(context.Background(), c, map[string]any{
		"event": "joinGame",
		"data":  map[string]any{"code": "ROOM", "color": "white"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := readEvent(t, c)
	if ev["event"] != "error" {
		t.Fatalf("expected error event, got %v", ev)
	}
	data := ev["data"].(map[string]any)
	if data["message"] != "Color already taken" {
		t.Fatalf("legacy client expects exact wording, got %q", data["message"])
	}
	if data["code"] != gamedto.CodeColorAlreadyTaken {
		t.Fatalf("missing code: %v", data)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	srv, ops := newTestServer(t)
	c := dial(t, wsURL(srv.URL))

	if err := wsjson.Write(context.Background(), c, map[string]any{"event": "mystery"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Write(context.Background(), c, map[string]any{
		"event": "move",
		"data":  map[string]any{"from": "e2", "to": "e4"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ops.mu.Lock()
		n := len(ops.moves)
		ops.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("move after unknown event never dispatched")
}
