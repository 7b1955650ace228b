package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chess-site/coordinator/internal/msgcat"
	"github.com/chess-site/coordinator/internal/obslog"
	"github.com/chess-site/coordinator/internal/relay"
	"github.com/chess-site/coordinator/pkg/gamedto"
)

// Coordinator is the session surface the socket edge drives.
type Coordinator interface {
	Join(ctx context.Context, connID string, p gamedto.JoinPayload) error
	SubmitMove(ctx context.Context, connID string, p gamedto.MovePayload) error
	Leave(ctx context.Context, connID string, p gamedto.LeavePayload) error
	Rematch(ctx context.Context, connID string, accept bool) error
	Disconnect(connID string)
}

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades HTTP requests to game sockets. Each connection gets a
// fresh id, a hub registration for outbound fan-out, and a read loop that
// dispatches the client's event frames to the coordinator.
type Handler struct {
	ops     Coordinator
	hub     *relay.Hub
	cat     *msgcat.Catalog
	origins []string
}

func NewHandler(ops Coordinator, hub *relay.Hub, cat *msgcat.Catalog, origins []string) *Handler {
	return &Handler{ops: ops, hub: hub, cat: cat, origins: origins}
}

// frame is the inbound wire envelope. Data stays raw until the event name
// picks the payload shape.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	} else {
		opts.InsecureSkipVerify = true
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		obslog.L().Debug("ws_accept_error", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	h.hub.Register(connID, &wsSink{conn: c})
	obslog.L().Info("ws_connect", zap.String("conn_id", connID), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.pingLoop(ctx, c, connID)

	// Join parameters may ride on the upgrade URL, so a page reload can
	// reclaim its seat without an extra round trip.
	if p, ok := joinFromQuery(r); ok {
		h.dispatchJoin(ctx, connID, p)
	}

	h.readLoop(ctx, c, connID)

	cancel()
	h.ops.Disconnect(connID)
	h.hub.Unregister(connID)
	obslog.L().Info("ws_disconnect", zap.String("conn_id", connID))
}

func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, connID string) {
	for {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		h.dispatch(ctx, connID, f)
	}
}

func (h *Handler) dispatch(ctx context.Context, connID string, f frame) {
	var err error
	switch f.Event {
	case gamedto.EvJoinGame:
		var p gamedto.JoinPayload
		if err = json.Unmarshal(f.Data, &p); err == nil {
			h.dispatchJoin(ctx, connID, p)
			return
		}
		err = gamedto.Err(gamedto.CodeBadPayload)
	case gamedto.EvMove:
		var p gamedto.MovePayload
		if err = json.Unmarshal(f.Data, &p); err == nil {
			err = h.ops.SubmitMove(ctx, connID, p)
		} else {
			err = gamedto.Err(gamedto.CodeBadPayload)
		}
	case gamedto.EvLeaveGame:
		var p gamedto.LeavePayload
		if len(f.Data) > 0 {
			_ = json.Unmarshal(f.Data, &p)
		}
		err = h.ops.Leave(ctx, connID, p)
	case gamedto.EvRematchRequest:
		err = h.ops.Rematch(ctx, connID, false)
	case gamedto.EvAcceptRematch:
		err = h.ops.Rematch(ctx, connID, true)
	default:
		obslog.L().Debug("ws_unknown_event", zap.String("conn_id", connID), zap.String("event", f.Event))
		return
	}
	if err != nil {
		h.sendError(connID, err)
	}
}

func (h *Handler) dispatchJoin(ctx context.Context, connID string, p gamedto.JoinPayload) {
	if err := h.ops.Join(ctx, connID, p); err != nil {
		h.sendError(connID, err)
	}
}

// sendError maps a rejection onto the error event. Domain codes resolve to
// catalog text so the wire wording stays compatible with the web client.
func (h *Handler) sendError(connID string, err error) {
	payload := gamedto.ErrorPayload{Code: gamedto.CodeInternal}
	var de *gamedto.DomainError
	if errors.As(err, &de) {
		payload.Code = de.Code
	}
	payload.Message = h.cat.ErrorText(payload.Code)
	h.hub.Send(connID, gamedto.Event{Event: gamedto.EvError, Data: payload})
}

func (h *Handler) pingLoop(ctx context.Context, c *websocket.Conn, connID string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_ping_error", zap.String("conn_id", connID), zap.Error(err))
				return
			}
		}
	}
}

func joinFromQuery(r *http.Request) (gamedto.JoinPayload, bool) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		return gamedto.JoinPayload{}, false
	}
	p := gamedto.JoinPayload{
		Code:   code,
		Color:  q.Get("color"),
		Player: q.Get("player"),
		Token:  q.Get("token"),
	}
	if v := q.Get("stake"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			p.Stake = n
		}
	}
	return p, true
}

// wsSink adapts a websocket connection to the relay's writer interface. The
// hub guarantees a single writer, so no locking is needed here.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteEvent(ctx context.Context, ev gamedto.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, ev)
}

func (s *wsSink) Close(reason string) {
	if reason == "" {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	_ = s.conn.Close(websocket.StatusPolicyViolation, reason)
}
