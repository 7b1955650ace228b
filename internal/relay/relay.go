package relay

import (
	"context"
	"sync"

	"github.com/chess-site/coordinator/internal/obslog"
	"github.com/chess-site/coordinator/pkg/gamedto"
	"go.uber.org/zap"
)

// Sink is the transport side of a registered connection.
type Sink interface {
	WriteEvent(ctx context.Context, ev gamedto.Event) error
	// Close tears the connection down; reason is sent as the close frame text.
	Close(reason string)
}

const sendBuffer = 64

type peer struct {
	id   string
	sink Sink
	ch   chan gamedto.Event
	done chan struct{}

	mu     sync.Mutex
	reason string
	once   sync.Once
}

// Hub fans events out to connections. Each peer has a single writer
// goroutine draining a FIFO queue, so events enqueued in order are delivered
// in order; a peer that cannot keep up is dropped rather than reordered.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*peer)}
}

// Register starts the writer for connID. Any previous peer under the same id
// is stopped first.
func (h *Hub) Register(connID string, s Sink) {
	p := &peer{id: connID, sink: s, ch: make(chan gamedto.Event, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	old := h.peers[connID]
	h.peers[connID] = p
	h.mu.Unlock()
	if old != nil {
		old.stop("replaced")
	}

	go p.writeLoop()
}

// Unregister stops the writer and forgets the peer.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	p := h.peers[connID]
	delete(h.peers, connID)
	h.mu.Unlock()
	if p != nil {
		p.stop("")
	}
}

// Send enqueues ev for connID. Unknown peers are ignored; a full queue drops
// the peer, since a resync on reconnect is cheaper than unbounded buffering.
func (h *Hub) Send(connID string, ev gamedto.Event) {
	if connID == "" {
		return
	}
	h.mu.RLock()
	p := h.peers[connID]
	h.mu.RUnlock()
	if p == nil {
		return
	}
	select {
	case <-p.done:
	case p.ch <- ev:
	default:
		obslog.L().Warn("relay_slow_consumer", zap.String("conn_id", connID), zap.String("event", ev.Event))
		p.stop("slow consumer")
	}
}

// Kick notifies connID it is being displaced, then closes it. Queued events,
// including the notice itself, flush before the close frame.
func (h *Hub) Kick(connID, reason string) {
	h.Send(connID, gamedto.Event{
		Event: gamedto.EvForceDisconnect,
		Data:  gamedto.ForceDisconnectPayload{Reason: reason},
	})
	h.mu.Lock()
	p := h.peers[connID]
	delete(h.peers, connID)
	h.mu.Unlock()
	if p != nil {
		p.stop(reason)
	}
}

// Count reports the number of live peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// writeLoop is the single goroutine allowed to touch the sink. On stop it
// flushes whatever is already queued before closing the connection.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			p.flushAndClose()
			return
		case ev := <-p.ch:
			if err := p.sink.WriteEvent(context.Background(), ev); err != nil {
				obslog.L().Debug("relay_write_error", zap.String("conn_id", p.id), zap.Error(err))
				p.sink.Close("")
				return
			}
		}
	}
}

func (p *peer) flushAndClose() {
	for {
		select {
		case ev := <-p.ch:
			if err := p.sink.WriteEvent(context.Background(), ev); err != nil {
				p.sink.Close(p.stopReason())
				return
			}
		default:
			p.sink.Close(p.stopReason())
			return
		}
	}
}

func (p *peer) stop(reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *peer) stopReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}
