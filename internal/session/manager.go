package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chess-site/coordinator/internal/archive"
	"github.com/chess-site/coordinator/internal/obslog"
	"github.com/chess-site/coordinator/internal/registry"
	"github.com/chess-site/coordinator/internal/relay"
	"github.com/chess-site/coordinator/internal/rules"
	"github.com/chess-site/coordinator/internal/stake"
	"github.com/chess-site/coordinator/internal/store"
	"github.com/chess-site/coordinator/internal/token"
	"github.com/chess-site/coordinator/pkg/gamedto"
)

type Config struct {
	GraceWindow    time.Duration
	IdleTTL        time.Duration
	OverRetention  time.Duration
	ReaperInterval time.Duration
	ClockInitial   time.Duration // 0 disables clocks
	DefaultStake   int64
}

// Archiver persists terminal sessions; nil disables archiving.
type Archiver interface {
	SaveResult(ctx context.Context, rec *archive.Record) error
}

// Manager owns every session transition. Each operation resolves the session,
// takes its lock, validates, applies, and fans out canonical events — so per
// session everything is totally ordered, while distinct sessions proceed in
// parallel.
type Manager struct {
	cfg     Config
	table   *Table
	reg     *registry.Registry
	hub     *relay.Hub
	settler stake.Settler
	tokens  *token.Issuer

	snaps *store.Store
	arch  Archiver
}

func NewManager(cfg Config, reg *registry.Registry, hub *relay.Hub, settler stake.Settler, tokens *token.Issuer) *Manager {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 45 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Hour
	}
	if cfg.OverRetention <= 0 {
		cfg.OverRetention = 15 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 60 * time.Second
	}
	if settler == nil {
		settler = stake.NopSettler{}
	}
	return &Manager{
		cfg:     cfg,
		table:   NewTable(),
		reg:     reg,
		hub:     hub,
		settler: settler,
		tokens:  tokens,
	}
}

// AttachSnapshots wires the redis snapshot store for restart resilience.
func (m *Manager) AttachSnapshots(s *store.Store) { m.snaps = s }

// AttachArchive wires long-term storage of finished games.
func (m *Manager) AttachArchive(a Archiver) { m.arch = a }

// SessionCount reports live sessions for health reporting.
func (m *Manager) SessionCount() int { return m.table.Len() }

// Join binds a connection to a session seat, creating the session lazily on
// the first join for an unseen code. The color may be omitted (legacy
// clients), in which case the first free seat is assigned.
func (m *Manager) Join(ctx context.Context, connID string, p gamedto.JoinPayload) error {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return gamedto.Err(gamedto.CodeBadPayload)
	}
	color, colorOK := rules.ParseColor(p.Color)
	if !colorOK && strings.TrimSpace(p.Color) != "" {
		return gamedto.Err(gamedto.CodeBadPayload)
	}

	// A connection holds one seat at a time. Joining a different game (or a
	// different color) releases the old seat exactly like a transport drop:
	// the old session pauses and its grace timer starts.
	if prev, ok := m.reg.Identify(connID); ok {
		if prev.Code != code || (colorOK && prev.Color != color) {
			m.Disconnect(connID)
		}
	}

	s := m.lookup(ctx, code, p.Stake)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if !colorOK {
		if s.Players[rules.White] == nil {
			color = rules.White
		} else if s.Players[rules.Black] == nil {
			color = rules.Black
		} else {
			return gamedto.Err(gamedto.CodeSessionFull)
		}
	}

	playerID := strings.TrimSpace(p.Player)
	tokenVerified := false
	if strings.TrimSpace(p.Token) != "" {
		claims, err := m.tokens.Verify(p.Token, code, color)
		if err != nil {
			return gamedto.Err(gamedto.CodeBadPayload)
		}
		playerID = claims.PlayerID
		tokenVerified = true
	}

	slot := s.Players[color]
	if slot == nil {
		return m.occupySeatLocked(s, connID, color, playerID)
	}

	// Occupied seat: either the same player coming back (reconnect or tab
	// duplication) or a stranger trying to claim it.
	same := tokenVerified && slot.PlayerID == playerID
	if !same && playerID != "" && slot.PlayerID == playerID {
		same = true
	}
	if !same && playerID == "" && slot.ConnID == "" {
		// Legacy rejoin: no identity on the wire, but the seat's holder is
		// disconnected. Treat the claim as the holder returning.
		same = true
		playerID = slot.PlayerID
	}
	if !same {
		return gamedto.Err(gamedto.CodeColorAlreadyTaken)
	}
	return m.rebindSeatLocked(s, connID, color, slot)
}

func (m *Manager) occupySeatLocked(s *Session, connID string, color rules.Color, playerID string) error {
	if s.Status == StatusOver {
		return gamedto.Err(gamedto.CodeSessionOver)
	}
	if playerID == "" {
		playerID = uuid.NewString()
	}
	s.Players[color] = &PlayerSlot{PlayerID: playerID, ConnID: connID}
	if evicted := m.reg.Bind(connID, s.Code, color, playerID); evicted != "" {
		m.hub.Kick(evicted, "seat reclaimed")
	}

	m.sendJoinedLocked(s, connID, color, playerID)
	m.broadcastLocked(s, gamedto.Event{
		Event: gamedto.EvPlayerJoined,
		Data:  gamedto.PlayerJoinedPayload{PlayersCount: s.playersCount()},
	})
	obslog.L().Info("session_join",
		zap.String("code", s.Code),
		zap.String("color", string(color)),
		zap.String("player_id", playerID),
		zap.Int("players", s.playersCount()),
	)

	if s.Status == StatusWaiting && s.bothSeated() {
		m.startLocked(s)
	}
	m.snapshotLocked(s)
	return nil
}

func (m *Manager) rebindSeatLocked(s *Session, connID string, color rules.Color, slot *PlayerSlot) error {
	if old := slot.ConnID; old != "" && old != connID {
		m.hub.Kick(old, "seat reclaimed by a newer connection")
	}
	slot.ConnID = connID
	if evicted := m.reg.Bind(connID, s.Code, color, slot.PlayerID); evicted != "" && evicted != connID {
		m.hub.Kick(evicted, "seat reclaimed by a newer connection")
	}
	if t := s.graceTimers[color]; t != nil {
		t.Stop()
		delete(s.graceTimers, color)
	}

	m.sendJoinedLocked(s, connID, color, slot.PlayerID)

	resumed := false
	if s.Status == StatusPaused && s.bothConnected() {
		s.Status = StatusActive
		s.TurnStartedAt = time.Now()
		m.scheduleClockLocked(s)
		resumed = true
	}
	if s.Status == StatusActive {
		// The client arms its board only on startGame.
		m.broadcastLocked(s, gamedto.Event{Event: gamedto.EvStartGame})
	}
	m.hub.Send(connID, gamedto.Event{Event: gamedto.EvResync, Data: m.resyncPayloadLocked(s, color)})

	obslog.L().Info("session_rejoin",
		zap.String("code", s.Code),
		zap.String("color", string(color)),
		zap.Bool("resumed", resumed),
	)
	m.snapshotLocked(s)
	return nil
}

// SubmitMove validates and applies a move. Rejections go back to the sender
// only; accepted moves are broadcast to both sides in sequence order.
func (m *Manager) SubmitMove(ctx context.Context, connID string, p gamedto.MovePayload) error {
	b, ok := m.reg.Identify(connID)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}
	s, ok := m.table.Get(b.Code)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.Status != StatusActive {
		return gamedto.Err(gamedto.CodeSessionNotActive)
	}
	slot := s.Players[b.Color]
	if slot == nil || slot.ConnID != connID {
		return gamedto.Err(gamedto.CodeNotYourColor)
	}
	if s.Board.Turn() != b.Color {
		return gamedto.Err(gamedto.CodeOutOfTurn)
	}

	var remaining time.Duration
	if s.Clocks != nil {
		remaining = s.Clocks[b.Color] - time.Since(s.TurnStartedAt)
		if remaining <= 0 {
			s.Clocks[b.Color] = 0
			m.finishLocked(s, b.Color.Other(), "timeout")
			m.broadcastLocked(s, gamedto.Event{
				Event: gamedto.EvGameOver,
				Data:  gamedto.GameOverPayload{WinnerColor: string(b.Color.Other()), Method: "timeout"},
			})
			return nil
		}
	}

	res, err := s.Board.Apply(rules.MoveInput{From: p.From, To: p.To, Promotion: p.Promotion})
	if err != nil {
		obslog.L().Debug("session_move_rejected",
			zap.String("code", s.Code),
			zap.String("color", string(b.Color)),
			zap.String("from", p.From),
			zap.String("to", p.To),
		)
		return gamedto.Err(gamedto.CodeIllegalMove)
	}

	s.Seq++
	s.Moves = append(s.Moves, MoveRecord{
		Seq:       s.Seq,
		Color:     b.Color,
		From:      strings.ToLower(strings.TrimSpace(p.From)),
		To:        strings.ToLower(strings.TrimSpace(p.To)),
		Promotion: res.Promotion,
		Captured:  res.Captured,
		SAN:       res.SAN,
		UCI:       res.UCI,
		At:        time.Now(),
	})
	if s.Clocks != nil {
		s.Clocks[b.Color] = remaining
	}
	s.TurnStartedAt = time.Now()

	out := gamedto.NewMovePayload{
		Seq:       s.Seq,
		Color:     string(b.Color),
		From:      strings.ToLower(strings.TrimSpace(p.From)),
		To:        strings.ToLower(strings.TrimSpace(p.To)),
		Promotion: res.Promotion,
		Captured:  res.Captured,
		San:       res.SAN,
		Fen:       res.FEN,
	}
	if res.Terminal {
		out.Terminal = true
		out.WinnerColor = string(res.Winner)
		out.Method = res.Method
	}
	m.broadcastLocked(s, gamedto.Event{Event: gamedto.EvNewMove, Data: out})

	obslog.L().Info("session_move",
		zap.String("code", s.Code),
		zap.Int("seq", s.Seq),
		zap.String("color", string(b.Color)),
		zap.String("uci", res.UCI),
		zap.Bool("terminal", res.Terminal),
	)

	if res.Terminal {
		m.finishLocked(s, res.Winner, res.Method)
	} else {
		m.scheduleClockLocked(s)
	}
	m.snapshotLocked(s)
	return nil
}

// Leave is an explicit departure: an active or paused game is forfeited to
// the other side.
func (m *Manager) Leave(ctx context.Context, connID string, p gamedto.LeavePayload) error {
	b, ok := m.reg.Identify(connID)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}
	s, ok := m.table.Get(b.Code)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	m.reg.Unbind(connID)
	switch s.Status {
	case StatusWaiting:
		delete(s.Players, b.Color)
		m.broadcastLocked(s, gamedto.Event{
			Event: gamedto.EvPlayerJoined,
			Data:  gamedto.PlayerJoinedPayload{PlayersCount: s.playersCount()},
		})
	case StatusActive, StatusPaused:
		winner := b.Color.Other()
		if slot := s.Players[b.Color]; slot != nil {
			slot.ConnID = ""
		}
		m.finishLocked(s, winner, "forfeit")
		m.hub.Send(s.otherConn(b.Color), gamedto.Event{
			Event: gamedto.EvOpponentLeft,
			Data:  gamedto.OpponentLeftPayload{WinnerColor: string(winner)},
		})
	case StatusOver:
		if slot := s.Players[b.Color]; slot != nil && slot.ConnID == connID {
			slot.ConnID = ""
		}
	}

	obslog.L().Info("session_leave",
		zap.String("code", s.Code),
		zap.String("color", string(b.Color)),
		zap.String("status", string(s.Status)),
	)
	m.snapshotLocked(s)
	return nil
}

// Disconnect handles a transport close without an explicit leave. An active
// game pauses behind a grace timer rather than forfeiting immediately.
func (m *Manager) Disconnect(connID string) {
	b, ok := m.reg.Identify(connID)
	if !ok {
		return
	}
	m.reg.Unbind(connID)

	s, ok := m.table.Get(b.Code)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.Players[b.Color]
	if slot == nil || slot.ConnID != connID {
		// Stale close from a connection this seat already evicted.
		return
	}
	slot.ConnID = ""
	s.touch()

	switch s.Status {
	case StatusWaiting:
		// No opponent invested yet; free the seat outright.
		delete(s.Players, b.Color)
		m.broadcastLocked(s, gamedto.Event{
			Event: gamedto.EvPlayerJoined,
			Data:  gamedto.PlayerJoinedPayload{PlayersCount: s.playersCount()},
		})
	case StatusActive:
		s.Status = StatusPaused
		m.pauseClockLocked(s)
		m.startGraceLocked(s, b.Color)
		m.hub.Send(s.otherConn(b.Color), gamedto.Event{
			Event: gamedto.EvOpponentDisconnected,
			Data:  gamedto.OpponentDisconnectedPayload{GraceSeconds: int(m.cfg.GraceWindow / time.Second)},
		})
	case StatusPaused:
		m.startGraceLocked(s, b.Color)
	case StatusOver:
	}

	obslog.L().Info("session_disconnect",
		zap.String("code", s.Code),
		zap.String("color", string(b.Color)),
		zap.String("status", string(s.Status)),
	)
	m.snapshotLocked(s)
}

// Rematch records a vote. accept distinguishes acceptRematch from
// rematchRequest only for forwarding; both count as the color's vote.
func (m *Manager) Rematch(ctx context.Context, connID string, accept bool) error {
	b, ok := m.reg.Identify(connID)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}
	s, ok := m.table.Get(b.Code)
	if !ok {
		return gamedto.Err(gamedto.CodeSessionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.Status != StatusOver {
		return gamedto.Err(gamedto.CodeSessionNotActive)
	}
	s.RematchVotes[b.Color] = true
	if !accept {
		m.hub.Send(s.otherConn(b.Color), gamedto.Event{Event: gamedto.EvRematchRequest})
	}

	if s.RematchVotes[rules.White] && s.RematchVotes[rules.Black] {
		m.restartLocked(s)
	}
	m.snapshotLocked(s)
	return nil
}

// lookup finds the session in memory, restores it from a snapshot, or
// creates it fresh — whichever applies first.
func (m *Manager) lookup(ctx context.Context, code string, stakeAmount int64) *Session {
	if s, ok := m.table.Get(code); ok {
		return s
	}
	if stakeAmount <= 0 {
		stakeAmount = m.cfg.DefaultStake
	}

	var restored *Session
	if m.snaps != nil {
		if snap, err := m.snaps.Load(ctx, code); err != nil {
			obslog.L().Error("snapshot_load_error", zap.String("code", code), zap.Error(err))
		} else if snap != nil {
			restored = m.sessionFromSnapshot(snap)
		}
	}

	s, created := m.table.GetOrCreate(code, func() *Session {
		if restored != nil {
			return restored
		}
		return newSession(code, stakeAmount)
	})
	if created {
		if restored != nil {
			obslog.L().Info("session_restore", zap.String("code", code), zap.String("status", string(s.Status)))
			m.armRestoredLocked(s)
		} else {
			obslog.L().Info("session_create", zap.String("code", code), zap.Int64("stake", stakeAmount))
		}
	}
	return s
}

func (m *Manager) sessionFromSnapshot(snap *store.Snapshot) *Session {
	board, err := rules.Replay(snap.MovesUCI)
	if err != nil {
		obslog.L().Error("snapshot_replay_error", zap.String("code", snap.Code), zap.Error(err))
		return nil
	}
	s := newSession(snap.Code, snap.Stake)
	s.Board = board
	s.Seq = snap.Seq
	s.CreatedAt = snap.CreatedAt
	for i := range snap.MovesUCI {
		color := rules.White
		if i%2 == 1 {
			color = rules.Black
		}
		san := ""
		if i < len(snap.MovesSAN) {
			san = snap.MovesSAN[i]
		}
		uci := snap.MovesUCI[i]
		rec := MoveRecord{Seq: i + 1, Color: color, UCI: uci, SAN: san}
		if len(uci) >= 4 {
			rec.From, rec.To = uci[:2], uci[2:4]
			if len(uci) > 4 {
				rec.Promotion = uci[4:]
			}
		}
		s.Moves = append(s.Moves, rec)
	}
	for colorStr, playerID := range snap.Players {
		if c, ok := rules.ParseColor(colorStr); ok {
			s.Players[c] = &PlayerSlot{PlayerID: playerID}
		}
	}
	for _, v := range snap.RematchVotes {
		if c, ok := rules.ParseColor(v); ok {
			s.RematchVotes[c] = true
		}
	}
	if snap.ClocksMs != nil {
		s.Clocks = make(map[rules.Color]time.Duration, 2)
		for colorStr, ms := range snap.ClocksMs {
			if c, ok := rules.ParseColor(colorStr); ok {
				s.Clocks[c] = time.Duration(ms) * time.Millisecond
			}
		}
	}
	s.settled = snap.Settled
	s.Method = snap.Method
	if w, ok := rules.ParseColor(snap.Winner); ok {
		s.Winner = w
	}
	switch Status(snap.Status) {
	case StatusWaiting:
		s.Status = StatusWaiting
	case StatusOver:
		s.Status = StatusOver
		s.started = true
	default:
		// Nobody is connected after a restart; both seats get a grace window.
		s.Status = StatusPaused
		s.started = true
	}
	return s
}

// armRestoredLocked starts grace timers for a restored paused session. The
// session is freshly inserted, so taking its lock here cannot deadlock.
func (m *Manager) armRestoredLocked(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusPaused {
		return
	}
	for _, c := range []rules.Color{rules.White, rules.Black} {
		if s.Players[c] != nil {
			m.startGraceLocked(s, c)
		}
	}
}

func (m *Manager) sendJoinedLocked(s *Session, connID string, color rules.Color, playerID string) {
	tok := ""
	if m.tokens != nil {
		if t, err := m.tokens.Issue(s.Code, color, playerID); err == nil {
			tok = t
		}
	}
	m.hub.Send(connID, gamedto.Event{
		Event: gamedto.EvJoined,
		Data: gamedto.JoinedPayload{
			Code:         s.Code,
			Color:        string(color),
			PlayerID:     playerID,
			Token:        tok,
			PlayersCount: s.playersCount(),
		},
	})
}

func (m *Manager) startLocked(s *Session) {
	s.Status = StatusActive
	s.started = true
	if m.cfg.ClockInitial > 0 {
		s.Clocks = map[rules.Color]time.Duration{
			rules.White: m.cfg.ClockInitial,
			rules.Black: m.cfg.ClockInitial,
		}
	}
	s.TurnStartedAt = time.Now()
	m.scheduleClockLocked(s)
	m.broadcastLocked(s, gamedto.Event{Event: gamedto.EvStartGame})
	obslog.L().Info("session_start",
		zap.String("code", s.Code),
		zap.Int64("stake", s.Stake),
		zap.Duration("clock", m.cfg.ClockInitial),
	)
}

func (m *Manager) restartLocked(s *Session) {
	s.Board = rules.NewBoard()
	s.Moves = nil
	s.Seq = 0
	s.RematchVotes = make(map[rules.Color]bool)
	s.Winner = ""
	s.Method = ""
	s.settled = false
	s.stopTimersLocked()
	s.Clocks = nil
	m.startLocked(s)
	obslog.L().Info("session_rematch", zap.String("code", s.Code), zap.Int64("stake", s.Stake))
}

// finishLocked is the single terminal transition. Idempotent: a session that
// is already Over stays exactly as it was, so checkmate detection and a
// racing disconnect timeout cannot both settle the stake.
func (m *Manager) finishLocked(s *Session, winner rules.Color, method string) {
	if s.Status == StatusOver {
		return
	}
	s.Status = StatusOver
	s.Winner = winner
	s.Method = method
	s.stopTimersLocked()
	s.touch()

	obslog.L().Info("session_over",
		zap.String("code", s.Code),
		zap.String("winner", string(winner)),
		zap.String("method", method),
		zap.Int("moves", len(s.Moves)),
	)

	if s.started && !s.settled {
		s.settled = true
		in := stake.Instruction{
			Code:        s.Code,
			WinnerColor: string(winner),
			Amount:      s.Stake,
			Method:      method,
		}
		if winner != "" {
			if slot := s.Players[winner]; slot != nil {
				in.WinnerID = slot.PlayerID
			}
		}
		go func() {
			if err := m.settler.Settle(context.Background(), in); err != nil {
				obslog.L().Error("stake_settle_error", zap.String("code", in.Code), zap.Error(err))
			}
		}()
	}

	if m.arch != nil && s.started {
		rec := &archive.Record{
			Code:      s.Code,
			Stake:     s.Stake,
			Winner:    string(winner),
			Method:    method,
			MovesUCI:  s.movesUCI(),
			MovesSAN:  s.movesSAN(),
			Settled:   s.settled,
			StartedAt: s.CreatedAt,
			EndedAt:   time.Now(),
		}
		if p := s.Players[rules.White]; p != nil {
			rec.WhiteID = p.PlayerID
		}
		if p := s.Players[rules.Black]; p != nil {
			rec.BlackID = p.PlayerID
		}
		if winner != "" {
			if p := s.Players[winner]; p != nil {
				rec.WinnerID = p.PlayerID
			}
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.arch.SaveResult(ctx, rec); err != nil {
				obslog.L().Error("archive_error", zap.String("code", rec.Code), zap.Error(err))
			}
		}()
	}
	m.snapshotLocked(s)
}

func (m *Manager) startGraceLocked(s *Session, color rules.Color) {
	if t := s.graceTimers[color]; t != nil {
		t.Stop()
	}
	code := s.Code
	s.graceTimers[color] = time.AfterFunc(m.cfg.GraceWindow, func() {
		m.graceExpired(code, color)
	})
}

func (m *Manager) graceExpired(code string, color rules.Color) {
	s, ok := m.table.Get(code)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.graceTimers[color] == nil {
		return // cancelled by a rejoin
	}
	delete(s.graceTimers, color)
	if slot := s.Players[color]; slot == nil || slot.ConnID != "" {
		return
	}
	if s.Status != StatusPaused {
		return
	}

	winner := color.Other()
	obslog.L().Info("grace_expired", zap.String("code", code), zap.String("color", string(color)))
	m.finishLocked(s, winner, "abandonment")
	m.hub.Send(s.otherConn(color), gamedto.Event{
		Event: gamedto.EvOpponentLeft,
		Data:  gamedto.OpponentLeftPayload{WinnerColor: string(winner)},
	})
}

func (m *Manager) pauseClockLocked(s *Session) {
	if s.clockTimer != nil {
		s.clockTimer.Stop()
		s.clockTimer = nil
	}
	if s.Clocks == nil {
		return
	}
	mover := s.Board.Turn()
	s.Clocks[mover] -= time.Since(s.TurnStartedAt)
	if s.Clocks[mover] < 0 {
		s.Clocks[mover] = 0
	}
}

func (m *Manager) scheduleClockLocked(s *Session) {
	if s.clockTimer != nil {
		s.clockTimer.Stop()
		s.clockTimer = nil
	}
	if s.Clocks == nil || s.Status != StatusActive {
		return
	}
	code := s.Code
	mover := s.Board.Turn()
	s.clockTimer = time.AfterFunc(s.Clocks[mover], func() {
		m.clockExpired(code)
	})
}

func (m *Manager) clockExpired(code string) {
	s, ok := m.table.Get(code)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusActive || s.Clocks == nil {
		return
	}
	mover := s.Board.Turn()
	remaining := s.Clocks[mover] - time.Since(s.TurnStartedAt)
	if remaining > 20*time.Millisecond {
		// Timer fired against an older turn; re-arm for the real deadline.
		s.clockTimer = time.AfterFunc(remaining, func() { m.clockExpired(code) })
		return
	}
	s.Clocks[mover] = 0
	winner := mover.Other()
	obslog.L().Info("clock_expired", zap.String("code", code), zap.String("color", string(mover)))
	m.finishLocked(s, winner, "timeout")
	m.broadcastLocked(s, gamedto.Event{
		Event: gamedto.EvGameOver,
		Data:  gamedto.GameOverPayload{WinnerColor: string(winner), Method: "timeout"},
	})
}

func (m *Manager) broadcastLocked(s *Session, ev gamedto.Event) {
	for _, connID := range s.connIDs() {
		m.hub.Send(connID, ev)
	}
}

func (m *Manager) resyncPayloadLocked(s *Session, color rules.Color) gamedto.ResyncPayload {
	p := gamedto.ResyncPayload{
		Code:     s.Code,
		Color:    string(color),
		Status:   string(s.Status),
		Fen:      s.Board.FEN(),
		MovesSAN: s.movesSAN(),
		MovesUCI: s.movesUCI(),
		Seq:      s.Seq,
		Turn:     string(s.Board.Turn()),
		Stake:    s.Stake,
	}
	if s.Winner != "" {
		p.WinnerColor = string(s.Winner)
	}
	if s.Clocks != nil {
		p.ClocksMs = make(map[string]int64, 2)
		for c, d := range s.Clocks {
			p.ClocksMs[string(c)] = d.Milliseconds()
		}
	}
	return p
}

func (m *Manager) snapshotLocked(s *Session) {
	if m.snaps == nil {
		return
	}
	snap := &store.Snapshot{
		Code:      s.Code,
		Status:    string(s.Status),
		Stake:     s.Stake,
		Players:   make(map[string]string, len(s.Players)),
		MovesUCI:  s.movesUCI(),
		MovesSAN:  s.movesSAN(),
		Seq:       s.Seq,
		Settled:   s.settled,
		Winner:    string(s.Winner),
		Method:    s.Method,
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
	}
	for c, p := range s.Players {
		snap.Players[string(c)] = p.PlayerID
	}
	for c, voted := range s.RematchVotes {
		if voted {
			snap.RematchVotes = append(snap.RematchVotes, string(c))
		}
	}
	if s.Clocks != nil {
		snap.ClocksMs = make(map[string]int64, 2)
		for c, d := range s.Clocks {
			snap.ClocksMs[string(c)] = d.Milliseconds()
		}
	}

	// Latest-wins hand-off to a single writer per session, so an older
	// snapshot can never land in redis after a newer one.
	s.pendingSnap = snap
	if s.snapSaving {
		return
	}
	s.snapSaving = true
	go m.snapshotWriter(s)
}

func (m *Manager) snapshotWriter(s *Session) {
	for {
		s.mu.Lock()
		snap := s.pendingSnap
		s.pendingSnap = nil
		if snap == nil {
			s.snapSaving = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.snaps.Save(ctx, snap)
		cancel()
		if err != nil {
			obslog.L().Error("snapshot_save_error", zap.String("code", snap.Code), zap.Error(err))
		}
	}
}
