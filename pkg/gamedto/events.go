package gamedto

// Event names exchanged over the socket. Client-to-server names follow the
// contract the web client already speaks; server-to-client names extend it
// with reconnect and termination notices.
const (
	EvJoinGame       = "joinGame"
	EvMove           = "move"
	EvLeaveGame      = "leaveGame"
	EvRematchRequest = "rematchRequest"
	EvAcceptRematch  = "acceptRematch"

	EvJoined               = "joined"
	EvPlayerJoined         = "playerJoined"
	EvStartGame            = "startGame"
	EvNewMove              = "newMove"
	EvOpponentLeft         = "opponentLeft"
	EvOpponentDisconnected = "opponentDisconnected"
	EvResync               = "resync"
	EvGameOver             = "gameOver"
	EvForceDisconnect      = "forceDisconnect"
	EvError                = "error"
)

// Event is the wire envelope in both directions.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// JoinPayload binds a connection to a session slot. Stake is honored only on
// session creation; Token is a rejoin token from a previous Joined ack.
type JoinPayload struct {
	Code   string `json:"code"`
	Color  string `json:"color"`
	Stake  int64  `json:"stake,omitempty"`
	Player string `json:"player,omitempty"`
	Token  string `json:"token,omitempty"`
}

// MovePayload is a move submission. Captured is advisory and ignored: the
// coordinator recomputes captures from the authoritative position.
type MovePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Captured  string `json:"captured,omitempty"`
}

// LeavePayload is an explicit departure.
type LeavePayload struct {
	Code  string `json:"code"`
	Color string `json:"color"`
}

// JoinedPayload acknowledges a successful join to the joining side only.
type JoinedPayload struct {
	Code         string `json:"code"`
	Color        string `json:"color"`
	PlayerID     string `json:"playerId"`
	Token        string `json:"token,omitempty"`
	PlayersCount int    `json:"playersCount"`
}

type PlayerJoinedPayload struct {
	PlayersCount int `json:"playersCount"`
}

// NewMovePayload is the canonical, sequence-numbered move broadcast to both
// sides. From/To/Promotion/Captured are shaped so the browser engine can
// replay the move directly.
type NewMovePayload struct {
	Seq         int    `json:"seq"`
	Color       string `json:"color"`
	From        string `json:"from"`
	To          string `json:"to"`
	Promotion   string `json:"promotion,omitempty"`
	Captured    string `json:"captured,omitempty"`
	San         string `json:"san"`
	Fen         string `json:"fen"`
	Terminal    bool   `json:"terminal,omitempty"`
	WinnerColor string `json:"winnerColor,omitempty"`
	Method      string `json:"method,omitempty"`
}

type OpponentLeftPayload struct {
	WinnerColor string `json:"winnerColor"`
}

type OpponentDisconnectedPayload struct {
	GraceSeconds int `json:"graceSeconds"`
}

// ResyncPayload carries the full re-derivable session state to a reconnected
// client instead of replaying missed deltas.
type ResyncPayload struct {
	Code        string           `json:"code"`
	Color       string           `json:"color"`
	Status      string           `json:"status"`
	Fen         string           `json:"fen"`
	MovesSAN    []string         `json:"movesSan"`
	MovesUCI    []string         `json:"movesUci"`
	Seq         int              `json:"seq"`
	Turn        string           `json:"turn"`
	Stake       int64            `json:"stake"`
	ClocksMs    map[string]int64 `json:"clocksMs,omitempty"`
	WinnerColor string           `json:"winnerColor,omitempty"`
}

// GameOverPayload reports terminations that do not ride on a move broadcast,
// such as clock expiry or a forced internal shutdown of the session.
type GameOverPayload struct {
	WinnerColor string `json:"winnerColor,omitempty"`
	Method      string `json:"method"`
}

type ForceDisconnectPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
