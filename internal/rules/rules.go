package rules

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Color identifies a chess side on the wire.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor normalizes client input to a Color.
func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	}
	return "", false
}

var ErrIllegalMove = errors.New("illegal move")

// MoveInput is a client-submitted move before validation.
type MoveInput struct {
	From      string
	To        string
	Promotion string
}

// Applied is the authoritative result of a legal move.
type Applied struct {
	UCI       string
	SAN       string
	Promotion string
	Captured  string // lowercase piece letter when a capture occurred
	FEN       string
	NextTurn  Color
	Terminal  bool
	Winner    Color // empty on draw or when not terminal
	Method    string
}

// Board wraps the rules engine with the coordinator's vocabulary. It is not
// safe for concurrent use; the owning session serializes access.
type Board struct {
	game *nchess.Game
}

func NewBoard() *Board {
	return &Board{game: nchess.NewGame()}
}

// Replay rebuilds a board by applying a stored UCI move list from the start
// position.
func Replay(movesUCI []string) (*Board, error) {
	game := nchess.NewGame()
	for _, mv := range movesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, err
		}
	}
	return &Board{game: game}, nil
}

func (b *Board) Turn() Color {
	return colorFrom(b.game.Position().Turn())
}

func (b *Board) FEN() string {
	return b.game.FEN()
}

// Apply validates in against the current position and advances the board.
// Returns ErrIllegalMove for anything the rules reject, including moves that
// leave the mover in check.
func (b *Board) Apply(in MoveInput) (*Applied, error) {
	from := strings.ToLower(strings.TrimSpace(in.From))
	to := strings.ToLower(strings.TrimSpace(in.To))
	promo := strings.ToLower(strings.TrimSpace(in.Promotion))
	if from == "" || to == "" {
		return nil, ErrIllegalMove
	}

	pos := b.game.Position()
	uci := from + to + promo
	notation := nchess.UCINotation{}
	mv, err := notation.Decode(pos, uci)
	if err != nil && promo == "" {
		// The reference client omits the promotion on some pages; queen is
		// the only promotion it ever plays.
		if mv2, err2 := notation.Decode(pos, uci+"q"); err2 == nil {
			mv, err = mv2, nil
			uci += "q"
			promo = "q"
		}
	}
	if err != nil {
		return nil, ErrIllegalMove
	}

	captured := capturedPiece(pos, mv)
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := b.game.Move(mv, nil); err != nil {
		return nil, ErrIllegalMove
	}

	res := &Applied{
		UCI:       uci,
		SAN:       san,
		Promotion: promo,
		Captured:  captured,
		FEN:       b.game.FEN(),
		NextTurn:  colorFrom(b.game.Position().Turn()),
	}
	switch b.game.Outcome() {
	case nchess.WhiteWon:
		res.Terminal = true
		res.Winner = White
	case nchess.BlackWon:
		res.Terminal = true
		res.Winner = Black
	case nchess.Draw:
		res.Terminal = true
	}
	if res.Terminal {
		res.Method = strings.ToLower(b.game.Method().String())
	}
	return res, nil
}

// capturedPiece recomputes the capture from the position itself; the client's
// advisory flag is never trusted.
func capturedPiece(pos *nchess.Position, mv *nchess.Move) string {
	if mv.HasTag(nchess.EnPassant) {
		return "p"
	}
	if !mv.HasTag(nchess.Capture) {
		return ""
	}
	return pieceLetter(pos.Board().Piece(mv.S2()).Type())
}

func pieceLetter(t nchess.PieceType) string {
	switch t {
	case nchess.Pawn:
		return "p"
	case nchess.Knight:
		return "n"
	case nchess.Bishop:
		return "b"
	case nchess.Rook:
		return "r"
	case nchess.Queen:
		return "q"
	case nchess.King:
		return "k"
	}
	return ""
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
