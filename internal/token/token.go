package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chess-site/coordinator/internal/rules"
)

// Claims bind a player identity to a session seat. Presenting a valid token
// on join proves the caller is the same player reconnecting, not a stranger
// claiming the slot.
type Claims struct {
	Code     string `json:"code"`
	Color    string `json:"color"`
	PlayerID string `json:"player_id"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a rejoin token for the seat.
func (i *Issuer) Issue(code string, color rules.Color, playerID string) (string, error) {
	claims := &Claims{
		Code:     code,
		Color:    string(color),
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(i.secret)
}

// Verify parses the token and checks it was issued for the given seat.
func (i *Issuer) Verify(raw, code string, color rules.Color) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty token")
	}
	t, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Code != code || claims.Color != string(color) {
		return nil, errors.New("token issued for a different seat")
	}
	return claims, nil
}
