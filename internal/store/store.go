package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 24 * time.Hour

// Snapshot is the durable projection of a live session: everything needed to
// rebuild it after a process restart. Connection state is transient and
// deliberately absent.
type Snapshot struct {
	Code         string            `json:"code"`
	Status       string            `json:"status"`
	Stake        int64             `json:"stake"`
	Players      map[string]string `json:"players"` // color → player id
	MovesUCI     []string          `json:"moves_uci"`
	MovesSAN     []string          `json:"moves_san"`
	Seq          int               `json:"seq"`
	ClocksMs     map[string]int64  `json:"clocks_ms,omitempty"`
	RematchVotes []string          `json:"rematch_votes,omitempty"`
	Settled      bool              `json:"settled"`
	Winner       string            `json:"winner,omitempty"`
	Method       string            `json:"method,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to a redis URL and pings it.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(rdb), nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func keySession(code string) string { return "coord:session:" + strings.TrimSpace(code) }

func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keySession(snap.Code), raw, snapshotTTL).Err()
}

// Load returns nil without error when no snapshot exists.
func (s *Store) Load(ctx context.Context, code string) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, keySession(code)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) Delete(ctx context.Context, code string) error {
	return s.rdb.Del(ctx, keySession(code)).Err()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
