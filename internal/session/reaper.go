package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chess-site/coordinator/internal/obslog"
	"github.com/chess-site/coordinator/pkg/gamedto"
)

// RunReaper sweeps the table until ctx is cancelled. Finished sessions are
// dropped after a retention window so late rematch votes still find them;
// sessions idle past the TTL are terminated as abandoned.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()
	for _, code := range m.table.Codes() {
		s, ok := m.table.Get(code)
		if !ok {
			continue
		}
		s.mu.Lock()
		idle := now.Sub(s.LastActivity)
		switch {
		case s.Status == StatusOver && idle > m.cfg.OverRetention:
			s.stopTimersLocked()
			s.mu.Unlock()
			m.table.Remove(code)
			if m.snaps != nil {
				if err := m.snaps.Delete(ctx, code); err != nil {
					obslog.L().Warn("snapshot_delete_error", zap.String("code", code), zap.Error(err))
				}
			}
			obslog.L().Info("session_reaped", zap.String("code", code), zap.Duration("idle", idle))
		case s.Status != StatusOver && idle > m.cfg.IdleTTL:
			m.finishLocked(s, "", "idle_timeout")
			m.broadcastLocked(s, gamedto.Event{
				Event: gamedto.EvGameOver,
				Data:  gamedto.GameOverPayload{Method: "idle_timeout"},
			})
			s.mu.Unlock()
			obslog.L().Info("session_idle_timeout", zap.String("code", code), zap.Duration("idle", idle))
		default:
			s.mu.Unlock()
		}
	}
}
