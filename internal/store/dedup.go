package store

import (
	"context"
	"log/slog"
	"time"
)

// DedupStore remembers transport message ids so redelivered messages are processed once.
type DedupStore interface {
	// RecordInbound stores messageID and reports whether it was new.
	RecordInbound(ctx context.Context, messageID, identity string, receivedAt time.Time) (bool, error)
	// DeleteInboundBefore forgets ids received before cutoff.
	DeleteInboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, identity string, receivedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, identity, receivedAt.UTC(),
	)
	if err != nil {
		slog.Error(s.name+" RecordInbound failed", "error", err, "message_id", messageID)
		return false, wrapErr("record inbound", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("record inbound", err)
	}
	if n == 0 {
		slog.Debug(s.name+" RecordInbound: duplicate", "message_id", messageID, "identity", identity)
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		slog.Error(s.name+" DeleteInboundBefore failed", "error", err)
		return 0, wrapErr("delete inbound dedup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("delete inbound dedup", err)
	}
	return n, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, _ string, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = receivedAt
	return true, nil
}

func (s *InMemoryStore) DeleteInboundBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.inbound {
		if at.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}
