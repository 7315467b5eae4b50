// Package conversation implements the append-only conversation log and its projection onto the
// session's AI context window.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/session"
	"github.com/BTreeMap/GarageDesk/internal/store"
)

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Log records conversation turns and mirrors them into the AI context.
type Log struct {
	store    store.TurnStore
	sessions *session.Manager
}

// NewLog creates a conversation log. Appends share the identity lock of sessions.
func NewLog(st store.TurnStore, sessions *session.Manager) *Log {
	return &Log{store: st, sessions: sessions}
}

// Append writes one turn and mirrors it into the session's AI context (inbound as user, outbound
// as assistant). An empty origin defaults to customer for inbound and bot for outbound turns.
func (l *Log) Append(ctx context.Context, identity, text string, direction models.Direction, origin models.Origin) (int64, error) {
	if direction != models.DirectionInbound && direction != models.DirectionOutbound {
		return 0, fmt.Errorf("invalid direction %q", direction)
	}
	if origin == "" {
		origin = models.OriginBot
		if direction == models.DirectionInbound {
			origin = models.OriginCustomer
		}
	}
	if !models.IsValidOrigin(origin) {
		return 0, fmt.Errorf("invalid origin %q", origin)
	}

	var id int64
	err := l.sessions.Do(ctx, identity, func(sc *session.Scope) error {
		var err error
		id, err = l.store.AppendTurn(ctx, models.ConversationTurn{
			Identity:  identity,
			Direction: direction,
			Text:      text,
			Origin:    origin,
			CreatedAt: l.sessions.Now(),
		})
		if err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		_, err = sc.AppendContext(models.ContextTurn{Role: direction.ContextRole(), Content: text})
		return err
	})
	if err != nil {
		slog.Error("ConversationLog.Append failed", "error", err, "identity", identity, "direction", direction)
		return 0, err
	}
	slog.Debug("ConversationLog.Append succeeded", "identity", identity, "id", id, "direction", direction, "origin", origin)
	return id, nil
}

// History returns up to limit of the most recent turns in creation order. A beforeID > 0 pages
// backwards from that turn.
func (l *Log) History(ctx context.Context, identity string, limit int, beforeID int64) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	turns, err := l.store.ListTurns(ctx, identity, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", identity, err)
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	return turns, nil
}

// MarkRead flags every unread inbound turn of identity as read and returns how many changed.
func (l *Log) MarkRead(ctx context.Context, identity string) (int64, error) {
	var n int64
	err := l.sessions.Do(ctx, identity, func(*session.Scope) error {
		var err error
		n, err = l.store.MarkTurnsRead(ctx, identity)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark read for %s: %w", identity, err)
	}
	return n, nil
}

// UnreadSummary lists identities with unread inbound turns, most recent first.
func (l *Log) UnreadSummary(ctx context.Context) ([]models.UnreadSummary, error) {
	out, err := l.store.UnreadSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("unread summary: %w", err)
	}
	if out == nil {
		out = []models.UnreadSummary{}
	}
	return out, nil
}
