package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
)

// InMemoryStore is a simple in-memory store for sessions, turns and tickets.
// Values are copied on the way in and out, so callers never alias stored state.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]models.Session
	turns     []models.ConversationTurn
	tickets   []models.AttendanceTicket
	inbound   map[string]time.Time
	turnSeq   int64
	ticketSeq int64
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		inbound:  make(map[string]time.Time),
	}
}

func (s *InMemoryStore) GetSession(_ context.Context, identity string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return nil, nil
	}
	out := sess.Clone()
	return &out, nil
}

func (s *InMemoryStore) UpsertSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sessions[sess.Identity]; ok && sess.CreatedAt.IsZero() {
		sess.CreatedAt = prev.CreatedAt
	}
	s.sessions[sess.Identity] = sess.Clone()
	return nil
}

func (s *InMemoryStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(s.sessions, id)
			n++
		}
	}
	slog.Debug("InMemoryStore DeleteExpiredSessions succeeded", "deleted", n)
	return n, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn models.ConversationTurn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnSeq++
	turn.ID = s.turnSeq
	s.turns = append(s.turns, turn)
	return turn.ID, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, identity string, limit int, beforeID int64) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var page []models.ConversationTurn
	// turns are stored in id order; walk backwards to collect the newest first
	for i := len(s.turns) - 1; i >= 0 && len(page) < limit; i-- {
		t := s.turns[i]
		if t.Identity != identity {
			continue
		}
		if beforeID > 0 && t.ID >= beforeID {
			continue
		}
		page = append(page, t)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *InMemoryStore) MarkTurnsRead(_ context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.turns {
		t := &s.turns[i]
		if t.Identity == identity && t.Direction == models.DirectionInbound && !t.Read {
			t.Read = true
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) UnreadSummary(_ context.Context) ([]models.UnreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[string]*models.UnreadSummary)
	var order []string
	for _, t := range s.turns {
		if t.Direction != models.DirectionInbound || t.Read {
			continue
		}
		sum, ok := byID[t.Identity]
		if !ok {
			sum = &models.UnreadSummary{Identity: t.Identity}
			byID[t.Identity] = sum
			order = append(order, t.Identity)
		}
		sum.UnreadCount++
		if t.CreatedAt.After(sum.LastMessageAt) {
			sum.LastMessageAt = t.CreatedAt
		}
	}
	out := make([]models.UnreadSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *InMemoryStore) InsertTicket(_ context.Context, t *models.AttendanceTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tickets {
		if existing.Identity == t.Identity && existing.Status.IsActive() {
			return ErrActiveTicketExists
		}
	}
	s.ticketSeq++
	t.Seq = s.ticketSeq
	s.tickets = append(s.tickets, copyTicket(*t))
	return nil
}

func (s *InMemoryStore) GetActiveTicket(_ context.Context, identity string) (*models.AttendanceTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickets {
		if t.Identity == identity && t.Status.IsActive() {
			out := copyTicket(t)
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateTicket(_ context.Context, t models.AttendanceTicket, expected models.TicketStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tickets {
		if s.tickets[i].ID != t.ID {
			continue
		}
		if s.tickets[i].Status != expected {
			return false, nil
		}
		t.Seq = s.tickets[i].Seq
		s.tickets[i] = copyTicket(t)
		return true, nil
	}
	return false, nil
}

func (s *InMemoryStore) ListTicketsByStatus(_ context.Context, status models.TicketStatus) ([]models.AttendanceTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AttendanceTicket
	for _, t := range s.tickets {
		if t.Status == status {
			out = append(out, copyTicket(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ahead(out[j]) })
	return out, nil
}

func (s *InMemoryStore) ListTicketsByIdentity(_ context.Context, identity string) ([]models.AttendanceTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AttendanceTicket
	for _, t := range s.tickets {
		if t.Identity == identity {
			out = append(out, copyTicket(t))
		}
	}
	return out, nil
}

func (s *InMemoryStore) TicketsFinishedSince(_ context.Context, since time.Time) ([]models.AttendanceTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AttendanceTicket
	for _, t := range s.tickets {
		if t.Status == models.TicketFinished && t.FinishedAt != nil && !t.FinishedAt.Before(since) {
			out = append(out, copyTicket(t))
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyTicket(t models.AttendanceTicket) models.AttendanceTicket {
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		t.FinishedAt = &v
	}
	return t
}

var _ Store = (*InMemoryStore)(nil)
