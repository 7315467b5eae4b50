// Package attendance implements the human-handoff queue: a priority-ordered WAITING bucket and the
// ticket lifecycle WAITING → IN_SERVICE → FINISHED with the side exit WAITING → CANCELLED.
//
// Business-rule violations come back as models.Outcome values; only storage faults are errors.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/store"
	"github.com/google/uuid"
)

// Queue is the attendance queue. Enqueue and the WAITING-set reads share one mutex; claim, finish
// and cancel rely on the store's compare-and-swap instead.
type Queue struct {
	store           store.TicketStore
	waitMu          sync.Mutex
	now             func() time.Time
	defaultPriority int
	newID           func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithDefaultPriority sets the priority of tickets created by Enqueue.
func WithDefaultPriority(p int) Option {
	return func(q *Queue) {
		q.defaultPriority = p
	}
}

// NewQueue creates an attendance queue over st.
func NewQueue(st store.TicketStore, opts ...Option) *Queue {
	q := &Queue{
		store:           st,
		now:             time.Now,
		defaultPriority: models.DefaultPriority,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a WAITING ticket with the default priority. If the identity already holds an
// active ticket, that ticket is returned with OutcomeAlreadyExists.
func (q *Queue) Enqueue(ctx context.Context, identity, reason string) (models.EnqueueResult, error) {
	return q.EnqueueWithPriority(ctx, identity, reason, q.defaultPriority)
}

// EnqueueWithPriority is Enqueue with an explicit priority (higher is served sooner).
func (q *Queue) EnqueueWithPriority(ctx context.Context, identity, reason string, priority int) (models.EnqueueResult, error) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()

	existing, err := q.store.GetActiveTicket(ctx, identity)
	if err != nil {
		return models.EnqueueResult{}, fmt.Errorf("enqueue %s: %w", identity, err)
	}
	if existing != nil {
		return q.existingResult(ctx, existing)
	}

	ticket := &models.AttendanceTicket{
		ID:        q.newID(),
		Identity:  identity,
		Reason:    reason,
		Status:    models.TicketWaiting,
		Priority:  priority,
		CreatedAt: q.now(),
	}
	if err := q.store.InsertTicket(ctx, ticket); err != nil {
		if errors.Is(err, store.ErrActiveTicketExists) {
			existing, gerr := q.store.GetActiveTicket(ctx, identity)
			if gerr != nil {
				return models.EnqueueResult{}, fmt.Errorf("enqueue %s: %w", identity, gerr)
			}
			if existing != nil {
				return q.existingResult(ctx, existing)
			}
		}
		return models.EnqueueResult{}, fmt.Errorf("enqueue %s: %w", identity, err)
	}

	pos, err := q.positionLocked(ctx, ticket)
	if err != nil {
		return models.EnqueueResult{}, err
	}
	slog.Info("AttendanceQueue.Enqueue: ticket created", "identity", identity, "ticketID", ticket.ID, "priority", priority, "position", pos)
	return models.EnqueueResult{Outcome: models.OutcomeOK, Ticket: ticket, Position: pos}, nil
}

func (q *Queue) existingResult(ctx context.Context, existing *models.AttendanceTicket) (models.EnqueueResult, error) {
	pos := 0
	if existing.Status == models.TicketWaiting {
		var err error
		if pos, err = q.positionLocked(ctx, existing); err != nil {
			return models.EnqueueResult{}, err
		}
	}
	slog.Debug("AttendanceQueue.Enqueue: active ticket already exists", "identity", existing.Identity, "status", existing.Status, "position", pos)
	return models.EnqueueResult{Outcome: models.OutcomeAlreadyExists, Ticket: existing, Position: pos}, nil
}

// Position returns the 1-based queue position of identity's WAITING ticket, or 0.
func (q *Queue) Position(ctx context.Context, identity string) (int, error) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()

	t, err := q.store.GetActiveTicket(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("position %s: %w", identity, err)
	}
	if t == nil || t.Status != models.TicketWaiting {
		return 0, nil
	}
	return q.positionLocked(ctx, t)
}

// positionLocked counts WAITING tickets ahead of t. Caller holds waitMu.
func (q *Queue) positionLocked(ctx context.Context, t *models.AttendanceTicket) (int, error) {
	waiting, err := q.store.ListTicketsByStatus(ctx, models.TicketWaiting)
	if err != nil {
		return 0, fmt.Errorf("list waiting: %w", err)
	}
	ahead := 0
	for _, w := range waiting {
		if w.ID != t.ID && w.Ahead(*t) {
			ahead++
		}
	}
	return ahead + 1, nil
}

// PeekNext returns the ticket ranked first, or nil when nobody waits. It does not claim.
func (q *Queue) PeekNext(ctx context.Context) (*models.AttendanceTicket, error) {
	waiting, err := q.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	return &waiting[0], nil
}

// ListWaiting returns every WAITING ticket in queue order.
func (q *Queue) ListWaiting(ctx context.Context) ([]models.AttendanceTicket, error) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	return q.list(ctx, models.TicketWaiting)
}

// ListInService returns every IN_SERVICE ticket in queue order.
func (q *Queue) ListInService(ctx context.Context) ([]models.AttendanceTicket, error) {
	return q.list(ctx, models.TicketInService)
}

func (q *Queue) list(ctx context.Context, status models.TicketStatus) ([]models.AttendanceTicket, error) {
	out, err := q.store.ListTicketsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list %s tickets: %w", status, err)
	}
	if out == nil {
		out = []models.AttendanceTicket{}
	}
	return out, nil
}

// ActiveTicket returns identity's WAITING or IN_SERVICE ticket, or nil.
func (q *Queue) ActiveTicket(ctx context.Context, identity string) (*models.AttendanceTicket, error) {
	t, err := q.store.GetActiveTicket(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("active ticket %s: %w", identity, err)
	}
	return t, nil
}

// Tickets returns every ticket identity ever had, oldest first.
func (q *Queue) Tickets(ctx context.Context, identity string) ([]models.AttendanceTicket, error) {
	out, err := q.store.ListTicketsByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("tickets %s: %w", identity, err)
	}
	return out, nil
}

// Claim moves identity's WAITING ticket to IN_SERVICE and stamps the operator. A ticket that is
// already IN_SERVICE yields OutcomeAlreadyClaimed with the current holder.
func (q *Queue) Claim(ctx context.Context, identity string, operatorID int64, operatorName string) (models.TransitionResult, error) {
	return q.transition(ctx, "Claim", identity, models.TicketWaiting, models.TicketInService, models.OutcomeAlreadyClaimed,
		func(t *models.AttendanceTicket, now time.Time) {
			t.ClaimedByID = operatorID
			t.ClaimedByName = operatorName
			t.StartedAt = &now
		})
}

// Finish moves identity's IN_SERVICE ticket to FINISHED with notes.
func (q *Queue) Finish(ctx context.Context, identity, notes string) (models.TransitionResult, error) {
	return q.transition(ctx, "Finish", identity, models.TicketInService, models.TicketFinished, models.OutcomeInvalidTransition,
		func(t *models.AttendanceTicket, now time.Time) {
			t.FinishedAt = &now
			t.Notes = notes
		})
}

// Cancel moves identity's WAITING ticket to CANCELLED. An IN_SERVICE ticket is left untouched.
func (q *Queue) Cancel(ctx context.Context, identity string) (models.TransitionResult, error) {
	return q.transition(ctx, "Cancel", identity, models.TicketWaiting, models.TicketCancelled, models.OutcomeInvalidTransition,
		func(*models.AttendanceTicket, time.Time) {})
}

// transition applies from → to on identity's active ticket with a status compare-and-swap.
// A lost race re-reads the ticket so the caller sees the winner's post-state.
func (q *Queue) transition(ctx context.Context, op, identity string, from, to models.TicketStatus, wrongState models.Outcome,
	mutate func(*models.AttendanceTicket, time.Time)) (models.TransitionResult, error) {
	current, err := q.store.GetActiveTicket(ctx, identity)
	if err != nil {
		return models.TransitionResult{}, fmt.Errorf("%s %s: %w", op, identity, err)
	}
	if current == nil {
		slog.Debug("AttendanceQueue."+op+": no active ticket", "identity", identity)
		return models.TransitionResult{Outcome: models.OutcomeNotFound}, nil
	}
	if current.Status != from {
		slog.Debug("AttendanceQueue."+op+": ticket in wrong state", "identity", identity, "status", current.Status)
		return models.TransitionResult{Outcome: wrongState, Ticket: current}, nil
	}

	if !models.CanTransition(from, to) {
		return models.TransitionResult{}, fmt.Errorf("%s %s: illegal transition %s -> %s", op, identity, from, to)
	}
	next := *current
	next.Status = to
	mutate(&next, q.now())
	ok, err := q.store.UpdateTicket(ctx, next, from)
	if err != nil {
		return models.TransitionResult{}, fmt.Errorf("%s %s: %w", op, identity, err)
	}
	if !ok {
		after, err := q.store.GetActiveTicket(ctx, identity)
		if err != nil {
			return models.TransitionResult{}, fmt.Errorf("%s %s: %w", op, identity, err)
		}
		slog.Info("AttendanceQueue."+op+": lost race", "identity", identity, "ticketID", current.ID)
		if after == nil {
			return models.TransitionResult{Outcome: models.OutcomeNotFound}, nil
		}
		return models.TransitionResult{Outcome: wrongState, Ticket: after}, nil
	}
	slog.Info("AttendanceQueue."+op+": ticket transitioned", "identity", identity, "ticketID", next.ID, "from", from, "to", to)
	return models.TransitionResult{Outcome: models.OutcomeOK, Ticket: &next}, nil
}

// Stats aggregates queue sizes and today's finished tickets. "Today" starts at local midnight of
// the queue clock.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	waiting, err := q.ListWaiting(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	inService, err := q.ListInService(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	now := q.now()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	finished, err := q.store.TicketsFinishedSince(ctx, midnight)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("stats: %w", err)
	}

	stats := models.QueueStats{
		WaitingCount:   len(waiting),
		InServiceCount: len(inService),
		FinishedToday:  len(finished),
	}
	var total time.Duration
	var timed int
	for _, t := range finished {
		if t.StartedAt == nil || t.FinishedAt == nil {
			continue
		}
		total += t.FinishedAt.Sub(*t.StartedAt)
		timed++
	}
	if timed > 0 {
		stats.AverageServiceMinutes = total.Minutes() / float64(timed)
	}
	return stats, nil
}
