// Package orchestrator composes the session store and the attendance queue. It is the only
// writer of the attendance-linked session states: every ticket transition and its matching session
// transition happen under the same identity lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/attendance"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/notify"
	"github.com/BTreeMap/GarageDesk/internal/session"
)

// ResetNote is stored on an IN_SERVICE ticket closed by Reset.
const ResetNote = "reset"

// claimNextAttempts bounds how often ClaimNext moves on to a new head after losing a race.
const claimNextAttempts = 3

const publishTimeout = 2 * time.Second

// ErrSessionOutOfSync means a ticket transition committed but the session could not be brought
// in line with it. The returned result still describes the committed ticket.
var ErrSessionOutOfSync = errors.New("ticket moved but session update failed")

// Orchestrator is the entry point the inbound handler and the admin API call.
type Orchestrator struct {
	sessions  *session.Manager
	queue     *attendance.Queue
	publisher notify.Publisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets where attendance events go.
func WithPublisher(p notify.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// New creates an Orchestrator.
func New(sessions *session.Manager, queue *attendance.Queue, opts ...Option) *Orchestrator {
	o := &Orchestrator{sessions: sessions, queue: queue, publisher: notify.NopPublisher{}}
	for _, opt := range opts {
		opt(o)
	}
	sessions.SetPairing(o.pairedState)
	return o
}

// pairedState is the session manager's pairing lookup: the state the active ticket demands.
func (o *Orchestrator) pairedState(ctx context.Context, identity string) (models.SessionState, bool, error) {
	ticket, err := o.queue.ActiveTicket(ctx, identity)
	if err != nil || ticket == nil {
		return "", false, err
	}
	return ticket.Status.SessionState(), true, nil
}

// Sessions exposes the session manager for bot-owned touches.
func (o *Orchestrator) Sessions() *session.Manager {
	return o.sessions
}

// Queue exposes the attendance queue for read-only views.
func (o *Orchestrator) Queue() *attendance.Queue {
	return o.queue
}

// Session returns the live session of identity with its state re-derived from the active ticket.
// A session that expired while its owner waited comes back as WAITING_HUMAN, not IDLE.
func (o *Orchestrator) Session(ctx context.Context, identity string) (models.Session, error) {
	var out models.Session
	err := o.sessions.Do(ctx, identity, func(sc *session.Scope) error {
		sess, err := sc.Get()
		if err != nil {
			return err
		}
		out, err = o.repair(ctx, sc, sess)
		return err
	})
	return out, err
}

// settle retries the pairing after the session write of a committed ticket move failed.
func (o *Orchestrator) settle(ctx context.Context, sc *session.Scope, writeErr error) error {
	sess, err := sc.Get()
	if err == nil {
		_, err = o.repair(ctx, sc, sess)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionOutOfSync, errors.Join(writeErr, err))
	}
	slog.Warn("Orchestrator: session write failed, pairing restored on retry", "identity", sc.Identity(), "error", writeErr)
	return nil
}

// repair re-establishes the session/ticket pairing. Caller holds the identity lock.
func (o *Orchestrator) repair(ctx context.Context, sc *session.Scope, sess models.Session) (models.Session, error) {
	ticket, err := o.queue.ActiveTicket(ctx, sc.Identity())
	if err != nil {
		return models.Session{}, err
	}
	switch {
	case ticket != nil && sess.State != ticket.Status.SessionState():
		slog.Info("Orchestrator: restoring attendance state", "identity", sc.Identity(), "state", sess.State, "ticketStatus", ticket.Status)
		return sc.Pair(ticket.Status.SessionState())
	case ticket == nil && sess.State.IsAttendanceLinked():
		slog.Info("Orchestrator: releasing orphaned attendance state", "identity", sc.Identity(), "state", sess.State)
		return sc.Unpair()
	}
	return sess, nil
}

// Enqueue requests human attention with the queue's default priority.
func (o *Orchestrator) Enqueue(ctx context.Context, identity, reason string) (models.EnqueueResult, error) {
	return o.enqueue(ctx, identity, reason, nil)
}

// EnqueueWithPriority requests human attention with an explicit priority.
func (o *Orchestrator) EnqueueWithPriority(ctx context.Context, identity, reason string, priority int) (models.EnqueueResult, error) {
	return o.enqueue(ctx, identity, reason, &priority)
}

func (o *Orchestrator) enqueue(ctx context.Context, identity, reason string, priority *int) (models.EnqueueResult, error) {
	var res models.EnqueueResult
	err := o.sessions.Do(ctx, identity, func(sc *session.Scope) error {
		var err error
		if priority != nil {
			res, err = o.queue.EnqueueWithPriority(ctx, identity, reason, *priority)
		} else {
			res, err = o.queue.Enqueue(ctx, identity, reason)
		}
		if err != nil {
			return err
		}
		if !res.Created() {
			sess, err := sc.Get()
			if err != nil {
				return err
			}
			_, err = o.repair(ctx, sc, sess)
			return err
		}
		if _, err := sc.Pair(models.StateWaitingHuman); err != nil {
			// undo the ticket so no WAITING ticket outlives a failed pairing
			if _, cerr := o.queue.Cancel(ctx, identity); cerr != nil {
				slog.Error("Orchestrator.Enqueue: compensation cancel failed", "identity", identity, "error", cerr)
			}
			return fmt.Errorf("pair session: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("Orchestrator.Enqueue failed", "identity", identity, "error", err)
		return models.EnqueueResult{}, err
	}
	if res.Created() {
		e := notify.NewEvent(notify.EventEnqueued, *res.Ticket, o.sessions.Now())
		e.Position = res.Position
		o.publish(ctx, e)
	}
	return res, nil
}

// Claim starts attendance of identity by the given operator.
func (o *Orchestrator) Claim(ctx context.Context, identity string, operatorID int64, operatorName string) (models.TransitionResult, error) {
	return o.transition(ctx, identity, notify.EventClaimed, func(sc *session.Scope) (models.TransitionResult, error) {
		res, err := o.queue.Claim(ctx, identity, operatorID, operatorName)
		if err != nil || !res.OK() {
			return res, err
		}
		_, err = sc.Pair(models.StateInAttendance)
		if err != nil {
			err = o.settle(ctx, sc, err)
		}
		return res, err
	})
}

// Finish ends attendance of identity and clears its session.
func (o *Orchestrator) Finish(ctx context.Context, identity, notes string) (models.TransitionResult, error) {
	return o.transition(ctx, identity, notify.EventFinished, func(sc *session.Scope) (models.TransitionResult, error) {
		res, err := o.queue.Finish(ctx, identity, notes)
		if err != nil || !res.OK() {
			return res, err
		}
		_, err = sc.Unpair()
		if err != nil {
			err = o.settle(ctx, sc, err)
		}
		return res, err
	})
}

// Cancel removes identity from the queue and clears its session.
func (o *Orchestrator) Cancel(ctx context.Context, identity string) (models.TransitionResult, error) {
	return o.transition(ctx, identity, notify.EventCancelled, func(sc *session.Scope) (models.TransitionResult, error) {
		res, err := o.queue.Cancel(ctx, identity)
		if err != nil || !res.OK() {
			return res, err
		}
		_, err = sc.Unpair()
		if err != nil {
			err = o.settle(ctx, sc, err)
		}
		return res, err
	})
}

func (o *Orchestrator) transition(ctx context.Context, identity string, typ notify.EventType,
	fn func(*session.Scope) (models.TransitionResult, error)) (models.TransitionResult, error) {
	var res models.TransitionResult
	err := o.sessions.Do(ctx, identity, func(sc *session.Scope) error {
		var err error
		res, err = fn(sc)
		return err
	})
	if err != nil {
		slog.Error("Orchestrator transition failed", "type", typ, "identity", identity, "error", err)
		if !errors.Is(err, ErrSessionOutOfSync) || !res.OK() {
			return models.TransitionResult{}, err
		}
	}
	if res.OK() {
		o.publish(ctx, notify.NewEvent(typ, *res.Ticket, o.sessions.Now()))
	}
	return res, err
}

// ClaimNext claims whoever PeekNext ranks first. When another operator takes that customer first,
// it moves on to the new head a bounded number of times.
func (o *Orchestrator) ClaimNext(ctx context.Context, operatorID int64, operatorName string) (models.TransitionResult, error) {
	res := models.TransitionResult{Outcome: models.OutcomeNotFound}
	for attempt := 0; attempt < claimNextAttempts; attempt++ {
		next, err := o.queue.PeekNext(ctx)
		if err != nil {
			return models.TransitionResult{}, err
		}
		if next == nil {
			return models.TransitionResult{Outcome: models.OutcomeNotFound}, nil
		}
		res, err = o.Claim(ctx, next.Identity, operatorID, operatorName)
		if res.OK() {
			return res, err
		}
		if err != nil {
			return models.TransitionResult{}, err
		}
		slog.Debug("Orchestrator.ClaimNext: head taken, retrying", "identity", next.Identity, "outcome", res.Outcome, "attempt", attempt+1)
	}
	return res, nil
}

// Reset ends whatever attendance identity has (cancel if WAITING, finish if IN_SERVICE) and clears
// the session. Used for customer logout and admin resets.
func (o *Orchestrator) Reset(ctx context.Context, identity string) (models.Session, error) {
	var out models.Session
	var events []notify.Event
	err := o.sessions.Do(ctx, identity, func(sc *session.Scope) error {
		ticket, err := o.queue.ActiveTicket(ctx, identity)
		if err != nil {
			return err
		}
		if ticket != nil {
			var res models.TransitionResult
			var typ notify.EventType
			switch ticket.Status {
			case models.TicketWaiting:
				res, err = o.queue.Cancel(ctx, identity)
				typ = notify.EventCancelled
			case models.TicketInService:
				res, err = o.queue.Finish(ctx, identity, ResetNote)
				typ = notify.EventFinished
			}
			if err != nil {
				return err
			}
			if res.OK() {
				events = append(events, notify.NewEvent(typ, *res.Ticket, o.sessions.Now()))
			} else {
				slog.Warn("Orchestrator.Reset: ticket moved concurrently", "identity", identity, "outcome", res.Outcome)
			}
		}
		out, err = sc.Unpair()
		return err
	})
	if err != nil {
		slog.Error("Orchestrator.Reset failed", "identity", identity, "error", err)
		return models.Session{}, err
	}
	for _, e := range events {
		o.publish(ctx, e)
	}
	slog.Info("Orchestrator.Reset: session cleared", "identity", identity)
	return out, nil
}

// Position returns identity's 1-based place among WAITING tickets, or 0.
func (o *Orchestrator) Position(ctx context.Context, identity string) (int, error) {
	return o.queue.Position(ctx, identity)
}

// PeekNext returns the ticket an operator would take next without claiming it.
func (o *Orchestrator) PeekNext(ctx context.Context) (*models.AttendanceTicket, error) {
	return o.queue.PeekNext(ctx)
}

// ListWaiting returns WAITING tickets in queue order.
func (o *Orchestrator) ListWaiting(ctx context.Context) ([]models.AttendanceTicket, error) {
	return o.queue.ListWaiting(ctx)
}

// ListInService returns IN_SERVICE tickets in queue order.
func (o *Orchestrator) ListInService(ctx context.Context) ([]models.AttendanceTicket, error) {
	return o.queue.ListInService(ctx)
}

// Stats returns queue counters for dashboards.
func (o *Orchestrator) Stats(ctx context.Context) (models.QueueStats, error) {
	return o.queue.Stats(ctx)
}

// publish runs outside every lock. Failures are logged, never returned.
func (o *Orchestrator) publish(ctx context.Context, e notify.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(pctx, e); err != nil {
		slog.Warn("Orchestrator: publish event failed", "type", e.Type, "identity", e.Identity, "error", err)
	}
}
