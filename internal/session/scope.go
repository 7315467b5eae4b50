package session

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/GarageDesk/internal/models"
)

// Scope is the view of one identity's session while its lock is held. It is only valid inside the
// function passed to Manager.Do.
type Scope struct {
	ctx      context.Context
	m        *Manager
	identity string
}

// Identity returns the locked identity.
func (sc *Scope) Identity() string {
	return sc.identity
}

// Context returns the context passed to Do.
func (sc *Scope) Context() context.Context {
	return sc.ctx
}

// Get returns the live session, persisting a fresh one when absent or expired.
func (sc *Scope) Get() (models.Session, error) {
	now := sc.m.now()
	sess, created, err := sc.m.load(sc.ctx, sc.identity, now)
	if err != nil {
		return models.Session{}, err
	}
	if !created {
		return sess, nil
	}
	return sc.m.save(sc.ctx, sess)
}

// Touch applies patch with the same guards as Manager.Touch.
func (sc *Scope) Touch(patch models.SessionPatch) (models.Session, error) {
	if patch.State != nil && patch.State.IsAttendanceLinked() {
		slog.Warn("SessionManager.Touch: reserved state rejected", "identity", sc.identity, "state", *patch.State)
		return models.Session{}, ErrReservedState
	}
	return sc.apply(patch, false)
}

// Clear resets the session unless it is paired with an active ticket.
func (sc *Scope) Clear() (models.Session, error) {
	return sc.reset(false)
}

// Pair sets an attendance-linked state. Only the orchestrator calls it, together with the ticket
// transition that justifies it.
func (sc *Scope) Pair(state models.SessionState) (models.Session, error) {
	return sc.apply(models.SessionPatch{State: &state}, true)
}

// Unpair clears the session regardless of its state, ending an attendance pairing.
func (sc *Scope) Unpair() (models.Session, error) {
	return sc.reset(true)
}

// AppendContext pushes turn and keeps only the most recent turns, in append order.
func (sc *Scope) AppendContext(turn models.ContextTurn) (models.Session, error) {
	now := sc.m.now()
	sess, _, err := sc.m.load(sc.ctx, sc.identity, now)
	if err != nil {
		return models.Session{}, err
	}
	sess.AIContext = append(sess.AIContext, turn)
	if over := len(sess.AIContext) - sc.m.contextLimit; over > 0 {
		sess.AIContext = append([]models.ContextTurn(nil), sess.AIContext[over:]...)
	}
	sess.ExpiresAt = sc.m.policy.Deadline(now)
	sess.UpdatedAt = now
	return sc.m.save(sc.ctx, sess)
}

func (sc *Scope) apply(patch models.SessionPatch, force bool) (models.Session, error) {
	now := sc.m.now()
	sess, _, err := sc.m.load(sc.ctx, sc.identity, now)
	if err != nil {
		return models.Session{}, err
	}
	for k, v := range patch.Data {
		sess.Data[k] = v
	}
	if patch.State != nil && *patch.State != sess.State {
		if sess.State.IsAttendanceLinked() && !force {
			slog.Warn("SessionManager.Touch: state change ignored during attendance",
				"identity", sc.identity, "current", sess.State, "requested", *patch.State)
		} else {
			slog.Debug("SessionManager: state change", "identity", sc.identity, "from", sess.State, "to", *patch.State)
			sess.State = *patch.State
		}
	}
	sess.ExpiresAt = sc.m.policy.Deadline(now)
	sess.UpdatedAt = now
	return sc.m.save(sc.ctx, sess)
}

func (sc *Scope) reset(force bool) (models.Session, error) {
	now := sc.m.now()
	sess, _, err := sc.m.load(sc.ctx, sc.identity, now)
	if err != nil {
		return models.Session{}, err
	}
	if sess.State.IsAttendanceLinked() && !force {
		return sess, ErrAttendanceLinked
	}
	cleared := sc.m.fresh(sc.identity, now)
	cleared.CreatedAt = sess.CreatedAt
	return sc.m.save(sc.ctx, cleared)
}
