package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/keylock"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/store"
)

var (
	// ErrReservedState is returned when a caller outside the orchestrator asks for WAITING_HUMAN or
	// IN_ATTENDANCE.
	ErrReservedState = errors.New("session state is reserved for attendance transitions")
	// ErrAttendanceLinked is returned by Clear when the session is paired with an active ticket.
	ErrAttendanceLinked = errors.New("session is linked to an active attendance ticket")
)

// PairingFunc reports the attendance-linked state identity must carry, if any. It runs under the
// identity lock.
type PairingFunc func(ctx context.Context, identity string) (models.SessionState, bool, error)

// Manager is the session store. Every public method runs under the identity lock.
type Manager struct {
	store        store.SessionStore
	locks        *keylock.Locker
	policy       Policy
	contextLimit int
	now          func() time.Time
	pairing      PairingFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the sliding session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.policy.TTL = ttl
		}
	}
}

// WithContextLimit sets the AI context window size.
func WithContextLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.contextLimit = n
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocker shares an identity locker with other components.
func WithLocker(l *keylock.Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locks = l
		}
	}
}

// NewManager creates a session Manager over st.
func NewManager(st store.SessionStore, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		locks:        keylock.New(),
		policy:       Policy{TTL: DefaultTTL},
		contextLimit: DefaultContextLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPairing installs the lookup consulted whenever a session is recreated, so a session that
// expired while its owner was waiting or in attendance comes back in the paired state.
// Call it before the manager is shared.
func (m *Manager) SetPairing(fn PairingFunc) {
	m.pairing = fn
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Policy returns the expiry policy in use.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Do runs fn while holding the identity lock. fn must not block on network I/O.
func (m *Manager) Do(ctx context.Context, identity string, fn func(*Scope) error) error {
	unlock := m.locks.Lock(identity)
	defer unlock()
	return fn(&Scope{ctx: ctx, m: m, identity: identity})
}

// Get returns the live session, creating a fresh IDLE one if none exists or it expired.
func (m *Manager) Get(ctx context.Context, identity string) (models.Session, error) {
	var out models.Session
	err := m.Do(ctx, identity, func(sc *Scope) error {
		var err error
		out, err = sc.Get()
		return err
	})
	return out, err
}

// Touch merges patch.Data into the session, optionally changes its state and refreshes expiry.
// Reserved states are rejected; a state change on an attendance-linked session is ignored.
func (m *Manager) Touch(ctx context.Context, identity string, patch models.SessionPatch) (models.Session, error) {
	var out models.Session
	err := m.Do(ctx, identity, func(sc *Scope) error {
		var err error
		out, err = sc.Touch(patch)
		return err
	})
	return out, err
}

// Clear resets the session to IDLE with empty data and context. Idempotent.
func (m *Manager) Clear(ctx context.Context, identity string) (models.Session, error) {
	var out models.Session
	err := m.Do(ctx, identity, func(sc *Scope) error {
		var err error
		out, err = sc.Clear()
		return err
	})
	return out, err
}

// AppendContext pushes one turn onto the AI context window and truncates it to the configured limit.
func (m *Manager) AppendContext(ctx context.Context, identity string, turn models.ContextTurn) (models.Session, error) {
	var out models.Session
	err := m.Do(ctx, identity, func(sc *Scope) error {
		var err error
		out, err = sc.AppendContext(turn)
		return err
	})
	return out, err
}

// SweepExpired deletes every session whose expiry has passed. It takes no identity locks: expired
// rows are already treated as absent by Get.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		slog.Error("SessionManager.SweepExpired: sweep failed", "error", err)
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	if n > 0 {
		slog.Info("SessionManager.SweepExpired: removed expired sessions", "count", n)
	}
	return n, nil
}

func (m *Manager) fresh(identity string, now time.Time) models.Session {
	return models.Session{
		Identity:  identity,
		State:     models.StateIdle,
		Data:      map[string]interface{}{},
		AIContext: []models.ContextTurn{},
		ExpiresAt: m.policy.Deadline(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// load returns the live session and whether it had to be created.
func (m *Manager) load(ctx context.Context, identity string, now time.Time) (models.Session, bool, error) {
	stored, err := m.store.GetSession(ctx, identity)
	if err != nil {
		return models.Session{}, false, fmt.Errorf("load session %s: %w", identity, err)
	}
	if stored == nil || !m.policy.Alive(stored.ExpiresAt, now) {
		if stored != nil {
			slog.Debug("SessionManager: expired session replaced", "identity", identity, "expiredAt", stored.ExpiresAt)
		}
		sess := m.fresh(identity, now)
		if m.pairing != nil {
			state, paired, err := m.pairing(ctx, identity)
			if err != nil {
				return models.Session{}, false, fmt.Errorf("resolve pairing %s: %w", identity, err)
			}
			if paired {
				slog.Debug("SessionManager: recreated session keeps attendance state", "identity", identity, "state", state)
				sess.State = state
			}
		}
		return sess, true, nil
	}
	if stored.Data == nil {
		stored.Data = map[string]interface{}{}
	}
	return *stored, false, nil
}

func (m *Manager) save(ctx context.Context, sess models.Session) (models.Session, error) {
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("save session %s: %w", sess.Identity, err)
	}
	return sess.Clone(), nil
}
