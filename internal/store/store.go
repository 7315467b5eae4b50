// Package store provides storage backends for GarageDesk.
//
// It includes an in-memory store for tests and the "memory" mode, and persistent SQLite and
// PostgreSQL stores. All three keep sessions, conversation turns and attendance tickets.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
)

// ErrActiveTicketExists is returned by InsertTicket when the identity already holds a WAITING or
// IN_SERVICE ticket.
var ErrActiveTicketExists = errors.New("active attendance ticket already exists")

// StorageError wraps every backend fault so callers can tell infrastructure failures apart from
// business outcomes.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// SessionStore persists the one session per customer identity.
type SessionStore interface {
	// GetSession returns the stored session, or nil when none exists. Expiry is not evaluated here.
	GetSession(ctx context.Context, identity string) (*models.Session, error)
	// UpsertSession creates or replaces the session of s.Identity.
	UpsertSession(ctx context.Context, s models.Session) error
	// DeleteExpiredSessions removes sessions whose expiresAt is before now.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// TurnStore persists the append-only conversation log.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn models.ConversationTurn) (int64, error)
	// ListTurns returns up to limit of the most recent turns, oldest first. A beforeID > 0 restricts
	// the page to turns with a smaller id.
	ListTurns(ctx context.Context, identity string, limit int, beforeID int64) ([]models.ConversationTurn, error)
	MarkTurnsRead(ctx context.Context, identity string) (int64, error)
	UnreadSummary(ctx context.Context) ([]models.UnreadSummary, error)
}

// TicketStore persists attendance tickets.
type TicketStore interface {
	// InsertTicket stores a new ticket and fills in its Seq. Returns ErrActiveTicketExists when the
	// identity already holds an active ticket.
	InsertTicket(ctx context.Context, t *models.AttendanceTicket) error
	// GetActiveTicket returns the WAITING or IN_SERVICE ticket of identity, or nil.
	GetActiveTicket(ctx context.Context, identity string) (*models.AttendanceTicket, error)
	// UpdateTicket writes t only if the stored status still equals expected, and reports whether it did.
	UpdateTicket(ctx context.Context, t models.AttendanceTicket, expected models.TicketStatus) (bool, error)
	// ListTicketsByStatus returns tickets in queue order: priority desc, createdAt asc, seq asc.
	ListTicketsByStatus(ctx context.Context, status models.TicketStatus) ([]models.AttendanceTicket, error)
	// ListTicketsByIdentity returns every ticket of identity, oldest first.
	ListTicketsByIdentity(ctx context.Context, identity string) ([]models.AttendanceTicket, error)
	// TicketsFinishedSince returns FINISHED tickets with finishedAt >= since.
	TicketsFinishedSince(ctx context.Context, since time.Time) ([]models.AttendanceTicket, error)
}

// Store is the full persistence contract of the session/queue core.
type Store interface {
	SessionStore
	TurnStore
	TicketStore
	DedupStore
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for connecting to Postgres.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the DSN (file path) for the SQLite database.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types recognised by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType determines the backend for a DSN. Postgres DSNs are URLs (postgres://, postgresql://)
// or key/value strings (host=...); "memory" selects the in-memory store; anything else is a SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.EqualFold(d, DSNTypeMemory):
		return DSNTypeMemory
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the store selected by DetectDSNType.
func Open(dsn string) (Store, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
