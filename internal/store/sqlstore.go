package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends. Queries are written with
// '?' placeholders and rebound to '$n' for Postgres.
type sqlStore struct {
	db       *sql.DB
	name     string // log prefix, e.g. "SQLiteStore"
	postgres bool
}

const ticketColumns = `seq, id, identity, reason, status, priority, created_at, claimed_by_id, claimed_by_name, started_at, finished_at, notes`

const turnColumns = `id, identity, direction, text, origin, created_at, is_read`

// rebind converts '?' placeholders into Postgres positional parameters.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetSession(ctx context.Context, identity string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT identity, state, data, ai_context, expires_at, created_at, updated_at FROM sessions WHERE identity = ?`), identity)
	var sess models.Session
	var state string
	var data, aiContext []byte
	err := row.Scan(&sess.Identity, &state, &data, &aiContext, &sess.ExpiresAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetSession failed", "error", err, "identity", identity)
		return nil, wrapErr("get session", err)
	}
	sess.State = models.SessionState(state)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sess.Data); err != nil {
			slog.Error(s.name+" GetSession data unmarshal failed", "error", err, "identity", identity)
			return nil, wrapErr("decode session data", err)
		}
	}
	if len(aiContext) > 0 {
		if err := json.Unmarshal(aiContext, &sess.AIContext); err != nil {
			slog.Error(s.name+" GetSession context unmarshal failed", "error", err, "identity", identity)
			return nil, wrapErr("decode session context", err)
		}
	}
	if sess.Data == nil {
		sess.Data = map[string]interface{}{}
	}
	return &sess, nil
}

func (s *sqlStore) UpsertSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		slog.Error(s.name+" UpsertSession data marshal failed", "error", err, "identity", sess.Identity)
		return wrapErr("encode session data", err)
	}
	aiContext, err := json.Marshal(sess.AIContext)
	if err != nil {
		slog.Error(s.name+" UpsertSession context marshal failed", "error", err, "identity", sess.Identity)
		return wrapErr("encode session context", err)
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = sess.UpdatedAt
	}
	query := `
		INSERT INTO sessions (identity, state, data, ai_context, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			ai_context = excluded.ai_context,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		sess.Identity, string(sess.State), string(data), string(aiContext),
		sess.ExpiresAt.UTC(), createdAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" UpsertSession failed", "error", err, "identity", sess.Identity)
		return wrapErr("upsert session", err)
	}
	slog.Debug(s.name+" UpsertSession succeeded", "identity", sess.Identity, "state", sess.State)
	return nil
}

func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE expires_at < ?`), now.UTC())
	if err != nil {
		slog.Error(s.name+" DeleteExpiredSessions failed", "error", err)
		return 0, wrapErr("delete expired sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("delete expired sessions", err)
	}
	slog.Debug(s.name+" DeleteExpiredSessions succeeded", "deleted", n)
	return n, nil
}

func (s *sqlStore) AppendTurn(ctx context.Context, turn models.ConversationTurn) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO conversation_turns (identity, direction, text, origin, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		turn.Identity, string(turn.Direction), turn.Text, string(turn.Origin), turn.CreatedAt.UTC(), turn.Read,
	).Scan(&id)
	if err != nil {
		slog.Error(s.name+" AppendTurn failed", "error", err, "identity", turn.Identity)
		return 0, wrapErr("append turn", err)
	}
	slog.Debug(s.name+" AppendTurn succeeded", "identity", turn.Identity, "id", id, "direction", turn.Direction)
	return id, nil
}

func (s *sqlStore) ListTurns(ctx context.Context, identity string, limit int, beforeID int64) ([]models.ConversationTurn, error) {
	query := `SELECT ` + turnColumns + ` FROM conversation_turns WHERE identity = ?`
	args := []interface{}{identity}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		slog.Error(s.name+" ListTurns query failed", "error", err, "identity", identity)
		return nil, wrapErr("list turns", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			slog.Error(s.name+" ListTurns scan failed", "error", err)
			return nil, wrapErr("list turns", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list turns", err)
	}
	// newest first from the query; callers want chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *sqlStore) MarkTurnsRead(ctx context.Context, identity string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversation_turns SET is_read = ? WHERE identity = ? AND direction = ? AND is_read = ?`),
		true, identity, string(models.DirectionInbound), false)
	if err != nil {
		slog.Error(s.name+" MarkTurnsRead failed", "error", err, "identity", identity)
		return 0, wrapErr("mark turns read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("mark turns read", err)
	}
	return n, nil
}

func (s *sqlStore) UnreadSummary(ctx context.Context) ([]models.UnreadSummary, error) {
	// join on the newest unread id so created_at keeps its column type when scanned
	query := `
		SELECT t.identity, c.cnt, t.created_at
		FROM conversation_turns t
		JOIN (
			SELECT identity, COUNT(*) AS cnt, MAX(id) AS last_id
			FROM conversation_turns
			WHERE direction = ? AND is_read = ?
			GROUP BY identity
		) c ON t.id = c.last_id
		ORDER BY t.created_at DESC, t.id DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), string(models.DirectionInbound), false)
	if err != nil {
		slog.Error(s.name+" UnreadSummary query failed", "error", err)
		return nil, wrapErr("unread summary", err)
	}
	defer rows.Close()

	var out []models.UnreadSummary
	for rows.Next() {
		var u models.UnreadSummary
		if err := rows.Scan(&u.Identity, &u.UnreadCount, &u.LastMessageAt); err != nil {
			slog.Error(s.name+" UnreadSummary scan failed", "error", err)
			return nil, wrapErr("unread summary", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("unread summary", err)
	}
	return out, nil
}

func (s *sqlStore) InsertTicket(ctx context.Context, t *models.AttendanceTicket) error {
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO attendance_tickets (id, identity, reason, status, priority, created_at, claimed_by_id, claimed_by_name, started_at, finished_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		t.ID, t.Identity, t.Reason, string(t.Status), t.Priority, t.CreatedAt.UTC(),
		nilIfZero(t.ClaimedByID), nilIfEmpty(t.ClaimedByName), nilIfNilTime(t.StartedAt), nilIfNilTime(t.FinishedAt), nilIfEmpty(t.Notes),
	).Scan(&t.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug(s.name+" InsertTicket rejected duplicate", "identity", t.Identity)
			return ErrActiveTicketExists
		}
		slog.Error(s.name+" InsertTicket failed", "error", err, "identity", t.Identity)
		return wrapErr("insert ticket", err)
	}
	slog.Debug(s.name+" InsertTicket succeeded", "identity", t.Identity, "ticketID", t.ID, "seq", t.Seq)
	return nil
}

func (s *sqlStore) GetActiveTicket(ctx context.Context, identity string) (*models.AttendanceTicket, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+ticketColumns+` FROM attendance_tickets WHERE identity = ? AND status IN (?, ?)`),
		identity, string(models.TicketWaiting), string(models.TicketInService))
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetActiveTicket failed", "error", err, "identity", identity)
		return nil, wrapErr("get active ticket", err)
	}
	return &t, nil
}

func (s *sqlStore) UpdateTicket(ctx context.Context, t models.AttendanceTicket, expected models.TicketStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE attendance_tickets
		SET status = ?, priority = ?, claimed_by_id = ?, claimed_by_name = ?, started_at = ?, finished_at = ?, notes = ?
		WHERE id = ? AND status = ?`),
		string(t.Status), t.Priority, nilIfZero(t.ClaimedByID), nilIfEmpty(t.ClaimedByName),
		nilIfNilTime(t.StartedAt), nilIfNilTime(t.FinishedAt), nilIfEmpty(t.Notes),
		t.ID, string(expected))
	if err != nil {
		slog.Error(s.name+" UpdateTicket failed", "error", err, "ticketID", t.ID)
		return false, wrapErr("update ticket", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("update ticket", err)
	}
	slog.Debug(s.name+" UpdateTicket completed", "ticketID", t.ID, "status", t.Status, "applied", n == 1)
	return n == 1, nil
}

func (s *sqlStore) ListTicketsByStatus(ctx context.Context, status models.TicketStatus) ([]models.AttendanceTicket, error) {
	return s.queryTickets(ctx, "list tickets by status",
		`SELECT `+ticketColumns+` FROM attendance_tickets WHERE status = ? ORDER BY priority DESC, created_at ASC, seq ASC`,
		string(status))
}

func (s *sqlStore) ListTicketsByIdentity(ctx context.Context, identity string) ([]models.AttendanceTicket, error) {
	return s.queryTickets(ctx, "list tickets by identity",
		`SELECT `+ticketColumns+` FROM attendance_tickets WHERE identity = ? ORDER BY seq ASC`,
		identity)
}

func (s *sqlStore) TicketsFinishedSince(ctx context.Context, since time.Time) ([]models.AttendanceTicket, error) {
	return s.queryTickets(ctx, "tickets finished since",
		`SELECT `+ticketColumns+` FROM attendance_tickets WHERE status = ? AND finished_at >= ? ORDER BY finished_at ASC`,
		string(models.TicketFinished), since.UTC())
}

func (s *sqlStore) queryTickets(ctx context.Context, op, query string, args ...interface{}) ([]models.AttendanceTicket, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		slog.Error(s.name+" ticket query failed", "op", op, "error", err)
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []models.AttendanceTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			slog.Error(s.name+" ticket scan failed", "op", op, "error", err)
			return nil, wrapErr(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}

// isUniqueViolation detects the partial unique index on active tickets for both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func openErr(name string, err error) error {
	return fmt.Errorf("%s: %w", name, wrapErr("open", err))
}
