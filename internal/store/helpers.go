package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTicket scans an AttendanceTicket selected with ticketColumns.
func scanTicket(row rowScanner) (models.AttendanceTicket, error) {
	var t models.AttendanceTicket
	var status string
	var claimedByID sql.NullInt64
	var claimedByName, notes sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&t.Seq, &t.ID, &t.Identity, &t.Reason, &status, &t.Priority, &t.CreatedAt,
		&claimedByID, &claimedByName, &startedAt, &finishedAt, &notes,
	)
	if err == sql.ErrNoRows {
		return t, err
	}
	if err != nil {
		return t, fmt.Errorf("scan ticket failed: %w", err)
	}
	t.Status = models.TicketStatus(status)
	t.ClaimedByID = claimedByID.Int64
	t.ClaimedByName = claimedByName.String
	t.Notes = notes.String
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		t.FinishedAt = &v
	}
	return t, nil
}

// scanTurn scans a ConversationTurn selected with turnColumns.
func scanTurn(row rowScanner) (models.ConversationTurn, error) {
	var t models.ConversationTurn
	var direction, origin string
	err := row.Scan(&t.ID, &t.Identity, &direction, &t.Text, &origin, &t.CreatedAt, &t.Read)
	if err != nil {
		return t, fmt.Errorf("scan turn failed: %w", err)
	}
	t.Direction = models.Direction(direction)
	t.Origin = models.Origin(origin)
	return t, nil
}
