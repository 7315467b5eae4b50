package models

import "time"

// TicketStatus is the lifecycle status of an attendance ticket.
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "WAITING"
	TicketInService TicketStatus = "IN_SERVICE"
	TicketFinished  TicketStatus = "FINISHED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// IsActive reports whether the status counts towards the one-active-ticket-per-identity rule.
func (s TicketStatus) IsActive() bool {
	return s == TicketWaiting || s == TicketInService
}

// IsTerminal reports whether no transition leaves the status.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketFinished || s == TicketCancelled
}

// SessionState returns the session state paired with an active ticket status.
func (s TicketStatus) SessionState() SessionState {
	switch s {
	case TicketWaiting:
		return StateWaitingHuman
	case TicketInService:
		return StateInAttendance
	default:
		return StateIdle
	}
}

// ticketTransitions lists the only legal edges: WAITING → IN_SERVICE → FINISHED, WAITING → CANCELLED.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketWaiting:   {TicketInService, TicketCancelled},
	TicketInService: {TicketFinished},
	TicketFinished:  {},
	TicketCancelled: {},
}

// CanTransition checks whether a ticket may move from one status to another.
func CanTransition(from, to TicketStatus) bool {
	for _, s := range ticketTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultPriority is the priority assigned to tickets unless configured otherwise.
const DefaultPriority = 0

// AttendanceTicket represents one request for human help.
type AttendanceTicket struct {
	ID            string       `json:"id"`
	Seq           int64        `json:"seq"` // insertion order, breaks createdAt ties
	Identity      string       `json:"identity"`
	Reason        string       `json:"reason"`
	Status        TicketStatus `json:"status"`
	Priority      int          `json:"priority"`
	CreatedAt     time.Time    `json:"created_at"`
	ClaimedByID   int64        `json:"claimed_by_id,omitempty"`
	ClaimedByName string       `json:"claimed_by_name,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

// Ahead reports whether t is served before other: higher priority first, then FIFO.
func (t AttendanceTicket) Ahead(other AttendanceTicket) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.Seq < other.Seq
}

// QueueStats is the aggregate attendance report for dashboards.
type QueueStats struct {
	WaitingCount          int     `json:"waiting_count"`
	InServiceCount        int     `json:"in_service_count"`
	FinishedToday         int     `json:"finished_today"`
	AverageServiceMinutes float64 `json:"average_service_minutes"`
}
