package models

// Outcome is the business result of a queue or session operation. Business-rule violations are
// reported through an Outcome, never through an error.
type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeAlreadyExists: enqueue found an active ticket for the identity.
	OutcomeAlreadyExists Outcome = "already_exists"
	// OutcomeNotFound: the identity has no active ticket.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeInvalidTransition: an active ticket exists but in a status the operation cannot leave.
	OutcomeInvalidTransition Outcome = "invalid_transition"
	// OutcomeAlreadyClaimed: claim found the ticket already IN_SERVICE (possibly a lost race).
	OutcomeAlreadyClaimed Outcome = "already_claimed"
)

// EnqueueResult is returned by enqueue. On OutcomeAlreadyExists Ticket is the existing one.
type EnqueueResult struct {
	Outcome  Outcome           `json:"outcome"`
	Ticket   *AttendanceTicket `json:"ticket"`
	Position int               `json:"position"`
}

// Created reports whether enqueue created a new ticket.
func (r EnqueueResult) Created() bool {
	return r.Outcome == OutcomeOK
}

// TransitionResult is returned by claim, finish and cancel. Ticket is the post-state ticket on
// success, or the ticket that blocked the transition (nil on OutcomeNotFound).
type TransitionResult struct {
	Outcome Outcome           `json:"outcome"`
	Ticket  *AttendanceTicket `json:"ticket,omitempty"`
}

// OK reports whether the transition happened.
func (r TransitionResult) OK() bool {
	return r.Outcome == OutcomeOK
}
