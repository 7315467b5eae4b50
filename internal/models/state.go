package models

import "time"

// SessionState is the state of a customer's chat session. Besides the reserved values below,
// any other non-empty value is a bot-flow sub-state owned by the bot.
type SessionState string

const (
	// StateIdle is both the initial state and the state a cleared session returns to.
	StateIdle SessionState = "IDLE"
	// StateWaitingHuman means the customer holds a WAITING attendance ticket.
	StateWaitingHuman SessionState = "WAITING_HUMAN"
	// StateInAttendance means an operator is serving the customer (IN_SERVICE ticket).
	StateInAttendance SessionState = "IN_ATTENDANCE"
)

// IsAttendanceLinked reports whether the state is paired with an active attendance ticket.
// Only the orchestrator may enter or leave these states.
func (s SessionState) IsAttendanceLinked() bool {
	return s == StateWaitingHuman || s == StateInAttendance
}

// IsBotFlow reports whether the state is a bot-owned sub-state.
func (s SessionState) IsBotFlow() bool {
	return s != "" && s != StateIdle && !s.IsAttendanceLinked()
}

// Context roles used in the AI context window.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextTurn is one entry of a session's AI context window.
type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the single mutable conversation session of a customer identity.
type Session struct {
	Identity  string                 `json:"identity"`
	State     SessionState           `json:"state"`
	Data      map[string]interface{} `json:"data"`
	AIContext []ContextTurn          `json:"ai_context"`
	ExpiresAt time.Time              `json:"expires_at"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the data bag or context slice.
func (s Session) Clone() Session {
	out := s
	out.Data = make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = v
	}
	out.AIContext = append([]ContextTurn(nil), s.AIContext...)
	return out
}

// SessionPatch describes a touch: an optional state change and a shallow data merge.
type SessionPatch struct {
	State *SessionState
	Data  map[string]interface{}
}

// WithState returns a patch that only sets the state.
func WithState(state SessionState) SessionPatch {
	return SessionPatch{State: &state}
}
