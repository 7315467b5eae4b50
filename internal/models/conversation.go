package models

import "time"

// Direction tells whether a turn came from the customer or was sent to them.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin identifies the actor that produced a turn.
type Origin string

const (
	OriginCustomer Origin = "customer"
	OriginBot      Origin = "bot"
	OriginAI       Origin = "ai"
	OriginHuman    Origin = "human"
)

// IsValidOrigin checks if the given origin is supported.
func IsValidOrigin(o Origin) bool {
	switch o {
	case OriginCustomer, OriginBot, OriginAI, OriginHuman:
		return true
	default:
		return false
	}
}

// ConversationTurn is one immutable entry of the conversation log. Only Read changes after insert.
type ConversationTurn struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// ContextRole maps a turn direction onto the AI context role.
func (d Direction) ContextRole() string {
	if d == DirectionInbound {
		return RoleUser
	}
	return RoleAssistant
}

// UnreadSummary aggregates unread inbound turns of one identity for the operator dashboard.
type UnreadSummary struct {
	Identity      string    `json:"identity"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}
