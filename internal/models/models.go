// Package models defines the core data structures for GarageDesk.
//
// It includes the customer identity, session, conversation and attendance types shared
// across the store, session, conversation, attendance and orchestrator modules, plus the
// JSON envelope used by the admin API.
package models

import (
	"errors"
	"regexp"
)

// MinIdentityDigits is the minimum number of digits a normalized phone number must carry.
const MinIdentityDigits = 6

// ErrInvalidIdentity is returned when a raw sender cannot be normalized into a phone number.
var ErrInvalidIdentity = errors.New("invalid customer identity")

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// NormalizeIdentity turns a raw sender ("+55 (11) 99999-0000", "whatsapp:+5511...", a JID user part)
// into the digits-only customer identity used as the key for sessions, turns and tickets.
func NormalizeIdentity(raw string) (string, error) {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if len(digits) < MinIdentityDigits {
		return "", ErrInvalidIdentity
	}
	return digits, nil
}

// InboundMessage is a message received from a customer through a chat transport.
type InboundMessage struct {
	// ID is the transport's message id. Empty when the transport has none.
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ErrorWithResult creates an error API response that still carries a payload,
// e.g. the ticket that made a claim fail.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message, Result: result}
}
