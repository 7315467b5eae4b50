// Package messaging connects GarageDesk to the WhatsApp transports: it receives customer messages,
// routes them through the bot and the attendance queue, and sends replies.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an event source waits on a full inbound channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the digits-only identity for recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain-text message.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins receiving customer messages.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the inbound channel.
	Stop() error

	// Inbound returns the channel of customer messages.
	Inbound() <-chan models.InboundMessage
}

// inbox is the inbound channel shared by the Service implementations.
type inbox struct {
	name    string
	mu      sync.RWMutex
	ch      chan models.InboundMessage
	stopped bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// emit queues msg, dropping it after DefaultChannelTimeout or once stopped.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case b.ch <- msg:
		slog.Debug(b.name+" emitted inbound message", "from", msg.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped. It reports false if it already was.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.ch)
	return true
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

func canonicalize(name, recipient string) (string, error) {
	id, err := models.NormalizeIdentity(recipient)
	if err != nil {
		return "", err
	}
	if id != recipient {
		slog.Debug(name+" canonicalized recipient", "original", recipient, "canonical", id)
	}
	return id, nil
}

// NopService logs outbound messages and never receives any. It backs TRANSPORT=none.
type NopService struct {
	in *inbox
}

// NewNopService creates a NopService.
func NewNopService() *NopService {
	return &NopService{in: newInbox("NopService")}
}

func (s *NopService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalize("NopService", recipient)
}

func (s *NopService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	slog.Info("NopService message not delivered (no transport)", "to", to, "body_length", len(body))
	return nil
}

func (s *NopService) Start(ctx context.Context) error { return nil }

func (s *NopService) Stop() error {
	s.in.close()
	return nil
}

func (s *NopService) Inbound() <-chan models.InboundMessage {
	return s.in.ch
}
