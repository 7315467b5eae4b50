package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is the event registration half of whatsapp.Client.
type eventSource interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service on top of whatsmeow.
type WhatsAppService struct {
	sender    whatsapp.Sender
	events    eventSource
	handlerID uint32
	in        *inbox
}

// NewWhatsAppService wraps sender. Inbound events are only received when sender is a *whatsapp.Client.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{sender: sender, in: newInbox("WhatsAppService")}
	if src, ok := sender.(eventSource); ok {
		s.events = src
	} else {
		slog.Debug("WhatsAppService created without event source (likely mock)")
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalize("WhatsAppService", recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	s.handlerID = s.events.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered", "id", s.handlerID)
	return nil
}

// Stop unregisters the handler and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	if !s.in.close() {
		return nil
	}
	if s.events != nil {
		s.events.RemoveEventHandler(s.handlerID)
	}
	if c, ok := s.sender.(*whatsapp.Client); ok {
		c.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Warn("WhatsAppService SendMessage invalid recipient", "to", to, "error", err)
		return err
	}
	if err := s.sender.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "to", canonicalTo, "error", err)
		return err
	}
	return nil
}

func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.in.ch
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

// handleIncomingMessage forwards direct text messages from customers.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text, ok := whatsapp.TextOf(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	s.in.emit(models.InboundMessage{
		ID:   string(evt.Info.ID),
		From: evt.Info.Sender.User,
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	})
}
