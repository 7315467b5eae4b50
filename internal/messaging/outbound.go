package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GarageDesk/internal/conversation"
	"github.com/BTreeMap/GarageDesk/internal/models"
)

// Outbound sends a message and records it as an outbound turn.
type Outbound struct {
	svc Service
	log *conversation.Log
}

// NewOutbound creates an Outbound.
func NewOutbound(svc Service, log *conversation.Log) *Outbound {
	return &Outbound{svc: svc, log: log}
}

// Send delivers text to identity, then appends it to the conversation log and returns the turn id.
// A failed send is not logged, so the history only shows what the customer received.
func (o *Outbound) Send(ctx context.Context, identity, text string, origin models.Origin) (int64, error) {
	to, err := o.svc.ValidateAndCanonicalizeRecipient(identity)
	if err != nil {
		return 0, err
	}
	if err := o.svc.SendMessage(ctx, to, text); err != nil {
		return 0, fmt.Errorf("send to %s: %w", to, err)
	}
	if origin == "" {
		origin = models.OriginBot
	}
	id, err := o.log.Append(ctx, to, text, models.DirectionOutbound, origin)
	if err != nil {
		slog.Error("Outbound.Send: message sent but not logged", "identity", to, "origin", origin, "error", err)
		return 0, err
	}
	return id, nil
}
