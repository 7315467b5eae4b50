package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/twiliowhatsapp"
	"github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries the request signature Twilio computes with the auth token.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service using the Twilio API. Inbound messages arrive through
// TwilioWebhookHandler.
type TwilioService struct {
	sender     twiliowhatsapp.Sender
	validator  *client.RequestValidator
	webhookURL string
	in         *inbox
	now        func() time.Time
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook calls whose signature does not match authToken.
// publicURL must be the exact URL configured in the Twilio console.
func WithWebhookValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		if authToken == "" || publicURL == "" {
			return
		}
		v := client.NewRequestValidator(authToken)
		s.validator = &v
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a TwilioService around sender.
func NewTwilioService(sender twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{sender: sender, in: newInbox("TwilioService"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalize("TwilioService", recipient)
}

// Start is a no-op: Twilio pushes messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	if s.in.close() {
		slog.Info("TwilioService stopped")
	}
	return nil
}

func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.in.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Warn("TwilioService SendMessage invalid recipient", "to", to, "error", err)
		return err
	}
	return s.sender.SendMessage(ctx, canonicalTo, body)
}

func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.in.ch
}

// TwilioWebhookHandler accepts Twilio's inbound message webhook (form-encoded From/Body).
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService webhook: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.webhookURL, params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("TwilioService webhook: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	identity, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService webhook: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.in.emit(models.InboundMessage{
		ID:   r.PostForm.Get("MessageSid"),
		From: identity,
		Body: body,
		Time: s.now().Unix(),
	})
	// empty TwiML: replies go out through the REST API
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
