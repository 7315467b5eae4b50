package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/BTreeMap/GarageDesk/internal/conversation"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/orchestrator"
	"github.com/BTreeMap/GarageDesk/internal/store"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// HandoffReason is the ticket reason recorded when a customer asks for a person.
const HandoffReason = "customer_request"

// DefaultHandoffKeywords make the bot hand the customer over to the attendance queue.
var DefaultHandoffKeywords = []string{"atendente", "humano", "pessoa", "falar com alguem"}

// DefaultResetKeywords end the customer's session.
var DefaultResetKeywords = []string{"sair", "encerrar"}

// Replier produces an assistant reply from the AI context window. genai.Client implements it.
type Replier interface {
	Reply(ctx context.Context, systemPrompt string, history []models.ContextTurn) (string, error)
}

// Messages holds the fixed texts the bot sends.
type Messages struct {
	Menu          string
	QueuePosition string // formatted with the 1-based position
	InService     string
	Goodbye       string
}

// DefaultMessages returns the shop's default texts.
func DefaultMessages() Messages {
	return Messages{
		Menu: "Olá! Sou o assistente da oficina. Posso ajudar com orçamentos, agendamentos e o status do seu veículo. " +
			"Para falar com um atendente, digite \"atendente\".",
		QueuePosition: "Você está na fila de atendimento. Sua posição: %d. Um atendente falará com você em breve.",
		InService:     "Um atendente já está cuidando da sua conversa.",
		Goodbye:       "Atendimento encerrado. Quando precisar, é só mandar uma mensagem!",
	}
}

// InboundHandler routes customer messages by session state: the bot answers idle sessions, a
// waiting customer hears their queue position and a customer in attendance is left to the operator.
type InboundHandler struct {
	orch         *orchestrator.Orchestrator
	log          *conversation.Log
	out          *Outbound
	ai           Replier
	systemPrompt string
	messages     Messages
	handoff      []string
	reset        []string
	dedup        store.DedupStore
}

// InboundOption configures an InboundHandler.
type InboundOption func(*InboundHandler)

// WithReplier enables AI replies for messages the bot does not route itself.
func WithReplier(r Replier, systemPrompt string) InboundOption {
	return func(h *InboundHandler) {
		h.ai = r
		h.systemPrompt = systemPrompt
	}
}

// WithMessages overrides the bot's fixed texts.
func WithMessages(m Messages) InboundOption {
	return func(h *InboundHandler) { h.messages = m }
}

// WithKeywords overrides the handoff and reset keywords. Nil keeps the defaults.
func WithKeywords(handoff, reset []string) InboundOption {
	return func(h *InboundHandler) {
		if handoff != nil {
			h.handoff = handoff
		}
		if reset != nil {
			h.reset = reset
		}
	}
}

// WithDedup drops messages whose transport id was already seen.
func WithDedup(d store.DedupStore) InboundOption {
	return func(h *InboundHandler) { h.dedup = d }
}

// NewInboundHandler creates an InboundHandler.
func NewInboundHandler(orch *orchestrator.Orchestrator, log *conversation.Log, out *Outbound, opts ...InboundOption) *InboundHandler {
	h := &InboundHandler{
		orch:     orch,
		log:      log,
		out:      out,
		messages: DefaultMessages(),
		handoff:  DefaultHandoffKeywords,
		reset:    DefaultResetKeywords,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run handles messages from in until it is closed or ctx is done. Messages are handled one at a
// time so a customer's messages are answered in order.
func (h *InboundHandler) Run(ctx context.Context, in <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				slog.Debug("InboundHandler: inbound channel closed")
				return
			}
			if err := h.Handle(ctx, msg); err != nil {
				slog.Error("InboundHandler.Handle failed", "from", msg.From, "error", err)
			}
		}
	}
}

// Handle processes one customer message.
func (h *InboundHandler) Handle(ctx context.Context, msg models.InboundMessage) error {
	identity, err := models.NormalizeIdentity(msg.From)
	if err != nil {
		slog.Warn("InboundHandler: dropping message from invalid sender", "from", msg.From)
		return err
	}
	text := strings.TrimSpace(msg.Body)
	if text == "" {
		return nil
	}
	if h.dedup != nil && msg.ID != "" {
		fresh, err := h.dedup.RecordInbound(ctx, msg.ID, identity, h.orch.Sessions().Now())
		if err != nil {
			return fmt.Errorf("dedup inbound: %w", err)
		}
		if !fresh {
			slog.Info("InboundHandler: dropping redelivered message", "identity", identity, "message_id", msg.ID)
			return nil
		}
	}

	sess, err := h.orch.Session(ctx, identity)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if _, err := h.log.Append(ctx, identity, text, models.DirectionInbound, models.OriginCustomer); err != nil {
		return fmt.Errorf("log inbound: %w", err)
	}

	words := normalize(text)
	switch sess.State {
	case models.StateInAttendance:
		slog.Debug("InboundHandler: customer in attendance, leaving to operator", "identity", identity)
		return nil
	case models.StateWaitingHuman:
		if matches(words, h.reset) {
			return h.resetSession(ctx, identity)
		}
		return h.sendPosition(ctx, identity)
	}

	switch {
	case matches(words, h.handoff):
		return h.handoffToHuman(ctx, identity)
	case matches(words, h.reset):
		return h.resetSession(ctx, identity)
	default:
		return h.botReply(ctx, identity)
	}
}

func (h *InboundHandler) handoffToHuman(ctx context.Context, identity string) error {
	res, err := h.orch.Enqueue(ctx, identity, HandoffReason)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("InboundHandler: customer handed off", "identity", identity, "outcome", res.Outcome, "position", res.Position)
	if res.Position == 0 {
		return h.send(ctx, identity, h.messages.InService, models.OriginBot)
	}
	return h.send(ctx, identity, fmt.Sprintf(h.messages.QueuePosition, res.Position), models.OriginBot)
}

func (h *InboundHandler) sendPosition(ctx context.Context, identity string) error {
	pos, err := h.orch.Position(ctx, identity)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if pos == 0 {
		return h.send(ctx, identity, h.messages.InService, models.OriginBot)
	}
	return h.send(ctx, identity, fmt.Sprintf(h.messages.QueuePosition, pos), models.OriginBot)
}

func (h *InboundHandler) resetSession(ctx context.Context, identity string) error {
	if _, err := h.orch.Reset(ctx, identity); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return h.send(ctx, identity, h.messages.Goodbye, models.OriginBot)
}

// botReply answers with the LLM when configured and falls back to the menu.
func (h *InboundHandler) botReply(ctx context.Context, identity string) error {
	if h.ai != nil {
		sess, err := h.orch.Sessions().Get(ctx, identity)
		if err != nil {
			return fmt.Errorf("load context: %w", err)
		}
		reply, err := h.ai.Reply(ctx, h.systemPrompt, sess.AIContext)
		if err == nil && strings.TrimSpace(reply) != "" {
			return h.send(ctx, identity, reply, models.OriginAI)
		}
		slog.Warn("InboundHandler: AI reply unavailable, sending menu", "identity", identity, "error", err)
	}
	return h.send(ctx, identity, h.messages.Menu, models.OriginBot)
}

func (h *InboundHandler) send(ctx context.Context, identity, text string, origin models.Origin) error {
	_, err := h.out.Send(ctx, identity, text, origin)
	return err
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lowercases text, strips accents and punctuation and collapses spaces.
func normalize(text string) string {
	folded, _, err := transform.String(foldAccents, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

// matches reports whether any keyword occurs in normalized as whole words.
func matches(normalized string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.TrimSpace(normalize(k)); k == "" {
			continue
		}
		if strings.Contains(normalized, " "+k+" ") {
			return true
		}
	}
	return false
}
