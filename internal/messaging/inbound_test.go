package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/GarageDesk/internal/attendance"
	"github.com/BTreeMap/GarageDesk/internal/conversation"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/orchestrator"
	"github.com/BTreeMap/GarageDesk/internal/session"
	"github.com/BTreeMap/GarageDesk/internal/store"
	"github.com/BTreeMap/GarageDesk/internal/whatsapp"
)

type fakeReplier struct {
	reply   string
	err     error
	history []models.ContextTurn
}

func (f *fakeReplier) Reply(ctx context.Context, systemPrompt string, history []models.ContextTurn) (string, error) {
	f.history = history
	return f.reply, f.err
}

type harness struct {
	handler *InboundHandler
	orch    *orchestrator.Orchestrator
	log     *conversation.Log
	client  *whatsapp.MockClient
}

func newHarness(t *testing.T, opts ...InboundOption) *harness {
	t.Helper()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewInMemoryStore()
	mgr := session.NewManager(st, session.WithClock(clock))
	orch := orchestrator.New(mgr, attendance.NewQueue(st, attendance.WithClock(clock)))
	log := conversation.NewLog(st, mgr)
	client := whatsapp.NewMockClient()
	out := NewOutbound(NewWhatsAppService(client), log)
	return &harness{
		handler: NewInboundHandler(orch, log, out, opts...),
		orch:    orch,
		log:     log,
		client:  client,
	}
}

func (h *harness) receive(t *testing.T, from, body string) {
	t.Helper()
	if err := h.handler.Handle(context.Background(), models.InboundMessage{From: from, Body: body}); err != nil {
		t.Fatalf("Handle(%q): %v", body, err)
	}
}

func (h *harness) lastSent(t *testing.T) whatsapp.SentMessage {
	t.Helper()
	sent := h.client.Sent()
	if len(sent) == 0 {
		t.Fatal("expected a reply, none sent")
	}
	return sent[len(sent)-1]
}

func TestHandle_MenuWithoutAI(t *testing.T) {
	h := newHarness(t)
	h.receive(t, "+55 11 99999-0000", "bom dia")

	got := h.lastSent(t)
	if got.To != "5511999990000" || got.Body != DefaultMessages().Menu {
		t.Errorf("unexpected reply %+v", got)
	}
	turns, err := h.log.History(context.Background(), "5511999990000", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected inbound + outbound turns, got %d", len(turns))
	}
	if turns[0].Direction != models.DirectionInbound || turns[0].Origin != models.OriginCustomer {
		t.Errorf("unexpected first turn %+v", turns[0])
	}
	if turns[1].Direction != models.DirectionOutbound || turns[1].Origin != models.OriginBot {
		t.Errorf("unexpected second turn %+v", turns[1])
	}
}

func TestHandle_AIReplyUsesContext(t *testing.T) {
	ai := &fakeReplier{reply: "Trocamos óleo a partir de R$ 120."}
	h := newHarness(t, WithReplier(ai, "Você atende uma oficina."))
	h.receive(t, "5511999990000", "quanto custa troca de óleo?")

	if got := h.lastSent(t).Body; got != ai.reply {
		t.Errorf("expected AI reply, got %q", got)
	}
	if len(ai.history) != 1 || ai.history[0].Role != models.RoleUser || ai.history[0].Content != "quanto custa troca de óleo?" {
		t.Errorf("AI did not see the inbound turn: %+v", ai.history)
	}
	turns, _ := h.log.History(context.Background(), "5511999990000", 0, 0)
	if turns[len(turns)-1].Origin != models.OriginAI {
		t.Errorf("expected ai origin, got %s", turns[len(turns)-1].Origin)
	}
	sess, _ := h.orch.Sessions().Get(context.Background(), "5511999990000")
	if len(sess.AIContext) != 2 || sess.AIContext[1].Role != models.RoleAssistant {
		t.Errorf("expected assistant turn in context, got %+v", sess.AIContext)
	}
}

func TestHandle_AIFailureFallsBackToMenu(t *testing.T) {
	h := newHarness(t, WithReplier(&fakeReplier{err: errors.New("timeout")}, ""))
	h.receive(t, "5511999990000", "oi")
	if got := h.lastSent(t).Body; got != DefaultMessages().Menu {
		t.Errorf("expected menu fallback, got %q", got)
	}
}

func TestHandle_HandoffEnqueues(t *testing.T) {
	h := newHarness(t)
	h.receive(t, "5511999990000", "Quero falar com alguém!")

	sess, err := h.orch.Session(context.Background(), "5511999990000")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.State != models.StateWaitingHuman {
		t.Errorf("expected WAITING_HUMAN, got %s", sess.State)
	}
	if got := h.lastSent(t).Body; !strings.Contains(got, "posição: 1") {
		t.Errorf("expected position 1 message, got %q", got)
	}

	h.receive(t, "5511888880000", "ATENDENTE")
	if got := h.lastSent(t).Body; !strings.Contains(got, "posição: 2") {
		t.Errorf("expected position 2 message, got %q", got)
	}
}

func TestHandle_WaitingCustomerGetsPosition(t *testing.T) {
	h := newHarness(t, WithReplier(&fakeReplier{reply: "should not be used"}, ""))
	h.receive(t, "5511999990000", "humano")
	h.receive(t, "5511999990000", "ainda estou aqui")

	sent := h.client.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(sent))
	}
	if !strings.Contains(sent[1].Body, "posição: 1") {
		t.Errorf("expected position reply, got %q", sent[1].Body)
	}
}

func TestHandle_InAttendanceNoAutoReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.receive(t, "5511999990000", "atendente")
	if res, err := h.orch.Claim(ctx, "5511999990000", 7, "Carla"); err != nil || !res.OK() {
		t.Fatalf("Claim: %v %v", res.Outcome, err)
	}
	before := len(h.client.Sent())

	h.receive(t, "5511999990000", "meu carro é um Gol 2015")
	if len(h.client.Sent()) != before {
		t.Error("bot must not reply during attendance")
	}
	turns, _ := h.log.History(ctx, "5511999990000", 0, 0)
	if last := turns[len(turns)-1]; last.Text != "meu carro é um Gol 2015" || last.Direction != models.DirectionInbound {
		t.Errorf("inbound turn not logged: %+v", last)
	}
}

func TestHandle_ResetWhileWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.receive(t, "5511999990000", "atendente")
	h.receive(t, "5511999990000", "sair")

	if got := h.lastSent(t).Body; got != DefaultMessages().Goodbye {
		t.Errorf("expected goodbye, got %q", got)
	}
	sess, _ := h.orch.Session(ctx, "5511999990000")
	if sess.State != models.StateIdle {
		t.Errorf("expected IDLE, got %s", sess.State)
	}
	if pos, _ := h.orch.Position(ctx, "5511999990000"); pos != 0 {
		t.Errorf("expected no queue position, got %d", pos)
	}
}

func TestHandle_InvalidSender(t *testing.T) {
	h := newHarness(t)
	err := h.handler.Handle(context.Background(), models.InboundMessage{From: "abc12", Body: "oi"})
	if !errors.Is(err, models.ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity, got %v", err)
	}
	if len(h.client.Sent()) != 0 {
		t.Error("nothing should be sent to an invalid sender")
	}
}

func TestRun_StopsOnClose(t *testing.T) {
	h := newHarness(t)
	in := make(chan models.InboundMessage, 1)
	in <- models.InboundMessage{From: "5511999990000", Body: "oi"}
	close(in)

	done := make(chan struct{})
	go func() {
		h.handler.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if len(h.client.Sent()) != 1 {
		t.Errorf("expected queued message to be handled, sent=%d", len(h.client.Sent()))
	}
}

func TestKeywordMatching(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"atendente", true},
		{"Atendente, por favor", true},
		{"quero FALAR com alguém", true},
		{"pessoa?", true},
		{"atendentes", false},
		{"orçamento de freio", false},
		{"falar com", false},
	}
	for _, tt := range tests {
		if got := matches(normalize(tt.text), DefaultHandoffKeywords); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
	if got := normalize("  Olá,   OFICINA! "); got != " ola oficina " {
		t.Errorf("normalize = %q", got)
	}
}

func TestOutbound_FailedSendNotLogged(t *testing.T) {
	h := newHarness(t)
	h.client.Err = errors.New("offline")
	out := NewOutbound(NewWhatsAppService(h.client), h.log)

	if _, err := out.Send(context.Background(), "5511999990000", "oi", models.OriginHuman); err == nil {
		t.Fatal("expected send error")
	}
	turns, _ := h.log.History(context.Background(), "5511999990000", 0, 0)
	if len(turns) != 0 {
		t.Errorf("failed send must not be logged, got %d turns", len(turns))
	}
}

func TestHandle_RedeliveredMessageIgnored(t *testing.T) {
	dedup := store.NewInMemoryStore()
	h := newHarness(t, WithDedup(dedup))
	msg := models.InboundMessage{ID: "wamid.1", From: "5511999990000", Body: "bom dia"}

	for i := 0; i < 2; i++ {
		if err := h.handler.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if n := len(h.client.Sent()); n != 1 {
		t.Errorf("expected one reply, got %d", n)
	}
	turns, _ := h.log.History(context.Background(), "5511999990000", 0, 0)
	if len(turns) != 2 {
		t.Errorf("expected inbound+reply logged once, got %d turns", len(turns))
	}

	// messages without a transport id are never deduplicated
	h.receive(t, "5511999990000", "bom dia")
	h.receive(t, "5511999990000", "bom dia")
	if n := len(h.client.Sent()); n != 3 {
		t.Errorf("expected 3 replies, got %d", n)
	}
}

func TestHandle_DedupUsesSessionClock(t *testing.T) {
	dedup := store.NewInMemoryStore()
	h := newHarness(t, WithDedup(dedup))
	ctx := context.Background()
	now := h.orch.Sessions().Now()

	msg := models.InboundMessage{ID: "wamid.2", From: "5511999990000", Body: "oi"}
	if err := h.handler.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if n, err := dedup.DeleteInboundBefore(ctx, now); err != nil || n != 0 {
		t.Errorf("DeleteInboundBefore(now) = %d, %v; want 0", n, err)
	}
	if n, err := dedup.DeleteInboundBefore(ctx, now.Add(time.Second)); err != nil || n != 1 {
		t.Errorf("DeleteInboundBefore(now+1s) = %d, %v; want the message recorded at the session clock", n, err)
	}
}
