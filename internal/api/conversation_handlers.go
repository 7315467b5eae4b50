package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/GarageDesk/internal/messaging"
	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/gin-gonic/gin"
)

// summaryTurns is how much recent history a summary covers.
const summaryTurns = 30

const summaryPrompt = "Você ajuda os atendentes de uma oficina mecânica. Resuma a conversa abaixo em até " +
	"três frases: o veículo, o problema ou pedido do cliente e o que já foi respondido."

// Summarizer completes a single prompt. genai.Client implements it.
type Summarizer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type replyRequest struct {
	Text string `json:"text" binding:"required"`
}

// unreadHandler handles GET /conversations/unread
func (s *Server) unreadHandler(c *gin.Context) {
	summary, err := s.log.UnreadSummary(c.Request.Context())
	if err != nil {
		internalError(c, "unread", err)
		return
	}
	respond(c, http.StatusOK, models.Success(nonNil(summary)))
}

// historyHandler handles GET /conversations/:identity/messages?limit=&before=
func (s *Server) historyHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid limit"))
		return
	}
	before, err := queryInt(c, "before")
	if err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid before"))
		return
	}
	turns, err := s.log.History(c.Request.Context(), identity, int(limit), before)
	if err != nil {
		internalError(c, "history", err)
		return
	}
	respond(c, http.StatusOK, models.Success(nonNil(turns)))
}

// markReadHandler handles POST /conversations/:identity/read
func (s *Server) markReadHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	n, err := s.log.MarkRead(c.Request.Context(), identity)
	if err != nil {
		internalError(c, "markRead", err)
		return
	}
	respond(c, http.StatusOK, models.Success(gin.H{"identity": identity, "marked": n}))
}

// replyHandler handles POST /conversations/:identity/reply: an operator message sent to the customer.
func (s *Server) replyHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		respond(c, http.StatusBadRequest, models.Error("text is required"))
		return
	}
	id, err := s.out.Send(c.Request.Context(), identity, req.Text, models.OriginHuman)
	if err != nil {
		if errors.Is(err, messaging.ErrServiceStopped) {
			respond(c, http.StatusServiceUnavailable, models.Error("Messaging service stopped"))
			return
		}
		internalError(c, "reply", err)
		return
	}
	respond(c, http.StatusCreated, models.Success(gin.H{"id": id}))
}

// summaryHandler handles GET /conversations/:identity/summary: an AI digest for the operator.
func (s *Server) summaryHandler(c *gin.Context) {
	if s.ai == nil {
		respond(c, http.StatusServiceUnavailable, models.Error("AI summaries are disabled"))
		return
	}
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	turns, err := s.log.History(c.Request.Context(), identity, summaryTurns, 0)
	if err != nil {
		internalError(c, "summary", err)
		return
	}
	if len(turns) == 0 {
		respond(c, http.StatusNotFound, models.Error("No conversation for this customer"))
		return
	}
	summary, err := s.ai.Complete(c.Request.Context(), summaryPrompt, transcript(turns))
	if err != nil {
		internalError(c, "summary", err)
		return
	}
	respond(c, http.StatusOK, models.Success(gin.H{"identity": identity, "summary": summary, "turns": len(turns)}))
}

// transcript renders turns one per line, prefixed by who wrote them.
func transcript(turns []models.ConversationTurn) string {
	var b strings.Builder
	for _, t := range turns {
		who := "cliente"
		switch t.Origin {
		case models.OriginBot, models.OriginAI:
			who = "bot"
		case models.OriginHuman:
			who = "atendente"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, t.Text)
	}
	return b.String()
}

func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
