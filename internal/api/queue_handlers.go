package api

import (
	"net/http"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/gin-gonic/gin"
)

type enqueueRequest struct {
	Reason   string `json:"reason"`
	Priority *int   `json:"priority"`
}

type operatorRequest struct {
	OperatorID   int64  `json:"operator_id" binding:"required"`
	OperatorName string `json:"operator_name"`
}

type finishRequest struct {
	Notes string `json:"notes"`
}

// listWaitingHandler handles GET /queue/waiting
func (s *Server) listWaitingHandler(c *gin.Context) {
	tickets, err := s.orch.ListWaiting(c.Request.Context())
	if err != nil {
		internalError(c, "listWaiting", err)
		return
	}
	respond(c, http.StatusOK, models.Success(nonNil(tickets)))
}

// listInServiceHandler handles GET /queue/in-service
func (s *Server) listInServiceHandler(c *gin.Context) {
	tickets, err := s.orch.ListInService(c.Request.Context())
	if err != nil {
		internalError(c, "listInService", err)
		return
	}
	respond(c, http.StatusOK, models.Success(nonNil(tickets)))
}

// peekNextHandler handles GET /queue/next
func (s *Server) peekNextHandler(c *gin.Context) {
	next, err := s.orch.PeekNext(c.Request.Context())
	if err != nil {
		internalError(c, "peekNext", err)
		return
	}
	if next == nil {
		respond(c, http.StatusNotFound, models.Error("Queue is empty"))
		return
	}
	respond(c, http.StatusOK, models.Success(next))
}

// statsHandler handles GET /queue/stats
func (s *Server) statsHandler(c *gin.Context) {
	stats, err := s.orch.Stats(c.Request.Context())
	if err != nil {
		internalError(c, "stats", err)
		return
	}
	respond(c, http.StatusOK, models.Success(stats))
}

// positionHandler handles GET /queue/:identity/position
func (s *Server) positionHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	pos, err := s.orch.Position(c.Request.Context(), identity)
	if err != nil {
		internalError(c, "position", err)
		return
	}
	respond(c, http.StatusOK, models.Success(gin.H{"identity": identity, "position": pos}))
}

// enqueueHandler handles POST /queue/:identity
func (s *Server) enqueueHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	var req enqueueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator_request"
	}

	ctx := c.Request.Context()
	var (
		res models.EnqueueResult
		err error
	)
	if req.Priority != nil {
		res, err = s.orch.EnqueueWithPriority(ctx, identity, req.Reason, *req.Priority)
	} else {
		res, err = s.orch.Enqueue(ctx, identity, req.Reason)
	}
	if err != nil {
		internalError(c, "enqueue", err)
		return
	}
	if res.Created() {
		respond(c, http.StatusCreated, models.Success(res))
		return
	}
	respond(c, http.StatusOK, models.SuccessWithMessage(string(res.Outcome), res))
}

// claimHandler handles POST /queue/:identity/claim
func (s *Server) claimHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, models.Error("operator_id is required"))
		return
	}
	res, err := s.orch.Claim(c.Request.Context(), identity, req.OperatorID, req.OperatorName)
	respondTransition(c, "claim", res, err)
}

// claimNextHandler handles POST /queue/claim-next
func (s *Server) claimNextHandler(c *gin.Context) {
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, models.Error("operator_id is required"))
		return
	}
	res, err := s.orch.ClaimNext(c.Request.Context(), req.OperatorID, req.OperatorName)
	respondTransition(c, "claimNext", res, err)
}

// finishHandler handles POST /queue/:identity/finish
func (s *Server) finishHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	var req finishRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}
	res, err := s.orch.Finish(c.Request.Context(), identity, req.Notes)
	respondTransition(c, "finish", res, err)
}

// cancelHandler handles POST /queue/:identity/cancel
func (s *Server) cancelHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	res, err := s.orch.Cancel(c.Request.Context(), identity)
	respondTransition(c, "cancel", res, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
