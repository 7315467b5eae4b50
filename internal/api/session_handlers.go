package api

import (
	"net/http"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/gin-gonic/gin"
)

// getSessionHandler handles GET /sessions/:identity
func (s *Server) getSessionHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	sess, err := s.orch.Session(c.Request.Context(), identity)
	if err != nil {
		internalError(c, "getSession", err)
		return
	}
	respond(c, http.StatusOK, models.Success(sess))
}

// resetSessionHandler handles DELETE /sessions/:identity. Any attendance is closed first.
func (s *Server) resetSessionHandler(c *gin.Context) {
	identity, ok := identityParam(c)
	if !ok {
		return
	}
	sess, err := s.orch.Reset(c.Request.Context(), identity)
	if err != nil {
		internalError(c, "resetSession", err)
		return
	}
	respond(c, http.StatusOK, models.SuccessWithMessage("session reset", sess))
}
