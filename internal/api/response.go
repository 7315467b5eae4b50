package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/GarageDesk/internal/models"
	"github.com/BTreeMap/GarageDesk/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// respond writes body as JSON. Encoding happens before headers are written so an encoding
// failure still yields a well-formed 500.
func respond(c *gin.Context, statusCode int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.respond: failed to marshal JSON response", "path", c.FullPath(), "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	c.Data(statusCode, "application/json", data)
}

// outcomeStatus maps a business outcome to its HTTP status.
func outcomeStatus(o models.Outcome) int {
	switch o {
	case models.OutcomeOK:
		return http.StatusOK
	case models.OutcomeNotFound:
		return http.StatusNotFound
	case models.OutcomeAlreadyClaimed, models.OutcomeInvalidTransition, models.OutcomeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondTransition writes a claim/finish/cancel result. A committed ticket move whose session
// update failed is still reported as done.
func respondTransition(c *gin.Context, op string, res models.TransitionResult, err error) {
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionOutOfSync) && res.OK() {
			slog.Error("Server."+op+": session out of sync", "error", err)
			respond(c, http.StatusOK, models.SuccessWithMessage("ticket moved; session update failed", res))
			return
		}
		internalError(c, op, err)
		return
	}
	status := outcomeStatus(res.Outcome)
	if res.OK() {
		respond(c, status, models.Success(res))
		return
	}
	respond(c, status, models.ErrorWithResult(string(res.Outcome), res))
}

// internalError logs err and writes a generic 500.
func internalError(c *gin.Context, op string, err error) {
	slog.Error("Server."+op+" failed", "error", err)
	respond(c, http.StatusInternalServerError, models.Error("Internal server error"))
}

// identityParam canonicalizes the :identity path parameter, writing a 400 when it is invalid.
func identityParam(c *gin.Context) (string, bool) {
	id, err := models.NormalizeIdentity(c.Param("identity"))
	if err != nil {
		respond(c, http.StatusBadRequest, models.Error("Invalid identity: "+err.Error()))
		return "", false
	}
	return id, true
}
