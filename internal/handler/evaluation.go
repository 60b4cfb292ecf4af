package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/middleware"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/service"
)

type EvaluationHandler struct {
	svc *service.EvaluationService
}

func NewEvaluationHandler(svc *service.EvaluationService) *EvaluationHandler {
	return &EvaluationHandler{svc: svc}
}

// Evaluate scores one checkout. Engine failures degrade the result, they
// never fail the request; only malformed input is rejected.
func (h *EvaluationHandler) Evaluate(c *gin.Context) {
	client := middleware.ClientFrom(c)
	if client == nil {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized: missing client context", nil))
		return
	}

	var tx model.TransactionContext
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	res, err := h.svc.Evaluate(c.Request.Context(), client.ID, &tx)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "evaluation_id", res.EvaluationID)
	middleware.AddAuditContext(c, "decision", res.Decision)
	c.JSON(http.StatusOK, res)
}

func (h *EvaluationHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.Error(apperrors.NewInvalidRequest("evaluation id is required"))
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
