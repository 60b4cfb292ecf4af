package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AuditHandler struct {
	svc *service.EvaluationService
}

func NewAuditHandler(svc *service.EvaluationService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List returns recent evaluations, newest first, optionally for one transaction.
func (h *AuditHandler) List(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.Error(err)
		return
	}
	records := h.svc.List(c.Request.Context(), c.Query("transaction_id"), limit)
	c.JSON(http.StatusOK, gin.H{"evaluations": records, "count": len(records)})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.NewInvalidRequest("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
