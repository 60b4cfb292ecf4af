package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/middleware"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/rules"
)

// BlacklistManager is satisfied by *threatintel.Gateway.
type BlacklistManager interface {
	AddToBlacklist(ctx context.Context, entry *model.BlacklistEntry) error
	RemoveFromBlacklist(ctx context.Context, kind model.IndicatorKind, value string) error
}

// RuleStore is the writable rule catalog; *repository.GormRuleStore in production.
type RuleStore interface {
	Upsert(ctx context.Context, d model.RuleDefinition) error
	SetActive(ctx context.Context, id string, active bool) error
}

// ExitNodeRefresher is satisfied by *network.ExitNodeSet.
type ExitNodeRefresher interface {
	Refresh(ctx context.Context) error
	Size() int
}

type AdminDeps struct {
	Blacklist BlacklistManager
	Rules     RuleStore
	Catalog   rules.CatalogProvider
	ExitNodes ExitNodeRefresher
}

type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

type blacklistRequest struct {
	Kind   model.IndicatorKind `json:"kind" binding:"required"`
	Value  string              `json:"value" binding:"required"`
	Level  model.ThreatLevel   `json:"level"`
	Reason string              `json:"reason"`
}

func (h *AdminHandler) AddBlacklist(c *gin.Context) {
	if h.deps.Blacklist == nil {
		c.Error(apperrors.Configuration("blacklist not configured", nil))
		return
	}
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	entry := &model.BlacklistEntry{
		Kind:   req.Kind,
		Value:  req.Value,
		Level:  req.Level,
		Source: "admin",
		Reason: req.Reason,
	}
	if err := h.deps.Blacklist.AddToBlacklist(c.Request.Context(), entry); err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "action", "blacklist_add")
	middleware.AddAuditContext(c, "indicator_kind", entry.Kind)
	c.JSON(http.StatusCreated, entry)
}

func (h *AdminHandler) RemoveBlacklist(c *gin.Context) {
	if h.deps.Blacklist == nil {
		c.Error(apperrors.Configuration("blacklist not configured", nil))
		return
	}
	kind := model.IndicatorKind(c.Param("kind"))
	value := c.Param("value")
	if err := h.deps.Blacklist.RemoveFromBlacklist(c.Request.Context(), kind, value); err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "action", "blacklist_remove")
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ListRules(c *gin.Context) {
	if h.deps.Catalog == nil {
		c.Error(apperrors.Configuration("rule catalog not configured", nil))
		return
	}
	defs, err := h.deps.Catalog.Current(c.Request.Context())
	if err != nil {
		c.Error(apperrors.Transient("load rule catalog", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": defs, "count": len(defs)})
}

func (h *AdminHandler) UpsertRule(c *gin.Context) {
	if h.deps.Rules == nil {
		c.Error(apperrors.Configuration("rule store not configured", nil))
		return
	}
	var def model.RuleDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	def.ID = c.Param("id")
	if def.Tier == "" || def.Category == "" {
		c.Error(apperrors.NewInvalidRequest("rule tier and category are required"))
		return
	}
	if err := h.deps.Rules.Upsert(c.Request.Context(), def); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	h.invalidateCatalog()
	middleware.AddAuditContext(c, "action", "rule_upsert")
	middleware.AddAuditContext(c, "rule_id", def.ID)
	c.JSON(http.StatusOK, def)
}

func (h *AdminHandler) SetRuleActive(c *gin.Context) {
	if h.deps.Rules == nil {
		c.Error(apperrors.Configuration("rule store not configured", nil))
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	id := c.Param("id")
	if err := h.deps.Rules.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	h.invalidateCatalog()
	middleware.AddAuditContext(c, "action", "rule_set_active")
	middleware.AddAuditContext(c, "rule_id", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

// InvalidateRules forces the next evaluation to reload the catalog.
func (h *AdminHandler) InvalidateRules(c *gin.Context) {
	h.invalidateCatalog()
	c.JSON(http.StatusAccepted, gin.H{"status": "invalidated"})
}

func (h *AdminHandler) invalidateCatalog() {
	if h.deps.Catalog != nil {
		h.deps.Catalog.Invalidate()
	}
}

func (h *AdminHandler) RefreshExitNodes(c *gin.Context) {
	if h.deps.ExitNodes == nil {
		c.Error(apperrors.Configuration("exit node list not configured", nil))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.deps.ExitNodes.Refresh(ctx); err != nil {
		logger.Warn("manual exit node refresh failed", "error", err)
		c.Error(apperrors.Transient("refresh exit nodes", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": h.deps.ExitNodes.Size()})
}
