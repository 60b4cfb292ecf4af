package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/config"
	"github.com/GoPolymarket/fraudgate/internal/middleware"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/rules"
	"github.com/GoPolymarket/fraudgate/internal/service"
	"github.com/GoPolymarket/fraudgate/internal/threatintel"
)

type stubEvaluator struct{}

func (stubEvaluator) Evaluate(_ context.Context, tx *model.TransactionContext) *model.EvaluationResult {
	res := &model.EvaluationResult{
		EvaluationID:      "eval-" + tx.TransactionID,
		TransactionID:     tx.TransactionID,
		RiskLevel:         model.RiskLow,
		Decision:          model.DecisionApprove,
		RecommendedAction: "approve",
		EvaluatedAt:       time.Now().UTC(),
	}
	if tx.Amount.IntPart() >= 1_000_000 {
		res.RiskScore, res.RiskLevel, res.Decision = 95, model.RiskHigh, model.DecisionBlocked
		res.ManualReview = true
	}
	return res
}

const testAPIKey = "sk-merchant-a"

func newTestRouter(t *testing.T, adminDeps AdminDeps) (*gin.Engine, *service.MemoryReviewQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Auth:    config.AuthConfig{RequireAPIKey: true, AdminKey: "admin-secret"},
		Clients: []config.ClientConfig{{ID: "merchant-a", Name: "Merchant A", APIKey: testAPIKey, QPS: 1000, Burst: 1000}},
	}
	cm := service.NewClientManager(cfg, nil)
	queue := service.NewMemoryReviewQueue(0)
	svc := service.NewEvaluationService(stubEvaluator{}, service.NewAuditTrail(nil, 100), queue, nil)
	t.Cleanup(svc.Close)

	evals := NewEvaluationHandler(svc)
	audit := NewAuditHandler(svc)
	admin := NewAdminHandler(adminDeps)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cm), middleware.RateLimitMiddleware(cm))
	v1.POST("/evaluations", evals.Evaluate)
	v1.GET("/evaluations", audit.List)
	v1.GET("/evaluations/:id", evals.Get)

	adm := r.Group("/v1/admin", middleware.AdminMiddleware(cfg))
	adm.POST("/blacklist", admin.AddBlacklist)
	adm.DELETE("/blacklist/:kind/:value", admin.RemoveBlacklist)
	adm.GET("/rules", admin.ListRules)
	adm.PUT("/rules/:id", admin.UpsertRule)
	adm.PATCH("/rules/:id", admin.SetRuleActive)
	adm.POST("/rules/invalidate", admin.InvalidateRules)
	adm.POST("/exit-nodes/refresh", admin.RefreshExitNodes)
	return r, queue
}

func doJSON(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func checkoutBody(id string, amount int) map[string]any {
	return map[string]any{
		"transaction_id": id,
		"amount":         amount,
		"currency":       "KRW",
		"ip":             "198.51.100.20",
		"billing":        map[string]any{"country": "KR"},
		"payment":        map[string]any{"method": "card", "bin": "411111"},
	}
}

var merchantHeaders = map[string]string{middleware.HeaderAPIKey: testAPIKey}

func TestEvaluateRequiresAPIKey(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodPost, "/v1/evaluations", checkoutBody("tx-1", 1000), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(r, http.MethodPost, "/v1/evaluations", checkoutBody("tx-1", 1000), map[string]string{middleware.HeaderAPIKey: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEvaluateApproved(t *testing.T) {
	r, queue := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodPost, "/v1/evaluations", checkoutBody("tx-ok", 1000), merchantHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res model.EvaluationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.DecisionApprove, res.Decision)
	assert.Equal(t, "tx-ok", res.TransactionID)
	assert.Empty(t, queue.TransactionIDs())
}

func TestEvaluateBlockedIsQueuedAndRetrievable(t *testing.T) {
	r, queue := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodPost, "/v1/evaluations", checkoutBody("tx-bad", 2_000_000), merchantHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tx-bad"}, queue.TransactionIDs())

	rec = doJSON(r, http.MethodGet, "/v1/evaluations/eval-tx-bad", nil, merchantHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored model.EvaluationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, model.DecisionBlocked, stored.Decision)

	rec = doJSON(r, http.MethodGet, "/v1/evaluations?transaction_id=tx-bad&limit=5", nil, merchantHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestEvaluateRejectsInvalidInput(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{})

	body := checkoutBody("tx-ip", 1000)
	body["ip"] = "not-an-ip"
	rec := doJSON(r, http.MethodPost, "/v1/evaluations", body, merchantHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", bytes.NewBufferString("{broken"))
	req.Header.Set(middleware.HeaderAPIKey, testAPIKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUnknownEvaluation(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodGet, "/v1/evaluations/missing", nil, merchantHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRejectsBadLimit(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodGet, "/v1/evaluations?limit=-3", nil, merchantHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

var adminHeaders = map[string]string{middleware.HeaderAdminKey: "admin-secret"}

func TestAdminRequiresKey(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{})
	rec := doJSON(r, http.MethodPost, "/v1/admin/rules/invalidate", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(r, http.MethodPost, "/v1/admin/rules/invalidate", nil, adminHeaders)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAdminBlacklistRoundTrip(t *testing.T) {
	bl := threatintel.NewMemoryBlacklist()
	gw := threatintel.NewGateway(threatintel.Options{Blacklist: bl})
	r, _ := newTestRouter(t, AdminDeps{Blacklist: gw})

	rec := doJSON(r, http.MethodPost, "/v1/admin/blacklist",
		map[string]any{"kind": "email", "value": " Fraud@Example.COM ", "reason": "chargeback"}, adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	entries := bl.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "fraud@example.com", entries[0].Value)
	assert.Equal(t, model.ThreatHigh, entries[0].Level)
	assert.Equal(t, "admin", entries[0].Source)

	res := gw.Check(context.Background(), model.IndicatorEmail, "fraud@example.com")
	assert.True(t, res.IsThreat)

	rec = doJSON(r, http.MethodDelete, "/v1/admin/blacklist/email/fraud@example.com", nil, adminHeaders)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, bl.List())
}

func TestAdminBlacklistRejectsUnknownKind(t *testing.T) {
	gw := threatintel.NewGateway(threatintel.Options{Blacklist: threatintel.NewMemoryBlacklist()})
	r, _ := newTestRouter(t, AdminDeps{Blacklist: gw})
	rec := doJSON(r, http.MethodPost, "/v1/admin/blacklist", map[string]any{"kind": "phone", "value": "123"}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type memoryRuleStore struct {
	defs map[string]model.RuleDefinition
}

func (m *memoryRuleStore) Upsert(_ context.Context, d model.RuleDefinition) error {
	m.defs[d.ID] = d
	return nil
}

func (m *memoryRuleStore) SetActive(_ context.Context, id string, active bool) error {
	d, ok := m.defs[id]
	if !ok {
		return errors.New("rule not found")
	}
	d.Active = active
	m.defs[id] = d
	return nil
}

type countingCatalog struct {
	rules.CatalogProvider
	invalidations int
}

func (c *countingCatalog) Invalidate() { c.invalidations++ }

func TestAdminRuleUpdatesInvalidateCatalog(t *testing.T) {
	store := &memoryRuleStore{defs: map[string]model.RuleDefinition{}}
	catalog := &countingCatalog{CatalogProvider: rules.NewStaticCatalog(rules.DefaultCatalog())}
	r, _ := newTestRouter(t, AdminDeps{Rules: store, Catalog: catalog})

	rec := doJSON(r, http.MethodPut, "/v1/admin/rules/high_amount", map[string]any{
		"category": "payment", "tier": "manual_review", "weight": 1, "priority": 50, "active": true,
		"params": map[string]any{"threshold": 750000},
	}, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 750000.0, store.defs["high_amount"].Params.Float("threshold", 0))

	rec = doJSON(r, http.MethodPatch, "/v1/admin/rules/high_amount", map[string]any{"active": false}, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, store.defs["high_amount"].Active)
	assert.Equal(t, 2, catalog.invalidations)

	rec = doJSON(r, http.MethodGet, "/v1/admin/rules", nil, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_card")
}

type fakeExitNodes struct {
	err  error
	size int
}

func (f *fakeExitNodes) Refresh(context.Context) error { return f.err }
func (f *fakeExitNodes) Size() int                     { return f.size }

func TestAdminRefreshExitNodes(t *testing.T) {
	r, _ := newTestRouter(t, AdminDeps{ExitNodes: &fakeExitNodes{size: 1200}})
	rec := doJSON(r, http.MethodPost, "/v1/admin/exit-nodes/refresh", nil, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1200")

	r, _ = newTestRouter(t, AdminDeps{ExitNodes: &fakeExitNodes{err: errors.New("timeout")}})
	rec = doJSON(r, http.MethodPost, "/v1/admin/exit-nodes/refresh", nil, adminHeaders)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
