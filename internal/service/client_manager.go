package service

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/GoPolymarket/fraudgate/internal/config"
	"github.com/GoPolymarket/fraudgate/internal/model"
)

// ClientManager 管理接入方信息以及限流器
type ClientManager struct {
	mu            sync.RWMutex
	clients       map[string]*model.Client // Key: ApiKey
	limiters      map[string]*rate.Limiter // Key: ClientID
	global        *rate.Limiter
	defaultClient *model.Client
	repo          ClientRepo
}

type ClientRepo interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Client, error)
}

func NewClientManager(cfg *config.Config, repo ClientRepo) *ClientManager {
	cm := &ClientManager{
		clients:  make(map[string]*model.Client),
		limiters: make(map[string]*rate.Limiter),
		repo:     repo,
		global:   rate.NewLimiter(rate.Inf, 1),
	}
	if cfg == nil {
		return cm
	}
	if cfg.Server.GlobalQPS > 0 {
		burst := cfg.Server.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.Server.GlobalQPS)
		}
		cm.global = rate.NewLimiter(rate.Limit(cfg.Server.GlobalQPS), burst)
	}

	// 配置化接入方 (优先)
	for _, cc := range cfg.Clients {
		cm.RegisterClient(&model.Client{
			ID:     cc.ID,
			Name:   cc.Name,
			APIKey: cc.APIKey,
			Rate:   model.RateLimitConfig{QPS: cc.QPS, Burst: cc.Burst},
		})
	}

	// 未强制鉴权时使用匿名接入方
	if !cfg.Auth.RequireAPIKey {
		anon := &model.Client{
			ID:   "anonymous",
			Name: "Unauthenticated caller",
			Rate: model.RateLimitConfig{QPS: 0, Burst: 0},
		}
		cm.mu.Lock()
		cm.limiters[anon.ID] = newClientLimiter(anon.Rate)
		cm.defaultClient = anon
		cm.mu.Unlock()
	}
	return cm
}

func newClientLimiter(cfg model.RateLimitConfig) *rate.Limiter {
	// 配置为0时不限流，由全局限流兜底
	limit := rate.Limit(cfg.QPS)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

func (cm *ClientManager) RegisterClient(c *model.Client) {
	if c == nil || c.APIKey == "" {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[c.APIKey] = c
	cm.limiters[c.ID] = newClientLimiter(c.Rate)
}

func (cm *ClientManager) RemoveClient(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for key, c := range cm.clients {
		if c.ID == id {
			delete(cm.clients, key)
			delete(cm.limiters, id)
		}
	}
}

func (cm *ClientManager) GetClientByAPIKey(ctx context.Context, apiKey string) (*model.Client, bool) {
	cm.mu.RLock()
	c, ok := cm.clients[apiKey]
	cm.mu.RUnlock()
	if ok {
		return c, true
	}
	if cm.repo == nil {
		return nil, false
	}
	c, err := cm.repo.GetByAPIKey(ctx, apiKey)
	if err != nil || c == nil {
		return nil, false
	}
	cm.RegisterClient(c)
	return c, true
}

func (cm *ClientManager) DefaultClient() *model.Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.defaultClient
}

// Allow takes one token from the client's bucket and one from the global
// bucket. The global bucket is only charged once the client bucket admits.
func (cm *ClientManager) Allow(clientID string) bool {
	cm.mu.RLock()
	limiter := cm.limiters[clientID]
	cm.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		return false
	}
	return cm.global.Allow()
}
