package model

// RateLimitConfig 定义调用方的限流规则
type RateLimitConfig struct {
	QPS   float64 `json:"qps"`   // 每秒查询数
	Burst int     `json:"burst"` // 突发桶大小
}

// Client 代表一个接入方 (商户结账后端)
type Client struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	APIKey string          `json:"api_key"` // 网关颁发给调用方的 Access Key
	Rate   RateLimitConfig `json:"rate_limit"`
}
