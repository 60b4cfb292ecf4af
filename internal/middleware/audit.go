package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

const (
	ContextAuditLog = "audit_log"
	HeaderRequestID = "X-Request-ID"

	maxLoggedBody = 4 << 10
)

// RequestLog 单次 HTTP 请求的审计记录
type RequestLog struct {
	ID           string
	ClientID     string
	Method       string
	Path         string
	IP           string
	UserAgent    string
	RequestBody  string
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Context      map[string]interface{}
	CreatedAt    time.Time
}

// bodyLogWriter 包装 ResponseWriter 以捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// AuditMiddleware emits one structured line per request. Bodies are only
// captured at debug level and always pass through redaction first.
func AuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Header(HeaderRequestID, reqID)

		withBodies := logger.Get().Enabled(c.Request.Context(), slog.LevelDebug)

		// 读取请求体 (并写回以便后续 Bind 使用)
		var reqBodyBytes []byte
		if withBodies && c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		entry := &RequestLog{
			ID:        reqID,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			CreatedAt: start,
			Context:   make(map[string]interface{}),
		}
		c.Set(ContextAuditLog, entry)

		var blw *bodyLogWriter
		if withBodies {
			blw = &bodyLogWriter{body: bytes.NewBufferString(""), ResponseWriter: c.Writer}
			c.Writer = blw
		}

		c.Next()

		if client := ClientFrom(c); client != nil {
			entry.ClientID = client.ID
		}
		entry.StatusCode = c.Writer.Status()
		entry.LatencyMs = time.Since(start).Milliseconds()

		fields := []any{
			"request_id", entry.ID,
			"client_id", entry.ClientID,
			"method", entry.Method,
			"path", entry.Path,
			"status", entry.StatusCode,
			"latency_ms", entry.LatencyMs,
			"ip", entry.IP,
		}
		for k, v := range entry.Context {
			fields = append(fields, k, v)
		}
		if withBodies {
			entry.RequestBody = redactAuditBody(entry.Path, reqBodyBytes)
			entry.ResponseBody = redactAuditBody(entry.Path, blw.body.Bytes())
			fields = append(fields, "request_body", entry.RequestBody, "response_body", entry.ResponseBody)
			logger.Debug("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

// AddAuditContext lets handlers attach business fields to the request log.
func AddAuditContext(c *gin.Context, key string, value interface{}) {
	if val, exists := c.Get(ContextAuditLog); exists {
		if entry, ok := val.(*RequestLog); ok {
			entry.Context[key] = value
		}
	}
}

func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !isSensitivePath(path) {
		return string(body)
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func isSensitivePath(path string) bool {
	switch {
	case strings.HasPrefix(path, "/v1/evaluations"):
		return true
	case strings.HasPrefix(path, "/v1/admin"):
		return true
	default:
		return false
	}
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "card_number",
		"cvv",
		"cvc",
		"email",
		"name",
		"line1",
		"line2",
		"postal_code",
		"phone",
		"api_key",
		"admin_key":
		return true
	default:
		return false
	}
}
