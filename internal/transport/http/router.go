package httptransport

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"throwbox/backend/internal/health"
	"throwbox/backend/internal/middleware"
	"throwbox/backend/internal/websocket"
)

// maxWebhookBodyBytes webhook 请求体上限。provider 会把附件内联在事件里，
// 所以上限对齐 SMTP 侧的单封邮件上限量级。
const maxWebhookBodyBytes = 30 * 1024 * 1024

// RouterDeps 路由依赖集合
type RouterDeps struct {
	Webhook        *WebhookHandler
	Hub            *websocket.Hub
	Health         *health.Checker
	AllowedOrigins []string
	Log            *zap.Logger
}

// NewRouter 组装 HTTP 路由
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(middleware.Recovery(deps.Log))
	r.Use(middleware.RequestLogger(deps.Log))
	r.Use(middleware.SecurityHeaders())

	corsConfig := cors.Config{
		AllowOrigins:     deps.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "webhook-id", "webhook-timestamp", "webhook-signature"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 通配来源下浏览器不允许携带凭证
	for _, origin := range deps.AllowedOrigins {
		if origin == "*" {
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowOrigins = nil
			corsConfig.AllowCredentials = false
			break
		}
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
	r.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", websocket.HandleWebSocket(deps.Hub))

	v1 := r.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.BodySizeLimit(maxWebhookBodyBytes))
		webhooks.POST("/inbound", deps.Webhook.HandleInbound)
	}

	return r
}
