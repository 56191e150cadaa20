package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"throwbox/backend/internal/domain"
	redisstore "throwbox/backend/internal/storage/redis"
)

const probeTimeout = 5 * time.Second

// Checker 健康检查器。
//
// liveness 只反映进程本身，readiness 附带数据库和 Redis 探活，
// 依赖短暂不可用时摘流量但不重启进程。
type Checker struct {
	handler healthcheck.Handler
}

// NewChecker 创建健康检查器。rdb 可以为 nil（未启用 Redis 的部署）。
func NewChecker(store domain.Store, rdb *redisstore.Client) *Checker {
	h := healthcheck.NewHandler()

	h.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return store.Health(ctx)
	})

	if rdb != nil {
		h.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			defer cancel()
			return rdb.Ping(ctx)
		})
	}

	return &Checker{handler: h}
}

// LiveHandler 返回 liveness 探针处理器
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(c.handler.LiveEndpoint)
}

// ReadyHandler 返回 readiness 探针处理器
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(c.handler.ReadyEndpoint)
}
