package smtp

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器。
// 同时限制并发会话数和每秒新建连接数（令牌桶）。
type ConnectionLimiter struct {
	maxConns    int
	rateLimiter *rate.Limiter

	mu      sync.Mutex
	current int
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConns:    maxConns,
		rateLimiter: rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.maxConns {
		return false
	}
	if !l.rateLimiter.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// limitedListener 在 Accept 层应用连接限流。
// 超限的连接直接关闭，SMTP 协议层不感知。
type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
}

// NewLimitedListener 包装监听器，应用连接限流
func NewLimitedListener(ln net.Listener, limiter *ConnectionLimiter) net.Listener {
	return &limitedListener{Listener: ln, limiter: limiter}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if !l.limiter.Acquire() {
			conn.Close()
			continue
		}

		return &limitedConn{Conn: conn, limiter: l.limiter}, nil
	}
}

// limitedConn 在连接关闭时归还许可
type limitedConn struct {
	net.Conn
	limiter *ConnectionLimiter

	closeOnce sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.limiter.Release)
	return err
}
