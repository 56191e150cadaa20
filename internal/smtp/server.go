package smtp

import (
	"context"
	"net"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"throwbox/backend/internal/config"
)

// Server 包装 go-smtp 服务器，负责监听、限流与优雅关闭。
type Server struct {
	srv      *gosmtp.Server
	bindAddr string
	limiter  *ConnectionLimiter
	log      *zap.Logger
}

// NewServer 创建入站 SMTP 服务器。
// 不注册任何认证机制：这是公网收信入口，匿名投递是常态。
func NewServer(cfg *config.SMTPConfig, backend *Backend, log *zap.Logger) *Server {
	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.BindAddr
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout

	return &Server{
		srv:      srv,
		bindAddr: cfg.BindAddr,
		limiter:  NewConnectionLimiter(cfg.MaxConnections, cfg.MaxConnRate),
		log:      log,
	}
}

// Run 启动服务器并阻塞直到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return err
	}

	s.log.Info("SMTP server listening", zap.String("addr", s.bindAddr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(NewLimitedListener(ln, s.limiter))
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down SMTP server")
		if err := s.srv.Close(); err != nil {
			s.log.Warn("SMTP server close failed", zap.Error(err))
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
