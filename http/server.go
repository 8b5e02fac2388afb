// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	// APIToken, when set, is required as a bearer token on every /api route
	// except health.
	APIToken       string
	MaxRequestSize int64
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        5 * time.Minute,
		AllowedOrigins: []string{"*"},
		MaxRequestSize: 32 << 20,
	}
}

// Handler builds the routed handler with the middleware chain applied.
func Handler(config ServerConfig, svc *Service) http.Handler {
	mux := http.NewServeMux()
	svc.Register(mux)

	middlewares := []Middleware{
		RecoveryMiddleware(svc.logger), // 最先执行, 捕获panic
		LoggerMiddleware(svc.logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		RequestSizeMiddleware(config.MaxRequestSize),
		TimeoutMiddleware(config.Timeout),
	}
	if config.APIToken != "" {
		middlewares = append(middlewares, AuthMiddleware(StaticToken(config.APIToken), "/api/health"))
	}
	return Chain(middlewares...)(mux)
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, svc *Service) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           Handler(config, svc),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		logger: svc.logger,
	}
}

// Start 启动服务器, 阻塞到服务器关闭
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve 在给定监听器上提供服务
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting http server",
		zap.String("addr", ln.Addr().String()),
		zap.String("websocket", "/api/ws/training"))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
