package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	log    *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   8 << 20,
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           NewHandler(config, deps),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		log:    deps.Log,
	}
}

// NewHandler 组装路由和中间件
func NewHandler(config ServerConfig, deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	api := http.NewServeMux()
	NewHandlers(deps).Register(api)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(deps.Log),               // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(deps.Log),                 // 2. 日志中间件
		SecurityHeadersMiddleware,                  // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),      // 4. CORS中间件
		TimeoutMiddleware(config.Timeout),          // 5. 超时中间件
		GzipMiddleware,                             // 6. Gzip压缩中间件
		RequestSizeMiddleware(config.MaxBodyBytes), // 7. 请求大小限制
	)

	root := http.NewServeMux()
	root.Handle("/", chain(api))
	if deps.Hub != nil {
		// WebSocket 长连接不经过超时和压缩中间件
		ws := Chain(RecoveryMiddleware(deps.Log), LoggerMiddleware(deps.Log))
		root.Handle("GET /api/ws/predictions", ws(http.HandlerFunc(deps.Hub.HandleWebSocket)))
	}
	return root
}

// Start 启动服务器
func (s *Server) Start() error {
	s.log.Info("starting http server",
		zap.String("addr", s.server.Addr),
		zap.String("websocket", "/api/ws/predictions"))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}

// Handler 返回完整的路由处理器
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
