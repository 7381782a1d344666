// Package opshttp 提供只读运维 HTTP 服务：运行历史、当前持仓与报表页。
// 调仓管道本身不经过 HTTP，这里只做观察窗口。
package opshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ballast/internal/logger"
	"ballast/internal/store"
)

// Server 包装 gin engine 与监听地址。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 ops HTTP 服务依赖。
type ServerConfig struct {
	Addr      string
	Runs      *store.Store
	StatePath string
}

// NewServer 构建 ops HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runs == nil {
		return nil, errors.New("ops http server 需要运行历史存储")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r := NewRouter(cfg.Runs, cfg.StatePath)
	r.Register(router.Group("/api"))
	router.GET("/report", r.handleReport)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录运维接口调用，便于追踪刷新与排查。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path = path + "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露底层 handler，测试用。
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
