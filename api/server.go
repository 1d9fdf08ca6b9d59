package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"btcopilot/copilot"
	"btcopilot/internal/logger"
)

// Server HTTP服务器
type Server struct {
	engine *gin.Engine
	server *http.Server
	log    *logger.Logger
}

// NewServer 创建服务器. The copilot is owned by the server from here on; handlers
// serialise access to it.
func NewServer(cp *copilot.Copilot, listen string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(jsonOnlyMiddleware())
	engine.Use(loggerMiddleware(log))

	s := &Server{
		engine: engine,
		log:    log,
		server: &http.Server{
			Addr:              listen,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.setupRoutes(NewHandler(cp, log))
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(h *Handler) {
	api := s.engine.Group("/api")
	{
		// 会话
		api.GET("/session", h.GetSession)
		api.POST("/session/snapshot", h.SaveSession)
		api.POST("/session/restore", h.RestoreSession)
		api.PUT("/project", h.SetProject)

		// 提示词片段
		api.PUT("/fragments/:name", h.SetFragment)
		api.POST("/compose", h.Compose)
		api.GET("/templates", h.GetTemplates)

		// 生成
		api.POST("/generate", h.Generate)
		api.POST("/describe", h.Describe)
		api.POST("/feedback", h.Feedback)
		api.POST("/visualize", h.Visualize)

		// 代码
		api.GET("/code", h.GetCode)
		api.POST("/code/load", h.LoadCode)
		api.POST("/code/boilerplate", h.LoadBoilerplate)
		api.POST("/code/save", h.SaveCode)
		api.POST("/backtest", h.RunBacktest)
	}

	// 健康检查
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start 启动服务器
func (s *Server) Start() error {
	s.log.Info("api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// loggerMiddleware 日志中间件
func loggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).Round(time.Microsecond),
		)
	}
}

// corsMiddleware CORS中间件. Only loopback origins are echoed back.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); isLoopbackOrigin(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// jsonOnlyMiddleware rejects POST and PUT requests that are not application/json, so
// browsers cannot send them cross-site without a preflight.
func jsonOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
			c.Next()
			return
		}
		if c.ContentType() != binding.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error": "content type must be " + binding.MIMEJSON,
				"kind":  copilot.KindInvalidInput.String(),
			})
			return
		}
		c.Next()
	}
}

func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
