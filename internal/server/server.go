package server

import (
	"binance-candle-bot-go/internal/controller"
	"binance-candle-bot-go/internal/models"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource 只读的机器人状态
type StatusSource interface {
	Status(id int64) (*models.BotStatusView, error)
	Running() []int64
}

// NewRouter 运维路由：健康检查、Prometheus 指标、状态推送和只读状态查询。
// hub 为空时不注册 /ws。
func NewRouter(status StatusSource, hub http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": len(status.Running())})
	})

	// Prometheus metrics 端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if hub != nil {
		r.GET("/ws", gin.WrapH(hub))
	}

	bots := r.Group("/bots")
	{
		bots.GET("", func(c *gin.Context) {
			views := make([]*models.BotStatusView, 0)
			for _, id := range status.Running() {
				if view, err := status.Status(id); err == nil {
					views = append(views, view)
				}
			}
			c.JSON(http.StatusOK, views)
		})
		bots.GET("/:id/status", func(c *gin.Context) {
			id, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
				return
			}
			view, err := status.Status(id)
			switch {
			case errors.Is(err, controller.ErrBotNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusOK, view)
			}
		})
	}
	return r
}

// Server 运维 HTTP 服务
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// New 创建服务，不监听端口
func New(addr string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start 在后台监听，ctx 取消后优雅关闭
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Info("运维服务启动", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("运维服务启动失败", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("运维服务关闭失败", zap.Error(err))
		} else {
			s.logger.Info("运维服务已关闭")
		}
	}()
}
